package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/capitalize-ai/chatflow/internal/model"
	"github.com/capitalize-ai/chatflow/internal/store"
)

func (d *DB) FindPublishedBot(ctx context.Context, tenantID, instanceID string) (*model.Bot, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT id, tenant_id, instance_id, name, published, flow, updated_at FROM bots
		WHERE tenant_id = $1 AND instance_id = $2 AND published
		ORDER BY updated_at DESC LIMIT 1`, tenantID, instanceID)
	return scanBot(row)
}

func (d *DB) GetBot(ctx context.Context, tenantID, id string) (*model.Bot, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT id, tenant_id, instance_id, name, published, flow, updated_at FROM bots
		WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	return scanBot(row)
}

func scanBot(row pgx.Row) (*model.Bot, error) {
	b := &model.Bot{}
	var flow []byte
	if err := row.Scan(&b.ID, &b.TenantID, &b.InstanceID, &b.Name, &b.Published, &flow, &b.UpdatedAt); err != nil {
		return nil, translate(err)
	}
	if err := json.Unmarshal(flow, &b.Flow); err != nil {
		return nil, fmt.Errorf("decode flow of bot %s: %w", b.ID, err)
	}
	return b, nil
}

const sessionColumns = `id, bot_id, tenant_id, instance_id, contact_key, conversation_id, current_node_id,
	variables, exec_count, suspend, timeout_at, timeout_node_id, created_at, updated_at`

func (d *DB) GetSession(ctx context.Context, botID, contactKey, instanceID string) (*model.Session, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM flow_sessions
		WHERE bot_id = $1 AND contact_key = $2 AND instance_id = $3`, botID, contactKey, instanceID)
	return scanSession(row)
}

func (d *DB) FindSessionByContact(ctx context.Context, tenantID, instanceID, contactKey string) (*model.Session, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM flow_sessions
		WHERE tenant_id = $1 AND instance_id = $2 AND contact_key = $3
		ORDER BY updated_at DESC LIMIT 1`, tenantID, instanceID, contactKey)
	return scanSession(row)
}

func (d *DB) SaveSession(ctx context.Context, s *model.Session) error {
	vars, err := json.Marshal(nonNilMap(s.Variables))
	if err != nil {
		return fmt.Errorf("marshal session variables: %w", err)
	}
	var suspend []byte
	if s.Suspend != nil {
		if suspend, err = json.Marshal(s.Suspend); err != nil {
			return fmt.Errorf("marshal suspend state: %w", err)
		}
	}

	_, err = d.pool.Exec(ctx,
		`INSERT INTO flow_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			bot_id = EXCLUDED.bot_id,
			conversation_id = EXCLUDED.conversation_id,
			current_node_id = EXCLUDED.current_node_id,
			variables = EXCLUDED.variables,
			exec_count = EXCLUDED.exec_count,
			suspend = EXCLUDED.suspend,
			timeout_at = EXCLUDED.timeout_at,
			timeout_node_id = EXCLUDED.timeout_node_id,
			updated_at = EXCLUDED.updated_at`,
		s.ID, s.BotID, s.TenantID, s.InstanceID, s.ContactKey, s.ConversationID, s.CurrentNodeID,
		vars, s.ExecCount, suspend, s.TimeoutAt, s.TimeoutNodeID, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", translate(err))
	}
	return nil
}

func (d *DB) DeleteSession(ctx context.Context, id string) error {
	if _, err := d.pool.Exec(ctx, `DELETE FROM flow_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (d *DB) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]model.Session, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM flow_sessions
		WHERE timeout_at IS NOT NULL AND timeout_at <= $1
		ORDER BY timeout_at LIMIT $2`, now, limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return out, nil
}

func scanSession(row pgx.Row) (*model.Session, error) {
	s := &model.Session{}
	var vars, suspend []byte
	err := row.Scan(
		&s.ID, &s.BotID, &s.TenantID, &s.InstanceID, &s.ContactKey, &s.ConversationID, &s.CurrentNodeID,
		&vars, &s.ExecCount, &suspend, &s.TimeoutAt, &s.TimeoutNodeID, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, translate(err)
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &s.Variables); err != nil {
			return nil, fmt.Errorf("decode session variables: %w", err)
		}
	}
	if len(suspend) > 0 {
		s.Suspend = &model.SuspendState{}
		if err := json.Unmarshal(suspend, s.Suspend); err != nil {
			return nil, fmt.Errorf("decode suspend state: %w", err)
		}
	}
	return s, nil
}

func (d *DB) SetVariable(ctx context.Context, conversationID, name, value string) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO conversation_variables (conversation_id, name, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (conversation_id, name) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		conversationID, name, value)
	if err != nil {
		return fmt.Errorf("failed to set variable: %w", translate(err))
	}
	return nil
}

func (d *DB) ListVariables(ctx context.Context, conversationID string) (map[string]string, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT name, value FROM conversation_variables WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list variables: %w", err)
	}
	defer rows.Close()

	vars := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan variable: %w", err)
		}
		vars[name] = value
	}
	return vars, rows.Err()
}

var _ store.SessionStore = (*DB)(nil)
