package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/capitalize-ai/chatflow/internal/model"
	"github.com/capitalize-ai/chatflow/internal/store"
)

const messageColumns = `id, conversation_id, tenant_id, external_id, provider_id, direction, type, content,
	sender_id, sender_name, media_url, reactions, sent_at, created_at`

func (d *DB) InsertMessage(ctx context.Context, m *model.Message) (bool, error) {
	reactions, err := json.Marshal(nonNilMap(m.Reactions))
	if err != nil {
		return false, fmt.Errorf("marshal reactions: %w", err)
	}
	tag, err := d.pool.Exec(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (external_id) DO NOTHING`,
		m.ID, m.ConversationID, m.TenantID, m.ExternalID, m.ProviderID, m.Direction, m.Type, m.Content,
		m.SenderID, m.SenderName, m.MediaURL, reactions, m.SentAt, m.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", translate(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (d *DB) FindMessageByExternalID(ctx context.Context, externalID string) (*model.Message, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE external_id = $1 ORDER BY created_at DESC LIMIT 1`, externalID)
	return scanMessage(row)
}

func (d *DB) UpdateMessageMedia(ctx context.Context, id, mediaURL string) error {
	tag, err := d.pool.Exec(ctx, `UPDATE messages SET media_url = $2 WHERE id = $1`, id, mediaURL)
	if err != nil {
		return fmt.Errorf("failed to update message media: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (d *DB) SetMessageReaction(ctx context.Context, id, senderID, emoji string) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if emoji == "" {
		tag, err = d.pool.Exec(ctx, `UPDATE messages SET reactions = reactions - $2::text WHERE id = $1`, id, senderID)
	} else {
		tag, err = d.pool.Exec(ctx,
			`UPDATE messages SET reactions = reactions || jsonb_build_object($2::text, $3::text) WHERE id = $1`,
			id, senderID, emoji)
	}
	if err != nil {
		return fmt.Errorf("failed to set message reaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (d *DB) ListMessages(ctx context.Context, find store.FindMessages) ([]model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE tenant_id = $1 AND conversation_id = $2`
	args := []any{find.TenantID, find.ConversationID}
	if find.Before != nil {
		query += ` AND sent_at < $3`
		args = append(args, *find.Before)
	}
	query += fmt.Sprintf(` ORDER BY sent_at DESC LIMIT %d`, limitOrDefault(find.Limit))

	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func scanMessage(row pgx.Row) (*model.Message, error) {
	m := &model.Message{}
	var reactions []byte
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.TenantID, &m.ExternalID, &m.ProviderID, &m.Direction, &m.Type, &m.Content,
		&m.SenderID, &m.SenderName, &m.MediaURL, &reactions, &m.SentAt, &m.CreatedAt,
	)
	if err != nil {
		return nil, translate(err)
	}
	if len(reactions) > 0 {
		if err := json.Unmarshal(reactions, &m.Reactions); err != nil {
			return nil, fmt.Errorf("decode reactions: %w", err)
		}
		if len(m.Reactions) == 0 {
			m.Reactions = nil
		}
	}
	return m, nil
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
