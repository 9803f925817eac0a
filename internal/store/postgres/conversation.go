package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/capitalize-ai/chatflow/internal/model"
	"github.com/capitalize-ai/chatflow/internal/store"
)

const conversationColumns = `id, tenant_id, instance_id, channel, remote_id, phone, name, is_group, group_title,
	avatar_url, assigned_user_id, queue_id, status, tags, last_message, last_message_at, unread_count,
	created_at, updated_at`

func (d *DB) GetInstance(ctx context.Context, key string) (*model.Instance, error) {
	inst := &model.Instance{}
	err := d.pool.QueryRow(ctx,
		`SELECT key, id, tenant_id, name, channel FROM channel_instances WHERE key = $1`, key,
	).Scan(&inst.Key, &inst.ID, &inst.TenantID, &inst.Name, &inst.Channel)
	if err != nil {
		return nil, translate(err)
	}
	return inst, nil
}

func (d *DB) GetInstanceByID(ctx context.Context, id string) (*model.Instance, error) {
	inst := &model.Instance{}
	err := d.pool.QueryRow(ctx,
		`SELECT key, id, tenant_id, name, channel FROM channel_instances WHERE id = $1`, id,
	).Scan(&inst.Key, &inst.ID, &inst.TenantID, &inst.Name, &inst.Channel)
	if err != nil {
		return nil, translate(err)
	}
	return inst, nil
}

func (d *DB) GetConversation(ctx context.Context, tenantID, id string) (*model.Conversation, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	return scanConversation(row)
}

func (d *DB) FindConversation(ctx context.Context, tenantID, instanceID, remoteID string) (*model.Conversation, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		WHERE tenant_id = $1 AND instance_id = $2 AND remote_id = $3`, tenantID, instanceID, remoteID)
	return scanConversation(row)
}

func (d *DB) FindConversationByPhone(ctx context.Context, tenantID, phone string) (*model.Conversation, error) {
	if phone == "" {
		return nil, store.ErrNotFound
	}
	row := d.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		WHERE tenant_id = $1 AND phone = $2 AND NOT is_group
		ORDER BY updated_at DESC LIMIT 1`, tenantID, phone)
	return scanConversation(row)
}

func (d *DB) CreateConversation(ctx context.Context, c *model.Conversation) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		c.ID, c.TenantID, c.InstanceID, c.Channel, c.RemoteID, c.Phone, c.Name, c.IsGroup, c.GroupTitle,
		c.AvatarURL, c.AssignedUserID, c.QueueID, c.Status, tagsOrEmpty(c.Tags), c.LastMessage,
		nullTime(c.LastMessageAt), c.UnreadCount, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", translate(err))
	}
	return nil
}

func (d *DB) PatchConversation(ctx context.Context, tenantID, id string, p store.ConversationPatch) (*model.Conversation, error) {
	set, args := []string{}, []any{tenantID, id}
	assign := func(expr string, v any) {
		args = append(args, v)
		set = append(set, strings.ReplaceAll(expr, "?", "$"+strconv.Itoa(len(args))))
	}

	if p.Name != nil {
		assign("name = ?", *p.Name)
	}
	if p.GroupTitle != nil {
		assign("group_title = ?", *p.GroupTitle)
	}
	if p.AvatarURL != nil {
		assign("avatar_url = ?", *p.AvatarURL)
	}
	if p.Status != nil {
		assign("status = ?", string(*p.Status))
	}
	if p.Assignee != nil {
		assign("assigned_user_id = NULLIF(?, '')", *p.Assignee)
	}
	if p.QueueID != nil {
		assign("queue_id = ?", *p.QueueID)
	}
	if len(p.AddTags) > 0 || len(p.RemoveTags) > 0 {
		args = append(args, tagsOrEmpty(p.AddTags), tagsOrEmpty(p.RemoveTags))
		// keeps first-seen order, drops duplicates and removed tags
		set = append(set, `tags = ARRAY(
			SELECT u.t FROM unnest(array_cat(tags, $`+strconv.Itoa(len(args)-1)+`::text[])) WITH ORDINALITY AS u(t, ord)
			WHERE NOT (u.t = ANY($`+strconv.Itoa(len(args))+`::text[]))
			GROUP BY u.t ORDER BY min(u.ord))`)
	}
	if p.LastMessage != nil {
		assign("last_message = ?", *p.LastMessage)
	}
	if p.LastMessageAt != nil {
		assign("last_message_at = ?", nullTime(*p.LastMessageAt))
	}
	if p.UnreadDelta != 0 {
		assign("unread_count = unread_count + ?", p.UnreadDelta)
	}
	if p.UpdatedAt.IsZero() {
		set = append(set, "updated_at = now()")
	} else {
		assign("updated_at = ?", p.UpdatedAt)
	}

	row := d.pool.QueryRow(ctx,
		`UPDATE conversations SET `+strings.Join(set, ", ")+`
		WHERE tenant_id = $1 AND id = $2
		RETURNING `+conversationColumns, args...)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("failed to patch conversation: %w", err)
	}
	return conv, nil
}

func (d *DB) ListConversations(ctx context.Context, find store.FindConversations) ([]model.Conversation, error) {
	where, args := []string{"tenant_id = $1"}, []any{find.TenantID}
	if find.Status != "" {
		args = append(args, find.Status)
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	args = append(args, limitOrDefault(find.Limit), find.Offset)

	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY last_message_at DESC NULLS LAST LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var convs []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}
	return convs, nil
}

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	c := &model.Conversation{}
	var lastMessageAt *time.Time
	err := row.Scan(
		&c.ID, &c.TenantID, &c.InstanceID, &c.Channel, &c.RemoteID, &c.Phone, &c.Name, &c.IsGroup, &c.GroupTitle,
		&c.AvatarURL, &c.AssignedUserID, &c.QueueID, &c.Status, &c.Tags, &c.LastMessage, &lastMessageAt,
		&c.UnreadCount, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, translate(err)
	}
	if lastMessageAt != nil {
		c.LastMessageAt = *lastMessageAt
	}
	return c, nil
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func (d *DB) ResolveQueue(ctx context.Context, tenantID, name string) (string, error) {
	name = strings.TrimSpace(name)
	var id string
	err := d.pool.QueryRow(ctx,
		`INSERT INTO queues (id, tenant_id, name) VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`, uuid.Must(uuid.NewV7()).String(), tenantID, name).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to resolve queue: %w", translate(err))
	}
	return id, nil
}
