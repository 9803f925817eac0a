package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/chatflow/internal/model"
)

// MemoryStore keeps everything in process memory. It enforces the same
// uniqueness constraints as the Postgres schema.
type MemoryStore struct {
	mu sync.RWMutex

	instances     map[string]model.Instance
	conversations map[string]model.Conversation
	messages      map[string]model.Message
	messageKeys   map[string]string // external id -> message id
	bots          map[string]model.Bot
	sessions      map[string]model.Session
	variables     map[string]map[string]string
	queues        map[string]string // tenant|name -> queue id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances:     make(map[string]model.Instance),
		conversations: make(map[string]model.Conversation),
		messages:      make(map[string]model.Message),
		messageKeys:   make(map[string]string),
		bots:          make(map[string]model.Bot),
		sessions:      make(map[string]model.Session),
		variables:     make(map[string]map[string]string),
		queues:        make(map[string]string),
	}
}

// PutInstance registers a channel instance.
func (s *MemoryStore) PutInstance(inst model.Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.Key] = inst
}

// PutBot registers or replaces a bot.
func (s *MemoryStore) PutBot(bot model.Bot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bots[bot.ID] = bot
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() {}

func (s *MemoryStore) GetInstance(ctx context.Context, key string) (*model.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &inst, nil
}

func (s *MemoryStore) GetInstanceByID(ctx context.Context, id string) (*model.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inst := range s.instances {
		if inst.ID == id {
			return &inst, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetConversation(ctx context.Context, tenantID, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok || conv.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return copyConversation(conv), nil
}

func (s *MemoryStore) FindConversation(ctx context.Context, tenantID, instanceID, remoteID string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, conv := range s.conversations {
		if conv.TenantID == tenantID && conv.InstanceID == instanceID && conv.RemoteID == remoteID {
			return copyConversation(conv), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) FindConversationByPhone(ctx context.Context, tenantID, phone string) (*model.Conversation, error) {
	if phone == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *model.Conversation
	for _, conv := range s.conversations {
		if conv.TenantID != tenantID || conv.IsGroup || conv.Phone != phone {
			continue
		}
		if found == nil || conv.UpdatedAt.After(found.UpdatedAt) {
			found = copyConversation(conv)
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *MemoryStore) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.conversations {
		if existing.TenantID == conv.TenantID && existing.InstanceID == conv.InstanceID && existing.RemoteID == conv.RemoteID {
			return ErrConflict
		}
	}
	if _, ok := s.conversations[conv.ID]; ok {
		return ErrConflict
	}
	s.conversations[conv.ID] = *copyConversation(*conv)
	return nil
}

func (s *MemoryStore) PatchConversation(ctx context.Context, tenantID, id string, patch ConversationPatch) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.conversations[id]
	if !ok || existing.TenantID != tenantID {
		return nil, ErrNotFound
	}
	conv := copyConversation(existing)
	patch.Apply(conv)
	s.conversations[id] = *copyConversation(*conv)
	return conv, nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, find FindConversations) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var convs []model.Conversation
	for _, conv := range s.conversations {
		if conv.TenantID != find.TenantID {
			continue
		}
		if find.Status != "" && conv.Status != find.Status {
			continue
		}
		convs = append(convs, *copyConversation(conv))
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
	})
	return paginate(convs, find.Offset, find.Limit), nil
}

func (s *MemoryStore) InsertMessage(ctx context.Context, msg *model.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messageKeys[msg.ExternalID]; ok {
		return false, nil
	}
	if _, ok := s.messages[msg.ID]; ok {
		return false, ErrConflict
	}
	s.messages[msg.ID] = *copyMessage(*msg)
	s.messageKeys[msg.ExternalID] = msg.ID
	return true, nil
}

func (s *MemoryStore) FindMessageByExternalID(ctx context.Context, externalID string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.messageKeys[externalID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMessage(s.messages[id]), nil
}

func (s *MemoryStore) UpdateMessageMedia(ctx context.Context, id, mediaURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.MediaURL = &mediaURL
	s.messages[id] = msg
	return nil
}

func (s *MemoryStore) SetMessageReaction(ctx context.Context, id, senderID, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg = *copyMessage(msg)
	if msg.Reactions == nil {
		msg.Reactions = make(map[string]string)
	}
	if emoji == "" {
		delete(msg.Reactions, senderID)
	} else {
		msg.Reactions[senderID] = emoji
	}
	s.messages[id] = msg
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, find FindMessages) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var msgs []model.Message
	for _, msg := range s.messages {
		if msg.TenantID != find.TenantID || msg.ConversationID != find.ConversationID {
			continue
		}
		if find.Before != nil && !msg.SentAt.Before(*find.Before) {
			continue
		}
		msgs = append(msgs, *copyMessage(msg))
	}
	// newest first for the limit, then flip back to chronological order
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].SentAt.After(msgs[j].SentAt)
	})
	msgs = paginate(msgs, 0, find.Limit)
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *MemoryStore) FindPublishedBot(ctx context.Context, tenantID, instanceID string) (*model.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *model.Bot
	for _, bot := range s.bots {
		if bot.TenantID != tenantID || bot.InstanceID != instanceID || !bot.Published {
			continue
		}
		if found == nil || bot.UpdatedAt.After(found.UpdatedAt) {
			b := bot
			found = &b
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *MemoryStore) GetBot(ctx context.Context, tenantID, id string) (*model.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bot, ok := s.bots[id]
	if !ok || bot.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return &bot, nil
}

func (s *MemoryStore) GetSession(ctx context.Context, botID, contactKey, instanceID string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.BotID == botID && sess.ContactKey == contactKey && sess.InstanceID == instanceID {
			return copySession(sess), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) FindSessionByContact(ctx context.Context, tenantID, instanceID, contactKey string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *model.Session
	for _, sess := range s.sessions {
		if sess.TenantID != tenantID || sess.InstanceID != instanceID || sess.ContactKey != contactKey {
			continue
		}
		if found == nil || sess.UpdatedAt.After(found.UpdatedAt) {
			found = copySession(sess)
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *MemoryStore) SaveSession(ctx context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.sessions {
		if id != sess.ID && existing.BotID == sess.BotID && existing.ContactKey == sess.ContactKey && existing.InstanceID == sess.InstanceID {
			return ErrConflict
		}
	}
	s.sessions[sess.ID] = *copySession(*sess)
	return nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Session
	for _, sess := range s.sessions {
		if sess.TimeoutAt != nil && !sess.TimeoutAt.After(now) {
			out = append(out, *copySession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TimeoutAt.Before(*out[j].TimeoutAt)
	})
	return paginate(out, 0, limit), nil
}

func (s *MemoryStore) SetVariable(ctx context.Context, conversationID, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vars, ok := s.variables[conversationID]
	if !ok {
		vars = make(map[string]string)
		s.variables[conversationID] = vars
	}
	vars[name] = value
	return nil
}

func (s *MemoryStore) ListVariables(ctx context.Context, conversationID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.variables[conversationID]))
	for k, v := range s.variables[conversationID] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) ResolveQueue(ctx context.Context, tenantID, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantID + "|" + strings.TrimSpace(name)
	if id, ok := s.queues[key]; ok {
		return id, nil
	}
	id := uuid.Must(uuid.NewV7()).String()
	s.queues[key] = id
	return id, nil
}

func paginate[T any](items []T, offset, limit int) []T {
	total := len(items)
	start := offset
	if start > total {
		start = total
	}
	end := total
	if limit > 0 && start+limit < total {
		end = start + limit
	}
	return items[start:end]
}

func copyConversation(c model.Conversation) *model.Conversation {
	if c.GroupTitle != nil {
		v := *c.GroupTitle
		c.GroupTitle = &v
	}
	if c.AssignedUserID != nil {
		v := *c.AssignedUserID
		c.AssignedUserID = &v
	}
	if c.QueueID != nil {
		v := *c.QueueID
		c.QueueID = &v
	}
	if c.Tags != nil {
		c.Tags = append([]string(nil), c.Tags...)
	}
	return &c
}

func copyMessage(m model.Message) *model.Message {
	if m.MediaURL != nil {
		v := *m.MediaURL
		m.MediaURL = &v
	}
	if m.Reactions != nil {
		r := make(map[string]string, len(m.Reactions))
		for k, v := range m.Reactions {
			r[k] = v
		}
		m.Reactions = r
	}
	return &m
}

func copySession(s model.Session) *model.Session {
	if s.Variables != nil {
		vars := make(map[string]string, len(s.Variables))
		for k, v := range s.Variables {
			vars[k] = v
		}
		s.Variables = vars
	}
	if s.Suspend != nil {
		v := *s.Suspend
		s.Suspend = &v
	}
	if s.TimeoutAt != nil {
		v := *s.TimeoutAt
		s.TimeoutAt = &v
	}
	return &s
}

var _ Store = (*MemoryStore)(nil)
