package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chatflow/internal/model"
)

func TestCreateConversationEnforcesRemoteUniqueness(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first := &model.Conversation{ID: "c1", TenantID: "t1", InstanceID: "i1", RemoteID: "5511999990000"}
	require.NoError(t, s.CreateConversation(ctx, first))

	dup := &model.Conversation{ID: "c2", TenantID: "t1", InstanceID: "i1", RemoteID: "5511999990000"}
	assert.ErrorIs(t, s.CreateConversation(ctx, dup), ErrConflict)

	other := &model.Conversation{ID: "c3", TenantID: "t2", InstanceID: "i1", RemoteID: "5511999990000"}
	assert.NoError(t, s.CreateConversation(ctx, other))
}

func TestPatchConversationWritesOnlyNamedFields(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	agent := "agent-1"
	require.NoError(t, s.CreateConversation(ctx, &model.Conversation{
		ID: "c1", TenantID: "t1", InstanceID: "i1", RemoteID: "5511999990000",
		Name: "Maria", Status: model.StatusOpen, AssignedUserID: &agent,
		Tags: []string{"lead"}, LastMessage: "hello", UnreadCount: 1,
	}))

	// two writers holding the same stale snapshot
	_, err := s.PatchConversation(ctx, "t1", "c1", ConversationPatch{AddTags: []string{"vip", "lead"}})
	require.NoError(t, err)
	preview := "second message"
	_, err = s.PatchConversation(ctx, "t1", "c1", ConversationPatch{LastMessage: &preview, UnreadDelta: 1})
	require.NoError(t, err)

	got, err := s.GetConversation(ctx, "t1", "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"lead", "vip"}, got.Tags)
	assert.Equal(t, "second message", got.LastMessage)
	assert.Equal(t, 2, got.UnreadCount)
	assert.Equal(t, "Maria", got.Name)
	require.NotNil(t, got.AssignedUserID)

	pending, unassigned := model.StatusPending, ""
	got, err = s.PatchConversation(ctx, "t1", "c1", ConversationPatch{
		Status:     &pending,
		Assignee:   &unassigned,
		RemoveTags: []string{"lead", "missing"},
		UpdatedAt:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Nil(t, got.AssignedUserID)
	assert.Equal(t, []string{"vip"}, got.Tags)
	assert.Equal(t, 2024, got.UpdatedAt.Year())

	_, err = s.PatchConversation(ctx, "t2", "c1", ConversationPatch{Name: &preview})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertMessageIgnoresKnownExternalID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	inserted, err := s.InsertMessage(ctx, &model.Message{ID: "m1", ExternalID: "ABC", TenantID: "t1"})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertMessage(ctx, &model.Message{ID: "m2", ExternalID: "ABC", TenantID: "t2"})
	require.NoError(t, err)
	assert.False(t, inserted)

	found, err := s.FindMessageByExternalID(ctx, "ABC")
	require.NoError(t, err)
	assert.Equal(t, "m1", found.ID)
	assert.Equal(t, "t1", found.TenantID)
}

func TestSetMessageReaction(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.InsertMessage(ctx, &model.Message{ID: "m1", ExternalID: "ABC"})
	require.NoError(t, err)

	require.NoError(t, s.SetMessageReaction(ctx, "m1", "5511", "👍"))
	require.NoError(t, s.SetMessageReaction(ctx, "m1", "5522", "❤"))
	require.NoError(t, s.SetMessageReaction(ctx, "m1", "5511", ""))

	msg, err := s.FindMessageByExternalID(ctx, "ABC")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"5522": "❤"}, msg.Reactions)

	assert.ErrorIs(t, s.SetMessageReaction(ctx, "missing", "5511", "👍"), ErrNotFound)
}

func TestListMessagesChronological(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c", "d"} {
		_, err := s.InsertMessage(ctx, &model.Message{
			ID: id, ExternalID: id, TenantID: "t1", ConversationID: "c1",
			SentAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	msgs, err := s.ListMessages(ctx, FindMessages{TenantID: "t1", ConversationID: "c1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "c", msgs[0].ID)
	assert.Equal(t, "d", msgs[1].ID)

	before := base.Add(2 * time.Minute)
	msgs, err = s.ListMessages(ctx, FindMessages{TenantID: "t1", ConversationID: "c1", Before: &before})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].ID)
}

func TestSaveSessionUniquePerBotContactInstance(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.SaveSession(ctx, &model.Session{ID: "s1", BotID: "b1", ContactKey: "5511", InstanceID: "i1"}))
	require.NoError(t, s.SaveSession(ctx, &model.Session{ID: "s1", BotID: "b1", ContactKey: "5511", InstanceID: "i1", CurrentNodeID: "n2"}))
	assert.ErrorIs(t, s.SaveSession(ctx, &model.Session{ID: "s2", BotID: "b1", ContactKey: "5511", InstanceID: "i1"}), ErrConflict)

	sess, err := s.GetSession(ctx, "b1", "5511", "i1")
	require.NoError(t, err)
	assert.Equal(t, "n2", sess.CurrentNodeID)
}

func TestListExpiredSessions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	past, future := now.Add(-time.Minute), now.Add(time.Minute)

	require.NoError(t, s.SaveSession(ctx, &model.Session{ID: "s1", BotID: "b1", ContactKey: "1", TimeoutAt: &past}))
	require.NoError(t, s.SaveSession(ctx, &model.Session{ID: "s2", BotID: "b1", ContactKey: "2", TimeoutAt: &future}))
	require.NoError(t, s.SaveSession(ctx, &model.Session{ID: "s3", BotID: "b1", ContactKey: "3"}))

	expired, err := s.ListExpiredSessions(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "s1", expired[0].ID)
}

func TestResolveQueueIsStablePerTenant(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, err := s.ResolveQueue(ctx, "t1", "sales")
	require.NoError(t, err)
	again, err := s.ResolveQueue(ctx, "t1", " sales ")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	other, err := s.ResolveQueue(ctx, "t2", "sales")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}
