package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chatflow/internal/flow"
	"github.com/capitalize-ai/chatflow/internal/ingest"
	"github.com/capitalize-ai/chatflow/internal/model"
	"github.com/capitalize-ai/chatflow/internal/store"
	"github.com/capitalize-ai/chatflow/internal/tenant"
	"github.com/capitalize-ai/chatflow/pkg/logger"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []model.ConversationEvent
}

func (r *recordingEmitter) Emit(ctx context.Context, event *model.ConversationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	return nil
}

func (r *recordingEmitter) count(typ model.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingSender) SendText(ctx context.Context, instance, to, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, instance+"|"+to+"|"+text)
	return nil
}

func (r *recordingSender) Sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

type stubProfiles struct {
	avatar  string
	subject string
}

func (s stubProfiles) FetchProfilePicture(ctx context.Context, instance, remoteID string) (string, error) {
	return s.avatar, nil
}

func (s stubProfiles) FetchGroupSubject(ctx context.Context, instance, groupID string) (string, error) {
	return s.subject, nil
}

type stubMedia struct{}

func (stubMedia) FetchMedia(ctx context.Context, instance, messageID string) (string, error) {
	return "data:image/jpeg;base64,AAAA", nil
}

type countingLeads struct {
	mu    sync.Mutex
	leads []string
}

func (c *countingLeads) CreateLead(ctx context.Context, conv *model.Conversation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leads = append(c.leads, conv.ID)
	return nil
}

type harness struct {
	store   *store.MemoryStore
	emitter *recordingEmitter
	sender  *recordingSender
	leads   *countingLeads
	auto    *AutomationTrigger
	post    *PostProcessor
	svc     *IngestService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logger.NewNop()
	h := &harness{
		store:   store.NewMemoryStore(),
		emitter: &recordingEmitter{},
		sender:  &recordingSender{},
		leads:   &countingLeads{},
	}
	h.store.PutInstance(model.Instance{Key: "acme-main", ID: "inst-1", TenantID: "tenant-1", Channel: model.ChannelIndividual})
	h.store.PutInstance(model.Instance{Key: "acme-backup", ID: "inst-2", TenantID: "tenant-1", Channel: model.ChannelIndividual})
	h.store.PutInstance(model.Instance{Key: "globex", ID: "inst-3", TenantID: "tenant-2", Channel: model.ChannelIndividual})

	conversations := NewConversationService(h.store, h.emitter, log)
	messages := NewMessageService(h.store, h.emitter, log)
	engine := flow.NewEngine(flow.DefaultConfig(), flow.Deps{
		Store:   h.store,
		Sender:  NewOutbound(h.store, h.sender, nil),
		Emitter: h.emitter,
		Queues:  h.store,
	}, log)
	h.auto = NewAutomationTrigger(engine, nil, 0, log)
	h.post = NewPostProcessor(conversations, messages, PostProcessorConfig{
		Profiles: stubProfiles{avatar: "https://cdn.example.com/p.jpg", subject: "Sales Team"},
		Media:    stubMedia{},
		Leads:    h.leads,
	}, log)
	h.svc = NewIngestService(IngestDeps{
		Resolver:      tenant.NewResolver(h.store),
		Conversations: conversations,
		Messages:      messages,
		Automation:    h.auto,
		Post:          h.post,
		Emitter:       h.emitter,
	}, log)
	return h
}

func (h *harness) handle(t *testing.T, env ingest.Envelope) {
	t.Helper()
	require.NoError(t, h.svc.Handle(context.Background(), env))
	h.auto.Wait()
	h.post.Wait()
}

func (h *harness) conversations(t *testing.T, tenantID string) []model.Conversation {
	t.Helper()
	convs, err := h.store.ListConversations(context.Background(), store.FindConversations{TenantID: tenantID})
	require.NoError(t, err)
	return convs
}

func (h *harness) messages(t *testing.T, tenantID, conversationID string) []model.Message {
	t.Helper()
	msgs, err := h.store.ListMessages(context.Background(), store.FindMessages{TenantID: tenantID, ConversationID: conversationID})
	require.NoError(t, err)
	return msgs
}

type msgOpts struct {
	instance     string
	remoteJID    string
	id           string
	text         string
	pushName     string
	fromMe       bool
	participant  string
	groupSubject string
}

func messageEnvelope(o msgOpts) ingest.Envelope {
	if o.instance == "" {
		o.instance = "acme-main"
	}
	if o.remoteJID == "" {
		o.remoteJID = "5511999990000@s.whatsapp.net"
	}
	data := map[string]any{
		"key": map[string]any{
			"remoteJid":   o.remoteJID,
			"fromMe":      o.fromMe,
			"id":          o.id,
			"participant": o.participant,
		},
		"pushName":         o.pushName,
		"message":          map[string]any{"conversation": o.text},
		"messageTimestamp": 1715333400,
		"groupSubject":     o.groupSubject,
	}
	raw, _ := json.Marshal(data)
	return ingest.Envelope{Event: "messages.upsert", Instance: o.instance, Data: raw}
}

func TestReplayedDeliveryIsStoredOnce(t *testing.T) {
	h := newHarness(t)
	env := messageEnvelope(msgOpts{id: "ABC123", text: "Hello", pushName: "Maria"})

	for i := 0; i < 3; i++ {
		h.handle(t, env)
	}

	convs := h.conversations(t, "tenant-1")
	require.Len(t, convs, 1)
	assert.Equal(t, 1, convs[0].UnreadCount)
	assert.Len(t, h.messages(t, "tenant-1", convs[0].ID), 1)
	assert.Equal(t, 1, h.emitter.count(model.EventMessageCreated))
	assert.Equal(t, 2, h.emitter.count(model.EventMessageRedelivered))
}

func TestSameExternalIDAcrossTenantsIsDisambiguated(t *testing.T) {
	h := newHarness(t)
	h.handle(t, messageEnvelope(msgOpts{instance: "acme-main", id: "SHARED1", text: "for acme"}))
	h.handle(t, messageEnvelope(msgOpts{instance: "globex", id: "SHARED1", text: "for globex"}))

	acme := h.conversations(t, "tenant-1")
	globex := h.conversations(t, "tenant-2")
	require.Len(t, acme, 1)
	require.Len(t, globex, 1)

	acmeMsgs := h.messages(t, "tenant-1", acme[0].ID)
	globexMsgs := h.messages(t, "tenant-2", globex[0].ID)
	require.Len(t, acmeMsgs, 1)
	require.Len(t, globexMsgs, 1)

	assert.Equal(t, "SHARED1", acmeMsgs[0].ExternalID)
	assert.Equal(t, DisambiguatedKey("SHARED1", "tenant-2", globex[0].ID), globexMsgs[0].ExternalID)
	assert.Equal(t, "SHARED1", globexMsgs[0].ProviderID)
	assert.Equal(t, "for globex", globexMsgs[0].Content)
	// a disambiguated message is new to its tenant and counts as unread
	assert.Equal(t, 1, globex[0].UnreadCount)

	// redelivery of the disambiguated message is still a duplicate
	h.handle(t, messageEnvelope(msgOpts{instance: "globex", id: "SHARED1", text: "for globex"}))
	assert.Len(t, h.messages(t, "tenant-2", globex[0].ID), 1)
	assert.Equal(t, 1, h.conversations(t, "tenant-2")[0].UnreadCount)
}

func TestClosedConversationIsDemotedToPending(t *testing.T) {
	h := newHarness(t)
	h.handle(t, messageEnvelope(msgOpts{id: "M1", text: "Hi"}))

	conv := h.conversations(t, "tenant-1")[0]
	agent, closed := "agent-1", model.StatusClosed
	_, err := h.store.PatchConversation(context.Background(), "tenant-1", conv.ID, store.ConversationPatch{Status: &closed, Assignee: &agent})
	require.NoError(t, err)

	h.handle(t, messageEnvelope(msgOpts{id: "M2", text: "Back again", fromMe: true}))

	got, err := h.store.GetConversation(context.Background(), "tenant-1", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Nil(t, got.AssignedUserID)
}

func TestHumanEditedNameIsProtected(t *testing.T) {
	h := newHarness(t)
	h.handle(t, messageEnvelope(msgOpts{id: "M1", text: "Hi"}))

	conv := h.conversations(t, "tenant-1")[0]
	assert.Equal(t, "5511999990000", conv.Name)

	h.handle(t, messageEnvelope(msgOpts{id: "M2", text: "Hi", pushName: "Maria"}))
	conv = h.conversations(t, "tenant-1")[0]
	assert.Equal(t, "Maria", conv.Name)

	edited := "Maria (VIP)"
	_, err := h.store.PatchConversation(context.Background(), "tenant-1", conv.ID, store.ConversationPatch{Name: &edited})
	require.NoError(t, err)

	h.handle(t, messageEnvelope(msgOpts{id: "M3", text: "Hi", pushName: "Mary"}))
	assert.Equal(t, "Maria (VIP)", h.conversations(t, "tenant-1")[0].Name)

	// the tenant's own pushName on outbound messages never names the contact
	h.handle(t, messageEnvelope(msgOpts{remoteJID: "5511888880000@s.whatsapp.net", id: "M4", text: "Offer", pushName: "Acme Store", fromMe: true}))
	conv2, err := h.store.FindConversation(context.Background(), "tenant-1", "inst-1", "5511888880000")
	require.NoError(t, err)
	assert.Equal(t, "5511888880000", conv2.Name)
}

func TestGroupTitleFilter(t *testing.T) {
	h := newHarness(t)
	group := "120363025246125888@g.us"
	h.post.profiles = stubProfiles{subject: "Grupo 42"}

	h.handle(t, messageEnvelope(msgOpts{remoteJID: group, id: "G1", text: "hi all", participant: "5511999990000@s.whatsapp.net", groupSubject: "Grupo 1234"}))
	conv, err := h.store.FindConversation(context.Background(), "tenant-1", "inst-1", group)
	require.NoError(t, err)
	assert.True(t, conv.IsGroup)
	assert.Nil(t, conv.GroupTitle)

	for _, title := range []string{"120363025246125888", "someone@s.whatsapp.net"} {
		h.handle(t, messageEnvelope(msgOpts{remoteJID: group, id: "G-" + title, text: "x", participant: "5511999990000@s.whatsapp.net", groupSubject: title}))
	}
	conv, err = h.store.FindConversation(context.Background(), "tenant-1", "inst-1", group)
	require.NoError(t, err)
	assert.Nil(t, conv.GroupTitle)

	update, _ := json.Marshal(map[string]string{"id": group, "subject": "Sales Team"})
	h.handle(t, ingest.Envelope{Event: "groups.update", Instance: "acme-main", Data: update})
	conv, err = h.store.FindConversation(context.Background(), "tenant-1", "inst-1", group)
	require.NoError(t, err)
	require.NotNil(t, conv.GroupTitle)
	assert.Equal(t, "Sales Team", *conv.GroupTitle)

	msgs := h.messages(t, "tenant-1", conv.ID)
	require.NotEmpty(t, msgs)
	assert.Equal(t, "5511999990000", msgs[0].SenderID)
}

func TestNewContactSeedsFlowSession(t *testing.T) {
	h := newHarness(t)
	h.store.PutBot(model.Bot{
		ID: "bot-1", TenantID: "tenant-1", InstanceID: "inst-1", Published: true,
		Flow: model.FlowDefinition{
			Nodes: []model.Node{
				{ID: "start", Type: model.NodeStart},
				{ID: "ask", Type: model.NodeQuestion, Data: model.NodeData{Text: "Hi {{first_name}}! What is your email?", Variable: "email"}},
			},
			Edges: []model.Edge{{ID: "e1", Source: "start", Target: "ask"}},
		},
	})

	h.handle(t, messageEnvelope(msgOpts{id: "FIRST", text: "Hello", pushName: "Maria Silva"}))

	convs := h.conversations(t, "tenant-1")
	require.Len(t, convs, 1)
	assert.Equal(t, model.StatusPending, convs[0].Status)

	msgs := h.messages(t, "tenant-1", convs[0].ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.DirectionInbound, msgs[0].Direction)

	sess, err := h.store.GetSession(context.Background(), "bot-1", "5511999990000", "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "ask", sess.CurrentNodeID)
	assert.True(t, sess.Waiting())

	assert.Equal(t, []string{"acme-main|5511999990000|Hi Maria! What is your email?"}, h.sender.Sent())
	assert.Equal(t, []string{convs[0].ID}, h.leads.leads)
	assert.Equal(t, "https://cdn.example.com/p.jpg", convs[0].AvatarURL)

	// the reply resumes the session instead of starting over
	h.handle(t, messageEnvelope(msgOpts{id: "SECOND", text: "maria@example.com", pushName: "Maria Silva"}))
	_, err = h.store.GetSession(context.Background(), "bot-1", "5511999990000", "inst-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	vars, err := h.store.ListVariables(context.Background(), convs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "maria@example.com", vars["email"])
	assert.Len(t, h.sender.Sent(), 1)
}

func TestPhoneFallbackAcrossInstances(t *testing.T) {
	h := newHarness(t)
	h.handle(t, messageEnvelope(msgOpts{instance: "acme-main", id: "P1", text: "first"}))
	h.handle(t, messageEnvelope(msgOpts{instance: "acme-backup", remoteJID: "5511999990000:12@s.whatsapp.net", id: "P2", text: "second"}))

	convs := h.conversations(t, "tenant-1")
	require.Len(t, convs, 1)
	assert.Len(t, h.messages(t, "tenant-1", convs[0].ID), 2)
	assert.Equal(t, "second", convs[0].LastMessage)
}

func TestDroppedEvents(t *testing.T) {
	tests := []struct {
		name string
		env  ingest.Envelope
	}{
		{"unknown instance", messageEnvelope(msgOpts{instance: "nobody", id: "X1", text: "hi"})},
		{"status broadcast", messageEnvelope(msgOpts{remoteJID: "status@broadcast", id: "X2", text: "hi"})},
		{"newsletter", messageEnvelope(msgOpts{remoteJID: "1203630@newsletter", id: "X3", text: "hi"})},
		{"session-looking id", messageEnvelope(msgOpts{remoteJID: "12345@s.whatsapp.net", id: "X4", text: "hi"})},
		{"unknown event", ingest.Envelope{Event: "presence.update", Instance: "acme-main", Data: json.RawMessage(`{"presences":{}}`)}},
		{"malformed", ingest.Envelope{Event: "messages.upsert", Instance: "acme-main", Data: json.RawMessage(`{"key":"oops"}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.handle(t, tt.env)
			assert.Empty(t, h.conversations(t, "tenant-1"))
		})
	}
}

func TestOutboundMessageDoesNotBumpUnreadOrRunFlows(t *testing.T) {
	h := newHarness(t)
	h.store.PutBot(model.Bot{
		ID: "bot-1", TenantID: "tenant-1", InstanceID: "inst-1", Published: true,
		Flow: model.FlowDefinition{
			Nodes: []model.Node{{ID: "start", Type: model.NodeStart}, {ID: "hi", Type: model.NodeMessage, Data: model.NodeData{Text: "hi"}}},
			Edges: []model.Edge{{ID: "e1", Source: "start", Target: "hi"}},
		},
	})

	h.handle(t, messageEnvelope(msgOpts{id: "BAE5OUT", text: "Our offer", fromMe: true}))

	convs := h.conversations(t, "tenant-1")
	require.Len(t, convs, 1)
	assert.Zero(t, convs[0].UnreadCount)
	assert.Equal(t, "Our offer", convs[0].LastMessage)
	assert.Empty(t, h.sender.Sent())
	assert.Empty(t, h.leads.leads)

	msgs := h.messages(t, "tenant-1", convs[0].ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.DirectionOutbound, msgs[0].Direction)
}

func TestReactionAndStatusEvents(t *testing.T) {
	h := newHarness(t)
	h.handle(t, messageEnvelope(msgOpts{id: "R1", text: "Can you help?"}))

	reaction := fmt.Sprintf(`{"key":{"remoteJid":"5511999990000@s.whatsapp.net","fromMe":true,"id":"R2"},
		"message":{"reactionMessage":{"key":{"remoteJid":"5511999990000@s.whatsapp.net","id":"%s"},"text":"👍"}}}`, "R1")
	h.handle(t, ingest.Envelope{Event: "messages.upsert", Instance: "acme-main", Data: json.RawMessage(reaction)})

	msg, err := h.store.FindMessageByExternalID(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"me": "👍"}, msg.Reactions)
	assert.Equal(t, 1, h.emitter.count(model.EventMessageReaction))

	status := `{"keyId":"R1","remoteJid":"5511999990000@s.whatsapp.net","status":"READ"}`
	h.handle(t, ingest.Envelope{Event: "messages.update", Instance: "acme-main", Data: json.RawMessage(status)})
	assert.Equal(t, 1, h.emitter.count(model.EventMessageStatus))

	conn := `{"instance":"acme-main","state":"close","statusReason":401}`
	h.handle(t, ingest.Envelope{Event: "connection.update", Data: json.RawMessage(conn)})
	assert.Equal(t, 1, h.emitter.count(model.EventInstanceConnection))
}

func TestMediaIsBackfilled(t *testing.T) {
	h := newHarness(t)
	data := `{"key":{"remoteJid":"5511999990000@s.whatsapp.net","fromMe":false,"id":"IMG1"},
		"message":{"imageMessage":{"caption":"receipt","mimetype":"image/jpeg"}},"messageTimestamp":"1715333400"}`
	h.handle(t, ingest.Envelope{Event: "messages.upsert", Instance: "acme-main", Data: json.RawMessage(data)})

	msg, err := h.store.FindMessageByExternalID(context.Background(), "IMG1")
	require.NoError(t, err)
	assert.Equal(t, model.MessageImage, msg.Type)
	assert.Equal(t, "receipt", msg.Content)
	require.NotNil(t, msg.MediaURL)
	assert.Equal(t, "data:image/jpeg;base64,AAAA", *msg.MediaURL)
	assert.Equal(t, 1, h.emitter.count(model.EventMessageMedia))
}
