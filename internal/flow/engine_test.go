package flow

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chatflow/internal/llm"
	"github.com/capitalize-ai/chatflow/internal/model"
	"github.com/capitalize-ai/chatflow/internal/store"
	"github.com/capitalize-ai/chatflow/pkg/logger"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
}

func (s *fakeSender) Send(ctx context.Context, conv *model.Conversation, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *fakeSender) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []model.ConversationEvent
}

func (f *fakeEmitter) Emit(ctx context.Context, event *model.ConversationEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *event)
	return nil
}

func (f *fakeEmitter) Types() []model.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.EventType
	for _, ev := range f.events {
		out = append(out, ev.Type)
	}
	return out
}

type fakeQueues struct{}

func (fakeQueues) ResolveQueue(ctx context.Context, tenantID, name string) (string, error) {
	return "queue-" + name, nil
}

type fakeLLM struct {
	reply string
	err   error
}

func (f fakeLLM) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: f.reply, Model: "test"}, nil
}

func (fakeLLM) Name() string { return "fake" }

type fixture struct {
	store   *store.MemoryStore
	sender  *fakeSender
	emitter *fakeEmitter
	engine  *Engine
	conv    *model.Conversation
	clock   time.Time
	slept   []time.Duration
}

const contactKey = "5511999990000"

func newFixture(t *testing.T, flow model.FlowDefinition, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMemoryStore(),
		sender:  &fakeSender{},
		emitter: &fakeEmitter{},
		clock:   time.Date(2024, 5, 10, 9, 30, 0, 0, time.UTC),
	}
	f.conv = &model.Conversation{
		ID:         "conv-1",
		TenantID:   "tenant-1",
		InstanceID: "inst-1",
		Channel:    model.ChannelIndividual,
		RemoteID:   contactKey,
		Phone:      contactKey,
		Name:       "Maria Silva",
		Status:     model.StatusPending,
	}
	require.NoError(t, f.store.CreateConversation(context.Background(), f.conv))
	f.store.PutBot(model.Bot{ID: "bot-1", TenantID: "tenant-1", InstanceID: "inst-1", Published: true, Flow: flow})

	f.engine = NewEngine(cfg, Deps{
		Store:   f.store,
		Sender:  f.sender,
		Emitter: f.emitter,
		Queues:  fakeQueues{},
	}, logger.NewNop())
	f.engine.now = func() time.Time { return f.clock }
	f.engine.sleep = func(ctx context.Context, d time.Duration) error {
		f.slept = append(f.slept, d)
		return nil
	}
	return f
}

func (f *fixture) inbound(t *testing.T, text string, fresh bool) Outcome {
	t.Helper()
	out, err := f.engine.HandleInbound(context.Background(), Inbound{
		Conversation: f.conv,
		ContactKey:   contactKey,
		Text:         text,
		Fresh:        fresh,
	})
	require.NoError(t, err)
	return out
}

func (f *fixture) session(t *testing.T, botID string) *model.Session {
	t.Helper()
	sess, err := f.store.GetSession(context.Background(), botID, contactKey, "inst-1")
	require.NoError(t, err)
	return sess
}

func (f *fixture) noSession(t *testing.T, botID string) {
	t.Helper()
	_, err := f.store.GetSession(context.Background(), botID, contactKey, "inst-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func n(id string, typ model.NodeType, data model.NodeData) model.Node {
	return model.Node{ID: id, Type: typ, Data: data}
}

func edge(source, target string) model.Edge {
	return model.Edge{ID: source + "-" + target, Source: source, Target: target}
}

func branch(source, target, handle string) model.Edge {
	return model.Edge{ID: source + "-" + handle, Source: source, Target: target, Handle: handle}
}

func TestQuestionSuspendsAndResumes(t *testing.T) {
	f := newFixture(t, model.FlowDefinition{
		Nodes: []model.Node{
			n("start", model.NodeStart, model.NodeData{}),
			n("ask", model.NodeQuestion, model.NodeData{Text: "Hi {{first_name}}, how old are you?", Variable: "v"}),
			n("next", model.NodeQuestion, model.NodeData{Text: "You said {{v}}. Anything else?", Variable: "w"}),
		},
		Edges: []model.Edge{edge("start", "ask"), edge("ask", "next")},
	}, DefaultConfig())

	out := f.inbound(t, "Hello", true)
	assert.Equal(t, StatusSuspended, out.Status)
	assert.Equal(t, "ask", out.NodeID)

	sess := f.session(t, "bot-1")
	assert.Equal(t, "ask", sess.CurrentNodeID)
	require.True(t, sess.Waiting())
	assert.Equal(t, "v", sess.Suspend.Variable)

	out = f.inbound(t, "42", false)
	assert.Equal(t, StatusSuspended, out.Status)

	sess = f.session(t, "bot-1")
	assert.Equal(t, "42", sess.Variables["v"])
	assert.Equal(t, "next", sess.CurrentNodeID)
	assert.Equal(t, "next", sess.Suspend.NodeID)

	vars, err := f.store.ListVariables(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "42", vars["v"])

	assert.Equal(t, []string{"Hi Maria, how old are you?", "You said 42. Anything else?"}, f.sender.Texts())
}

func TestSelfLoopIsBrokenByExecutionCeiling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxExecutions = 5
	f := newFixture(t, model.FlowDefinition{
		Nodes: []model.Node{
			n("start", model.NodeStart, model.NodeData{}),
			n("loop", model.NodeMessage, model.NodeData{Text: "again"}),
		},
		Edges: []model.Edge{edge("start", "loop"), edge("loop", "loop")},
	}, cfg)

	out := f.inbound(t, "Hello", true)
	assert.Equal(t, StatusAborted, out.Status)
	assert.Len(t, f.sender.Texts(), 5)
	f.noSession(t, "bot-1")
	assert.Contains(t, f.emitter.Types(), model.EventFlowError)
}

func TestSelfLoopIsBrokenByDepthGuard(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxExecutions = 1000
	cfg.MaxDepth = 10
	f := newFixture(t, model.FlowDefinition{
		Nodes: []model.Node{
			n("start", model.NodeStart, model.NodeData{}),
			n("loop", model.NodeMessage, model.NodeData{Text: "again"}),
		},
		Edges: []model.Edge{edge("start", "loop"), edge("loop", "loop")},
	}, cfg)

	out := f.inbound(t, "Hello", true)
	assert.Equal(t, StatusAborted, out.Status)
	assert.Len(t, f.sender.Texts(), 10)
	f.noSession(t, "bot-1")
}

func TestExecutionCounterResetsOnReply(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxExecutions = 3
	f := newFixture(t, model.FlowDefinition{
		Nodes: []model.Node{
			n("start", model.NodeStart, model.NodeData{}),
			n("hello", model.NodeMessage, model.NodeData{Text: "hello"}),
			n("ask", model.NodeQuestion, model.NodeData{Text: "again?", Variable: "answer"}),
		},
		Edges: []model.Edge{edge("start", "hello"), edge("hello", "ask"), edge("ask", "hello")},
	}, cfg)

	for i := 0; i < 4; i++ {
		out := f.inbound(t, "yes", i == 0)
		require.Equal(t, StatusSuspended, out.Status, "reply %d", i)
	}
	assert.Equal(t, 2, f.session(t, "bot-1").ExecCount)
}

func TestSessionIsOnlySeededForFreshConversations(t *testing.T) {
	f := newFixture(t, model.FlowDefinition{
		Nodes: []model.Node{
			n("start", model.NodeStart, model.NodeData{}),
			n("ask", model.NodeQuestion, model.NodeData{Text: "Name?", Variable: "name"}),
		},
		Edges: []model.Edge{edge("start", "ask")},
	}, DefaultConfig())

	out := f.inbound(t, "Hello", false)
	assert.Equal(t, StatusSkipped, out.Status)
	f.noSession(t, "bot-1")
	assert.Empty(t, f.sender.Texts())
}

func TestGroupsAndAgentTakeoverAreSkipped(t *testing.T) {
	flow := model.FlowDefinition{
		Nodes: []model.Node{
			n("start", model.NodeStart, model.NodeData{}),
			n("hello", model.NodeMessage, model.NodeData{Text: "hello"}),
		},
		Edges: []model.Edge{edge("start", "hello")},
	}

	f := newFixture(t, flow, DefaultConfig())
	f.conv.IsGroup = true
	assert.Equal(t, StatusSkipped, f.inbound(t, "Hello", true).Status)

	f = newFixture(t, flow, DefaultConfig())
	agent := "user-7"
	f.conv.Status = model.StatusOpen
	f.conv.AssignedUserID = &agent
	assert.Equal(t, StatusSkipped, f.inbound(t, "Hello", true).Status)

	assert.Empty(t, f.sender.Texts())
}

func TestFlowWithoutEdgeCompletes(t *testing.T) {
	f := newFixture(t, model.FlowDefinition{
		Nodes: []model.Node{
			n("start", model.NodeStart, model.NodeData{}),
			n("hello", model.NodeMessage, model.NodeData{Text: "Welcome!"}),
		},
		Edges: []model.Edge{edge("start", "hello")},
	}, DefaultConfig())

	out := f.inbound(t, "Hello", true)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, []string{"Welcome!"}, f.sender.Texts())
	f.noSession(t, "bot-1")
}

func TestConditionHaltsAndReentersOnNextMessage(t *testing.T) {
	f := newFixture(t, model.FlowDefinition{
		Nodes: []model.Node{
			n("start", model.NodeStart, model.NodeData{}),
			n("check", model.NodeCondition, model.NodeData{Rules: []model.ConditionRule{
				{ID: "adult", Variable: "age", Operator: ">=", Value: "18"},
			}}),
			n("welcome", model.NodeMessage, model.NodeData{Text: "Welcome aboard"}),
		},
		Edges: []model.Edge{edge("start", "check"), branch("check", "welcome", "adult")},
	}, DefaultConfig())

	out := f.inbound(t, "Hello", true)
	assert.Equal(t, StatusHalted, out.Status)
	sess := f.session(t, "bot-1")
	assert.Equal(t, "check", sess.CurrentNodeID)
	assert.False(t, sess.Waiting())

	require.NoError(t, f.store.SetVariable(context.Background(), "conv-1", "age", "30"))
	out = f.inbound(t, "I'm back", false)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, []string{"Welcome aboard"}, f.sender.Texts())
}

func TestConditionFallsBackToElseEdge(t *testing.T) {
	f := newFixture(t, model.FlowDefinition{
		Nodes: []model.Node{
			n("start", model.NodeStart, model.NodeData{}),
			n("check", model.NodeCondition, model.NodeData{Rules: []model.ConditionRule{
				{ID: "vip", Variable: "name", Operator: "equals", Value: "nobody"},
			}}),
			n("vip", model.NodeMessage, model.NodeData{Text: "vip"}),
			n("other", model.NodeMessage, model.NodeData{Text: "other"}),
		},
		Edges: []model.Edge{
			edge("start", "check"),
			branch("check", "vip", "vip"),
			branch("check", "other", model.HandleElse),
		},
	}, DefaultConfig())

	f.inbound(t, "Hello", true)
	assert.Equal(t, []string{"other"}, f.sender.Texts())
}

func TestCaptureMessageBindsReply(t *testing.T) {
	f := newFixture(t, model.FlowDefinition{
		Nodes: []model.Node{
			n("start", model.NodeStart, model.NodeData{}),
			n("ask", model.NodeMessage, model.NodeData{Text: "Your email?", Capture: true, Variable: "email"}),
			n("done", model.NodeMessage, model.NodeData{Text: "Thanks, {{email}}"}),
		},
		Edges: []model.Edge{edge("start", "ask"), edge("ask", "done")},
	}, DefaultConfig())

	assert.Equal(t, StatusSuspended, f.inbound(t, "Hello", true).Status)
	assert.Equal(t, StatusCompleted, f.inbound(t, "maria@example.com", false).Status)
	assert.Equal(t, []string{"Your email?", "Thanks, maria@example.com"}, f.sender.Texts())
}

func TestInputNodeRepromptsInvalidReplies(t *testing.T) {
	f := newFixture(t, model.FlowDefinition{
		Nodes: []model.Node{
			n("start", model.NodeStart, model.NodeData{}),
			n("qty", model.NodeInput, model.NodeData{
				Text: "How many?", Variable: "qty", InputType: InputNumber, RetryText: "Numbers only, please",
			}),
			n("done", model.NodeMessage, model.NodeData{Text: "Got {{qty}}"}),
		},
		Edges: []model.Edge{edge("start", "qty"), edge("qty", "done")},
	}, DefaultConfig())

	f.inbound(t, "Hello", true)
	out := f.inbound(t, "a few", false)
	assert.Equal(t, StatusSuspended, out.Status)
	sess := f.session(t, "bot-1")
	assert.Equal(t, 1, sess.Suspend.Attempts)
	assert.Empty(t, sess.Variables["qty"])

	assert.Equal(t, StatusCompleted, f.inbound(t, "3", false).Status)
	assert.Equal(t, []string{"How many?", "Numbers only, please", "Got 3"}, f.sender.Texts())
}

func TestTimeoutSweepFollowsTimeoutEdge(t *testing.T) {
	f := newFixture(t, model.FlowDefinition{
		Nodes: []model.Node{
			n("start", model.NodeStart, model.NodeData{}),
			n("ask", model.NodeQuestion, model.NodeData{Text: "Still there?", Variable: "a", TimeoutSeconds: 60}),
			n("nudge", model.NodeMessage, model.NodeData{Text: "We'll close this chat for now."}),
		},
		Edges: []model.Edge{edge("start", "ask"), branch("ask", "nudge", model.HandleTimeout)},
	}, DefaultConfig())

	f.inbound(t, "Hello", true)
	sess := f.session(t, "bot-1")
	require.NotNil(t, sess.TimeoutAt)
	assert.Equal(t, "nudge", sess.TimeoutNodeID)

	count, err := f.engine.SweepTimeouts(context.Background(), f.clock.Add(30*time.Second))
	require.NoError(t, err)
	assert.Zero(t, count)

	f.clock = f.clock.Add(2 * time.Minute)
	count, err = f.engine.SweepTimeouts(context.Background(), f.clock)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.Equal(t, []string{"Still there?", "We'll close this chat for now."}, f.sender.Texts())
	f.noSession(t, "bot-1")
}

func TestTimeoutSweepClearsDeadlineWithoutEdge(t *testing.T) {
	f := newFixture(t, model.FlowDefinition{
		Nodes: []model.Node{
			n("start", model.NodeStart, model.NodeData{}),
			n("ask", model.NodeQuestion, model.NodeData{Text: "Still there?", Variable: "a", TimeoutSeconds: 60}),
		},
		Edges: []model.Edge{edge("start", "ask")},
	}, DefaultConfig())

	f.inbound(t, "Hello", true)
	f.clock = f.clock.Add(2 * time.Minute)
	count, err := f.engine.SweepTimeouts(context.Background(), f.clock)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	sess := f.session(t, "bot-1")
	assert.Nil(t, sess.TimeoutAt)
	assert.True(t, sess.Waiting())
	assert.Equal(t, []string{"Still there?"}, f.sender.Texts())
}

func TestActionFailuresAreIsolated(t *testing.T) {
	f := newFixture(t, model.FlowDefinition{
		Nodes: []model.Node{
			n("start", model.NodeStart, model.NodeData{}),
			n("act", model.NodeActions, model.NodeData{Actions: model.Actions{
				model.SetStatusAction{Status: "ARCHIVED"},
				model.AIReplyAction{Prompt: "hi"},
				model.AddTagAction{Tag: "bot"},
				model.SendMessageAction{Text: "still running"},
			}}),
		},
		Edges: []model.Edge{edge("start", "act")},
	}, DefaultConfig())

	out := f.inbound(t, "Hello", true)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, []string{"still running"}, f.sender.Texts())

	conv, err := f.store.GetConversation(context.Background(), "tenant-1", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bot"}, conv.Tags)
	assert.Equal(t, model.StatusPending, conv.Status)
}

func TestConversationActions(t *testing.T) {
	f := newFixture(t, model.FlowDefinition{
		Nodes: []model.Node{
			n("start", model.NodeStart, model.NodeData{}),
			n("act", model.NodeActions, model.NodeData{Actions: model.Actions{
				model.SetVariableAction{Name: "name", Value: "Maria Clara"},
				model.TransferQueueAction{Queue: "sales"},
				model.AssignUserAction{UserID: "user-9"},
				model.DelayAction{Seconds: 600},
			}}),
		},
		Edges: []model.Edge{edge("start", "act")},
	}, DefaultConfig())

	f.inbound(t, "Hello", true)

	conv, err := f.store.GetConversation(context.Background(), "tenant-1", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "Maria Clara", conv.Name)
	require.NotNil(t, conv.QueueID)
	assert.Equal(t, "queue-sales", *conv.QueueID)
	require.NotNil(t, conv.AssignedUserID)
	assert.Equal(t, "user-9", *conv.AssignedUserID)
	assert.Equal(t, model.StatusOpen, conv.Status)

	assert.Equal(t, []time.Duration{60 * time.Second}, f.slept)
	assert.Contains(t, f.emitter.Types(), model.EventConversationUpdate)
}

func TestConversationActionsKeepConcurrentRefresh(t *testing.T) {
	f := newFixture(t, model.FlowDefinition{
		Nodes: []model.Node{
			n("start", model.NodeStart, model.NodeData{}),
			n("act", model.NodeActions, model.NodeData{Actions: model.Actions{
				model.DelayAction{Seconds: 5},
				model.AddTagAction{Tag: "vip"},
				model.RemoveTagAction{Tag: "cold"},
			}}),
		},
		Edges: []model.Edge{edge("start", "act")},
	}, DefaultConfig())

	// another message lands while the flow waits
	f.engine.sleep = func(ctx context.Context, d time.Duration) error {
		preview := "second message"
		_, err := f.store.PatchConversation(ctx, "tenant-1", "conv-1", store.ConversationPatch{
			LastMessage: &preview,
			UnreadDelta: 2,
			AddTags:     []string{"cold"},
		})
		return err
	}

	f.inbound(t, "Hello", true)

	conv, err := f.store.GetConversation(context.Background(), "tenant-1", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "second message", conv.LastMessage)
	assert.Equal(t, 2, conv.UnreadCount)
	assert.Equal(t, []string{"vip"}, conv.Tags)
	assert.True(t, f.conv.HasTag("vip"))
	assert.Equal(t, "second message", f.conv.LastMessage)
}

func TestStopActionEndsSession(t *testing.T) {
	f := newFixture(t, model.FlowDefinition{
		Nodes: []model.Node{
			n("start", model.NodeStart, model.NodeData{}),
			n("act", model.NodeActions, model.NodeData{Actions: model.Actions{
				model.SendMessageAction{Text: "bye"},
				model.StopAction{},
				model.SendMessageAction{Text: "never"},
			}}),
			n("after", model.NodeMessage, model.NodeData{Text: "never either"}),
		},
		Edges: []model.Edge{edge("start", "act"), edge("act", "after")},
	}, DefaultConfig())

	out := f.inbound(t, "Hello", true)
	assert.Equal(t, StatusEnded, out.Status)
	assert.Equal(t, []string{"bye"}, f.sender.Texts())
	f.noSession(t, "bot-1")
}

func TestWebhookActionStoresResponse(t *testing.T) {
	bodies := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		bodies <- string(data)
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		_, _ = w.Write([]byte("ORD-77"))
	}))
	defer srv.Close()

	f := newFixture(t, model.FlowDefinition{
		Nodes: []model.Node{
			n("start", model.NodeStart, model.NodeData{}),
			n("act", model.NodeActions, model.NodeData{Actions: model.Actions{
				model.WebhookAction{
					URL:              srv.URL,
					Headers:          map[string]string{"X-Token": "secret"},
					Body:             `{"phone":"{{phone}}"}`,
					ResponseVariable: "order",
				},
				model.SendMessageAction{Text: "Order {{order}}"},
			}}),
		},
		Edges: []model.Edge{edge("start", "act")},
	}, DefaultConfig())

	f.inbound(t, "Hello", true)
	assert.JSONEq(t, `{"phone":"5511999990000"}`, <-bodies)
	assert.Equal(t, []string{"Order ORD-77"}, f.sender.Texts())
}

func TestAIReplyAction(t *testing.T) {
	f := newFixture(t, model.FlowDefinition{
		Nodes: []model.Node{
			n("start", model.NodeStart, model.NodeData{}),
			n("act", model.NodeActions, model.NodeData{Actions: model.Actions{
				model.AIReplyAction{Prompt: "Greet {{first_name}}", Variable: "greeting_text"},
			}}),
		},
		Edges: []model.Edge{edge("start", "act")},
	}, DefaultConfig())
	f.engine.deps.LLM = fakeLLM{reply: "Hello Maria!"}

	f.inbound(t, "Hello", true)
	assert.Equal(t, []string{"Hello Maria!"}, f.sender.Texts())

	vars, err := f.store.ListVariables(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "Hello Maria!", vars["greeting_text"])

	f = newFixture(t, model.FlowDefinition{
		Nodes: []model.Node{
			n("start", model.NodeStart, model.NodeData{}),
			n("act", model.NodeActions, model.NodeData{Actions: model.Actions{
				model.AIReplyAction{Prompt: "Greet"},
				model.SendMessageAction{Text: "fallback"},
			}}),
		},
		Edges: []model.Edge{edge("start", "act")},
	}, DefaultConfig())
	f.engine.deps.LLM = fakeLLM{err: errors.New("rate limited")}
	f.inbound(t, "Hello", true)
	assert.Equal(t, []string{"fallback"}, f.sender.Texts())
}

func TestHandoffDeletesSession(t *testing.T) {
	f := newFixture(t, model.FlowDefinition{
		Nodes: []model.Node{
			n("start", model.NodeStart, model.NodeData{}),
			n("human", model.NodeHandoff, model.NodeData{Text: "An agent will reply soon", Queue: "support"}),
		},
		Edges: []model.Edge{edge("start", "human")},
	}, DefaultConfig())

	out := f.inbound(t, "Hello", true)
	assert.Equal(t, StatusEnded, out.Status)
	assert.Equal(t, []string{"An agent will reply soon"}, f.sender.Texts())
	f.noSession(t, "bot-1")

	conv, err := f.store.GetConversation(context.Background(), "tenant-1", "conv-1")
	require.NoError(t, err)
	require.NotNil(t, conv.QueueID)
	assert.Equal(t, "queue-support", *conv.QueueID)
}

func TestStartFlowReplacesSession(t *testing.T) {
	f := newFixture(t, model.FlowDefinition{
		Nodes: []model.Node{
			n("start", model.NodeStart, model.NodeData{}),
			n("act", model.NodeActions, model.NodeData{Actions: model.Actions{
				model.SetVariableAction{Name: "origin", Value: "main"},
				model.StartFlowAction{BotID: "bot-2"},
			}}),
		},
		Edges: []model.Edge{edge("start", "act")},
	}, DefaultConfig())
	f.store.PutBot(model.Bot{ID: "bot-2", TenantID: "tenant-1", InstanceID: "inst-1", Flow: model.FlowDefinition{
		Nodes: []model.Node{
			n("start", model.NodeStart, model.NodeData{}),
			n("ask", model.NodeQuestion, model.NodeData{Text: "Sub-flow from {{origin}}", Variable: "x"}),
			n("done", model.NodeMessage, model.NodeData{Text: "got {{x}}"}),
		},
		Edges: []model.Edge{edge("start", "ask"), edge("ask", "done")},
	}})

	out := f.inbound(t, "Hello", true)
	assert.Equal(t, StatusSuspended, out.Status)
	f.noSession(t, "bot-1")

	sess := f.session(t, "bot-2")
	assert.Equal(t, "ask", sess.CurrentNodeID)
	assert.Equal(t, out.SessionID, sess.ID)
	assert.Equal(t, []string{"Sub-flow from main"}, f.sender.Texts())

	out = f.inbound(t, "42", false)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, sess.ID, out.SessionID)
	assert.Equal(t, []string{"Sub-flow from main", "got 42"}, f.sender.Texts())
	f.noSession(t, "bot-2")
	f.noSession(t, "bot-1")
}

func TestSessionOfDeletedBotIsDiscarded(t *testing.T) {
	f := newFixture(t, model.FlowDefinition{
		Nodes: []model.Node{
			n("start", model.NodeStart, model.NodeData{}),
			n("ask", model.NodeQuestion, model.NodeData{Text: "Name?", Variable: "name"}),
		},
		Edges: []model.Edge{edge("start", "ask")},
	}, DefaultConfig())
	require.NoError(t, f.store.SaveSession(context.Background(), &model.Session{
		ID:             "orphan",
		BotID:          "bot-gone",
		TenantID:       "tenant-1",
		InstanceID:     "inst-1",
		ContactKey:     contactKey,
		ConversationID: "conv-1",
		CurrentNodeID:  "ask",
		Suspend:        &model.SuspendState{NodeID: "ask", Variable: "name", Waiting: true},
	}))

	out := f.inbound(t, "Hello", false)
	assert.Equal(t, StatusSkipped, out.Status)
	f.noSession(t, "bot-gone")

	out = f.inbound(t, "Hello", true)
	assert.Equal(t, StatusSuspended, out.Status)
	assert.Equal(t, "ask", f.session(t, "bot-1").CurrentNodeID)
}

func TestInvalidFlowIsRejected(t *testing.T) {
	f := newFixture(t, model.FlowDefinition{
		Nodes: []model.Node{
			n("hello", model.NodeMessage, model.NodeData{Text: "no start"}),
		},
	}, DefaultConfig())

	_, err := f.engine.HandleInbound(context.Background(), Inbound{Conversation: f.conv, ContactKey: contactKey, Fresh: true})
	assert.Error(t, err)
	assert.Empty(t, f.sender.Texts())
}

func TestValidInput(t *testing.T) {
	tests := []struct {
		inputType string
		text      string
		want      bool
	}{
		{InputText, "anything", true},
		{InputText, "   ", false},
		{InputNumber, "12", true},
		{InputNumber, "12,5", true},
		{InputNumber, "twelve", false},
		{InputEmail, "maria@example.com", true},
		{InputEmail, "Maria <maria@example.com>", false},
		{InputEmail, "maria@", false},
		{InputPhone, "+55 (11) 99999-0000", true},
		{InputPhone, "12345", false},
		{InputPhone, "call me", false},
		{"", "free text", true},
	}
	for _, tt := range tests {
		t.Run(tt.inputType+"/"+tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidInput(tt.inputType, tt.text))
		})
	}
}
