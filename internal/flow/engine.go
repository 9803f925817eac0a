// Package flow interprets bot flow graphs against persistent per-contact sessions.
package flow

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatflow/internal/llm"
	"github.com/capitalize-ai/chatflow/internal/model"
	"github.com/capitalize-ai/chatflow/internal/store"
	"github.com/capitalize-ai/chatflow/pkg/logger"
	"github.com/capitalize-ai/chatflow/pkg/metrics"
	"github.com/capitalize-ai/chatflow/pkg/tracing"
)

// Store is the persistence the engine needs.
type Store interface {
	store.ConversationStore
	store.BotStore
	store.SessionStore
	store.VariableStore
}

// Sender delivers bot text to the conversation's remote party.
type Sender interface {
	Send(ctx context.Context, conv *model.Conversation, text string) error
}

// Emitter publishes real-time events.
type Emitter interface {
	Emit(ctx context.Context, event *model.ConversationEvent) error
}

// QueueResolver resolves a queue name to its id, creating it when missing.
type QueueResolver interface {
	ResolveQueue(ctx context.Context, tenantID, name string) (string, error)
}

// ContactUpdater mirrors well-known variables (email, phone) into the contact record.
type ContactUpdater interface {
	UpdateContactField(ctx context.Context, conv *model.Conversation, field, value string) error
}

// Config bounds the interpreter.
type Config struct {
	// MaxExecutions caps nodes entered between two contact replies.
	MaxExecutions int
	// MaxDepth caps nested node transitions within one run.
	MaxDepth       int
	MaxDelay       time.Duration
	WebhookTimeout time.Duration
	SweepBatch     int
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MaxExecutions:  100,
		MaxDepth:       200,
		MaxDelay:       60 * time.Second,
		WebhookTimeout: 10 * time.Second,
		SweepBatch:     100,
	}
}

// Deps are the engine collaborators. Queues, Contacts and LLM are optional.
type Deps struct {
	Store    Store
	Sender   Sender
	Emitter  Emitter
	Queues   QueueResolver
	Contacts ContactUpdater
	LLM      llm.Client
}

// Status is how a run ended.
type Status string

const (
	StatusSkipped   Status = "skipped"
	StatusSuspended Status = "suspended"
	StatusHalted    Status = "halted"
	StatusCompleted Status = "completed"
	StatusEnded     Status = "ended"
	StatusAborted   Status = "aborted"
)

// Outcome reports where a run stopped.
type Outcome struct {
	Status    Status
	SessionID string
	NodeID    string
}

// Inbound is one contact message routed to the engine.
type Inbound struct {
	Conversation *model.Conversation
	// ContactKey identifies the contact within the instance (the canonical remote id).
	ContactKey string
	Text       string
	// Fresh is set when the conversation was just created or reopened.
	Fresh bool
}

const lockStripes = 64

// Engine interprets flows. Runs for the same contact are serialized.
type Engine struct {
	deps   Deps
	cfg    Config
	http   *http.Client
	logger *logger.Logger
	tracer trace.Tracer

	locks [lockStripes]sync.Mutex

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates a flow engine.
func NewEngine(cfg Config, deps Deps, log *logger.Logger) *Engine {
	def := DefaultConfig()
	if cfg.MaxExecutions <= 0 {
		cfg.MaxExecutions = def.MaxExecutions
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.MaxDelay < 0 {
		cfg.MaxDelay = 0
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = def.WebhookTimeout
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = def.SweepBatch
	}
	return &Engine{
		deps:   deps,
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.WebhookTimeout},
		logger: log.Named("flow"),
		tracer: tracing.Tracer("chatflow/flow"),
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// run is the mutable state of one interpreter pass.
type run struct {
	bot  *model.Bot
	sess *model.Session
	conv *model.Conversation
	log  *logger.Logger
}

// HandleInbound routes a contact message: it resumes a suspended session,
// re-enters a halted one, or seeds a new session when the conversation is fresh.
// Group chats and conversations taken over by an agent are skipped.
func (e *Engine) HandleInbound(ctx context.Context, in Inbound) (Outcome, error) {
	conv := in.Conversation
	if conv == nil || conv.IsGroup {
		return Outcome{Status: StatusSkipped}, nil
	}
	if conv.Status == model.StatusOpen && conv.AssignedUserID != nil {
		return Outcome{Status: StatusSkipped}, nil
	}

	ctx, span := e.tracer.Start(ctx, "flow.HandleInbound", trace.WithAttributes(
		attribute.String("tenant_id", conv.TenantID),
		attribute.String("conversation_id", conv.ID),
	))
	defer span.End()

	unlock := e.lock(conv.TenantID, conv.InstanceID, in.ContactKey)
	defer unlock()

	bot, sess, err := e.activeSession(ctx, conv, in.ContactKey)
	if err != nil {
		return Outcome{}, err
	}
	if sess != nil {
		sess.ExecCount = 0
		return e.advance(ctx, e.newRun(bot, sess, conv), in.Text)
	}
	if !in.Fresh {
		return Outcome{Status: StatusSkipped}, nil
	}

	bot, err = e.deps.Store.FindPublishedBot(ctx, conv.TenantID, conv.InstanceID)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{Status: StatusSkipped}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to find bot: %w", err)
	}
	if err := Validate(&bot.Flow); err != nil {
		return Outcome{}, fmt.Errorf("bot %s: %w", bot.ID, err)
	}

	r, target, err := e.seed(ctx, bot, conv, in.ContactKey)
	if err != nil || r == nil {
		return Outcome{Status: StatusSkipped}, err
	}
	r.log.Info("session seeded", zap.String("node_id", target))
	return e.finish(ctx, r, e.enter(ctx, r, target, 0))
}

// activeSession returns the contact's live session and the bot it belongs to,
// which differs from the published bot after a start_flow. Sessions whose bot
// is gone or no longer valid are discarded.
func (e *Engine) activeSession(ctx context.Context, conv *model.Conversation, contactKey string) (*model.Bot, *model.Session, error) {
	sess, err := e.deps.Store.FindSessionByContact(ctx, conv.TenantID, conv.InstanceID, contactKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load session: %w", err)
	}

	bot, err := e.deps.Store.GetBot(ctx, conv.TenantID, sess.BotID)
	if err == nil {
		err = Validate(&bot.Flow)
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, ErrInvalidFlow) {
		e.logger.Warn("discarding session of unusable bot",
			zap.String("session_id", sess.ID),
			zap.String("bot_id", sess.BotID),
			zap.Error(err),
		)
		if err := e.deps.Store.DeleteSession(ctx, sess.ID); err != nil {
			return nil, nil, fmt.Errorf("failed to delete session: %w", err)
		}
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load bot %s: %w", sess.BotID, err)
	}
	return bot, sess, nil
}

// Advance moves a loaded session forward with the contact's text: a waiting
// session binds the text and follows the suspending node's outgoing edge; any
// other session re-enters its current node.
func (e *Engine) Advance(ctx context.Context, bot *model.Bot, sess *model.Session, text string) (Outcome, error) {
	conv, err := e.deps.Store.GetConversation(ctx, sess.TenantID, sess.ConversationID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to load conversation: %w", err)
	}
	unlock := e.lock(sess.TenantID, sess.InstanceID, sess.ContactKey)
	defer unlock()
	return e.advance(ctx, e.newRun(bot, sess, conv), text)
}

func (e *Engine) advance(ctx context.Context, r *run, text string) (Outcome, error) {
	if !r.sess.Waiting() {
		return e.finish(ctx, r, e.enter(ctx, r, r.sess.CurrentNodeID, 0))
	}

	node, ok := r.bot.Flow.Node(r.sess.Suspend.NodeID)
	if !ok {
		r.log.Warn("suspended node no longer exists", zap.String("node_id", r.sess.Suspend.NodeID))
		return e.finish(ctx, r, e.end(ctx, r, StatusAborted, "missing_node"))
	}

	if node.Type == model.NodeInput && !ValidInput(node.Data.InputType, text) {
		return e.finish(ctx, r, e.retry(ctx, r, node))
	}

	if v := r.sess.Suspend.Variable; v != "" {
		e.setVariable(ctx, r, v, text)
	}
	r.sess.Suspend = nil
	r.sess.ClearTimeout()

	next, ok := r.bot.Flow.Next(node.ID)
	if !ok {
		return e.finish(ctx, r, e.end(ctx, r, StatusCompleted, "completed"))
	}
	return e.finish(ctx, r, e.enter(ctx, r, next, 0))
}

// SweepTimeouts follows the timeout edge of every session whose deadline has
// passed, or clears the deadline when the node has none. It returns the number
// of sessions processed.
func (e *Engine) SweepTimeouts(ctx context.Context, now time.Time) (int, error) {
	ctx, span := e.tracer.Start(ctx, "flow.SweepTimeouts")
	defer span.End()

	expired, err := e.deps.Store.ListExpiredSessions(ctx, now, e.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired sessions: %w", err)
	}

	for i := range expired {
		sess := &expired[i]
		if err := e.expire(ctx, sess, now); err != nil {
			e.logger.Error("timeout handling failed",
				zap.String("session_id", sess.ID),
				zap.Error(err),
			)
		}
	}
	return len(expired), nil
}

func (e *Engine) expire(ctx context.Context, sess *model.Session, now time.Time) error {
	unlock := e.lock(sess.TenantID, sess.InstanceID, sess.ContactKey)
	defer unlock()

	// reload under the lock; a reply may have cleared the deadline meanwhile
	current, err := e.deps.Store.GetSession(ctx, sess.BotID, sess.ContactKey, sess.InstanceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.ID != sess.ID || current.TimeoutAt == nil || current.TimeoutAt.After(now) {
		return nil
	}
	sess = current

	bot, err := e.deps.Store.GetBot(ctx, sess.TenantID, sess.BotID)
	if errors.Is(err, store.ErrNotFound) {
		return e.deps.Store.DeleteSession(ctx, sess.ID)
	}
	if err != nil {
		return err
	}
	conv, err := e.deps.Store.GetConversation(ctx, sess.TenantID, sess.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		return e.deps.Store.DeleteSession(ctx, sess.ID)
	}
	if err != nil {
		return err
	}

	r := e.newRun(bot, sess, conv)
	target := sess.TimeoutNodeID
	if target == "" {
		from := sess.CurrentNodeID
		if sess.Suspend != nil {
			from = sess.Suspend.NodeID
		}
		target, _ = bot.Flow.Branch(from, model.HandleTimeout)
	}
	sess.ClearTimeout()

	if target == "" {
		sess.UpdatedAt = e.now()
		return e.deps.Store.SaveSession(ctx, sess)
	}

	r.log.Info("session timed out", zap.String("node_id", target))
	sess.Suspend = nil
	sess.ExecCount = 0
	_, err = e.finish(ctx, r, e.enter(ctx, r, target, 0))
	return err
}

// seed creates a session positioned at the start node's target. It returns a
// nil run when the flow has no reachable first node or another writer won the
// race to create the session.
func (e *Engine) seed(ctx context.Context, bot *model.Bot, conv *model.Conversation, contactKey string) (*run, string, error) {
	start, ok := bot.Flow.Start()
	if !ok {
		return nil, "", nil
	}
	target, ok := bot.Flow.Next(start.ID)
	if !ok {
		return nil, "", nil
	}

	now := e.now()
	sess := &model.Session{
		ID:             uuid.Must(uuid.NewV7()).String(),
		BotID:          bot.ID,
		TenantID:       conv.TenantID,
		InstanceID:     conv.InstanceID,
		ContactKey:     contactKey,
		ConversationID: conv.ID,
		CurrentNodeID:  target,
		Variables:      map[string]string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.deps.Store.SaveSession(ctx, sess); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("failed to create session: %w", err)
	}
	return e.newRun(bot, sess, conv), target, nil
}

func (e *Engine) newRun(bot *model.Bot, sess *model.Session, conv *model.Conversation) *run {
	if sess.Variables == nil {
		sess.Variables = map[string]string{}
	}
	return &run{
		bot:  bot,
		sess: sess,
		conv: conv,
		log: e.logger.With(
			zap.String("tenant_id", sess.TenantID),
			zap.String("bot_id", bot.ID),
			zap.String("session_id", sess.ID),
			zap.String("conversation_id", sess.ConversationID),
		),
	}
}

// finish persists the session when the run left it alive.
func (e *Engine) finish(ctx context.Context, r *run, out Outcome) (Outcome, error) {
	out.SessionID = r.sess.ID
	switch out.Status {
	case StatusSuspended, StatusHalted:
		r.sess.UpdatedAt = e.now()
		if err := e.deps.Store.SaveSession(ctx, r.sess); err != nil {
			return out, fmt.Errorf("failed to save session: %w", err)
		}
	}
	return out, nil
}

// end deletes the session.
func (e *Engine) end(ctx context.Context, r *run, status Status, reason string) Outcome {
	if err := e.deps.Store.DeleteSession(ctx, r.sess.ID); err != nil {
		r.log.Error("failed to delete session", zap.Error(err))
	}
	metrics.FlowSessionsEndedTotal.WithLabelValues(reason).Inc()
	return Outcome{Status: status, NodeID: r.sess.CurrentNodeID}
}

// abort tears down a runaway session and reports it to observers.
func (e *Engine) abort(ctx context.Context, r *run, reason string) Outcome {
	r.log.Error("flow session aborted",
		zap.String("reason", reason),
		zap.String("node_id", r.sess.CurrentNodeID),
		zap.Int("exec_count", r.sess.ExecCount),
	)
	e.emit(ctx, r, &model.ConversationEvent{
		Type:   model.EventFlowError,
		Reason: reason,
		Metadata: map[string]any{
			"bot_id":     r.bot.ID,
			"session_id": r.sess.ID,
			"node_id":    r.sess.CurrentNodeID,
			"exec_count": r.sess.ExecCount,
		},
	})
	return e.end(ctx, r, StatusAborted, reason)
}

func (e *Engine) setVariable(ctx context.Context, r *run, name, value string) {
	r.sess.Variables[name] = value
	if err := e.deps.Store.SetVariable(ctx, r.conv.ID, name, value); err != nil {
		r.log.Warn("failed to persist variable", zap.String("variable", name), zap.Error(err))
	}
}

func (e *Engine) scope(ctx context.Context, r *run) map[string]string {
	convVars, err := e.deps.Store.ListVariables(ctx, r.conv.ID)
	if err != nil {
		r.log.Warn("failed to load conversation variables", zap.Error(err))
	}
	return Scope(Globals(r.conv, e.now()), convVars, r.sess.Variables)
}

func (e *Engine) send(ctx context.Context, r *run, text string) {
	if text == "" {
		return
	}
	if err := e.deps.Sender.Send(ctx, r.conv, text); err != nil {
		r.log.Warn("failed to send flow message", zap.Error(err))
	}
}

func (e *Engine) emit(ctx context.Context, r *run, event *model.ConversationEvent) {
	if e.deps.Emitter == nil {
		return
	}
	event.TenantID = r.conv.TenantID
	event.ConversationID = r.conv.ID
	if err := e.deps.Emitter.Emit(ctx, event); err != nil {
		r.log.Warn("failed to emit event", zap.String("type", string(event.Type)), zap.Error(err))
	}
}

func (e *Engine) lock(tenantID, instanceID, contactKey string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID + "|" + instanceID + "|" + contactKey))
	mu := &e.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
