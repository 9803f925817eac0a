package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatflow/internal/llm"
	"github.com/capitalize-ai/chatflow/internal/model"
	"github.com/capitalize-ai/chatflow/internal/store"
	"github.com/capitalize-ai/chatflow/pkg/metrics"
)

var (
	ErrNoQueueResolver = errors.New("flow: no queue resolver configured")
	ErrNoLLM           = errors.New("flow: no LLM client configured")
)

// maxWebhookResponse bounds the response body stored into a variable.
const maxWebhookResponse = 4 << 10

const aiSystemPrompt = "You are a helpful customer service assistant replying over chat. Keep answers short and plain."

// contactFields are variables mirrored into the contact record.
var contactFields = map[string]bool{"name": true, "email": true, "phone": true}

type control int

const (
	ctrlNext control = iota
	ctrlStop
	ctrlJump
)

// runActions executes the node's actions in order. A failing action is logged
// and counted; the remaining actions still run.
func (e *Engine) runActions(ctx context.Context, r *run, node *model.Node, depth int) Outcome {
	for i, act := range node.Data.Actions {
		ctrl, target, err := e.runAction(ctx, r, act)
		if err != nil {
			metrics.FlowActionFailuresTotal.WithLabelValues(string(act.Type())).Inc()
			r.log.Warn("flow action failed",
				zap.String("node_id", node.ID),
				zap.Int("index", i),
				zap.String("action", string(act.Type())),
				zap.Error(err),
			)
			continue
		}
		switch ctrl {
		case ctrlStop:
			return e.end(ctx, r, StatusEnded, "stop")
		case ctrlJump:
			return e.enter(ctx, r, target, depth+1)
		}
	}
	return e.follow(ctx, r, node.ID, depth)
}

func (e *Engine) runAction(ctx context.Context, r *run, act model.Action) (ctrl control, target string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			ctrl, target, err = ctrlNext, "", fmt.Errorf("panic: %v", rec)
		}
	}()

	switch a := act.(type) {
	case model.SendMessageAction:
		e.send(ctx, r, Render(a.Text, e.scope(ctx, r)))

	case model.SetVariableAction:
		return ctrlNext, "", e.setVariableAction(ctx, r, a)

	case model.TransferQueueAction:
		return ctrlNext, "", e.transfer(ctx, r, a.Queue)

	case model.AssignUserAction:
		if a.UserID == "" {
			return ctrlNext, "", errors.New("assign_user: empty user id")
		}
		userID, status := a.UserID, model.StatusOpen
		return ctrlNext, "", e.patchConversation(ctx, r, store.ConversationPatch{Assignee: &userID, Status: &status})

	case model.CloseConversationAction:
		status, unassigned := model.StatusClosed, ""
		return ctrlNext, "", e.patchConversation(ctx, r, store.ConversationPatch{Status: &status, Assignee: &unassigned})

	case model.AddTagAction:
		// the local snapshot may be stale, the store dedupes
		tag := strings.TrimSpace(Render(a.Tag, e.scope(ctx, r)))
		if tag == "" {
			return ctrlNext, "", nil
		}
		return ctrlNext, "", e.patchConversation(ctx, r, store.ConversationPatch{AddTags: []string{tag}})

	case model.RemoveTagAction:
		tag := strings.TrimSpace(Render(a.Tag, e.scope(ctx, r)))
		if tag == "" {
			return ctrlNext, "", nil
		}
		return ctrlNext, "", e.patchConversation(ctx, r, store.ConversationPatch{RemoveTags: []string{tag}})

	case model.SetStatusAction:
		if !a.Status.Valid() {
			return ctrlNext, "", fmt.Errorf("set_status: invalid status %q", a.Status)
		}
		status := a.Status
		patch := store.ConversationPatch{Status: &status}
		if status != model.StatusOpen {
			unassigned := ""
			patch.Assignee = &unassigned
		}
		return ctrlNext, "", e.patchConversation(ctx, r, patch)

	case model.DelayAction:
		d := time.Duration(a.Seconds) * time.Second
		if d > e.cfg.MaxDelay {
			d = e.cfg.MaxDelay
		}
		if d <= 0 {
			return ctrlNext, "", nil
		}
		return ctrlNext, "", e.sleep(ctx, d)

	case model.WebhookAction:
		return ctrlNext, "", e.callWebhook(ctx, r, a)

	case model.AIReplyAction:
		return ctrlNext, "", e.aiReply(ctx, r, a)

	case model.StartFlowAction:
		target, err := e.startFlow(ctx, r, a.BotID)
		if err != nil {
			return ctrlNext, "", err
		}
		return ctrlJump, target, nil

	case model.StopAction:
		return ctrlStop, "", nil

	default:
		return ctrlNext, "", fmt.Errorf("unsupported action %T", act)
	}
	return ctrlNext, "", nil
}

func (e *Engine) setVariableAction(ctx context.Context, r *run, a model.SetVariableAction) error {
	if a.Name == "" {
		return errors.New("set_variable: empty name")
	}
	value := Render(a.Value, e.scope(ctx, r))
	e.setVariable(ctx, r, a.Name, value)

	field := strings.ToLower(a.Name)
	if !contactFields[field] || strings.TrimSpace(value) == "" {
		return nil
	}
	if field == "name" && !r.conv.IsGroup {
		name := strings.TrimSpace(value)
		if err := e.patchConversation(ctx, r, store.ConversationPatch{Name: &name}); err != nil {
			return err
		}
	}
	if e.deps.Contacts != nil {
		return e.deps.Contacts.UpdateContactField(ctx, r.conv, field, value)
	}
	return nil
}

func (e *Engine) transfer(ctx context.Context, r *run, queue string) error {
	if e.deps.Queues == nil {
		return ErrNoQueueResolver
	}
	queueID, err := e.deps.Queues.ResolveQueue(ctx, r.conv.TenantID, queue)
	if err != nil {
		return fmt.Errorf("failed to resolve queue %q: %w", queue, err)
	}
	return e.patchConversation(ctx, r, store.ConversationPatch{QueueID: &queueID})
}

// patchConversation writes only the fields in p and refreshes the run's copy
// from the stored row.
func (e *Engine) patchConversation(ctx context.Context, r *run, p store.ConversationPatch) error {
	p.UpdatedAt = e.now()
	updated, err := e.deps.Store.PatchConversation(ctx, r.conv.TenantID, r.conv.ID, p)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	*r.conv = *updated
	snapshot := *r.conv
	e.emit(ctx, r, &model.ConversationEvent{
		Type:         model.EventConversationUpdate,
		Conversation: &snapshot,
	})
	return nil
}

func (e *Engine) callWebhook(ctx context.Context, r *run, a model.WebhookAction) error {
	scope := e.scope(ctx, r)
	url := Render(a.URL, scope)
	if url == "" {
		return errors.New("webhook: empty url")
	}
	method := strings.ToUpper(a.Method)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if a.Body != "" {
		body = strings.NewReader(Render(a.Body, scope))
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	for k, v := range a.Headers {
		req.Header.Set(k, Render(v, scope))
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook: %s returned %d", url, resp.StatusCode)
	}
	if a.ResponseVariable == "" {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
	if err != nil {
		return fmt.Errorf("webhook: read response: %w", err)
	}
	e.setVariable(ctx, r, a.ResponseVariable, strings.TrimSpace(string(data)))
	return nil
}

func (e *Engine) aiReply(ctx context.Context, r *run, a model.AIReplyAction) error {
	if e.deps.LLM == nil {
		return ErrNoLLM
	}
	prompt := strings.TrimSpace(Render(a.Prompt, e.scope(ctx, r)))
	if prompt == "" {
		return errors.New("ai_reply: empty prompt")
	}

	resp, err := e.deps.LLM.Complete(ctx, &llm.CompletionRequest{
		Model:    a.Model,
		System:   aiSystemPrompt,
		Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return fmt.Errorf("ai_reply: %w", err)
	}
	r.log.Debug("ai reply generated",
		zap.String("provider", e.deps.LLM.Name()),
		zap.String("model", resp.Model),
		zap.Int("tokens_out", resp.TokensOut),
	)

	if a.Variable != "" {
		e.setVariable(ctx, r, a.Variable, resp.Content)
	}
	if !a.Silent {
		e.send(ctx, r, resp.Content)
	}
	return nil
}

// startFlow replaces the running session with a new session of botID for the
// same contact and returns the node to continue from.
func (e *Engine) startFlow(ctx context.Context, r *run, botID string) (string, error) {
	bot, err := e.deps.Store.GetBot(ctx, r.conv.TenantID, botID)
	if err != nil {
		return "", fmt.Errorf("start_flow: failed to load bot %q: %w", botID, err)
	}
	if err := Validate(&bot.Flow); err != nil {
		return "", fmt.Errorf("start_flow: bot %s: %w", bot.ID, err)
	}
	start, ok := bot.Flow.Start()
	if !ok {
		return "", fmt.Errorf("start_flow: bot %s has no start node", bot.ID)
	}
	target, ok := bot.Flow.Next(start.ID)
	if !ok {
		return "", fmt.Errorf("start_flow: bot %s start node has no edge", bot.ID)
	}

	if existing, err := e.deps.Store.GetSession(ctx, bot.ID, r.sess.ContactKey, r.sess.InstanceID); err == nil && existing.ID != r.sess.ID {
		if err := e.deps.Store.DeleteSession(ctx, existing.ID); err != nil {
			return "", fmt.Errorf("start_flow: failed to clear session: %w", err)
		}
	}
	if err := e.deps.Store.DeleteSession(ctx, r.sess.ID); err != nil {
		return "", fmt.Errorf("start_flow: failed to delete session: %w", err)
	}
	metrics.FlowSessionsEndedTotal.WithLabelValues("replaced").Inc()

	now := e.now()
	sess := &model.Session{
		ID:             uuid.Must(uuid.NewV7()).String(),
		BotID:          bot.ID,
		TenantID:       r.sess.TenantID,
		InstanceID:     r.sess.InstanceID,
		ContactKey:     r.sess.ContactKey,
		ConversationID: r.sess.ConversationID,
		CurrentNodeID:  target,
		Variables:      r.sess.Variables,
		ExecCount:      r.sess.ExecCount,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.deps.Store.SaveSession(ctx, sess); err != nil {
		return "", fmt.Errorf("start_flow: failed to create session: %w", err)
	}

	r.log.Info("sub-flow started", zap.String("target_bot_id", bot.ID))
	r.bot = bot
	r.sess = sess
	r.log = r.log.With(zap.String("sub_session_id", sess.ID))
	return target, nil
}
