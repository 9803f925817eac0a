package flow

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatflow/internal/model"
	"github.com/capitalize-ai/chatflow/pkg/metrics"
)

// Input types accepted by input nodes.
const (
	InputText   = "text"
	InputNumber = "number"
	InputEmail  = "email"
	InputPhone  = "phone"
)

// enter executes nodeID and keeps following edges until the run suspends,
// halts or ends. Every entered node counts against the execution ceiling.
func (e *Engine) enter(ctx context.Context, r *run, nodeID string, depth int) Outcome {
	if depth >= e.cfg.MaxDepth {
		return e.abort(ctx, r, "max_depth")
	}
	r.sess.ExecCount++
	if r.sess.ExecCount > e.cfg.MaxExecutions {
		return e.abort(ctx, r, "max_executions")
	}

	node, ok := r.bot.Flow.Node(nodeID)
	if !ok {
		r.log.Warn("edge points to a missing node", zap.String("node_id", nodeID))
		return e.end(ctx, r, StatusAborted, "missing_node")
	}
	r.sess.CurrentNodeID = node.ID
	metrics.FlowNodesTotal.WithLabelValues(string(node.Type)).Inc()

	switch node.Type {
	case model.NodeStart:
		return e.follow(ctx, r, node.ID, depth)

	case model.NodeMessage:
		e.send(ctx, r, Render(node.Data.Text, e.scope(ctx, r)))
		if node.Data.Capture {
			return e.suspend(r, node)
		}
		return e.follow(ctx, r, node.ID, depth)

	case model.NodeQuestion, model.NodeInput:
		e.send(ctx, r, Render(node.Data.Text, e.scope(ctx, r)))
		return e.suspend(r, node)

	case model.NodeCondition:
		scope := e.scope(ctx, r)
		for _, rule := range node.Data.Rules {
			if !Evaluate(rule, scope) {
				continue
			}
			if target, ok := r.bot.Flow.Branch(node.ID, rule.ID); ok {
				return e.enter(ctx, r, target, depth+1)
			}
		}
		if target, ok := r.bot.Flow.Fallback(node.ID); ok {
			return e.enter(ctx, r, target, depth+1)
		}
		return Outcome{Status: StatusHalted, NodeID: node.ID}

	case model.NodeActions:
		return e.runActions(ctx, r, node, depth)

	case model.NodeHandoff:
		return e.handoff(ctx, r, node)
	}

	r.log.Warn("unknown node type", zap.String("node_id", node.ID), zap.String("type", string(node.Type)))
	return e.end(ctx, r, StatusAborted, "unknown_node")
}

// follow enters the node's outgoing edge. A node without one completes the run.
func (e *Engine) follow(ctx context.Context, r *run, nodeID string, depth int) Outcome {
	next, ok := r.bot.Flow.Next(nodeID)
	if !ok {
		return e.end(ctx, r, StatusCompleted, "completed")
	}
	return e.enter(ctx, r, next, depth+1)
}

// suspend parks the session on node until the contact replies, arming the
// node deadline when it declares one.
func (e *Engine) suspend(r *run, node *model.Node) Outcome {
	r.sess.Suspend = &model.SuspendState{
		NodeID:   node.ID,
		Variable: node.Data.Variable,
		Waiting:  true,
	}
	r.sess.ClearTimeout()
	if node.Data.TimeoutSeconds > 0 {
		at := e.now().Add(time.Duration(node.Data.TimeoutSeconds) * time.Second)
		r.sess.TimeoutAt = &at
		r.sess.TimeoutNodeID, _ = r.bot.Flow.Branch(node.ID, model.HandleTimeout)
	}
	return Outcome{Status: StatusSuspended, NodeID: node.ID}
}

// retry re-prompts an input node whose reply failed validation.
func (e *Engine) retry(ctx context.Context, r *run, node *model.Node) Outcome {
	r.sess.Suspend.Attempts++
	text := node.Data.RetryText
	if text == "" {
		text = node.Data.Text
	}
	e.send(ctx, r, Render(text, e.scope(ctx, r)))
	r.log.Debug("input rejected",
		zap.String("node_id", node.ID),
		zap.String("input_type", node.Data.InputType),
		zap.Int("attempts", r.sess.Suspend.Attempts),
	)
	return Outcome{Status: StatusSuspended, NodeID: node.ID}
}

func (e *Engine) handoff(ctx context.Context, r *run, node *model.Node) Outcome {
	e.send(ctx, r, Render(node.Data.Text, e.scope(ctx, r)))
	if node.Data.Queue != "" {
		if err := e.transfer(ctx, r, node.Data.Queue); err != nil {
			r.log.Warn("handoff queue transfer failed", zap.String("queue", node.Data.Queue), zap.Error(err))
		}
	}
	r.log.Info("handed off to agents", zap.String("node_id", node.ID))
	return e.end(ctx, r, StatusEnded, "handoff")
}

// ValidInput reports whether text satisfies an input node's declared type.
func ValidInput(inputType, text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	switch inputType {
	case InputNumber:
		_, err := parseNumber(text)
		return err == nil
	case InputEmail:
		addr, err := mail.ParseAddress(text)
		return err == nil && addr.Address == text
	case InputPhone:
		digits := 0
		for _, c := range text {
			switch {
			case c >= '0' && c <= '9':
				digits++
			case strings.ContainsRune("+-() .", c):
			default:
				return false
			}
		}
		return digits >= 10 && digits <= 15
	}
	return true
}
