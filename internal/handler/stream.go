package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatflow/internal/middleware"
	"github.com/capitalize-ai/chatflow/internal/model"
	natsclient "github.com/capitalize-ai/chatflow/internal/nats"
	"github.com/capitalize-ai/chatflow/internal/store"
	"github.com/capitalize-ai/chatflow/pkg/logger"
	"github.com/capitalize-ai/chatflow/pkg/metrics"
)

const streamBuffer = 256

// Subscriber delivers real-time events matching a subject filter.
type Subscriber interface {
	Subscribe(ctx context.Context, filter string, afterSequence uint64, fn func(model.ConversationEvent)) (func(), error)
}

// StreamHandler handles SSE streaming endpoints.
type StreamHandler struct {
	subscriber    Subscriber
	conversations store.ConversationStore
	logger        *logger.Logger
	heartbeat     time.Duration
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(sub Subscriber, conversations store.ConversationStore, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		subscriber:    sub,
		conversations: conversations,
		logger:        log.Named("sse"),
		heartbeat:     30 * time.Second,
	}
}

// TenantEvents handles GET /api/v1/events
func (h *StreamHandler) TenantEvents(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	h.stream(w, r, natsclient.TenantFilter(tenantID), "")
}

// ConversationEvents handles GET /api/v1/conversations/{id}/events
func (h *StreamHandler) ConversationEvents(w http.ResponseWriter, r *http.Request) {
	conv, ok := loadConversation(w, r, h.conversations, h.logger)
	if !ok {
		return
	}
	h.stream(w, r, natsclient.ConversationFilter(conv.TenantID, conv.ID), conv.ID)
}

// stream relays events matching filter until the client disconnects. Clients
// resume with Last-Event-ID (or ?after_sequence=N); a client that cannot keep
// up is disconnected and expected to resume the same way.
func (h *StreamHandler) stream(w http.ResponseWriter, r *http.Request, filter, conversationID string) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	after := resumeSequence(r)
	events := make(chan model.ConversationEvent, streamBuffer)
	lagged := make(chan struct{})
	var overflowed bool

	stop, err := h.subscriber.Subscribe(ctx, filter, after, func(ev model.ConversationEvent) {
		if overflowed {
			return
		}
		select {
		case events <- ev:
		default:
			overflowed = true
			close(lagged)
		}
	})
	if err != nil {
		h.logger.Error("failed to subscribe", zap.String("filter", filter), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "real-time events unavailable")
		return
	}
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sendSSEEvent(w, flusher, "", "connected", map[string]any{
		"conversation_id": conversationID,
		"after_sequence":  after,
	})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			id := strconv.FormatUint(ev.Sequence, 10)
			if err := sendSSEEvent(w, flusher, id, string(ev.Type), ev); err != nil {
				h.logger.Debug("SSE write failed", zap.Error(err))
				return
			}
		case <-lagged:
			sendSSEEvent(w, flusher, "", "error", &model.ErrorEvent{
				Code:    "lagging",
				Message: "client too slow, reconnect with Last-Event-ID",
			})
			h.logger.Warn("SSE client lagging, disconnected", zap.String("filter", filter))
			return
		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "", "heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now().UTC(),
			})
		}
	}
}

func resumeSequence(r *http.Request) uint64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("after_sequence")
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, id, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if id != "" && id != "0" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
