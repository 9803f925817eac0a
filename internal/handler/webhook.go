package handler

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatflow/internal/automation"
	"github.com/capitalize-ai/chatflow/internal/ingest"
	"github.com/capitalize-ai/chatflow/internal/middleware"
	"github.com/capitalize-ai/chatflow/pkg/logger"
	"github.com/capitalize-ai/chatflow/pkg/metrics"
)

const (
	maxWebhookBody = 16 << 20
	eventTimeout   = 5 * time.Minute
)

// Ingester processes one provider envelope.
type Ingester interface {
	Handle(ctx context.Context, env ingest.Envelope) error
}

// WebhookHandler acknowledges provider webhooks immediately and processes
// each envelope in its own goroutine.
type WebhookHandler struct {
	ingester Ingester
	logger   *logger.Logger
	wg       sync.WaitGroup
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(ingester Ingester, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		ingester: ingester,
		logger:   log.Named("webhook"),
	}
}

// Receive handles POST /webhook and POST /webhook/{instance}.
// The provider always gets 200; undecodable bodies are logged and dropped.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Warn("failed to read webhook body", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]any{"status": "received", "events": 0})
		return
	}

	envelopes, skipped, err := ingest.Split(body)
	for _, skipErr := range skipped {
		metrics.EventsDroppedTotal.WithLabelValues("undecodable").Inc()
		h.logger.Warn("undecodable webhook event", zap.Error(skipErr))
	}
	if err != nil {
		metrics.EventsDroppedTotal.WithLabelValues("undecodable").Inc()
		h.logger.Warn("undecodable webhook body",
			zap.Int("bytes", len(body)),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, map[string]any{"status": "received", "events": 0})
		return
	}

	if instance := chi.URLParam(r, "instance"); instance != "" {
		for i := range envelopes {
			if envelopes[i].Instance == "" {
				envelopes[i].Instance = instance
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "received", "events": len(envelopes)})

	ctx := context.WithoutCancel(r.Context())
	if cid := middleware.GetCorrelationID(ctx); cid != "" {
		ctx = automation.WithCorrelationID(ctx, cid)
	}
	for _, env := range envelopes {
		h.dispatch(ctx, env)
	}
}

// Wait blocks until every dispatched envelope has been processed.
func (h *WebhookHandler) Wait() {
	h.wg.Wait()
}

func (h *WebhookHandler) dispatch(ctx context.Context, env ingest.Envelope) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("panic while processing webhook event",
					zap.String("event", env.Event),
					zap.String("instance", env.Instance),
					zap.Any("panic", r),
				)
			}
		}()

		ctx, cancel := context.WithTimeout(ctx, eventTimeout)
		defer cancel()

		if err := h.ingester.Handle(ctx, env); err != nil {
			h.logger.Error("failed to process webhook event",
				zap.String("event", env.Event),
				zap.String("instance", env.Instance),
				zap.String("correlation_id", middleware.GetCorrelationID(ctx)),
				zap.Error(err),
			)
		}
	}()
}
