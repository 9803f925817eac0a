// Package handler provides HTTP handlers for the webhook and operator API.
package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatflow/internal/middleware"
	"github.com/capitalize-ai/chatflow/internal/model"
	"github.com/capitalize-ai/chatflow/internal/store"
	"github.com/capitalize-ai/chatflow/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	store  store.ConversationStore
	logger *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(s store.ConversationStore, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		store:  s,
		logger: log,
	}
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)

	status := r.URL.Query().Get("status")
	if err := middleware.ValidateStatus(status); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := queryInt(r, "limit", 20, 100)
	if limit == 0 {
		limit = 20
	}
	offset := queryInt(r, "offset", 0, 1<<20)

	convs, err := h.store.ListConversations(ctx, store.FindConversations{
		TenantID: tenantID,
		Status:   model.ConversationStatus(status),
		Limit:    limit + 1,
		Offset:   offset,
	})
	if err != nil {
		h.logger.Error("failed to list conversations", zap.String("tenant_id", tenantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	resp := model.ListConversationsResponse{Conversations: convs}
	if len(convs) > limit {
		resp.Conversations = convs[:limit]
		resp.HasMore = true
	}
	if resp.Conversations == nil {
		resp.Conversations = []model.Conversation{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conv, ok := loadConversation(w, r, h.store, h.logger)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// loadConversation resolves the {id} conversation of the caller's tenant,
// writing the error response when it cannot.
func loadConversation(w http.ResponseWriter, r *http.Request, s store.ConversationStore, log *logger.Logger) (*model.Conversation, bool) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	conv, err := s.GetConversation(ctx, tenantID, conversationID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	case err != nil:
		log.Error("failed to get conversation", zap.String("conversation_id", conversationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get conversation")
		return nil, false
	}
	return conv, true
}
