package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatflow/internal/middleware"
	"github.com/capitalize-ai/chatflow/internal/model"
	"github.com/capitalize-ai/chatflow/internal/store"
	"github.com/capitalize-ai/chatflow/pkg/logger"
)

// Sender delivers operator text to the remote party of a conversation.
type Sender interface {
	Send(ctx context.Context, conv *model.Conversation, text string) error
}

// SendMessageRequest is the body of POST /conversations/{id}/messages.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// MessageHandler handles message endpoints.
type MessageHandler struct {
	conversations store.ConversationStore
	messages      store.MessageStore
	sender        Sender
	logger        *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(
	conversations store.ConversationStore,
	messages store.MessageStore,
	sender Sender,
	log *logger.Logger,
) *MessageHandler {
	return &MessageHandler{
		conversations: conversations,
		messages:      messages,
		sender:        sender,
		logger:        log,
	}
}

// List handles GET /api/v1/conversations/{id}/messages
// Supports ?before=<RFC3339> to page back through history.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	conv, ok := loadConversation(w, r, h.conversations, h.logger)
	if !ok {
		return
	}

	limit := queryInt(r, "limit", 50, 100)
	if limit == 0 {
		limit = 50
	}
	find := store.FindMessages{
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		Limit:          limit + 1,
	}
	if before := r.URL.Query().Get("before"); before != "" {
		t, err := time.Parse(time.RFC3339Nano, before)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before must be an RFC 3339 timestamp")
			return
		}
		find.Before = &t
	}

	msgs, err := h.messages.ListMessages(r.Context(), find)
	if err != nil {
		h.logger.Error("failed to list messages", zap.String("conversation_id", conv.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}

	// chronological order; the surplus row is the oldest
	resp := model.ListMessagesResponse{Messages: msgs}
	if len(msgs) > limit {
		resp.Messages = msgs[len(msgs)-limit:]
		resp.HasMore = true
	}
	if resp.Messages == nil {
		resp.Messages = []model.Message{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Send handles POST /api/v1/conversations/{id}/messages
// The provider echoes the sent message back through the webhook, which stores it.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	conv, ok := loadConversation(w, r, h.conversations, h.logger)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.sender.Send(r.Context(), conv, req.Content); err != nil {
		h.logger.Error("failed to send message",
			zap.String("tenant_id", conv.TenantID),
			zap.String("conversation_id", conv.ID),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, "failed to send message")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}
