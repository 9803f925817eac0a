package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/capitalize-ai/chatflow/internal/model"
)

// maxMessageLength is the provider's text message limit.
const maxMessageLength = 4096

// ValidateMessageContent validates operator message text.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	if utf8.RuneCountInString(content) > maxMessageLength {
		return errors.New("content exceeds maximum length")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateTenantID validates a tenant ID.
func ValidateTenantID(id string) error {
	if len(id) == 0 {
		return errors.New("tenant ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("tenant ID exceeds maximum length")
	}
	return nil
}

// ValidateStatus validates an optional conversation status filter.
func ValidateStatus(status string) error {
	if status == "" || model.ConversationStatus(status).Valid() {
		return nil
	}
	return errors.New("status must be one of PENDING, OPEN, CLOSED")
}
