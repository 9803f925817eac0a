// Package service reconciles provider events into conversations and messages
// and fans stored messages out to automation.
package service

import (
	"context"

	"github.com/capitalize-ai/chatflow/internal/flow"
	"github.com/capitalize-ai/chatflow/internal/model"
)

// Emitter publishes real-time events to observers.
type Emitter interface {
	Emit(ctx context.Context, event *model.ConversationEvent) error
}

// FlowRunner drives bot flows for inbound messages.
type FlowRunner interface {
	HandleInbound(ctx context.Context, in flow.Inbound) (flow.Outcome, error)
}

// ProfileFetcher looks up contact and group metadata on the transport.
type ProfileFetcher interface {
	FetchProfilePicture(ctx context.Context, instance, remoteID string) (string, error)
	FetchGroupSubject(ctx context.Context, instance, groupID string) (string, error)
}

// MediaFetcher downloads message attachments from the transport.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, instance, messageID string) (string, error)
}

// TextSender delivers text through the transport.
type TextSender interface {
	SendText(ctx context.Context, instance, to, text string) error
}

// LeadCreator registers a first-contact lead with the CRM.
type LeadCreator interface {
	CreateLead(ctx context.Context, conv *model.Conversation) error
}

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, *model.ConversationEvent) error { return nil }
