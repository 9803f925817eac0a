package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatflow/internal/model"
	"github.com/capitalize-ai/chatflow/pkg/logger"
	"github.com/capitalize-ai/chatflow/pkg/metrics"
)

// Post-processing tasks.
const (
	TaskProfile = "profile"
	TaskMedia   = "media"
	TaskLead    = "lead"
)

// PostProcessor backfills metadata after a message is stored. Each task runs
// in its own goroutine; failures are logged and counted, never returned.
type PostProcessor struct {
	conversations *ConversationService
	messages      *MessageService
	profiles      ProfileFetcher
	media         MediaFetcher
	leads         LeadCreator
	timeout       time.Duration
	logger        *logger.Logger
	wg            sync.WaitGroup
}

// PostProcessorConfig holds the optional collaborators. Nil fetchers disable their task.
type PostProcessorConfig struct {
	Profiles ProfileFetcher
	Media    MediaFetcher
	Leads    LeadCreator
	Timeout  time.Duration
}

// NewPostProcessor creates a post-processor.
func NewPostProcessor(conversations *ConversationService, messages *MessageService, cfg PostProcessorConfig, log *logger.Logger) *PostProcessor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &PostProcessor{
		conversations: conversations,
		messages:      messages,
		profiles:      cfg.Profiles,
		media:         cfg.Media,
		leads:         cfg.Leads,
		timeout:       cfg.Timeout,
		logger:        log.Named("postprocess"),
	}
}

// Run schedules the tasks that apply to msg. created reports whether conv was
// created by this event.
func (p *PostProcessor) Run(ctx context.Context, inst model.Instance, conv *model.Conversation, msg *model.Message, created bool) {
	convCopy, msgCopy := *conv, *msg
	conv, msg = &convCopy, &msgCopy

	if p.profiles != nil && inst.Channel != model.ChannelAlternate &&
		(conv.AvatarURL == "" || (conv.IsGroup && conv.GroupTitle == nil)) {
		p.spawn(ctx, TaskProfile, conv, func(ctx context.Context) error {
			return p.backfillProfile(ctx, inst, conv)
		})
	}
	if p.media != nil && msg.Type.HasMedia() && msg.MediaURL == nil {
		p.spawn(ctx, TaskMedia, conv, func(ctx context.Context) error {
			return p.backfillMedia(ctx, inst, msg)
		})
	}
	if p.leads != nil && created && !conv.IsGroup && msg.Direction == model.DirectionInbound {
		p.spawn(ctx, TaskLead, conv, func(ctx context.Context) error {
			return p.leads.CreateLead(ctx, conv)
		})
	}
}

// Wait blocks until scheduled tasks have finished.
func (p *PostProcessor) Wait() {
	p.wg.Wait()
}

func (p *PostProcessor) spawn(ctx context.Context, task string, conv *model.Conversation, fn func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				metrics.PostProcessFailuresTotal.WithLabelValues(task).Inc()
				p.logger.Error("panic in post-processing",
					zap.String("task", task),
					zap.String("conversation_id", conv.ID),
					zap.Any("panic", r),
				)
			}
		}()

		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			metrics.PostProcessFailuresTotal.WithLabelValues(task).Inc()
			p.logger.Warn("post-processing failed",
				zap.String("task", task),
				zap.String("tenant_id", conv.TenantID),
				zap.String("conversation_id", conv.ID),
				zap.Error(err),
			)
		}
	}()
}

// backfillProfile fetches the avatar and, for groups without a title, the
// group subject. Both update the same conversation so they run in sequence.
func (p *PostProcessor) backfillProfile(ctx context.Context, inst model.Instance, conv *model.Conversation) error {
	fresh, err := p.conversations.Get(ctx, conv.TenantID, conv.ID)
	if err != nil {
		return err
	}

	if fresh.AvatarURL == "" {
		url, err := p.profiles.FetchProfilePicture(ctx, inst.Key, fresh.RemoteID)
		if err != nil {
			return err
		}
		if err := p.conversations.SetAvatar(ctx, fresh, url); err != nil {
			return err
		}
	}

	if fresh.IsGroup && fresh.GroupTitle == nil {
		subject, err := p.profiles.FetchGroupSubject(ctx, inst.Key, fresh.RemoteID)
		if err != nil {
			return err
		}
		if _, err := p.conversations.SetGroupTitle(ctx, fresh, subject); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostProcessor) backfillMedia(ctx context.Context, inst model.Instance, msg *model.Message) error {
	url, err := p.media.FetchMedia(ctx, inst.Key, msg.ProviderID)
	if err != nil || url == "" {
		return err
	}
	return p.messages.BackfillMedia(ctx, msg, url)
}
