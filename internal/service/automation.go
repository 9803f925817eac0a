package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatflow/internal/automation"
	"github.com/capitalize-ai/chatflow/internal/flow"
	"github.com/capitalize-ai/chatflow/internal/model"
	"github.com/capitalize-ai/chatflow/internal/store"
	"github.com/capitalize-ai/chatflow/pkg/logger"
)

// AutomationTrigger hands stored inbound messages to the flow engine and the
// external workflow engine. Neither can fail the caller.
type AutomationTrigger struct {
	flows   FlowRunner
	trigger automation.Trigger
	timeout time.Duration
	logger  *logger.Logger
	wg      sync.WaitGroup
}

// NewAutomationTrigger creates an automation trigger. flows may be nil.
func NewAutomationTrigger(flows FlowRunner, trigger automation.Trigger, timeout time.Duration, log *logger.Logger) *AutomationTrigger {
	if trigger == nil {
		trigger = automation.Nop{}
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &AutomationTrigger{
		flows:   flows,
		trigger: trigger,
		timeout: timeout,
		logger:  log.Named("automation"),
	}
}

// MessageReceived is the workflow payload of an inbound message.
type MessageReceived struct {
	TenantID       string         `json:"tenant_id"`
	InstanceID     string         `json:"instance_id"`
	ConversationID string         `json:"conversation_id"`
	Contact        string         `json:"contact"`
	Message        *model.Message `json:"message"`
}

// Dispatch runs the flow engine and the workflow trigger in the background.
func (a *AutomationTrigger) Dispatch(ctx context.Context, conv *model.Conversation, msg *model.Message, fresh bool) {
	ctx = context.WithoutCancel(ctx)
	convCopy, msgCopy := *conv, *msg
	conv, msg = &convCopy, &msgCopy

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.recoverTask("automation", conv.ID)

		ctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()

		if a.flows != nil {
			out, err := a.flows.HandleInbound(ctx, flow.Inbound{
				Conversation: conv,
				ContactKey:   conv.RemoteID,
				Text:         msg.Content,
				Fresh:        fresh,
			})
			if err != nil {
				a.logger.Error("flow run failed",
					zap.String("tenant_id", conv.TenantID),
					zap.String("conversation_id", conv.ID),
					zap.Error(err),
				)
			} else if out.Status != flow.StatusSkipped {
				a.logger.Debug("flow run finished",
					zap.String("conversation_id", conv.ID),
					zap.String("status", string(out.Status)),
					zap.String("node_id", out.NodeID),
				)
			}
		}

		err := a.trigger.Trigger(ctx, automation.EventMessageReceived, MessageReceived{
			TenantID:       conv.TenantID,
			InstanceID:     conv.InstanceID,
			ConversationID: conv.ID,
			Contact:        conv.RemoteID,
			Message:        msg,
		})
		if err != nil {
			a.logger.Warn("workflow trigger failed",
				zap.String("conversation_id", conv.ID),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until dispatched work has finished.
func (a *AutomationTrigger) Wait() {
	a.wg.Wait()
}

func (a *AutomationTrigger) recoverTask(task, conversationID string) {
	if r := recover(); r != nil {
		a.logger.Error("panic in background task",
			zap.String("task", task),
			zap.String("conversation_id", conversationID),
			zap.Any("panic", r),
		)
	}
}

// Outbound sends bot text through the transport on the conversation's instance.
type Outbound struct {
	instances store.InstanceStore
	sender    TextSender
	trigger   automation.Trigger
}

// NewOutbound creates the flow engine's sender.
func NewOutbound(instances store.InstanceStore, sender TextSender, trigger automation.Trigger) *Outbound {
	if trigger == nil {
		trigger = automation.Nop{}
	}
	return &Outbound{instances: instances, sender: sender, trigger: trigger}
}

// Send delivers text to the remote party of conv.
func (o *Outbound) Send(ctx context.Context, conv *model.Conversation, text string) error {
	inst, err := o.instances.GetInstanceByID(ctx, conv.InstanceID)
	if err != nil {
		return fmt.Errorf("failed to resolve instance %s: %w", conv.InstanceID, err)
	}
	if err := o.sender.SendText(ctx, inst.Key, conv.RemoteID, text); err != nil {
		return err
	}
	return o.trigger.Trigger(ctx, automation.EventMessageSent, map[string]string{
		"tenant_id":       conv.TenantID,
		"conversation_id": conv.ID,
		"text":            text,
	})
}

// CRM forwards lead creation and contact updates to the workflow engine.
type CRM struct {
	trigger automation.Trigger
}

// NewCRM creates a CRM publisher.
func NewCRM(trigger automation.Trigger) *CRM {
	if trigger == nil {
		trigger = automation.Nop{}
	}
	return &CRM{trigger: trigger}
}

// CreateLead announces a first-contact lead.
func (c *CRM) CreateLead(ctx context.Context, conv *model.Conversation) error {
	return c.trigger.Trigger(ctx, automation.EventLeadCreated, map[string]string{
		"tenant_id":       conv.TenantID,
		"conversation_id": conv.ID,
		"name":            conv.Name,
		"phone":           conv.Phone,
	})
}

// UpdateContactField announces a contact field captured by a flow.
func (c *CRM) UpdateContactField(ctx context.Context, conv *model.Conversation, field, value string) error {
	return c.trigger.Trigger(ctx, automation.EventContactUpdated, map[string]string{
		"tenant_id":       conv.TenantID,
		"conversation_id": conv.ID,
		"phone":           conv.Phone,
		"field":           field,
		"value":           value,
	})
}
