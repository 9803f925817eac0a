package ingest

import (
	"strings"

	"github.com/capitalize-ai/chatflow/internal/model"
)

// directionRule reports whether a message was sent by the tenant. ok is false
// when the rule has no opinion and the next rule should be consulted.
type directionRule func(name string, data *MessageData) (fromMe bool, ok bool)

// directionChain is ordered; the first rule with an opinion decides.
var directionChain = []directionRule{
	explicitFromMe,
	sentEvent,
	outboundStatus,
	apiGeneratedID,
}

// Outbound statuses only appear on messages the tenant sent.
var outboundStatuses = map[string]bool{
	"PENDING":    true,
	"SERVER_ACK": true,
}

// Message id prefixes generated by the provider API and web clients.
var outboundIDPrefixes = []string{"BAE5", "3EB0"}

// Direction classifies a message event as inbound or outbound.
func Direction(ev Event) model.Direction {
	if ev.Message == nil {
		return model.DirectionInbound
	}
	for _, rule := range directionChain {
		if fromMe, ok := rule(ev.Name, ev.Message); ok {
			if fromMe {
				return model.DirectionOutbound
			}
			return model.DirectionInbound
		}
	}
	return model.DirectionInbound
}

func explicitFromMe(_ string, data *MessageData) (bool, bool) {
	if data.Key.FromMe == nil {
		return false, false
	}
	return *data.Key.FromMe, true
}

func sentEvent(name string, _ *MessageData) (bool, bool) {
	if name == eventSendMessage {
		return true, true
	}
	return false, false
}

func outboundStatus(_ string, data *MessageData) (bool, bool) {
	if outboundStatuses[strings.ToUpper(data.Status)] {
		return true, true
	}
	return false, false
}

func apiGeneratedID(_ string, data *MessageData) (bool, bool) {
	for _, prefix := range outboundIDPrefixes {
		if strings.HasPrefix(data.Key.ID, prefix) {
			return true, true
		}
	}
	return false, false
}
