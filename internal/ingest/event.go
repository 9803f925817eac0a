package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the closed set of internal event kinds.
type Kind string

const (
	KindMessage     Kind = "message"
	KindStatus      Kind = "status"
	KindConnection  Kind = "connection"
	KindReaction    Kind = "reaction"
	KindGroupUpdate Kind = "group_update"
	KindUnknown     Kind = "unknown"
)

// Provider event names, normalized by normalizeEventName.
const (
	eventMessagesUpsert    = "messages.upsert"
	eventSendMessage       = "send.message"
	eventMessagesUpdate    = "messages.update"
	eventMessagesReaction  = "messages.reaction"
	eventConnectionUpdate  = "connection.update"
	eventGroupsUpdate      = "groups.update"
	eventGroupsUpsert      = "groups.upsert"
	eventGroupParticipants = "group.participants.update"
)

// Event is a classified provider event. Exactly one payload field is set for
// every kind except KindUnknown.
type Event struct {
	Kind        Kind
	Name        string
	InstanceKey string

	Message    *MessageData
	Status     *StatusData
	Connection *ConnectionData
	Group      *GroupData
}

// MessageKey identifies a provider message and its chat.
type MessageKey struct {
	RemoteJID    string `json:"remoteJid"`
	RemoteJIDAlt string `json:"remoteJidAlt,omitempty"`
	FromMe       *bool  `json:"fromMe,omitempty"`
	ID           string `json:"id"`
	Participant  string `json:"participant,omitempty"`
	SenderPn     string `json:"senderPn,omitempty"`
}

// MessageData is the payload of messages.upsert and send.message.
type MessageData struct {
	Key              MessageKey      `json:"key"`
	PushName         string          `json:"pushName,omitempty"`
	Message          *MessageContent `json:"message,omitempty"`
	MessageType      string          `json:"messageType,omitempty"`
	MessageTimestamp Timestamp       `json:"messageTimestamp,omitempty"`
	Status           string          `json:"status,omitempty"`
	Source           string          `json:"source,omitempty"`
	GroupSubject     string          `json:"groupSubject,omitempty"`
}

// StatusData is the payload of messages.update.
type StatusData struct {
	KeyID     string      `json:"keyId,omitempty"`
	MessageID string      `json:"messageId,omitempty"`
	RemoteJID string      `json:"remoteJid,omitempty"`
	FromMe    bool        `json:"fromMe,omitempty"`
	Status    string      `json:"status"`
	Key       *MessageKey `json:"key,omitempty"`
}

// ExternalID returns the provider id of the message whose status changed.
func (s *StatusData) ExternalID() string {
	switch {
	case s.Key != nil && s.Key.ID != "":
		return s.Key.ID
	case s.KeyID != "":
		return s.KeyID
	}
	return s.MessageID
}

// ConnectionData is the payload of connection.update.
type ConnectionData struct {
	Instance     string `json:"instance,omitempty"`
	State        string `json:"state"`
	StatusReason int    `json:"statusReason,omitempty"`
}

// GroupData is the payload of groups.update and group-participants.update.
type GroupData struct {
	ID           string          `json:"id"`
	Subject      string          `json:"subject,omitempty"`
	Action       string          `json:"action,omitempty"`
	Participants json.RawMessage `json:"participants,omitempty"`
}

// Timestamp accepts unix seconds or milliseconds as a number, a string, or a
// protobuf Long object ({"low":..,"high":..}).
type Timestamp int64

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '{' {
		var long struct {
			Low  int64 `json:"low"`
			High int64 `json:"high"`
		}
		if err := json.Unmarshal(data, &long); err != nil {
			return fmt.Errorf("invalid timestamp object: %w", err)
		}
		*t = Timestamp(long.High<<32 | (long.Low & 0xffffffff))
		return nil
	}
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*t = 0
		return nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(string(data), 64)
		if ferr != nil {
			return fmt.Errorf("invalid timestamp %q", data)
		}
		v = int64(f)
	}
	*t = Timestamp(v)
	return nil
}

// Time converts the timestamp, falling back to def when unset.
func (t Timestamp) Time(def time.Time) time.Time {
	switch {
	case t <= 0:
		return def
	case t > 1e12:
		return time.UnixMilli(int64(t)).UTC()
	default:
		return time.Unix(int64(t), 0).UTC()
	}
}

// Classify decodes the envelope payload and assigns its kind, first by event
// name, then by payload shape when the name is missing or unknown.
func Classify(env Envelope) (Event, error) {
	name := normalizeEventName(env.Event)
	ev := Event{Name: name, InstanceKey: env.Instance, Kind: KindUnknown}

	kind := kindByName(name)
	if kind == KindUnknown {
		kind = kindByShape(env.Data)
	}

	var err error
	switch kind {
	case KindMessage, KindReaction:
		ev.Message = &MessageData{}
		err = json.Unmarshal(env.Data, ev.Message)
		if err == nil && ev.Message.Message != nil && ev.Message.Message.Reaction != nil {
			kind = KindReaction
		}
	case KindStatus:
		ev.Status = &StatusData{}
		err = json.Unmarshal(env.Data, ev.Status)
	case KindConnection:
		ev.Connection = &ConnectionData{}
		err = json.Unmarshal(env.Data, ev.Connection)
		if err == nil && ev.InstanceKey == "" {
			ev.InstanceKey = ev.Connection.Instance
		}
	case KindGroupUpdate:
		ev.Group = &GroupData{}
		err = json.Unmarshal(env.Data, ev.Group)
	}
	if err != nil {
		return Event{Name: name, InstanceKey: env.Instance, Kind: KindUnknown}, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	ev.Kind = kind
	return ev, nil
}

func normalizeEventName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer("_", ".", "-", ".").Replace(name)
}

func kindByName(name string) Kind {
	switch name {
	case eventMessagesUpsert, eventSendMessage:
		return KindMessage
	case eventMessagesReaction:
		return KindReaction
	case eventMessagesUpdate:
		return KindStatus
	case eventConnectionUpdate:
		return KindConnection
	case eventGroupsUpdate, eventGroupsUpsert, eventGroupParticipants:
		return KindGroupUpdate
	}
	return KindUnknown
}

func kindByShape(data json.RawMessage) Kind {
	var probe struct {
		Key     *json.RawMessage `json:"key"`
		Message *json.RawMessage `json:"message"`
		KeyID   string           `json:"keyId"`
		Status  string           `json:"status"`
		State   string           `json:"state"`
		ID      string           `json:"id"`
		Subject string           `json:"subject"`
	}
	if len(data) == 0 || json.Unmarshal(data, &probe) != nil {
		return KindUnknown
	}
	switch {
	case probe.Key != nil && probe.Message != nil:
		return KindMessage
	case probe.Status != "" && (probe.KeyID != "" || probe.Key != nil):
		return KindStatus
	case probe.State != "":
		return KindConnection
	case strings.HasSuffix(probe.ID, groupSuffix) && probe.Subject != "":
		return KindGroupUpdate
	}
	return KindUnknown
}
