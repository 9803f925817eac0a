// Package ingest normalizes provider webhook payloads into typed events.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is one provider webhook event.
type Envelope struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
	DateTime string          `json:"date_time,omitempty"`
	Sender   string          `json:"sender,omitempty"`
}

var errEmptyPayload = errors.New("ingest: empty payload")

// Split decodes a webhook body into independent envelopes. It accepts a single
// envelope, a wrapper whose data is itself an envelope, or an array of envelopes.
// Envelopes carrying several messages are split into one envelope per message.
//
// Array items that cannot be decoded are returned in skipped and do not affect
// their siblings. err is set only when nothing could be decoded.
func Split(body []byte) (envs []Envelope, skipped []error, err error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil, errEmptyPayload
	}

	var raw []json.RawMessage
	if body[0] == '[' {
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, nil, fmt.Errorf("decode envelope array: %w", err)
		}
	} else {
		raw = []json.RawMessage{body}
	}

	for i, item := range raw {
		env, err := decodeEnvelope(item)
		if err != nil {
			skipped = append(skipped, fmt.Errorf("envelope %d: %w", i, err))
			continue
		}
		envs = append(envs, explode(env)...)
	}
	if len(envs) == 0 && len(skipped) > 0 {
		return nil, nil, errors.Join(skipped...)
	}
	return envs, skipped, nil
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Event != "" || len(env.Data) == 0 {
		return env, nil
	}

	// {data: {event, instance, data}}
	var inner Envelope
	if err := json.Unmarshal(env.Data, &inner); err == nil && inner.Event != "" {
		if inner.Instance == "" {
			inner.Instance = env.Instance
		}
		return inner, nil
	}
	return env, nil
}

// explode fans out batched message payloads.
func explode(env Envelope) []Envelope {
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 {
		return []Envelope{env}
	}

	var items []json.RawMessage
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &items); err != nil {
			return []Envelope{env}
		}
	case '{':
		var batch struct {
			Messages []json.RawMessage `json:"messages"`
		}
		if err := json.Unmarshal(data, &batch); err != nil || len(batch.Messages) == 0 {
			return []Envelope{env}
		}
		items = batch.Messages
	default:
		return []Envelope{env}
	}

	out := make([]Envelope, 0, len(items))
	for _, item := range items {
		part := env
		part.Data = item
		out = append(out, part)
	}
	return out
}
