// Package llm provides the completion clients behind the ai_reply flow action.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/capitalize-ai/chatflow/pkg/metrics"
)

// RoleUser marks a prompt turn written by the contact or the flow.
const RoleUser = "user"

// CompletionRequest is a single-shot chat completion.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// ChatMessage is one turn of the prompt.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse is the provider's answer.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for LLM providers.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// Options configure a provider client. Zero values use the provider defaults.
type Options struct {
	APIKey    string
	Model     string
	MaxTokens int
	BaseURL   string
}

// defaultMaxTokens keeps chat replies short.
const defaultMaxTokens = 1024

// ErrNoAPIKey is returned when a client is built without credentials.
var ErrNoAPIKey = errors.New("llm: API key is required")

// NewClient creates the client for provider, wrapped with metrics.
func NewClient(provider Provider, opts Options) (Client, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%s: %w", provider, ErrNoAPIKey)
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}

	var (
		c   Client
		err error
	)
	switch provider {
	case ProviderAnthropic:
		c, err = NewAnthropicClient(opts)
	case ProviderOpenAI:
		c, err = NewOpenAIClient(opts)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}
	if err != nil {
		return nil, err
	}
	return metered{Client: c}, nil
}

type metered struct {
	Client
}

func (m metered) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()
	resp, err := m.Client.Complete(ctx, req)
	if err != nil {
		metrics.RecordLLM(m.Name(), req.Model, "error", time.Since(start).Seconds(), 0, 0)
		return nil, err
	}
	metrics.RecordLLM(m.Name(), resp.Model, "ok", time.Since(start).Seconds(), resp.TokensIn, resp.TokensOut)
	return resp, nil
}
