// Package transport is the outbound client for the messaging provider's HTTP API.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/capitalize-ai/chatflow/pkg/logger"
)

// ErrNotConfigured is returned when no provider base URL is set.
var ErrNotConfigured = errors.New("transport: provider not configured")

// Config holds provider API settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// Rate and Burst pace requests per instance.
	Rate  float64
	Burst int
}

// Client calls the provider API. Requests are bounded by Config.Timeout and
// paced by a token bucket per instance.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *logger.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a provider client.
func New(cfg Config, log *logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		logger:   log.Named("transport"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// SendText sends a text message to a phone number or group id.
func (c *Client) SendText(ctx context.Context, instance, to, text string) error {
	body := map[string]string{"number": to, "text": text}
	if err := c.do(ctx, instance, http.MethodPost, "/message/sendText/"+url.PathEscape(instance), body, nil); err != nil {
		return fmt.Errorf("send text to %s: %w", to, err)
	}
	return nil
}

// FetchProfilePicture returns the avatar URL of a contact, or "" when hidden.
func (c *Client) FetchProfilePicture(ctx context.Context, instance, remoteID string) (string, error) {
	var resp struct {
		ProfilePictureURL string `json:"profilePictureUrl"`
	}
	body := map[string]string{"number": remoteID}
	if err := c.do(ctx, instance, http.MethodPost, "/chat/fetchProfilePictureUrl/"+url.PathEscape(instance), body, &resp); err != nil {
		return "", fmt.Errorf("fetch profile picture of %s: %w", remoteID, err)
	}
	return resp.ProfilePictureURL, nil
}

// FetchGroupSubject returns the current title of a group.
func (c *Client) FetchGroupSubject(ctx context.Context, instance, groupID string) (string, error) {
	var resp struct {
		Subject string `json:"subject"`
	}
	path := "/group/findGroupInfos/" + url.PathEscape(instance) + "?groupJid=" + url.QueryEscape(groupID)
	if err := c.do(ctx, instance, http.MethodGet, path, nil, &resp); err != nil {
		return "", fmt.Errorf("fetch group subject of %s: %w", groupID, err)
	}
	return resp.Subject, nil
}

// FetchMedia downloads an attachment and returns it as a data URL.
func (c *Client) FetchMedia(ctx context.Context, instance, messageID string) (string, error) {
	var resp struct {
		Base64   string `json:"base64"`
		Mimetype string `json:"mimetype"`
	}
	body := map[string]any{"message": map[string]any{"key": map[string]string{"id": messageID}}}
	if err := c.do(ctx, instance, http.MethodPost, "/chat/getBase64FromMediaMessage/"+url.PathEscape(instance), body, &resp); err != nil {
		return "", fmt.Errorf("fetch media of %s: %w", messageID, err)
	}
	if resp.Base64 == "" {
		return "", nil
	}
	mime := resp.Mimetype
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	return "data:" + mime + ";base64," + resp.Base64, nil
}

func (c *Client) do(ctx context.Context, instance, method, path string, in, out any) error {
	if c.cfg.BaseURL == "" {
		return ErrNotConfigured
	}
	if err := c.limiter(instance).Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("apikey", c.cfg.APIKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.logger.Debug("provider call",
		zap.String("instance", instance),
		zap.String("method", method),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) limiter(instance string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[instance]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.cfg.Rate), c.cfg.Burst)
		c.limiters[instance] = l
	}
	return l
}
