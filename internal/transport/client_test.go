package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chatflow/pkg/logger"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/", APIKey: "secret", Timeout: time.Second, Rate: 100, Burst: 10}, logger.NewNop())
}

func TestSendText(t *testing.T) {
	var got map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/message/sendText/acme-main", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("apikey"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	})

	require.NoError(t, c.SendText(context.Background(), "acme-main", "5511999990000", "Hi there"))
	assert.Equal(t, map[string]string{"number": "5511999990000", "text": "Hi there"}, got)
}

func TestSendTextProviderError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "instance not connected", http.StatusBadRequest)
	})
	err := c.SendText(context.Background(), "acme-main", "5511999990000", "Hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestFetchProfilePicture(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/fetchProfilePictureUrl/acme-main", r.URL.Path)
		_, _ = w.Write([]byte(`{"wuid":"5511@s.whatsapp.net","profilePictureUrl":"https://pps/avatar.jpg"}`))
	})
	avatar, err := c.FetchProfilePicture(context.Background(), "acme-main", "5511999990000")
	require.NoError(t, err)
	assert.Equal(t, "https://pps/avatar.jpg", avatar)
}

func TestFetchGroupSubject(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1203@g.us", r.URL.Query().Get("groupJid"))
		_, _ = w.Write([]byte(`{"id":"1203@g.us","subject":"Sales Team"}`))
	})
	subject, err := c.FetchGroupSubject(context.Background(), "acme-main", "1203@g.us")
	require.NoError(t, err)
	assert.Equal(t, "Sales Team", subject)
}

func TestFetchMediaReturnsDataURL(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"base64":"aGVsbG8=","mimetype":"audio/ogg; codecs=opus"}`))
	})
	media, err := c.FetchMedia(context.Background(), "acme-main", "ABC")
	require.NoError(t, err)
	assert.Equal(t, "data:audio/ogg;base64,aGVsbG8=", media)
}

func TestTimeoutBoundsSlowProvider(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	c.http.Timeout = 50 * time.Millisecond

	start := time.Now()
	err := c.SendText(context.Background(), "acme-main", "5511999990000", "Hi")
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNotConfigured(t *testing.T) {
	c := New(Config{}, logger.NewNop())
	assert.ErrorIs(t, c.SendText(context.Background(), "i", "5511999990000", "x"), ErrNotConfigured)
}
