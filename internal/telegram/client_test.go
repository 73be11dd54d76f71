package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/access-expiry/internal/config"
)

type recordedCall struct {
	path string
	body map[string]any
}

func newTestServer(t *testing.T, status int, response string) (*httptest.Server, *[]recordedCall) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []recordedCall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		calls = append(calls, recordedCall{path: r.URL.Path, body: body})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(config.Telegram{
		APIURL:         url,
		BotToken:       "123:secret",
		RequestTimeout: 2 * time.Second,
		RatePerSecond:  100,
		Burst:          10,
	})
	require.NoError(t, err)
	return c
}

func TestNewClient_EmptyToken(t *testing.T) {
	_, err := NewClient(config.Telegram{APIURL: "http://localhost"})
	require.Error(t, err)
}

func TestClient_Revoke(t *testing.T) {
	srv, calls := newTestServer(t, http.StatusOK, `{"ok":true,"result":true}`)
	c := newTestClient(t, srv.URL)

	require.NoError(t, c.Revoke(context.Background(), -100123, 42))

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, "/bot123:secret/banChatMember", call.path)
	assert.Equal(t, float64(-100123), call.body["chat_id"])
	assert.Equal(t, float64(42), call.body["user_id"])
	_, hasOnlyIfBanned := call.body["only_if_banned"]
	assert.False(t, hasOnlyIfBanned)
}

func TestClient_Unrevoke(t *testing.T) {
	srv, calls := newTestServer(t, http.StatusOK, `{"ok":true,"result":true}`)
	c := newTestClient(t, srv.URL+"/")

	require.NoError(t, c.Unrevoke(context.Background(), -100123, 42))

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, "/bot123:secret/unbanChatMember", call.path)
	assert.Equal(t, true, call.body["only_if_banned"])
}

func TestClient_APIError(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusBadRequest,
		`{"ok":false,"error_code":400,"description":"Bad Request: not enough rights"}`)
	c := newTestClient(t, srv.URL)

	err := c.Revoke(context.Background(), -100123, 42)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "banChatMember", apiErr.Method)
	assert.Equal(t, 400, apiErr.Code)
	assert.Contains(t, apiErr.Description, "not enough rights")
}

func TestClient_MalformedResponse(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusBadGateway, `<html>bad gateway</html>`)
	c := newTestClient(t, srv.URL)

	err := c.Unrevoke(context.Background(), -100123, 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram.Unrevoke")
}

func TestClient_TransportErrorHidesToken(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")

	err := c.Revoke(context.Background(), -100123, 42)
	require.Error(t, err)
	assert.False(t, strings.Contains(err.Error(), "secret"), "token leaked: %s", err)
}

func TestClient_CancelledContext(t *testing.T) {
	srv, calls := newTestServer(t, http.StatusOK, `{"ok":true}`)
	c := newTestClient(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, c.Revoke(ctx, -100123, 42))
	assert.Empty(t, *calls)
}
