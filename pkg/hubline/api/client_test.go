package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type backendCall struct {
	Method        string
	Path          string
	Authorization string
	Body          map[string]any
}

func newBackend(t *testing.T, calls chan<- backendCall) *httptest.Server {
	r := chi.NewRouter()

	record := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, req *http.Request) {
			var body map[string]any
			_ = json.NewDecoder(req.Body).Decode(&body)
			calls <- backendCall{
				Method:        req.Method,
				Path:          req.URL.Path,
				Authorization: req.Header.Get("Authorization"),
				Body:          body,
			}
			next(w, req)
		}
	}
	ok := func(w http.ResponseWriter, req *http.Request) { w.WriteHeader(http.StatusNoContent) }
	writeJSON := func(v any) http.HandlerFunc {
		return func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(v)
		}
	}

	r.Get("/api/mercure/token", record(writeJSON(map[string]string{"token": "jwt-123"})))
	r.Post("/api/conversations/{id}/messages", record(writeJSON(map[string]any{
		"id": "m1", "senderId": "u1", "content": "hello", "createdAt": "2024-01-01T00:00:00Z",
	})))
	r.Post("/api/conversations/{id}/typing", record(ok))
	r.Post("/api/conversations/{id}/read", record(ok))
	r.Post("/api/live-streams/{id}/join", record(ok))
	r.Post("/api/live-streams/{id}/leave", record(ok))
	r.Post("/api/live-streams/{id}/highlight", record(ok))
	r.Post("/api/live-streams/{id}/chat", record(writeJSON(map[string]any{"id": "c1", "userId": "u1", "content": "hi"})))
	r.Get("/api/notifications", record(writeJSON(map[string]any{
		"notifications": []map[string]any{{"id": "n1", "type": "order", "title": "t", "message": "m", "isRead": false}},
		"unreadCount":   1,
	})))
	r.Patch("/api/notifications/read-all", record(ok))
	r.Patch("/api/notifications/{id}/read", record(ok))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, baseURL string) *Client {
	c, err := NewClient().
		WithBaseURL(baseURL).
		WithAuthorization("Bearer session").
		WithRetries(2, time.Millisecond).
		WithLogger(zaptest.NewLogger(t)).
		Build()
	require.NoError(t, err)
	return c
}

func TestClientEndpoints(t *testing.T) {
	calls := make(chan backendCall, 32)
	srv := newBackend(t, calls)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	next := func() backendCall {
		select {
		case call := <-calls:
			return call
		case <-time.After(time.Second):
			t.Fatal("backend was not called")
			return backendCall{}
		}
	}

	token, err := c.FetchToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "jwt-123", token)
	call := next()
	assert.Equal(t, "Bearer session", call.Authorization)

	msg, err := c.SendMessage(ctx, "42", "hello")
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	call = next()
	assert.Equal(t, "/api/conversations/42/messages", call.Path)
	assert.Equal(t, "hello", call.Body["content"])

	require.NoError(t, c.SendTyping(ctx, "42", true))
	call = next()
	assert.Equal(t, "/api/conversations/42/typing", call.Path)
	assert.Equal(t, true, call.Body["isTyping"])

	require.NoError(t, c.MarkMessagesRead(ctx, "42"))
	assert.Equal(t, "/api/conversations/42/read", next().Path)

	require.NoError(t, c.JoinLiveStream(ctx, "9"))
	assert.Equal(t, "/api/live-streams/9/join", next().Path)

	require.NoError(t, c.LeaveLiveStream(ctx, "9"))
	assert.Equal(t, "/api/live-streams/9/leave", next().Path)

	require.NoError(t, c.HighlightProduct(ctx, "9", "p1"))
	call = next()
	assert.Equal(t, "/api/live-streams/9/highlight", call.Path)
	assert.Equal(t, "p1", call.Body["productId"])

	chat, err := c.SendLiveChat(ctx, "9", "hi")
	require.NoError(t, err)
	assert.Equal(t, "c1", chat.ID)
	assert.Equal(t, "/api/live-streams/9/chat", next().Path)

	list, err := c.ListNotifications(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, list.UnreadCount)
	require.Len(t, list.Notifications, 1)
	assert.Equal(t, "n1", list.Notifications[0].ID)
	next()

	require.NoError(t, c.MarkNotificationRead(ctx, "n1"))
	call = next()
	assert.Equal(t, http.MethodPatch, call.Method)
	assert.Equal(t, "/api/notifications/n1/read", call.Path)

	require.NoError(t, c.MarkAllNotificationsRead(ctx))
	assert.Equal(t, "/api/notifications/read-all", next().Path)
}

func TestClientErrors(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		switch r.URL.Path {
		case "/api/notifications/missing/read":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"notification not found"}`))
		case "/api/mercure/token":
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"login required"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	err := c.MarkNotificationRead(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.EqualError(t, err, "api error 404: notification not found")

	_, err = c.FetchToken(ctx)
	assert.ErrorIs(t, err, ErrUnauthorized)

	attempts.Store(0)
	err = c.JoinLiveStream(ctx, "1")
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, int32(3), attempts.Load(), "5xx responses are retried")
}

func TestClientBuilderValidation(t *testing.T) {
	_, err := NewClient().Build()
	assert.Error(t, err)

	_, err = NewClient().WithBaseURL("/relative").Build()
	assert.Error(t, err)

	_, err = NewClient().WithBaseURL("http://x").WithRetries(-1, 0).Build()
	assert.Error(t, err)

	c, err := NewClient().WithBaseURL("http://backend.example.com/").Build()
	require.NoError(t, err)
	assert.Equal(t, "http://backend.example.com", c.baseURL.String())
}

func TestPathEscaping(t *testing.T) {
	assert.Equal(t, "/api/conversations/a%2Fb/read", pathf("/api/conversations/%s/read", "a/b"))
}
