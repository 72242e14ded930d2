package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/hubline/pkg/hubline/event"
	"go.uber.org/zap/zaptest"
)

// testHub is a scripted SSE endpoint. Every accepted stream is handed to the
// test through conns so that it can push frames or drop the connection.
type testHub struct {
	mu       sync.Mutex
	requests []recordedRequest
	conns    chan *hubConn
	status   atomic.Int32
}

type recordedRequest struct {
	topics        []string
	authorization string
	accept        string
	lastEventID   string
}

type hubConn struct {
	frames chan string
	drop   chan struct{}
}

func (c *hubConn) send(frame string) {
	c.frames <- frame
}

func (c *hubConn) close() {
	close(c.drop)
}

func newTestHub(t *testing.T) (*testHub, *httptest.Server) {
	hub := &testHub{conns: make(chan *hubConn, 16)}
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hub, srv
}

func (h *testHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.requests = append(h.requests, recordedRequest{
		topics:        r.URL.Query()["topic"],
		authorization: r.Header.Get("Authorization"),
		accept:        r.Header.Get("Accept"),
		lastEventID:   r.Header.Get("Last-Event-ID"),
	})
	h.mu.Unlock()

	if status := h.status.Load(); status != 0 {
		http.Error(w, "unavailable", int(status))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)
	flusher.Flush()

	conn := &hubConn{frames: make(chan string, 64), drop: make(chan struct{})}
	h.conns <- conn

	for {
		select {
		case frame := <-conn.frames:
			_, _ = io.WriteString(w, frame)
			flusher.Flush()
		case <-conn.drop:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *testHub) Requests() []recordedRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]recordedRequest(nil), h.requests...)
}

func (h *testHub) nextConn(t *testing.T) *hubConn {
	t.Helper()
	select {
	case conn := <-h.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a connection")
		return nil
	}
}

type recorder struct {
	mu     sync.Mutex
	events []string
	errs   []error
}

func (r *recorder) onMessage(ev event.Event, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, topic+" "+ev.Type)
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func newTestManager(t *testing.T, hubURL string, delay time.Duration, opts ...func(*ManagerBuilder)) *Manager {
	t.Helper()
	builder := NewManager().
		WithURL(hubURL).
		WithReconnectDelay(delay).
		WithLogger(zaptest.NewLogger(t))
	for _, opt := range opts {
		opt(builder)
	}
	m, err := builder.Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_DeliversEventsWithTopicFallback(t *testing.T) {
	hub, srv := newTestHub(t)
	m := newTestManager(t, srv.URL, time.Second, func(b *ManagerBuilder) { b.WithToken("secret") })
	rec := &recorder{}

	id, err := m.Subscribe(context.Background(), []string{"conversation/1", "conversation/1/typing"}, rec.onMessage, rec.onError)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	conn := hub.nextConn(t)
	assert.Eventually(t, func() bool { return m.Connected(id) }, time.Second, 5*time.Millisecond)

	conn.send("data: {\"type\":\"new_message\",\"message\":{\"id\":\"m1\"}}\n\n")
	conn.send(": heartbeat\n\n")
	conn.send("id: 7\ndata: {\"type\":\"typing\",\"topic\":\"conversation/1/typing\"}\n\n")

	assert.Eventually(t, func() bool { return len(rec.Events()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"conversation/1 new_message", "conversation/1/typing typing"}, rec.Events())
	assert.Empty(t, rec.Errors())

	reqs := hub.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []string{"conversation/1", "conversation/1/typing"}, reqs[0].topics)
	assert.Equal(t, "Bearer secret", reqs[0].authorization)
	assert.Equal(t, "text/event-stream", reqs[0].accept)

	topics, err := m.Topics(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"conversation/1", "conversation/1/typing"}, topics)
}

func TestManager_DropsMalformedFrames(t *testing.T) {
	hub, srv := newTestHub(t)
	m := newTestManager(t, srv.URL, time.Second)
	rec := &recorder{}

	id, err := m.Subscribe(context.Background(), []string{"live-stream/9/chat"}, rec.onMessage, rec.onError)
	require.NoError(t, err)

	conn := hub.nextConn(t)
	conn.send("data: not json\n\n")
	conn.send("data: [1,2,3]\n\n")
	conn.send("data: {\"type\":\"chat_message\"}\n\n")

	assert.Eventually(t, func() bool { return len(rec.Events()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateOpen, m.State(id))
	assert.Empty(t, rec.Errors())
}

func TestManager_ReconnectsWithSameTopics(t *testing.T) {
	hub, srv := newTestHub(t)

	var tokenCalls atomic.Int32
	tracker := NewConnectionTracker()
	m := newTestManager(t, srv.URL, 100*time.Millisecond, func(b *ManagerBuilder) {
		b.WithTokenProvider(func(ctx context.Context) (string, error) {
			return fmt.Sprintf("token-%d", tokenCalls.Add(1)), nil
		}).WithMonitor(tracker)
	})
	rec := &recorder{}

	id, err := m.Subscribe(context.Background(), []string{"user/7/notifications", event.GlobalNotifications}, rec.onMessage, rec.onError)
	require.NoError(t, err)

	first := hub.nextConn(t)
	first.send("id: evt-41\ndata: {\"type\":\"notification\"}\n\n")
	assert.Eventually(t, func() bool { return len(rec.Events()) == 1 }, 2*time.Second, 5*time.Millisecond)

	dropped := time.Now()
	first.close()

	second := hub.nextConn(t)
	elapsed := time.Since(dropped)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)

	errs := rec.Errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrStreamClosed)

	second.send("data: {\"type\":\"notification_read\"}\n\n")
	assert.Eventually(t, func() bool { return len(rec.Events()) == 2 }, 2*time.Second, 5*time.Millisecond)

	reqs := hub.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, reqs[0].topics, reqs[1].topics)
	assert.Equal(t, "Bearer token-1", reqs[0].authorization)
	assert.Equal(t, "Bearer token-2", reqs[1].authorization)
	assert.Empty(t, reqs[0].lastEventID)
	assert.Equal(t, "evt-41", reqs[1].lastEventID)

	assert.Equal(t, 1, m.Active(), "reconnect keeps the same subscription")
	assert.Eventually(t, func() bool { return tracker.ConnectCount(id) == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, tracker.IsConnected(id))
}

func TestManager_NonSuccessStatusReconnects(t *testing.T) {
	hub, srv := newTestHub(t)
	hub.status.Store(http.StatusServiceUnavailable)

	m := newTestManager(t, srv.URL, 20*time.Millisecond)
	rec := &recorder{}

	id, err := m.Subscribe(context.Background(), []string{"conversation/1"}, rec.onMessage, rec.onError)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(rec.Errors()) >= 3 }, 2*time.Second, 5*time.Millisecond)

	var statusErr *StatusError
	require.True(t, errors.As(rec.Errors()[0], &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.ErrorIs(t, rec.Errors()[0], ErrUnexpectedStatusCode)
	assert.False(t, m.Connected(id))

	hub.status.Store(0)
	hub.nextConn(t)
	assert.Eventually(t, func() bool { return m.Connected(id) }, 2*time.Second, 5*time.Millisecond)
}

func TestManager_SubscribeThenImmediateUnsubscribe(t *testing.T) {
	hub, srv := newTestHub(t)
	m := newTestManager(t, srv.URL, 10*time.Millisecond)

	var calls atomic.Int32
	id, err := m.Subscribe(context.Background(), []string{"conversation/1"},
		func(ev event.Event, topic string) { calls.Add(1) },
		func(err error) { calls.Add(1) },
	)
	require.NoError(t, err)
	m.Unsubscribe(id)

	assert.Equal(t, StateClosed, m.State(id))
	assert.Equal(t, 0, m.Active())

	// Anything the hub manages to push must not reach the callbacks.
	select {
	case conn := <-hub.conns:
		conn.send("data: {\"type\":\"new_message\"}\n\n")
	case <-time.After(100 * time.Millisecond):
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestManager_NoCallbacksAfterUnsubscribeReturns(t *testing.T) {
	hub, srv := newTestHub(t)
	m := newTestManager(t, srv.URL, 10*time.Millisecond)

	var unsubscribed atomic.Bool
	var received atomic.Int32
	id, err := m.Subscribe(context.Background(), []string{"live-stream/1/viewers"},
		func(ev event.Event, topic string) {
			if unsubscribed.Load() {
				t.Error("onMessage called after Unsubscribe returned")
			}
			received.Add(1)
			time.Sleep(time.Millisecond)
		},
		func(err error) {
			if unsubscribed.Load() {
				t.Error("onError called after Unsubscribe returned")
			}
		},
	)
	require.NoError(t, err)

	conn := hub.nextConn(t)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case conn.frames <- "data: {\"type\":\"viewer_count_update\",\"viewerCount\":3}\n\n":
			}
		}
	}()
	defer close(stop)

	assert.Eventually(t, func() bool { return received.Load() > 5 }, 2*time.Second, time.Millisecond)
	m.Unsubscribe(id)
	unsubscribed.Store(true)

	time.Sleep(50 * time.Millisecond)
}

func TestManager_UnsubscribeIsIdempotent(t *testing.T) {
	_, srv := newTestHub(t)
	m := newTestManager(t, srv.URL, 10*time.Millisecond)
	rec := &recorder{}

	id, err := m.Subscribe(context.Background(), []string{"a"}, rec.onMessage, rec.onError)
	require.NoError(t, err)

	m.Unsubscribe(id)
	m.Unsubscribe(id)
	m.Unsubscribe("no-such-id")

	assert.Equal(t, 0, m.Active())
	_, err = m.Topics(id)
	assert.ErrorIs(t, err, ErrUnknownSubscription)
}

func TestManager_UnsubscribeDuringReconnectWait(t *testing.T) {
	hub, srv := newTestHub(t)
	hub.status.Store(http.StatusInternalServerError)

	m := newTestManager(t, srv.URL, time.Hour)
	rec := &recorder{}

	id, err := m.Subscribe(context.Background(), []string{"a"}, rec.onMessage, rec.onError)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return m.State(id) == StateReconnecting }, 2*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		m.Unsubscribe(id)
		assert.NoError(t, m.Close())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Unsubscribe did not cancel the reconnect timer")
	}

	assert.Len(t, rec.Errors(), 1)
	assert.Len(t, hub.Requests(), 1)
}

func TestManager_UnsubscribeAll(t *testing.T) {
	hub, srv := newTestHub(t)
	m := newTestManager(t, srv.URL, 10*time.Millisecond)

	var ids []string
	for _, topic := range []string{"a", "b", "c"} {
		id, err := m.Subscribe(context.Background(), []string{topic}, (&recorder{}).onMessage, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for range ids {
		hub.nextConn(t)
	}
	assert.Equal(t, 3, m.Active())

	m.UnsubscribeAll()
	assert.Equal(t, 0, m.Active())
	for _, id := range ids {
		assert.Equal(t, StateClosed, m.State(id))
	}
}

func TestManager_DeliversToEveryOpenSubscription(t *testing.T) {
	hub, srv := newTestHub(t)
	m := newTestManager(t, srv.URL, 10*time.Millisecond)

	recs := []*recorder{{}, {}, {}}
	for _, rec := range recs {
		_, err := m.Subscribe(context.Background(), []string{"notifications/global"}, rec.onMessage, rec.onError)
		require.NoError(t, err)
	}
	for range recs {
		hub.nextConn(t).send("data: {\"type\":\"notification\"}\n\n")
	}

	for _, rec := range recs {
		assert.Eventually(t, func() bool { return len(rec.Events()) == 1 }, 2*time.Second, 5*time.Millisecond)
	}
}

func TestManager_OpenHandlerRunsOnEveryConnect(t *testing.T) {
	hub, srv := newTestHub(t)
	m := newTestManager(t, srv.URL, 10*time.Millisecond)

	var opens atomic.Int32
	_, err := m.Subscribe(context.Background(), []string{"a"}, (&recorder{}).onMessage, nil,
		WithOpenHandler(func() { opens.Add(1) }),
		WithLastEventID("seed"),
	)
	require.NoError(t, err)

	hub.nextConn(t).close()
	hub.nextConn(t)

	assert.Eventually(t, func() bool { return opens.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "seed", hub.Requests()[0].lastEventID)
}

func TestManager_IDOnlyFrameMovesLastEventID(t *testing.T) {
	hub, srv := newTestHub(t)
	m := newTestManager(t, srv.URL, 10*time.Millisecond)

	rec := &recorder{}
	_, err := m.Subscribe(context.Background(), []string{"a"}, rec.onMessage, rec.onError)
	require.NoError(t, err)

	conn := hub.nextConn(t)
	conn.send("id: evt-1\ndata: {\"type\":\"ping\"}\n\n")
	conn.send("id: evt-2\n\n")
	assert.Eventually(t, func() bool { return len(rec.Events()) == 1 }, 2*time.Second, 5*time.Millisecond)

	// let the hub write the id-only frame before it drops the stream
	time.Sleep(50 * time.Millisecond)
	conn.close()
	hub.nextConn(t)

	requests := hub.Requests()
	require.GreaterOrEqual(t, len(requests), 2)
	assert.Equal(t, "evt-2", requests[1].lastEventID)
	assert.Equal(t, []string{"a ping"}, rec.Events(), "an id-only frame is not an event")
}

func TestManager_SubscribeValidation(t *testing.T) {
	_, srv := newTestHub(t)
	m := newTestManager(t, srv.URL, time.Second)
	noop := func(event.Event, string) {}

	_, err := m.Subscribe(context.Background(), nil, noop, nil)
	assert.ErrorIs(t, err, ErrNoTopics)

	_, err = m.Subscribe(context.Background(), []string{"a", ""}, noop, nil)
	assert.ErrorIs(t, err, ErrEmptyTopic)

	_, err = m.Subscribe(context.Background(), []string{"a"}, nil, nil)
	assert.ErrorIs(t, err, ErrNoHandler)

	assert.Equal(t, 0, m.Active())

	require.NoError(t, m.Close())
	_, err = m.Subscribe(context.Background(), []string{"a"}, noop, nil)
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestManagerBuilder_Validation(t *testing.T) {
	_, err := NewManager().Build()
	assert.Error(t, err)

	_, err = NewManager().WithURL("://bad").Build()
	assert.Error(t, err)

	_, err = NewManager().WithURL("ftp://hub.example.com").Build()
	assert.Error(t, err)

	_, err = NewManager().WithURL("http://hub.example.com").WithReconnectDelay(0).Build()
	assert.Error(t, err)

	m, err := NewManager().WithURL("https://hub.example.com/.well-known/mercure").Build()
	require.NoError(t, err)
	assert.Equal(t, DefaultReconnectDelay, m.reconnectDelay)
	assert.Equal(t, "https://hub.example.com/.well-known/mercure?topic=a%2Fb&topic=c", m.subscribeURL([]string{"a/b", "c"}))
}

func TestManager_DefaultReconnectDelay(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the default reconnect delay")
	}

	hub, srv := newTestHub(t)
	m, err := NewManager().WithURL(srv.URL).WithLogger(zaptest.NewLogger(t)).Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	_, err = m.Subscribe(context.Background(), []string{"a"}, (&recorder{}).onMessage, nil)
	require.NoError(t, err)

	dropped := time.Now()
	hub.nextConn(t).close()

	select {
	case <-hub.conns:
		elapsed := time.Since(dropped)
		assert.GreaterOrEqual(t, elapsed, DefaultReconnectDelay)
		assert.Less(t, elapsed, DefaultReconnectDelay+time.Second)
	case <-time.After(DefaultReconnectDelay + 2*time.Second):
		t.Fatal("no reconnect within the default delay window")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CONNECTING", StateConnecting.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "RECONNECTING", StateReconnecting.String())
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "State(9)", State(9).String())
}
