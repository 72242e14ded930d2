// Package hub serves the topic registry over HTTP: subscribers hold a
// server-sent events stream (or a websocket) open on /.well-known/mercure and
// publishers POST events to the same path.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tsarna/hubline/pkg/hubline/bus"
	"github.com/tsarna/hubline/pkg/hubline/event"
	"github.com/tsarna/hubline/pkg/hubline/o11y"
	"github.com/tsarna/hubline/pkg/hubline/subutils"
	"go.uber.org/zap"
)

const (
	DefaultHeartbeat    = 15 * time.Second
	DefaultWriteTimeout = 10 * time.Second

	// Path is where subscribers connect and publishers post.
	Path = "/.well-known/mercure"
)

var errShuttingDown = errors.New("hub is shutting down")

// Hub routes events between HTTP publishers and streaming subscribers.
type Hub struct {
	bus            bus.EventBus
	auth           *Authorizer
	logger         *zap.Logger
	heartbeat      time.Duration
	writeTimeout   time.Duration
	queueSize      int
	originPatterns []string
	metrics        *Metrics
	router         chi.Router

	mu          sync.Mutex
	connections map[*connection]struct{}
	shutdown    chan struct{}
	closeOnce   sync.Once
}

type HubBuilder struct {
	bus            bus.EventBus
	auth           *Authorizer
	logger         *zap.Logger
	heartbeat      time.Duration
	writeTimeout   time.Duration
	queueSize      int
	originPatterns []string
	metrics        o11y.MetricsProvider
}

func NewHub(eventBus bus.EventBus) *HubBuilder {
	return &HubBuilder{
		bus:          eventBus,
		logger:       zap.NewNop(),
		heartbeat:    DefaultHeartbeat,
		writeTimeout: DefaultWriteTimeout,
		queueSize:    subutils.DefaultQueueSize,
	}
}

func (b *HubBuilder) WithAuthorizer(auth *Authorizer) *HubBuilder {
	b.auth = auth
	return b
}

func (b *HubBuilder) WithLogger(logger *zap.Logger) *HubBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithHeartbeat sets the interval of keep-alive comments and pings. Zero
// disables them.
func (b *HubBuilder) WithHeartbeat(interval time.Duration) *HubBuilder {
	b.heartbeat = interval
	return b
}

func (b *HubBuilder) WithWriteTimeout(timeout time.Duration) *HubBuilder {
	b.writeTimeout = timeout
	return b
}

// WithQueueSize sets how many events may wait for a slow subscriber before it
// is disconnected.
func (b *HubBuilder) WithQueueSize(size int) *HubBuilder {
	b.queueSize = size
	return b
}

// WithOriginPatterns lists the browser origins allowed to open websockets.
func (b *HubBuilder) WithOriginPatterns(patterns ...string) *HubBuilder {
	b.originPatterns = append(b.originPatterns, patterns...)
	return b
}

func (b *HubBuilder) WithMetrics(provider o11y.MetricsProvider) *HubBuilder {
	b.metrics = provider
	return b
}

func (b *HubBuilder) IsValid() error {
	if b.bus == nil {
		return fmt.Errorf("event bus is required")
	}
	if b.auth == nil {
		return fmt.Errorf("authorizer is required")
	}
	if b.heartbeat < 0 {
		return fmt.Errorf("heartbeat must not be negative, got %s", b.heartbeat)
	}
	if b.writeTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive, got %s", b.writeTimeout)
	}
	if b.queueSize <= 0 {
		return fmt.Errorf("queue size must be positive, got %d", b.queueSize)
	}
	return nil
}

func (b *HubBuilder) Build() (*Hub, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	h := &Hub{
		bus:            b.bus,
		auth:           b.auth,
		logger:         b.logger,
		heartbeat:      b.heartbeat,
		writeTimeout:   b.writeTimeout,
		queueSize:      b.queueSize,
		originPatterns: b.originPatterns,
		metrics:        NewMetrics(b.metrics),
		connections:    make(map[*connection]struct{}),
		shutdown:       make(chan struct{}),
	}
	h.router = h.routes()

	return h, nil
}

func (h *Hub) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", h.serveHealth)
	r.Get(Path, h.serveSSE)
	r.Post(Path, h.servePublish)
	r.Get(Path+"/ws", h.serveWebsocket)

	return r
}

// Handler returns the hub's HTTP handler.
func (h *Hub) Handler() http.Handler {
	return h.router
}

func (h *Hub) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		h.logger.Info("Request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (h *Hub) serveHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": h.ConnectionCount(),
		"subscribers": h.bus.SubscriberCount(),
	})
}

// ConnectionCount returns the number of open subscriber connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// Shutdown stops accepting subscribers, closes the open ones and waits until
// they are gone or ctx expires.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.closeOnce.Do(func() {
		h.logger.Info("Closing subscriber connections", zap.Int("count", h.ConnectionCount()))
		close(h.shutdown)

		h.mu.Lock()
		for conn := range h.connections {
			conn.close()
		}
		h.mu.Unlock()
	})

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		remaining := h.ConnectionCount()
		if remaining == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			h.logger.Warn("Shutdown timeout reached with open connections", zap.Int("remaining", remaining))
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// connection is one streaming subscriber. The bus delivers to it, it queues
// events for the transport-specific writer, and it disconnects subscribers
// that fall too far behind.
type connection struct {
	bus.BaseSubscriber

	hub       *Hub
	transport string
	logger    *zap.Logger
	async     *subutils.AsyncQueueingSubscriber
	started   time.Time

	done     chan struct{}
	doneOnce sync.Once
}

func (h *Hub) newConnection(transport string, writer bus.Subscriber, r *http.Request) *connection {
	conn := &connection{
		hub:       h,
		transport: transport,
		logger:    h.logger.With(zap.String("transport", transport), zap.String("remote_addr", r.RemoteAddr)),
		started:   time.Now(),
		done:      make(chan struct{}),
	}
	conn.async = subutils.NewAsyncQueueingSubscriber(writer, h.queueSize).
		WithTicker(h.heartbeat).
		WithTickContext(r.Context()).
		WithLogger(conn.logger)
	return conn
}

func (c *connection) OnEvent(ctx context.Context, topic string, ev event.Event) error {
	err := c.async.OnEvent(ctx, topic, ev)
	if errors.Is(err, subutils.ErrQueueFull) {
		c.hub.metrics.eventDropped(ctx, c.transport)
		c.logger.Warn("Subscriber too slow, disconnecting", zap.String("topic", topic))
		c.close()
	}
	return err
}

func (c *connection) close() {
	c.doneOnce.Do(func() { close(c.done) })
}

// serve subscribes the connection to topics, then calls ready to commit the
// response, and blocks until the client goes away, the connection fails or the
// hub shuts down. A client that sees the response is already subscribed.
func (h *Hub) serve(ctx context.Context, conn *connection, topics []string, ready func() error) error {
	h.mu.Lock()
	select {
	case <-h.shutdown:
		h.mu.Unlock()
		_ = conn.async.Close()
		return errShuttingDown
	default:
	}
	h.connections[conn] = struct{}{}
	active := len(h.connections)
	h.mu.Unlock()

	h.metrics.connectionStarted(ctx, conn.transport, active)

	defer func() {
		if err := h.bus.UnsubscribeAll(context.Background(), conn); err != nil {
			conn.logger.Warn("Failed to unsubscribe connection", zap.Error(err))
		}
		_ = conn.async.Close()

		h.mu.Lock()
		delete(h.connections, conn)
		active := len(h.connections)
		h.mu.Unlock()

		h.metrics.connectionEnded(context.Background(), conn.transport, active, time.Since(conn.started))
		conn.logger.Debug("Subscriber disconnected")
	}()

	for _, topic := range topics {
		if err := h.bus.Subscribe(ctx, conn, topic); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}

	// Events matched from here on wait in the queue until the writer starts.
	if err := ready(); err != nil {
		return err
	}
	conn.async.Start()
	conn.logger.Debug("Subscriber connected", zap.Strings("topics", topics))

	select {
	case <-ctx.Done():
	case <-conn.done:
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func validateTopics(topics []string, allowWildcards bool) error {
	if len(topics) == 0 {
		return fmt.Errorf("at least one topic is required")
	}
	for _, topic := range topics {
		if err := event.ValidateTopic(topic, allowWildcards); err != nil {
			return err
		}
	}
	return nil
}
