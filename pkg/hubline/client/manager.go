// Package client maintains long-lived event-stream subscriptions to a hub.
//
// Each call to Manager.Subscribe opens one streaming request carrying all of
// the requested topics. When the stream fails for any reason the error handler
// is told and the same request is retried after a fixed delay, forever, until
// the caller unsubscribes.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tsarna/hubline/pkg/hubline/event"
	"github.com/tsarna/hubline/pkg/hubline/o11y"
	"go.uber.org/zap"
)

// MessageHandler receives each decoded event together with the topic it was
// published on. If the payload does not name its topic, the first topic of
// the subscription is used.
type MessageHandler func(ev event.Event, topic string)

// ErrorHandler receives transport errors. The subscription reconnects on its
// own after the handler returns.
type ErrorHandler func(err error)

// Subscriber is the subscribe/unsubscribe surface of a Manager. Domain
// adapters depend on this rather than on *Manager.
type Subscriber interface {
	Subscribe(ctx context.Context, topics []string, onMessage MessageHandler, onError ErrorHandler, opts ...SubscribeOption) (string, error)
	Unsubscribe(id string)
}

// SubscribeOption customizes a single subscription.
type SubscribeOption func(*SubscribeOptions)

// SubscribeOptions is the resolved form of a list of SubscribeOption.
type SubscribeOptions struct {
	OnOpen      func()
	LastEventID string
}

// ApplyOptions resolves opts. Alternative Subscriber implementations use it
// to honour the same options as the Manager.
func ApplyOptions(opts ...SubscribeOption) SubscribeOptions {
	var options SubscribeOptions
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// WithOpenHandler registers a callback invoked every time the subscription's
// stream opens, including after a reconnect. It is serialized with the other
// callbacks of the subscription.
func WithOpenHandler(fn func()) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.OnOpen = fn
	}
}

// WithLastEventID sets the Last-Event-ID sent on the first connection attempt.
func WithLastEventID(id string) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.LastEventID = id
	}
}

// Manager tracks the subscriptions opened through it. It is safe for
// concurrent use.
type Manager struct {
	hubURL         *url.URL
	httpClient     *http.Client
	tokenProvider  TokenProvider
	reconnectDelay time.Duration
	logger         *zap.Logger
	monitor        Monitor
	headers        http.Header

	mu            sync.Mutex
	subscriptions map[string]*subscription
	closed        bool
	wg            sync.WaitGroup

	connectCounter   o11y.Counter
	reconnectCounter o11y.Counter
	frameCounter     o11y.Counter
	malformedCounter o11y.Counter
	openGauge        o11y.Gauge
	openCount        atomic.Int64
}

var _ Subscriber = (*Manager)(nil)

func (m *Manager) setupMetrics(provider o11y.MetricsProvider) {
	if provider == nil {
		return
	}

	m.connectCounter = provider.Counter("hubline_client_connects_total")
	m.reconnectCounter = provider.Counter("hubline_client_reconnects_total")
	m.frameCounter = provider.Counter("hubline_client_frames_total")
	m.malformedCounter = provider.Counter("hubline_client_malformed_frames_total")
	m.openGauge = provider.Gauge("hubline_client_open_streams")
}

// Subscribe opens a streaming connection for topics and returns its ID
// immediately; the connection is established in the background. The ID stays
// the same across reconnects.
//
// Topic validation happens here: an empty topic list or an empty topic is
// reported as an error and nothing is tracked.
func (m *Manager) Subscribe(ctx context.Context, topics []string, onMessage MessageHandler, onError ErrorHandler, opts ...SubscribeOption) (string, error) {
	if len(topics) == 0 {
		return "", ErrNoTopics
	}
	for _, topic := range topics {
		if err := event.ValidateTopic(topic, true); err != nil {
			return "", fmt.Errorf("%w: %v", ErrEmptyTopic, err)
		}
	}
	if onMessage == nil {
		return "", ErrNoHandler
	}
	if ctx == nil {
		ctx = context.Background()
	}

	options := ApplyOptions(opts...)

	sub := &subscription{
		id:          uuid.NewString(),
		manager:     m,
		topics:      append([]string(nil), topics...),
		requestURL:  m.subscribeURL(topics),
		onMessage:   onMessage,
		onError:     onError,
		onOpen:      options.OnOpen,
		lastEventID: options.LastEventID,
		done:        make(chan struct{}),
	}
	sub.ctx, sub.cancel = context.WithCancel(context.WithoutCancel(ctx))
	sub.state.Store(int32(StateConnecting))

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sub.cancel()
		return "", ErrManagerClosed
	}
	m.subscriptions[sub.id] = sub
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Debug("Subscription created", zap.String("id", sub.id), zap.Strings("topics", sub.topics))

	go func() {
		defer m.wg.Done()
		sub.run()
	}()

	return sub.id, nil
}

// Unsubscribe closes the subscription. It is idempotent, and unknown IDs are
// ignored. When it returns, no further callbacks of the subscription will run.
//
// Unsubscribe must not be called from inside one of the subscription's own
// callbacks; do it from another goroutine instead.
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	sub, ok := m.subscriptions[id]
	if ok {
		delete(m.subscriptions, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	sub.close()
	m.logger.Debug("Subscription closed", zap.String("id", id))
}

// UnsubscribeAll closes every tracked subscription.
func (m *Manager) UnsubscribeAll() {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subscriptions))
	for id, sub := range m.subscriptions {
		subs = append(subs, sub)
		delete(m.subscriptions, id)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// Close unsubscribes everything, waits for all connection goroutines to exit
// and rejects further subscriptions.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.UnsubscribeAll()
	m.wg.Wait()
	return nil
}

// State returns the connection state of a subscription. Unknown or
// unsubscribed IDs report StateClosed.
func (m *Manager) State(id string) State {
	m.mu.Lock()
	sub, ok := m.subscriptions[id]
	m.mu.Unlock()

	if !ok {
		return StateClosed
	}
	return sub.State()
}

// Connected reports whether the subscription's stream is currently open.
func (m *Manager) Connected(id string) bool {
	return m.State(id) == StateOpen
}

// Active returns the number of tracked subscriptions, whatever their state.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscriptions)
}

// Topics returns the topics of a tracked subscription.
func (m *Manager) Topics(id string) ([]string, error) {
	m.mu.Lock()
	sub, ok := m.subscriptions[id]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubscription, id)
	}
	return append([]string(nil), sub.topics...), nil
}

func (m *Manager) subscribeURL(topics []string) string {
	u := *m.hubURL
	query := u.Query()
	for _, topic := range topics {
		query.Add("topic", topic)
	}
	u.RawQuery = query.Encode()
	return u.String()
}

func (m *Manager) streamOpened(ctx context.Context) {
	n := m.openCount.Add(1)
	if m.connectCounter != nil {
		m.connectCounter.Add(ctx, 1)
	}
	if m.openGauge != nil {
		m.openGauge.Set(ctx, float64(n))
	}
}

func (m *Manager) streamClosed(ctx context.Context) {
	n := m.openCount.Add(-1)
	if m.openGauge != nil {
		m.openGauge.Set(ctx, float64(n))
	}
}
