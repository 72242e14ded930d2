// Package subutils provides wrappers around bus.Subscriber implementations.
package subutils

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tsarna/hubline/pkg/hubline/bus"
	"github.com/tsarna/hubline/pkg/hubline/event"
	"go.uber.org/zap"
)

var (
	ErrQueueFull        = errors.New("subscriber queue is full")
	ErrSubscriberClosed = errors.New("subscriber is closed")
)

const DefaultQueueSize = 100

// Ticker is implemented by wrapped subscribers that want periodic callbacks
// from an AsyncQueueingSubscriber configured WithTicker. Ticks are delivered on
// the same goroutine as events, so they never run concurrently with OnEvent.
type Ticker interface {
	OnTick(ctx context.Context) error
}

type asyncKind int

const (
	asyncSubscribe asyncKind = iota
	asyncUnsubscribe
	asyncEvent
)

type asyncMessage struct {
	ctx   context.Context
	kind  asyncKind
	topic string
	ev    event.Event
}

// AsyncQueueingSubscriber wraps another subscriber and processes its callbacks
// on a background goroutine fed by a bounded queue. The bus loop is never
// blocked by a slow consumer; when the queue is full the event is rejected with
// ErrQueueFull.
type AsyncQueueingSubscriber struct {
	wrapped   bus.Subscriber
	queue     chan asyncMessage
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	ticker    *time.Ticker
	tickCtx   context.Context
	logger    *zap.Logger
}

// NewAsyncQueueingSubscriber creates a subscriber with a queue of the given
// size. Call Start to begin processing and Close to shut it down.
//
//	async := subutils.NewAsyncQueueingSubscriber(conn, 64).
//		WithTicker(15 * time.Second).
//		Start()
//	defer async.Close()
func NewAsyncQueueingSubscriber(wrapped bus.Subscriber, queueSize int) *AsyncQueueingSubscriber {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	return &AsyncQueueingSubscriber{
		wrapped: wrapped,
		queue:   make(chan asyncMessage, queueSize),
		done:    make(chan struct{}),
		tickCtx: context.Background(),
		logger:  zap.NewNop(),
	}
}

// WithTicker enables periodic OnTick calls on the wrapped subscriber if it
// implements Ticker. Must be called before Start.
func (a *AsyncQueueingSubscriber) WithTicker(interval time.Duration) *AsyncQueueingSubscriber {
	if interval > 0 && a.ticker == nil {
		a.ticker = time.NewTicker(interval)
	}
	return a
}

// WithTickContext sets the context passed to OnTick.
func (a *AsyncQueueingSubscriber) WithTickContext(ctx context.Context) *AsyncQueueingSubscriber {
	if ctx != nil {
		a.tickCtx = ctx
	}
	return a
}

// WithLogger sets the logger used to report errors returned by the wrapped subscriber.
func (a *AsyncQueueingSubscriber) WithLogger(logger *zap.Logger) *AsyncQueueingSubscriber {
	if logger != nil {
		a.logger = logger
	}
	return a
}

// Start begins processing messages in a background goroutine.
func (a *AsyncQueueingSubscriber) Start() *AsyncQueueingSubscriber {
	a.wg.Add(1)
	go a.processQueue()
	return a
}

func (a *AsyncQueueingSubscriber) processMessage(msg asyncMessage) {
	var err error

	switch msg.kind {
	case asyncSubscribe:
		err = a.wrapped.OnSubscribe(msg.ctx, msg.topic)
	case asyncUnsubscribe:
		err = a.wrapped.OnUnsubscribe(msg.ctx, msg.topic)
	case asyncEvent:
		err = a.wrapped.OnEvent(msg.ctx, msg.topic, msg.ev)
	}

	if err != nil {
		a.logger.Debug("Wrapped subscriber returned error", zap.String("topic", msg.topic), zap.Error(err))
	}
}

func (a *AsyncQueueingSubscriber) processQueue() {
	defer a.wg.Done()

	var tickerChan <-chan time.Time
	ticker, canTick := a.wrapped.(Ticker)
	if a.ticker != nil && canTick {
		tickerChan = a.ticker.C
	}

	for {
		select {
		case msg := <-a.queue:
			a.processMessage(msg)
		case <-tickerChan:
			if err := ticker.OnTick(a.tickCtx); err != nil {
				a.logger.Debug("Tick failed", zap.Error(err))
			}
		case <-a.done:
			a.drainQueue()
			return
		}
	}
}

// drainQueue processes any remaining messages in the queue during shutdown
func (a *AsyncQueueingSubscriber) drainQueue() {
	for {
		select {
		case msg := <-a.queue:
			a.processMessage(msg)
		default:
			return
		}
	}
}

func (a *AsyncQueueingSubscriber) enqueue(msg asyncMessage) error {
	if a.IsClosed() {
		return ErrSubscriberClosed
	}

	select {
	case a.queue <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (a *AsyncQueueingSubscriber) OnSubscribe(ctx context.Context, topic string) error {
	return a.enqueue(asyncMessage{ctx: ctx, kind: asyncSubscribe, topic: topic})
}

func (a *AsyncQueueingSubscriber) OnUnsubscribe(ctx context.Context, topic string) error {
	return a.enqueue(asyncMessage{ctx: ctx, kind: asyncUnsubscribe, topic: topic})
}

func (a *AsyncQueueingSubscriber) OnEvent(ctx context.Context, topic string, ev event.Event) error {
	return a.enqueue(asyncMessage{ctx: ctx, kind: asyncEvent, topic: topic, ev: ev})
}

// Close stops the ticker, processes whatever is still queued and waits for the
// background goroutine to exit. It is safe to call more than once.
func (a *AsyncQueueingSubscriber) Close() error {
	a.closeOnce.Do(func() {
		if a.ticker != nil {
			a.ticker.Stop()
		}
		close(a.done)
		a.wg.Wait()
	})
	return nil
}

// QueueSize returns the current number of messages in the queue
func (a *AsyncQueueingSubscriber) QueueSize() int {
	return len(a.queue)
}

func (a *AsyncQueueingSubscriber) QueueCapacity() int {
	return cap(a.queue)
}

func (a *AsyncQueueingSubscriber) IsClosed() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}
