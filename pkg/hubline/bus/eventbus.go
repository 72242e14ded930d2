// Package bus implements the topic registry: a single goroutine owns the
// subscription table and processes subscribe, unsubscribe and publish requests
// in arrival order.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tsarna/hubline/pkg/hubline/event"
	"github.com/tsarna/hubline/pkg/hubline/o11y"
	"go.uber.org/zap"
)

var (
	ErrNotStarted  = errors.New("event bus not started")
	ErrStopped     = errors.New("event bus stopped")
	ErrChannelFull = errors.New("event bus channel full")
)

type EventBus interface {
	Subscriber // An EventBus can be subscribed to another EventBus

	Start() error
	Stop() error

	Subscribe(ctx context.Context, subscriber Subscriber, topic string) error
	Unsubscribe(ctx context.Context, subscriber Subscriber, topic string) error
	UnsubscribeAll(ctx context.Context, subscriber Subscriber) error

	Publish(ctx context.Context, topic string, ev event.Event) error
	PublishSync(ctx context.Context, topic string, ev event.Event) error

	SubscriberCount() int
	Stats() Stats
}

// Stats is a point-in-time snapshot of registry activity.
type Stats struct {
	Subscribers   int    `json:"subscribers"`
	Subscriptions int    `json:"subscriptions"`
	Published     uint64 `json:"published"`
	Delivered     uint64 `json:"delivered"`
	Dropped       uint64 `json:"dropped"`
}

type messageType int

const (
	messageTypeEvent messageType = iota
	messageTypeEventSync
	messageTypeSubscribe
	messageTypeUnsubscribe
	messageTypeUnsubscribeAll
)

type busMessage struct {
	ctx        context.Context
	msgType    messageType
	topic      string
	ev         event.Event
	subscriber Subscriber
	responseCh chan error
}

type basicEventBus struct {
	ch            chan busMessage
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	started       int32 // Atomic boolean (0 = false, 1 = true)
	subscriptions map[Subscriber]map[string]matcher
	logger        *zap.Logger
	busName       string

	subscriberCount   atomic.Int64
	subscriptionCount atomic.Int64
	published         atomic.Uint64
	delivered         atomic.Uint64
	dropped           atomic.Uint64

	// Observability (nil if not configured)
	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider

	publishCounter     o11y.Counter
	publishSyncCounter o11y.Counter
	deliveredCounter   o11y.Counter
	droppedCounter     o11y.Counter
	subscribeCounter   o11y.Counter
	unsubscribeCounter o11y.Counter
	errorCounter       o11y.Counter
	latencyHistogram   o11y.Histogram
	subscriberGauge    o11y.Gauge
}

func (b *basicEventBus) setupMetrics() {
	if b.metricsProvider == nil {
		return
	}

	b.publishCounter = b.metricsProvider.Counter("hubline_bus_published_total")
	b.publishSyncCounter = b.metricsProvider.Counter("hubline_bus_published_sync_total")
	b.deliveredCounter = b.metricsProvider.Counter("hubline_bus_delivered_total")
	b.droppedCounter = b.metricsProvider.Counter("hubline_bus_dropped_total")
	b.subscribeCounter = b.metricsProvider.Counter("hubline_bus_subscriptions_total")
	b.unsubscribeCounter = b.metricsProvider.Counter("hubline_bus_unsubscriptions_total")
	b.errorCounter = b.metricsProvider.Counter("hubline_bus_errors_total")
	b.latencyHistogram = b.metricsProvider.Histogram("hubline_bus_publish_duration_seconds")
	b.subscriberGauge = b.metricsProvider.Gauge("hubline_bus_active_subscribers")
}

// Start begins the message processing goroutine
func (b *basicEventBus) Start() error {
	if !atomic.CompareAndSwapInt32(&b.started, 0, 1) {
		return fmt.Errorf("event bus already started")
	}

	b.wg.Add(1)

	go func() {
		defer b.wg.Done()
		b.logger.Info("EventBus started", zap.String("bus", b.busName))

		for {
			select {
			case msg := <-b.ch:
				b.handle(msg)
			case <-b.ctx.Done():
				b.logger.Info("EventBus stopping", zap.String("bus", b.busName))
				return
			}
		}
	}()

	return nil
}

func (b *basicEventBus) handle(msg busMessage) {
	var (
		err       error
		operation string
	)

	switch msg.msgType {
	case messageTypeEvent:
		operation = "on_event"
		err = b.deliver(msg)
	case messageTypeEventSync:
		operation = "publish_sync"
		err = b.deliver(msg)
		msg.responseCh <- err
	case messageTypeSubscribe:
		operation = "subscribe"
		err = b.doSubscribe(msg)
	case messageTypeUnsubscribe:
		operation = "unsubscribe"
		err = b.doUnsubscribe(msg)
	case messageTypeUnsubscribeAll:
		operation = "unsubscribe_all"
		err = b.doUnsubscribeAll(msg)
	default:
		b.logger.Debug("EventBus received unknown message type", zap.Int("msgType", int(msg.msgType)))
		return
	}

	if err != nil {
		b.logger.Error("EventBus operation failed",
			zap.String("operation", operation),
			zap.String("topic", msg.topic),
			zap.Error(err),
		)
		if b.errorCounter != nil {
			b.errorCounter.Add(msg.ctx, 1,
				o11y.Label{Key: "operation", Value: operation},
				o11y.Label{Key: "topic", Value: msg.topic},
			)
		}
	}
}

// deliver hands the event to every subscriber with at least one matching
// subscription, once per subscriber. The first subscriber error is returned;
// later ones are logged.
func (b *basicEventBus) deliver(msg busMessage) error {
	var firstErr error
	count := 0

	for subscriber, matchers := range b.subscriptions {
		for _, match := range matchers {
			if !match(msg.topic) {
				continue
			}

			count++
			if err := subscriber.OnEvent(msg.ctx, msg.topic, msg.ev); err != nil {
				if firstErr == nil {
					firstErr = err
				} else {
					b.logger.Error("Error in OnEvent", zap.String("topic", msg.topic), zap.Error(err))
				}
			}
			break
		}
	}

	b.delivered.Add(uint64(count))
	if b.deliveredCounter != nil && count > 0 {
		b.deliveredCounter.Add(msg.ctx, int64(count), o11y.Label{Key: "topic", Value: msg.topic})
	}

	return firstErr
}

func (b *basicEventBus) Publish(ctx context.Context, topic string, ev event.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if b.tracingProvider != nil {
		var span o11y.Span
		ctx, span = b.tracingProvider.StartSpan(ctx, "eventbus.publish")
		defer span.End()

		span.SetAttributes(
			o11y.Label{Key: "topic", Value: topic},
			o11y.Label{Key: "event_type", Value: ev.Type},
		)
	}

	if b.publishCounter != nil {
		b.publishCounter.Add(ctx, 1, o11y.Label{Key: "topic", Value: topic})
	}

	return b.accept(busMessage{
		ctx:     ctx,
		msgType: messageTypeEvent,
		topic:   topic,
		ev:      ev,
	})
}

// PublishSync delivers the event and waits until every matching subscriber has
// returned from OnEvent. The first subscriber error is returned.
func (b *basicEventBus) PublishSync(ctx context.Context, topic string, ev event.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	var span o11y.Span
	if b.tracingProvider != nil {
		ctx, span = b.tracingProvider.StartSpan(ctx, "eventbus.publish_sync")
		span.SetAttributes(
			o11y.Label{Key: "topic", Value: topic},
			o11y.Label{Key: "event_type", Value: ev.Type},
		)
	}

	err := b.request(busMessage{
		ctx:     ctx,
		msgType: messageTypeEventSync,
		topic:   topic,
		ev:      ev,
	})

	if b.publishSyncCounter != nil {
		b.publishSyncCounter.Add(ctx, 1, o11y.Label{Key: "topic", Value: topic}, o11y.StatusLabel(err))
	}
	if b.latencyHistogram != nil {
		b.latencyHistogram.Record(ctx, time.Since(start).Seconds(), o11y.Label{Key: "topic", Value: topic})
	}
	o11y.EndSpan(span, err)

	return err
}

func (b *basicEventBus) Subscribe(ctx context.Context, subscriber Subscriber, topic string) error {
	return b.subscriptionOp(ctx, "subscribe", messageTypeSubscribe, b.subscribeCounter, subscriber, topic)
}

func (b *basicEventBus) Unsubscribe(ctx context.Context, subscriber Subscriber, topic string) error {
	return b.subscriptionOp(ctx, "unsubscribe", messageTypeUnsubscribe, b.unsubscribeCounter, subscriber, topic)
}

func (b *basicEventBus) UnsubscribeAll(ctx context.Context, subscriber Subscriber) error {
	return b.subscriptionOp(ctx, "unsubscribe_all", messageTypeUnsubscribeAll, b.unsubscribeCounter, subscriber, "*")
}

func (b *basicEventBus) subscriptionOp(ctx context.Context, operation string, msgType messageType, counter o11y.Counter, subscriber Subscriber, topic string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if subscriber == nil {
		return fmt.Errorf("%s: subscriber must not be nil", operation)
	}

	var span o11y.Span
	if b.tracingProvider != nil {
		ctx, span = b.tracingProvider.StartSpan(ctx, "eventbus."+operation)
		span.SetAttributes(
			o11y.Label{Key: "topic", Value: topic},
			o11y.Label{Key: "operation", Value: operation},
		)
	}

	err := b.request(busMessage{
		ctx:        ctx,
		msgType:    msgType,
		topic:      topic,
		subscriber: subscriber,
	})

	if counter != nil {
		counter.Add(ctx, 1, o11y.Label{Key: "topic", Value: topic}, o11y.StatusLabel(err))
	}
	o11y.EndSpan(span, err)

	return err
}

func (b *basicEventBus) doSubscribe(msg busMessage) error {
	subs, ok := b.subscriptions[msg.subscriber]
	if !ok {
		subs = make(map[string]matcher)
		b.subscriptions[msg.subscriber] = subs
	}

	if _, exists := subs[msg.topic]; !exists {
		b.subscriptionCount.Add(1)
	}
	subs[msg.topic] = makeMatcher(msg.topic)
	b.updateSubscriberCount(msg.ctx)

	err := msg.subscriber.OnSubscribe(msg.ctx, msg.topic)
	msg.responseCh <- err
	return err
}

func (b *basicEventBus) doUnsubscribe(msg busMessage) error {
	subs, ok := b.subscriptions[msg.subscriber]
	if !ok {
		msg.responseCh <- nil // not subscribed - not an error
		return nil
	}

	if _, exists := subs[msg.topic]; !exists {
		msg.responseCh <- nil
		return nil
	}

	delete(subs, msg.topic)
	b.subscriptionCount.Add(-1)
	if len(subs) == 0 {
		delete(b.subscriptions, msg.subscriber)
	}
	b.updateSubscriberCount(msg.ctx)

	err := msg.subscriber.OnUnsubscribe(msg.ctx, msg.topic)
	msg.responseCh <- err
	return err
}

func (b *basicEventBus) doUnsubscribeAll(msg busMessage) error {
	subs, ok := b.subscriptions[msg.subscriber]
	if !ok {
		msg.responseCh <- nil
		return nil
	}

	b.subscriptionCount.Add(-int64(len(subs)))
	delete(b.subscriptions, msg.subscriber)
	b.updateSubscriberCount(msg.ctx)

	b.logger.Debug("UnsubscribeAll completed", zap.Int("subscription_count", len(subs)))

	err := msg.subscriber.OnUnsubscribe(msg.ctx, "")
	msg.responseCh <- err
	return err
}

func (b *basicEventBus) updateSubscriberCount(ctx context.Context) {
	count := len(b.subscriptions)
	b.subscriberCount.Store(int64(count))
	if b.subscriberGauge != nil {
		b.subscriberGauge.Set(ctx, float64(count))
	}
}

// accept enqueues a fire-and-forget message. A full channel drops the message.
func (b *basicEventBus) accept(msg busMessage) error {
	if atomic.LoadInt32(&b.started) == 0 {
		b.logger.Warn("Event bus not started, message ignored", zap.String("topic", msg.topic))
		return ErrNotStarted
	}

	select {
	case b.ch <- msg:
		b.published.Add(1)
		return nil
	case <-b.ctx.Done():
		return ErrStopped
	default:
		b.dropped.Add(1)
		if b.droppedCounter != nil {
			b.droppedCounter.Add(msg.ctx, 1, o11y.Label{Key: "topic", Value: msg.topic})
		}
		b.logger.Warn("Event bus channel full, message dropped", zap.String("topic", msg.topic))
		return ErrChannelFull
	}
}

// request enqueues a message and waits for the event loop to answer it.
func (b *basicEventBus) request(msg busMessage) error {
	if atomic.LoadInt32(&b.started) == 0 {
		return ErrNotStarted
	}

	msg.responseCh = make(chan error, 1)

	select {
	case b.ch <- msg:
	case <-b.ctx.Done():
		return ErrStopped
	default:
		b.logger.Warn("Event bus channel full, request rejected", zap.String("topic", msg.topic))
		return ErrChannelFull
	}

	if msg.msgType == messageTypeEventSync {
		b.published.Add(1)
	}

	select {
	case err := <-msg.responseCh:
		return err
	case <-b.ctx.Done():
		return ErrStopped
	case <-msg.ctx.Done():
		return msg.ctx.Err()
	}
}

// Stop shuts down the event loop. Queued messages that were not processed are discarded.
func (b *basicEventBus) Stop() error {
	if !atomic.CompareAndSwapInt32(&b.started, 1, 0) {
		return ErrNotStarted
	}

	b.cancel()
	b.wg.Wait()

	b.logger.Info("EventBus stopped", zap.String("bus", b.busName))
	return nil
}

func (b *basicEventBus) SubscriberCount() int {
	return int(b.subscriberCount.Load())
}

func (b *basicEventBus) Stats() Stats {
	return Stats{
		Subscribers:   int(b.subscriberCount.Load()),
		Subscriptions: int(b.subscriptionCount.Load()),
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		Dropped:       b.dropped.Load(),
	}
}

// An EventBus subscribed to another bus republishes what it receives.
func (b *basicEventBus) OnEvent(ctx context.Context, topic string, ev event.Event) error {
	return b.Publish(ctx, topic, ev)
}

func (b *basicEventBus) OnSubscribe(ctx context.Context, topic string) error {
	return nil
}

func (b *basicEventBus) OnUnsubscribe(ctx context.Context, topic string) error {
	return nil
}
