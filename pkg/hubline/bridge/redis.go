// Package bridge connects the local event bus of several hub instances through
// Redis pub/sub, so that an event published on one instance reaches
// subscribers connected to any of them.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
	"github.com/tsarna/hubline/pkg/hubline/bus"
	"github.com/tsarna/hubline/pkg/hubline/event"
	"github.com/tsarna/hubline/pkg/hubline/subutils"
	"go.uber.org/zap"
)

const (
	DefaultChannel        = "hubline:events"
	DefaultReconnectDelay = 2 * time.Second

	// Origin marks events that entered the bus from Redis.
	Origin = "redis"
)

// Dialer opens a new Redis connection.
type Dialer func() (redis.Conn, error)

type envelope struct {
	Origin string      `json:"origin"`
	Topic  string      `json:"topic"`
	Event  event.Event `json:"event"`
}

// RedisBridge forwards local events to a Redis channel and republishes events
// seen on that channel that came from other instances. Topics starting with $
// are local to an instance and never forwarded.
type RedisBridge struct {
	bus.BaseSubscriber

	bus            bus.EventBus
	pool           *redis.Pool
	dial           Dialer
	channel        string
	instance       string
	reconnectDelay time.Duration
	logger         *zap.Logger
	async          *subutils.AsyncQueueingSubscriber

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error

	mu  sync.Mutex
	psc *redis.PubSubConn

	published atomic.Uint64
	received  atomic.Uint64
	dropped   atomic.Uint64
}

type RedisBridgeBuilder struct {
	bus            bus.EventBus
	address        string
	password       string
	database       int
	useTLS         bool
	dial           Dialer
	channel        string
	instance       string
	queueSize      int
	reconnectDelay time.Duration
	logger         *zap.Logger
}

func NewRedisBridge(eventBus bus.EventBus) *RedisBridgeBuilder {
	return &RedisBridgeBuilder{
		bus:            eventBus,
		channel:        DefaultChannel,
		queueSize:      subutils.DefaultQueueSize,
		reconnectDelay: DefaultReconnectDelay,
		logger:         zap.NewNop(),
	}
}

// WithAddress sets the host:port of the Redis server.
func (b *RedisBridgeBuilder) WithAddress(address string) *RedisBridgeBuilder {
	b.address = address
	return b
}

func (b *RedisBridgeBuilder) WithPassword(password string) *RedisBridgeBuilder {
	b.password = password
	return b
}

func (b *RedisBridgeBuilder) WithDatabase(database int) *RedisBridgeBuilder {
	b.database = database
	return b
}

func (b *RedisBridgeBuilder) WithTLS(useTLS bool) *RedisBridgeBuilder {
	b.useTLS = useTLS
	return b
}

// WithDialer replaces the default TCP dialer. The address options are ignored
// when a dialer is set.
func (b *RedisBridgeBuilder) WithDialer(dial Dialer) *RedisBridgeBuilder {
	b.dial = dial
	return b
}

func (b *RedisBridgeBuilder) WithChannel(channel string) *RedisBridgeBuilder {
	b.channel = channel
	return b
}

// WithInstance sets the ID this instance stamps on outgoing events. Defaults
// to a random UUID.
func (b *RedisBridgeBuilder) WithInstance(instance string) *RedisBridgeBuilder {
	b.instance = instance
	return b
}

func (b *RedisBridgeBuilder) WithQueueSize(size int) *RedisBridgeBuilder {
	b.queueSize = size
	return b
}

func (b *RedisBridgeBuilder) WithReconnectDelay(delay time.Duration) *RedisBridgeBuilder {
	b.reconnectDelay = delay
	return b
}

func (b *RedisBridgeBuilder) WithLogger(logger *zap.Logger) *RedisBridgeBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

func (b *RedisBridgeBuilder) IsValid() error {
	if b.bus == nil {
		return fmt.Errorf("event bus is required")
	}
	if b.dial == nil && b.address == "" {
		return fmt.Errorf("redis address or dialer is required")
	}
	if b.channel == "" {
		return fmt.Errorf("redis channel is required")
	}
	if b.queueSize <= 0 {
		return fmt.Errorf("queue size must be positive, got %d", b.queueSize)
	}
	if b.reconnectDelay <= 0 {
		return fmt.Errorf("reconnect delay must be positive, got %s", b.reconnectDelay)
	}
	return nil
}

func (b *RedisBridgeBuilder) Build() (*RedisBridge, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	dial := b.dial
	if dial == nil {
		address, password, database, useTLS := b.address, b.password, b.database, b.useTLS
		dial = func() (redis.Conn, error) {
			return redis.Dial("tcp", address,
				redis.DialPassword(password),
				redis.DialDatabase(database),
				redis.DialUseTLS(useTLS),
				redis.DialConnectTimeout(5*time.Second),
			)
		}
	}

	instance := b.instance
	if instance == "" {
		instance = uuid.NewString()
	}

	bridge := &RedisBridge{
		bus:            b.bus,
		dial:           dial,
		channel:        b.channel,
		instance:       instance,
		reconnectDelay: b.reconnectDelay,
		logger:         b.logger.With(zap.String("channel", b.channel), zap.String("instance", instance)),
		pool: &redis.Pool{
			MaxIdle:     4,
			IdleTimeout: 4 * time.Minute,
			Dial:        dial,
		},
	}
	bridge.async = subutils.NewAsyncQueueingSubscriber(&redisPublisher{bridge: bridge}, b.queueSize).
		WithLogger(bridge.logger)

	return bridge, nil
}

// Instance returns the ID stamped on events sent by this bridge.
func (b *RedisBridge) Instance() string {
	return b.instance
}

// Start checks the Redis connection, begins forwarding local events and
// starts listening on the channel.
func (b *RedisBridge) Start(ctx context.Context) error {
	if err := b.Ping(); err != nil {
		return err
	}

	b.ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	b.async.Start()

	if err := b.bus.Subscribe(ctx, b, "#"); err != nil {
		b.cancel()
		_ = b.async.Close()
		return fmt.Errorf("failed to subscribe bridge: %w", err)
	}

	b.wg.Add(1)
	go b.run()

	b.logger.Info("Redis bridge started")
	return nil
}

// Stop detaches the bridge from the bus and Redis and waits for pending
// outgoing events to be sent.
func (b *RedisBridge) Stop() error {
	if b.cancel == nil {
		return nil
	}
	b.stopOnce.Do(func() { b.stopErr = b.stop() })
	return b.stopErr
}

func (b *RedisBridge) stop() error {
	b.cancel()

	b.mu.Lock()
	if b.psc != nil {
		_ = b.psc.Unsubscribe()
		_ = b.psc.Close()
	}
	b.mu.Unlock()

	err := b.bus.UnsubscribeAll(context.Background(), b)
	_ = b.async.Close()
	b.wg.Wait()

	if closeErr := b.pool.Close(); err == nil {
		err = closeErr
	}

	b.logger.Info("Redis bridge stopped",
		zap.Uint64("published", b.published.Load()),
		zap.Uint64("received", b.received.Load()),
		zap.Uint64("dropped", b.dropped.Load()),
	)
	return err
}

// Ping checks that Redis is reachable.
func (b *RedisBridge) Ping() error {
	conn := b.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("PING"); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}
	return nil
}

// OnEvent queues a local event for Redis. Events that came from Redis and
// instance-local topics are skipped.
func (b *RedisBridge) OnEvent(ctx context.Context, topic string, ev event.Event) error {
	if bus.OriginFrom(ctx) == Origin || strings.HasPrefix(topic, "$") {
		return nil
	}

	err := b.async.OnEvent(ctx, topic, ev)
	if errors.Is(err, subutils.ErrQueueFull) {
		b.dropped.Add(1)
		b.logger.Warn("Redis bridge queue full, dropping event", zap.String("topic", topic), zap.String("type", ev.Type))
	}
	return err
}

func (b *RedisBridge) Published() uint64 { return b.published.Load() }
func (b *RedisBridge) Received() uint64  { return b.received.Load() }
func (b *RedisBridge) Dropped() uint64   { return b.dropped.Load() }

func (b *RedisBridge) run() {
	defer b.wg.Done()

	for b.ctx.Err() == nil {
		err := b.receive()
		if err == nil || b.ctx.Err() != nil {
			continue
		}

		b.logger.Warn("Redis subscription failed, reconnecting", zap.Error(err), zap.Duration("delay", b.reconnectDelay))
		select {
		case <-b.ctx.Done():
		case <-time.After(b.reconnectDelay):
		}
	}
}

func (b *RedisBridge) receive() error {
	conn, err := b.dial()
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	psc := &redis.PubSubConn{Conn: conn}
	defer psc.Close()

	if err := psc.Subscribe(b.channel); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	b.mu.Lock()
	if b.ctx.Err() != nil {
		b.mu.Unlock()
		return nil
	}
	b.psc = psc
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.psc = nil
		b.mu.Unlock()
	}()

	for {
		switch msg := psc.Receive().(type) {
		case redis.Message:
			b.handleMessage(msg.Data)
		case redis.Subscription:
			b.logger.Debug("Redis subscription changed", zap.String("kind", msg.Kind), zap.Int("count", msg.Count))
			if msg.Kind == "unsubscribe" && msg.Count == 0 {
				return nil
			}
		case error:
			if b.ctx.Err() != nil {
				return nil
			}
			return msg
		}
	}
}

func (b *RedisBridge) handleMessage(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logger.Warn("Dropping malformed bridge message", zap.Error(err))
		return
	}
	if env.Origin == b.instance {
		return
	}
	if env.Event.Type == "" {
		b.logger.Warn("Dropping bridge message without event type", zap.String("topic", env.Topic))
		return
	}
	if err := event.ValidateTopic(env.Topic, false); err != nil {
		b.logger.Warn("Dropping bridge message with invalid topic", zap.Error(err))
		return
	}

	b.received.Add(1)
	ctx := bus.WithOrigin(b.ctx, Origin)
	if err := b.bus.Publish(ctx, env.Topic, env.Event); err != nil {
		b.logger.Warn("Failed to republish bridge message", zap.String("topic", env.Topic), zap.Error(err))
	}
}

// redisPublisher runs on the bridge's queue goroutine and sends events to Redis.
type redisPublisher struct {
	bus.BaseSubscriber
	bridge *RedisBridge
}

func (p *redisPublisher) OnEvent(ctx context.Context, topic string, ev event.Event) error {
	b := p.bridge

	data, err := json.Marshal(envelope{Origin: b.instance, Topic: topic, Event: ev})
	if err != nil {
		return fmt.Errorf("failed to encode bridge message: %w", err)
	}

	conn := b.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("PUBLISH", b.channel, data); err != nil {
		b.logger.Warn("Failed to publish to redis", zap.String("topic", topic), zap.Error(err))
		return err
	}

	b.published.Add(1)
	return nil
}
