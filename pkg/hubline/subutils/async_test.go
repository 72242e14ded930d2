package subutils

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/hubline/pkg/hubline/event"
	"go.uber.org/zap/zaptest"
)

// asyncTestSubscriber tracks all operations
type asyncTestSubscriber struct {
	mu           sync.Mutex
	subscribes   []string
	unsubscribes []string
	events       []string
	ticks        atomic.Int32
	processDelay time.Duration
	block        chan struct{}
}

func (a *asyncTestSubscriber) OnSubscribe(ctx context.Context, topic string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribes = append(a.subscribes, topic)
	return nil
}

func (a *asyncTestSubscriber) OnUnsubscribe(ctx context.Context, topic string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unsubscribes = append(a.unsubscribes, topic)
	return nil
}

func (a *asyncTestSubscriber) OnEvent(ctx context.Context, topic string, ev event.Event) error {
	if a.block != nil {
		<-a.block
	}
	if a.processDelay > 0 {
		time.Sleep(a.processDelay)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, topic+":"+ev.Type)
	return nil
}

func (a *asyncTestSubscriber) OnTick(ctx context.Context) error {
	a.ticks.Add(1)
	return nil
}

func (a *asyncTestSubscriber) Events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

func TestAsyncQueueingSubscriber_ProcessesInOrder(t *testing.T) {
	wrapped := &asyncTestSubscriber{processDelay: time.Millisecond}
	async := NewAsyncQueueingSubscriber(wrapped, 10).WithLogger(zaptest.NewLogger(t)).Start()
	ctx := context.Background()

	require.NoError(t, async.OnSubscribe(ctx, "a"))
	require.NoError(t, async.OnEvent(ctx, "a", event.MustNew("one", nil)))
	require.NoError(t, async.OnEvent(ctx, "a", event.MustNew("two", nil)))
	require.NoError(t, async.OnUnsubscribe(ctx, "a"))

	require.NoError(t, async.Close())

	assert.Equal(t, []string{"a"}, wrapped.subscribes)
	assert.Equal(t, []string{"a:one", "a:two"}, wrapped.Events())
	assert.Equal(t, []string{"a"}, wrapped.unsubscribes)
}

func TestAsyncQueueingSubscriber_QueueFull(t *testing.T) {
	wrapped := &asyncTestSubscriber{block: make(chan struct{})}
	async := NewAsyncQueueingSubscriber(wrapped, 1).Start()
	ctx := context.Background()

	require.NoError(t, async.OnEvent(ctx, "t", event.MustNew("first", nil)))
	assert.Eventually(t, func() bool { return async.QueueSize() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, async.OnEvent(ctx, "t", event.MustNew("second", nil)))

	assert.ErrorIs(t, async.OnEvent(ctx, "t", event.MustNew("third", nil)), ErrQueueFull)
	assert.Equal(t, 1, async.QueueCapacity())

	close(wrapped.block)
	require.NoError(t, async.Close())
	assert.Equal(t, []string{"t:first", "t:second"}, wrapped.Events())
}

func TestAsyncQueueingSubscriber_Closed(t *testing.T) {
	async := NewAsyncQueueingSubscriber(&asyncTestSubscriber{}, 0).Start()
	assert.Equal(t, DefaultQueueSize, async.QueueCapacity())

	require.NoError(t, async.Close())
	require.NoError(t, async.Close())
	assert.True(t, async.IsClosed())

	assert.ErrorIs(t, async.OnEvent(context.Background(), "t", event.MustNew("x", nil)), ErrSubscriberClosed)
	assert.ErrorIs(t, async.OnSubscribe(context.Background(), "t"), ErrSubscriberClosed)
}

func TestAsyncQueueingSubscriber_Ticker(t *testing.T) {
	wrapped := &asyncTestSubscriber{}
	async := NewAsyncQueueingSubscriber(wrapped, 10).WithTicker(5 * time.Millisecond).Start()
	defer async.Close()

	assert.Eventually(t, func() bool { return wrapped.ticks.Load() >= 3 }, time.Second, time.Millisecond)
}
