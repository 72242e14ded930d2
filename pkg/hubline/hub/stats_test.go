package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/hubline/pkg/hubline/bus"
	"github.com/tsarna/hubline/pkg/hubline/event"
	"go.uber.org/zap/zaptest"
)

func TestStatsPublisherPublish(t *testing.T) {
	th := newTestHub(t, nil)

	got := make(chan event.Event, 1)
	sub := bus.NewFuncSubscriber(func(ctx context.Context, topic string, ev event.Event) error {
		got <- ev
		return nil
	})
	require.NoError(t, th.bus.Subscribe(context.Background(), sub, event.StatsTopic))

	stats, err := NewStatsPublisher(th.bus).
		WithHub(th.hub).
		WithInstance("hub-a").
		WithLogger(zaptest.NewLogger(t)).
		Build()
	require.NoError(t, err)

	require.NoError(t, stats.Publish(context.Background()))

	select {
	case ev := <-got:
		assert.Equal(t, event.TypeHubStats, ev.Type)

		var instance string
		require.NoError(t, ev.Field("instance", &instance))
		assert.Equal(t, "hub-a", instance)

		var subscriptions, connections int
		require.NoError(t, ev.Field("subscriptions", &subscriptions))
		require.NoError(t, ev.Field("connections", &connections))
		assert.Equal(t, 1, subscriptions)
		assert.Equal(t, 0, connections)
	case <-time.After(time.Second):
		t.Fatal("stats not delivered")
	}
}

func TestStatsPublisherSchedule(t *testing.T) {
	th := newTestHub(t, nil)

	got := make(chan event.Event, 10)
	sub := bus.NewFuncSubscriber(func(ctx context.Context, topic string, ev event.Event) error {
		select {
		case got <- ev:
		default:
		}
		return nil
	})
	require.NoError(t, th.bus.Subscribe(context.Background(), sub, "$hub/#"))

	stats, err := NewStatsPublisher(th.bus).
		WithSchedule("@every 1s").
		WithLogger(zaptest.NewLogger(t)).
		Build()
	require.NoError(t, err)

	stats.Start()
	defer stats.Stop()

	select {
	case ev := <-got:
		assert.Equal(t, event.TypeHubStats, ev.Type)
		assert.False(t, ev.Has("connections"), "no hub configured")
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled stats not delivered")
	}
}

func TestStatsPublisherValidation(t *testing.T) {
	eventBus, err := bus.NewEventBus().Build()
	require.NoError(t, err)

	_, err = NewStatsPublisher(nil).Build()
	assert.Error(t, err)

	_, err = NewStatsPublisher(eventBus).WithSchedule("not a schedule").Build()
	assert.Error(t, err)

	_, err = NewStatsPublisher(eventBus).WithTopic("bad/+").Build()
	assert.Error(t, err)

	_, err = NewStatsPublisher(eventBus).WithTimezone("Mars/Olympus").Build()
	assert.Error(t, err)

	_, err = NewStatsPublisher(eventBus).WithSchedule("*/5 * * * * *").WithTimezone("UTC").Build()
	assert.NoError(t, err)
}
