package bus_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/tsarna/hubline/pkg/hubline/bus"
	"github.com/tsarna/hubline/pkg/hubline/event"
	"github.com/tsarna/hubline/pkg/hubline/otel"
	"go.uber.org/zap"
)

// noOpSubscriber for benchmarking - minimal overhead
type noOpSubscriber struct {
	bus.BaseSubscriber
}

func (n *noOpSubscriber) OnEvent(ctx context.Context, topic string, ev event.Event) error {
	return nil
}

func startBus(b *testing.B, builder *bus.EventBusBuilder) bus.EventBus {
	b.Helper()
	eventBus, err := builder.WithLogger(zap.NewNop()).WithBufferSize(4096).Build()
	if err != nil {
		b.Fatalf("Build() returned error: %v", err)
	}
	if err := eventBus.Start(); err != nil {
		b.Fatalf("Start() returned error: %v", err)
	}
	b.Cleanup(func() { _ = eventBus.Stop() })
	return eventBus
}

var benchEvent = event.MustNew(event.TypeNewMessage, map[string]any{
	"message": map[string]any{"id": "m1", "content": "benchmark message", "senderId": "u1"},
})

func BenchmarkPublishSync(b *testing.B) {
	eventBus := startBus(b, bus.NewEventBus())
	_ = eventBus.Subscribe(context.Background(), &noOpSubscriber{}, "conversation/1")

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = eventBus.PublishSync(context.Background(), "conversation/1", benchEvent)
	}
}

func BenchmarkPublishSyncWithOpenTelemetry(b *testing.B) {
	provider := otel.NewProvider("benchmark", "v1.0.0")
	eventBus := startBus(b, bus.NewEventBus().WithMetrics(provider).WithTracing(provider))
	_ = eventBus.Subscribe(context.Background(), &noOpSubscriber{}, "conversation/1")

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = eventBus.PublishSync(context.Background(), "conversation/1", benchEvent)
	}
}

func BenchmarkFanOut(b *testing.B) {
	for _, subscribers := range []int{1, 100, 1000} {
		b.Run(fmt.Sprintf("subscribers=%d", subscribers), func(b *testing.B) {
			eventBus := startBus(b, bus.NewEventBus())
			for i := 0; i < subscribers; i++ {
				_ = eventBus.Subscribe(context.Background(), &noOpSubscriber{}, "live-stream/+/chat")
			}

			b.ResetTimer()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				_ = eventBus.PublishSync(context.Background(), "live-stream/9/chat", benchEvent)
			}
		})
	}
}

func BenchmarkThroughput(b *testing.B) {
	eventBus := startBus(b, bus.NewEventBus())
	_ = eventBus.Subscribe(context.Background(), &noOpSubscriber{}, "conversation/#")

	const numEvents = 100000

	start := time.Now()
	for i := 0; i < numEvents; i++ {
		if err := eventBus.Publish(context.Background(), "conversation/1/typing", benchEvent); err != nil {
			i--
		}
	}
	_ = eventBus.PublishSync(context.Background(), "conversation/1", benchEvent)
	duration := time.Since(start)

	eventsPerSecond := float64(numEvents) / duration.Seconds()
	b.Logf("Throughput: %.0f events/second (%.2f million/sec)", eventsPerSecond, eventsPerSecond/1000000)
}
