package bus

import (
	"context"
	"strings"

	"github.com/amir-yaghoubi/mqttpattern"
	"github.com/tsarna/hubline/pkg/hubline/event"
)

// Subscriber receives events for the topics it is subscribed to. OnUnsubscribe
// is called with an empty topic when UnsubscribeAll removes every subscription.
type Subscriber interface {
	OnSubscribe(ctx context.Context, topic string) error
	OnUnsubscribe(ctx context.Context, topic string) error
	OnEvent(ctx context.Context, topic string, ev event.Event) error
}

// BaseSubscriber implements Subscriber with no-ops. Embed it to implement only
// the callbacks you care about.
type BaseSubscriber struct{}

func (b *BaseSubscriber) OnSubscribe(ctx context.Context, topic string) error {
	return nil
}

func (b *BaseSubscriber) OnUnsubscribe(ctx context.Context, topic string) error {
	return nil
}

func (b *BaseSubscriber) OnEvent(ctx context.Context, topic string, ev event.Event) error {
	return nil
}

// FuncSubscriber adapts a plain function to a Subscriber that only cares
// about events. It is a pointer type so that it can key the subscription table.
type FuncSubscriber struct {
	BaseSubscriber
	fn func(ctx context.Context, topic string, ev event.Event) error
}

func NewFuncSubscriber(fn func(ctx context.Context, topic string, ev event.Event) error) *FuncSubscriber {
	return &FuncSubscriber{fn: fn}
}

func (f *FuncSubscriber) OnEvent(ctx context.Context, topic string, ev event.Event) error {
	return f.fn(ctx, topic, ev)
}

type matcher func(topic string) bool

// IsPattern reports whether a subscription topic uses MQTT-style wildcards.
func IsPattern(topic string) bool {
	return strings.ContainsAny(topic, "+#")
}

func makeMatcher(pattern string) matcher {
	if !IsPattern(pattern) {
		return func(topic string) bool {
			return topic == pattern
		}
	}

	return func(topic string) bool {
		return mqttpattern.Matches(pattern, topic)
	}
}

type originKey struct{}

// WithOrigin tags ctx with the identity of the component that introduced an
// event into the bus. Bridges use it to avoid echoing events back to where
// they came from.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// OriginFrom returns the origin recorded by WithOrigin, or "".
func OriginFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	origin, _ := ctx.Value(originKey{}).(string)
	return origin
}
