// Package clienttest provides an in-memory client.Subscriber for testing code
// that consumes hub subscriptions.
package clienttest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tsarna/hubline/pkg/hubline/client"
	"github.com/tsarna/hubline/pkg/hubline/event"
)

// Subscription is a subscription recorded by a Subscriber.
type Subscription struct {
	ID        string
	Topics    []string
	OnMessage client.MessageHandler
	OnError   client.ErrorHandler
	Options   client.SubscribeOptions
	Closed    bool
}

func (s *Subscription) has(topic string) bool {
	for _, t := range s.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// Subscriber records subscriptions and lets a test drive their callbacks
// synchronously. It is safe for concurrent use.
type Subscriber struct {
	// SubscribeErr, when set, is returned by every Subscribe call.
	SubscribeErr error

	// BeforeUnsubscribe, when set, runs inside Unsubscribe before the
	// subscription is closed, the way client.Manager waits out a callback
	// that is already running.
	BeforeUnsubscribe func(sub *Subscription)

	mu     sync.Mutex
	subs   map[string]*Subscription
	order  []*Subscription
	nextID int
}

var _ client.Subscriber = (*Subscriber)(nil)

func New() *Subscriber {
	return &Subscriber{subs: make(map[string]*Subscription)}
}

func (f *Subscriber) Subscribe(ctx context.Context, topics []string, onMessage client.MessageHandler, onError client.ErrorHandler, opts ...client.SubscribeOption) (string, error) {
	if f.SubscribeErr != nil {
		return "", f.SubscribeErr
	}
	if len(topics) == 0 {
		return "", client.ErrNoTopics
	}
	if onMessage == nil {
		return "", client.ErrNoHandler
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	sub := &Subscription{
		ID:        fmt.Sprintf("sub-%d", f.nextID),
		Topics:    append([]string(nil), topics...),
		OnMessage: onMessage,
		OnError:   onError,
		Options:   client.ApplyOptions(opts...),
	}
	f.subs[sub.ID] = sub
	f.order = append(f.order, sub)
	return sub.ID, nil
}

func (f *Subscriber) Unsubscribe(id string) {
	if f.BeforeUnsubscribe != nil {
		f.mu.Lock()
		sub, ok := f.subs[id]
		f.mu.Unlock()
		if ok {
			f.BeforeUnsubscribe(sub)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if sub, ok := f.subs[id]; ok {
		sub.Closed = true
		delete(f.subs, id)
	}
}

// Active returns the number of open subscriptions.
func (f *Subscriber) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// All returns every subscription ever made, in order, including closed ones.
func (f *Subscriber) All() []*Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Subscription(nil), f.order...)
}

// Topics returns the topics of all open subscriptions, flattened.
func (f *Subscriber) Topics() []string {
	var topics []string
	for _, sub := range f.open() {
		topics = append(topics, sub.Topics...)
	}
	return topics
}

func (f *Subscriber) open() []*Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	var open []*Subscription
	for _, sub := range f.order {
		if !sub.Closed {
			open = append(open, sub)
		}
	}
	return open
}

// Deliver hands ev to every open subscription listening on topic, exactly
// once per subscription, and returns how many received it.
func (f *Subscriber) Deliver(topic string, ev event.Event) int {
	n := 0
	for _, sub := range f.open() {
		if sub.has(topic) {
			sub.OnMessage(ev, topic)
			n++
		}
	}
	return n
}

// Open runs the open handler of every open subscription, as after a
// (re)connect.
func (f *Subscriber) Open() {
	for _, sub := range f.open() {
		if sub.Options.OnOpen != nil {
			sub.Options.OnOpen()
		}
	}
}

// Fail reports err to every open subscription's error handler.
func (f *Subscriber) Fail(err error) {
	if err == nil {
		err = errors.New("stream failed")
	}
	for _, sub := range f.open() {
		if sub.OnError != nil {
			sub.OnError(err)
		}
	}
}
