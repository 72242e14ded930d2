package client

import (
	"context"
	"sync"
	"time"
)

// Monitor receives connection lifecycle notifications for every subscription
// of a Manager. OnDisconnect is called with a nil error when the subscription
// was closed on purpose.
//
// Monitor methods are called from the subscription's connection goroutine and
// must not block.
type Monitor interface {
	OnConnect(ctx context.Context, id string, topics []string)
	OnDisconnect(ctx context.Context, id string, err error)
}

type connectionInfo struct {
	topics         []string
	connected      bool
	connectedAt    time.Time
	disconnectedAt time.Time
	connects       int
	lastErr        error
}

// ConnectionTracker is a Monitor that remembers the connection history of
// each subscription.
type ConnectionTracker struct {
	mu          sync.RWMutex
	connections map[string]*connectionInfo
}

func NewConnectionTracker() *ConnectionTracker {
	return &ConnectionTracker{
		connections: make(map[string]*connectionInfo),
	}
}

func (t *ConnectionTracker) info(id string) *connectionInfo {
	info, ok := t.connections[id]
	if !ok {
		info = &connectionInfo{}
		t.connections[id] = info
	}
	return info
}

func (t *ConnectionTracker) OnConnect(ctx context.Context, id string, topics []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info := t.info(id)
	info.topics = append([]string(nil), topics...)
	info.connected = true
	info.connectedAt = time.Now()
	info.connects++
	info.lastErr = nil
}

func (t *ConnectionTracker) OnDisconnect(ctx context.Context, id string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info := t.info(id)
	info.connected = false
	info.disconnectedAt = time.Now()
	if err != nil {
		info.lastErr = err
	}
}

// IsConnected reports whether the subscription's stream is currently open.
func (t *ConnectionTracker) IsConnected(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	info, ok := t.connections[id]
	return ok && info.connected
}

// ConnectCount returns how many times the subscription has connected.
// Anything above one means it has reconnected.
func (t *ConnectionTracker) ConnectCount(id string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if info, ok := t.connections[id]; ok {
		return info.connects
	}
	return 0
}

func (t *ConnectionTracker) LastError(id string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if info, ok := t.connections[id]; ok {
		return info.lastErr
	}
	return nil
}

func (t *ConnectionTracker) ConnectionTime(id string) time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if info, ok := t.connections[id]; ok {
		return info.connectedAt
	}
	return time.Time{}
}

func (t *ConnectionTracker) DisconnectionTime(id string) time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if info, ok := t.connections[id]; ok {
		return info.disconnectedAt
	}
	return time.Time{}
}

// Topics returns the topics the subscription carried the last time it connected.
func (t *ConnectionTracker) Topics(id string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if info, ok := t.connections[id]; ok {
		return append([]string(nil), info.topics...)
	}
	return nil
}

// ConnectedCount returns the number of subscriptions currently connected.
func (t *ConnectionTracker) ConnectedCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	for _, info := range t.connections {
		if info.connected {
			count++
		}
	}
	return count
}

// MultiMonitor fans lifecycle notifications out to several monitors.
type MultiMonitor []Monitor

func (m MultiMonitor) OnConnect(ctx context.Context, id string, topics []string) {
	for _, monitor := range m {
		monitor.OnConnect(ctx, id, topics)
	}
}

func (m MultiMonitor) OnDisconnect(ctx context.Context, id string, err error) {
	for _, monitor := range m {
		monitor.OnDisconnect(ctx, id, err)
	}
}
