// Package notify keeps a user's notification list and unread counter in step
// with the hub.
//
// The counter is maintained incrementally from events and always equals the
// number of unread entries in the list. On every (re)connect the list is
// replaced with the backend's copy so that events missed while disconnected
// are not lost.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tsarna/hubline/pkg/hubline/api"
	"github.com/tsarna/hubline/pkg/hubline/client"
	"github.com/tsarna/hubline/pkg/hubline/event"
	"github.com/tsarna/hubline/pkg/hubline/model"
	"go.uber.org/zap"
)

// DefaultDegradedTimeout is how long the center waits for a connection or an
// event before reporting the fallback unread count.
const DefaultDegradedTimeout = 3 * time.Second

type API interface {
	ListNotifications(ctx context.Context) (api.NotificationList, error)
	MarkNotificationRead(ctx context.Context, notificationID string) error
	MarkAllNotificationsRead(ctx context.Context) error
}

// Center is the notification state of one user. It is safe for concurrent use.
type Center struct {
	userID          string
	subscriber      client.Subscriber
	api             API
	logger          *zap.Logger
	fallbackUnread  int
	degradedTimeout time.Duration
	onChange        func()
	now             func() time.Time

	mu            sync.Mutex
	notifications []model.Notification
	unread        int
	confirmed     bool
	degraded      bool
	degradedTimer *time.Timer
	subID         string
	ctx           context.Context
	cancel        context.CancelFunc
}

type CenterBuilder struct {
	userID          string
	subscriber      client.Subscriber
	api             API
	logger          *zap.Logger
	fallbackUnread  int
	degradedTimeout time.Duration
	onChange        func()
}

func NewCenter(userID string) *CenterBuilder {
	return &CenterBuilder{
		userID:          userID,
		logger:          zap.NewNop(),
		degradedTimeout: DefaultDegradedTimeout,
	}
}

func (b *CenterBuilder) WithSubscriber(subscriber client.Subscriber) *CenterBuilder {
	b.subscriber = subscriber
	return b
}

// WithAPI enables reconciliation on connect and the MarkAsRead operations.
func (b *CenterBuilder) WithAPI(api API) *CenterBuilder {
	b.api = api
	return b
}

func (b *CenterBuilder) WithLogger(logger *zap.Logger) *CenterBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithFallbackUnread sets the unread count reported while degraded, typically
// the value rendered into the page by the server.
func (b *CenterBuilder) WithFallbackUnread(n int) *CenterBuilder {
	b.fallbackUnread = n
	return b
}

func (b *CenterBuilder) WithDegradedTimeout(d time.Duration) *CenterBuilder {
	b.degradedTimeout = d
	return b
}

func (b *CenterBuilder) WithChangeHandler(fn func()) *CenterBuilder {
	b.onChange = fn
	return b
}

func (b *CenterBuilder) IsValid() error {
	if b.userID == "" {
		return fmt.Errorf("user ID is required")
	}
	if b.subscriber == nil {
		return fmt.Errorf("subscriber is required")
	}
	if b.fallbackUnread < 0 {
		return fmt.Errorf("fallback unread count must not be negative, got %d", b.fallbackUnread)
	}
	if b.degradedTimeout <= 0 {
		return fmt.Errorf("degraded timeout must be positive, got %s", b.degradedTimeout)
	}
	return nil
}

func (b *CenterBuilder) Build() (*Center, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	return &Center{
		userID:          b.userID,
		subscriber:      b.subscriber,
		api:             b.api,
		logger:          b.logger.With(zap.String("user", b.userID)),
		fallbackUnread:  b.fallbackUnread,
		degradedTimeout: b.degradedTimeout,
		onChange:        b.onChange,
		now:             time.Now,
	}, nil
}

func (c *Center) Topics() []string {
	return []string{event.UserNotifications(c.userID), event.GlobalNotifications}
}

// Start subscribes to the user's and the global notification topics and arms
// the degraded-mode timer.
func (c *Center) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.subID != "" || c.cancel != nil {
		c.mu.Unlock()
		return fmt.Errorf("notification center for %s already started", c.userID)
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Unlock()

	id, err := c.subscriber.Subscribe(ctx, c.Topics(), c.HandleEvent, c.handleError, client.WithOpenHandler(c.handleOpen))
	if err != nil {
		c.mu.Lock()
		c.cancel()
		c.ctx, c.cancel = nil, nil
		c.mu.Unlock()
		return fmt.Errorf("failed to subscribe to notifications: %w", err)
	}

	c.mu.Lock()
	c.subID = id
	if !c.confirmed {
		c.degradedTimer = time.AfterFunc(c.degradedTimeout, c.enterDegraded)
	}
	c.mu.Unlock()

	return nil
}

// Close unsubscribes and abandons any reconciliation in progress.
func (c *Center) Close() {
	c.mu.Lock()
	id := c.subID
	c.subID = ""
	if c.cancel != nil {
		c.cancel()
	}
	if c.degradedTimer != nil {
		c.degradedTimer.Stop()
		c.degradedTimer = nil
	}
	c.mu.Unlock()

	if id != "" {
		c.subscriber.Unsubscribe(id)
	}
}

func (c *Center) enterDegraded() {
	c.mu.Lock()
	if c.confirmed || c.degradedTimer == nil {
		c.mu.Unlock()
		return
	}
	c.degraded = true
	c.degradedTimer = nil
	c.mu.Unlock()

	c.logger.Warn("No notification stream confirmed, using fallback unread count", zap.Int("fallback", c.fallbackUnread))
	c.changed()
}

// confirm leaves degraded mode. Callers hold mu.
func (c *Center) confirm() {
	c.confirmed = true
	c.degraded = false
	if c.degradedTimer != nil {
		c.degradedTimer.Stop()
		c.degradedTimer = nil
	}
}

func (c *Center) handleError(err error) {
	c.logger.Debug("Notification stream error", zap.Error(err))
}

// handleOpen runs on every (re)connect and reloads the list from the backend.
func (c *Center) handleOpen() {
	c.mu.Lock()
	c.confirm()
	ctx := c.ctx
	c.mu.Unlock()

	if c.api != nil && ctx != nil {
		if err := c.Reconcile(ctx); err != nil {
			c.logger.Warn("Failed to reconcile notifications", zap.Error(err))
		}
	}
	c.changed()
}

// Reconcile replaces the cached list with the backend's.
func (c *Center) Reconcile(ctx context.Context) error {
	if c.api == nil {
		return fmt.Errorf("notification center has no API client")
	}

	list, err := c.api.ListNotifications(ctx)
	if err != nil {
		return fmt.Errorf("failed to list notifications: %w", err)
	}

	c.mu.Lock()
	c.notifications = append([]model.Notification(nil), list.Notifications...)
	c.unread = countUnread(c.notifications)
	unread := c.unread
	c.mu.Unlock()

	if unread != list.UnreadCount {
		c.logger.Debug("Backend unread count disagrees with its list",
			zap.Int("reported", list.UnreadCount), zap.Int("counted", unread))
	}
	return nil
}

func countUnread(notifications []model.Notification) int {
	n := 0
	for i := range notifications {
		if !notifications[i].IsRead {
			n++
		}
	}
	return n
}

// HandleEvent applies one notification event.
func (c *Center) HandleEvent(ev event.Event, topic string) {
	c.mu.Lock()
	c.confirm()

	switch ev.Type {
	case event.TypeNotification:
		var n model.Notification
		if err := ev.Field("notification", &n); err != nil || n.ID == "" {
			c.mu.Unlock()
			c.logger.Warn("Ignoring malformed notification", zap.Error(err))
			return
		}
		c.add(n)

	case event.TypeNotificationRead:
		var id string
		if err := ev.Field("notificationId", &id); err != nil {
			c.mu.Unlock()
			c.logger.Warn("Ignoring malformed notification_read", zap.Error(err))
			return
		}
		c.markRead(id)

	case event.TypeAllNotificationsRead:
		c.markAllRead()

	case event.TypeNotificationDeleted:
		var id string
		if err := ev.Field("notificationId", &id); err != nil {
			c.mu.Unlock()
			c.logger.Warn("Ignoring malformed notification_deleted", zap.Error(err))
			return
		}
		c.remove(id)

	default:
		c.mu.Unlock()
		c.logger.Debug("Ignoring event", zap.String("type", ev.Type), zap.String("topic", topic))
		return
	}

	c.mu.Unlock()
	c.changed()
}

// add prepends n, or replaces an entry with the same ID. Callers hold mu.
func (c *Center) add(n model.Notification) {
	for i := range c.notifications {
		if c.notifications[i].ID == n.ID {
			if !c.notifications[i].IsRead {
				c.decrementUnread()
			}
			if !n.IsRead {
				c.unread++
			}
			c.notifications[i] = n
			return
		}
	}

	c.notifications = append([]model.Notification{n}, c.notifications...)
	if !n.IsRead {
		c.unread++
	}
}

func (c *Center) markRead(id string) {
	for i := range c.notifications {
		n := &c.notifications[i]
		if n.ID != id {
			continue
		}
		if !n.IsRead {
			now := c.now().UTC()
			n.IsRead = true
			n.ReadAt = &now
			c.decrementUnread()
		}
		return
	}
}

func (c *Center) markAllRead() {
	now := c.now().UTC()
	for i := range c.notifications {
		n := &c.notifications[i]
		if !n.IsRead {
			readAt := now
			n.IsRead = true
			n.ReadAt = &readAt
		}
	}
	c.unread = 0
}

func (c *Center) remove(id string) {
	for i := range c.notifications {
		if c.notifications[i].ID != id {
			continue
		}
		if !c.notifications[i].IsRead {
			c.decrementUnread()
		}
		c.notifications = append(c.notifications[:i], c.notifications[i+1:]...)
		return
	}
}

func (c *Center) decrementUnread() {
	if c.unread > 0 {
		c.unread--
	}
}

func (c *Center) changed() {
	if c.onChange != nil {
		c.onChange()
	}
}

// Notifications returns the cached list, newest first.
func (c *Center) Notifications() []model.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Notification(nil), c.notifications...)
}

// UnreadCount returns the number of unread notifications, or the fallback
// count while the center is degraded.
func (c *Center) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.degraded {
		return c.fallbackUnread
	}
	return c.unread
}

// Degraded reports whether neither a connection nor an event has been seen
// within the degraded timeout.
func (c *Center) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// MarkAsRead marks one notification read in the backend, then locally.
func (c *Center) MarkAsRead(ctx context.Context, id string) error {
	if c.api == nil {
		return fmt.Errorf("notification center has no API client")
	}
	if err := c.api.MarkNotificationRead(ctx, id); err != nil {
		return fmt.Errorf("failed to mark notification %s read: %w", id, err)
	}

	c.mu.Lock()
	c.markRead(id)
	c.mu.Unlock()
	c.changed()
	return nil
}

// MarkAllAsRead marks every notification read in the backend, then locally.
func (c *Center) MarkAllAsRead(ctx context.Context) error {
	if c.api == nil {
		return fmt.Errorf("notification center has no API client")
	}
	if err := c.api.MarkAllNotificationsRead(ctx); err != nil {
		return fmt.Errorf("failed to mark all notifications read: %w", err)
	}

	c.mu.Lock()
	c.markAllRead()
	c.mu.Unlock()
	c.changed()
	return nil
}
