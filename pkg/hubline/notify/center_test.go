package notify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/hubline/pkg/hubline/api"
	"github.com/tsarna/hubline/pkg/hubline/client/clienttest"
	"github.com/tsarna/hubline/pkg/hubline/event"
	"github.com/tsarna/hubline/pkg/hubline/model"
	"go.uber.org/zap/zaptest"
)

type fakeAPI struct {
	mu      sync.Mutex
	list    api.NotificationList
	listErr error
	listed  int
	read    []string
	allRead int
	markErr error
}

func (a *fakeAPI) ListNotifications(ctx context.Context) (api.NotificationList, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listed++
	return a.list, a.listErr
}

func (a *fakeAPI) MarkNotificationRead(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.markErr != nil {
		return a.markErr
	}
	a.read = append(a.read, id)
	return nil
}

func (a *fakeAPI) MarkAllNotificationsRead(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allRead++
	return a.markErr
}

func newTestCenter(t *testing.T, api API) (*Center, *clienttest.Subscriber) {
	sub := clienttest.New()
	builder := NewCenter("7").
		WithSubscriber(sub).
		WithLogger(zaptest.NewLogger(t)).
		WithDegradedTimeout(time.Minute)
	if api != nil {
		builder = builder.WithAPI(api)
	}
	c, err := builder.Build()
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Close)
	return c, sub
}

func notification(id string, isRead bool) event.Event {
	return event.MustNew(event.TypeNotification, map[string]any{
		"notification": model.Notification{ID: id, Type: "order", Title: "Order " + id, IsRead: isRead},
	})
}

func byID(eventType, id string) event.Event {
	return event.MustNew(eventType, map[string]any{"notificationId": id})
}

const userTopic = "user/7/notifications"

func TestCenterSubscribesToUserAndGlobal(t *testing.T) {
	c, sub := newTestCenter(t, nil)

	assert.Equal(t, []string{"user/7/notifications", "notifications/global"}, sub.Topics())
	assert.Error(t, c.Start(context.Background()))

	c.Close()
	assert.Equal(t, 0, sub.Active())
}

func TestCenterNotificationThenRead(t *testing.T) {
	c, sub := newTestCenter(t, nil)

	sub.Deliver(userTopic, notification("n1", false))
	assert.Equal(t, 1, c.UnreadCount())

	sub.Deliver(userTopic, byID(event.TypeNotificationRead, "n1"))
	assert.Equal(t, 0, c.UnreadCount())

	list := c.Notifications()
	require.Len(t, list, 1)
	assert.True(t, list[0].IsRead)
	assert.NotNil(t, list[0].ReadAt)

	sub.Deliver(userTopic, byID(event.TypeNotificationRead, "n1"))
	assert.Equal(t, 0, c.UnreadCount(), "reading twice does not go negative")
}

func TestCenterPrependsAndReplacesDuplicates(t *testing.T) {
	c, sub := newTestCenter(t, nil)

	sub.Deliver(userTopic, notification("n1", false))
	sub.Deliver("notifications/global", notification("n2", false))
	sub.Deliver(userTopic, notification("n3", true))

	list := c.Notifications()
	require.Len(t, list, 3)
	assert.Equal(t, "n3", list[0].ID)
	assert.Equal(t, "n1", list[2].ID)
	assert.Equal(t, 2, c.UnreadCount())

	sub.Deliver(userTopic, notification("n1", true))
	assert.Len(t, c.Notifications(), 3)
	assert.Equal(t, 1, c.UnreadCount())
}

func TestCenterAllReadAndDeleted(t *testing.T) {
	c, sub := newTestCenter(t, nil)

	sub.Deliver(userTopic, notification("n1", false))
	sub.Deliver(userTopic, notification("n2", false))
	sub.Deliver(userTopic, notification("n3", true))

	sub.Deliver(userTopic, byID(event.TypeNotificationDeleted, "n3"))
	assert.Equal(t, 2, c.UnreadCount(), "deleting a read entry leaves the counter alone")

	sub.Deliver(userTopic, byID(event.TypeNotificationDeleted, "n2"))
	assert.Equal(t, 1, c.UnreadCount())

	sub.Deliver(userTopic, event.MustNew(event.TypeAllNotificationsRead, nil))
	assert.Equal(t, 0, c.UnreadCount())
	for _, n := range c.Notifications() {
		assert.True(t, n.IsRead)
	}

	sub.Deliver(userTopic, byID(event.TypeNotificationDeleted, "missing"))
	assert.Equal(t, 0, c.UnreadCount())
}

func TestCenterUnreadInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		c, sub := newTestCenter(t, nil)

		for step := 0; step < 200; step++ {
			id := fmt.Sprintf("n%d", rng.Intn(10))
			switch rng.Intn(4) {
			case 0:
				sub.Deliver(userTopic, notification(id, rng.Intn(3) == 0))
			case 1:
				sub.Deliver(userTopic, byID(event.TypeNotificationRead, id))
			case 2:
				sub.Deliver(userTopic, event.MustNew(event.TypeAllNotificationsRead, nil))
			case 3:
				sub.Deliver(userTopic, byID(event.TypeNotificationDeleted, id))
			}

			unread := 0
			for _, n := range c.Notifications() {
				if !n.IsRead {
					unread++
				}
			}
			got := c.UnreadCount()
			require.GreaterOrEqual(t, got, 0)
			require.Equal(t, unread, got, "round %d step %d", round, step)
		}
		c.Close()
	}
}

func TestCenterDegradedFallback(t *testing.T) {
	sub := clienttest.New()
	c, err := NewCenter("7").
		WithSubscriber(sub).
		WithFallbackUnread(4).
		WithDegradedTimeout(30 * time.Millisecond).
		Build()
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	assert.Equal(t, 0, c.UnreadCount())
	assert.Eventually(t, c.Degraded, time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, c.UnreadCount())

	sub.Deliver(userTopic, notification("n1", false))
	assert.False(t, c.Degraded())
	assert.Equal(t, 1, c.UnreadCount())
}

func TestCenterNotDegradedAfterOpen(t *testing.T) {
	sub := clienttest.New()
	c, err := NewCenter("7").
		WithSubscriber(sub).
		WithFallbackUnread(4).
		WithDegradedTimeout(30 * time.Millisecond).
		Build()
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	sub.Open()
	time.Sleep(80 * time.Millisecond)
	assert.False(t, c.Degraded())
	assert.Equal(t, 0, c.UnreadCount())
}

func TestCenterReconcilesOnEveryOpen(t *testing.T) {
	backend := &fakeAPI{list: api.NotificationList{
		Notifications: []model.Notification{
			{ID: "a", IsRead: false},
			{ID: "b", IsRead: true},
			{ID: "c", IsRead: false},
		},
		UnreadCount: 2,
	}}
	c, sub := newTestCenter(t, backend)

	sub.Deliver(userTopic, notification("stale", false))

	sub.Open()
	assert.Equal(t, 1, backend.listed)
	assert.Equal(t, 2, c.UnreadCount())
	list := c.Notifications()
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].ID)

	// an event missed while disconnected shows up after the reconnect
	backend.mu.Lock()
	backend.list.Notifications = append([]model.Notification{{ID: "d"}}, backend.list.Notifications...)
	backend.mu.Unlock()
	sub.Fail(errors.New("dropped"))
	sub.Open()

	assert.Equal(t, 2, backend.listed)
	assert.Equal(t, 3, c.UnreadCount())
	assert.Len(t, c.Notifications(), 4)
}

func TestCenterReconcileFailureKeepsCache(t *testing.T) {
	backend := &fakeAPI{listErr: errors.New("backend down")}
	c, sub := newTestCenter(t, backend)

	sub.Deliver(userTopic, notification("n1", false))
	sub.Open()

	assert.Equal(t, 1, c.UnreadCount())
	assert.False(t, c.Degraded())
}

func TestCenterMarkAsRead(t *testing.T) {
	backend := &fakeAPI{}
	c, sub := newTestCenter(t, backend)
	ctx := context.Background()

	sub.Deliver(userTopic, notification("n1", false))
	sub.Deliver(userTopic, notification("n2", false))

	require.NoError(t, c.MarkAsRead(ctx, "n1"))
	assert.Equal(t, []string{"n1"}, backend.read)
	assert.Equal(t, 1, c.UnreadCount())

	require.NoError(t, c.MarkAllAsRead(ctx))
	assert.Equal(t, 1, backend.allRead)
	assert.Equal(t, 0, c.UnreadCount())

	backend.markErr = errors.New("nope")
	sub.Deliver(userTopic, notification("n3", false))
	assert.Error(t, c.MarkAsRead(ctx, "n3"))
	assert.Equal(t, 1, c.UnreadCount(), "local state is untouched when the backend refuses")
}

func TestCenterWithoutAPI(t *testing.T) {
	c, _ := newTestCenter(t, nil)
	assert.Error(t, c.MarkAsRead(context.Background(), "n1"))
	assert.Error(t, c.MarkAllAsRead(context.Background()))
	assert.Error(t, c.Reconcile(context.Background()))
}

func TestCenterIgnoresUnknownAndMalformed(t *testing.T) {
	c, sub := newTestCenter(t, nil)

	sub.Deliver(userTopic, event.MustNew("promo", map[string]any{"code": "X"}))
	sub.Deliver(userTopic, event.MustNew(event.TypeNotification, map[string]any{"notification": map[string]any{"title": "no id"}}))
	sub.Deliver(userTopic, event.MustNew(event.TypeNotificationRead, nil))

	assert.Empty(t, c.Notifications())
	assert.Equal(t, 0, c.UnreadCount())
}

func TestCenterBuilderValidation(t *testing.T) {
	_, err := NewCenter("").WithSubscriber(clienttest.New()).Build()
	assert.Error(t, err)

	_, err = NewCenter("7").Build()
	assert.Error(t, err)

	_, err = NewCenter("7").WithSubscriber(clienttest.New()).WithFallbackUnread(-1).Build()
	assert.Error(t, err)

	_, err = NewCenter("7").WithSubscriber(clienttest.New()).WithDegradedTimeout(0).Build()
	assert.Error(t, err)
}
