package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tsarna/hubline/pkg/hubline/model"
)

// FetchToken returns a hub subscriber token for the current user. Its
// signature matches client.TokenProvider.
func (c *Client) FetchToken(ctx context.Context) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/mercure/token", nil, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", fmt.Errorf("token endpoint returned no token")
	}
	return resp.Token, nil
}

// SendMessage posts a message to a conversation and returns it as stored.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string) (model.Message, error) {
	var msg model.Message
	err := c.do(ctx, http.MethodPost, pathf("/api/conversations/%s/messages", conversationID),
		map[string]string{"content": content}, &msg)
	return msg, err
}

func (c *Client) SendTyping(ctx context.Context, conversationID string, isTyping bool) error {
	return c.do(ctx, http.MethodPost, pathf("/api/conversations/%s/typing", conversationID),
		map[string]bool{"isTyping": isTyping}, nil)
}

func (c *Client) MarkMessagesRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, pathf("/api/conversations/%s/read", conversationID), nil, nil)
}

func (c *Client) JoinLiveStream(ctx context.Context, streamID string) error {
	return c.do(ctx, http.MethodPost, pathf("/api/live-streams/%s/join", streamID), nil, nil)
}

func (c *Client) LeaveLiveStream(ctx context.Context, streamID string) error {
	return c.do(ctx, http.MethodPost, pathf("/api/live-streams/%s/leave", streamID), nil, nil)
}

// HighlightProduct asks the backend to announce a product to the stream's viewers.
func (c *Client) HighlightProduct(ctx context.Context, streamID, productID string) error {
	return c.do(ctx, http.MethodPost, pathf("/api/live-streams/%s/highlight", streamID),
		map[string]string{"productId": productID}, nil)
}

func (c *Client) SendLiveChat(ctx context.Context, streamID, content string) (model.ChatMessage, error) {
	var msg model.ChatMessage
	err := c.do(ctx, http.MethodPost, pathf("/api/live-streams/%s/chat", streamID),
		map[string]string{"content": content}, &msg)
	return msg, err
}

// NotificationList is the backend's view of the user's notifications.
type NotificationList struct {
	Notifications []model.Notification `json:"notifications"`
	UnreadCount   int                  `json:"unreadCount"`
}

func (c *Client) ListNotifications(ctx context.Context) (NotificationList, error) {
	var list NotificationList
	err := c.do(ctx, http.MethodGet, "/api/notifications", nil, &list)
	return list, err
}

func (c *Client) MarkNotificationRead(ctx context.Context, notificationID string) error {
	return c.do(ctx, http.MethodPatch, pathf("/api/notifications/%s/read", notificationID), nil, nil)
}

func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPatch, "/api/notifications/read-all", nil, nil)
}
