package event

import (
	"fmt"
	"strings"
)

// GlobalNotifications is the topic every client listens on for broadcast notices.
const GlobalNotifications = "notifications/global"

// StatsTopic is where a hub publishes its periodic statistics by default.
const StatsTopic = "$hub/stats"

// Event types published by the marketplace backend.
const (
	TypeNewMessage   = "new_message"
	TypeTyping       = "typing"
	TypeMessagesRead = "messages_read"

	TypeStreamUpdate         = "stream_update"
	TypeViewerCountUpdate    = "viewer_count_update"
	TypeChatMessage          = "chat_message"
	TypeProductHighlight     = "product_highlight"
	TypePurchaseNotification = "purchase_notification"

	TypeNotification         = "notification"
	TypeNotificationRead     = "notification_read"
	TypeAllNotificationsRead = "all_notifications_read"
	TypeNotificationDeleted  = "notification_deleted"

	TypeHubStats = "hub_stats"
)

func UserNotifications(userID string) string {
	return fmt.Sprintf("user/%s/notifications", userID)
}

func Conversation(conversationID string) string {
	return fmt.Sprintf("conversation/%s", conversationID)
}

func ConversationTyping(conversationID string) string {
	return fmt.Sprintf("conversation/%s/typing", conversationID)
}

func LiveStream(streamID string) string {
	return fmt.Sprintf("live-stream/%s", streamID)
}

func LiveStreamChat(streamID string) string {
	return LiveStream(streamID) + "/chat"
}

func LiveStreamViewers(streamID string) string {
	return LiveStream(streamID) + "/viewers"
}

func LiveStreamProducts(streamID string) string {
	return LiveStream(streamID) + "/products"
}

// ValidateTopic rejects topics that cannot be carried in a subscribe request.
// Wildcards are only legal in subscriptions, so publishers should pass
// allowWildcards=false.
func ValidateTopic(topic string, allowWildcards bool) error {
	if strings.TrimSpace(topic) == "" {
		return fmt.Errorf("topic must not be empty")
	}
	if strings.ContainsAny(topic, "\r\n\x00") {
		return fmt.Errorf("topic %q contains control characters", topic)
	}
	if !allowWildcards && strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("topic %q must not contain wildcards", topic)
	}
	return nil
}
