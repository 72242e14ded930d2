// Package model holds the marketplace payloads carried inside events and
// returned by the marketplace API.
package model

import "time"

// Message is a direct conversation message between marketplace users.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId,omitempty"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	Read           bool      `json:"read"`
}

// ChatMessage is a message posted in a live-stream chat.
type ChatMessage struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Product is the subset of product data shown when a seller highlights it.
type Product struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Price    float64 `json:"price,omitempty"`
	Currency string  `json:"currency,omitempty"`
	ImageURL string  `json:"imageUrl,omitempty"`
}

// Purchase is announced to live-stream viewers when someone buys.
type Purchase struct {
	ProductID string `json:"productId"`
	Username  string `json:"username,omitempty"`
	Quantity  int    `json:"quantity,omitempty"`
}

// Notification priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Notification is a user-facing notice. The canonical copy lives in the
// marketplace backend; clients hold a cache.
type Notification struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	IsRead    bool       `json:"isRead"`
	ActionURL string     `json:"actionUrl,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
	Priority  string     `json:"priority,omitempty"`
}
