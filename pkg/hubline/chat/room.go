// Package chat keeps the live view of one conversation: its messages and who
// is currently typing.
package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tsarna/hubline/pkg/hubline/client"
	"github.com/tsarna/hubline/pkg/hubline/event"
	"github.com/tsarna/hubline/pkg/hubline/model"
	"go.uber.org/zap"
)

// DefaultTypingTTL is how long a "user is typing" flag survives without a refresh.
const DefaultTypingTTL = 6 * time.Second

// API is the subset of the marketplace API a Room calls.
type API interface {
	SendMessage(ctx context.Context, conversationID, content string) (model.Message, error)
	SendTyping(ctx context.Context, conversationID string, isTyping bool) error
	MarkMessagesRead(ctx context.Context, conversationID string) error
}

type newMessagePayload struct {
	Message model.Message `json:"message"`
}

type typingPayload struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// Room is the client-side state of a conversation. It is safe for concurrent use.
type Room struct {
	conversationID string
	userID         string
	subscriber     client.Subscriber
	api            API
	logger         *zap.Logger
	typingTTL      time.Duration
	onChange       func()

	mu           sync.Mutex
	messages     []model.Message
	typing       map[string]bool
	typingTimers map[string]*time.Timer
	subID        string
	closed       bool
}

type RoomBuilder struct {
	conversationID string
	userID         string
	subscriber     client.Subscriber
	api            API
	logger         *zap.Logger
	typingTTL      time.Duration
	onChange       func()
	history        []model.Message
}

// NewRoom starts building the view of conversationID for the signed-in userID.
func NewRoom(conversationID, userID string) *RoomBuilder {
	return &RoomBuilder{
		conversationID: conversationID,
		userID:         userID,
		logger:         zap.NewNop(),
		typingTTL:      DefaultTypingTTL,
	}
}

func (b *RoomBuilder) WithSubscriber(subscriber client.Subscriber) *RoomBuilder {
	b.subscriber = subscriber
	return b
}

func (b *RoomBuilder) WithAPI(api API) *RoomBuilder {
	b.api = api
	return b
}

func (b *RoomBuilder) WithLogger(logger *zap.Logger) *RoomBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

func (b *RoomBuilder) WithTypingTTL(ttl time.Duration) *RoomBuilder {
	b.typingTTL = ttl
	return b
}

// WithChangeHandler registers a callback run after every state change.
func (b *RoomBuilder) WithChangeHandler(fn func()) *RoomBuilder {
	b.onChange = fn
	return b
}

// WithHistory seeds the room with previously loaded messages.
func (b *RoomBuilder) WithHistory(messages []model.Message) *RoomBuilder {
	b.history = messages
	return b
}

func (b *RoomBuilder) IsValid() error {
	if b.conversationID == "" {
		return fmt.Errorf("conversation ID is required")
	}
	if b.userID == "" {
		return fmt.Errorf("user ID is required")
	}
	if b.subscriber == nil {
		return fmt.Errorf("subscriber is required")
	}
	if b.typingTTL <= 0 {
		return fmt.Errorf("typing TTL must be positive, got %s", b.typingTTL)
	}
	return nil
}

func (b *RoomBuilder) Build() (*Room, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	r := &Room{
		conversationID: b.conversationID,
		userID:         b.userID,
		subscriber:     b.subscriber,
		api:            b.api,
		logger:         b.logger.With(zap.String("conversation", b.conversationID)),
		typingTTL:      b.typingTTL,
		onChange:       b.onChange,
		typing:         make(map[string]bool),
		typingTimers:   make(map[string]*time.Timer),
	}
	for _, msg := range b.history {
		r.upsert(msg)
	}

	return r, nil
}

// Topics returns the topics the room listens on.
func (r *Room) Topics() []string {
	return []string{event.Conversation(r.conversationID), event.ConversationTyping(r.conversationID)}
}

// Start subscribes to the conversation and typing topics.
func (r *Room) Start(ctx context.Context) error {
	r.mu.Lock()
	started := r.subID != ""
	if !started {
		r.closed = false
	}
	r.mu.Unlock()
	if started {
		return fmt.Errorf("room %s already started", r.conversationID)
	}

	id, err := r.subscriber.Subscribe(ctx, r.Topics(), r.HandleEvent, r.handleError)
	if err != nil {
		return fmt.Errorf("failed to subscribe to conversation %s: %w", r.conversationID, err)
	}

	r.mu.Lock()
	r.subID = id
	r.mu.Unlock()

	return nil
}

// Close unsubscribes and stops pending typing timers. The message list stays readable.
func (r *Room) Close() {
	r.mu.Lock()
	id := r.subID
	r.subID = ""
	r.mu.Unlock()

	// Unsubscribe returns after any running callback, which may have armed a timer.
	if id != "" {
		r.subscriber.Unsubscribe(id)
	}

	r.mu.Lock()
	r.closed = true
	for user, timer := range r.typingTimers {
		timer.Stop()
		delete(r.typingTimers, user)
	}
	r.mu.Unlock()
}

func (r *Room) handleError(err error) {
	r.logger.Debug("Conversation stream error", zap.Error(err))
}

// HandleEvent applies one event from the conversation's topics.
func (r *Room) HandleEvent(ev event.Event, topic string) {
	changed := false

	switch ev.Type {
	case event.TypeNewMessage:
		var payload newMessagePayload
		if err := ev.Decode(&payload); err != nil || payload.Message.ID == "" {
			r.logger.Warn("Ignoring malformed new_message event", zap.Error(err))
			return
		}
		r.mu.Lock()
		r.upsert(payload.Message)
		r.clearTyping(payload.Message.SenderID)
		r.mu.Unlock()
		changed = true

	case event.TypeTyping:
		var payload typingPayload
		if err := ev.Decode(&payload); err != nil || payload.UserID == "" {
			r.logger.Warn("Ignoring malformed typing event", zap.Error(err))
			return
		}
		r.mu.Lock()
		if payload.IsTyping {
			r.setTyping(payload.UserID)
		} else {
			r.clearTyping(payload.UserID)
		}
		r.mu.Unlock()
		changed = true

	case event.TypeMessagesRead:
		r.mu.Lock()
		for i := range r.messages {
			if r.messages[i].SenderID == r.userID {
				r.messages[i].Read = true
			}
		}
		r.mu.Unlock()
		changed = true

	default:
		r.logger.Debug("Ignoring event", zap.String("type", ev.Type), zap.String("topic", topic))
	}

	if changed {
		r.changed()
	}
}

// upsert appends msg or replaces the message with the same ID. Callers hold mu.
func (r *Room) upsert(msg model.Message) {
	for i := range r.messages {
		if r.messages[i].ID == msg.ID {
			r.messages[i] = msg
			return
		}
	}
	r.messages = append(r.messages, msg)
}

func (r *Room) remove(id string) {
	for i := range r.messages {
		if r.messages[i].ID == id {
			r.messages = append(r.messages[:i], r.messages[i+1:]...)
			return
		}
	}
}

func (r *Room) indexOf(id string) int {
	for i := range r.messages {
		if r.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// setTyping marks userID as typing and (re)arms its expiry. Callers hold mu.
func (r *Room) setTyping(userID string) {
	if r.closed {
		return
	}
	r.typing[userID] = true

	if timer, ok := r.typingTimers[userID]; ok {
		timer.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(r.typingTTL, func() {
		r.mu.Lock()
		if r.typingTimers[userID] != timer {
			r.mu.Unlock()
			return
		}
		delete(r.typingTimers, userID)
		delete(r.typing, userID)
		r.mu.Unlock()
		r.changed()
	})
	r.typingTimers[userID] = timer
}

func (r *Room) clearTyping(userID string) {
	delete(r.typing, userID)
	if timer, ok := r.typingTimers[userID]; ok {
		timer.Stop()
		delete(r.typingTimers, userID)
	}
}

func (r *Room) changed() {
	if r.onChange != nil {
		r.onChange()
	}
}

// Messages returns a copy of the conversation in arrival order.
func (r *Room) Messages() []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Message(nil), r.messages...)
}

// Typing returns the users currently typing, excluding the current user.
func (r *Room) Typing() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]string, 0, len(r.typing))
	for user, typing := range r.typing {
		if typing && user != r.userID {
			users = append(users, user)
		}
	}
	sort.Strings(users)
	return users
}

// IsTyping reports whether userID is currently flagged as typing.
func (r *Room) IsTyping(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typing[userID]
}

// SendMessage shows the message immediately under a provisional ID, then
// swaps in the stored message returned by the API. If the hub's echo arrived
// first the provisional entry is simply dropped.
func (r *Room) SendMessage(ctx context.Context, content string) (model.Message, error) {
	if r.api == nil {
		return model.Message{}, fmt.Errorf("room has no API client")
	}

	provisional := model.Message{
		ID:             "local-" + uuid.NewString(),
		ConversationID: r.conversationID,
		SenderID:       r.userID,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}

	r.mu.Lock()
	r.messages = append(r.messages, provisional)
	r.mu.Unlock()
	r.changed()

	stored, err := r.api.SendMessage(ctx, r.conversationID, content)

	r.mu.Lock()
	switch {
	case err != nil:
		r.remove(provisional.ID)
	case r.indexOf(stored.ID) >= 0:
		r.remove(provisional.ID)
	default:
		if i := r.indexOf(provisional.ID); i >= 0 {
			r.messages[i] = stored
		} else {
			r.upsert(stored)
		}
	}
	r.mu.Unlock()
	r.changed()

	if err != nil {
		return model.Message{}, fmt.Errorf("failed to send message: %w", err)
	}
	return stored, nil
}

// SendTypingIndicator tells the other participants whether the current user is typing.
func (r *Room) SendTypingIndicator(ctx context.Context, isTyping bool) error {
	if r.api == nil {
		return fmt.Errorf("room has no API client")
	}
	return r.api.SendTyping(ctx, r.conversationID, isTyping)
}

// MarkRead reports that the current user has read the conversation.
func (r *Room) MarkRead(ctx context.Context) error {
	if r.api == nil {
		return fmt.Errorf("room has no API client")
	}
	return r.api.MarkMessagesRead(ctx, r.conversationID)
}
