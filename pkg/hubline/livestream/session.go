// Package livestream follows a live-shopping stream: viewer count, stream
// chat, the product currently highlighted by the seller and recent purchases.
package livestream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tsarna/hubline/pkg/hubline/client"
	"github.com/tsarna/hubline/pkg/hubline/event"
	"github.com/tsarna/hubline/pkg/hubline/model"
	"go.uber.org/zap"
)

// DefaultHighlightDuration is how long a highlighted product stays on screen
// unless another highlight replaces it.
const DefaultHighlightDuration = 10 * time.Second

type API interface {
	JoinLiveStream(ctx context.Context, streamID string) error
	LeaveLiveStream(ctx context.Context, streamID string) error
	HighlightProduct(ctx context.Context, streamID, productID string) error
	SendLiveChat(ctx context.Context, streamID, content string) (model.ChatMessage, error)
}

// Session is a viewer's (or the seller's) live view of one stream. It is safe
// for concurrent use.
type Session struct {
	streamID          string
	subscriber        client.Subscriber
	api               API
	logger            *zap.Logger
	highlightDuration time.Duration
	onChange          func()

	mu             sync.Mutex
	subID          string
	viewerCount    int
	chat           []model.ChatMessage
	highlighted    *model.Product
	highlightGen   uint64
	highlightTimer *time.Timer
	lastPurchase   *model.Purchase
	left           bool
}

type SessionBuilder struct {
	streamID          string
	subscriber        client.Subscriber
	api               API
	logger            *zap.Logger
	highlightDuration time.Duration
	onChange          func()
}

func NewSession(streamID string) *SessionBuilder {
	return &SessionBuilder{
		streamID:          streamID,
		logger:            zap.NewNop(),
		highlightDuration: DefaultHighlightDuration,
	}
}

func (b *SessionBuilder) WithSubscriber(subscriber client.Subscriber) *SessionBuilder {
	b.subscriber = subscriber
	return b
}

func (b *SessionBuilder) WithAPI(api API) *SessionBuilder {
	b.api = api
	return b
}

func (b *SessionBuilder) WithLogger(logger *zap.Logger) *SessionBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

func (b *SessionBuilder) WithHighlightDuration(d time.Duration) *SessionBuilder {
	b.highlightDuration = d
	return b
}

func (b *SessionBuilder) WithChangeHandler(fn func()) *SessionBuilder {
	b.onChange = fn
	return b
}

func (b *SessionBuilder) IsValid() error {
	if b.streamID == "" {
		return fmt.Errorf("stream ID is required")
	}
	if b.subscriber == nil {
		return fmt.Errorf("subscriber is required")
	}
	if b.highlightDuration <= 0 {
		return fmt.Errorf("highlight duration must be positive, got %s", b.highlightDuration)
	}
	return nil
}

func (b *SessionBuilder) Build() (*Session, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	return &Session{
		streamID:          b.streamID,
		subscriber:        b.subscriber,
		api:               b.api,
		logger:            b.logger.With(zap.String("stream", b.streamID)),
		highlightDuration: b.highlightDuration,
		onChange:          b.onChange,
	}, nil
}

func (s *Session) Topics() []string {
	return []string{
		event.LiveStream(s.streamID),
		event.LiveStreamChat(s.streamID),
		event.LiveStreamViewers(s.streamID),
		event.LiveStreamProducts(s.streamID),
	}
}

// Join subscribes to the stream's topics and then registers the viewer with
// the backend. If registration fails the subscription is dropped again.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	joined := s.subID != ""
	if !joined {
		s.left = false
	}
	s.mu.Unlock()
	if joined {
		return fmt.Errorf("already joined stream %s", s.streamID)
	}

	id, err := s.subscriber.Subscribe(ctx, s.Topics(), s.HandleEvent, s.handleError)
	if err != nil {
		return fmt.Errorf("failed to subscribe to stream %s: %w", s.streamID, err)
	}

	if s.api != nil {
		if err := s.api.JoinLiveStream(ctx, s.streamID); err != nil {
			s.unsubscribe(id)
			return fmt.Errorf("failed to join stream %s: %w", s.streamID, err)
		}
	}

	s.mu.Lock()
	s.subID = id
	s.mu.Unlock()

	s.logger.Debug("Joined live stream")
	return nil
}

// Leave unsubscribes, drops any pending highlight timer and tells the backend.
// The subscription is torn down even if the backend call fails.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	id := s.subID
	s.subID = ""
	s.mu.Unlock()

	if id == "" {
		return nil
	}
	s.unsubscribe(id)

	if s.api != nil {
		if err := s.api.LeaveLiveStream(ctx, s.streamID); err != nil {
			return fmt.Errorf("failed to leave stream %s: %w", s.streamID, err)
		}
	}
	return nil
}

// unsubscribe waits out any running callback before stopping the highlight
// timer, so a highlight handled during teardown cannot re-arm it.
func (s *Session) unsubscribe(id string) {
	s.subscriber.Unsubscribe(id)

	s.mu.Lock()
	s.left = true
	s.stopHighlightLocked()
	s.mu.Unlock()
}

func (s *Session) handleError(err error) {
	s.logger.Debug("Live stream connection error", zap.Error(err))
}

// HandleEvent applies one event from the stream's topics.
func (s *Session) HandleEvent(ev event.Event, topic string) {
	switch ev.Type {
	case event.TypeStreamUpdate:
		s.logger.Info("Stream update", zap.String("topic", topic))
		return

	case event.TypeViewerCountUpdate:
		var count int
		if err := ev.Field("viewerCount", &count); err != nil {
			s.logger.Warn("Ignoring malformed viewer count", zap.Error(err))
			return
		}
		s.mu.Lock()
		s.viewerCount = count
		s.mu.Unlock()

	case event.TypeChatMessage:
		var msg model.ChatMessage
		if err := ev.Field("message", &msg); err != nil {
			s.logger.Warn("Ignoring malformed chat message", zap.Error(err))
			return
		}
		s.mu.Lock()
		s.appendChat(msg)
		s.mu.Unlock()

	case event.TypeProductHighlight:
		var product model.Product
		if err := ev.Field("product", &product); err != nil {
			s.logger.Warn("Ignoring malformed product highlight", zap.Error(err))
			return
		}
		s.mu.Lock()
		s.highlight(product)
		s.mu.Unlock()

	case event.TypePurchaseNotification:
		var purchase model.Purchase
		if err := ev.Field("purchase", &purchase); err != nil {
			s.logger.Warn("Ignoring malformed purchase notification", zap.Error(err))
			return
		}
		s.logger.Info("Purchase", zap.String("product", purchase.ProductID), zap.String("buyer", purchase.Username))
		s.mu.Lock()
		s.lastPurchase = &purchase
		s.mu.Unlock()

	default:
		s.logger.Debug("Ignoring event", zap.String("type", ev.Type), zap.String("topic", topic))
		return
	}

	s.changed()
}

// appendChat adds msg unless a message with the same ID is already present.
// Messages without an ID are always appended. Callers hold mu.
func (s *Session) appendChat(msg model.ChatMessage) {
	if msg.ID != "" {
		for i := range s.chat {
			if s.chat[i].ID == msg.ID {
				s.chat[i] = msg
				return
			}
		}
	}
	s.chat = append(s.chat, msg)
}

// highlight shows product and restarts the clear timer. Callers hold mu.
func (s *Session) highlight(product model.Product) {
	if s.left {
		return
	}
	s.stopHighlightLocked()

	s.highlighted = &product
	s.highlightGen++
	gen := s.highlightGen

	s.highlightTimer = time.AfterFunc(s.highlightDuration, func() {
		s.mu.Lock()
		if s.highlightGen != gen {
			s.mu.Unlock()
			return
		}
		s.highlighted = nil
		s.highlightTimer = nil
		s.mu.Unlock()
		s.changed()
	})
}

func (s *Session) stopHighlightLocked() {
	if s.highlightTimer != nil {
		s.highlightTimer.Stop()
		s.highlightTimer = nil
	}
	s.highlightGen++
}

func (s *Session) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

func (s *Session) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewerCount
}

func (s *Session) Chat() []model.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ChatMessage(nil), s.chat...)
}

// HighlightedProduct returns the product on screen, if any.
func (s *Session) HighlightedProduct() (model.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.highlighted == nil {
		return model.Product{}, false
	}
	return *s.highlighted, true
}

func (s *Session) LastPurchase() (model.Purchase, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastPurchase == nil {
		return model.Purchase{}, false
	}
	return *s.lastPurchase, true
}

// HighlightProduct asks the backend to highlight productID for every viewer.
// The local highlight changes when the resulting event arrives.
func (s *Session) HighlightProduct(ctx context.Context, productID string) error {
	if s.api == nil {
		return fmt.Errorf("session has no API client")
	}
	if productID == "" {
		return fmt.Errorf("product ID is required")
	}
	return s.api.HighlightProduct(ctx, s.streamID, productID)
}

// SendChat posts to the stream chat. The stored message is added right away;
// the hub's echo of it is deduplicated by ID.
func (s *Session) SendChat(ctx context.Context, content string) (model.ChatMessage, error) {
	if s.api == nil {
		return model.ChatMessage{}, fmt.Errorf("session has no API client")
	}

	msg, err := s.api.SendLiveChat(ctx, s.streamID, content)
	if err != nil {
		return model.ChatMessage{}, fmt.Errorf("failed to send chat message: %w", err)
	}

	s.mu.Lock()
	s.appendChat(msg)
	s.mu.Unlock()
	s.changed()

	return msg, nil
}
