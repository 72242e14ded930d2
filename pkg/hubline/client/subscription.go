package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tsarna/hubline/pkg/hubline/event"
	"go.uber.org/zap"
)

type subscription struct {
	id         string
	manager    *Manager
	topics     []string
	requestURL string

	onMessage MessageHandler
	onError   ErrorHandler
	onOpen    func()

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state       atomic.Int32
	lastEventID string // only touched by the connection goroutine

	// cbMu serializes callbacks; closed is checked under it so that nothing is
	// delivered once close has returned.
	cbMu   sync.Mutex
	closed atomic.Bool
}

func (s *subscription) State() State {
	return State(s.state.Load())
}

func (s *subscription) setState(state State) {
	if s.closed.Load() {
		return
	}
	s.state.Store(int32(state))
}

func (s *subscription) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.state.Store(int32(StateClosed))
	s.cancel()

	// Wait out any callback that is already running.
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
}

func (s *subscription) invoke(fn func()) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()

	if s.closed.Load() {
		return
	}
	fn()
}

func (s *subscription) run() {
	defer close(s.done)

	m := s.manager
	logger := m.logger.With(zap.String("subscription", s.id))
	attempt := 0

	for {
		s.setState(StateConnecting)
		if attempt > 0 && m.reconnectCounter != nil {
			m.reconnectCounter.Add(s.ctx, 1)
		}
		attempt++

		opened, err := s.stream(logger)

		if opened && m.monitor != nil {
			var reported error
			if s.ctx.Err() == nil {
				reported = err
			}
			m.monitor.OnDisconnect(s.ctx, s.id, reported)
		}

		if s.ctx.Err() != nil {
			return
		}

		s.setState(StateReconnecting)
		logger.Warn("Event stream failed, reconnecting",
			zap.Error(err),
			zap.Duration("delay", m.reconnectDelay),
		)

		if s.onError != nil {
			s.invoke(func() { s.onError(err) })
		}

		timer := time.NewTimer(m.reconnectDelay)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// stream performs one connection attempt and reads frames until the stream
// ends. opened reports whether the handshake succeeded.
func (s *subscription) stream(logger *zap.Logger) (opened bool, err error) {
	m := s.manager

	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.requestURL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	for key, values := range m.headers {
		req.Header[key] = values
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	if m.tokenProvider != nil {
		token, err := m.tokenProvider(s.ctx)
		if err != nil {
			return false, fmt.Errorf("failed to get token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	if s.lastEventID != "" {
		req.Header.Set("Last-Event-ID", s.lastEventID)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to connect to hub: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return false, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	s.setState(StateOpen)
	m.streamOpened(s.ctx)
	defer m.streamClosed(s.ctx)

	logger.Info("Event stream open", zap.Strings("topics", s.topics))

	if m.monitor != nil {
		m.monitor.OnConnect(s.ctx, s.id, s.topics)
	}
	if s.onOpen != nil {
		s.invoke(s.onOpen)
	}

	reader := event.NewFrameReader(resp.Body)
	for {
		frame, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return true, ErrStreamClosed
			}
			return true, fmt.Errorf("failed to read event stream: %w", err)
		}

		if frame.ID != "" {
			s.lastEventID = frame.ID
		}
		if frame.Data == "" {
			continue
		}

		if m.frameCounter != nil {
			m.frameCounter.Add(s.ctx, 1)
		}

		ev, err := event.Parse([]byte(frame.Data))
		if err != nil {
			if m.malformedCounter != nil {
				m.malformedCounter.Add(s.ctx, 1)
			}
			logger.Warn("Dropping malformed event", zap.Error(err), zap.String("data", frame.Data))
			continue
		}

		topic := ev.Topic
		if topic == "" {
			topic = s.topics[0]
		}

		s.invoke(func() { s.onMessage(ev, topic) })
	}
}
