package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tsarna/hubline/pkg/hubline/bus"
	"github.com/tsarna/hubline/pkg/hubline/event"
	"go.uber.org/zap"
)

const transportSSE = "sse"

// sseWriter writes events to one event-stream response. It only runs on the
// connection's queue goroutine.
type sseWriter struct {
	bus.BaseSubscriber

	w            http.ResponseWriter
	rc           *http.ResponseController
	conn         *connection
	metrics      *Metrics
	writeTimeout time.Duration
}

func (s *sseWriter) OnEvent(ctx context.Context, topic string, ev event.Event) error {
	if ev.Topic == "" {
		ev = ev.WithTopic(topic)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	if err := s.write(func() error {
		return event.WriteFrame(s.w, event.Frame{ID: ev.ID, Data: string(data)})
	}); err != nil {
		return err
	}

	s.metrics.eventSent(ctx, transportSSE)
	return nil
}

// OnTick sends a comment so that proxies and clients see traffic on idle streams.
func (s *sseWriter) OnTick(ctx context.Context) error {
	if err := s.write(func() error {
		return event.WriteComment(s.w, "heartbeat")
	}); err != nil {
		return err
	}

	s.metrics.heartbeat(ctx, transportSSE)
	return nil
}

func (s *sseWriter) write(fn func() error) error {
	_ = s.rc.SetWriteDeadline(time.Now().Add(s.writeTimeout))

	err := fn()
	if err == nil {
		err = s.rc.Flush()
	}
	if err != nil {
		s.conn.close()
		return fmt.Errorf("failed to write to subscriber: %w", err)
	}
	return nil
}

func (h *Hub) serveSSE(w http.ResponseWriter, r *http.Request) {
	topics := r.URL.Query()["topic"]
	if err := validateTopics(topics, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.auth.AuthorizeSubscribe(r, topics); err != nil {
		h.metrics.authFailed(r.Context(), "subscribe")
		writeError(w, authStatus(err), err.Error())
		return
	}

	rc := http.NewResponseController(w)

	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		h.logger.Debug("Subscriber resumed, history replay is not kept", zap.String("last_event_id", lastID))
	}

	writer := &sseWriter{
		w:            w,
		rc:           rc,
		metrics:      h.metrics,
		writeTimeout: h.writeTimeout,
	}
	conn := h.newConnection(transportSSE, writer, r)
	writer.conn = conn

	committed := false
	ready := func() error {
		committed = true
		header := w.Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		header.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		if err := rc.Flush(); err != nil {
			return fmt.Errorf("streaming not supported by response writer: %w", err)
		}
		return nil
	}

	if err := h.serve(r.Context(), conn, topics, ready); err != nil {
		conn.logger.Warn("Subscriber connection ended", zap.Error(err))
		if !committed {
			writeError(w, http.StatusServiceUnavailable, err.Error())
		}
	}
}
