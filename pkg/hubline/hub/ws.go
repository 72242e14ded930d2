package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tsarna/hubline/pkg/hubline/bus"
	"github.com/tsarna/hubline/pkg/hubline/event"
	"go.uber.org/zap"
)

const (
	transportWebsocket = "websocket"
	wsReadLimit        = 32768
)

// wsWriter sends events and control replies over a websocket. Event frames
// are {"t": topic, "d": event}.
type wsWriter struct {
	bus.BaseSubscriber

	ws           *websocket.Conn
	ctx          context.Context
	conn         *connection
	metrics      *Metrics
	writeTimeout time.Duration
}

func (s *wsWriter) OnEvent(ctx context.Context, topic string, ev event.Event) error {
	if err := s.write(event.WireMessage{Topic: topic, Data: &ev}); err != nil {
		return err
	}
	s.metrics.eventSent(ctx, transportWebsocket)
	return nil
}

func (s *wsWriter) OnTick(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
	defer cancel()

	if err := s.ws.Ping(pingCtx); err != nil {
		s.conn.close()
		return fmt.Errorf("ping failed: %w", err)
	}
	s.metrics.heartbeat(ctx, transportWebsocket)
	return nil
}

func (s *wsWriter) write(msg event.WireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
	defer cancel()

	if err := s.ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		s.conn.close()
		return fmt.Errorf("failed to write to subscriber: %w", err)
	}
	return nil
}

func (s *wsWriter) ack(id any) {
	_ = s.write(event.WireMessage{Kind: event.KindAck, Id: id})
}

func (s *wsWriter) nack(id any, err error) {
	_ = s.write(event.WireMessage{Kind: event.KindNack, Id: id, Error: err.Error()})
}

// serveWebsocket is the websocket variant of the subscribe endpoint. Topics
// given in the query are subscribed right away; more can be added or removed
// with subscribe and unsubscribe requests, each answered with an ack or nack.
func (h *Hub) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	topics := r.URL.Query()["topic"]
	for _, topic := range topics {
		if err := event.ValidateTopic(topic, true); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	scope, err := h.auth.AuthorizeSubscribe(r, topics)
	if err != nil {
		h.metrics.authFailed(r.Context(), "subscribe")
		writeError(w, authStatus(err), err.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writer := &wsWriter{
		ctx:          ctx,
		metrics:      h.metrics,
		writeTimeout: h.writeTimeout,
	}
	conn := h.newConnection(transportWebsocket, writer, r)
	writer.conn = conn

	var wg sync.WaitGroup
	committed := false
	ready := func() error {
		committed = true
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns:  h.originPatterns,
			CompressionMode: websocket.CompressionContextTakeover,
		})
		if err != nil {
			return fmt.Errorf("failed to accept websocket: %w", err)
		}
		ws.SetReadLimit(wsReadLimit)
		writer.ws = ws

		wg.Add(1)
		go func() {
			defer wg.Done()
			h.readRequests(ctx, conn, writer, scope)
		}()
		return nil
	}

	err = h.serve(ctx, conn, topics, ready)
	if err != nil {
		conn.logger.Warn("Subscriber connection ended", zap.Error(err))
	}

	if writer.ws == nil {
		if !committed {
			writeError(w, http.StatusServiceUnavailable, err.Error())
		}
		return
	}

	_ = writer.ws.Close(websocket.StatusNormalClosure, "")
	cancel()
	wg.Wait()

	// a subscribe request may have raced with the teardown in serve
	_ = h.bus.UnsubscribeAll(context.Background(), conn)
}

func (h *Hub) readRequests(ctx context.Context, conn *connection, writer *wsWriter, scope []string) {
	defer conn.close()

	for {
		_, data, err := writer.ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				conn.logger.Debug("Websocket closed by client", zap.Int("close_status", int(status)))
			} else if ctx.Err() == nil {
				conn.logger.Debug("Websocket read failed", zap.Error(err))
			}
			return
		}

		var request event.WireMessage
		if err := json.Unmarshal(data, &request); err != nil {
			writer.nack(nil, fmt.Errorf("invalid JSON message"))
			continue
		}

		if err := h.handleRequest(ctx, conn, scope, request); err != nil {
			writer.nack(request.Id, err)
		} else {
			writer.ack(request.Id)
		}
	}
}

func (h *Hub) handleRequest(ctx context.Context, conn *connection, scope []string, request event.WireMessage) error {
	switch request.Kind {
	case event.KindSubscribe:
		if err := event.ValidateTopic(request.Topic, true); err != nil {
			return err
		}
		if !topicAllowed(scope, request.Topic) {
			return fmt.Errorf("%w: %s", ErrForbidden, request.Topic)
		}
		return h.bus.Subscribe(ctx, conn, request.Topic)

	case event.KindUnsubscribe:
		if request.Topic == "" {
			return fmt.Errorf("topic is required")
		}
		return h.bus.Unsubscribe(ctx, conn, request.Topic)

	default:
		return fmt.Errorf("unsupported request kind %q", request.Kind)
	}
}
