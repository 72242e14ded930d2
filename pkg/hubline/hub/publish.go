package hub

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/tsarna/hubline/pkg/hubline/bus"
	"github.com/tsarna/hubline/pkg/hubline/event"
	"go.uber.org/zap"
)

const maxPublishBody = 1 << 20

// servePublish accepts a form with one or more topic fields, a data field
// holding the event object and an optional id, and answers with the event ID.
func (h *Hub) servePublish(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPublishBody)
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form: "+err.Error())
		return
	}

	topics := r.PostForm["topic"]
	if err := validateTopics(topics, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ev, err := event.Parse([]byte(r.PostForm.Get("data")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid data: "+err.Error())
		return
	}
	if ev.Type == "" {
		writeError(w, http.StatusBadRequest, "invalid data: "+event.ErrMissingType.Error())
		return
	}

	claims, err := h.auth.AuthorizePublish(r, topics)
	if err != nil {
		h.metrics.authFailed(r.Context(), "publish")
		writeError(w, authStatus(err), err.Error())
		return
	}

	id := r.PostForm.Get("id")
	if id == "" {
		id = "urn:uuid:" + uuid.NewString()
	}
	ev = ev.WithID(id)

	ctx := context.WithoutCancel(r.Context())
	for _, topic := range topics {
		if err := h.bus.Publish(ctx, topic, ev); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, bus.ErrChannelFull) {
				status = http.StatusServiceUnavailable
			}
			h.logger.Error("Failed to publish", zap.String("topic", topic), zap.Error(err))
			writeError(w, status, "failed to publish")
			return
		}
	}

	h.metrics.eventPublished(ctx, len(topics))
	h.logger.Debug("Published",
		zap.String("id", id),
		zap.String("type", ev.Type),
		zap.Strings("topics", topics),
		zap.String("publisher", claims.Subject),
	)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(id))
}
