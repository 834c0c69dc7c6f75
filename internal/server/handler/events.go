package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/groupbuy/internal/domain"
)

// EventHandler serves the ledger event stream for clients that poll instead
// of holding a WebSocket.
type EventHandler struct {
	bus    domain.EventBus
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(bus domain.EventBus, logger *slog.Logger) *EventHandler {
	return &EventHandler{bus: bus, logger: logger.With(slog.String("handler", "events"))}
}

type streamEvent struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// ListEvents returns ledger events oldest first. Without "after" it returns
// the newest events; with it, the events following that stream id.
// GET /api/events?after=<id>&limit=100
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(q.Get("limit"), 100, 1000)
	if limit == 0 {
		limit = 100
	}

	var (
		msgs []domain.StreamMessage
		err  error
	)
	if after := q.Get("after"); after != "" {
		msgs, err = h.bus.StreamRead(r.Context(), domain.EventStream, after, limit)
	} else {
		msgs, err = h.bus.StreamRecent(r.Context(), domain.EventStream, limit)
	}
	if err != nil {
		writeDomainError(w, r, h.logger, "list events", err)
		return
	}

	events := make([]streamEvent, 0, len(msgs))
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			h.logger.WarnContext(r.Context(), "handler: skipping malformed event", slog.String("id", m.ID))
			continue
		}
		events = append(events, streamEvent{ID: m.ID, Event: m.Payload})
	}

	resp := map[string]any{"events": events}
	if n := len(events); n > 0 {
		resp["last_id"] = events[n-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}
