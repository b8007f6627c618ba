package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/volbet/internal/eventlog"
)

const (
	defaultEventPage = 100
	maxEventPage     = 1000
)

// EventReplayer serves past round events by cursor.
type EventReplayer interface {
	Replay(ctx context.Context, after string, limit int) (eventlog.Page, error)
}

// EventsHandler lets clients catch up on events missed while disconnected
// from /ws.
type EventsHandler struct {
	replay EventReplayer
	logger *slog.Logger
}

func NewEventsHandler(replay EventReplayer, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{replay: replay, logger: logger.With(slog.String("handler", "events"))}
}

// List returns events after the cursor, oldest first.
// GET /api/events?after=<cursor>&limit=100
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventPage
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "BadRequest", "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventPage)
	}

	page, err := h.replay.Replay(r.Context(), r.URL.Query().Get("after"), limit)
	if errors.Is(err, eventlog.ErrBadCursor) {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	if err != nil {
		writeDomainError(w, r, h.logger, "replay events", err)
		return
	}
	events := page.Events
	if events == nil {
		events = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "cursor": page.Cursor})
}
