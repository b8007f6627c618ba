package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/volbet/internal/settlement"
)

// Settler advances the round lifecycle.
type Settler interface {
	TrySettle(ctx context.Context, now time.Time) (settlement.Outcome, error)
}

// SettleHandler lets an operator or external scheduler trigger settlement.
type SettleHandler struct {
	settler Settler
	logger  *slog.Logger
	now     func() time.Time
}

func NewSettleHandler(settler Settler, logger *slog.Logger) *SettleHandler {
	return &SettleHandler{settler: settler, logger: logger.With(slog.String("handler", "settle")), now: time.Now}
}

// Settle runs one TrySettle. NotDue and AlreadySettled are 200 responses.
// POST /api/settle
func (h *SettleHandler) Settle(w http.ResponseWriter, r *http.Request) {
	out, err := h.settler.TrySettle(r.Context(), h.now())
	if err != nil {
		writeDomainError(w, r, h.logger, "settle", err)
		return
	}
	h.logger.InfoContext(r.Context(), "settle triggered",
		slog.String("outcome", out.Kind.String()),
		slog.Uint64("round_id", out.RoundID),
		slog.String("actor", actor(r)),
	)
	writeJSON(w, http.StatusOK, newOutcomeDTO(out))
}
