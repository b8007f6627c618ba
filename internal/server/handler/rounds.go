package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/volbet/internal/domain"
)

// RoundService is what the round endpoints need from the engine.
type RoundService interface {
	CurrentRoundInfo(ctx context.Context, now time.Time) (domain.RoundInfo, error)
	ListRounds(ctx context.Context, opts domain.ListOpts) ([]domain.Round, error)
	RoundDetails(ctx context.Context, id uint64) (domain.RoundDetails, error)
	RoundBets(ctx context.Context, id uint64) ([]domain.Bet, error)
	RoundPayouts(ctx context.Context, id uint64) ([]domain.Payout, error)
}

// RoundHandler serves the round read endpoints.
type RoundHandler struct {
	rounds RoundService
	logger *slog.Logger
	now    func() time.Time
}

func NewRoundHandler(rounds RoundService, logger *slog.Logger) *RoundHandler {
	return &RoundHandler{rounds: rounds, logger: logger.With(slog.String("handler", "rounds")), now: time.Now}
}

// Current returns the live round.
// GET /api/rounds/current
func (h *RoundHandler) Current(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	info, err := h.rounds.CurrentRoundInfo(r.Context(), now)
	if err != nil {
		writeDomainError(w, r, h.logger, "current round", err)
		return
	}
	writeJSON(w, http.StatusOK, newRoundInfoDTO(info, now))
}

// List returns round history newest first.
// GET /api/rounds?limit=50&offset=0&since=...&until=...
func (h *RoundHandler) List(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	rounds, err := h.rounds.ListRounds(r.Context(), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, "list rounds", err)
		return
	}
	out := make([]roundDTO, len(rounds))
	for i, rd := range rounds {
		out[i] = newRoundDTO(rd)
	}
	writeJSON(w, http.StatusOK, map[string]any{"rounds": out})
}

// Get returns the outcome of one round with its payouts.
// GET /api/rounds/{id}
func (h *RoundHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	d, err := h.rounds.RoundDetails(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "round details", err)
		return
	}
	payouts, err := h.rounds.RoundPayouts(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "round payouts", err)
		return
	}
	writeJSON(w, http.StatusOK, detailsDTO{
		RoundID:         d.RoundID,
		StartPrice:      d.StartPrice,
		FinalPrice:      d.FinalPrice,
		VolatilityBps:   d.VolatilityBps,
		MoreVolatileWon: d.MoreVolatileWon,
		TotalPot:        d.TotalPot.Dec(),
		Settled:         d.Settled,
		Payouts:         newPayoutDTOs(payouts),
	})
}

// Bets returns the bets of one round in arrival order.
// GET /api/rounds/{id}/bets
func (h *RoundHandler) Bets(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	bets, err := h.rounds.RoundBets(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "round bets", err)
		return
	}
	out := make([]betDTO, len(bets))
	for i, b := range bets {
		out[i] = newBetDTO(b)
	}
	writeJSON(w, http.StatusOK, map[string]any{"round_id": id, "bets": out})
}
