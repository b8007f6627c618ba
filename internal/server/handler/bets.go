package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/volbet/internal/crypto"
	"github.com/alanyoungcy/volbet/internal/domain"
)

// BetService places wagers.
type BetService interface {
	CurrentRoundID() (uint64, error)
	PlaceBet(ctx context.Context, bettor string, predictMoreVolatile bool, wager uint256.Int, now time.Time) (domain.Bet, error)
	PlaceBetIn(ctx context.Context, roundID uint64, bettor string, predictMoreVolatile bool, wager uint256.Int, now time.Time) (domain.Bet, error)
}

// BetHandler serves POST /api/bets.
type BetHandler struct {
	bets             BetService
	requireSignature bool
	logger           *slog.Logger
	now              func() time.Time
}

// NewBetHandler creates a BetHandler. With requireSignature every bet must
// carry the bettor's EIP-191 signature over the bet message.
func NewBetHandler(bets BetService, requireSignature bool, logger *slog.Logger) *BetHandler {
	return &BetHandler{
		bets:             bets,
		requireSignature: requireSignature,
		logger:           logger.With(slog.String("handler", "bets")),
		now:              time.Now,
	}
}

type placeBetRequest struct {
	Bettor              string  `json:"bettor"`
	PredictMoreVolatile *bool   `json:"predict_more_volatile"`
	Wager               string  `json:"wager"`
	RoundID             *uint64 `json:"round_id,omitempty"`
	Signature           string  `json:"signature,omitempty"`
}

// Place records a wager on the current round. When round_id is given the
// bet only lands in that round; a signature is always checked against the
// round it lands in.
// POST /api/bets
func (h *BetHandler) Place(w http.ResponseWriter, r *http.Request) {
	var req placeBetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	if !common.IsHexAddress(req.Bettor) {
		writeError(w, http.StatusBadRequest, "BadRequest", "bettor must be a 0x address")
		return
	}
	if req.PredictMoreVolatile == nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "predict_more_volatile is required")
		return
	}
	wager, err := uint256.FromDecimal(strings.TrimSpace(req.Wager))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "wager must be a decimal wei amount")
		return
	}
	bettor := common.HexToAddress(req.Bettor).Hex()
	more := *req.PredictMoreVolatile

	signed := req.Signature != ""
	if h.requireSignature && !signed {
		writeError(w, http.StatusForbidden, domain.Code(domain.ErrInvalidSignature), "signature is required")
		return
	}

	var bet domain.Bet
	switch {
	case signed:
		var roundID uint64
		if roundID, err = h.targetRound(req); err == nil {
			err = crypto.VerifyBet(bettor, roundID, more, req.Signature)
		}
		if err == nil {
			bet, err = h.bets.PlaceBetIn(r.Context(), roundID, bettor, more, *wager, h.now())
		}
	case req.RoundID != nil:
		bet, err = h.bets.PlaceBetIn(r.Context(), *req.RoundID, bettor, more, *wager, h.now())
	default:
		bet, err = h.bets.PlaceBet(r.Context(), bettor, more, *wager, h.now())
	}
	if err != nil {
		writeDomainError(w, r, h.logger, "place bet", err)
		return
	}

	h.logger.InfoContext(r.Context(), "bet placed",
		slog.Uint64("round_id", bet.RoundID),
		slog.String("bettor", bet.Bettor),
		slog.String("side", domain.SideLabel(bet.PredictMoreVolatile)),
	)
	writeJSON(w, http.StatusCreated, newBetDTO(bet))
}

func (h *BetHandler) targetRound(req placeBetRequest) (uint64, error) {
	if req.RoundID != nil {
		return *req.RoundID, nil
	}
	return h.bets.CurrentRoundID()
}
