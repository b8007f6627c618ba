package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/volbet/internal/domain"
)

// PriceService serves the latest oracle reading.
type PriceService interface {
	CurrentPrice(ctx context.Context) (domain.PriceReading, error)
}

type PriceHandler struct {
	prices PriceService
	logger *slog.Logger
}

func NewPriceHandler(prices PriceService, logger *slog.Logger) *PriceHandler {
	return &PriceHandler{prices: prices, logger: logger.With(slog.String("handler", "price"))}
}

// Get returns the latest price.
// GET /api/price
func (h *PriceHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.prices.CurrentPrice(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "current price", err)
		return
	}
	writeJSON(w, http.StatusOK, priceDTO{
		Price:     p.Price,
		Decimals:  p.Decimals,
		UpdatedAt: p.UpdatedAt,
		FeedRound: p.FeedRound,
	})
}
