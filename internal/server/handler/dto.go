package handler

import (
	"time"

	"github.com/alanyoungcy/volbet/internal/domain"
	"github.com/alanyoungcy/volbet/internal/settlement"
)

// Wire representations. Wei amounts are decimal strings and prices keep
// their fixed-point integer form.

type roundInfoDTO struct {
	RoundID            uint64    `json:"round_id"`
	StartTime          time.Time `json:"start_time"`
	EndTime            time.Time `json:"end_time"`
	StartPrice         int64     `json:"start_price"`
	TotalPot           string    `json:"total_pot"`
	MoreVolatileBets   uint64    `json:"more_volatile_bets"`
	LessVolatileBets   uint64    `json:"less_volatile_bets"`
	BettingOpen        bool      `json:"betting_open"`
	Paused             bool      `json:"paused"`
	EntryFee           string    `json:"entry_fee"`
	PreviousVolatility uint64    `json:"previous_volatility_bps"`
	CurrentPrice       int64     `json:"current_price,omitempty"`
	LiveVolatilityBps  uint64    `json:"live_volatility_bps"`
	SecondsRemaining   int64     `json:"seconds_remaining"`
}

func newRoundInfoDTO(info domain.RoundInfo, now time.Time) roundInfoDTO {
	remaining := int64(info.EndTime.Sub(now).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	return roundInfoDTO{
		RoundID:            info.RoundID,
		StartTime:          info.StartTime,
		EndTime:            info.EndTime,
		StartPrice:         info.StartPrice,
		TotalPot:           info.TotalPot.Dec(),
		MoreVolatileBets:   info.MoreVolatileBets,
		LessVolatileBets:   info.LessVolatileBets,
		BettingOpen:        info.BettingOpen,
		Paused:             info.Paused,
		EntryFee:           info.EntryFee.Dec(),
		PreviousVolatility: info.PreviousVolatility,
		CurrentPrice:       info.CurrentPrice,
		LiveVolatilityBps:  info.LiveVolatilityBps,
		SecondsRemaining:   remaining,
	}
}

type roundDTO struct {
	RoundID          uint64     `json:"round_id"`
	StartTime        time.Time  `json:"start_time"`
	EndTime          time.Time  `json:"end_time"`
	StartPrice       int64      `json:"start_price"`
	FinalPrice       int64      `json:"final_price"`
	TotalPot         string     `json:"total_pot"`
	MoreVolatileBets uint64     `json:"more_volatile_bets"`
	LessVolatileBets uint64     `json:"less_volatile_bets"`
	ThresholdBps     uint64     `json:"threshold_bps"`
	VolatilityBps    uint64     `json:"volatility_bps"`
	MoreVolatileWon  bool       `json:"more_volatile_won"`
	Settled          bool       `json:"settled"`
	SettledAt        *time.Time `json:"settled_at,omitempty"`
	ProtocolTake     string     `json:"protocol_take"`
}

func newRoundDTO(r domain.Round) roundDTO {
	d := roundDTO{
		RoundID:          r.ID,
		StartTime:        r.StartTime,
		EndTime:          r.EndTime,
		StartPrice:       r.StartPrice,
		FinalPrice:       r.FinalPrice,
		TotalPot:         r.TotalPot.Dec(),
		MoreVolatileBets: r.MoreVolatileBets,
		LessVolatileBets: r.LessVolatileBets,
		ThresholdBps:     r.Threshold,
		VolatilityBps:    r.VolatilityBps,
		MoreVolatileWon:  r.MoreVolatileWon,
		Settled:          r.Settled,
		ProtocolTake:     r.ProtocolTake.Dec(),
	}
	if r.Settled {
		at := r.SettledAt
		d.SettledAt = &at
	}
	return d
}

type detailsDTO struct {
	RoundID         uint64      `json:"round_id"`
	StartPrice      int64       `json:"start_price"`
	FinalPrice      int64       `json:"final_price"`
	VolatilityBps   uint64      `json:"volatility_bps"`
	MoreVolatileWon bool        `json:"more_volatile_won"`
	TotalPot        string      `json:"total_pot"`
	Settled         bool        `json:"settled"`
	Payouts         []payoutDTO `json:"payouts"`
}

type betDTO struct {
	RoundID             uint64    `json:"round_id"`
	Bettor              string    `json:"bettor"`
	PredictMoreVolatile bool      `json:"predict_more_volatile"`
	Side                string    `json:"side"`
	Wager               string    `json:"wager"`
	Timestamp           time.Time `json:"timestamp"`
}

func newBetDTO(b domain.Bet) betDTO {
	return betDTO{
		RoundID:             b.RoundID,
		Bettor:              b.Bettor,
		PredictMoreVolatile: b.PredictMoreVolatile,
		Side:                domain.SideLabel(b.PredictMoreVolatile),
		Wager:               b.Wager.Dec(),
		Timestamp:           b.Timestamp,
	}
}

type payoutDTO struct {
	RoundID   uint64    `json:"round_id"`
	Winner    string    `json:"winner"`
	Stake     string    `json:"stake"`
	Amount    string    `json:"amount"`
	Status    string    `json:"status"`
	TxRef     string    `json:"tx_ref,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newPayoutDTOs(ps []domain.Payout) []payoutDTO {
	out := make([]payoutDTO, len(ps))
	for i, p := range ps {
		out[i] = payoutDTO{
			RoundID:   p.RoundID,
			Winner:    p.Winner,
			Stake:     p.Stake.Dec(),
			Amount:    p.Amount.Dec(),
			Status:    string(p.Status),
			TxRef:     p.TxRef,
			Error:     p.Error,
			UpdatedAt: p.UpdatedAt,
		}
	}
	return out
}

type priceDTO struct {
	Price     int64     `json:"price"`
	Decimals  uint8     `json:"decimals"`
	UpdatedAt time.Time `json:"updated_at"`
	FeedRound string    `json:"feed_round,omitempty"`
}

type outcomeDTO struct {
	Outcome         string      `json:"outcome"`
	RoundID         uint64      `json:"round_id"`
	SettledRoundID  *uint64     `json:"settled_round_id,omitempty"`
	VolatilityBps   uint64      `json:"volatility_bps"`
	MoreVolatileWon bool        `json:"more_volatile_won"`
	Summary         *summaryDTO `json:"summary,omitempty"`
}

type summaryDTO struct {
	StartPrice   int64       `json:"start_price"`
	FinalPrice   int64       `json:"final_price"`
	ThresholdBps uint64      `json:"threshold_bps"`
	TotalPot     string      `json:"total_pot"`
	ProtocolTake string      `json:"protocol_take"`
	NoWinners    bool        `json:"no_winners"`
	Paid         []payoutDTO `json:"paid"`
	Failed       []payoutDTO `json:"failed"`
	NextRoundID  uint64      `json:"next_round_id"`
	Warnings     []string    `json:"warnings,omitempty"`
}

func newOutcomeDTO(o settlement.Outcome) outcomeDTO {
	d := outcomeDTO{
		Outcome:         o.Kind.String(),
		RoundID:         o.RoundID,
		VolatilityBps:   o.VolatilityBps,
		MoreVolatileWon: o.MoreVolatileWon,
	}
	if o.HasResult {
		id := o.SettledRoundID
		d.SettledRoundID = &id
	}
	if s := o.Summary; s != nil {
		d.Summary = &summaryDTO{
			StartPrice:   s.StartPrice,
			FinalPrice:   s.FinalPrice,
			ThresholdBps: s.Threshold,
			TotalPot:     s.TotalPot.Dec(),
			ProtocolTake: s.ProtocolTake.Dec(),
			NoWinners:    s.NoWinners,
			Paid:         newPayoutDTOs(s.Paid),
			Failed:       newPayoutDTOs(s.Failed),
			NextRoundID:  s.NextRoundID,
			Warnings:     s.Warnings,
		}
	}
	return d
}
