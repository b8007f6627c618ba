package domain

import (
	"time"

	"github.com/holiman/uint256"
)

// BpsDenominator is the scale of every basis-point quantity (fees, volatility).
const BpsDenominator = 10_000

// Bet is a single wager on the outcome of a round.
type Bet struct {
	RoundID             uint64
	Bettor              string // checksummed 0x address
	PredictMoreVolatile bool
	Wager               uint256.Int
	Timestamp           time.Time
}

// SideLabel returns the display label of a prediction.
func SideLabel(predictMoreVolatile bool) string {
	if predictMoreVolatile {
		return "HIGH"
	}
	return "LOW"
}

// Round is one betting-to-settlement cycle over a fixed window.
type Round struct {
	ID               uint64
	StartTime        time.Time
	EndTime          time.Time
	StartPrice       int64
	FinalPrice       int64 // zero until Settled
	BettingOpen      bool
	Settled          bool
	TotalPot         uint256.Int
	MoreVolatileBets uint64
	LessVolatileBets uint64
	Bets             []Bet

	// Threshold is the previous round's volatility this round is judged
	// against, fixed when the round is closed.
	Threshold       uint64
	VolatilityBps   uint64
	MoreVolatileWon bool
	SettledAt       time.Time
	// ProtocolTake is what the protocol kept at settlement: the fee plus
	// rounding dust, or the whole pot when nobody won.
	ProtocolTake uint256.Int
}

// Clone returns a deep copy; the bets slice is never shared.
func (r Round) Clone() Round {
	out := r
	if r.Bets != nil {
		out.Bets = make([]Bet, len(r.Bets))
		copy(out.Bets, r.Bets)
	}
	return out
}

// Due reports whether the betting window has elapsed at now.
func (r Round) Due(now time.Time) bool {
	return !now.Before(r.EndTime)
}

// RoundInfo is the read model of the current round.
type RoundInfo struct {
	RoundID          uint64
	StartTime        time.Time
	EndTime          time.Time
	StartPrice       int64
	TotalPot         uint256.Int
	MoreVolatileBets uint64
	LessVolatileBets uint64
	BettingOpen      bool
	Paused           bool
	EntryFee         uint256.Int
	// PreviousVolatility is the threshold the current round will be judged
	// against.
	PreviousVolatility uint64
	// CurrentPrice and LiveVolatilityBps are filled from the last cached
	// reading when one is available.
	CurrentPrice      int64
	LiveVolatilityBps uint64
}

// RoundDetails is the outcome view of any round.
type RoundDetails struct {
	RoundID         uint64
	StartPrice      int64
	FinalPrice      int64
	VolatilityBps   uint64
	MoreVolatileWon bool
	TotalPot        uint256.Int
	Settled         bool
}

// Details projects a round onto its outcome view.
func (r Round) Details() RoundDetails {
	return RoundDetails{
		RoundID:         r.ID,
		StartPrice:      r.StartPrice,
		FinalPrice:      r.FinalPrice,
		VolatilityBps:   r.VolatilityBps,
		MoreVolatileWon: r.MoreVolatileWon,
		TotalPot:        r.TotalPot,
		Settled:         r.Settled,
	}
}
