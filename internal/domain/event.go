package domain

import "time"

// EventKind names an outbound round event.
type EventKind string

const (
	EventBetPlaced        EventKind = "bet_placed"
	EventRoundStarted     EventKind = "round_started"
	EventRoundSettled     EventKind = "round_settled"
	EventPrizeDistributed EventKind = "prize_distributed"
	EventPayoutFailed     EventKind = "payout_failed"
)

// Event is an entry of the append-only round event log. Amounts are decimal
// wei strings so the record can be relayed as-is.
type Event struct {
	Seq     uint64    `json:"seq"`
	ID      string    `json:"id"`
	Kind    EventKind `json:"kind"`
	RoundID uint64    `json:"round_id"`
	At      time.Time `json:"at"`

	// BetPlaced
	Bettor              string `json:"bettor,omitempty"`
	PredictMoreVolatile bool   `json:"predict_more_volatile,omitempty"`

	// RoundStarted
	StartTime  *time.Time `json:"start_time,omitempty"`
	StartPrice int64      `json:"start_price,omitempty"`

	// RoundSettled
	VolatilityBps   uint64 `json:"volatility_bps,omitempty"`
	MoreVolatileWon bool   `json:"more_volatile_won,omitempty"`
	TotalPot        string `json:"total_pot,omitempty"`

	// PrizeDistributed / PayoutFailed
	Winner string `json:"winner,omitempty"`
	Amount string `json:"amount,omitempty"`
	Error  string `json:"error,omitempty"`
}

// EventPublisher accepts events from the core. Publishing never blocks on
// subscribers.
type EventPublisher interface {
	Append(evt Event) Event
}
