package settlement

import (
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/volbet/internal/domain"
)

// OutcomeKind classifies the result of one TrySettle call.
type OutcomeKind int

const (
	// OutcomeOpened means there was no live round and one was opened.
	OutcomeOpened OutcomeKind = iota + 1
	// OutcomeNotDue means the current round's window has not elapsed.
	OutcomeNotDue
	// OutcomeAlreadySettled means another caller settled the round first.
	OutcomeAlreadySettled
	// OutcomeSettled means this call settled the round.
	OutcomeSettled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOpened:
		return "opened"
	case OutcomeNotDue:
		return "not_due"
	case OutcomeAlreadySettled:
		return "already_settled"
	case OutcomeSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// Outcome is the result of TrySettle. VolatilityBps and MoreVolatileWon
// describe the newest settled round, SettledRoundID, so a NotDue answer to a
// repeated call still reports the result the first call produced. HasResult
// is false until any round has settled. Summary is only set for Settled.
type Outcome struct {
	Kind            OutcomeKind
	RoundID         uint64
	SettledRoundID  uint64
	HasResult       bool
	VolatilityBps   uint64
	MoreVolatileWon bool
	Summary         *Summary
}

func resultOutcome(kind OutcomeKind, roundID uint64, settled domain.Round) Outcome {
	return Outcome{
		Kind:            kind,
		RoundID:         roundID,
		SettledRoundID:  settled.ID,
		HasResult:       true,
		VolatilityBps:   settled.VolatilityBps,
		MoreVolatileWon: settled.MoreVolatileWon,
	}
}

// Summary reports what settling a round did.
type Summary struct {
	RoundID         uint64
	StartPrice      int64
	FinalPrice      int64
	VolatilityBps   uint64
	Threshold       uint64
	MoreVolatileWon bool
	TotalPot        uint256.Int
	ProtocolTake    uint256.Int
	NoWinners       bool
	Paid            []domain.Payout
	Failed          []domain.Payout
	NextRoundID     uint64
	// Warnings lists non-fatal problems hit after the round was closed
	// (persistence, opening the next round).
	Warnings []string
}
