package domain

import (
	"context"
	"time"

	"github.com/holiman/uint256"
)

// PayoutStatus tracks a single winner transfer.
type PayoutStatus string

const (
	PayoutStatusPending PayoutStatus = "pending"
	PayoutStatusPaid    PayoutStatus = "paid"
	PayoutStatusFailed  PayoutStatus = "failed"
)

// Payout is the amount owed to one winner of a settled round.
type Payout struct {
	RoundID   uint64
	Winner    string
	Stake     uint256.Int // the winner's total wager on the winning side
	Amount    uint256.Int
	Status    PayoutStatus
	TxRef     string
	Error     string
	UpdatedAt time.Time
}

// Transferer moves funds from the protocol to a recipient. Implementations
// must honour ctx cancellation so a hung transport never blocks settlement.
// A non-empty txRef returned together with an error names a transfer that
// may still land.
type Transferer interface {
	Transfer(ctx context.Context, to string, amount uint256.Int) (txRef string, err error)
}

// TransferState is what the chain knows about a transfer sent earlier.
type TransferState int

const (
	// TransferUnknown means the network has no record of the transfer; it
	// is safe to send again.
	TransferUnknown TransferState = iota
	// TransferPending means the transfer waits in the mempool.
	TransferPending
	// TransferConfirmed means the transfer was mined and succeeded.
	TransferConfirmed
	// TransferReverted means the transfer was mined and failed.
	TransferReverted
)

func (s TransferState) String() string {
	switch s {
	case TransferPending:
		return "pending"
	case TransferConfirmed:
		return "confirmed"
	case TransferReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// TransferChecker looks up a transfer by the reference Transfer returned.
// Transferers whose sends can land after an error implement it, and
// failed payouts carrying a reference are checked before being re-sent.
type TransferChecker interface {
	TransferState(ctx context.Context, txRef string) (TransferState, error)
}
