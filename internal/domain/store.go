package domain

import (
	"context"
	"time"

	"github.com/holiman/uint256"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// RoundStore persists the round history. Rounds are upserted by ID; bets of
// a round are written with it and never rewritten once the round is settled.
type RoundStore interface {
	SaveRound(ctx context.Context, round Round) error
	GetRound(ctx context.Context, id uint64) (Round, error)
	// LatestRound returns the round with the highest ID, or ErrNotFound.
	LatestRound(ctx context.Context) (Round, error)
	// ListRounds returns rounds newest first, without their bets. Since and
	// Until filter on the start time.
	ListRounds(ctx context.Context, opts ListOpts) ([]Round, error)
	// ListSettledBefore returns settled rounds, with bets, whose settlement
	// time is strictly before the cutoff, oldest first.
	ListSettledBefore(ctx context.Context, before time.Time) ([]Round, error)
	// ProtocolTakeTotal sums the protocol take of every settled round.
	ProtocolTakeTotal(ctx context.Context) (uint256.Int, error)
}

// PayoutStore persists winner payouts and their transfer status.
type PayoutStore interface {
	SavePayouts(ctx context.Context, payouts []Payout) error
	ListPayouts(ctx context.Context, roundID uint64) ([]Payout, error)
	ListFailedPayouts(ctx context.Context) ([]Payout, error)
}

// Audit events recorded for administrative actions.
const (
	AuditEntryFeeUpdated = "entry_fee_updated"
	AuditBettingPaused   = "betting_paused"
	AuditPayoutsRetried  = "payouts_retried"
	AuditRoundsArchived  = "rounds_archived"
)

// AuditEntry records who did what to the game and when.
type AuditEntry struct {
	ID        int64
	Event     string
	Actor     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditFilter selects audit entries. An empty Event or Actor matches all.
type AuditFilter struct {
	Event string
	Actor string
	ListOpts
}

// Matches reports whether e passes the event and actor filters.
func (f AuditFilter) Matches(e AuditEntry) bool {
	return (f.Event == "" || e.Event == f.Event) && (f.Actor == "" || e.Actor == f.Actor)
}

// AuditStore persists an append-only audit log. List returns entries
// newest first.
type AuditStore interface {
	Log(ctx context.Context, entry AuditEntry) error
	List(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}
