package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/volbet/internal/domain"
)

// Settlement is the computed split of one settled round's pot. The parts
// always add up: Σ Payouts.Amount + Retained == TotalPot.
type Settlement struct {
	RoundID       uint64
	TotalPot      uint256.Int
	WinnerStake   uint256.Int
	ProtocolFee   uint256.Int
	Distributable uint256.Int
	// Remainder is the integer-division dust left after the pro-rata split.
	Remainder uint256.Int
	// Retained is everything the protocol keeps: fee plus remainder, or the
	// whole pot when nobody backed the winning side.
	Retained  uint256.Int
	NoWinners bool
	Payouts   []domain.Payout
}

// ComputePayouts splits the pot of a settled round. Winners are the bettors
// whose prediction matches round.MoreVolatileWon; several bets by the same
// bettor are summed into one payout, ordered by first bet. Each winner gets
// distributable * stake / winnerStake, rounded down.
//
// With no winning bets the entire pot is retained by the protocol and no
// payout is produced; nothing is refunded.
func (l *Ledger) ComputePayouts(round domain.Round) (Settlement, error) {
	if !round.Settled {
		return Settlement{}, fmt.Errorf("ledger: compute payouts for open round %d: %w", round.ID, domain.ErrInvalidTransition)
	}

	var sum uint256.Int
	for _, bet := range round.Bets {
		sum.Add(&sum, &bet.Wager)
	}
	if !sum.Eq(&round.TotalPot) {
		return Settlement{}, fmt.Errorf("ledger: round %d bets sum %s, pot %s: %w",
			round.ID, sum.Dec(), round.TotalPot.Dec(), domain.ErrInvalidTransition)
	}

	s := Settlement{RoundID: round.ID, TotalPot: round.TotalPot}

	var order []string
	stakes := make(map[string]uint256.Int)
	for _, bet := range round.Bets {
		if bet.PredictMoreVolatile != round.MoreVolatileWon {
			continue
		}
		stake, seen := stakes[bet.Bettor]
		if !seen {
			order = append(order, bet.Bettor)
		}
		stake.Add(&stake, &bet.Wager)
		stakes[bet.Bettor] = stake
		s.WinnerStake.Add(&s.WinnerStake, &bet.Wager)
	}

	if s.WinnerStake.IsZero() {
		s.NoWinners = true
		s.Retained = s.TotalPot
		return s, nil
	}

	fee, _ := new(uint256.Int).MulDivOverflow(&s.TotalPot, uint256.NewInt(l.cfg.FeeBps), uint256.NewInt(domain.BpsDenominator))
	s.ProtocolFee = *fee
	s.Distributable.Sub(&s.TotalPot, fee)

	var paid uint256.Int
	s.Payouts = make([]domain.Payout, 0, len(order))
	for _, winner := range order {
		stake := stakes[winner]
		// stake <= WinnerStake, so the quotient never exceeds Distributable.
		amount, _ := new(uint256.Int).MulDivOverflow(&s.Distributable, &stake, &s.WinnerStake)
		paid.Add(&paid, amount)
		s.Payouts = append(s.Payouts, domain.Payout{
			RoundID: round.ID,
			Winner:  winner,
			Stake:   stake,
			Amount:  *amount,
			Status:  domain.PayoutStatusPending,
		})
	}
	s.Remainder.Sub(&s.Distributable, &paid)
	s.Retained.Add(&s.ProtocolFee, &s.Remainder)
	return s, nil
}

// ApplyPayouts credits the retained share to the protocol and transfers each
// payout. Every transfer is bounded by the configured timeout. A failed
// transfer is marked failed with its error and does not stop the others;
// the batch is never re-attempted as a whole. A settlement can be applied
// only once.
func (l *Ledger) ApplyPayouts(ctx context.Context, s Settlement) ([]domain.Payout, error) {
	l.mu.Lock()
	if l.applied[s.RoundID] {
		l.mu.Unlock()
		return nil, fmt.Errorf("ledger: apply round %d: %w", s.RoundID, domain.ErrAlreadySettled)
	}
	l.applied[s.RoundID] = true
	l.protocol.Add(&l.protocol, &s.Retained)
	l.mu.Unlock()

	out := make([]domain.Payout, len(s.Payouts))
	for i, p := range s.Payouts {
		out[i] = l.pay(ctx, p)
	}
	return out, nil
}

// RetryFailed re-attempts only the payouts marked failed and returns all of
// the given payouts with their updated status. A failed payout that carries
// a transfer reference is looked up first when the transferer can check
// transfers: a mined transfer marks it paid, a pending one leaves it failed
// for a later retry, and only a transfer the network never saw, or one that
// reverted, is sent again.
func (l *Ledger) RetryFailed(ctx context.Context, payouts []domain.Payout) []domain.Payout {
	out := make([]domain.Payout, len(payouts))
	for i, p := range payouts {
		if p.Status != domain.PayoutStatusFailed {
			out[i] = p
			continue
		}
		if resend, checked := l.reconcile(ctx, p); !resend {
			out[i] = checked
			continue
		}
		out[i] = l.pay(ctx, p)
	}
	return out
}

// reconcile checks the earlier transfer of a failed payout. It reports
// whether a new transfer may be sent, and otherwise returns the payout with
// its settled status.
func (l *Ledger) reconcile(ctx context.Context, p domain.Payout) (bool, domain.Payout) {
	checker, ok := l.transfer.(domain.TransferChecker)
	if !ok || p.TxRef == "" {
		return true, p
	}

	tctx, cancel := context.WithTimeout(ctx, l.cfg.TransferTimeout)
	defer cancel()
	state, err := checker.TransferState(tctx, p.TxRef)
	if err != nil {
		p.UpdatedAt = time.Now().UTC()
		p.Error = fmt.Sprintf("%v: check %s: %v", domain.ErrTransferFailed, p.TxRef, err)
		l.logger.WarnContext(ctx, "payout transfer check failed",
			slog.Uint64("round_id", p.RoundID),
			slog.String("winner", p.Winner),
			slog.String("tx", p.TxRef),
			slog.String("error", err.Error()),
		)
		return false, p
	}

	switch state {
	case domain.TransferConfirmed:
		p.UpdatedAt = time.Now().UTC()
		p.Status = domain.PayoutStatusPaid
		p.Error = ""
		l.logger.InfoContext(ctx, "failed payout found mined",
			slog.Uint64("round_id", p.RoundID),
			slog.String("winner", p.Winner),
			slog.String("tx", p.TxRef),
		)
		return false, p
	case domain.TransferPending:
		p.UpdatedAt = time.Now().UTC()
		p.Error = fmt.Sprintf("%v: %s still pending", domain.ErrTransferFailed, p.TxRef)
		return false, p
	default:
		return true, p
	}
}

// pay performs one transfer and records the result on the payout.
func (l *Ledger) pay(ctx context.Context, p domain.Payout) domain.Payout {
	p.UpdatedAt = time.Now().UTC()
	if p.Amount.IsZero() {
		// Dust-sized stakes can round to nothing; there is nothing to send.
		p.Status = domain.PayoutStatusPaid
		return p
	}

	tctx, cancel := context.WithTimeout(ctx, l.cfg.TransferTimeout)
	defer cancel()

	ref, err := l.transfer.Transfer(tctx, p.Winner, p.Amount)
	if err != nil {
		err = fmt.Errorf("%w: %v", domain.ErrTransferFailed, err)
		p.Status = domain.PayoutStatusFailed
		p.Error = err.Error()
		// Kept so a retry can find a transfer that landed despite the error.
		p.TxRef = ref
		l.logger.WarnContext(ctx, "payout transfer failed",
			slog.Uint64("round_id", p.RoundID),
			slog.String("winner", p.Winner),
			slog.String("amount", p.Amount.Dec()),
			slog.String("tx", ref),
			slog.String("error", err.Error()),
		)
		return p
	}
	p.Status = domain.PayoutStatusPaid
	p.TxRef = ref
	p.Error = ""
	return p
}
