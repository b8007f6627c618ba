// Package settlement drives rounds from betting to payout: it decides when a
// round is due, reads the final price, closes the round, pays winners and
// opens the next round with the same reading.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/volbet/internal/domain"
	"github.com/alanyoungcy/volbet/internal/ledger"
	"github.com/alanyoungcy/volbet/internal/oracle"
	"github.com/alanyoungcy/volbet/internal/round"
)

// LatestPricer serves the last known price without an on-chain read.
type LatestPricer interface {
	Latest(ctx context.Context) (domain.PriceReading, error)
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Alert event names.
const (
	AlertPayoutFailed  = "payout_failed"
	AlertStalePrice    = "stale_price"
	AlertDriverFailing = "driver_failing"
	AlertRoundSettled  = "round_settled"
)

// Config holds engine timing policy.
type Config struct {
	// MaxPriceAge rejects readings older than this; zero disables the check.
	MaxPriceAge   time.Duration
	OracleTimeout time.Duration
	StoreTimeout  time.Duration
	LockTTL       time.Duration
	// InitialThreshold is the volatility the first round is judged against.
	InitialThreshold uint64
}

// Deps are the collaborators of an Engine. Latest, Locks, Audit and Notifier
// are optional.
type Deps struct {
	Machine  *round.Machine
	Ledger   *ledger.Ledger
	Oracle   domain.PriceOracle
	Latest   LatestPricer
	Events   domain.EventPublisher
	Rounds   domain.RoundStore
	Payouts  domain.PayoutStore
	Audit    domain.AuditStore
	Locks    domain.LockManager
	Notifier Notifier
	Logger   *slog.Logger
}

// Engine coordinates settlement. TrySettle calls are serialized in process;
// with a LockManager they are also serialized across replicas.
type Engine struct {
	cfg Config
	d   Deps

	settleMu  sync.Mutex
	persistMu sync.Mutex

	stateMu   sync.RWMutex
	threshold uint64
	last      domain.Round // newest settled round
	haveLast  bool

	logger *slog.Logger
}

// NewEngine creates an Engine. Call Restore before serving traffic.
func NewEngine(cfg Config, d Deps) *Engine {
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = 10 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	return &Engine{
		cfg:       cfg,
		d:         d,
		threshold: cfg.InitialThreshold,
		logger:    d.Logger.With(slog.String("component", "settlement")),
	}
}

// Threshold returns the volatility the current round will be judged against.
func (e *Engine) Threshold() uint64 {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.threshold
}

// TrySettle advances the round lifecycle as of now. NotDue and
// AlreadySettled are outcomes, not errors. A stale or unreadable price
// returns domain.ErrStalePrice and leaves the round open.
//
// With a LockManager the round history in the store is shared by several
// replicas: each call first catches up with rounds the others opened or
// settled, and does so again once it holds the round's lock.
func (e *Engine) TrySettle(ctx context.Context, now time.Time) (Outcome, error) {
	e.settleMu.Lock()
	defer e.settleMu.Unlock()

	if e.shared() {
		if err := e.follow(ctx); err != nil {
			return Outcome{}, err
		}
	}

	cur, ok := e.d.Machine.Snapshot()
	if !ok || cur.Settled {
		return e.openNext(ctx, now)
	}
	if !cur.Due(now) {
		return e.pending(OutcomeNotDue, cur.ID), nil
	}

	unlock, err := e.acquire(ctx, settleLock(cur.ID), cur.ID)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	if e.shared() {
		if err := e.follow(ctx); err != nil {
			return Outcome{}, err
		}
		if stored, ok := e.storedSettled(ctx, cur.ID); ok {
			e.logger.WarnContext(ctx, "round already settled by another replica", slog.Uint64("round_id", cur.ID))
			if err := e.seat(ctx, stored); err != nil {
				e.logger.ErrorContext(ctx, "seat settled round failed", slog.Uint64("round_id", cur.ID), slog.String("error", err.Error()))
				e.remember(stored)
			}
			return resultOutcome(OutcomeAlreadySettled, cur.ID, stored), nil
		}
		latest, _ := e.d.Machine.Snapshot()
		if latest.ID != cur.ID || latest.Settled {
			return e.pending(OutcomeNotDue, latest.ID), nil
		}
		cur = latest
	}

	reading, err := e.readFresh(ctx, now)
	if err != nil {
		return Outcome{}, fmt.Errorf("settlement: round %d final price: %w", cur.ID, err)
	}

	settled, err := e.d.Machine.Close(reading.Price, e.Threshold(), now)
	if errors.Is(err, domain.ErrAlreadySettled) {
		return resultOutcome(OutcomeAlreadySettled, settled.ID, settled), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("settlement: close round %d: %w", cur.ID, err)
	}

	// From here on the round stays settled whatever happens.
	e.remember(settled)

	summary, err := e.distribute(ctx, settled, now)
	if err != nil {
		if perr := e.persist(ctx); perr != nil {
			e.logger.ErrorContext(ctx, "persist settled round failed", slog.Uint64("round_id", settled.ID), slog.String("error", perr.Error()))
		}
		return Outcome{}, err
	}

	next, err := e.d.Machine.Open(settled.ID+1, now, reading.Price)
	if err != nil {
		summary.Warnings = append(summary.Warnings, "open next round: "+err.Error())
		e.logger.ErrorContext(ctx, "open next round failed", slog.Uint64("round_id", settled.ID+1), slog.String("error", err.Error()))
	} else {
		summary.NextRoundID = next.ID
		if err := e.persist(ctx); err != nil {
			summary.Warnings = append(summary.Warnings, "persist next round: "+err.Error())
		}
	}

	e.notifySettled(ctx, summary)
	out := resultOutcome(OutcomeSettled, settled.ID, settled)
	out.Summary = summary
	return out, nil
}

// pending builds an outcome for a call that changed nothing, carrying the
// newest settled result.
func (e *Engine) pending(kind OutcomeKind, roundID uint64) Outcome {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	if !e.haveLast {
		return Outcome{Kind: kind, RoundID: roundID}
	}
	return resultOutcome(kind, roundID, e.last)
}

// remember records a settled round as the newest result and the threshold
// for the round after it.
func (e *Engine) remember(settled domain.Round) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.haveLast && settled.ID < e.last.ID {
		return
	}
	e.last = settled
	e.haveLast = true
	e.threshold = settled.VolatilityBps
}

// openNext opens the next round at now with a fresh reading. Across
// replicas only the lock holder opens; the others adopt its round.
func (e *Engine) openNext(ctx context.Context, now time.Time) (Outcome, error) {
	id := e.d.Machine.NextID()
	if e.shared() {
		unlock, err := e.acquire(ctx, openLock(id), id)
		if err != nil {
			return Outcome{}, err
		}
		defer unlock()
		if err := e.follow(ctx); err != nil {
			return Outcome{}, err
		}
		if cur, ok := e.d.Machine.Snapshot(); ok && !cur.Settled {
			return e.pending(OutcomeNotDue, cur.ID), nil
		}
		id = e.d.Machine.NextID()
	}

	reading, err := e.readFresh(ctx, now)
	if err != nil {
		return Outcome{}, fmt.Errorf("settlement: open round %d: %w", id, err)
	}
	r, err := e.d.Machine.Open(id, now, reading.Price)
	if err != nil {
		return Outcome{}, fmt.Errorf("settlement: open round %d: %w", id, err)
	}
	if err := e.persist(ctx); err != nil {
		e.logger.ErrorContext(ctx, "persist opened round failed", slog.Uint64("round_id", r.ID), slog.String("error", err.Error()))
	}
	e.logger.InfoContext(ctx, "round opened",
		slog.Uint64("round_id", r.ID),
		slog.Int64("start_price", r.StartPrice),
		slog.Time("end_time", r.EndTime),
	)
	return e.pending(OutcomeOpened, r.ID), nil
}

// distribute computes and applies payouts for a freshly settled round, then
// records the result.
func (e *Engine) distribute(ctx context.Context, settled domain.Round, now time.Time) (*Summary, error) {
	summary := &Summary{
		RoundID:         settled.ID,
		StartPrice:      settled.StartPrice,
		FinalPrice:      settled.FinalPrice,
		VolatilityBps:   settled.VolatilityBps,
		Threshold:       settled.Threshold,
		MoreVolatileWon: settled.MoreVolatileWon,
		TotalPot:        settled.TotalPot,
	}

	split, err := e.d.Ledger.ComputePayouts(settled)
	if err != nil {
		e.logger.ErrorContext(ctx, "compute payouts failed", slog.Uint64("round_id", settled.ID), slog.String("error", err.Error()))
		return nil, fmt.Errorf("settlement: round %d payouts: %w", settled.ID, err)
	}
	payouts, err := e.d.Ledger.ApplyPayouts(ctx, split)
	if err != nil {
		return nil, fmt.Errorf("settlement: round %d payouts: %w", settled.ID, err)
	}

	summary.ProtocolTake = split.Retained
	summary.NoWinners = split.NoWinners
	settled.ProtocolTake = split.Retained

	for _, p := range payouts {
		if p.Status == domain.PayoutStatusPaid {
			summary.Paid = append(summary.Paid, p)
		} else {
			summary.Failed = append(summary.Failed, p)
		}
	}
	e.emitPayouts(ctx, payouts, now)

	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	var persistErr error
	if err := e.d.Rounds.SaveRound(sctx, settled); err != nil {
		persistErr = err
	} else if err := e.d.Payouts.SavePayouts(sctx, payouts); err != nil {
		persistErr = err
	}
	if persistErr != nil {
		summary.Warnings = append(summary.Warnings, "persist settlement: "+persistErr.Error())
		e.logger.ErrorContext(ctx, "persist settlement failed", slog.Uint64("round_id", settled.ID), slog.String("error", persistErr.Error()))
	} else {
		e.d.Ledger.Forget(settled.ID)
	}

	e.logger.InfoContext(ctx, "round settled",
		slog.Uint64("round_id", settled.ID),
		slog.Uint64("volatility_bps", settled.VolatilityBps),
		slog.Uint64("threshold_bps", settled.Threshold),
		slog.Bool("more_volatile_won", settled.MoreVolatileWon),
		slog.String("total_pot", settled.TotalPot.Dec()),
		slog.String("protocol_take", split.Retained.Dec()),
		slog.Int("paid", len(summary.Paid)),
		slog.Int("failed", len(summary.Failed)),
	)
	return summary, nil
}

func (e *Engine) emitPayouts(ctx context.Context, payouts []domain.Payout, now time.Time) {
	for _, p := range payouts {
		if p.Status == domain.PayoutStatusPaid {
			e.d.Events.Append(domain.Event{
				Kind:    domain.EventPrizeDistributed,
				RoundID: p.RoundID,
				At:      now.UTC(),
				Winner:  p.Winner,
				Amount:  p.Amount.Dec(),
			})
			continue
		}
		e.d.Events.Append(domain.Event{
			Kind:    domain.EventPayoutFailed,
			RoundID: p.RoundID,
			At:      now.UTC(),
			Winner:  p.Winner,
			Amount:  p.Amount.Dec(),
			Error:   p.Error,
		})
		e.notify(ctx, AlertPayoutFailed, fmt.Sprintf("Payout failed: round %d", p.RoundID),
			fmt.Sprintf("winner %s amount %s wei: %s", p.Winner, p.Amount.Dec(), p.Error))
	}
}

// readFresh reads the oracle under the configured timeout and rejects stale
// or unreadable prices with domain.ErrStalePrice.
func (e *Engine) readFresh(ctx context.Context, now time.Time) (domain.PriceReading, error) {
	rctx, cancel := context.WithTimeout(ctx, e.cfg.OracleTimeout)
	defer cancel()

	reading, err := e.d.Oracle.Read(rctx)
	if err != nil {
		if !errors.Is(err, domain.ErrStalePrice) {
			err = fmt.Errorf("%w: %v", domain.ErrStalePrice, err)
		}
		return domain.PriceReading{}, err
	}
	if err := oracle.Check(reading, now, e.cfg.MaxPriceAge); err != nil {
		e.notify(ctx, AlertStalePrice, "Oracle price stale", err.Error())
		return domain.PriceReading{}, err
	}
	return reading, nil
}

// acquire takes a distributed lock guarding roundID when a lock manager is
// configured.
func (e *Engine) acquire(ctx context.Context, key string, roundID uint64) (func(), error) {
	if e.d.Locks == nil {
		return func() {}, nil
	}
	unlock, err := e.d.Locks.Acquire(ctx, key, e.cfg.LockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		return nil, fmt.Errorf("settlement: round %d: %w", roundID, domain.ErrSettlementBusy)
	}
	if err != nil {
		return nil, fmt.Errorf("settlement: lock %s: %w", key, err)
	}
	return unlock, nil
}

func settleLock(id uint64) string {
	return fmt.Sprintf("settle:%d", id)
}

// openLock names the lock round id is opened under. Settling a round opens
// the next one while holding the settle lock, so every other opener of
// that round takes the same lock.
func openLock(id uint64) string {
	if id == 0 {
		return "open:0"
	}
	return settleLock(id - 1)
}

// storedSettled reports whether the store already holds round id as settled.
func (e *Engine) storedSettled(ctx context.Context, id uint64) (domain.Round, bool) {
	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	r, err := e.d.Rounds.GetRound(sctx, id)
	if err != nil || !r.Settled {
		return domain.Round{}, false
	}
	return r, true
}

// persist writes the machine's current round. Snapshots are taken under
// persistMu so the last write always carries the newest state.
func (e *Engine) persist(ctx context.Context) error {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	r, ok := e.d.Machine.Snapshot()
	if !ok {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	return e.d.Rounds.SaveRound(sctx, r)
}

func (e *Engine) notify(ctx context.Context, event, title, message string) {
	if e.d.Notifier == nil {
		return
	}
	if err := e.d.Notifier.Notify(ctx, event, title, message); err != nil {
		e.logger.WarnContext(ctx, "operator alert failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func (e *Engine) notifySettled(ctx context.Context, s *Summary) {
	winner := "LESS volatile"
	if s.MoreVolatileWon {
		winner = "MORE volatile"
	}
	e.notify(ctx, AlertRoundSettled, fmt.Sprintf("Round %d settled", s.RoundID),
		fmt.Sprintf("volatility %d bps vs %d bps, %s wins; pot %s wei, %d paid, %d failed",
			s.VolatilityBps, s.Threshold, winner, s.TotalPot.Dec(), len(s.Paid), len(s.Failed)))
}

// shared reports whether other replicas may settle rounds from the same
// store.
func (e *Engine) shared() bool {
	return e.d.Locks != nil
}

// Restore reloads the latest round, the volatility threshold and the
// protocol balance from the store. A missing history is not an error: the
// first TrySettle opens the origin round.
func (e *Engine) Restore(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	latest, err := e.d.Rounds.LatestRound(sctx)
	cancel()
	if errors.Is(err, domain.ErrNotFound) {
		e.logger.InfoContext(ctx, "no round history, starting fresh")
		return nil
	}
	if err != nil {
		return fmt.Errorf("settlement: restore: %w", err)
	}
	if err := e.seat(ctx, latest); err != nil {
		return fmt.Errorf("settlement: restore: %w", err)
	}

	balance := e.d.Ledger.ProtocolBalance()
	e.logger.InfoContext(ctx, "restored round",
		slog.Uint64("round_id", latest.ID),
		slog.Bool("settled", latest.Settled),
		slog.Int("bets", len(latest.Bets)),
		slog.Uint64("threshold_bps", e.Threshold()),
		slog.String("protocol_balance", balance.Dec()),
	)
	return nil
}

// follow seats the stored latest round when the store is ahead of this
// process: a newer round, the current round settled elsewhere, or bets this
// process has not seen.
func (e *Engine) follow(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	stored, err := e.d.Rounds.LatestRound(sctx)
	cancel()
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("settlement: read latest round: %w", err)
	}

	local, ok := e.d.Machine.Snapshot()
	if ok && !storeAhead(stored, local) {
		return nil
	}
	if !ok && stored.ID < e.d.Machine.NextID() {
		return nil
	}
	if err := e.seat(ctx, stored); err != nil {
		return fmt.Errorf("settlement: follow round %d: %w", stored.ID, err)
	}
	e.logger.InfoContext(ctx, "followed stored round",
		slog.Uint64("round_id", stored.ID),
		slog.Bool("settled", stored.Settled),
		slog.Int("bets", len(stored.Bets)),
	)
	return nil
}

func storeAhead(stored, local domain.Round) bool {
	switch {
	case stored.ID != local.ID:
		return stored.ID > local.ID
	case stored.Settled != local.Settled:
		return stored.Settled
	default:
		return !stored.Settled && len(stored.Bets) > len(local.Bets)
	}
}

// seat makes r the machine's current round and rebuilds the state that
// derives from the history: r's book, the protocol balance, and the newest
// settled result with the threshold it sets.
func (e *Engine) seat(ctx context.Context, r domain.Round) error {
	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()

	prev, hasPrev, err := e.previousSettled(sctx, r)
	if err != nil {
		return err
	}
	taken, err := e.d.Rounds.ProtocolTakeTotal(sctx)
	if err != nil {
		return fmt.Errorf("protocol take: %w", err)
	}

	old, hadOld := e.d.Machine.Snapshot()
	if !r.Settled {
		if err := e.d.Ledger.Load(r); err != nil {
			return fmt.Errorf("ledger: %w", err)
		}
	}
	if err := e.d.Machine.Resync(r); err != nil {
		if !r.Settled && (!hadOld || old.ID != r.ID) {
			e.d.Ledger.Drop(r.ID)
		}
		return fmt.Errorf("round: %w", err)
	}
	if hadOld && (old.ID != r.ID || r.Settled) {
		if old.ID != r.ID && !old.Settled && len(old.Bets) > 0 {
			e.logger.WarnContext(ctx, "discarding local round behind the store",
				slog.Uint64("round_id", old.ID), slog.Int("bets", len(old.Bets)))
		}
		e.d.Ledger.Drop(old.ID)
	}
	e.d.Ledger.SetProtocolBalance(taken)

	if hasPrev {
		e.remember(prev)
	}
	return nil
}

// previousSettled returns the newest settled round at or before r.
func (e *Engine) previousSettled(ctx context.Context, r domain.Round) (domain.Round, bool, error) {
	if r.Settled {
		return r, true, nil
	}
	if r.ID == 0 {
		return domain.Round{}, false, nil
	}
	prev, err := e.d.Rounds.GetRound(ctx, r.ID-1)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return domain.Round{}, false, nil
	case err != nil:
		return domain.Round{}, false, fmt.Errorf("previous round: %w", err)
	}
	return prev, prev.Settled, nil
}

// PlaceBet records a wager on the current round and persists the round.
// A persistence failure is logged; the bet stands.
func (e *Engine) PlaceBet(ctx context.Context, bettor string, predictMoreVolatile bool, wager uint256.Int, now time.Time) (domain.Bet, error) {
	bet, err := e.d.Machine.PlaceBet(bettor, predictMoreVolatile, wager, now)
	return e.afterBet(ctx, bet, err)
}

// PlaceBetIn places a bet only if roundID is still the current round, so a
// signature over one round can never land in the next.
func (e *Engine) PlaceBetIn(ctx context.Context, roundID uint64, bettor string, predictMoreVolatile bool, wager uint256.Int, now time.Time) (domain.Bet, error) {
	bet, err := e.d.Machine.PlaceBetIn(roundID, bettor, predictMoreVolatile, wager, now)
	return e.afterBet(ctx, bet, err)
}

func (e *Engine) afterBet(ctx context.Context, bet domain.Bet, err error) (domain.Bet, error) {
	if err != nil {
		return domain.Bet{}, err
	}
	if err := e.persist(ctx); err != nil {
		e.logger.ErrorContext(ctx, "persist bet failed",
			slog.Uint64("round_id", bet.RoundID),
			slog.String("bettor", bet.Bettor),
			slog.String("error", err.Error()),
		)
	}
	return bet, nil
}

// CurrentRoundID returns the ID of the current round.
func (e *Engine) CurrentRoundID() (uint64, error) {
	r, ok := e.d.Machine.Snapshot()
	if !ok {
		return 0, fmt.Errorf("settlement: no round yet: %w", domain.ErrNotFound)
	}
	return r.ID, nil
}

// CurrentRoundInfo returns the current round as seen at now, including the
// threshold it is judged against and, when a cached price is available, the
// live volatility.
func (e *Engine) CurrentRoundInfo(ctx context.Context, now time.Time) (domain.RoundInfo, error) {
	info, ok := e.d.Machine.Info(now)
	if !ok {
		return domain.RoundInfo{}, fmt.Errorf("settlement: no round yet: %w", domain.ErrNotFound)
	}
	info.PreviousVolatility = e.Threshold()

	if e.d.Latest != nil {
		lctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
		defer cancel()
		if p, err := e.d.Latest.Latest(lctx); err == nil && p.Price > 0 {
			info.CurrentPrice = p.Price
			info.LiveVolatilityBps = round.Volatility(info.StartPrice, p.Price)
		} else if err != nil {
			e.logger.DebugContext(ctx, "live price unavailable", slog.String("error", err.Error()))
		}
	}
	return info, nil
}

// RoundBets returns the bets of round id in arrival order.
func (e *Engine) RoundBets(ctx context.Context, id uint64) ([]domain.Bet, error) {
	r, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.Bets, nil
}

// RoundDetails returns the outcome view of round id.
func (e *Engine) RoundDetails(ctx context.Context, id uint64) (domain.RoundDetails, error) {
	r, err := e.lookup(ctx, id)
	if err != nil {
		return domain.RoundDetails{}, err
	}
	return r.Details(), nil
}

// Round returns round id, from memory when it is the current round.
func (e *Engine) Round(ctx context.Context, id uint64) (domain.Round, error) {
	return e.lookup(ctx, id)
}

func (e *Engine) lookup(ctx context.Context, id uint64) (domain.Round, error) {
	if cur, ok := e.d.Machine.Snapshot(); ok && cur.ID == id {
		return cur, nil
	}
	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	r, err := e.d.Rounds.GetRound(sctx, id)
	if err != nil {
		return domain.Round{}, fmt.Errorf("settlement: round %d: %w", id, err)
	}
	return r, nil
}

// ListRounds returns round history newest first.
func (e *Engine) ListRounds(ctx context.Context, opts domain.ListOpts) ([]domain.Round, error) {
	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	return e.d.Rounds.ListRounds(sctx, opts)
}

// RoundPayouts returns the payouts recorded for round id.
func (e *Engine) RoundPayouts(ctx context.Context, id uint64) ([]domain.Payout, error) {
	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	return e.d.Payouts.ListPayouts(sctx, id)
}

// CurrentPrice returns the latest price, from the cache when one is wired.
func (e *Engine) CurrentPrice(ctx context.Context) (domain.PriceReading, error) {
	rctx, cancel := context.WithTimeout(ctx, e.cfg.OracleTimeout)
	defer cancel()
	if e.d.Latest != nil {
		return e.d.Latest.Latest(rctx)
	}
	return e.d.Oracle.Read(rctx)
}

// UpdateEntryFee changes the wager required from the next bet on.
func (e *Engine) UpdateEntryFee(ctx context.Context, fee uint256.Int, actor string) error {
	old := e.d.Machine.EntryFee()
	if err := e.d.Machine.SetEntryFee(fee); err != nil {
		return err
	}
	e.audit(ctx, domain.AuditEntryFeeUpdated, actor, map[string]any{"old": old.Dec(), "new": fee.Dec()})
	e.logger.InfoContext(ctx, "entry fee updated", slog.String("old", old.Dec()), slog.String("new", fee.Dec()), slog.String("actor", actor))
	return nil
}

// PauseBetting blocks or re-allows bets. Settlement timing is unaffected.
func (e *Engine) PauseBetting(ctx context.Context, paused bool, actor string) {
	e.d.Machine.SetPaused(paused)
	e.audit(ctx, domain.AuditBettingPaused, actor, map[string]any{"paused": paused})
	e.logger.InfoContext(ctx, "betting pause changed", slog.Bool("paused", paused), slog.String("actor", actor))
}

// RetryFailedPayouts re-attempts every payout recorded as failed and
// returns them with their new status.
func (e *Engine) RetryFailedPayouts(ctx context.Context, actor string) ([]domain.Payout, error) {
	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	failed, err := e.d.Payouts.ListFailedPayouts(sctx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("settlement: list failed payouts: %w", err)
	}
	if len(failed) == 0 {
		return nil, nil
	}

	retried := e.d.Ledger.RetryFailed(ctx, failed)
	e.emitPayouts(ctx, retried, time.Now())

	sctx, cancel = context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	if err := e.d.Payouts.SavePayouts(sctx, retried); err != nil {
		return retried, fmt.Errorf("settlement: save retried payouts: %w", err)
	}

	paid := 0
	for _, p := range retried {
		if p.Status == domain.PayoutStatusPaid {
			paid++
		}
	}
	e.audit(ctx, domain.AuditPayoutsRetried, actor, map[string]any{"attempted": len(retried), "paid": paid})
	return retried, nil
}

// AuditLog lists recorded administrative actions. Without an audit store
// the log is empty.
func (e *Engine) AuditLog(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	if e.d.Audit == nil {
		return nil, nil
	}
	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	entries, err := e.d.Audit.List(sctx, filter)
	if err != nil {
		return nil, fmt.Errorf("settlement: audit log: %w", err)
	}
	return entries, nil
}

func (e *Engine) audit(ctx context.Context, event, actor string, detail map[string]any) {
	if e.d.Audit == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	if err := e.d.Audit.Log(sctx, domain.AuditEntry{Event: event, Actor: actor, Detail: detail}); err != nil {
		e.logger.WarnContext(ctx, "audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

// ProtocolBalance returns what the protocol has retained since start.
func (e *Engine) ProtocolBalance() uint256.Int {
	return e.d.Ledger.ProtocolBalance()
}
