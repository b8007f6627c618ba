// Package round implements the lifecycle of the current betting round:
// Open → betting closed (window elapsed or paused) → Settled.
package round

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/volbet/internal/domain"
)

// ErrZeroEntryFee is returned when an operator tries to set a zero fee.
var ErrZeroEntryFee = errors.New("round: entry fee must be positive")

// WagerRecorder books a wager before the machine accepts it. A recorder error
// rejects the bet with no state change.
type WagerRecorder interface {
	RecordWager(roundID uint64, bettor string, amount uint256.Int) error
}

// Config holds the round parameters.
type Config struct {
	Window   time.Duration
	EntryFee uint256.Int
	// OriginID is the ID of the very first round.
	OriginID uint64
}

// Machine owns the single current round. All mutations take the write lock,
// so bets are serialized with each other and with Close; reads take the read
// lock and return copies.
type Machine struct {
	mu       sync.RWMutex
	window   time.Duration
	entryFee uint256.Int
	paused   bool
	current  *domain.Round
	nextID   uint64

	wagers WagerRecorder
	events domain.EventPublisher
}

// New creates a Machine with no current round.
func New(cfg Config, wagers WagerRecorder, events domain.EventPublisher) *Machine {
	return &Machine{
		window:   cfg.Window,
		entryFee: cfg.EntryFee,
		nextID:   cfg.OriginID,
		wagers:   wagers,
		events:   events,
	}
}

// Open starts round id at startTime with the given baseline price. It fails
// with domain.ErrInvalidTransition when an unsettled round exists, when id is
// not the next ID in sequence, or when the price is not positive.
func (m *Machine) Open(id uint64, startTime time.Time, startPrice int64) (domain.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && !m.current.Settled {
		return domain.Round{}, fmt.Errorf("round: open %d while round %d is unsettled: %w", id, m.current.ID, domain.ErrInvalidTransition)
	}
	if id != m.nextID {
		return domain.Round{}, fmt.Errorf("round: open %d, expected %d: %w", id, m.nextID, domain.ErrInvalidTransition)
	}
	if startPrice <= 0 {
		return domain.Round{}, fmt.Errorf("round: open %d with start price %d: %w", id, startPrice, domain.ErrInvalidTransition)
	}

	r := &domain.Round{
		ID:          id,
		StartTime:   startTime,
		EndTime:     startTime.Add(m.window),
		StartPrice:  startPrice,
		BettingOpen: !m.paused,
	}
	m.current = r
	m.nextID = id + 1

	st := r.StartTime
	m.events.Append(domain.Event{
		Kind:       domain.EventRoundStarted,
		RoundID:    id,
		StartTime:  &st,
		StartPrice: startPrice,
	})
	return r.Clone(), nil
}

// PlaceBet accepts a wager on the current round. It fails with
// domain.ErrBettingClosed when there is no open round, betting is paused, or
// now is at or past the round end, and with domain.ErrInsufficientWager when
// the wager differs from the entry fee.
func (m *Machine) PlaceBet(bettor string, predictMoreVolatile bool, wager uint256.Int, now time.Time) (domain.Bet, error) {
	return m.place(nil, bettor, predictMoreVolatile, wager, now)
}

// PlaceBetIn is PlaceBet pinned to roundID: if the current round is another
// one the bet fails with domain.ErrBettingClosed.
func (m *Machine) PlaceBetIn(roundID uint64, bettor string, predictMoreVolatile bool, wager uint256.Int, now time.Time) (domain.Bet, error) {
	return m.place(&roundID, bettor, predictMoreVolatile, wager, now)
}

func (m *Machine) place(want *uint64, bettor string, predictMoreVolatile bool, wager uint256.Int, now time.Time) (domain.Bet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.current
	if r == nil || r.Settled {
		return domain.Bet{}, fmt.Errorf("round: no open round: %w", domain.ErrBettingClosed)
	}
	if want != nil && *want != r.ID {
		return domain.Bet{}, fmt.Errorf("round %d: current round is %d: %w", *want, r.ID, domain.ErrBettingClosed)
	}
	if r.Due(now) {
		r.BettingOpen = false
	}
	if !r.BettingOpen || m.paused {
		return domain.Bet{}, fmt.Errorf("round %d: %w", r.ID, domain.ErrBettingClosed)
	}
	if !wager.Eq(&m.entryFee) {
		return domain.Bet{}, fmt.Errorf("round %d: wager %s, fee %s: %w", r.ID, wager.Dec(), m.entryFee.Dec(), domain.ErrInsufficientWager)
	}

	pot, overflow := new(uint256.Int).AddOverflow(&r.TotalPot, &wager)
	if overflow {
		return domain.Bet{}, fmt.Errorf("round %d: %w", r.ID, domain.ErrOverflow)
	}
	if err := m.wagers.RecordWager(r.ID, bettor, wager); err != nil {
		return domain.Bet{}, err
	}

	bet := domain.Bet{
		RoundID:             r.ID,
		Bettor:              bettor,
		PredictMoreVolatile: predictMoreVolatile,
		Wager:               wager,
		Timestamp:           now,
	}
	r.Bets = append(r.Bets, bet)
	r.TotalPot = *pot
	if predictMoreVolatile {
		r.MoreVolatileBets++
	} else {
		r.LessVolatileBets++
	}

	m.events.Append(domain.Event{
		Kind:                domain.EventBetPlaced,
		RoundID:             r.ID,
		At:                  now.UTC(),
		Bettor:              bettor,
		PredictMoreVolatile: predictMoreVolatile,
	})
	return bet, nil
}

// IsSettleable reports whether the current round is unsettled and due.
func (m *Machine) IsSettleable(now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current != nil && !m.current.Settled && m.current.Due(now)
}

// Close settles the current round against finalPrice. The check and the
// transition happen under one lock: among concurrent callers exactly one
// settles, the rest get domain.ErrAlreadySettled together with the settled
// round. It fails with domain.ErrNotYetSettleable before the round end.
//
// MoreVolatileWon is VolatilityBps > threshold; a tie goes to the
// less-volatile side.
func (m *Machine) Close(finalPrice int64, threshold uint64, now time.Time) (domain.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.current
	if r == nil {
		return domain.Round{}, fmt.Errorf("round: close with no round: %w", domain.ErrInvalidTransition)
	}
	if r.Settled {
		return r.Clone(), fmt.Errorf("round %d: %w", r.ID, domain.ErrAlreadySettled)
	}
	if !r.Due(now) {
		return domain.Round{}, fmt.Errorf("round %d ends %s: %w", r.ID, r.EndTime.Format(time.RFC3339), domain.ErrNotYetSettleable)
	}

	r.BettingOpen = false
	r.FinalPrice = finalPrice
	r.Threshold = threshold
	r.VolatilityBps = Volatility(r.StartPrice, finalPrice)
	r.MoreVolatileWon = r.VolatilityBps > threshold
	r.SettledAt = now
	r.Settled = true

	m.events.Append(domain.Event{
		Kind:            domain.EventRoundSettled,
		RoundID:         r.ID,
		At:              now.UTC(),
		VolatilityBps:   r.VolatilityBps,
		MoreVolatileWon: r.MoreVolatileWon,
		TotalPot:        r.TotalPot.Dec(),
	})
	return r.Clone(), nil
}

// Resync seats a round loaded from storage as the current round. It serves
// both the start of a process and catching up with rounds another process
// settled or opened in the shared history, so it only moves forward: r may
// not be older than the current round, and a settled current round is
// never replaced by an open copy of itself. The local pause flag applies to
// a seated open round.
func (m *Machine) Resync(r domain.Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur := m.current; cur != nil {
		switch {
		case r.ID < cur.ID:
			return fmt.Errorf("round: resync %d behind round %d: %w", r.ID, cur.ID, domain.ErrInvalidTransition)
		case r.ID == cur.ID && cur.Settled && !r.Settled:
			return fmt.Errorf("round: resync would reopen settled round %d: %w", r.ID, domain.ErrInvalidTransition)
		}
	} else if r.ID < m.nextID {
		return fmt.Errorf("round: resync %d below origin %d: %w", r.ID, m.nextID, domain.ErrInvalidTransition)
	}

	c := r.Clone()
	if !c.Settled && m.paused {
		c.BettingOpen = false
	}
	m.current = &c
	m.nextID = r.ID + 1
	return nil
}

// SetPaused blocks (true) or re-allows (false) new bets. The round end is
// unchanged, so a paused round still settles on time. The flag carries over
// to rounds opened while paused.
func (m *Machine) SetPaused(paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.paused = paused
	if r := m.current; r != nil && !r.Settled {
		r.BettingOpen = !paused
	}
}

// SetEntryFee changes the wager required for subsequent bets.
func (m *Machine) SetEntryFee(fee uint256.Int) error {
	if fee.IsZero() {
		return ErrZeroEntryFee
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entryFee = fee
	return nil
}

// EntryFee returns the wager currently required.
func (m *Machine) EntryFee() uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entryFee
}

// Paused reports the operator pause flag.
func (m *Machine) Paused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused
}

// NextID returns the ID the next opened round must carry.
func (m *Machine) NextID() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nextID
}

// Snapshot returns a copy of the current round, settled or not.
func (m *Machine) Snapshot() (domain.Round, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return domain.Round{}, false
	}
	return m.current.Clone(), true
}

// Info returns the read model of the current round as seen at now.
func (m *Machine) Info(now time.Time) (domain.RoundInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r := m.current
	if r == nil {
		return domain.RoundInfo{}, false
	}
	return domain.RoundInfo{
		RoundID:          r.ID,
		StartTime:        r.StartTime,
		EndTime:          r.EndTime,
		StartPrice:       r.StartPrice,
		TotalPot:         r.TotalPot,
		MoreVolatileBets: r.MoreVolatileBets,
		LessVolatileBets: r.LessVolatileBets,
		BettingOpen:      r.BettingOpen && !m.paused && !r.Settled && !r.Due(now),
		Paused:           m.paused,
		EntryFee:         m.entryFee,
	}, true
}

// Volatility returns |final - start| * 10000 / |start|, truncated, in basis
// points. The result saturates at math.MaxUint64; a zero start price yields
// zero.
func Volatility(start, final int64) uint64 {
	base := abs64(start)
	if base == 0 {
		return 0
	}
	diff := uint64(final) - uint64(start)
	if final < start {
		diff = uint64(start) - uint64(final)
	}
	v, overflow := new(uint256.Int).MulDivOverflow(
		uint256.NewInt(diff),
		uint256.NewInt(domain.BpsDenominator),
		uint256.NewInt(base),
	)
	if overflow || !v.IsUint64() {
		return math.MaxUint64
	}
	return v.Uint64()
}

func abs64(v int64) uint64 {
	if v < 0 {
		return uint64(-(v + 1)) + 1
	}
	return uint64(v)
}
