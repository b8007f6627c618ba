// Package ledger owns every monetary computation of the game: the stake
// collected per round, the split of a settled pot between winners and the
// protocol, and the application of winner transfers.
package ledger

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/volbet/internal/domain"
)

// Config holds the ledger's monetary policy.
type Config struct {
	// FeeBps is the protocol fee in basis points of the pot.
	FeeBps uint64
	// MaxPot caps the stake a single round may collect. Zero means the
	// largest representable amount.
	MaxPot uint256.Int
	// TransferTimeout bounds each winner transfer.
	TransferTimeout time.Duration
}

// Book is the stake collected for one round.
type Book struct {
	RoundID   uint64
	Collected uint256.Int
	Wagers    int
	Stakes    map[string]uint256.Int
}

func (b *Book) clone() Book {
	out := *b
	out.Stakes = make(map[string]uint256.Int, len(b.Stakes))
	for k, v := range b.Stakes {
		out.Stakes[k] = v
	}
	return out
}

// Ledger tracks per-round stake and the protocol balance. It is safe for
// concurrent use.
type Ledger struct {
	cfg      Config
	transfer domain.Transferer
	logger   *slog.Logger

	mu       sync.Mutex
	books    map[uint64]*Book
	applied  map[uint64]bool
	protocol uint256.Int
}

// New creates a Ledger paying winners through transfer.
func New(cfg Config, transfer domain.Transferer, logger *slog.Logger) *Ledger {
	if cfg.FeeBps > domain.BpsDenominator {
		cfg.FeeBps = domain.BpsDenominator
	}
	if cfg.MaxPot.IsZero() {
		cfg.MaxPot.SetAllOne()
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = 30 * time.Second
	}
	return &Ledger{
		cfg:      cfg,
		transfer: transfer,
		logger:   logger.With(slog.String("component", "ledger")),
		books:    make(map[uint64]*Book),
		applied:  make(map[uint64]bool),
	}
}

// RecordWager adds amount to the round's collected stake on behalf of
// bettor. It fails with domain.ErrOverflow, leaving the book untouched, when
// the pot would exceed the configured maximum.
func (l *Ledger) RecordWager(roundID uint64, bettor string, amount uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.book(roundID)
	sum, overflow := new(uint256.Int).AddOverflow(&b.Collected, &amount)
	if overflow || sum.Gt(&l.cfg.MaxPot) {
		return fmt.Errorf("ledger: round %d pot %s + %s: %w", roundID, b.Collected.Dec(), amount.Dec(), domain.ErrOverflow)
	}
	stake := b.Stakes[bettor]
	// Per-bettor stake is bounded by the pot, so it cannot overflow here.
	stake.Add(&stake, &amount)

	b.Collected = *sum
	b.Stakes[bettor] = stake
	b.Wagers++
	return nil
}

// Load rebuilds the book of a round from its recorded bets, replacing any
// existing book. It is used when an open round is restored after restart.
func (l *Ledger) Load(round domain.Round) error {
	b := &Book{RoundID: round.ID, Stakes: make(map[string]uint256.Int)}
	for _, bet := range round.Bets {
		sum, overflow := new(uint256.Int).AddOverflow(&b.Collected, &bet.Wager)
		if overflow {
			return fmt.Errorf("ledger: load round %d: %w", round.ID, domain.ErrOverflow)
		}
		b.Collected = *sum
		stake := b.Stakes[bet.Bettor]
		stake.Add(&stake, &bet.Wager)
		b.Stakes[bet.Bettor] = stake
		b.Wagers++
	}
	if !b.Collected.Eq(&round.TotalPot) {
		return fmt.Errorf("ledger: load round %d: bets sum %s, pot %s: %w",
			round.ID, b.Collected.Dec(), round.TotalPot.Dec(), domain.ErrInvalidTransition)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.books[round.ID] = b
	l.applied[round.ID] = round.Settled
	return nil
}

// Book returns a copy of the round's book.
func (l *Ledger) Book(roundID uint64) (Book, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.books[roundID]
	if !ok {
		return Book{}, false
	}
	return b.clone(), true
}

// Forget drops the book of a round whose settlement has been applied.
func (l *Ledger) Forget(roundID uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.applied[roundID] {
		delete(l.books, roundID)
		delete(l.applied, roundID)
	}
}

// ProtocolBalance returns the fees, rounding remainders and unclaimed pots
// retained so far.
func (l *Ledger) ProtocolBalance() uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.protocol
}

// Drop discards the book of a round this process will not settle, such as
// one another replica settled first.
func (l *Ledger) Drop(roundID uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.books, roundID)
	delete(l.applied, roundID)
}

// SetProtocolBalance replaces the retained balance, typically with the sum
// of protocol takes recorded in the round history.
func (l *Ledger) SetProtocolBalance(amount uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.protocol = amount
}

// book returns the round's book, creating it. Caller holds l.mu.
func (l *Ledger) book(roundID uint64) *Book {
	b, ok := l.books[roundID]
	if !ok {
		b = &Book{RoundID: roundID, Stakes: make(map[string]uint256.Int)}
		l.books[roundID] = b
	}
	return b
}
