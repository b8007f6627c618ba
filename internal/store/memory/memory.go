// Package memory is an in-process implementation of the round, payout and
// audit stores, used in simulation mode and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/volbet/internal/domain"
)

type payoutKey struct {
	round  uint64
	winner string
}

// Store keeps the round history arena in memory.
type Store struct {
	mu      sync.RWMutex
	rounds  map[uint64]domain.Round
	payouts map[payoutKey]domain.Payout
	order   []payoutKey
	audit   []domain.AuditEntry
}

// New returns an empty store.
func New() *Store {
	return &Store{
		rounds:  map[uint64]domain.Round{},
		payouts: map[payoutKey]domain.Payout{},
	}
}

// SaveRound upserts a round. A round already stored as settled is left as
// it is; rewriting its bets is an error.
func (s *Store) SaveRound(_ context.Context, r domain.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.rounds[r.ID]; ok && old.Settled {
		if len(r.Bets) != len(old.Bets) {
			return fmt.Errorf("memory: round %d is settled, bets are immutable: %w", r.ID, domain.ErrInvalidTransition)
		}
		return nil
	}
	s.rounds[r.ID] = r.Clone()
	return nil
}

func (s *Store) GetRound(_ context.Context, id uint64) (domain.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rounds[id]
	if !ok {
		return domain.Round{}, fmt.Errorf("memory: round %d: %w", id, domain.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *Store) LatestRound(_ context.Context) (domain.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		latest domain.Round
		found  bool
	)
	for id, r := range s.rounds {
		if !found || id > latest.ID {
			latest, found = r, true
		}
	}
	if !found {
		return domain.Round{}, fmt.Errorf("memory: latest round: %w", domain.ErrNotFound)
	}
	return latest.Clone(), nil
}

func (s *Store) ListRounds(_ context.Context, opts domain.ListOpts) ([]domain.Round, error) {
	s.mu.RLock()
	out := make([]domain.Round, 0, len(s.rounds))
	for _, r := range s.rounds {
		if opts.Since != nil && r.StartTime.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !r.StartTime.Before(*opts.Until) {
			continue
		}
		r.Bets = nil
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return page(out, opts), nil
}

func (s *Store) ListSettledBefore(_ context.Context, before time.Time) ([]domain.Round, error) {
	s.mu.RLock()
	var out []domain.Round
	for _, r := range s.rounds {
		if r.Settled && r.SettledAt.Before(before) {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ProtocolTakeTotal(_ context.Context) (uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum uint256.Int
	for _, r := range s.rounds {
		if !r.Settled {
			continue
		}
		if _, overflow := sum.AddOverflow(&sum, &r.ProtocolTake); overflow {
			return uint256.Int{}, fmt.Errorf("memory: protocol take total: %w", domain.ErrOverflow)
		}
	}
	return sum, nil
}

// SavePayouts upserts payouts by round and winner.
func (s *Store) SavePayouts(_ context.Context, payouts []domain.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range payouts {
		k := payoutKey{p.RoundID, p.Winner}
		if _, ok := s.payouts[k]; !ok {
			s.order = append(s.order, k)
		}
		s.payouts[k] = p
	}
	return nil
}

func (s *Store) ListPayouts(_ context.Context, roundID uint64) ([]domain.Payout, error) {
	return s.filterPayouts(func(p domain.Payout) bool { return p.RoundID == roundID }), nil
}

func (s *Store) ListFailedPayouts(_ context.Context) ([]domain.Payout, error) {
	return s.filterPayouts(func(p domain.Payout) bool { return p.Status == domain.PayoutStatusFailed }), nil
}

func (s *Store) filterPayouts(keep func(domain.Payout) bool) []domain.Payout {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Payout
	for _, k := range s.order {
		if p := s.payouts[k]; keep(p) {
			out = append(out, p)
		}
	}
	return out
}

// Log appends an audit entry.
func (s *Store) Log(_ context.Context, e domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := make(map[string]any, len(e.Detail))
	for k, v := range e.Detail {
		d[k] = v
	}
	e.ID = int64(len(s.audit) + 1)
	e.Detail = d
	e.CreatedAt = time.Now().UTC()
	s.audit = append(s.audit, e)
	return nil
}

// List returns matching audit entries newest first.
func (s *Store) List(_ context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	out := make([]domain.AuditEntry, 0, len(s.audit))
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if !f.Matches(e) {
			continue
		}
		if f.Since != nil && e.CreatedAt.Before(*f.Since) {
			continue
		}
		if f.Until != nil && !e.CreatedAt.Before(*f.Until) {
			continue
		}
		out = append(out, e)
	}
	s.mu.RUnlock()
	return page(out, f.ListOpts), nil
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return []T{}
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

var (
	_ domain.RoundStore  = (*Store)(nil)
	_ domain.PayoutStore = (*Store)(nil)
	_ domain.AuditStore  = (*Store)(nil)
)
