package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/volbet/internal/domain"
)

// Static is an in-process price source used for simulation and tests.
// Readings carry the time they were taken unless an explicit update time was
// set.
type Static struct {
	mu        sync.Mutex
	price     int64
	decimals  uint8
	updatedAt time.Time
	err       error
	now       func() time.Time
	reads     int
}

// NewStatic returns a source that reports price with the given decimals.
func NewStatic(price int64, decimals uint8) *Static {
	return &Static{price: price, decimals: decimals, now: time.Now}
}

// Set changes the reported price and clears any pinned update time.
func (s *Static) Set(price int64) {
	s.mu.Lock()
	s.price = price
	s.updatedAt = time.Time{}
	s.mu.Unlock()
}

// SetUpdatedAt pins the reported update time.
func (s *Static) SetUpdatedAt(t time.Time) {
	s.mu.Lock()
	s.updatedAt = t
	s.mu.Unlock()
}

// SetError makes subsequent reads fail with err; nil restores normal reads.
func (s *Static) SetError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// SetClock replaces the time source.
func (s *Static) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Reads returns the number of Read calls so far.
func (s *Static) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func (s *Static) Read(_ context.Context) (domain.PriceReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.err != nil {
		return domain.PriceReading{}, s.err
	}
	at := s.updatedAt
	if at.IsZero() {
		at = s.now()
	}
	return domain.PriceReading{Price: s.price, Decimals: s.decimals, UpdatedAt: at, FeedRound: "static"}, nil
}

var _ domain.PriceOracle = (*Static)(nil)
