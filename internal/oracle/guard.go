package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/volbet/internal/domain"
)

// Guard wraps a source with a per-call timeout and a freshness check.
type Guard struct {
	source  domain.PriceOracle
	maxAge  time.Duration
	timeout time.Duration
	now     func() time.Time
}

// NewGuard returns a Guard. A zero maxAge disables the freshness check and a
// zero timeout leaves the caller's deadline untouched.
func NewGuard(source domain.PriceOracle, maxAge, timeout time.Duration) *Guard {
	return &Guard{source: source, maxAge: maxAge, timeout: timeout, now: time.Now}
}

// Read returns a reading that is positive and no older than maxAge.
func (g *Guard) Read(ctx context.Context) (domain.PriceReading, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	r, err := g.source.Read(ctx)
	if err != nil {
		return domain.PriceReading{}, err
	}
	if err := Check(r, g.now(), g.maxAge); err != nil {
		return domain.PriceReading{}, err
	}
	return r, nil
}

// Check validates a reading against now. Non-positive prices are rejected as
// well as readings older than maxAge.
func Check(r domain.PriceReading, now time.Time, maxAge time.Duration) error {
	if r.Price <= 0 {
		return fmt.Errorf("%w: non-positive price %d", domain.ErrStalePrice, r.Price)
	}
	if maxAge > 0 && r.Age(now) > maxAge {
		return fmt.Errorf("%w: updated %s ago, limit %s", domain.ErrStalePrice, r.Age(now).Truncate(time.Second), maxAge)
	}
	return nil
}

var _ domain.PriceOracle = (*Guard)(nil)
