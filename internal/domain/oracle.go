package domain

import (
	"context"
	"time"
)

// PriceReading is one observation from a price feed.
type PriceReading struct {
	Price     int64 // signed fixed point, Decimals places
	Decimals  uint8
	UpdatedAt time.Time
	// FeedRound is the feed's own round identifier (uint80 on Chainlink),
	// kept as a decimal string.
	FeedRound string
}

// Age returns how old the reading is at now.
func (p PriceReading) Age(now time.Time) time.Duration {
	return now.Sub(p.UpdatedAt)
}

// PriceOracle is a read-only price source. It reports the feed's own update
// time; freshness policy belongs to the caller.
type PriceOracle interface {
	Read(ctx context.Context) (PriceReading, error)
}
