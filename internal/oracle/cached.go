package oracle

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/volbet/internal/domain"
)

// Cached writes every successful read from source through to a PriceCache so
// the read API can serve the last price without touching the chain.
type Cached struct {
	source domain.PriceOracle
	cache  domain.PriceCache
	feed   string
	logger *slog.Logger
}

// NewCached wraps source. feed is the cache key suffix, typically the
// aggregator address.
func NewCached(source domain.PriceOracle, cache domain.PriceCache, feed string, logger *slog.Logger) *Cached {
	return &Cached{source: source, cache: cache, feed: feed, logger: logger.With(slog.String("component", "oracle_cache"))}
}

// Read always consults the source. Cache write failures are logged, not
// returned.
func (c *Cached) Read(ctx context.Context) (domain.PriceReading, error) {
	r, err := c.source.Read(ctx)
	if err != nil {
		return domain.PriceReading{}, err
	}
	if err := c.cache.SetPrice(ctx, c.feed, r); err != nil {
		c.logger.WarnContext(ctx, "price cache write failed", slog.String("feed", c.feed), slog.String("error", err.Error()))
	}
	return r, nil
}

// Latest returns the cached reading, falling back to the source on a miss.
func (c *Cached) Latest(ctx context.Context) (domain.PriceReading, error) {
	r, err := c.cache.GetPrice(ctx, c.feed)
	if err == nil {
		return r, nil
	}
	return c.Read(ctx)
}

var _ domain.PriceOracle = (*Cached)(nil)
