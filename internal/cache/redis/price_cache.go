package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/volbet/internal/domain"
)

// PriceCache implements domain.PriceCache with one hash per feed at
// "price:{feed}" holding price, decimals, updated_at (unix seconds) and
// feed_round.
type PriceCache struct {
	c   *Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache. Entries expire after ttl; zero keeps
// them until overwritten.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{c: c, ttl: ttl}
}

func (pc *PriceCache) key(feed string) string {
	return pc.c.Key("price:" + feed)
}

// SetPrice stores the reading for feed.
func (pc *PriceCache) SetPrice(ctx context.Context, feed string, r domain.PriceReading) error {
	key := pc.key(feed)
	pipe := pc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"price":      strconv.FormatInt(r.Price, 10),
		"decimals":   strconv.Itoa(int(r.Decimals)),
		"updated_at": strconv.FormatInt(r.UpdatedAt.Unix(), 10),
		"feed_round": r.FeedRound,
	})
	if pc.ttl > 0 {
		pipe.Expire(ctx, key, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", feed, err)
	}
	return nil
}

// GetPrice returns the cached reading for feed, or domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, feed string) (domain.PriceReading, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.key(feed)).Result()
	if err != nil {
		return domain.PriceReading{}, fmt.Errorf("redis: get price %s: %w", feed, err)
	}
	if len(vals) == 0 {
		return domain.PriceReading{}, fmt.Errorf("redis: price %s: %w", feed, domain.ErrNotFound)
	}

	price, err := strconv.ParseInt(vals["price"], 10, 64)
	if err != nil {
		return domain.PriceReading{}, fmt.Errorf("redis: parse price %s: %w", feed, err)
	}
	decimals, err := strconv.ParseUint(vals["decimals"], 10, 8)
	if err != nil {
		return domain.PriceReading{}, fmt.Errorf("redis: parse decimals %s: %w", feed, err)
	}
	updated, err := strconv.ParseInt(vals["updated_at"], 10, 64)
	if err != nil {
		return domain.PriceReading{}, fmt.Errorf("redis: parse updated_at %s: %w", feed, err)
	}

	return domain.PriceReading{
		Price:     price,
		Decimals:  uint8(decimals),
		UpdatedAt: time.Unix(updated, 0).UTC(),
		FeedRound: vals["feed_round"],
	}, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
