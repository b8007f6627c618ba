package oracle

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/volbet/internal/domain"
)

type fakeAggregator struct {
	t        *testing.T
	feed     *Chainlink
	answer   *big.Int
	updated  int64
	calls    map[string]int
	failNext error
}

func (f *fakeAggregator) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return nil, err
	}
	for name, m := range f.feed.abi.Methods {
		if !bytes.Equal(msg.Data[:4], m.ID) {
			continue
		}
		f.calls[name]++
		switch name {
		case "decimals":
			return m.Outputs.Pack(uint8(8))
		case "latestRoundData":
			return m.Outputs.Pack(big.NewInt(18_446_744_073), f.answer, big.NewInt(f.updated), big.NewInt(f.updated), big.NewInt(18_446_744_073))
		}
	}
	f.t.Fatalf("unexpected call data %x", msg.Data)
	return nil, nil
}

func newFakeFeed(t *testing.T, answer *big.Int, updated int64) (*Chainlink, *fakeAggregator) {
	t.Helper()
	agg := &fakeAggregator{t: t, answer: answer, updated: updated, calls: map[string]int{}}
	c, err := NewChainlink(agg, common.HexToAddress("0x64c911996D3c6aC71f9b455B1E8E7266BcbD848F"))
	if err != nil {
		t.Fatalf("NewChainlink: %v", err)
	}
	agg.feed = c
	return c, agg
}

func TestChainlinkRead(t *testing.T) {
	c, agg := newFakeFeed(t, big.NewInt(6_000_000_000_000), 1_700_000_000)

	r, err := c.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if r.Price != 6_000_000_000_000 || r.Decimals != 8 {
		t.Errorf("reading = %+v", r)
	}
	if !r.UpdatedAt.Equal(time.Unix(1_700_000_000, 0)) {
		t.Errorf("UpdatedAt = %v", r.UpdatedAt)
	}
	if r.FeedRound != "18446744073" {
		t.Errorf("FeedRound = %q", r.FeedRound)
	}

	if _, err := c.Read(context.Background()); err != nil {
		t.Fatalf("second Read: %v", err)
	}
	if agg.calls["decimals"] != 1 {
		t.Errorf("decimals called %d times, want 1", agg.calls["decimals"])
	}
	if agg.calls["latestRoundData"] != 2 {
		t.Errorf("latestRoundData called %d times, want 2", agg.calls["latestRoundData"])
	}
}

func TestChainlinkRejectsHugeAnswer(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 100)
	c, _ := newFakeFeed(t, huge, 1_700_000_000)
	if _, err := c.Read(context.Background()); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestChainlinkDecimalsRetriesAfterFailure(t *testing.T) {
	c, agg := newFakeFeed(t, big.NewInt(1), 1)
	agg.failNext = errors.New("rpc down")
	if _, err := c.Read(context.Background()); err == nil {
		t.Fatal("expected error from failed decimals call")
	}
	if _, err := c.Read(context.Background()); err != nil {
		t.Fatalf("Read after recovery: %v", err)
	}
}

func TestCheck(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name    string
		reading domain.PriceReading
		maxAge  time.Duration
		wantErr bool
	}{
		{"fresh", domain.PriceReading{Price: 1, UpdatedAt: now.Add(-time.Minute)}, time.Hour, false},
		{"exactly at limit", domain.PriceReading{Price: 1, UpdatedAt: now.Add(-time.Hour)}, time.Hour, false},
		{"stale", domain.PriceReading{Price: 1, UpdatedAt: now.Add(-2 * time.Hour)}, time.Hour, true},
		{"no limit", domain.PriceReading{Price: 1, UpdatedAt: now.Add(-48 * time.Hour)}, 0, false},
		{"zero price", domain.PriceReading{Price: 0, UpdatedAt: now}, time.Hour, true},
		{"negative price", domain.PriceReading{Price: -5, UpdatedAt: now}, time.Hour, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(tt.reading, now, tt.maxAge)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrStalePrice) {
				t.Errorf("error %v does not wrap ErrStalePrice", err)
			}
		})
	}
}

func TestGuardRejectsStale(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	src := NewStatic(100, 8)
	src.SetUpdatedAt(now.Add(-2 * time.Hour))

	g := NewGuard(src, time.Hour, time.Second)
	g.now = func() time.Time { return now }

	if _, err := g.Read(context.Background()); !errors.Is(err, domain.ErrStalePrice) {
		t.Fatalf("err = %v, want ErrStalePrice", err)
	}
	src.SetUpdatedAt(now.Add(-time.Minute))
	if _, err := g.Read(context.Background()); err != nil {
		t.Fatalf("fresh read: %v", err)
	}
}

type mapCache struct {
	m       map[string]domain.PriceReading
	failSet bool
}

func (c *mapCache) SetPrice(_ context.Context, feed string, r domain.PriceReading) error {
	if c.failSet {
		return errors.New("cache down")
	}
	c.m[feed] = r
	return nil
}

func (c *mapCache) GetPrice(_ context.Context, feed string) (domain.PriceReading, error) {
	r, ok := c.m[feed]
	if !ok {
		return domain.PriceReading{}, domain.ErrNotFound
	}
	return r, nil
}

func TestCachedWritesThroughAndServesLatest(t *testing.T) {
	src := NewStatic(42, 8)
	cache := &mapCache{m: map[string]domain.PriceReading{}}
	c := NewCached(src, cache, "btcusd", slog.New(slog.NewTextHandler(io.Discard, nil)))

	// A miss falls back to the source and fills the cache.
	r, err := c.Latest(context.Background())
	if err != nil || r.Price != 42 {
		t.Fatalf("Latest = %+v, %v", r, err)
	}
	if cache.m["btcusd"].Price != 42 {
		t.Fatalf("cache not populated: %+v", cache.m)
	}

	src.Set(43)
	r, _ = c.Latest(context.Background())
	if r.Price != 42 {
		t.Errorf("Latest should serve cached 42, got %d", r.Price)
	}
	if src.Reads() != 1 {
		t.Errorf("source reads = %d, want 1", src.Reads())
	}

	r, _ = c.Read(context.Background())
	if r.Price != 43 || cache.m["btcusd"].Price != 43 {
		t.Errorf("Read should refresh cache, got %d / %d", r.Price, cache.m["btcusd"].Price)
	}
}

func TestCachedIgnoresCacheWriteFailure(t *testing.T) {
	src := NewStatic(7, 8)
	c := NewCached(src, &mapCache{m: map[string]domain.PriceReading{}, failSet: true}, "f", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := c.Read(context.Background()); err != nil {
		t.Fatalf("Read: %v", err)
	}
}
