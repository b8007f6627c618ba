package round

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/volbet/internal/domain"
)

type recordedEvents struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordedEvents) Append(evt domain.Event) domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return evt
}

func (r *recordedEvents) count(kind domain.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

type wagerFunc func(roundID uint64, bettor string, amount uint256.Int) error

func (f wagerFunc) RecordWager(roundID uint64, bettor string, amount uint256.Int) error {
	return f(roundID, bettor, amount)
}

var (
	t0  = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	fee = *uint256.NewInt(1_000_000_000_000)
)

func newMachine(t *testing.T) (*Machine, *recordedEvents) {
	t.Helper()
	ev := &recordedEvents{}
	m := New(Config{Window: 15 * time.Minute, EntryFee: fee}, wagerFunc(func(uint64, string, uint256.Int) error { return nil }), ev)
	if _, err := m.Open(0, t0, 6_000_000_000_000); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return m, ev
}

func TestOpenSequence(t *testing.T) {
	m, ev := newMachine(t)

	if _, err := m.Open(1, t0, 1); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Open over unsettled round: err = %v", err)
	}
	if _, err := m.Close(100, 0, t0.Add(15*time.Minute)); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := m.Open(5, t0, 1); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Open with gap: err = %v", err)
	}
	if _, err := m.Open(1, t0, 0); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Open with zero price: err = %v", err)
	}
	r, err := m.Open(1, t0.Add(15*time.Minute), 100)
	if err != nil {
		t.Fatalf("Open(1): %v", err)
	}
	if r.ID != 1 || !r.EndTime.Equal(t0.Add(30*time.Minute)) || !r.BettingOpen {
		t.Errorf("round = %+v", r)
	}
	if got := ev.count(domain.EventRoundStarted); got != 2 {
		t.Errorf("RoundStarted events = %d, want 2", got)
	}
}

func TestPlaceBet(t *testing.T) {
	m, ev := newMachine(t)

	if _, err := m.PlaceBet("0xa", true, fee, t0.Add(time.Minute)); err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}
	if _, err := m.PlaceBet("0xb", false, fee, t0.Add(2*time.Minute)); err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}

	wrong := *uint256.NewInt(5)
	if _, err := m.PlaceBet("0xc", true, wrong, t0.Add(time.Minute)); !errors.Is(err, domain.ErrInsufficientWager) {
		t.Errorf("wrong wager: err = %v", err)
	}
	if _, err := m.PlaceBet("0xc", true, fee, t0.Add(15*time.Minute)); !errors.Is(err, domain.ErrBettingClosed) {
		t.Errorf("bet at end time: err = %v", err)
	}

	r, _ := m.Snapshot()
	if len(r.Bets) != 2 || r.MoreVolatileBets != 1 || r.LessVolatileBets != 1 {
		t.Fatalf("round = %+v", r)
	}
	want := new(uint256.Int).Mul(&fee, uint256.NewInt(2))
	if !r.TotalPot.Eq(want) {
		t.Errorf("TotalPot = %s, want %s", r.TotalPot.Dec(), want.Dec())
	}
	if r.BettingOpen {
		t.Error("betting should be closed after a late bet attempt")
	}
	if got := ev.count(domain.EventBetPlaced); got != 2 {
		t.Errorf("BetPlaced events = %d, want 2", got)
	}
}

func TestPlaceBetRecorderRejectsWithoutMutation(t *testing.T) {
	ev := &recordedEvents{}
	m := New(Config{Window: time.Minute, EntryFee: fee}, wagerFunc(func(uint64, string, uint256.Int) error {
		return domain.ErrOverflow
	}), ev)
	if _, err := m.Open(0, t0, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := m.PlaceBet("0xa", true, fee, t0); !errors.Is(err, domain.ErrOverflow) {
		t.Fatalf("err = %v, want ErrOverflow", err)
	}
	r, _ := m.Snapshot()
	if len(r.Bets) != 0 || !r.TotalPot.IsZero() || r.MoreVolatileBets != 0 {
		t.Errorf("round mutated: %+v", r)
	}
	if ev.count(domain.EventBetPlaced) != 0 {
		t.Error("BetPlaced emitted for rejected wager")
	}
}

func TestPause(t *testing.T) {
	m, _ := newMachine(t)
	m.SetPaused(true)

	if _, err := m.PlaceBet("0xa", true, fee, t0); !errors.Is(err, domain.ErrBettingClosed) {
		t.Fatalf("paused bet: err = %v", err)
	}
	info, _ := m.Info(t0)
	if info.BettingOpen || !info.Paused {
		t.Errorf("info = %+v", info)
	}

	// Pause does not stop the clock.
	if !m.IsSettleable(t0.Add(15 * time.Minute)) {
		t.Error("paused round should still be settleable at end time")
	}
	if _, err := m.Close(6_000_000_000_000, 0, t0.Add(15*time.Minute)); err != nil {
		t.Fatalf("Close: %v", err)
	}
	r, err := m.Open(1, t0.Add(15*time.Minute), 1)
	if err != nil {
		t.Fatal(err)
	}
	if r.BettingOpen {
		t.Error("round opened while paused should not accept bets")
	}

	m.SetPaused(false)
	if _, err := m.PlaceBet("0xa", true, fee, t0.Add(16*time.Minute)); err != nil {
		t.Fatalf("bet after unpause: %v", err)
	}
}

func TestCloseRules(t *testing.T) {
	m, ev := newMachine(t)

	if _, err := m.Close(1, 0, t0.Add(time.Minute)); !errors.Is(err, domain.ErrNotYetSettleable) {
		t.Fatalf("early close: err = %v", err)
	}

	r, err := m.Close(6_090_000_000_000, 100, t0.Add(15*time.Minute))
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if r.VolatilityBps != 150 || !r.MoreVolatileWon || !r.Settled || r.Threshold != 100 {
		t.Errorf("settled round = %+v", r)
	}

	again, err := m.Close(1, 0, t0.Add(20*time.Minute))
	if !errors.Is(err, domain.ErrAlreadySettled) {
		t.Fatalf("second close: err = %v", err)
	}
	if again.VolatilityBps != 150 || again.FinalPrice != 6_090_000_000_000 {
		t.Errorf("second close changed the outcome: %+v", again)
	}
	if _, err := m.PlaceBet("0xa", true, fee, t0.Add(16*time.Minute)); !errors.Is(err, domain.ErrBettingClosed) {
		t.Errorf("bet after settle: err = %v", err)
	}
	if got := ev.count(domain.EventRoundSettled); got != 1 {
		t.Errorf("RoundSettled events = %d, want 1", got)
	}
}

func TestCloseTieGoesToLess(t *testing.T) {
	m, _ := newMachine(t)
	r, err := m.Close(6_090_000_000_000, 150, t0.Add(15*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if r.MoreVolatileWon {
		t.Error("volatility equal to threshold should not be a MORE win")
	}
}

func TestConcurrentCloseSettlesOnce(t *testing.T) {
	m, ev := newMachine(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Close(6_100_000_000_000, 0, t0.Add(time.Hour)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrAlreadySettled) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("successful closes = %d, want 1", wins)
	}
	if got := ev.count(domain.EventRoundSettled); got != 1 {
		t.Errorf("RoundSettled events = %d, want 1", got)
	}
}

func TestConcurrentBetsKeepPotConsistent(t *testing.T) {
	m, _ := newMachine(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = m.PlaceBet("0xa", i%2 == 0, fee, t0.Add(time.Minute))
		}(i)
	}
	wg.Wait()

	r, _ := m.Snapshot()
	var sum uint256.Int
	for _, b := range r.Bets {
		sum.Add(&sum, &b.Wager)
	}
	if !sum.Eq(&r.TotalPot) || len(r.Bets) != 50 {
		t.Errorf("bets=%d sum=%s pot=%s", len(r.Bets), sum.Dec(), r.TotalPot.Dec())
	}
	if r.MoreVolatileBets+r.LessVolatileBets != 50 {
		t.Errorf("side counters = %d + %d", r.MoreVolatileBets, r.LessVolatileBets)
	}
}

func TestResync(t *testing.T) {
	ev := &recordedEvents{}
	m := New(Config{Window: time.Minute, EntryFee: fee}, wagerFunc(func(uint64, string, uint256.Int) error { return nil }), ev)

	saved := domain.Round{ID: 7, StartTime: t0, EndTime: t0.Add(time.Minute), StartPrice: 10, BettingOpen: true}
	if err := m.Resync(saved); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if m.NextID() != 8 {
		t.Errorf("NextID = %d, want 8", m.NextID())
	}
	if _, err := m.PlaceBet("0xa", false, fee, t0); err != nil {
		t.Errorf("bet on seated round: %v", err)
	}

	older := saved
	older.ID = 6
	if err := m.Resync(older); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("older round: err = %v", err)
	}

	if _, err := m.Close(20, 0, t0.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := m.Resync(saved); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("open copy over settled round: err = %v", err)
	}

	// Catch up with a round opened elsewhere.
	next := domain.Round{ID: 9, StartTime: t0.Add(2 * time.Minute), EndTime: t0.Add(3 * time.Minute), StartPrice: 30, BettingOpen: true}
	m.SetPaused(true)
	if err := m.Resync(next); err != nil {
		t.Fatalf("Resync forward: %v", err)
	}
	cur, _ := m.Snapshot()
	if cur.ID != 9 || cur.BettingOpen || m.NextID() != 10 {
		t.Errorf("after forward resync: id=%d open=%v next=%d", cur.ID, cur.BettingOpen, m.NextID())
	}
}

func TestResyncBelowOrigin(t *testing.T) {
	m := New(Config{Window: time.Minute, EntryFee: fee, OriginID: 5}, wagerFunc(func(uint64, string, uint256.Int) error { return nil }), &recordedEvents{})
	if err := m.Resync(domain.Round{ID: 4}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("err = %v", err)
	}
}

func TestSetEntryFee(t *testing.T) {
	m, _ := newMachine(t)
	if err := m.SetEntryFee(uint256.Int{}); !errors.Is(err, ErrZeroEntryFee) {
		t.Fatalf("zero fee: err = %v", err)
	}
	newFee := *uint256.NewInt(2_000_000_000_000)
	if err := m.SetEntryFee(newFee); err != nil {
		t.Fatal(err)
	}
	if _, err := m.PlaceBet("0xa", true, fee, t0); !errors.Is(err, domain.ErrInsufficientWager) {
		t.Errorf("old fee accepted: err = %v", err)
	}
	if _, err := m.PlaceBet("0xa", true, newFee, t0); err != nil {
		t.Errorf("new fee rejected: %v", err)
	}
}

func TestVolatility(t *testing.T) {
	tests := []struct {
		name         string
		start, final int64
		want         uint64
	}{
		{"up 1.5 percent", 6_000_000_000_000, 6_090_000_000_000, 150},
		{"down 1.5 percent", 6_000_000_000_000, 5_910_000_000_000, 150},
		{"0.2 percent", 5_000_000_000_000, 5_010_000_000_000, 20},
		{"unchanged", 100, 100, 0},
		{"truncates", 3, 4, 3333},
		{"negative start", -100, -50, 5000},
		{"zero start", 0, 10, 0},
		{"extreme swing", 1, math.MaxInt64, math.MaxUint64},
		{"full range", math.MinInt64, math.MaxInt64, 19999},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Volatility(tt.start, tt.final); got != tt.want {
				t.Errorf("Volatility(%d, %d) = %d, want %d", tt.start, tt.final, got, tt.want)
			}
		})
	}
}

func TestPlaceBetInPinsRound(t *testing.T) {
	m, _ := newMachine(t)

	if _, err := m.PlaceBetIn(0, "0xA", true, fee, t0.Add(time.Minute)); err != nil {
		t.Fatalf("PlaceBetIn(0): %v", err)
	}
	if _, err := m.PlaceBetIn(1, "0xA", true, fee, t0.Add(time.Minute)); !errors.Is(err, domain.ErrBettingClosed) {
		t.Fatalf("PlaceBetIn(1) on round 0: err = %v", err)
	}
	r, _ := m.Snapshot()
	if len(r.Bets) != 1 {
		t.Fatalf("bets = %d, want 1", len(r.Bets))
	}
}
