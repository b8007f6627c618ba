package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/volbet/internal/domain"
	"github.com/alanyoungcy/volbet/internal/eventlog"
	"github.com/alanyoungcy/volbet/internal/ledger"
	"github.com/alanyoungcy/volbet/internal/oracle"
	"github.com/alanyoungcy/volbet/internal/round"
	"github.com/alanyoungcy/volbet/internal/store/memory"
	"github.com/alanyoungcy/volbet/internal/transfer"
)

const (
	alice = "0x00000000000000000000000000000000000A11CE"
	bob   = "0x0000000000000000000000000000000000000B0B"
	carol = "0x00000000000000000000000000000000000CA501"
)

var (
	t0       = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	window   = 15 * time.Minute
	entryFee = *uint256.NewInt(1_000_000_000_000)
)

type alerts struct {
	mu     sync.Mutex
	events []string
}

func (a *alerts) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *alerts) count(event string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.events {
		if e == event {
			n++
		}
	}
	return n
}

type harness struct {
	engine *Engine
	oracle *oracle.Static
	clock  time.Time
	events *eventlog.Log
	store  *memory.Store
	book   *transfer.Book
	ledger *ledger.Ledger
	alerts *alerts
}

type harnessOpt func(*Config, *Deps)

func newHarness(t *testing.T, startPrice int64, opts ...harnessOpt) *harness {
	t.Helper()
	h := &harness{
		oracle: oracle.NewStatic(startPrice, 8),
		clock:  t0,
		events: eventlog.New(0),
		store:  memory.New(),
		book:   transfer.NewBook(),
		alerts: &alerts{},
	}
	h.oracle.SetClock(func() time.Time { return h.clock })
	h.build(opts...)
	return h
}

func (h *harness) build(opts ...harnessOpt) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.ledger = ledger.New(ledger.Config{FeeBps: 1000, TransferTimeout: time.Second}, h.book, logger)
	machine := round.New(round.Config{Window: window, EntryFee: entryFee}, h.ledger, h.events)

	cfg := Config{MaxPriceAge: time.Hour}
	d := Deps{
		Machine:  machine,
		Ledger:   h.ledger,
		Oracle:   h.oracle,
		Events:   h.events,
		Rounds:   h.store,
		Payouts:  h.store,
		Audit:    h.store,
		Notifier: h.alerts,
		Logger:   logger,
	}
	for _, o := range opts {
		o(&cfg, &d)
	}
	h.engine = NewEngine(cfg, d)
}

func (h *harness) settle(t *testing.T, at time.Time) Outcome {
	t.Helper()
	h.clock = at
	out, err := h.engine.TrySettle(context.Background(), at)
	if err != nil {
		t.Fatalf("TrySettle(%s): %v", at.Format(time.Kitchen), err)
	}
	return out
}

func (h *harness) bet(t *testing.T, bettor string, more bool, at time.Time) {
	t.Helper()
	if _, err := h.engine.PlaceBet(context.Background(), bettor, more, entryFee, at); err != nil {
		t.Fatalf("PlaceBet(%s): %v", bettor, err)
	}
}

func (h *harness) countEvents(kind domain.EventKind) int {
	n := 0
	for _, e := range h.events.Read(0, 0) {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestFirstTickOpensOriginRound(t *testing.T) {
	h := newHarness(t, 6_000_000_000_000)
	out := h.settle(t, t0)
	if out.Kind != OutcomeOpened || out.RoundID != 0 {
		t.Fatalf("outcome = %+v", out)
	}
	info, err := h.engine.CurrentRoundInfo(context.Background(), t0)
	if err != nil {
		t.Fatal(err)
	}
	if info.StartPrice != 6_000_000_000_000 || !info.EndTime.Equal(t0.Add(window)) || !info.BettingOpen {
		t.Errorf("info = %+v", info)
	}
	if out := h.settle(t, t0.Add(time.Minute)); out.Kind != OutcomeNotDue {
		t.Errorf("second tick = %s", out.Kind)
	}
}

func TestSettleMoreVolatileWins(t *testing.T) {
	h := newHarness(t, 6_000_000_000_000)
	h.settle(t, t0)
	h.bet(t, alice, true, t0.Add(time.Minute))
	h.bet(t, bob, false, t0.Add(2*time.Minute))

	h.oracle.Set(6_090_000_000_000)
	out := h.settle(t, t0.Add(window))
	if out.Kind != OutcomeSettled {
		t.Fatalf("outcome = %s", out.Kind)
	}
	s := out.Summary
	if s.VolatilityBps != 150 || !s.MoreVolatileWon || s.Threshold != 0 {
		t.Errorf("summary = %+v", s)
	}
	if len(s.Paid) != 1 || s.Paid[0].Winner != alice || len(s.Failed) != 0 {
		t.Fatalf("payouts = %+v / %+v", s.Paid, s.Failed)
	}
	// pot 2e12, fee 10% = 2e11, alice gets 1.8e12.
	if bal := h.book.Balance(alice); bal.Uint64() != 1_800_000_000_000 {
		t.Errorf("alice balance = %s", bal.Dec())
	}
	if bal := h.engine.ProtocolBalance(); bal.Uint64() != 200_000_000_000 {
		t.Errorf("protocol balance = %s", bal.Dec())
	}
	if s.NextRoundID != 1 {
		t.Errorf("NextRoundID = %d", s.NextRoundID)
	}

	info, _ := h.engine.CurrentRoundInfo(context.Background(), t0.Add(window))
	if info.RoundID != 1 || info.StartPrice != 6_090_000_000_000 || info.PreviousVolatility != 150 {
		t.Errorf("next round info = %+v", info)
	}

	details, err := h.engine.RoundDetails(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if !details.Settled || details.FinalPrice != 6_090_000_000_000 || details.VolatilityBps != 150 {
		t.Errorf("details = %+v", details)
	}
	bets, _ := h.engine.RoundBets(context.Background(), 0)
	if len(bets) != 2 || bets[0].Bettor != alice {
		t.Errorf("bets = %+v", bets)
	}
	payouts, _ := h.engine.RoundPayouts(context.Background(), 0)
	if len(payouts) != 1 || payouts[0].Status != domain.PayoutStatusPaid {
		t.Errorf("stored payouts = %+v", payouts)
	}
	if h.countEvents(domain.EventPrizeDistributed) != 1 {
		t.Error("expected one PrizeDistributed event")
	}
	if h.alerts.count(AlertRoundSettled) != 1 {
		t.Error("expected a settlement notification")
	}
}

func TestZeroWinnersRetainPot(t *testing.T) {
	h := newHarness(t, 5_000_000_000_000, func(c *Config, _ *Deps) { c.InitialThreshold = 10 })
	h.settle(t, t0)
	h.bet(t, alice, false, t0.Add(time.Minute))

	h.oracle.Set(5_010_000_000_000)
	out := h.settle(t, t0.Add(window))
	s := out.Summary
	if s.VolatilityBps != 20 || !s.MoreVolatileWon || !s.NoWinners {
		t.Fatalf("summary = %+v", s)
	}
	if len(s.Paid)+len(s.Failed) != 0 || h.book.Transfers() != 0 {
		t.Error("no transfer expected")
	}
	if !s.ProtocolTake.Eq(&entryFee) {
		t.Errorf("protocol take = %s", s.ProtocolTake.Dec())
	}
	stored, _ := h.store.GetRound(context.Background(), 0)
	if !stored.ProtocolTake.Eq(&entryFee) {
		t.Errorf("stored protocol take = %s", stored.ProtocolTake.Dec())
	}
}

func TestTieGoesToLessVolatile(t *testing.T) {
	h := newHarness(t, 6_000_000_000_000, func(c *Config, _ *Deps) { c.InitialThreshold = 150 })
	h.settle(t, t0)
	h.bet(t, alice, true, t0.Add(time.Minute))
	h.bet(t, bob, false, t0.Add(time.Minute))
	h.oracle.Set(6_090_000_000_000)

	out := h.settle(t, t0.Add(window))
	if out.MoreVolatileWon || out.Summary.Paid[0].Winner != bob {
		t.Errorf("outcome = %+v", out)
	}
}

func TestSettlementIdempotent(t *testing.T) {
	h := newHarness(t, 6_000_000_000_000)
	h.settle(t, t0)
	h.bet(t, alice, true, t0.Add(time.Minute))
	h.oracle.Set(6_100_000_000_000)

	end := t0.Add(window)
	h.clock = end
	var wg sync.WaitGroup
	var mu sync.Mutex
	kinds := map[OutcomeKind]int{}
	var outs []Outcome
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.engine.TrySettle(context.Background(), end)
			if err != nil {
				t.Errorf("TrySettle: %v", err)
				return
			}
			mu.Lock()
			kinds[out.Kind]++
			outs = append(outs, out)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if kinds[OutcomeSettled] != 1 || kinds[OutcomeNotDue] != 7 {
		t.Errorf("outcomes = %v", kinds)
	}
	// 6.0e12 -> 6.1e12 is 166 bps; every call reports that result.
	for _, out := range outs {
		if !out.HasResult || out.SettledRoundID != 0 || out.VolatilityBps != 166 || !out.MoreVolatileWon {
			t.Errorf("%s outcome = %+v", out.Kind, out)
		}
	}
	if n := h.countEvents(domain.EventRoundSettled); n != 1 {
		t.Errorf("RoundSettled events = %d", n)
	}
	if h.book.Transfers() != 1 {
		t.Errorf("transfers = %d", h.book.Transfers())
	}
}

func TestRoundIDsAreGapFree(t *testing.T) {
	h := newHarness(t, 100_000)
	at := t0
	h.settle(t, at)
	for i := 0; i < 5; i++ {
		at = at.Add(window)
		h.oracle.Set(100_000 + int64(i+1)*100)
		out := h.settle(t, at)
		if out.Kind != OutcomeSettled || out.RoundID != uint64(i) || out.Summary.NextRoundID != uint64(i+1) {
			t.Fatalf("round %d: outcome = %+v", i, out)
		}
	}
	rounds, _ := h.engine.ListRounds(context.Background(), domain.ListOpts{})
	if len(rounds) != 6 {
		t.Fatalf("stored rounds = %d", len(rounds))
	}
	for i, r := range rounds {
		if want := uint64(5 - i); r.ID != want {
			t.Errorf("rounds[%d].ID = %d, want %d", i, r.ID, want)
		}
	}
	var started []uint64
	for _, e := range h.events.Read(0, 0) {
		if e.Kind == domain.EventRoundStarted {
			started = append(started, e.RoundID)
		}
	}
	for i, id := range started {
		if id != uint64(i) {
			t.Fatalf("RoundStarted ids = %v", started)
		}
	}
}

func TestThresholdCarriesForward(t *testing.T) {
	h := newHarness(t, 10_000)
	h.settle(t, t0)
	h.oracle.Set(10_100) // 100 bps
	h.settle(t, t0.Add(window))

	h.bet(t, alice, true, t0.Add(window+time.Minute))
	h.oracle.Set(10_150) // 10100 → 10150 is 49 bps
	out := h.settle(t, t0.Add(2*window))
	if out.Summary.Threshold != 100 || out.VolatilityBps != 49 || out.MoreVolatileWon {
		t.Errorf("summary = %+v", out.Summary)
	}
	if h.engine.Threshold() != 49 {
		t.Errorf("threshold = %d", h.engine.Threshold())
	}
}

func TestStalePriceBlocksSettlement(t *testing.T) {
	h := newHarness(t, 6_000_000_000_000)
	h.settle(t, t0)
	h.bet(t, alice, true, t0.Add(time.Minute))

	end := t0.Add(window)
	h.clock = end
	h.oracle.SetUpdatedAt(end.Add(-2 * time.Hour))
	_, err := h.engine.TrySettle(context.Background(), end)
	if !errors.Is(err, domain.ErrStalePrice) || !domain.Retryable(err) {
		t.Fatalf("err = %v, want retryable ErrStalePrice", err)
	}
	r, _ := h.engine.Round(context.Background(), 0)
	if r.Settled {
		t.Fatal("round settled on a stale price")
	}
	if h.alerts.count(AlertStalePrice) != 1 {
		t.Error("expected a stale price alert")
	}

	h.oracle.SetError(errors.New("rpc timeout"))
	if _, err := h.engine.TrySettle(context.Background(), end); !errors.Is(err, domain.ErrStalePrice) {
		t.Fatalf("oracle error: err = %v", err)
	}
	h.oracle.SetError(nil)
	h.oracle.Set(6_000_000_000_000)
	if out := h.settle(t, end.Add(time.Minute)); out.Kind != OutcomeSettled {
		t.Errorf("after recovery outcome = %s", out.Kind)
	}
}

func TestStalePriceBlocksOpening(t *testing.T) {
	h := newHarness(t, 100)
	h.oracle.SetUpdatedAt(t0.Add(-2 * time.Hour))
	if _, err := h.engine.TrySettle(context.Background(), t0); !errors.Is(err, domain.ErrStalePrice) {
		t.Fatalf("err = %v", err)
	}
	if _, err := h.engine.CurrentRoundID(); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("round opened on stale price: %v", err)
	}
}

func TestPauseStopsBetsNotSettlement(t *testing.T) {
	h := newHarness(t, 100)
	h.settle(t, t0)
	h.engine.PauseBetting(context.Background(), true, "ops")

	if _, err := h.engine.PlaceBet(context.Background(), alice, true, entryFee, t0.Add(time.Minute)); !errors.Is(err, domain.ErrBettingClosed) {
		t.Fatalf("paused bet: err = %v", err)
	}
	if out := h.settle(t, t0.Add(window)); out.Kind != OutcomeSettled {
		t.Fatalf("outcome = %s", out.Kind)
	}
	info, _ := h.engine.CurrentRoundInfo(context.Background(), t0.Add(window))
	if info.BettingOpen || !info.Paused {
		t.Errorf("pause did not carry over: %+v", info)
	}
	entries, _ := h.store.List(context.Background(), domain.AuditFilter{Actor: "ops"})
	if len(entries) != 1 || entries[0].Event != domain.AuditBettingPaused {
		t.Errorf("audit = %+v", entries)
	}
}

func TestUpdateEntryFee(t *testing.T) {
	h := newHarness(t, 100)
	h.settle(t, t0)
	if err := h.engine.UpdateEntryFee(context.Background(), uint256.Int{}, "ops"); err == nil {
		t.Fatal("zero fee accepted")
	}
	fee := *uint256.NewInt(5)
	if err := h.engine.UpdateEntryFee(context.Background(), fee, "ops"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.PlaceBet(context.Background(), alice, true, entryFee, t0); !errors.Is(err, domain.ErrInsufficientWager) {
		t.Errorf("old fee: err = %v", err)
	}
	if _, err := h.engine.PlaceBet(context.Background(), alice, true, fee, t0); err != nil {
		t.Errorf("new fee: %v", err)
	}
}

func TestPayoutFailureAndRetry(t *testing.T) {
	h := newHarness(t, 100)
	h.settle(t, t0)
	h.bet(t, alice, true, t0.Add(time.Minute))
	h.bet(t, bob, true, t0.Add(time.Minute))
	h.bet(t, carol, false, t0.Add(time.Minute))
	h.book.Fail(bob, errors.New("reverted"))

	h.oracle.Set(200)
	out := h.settle(t, t0.Add(window))
	s := out.Summary
	if len(s.Paid) != 1 || len(s.Failed) != 1 || s.Failed[0].Winner != bob {
		t.Fatalf("paid=%+v failed=%+v", s.Paid, s.Failed)
	}
	if h.countEvents(domain.EventPayoutFailed) != 1 || h.alerts.count(AlertPayoutFailed) != 1 {
		t.Error("payout failure not reported")
	}

	h.book.Fail(bob, nil)
	retried, err := h.engine.RetryFailedPayouts(context.Background(), "ops")
	if err != nil {
		t.Fatal(err)
	}
	if len(retried) != 1 || retried[0].Status != domain.PayoutStatusPaid {
		t.Fatalf("retried = %+v", retried)
	}
	if bal := h.book.Balance(bob); !bal.Eq(&s.Failed[0].Amount) {
		t.Errorf("bob balance = %s", bal.Dec())
	}
	if failed, _ := h.store.ListFailedPayouts(context.Background()); len(failed) != 0 {
		t.Errorf("still failed: %+v", failed)
	}
	if h.countEvents(domain.EventPrizeDistributed) != 2 {
		t.Errorf("PrizeDistributed events = %d", h.countEvents(domain.EventPrizeDistributed))
	}
}

func TestRestoreResumesOpenRound(t *testing.T) {
	h := newHarness(t, 10_000)
	h.settle(t, t0)
	// Nobody backs the winning side of round 0, so the protocol keeps it.
	h.bet(t, carol, false, t0.Add(time.Minute))
	h.oracle.Set(10_300)
	h.settle(t, t0.Add(window))
	h.bet(t, alice, true, t0.Add(window+time.Minute))
	h.bet(t, bob, false, t0.Add(window+2*time.Minute))

	// Same store, fresh process.
	h.build()
	if err := h.engine.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if h.engine.Threshold() != 300 {
		t.Errorf("restored threshold = %d", h.engine.Threshold())
	}
	if bal := h.engine.ProtocolBalance(); !bal.Eq(&entryFee) {
		t.Errorf("restored protocol balance = %s, want %s", bal.Dec(), entryFee.Dec())
	}
	if out := h.settle(t, t0.Add(window+3*time.Minute)); out.Kind != OutcomeNotDue || !out.HasResult || out.SettledRoundID != 0 || out.VolatilityBps != 300 {
		t.Errorf("restored outcome = %+v", out)
	}
	info, err := h.engine.CurrentRoundInfo(context.Background(), t0.Add(window+3*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if info.RoundID != 1 || info.MoreVolatileBets != 1 || info.LessVolatileBets != 1 {
		t.Fatalf("restored info = %+v", info)
	}

	h.oracle.Set(10_300)
	out := h.settle(t, t0.Add(2*window))
	if out.Kind != OutcomeSettled || out.RoundID != 1 || out.MoreVolatileWon {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Summary.NextRoundID != 2 {
		t.Errorf("next id = %d", out.Summary.NextRoundID)
	}
	// 1e12 retained from round 0 plus the 10% fee on round 1's 2e12 pot.
	if bal := h.engine.ProtocolBalance(); bal.Uint64() != 1_200_000_000_000 {
		t.Errorf("protocol balance = %s", bal.Dec())
	}
}

func TestRestoreEmptyStore(t *testing.T) {
	h := newHarness(t, 100)
	if err := h.engine.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	if out := h.settle(t, t0); out.Kind != OutcomeOpened || out.RoundID != 0 {
		t.Errorf("outcome = %+v", out)
	}
}

// heldLock reports one key as held by someone else.
type heldLock struct{ key string }

func (l heldLock) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	if key == l.key {
		return nil, domain.ErrLockHeld
	}
	return func() {}, nil
}

func TestLockHeldIsBusy(t *testing.T) {
	h := newHarness(t, 100, func(_ *Config, d *Deps) { d.Locks = heldLock{key: "settle:0"} })
	h.settle(t, t0)
	h.clock = t0.Add(window)
	_, err := h.engine.TrySettle(context.Background(), t0.Add(window))
	if !errors.Is(err, domain.ErrSettlementBusy) || !domain.Retryable(err) {
		t.Fatalf("err = %v", err)
	}
}

type fixedLatest struct{ price int64 }

func (f fixedLatest) Latest(context.Context) (domain.PriceReading, error) {
	return domain.PriceReading{Price: f.price, Decimals: 8, UpdatedAt: t0}, nil
}

func TestCurrentRoundInfoLiveVolatility(t *testing.T) {
	h := newHarness(t, 10_000, func(_ *Config, d *Deps) { d.Latest = fixedLatest{price: 10_050} })
	h.settle(t, t0)
	info, err := h.engine.CurrentRoundInfo(context.Background(), t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if info.CurrentPrice != 10_050 || info.LiveVolatilityBps != 50 {
		t.Errorf("info = %+v", info)
	}
	p, _ := h.engine.CurrentPrice(context.Background())
	if p.Price != 10_050 {
		t.Errorf("CurrentPrice = %d", p.Price)
	}
}

func TestLookupUnknownRound(t *testing.T) {
	h := newHarness(t, 100)
	h.settle(t, t0)
	if _, err := h.engine.RoundDetails(context.Background(), 42); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestSettledRoundPersistedWhenPayoutsFail(t *testing.T) {
	h := newHarness(t, 100)
	h.settle(t, t0)
	h.bet(t, alice, true, t0.Add(time.Minute))

	// The ledger already counts round 0 as paid, so applying it fails.
	r, _ := h.engine.Round(context.Background(), 0)
	r.Settled = true
	if err := h.ledger.Load(r); err != nil {
		t.Fatal(err)
	}

	h.oracle.Set(200)
	h.clock = t0.Add(window)
	if _, err := h.engine.TrySettle(context.Background(), t0.Add(window)); !errors.Is(err, domain.ErrAlreadySettled) {
		t.Fatalf("err = %v", err)
	}
	stored, err := h.store.GetRound(context.Background(), 0)
	if err != nil || !stored.Settled || stored.FinalPrice != 200 {
		t.Fatalf("stored round = %+v, %v", stored, err)
	}
	if h.book.Transfers() != 0 {
		t.Errorf("transfers = %d", h.book.Transfers())
	}

	out := h.settle(t, t0.Add(window+time.Second))
	if out.Kind != OutcomeOpened || out.RoundID != 1 || out.SettledRoundID != 0 || out.VolatilityBps != 10000 {
		t.Errorf("next tick = %+v", out)
	}
}
