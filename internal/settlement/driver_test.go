package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/volbet/internal/domain"
)

type scriptedSettler struct {
	results []error
	calls   int
}

func (s *scriptedSettler) TrySettle(context.Context, time.Time) (Outcome, error) {
	i := s.calls
	s.calls++
	if i < len(s.results) && s.results[i] != nil {
		return Outcome{}, s.results[i]
	}
	return Outcome{Kind: OutcomeNotDue}, nil
}

func TestDriverAlertsAfterConsecutiveFailures(t *testing.T) {
	stale := fmt.Errorf("read: %w", domain.ErrStalePrice)
	s := &scriptedSettler{results: []error{stale, stale, nil, stale, stale, stale, stale}}
	a := &alerts{}
	d := NewDriver(DriverConfig{Interval: time.Hour, AlertAfter: 3}, s, a, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for i := 0; i < 7; i++ {
		d.Tick(context.Background())
	}
	if d.Failures() != 4 {
		t.Errorf("Failures = %d", d.Failures())
	}
	if got := a.count(AlertDriverFailing); got != 1 {
		t.Errorf("alerts = %d, want 1", got)
	}
}

func TestDriverRunTicksImmediately(t *testing.T) {
	s := &scriptedSettler{}
	d := NewDriver(DriverConfig{Interval: time.Hour}, s, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run err = %v", err)
	}
	if s.calls != 1 {
		t.Errorf("calls = %d, want 1", s.calls)
	}
}
