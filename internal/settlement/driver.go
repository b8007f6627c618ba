package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/volbet/internal/domain"
)

// Settler is what the driver ticks.
type Settler interface {
	TrySettle(ctx context.Context, now time.Time) (Outcome, error)
}

// DriverConfig controls the polling loop.
type DriverConfig struct {
	Interval time.Duration
	// AlertAfter sends an operator alert once this many consecutive ticks
	// have failed. Zero disables the alert.
	AlertAfter int
}

// Driver calls TrySettle on a fixed interval, once immediately on start.
type Driver struct {
	cfg      DriverConfig
	settler  Settler
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	failures int
}

// NewDriver creates a Driver. notifier may be nil.
func NewDriver(cfg DriverConfig, settler Settler, notifier Notifier, logger *slog.Logger) *Driver {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	return &Driver{
		cfg:      cfg,
		settler:  settler,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "settlement_driver")),
		now:      time.Now,
	}
}

// Run ticks until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "settlement driver started", slog.Duration("interval", d.cfg.Interval))

	d.Tick(ctx)
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.InfoContext(ctx, "settlement driver stopped")
			return ctx.Err()
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one settlement attempt and logs its result.
func (d *Driver) Tick(ctx context.Context) {
	out, err := d.settler.TrySettle(ctx, d.now())
	if err != nil {
		d.failed(ctx, err)
		return
	}
	d.failures = 0

	switch out.Kind {
	case OutcomeNotDue:
		d.logger.DebugContext(ctx, "round not due", slog.Uint64("round_id", out.RoundID))
	case OutcomeAlreadySettled:
		d.logger.DebugContext(ctx, "round already settled", slog.Uint64("round_id", out.RoundID))
	case OutcomeOpened:
		d.logger.InfoContext(ctx, "round opened", slog.Uint64("round_id", out.RoundID))
	case OutcomeSettled:
		attrs := []any{
			slog.Uint64("round_id", out.RoundID),
			slog.Uint64("volatility_bps", out.VolatilityBps),
			slog.Bool("more_volatile_won", out.MoreVolatileWon),
		}
		if s := out.Summary; s != nil {
			attrs = append(attrs,
				slog.Int("paid", len(s.Paid)),
				slog.Int("failed", len(s.Failed)),
				slog.Uint64("next_round_id", s.NextRoundID),
			)
			for _, w := range s.Warnings {
				d.logger.WarnContext(ctx, "settlement warning", slog.Uint64("round_id", out.RoundID), slog.String("warning", w))
			}
		}
		d.logger.InfoContext(ctx, "round settled", attrs...)
	}
}

func (d *Driver) failed(ctx context.Context, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	d.failures++
	if domain.Retryable(err) {
		d.logger.WarnContext(ctx, "settlement attempt failed",
			slog.String("code", domain.Code(err)),
			slog.Int("consecutive", d.failures),
			slog.String("error", err.Error()),
		)
	} else {
		d.logger.ErrorContext(ctx, "settlement attempt failed",
			slog.String("code", domain.Code(err)),
			slog.Int("consecutive", d.failures),
			slog.String("error", err.Error()),
		)
	}

	if d.notifier != nil && d.cfg.AlertAfter > 0 && d.failures == d.cfg.AlertAfter {
		msg := fmt.Sprintf("%d consecutive settlement failures, last: %v", d.failures, err)
		if nerr := d.notifier.Notify(ctx, AlertDriverFailing, "Settlement stalled", msg); nerr != nil {
			d.logger.WarnContext(ctx, "operator alert failed", slog.String("error", nerr.Error()))
		}
	}
}

// Failures returns the current run of consecutive failed ticks.
func (d *Driver) Failures() int {
	return d.failures
}
