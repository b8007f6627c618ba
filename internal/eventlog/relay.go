package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/volbet/internal/domain"
)

// Default bus names used by the relay and the WebSocket hub.
const (
	Channel = "ch:round"
	Stream  = "stream:round"
)

// Relay copies events from the Log onto a SignalBus: a durable stream for
// replay and a pub/sub channel for live consumers.
type Relay struct {
	log    *Log
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewRelay creates a Relay from log to bus.
func NewRelay(log *Log, bus domain.SignalBus, logger *slog.Logger) *Relay {
	return &Relay{
		log:    log,
		bus:    bus,
		logger: logger.With(slog.String("component", "event_relay")),
	}
}

// Run relays every event held by the log, then every new one, until ctx
// is cancelled. Bus errors are logged and the event is skipped.
func (r *Relay) Run(ctx context.Context) error {
	_, err := r.log.Follow(ctx, 0, func(evt domain.Event) error {
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("eventlog: marshal event %d: %w", evt.Seq, err)
		}
		if err := r.bus.StreamAppend(ctx, Stream, payload); err != nil {
			r.logger.WarnContext(ctx, "stream append failed",
				slog.Uint64("seq", evt.Seq),
				slog.String("error", err.Error()),
			)
		}
		if err := r.bus.Publish(ctx, Channel, payload); err != nil {
			r.logger.WarnContext(ctx, "publish failed",
				slog.Uint64("seq", evt.Seq),
				slog.String("error", err.Error()),
			)
		}
		return nil
	})
	return err
}

// Subscribe streams the JSON of every event appended after the call, so the
// log can stand in for a SignalBus channel when no bus is configured. Only
// Channel is served. The returned channel closes when ctx is done.
func (l *Log) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if channel != Channel {
		return nil, fmt.Errorf("eventlog: unknown channel %q", channel)
	}
	out := make(chan []byte, 64)
	from := l.LastSeq()
	go func() {
		defer close(out)
		_, _ = l.Follow(ctx, from, func(evt domain.Event) error {
			payload, err := json.Marshal(evt)
			if err != nil {
				return nil
			}
			select {
			case out <- payload:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	return out, nil
}
