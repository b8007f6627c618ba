package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/alanyoungcy/volbet/internal/domain"
)

// ErrBadCursor is returned for a cursor that was not produced by Replay.
var ErrBadCursor = errors.New("eventlog: bad cursor")

// Page is a batch of past events with the cursor to pass as after on the
// next call. Cursor is unchanged when nothing new was found.
type Page struct {
	Events []json.RawMessage
	Cursor string
}

// Replay returns up to limit events after the sequence number in after ("" or
// "0" for the oldest held event).
func (l *Log) Replay(_ context.Context, after string, limit int) (Page, error) {
	var seq uint64
	if after != "" {
		v, err := strconv.ParseUint(after, 10, 64)
		if err != nil {
			return Page{}, fmt.Errorf("%w: %q", ErrBadCursor, after)
		}
		seq = v
	}
	page := Page{Cursor: strconv.FormatUint(seq, 10)}
	for _, evt := range l.Read(seq, limit) {
		data, err := json.Marshal(evt)
		if err != nil {
			return Page{}, fmt.Errorf("eventlog: marshal event %d: %w", evt.Seq, err)
		}
		page.Events = append(page.Events, data)
		page.Cursor = strconv.FormatUint(evt.Seq, 10)
	}
	return page, nil
}

// StreamReplay serves past events from the durable bus stream the Relay
// writes, so every replica returns the same history. Cursors are stream
// entry IDs.
type StreamReplay struct {
	bus domain.SignalBus
}

// NewStreamReplay creates a StreamReplay over bus.
func NewStreamReplay(bus domain.SignalBus) *StreamReplay {
	return &StreamReplay{bus: bus}
}

// Replay returns up to limit entries after the stream ID in after.
func (s *StreamReplay) Replay(ctx context.Context, after string, limit int) (Page, error) {
	if after == "" {
		after = "0"
	}
	if !validStreamID(after) {
		return Page{}, fmt.Errorf("%w: %q", ErrBadCursor, after)
	}
	msgs, err := s.bus.StreamRead(ctx, Stream, after, limit)
	if err != nil {
		return Page{}, fmt.Errorf("eventlog: replay: %w", err)
	}
	page := Page{Cursor: after}
	for _, m := range msgs {
		page.Events = append(page.Events, json.RawMessage(m.Payload))
		page.Cursor = m.ID
	}
	return page, nil
}

// validStreamID accepts "<ms>" or "<ms>-<seq>".
func validStreamID(id string) bool {
	ms, seq, hasSeq := strings.Cut(id, "-")
	if _, err := strconv.ParseUint(ms, 10, 64); err != nil {
		return false
	}
	if hasSeq {
		if _, err := strconv.ParseUint(seq, 10, 64); err != nil {
			return false
		}
	}
	return true
}
