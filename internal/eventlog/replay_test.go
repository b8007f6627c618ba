package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/volbet/internal/cache/redis"
	"github.com/alanyoungcy/volbet/internal/domain"
)

func kinds(t *testing.T, page Page) []domain.EventKind {
	t.Helper()
	out := make([]domain.EventKind, len(page.Events))
	for i, raw := range page.Events {
		var evt domain.Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			t.Fatal(err)
		}
		out[i] = evt.Kind
	}
	return out
}

func TestLogReplay(t *testing.T) {
	l := New(0)
	l.Append(domain.Event{Kind: domain.EventRoundStarted})
	l.Append(domain.Event{Kind: domain.EventBetPlaced})
	l.Append(domain.Event{Kind: domain.EventRoundSettled})

	ctx := context.Background()
	page, err := l.Replay(ctx, "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if got := kinds(t, page); len(got) != 2 || got[1] != domain.EventBetPlaced || page.Cursor != "2" {
		t.Fatalf("page = %v cursor %s", got, page.Cursor)
	}
	page, _ = l.Replay(ctx, page.Cursor, 10)
	if got := kinds(t, page); len(got) != 1 || got[0] != domain.EventRoundSettled || page.Cursor != "3" {
		t.Fatalf("page = %v cursor %s", got, page.Cursor)
	}
	page, _ = l.Replay(ctx, "3", 10)
	if len(page.Events) != 0 || page.Cursor != "3" {
		t.Errorf("caught-up page = %+v", page)
	}
	if _, err := l.Replay(ctx, "x", 10); !errors.Is(err, ErrBadCursor) {
		t.Errorf("bad cursor err = %v", err)
	}
}

func TestStreamReplayFollowsRelay(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	bus := redis.NewSignalBus(redis.Wrap(rdb, "volbet:"))

	l := New(0)
	l.Append(domain.Event{Kind: domain.EventRoundStarted})
	l.Append(domain.Event{Kind: domain.EventBetPlaced})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewRelay(l, bus, slog.New(slog.NewTextHandler(io.Discard, nil))).Run(ctx)

	replay := NewStreamReplay(bus)
	var page Page
	deadline := time.Now().Add(5 * time.Second)
	for {
		var err error
		page, err = replay.Replay(ctx, "", 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(page.Events) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stream holds %d events", len(page.Events))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := kinds(t, page); got[0] != domain.EventRoundStarted || got[1] != domain.EventBetPlaced {
		t.Errorf("kinds = %v", got)
	}

	next, err := replay.Replay(ctx, page.Cursor, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(next.Events) != 0 || next.Cursor != page.Cursor {
		t.Errorf("after cursor = %+v", next)
	}
	if _, err := replay.Replay(ctx, "not-an-id", 10); !errors.Is(err, ErrBadCursor) {
		t.Errorf("bad cursor err = %v", err)
	}
}
