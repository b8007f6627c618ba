package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/volbet/internal/domain"
)

func TestAppendAndRead(t *testing.T) {
	l := New(0)
	for i := 0; i < 5; i++ {
		evt := l.Append(domain.Event{Kind: domain.EventBetPlaced, RoundID: uint64(i)})
		if evt.Seq != uint64(i+1) || evt.ID == "" || evt.At.IsZero() {
			t.Fatalf("stamped event = %+v", evt)
		}
	}
	if got := l.Read(0, 0); len(got) != 5 {
		t.Fatalf("Read(0, 0) = %d events", len(got))
	}
	got := l.Read(2, 2)
	if len(got) != 2 || got[0].Seq != 3 || got[1].Seq != 4 {
		t.Fatalf("Read(2, 2) = %+v", got)
	}
	if got := l.Read(5, 10); got != nil {
		t.Errorf("Read past end = %+v", got)
	}
}

func TestRetention(t *testing.T) {
	l := New(3)
	for i := 0; i < 10; i++ {
		l.Append(domain.Event{Kind: domain.EventBetPlaced})
	}
	if l.LastSeq() != 10 {
		t.Fatalf("LastSeq = %d", l.LastSeq())
	}
	got := l.Read(0, 0)
	if len(got) != 3 || got[0].Seq != 8 {
		t.Fatalf("retained = %+v", got)
	}
}

func TestFollow(t *testing.T) {
	l := New(0)
	l.Append(domain.Event{Kind: domain.EventRoundStarted})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		mu   sync.Mutex
		seen []uint64
		done = make(chan struct{})
	)
	stop := errors.New("stop")
	go func() {
		defer close(done)
		_, err := l.Follow(ctx, 0, func(evt domain.Event) error {
			mu.Lock()
			seen = append(seen, evt.Seq)
			n := len(seen)
			mu.Unlock()
			if n == 3 {
				return stop
			}
			return nil
		})
		if !errors.Is(err, stop) {
			t.Errorf("Follow err = %v", err)
		}
	}()

	l.Append(domain.Event{Kind: domain.EventBetPlaced})
	l.Append(domain.Event{Kind: domain.EventRoundSettled})
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Errorf("seen = %v", seen)
	}
}

type recordingBus struct {
	mu        sync.Mutex
	published [][]byte
	streamed  [][]byte
	failPub   bool
}

func (b *recordingBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPub {
		return errors.New("bus down")
	}
	b.published = append(b.published, payload)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed = append(b.streamed, payload)
	return nil
}

func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *recordingBus) counts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published), len(b.streamed)
}

func TestRelay(t *testing.T) {
	l := New(0)
	bus := &recordingBus{failPub: true}
	l.Append(domain.Event{Kind: domain.EventRoundStarted, RoundID: 0})

	ctx, cancel := context.WithCancel(context.Background())
	r := NewRelay(l, bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	l.Append(domain.Event{Kind: domain.EventBetPlaced, RoundID: 0, Bettor: "0xa"})

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, streamed := bus.counts()
		if streamed == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("relay streamed %d events", streamed)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run err = %v", err)
	}

	published, _ := bus.counts()
	if published != 0 {
		t.Errorf("published %d with failing bus", published)
	}
	var evt domain.Event
	if err := json.Unmarshal(bus.streamed[1], &evt); err != nil {
		t.Fatal(err)
	}
	if evt.Kind != domain.EventBetPlaced || evt.Bettor != "0xa" || evt.Seq != 2 {
		t.Errorf("relayed event = %+v", evt)
	}
}

func TestSubscribeStreamsNewEvents(t *testing.T) {
	l := New(0)
	l.Append(domain.Event{Kind: domain.EventRoundStarted, RoundID: 0})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := l.Subscribe(ctx, Channel)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Subscribe(ctx, "ch:other"); err == nil {
		t.Fatal("unknown channel accepted")
	}

	l.Append(domain.Event{Kind: domain.EventBetPlaced, RoundID: 0, Bettor: "0xA"})

	select {
	case payload := <-ch:
		var evt domain.Event
		if err := json.Unmarshal(payload, &evt); err != nil {
			t.Fatal(err)
		}
		if evt.Kind != domain.EventBetPlaced || evt.Seq != 2 {
			t.Fatalf("event = %+v, want only events after subscribe", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	for range ch {
	}
}
