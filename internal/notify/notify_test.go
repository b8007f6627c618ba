package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/volbet/internal/crypto"
)

type recordSender struct {
	mu     sync.Mutex
	name   string
	err    error
	titles []string
}

func (r *recordSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordSender) Name() string { return r.name }

func TestNotifierFiltersEvents(t *testing.T) {
	s := &recordSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{" payout_failed ", ""}, slog.New(slog.DiscardHandler))

	if err := n.Notify(context.Background(), "round_settled", "settled", "x"); err != nil {
		t.Fatal(err)
	}
	if err := n.Notify(context.Background(), "payout_failed", "failed", "x"); err != nil {
		t.Fatal(err)
	}
	if err := n.NotifyAll(context.Background(), "all", "x"); err != nil {
		t.Fatal(err)
	}
	if strings.Join(s.titles, ",") != "failed,all" {
		t.Fatalf("titles = %v", s.titles)
	}
}

func TestNotifierContinuesPastFailingSender(t *testing.T) {
	bad := &recordSender{name: "bad", err: errors.New("down")}
	good := &recordSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, slog.New(slog.DiscardHandler))

	err := n.Notify(context.Background(), "stale_price", "stale", "x")
	if err == nil || !strings.Contains(err.Error(), "bad: down") {
		t.Fatalf("err = %v", err)
	}
	if len(good.titles) != 1 {
		t.Fatalf("good sender not reached")
	}
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	s := NewTelegramSender(srv.URL+"/", "tok", "42")
	if err := s.Send(context.Background(), "Payout failed", "round 7"); err != nil {
		t.Fatal(err)
	}
	if path != "/bottok/sendMessage" {
		t.Fatalf("path = %q", path)
	}
	if got["chat_id"] != "42" || got["text"] != "*Payout failed*\nround 7" {
		t.Fatalf("payload = %v", got)
	}
}

func TestDiscordSenderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("err = %v", err)
	}
}

func TestWebhookSenderSigns(t *testing.T) {
	secret := []byte("shh")
	fixed := time.Unix(1_760_000_000, 0)

	var verified bool
	var payload webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts, _ := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
		verified = crypto.VerifyPayload(secret, ts, body, r.Header.Get(HeaderSignature))
		_ = json.Unmarshal(body, &payload)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL, string(secret))
	s.now = func() time.Time { return fixed }
	if err := s.Send(context.Background(), "Round settled", "round 3"); err != nil {
		t.Fatal(err)
	}
	if !verified {
		t.Fatal("signature did not verify")
	}
	if payload.Title != "Round settled" || !payload.SentAt.Equal(fixed) {
		t.Fatalf("payload = %+v", payload)
	}
}
