package notify

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/volbet/internal/crypto"
)

// Webhook signature headers. The signature is crypto.SignPayload over the
// timestamp header value and the raw body.
const (
	HeaderTimestamp = "X-Volbet-Timestamp"
	HeaderSignature = "X-Volbet-Signature"
)

// WebhookSender posts alerts as JSON to an arbitrary endpoint, signed with a
// shared secret when one is configured.
type WebhookSender struct {
	url    string
	secret []byte
	client *http.Client
	now    func() time.Time
}

// NewWebhookSender creates a WebhookSender. An empty secret disables signing.
func NewWebhookSender(url, secret string) *WebhookSender {
	return &WebhookSender{
		url:    url,
		secret: []byte(secret),
		client: defaultClient(),
		now:    time.Now,
	}
}

type webhookPayload struct {
	Title   string    `json:"title"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

func (w *WebhookSender) Send(ctx context.Context, title, message string) error {
	now := w.now().UTC()
	payload := webhookPayload{Title: title, Message: message, SentAt: now}
	err := postJSON(ctx, w.client, w.url, payload, func(req *http.Request, body []byte) {
		if len(w.secret) == 0 {
			return
		}
		ts := now.Unix()
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(HeaderSignature, crypto.SignPayload(w.secret, ts, body))
	})
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}

func (w *WebhookSender) Name() string { return "webhook" }
