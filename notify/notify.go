// Package notify owns the dispatch contract for delivering one
// notification to an external transport. It ships two transports — a
// logging sink for local/dev visibility and a webhook POST for real
// delivery — but stops there: providers for SMS, email, or push are out
// of scope.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notification is one message queued for delivery.
type Notification struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Payload   any       `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Transport delivers one Notification somewhere outside this process.
type Transport interface {
	Send(ctx context.Context, n Notification) error
}

// Dispatcher fans a Notification out to every configured Transport. A
// failure on one transport doesn't stop delivery to the others; errors
// are joined and returned to the caller to log or retry.
type Dispatcher struct {
	log        *zap.Logger
	transports []Transport
}

// New builds a Dispatcher over the given transports, in delivery order.
func New(log *zap.Logger, transports ...Transport) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{log: log, transports: transports}
}

// Dispatch delivers n to every transport, returning a joined error if any
// transport failed. The caller decides whether a partial failure is fatal.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	var errs error
	for _, t := range d.transports {
		if err := t.Send(ctx, n); err != nil {
			d.log.Warn("notification transport failed",
				zap.String("notification_id", n.ID.String()), zap.Error(err))
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}

// LoggingTransport writes every notification to the structured log.
// Always available, used in local/dev environments with no webhook
// configured and alongside real transports in production for an audit
// trail.
type LoggingTransport struct {
	log *zap.Logger
}

// NewLoggingTransport builds a LoggingTransport.
func NewLoggingTransport(log *zap.Logger) *LoggingTransport {
	if log == nil {
		log = zap.NewNop()
	}
	return &LoggingTransport{log: log}
}

func (t *LoggingTransport) Send(_ context.Context, n Notification) error {
	t.log.Info("notification dispatched",
		zap.String("notification_id", n.ID.String()),
		zap.String("user_id", n.UserID.String()),
		zap.String("type", n.Type),
		zap.String("title", n.Title),
	)
	return nil
}

// WebhookTransport POSTs each notification as JSON to a configured URL,
// one shot per call: dial, send, await the response, and surface any
// failure rather than swallow it, since unlike a file-conversion listing
// a dropped notification has no "come back and re-list" fallback.
type WebhookTransport struct {
	url    string
	client *http.Client
	idSeq  atomic.Int64
}

// NewWebhookTransport builds a WebhookTransport posting to url with the
// given timeout.
func NewWebhookTransport(url string, timeout time.Duration) *WebhookTransport {
	return &WebhookTransport{url: url, client: &http.Client{Timeout: timeout}}
}

type webhookEnvelope struct {
	RequestID string       `json:"request_id"`
	Notification Notification `json:"notification"`
}

func (t *WebhookTransport) nextRequestID() string {
	return fmt.Sprintf("n%d", t.idSeq.Add(1))
}

func (t *WebhookTransport) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(webhookEnvelope{RequestID: t.nextRequestID(), Notification: n})
	if err != nil {
		return errors.Wrap(err, "notify: marshal webhook payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "notify: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "notify: webhook unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.Newf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
