// Package webhook delivers lifecycle events to user-configured HTTP
// endpoints. Dispatch is detached from the triggering request by a buffered
// queue and a worker pool; deliveries are signed so receivers can verify
// authenticity, retried with back-off, and dropped with a log line once the
// attempts are spent. There is no persistent outbox — webhooks are a
// best-effort mirror of the notification stream, not a ledger.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/events"
	"github.com/taskwire-io/taskwire/internal/metrics"
	"github.com/taskwire-io/taskwire/internal/protocol"
	"github.com/taskwire-io/taskwire/internal/repositories"
	"github.com/taskwire-io/taskwire/internal/types"
)

const (
	// queueSize bounds events waiting for a worker. Overflow drops the
	// event: a stalled receiver must never back up into the task pipeline.
	queueSize = 256

	// workerCount is the delivery parallelism.
	workerCount = 4

	// deliverTimeout bounds a single POST, connect to response.
	deliverTimeout = 10 * time.Second

	// maxAttempts is one initial try plus three backed-off retries.
	maxAttempts = 4

	// signatureHeader carries "sha256=<hex>" over the exact request body.
	signatureHeader = "X-Webhook-Signature"
)

// Delivery outcome labels for metrics.WebhookDeliveries.
const (
	outcomeDelivered = "delivered"
	outcomeFailed    = "failed"
	outcomeDropped   = "dropped"
)

// deliveryBody is the JSON document POSTed to the endpoint. It is rendered
// canonically (sorted keys) so the same event always signs to the same bytes.
type deliveryBody struct {
	Event     types.EventType `json:"event"`
	Timestamp string          `json:"timestamp"`
	Data      map[string]any  `json:"data,omitempty"`
}

// Dispatcher fans lifecycle events out to the owner's active webhook
// subscriptions. It implements events.Subscriber; HandleEvent enqueues and
// returns immediately.
type Dispatcher struct {
	webhooks repositories.WebhookRepository
	client   *http.Client
	queue    chan events.Event
	wg       sync.WaitGroup
	logger   *zap.Logger

	// backoff maps a failed attempt number (1-based) to the wait before
	// the next try. Swapped out in tests.
	backoff func(attempt int) time.Duration
}

func NewDispatcher(webhooks repositories.WebhookRepository, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		webhooks: webhooks,
		client:   &http.Client{Timeout: deliverTimeout},
		queue:    make(chan events.Event, queueSize),
		logger:   logger.Named("webhook"),
		backoff: func(attempt int) time.Duration {
			return time.Second << (attempt - 1) // 1s, 2s, 4s
		},
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled;
// whatever is still queued at that point is abandoned.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < workerCount; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case ev := <-d.queue:
					d.process(ctx, ev)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	d.logger.Info("webhook dispatcher started", zap.Int("workers", workerCount))
}

// Wait blocks until all workers have exited. Called after the root context
// is cancelled during shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// HandleEvent implements events.Subscriber. It never blocks: when the queue
// is full the event is counted and dropped.
func (d *Dispatcher) HandleEvent(_ context.Context, ev events.Event) {
	select {
	case d.queue <- ev:
	default:
		metrics.WebhookDeliveries.WithLabelValues(outcomeDropped).Inc()
		d.logger.Warn("webhook queue full, dropping event",
			zap.String("type", string(ev.Type)),
			zap.String("user_id", ev.UserID.String()))
	}
}

// process resolves the owner's matching subscriptions and delivers to each.
func (d *Dispatcher) process(ctx context.Context, ev events.Event) {
	subs, err := d.webhooks.ListActiveByOwner(ctx, ev.UserID)
	if err != nil {
		d.logger.Error("list webhooks failed",
			zap.String("user_id", ev.UserID.String()), zap.Error(err))
		return
	}
	if len(subs) == 0 {
		return
	}

	body, err := protocol.CanonicalJSON(deliveryBody{
		Event:     ev.Type,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
		Data:      ev.Payload(),
	})
	if err != nil {
		d.logger.Error("marshal delivery body failed", zap.Error(err))
		return
	}

	for i := range subs {
		sub := &subs[i]
		if !sub.Subscribes(ev.Type) {
			continue
		}
		d.deliver(ctx, sub, ev.Type, body)
	}
}

// deliver POSTs body to one subscription, retrying with back-off until it
// lands or the attempts are spent.
func (d *Dispatcher) deliver(ctx context.Context, sub *db.Webhook, event types.EventType, body []byte) {
	logger := d.logger.With(
		zap.String("webhook_id", sub.ID.String()),
		zap.String("event", string(event)))

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := d.post(ctx, sub, body)
		if err == nil {
			metrics.WebhookDeliveries.WithLabelValues(outcomeDelivered).Inc()
			logger.Debug("webhook delivered", zap.Int("attempt", attempt))
			return
		}
		if attempt == maxAttempts {
			metrics.WebhookDeliveries.WithLabelValues(outcomeFailed).Inc()
			logger.Warn("webhook delivery failed, giving up",
				zap.Int("attempts", attempt), zap.Error(err))
			return
		}

		select {
		case <-time.After(d.backoff(attempt)):
		case <-ctx.Done():
			metrics.WebhookDeliveries.WithLabelValues(outcomeFailed).Inc()
			return
		}
	}
}

func (d *Dispatcher) post(ctx context.Context, sub *db.Webhook, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Taskwire-Webhook/1.0")
	req.Header.Set(signatureHeader, "sha256="+signBody(body, string(sub.Secret)))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// signBody computes the hex HMAC-SHA256 of body under secret, the GitHub /
// Stripe webhook convention.
func signBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("webhook: endpoint returned status %d", e.code)
}

var _ events.Subscriber = (*Dispatcher)(nil)
