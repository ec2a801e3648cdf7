package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/fundroom/internal/circuitbreaker"
	"github.com/mbd888/fundroom/internal/idgen"
	"github.com/mbd888/fundroom/internal/metrics"
	"github.com/mbd888/fundroom/internal/retry"
)

// Signature headers set on every webhook delivery.
const (
	HeaderEvent     = "X-FundRoom-Event"
	HeaderDelivery  = "X-FundRoom-Delivery"
	HeaderTimestamp = "X-FundRoom-Timestamp"
	HeaderSignature = "X-FundRoom-Signature"
)

// envelope is the JSON body of a webhook delivery.
type envelope struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// WebhookNotifier POSTs signed JSON events to one endpoint. Deliveries run
// in the background with bounded retries. A delivery that exhausts its
// retries counts against a circuit breaker; while it is open further events
// are dropped without a request.
type WebhookNotifier struct {
	url         string
	secret      string
	client      *http.Client
	breaker     *circuitbreaker.Breaker
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration
	logger      *slog.Logger
	wg          sync.WaitGroup
}

// WebhookOption configures a WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(n *WebhookNotifier) { n.client = c }
}

// WithRetry sets the attempt count and the first backoff delay.
func WithRetry(maxAttempts int, baseDelay time.Duration) WebhookOption {
	return func(n *WebhookNotifier) {
		n.maxAttempts = maxAttempts
		n.baseDelay = baseDelay
	}
}

// WithBreaker replaces the default breaker (5 failed deliveries, 1m cooldown).
func WithBreaker(b *circuitbreaker.Breaker) WebhookOption {
	return func(n *WebhookNotifier) { n.breaker = b }
}

// NewWebhookNotifier creates a notifier for url. An empty secret sends
// unsigned requests.
func NewWebhookNotifier(url, secret string, logger *slog.Logger, opts ...WebhookOption) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &WebhookNotifier{
		url:         url,
		secret:      secret,
		client:      &http.Client{Timeout: 10 * time.Second},
		breaker:     circuitbreaker.New(5, time.Minute),
		maxAttempts: 4,
		baseDelay:   500 * time.Millisecond,
		timeout:     time.Minute,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *WebhookNotifier) WireConfirmed(ctx context.Context, e WireConfirmedEvent) error {
	return n.enqueue(ctx, EventWireConfirmed, e)
}

func (n *WebhookNotifier) TrancheOverdue(ctx context.Context, e TrancheOverdueEvent) error {
	return n.enqueue(ctx, EventTrancheOverdue, e)
}

// Wait blocks until in-flight deliveries finish. Used on shutdown and in tests.
func (n *WebhookNotifier) Wait() {
	n.wg.Wait()
}

func (n *WebhookNotifier) enqueue(ctx context.Context, typ EventType, data any) error {
	env := envelope{ID: idgen.WithPrefix("evt_"), Type: typ, Timestamp: time.Now().UTC(), Data: data}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("notify: encode %s: %w", typ, err)
	}

	// Delivery outlives the request that triggered it.
	deliverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer cancel()
		err := n.breaker.Do(n.url, func() error { return n.deliver(deliverCtx, env, payload) })
		if errors.Is(err, circuitbreaker.ErrOpen) {
			metrics.NotificationDeliveries.WithLabelValues("circuit_open").Inc()
			n.logger.Warn("webhook endpoint circuit open, event dropped",
				"event", typ, "delivery_id", env.ID, "url", n.url)
			return
		}
		if err != nil {
			metrics.NotificationDeliveries.WithLabelValues("failed").Inc()
			n.logger.Warn("webhook delivery failed",
				"event", typ, "delivery_id", env.ID, "url", n.url, "error", err)
			return
		}
		metrics.NotificationDeliveries.WithLabelValues("delivered").Inc()
	}()
	return nil
}

func (n *WebhookNotifier) deliver(ctx context.Context, env envelope, payload []byte) error {
	policy := retry.Policy{Attempts: n.maxAttempts, BaseDelay: n.baseDelay, MaxDelay: 30 * time.Second}
	return policy.Do(ctx, func() error { return n.post(ctx, env, payload) })
}

func (n *WebhookNotifier) post(ctx context.Context, env envelope, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	ts := strconv.FormatInt(env.Timestamp.Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(env.Type))
	req.Header.Set(HeaderDelivery, env.ID)
	req.Header.Set(HeaderTimestamp, ts)
	if n.secret != "" {
		req.Header.Set(HeaderSignature, Sign(n.secret, ts, payload))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of "timestamp.payload". Receivers
// recompute it to verify origin and reject replays outside their window.
func Sign(secret, timestamp string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte{'.'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret, timestamp string, payload []byte, signature string) bool {
	want, err := hex.DecodeString(Sign(secret, timestamp, payload))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}
