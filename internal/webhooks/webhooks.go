// Package webhooks delivers settlement and subscription events to the
// webhook URL a unit's owner configured.
//
// Payloads are signed with HMAC-SHA256 over the request body using the
// unit's webhook secret; receivers verify via the X-Ckpay-Signature header.
// Delivery is best-effort with bounded retries and never blocks or fails
// the operation that produced the event.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ckpay/platform/internal/circuitbreaker"
	"github.com/ckpay/platform/internal/idgen"
	"github.com/ckpay/platform/internal/retry"
)

// EventType names a webhook event.
type EventType string

const (
	EventPaymentSucceeded      EventType = "payment.succeeded"
	EventPaymentFailed         EventType = "payment.failed"
	EventSubscriptionCreated   EventType = "subscription.created"
	EventSubscriptionRenewed   EventType = "subscription.renewed"
	EventSubscriptionCancelled EventType = "subscription.cancelled"
	EventWithdrawalCompleted   EventType = "withdrawal.completed"
)

// Event is the payload posted to the unit's webhook URL.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	UnitID    string                 `json:"unitId"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Endpoint yields the unit's current webhook URL and signing secret. The URL
// is read per delivery so config changes take effect immediately; an empty
// URL disables delivery.
type Endpoint func() (url, secret string)

// Status records the outcome of the most recent delivery attempt.
type Status struct {
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

var (
	deliverTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ckpay",
		Subsystem: "webhook",
		Name:      "deliver_total",
		Help:      "Total webhook delivery attempts by event type.",
	}, []string{"event_type"})

	deliverErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ckpay",
		Subsystem: "webhook",
		Name:      "deliver_errors_total",
		Help:      "Total webhook delivery failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(deliverTotal, deliverErrors)
}

// Dispatcher posts signed events to one unit's webhook endpoint.
type Dispatcher struct {
	unitID      string
	endpoint    Endpoint
	client      *http.Client
	maxAttempts int
	breaker     *circuitbreaker.Breaker

	mu     sync.Mutex
	status Status
}

// NewDispatcher creates a dispatcher for a unit.
func NewDispatcher(unitID string, endpoint Endpoint, timeout time.Duration, maxAttempts int) *Dispatcher {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Dispatcher{
		unitID:      unitID,
		endpoint:    endpoint,
		client:      &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
	}
}

// WithBreaker guards deliveries with a circuit breaker keyed by unit ID.
// While the circuit is open, events for this unit are dropped instead of
// hammering a failing receiver.
func (d *Dispatcher) WithBreaker(b *circuitbreaker.Breaker) *Dispatcher {
	d.breaker = b
	return d
}

// Dispatch signs and posts an event, retrying transient failures. A unit
// with no webhook URL configured drops the event silently.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType EventType, data map[string]interface{}) error {
	url, secret := d.endpoint()
	if url == "" {
		return nil
	}

	if d.breaker != nil && !d.breaker.Allow(d.unitID) {
		err := fmt.Errorf("webhook circuit open, event %s dropped", eventType)
		d.recordError(err.Error())
		return err
	}

	deliverTotal.WithLabelValues(string(eventType)).Inc()

	event := Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		UnitID:    d.unitID,
		Timestamp: time.Now(),
		Data:      data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = retry.Do(ctx, d.maxAttempts, 500*time.Millisecond, func() error {
		return d.post(ctx, url, secret, &event, payload)
	})
	if err != nil {
		deliverErrors.WithLabelValues(string(eventType)).Inc()
		if d.breaker != nil {
			d.breaker.RecordFailure(d.unitID)
		}
		d.recordError(err.Error())
		return err
	}
	if d.breaker != nil {
		d.breaker.RecordSuccess(d.unitID)
	}
	d.recordSuccess()
	return nil
}

func (d *Dispatcher) post(ctx context.Context, url, secret string, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ckpay-Event", string(event.Type))
	req.Header.Set("X-Ckpay-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if secret != "" {
		req.Header.Set("X-Ckpay-Signature", Sign(payload, secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("webhook returned status %d", resp.StatusCode)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return retry.Permanent(err)
	}
	return err
}

// Status returns the outcome of the most recent delivery.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Dispatcher) recordSuccess() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	d.status.LastSuccess = &now
	d.status.LastError = ""
}

func (d *Dispatcher) recordError(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status.LastError = msg
}

// Sign computes the hex HMAC-SHA256 signature of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches payload under secret.
func Verify(payload []byte, secret, signature string) bool {
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
