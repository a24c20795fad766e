// Package webhooks delivers signed batch notifications to an operator endpoint.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"adchain/settlement"
)

// EventType represents the logical webhook topic.
type EventType string

const (
	// EventBatchSettled is emitted when a partition reaches a successful record.
	EventBatchSettled EventType = "adchain.batch.settled"
	// EventBatchFailed is emitted for rejections and exhausted retries.
	EventBatchFailed EventType = "adchain.batch.failed"

	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultQueueSize   = 128
)

// ErrQueueFull is returned when a notification cannot be buffered.
var ErrQueueFull = errors.New("webhook: queue full")

// BatchPayload describes the webhook body.
type BatchPayload struct {
	Type       EventType              `json:"type"`
	DeliveryID string                 `json:"deliveryId"`
	Record     settlement.BatchRecord `json:"record"`
	SentAt     time.Time              `json:"sentAt"`
}

// Dispatcher orchestrates webhook deliveries with retry and exponential backoff.
type Dispatcher struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	logger      *slog.Logger
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	queueSize   int

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan delivery
	wg     sync.WaitGroup
}

type delivery struct {
	eventType EventType
	id        string
	body      []byte
}

// Option mutates dispatcher configuration.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithLogger sets the logger used for dropped and failed deliveries.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithQueueSize bounds the number of buffered notifications.
func WithQueueSize(size int) Option {
	return func(d *Dispatcher) {
		if size > 0 {
			d.queueSize = size
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			d.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// NewDispatcher constructs a dispatcher and spawns the worker goroutine.
func NewDispatcher(endpoint string, secret []byte, opts ...Option) (*Dispatcher, error) {
	endpoint = string(bytes.TrimSpace([]byte(endpoint)))
	if endpoint == "" {
		return nil, errors.New("webhook: endpoint required")
	}
	if len(secret) == 0 {
		return nil, errors.New("webhook: secret required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := &Dispatcher{
		endpoint:    endpoint,
		secret:      append([]byte(nil), secret...),
		client:      &http.Client{Timeout: 15 * time.Second},
		logger:      slog.Default(),
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		queueSize:   defaultQueueSize,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(dispatcher)
	}
	dispatcher.queue = make(chan delivery, dispatcher.queueSize)
	dispatcher.wg.Add(1)
	go dispatcher.worker()
	return dispatcher, nil
}

// Close stops the dispatcher and waits for inflight deliveries to complete.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}

// BatchRecorded queues a notification for rec. It never blocks settlement:
// when the queue is full the notification is dropped and logged.
func (d *Dispatcher) BatchRecorded(rec settlement.BatchRecord) {
	if err := d.Enqueue(rec); err != nil {
		d.logger.Warn("webhook notification dropped",
			slog.String("record", rec.ID),
			slog.Any("error", err))
	}
}

// Enqueue sends a batch event asynchronously.
func (d *Dispatcher) Enqueue(rec settlement.BatchRecord) error {
	if d == nil {
		return errors.New("webhook: dispatcher not initialised")
	}
	payload := BatchPayload{
		Type:       EventBatchFailed,
		DeliveryID: fmt.Sprintf("%s-%d", rec.ID, time.Now().UnixNano()),
		Record:     rec,
		SentAt:     time.Now().UTC(),
	}
	if rec.Success {
		payload.Type = EventBatchSettled
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	select {
	case <-d.ctx.Done():
		return errors.New("webhook: dispatcher closed")
	default:
	}
	select {
	case d.queue <- delivery{eventType: payload.Type, id: payload.DeliveryID, body: data}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.queue:
			d.process(job)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) process(job delivery) {
	attempt := 0
	backoff := d.minBackoff
	for {
		attempt++
		ctx, cancel := context.WithTimeout(d.ctx, d.client.Timeout)
		err := d.send(ctx, job)
		cancel()
		if err == nil {
			return
		}
		if attempt >= d.maxAttempts {
			d.logger.Error("webhook delivery abandoned",
				slog.String("delivery", job.id),
				slog.Int("attempts", attempt),
				slog.Any("error", err))
			return
		}
		select {
		case <-time.After(backoff):
		case <-d.ctx.Done():
			return
		}
		backoff = nextBackoff(backoff, d.maxBackoff)
	}
}

func (d *Dispatcher) send(ctx context.Context, job delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(job.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Adchain-Event", string(job.eventType))
	req.Header.Set("X-Adchain-Delivery", job.id)
	req.Header.Set("X-Adchain-Signature", Sign(d.secret, job.body))
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook: delivery failed with status %d", resp.StatusCode)
}

// Sign computes the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(secret, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	if next < current {
		return max
	}
	return next
}
