// Package collector is the event intake boundary. It validates and verifies
// incoming events, appends them to the tenant ledger and schedules settlement
// when a tenant's pending chain reaches the batch threshold.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"adchain/ledger"
	"adchain/observability"
	"adchain/settlement"
	"adchain/signature"
)

// ErrValidation marks requests rejected before they reach the ledger.
var ErrValidation = errors.New("collector: invalid event")

// StatusRecorded is the only status returned for accepted events.
const StatusRecorded = "recorded"

// Request is the wire shape submitted by the browser widget.
type Request struct {
	CampaignID   string            `json:"campaignId"`
	PromotionID  string            `json:"promotionId"`
	Type         string            `json:"type"`
	Timestamp    int64             `json:"timestamp"`
	ActorAddress *string           `json:"actorAddress,omitempty"`
	Signature    *string           `json:"signature,omitempty"`
	TrustScore   *int              `json:"trustScore,omitempty"`
	Placement    *ledger.Placement `json:"placement,omitempty"`
}

// Response acknowledges a durably appended event.
type Response struct {
	Status        string        `json:"status"`
	EventHash     ledger.Digest `json:"eventHash"`
	Verified      bool          `json:"verified"`
	BatchProgress string        `json:"batchProgress"`
}

// EventLog is the ledger surface used by the collector.
type EventLog interface {
	Append(tenant string, event ledger.Event) (ledger.ChainedEvent, int, error)
	Status(tenant string) (ledger.Status, error)
	Pending(tenant string) ([]ledger.ChainedEvent, ledger.Digest, error)
	Tenants() ([]string, error)
}

// Settler flushes tenants and exposes their settlement history.
type Settler interface {
	Flush(ctx context.Context, tenant string, trigger settlement.Trigger) ([]settlement.BatchRecord, error)
	History(ctx context.Context, tenant string, limit int) ([]settlement.BatchRecord, error)
}

// Config tunes intake.
type Config struct {
	// BatchThreshold is the pending length that schedules a flush.
	BatchThreshold int
	// FlushTimeout bounds a background flush.
	FlushTimeout time.Duration
}

// Option customises the collector.
type Option func(*Collector)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Collector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTrustScorer sets the score source consulted for verified actors that
// did not supply a score.
func WithTrustScorer(scorer TrustScorer) Option {
	return func(c *Collector) {
		if scorer != nil {
			c.scorer = scorer
		}
	}
}

// Collector owns the per-tenant intake path.
type Collector struct {
	cfg     Config
	ledger  EventLog
	settler Settler
	scorer  TrustScorer
	logger  *slog.Logger
	metrics *observability.CollectorMetrics

	mu       sync.Mutex
	flushing map[string]bool
	wg       sync.WaitGroup
}

// New constructs a collector.
func New(cfg Config, log EventLog, settler Settler, opts ...Option) (*Collector, error) {
	if log == nil || settler == nil {
		return nil, fmt.Errorf("collector: ledger and settler required")
	}
	if cfg.BatchThreshold <= 0 {
		cfg.BatchThreshold = 100
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 2 * time.Minute
	}
	c := &Collector{
		cfg:      cfg,
		ledger:   log,
		settler:  settler,
		scorer:   DisabledScorer{},
		logger:   slog.Default(),
		metrics:  observability.Collector(),
		flushing: make(map[string]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Threshold reports the configured batch threshold.
func (c *Collector) Threshold() int { return c.cfg.BatchThreshold }

// Record validates, verifies and appends one event. Signature failures do not
// reject the event; it is recorded unverified. The response is returned once
// the event is durable, independent of any settlement it triggers.
func (c *Collector) Record(ctx context.Context, tenant string, req Request) (Response, error) {
	started := time.Now()
	event, err := c.buildEvent(req)
	if err == nil {
		err = ledger.ValidateTenant(tenant)
	}
	if err != nil {
		c.metrics.RecordRejection("validation")
		return Response{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if req.ActorAddress != nil && req.Signature != nil {
		result := signature.Verify(*req.ActorAddress, *req.Signature, event.CampaignID, event.Type, event.Timestamp)
		event.Verified = result.Verified
		if !result.Verified {
			c.logger.Debug("event signature not verified",
				slog.String("tenant", tenant),
				slog.String("campaign", event.CampaignID),
				slog.String("reason", result.Reason))
		}
	}
	if event.Verified && event.TrustScore == nil {
		score, err := c.scorer.Score(ctx, event.Actor())
		if err != nil {
			c.logger.Warn("trust score lookup failed", slog.String("tenant", tenant), slog.Any("error", err))
		} else {
			event.TrustScore = score
		}
	}

	chained, pending, err := c.ledger.Append(tenant, event)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidEvent) || errors.Is(err, ledger.ErrInvalidTenant) {
			c.metrics.RecordRejection("validation")
			return Response{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		c.metrics.RecordRejection("storage")
		return Response{}, fmt.Errorf("append %s: %w", tenant, err)
	}
	c.metrics.RecordEvent(string(event.Type), event.Verified, time.Since(started))
	c.metrics.SetPending(tenant, pending)

	if pending >= c.cfg.BatchThreshold {
		c.scheduleFlush(tenant)
	}
	return Response{
		Status:        StatusRecorded,
		EventHash:     chained.Hash,
		Verified:      event.Verified,
		BatchProgress: fmt.Sprintf("%d/%d", pending, c.cfg.BatchThreshold),
	}, nil
}

func (c *Collector) buildEvent(req Request) (ledger.Event, error) {
	eventType, err := ledger.ParseEventType(req.Type)
	if err != nil {
		return ledger.Event{}, err
	}
	campaignID := strings.TrimSpace(req.CampaignID)
	if campaignID == "" {
		return ledger.Event{}, errors.New("campaignId required")
	}
	if req.Timestamp <= 0 {
		return ledger.Event{}, errors.New("timestamp required")
	}
	event := ledger.Event{
		CampaignID:  campaignID,
		PromotionID: strings.TrimSpace(req.PromotionID),
		Type:        eventType,
		TrustScore:  req.TrustScore,
		Timestamp:   req.Timestamp,
		Placement:   req.Placement,
	}
	if req.ActorAddress != nil {
		if addr := strings.TrimSpace(*req.ActorAddress); addr != "" {
			event.ActorAddress = &addr
		}
	}
	return event, nil
}

// scheduleFlush starts at most one background flush per tenant. The worker
// keeps flushing while the tenant stays at or above the threshold so a
// crossing that races with a running flush is not lost. A failed flush ends
// the worker; the events stay pending for the next crossing or periodic flush.
func (c *Collector) scheduleFlush(tenant string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flushing[tenant] {
		return
	}
	c.flushing[tenant] = true
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FlushTimeout)
			_, flushErr := c.settler.Flush(ctx, tenant, settlement.TriggerThreshold)
			cancel()
			if flushErr != nil {
				c.logger.Error("threshold flush failed", slog.String("tenant", tenant), slog.Any("error", flushErr))
			}

			c.mu.Lock()
			status, err := c.ledger.Status(tenant)
			if flushErr != nil || err != nil || status.Pending < c.cfg.BatchThreshold {
				delete(c.flushing, tenant)
				c.mu.Unlock()
				if err == nil {
					c.metrics.SetPending(tenant, status.Pending)
				}
				return
			}
			c.mu.Unlock()
		}
	}()
}

// Wait blocks until every scheduled background flush has finished.
func (c *Collector) Wait() { c.wg.Wait() }

// WaitContext is Wait bounded by ctx.
func (c *Collector) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush settles the tenant's pending chain immediately.
func (c *Collector) Flush(ctx context.Context, tenant string, trigger settlement.Trigger) ([]settlement.BatchRecord, error) {
	if err := ledger.ValidateTenant(tenant); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	records, err := c.settler.Flush(ctx, tenant, trigger)
	if status, statusErr := c.ledger.Status(tenant); statusErr == nil {
		c.metrics.SetPending(tenant, status.Pending)
	}
	return records, err
}

// FlushAll flushes every tenant with pending events. Failures are logged and
// joined; a failing tenant does not stop the others.
func (c *Collector) FlushAll(ctx context.Context, trigger settlement.Trigger) (int, error) {
	tenants, err := c.ledger.Tenants()
	if err != nil {
		return 0, fmt.Errorf("list tenants: %w", err)
	}
	var (
		flushed int
		errs    []error
	)
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		status, err := c.ledger.Status(tenant)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if status.Pending == 0 {
			continue
		}
		if _, err := c.Flush(ctx, tenant, trigger); err != nil {
			c.logger.Error("flush failed",
				slog.String("tenant", tenant),
				slog.String("trigger", string(trigger)),
				slog.Any("error", err))
			errs = append(errs, fmt.Errorf("flush %s: %w", tenant, err))
			continue
		}
		flushed++
	}
	return flushed, errors.Join(errs...)
}

// StatusReport describes a tenant's intake state.
type StatusReport struct {
	ledger.Status
	Threshold     int    `json:"threshold"`
	BatchProgress string `json:"batchProgress"`
	Flushing      bool   `json:"flushing"`
}

// Status reports the tenant's pending chain and flush state.
func (c *Collector) Status(tenant string) (StatusReport, error) {
	status, err := c.ledger.Status(tenant)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidTenant) {
			return StatusReport{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return StatusReport{}, err
	}
	c.mu.Lock()
	flushing := c.flushing[tenant]
	c.mu.Unlock()
	return StatusReport{
		Status:        status,
		Threshold:     c.cfg.BatchThreshold,
		BatchProgress: fmt.Sprintf("%d/%d", status.Pending, c.cfg.BatchThreshold),
		Flushing:      flushing,
	}, nil
}

// History returns the tenant's settlement records.
func (c *Collector) History(ctx context.Context, tenant string, limit int) ([]settlement.BatchRecord, error) {
	if err := ledger.ValidateTenant(tenant); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return c.settler.History(ctx, tenant, limit)
}

// VerifyReport is the result of re-checking a tenant's pending chain.
type VerifyReport struct {
	Tenant    string        `json:"tenant"`
	Pending   int           `json:"pending"`
	StartHash ledger.Digest `json:"startHash"`
	Valid     bool          `json:"valid"`
	BrokenAt  *int          `json:"brokenAt,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// VerifyPending recomputes every hash of the tenant's pending chain.
func (c *Collector) VerifyPending(tenant string) (VerifyReport, error) {
	events, start, err := c.ledger.Pending(tenant)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidTenant) {
			return VerifyReport{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return VerifyReport{}, err
	}
	report := VerifyReport{Tenant: tenant, Pending: len(events), StartHash: start, Valid: true}
	if err := ledger.VerifyChain(events, start); err != nil {
		report.Valid = false
		report.Error = err.Error()
		var chainErr *ledger.ChainError
		if errors.As(err, &chainErr) {
			idx := chainErr.Index
			report.BrokenAt = &idx
		}
	}
	return report, nil
}
