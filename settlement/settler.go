package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"adchain/blobstore"
	"adchain/campaigns"
	"adchain/chain"
	"adchain/ledger"
	"adchain/observability"
)

// ErrSegmentBusy is returned when a segment is already being settled.
var ErrSegmentBusy = errors.New("settlement: segment already in flight")

// SegmentSource is the part of the ledger settlement drives.
type SegmentSource interface {
	Drain(tenant string) (*ledger.Segment, error)
	Ack(tenant string, index uint64) error
	Segments(tenant string) ([]ledger.Segment, error)
	Tenants() ([]string, error)
}

// Submitter sends batches to the campaign contract. *chain.Gateway satisfies it.
type Submitter interface {
	Enabled() bool
	SubmitBatch(ctx context.Context, contract string, batch chain.Batch) (*chain.Receipt, error)
	Resume(ctx context.Context, contract, txHash string, rawTx []byte) (*chain.Receipt, error)
}

// Config tunes settlement.
type Config struct {
	MinTrustScore    int
	PublisherAddress string
	// OperationTimeout bounds each upload and each contract submission.
	OperationTimeout time.Duration
	// Concurrency caps partitions settled in parallel per segment.
	Concurrency    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// MaxAttempts parks a retry item after this many attempts. Zero retries forever.
	MaxAttempts int
}

func (c *Config) applyDefaults() {
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 30 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Minute
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		c.RetryMaxDelay = c.RetryBaseDelay
	}
}

// Deps bundles the collaborators of a Settler.
type Deps struct {
	Ledger    SegmentSource
	Store     Store
	Blobs     blobstore.Store
	Chain     Submitter
	Campaigns campaigns.Directory
}

// Notifier is told about every batch record appended to history.
type Notifier interface {
	BatchRecorded(rec BatchRecord)
}

// Option customises the settler.
type Option func(*Settler)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Settler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNotifier registers a receiver for committed batch records.
func WithNotifier(n Notifier) Option {
	return func(s *Settler) {
		if n != nil {
			s.notifiers = append(s.notifiers, n)
		}
	}
}

// WithClock overrides the wall clock used for retry scheduling and records.
func WithClock(now func() time.Time) Option {
	return func(s *Settler) {
		if now != nil {
			s.now = now
		}
	}
}

// Settler turns drained segments into per-campaign batch records.
type Settler struct {
	cfg       Config
	ledger    SegmentSource
	store     Store
	blobs     blobstore.Store
	chain     Submitter
	campaigns campaigns.Directory
	logger    *slog.Logger
	metrics   *observability.SettlementMetrics
	tracer    trace.Tracer
	now       func() time.Time
	notifiers []Notifier

	mu       sync.Mutex
	inflight map[string]struct{}
	retryMu  sync.Mutex
}

// New wires a settler.
func New(cfg Config, deps Deps, opts ...Option) (*Settler, error) {
	if deps.Ledger == nil {
		return nil, fmt.Errorf("settlement: ledger required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("settlement: store required")
	}
	if deps.Blobs == nil {
		return nil, fmt.Errorf("settlement: blob store required")
	}
	cfg.applyDefaults()
	s := &Settler{
		cfg:       cfg,
		ledger:    deps.Ledger,
		store:     deps.Store,
		blobs:     deps.Blobs,
		chain:     deps.Chain,
		campaigns: deps.Campaigns,
		logger:    slog.Default(),
		metrics:   observability.Settlement(),
		tracer:    otel.Tracer("adchain/settlement"),
		now:       time.Now,
		inflight:  make(map[string]struct{}),
	}
	if s.chain == nil {
		s.chain = chain.Disabled()
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Flush drains the tenant's pending chain and settles it. Flushing an empty
// chain is a no-op that returns no records and leaves history untouched.
func (s *Settler) Flush(ctx context.Context, tenant string, trigger Trigger) ([]BatchRecord, error) {
	segment, err := s.ledger.Drain(tenant)
	if err != nil {
		return nil, fmt.Errorf("drain %s: %w", tenant, err)
	}
	if segment == nil {
		return []BatchRecord{}, nil
	}
	s.logger.Info("segment drained",
		slog.String("tenant", tenant),
		slog.Uint64("segment", segment.Index),
		slog.Int("events", len(segment.Events)),
		slog.String("trigger", string(trigger)))
	return s.SettleSegment(ctx, segment, trigger)
}

// SettleSegment settles every campaign partition of a drained segment and
// acknowledges it once all partitions are durably recorded. Partitions that
// were recorded by an earlier, interrupted run are skipped.
func (s *Settler) SettleSegment(ctx context.Context, segment *ledger.Segment, trigger Trigger) ([]BatchRecord, error) {
	if segment == nil {
		return []BatchRecord{}, nil
	}
	claim := segment.Tenant + "/" + formatIndex(segment.Index)
	if !s.claim(claim) {
		return nil, ErrSegmentBusy
	}
	defer s.release(claim)

	ctx, span := s.tracer.Start(ctx, "settlement.segment", trace.WithAttributes(
		attribute.String("tenant", segment.Tenant),
		attribute.Int64("segment", int64(segment.Index)),
		attribute.Int("events", len(segment.Events)),
		attribute.String("trigger", string(trigger)),
	))
	defer span.End()
	started := time.Now()

	parts := partitionByCampaign(segment.Events)
	results := make([]*BatchRecord, len(parts))
	group := new(errgroup.Group)
	group.SetLimit(s.cfg.Concurrency)
	for i, part := range parts {
		group.Go(func() error {
			key := PartitionKey{Tenant: segment.Tenant, SegmentIndex: segment.Index, CampaignID: part.campaignID}
			done, err := s.store.Recorded(ctx, key)
			if err != nil {
				return fmt.Errorf("check partition %s: %w", key.RetryID(), err)
			}
			if done {
				s.logger.Debug("partition already recorded", slog.String("partition", key.RetryID()))
				return nil
			}
			a := &attempt{
				key:       key,
				startHash: segment.StartHash,
				tailHash:  segment.TailHash,
				drainedAt: segment.DrainedAt,
				events:    part.events,
				number:    1,
			}
			rec, err := s.settleFirst(ctx, a, trigger)
			if err != nil {
				return err
			}
			results[i] = rec
			return nil
		})
	}
	waitErr := group.Wait()

	records := make([]BatchRecord, 0, len(results))
	for _, rec := range results {
		if rec != nil {
			records = append(records, *rec)
		}
	}
	if waitErr != nil {
		span.RecordError(waitErr)
		span.SetStatus(codes.Error, waitErr.Error())
		return records, waitErr
	}
	if err := s.ledger.Ack(segment.Tenant, segment.Index); err != nil {
		return records, fmt.Errorf("ack segment %s: %w", claim, err)
	}
	s.metrics.ObserveFlush(string(trigger), time.Since(started))
	s.refreshRetryDepth(ctx)
	return records, nil
}

// Recover settles segments left unacknowledged by an interrupted process and
// returns how many were replayed.
func (s *Settler) Recover(ctx context.Context) (int, error) {
	tenants, err := s.ledger.Tenants()
	if err != nil {
		return 0, fmt.Errorf("list tenants: %w", err)
	}
	var (
		replayed int
		errs     []error
	)
	for _, tenant := range tenants {
		segments, err := s.ledger.Segments(tenant)
		if err != nil {
			errs = append(errs, fmt.Errorf("list segments %s: %w", tenant, err))
			continue
		}
		for i := range segments {
			if _, err := s.SettleSegment(ctx, &segments[i], TriggerRecovery); err != nil {
				if errors.Is(err, ErrSegmentBusy) {
					continue
				}
				errs = append(errs, err)
				continue
			}
			replayed++
		}
	}
	if replayed > 0 {
		s.logger.Info("recovered unacknowledged segments", slog.Int("segments", replayed))
	}
	return replayed, errors.Join(errs...)
}

// History returns the tenant's batch records.
func (s *Settler) History(ctx context.Context, tenant string, limit int) ([]BatchRecord, error) {
	return s.store.History(ctx, tenant, limit)
}

// Retries lists pending and parked retry items.
func (s *Settler) Retries(ctx context.Context) ([]RetryItem, error) {
	return s.store.Retries(ctx)
}

func (s *Settler) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Settler) release(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// settleFirst runs the first attempt of a partition and commits its record.
func (s *Settler) settleFirst(ctx context.Context, a *attempt, trigger Trigger) (*BatchRecord, error) {
	out := s.run(ctx, a)
	rec := s.record(a, out, trigger)
	commit := Commit{Key: a.key, Record: &rec, Recorded: true}
	if out.transient {
		item := s.retryItem(a, out)
		commit.Retry = &item
	}
	if err := s.store.Commit(ctx, commit); err != nil {
		return nil, fmt.Errorf("commit partition %s: %w", a.key.RetryID(), err)
	}
	s.metrics.RecordPartition(outcomeLabel(rec))
	s.logOutcome(rec, out.err)
	s.notify(rec)
	return &rec, nil
}

func (s *Settler) notify(rec BatchRecord) {
	for _, n := range s.notifiers {
		n.BatchRecorded(rec)
	}
}

type attempt struct {
	key            PartitionKey
	startHash      ledger.Digest
	tailHash       ledger.Digest
	drainedAt      time.Time
	events         []ledger.ChainedEvent
	contentAddress string
	txHash         string
	rawTx          []byte
	number         int
}

type result struct {
	summary     Summary
	state       State
	uploaded    bool
	offChain    bool
	settled     bool
	reason      string
	blockNumber *uint64
	transient   bool
	err         error
}

// run uploads the partition summary (unless a previous attempt did) and
// submits it to the campaign contract. It never returns an error: every
// failure is folded into the result.
func (s *Settler) run(ctx context.Context, a *attempt) result {
	ctx, span := s.tracer.Start(ctx, "settlement.partition", trace.WithAttributes(
		attribute.String("partition", a.key.RetryID()),
		attribute.Int("attempt", a.number),
	))
	defer span.End()

	out := result{summary: buildSummary(a, s.cfg.PublisherAddress, s.cfg.MinTrustScore), state: StateUploading}
	fail := func(reason string, err error, transient bool) result {
		out.state = StateFailed
		out.reason = reason
		out.err = err
		out.transient = transient
		if err != nil {
			span.RecordError(err)
		}
		span.SetStatus(codes.Error, reason)
		return out
	}

	if a.contentAddress == "" {
		payload, err := out.summary.Encode()
		if err != nil {
			return fail(ReasonUploadFailed, err, true)
		}
		uploadCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
		address, err := s.blobs.Put(uploadCtx, payload)
		cancel()
		if err != nil {
			return fail(ReasonUploadFailed, err, true)
		}
		a.contentAddress = address
	}
	out.uploaded = true
	out.state = StateSubmitting

	contract, err := s.contractFor(ctx, a.key.CampaignID)
	if err != nil {
		return fail(ReasonSubmitFailed, err, true)
	}
	if !s.chain.Enabled() || contract == "" {
		out.offChain = true
		out.state = StateRecorded
		return out
	}

	submitCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()
	var receipt *chain.Receipt
	if a.txHash != "" {
		receipt, err = s.chain.Resume(submitCtx, contract, a.txHash, a.rawTx)
	} else {
		views, clicks := out.summary.Views, out.summary.Clicks
		receipt, err = s.chain.SubmitBatch(submitCtx, contract, chain.Batch{
			ContentAddress: a.contentAddress,
			Views:          views,
			Clicks:         clicks,
			Reach:          uint64(out.summary.Reach.Reach),
			TailHash:       a.tailHash.Bytes(),
		})
	}
	if err != nil {
		var submitErr *chain.SubmitError
		switch {
		case errors.Is(err, chain.ErrTxDropped):
			a.txHash, a.rawTx = "", nil
		case errors.As(err, &submitErr) && submitErr.TxHash != "":
			a.txHash = submitErr.TxHash
			if len(submitErr.RawTx) > 0 {
				a.rawTx = submitErr.RawTx
			}
		}
		kind := chain.KindOf(err)
		if kind.Permanent() {
			return fail(string(kind), err, false)
		}
		return fail(ReasonSubmitFailed, err, true)
	}
	if receipt == nil {
		out.offChain = true
		out.state = StateRecorded
		return out
	}
	a.txHash = receipt.TxHash
	block := receipt.BlockNumber
	out.blockNumber = &block
	out.settled = true
	out.state = StateRecorded
	return out
}

// contractFor resolves the campaign contract. Unknown campaigns settle off-chain.
func (s *Settler) contractFor(ctx context.Context, campaignID string) (string, error) {
	if s.campaigns == nil {
		return "", nil
	}
	campaign, err := s.campaigns.Get(ctx, campaignID)
	if errors.Is(err, campaigns.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve campaign %s: %w", campaignID, err)
	}
	return strings.TrimSpace(campaign.ContractAddress), nil
}

func (s *Settler) record(a *attempt, out result, trigger Trigger) BatchRecord {
	rec := BatchRecord{
		ID:                 uuid.NewString(),
		Tenant:             a.key.Tenant,
		SegmentIndex:       a.key.SegmentIndex,
		CampaignID:         a.key.CampaignID,
		EventCount:         len(a.events),
		Views:              out.summary.Views,
		Clicks:             out.summary.Clicks,
		Reach:              out.summary.Reach.Reach,
		ExcludedUnverified: out.summary.Reach.ExcludedUnverified,
		ExcludedLowTrust:   out.summary.Reach.ExcludedLowTrust,
		StartHash:          a.startHash,
		TailHash:           a.tailHash,
		Uploaded:           out.uploaded,
		Settled:            out.settled,
		OffChain:           out.offChain,
		Success:            out.uploaded && (out.settled || out.offChain),
		State:              out.state,
		Reason:             out.reason,
		Attempt:            a.number,
		Trigger:            trigger,
		Timestamp:          s.now().UTC(),
	}
	if out.uploaded {
		rec.ContentAddress = a.contentAddress
	}
	if a.txHash != "" {
		tx := a.txHash
		rec.TxHash = &tx
	}
	rec.BlockNumber = out.blockNumber
	return rec
}

func (s *Settler) retryItem(a *attempt, out result) RetryItem {
	now := s.now().UTC()
	item := RetryItem{
		ID:             a.key.RetryID(),
		Tenant:         a.key.Tenant,
		SegmentIndex:   a.key.SegmentIndex,
		CampaignID:     a.key.CampaignID,
		StartHash:      a.startHash,
		TailHash:       a.tailHash,
		DrainedAt:      a.drainedAt,
		Events:         a.events,
		ContentAddress: a.contentAddress,
		TxHash:         a.txHash,
		RawTx:          a.rawTx,
		Reason:         out.reason,
		Attempts:       a.number,
		NextAttempt:    now.Add(s.backoff(a.number)),
		CreatedAt:      now,
	}
	if out.err != nil {
		item.LastError = out.err.Error()
	}
	return item
}

// backoff doubles from RetryBaseDelay per attempt up to RetryMaxDelay.
func (s *Settler) backoff(attempts int) time.Duration {
	delay := s.cfg.RetryBaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= s.cfg.RetryMaxDelay {
			return s.cfg.RetryMaxDelay
		}
	}
	return delay
}

func (s *Settler) refreshRetryDepth(ctx context.Context) {
	items, err := s.store.Retries(ctx)
	if err != nil {
		s.logger.Warn("count retries failed", slog.Any("error", err))
		return
	}
	s.metrics.SetRetryDepth(len(items))
}

func (s *Settler) logOutcome(rec BatchRecord, cause error) {
	attrs := []any{
		slog.String("tenant", rec.Tenant),
		slog.String("campaign", rec.CampaignID),
		slog.Uint64("segment", rec.SegmentIndex),
		slog.Int("attempt", rec.Attempt),
		slog.Bool("offChain", rec.OffChain),
	}
	if rec.Success {
		s.logger.Info("partition settled", attrs...)
		return
	}
	attrs = append(attrs, slog.String("reason", rec.Reason))
	if cause != nil {
		attrs = append(attrs, slog.Any("error", cause))
	}
	s.logger.Warn("partition settlement failed", attrs...)
}

func outcomeLabel(rec BatchRecord) string {
	switch {
	case rec.Settled:
		return "settled"
	case rec.Success && rec.OffChain:
		return "off_chain"
	default:
		return rec.Reason
	}
}
