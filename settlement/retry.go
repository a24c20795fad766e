package settlement

import (
	"context"
	"fmt"
	"log/slog"
)

// RetryDue re-attempts every unparked retry item whose backoff has elapsed.
// Items that reach a terminal outcome (settled, off-chain or a contract
// rejection) are recorded in history and removed. Items that fail again are
// rescheduled, or parked once MaxAttempts is reached. The terminal records
// are returned.
func (s *Settler) RetryDue(ctx context.Context) ([]BatchRecord, error) {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()

	items, err := s.store.Retries(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	records := []BatchRecord{}
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if item.Parked || item.NextAttempt.After(now) {
			continue
		}
		rec, err := s.retry(ctx, item)
		if err != nil {
			return records, err
		}
		if rec != nil {
			records = append(records, *rec)
		}
	}
	s.refreshRetryDepth(ctx)
	return records, ctx.Err()
}

// Requeue makes a parked or scheduled item due immediately with a fresh
// attempt budget.
func (s *Settler) Requeue(ctx context.Context, id string) (RetryItem, error) {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()

	item, err := s.store.Retry(ctx, id)
	if err != nil {
		return RetryItem{}, err
	}
	item.Parked = false
	item.Attempts = 0
	item.NextAttempt = s.now().UTC()
	if err := s.store.Commit(ctx, Commit{Key: item.Key(), Retry: &item}); err != nil {
		return RetryItem{}, fmt.Errorf("requeue %s: %w", id, err)
	}
	return item, nil
}

func (s *Settler) retry(ctx context.Context, item RetryItem) (*BatchRecord, error) {
	a := &attempt{
		key:            item.Key(),
		startHash:      item.StartHash,
		tailHash:       item.TailHash,
		drainedAt:      item.DrainedAt,
		events:         item.Events,
		contentAddress: item.ContentAddress,
		txHash:         item.TxHash,
		rawTx:          item.RawTx,
		number:         item.Attempts + 1,
	}
	out := s.run(ctx, a)

	if !out.transient {
		rec := s.record(a, out, TriggerRetry)
		if err := s.store.Commit(ctx, Commit{Key: a.key, Record: &rec, ClearRetry: true}); err != nil {
			return nil, fmt.Errorf("commit retry %s: %w", item.ID, err)
		}
		s.metrics.RecordPartition(outcomeLabel(rec))
		s.logOutcome(rec, out.err)
		s.notify(rec)
		return &rec, nil
	}

	next := s.retryItem(a, out)
	next.CreatedAt = item.CreatedAt
	commit := Commit{Key: a.key, Retry: &next}
	var rec *BatchRecord
	if s.cfg.MaxAttempts > 0 && next.Attempts >= s.cfg.MaxAttempts {
		next.Parked = true
		exhausted := s.record(a, out, TriggerRetry)
		exhausted.Reason = ReasonRetriesExhausted
		commit.Record = &exhausted
		rec = &exhausted
	}
	if err := s.store.Commit(ctx, commit); err != nil {
		return nil, fmt.Errorf("commit retry %s: %w", item.ID, err)
	}
	attrs := []any{
		slog.String("partition", item.ID),
		slog.Int("attempt", next.Attempts),
		slog.String("reason", out.reason),
		slog.Any("error", out.err),
	}
	if next.Parked {
		s.notify(*rec)
		s.metrics.RecordPartition(ReasonRetriesExhausted)
		s.logger.Error("retry attempts exhausted; partition parked", attrs...)
	} else {
		s.logger.Warn("retry failed; rescheduled", append(attrs, slog.Time("next", next.NextAttempt))...)
	}
	return rec, nil
}
