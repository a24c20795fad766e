package settlement

import (
	"context"
	"fmt"
)

// Store persists settlement history, partition markers and retry items.
// History is append-only.
type Store interface {
	// Commit applies every mutation of c atomically.
	Commit(ctx context.Context, c Commit) error
	// Recorded reports whether a partition already produced its history record.
	Recorded(ctx context.Context, key PartitionKey) (bool, error)
	// History returns a tenant's records in append order. A positive limit
	// keeps only the most recent entries.
	History(ctx context.Context, tenant string, limit int) ([]BatchRecord, error)
	// Retries lists every retry item ordered by next attempt.
	Retries(ctx context.Context) ([]RetryItem, error)
	// Retry loads one retry item by ID.
	Retry(ctx context.Context, id string) (RetryItem, error)
	Close() error
}

func formatIndex(index uint64) string {
	return fmt.Sprintf("%020d", index)
}

func validateCommit(c Commit) error {
	if c.Key.Tenant == "" || c.Key.CampaignID == "" {
		return fmt.Errorf("settlement: commit requires tenant and campaign")
	}
	if c.Retry != nil && c.ClearRetry {
		return fmt.Errorf("settlement: commit cannot both set and clear a retry")
	}
	return nil
}

func tail(records []BatchRecord, limit int) []BatchRecord {
	if limit > 0 && len(records) > limit {
		return records[len(records)-limit:]
	}
	return records
}
