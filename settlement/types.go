// Package settlement drains tenant ledgers into per-campaign batches, uploads
// their summaries and submits them to the campaign contracts.
package settlement

import (
	"errors"
	"time"

	"adchain/ledger"
)

// ErrNotFound is returned by stores when a retry item does not exist.
var ErrNotFound = errors.New("settlement: record not found")

// Trigger names what started a flush.
type Trigger string

const (
	TriggerThreshold Trigger = "threshold"
	TriggerManual    Trigger = "manual"
	TriggerPeriodic  Trigger = "periodic"
	TriggerShutdown  Trigger = "shutdown"
	TriggerRecovery  Trigger = "recovery"
	TriggerRetry     Trigger = "retry"
)

// State is the lifecycle position of a partition.
type State string

const (
	StateIdle       State = "idle"
	StateDraining   State = "draining"
	StateUploading  State = "uploading"
	StateSubmitting State = "submitting"
	StateRecorded   State = "recorded"
	StateFailed     State = "failed"
)

// Reason codes attached to unsuccessful records. Contract rejections reuse
// the chain.Kind values (budget_exhausted, campaign_inactive, unauthorized,
// rejected).
const (
	ReasonUploadFailed     = "upload_failed"
	ReasonSubmitFailed     = "submit_failed"
	ReasonRetriesExhausted = "retries_exhausted"
)

// BatchRecord is the outcome of settling one campaign partition of a segment.
type BatchRecord struct {
	ID                 string        `json:"id"`
	Tenant             string        `json:"tenant"`
	SegmentIndex       uint64        `json:"segmentIndex"`
	CampaignID         string        `json:"campaignId"`
	EventCount         int           `json:"eventCount"`
	Views              uint64        `json:"views"`
	Clicks             uint64        `json:"clicks"`
	Reach              int           `json:"reach"`
	ExcludedUnverified int           `json:"excludedUnverified"`
	ExcludedLowTrust   int           `json:"excludedLowTrust"`
	StartHash          ledger.Digest `json:"startHash"`
	TailHash           ledger.Digest `json:"tailHash"`
	ContentAddress     string        `json:"contentAddress,omitempty"`
	TxHash             *string       `json:"txHash,omitempty"`
	BlockNumber        *uint64       `json:"blockNumber,omitempty"`
	Uploaded           bool          `json:"uploaded"`
	Settled            bool          `json:"settled"`
	OffChain           bool          `json:"offChain"`
	Success            bool          `json:"success"`
	State              State         `json:"state"`
	Reason             string        `json:"reason,omitempty"`
	Attempt            int           `json:"attempt"`
	Trigger            Trigger       `json:"trigger"`
	Timestamp          time.Time     `json:"timestamp"`
}

// RetryItem keeps the events of a partition that failed for infrastructure
// reasons until a later attempt settles it.
type RetryItem struct {
	ID             string                `json:"id"`
	Tenant         string                `json:"tenant"`
	SegmentIndex   uint64                `json:"segmentIndex"`
	CampaignID     string                `json:"campaignId"`
	StartHash      ledger.Digest         `json:"startHash"`
	TailHash       ledger.Digest         `json:"tailHash"`
	DrainedAt      time.Time             `json:"drainedAt"`
	Events         []ledger.ChainedEvent `json:"events"`
	ContentAddress string                `json:"contentAddress,omitempty"`
	TxHash         string                `json:"txHash,omitempty"`
	// RawTx is the signed transaction behind TxHash, rebroadcast on resume.
	RawTx       []byte    `json:"rawTx,omitempty"`
	Reason      string    `json:"reason"`
	LastError   string    `json:"lastError,omitempty"`
	Attempts    int       `json:"attempts"`
	NextAttempt time.Time `json:"nextAttempt"`
	// Parked items exhausted their automatic attempts. They are kept for
	// operators and only retried through Requeue.
	Parked    bool      `json:"parked"`
	CreatedAt time.Time `json:"createdAt"`
}

// PartitionKey identifies a campaign partition of a drained segment.
type PartitionKey struct {
	Tenant       string
	SegmentIndex uint64
	CampaignID   string
}

// RetryID derives the stable retry identifier of a partition.
func (k PartitionKey) RetryID() string {
	return k.Tenant + "/" + formatIndex(k.SegmentIndex) + "/" + k.CampaignID
}

// Key returns the partition identity of the item.
func (r RetryItem) Key() PartitionKey {
	return PartitionKey{Tenant: r.Tenant, SegmentIndex: r.SegmentIndex, CampaignID: r.CampaignID}
}

// Commit is the unit persisted after a partition attempt: an optional history
// record, the partition marker and the retry mutation, applied atomically.
type Commit struct {
	Key PartitionKey
	// Record is appended to history when non-nil.
	Record *BatchRecord
	// Recorded marks the partition so a replayed segment skips it.
	Recorded bool
	// Retry is upserted when non-nil.
	Retry *RetryItem
	// ClearRetry removes the partition's retry item.
	ClearRetry bool
}
