package ledger

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidEvent is returned when an event fails boundary validation.
	ErrInvalidEvent = errors.New("ledger: invalid event")
	// ErrInvalidTenant is returned for empty or malformed tenant identifiers.
	ErrInvalidTenant = errors.New("ledger: invalid tenant")
)

// EventType enumerates the user actions tracked by the ledger.
type EventType string

const (
	EventView  EventType = "view"
	EventClick EventType = "click"
)

// ParseEventType normalises the supplied value into a known event type.
func ParseEventType(value string) (EventType, error) {
	switch EventType(strings.ToLower(strings.TrimSpace(value))) {
	case EventView:
		return EventView, nil
	case EventClick:
		return EventClick, nil
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, value)
	}
}

// DigestLength is the byte width of every chain hash.
const DigestLength = 32

// Digest is a Keccak-256 chain hash.
type Digest [DigestLength]byte

// GenesisHash links the first entry of a fresh ledger.
var GenesisHash Digest

// Hex renders the digest with a 0x prefix.
func (d Digest) Hex() string { return "0x" + hex.EncodeToString(d[:]) }

func (d Digest) String() string { return d.Hex() }

// Bytes returns a copy of the digest bytes.
func (d Digest) Bytes() []byte {
	out := make([]byte, DigestLength)
	copy(out, d[:])
	return out
}

// IsZero reports whether the digest equals the genesis constant.
func (d Digest) IsZero() bool { return d == GenesisHash }

// MarshalText encodes the digest as 0x-prefixed hex.
func (d Digest) MarshalText() ([]byte, error) { return []byte(d.Hex()), nil }

// UnmarshalText decodes 0x-prefixed hex.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest decodes a hex digest with or without the 0x prefix.
func ParseDigest(value string) (Digest, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return Digest{}, fmt.Errorf("decode digest: %w", err)
	}
	if len(raw) != DigestLength {
		return Digest{}, fmt.Errorf("digest must be %d bytes, got %d", DigestLength, len(raw))
	}
	var d Digest
	copy(d[:], raw)
	return d, nil
}

// Placement describes where an impression was rendered. It is reporting
// metadata only and never contributes to the chain hash.
type Placement struct {
	SlotID   string `json:"slotId,omitempty"`
	SlotType string `json:"slotType,omitempty"`
	PagePath string `json:"pagePath,omitempty"`
}

// Event is a single view or click.
type Event struct {
	CampaignID   string     `json:"campaignId"`
	PromotionID  string     `json:"promotionId"`
	Type         EventType  `json:"type"`
	ActorAddress *string    `json:"actorAddress,omitempty"`
	Verified     bool       `json:"verified"`
	TrustScore   *int       `json:"trustScore,omitempty"`
	Timestamp    int64      `json:"timestamp"`
	Placement    *Placement `json:"placement,omitempty"`
}

// Validate enforces the boundary rules that keep malformed events out of the chain.
func (e Event) Validate() error {
	if strings.TrimSpace(e.CampaignID) == "" {
		return fmt.Errorf("%w: campaignId required", ErrInvalidEvent)
	}
	if _, err := ParseEventType(string(e.Type)); err != nil {
		return err
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("%w: timestamp required", ErrInvalidEvent)
	}
	if e.Verified && (e.ActorAddress == nil || *e.ActorAddress == "") {
		return fmt.Errorf("%w: verified event without actor address", ErrInvalidEvent)
	}
	return nil
}

// Actor returns the actor address or the empty string for anonymous events.
func (e Event) Actor() string {
	if e.ActorAddress == nil {
		return ""
	}
	return *e.ActorAddress
}

// ChainedEvent is an event linked into a tenant's hash chain.
type ChainedEvent struct {
	Event
	Hash          Digest `json:"hash"`
	PreviousHash  Digest `json:"previousHash"`
	SequenceIndex int    `json:"sequenceIndex"`
}

// Segment is the set of events drained by one flush. Segments are persisted
// until settlement acknowledges them.
type Segment struct {
	Tenant    string         `json:"tenant"`
	Index     uint64         `json:"index"`
	StartHash Digest         `json:"startHash"`
	TailHash  Digest         `json:"tailHash"`
	Events    []ChainedEvent `json:"events"`
	DrainedAt time.Time      `json:"drainedAt"`
}

// Status summarises a tenant's live ledger state.
type Status struct {
	Tenant     string `json:"tenant"`
	Pending    int    `json:"pending"`
	TailHash   Digest `json:"tailHash"`
	StartHash  Digest `json:"startHash"`
	FlushCount uint64 `json:"flushCount"`
}

// ValidateTenant rejects identifiers that cannot be used as storage keys.
func ValidateTenant(tenant string) error {
	if tenant == "" || strings.TrimSpace(tenant) != tenant {
		return fmt.Errorf("%w: %q", ErrInvalidTenant, tenant)
	}
	if strings.ContainsAny(tenant, "/ \t\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidTenant, tenant)
	}
	return nil
}
