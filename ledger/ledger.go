package ledger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"adchain/storage"
)

const (
	stateKeyPrefix   = "ledger/"
	segmentKeyPrefix = "segment/"
)

type tenantState struct {
	Pending    []ChainedEvent `json:"pending"`
	TailHash   Digest         `json:"tailHash"`
	StartHash  Digest         `json:"startHash"`
	FlushCount uint64         `json:"flushCount"`
}

// slot owns one tenant's state. Appends and drains for a tenant serialise on
// the slot mutex; different tenants never share a lock.
type slot struct {
	mu     sync.Mutex
	loaded bool
	state  tenantState
}

// Ledger is an arena of per-tenant hash chains persisted to a key-value store.
type Ledger struct {
	db  storage.Database
	now func() time.Time

	mu    sync.Mutex
	slots map[string]*slot
}

// Option customises the ledger.
type Option func(*Ledger)

// WithClock overrides the wall clock used when deriving segment start hashes.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New constructs a ledger backed by db.
func New(db storage.Database, opts ...Option) *Ledger {
	l := &Ledger{
		db:    db,
		now:   time.Now,
		slots: make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func stateKey(tenant string) []byte { return []byte(stateKeyPrefix + tenant) }

func segmentPrefix(tenant string) []byte { return []byte(segmentKeyPrefix + tenant + "/") }

func segmentKey(tenant string, index uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", segmentKeyPrefix, tenant, index))
}

func (l *Ledger) slotFor(tenant string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[tenant]
	if !ok {
		s = &slot{}
		l.slots[tenant] = s
	}
	return s
}

// load must be called with s.mu held.
func (l *Ledger) load(tenant string, s *slot) error {
	if s.loaded {
		return nil
	}
	raw, err := l.db.Get(stateKey(tenant))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.state = tenantState{TailHash: GenesisHash, StartHash: GenesisHash}
	case err != nil:
		return fmt.Errorf("load ledger %s: %w", tenant, err)
	default:
		var st tenantState
		if err := json.Unmarshal(raw, &st); err != nil {
			return fmt.Errorf("decode ledger %s: %w", tenant, err)
		}
		s.state = st
	}
	s.loaded = true
	return nil
}

// Append links the event onto the tenant's pending chain and persists the
// whole state before returning. The returned count is the new pending length.
func (l *Ledger) Append(tenant string, event Event) (ChainedEvent, int, error) {
	if err := ValidateTenant(tenant); err != nil {
		return ChainedEvent{}, 0, err
	}
	if err := event.Validate(); err != nil {
		return ChainedEvent{}, 0, err
	}
	s := l.slotFor(tenant)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := l.load(tenant, s); err != nil {
		return ChainedEvent{}, 0, err
	}

	hash, err := ComputeHash(event, s.state.TailHash)
	if err != nil {
		return ChainedEvent{}, 0, err
	}
	chained := ChainedEvent{
		Event:         event,
		Hash:          hash,
		PreviousHash:  s.state.TailHash,
		SequenceIndex: len(s.state.Pending),
	}
	next := s.state
	next.Pending = make([]ChainedEvent, len(s.state.Pending), len(s.state.Pending)+1)
	copy(next.Pending, s.state.Pending)
	next.Pending = append(next.Pending, chained)
	next.TailHash = hash

	encoded, err := json.Marshal(next)
	if err != nil {
		return ChainedEvent{}, 0, fmt.Errorf("encode ledger %s: %w", tenant, err)
	}
	if err := l.db.Put(stateKey(tenant), encoded); err != nil {
		return ChainedEvent{}, 0, fmt.Errorf("persist ledger %s: %w", tenant, err)
	}
	s.state = next
	return chained, len(next.Pending), nil
}

// Drain removes every pending event and returns them as a segment. The segment
// record and the reset ledger state are written in one atomic batch, so the
// events stay retrievable through Segments until Ack is called. A nil segment
// is returned when nothing is pending.
func (l *Ledger) Drain(tenant string) (*Segment, error) {
	if err := ValidateTenant(tenant); err != nil {
		return nil, err
	}
	s := l.slotFor(tenant)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := l.load(tenant, s); err != nil {
		return nil, err
	}
	if len(s.state.Pending) == 0 {
		return nil, nil
	}

	now := l.now()
	segment := &Segment{
		Tenant:    tenant,
		Index:     s.state.FlushCount,
		StartHash: s.state.StartHash,
		TailHash:  s.state.TailHash,
		Events:    s.state.Pending,
		DrainedAt: now.UTC(),
	}
	fresh := segmentStart(tenant, now, s.state.FlushCount+1)
	next := tenantState{
		Pending:    []ChainedEvent{},
		TailHash:   fresh,
		StartHash:  fresh,
		FlushCount: s.state.FlushCount + 1,
	}

	encodedState, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("encode ledger %s: %w", tenant, err)
	}
	encodedSegment, err := json.Marshal(segment)
	if err != nil {
		return nil, fmt.Errorf("encode segment %s/%d: %w", tenant, segment.Index, err)
	}
	batch := storage.NewBatch()
	batch.Put(stateKey(tenant), encodedState)
	batch.Put(segmentKey(tenant, segment.Index), encodedSegment)
	if err := l.db.Write(batch); err != nil {
		return nil, fmt.Errorf("persist drain %s: %w", tenant, err)
	}
	s.state = next
	return segment, nil
}

// segmentStart derives a non-genesis start hash from the wall clock so that
// successive segments are independently verifiable.
func segmentStart(tenant string, now time.Time, flushCount uint64) Digest {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(now.UnixNano()))
	binary.BigEndian.PutUint64(buf[8:], flushCount)
	return Digest(ethcrypto.Keccak256Hash([]byte("segment"), []byte(tenant), buf[:]))
}

// Ack forgets a segment once every partition has been durably recorded.
func (l *Ledger) Ack(tenant string, index uint64) error {
	if err := ValidateTenant(tenant); err != nil {
		return err
	}
	if err := l.db.Delete(segmentKey(tenant, index)); err != nil {
		return fmt.Errorf("ack segment %s/%d: %w", tenant, index, err)
	}
	return nil
}

// Segments lists the drained but unacknowledged segments of a tenant in drain order.
func (l *Ledger) Segments(tenant string) ([]Segment, error) {
	if err := ValidateTenant(tenant); err != nil {
		return nil, err
	}
	var (
		segments  []Segment
		decodeErr error
	)
	err := l.db.Iterate(segmentPrefix(tenant), func(key, value []byte) bool {
		var seg Segment
		if err := json.Unmarshal(value, &seg); err != nil {
			decodeErr = fmt.Errorf("decode segment %s: %w", key, err)
			return false
		}
		segments = append(segments, seg)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return segments, nil
}

// Tenants returns every tenant with persisted ledger state.
func (l *Ledger) Tenants() ([]string, error) {
	var tenants []string
	err := l.db.Iterate([]byte(stateKeyPrefix), func(key, _ []byte) bool {
		tenants = append(tenants, strings.TrimPrefix(string(key), stateKeyPrefix))
		return true
	})
	if err != nil {
		return nil, err
	}
	return tenants, nil
}

// Status reports the tenant's current pending length and chain heads.
func (l *Ledger) Status(tenant string) (Status, error) {
	if err := ValidateTenant(tenant); err != nil {
		return Status{}, err
	}
	s := l.slotFor(tenant)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := l.load(tenant, s); err != nil {
		return Status{}, err
	}
	return Status{
		Tenant:     tenant,
		Pending:    len(s.state.Pending),
		TailHash:   s.state.TailHash,
		StartHash:  s.state.StartHash,
		FlushCount: s.state.FlushCount,
	}, nil
}

// Pending returns a copy of the tenant's unflushed chain and the hash it starts from.
func (l *Ledger) Pending(tenant string) ([]ChainedEvent, Digest, error) {
	if err := ValidateTenant(tenant); err != nil {
		return nil, Digest{}, err
	}
	s := l.slotFor(tenant)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := l.load(tenant, s); err != nil {
		return nil, Digest{}, err
	}
	out := make([]ChainedEvent, len(s.state.Pending))
	copy(out, s.state.Pending)
	return out, s.state.StartHash, nil
}
