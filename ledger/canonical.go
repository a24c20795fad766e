package ledger

import (
	"encoding/json"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// canonicalEvent fixes the order and types of hashed fields. Reordering or
// retyping any field changes every subsequent hash.
type canonicalEvent struct {
	CampaignID   string  `json:"campaignId"`
	PromotionID  string  `json:"promotionId"`
	Type         string  `json:"type"`
	ActorAddress *string `json:"actorAddress"`
	Verified     bool    `json:"verified"`
	TrustScore   *int    `json:"trustScore"`
	Timestamp    int64   `json:"timestamp"`
}

// Canonicalize serialises the hashed fields of an event deterministically.
func Canonicalize(e Event) ([]byte, error) {
	payload, err := json.Marshal(canonicalEvent{
		CampaignID:   e.CampaignID,
		PromotionID:  e.PromotionID,
		Type:         string(e.Type),
		ActorAddress: e.ActorAddress,
		Verified:     e.Verified,
		TrustScore:   e.TrustScore,
		Timestamp:    e.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("canonicalize event: %w", err)
	}
	return payload, nil
}

// ComputeHash returns Keccak256(canonical(event) || previous).
func ComputeHash(e Event, previous Digest) (Digest, error) {
	payload, err := Canonicalize(e)
	if err != nil {
		return Digest{}, err
	}
	return Digest(ethcrypto.Keccak256Hash(payload, previous[:])), nil
}

// ChainError pinpoints the first entry that fails verification.
type ChainError struct {
	Index  int
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("ledger: chain broken at index %d: %s", e.Index, e.Reason)
}

// VerifyChain recomputes every hash in the segment and checks linkage back to start.
func VerifyChain(events []ChainedEvent, start Digest) error {
	previous := start
	for i, entry := range events {
		if entry.SequenceIndex != i {
			return &ChainError{Index: i, Reason: fmt.Sprintf("sequence index %d", entry.SequenceIndex)}
		}
		if entry.PreviousHash != previous {
			return &ChainError{Index: i, Reason: "previous hash mismatch"}
		}
		computed, err := ComputeHash(entry.Event, entry.PreviousHash)
		if err != nil {
			return &ChainError{Index: i, Reason: err.Error()}
		}
		if computed != entry.Hash {
			return &ChainError{Index: i, Reason: "hash mismatch"}
		}
		previous = entry.Hash
	}
	return nil
}
