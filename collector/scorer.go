package collector

import (
	"context"
	"strings"
)

// TrustScorer supplies a likelihood-of-human score for an actor address. A
// nil score means the source has no opinion.
type TrustScorer interface {
	Score(ctx context.Context, address string) (*int, error)
}

// DisabledScorer never scores.
type DisabledScorer struct{}

// Score implements TrustScorer.
func (DisabledScorer) Score(context.Context, string) (*int, error) { return nil, nil }

// StaticScorer serves scores from a fixed table keyed by lowercased address.
type StaticScorer struct {
	scores map[string]int
	dflt   *int
}

// NewStaticScorer copies scores. A non-nil fallback is returned for unknown addresses.
func NewStaticScorer(scores map[string]int, fallback *int) *StaticScorer {
	table := make(map[string]int, len(scores))
	for addr, score := range scores {
		table[strings.ToLower(strings.TrimSpace(addr))] = score
	}
	s := &StaticScorer{scores: table}
	if fallback != nil {
		v := *fallback
		s.dflt = &v
	}
	return s
}

// Score implements TrustScorer.
func (s *StaticScorer) Score(_ context.Context, address string) (*int, error) {
	if score, ok := s.scores[strings.ToLower(strings.TrimSpace(address))]; ok {
		return &score, nil
	}
	if s.dflt != nil {
		v := *s.dflt
		return &v, nil
	}
	return nil, nil
}
