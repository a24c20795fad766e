// Package reach counts distinct, verified, sufficiently trusted viewers.
package reach

import (
	"strings"

	"adchain/ledger"
)

// Result carries the reach figure and the audit counters explaining exclusions.
type Result struct {
	Reach              int `json:"reach"`
	ExcludedUnverified int `json:"excludedUnverified"`
	ExcludedLowTrust   int `json:"excludedLowTrust"`
}

// Compute returns the number of distinct actor addresses among verified views
// whose trust score meets minTrustScore. A verified view without a score is
// treated as low trust unless minTrustScore is zero or negative. Every
// unverified event, click or view, counts in ExcludedUnverified; verified
// clicks touch neither reach nor the counters. Input order does not affect
// the result.
func Compute(events []ledger.Event, minTrustScore int) Result {
	var res Result
	seen := make(map[string]struct{})
	for _, event := range events {
		actor := strings.ToLower(strings.TrimSpace(event.Actor()))
		if !event.Verified || actor == "" {
			res.ExcludedUnverified++
			continue
		}
		if event.Type != ledger.EventView {
			continue
		}
		if !meetsTrust(event.TrustScore, minTrustScore) {
			res.ExcludedLowTrust++
			continue
		}
		seen[actor] = struct{}{}
	}
	res.Reach = len(seen)
	return res
}

// ComputeChained is Compute over chained ledger entries.
func ComputeChained(events []ledger.ChainedEvent, minTrustScore int) Result {
	plain := make([]ledger.Event, len(events))
	for i := range events {
		plain[i] = events[i].Event
	}
	return Compute(plain, minTrustScore)
}

func meetsTrust(score *int, min int) bool {
	if score == nil {
		return min <= 0
	}
	return *score >= min
}
