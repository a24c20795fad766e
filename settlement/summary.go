package settlement

import (
	"encoding/json"
	"time"

	"adchain/ledger"
	"adchain/reach"
)

// SummaryVersion is bumped whenever the uploaded document changes shape.
const SummaryVersion = 1

// Summary is the document uploaded to content-addressed storage for one
// campaign partition. It carries the full event list so auditors can recompute
// every hash against the segment's start hash.
type Summary struct {
	Version          int                   `json:"version"`
	Publisher        string                `json:"publisher"`
	PublisherAddress string                `json:"publisherAddress,omitempty"`
	CampaignID       string                `json:"campaignId"`
	SegmentIndex     uint64                `json:"segmentIndex"`
	StartHash        ledger.Digest         `json:"startHash"`
	TailHash         ledger.Digest         `json:"tailHash"`
	FirstHash        ledger.Digest         `json:"firstHash"`
	LastHash         ledger.Digest         `json:"lastHash"`
	EventCount       int                   `json:"eventCount"`
	Views            uint64                `json:"views"`
	Clicks           uint64                `json:"clicks"`
	Reach            reach.Result          `json:"reach"`
	MinTrustScore    int                   `json:"minTrustScore"`
	Events           []ledger.ChainedEvent `json:"events"`
	GeneratedAt      time.Time             `json:"generatedAt"`
}

type partition struct {
	campaignID string
	events     []ledger.ChainedEvent
}

// partitionByCampaign groups events by campaign, keeping each group in chain
// order and groups in order of first appearance.
func partitionByCampaign(events []ledger.ChainedEvent) []partition {
	index := make(map[string]int)
	var out []partition
	for _, event := range events {
		pos, ok := index[event.CampaignID]
		if !ok {
			pos = len(out)
			index[event.CampaignID] = pos
			out = append(out, partition{campaignID: event.CampaignID})
		}
		out[pos].events = append(out[pos].events, event)
	}
	return out
}

func countTypes(events []ledger.ChainedEvent) (views, clicks uint64) {
	for _, event := range events {
		switch event.Type {
		case ledger.EventView:
			views++
		case ledger.EventClick:
			clicks++
		}
	}
	return views, clicks
}

// buildSummary is deterministic for a given attempt so that retried uploads
// produce identical bytes.
func buildSummary(a *attempt, publisherAddress string, minTrust int) Summary {
	views, clicks := countTypes(a.events)
	s := Summary{
		Version:          SummaryVersion,
		Publisher:        a.key.Tenant,
		PublisherAddress: publisherAddress,
		CampaignID:       a.key.CampaignID,
		SegmentIndex:     a.key.SegmentIndex,
		StartHash:        a.startHash,
		TailHash:         a.tailHash,
		EventCount:       len(a.events),
		Views:            views,
		Clicks:           clicks,
		Reach:            reach.ComputeChained(a.events, minTrust),
		MinTrustScore:    minTrust,
		Events:           a.events,
		GeneratedAt:      a.drainedAt.UTC(),
	}
	if len(a.events) > 0 {
		s.FirstHash = a.events[0].Hash
		s.LastHash = a.events[len(a.events)-1].Hash
	}
	return s
}

// Encode renders the summary as JSON.
func (s Summary) Encode() ([]byte, error) {
	return json.Marshal(s)
}
