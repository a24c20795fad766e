package reach

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"adchain/ledger"
)

func view(addr string, verified bool, score *int) ledger.Event {
	e := ledger.Event{CampaignID: "c1", Type: ledger.EventView, Verified: verified, TrustScore: score, Timestamp: 1}
	if addr != "" {
		e.ActorAddress = &addr
	}
	return e
}

func intPtr(v int) *int { return &v }

func TestComputeReach(t *testing.T) {
	events := []ledger.Event{
		view("0xA", true, intPtr(20)),
		view("0xA", true, intPtr(20)),
		view("0xB", true, intPtr(5)),
		view("0xC", false, nil),
	}
	res := Compute(events, 10)
	require.Equal(t, Result{Reach: 1, ExcludedUnverified: 1, ExcludedLowTrust: 1}, res)
}

func TestComputeReachIgnoresClicksAndCase(t *testing.T) {
	click := view("0xD", true, intPtr(99))
	click.Type = ledger.EventClick
	events := []ledger.Event{
		view("0xabc", true, intPtr(50)),
		view("0xABC", true, intPtr(50)),
		click,
		view("", false, nil),
	}
	res := Compute(events, 10)
	require.Equal(t, 1, res.Reach)
	require.Equal(t, 1, res.ExcludedUnverified)
	require.Equal(t, 0, res.ExcludedLowTrust)
}

func TestComputeReachCountsUnverifiedClicks(t *testing.T) {
	unverifiedClick := view("0xE", false, nil)
	unverifiedClick.Type = ledger.EventClick
	verifiedClick := view("0xF", true, intPtr(1))
	verifiedClick.Type = ledger.EventClick
	events := []ledger.Event{
		unverifiedClick,
		verifiedClick,
		view("0xG", false, nil),
	}
	require.Equal(t, Result{ExcludedUnverified: 2}, Compute(events, 10))
}

func TestComputeReachMissingScore(t *testing.T) {
	events := []ledger.Event{view("0xA", true, nil)}
	require.Equal(t, 1, Compute(events, 10).ExcludedLowTrust)
	require.Equal(t, 1, Compute(events, 0).Reach)
}

func TestComputeReachOrderIndependent(t *testing.T) {
	var events []ledger.Event
	for i := 0; i < 40; i++ {
		addr := string(rune('a' + i%7))
		events = append(events, view(addr, i%3 != 0, intPtr(i%25)))
	}
	expected := Compute(events, 10)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 10; i++ {
		rng.Shuffle(len(events), func(a, b int) { events[a], events[b] = events[b], events[a] })
		require.Equal(t, expected, Compute(events, 10))
	}
}
