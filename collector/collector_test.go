package collector

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"adchain/blobstore"
	"adchain/crypto"
	"adchain/ledger"
	"adchain/settlement"
	"adchain/signature"
	"adchain/storage"
)

type fixture struct {
	ledger    *ledger.Ledger
	settler   *settlement.Settler
	collector *Collector
}

func newFixture(t *testing.T, threshold int, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	blobs, err := blobstore.OpenLocal(filepath.Join(dir, "blobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = blobs.Close() })
	store, err := settlement.OpenBoltStore(filepath.Join(dir, "settlement.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	l := ledger.New(storage.NewMemDB())
	settler, err := settlement.New(settlement.Config{}, settlement.Deps{Ledger: l, Store: store, Blobs: blobs})
	require.NoError(t, err)
	c, err := New(Config{BatchThreshold: threshold}, l, settler, opts...)
	require.NoError(t, err)
	return &fixture{ledger: l, settler: settler, collector: c}
}

func viewRequest(campaign string, ts int64) Request {
	return Request{CampaignID: campaign, PromotionID: "promo", Type: "view", Timestamp: ts}
}

func TestThresholdTriggersSingleFlush(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		resp, err := f.collector.Record(ctx, "pub.example", viewRequest("c1", int64(1700000000000+i)))
		require.NoError(t, err)
		require.Equal(t, StatusRecorded, resp.Status)
		require.Equal(t, fmt.Sprintf("%d/5", i), resp.BatchProgress)
	}
	f.collector.Wait()
	status, err := f.collector.Status("pub.example")
	require.NoError(t, err)
	require.Equal(t, 4, status.Pending)
	history, err := f.collector.History(ctx, "pub.example", 0)
	require.NoError(t, err)
	require.Empty(t, history)

	resp, err := f.collector.Record(ctx, "pub.example", viewRequest("c1", 1700000000005))
	require.NoError(t, err)
	require.Equal(t, "5/5", resp.BatchProgress)
	f.collector.Wait()

	status, err = f.collector.Status("pub.example")
	require.NoError(t, err)
	require.Zero(t, status.Pending)
	require.False(t, status.Flushing)
	history, err = f.collector.History(ctx, "pub.example", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, 5, history[0].EventCount)
	require.True(t, history[0].Success)
	require.True(t, history[0].OffChain)
	require.NotEmpty(t, history[0].ContentAddress)
	require.Nil(t, history[0].TxHash)
}

func TestRecordVerifiesSignatures(t *testing.T) {
	f := newFixture(t, 100)
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	address := key.Address().Hex()
	sig, err := signature.SignEvent(key, "c1", ledger.EventView, 1700000000000)
	require.NoError(t, err)

	req := viewRequest("c1", 1700000000000)
	req.ActorAddress = &address
	req.Signature = &sig
	resp, err := f.collector.Record(context.Background(), "pub.example", req)
	require.NoError(t, err)
	require.True(t, resp.Verified)

	bad := "0xdeadbeef"
	req.Signature = &bad
	resp, err = f.collector.Record(context.Background(), "pub.example", req)
	require.NoError(t, err, "bad signatures are recorded, not rejected")
	require.False(t, resp.Verified)

	pending, _, err := f.ledger.Pending("pub.example")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.True(t, pending[0].Verified)
	require.False(t, pending[1].Verified)
	require.Equal(t, pending[1].Hash, resp.EventHash)
}

func TestRecordRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	cases := map[string]struct {
		tenant string
		req    Request
	}{
		"unknown type":     {"pub.example", Request{CampaignID: "c1", Type: "hover", Timestamp: 1}},
		"missing campaign": {"pub.example", Request{Type: "view", Timestamp: 1}},
		"missing time":     {"pub.example", Request{CampaignID: "c1", Type: "view"}},
		"bad tenant":       {"pub/example", viewRequest("c1", 1)},
		"empty tenant":     {"", viewRequest("c1", 1)},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.collector.Record(ctx, tc.tenant, tc.req)
			require.ErrorIs(t, err, ErrValidation)
		})
	}
	status, err := f.collector.Status("pub.example")
	require.NoError(t, err)
	require.Zero(t, status.Pending)
}

func TestTrustScorerFillsMissingScore(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	address := key.Address().Hex()
	scorer := NewStaticScorer(map[string]int{address: 77}, nil)
	f := newFixture(t, 100, WithTrustScorer(scorer))

	sig, err := signature.SignEvent(key, "c1", ledger.EventView, 1700000000000)
	require.NoError(t, err)
	req := viewRequest("c1", 1700000000000)
	req.ActorAddress = &address
	req.Signature = &sig
	_, err = f.collector.Record(context.Background(), "pub.example", req)
	require.NoError(t, err)

	supplied := 12
	req.TrustScore = &supplied
	_, err = f.collector.Record(context.Background(), "pub.example", req)
	require.NoError(t, err)

	pending, _, err := f.ledger.Pending("pub.example")
	require.NoError(t, err)
	require.NotNil(t, pending[0].TrustScore)
	require.Equal(t, 77, *pending[0].TrustScore)
	require.Equal(t, 12, *pending[1].TrustScore)
}

func TestStaticScorerFallback(t *testing.T) {
	fallback := 5
	scorer := NewStaticScorer(map[string]int{"0xABC": 90}, &fallback)
	score, err := scorer.Score(context.Background(), "0xabc")
	require.NoError(t, err)
	require.Equal(t, 90, *score)
	score, err = scorer.Score(context.Background(), "0xother")
	require.NoError(t, err)
	require.Equal(t, 5, *score)

	score, err = DisabledScorer{}.Score(context.Background(), "0xabc")
	require.NoError(t, err)
	require.Nil(t, score)
}

func TestFlushAllSkipsIdleTenants(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	for _, tenant := range []string{"a.example", "b.example"} {
		_, err := f.collector.Record(ctx, tenant, viewRequest("c1", 1700000000000))
		require.NoError(t, err)
	}
	_, err := f.collector.Record(ctx, "c.example", viewRequest("c1", 1700000000000))
	require.NoError(t, err)
	_, err = f.collector.Flush(ctx, "c.example", settlement.TriggerManual)
	require.NoError(t, err)

	flushed, err := f.collector.FlushAll(ctx, settlement.TriggerShutdown)
	require.NoError(t, err)
	require.Equal(t, 2, flushed)

	for _, tenant := range []string{"a.example", "b.example", "c.example"} {
		history, err := f.collector.History(ctx, tenant, 0)
		require.NoError(t, err)
		require.Len(t, history, 1, tenant)
	}
}

func TestVerifyPending(t *testing.T) {
	f := newFixture(t, 100)
	for i := 0; i < 3; i++ {
		_, err := f.collector.Record(context.Background(), "pub.example", viewRequest("c1", int64(1700000000000+i)))
		require.NoError(t, err)
	}
	report, err := f.collector.VerifyPending("pub.example")
	require.NoError(t, err)
	require.True(t, report.Valid)
	require.Equal(t, 3, report.Pending)
	require.Nil(t, report.BrokenAt)

	_, err = f.collector.VerifyPending("bad tenant")
	require.ErrorIs(t, err, ErrValidation)
}

func TestConcurrentRecordsSettleEveryEvent(t *testing.T) {
	f := newFixture(t, 7)
	ctx := context.Background()
	const total = 60

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			campaign := fmt.Sprintf("c%d", i%3)
			if _, err := f.collector.Record(ctx, "pub.example", viewRequest(campaign, int64(1700000000000+i))); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	f.collector.Wait()
	require.Empty(t, errs)

	status, err := f.collector.Status("pub.example")
	require.NoError(t, err)
	require.Less(t, status.Pending, 7)

	history, err := f.collector.History(ctx, "pub.example", 0)
	require.NoError(t, err)
	settled := 0
	for _, rec := range history {
		settled += rec.EventCount
	}
	require.Equal(t, total, settled+status.Pending)
}

type failingSettler struct {
	mu    sync.Mutex
	calls int
}

func (f *failingSettler) Flush(context.Context, string, settlement.Trigger) ([]settlement.BatchRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil, errors.New("drain: storage unavailable")
}

func (f *failingSettler) History(context.Context, string, int) ([]settlement.BatchRecord, error) {
	return nil, nil
}

func (f *failingSettler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestFailedThresholdFlushDoesNotSpin(t *testing.T) {
	settler := &failingSettler{}
	c, err := New(Config{BatchThreshold: 2}, ledger.New(storage.NewMemDB()), settler)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		_, err := c.Record(ctx, "pub.example", viewRequest("c1", int64(1700000000000+i)))
		require.NoError(t, err)
	}
	c.Wait()
	require.Equal(t, 1, settler.count())

	status, err := c.Status("pub.example")
	require.NoError(t, err)
	require.Equal(t, 2, status.Pending)
	require.False(t, status.Flushing)

	_, err = c.Record(ctx, "pub.example", viewRequest("c1", 1700000000003))
	require.NoError(t, err)
	c.Wait()
	require.Equal(t, 2, settler.count(), "the next crossing schedules a fresh attempt")
}
