package collectord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"adchain/campaigns"
	"adchain/collector"
	"adchain/settlement"
)

func localConfig(t *testing.T, dir string) Config {
	t.Helper()
	cfg := Config{
		Blobstore:  BlobstoreConfig{Kind: "local", Path: filepath.Join(dir, "blobs.db")},
		Ledger:     LedgerConfig{Path: filepath.Join(dir, "ledger")},
		Settlement: SettlementConfig{Store: "bolt", Path: filepath.Join(dir, "settlement.db")},
	}
	applyDefaults(&cfg)
	require.NoError(t, validateConfig(cfg))
	return cfg
}

func TestShutdownFlushSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	app, err := Build(ctx, localConfig(t, dir), nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := app.Collector.Record(ctx, "pub.example", collector.Request{
			CampaignID: "camp-a",
			Type:       "view",
			Timestamp:  int64(1700000000000 + i),
		})
		require.NoError(t, err)
	}
	app.Shutdown(ctx)
	app.Close()

	app, err = Build(ctx, localConfig(t, dir), nil)
	require.NoError(t, err)
	defer app.Close()
	status, err := app.Collector.Status("pub.example")
	require.NoError(t, err)
	require.Zero(t, status.Pending)
	require.Equal(t, uint64(1), status.FlushCount)

	history, err := app.Collector.History(ctx, "pub.example", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, 3, history[0].EventCount)
	require.Equal(t, "shutdown", string(history[0].Trigger))
}

func TestPendingEventsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	app, err := Build(ctx, localConfig(t, dir), nil)
	require.NoError(t, err)
	resp, err := app.Collector.Record(ctx, "pub.example", collector.Request{CampaignID: "camp-a", Type: "click", Timestamp: 1700000000000})
	require.NoError(t, err)
	app.Close()

	app, err = Build(ctx, localConfig(t, dir), nil)
	require.NoError(t, err)
	defer app.Close()
	status, err := app.Collector.Status("pub.example")
	require.NoError(t, err)
	require.Equal(t, 1, status.Pending)
	require.Equal(t, resp.EventHash, status.TailHash)
}

func TestBuildWarmsCampaignDirectory(t *testing.T) {
	var listed, fetched atomic.Int32
	directory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/campaigns/active":
			listed.Add(1)
			_ = json.NewEncoder(w).Encode([]campaigns.Campaign{{ID: "camp-a", Brand: "Acme", Active: true}})
		default:
			fetched.Add(1)
			http.NotFound(w, r)
		}
	}))
	defer directory.Close()

	cfg := localConfig(t, t.TempDir())
	cfg.Campaigns.DirectoryURL = directory.URL
	ctx := context.Background()
	app, err := Build(ctx, cfg, nil)
	require.NoError(t, err)
	defer app.Close()
	require.Equal(t, int32(1), listed.Load())

	_, err = app.Collector.Record(ctx, "pub.example", collector.Request{CampaignID: "camp-a", Type: "view", Timestamp: 1700000000000})
	require.NoError(t, err)
	records, err := app.Collector.Flush(ctx, "pub.example", settlement.TriggerManual)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.True(t, records[0].OffChain)
	require.Zero(t, fetched.Load(), "settlement should be served from the warmed cache")
}

func TestBuildRejectsMalformedDirectoryURL(t *testing.T) {
	cfg := localConfig(t, t.TempDir())
	cfg.Campaigns.DirectoryURL = "campaigns.internal/api"
	_, err := Build(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "campaign directory")
}

func TestBuildToleratesUnreachableDirectory(t *testing.T) {
	directory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer directory.Close()

	cfg := localConfig(t, t.TempDir())
	cfg.Campaigns.DirectoryURL = directory.URL
	app, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	app.Close()
}
