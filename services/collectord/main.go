package collectord

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"adchain/blobstore"
	"adchain/campaigns"
	"adchain/chain"
	"adchain/internal/passphrase"
	"adchain/collector"
	"adchain/crypto"
	"adchain/integrations/webhooks"
	"adchain/ledger"
	"adchain/observability/logging"
	telemetry "adchain/observability/otel"
	"adchain/services/collectord/middleware"
	"adchain/settlement"
	"adchain/storage"
)

// Main initialises and runs the collector daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/collectord/config.yaml", "path to collectord configuration (.yaml or .toml)")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := cfg.Environment
	if env == "" {
		env = strings.TrimSpace(os.Getenv("ADCHAIN_ENV"))
	}
	logger := logging.Setup("collectord", env, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("collectord", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := Build(stopCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()
	return app.Run(stopCtx)
}

// App holds the wired daemon components.
type App struct {
	cfg       Config
	logger    *slog.Logger
	Ledger    *ledger.Ledger
	Settler   *settlement.Settler
	Collector *collector.Collector
	Server    *Server
	Stream    *Stream

	closers []func() error
}

// Build opens storage, dials collaborators and wires the collector. Segments
// left unacknowledged by a previous run are settled before Build returns.
func Build(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	db, err := storage.NewLevelDB(cfg.Ledger.Path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	app.closers = append(app.closers, db.Close)
	app.Ledger = ledger.New(db)

	store, err := openStore(cfg.Settlement)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, store.Close)

	blobs, err := openBlobstore(cfg.Blobstore, app)
	if err != nil {
		return nil, err
	}

	gateway, err := openGateway(ctx, cfg.Chain, app)
	if err != nil {
		return nil, err
	}

	app.Stream = NewStream()
	settleOpts := []settlement.Option{settlement.WithLogger(logger), settlement.WithNotifier(app.Stream)}
	if url := strings.TrimSpace(cfg.Webhook.URL); url != "" {
		dispatcher, err := webhooks.NewDispatcher(url, []byte(cfg.Webhook.Secret),
			webhooks.WithLogger(logger),
			webhooks.WithHTTPClient(&http.Client{Timeout: cfg.Webhook.Timeout.Duration}),
			webhooks.WithRetryPolicy(cfg.Webhook.MaxAttempts, 0, 0))
		if err != nil {
			return nil, fmt.Errorf("webhook: %w", err)
		}
		app.closers = append(app.closers, func() error {
			dispatcher.Close()
			return nil
		})
		settleOpts = append(settleOpts, settlement.WithNotifier(dispatcher))
	}

	directory, err := openDirectory(cfg.Campaigns)
	if err != nil {
		return nil, fmt.Errorf("open campaign directory: %w", err)
	}
	warmDirectory(ctx, directory, logger)

	app.Settler, err = settlement.New(settlement.Config{
		MinTrustScore:    cfg.Batch.MinTrustScore,
		PublisherAddress: cfg.Settlement.PublisherAddress,
		OperationTimeout: cfg.Settlement.OperationTimeout.Duration,
		Concurrency:      cfg.Settlement.Concurrency,
		RetryBaseDelay:   cfg.Settlement.RetryBaseDelay.Duration,
		RetryMaxDelay:    cfg.Settlement.RetryMaxDelay.Duration,
		MaxAttempts:      cfg.Settlement.MaxAttempts,
	}, settlement.Deps{
		Ledger:    app.Ledger,
		Store:     store,
		Blobs:     blobs,
		Chain:     gateway,
		Campaigns: directory,
	}, settleOpts...)
	if err != nil {
		return nil, err
	}
	if replayed, err := app.Settler.Recover(ctx); err != nil {
		logger.Error("segment recovery incomplete", slog.Int("replayed", replayed), slog.Any("error", err))
	}

	app.Collector, err = collector.New(collector.Config{
		BatchThreshold: cfg.Batch.Threshold,
		FlushTimeout:   cfg.Batch.FlushTimeout.Duration,
	}, app.Ledger, app.Settler,
		collector.WithLogger(logger),
		collector.WithTrustScorer(trustScorer(cfg.Trust)))
	if err != nil {
		return nil, err
	}

	app.Server, err = NewServer(app.Collector, app.Settler, ServerConfig{
		Auth: middleware.AuthConfig{
			HMACSecret: cfg.Admin.JWTSecret,
			Issuer:     cfg.Admin.Issuer,
			Audience:   cfg.Admin.Audience,
		},
		CORS:         middleware.CORSConfig{AllowedOrigins: cfg.HTTP.AllowedOrigins},
		RateLimit:    middleware.RateLimit{RequestsPerMinute: cfg.HTTP.RequestsPerMinute, Burst: cfg.HTTP.Burst},
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		Stream:       app.Stream,
	}, logger)
	if err != nil {
		return nil, err
	}
	ok = true
	return app, nil
}

// Run serves HTTP and the background loops until ctx is cancelled, then
// flushes every tenant within the shutdown grace period. Flush failures at
// shutdown are logged; the ledger keeps the events for the next start.
func (a *App) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              a.cfg.ListenAddress,
		Handler:           a.Server,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	loopCtx, cancelLoops := context.WithCancel(ctx)
	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		a.every(loopCtx, a.cfg.Batch.FlushInterval.Duration, a.periodicFlush)
	}()
	go func() {
		defer loops.Done()
		a.every(loopCtx, a.cfg.Settlement.RetryInterval.Duration, a.retryDue)
	}()

	errs := make(chan error, 1)
	go func() {
		a.logger.Info("collectord listening", slog.String("addr", a.cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}
	cancelLoops()
	loops.Wait()

	graceCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace.Duration)
	defer cancel()
	if err := httpServer.Shutdown(graceCtx); err != nil {
		_ = httpServer.Close()
	}
	a.Shutdown(graceCtx)
	return serveErr
}

// Shutdown flushes all tenants and waits for background flushes, bounded by ctx.
func (a *App) Shutdown(ctx context.Context) {
	flushed, err := a.Collector.FlushAll(ctx, settlement.TriggerShutdown)
	if err != nil {
		a.logger.Error("shutdown flush incomplete", slog.Int("flushed", flushed), slog.Any("error", err))
	} else {
		a.logger.Info("shutdown flush complete", slog.Int("flushed", flushed))
	}
	if err := a.Collector.WaitContext(ctx); err != nil {
		a.logger.Warn("background flushes still running at exit", slog.Any("error", err))
	}
}

// Close releases storage handles in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", slog.Any("error", err))
		}
	}
	a.closers = nil
}

func (a *App) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (a *App) periodicFlush(ctx context.Context) {
	if _, err := a.Collector.FlushAll(ctx, settlement.TriggerPeriodic); err != nil {
		a.logger.Warn("periodic flush incomplete", slog.Any("error", err))
	}
}

func (a *App) retryDue(ctx context.Context) {
	records, err := a.Settler.RetryDue(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn("retry pass failed", slog.Any("error", err))
	}
	if len(records) > 0 {
		a.logger.Info("retry pass settled partitions", slog.Int("records", len(records)))
	}
}

func openStore(cfg SettlementConfig) (settlement.Store, error) {
	switch cfg.Store {
	case "bolt":
		store, err := settlement.OpenBoltStore(cfg.Path, nil)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "sqlite", "postgres":
		dialector := sqlite.Open(cfg.Path)
		if cfg.Store == "postgres" {
			dialector = postgres.Open(cfg.DSN)
		}
		db, err := gorm.Open(dialector, &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("open %s settlement store: %w", cfg.Store, err)
		}
		store, err := settlement.NewGormStore(db)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown settlement store %q", cfg.Store)
	}
}

func openBlobstore(cfg BlobstoreConfig, app *App) (blobstore.Store, error) {
	switch cfg.Kind {
	case "local":
		local, err := blobstore.OpenLocal(cfg.Path)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, local.Close)
		return local, nil
	case "ipfs":
		ipfs, err := blobstore.NewIPFS(blobstore.IPFSConfig{
			Endpoint: cfg.Endpoint,
			Username: cfg.Username,
			Password: cfg.Password,
			Timeout:  cfg.Timeout.Duration,
		})
		if err != nil {
			return nil, err
		}
		return ipfs, nil
	default:
		return nil, fmt.Errorf("unknown blobstore kind %q", cfg.Kind)
	}
}

func openGateway(ctx context.Context, cfg ChainConfig, app *App) (*chain.Gateway, error) {
	logger := app.logger
	if !cfg.Enabled {
		logger.Info("chain gateway disabled; partitions settle off-chain")
		return chain.Disabled(), nil
	}
	key, err := loadSigner(cfg)
	if err != nil {
		return nil, fmt.Errorf("load chain signer: %w", err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	backend, err := chain.DialBackend(dialCtx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	app.closers = append(app.closers, func() error {
		backend.Close()
		return nil
	})
	var chainID *big.Int
	if cfg.ChainID > 0 {
		chainID = big.NewInt(cfg.ChainID)
	}
	transactor, err := chain.NewEthTransactor(dialCtx, backend, key, chainID, cfg.PollInterval.Duration)
	if err != nil {
		return nil, err
	}
	opts := []chain.Option{chain.WithLogger(logger)}
	if cfg.ReceiptTimeout.Duration > 0 {
		opts = append(opts, chain.WithReceiptTimeout(cfg.ReceiptTimeout.Duration))
	}
	logger.Info("chain gateway enabled", slog.String("signer", transactor.From().Hex()))
	return chain.NewGateway(transactor, opts...)
}

func loadSigner(cfg ChainConfig) (*crypto.PrivateKey, error) {
	var expected common.Address
	if addr := strings.TrimSpace(cfg.SignerAddress); addr != "" {
		expected = common.HexToAddress(addr)
	}
	if cfg.SignerKey != "" {
		key, err := crypto.PrivateKeyFromHex(cfg.SignerKey)
		if err != nil {
			return nil, err
		}
		if expected != (common.Address{}) && key.Address() != expected {
			return nil, fmt.Errorf("%w: have %s, want %s", crypto.ErrSignerMismatch, key.Address().Hex(), expected.Hex())
		}
		return key, nil
	}
	if expected == (common.Address{}) {
		recorded, err := crypto.KeystoreAddress(cfg.Keystore)
		if err != nil {
			return nil, err
		}
		expected = recorded
	}
	pass, err := passphrase.NewSource(cfg.PassphraseEnv, "signer keystore passphrase").Get()
	if err != nil {
		return nil, err
	}
	return crypto.OpenSignerKeystore(cfg.Keystore, pass, expected)
}

func openDirectory(cfg CampaignsConfig) (campaigns.Directory, error) {
	url := strings.TrimSpace(cfg.DirectoryURL)
	if url == "" {
		return campaigns.NewStaticDirectory(cfg.Static), nil
	}
	upstream, err := campaigns.NewHTTPDirectory(url, cfg.Timeout.Duration)
	if err != nil {
		return nil, err
	}
	return campaigns.NewCache(upstream, cfg.CacheTTL.Duration), nil
}

// warmDirectory primes the campaign cache so the first flush does not pay a
// lookup per campaign. An unreachable directory is not fatal at startup.
func warmDirectory(ctx context.Context, directory campaigns.Directory, logger *slog.Logger) {
	warmCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	active, err := directory.ListActive(warmCtx)
	if err != nil {
		logger.Warn("campaign directory unavailable at startup", slog.Any("error", err))
		return
	}
	logger.Info("campaign directory loaded", slog.Int("active", len(active)))
}

func trustScorer(cfg TrustConfig) collector.TrustScorer {
	if len(cfg.Scores) == 0 && cfg.Default == nil {
		return collector.DisabledScorer{}
	}
	return collector.NewStaticScorer(cfg.Scores, cfg.Default)
}
