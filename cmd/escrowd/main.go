// Command escrowd runs the deal escrow coordinator: it deploys deal
// contracts, confirms funding, dispatches lifecycle messages and keeps the
// off-ledger books in step with the ledger.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/holiman/uint256"

	"dealescrow/crypto"
	"dealescrow/ledger/rpc"
	"dealescrow/native/deal"
	"dealescrow/observability/logging"
	telemetry "dealescrow/observability/otel"
	"dealescrow/services/coordinator"
	"dealescrow/services/coordinator/api"
	"dealescrow/services/mirror"
	"dealescrow/services/settlement"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "escrowd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "escrowd.yaml", "path to escrowd configuration")
	flag.Parse()

	cfg, err := coordinator.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.SetupWithOptions("escrowd", cfg.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "escrowd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}.WithEnv(nil))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	d, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	httpServer := &http.Server{
		Addr:              cfg.API.ListenAddress,
		Handler:           d.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 2)
	go func() { errs <- d.svc.Run(ctx) }()
	go func() {
		logger.Info("escrowd listening", slog.String("addr", cfg.API.ListenAddress), slog.String("ledger", cfg.Ledger.URL))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errs:
		if err != nil {
			stop()
			return err
		}
	}
	logger.Info("shutting down escrowd")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
		return err
	}
	return nil
}

// daemon holds the wired coordinator and the stores it owns.
type daemon struct {
	svc     *coordinator.Service
	handler http.Handler
	closers []func() error
}

// Close releases the stores in reverse order of opening.
func (d *daemon) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// build opens the stores named by cfg and wires the coordinator and its HTTP
// surface. Nothing is started.
func build(cfg coordinator.Config, logger *slog.Logger) (*daemon, error) {
	for _, path := range []string{cfg.Storage.RecordsPath, cfg.Storage.MirrorPath} {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	d := &daemon{}
	records, err := coordinator.OpenStore(cfg.Storage.RecordsPath)
	if err != nil {
		return nil, fmt.Errorf("open records: %w", err)
	}
	d.closers = append(d.closers, records.Close)
	mirrorStore, err := mirror.Open(cfg.Storage.MirrorPath, nil)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("open mirror: %w", err)
	}
	d.closers = append(d.closers, mirrorStore.Close)
	db, err := settlement.OpenDB(cfg.Storage.BooksDSN, logger.With(slog.String("component", "books")))
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("open books: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		d.closers = append(d.closers, sqlDB.Close)
	}
	books, err := settlement.NewBooks(settlement.Config{
		DB:     db,
		Logger: logger.With(slog.String("component", "books")),
		// Treasury transfers are wired per deployment; until then payouts
		// fail and are compensated.
		Payouter: settlement.FuncPayouter(func(context.Context, string, *uint256.Int) (string, error) {
			return "", errors.New("treasury wallet not configured")
		}),
	})
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("init books: %w", err)
	}

	value, err := deal.ParseCoins(cfg.Dispatch.Value)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("dispatch value: %w", err)
	}
	policy, err := deal.ParseFundPolicy(cfg.Custody.FundingPolicy)
	if err != nil {
		d.Close()
		return nil, err
	}
	client := rpc.NewClient(cfg.Ledger.URL, cfg.Ledger.AuthToken, rpc.WithClientTimeout(cfg.Ledger.Timeout.Duration))
	queue := coordinator.NewNotificationQueue(
		coordinator.WithQueueCapacity(cfg.Notify.QueueSize),
		coordinator.WithQueueTTL(cfg.Notify.TTL.Duration),
	)
	notifier := coordinator.NewNotifier(queue, cfg.Notify.Webhooks, cfg.Notify.MaxAttempts, logger.With(slog.String("component", "notifier")))

	svc, err := coordinator.New(coordinator.Options{
		Client:        client,
		Keys:          crypto.NewKeySource([]byte(cfg.Custody.MasterSecret), logger),
		Records:       records,
		Mirror:        mirrorStore,
		Books:         books,
		Notifier:      notifier,
		Logger:        logger,
		Funding:       cfg.Funding,
		Dispatch:      cfg.Dispatch,
		Reconcile:     cfg.Reconcile,
		FundPolicy:    policy,
		AutoPayout:    cfg.Settlement.AutoPayout,
		DispatchValue: value,
	})
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("init coordinator: %w", err)
	}

	auth := api.NewAuthenticator(api.AuthConfig{
		HMACSecret: cfg.API.JWTSecret,
		Issuer:     cfg.API.Issuer,
		Audience:   cfg.API.Audience,
	}, logger)
	server := api.NewServer(svc, api.Options{
		Auth:    auth,
		Limiter: api.NewRateLimiter(cfg.API.RequestsPerMinute, cfg.API.Burst),
		Logger:  logger.With(slog.String("component", "api")),
		Timeout: cfg.Ledger.Timeout.Duration * time.Duration(cfg.Dispatch.MaxAttempts+1),
	})
	d.svc = svc
	d.handler = server.Handler()
	return d, nil
}
