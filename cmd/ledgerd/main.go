// Command ledgerd runs the development ledger behind its JSON-RPC endpoint.
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
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dealescrow/config"
	"dealescrow/ledger"
	"dealescrow/ledger/rpc"
	"dealescrow/observability"
	"dealescrow/observability/logging"
	"dealescrow/storage"
)

func main() {
	configFile := flag.String("config", "./ledger.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.SetupWithOptions("ledgerd", cfg.Environment, logging.Options{
		Level: cfg.LogLevel,
		File:  cfg.LogFile,
	})
	if err := run(cfg, logger); err != nil {
		logger.Error("ledgerd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	var db storage.Database
	if cfg.DataDir == "" {
		logger.Warn("no DataDir configured, ledger state is kept in memory")
		db = storage.NewMemDB()
	} else {
		ldb, err := storage.NewLevelDB(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open data dir: %w", err)
		}
		db = ldb
	}
	defer db.Close()

	fee, err := cfg.Fee()
	if err != nil {
		return err
	}
	policy, err := cfg.Policy()
	if err != nil {
		return err
	}
	l := ledger.New(db,
		ledger.WithMessageFee(fee),
		ledger.WithFundPolicy(policy),
		ledger.WithLogger(logger),
		ledger.WithEmitter(observability.EventEmitter{Logger: logger}),
	)
	if cfg.AuthToken == "" {
		logger.Warn("ledger RPC authentication disabled")
	}
	if cfg.EnableMint {
		logger.Warn("development faucet enabled")
	}

	mux := http.NewServeMux()
	mux.Handle("/", rpc.NewServer(l,
		rpc.WithAuthToken(cfg.AuthToken),
		rpc.WithMint(cfg.EnableMint),
		rpc.WithServerLogger(logger.With(slog.String("component", "rpc"))),
	))
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ledgerd listening",
			slog.String("addr", cfg.ListenAddress),
			slog.String("fee", cfg.MessageFee),
			slog.String("fundPolicy", policy.String()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
