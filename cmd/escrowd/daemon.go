package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"escrowmarket/config"
	"escrowmarket/core"
	"escrowmarket/core/genesis"
	"escrowmarket/crypto"
	"escrowmarket/gateway/auth"
	"escrowmarket/gateway/middleware"
	"escrowmarket/observability"
	"escrowmarket/observability/journal"
	"escrowmarket/observability/logging"
	"escrowmarket/rpc"
	"escrowmarket/storage"
)

const serviceName = "escrowd"

// daemon owns every long-lived resource of the process.
type daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      storage.Database
	journal *journal.Journal
	ledger  *core.Ledger
	server  *rpc.Server
	handler http.Handler
}

func openStorage(cfg *config.Config) (storage.Database, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		return storage.NewMemDB(), nil
	case config.StorageLevelDB:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("prepare data dir: %w", err)
		}
		return storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	default:
		return nil, fmt.Errorf("unsupported storage %q", cfg.Storage)
	}
}

func newDaemon(cfg *config.Config, logger *slog.Logger, registerer prometheus.Registerer, gatherer prometheus.Gatherer) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger}
	db, err := openStorage(cfg)
	if err != nil {
		return nil, err
	}
	d.db = db

	opts := []core.Option{
		core.WithLogger(logger.With(slog.String("component", "ledger"))),
		core.WithEmitter(observability.Ledger()),
	}
	if path := strings.TrimSpace(cfg.JournalPath); path != "" {
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				d.Close()
				return nil, fmt.Errorf("prepare journal dir: %w", err)
			}
		}
		j, err := journal.Open(path, logger.With(slog.String("component", "journal")))
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		d.journal = j
		opts = append(opts, core.WithEmitter(j))
	}

	ledger, err := core.NewLedger(db, opts...)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.ledger = ledger

	if path := strings.TrimSpace(cfg.GenesisFile); path != "" {
		if err := applyGenesis(ledger, path, logger); err != nil {
			d.Close()
			return nil, err
		}
	}

	summary, err := ledger.Summary()
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("read ledger summary: %w", err)
	}
	observability.Ledger().SetSnapshot(summary.Items, summary.VaultBalance)

	server, err := rpc.NewServer(ledger, d.journal, rpc.Config{
		ServiceName: serviceName,
		Auth: auth.Config{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  time.Duration(cfg.Auth.ClockSkewSeconds) * time.Second,
		},
		RateLimit: middleware.RateLimit{
			RatePerSecond: cfg.RateLimit.RatePerSecond,
			Burst:         cfg.RateLimit.Burst,
		},
		LogRequests: strings.EqualFold(cfg.Log.Level, "debug"),
		Registerer:  registerer,
		Gatherer:    gatherer,
	}, logger.With(slog.String("component", "rpc")))
	if err != nil {
		d.Close()
		return nil, err
	}
	d.server = server
	d.handler = server.Handler()
	if cfg.Telemetry.Traces {
		d.handler = otelhttp.NewHandler(d.handler, serviceName)
	}

	logger.Info("ledger ready",
		slog.Uint64("items", summary.Items),
		slog.String("admin", formatAdmin(summary.Admin)),
		slog.String("custody", summary.VaultBalance.String()))
	return d, nil
}

func applyGenesis(ledger *core.Ledger, path string, logger *slog.Logger) error {
	spec, err := genesis.LoadGenesisSpec(path)
	if err != nil {
		return fmt.Errorf("load genesis: %w", err)
	}
	seeded, err := genesis.Apply(spec, ledger)
	if err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}
	attrs := []interface{}{
		slog.String("path", path),
		slog.Bool("seeded", seeded),
		slog.Int("allocations", len(spec.Allocations())),
	}
	if ts := spec.GenesisTimestamp(); !ts.IsZero() {
		attrs = append(attrs, slog.Time("genesis_time", ts))
	}
	logger.Info("genesis applied", attrs...)
	return nil
}

func formatAdmin(admin [20]byte) string {
	if admin == ([20]byte{}) {
		return ""
	}
	return crypto.MarketAddress(admin).String()
}

// serve runs the HTTP server until ctx is cancelled.
func (d *daemon) serve(ctx context.Context) error {
	server := &http.Server{
		Addr:         d.cfg.RPCAddress,
		Handler:      d.handler,
		ReadTimeout:  time.Duration(d.cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(d.cfg.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  2 * time.Minute,
	}
	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("listening",
			slog.String("address", d.cfg.RPCAddress),
			slog.String("storage", d.cfg.Storage),
			logging.MaskField("otel_headers", d.cfg.Telemetry.Headers),
			logging.MaskField("jwt_secret", d.cfg.Auth.HMACSecret))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// Close releases the journal and the database.
func (d *daemon) Close() {
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			d.logger.Warn("close journal", slog.String("error", err.Error()))
		}
	}
	if d.db != nil {
		d.db.Close()
	}
}
