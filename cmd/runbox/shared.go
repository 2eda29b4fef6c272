package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jkaninda/runbox/internal/audit"
	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/execution"
	"github.com/jkaninda/runbox/internal/observability"
	"github.com/jkaninda/runbox/internal/session"
	"github.com/jkaninda/runbox/internal/storage"
	pgstore "github.com/jkaninda/runbox/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/runbox/internal/storage/sqlite"
	"github.com/jkaninda/runbox/internal/worker"
)

// SharedComponents holds the subsystems every mode needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Obs    *observability.Observability
	Store  storage.Store // nil when storage.driver=none.

	Runner     *worker.Runner
	Controller *execution.Controller
	Handler    execution.Handler // Controller wrapped with metrics, tracing and auditing.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// newLogger builds the process logger. Logs go to stderr so stdout stays free
// for command output and the MCP stdio transport.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// initShared performs initialization common to serve, exec and mcp.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
		slog.Bool("anomaly", obs.Anomaly != nil),
	)
	metrics := obs.MetricsOrNil()

	// Audit storage.
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	if store != nil {
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing storage", slog.String("error", err.Error()))
			}
		})
		if err := store.Migrate(context.Background()); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("migrating storage: %w", err)
		}
		obs.Health.AddCheck("storage", store.Ping)
		logger.Debug("storage initialized", slog.String("driver", store.Driver()))
	}

	// Worker runner.
	execCfg := cfg.Execution
	runner, err := worker.NewRunner(worker.Config{
		Path:           execCfg.WorkerPath,
		MemoryLimit:    execCfg.MemoryLimit(),
		PollInterval:   execCfg.PollInterval(),
		MaxOutputBytes: execCfg.OutputLimit(),
		MaxReplyBytes:  execCfg.ReplyLimit(),
	}, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing worker runner: %w", err)
	}
	sc.Runner = runner
	runner.OnMemoryBreach(metrics.MemoryKill)
	metrics.TrackWorkers(runner.Active)
	obs.Health.AddCheck("worker", func(context.Context) error {
		_, err := os.Stat(runner.Path())
		return err
	})

	// Lifecycle controller.
	controller := execution.NewController(session.NewStore(), runner, execution.Config{
		Timeout:      execCfg.Timeout(),
		GracePeriod:  execCfg.GracePeriod(),
		ReapTimeout:  execCfg.ReapTimeout(),
		MaxCodeBytes: execCfg.CodeLimit(),
	}, logger)
	controller.OnSessionsChanged = metrics.SetSessions
	sc.Controller = controller
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := controller.Shutdown(shutdownCtx); err != nil {
			logger.Error("stopping sessions", slog.String("error", err.Error()))
		}
	})

	var handler execution.Handler = observability.NewInstrumentedHandler(
		controller, metrics, obs.TracerOrNil(), obs.AnomalyOrNil(),
	)
	if sc.Store != nil {
		handler = audit.NewHandler(handler, sc.Store.Executions(), logger, metrics.AuditWriteFailed)
	}
	sc.Handler = handler

	logger.Debug("execution controller initialized",
		slog.String("worker", runner.Path()),
		slog.Duration("timeout", execCfg.Timeout()),
		slog.Uint64("memory_limit_bytes", execCfg.MemoryLimit()),
		slog.Duration("poll_interval", execCfg.PollInterval()),
	)

	return sc, nil
}

// initStore creates the audit storage backend from config. It returns nil
// when the audit trail is disabled.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.Storage.StorageDriver(); driver {
	case storage.DriverNone:
		return nil, nil
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.JournalMode != "" {
		journalMode = cfg.Storage.JournalMode
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil {
		dsn = cfg.Storage.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.dsn or RUNBOX_STORAGE_DSN)")
	}

	pgDB, err := pgstore.Open(pgstore.Config{DSN: dsn}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}
