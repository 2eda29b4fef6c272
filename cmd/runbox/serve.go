package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/gateway"
	"github.com/jkaninda/runbox/internal/gateway/httpapi"
	"github.com/jkaninda/runbox/internal/gateway/mcpserver"
	"github.com/jkaninda/runbox/internal/gateway/ws"
	"github.com/jkaninda/runbox/internal/ratelimit"
	"github.com/jkaninda/runbox/internal/retention"
)

// idleClientTTL is how long a rate limit bucket survives without requests.
const idleClientTTL = 10 * time.Minute

var (
	configPath string
	listenAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP, WebSocket and MCP endpoints",
	RunE:  runServe,
}

func init() {
	// Register flags on root, serve, exec and mcp so that
	// `runbox --config path` and `runbox serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd, execCmd, mcpCmd} {
		cmd.Flags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	}
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&listenAddr, "listen", "", "override HTTP listen address (e.g. :8080)")
	}
}

// loadConfig reads the config file named by RUNBOX_CONFIG or --config.
func loadConfig() (*config.Config, error) {
	return config.Load(goutils.Env("RUNBOX_CONFIG", configPath))
}

// runServe starts runbox in server mode.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}

	logger := newLogger(cfg.Logging)
	logger.Info("starting runbox", slog.String("version", version))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var limiter *ratelimit.Limiter
	if cfg.RateLimit != nil {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.RateLimit.BurstSize,
		})
	}

	// Retention of the audit trail.
	if sc.Store != nil {
		var retentionMetrics *retention.Metrics
		if m := sc.Obs.MetricsOrNil(); m != nil {
			retentionMetrics = retention.NewMetrics(m.Registry)
		}
		pruner, err := retention.New(
			sc.Store.Executions(),
			cfg.Storage.Retention(),
			cfg.Storage.Schedule(),
			retentionMetrics,
			logger,
		)
		if err != nil {
			return fmt.Errorf("initializing retention: %w", err)
		}
		pruner.AddHook(func() {
			if n := limiter.Prune(idleClientTTL); n > 0 {
				logger.Debug("idle rate limit buckets dropped", slog.Int("count", n))
			}
		})
		cancelPruner := pruner.Start(ctx)
		defer cancelPruner()

		logger.Debug("retention pruner started",
			slog.Duration("retention", cfg.Storage.Retention()),
			slog.String("schedule", cfg.Storage.Schedule()),
		)
	}

	gateways := []gateway.Gateway{buildHTTPGateway(cfg, sc, limiter)}

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
			runErr = err
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	return runErr
}

// buildHTTPGateway creates the HTTP gateway and mounts the optional
// WebSocket and MCP endpoints on it.
func buildHTTPGateway(cfg *config.Config, sc *SharedComponents, limiter *ratelimit.Limiter) *httpapi.Gateway {
	httpCfg := httpapi.Config{
		ListenAddr:     cfg.Server.Addr(),
		EnableDocs:     cfg.Server.EnableDocs,
		APIKeys:        cfg.Server.APIKeys,
		MaxRequestSize: cfg.Server.RequestLimit(),
		HealthChecker:  sc.Obs.Health,
		Metrics:        sc.Obs.MetricsOrNil(),
		Tracer:         sc.Obs.SpanTracer(),
	}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		httpCfg.MetricsRegistry = m.Registry
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	httpGW := httpapi.NewGateway(httpCfg, sc.Handler, limiter, sc.Logger)
	if sc.Store != nil {
		httpGW.WithRecords(sc.Store.Executions())
	}

	if cfg.WebSocket != nil && cfg.WebSocket.Enabled {
		wsPath := cfg.WebSocket.WSPath()
		wsServer := ws.NewServer(sc.Handler, cfg.WebSocket, cfg.Server.RequestLimit(), sc.Logger)
		httpGW.WithHandler(http.MethodGet, wsPath, wsServer.Handler())
		sc.Logger.Debug("websocket endpoint mounted", slog.String("path", wsPath))
	}

	if cfg.MCP != nil && cfg.MCP.Enabled {
		mcpPath := cfg.MCP.MCPPath()
		mcpHandler := mcpserver.New(sc.Handler, version, sc.Logger).HTTPHandler(mcpPath)
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
			httpGW.WithHandler(method, mcpPath, mcpHandler)
		}
		sc.Logger.Debug("mcp endpoint mounted", slog.String("path", mcpPath))
	}

	sc.Logger.Debug("gateway enabled",
		slog.String("type", "http"),
		slog.String("addr", httpCfg.ListenAddr),
		slog.Bool("records", sc.Store != nil),
		slog.Bool("auth", len(httpCfg.APIKeys) > 0),
		slog.Bool("rate_limit", limiter != nil),
	)
	return httpGW
}
