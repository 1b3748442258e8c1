// Command loadbalancer is the lbcore HTTP layer-7 load balancer entry
// point.
//
// Usage:
//
//	loadbalancer [-config path/to/lb.yaml]
//
// Backends, strategy, and retry/health-check tuning are fixed for the
// process lifetime — there is no hot-reload. On SIGINT or SIGTERM, in-flight
// upstream requests and probes are aborted, the server is given up to 10
// seconds to drain its handlers, and per-backend statistics are then logged.
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

	"github.com/flowline/lbcore/internal/backend"
	"github.com/flowline/lbcore/internal/config"
	"github.com/flowline/lbcore/internal/gateway"
	"github.com/flowline/lbcore/internal/health"
	"github.com/flowline/lbcore/internal/httpclient"
	"github.com/flowline/lbcore/internal/selector"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/lb.yaml", "path to lb.yaml")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("invalid configuration, aborting startup", "path", *configPath, "error", err)
		os.Exit(1)
	}

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	gw, monitor, err := buildGateway(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise load balancer", "error", err)
		os.Exit(1)
	}

	monitor.Start()

	go func() {
		slog.Info("load balancer listening",
			"addr", cfg.ListenAddr,
			"strategy", cfg.Strategy,
			"backends", len(cfg.Backends),
			"retry_budget", cfg.RetryBudget,
			"version", version,
			"commit", commit,
			"build_date", buildDate,
		)
		if err := gw.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down load balancer")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats := gw.Close(shutdownCtx)
	for _, s := range stats {
		slog.Info("backend stats",
			"backend", s.URL,
			"status", s.Status,
			"total_requests_served", s.TotalRequestsServed,
			"requests_since_last_status_change", s.SinceLastStatusChange,
		)
	}

	slog.Info("load balancer stopped")
}

// buildGateway constructs the backend pool, health monitor, selection
// policy, HTTP client, and Gateway from cfg.
func buildGateway(ctx context.Context, cfg config.Config) (*gateway.Gateway, *health.Monitor, error) {
	backends := make([]*backend.Backend, 0, len(cfg.Backends))
	for _, bf := range cfg.Backends {
		b, err := backend.New(ctx, bf.URL, bf.Weight)
		if err != nil {
			return nil, nil, fmt.Errorf("building backend %q: %w", bf.URL, err)
		}
		backends = append(backends, b)
	}

	pool := backend.NewPool(backends)

	policy, err := selector.New(selector.Kind(cfg.Strategy), pool)
	if err != nil {
		return nil, nil, err
	}

	monitor := health.New(ctx, pool, health.Config{
		Interval: cfg.HealthInterval,
		Timeout:  cfg.HealthTimeout,
		Path:     cfg.HealthPath,
	})

	client := httpclient.New(cfg.RetryBudget, httpclient.LinearDelay(cfg.RetryDelay))

	gw := gateway.New(ctx, pool, policy, client, monitor, cfg.ListenAddr)

	return gw, monitor, nil
}
