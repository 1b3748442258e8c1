// Package e2e drives the real gateway.Gateway in-process against
// httptest.Server backends — there is no config hot-reload to exercise
// across a process boundary, so unlike the teacher this suite never shells
// out to a built binary.
package e2e

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowline/lbcore/internal/backend"
	"github.com/flowline/lbcore/internal/gateway"
	"github.com/flowline/lbcore/internal/health"
	"github.com/flowline/lbcore/internal/httpclient"
	"github.com/flowline/lbcore/internal/selector"
)

// lbConfig parameterizes buildLB for a test.
type lbConfig struct {
	strategy       selector.Kind
	backendURLs    []string
	weights        []int // parallel to backendURLs; defaults to 1 when nil
	retryBudget    int
	retryDelay     time.Duration
	healthInterval time.Duration
	healthTimeout  time.Duration
	healthPath     string
}

// buildLB wires a full stack (pool, monitor, policy, client, gateway) the
// way cmd/loadbalancer's buildGateway does, and starts the health monitor's
// eager first pass synchronously before returning.
func buildLB(t *testing.T, cfg lbConfig) (*gateway.Gateway, []*backend.Backend) {
	t.Helper()
	ctx := context.Background()

	backends := make([]*backend.Backend, len(cfg.backendURLs))
	for i, u := range cfg.backendURLs {
		weight := 1
		if cfg.weights != nil {
			weight = cfg.weights[i]
		}
		b, err := backend.New(ctx, u, weight)
		require.NoError(t, err)
		backends[i] = b
	}

	pool := backend.NewPool(backends)

	policy, err := selector.New(cfg.strategy, pool)
	require.NoError(t, err)

	retryDelay := cfg.retryDelay
	if retryDelay == 0 {
		retryDelay = 5 * time.Millisecond
	}
	client := httpclient.New(cfg.retryBudget, httpclient.LinearDelay(retryDelay))

	interval := cfg.healthInterval
	if interval == 0 {
		interval = time.Hour
	}
	timeout := cfg.healthTimeout
	if timeout == 0 {
		timeout = time.Second
	}
	monitor := health.New(ctx, pool, health.Config{Interval: interval, Timeout: timeout, Path: cfg.healthPath})
	monitor.Start()
	t.Cleanup(monitor.Stop)

	gw := gateway.New(ctx, pool, policy, client, monitor, ":0")
	return gw, backends
}

func echoBackend(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func doGet(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}
