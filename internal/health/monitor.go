// Package health implements active health checking for upstream backends.
// A Monitor runs in the background and periodically probes each backend via
// an HTTP GET to a configurable path, flipping its Status and republishing
// the pool's healthy set. It also serves on-demand probes requested by the
// forwarder after a connection refusal; concurrent probes (periodic or
// on-demand) for the same backend coalesce into one in-flight request.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/flowline/lbcore/internal/backend"
)

// Config holds the parameters for the health monitor.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	Path     string // e.g. "/healthz"
}

// Monitor periodically probes every backend in a Pool and maintains its
// derived healthy set.
type Monitor struct {
	cfg    Config
	pool   *backend.Pool
	client *http.Client

	group singleflight.Group // coalesces concurrent probes per backend URL

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Monitor but does not start it; call Start to begin probing.
// ctx is the load balancer's shared cancellation context — when it is
// cancelled, any probe in flight is aborted promptly.
func New(ctx context.Context, pool *backend.Pool, cfg Config) *Monitor {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	mctx, cancel := context.WithCancel(ctx)
	return &Monitor{
		cfg:    cfg,
		pool:   pool,
		client: &http.Client{Timeout: cfg.Timeout},
		ctx:    mctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start performs an eager first probe pass synchronously — so the caller
// can be certain the pool's healthy set reflects reality as soon as Start
// returns from that pass — then begins the periodic background loop.
func (m *Monitor) Start() {
	m.ProbeAll()

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.ProbeAll()
			case <-m.ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the periodic schedule and aborts in-flight probes, then
// blocks until the background goroutine, and with it any periodic probe
// pass in progress, has returned. Probes started through ProbeNow run on
// their callers' goroutines and are not waited for.
func (m *Monitor) Stop() {
	m.cancel()
	<-m.done
}

// ProbeAll checks every backend in the pool concurrently, waits for all of
// them to finish, and republishes the healthy set exactly once.
func (m *Monitor) ProbeAll() {
	backends := m.pool.All()

	done := make(chan struct{}, len(backends))
	for _, b := range backends {
		b := b
		go func() {
			defer func() { done <- struct{}{} }()
			m.probe(b)
		}()
	}
	for range backends {
		<-done
	}
	m.pool.Recompute()
}

// ProbeNow triggers an immediate, coalesced probe of a single backend and
// republishes the healthy set once it completes. Used by the forwarder
// after observing a connection refusal. Blocks until the probe (or the
// in-flight probe it joined) completes.
func (m *Monitor) ProbeNow(b *backend.Backend) {
	m.probe(b)
	m.pool.Recompute()
}

// probe issues (or joins an in-flight) GET <backend>/<path> and updates the
// backend's Status. Multiple concurrent calls for the same backend — from
// the periodic loop and/or ProbeNow — collapse into a single outbound
// request via singleflight, keyed by the backend's URL.
func (m *Monitor) probe(b *backend.Backend) {
	_, _, _ = m.group.Do(b.RawURL, func() (any, error) {
		healthy := m.doProbe(b)
		wasHealthy := b.Status() == backend.StatusHealthy

		var newStatus backend.Status
		if healthy {
			newStatus = backend.StatusHealthy
		} else {
			newStatus = backend.StatusUnhealthy
		}

		if b.SetStatus(newStatus) {
			if healthy && !wasHealthy {
				slog.Info("health: backend recovered", "backend", b.RawURL)
			} else if !healthy && wasHealthy {
				slog.Warn("health: backend became unhealthy", "backend", b.RawURL)
			}
		}
		return nil, nil
	})
}

func (m *Monitor) doProbe(b *backend.Backend) bool {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.Timeout)
	defer cancel()
	stop := context.AfterFunc(b.Context(), cancel)
	defer stop()

	target := b.URL.String() + m.cfg.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
