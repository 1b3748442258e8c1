// Package gateway implements the load balancer's ingress server: it accepts
// inbound HTTP requests, selects a backend via a selector.Policy, forwards
// the request through an httpclient.Client, and wires the retry loop's
// re-selection hook to on-demand health probing. This is the component the
// teacher gateway calls its reverse proxy; here it is built from the
// selection, health, and retry packages rather than httputil.ReverseProxy,
// since the retry-with-reselection contract needs the attempt loop exposed.
package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowline/lbcore/internal/backend"
	"github.com/flowline/lbcore/internal/health"
	"github.com/flowline/lbcore/internal/httpclient"
	"github.com/flowline/lbcore/internal/selector"
)

// hopByHopHeaders are stripped before forwarding, per RFC 7230 §6.1 — the
// teacher's proxy strips the same set.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"Upgrade",
	"Te",
	"Trailer",
}

// Gateway is an http.Handler that load-balances every inbound request across
// a Pool of backends, using a Policy to choose among the healthy set and an
// httpclient.Client to forward with bounded retry.
type Gateway struct {
	pool     *backend.Pool
	policy   selector.Policy
	client   *httpclient.Client
	monitor  *health.Monitor
	ctx      context.Context
	cancel   context.CancelFunc
	server   *http.Server
	wg       sync.WaitGroup
	shutdown sync.Once
}

// New wires a Gateway over an already-constructed pool, policy, client, and
// health monitor. The caller owns starting the monitor; Close stops it.
func New(ctx context.Context, pool *backend.Pool, policy selector.Policy, client *httpclient.Client, monitor *health.Monitor, listenAddr string) *Gateway {
	gctx, cancel := context.WithCancel(ctx)
	g := &Gateway{
		pool:    pool,
		policy:  policy,
		client:  client,
		monitor: monitor,
		ctx:     gctx,
		cancel:  cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", g.serveHealthz)
	mux.Handle("/", g)

	g.server = &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return g
}

// serveHealthz answers locally, bypassing selection and forwarding, so
// orchestrators can always tell whether the process itself is alive
// regardless of backend health.
func (g *Gateway) serveHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","healthy_backends":%d,"total_backends":%d}`,
		len(g.pool.Healthy()), len(g.pool.All()))
}

// ListenAndServe starts accepting connections. It blocks until the server
// stops; http.ErrServerClosed is the expected return on a graceful Close.
func (g *Gateway) ListenAndServe() error {
	return g.server.ListenAndServe()
}

// ServeHTTP implements http.Handler: select a backend, forward with retry,
// and copy the upstream response verbatim back to the client. Every request
// is tagged with a request id for correlating its log lines.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.wg.Add(1)
	defer g.wg.Done()

	reqID := uuid.NewString()
	log := slog.With("request_id", reqID, "method", r.Method, "path", r.URL.Path)
	log.Debug("gateway: request received")

	if len(g.pool.Healthy()) == 0 {
		log.Warn("gateway: no healthy backend at entry")
		http.Error(w, "no healthy backend available", http.StatusInternalServerError)
		return
	}

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			log.Warn("gateway: reading request body", "error", err)
			http.Error(w, "bad request", http.StatusInternalServerError)
			return
		}
	}

	first, err := g.policy.Next()
	if err != nil {
		log.Warn("gateway: no healthy backend at selection", "error", err)
		http.Error(w, "no healthy backend available", http.StatusInternalServerError)
		return
	}

	start := time.Now()
	result, err := g.client.Do(g.ctx, r.Method, first.URL, forwardHeader(r.Header), body, g.reselect(log, first))
	if err != nil {
		log.Warn("gateway: forward failed", "error", err, "elapsed", time.Since(start))
		http.Error(w, "upstream request failed", http.StatusInternalServerError)
		return
	}
	defer result.Response.Body.Close()

	log.Info("gateway: forwarded", "backend", result.URL.String(), "attempts", result.Attempts, "status", result.Response.StatusCode, "elapsed", time.Since(start))

	if b := backendFor(g.pool, result.URL); b != nil {
		b.RecordSuccess()
	}

	copyResponse(w, result.Response)
}

// reselect builds the Reselect hook passed into httpclient.Client.Do. It
// closes over the backend targeted by the attempt that just failed: on a
// connection refusal it synchronously asks the health monitor to re-probe
// that backend before asking the policy for a new one, so the healthy set
// reflects the refusal immediately rather than waiting for the next
// periodic cycle. Any other transport or status error just logs and
// re-selects without probing.
func (g *Gateway) reselect(log *slog.Logger, failed *backend.Backend) httpclient.Reselect {
	current := failed
	retry := 0
	return func(ctx context.Context, lastErr error) (*url.URL, error) {
		retry++
		if httpclient.IsConnectionRefused(lastErr) {
			log.Warn("gateway: connection refused, probing backend on demand", "backend", current.RawURL, "retry", retry, "error", lastErr)
			g.monitor.ProbeNow(current)
		} else {
			log.Warn("gateway: retrying after error", "backend", current.RawURL, "retry", retry, "error", lastErr)
		}

		next, selErr := g.policy.Next()
		if selErr != nil {
			return nil, selErr
		}
		current = next
		return next.URL, nil
	}
}

func backendFor(pool *backend.Pool, u *url.URL) *backend.Backend {
	for _, b := range pool.All() {
		if b.URL.String() == u.String() {
			return b
		}
	}
	return nil
}

// forwardHeader clones the inbound header with hop-by-hop fields removed.
func forwardHeader(h http.Header) http.Header {
	out := h.Clone()
	for _, k := range hopByHopHeaders {
		out.Del(k)
	}
	return out
}

func copyResponse(w http.ResponseWriter, resp *http.Response) {
	dst := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// BackendStats summarizes one backend's counters at shutdown.
type BackendStats struct {
	URL                   string
	Status                string
	TotalRequestsServed   int64
	SinceLastStatusChange int64
}

// Stats snapshots every backend's counters, in pool order, for the shutdown
// report.
func (g *Gateway) Stats() []BackendStats {
	all := g.pool.All()
	out := make([]BackendStats, len(all))
	for i, b := range all {
		out[i] = BackendStats{
			URL:                   b.RawURL,
			Status:                b.Status().String(),
			TotalRequestsServed:   b.TotalRequestsServed(),
			SinceLastStatusChange: b.RequestsServedSinceLastStatusChange(),
		}
	}
	return out
}

// Close fires the shared cancellation handle so any in-flight probe or
// upstream forward aborts promptly, stops the health monitor, then stops
// accepting new connections and waits for in-flight handlers to drain
// before reporting stats. The
// cancellation must happen before the wait: a forward is bound only to
// g.ctx, so waiting first would block until a hung upstream's own timeout,
// not until Close's caller's deadline.
func (g *Gateway) Close(ctx context.Context) []BackendStats {
	var stats []BackendStats
	g.shutdown.Do(func() {
		g.cancel()
		g.pool.CancelAll()
		g.monitor.Stop()
		_ = g.server.Shutdown(ctx)
		g.wg.Wait()
		stats = g.Stats()
	})
	return stats
}
