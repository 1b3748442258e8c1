// Package httpclient wraps net/http with a bounded retry loop, a retry
// predicate tuned for a load balancer's data plane, and a caller-supplied
// re-selection hook invoked between attempts.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"
)

// DelayFunc computes the backoff to sleep before attempt (1-indexed retry
// count — the value passed is 1 before the first retry, 2 before the
// second, and so on).
type DelayFunc func(attempt int) time.Duration

// LinearDelay returns a DelayFunc that sleeps attempt*base before each
// retry — the spec's default.
func LinearDelay(base time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		return time.Duration(attempt) * base
	}
}

// Reselect is invoked before every retry attempt. lastErr is the error from
// the previous attempt (a transport error, or a synthesized error carrying
// the retried status code). It returns the URL to target next, or an error
// that aborts the remaining retries (e.g. "no healthy backend").
type Reselect func(ctx context.Context, lastErr error) (*url.URL, error)

// Client executes a single logical request against a changing set of
// backend URLs, retrying transient failures up to a fixed budget. A Client
// holds no per-call state and is safe for concurrent use — every call to Do
// is independent.
type Client struct {
	HTTPClient *http.Client
	Budget     int // max additional attempts after the first
	Delay      DelayFunc
}

// New builds a Client with production-sane connection pooling, matching the
// teacher's own reverse-proxy transport settings.
func New(budget int, delay DelayFunc) *Client {
	if delay == nil {
		delay = LinearDelay(100 * time.Millisecond)
	}
	return &Client{
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 5 * time.Second,
				}).DialContext,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 10 * time.Second,
			},
		},
		Budget: budget,
		Delay:  delay,
	}
}

// Result carries the outcome of Do alongside bookkeeping the caller needs
// (which URL finally served the request, how many attempts it took).
type Result struct {
	Response *http.Response
	URL      *url.URL
	Attempts int
}

// ErrCancelled is returned when the shared cancellation context fires while
// an attempt or a retry delay is in flight.
var ErrCancelled = errors.New("httpclient: cancelled")

// Do forwards a request with the given method/header/body to target,
// retrying transport errors and 5xx responses up to c.Budget additional
// times. Before each retry it invokes reselect to obtain the next target
// URL; reselect is also the hook through which the caller triggers an
// on-demand health probe on a connection refusal (Do itself knows nothing
// about health checking — that split is deliberate, per spec.md §9).
//
// The request body, if any, is buffered once by the caller and replayed on
// every attempt; headers are cloned per attempt so mutations made by one
// attempt (e.g. by a RoundTripper) never leak into the next.
func (c *Client) Do(ctx context.Context, method string, target *url.URL, header http.Header, body []byte, reselect Reselect) (*Result, error) {
	attempts := 0
	var lastErr error
	current := target

	for {
		attempts++

		req, err := http.NewRequestWithContext(ctx, method, current.String(), bodyReader(body))
		if err != nil {
			return nil, fmt.Errorf("httpclient: build request: %w", err)
		}
		req.Header = header.Clone()

		resp, doErr := c.HTTPClient.Do(req)

		if doErr == nil && !isRetryableStatus(resp.StatusCode) {
			return &Result{Response: resp, URL: current, Attempts: attempts}, nil
		}

		if doErr != nil {
			lastErr = doErr
		} else {
			resp.Body.Close()
			lastErr = fmt.Errorf("httpclient: upstream status %d", resp.StatusCode)
		}

		if ctx.Err() != nil {
			return nil, ErrCancelled
		}

		if attempts > c.Budget {
			return nil, lastErr
		}

		select {
		case <-time.After(c.Delay(attempts)):
		case <-ctx.Done():
			return nil, ErrCancelled
		}

		next, rerr := reselect(ctx, lastErr)
		if rerr != nil {
			return nil, rerr
		}
		current = next
	}
}

func bodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return bytes.NewReader(body)
}

// isRetryableStatus reports whether resp should be retried: any 5xx is
// retried, nothing else is.
func isRetryableStatus(code int) bool {
	return code >= 500 && code <= 599
}

// IsConnectionRefused reports whether err represents a TCP connection
// refusal (ECONNREFUSED), as opposed to a timeout, reset, or DNS failure.
// The forwarder uses this to decide whether to trigger an on-demand health
// probe (spec.md §4.4/§4.5: only a refusal triggers a probe).
func IsConnectionRefused(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, syscall.ECONNREFUSED)
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}
