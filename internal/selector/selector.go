// Package selector implements the pluggable backend-selection policies:
// random, round-robin, and weighted round-robin. Every policy is safe for
// concurrent Next calls — selection is a data-plane hot path invoked once
// per forwarding attempt.
package selector

import (
	"errors"
	"fmt"

	"github.com/flowline/lbcore/internal/backend"
)

// ErrNoHealthyBackend is returned when the healthy set is empty at the
// moment of selection.
var ErrNoHealthyBackend = errors.New("selector: no healthy backend available")

// Policy selects the next backend to receive a request.
type Policy interface {
	Next() (*backend.Backend, error)
}

// Kind names a selection algorithm, as configured.
type Kind string

const (
	KindRandom             Kind = "random"
	KindRoundRobin         Kind = "round_robin"
	KindWeightedRoundRobin Kind = "weighted_round_robin"
)

// New constructs the Policy named by kind over the given pool. The policy
// holds pool and reads its current healthy set on every Next call — it
// never caches a stale snapshot across calls.
func New(kind Kind, pool *backend.Pool) (Policy, error) {
	switch kind {
	case KindRandom, "":
		return NewRandom(pool), nil
	case KindRoundRobin:
		return NewRoundRobin(pool), nil
	case KindWeightedRoundRobin:
		return NewWeightedRoundRobin(pool), nil
	default:
		return nil, fmt.Errorf("selector: unknown policy %q", kind)
	}
}
