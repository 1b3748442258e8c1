package selector

import (
	"sync/atomic"

	"github.com/flowline/lbcore/internal/backend"
)

// RoundRobin distributes requests evenly across the current healthy set
// using a lock-free monotonically increasing counter. The counter's domain
// is always interpreted against the *current* healthy-set length at read
// time — it is never stored as an absolute pool index — so a shrinking or
// growing healthy set produces a smooth transition rather than skew.
type RoundRobin struct {
	pool    *backend.Pool
	counter atomic.Uint64
}

func NewRoundRobin(pool *backend.Pool) *RoundRobin {
	return &RoundRobin{pool: pool}
}

func (r *RoundRobin) Next() (*backend.Backend, error) {
	healthy := r.pool.Healthy()
	if len(healthy) == 0 {
		return nil, ErrNoHealthyBackend
	}
	idx := r.counter.Add(1) - 1
	return healthy[idx%uint64(len(healthy))], nil
}
