package selector

import (
	"math/rand/v2"

	"github.com/flowline/lbcore/internal/backend"
)

// Random draws a uniformly distributed index into the current healthy set
// on every call. It retains no cursor — successive calls are independent —
// and needs no locking: math/rand/v2's top-level functions use a global
// generator that is already safe for concurrent use.
type Random struct {
	pool *backend.Pool
}

func NewRandom(pool *backend.Pool) *Random {
	return &Random{pool: pool}
}

func (r *Random) Next() (*backend.Backend, error) {
	healthy := r.pool.Healthy()
	if len(healthy) == 0 {
		return nil, ErrNoHealthyBackend
	}
	return healthy[rand.IntN(len(healthy))], nil
}
