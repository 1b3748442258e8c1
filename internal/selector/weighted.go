package selector

import (
	"sync"

	"github.com/flowline/lbcore/internal/backend"
)

// WeightedRoundRobin implements Nginx's smooth weighted round-robin
// algorithm: each call raises every healthy backend's currentWeight by its
// configured weight, picks the backend with the highest currentWeight, then
// subtracts the sum of all healthy weights from the winner. Across a stable
// healthy set, any sliding window of length Σw_i selects backend i exactly
// w_i times, with no long consecutive runs to a single backend.
//
// When the healthy set changes (a backend joins or leaves), the ring of
// currentWeight accumulators is rebuilt from zero — spec.md leaves cursor
// reset policy on healthy-set change implementation-defined within the
// fairness-window contract, and rebuilding from zero is the simplest choice
// that preserves it once the set is stable again.
type WeightedRoundRobin struct {
	pool *backend.Pool

	mu           sync.Mutex
	lastHealthy  []*backend.Backend
	currentWeigh map[*backend.Backend]int
}

func NewWeightedRoundRobin(pool *backend.Pool) *WeightedRoundRobin {
	return &WeightedRoundRobin{
		pool:         pool,
		currentWeigh: make(map[*backend.Backend]int),
	}
}

func (w *WeightedRoundRobin) Next() (*backend.Backend, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	healthy := w.pool.Healthy()
	if len(healthy) == 0 {
		return nil, ErrNoHealthyBackend
	}

	if !sameSet(w.lastHealthy, healthy) {
		w.currentWeigh = make(map[*backend.Backend]int, len(healthy))
		w.lastHealthy = healthy
	}

	total := 0
	for _, b := range healthy {
		total += b.Weight
	}

	var best *backend.Backend
	bestWeight := 0
	for _, b := range healthy {
		cw := w.currentWeigh[b] + b.Weight
		w.currentWeigh[b] = cw
		if best == nil || cw > bestWeight {
			best = b
			bestWeight = cw
		}
	}

	w.currentWeigh[best] -= total
	return best, nil
}

func sameSet(a, b []*backend.Backend) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
