package backend_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowline/lbcore/internal/backend"
)

func makeBackend(t *testing.T, rawURL string, weight int) *backend.Backend {
	t.Helper()
	b, err := backend.New(context.Background(), rawURL, weight)
	require.NoError(t, err)
	return b
}

func TestNew_InvalidURL_ReturnsError(t *testing.T) {
	_, err := backend.New(context.Background(), "://bad", 1)
	assert.Error(t, err)
}

func TestNew_StartsUnknown(t *testing.T) {
	b := makeBackend(t, "http://b1:80", 1)
	assert.Equal(t, backend.StatusUnknown, b.Status())
}

func TestNew_NonPositiveWeight_DefaultsToOne(t *testing.T) {
	b := makeBackend(t, "http://b1:80", 0)
	assert.Equal(t, 1, b.Weight)
}

func TestSetStatus_NoopOnSameValue(t *testing.T) {
	b := makeBackend(t, "http://b1:80", 1)
	b.SetStatus(backend.StatusHealthy)
	b.RecordSuccess()

	changed := b.SetStatus(backend.StatusHealthy)
	assert.False(t, changed)
	assert.Equal(t, int64(1), b.RequestsServedSinceLastStatusChange(), "same-value transition must not reset counters")
}

func TestSetStatus_ResetsSinceLastChangeCounter(t *testing.T) {
	b := makeBackend(t, "http://b1:80", 1)
	b.SetStatus(backend.StatusHealthy)
	b.RecordSuccess()
	b.RecordSuccess()
	assert.Equal(t, int64(2), b.RequestsServedSinceLastStatusChange())

	changed := b.SetStatus(backend.StatusUnhealthy)
	assert.True(t, changed)
	assert.Equal(t, int64(0), b.RequestsServedSinceLastStatusChange())
	assert.Equal(t, int64(2), b.TotalRequestsServed(), "lifetime counter must survive a status transition")
}

func TestRecordSuccess_IncrementsBothCounters(t *testing.T) {
	b := makeBackend(t, "http://b1:80", 1)
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordSuccess()

	assert.Equal(t, int64(3), b.TotalRequestsServed())
	assert.Equal(t, int64(3), b.RequestsServedSinceLastStatusChange())
}

func TestPool_HealthyStartsEmpty(t *testing.T) {
	b := makeBackend(t, "http://b1:80", 1)
	pool := backend.NewPool([]*backend.Backend{b})
	assert.Empty(t, pool.Healthy())
	assert.Len(t, pool.All(), 1)
}

func TestPool_RecomputePublishesHealthySubset(t *testing.T) {
	b1 := makeBackend(t, "http://b1:80", 1)
	b2 := makeBackend(t, "http://b2:80", 1)
	pool := backend.NewPool([]*backend.Backend{b1, b2})

	b1.SetStatus(backend.StatusHealthy)
	b2.SetStatus(backend.StatusUnhealthy)
	pool.Recompute()

	healthy := pool.Healthy()
	require.Len(t, healthy, 1)
	assert.Same(t, b1, healthy[0])
}

func TestPool_RecomputePreservesPoolOrder(t *testing.T) {
	b1 := makeBackend(t, "http://b1:80", 1)
	b2 := makeBackend(t, "http://b2:80", 1)
	b3 := makeBackend(t, "http://b3:80", 1)
	pool := backend.NewPool([]*backend.Backend{b1, b2, b3})

	b3.SetStatus(backend.StatusHealthy)
	b1.SetStatus(backend.StatusHealthy)
	pool.Recompute()

	healthy := pool.Healthy()
	require.Len(t, healthy, 2)
	assert.Same(t, b1, healthy[0], "healthy set must preserve pool order, not transition order")
	assert.Same(t, b3, healthy[1])
}

func TestPool_CancelAll_CancelsEveryBackendContext(t *testing.T) {
	b1 := makeBackend(t, "http://b1:80", 1)
	b2 := makeBackend(t, "http://b2:80", 1)
	pool := backend.NewPool([]*backend.Backend{b1, b2})

	pool.CancelAll()

	assert.Error(t, b1.Context().Err())
	assert.Error(t, b2.Context().Err())
}
