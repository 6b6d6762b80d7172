package flowz

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiters_UnconfiguredKeyAlwaysAdmits(t *testing.T) {
	limiters := NewModuleConcurrencyLimiters()
	lease, ok := limiters.TryEnter(context.Background(), "pricing.base")
	require.True(t, ok)
	lease.Release()
	lease.Release() // double release is a no-op
}

func TestLimiters_EnsureConfigured_RefusesAtMax(t *testing.T) {
	limiters := NewModuleConcurrencyLimiters()
	patch := []byte(`{"schemaVersion":"v1","limits":{"moduleConcurrency":{"maxInFlight":{"pricing.base":2}}}}`)
	require.NoError(t, limiters.EnsureConfigured(context.Background(), patch, "v1"))

	l1, ok := limiters.TryEnter(context.Background(), "pricing.base")
	require.True(t, ok)
	l2, ok := limiters.TryEnter(context.Background(), "pricing.base")
	require.True(t, ok)

	_, ok = limiters.TryEnter(context.Background(), "pricing.base")
	assert.False(t, ok, "third entrant should be refused once two are in flight")

	l1.Release()
	l3, ok := limiters.TryEnter(context.Background(), "pricing.base")
	assert.True(t, ok, "releasing a lease should free a slot")
	l2.Release()
	l3.Release()
}

func TestLimiters_EnsureConfigured_IdempotentForSamePatchAndVersion(t *testing.T) {
	limiters := NewModuleConcurrencyLimiters()
	patch := []byte(`{"schemaVersion":"v1","limits":{"moduleConcurrency":{"maxInFlight":{"pricing.base":1}}}}`)
	require.NoError(t, limiters.EnsureConfigured(context.Background(), patch, "v1"))

	lease, ok := limiters.TryEnter(context.Background(), "pricing.base")
	require.True(t, ok)

	require.NoError(t, limiters.EnsureConfigured(context.Background(), patch, "v1"))
	_, ok = limiters.TryEnter(context.Background(), "pricing.base")
	assert.False(t, ok, "re-applying the same patch/version must not reset in-flight counters")
	lease.Release()
}

func TestLimiters_ConcurrentAdmissionNeverExceedsMax(t *testing.T) {
	limiters := NewModuleConcurrencyLimiters()
	patch := []byte(`{"schemaVersion":"v1","limits":{"moduleConcurrency":{"maxInFlight":{"pricing.base":3}}}}`)
	require.NoError(t, limiters.EnsureConfigured(context.Background(), patch, "v1"))

	var admitted, refused, held, peak int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, ok := limiters.TryEnter(context.Background(), "pricing.base")
			mu.Lock()
			if ok {
				admitted++
				held++
				if held > peak {
					peak = held
				}
			} else {
				refused++
			}
			mu.Unlock()
			if ok {
				mu.Lock()
				held--
				mu.Unlock()
				lease.Release()
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 50, admitted+refused)
	assert.LessOrEqual(t, peak, int32(3), "leases held at once must never exceed maxInFlight")
}
