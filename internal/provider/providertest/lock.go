package providertest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/runguard/internal/provider"
)

// TestLocking verifies acquire, double-acquire, different-key, release, re-acquire.
func TestLocking(t *testing.T, prov provider.Provider) {
	ctx := context.Background()

	ok, err := prov.AcquireLock(ctx, "ct-lock:reconciler", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// Double acquire fails
	ok, err = prov.AcquireLock(ctx, "ct-lock:reconciler", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// Different key succeeds
	ok, err = prov.AcquireLock(ctx, "ct-lock:other", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, prov.ReleaseLock(ctx, "ct-lock:reconciler"))

	// Re-acquire after release
	ok, err = prov.AcquireLock(ctx, "ct-lock:reconciler", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestLockExpiry verifies locks expire after their TTL.
func TestLockExpiry(t *testing.T, prov provider.Provider) {
	ctx := context.Background()

	ok, err := prov.AcquireLock(ctx, "ct-expiring-lock", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = prov.AcquireLock(ctx, "ct-expiring-lock", 2*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(3 * time.Second)

	ok, err = prov.AcquireLock(ctx, "ct-expiring-lock", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
