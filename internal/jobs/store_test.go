//go:build integration

package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/alancoin-escrow/internal/testutil"
)

func TestPostgresLockStore_AcquireReleaseReclaim(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresLockStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	acq, err := store.Acquire(ctx, "reconcile_escrows", "owner-a", now, DefaultStaleAfter)
	require.NoError(t, err)
	assert.True(t, acq.Acquired)
	assert.False(t, acq.Reclaimed)

	acq, err = store.Acquire(ctx, "reconcile_escrows", "owner-b", now.Add(time.Minute), DefaultStaleAfter)
	require.NoError(t, err)
	assert.False(t, acq.Acquired)

	acq, err = store.Acquire(ctx, "reconcile_escrows", "owner-b", now.Add(6*time.Minute), DefaultStaleAfter)
	require.NoError(t, err)
	assert.True(t, acq.Acquired)
	assert.True(t, acq.Reclaimed)

	// The evicted owner can no longer release.
	require.NoError(t, store.Release(ctx, "reconcile_escrows", "owner-a", now.Add(7*time.Minute), ""))
	locks, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "owner-b", locks[0].Owner)

	require.NoError(t, store.Release(ctx, "reconcile_escrows", "owner-b", now.Add(8*time.Minute), "boom"))
	locks, err = store.List(ctx)
	require.NoError(t, err)
	assert.Nil(t, locks[0].ProcessingStartedAt)
	assert.Equal(t, "boom", locks[0].LastError)
	assert.Equal(t, int64(1), locks[0].RunCount)
}
