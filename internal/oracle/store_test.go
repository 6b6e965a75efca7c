//go:build integration

package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/alancoin-escrow/internal/logging"
	"github.com/mbd888/alancoin-escrow/internal/testutil"
)

func TestPostgresRunStore_OpenCloseList(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresRunStore(db)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Microsecond)
	rec := NewRecorder(store, logging.Discard()).WithClock(func() time.Time { return start })

	run, err := rec.Begin(ctx, RunAutoRelease)
	require.NoError(t, err)

	open, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, open.Open())

	run.ProcessedCount, run.SuccessCount, run.FailureCount = 3, 2, 1
	run.SetDetail(map[string]any{"failed": []string{"tx_b"}})
	rec.Finish(ctx, run, nil)

	closed, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, closed.Open())
	assert.Equal(t, 3, closed.ProcessedCount)
	assert.Equal(t, 1, closed.FailureCount)
	assert.JSONEq(t, `{"failed":["tx_b"]}`, closed.ResultDetail)

	_, err = rec.Begin(ctx, RunReconcile)
	require.NoError(t, err)

	all, err := store.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyRelease, err := store.List(ctx, RunAutoRelease, 10)
	require.NoError(t, err)
	require.Len(t, onlyRelease, 1)
	assert.Equal(t, run.ID, onlyRelease[0].ID)
}

func TestPostgresRunStore_CloseUnknown(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	err := NewPostgresRunStore(db).Close(context.Background(), &Run{ID: "run_missing"})
	assert.ErrorIs(t, err, ErrRunNotFound)
}
