package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/alancoin-escrow/internal/logging"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestRunner(store LockStore, c *clock, jobs ...Job) *Runner {
	return NewRunner(store, logging.Discard(), jobs...).WithClock(c.now)
}

func lockFor(t *testing.T, store LockStore, name string) *Lock {
	t.Helper()
	locks, err := store.List(context.Background())
	require.NoError(t, err)
	for _, l := range locks {
		if l.Name == name {
			return l
		}
	}
	t.Fatalf("no lock row for %s", name)
	return nil
}

func TestRunner_RunsAndReleases(t *testing.T) {
	store := NewMemoryLockStore()
	c := &clock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	calls := 0
	r := newTestRunner(store, c, Func{JobName: "reconcile", Fn: func(context.Context) error {
		calls++
		return nil
	}})

	results := r.RunAll(context.Background())
	require.Len(t, results, 1)
	assert.True(t, results[0].Ran)
	assert.Empty(t, results[0].Error)
	assert.Equal(t, 1, calls)

	l := lockFor(t, store, "reconcile")
	assert.Nil(t, l.ProcessingStartedAt)
	assert.Empty(t, l.Owner)
	assert.Equal(t, int64(1), l.RunCount)
	require.NotNil(t, l.LastRunAt)
}

func TestRunner_SkipsWhileHeld(t *testing.T) {
	store := NewMemoryLockStore()
	c := &clock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	acq, err := store.Acquire(context.Background(), "reconcile", "other-instance", c.t, DefaultStaleAfter)
	require.NoError(t, err)
	require.True(t, acq.Acquired)

	calls := 0
	r := newTestRunner(store, c, Func{JobName: "reconcile", Fn: func(context.Context) error {
		calls++
		return nil
	}})

	c.t = c.t.Add(4 * time.Minute)
	res, err := r.RunOne(context.Background(), "reconcile")
	require.NoError(t, err)
	assert.False(t, res.Ran)
	assert.Equal(t, 0, calls)
	assert.Equal(t, "other-instance", lockFor(t, store, "reconcile").Owner)
}

func TestRunner_ReclaimsStaleLock(t *testing.T) {
	store := NewMemoryLockStore()
	c := &clock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	_, err := store.Acquire(context.Background(), "reconcile", "crashed-instance", c.t, DefaultStaleAfter)
	require.NoError(t, err)

	calls := 0
	r := newTestRunner(store, c, Func{JobName: "reconcile", Fn: func(context.Context) error {
		calls++
		return nil
	}})

	c.t = c.t.Add(5*time.Minute + time.Second)
	res, err := r.RunOne(context.Background(), "reconcile")
	require.NoError(t, err)
	assert.True(t, res.Ran)
	assert.True(t, res.Reclaimed)
	assert.Equal(t, 1, calls)
	assert.Nil(t, lockFor(t, store, "reconcile").ProcessingStartedAt)
}

func TestRunner_ReleasesOnFailureAndPanic(t *testing.T) {
	store := NewMemoryLockStore()
	c := &clock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	r := newTestRunner(store, c,
		Func{JobName: "fails", Fn: func(context.Context) error { return errors.New("rpc down") }},
		Func{JobName: "panics", Fn: func(context.Context) error { panic("nil map") }},
	)

	results := r.RunAll(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, "rpc down", results[0].Error)
	assert.Contains(t, results[1].Error, "panicked")

	for _, name := range []string{"fails", "panics"} {
		l := lockFor(t, store, name)
		assert.Nil(t, l.ProcessingStartedAt, name)
		assert.NotEmpty(t, l.LastError, name)
	}

	// The next invocation can pick both up again immediately.
	results = r.RunAll(context.Background())
	assert.True(t, results[0].Ran)
	assert.True(t, results[1].Ran)
}

func TestRunner_ReleasesWhenCallerCancelled(t *testing.T) {
	store := NewMemoryLockStore()
	c := &clock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	ctx, cancel := context.WithCancel(context.Background())
	r := newTestRunner(store, c, Func{JobName: "slow", Fn: func(ctx context.Context) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}})

	res, err := r.RunOne(ctx, "slow")
	require.NoError(t, err)
	assert.True(t, res.Ran)
	assert.ErrorContains(t, errors.New(res.Error), "canceled")
	assert.Nil(t, lockFor(t, store, "slow").ProcessingStartedAt)
}

func TestRunner_JobTimeout(t *testing.T) {
	store := NewMemoryLockStore()
	c := &clock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	r := newTestRunner(store, c, Func{JobName: "bounded", Fn: func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		if !ok {
			return errors.New("no deadline")
		}
		return nil
	}}).WithStaleAfter(time.Minute)

	res, err := r.RunOne(context.Background(), "bounded")
	require.NoError(t, err)
	assert.Empty(t, res.Error)
}

func TestRunner_UnknownJob(t *testing.T) {
	r := newTestRunner(NewMemoryLockStore(), &clock{t: time.Now()})
	_, err := r.RunOne(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownJob)
}
