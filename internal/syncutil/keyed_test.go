package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	m := NewKeyedMutex(0)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "tx_1")
			if err != nil {
				return
			}
			defer unlock()
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
}

func TestKeyedMutex_LockRespectsContext(t *testing.T) {
	m := NewKeyedMutex(4)
	unlock, err := m.Lock(context.Background(), "tx_1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, "tx_1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyedMutex_TryLock(t *testing.T) {
	m := NewKeyedMutex(4)

	unlock, ok := m.TryLock("tx_1")
	require.True(t, ok)
	_, ok = m.TryLock("tx_1")
	assert.False(t, ok)

	unlock()
	unlock() // second call is a no-op

	_, ok = m.TryLock("tx_1")
	assert.True(t, ok)
}
