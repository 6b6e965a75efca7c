// Package syncutil serializes in-process work that shares a key, such as
// two requests acting on the same transaction.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

// DefaultShards is the shard count NewKeyedMutex uses for n <= 0.
const DefaultShards = 256

// KeyedMutex serializes callers holding the same key. Keys hash onto a
// fixed set of shards, so unrelated keys can occasionally wait on each
// other but memory never grows with the number of keys.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a mutex with n shards.
func NewKeyedMutex(n int) *KeyedMutex {
	if n <= 0 {
		n = DefaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// Lock blocks until key is free or ctx is done. The returned unlock is
// safe to call more than once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (unlock func(), err error) {
	shard := m.shard(key)
	select {
	case shard <- struct{}{}:
		return releaser(shard), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock takes key only if it is free right now.
func (m *KeyedMutex) TryLock(key string) (unlock func(), ok bool) {
	shard := m.shard(key)
	select {
	case shard <- struct{}{}:
		return releaser(shard), true
	default:
		return nil, false
	}
}

func (m *KeyedMutex) shard(key string) chan struct{} {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

func releaser(shard chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() { <-shard })
	}
}
