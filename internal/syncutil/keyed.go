// Package syncutil provides bounded-memory per-key locking.
//
// Keys hash onto a fixed pool of shards, so memory stays constant no matter
// how many distinct users or sessions are seen. Two keys occasionally share
// a shard; callers must not hold a key lock while acquiring another.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// ShardedMutex serializes work per key. The zero value is ready to use.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the lock for key and returns its release function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardOf(key)]
	mu.Lock()
	return mu.Unlock
}

// ContextShardedMutex is a ShardedMutex whose waiters can give up when their
// context ends.
type ContextShardedMutex struct {
	once   sync.Once
	shards [shardCount]chan struct{}
}

// NewContextShardedMutex returns a ready ContextShardedMutex. The zero value
// also works; shards are created on first use.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
		}
	})
}

// LockContext acquires the lock for key or returns ctx.Err() if the context
// ends first. A held shard is a full one-slot channel.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	ch := m.shards[shardOf(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
