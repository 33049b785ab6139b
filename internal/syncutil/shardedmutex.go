// Package syncutil holds the small locking primitives the in-memory
// stores build on.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// shardCount bounds memory regardless of how many keys are seen. Keys
// that hash to the same shard contend with each other, which is harmless
// here: the memory stores key by account or entity id and only hold the
// lock for the duration of one state transition.
const shardCount = 256

// ShardedMutex serializes operations per string key. The memory stores
// use it the way the postgres stores use row locks: one writer per
// account or entity at a time.
//
// The zero value is ready to use.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the mutex covering key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

func (s *ShardedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}
