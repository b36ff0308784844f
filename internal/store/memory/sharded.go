package memory

import "sync"

// shardedMutex serializes work per key without a global lock. Keys that hash
// to the same shard share a mutex.
type shardedMutex struct {
	shards [32]sync.Mutex
}

func (m *shardedMutex) Lock(key string) {
	m.shards[m.shardFor(key)].Lock()
}

func (m *shardedMutex) Unlock(key string) {
	m.shards[m.shardFor(key)].Unlock()
}

func (m *shardedMutex) shardFor(key string) int {
	if key == "" {
		return 0
	}
	var h uint32
	for i := 0; i < len(key); i++ {
		h = h*31 + uint32(key[i])
	}
	return int(h % uint32(len(m.shards)))
}
