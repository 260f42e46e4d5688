package dedup

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 64

// MemStore — шардированная карта "ключ -> последний уникальный" с мьютексом
// на шард: хиты по разным ключам не конкурируют между собой.
// Подходит для одной реплики; для нескольких реплик есть RedisStore.
type MemStore struct {
	shards [shardCount]memShard
}

type memShard struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewMemStore() *MemStore {
	s := &MemStore{}
	for i := range s.shards {
		s.shards[i].last = make(map[string]time.Time)
	}
	return s
}

func (s *MemStore) shard(key string) *memShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

func (s *MemStore) MarkUnique(_ context.Context, key string, at time.Time, window time.Duration) (bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	last, ok := sh.last[key]
	if ok && at.Sub(last) < window {
		return false, nil
	}
	sh.last[key] = at

	// Ленивая уборка протухших ключей, чтобы карта не росла бесконечно.
	if len(sh.last) > 4096 {
		for k, v := range sh.last {
			if at.Sub(v) >= window {
				delete(sh.last, k)
			}
		}
	}
	return true, nil
}
