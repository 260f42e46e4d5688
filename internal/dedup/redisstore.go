package dedup

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore — распределённый вариант KeyStore: SET NX PX выигрывает гонку
// ровно для одного хита, TTL ключа совпадает с окном дедупликации.
type RedisStore struct {
	c *redis.Client
}

func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{
		c: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

func dedupKey(key string) string {
	return "dedup:" + key
}

func (s *RedisStore) MarkUnique(ctx context.Context, key string, at time.Time, window time.Duration) (bool, error) {
	ok, err := s.c.SetNX(ctx, dedupKey(key), strconv.FormatInt(at.UTC().UnixMilli(), 10), window).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis setnx")
	}
	return ok, nil
}
