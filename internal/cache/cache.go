package cache

import (
	"context"
	"time"
)

// BytesCache — кэш "как есть" для сериализованных снапшотов.
// Del нужен для инвалидации по событию, не только по TTL.
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}
