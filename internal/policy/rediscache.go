package policy

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores cached verdicts in Redis so multiple gateway instances
// can share warm results. Failures degrade to cache misses; the cache is
// advisory either way.
type RedisBackend struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *log.Logger
}

// NewRedisBackend connects a backend to the given Redis address.
func NewRedisBackend(addr, password string, db int, ttl time.Duration) *RedisBackend {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisBackend{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		ttl:    ttl,
		prefix: "basis:verdict:",
		logger: log.New(log.Writer(), "[CACHE] ", log.LstdFlags),
	}
}

// Ping verifies connectivity at startup.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		r.logger.Printf("redis get failed, treating as miss: %v", err)
		return nil, false
	}
	return data, true
}

func (r *RedisBackend) Set(ctx context.Context, key string, val []byte) {
	if err := r.client.Set(ctx, r.prefix+key, val, r.ttl).Err(); err != nil {
		r.logger.Printf("redis set failed: %v", err)
	}
}

// Len counts the gateway's keys. Approximate under concurrent writers.
func (r *RedisBackend) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var count int
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		count++
	}
	return count
}

// Close releases the connection pool.
func (r *RedisBackend) Close() error { return r.client.Close() }
