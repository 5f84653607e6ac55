package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps job records in Redis so an engine restart on another
// node still sees memoised completions. Records expire after the TTL;
// a resumed incident older than that re-executes its jobs, which is safe
// because every job is idempotent by construction.
type RedisStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisStore connects and pings Redis. The caller decides whether to
// fall back to the in-memory store on error.
func NewRedisStore(addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	slog.Info("idempotency store connected to redis", "addr", addr, "db", db)
	return &RedisStore{rdb: rdb, ttl: ttl, prefix: "autohealer:job:"}, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	raw, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *RedisStore) Put(ctx context.Context, key string, result json.RawMessage) error {
	rec := Record{Key: key, Result: result, CompletedAt: time.Now().UTC()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	// SETNX keeps the first completion.
	return r.rdb.SetNX(ctx, r.prefix+key, raw, r.ttl).Err()
}

// Close shuts the client down.
func (r *RedisStore) Close() error { return r.rdb.Close() }
