package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisMaxTxRetries = 8

// RedisStore is a Store shared by every instance connected to the same Redis.
// Touch uses WATCH/MULTI so concurrent writers on one key retry instead of
// overwriting each other.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// TTL bounds how long an idle key survives in Redis. It should exceed the
	// quota window so lazy expiry still sees the old window.
	TTL time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", opts.Addr, err)
	}
	return newRedisStoreWithClient(client, opts.Prefix, opts.TTL), nil
}

func newRedisStoreWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "guestgate:session"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Ping verifies the Redis connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) key(k string) string {
	return r.prefix + ":" + k
}

// Get returns a snapshot of the entry for key.
func (r *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode session %s: %w", key, err)
	}
	return e, true, nil
}

// Touch applies fn inside an optimistic transaction on the key.
func (r *RedisStore) Touch(ctx context.Context, key string, fn MutateFunc) (Entry, error) {
	rk := r.key(key)
	var out Entry

	txf := func(tx *redis.Tx) error {
		var e Entry
		exists := true
		data, err := tx.Get(ctx, rk).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			exists = false
		case err != nil:
			return fmt.Errorf("redis get %s: %w", key, err)
		default:
			if err := json.Unmarshal(data, &e); err != nil {
				slog.Warn("Discarding undecodable session entry", "key", key, "error", err)
				e, exists = Entry{}, false
			}
		}

		if err := fn(&e, exists); err != nil {
			return err
		}
		encoded, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode session %s: %w", key, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rk, encoded, r.ttl)
			return nil
		})
		if err == nil {
			out = e
		}
		return err
	}

	for i := 0; i < redisMaxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, rk)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			slog.Debug("Session transaction conflict, retrying", "key", key, "attempt", i+1)
			continue
		}
		return Entry{}, err
	}
	return Entry{}, fmt.Errorf("%w: key %s", ErrStoreConflict, key)
}

// Evict removes the entry for key.
func (r *RedisStore) Evict(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// EvictExpired is a no-op: Redis drops idle keys through their TTL.
func (r *RedisStore) EvictExpired(context.Context, time.Time, time.Duration) (int, error) {
	return 0, nil
}

// Close releases the Redis connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
