package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time interface check.
var _ AtomicStore = (*RedisStore)(nil)

// RedisStore backs AtomicStore with Redis. The compound operations
// (increment-with-expiry, compare-and-set, compare-and-delete) run as Lua
// scripts so each one is a single atomic round trip.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client. The caller owns the client's
// lifecycle (main dials and closes it).
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// incrScript increments a counter, setting the TTL only when the increment
// creates the key. A TTL of 0 leaves the key without expiry.
//
// KEYS[1] = counter key
// ARGV[1] = ttl in milliseconds
var incrScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 and tonumber(ARGV[1]) > 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// casScript sets KEYS[1] to ARGV[2] iff the current value equals ARGV[1].
// An empty ARGV[1] means the key must be absent.
//
// ARGV[3] = ttl in milliseconds (0 = no expiry)
var casScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if ARGV[1] == "" then
    if current then return 0 end
elseif current ~= ARGV[1] then
    return 0
end
if tonumber(ARGV[3]) > 0 then
    redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
else
    redis.call("SET", KEYS[1], ARGV[2])
end
return 1
`)

// cadScript deletes KEYS[1] iff the current value equals ARGV[1].
var cadScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current or current ~= ARGV[1] then
    return 0
end
redis.call("DEL", KEYS[1])
return 1
`)

func (s *RedisStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := incrScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: incr %q: %v", ErrUnavailable, key, err)
	}
	return count, nil
}

func (s *RedisStore) CompareAndSet(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	ok, err := casScript.Run(ctx, s.client, []string{key}, expected, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: cas %q: %v", ErrUnavailable, key, err)
	}
	return ok == 1, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	ok, err := cadScript.Run(ctx, s.client, []string{key}, expected).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: delete %q: %v", ErrUnavailable, key, err)
	}
	return ok == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: get %q: %v", ErrUnavailable, key, err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 0 // go-redis: zero expiration means persist
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %q: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan %q: %v", ErrUnavailable, prefix, err)
	}
	return keys, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	return nil
}
