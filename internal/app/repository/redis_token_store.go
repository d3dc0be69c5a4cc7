package repository

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndSwapScript replaces KEYS[1] with ARGV[2] only while it still holds ARGV[1].
// ARGV[3] is the new TTL in milliseconds, 0 for none.
var compareAndSwapScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false or cur ~= ARGV[1] then
	return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
else
	redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// RedisTokenStore keeps link records in Redis under a common key prefix.
type RedisTokenStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisTokenStore returns a Redis-backed store. Every key is prefixed with prefix.
func NewRedisTokenStore(client redis.UniversalClient, prefix string) *RedisTokenStore {
	return &RedisTokenStore{client: client, prefix: prefix}
}

func (s *RedisTokenStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisTokenStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(key), value, ttl).Err()
}

func (s *RedisTokenStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	return val, err
}

func (s *RedisTokenStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

func (s *RedisTokenStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.key(key), value, ttl).Result()
}

// GetAndDelete relies on GETDEL (Redis 6.2+).
func (s *RedisTokenStore) GetAndDelete(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.GetDel(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	return val, err
}

func (s *RedisTokenStore) CompareAndSwap(ctx context.Context, key string, old, new []byte, ttl time.Duration) (bool, error) {
	swapped, err := compareAndSwapScript.Run(ctx, s.client, []string{s.key(key)}, old, new, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return swapped == 1, nil
}
