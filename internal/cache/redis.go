package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps entries as plain strings with EX and tracks each owner's
// keys in a set so DeleteOwner needs no SCAN.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func ownerIndexKey(ownerID string) string { return OwnerPrefix(ownerID) + "_keys" }

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	return v, err
}

func (s *RedisStore) Set(ctx context.Context, ownerID, key string, value []byte, ttl time.Duration) error {
	idx := ownerIndexKey(ownerID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, value, ttl)
		pipe.SAdd(ctx, idx, key)
		pipe.Expire(ctx, idx, ttl)
		return nil
	})
	return err
}

// The index is read and its members deleted in one script, so a Set landing
// mid-invalidation is either dropped with the rest or indexed afterwards.
var deleteOwnerScript = redis.NewScript(`
local keys = redis.call('SMEMBERS', KEYS[1])
for i = 1, #keys, 500 do
  redis.call('DEL', unpack(keys, i, math.min(i + 499, #keys)))
end
redis.call('DEL', KEYS[1])
return #keys
`)

func (s *RedisStore) DeleteOwner(ctx context.Context, ownerID string) error {
	return deleteOwnerScript.Run(ctx, s.client, []string{ownerIndexKey(ownerID)}).Err()
}
