package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/valora-crmsync/internal/domain"
	"github.com/smallbiznis/valora-crmsync/internal/repository"
)

const leasePrefix = "crmsync:lease:"

// releaseScript deletes the lease only if it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLeaseStore implements SyncLeaseStore backed by Redis.
type RedisLeaseStore struct {
	client redis.UniversalClient
}

var _ repository.SyncLeaseStore = (*RedisLeaseStore)(nil)

// NewRedisLeaseStore constructs a Redis-backed lease store.
func NewRedisLeaseStore(client redis.UniversalClient) *RedisLeaseStore {
	return &RedisLeaseStore{client: client}
}

// Acquire takes the lease for key or returns domain.ErrSyncInProgress.
func (s *RedisLeaseStore) Acquire(ctx context.Context, key domain.SyncKey, ttl time.Duration) (repository.Lease, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, leaseKey(key), token, ttl).Result()
	if err != nil {
		return nil, &domain.StoreError{Op: "acquire sync lease", Err: err}
	}
	if !ok {
		return nil, fmt.Errorf("%s/%s/%s: %w", key.OrganizationID, key.Provider, key.ObjectType, domain.ErrSyncInProgress)
	}
	return &redisLease{client: s.client, key: leaseKey(key), token: token}, nil
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string
}

// Release frees the lease if it has not expired and been taken by someone else.
func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		return &domain.StoreError{Op: "release sync lease", Err: err}
	}
	return nil
}

func leaseKey(key domain.SyncKey) string {
	return leasePrefix + key.OrganizationID + ":" + string(key.Provider) + ":" + key.ObjectType
}
