package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease is a cross-process lock on one address's sync job. Acquire reports
// false without error when another holder owns the lease.
type Lease interface {
	Acquire(ctx context.Context, address string) (release func(), ok bool, err error)
}

// releaseScript deletes the key only if we still own it.
// KEYS[1] = lease key
// ARGV[1] = owner token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease implements Lease with SET NX PX.
type RedisLease struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisLease creates a lease backed by Redis. ttl bounds how long a crashed
// holder can block other replicas.
func NewRedisLease(addr string, password string, db int, ttl time.Duration) *RedisLease {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisLease{client: rdb, ttl: ttl, prefix: "spendvault:activity:lease:"}
}

// Ping checks connectivity.
func (l *RedisLease) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLease) Acquire(ctx context.Context, address string) (func(), bool, error) {
	key := l.prefix + normalize(address)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lease error: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}

// Close releases the underlying connection pool.
func (l *RedisLease) Close() error {
	return l.client.Close()
}
