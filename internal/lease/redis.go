package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token, so an
// expired holder cannot release a lease someone else has since taken.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLeaser implements Leaser with SET NX PX, shared by every replica
// pointing at the same Redis.
type RedisLeaser struct {
	client *redis.Client
	prefix string
}

// NewRedisLeaser connects to the Redis at url (redis://host:port/db).
func NewRedisLeaser(ctx context.Context, url, prefix string) (*RedisLeaser, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	if prefix == "" {
		prefix = "agentbazaar:lease:"
	}
	return &RedisLeaser{client: client, prefix: prefix}, nil
}

func (r *RedisLeaser) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := newToken()
	rkey := r.prefix + key

	ok, err := r.client.SetNX(ctx, rkey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lease %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	return &Lease{
		Key:   key,
		Token: token,
		release: func(ctx context.Context) error {
			return releaseScript.Run(ctx, r.client, []string{rkey}, token).Err()
		},
	}, nil
}

// Ping checks connectivity; used by the readiness check.
func (r *RedisLeaser) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Client exposes the connection for other components sharing it.
func (r *RedisLeaser) Client() *redis.Client {
	return r.client
}

// Close closes the Redis connection.
func (r *RedisLeaser) Close() error {
	return r.client.Close()
}

// Compile-time assertion that RedisLeaser implements Leaser.
var _ Leaser = (*RedisLeaser)(nil)
