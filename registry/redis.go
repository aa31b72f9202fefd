package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opd-ai/peergate/session"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces pending tokens in Redis.
const DefaultKeyPrefix = "peergate:pending:"

// Client is the part of a go-redis client the registry uses. *redis.Client
// and redis.UniversalClient satisfy it.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

var _ Client = (*redis.Client)(nil)

// Redis is a Registry shared between processes through a Redis server.
type Redis struct {
	client Client
	prefix string
	ttl    time.Duration
}

var _ Registry = (*Redis)(nil)

// NewRedis connects to addr and verifies the connection with a ping.
func NewRedis(ctx context.Context, addr, password string, db int, ttl time.Duration) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisWithClient(rdb, ttl), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, prefix: DefaultKeyPrefix, ttl: ttl}
}

func (r *Redis) key(token uint32) string {
	return r.prefix + strconv.FormatUint(uint64(token), 10)
}

// Put records role for token with the registry TTL.
func (r *Redis) Put(ctx context.Context, token uint32, role session.Role) error {
	if !validRole(role) {
		return fmt.Errorf("%w: %s", ErrInvalidRole, role)
	}
	if err := r.client.Set(ctx, r.key(token), role.String(), r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Lookup returns the role recorded for token.
func (r *Redis) Lookup(ctx context.Context, token uint32) (session.Role, bool, error) {
	val, err := r.client.Get(ctx, r.key(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("redis get failed: %w", err)
	}
	role, err := session.ParseRole(val)
	if err != nil {
		return 0, false, fmt.Errorf("stored role for token %d: %w", token, err)
	}
	return role, true, nil
}

// Delete forgets token.
func (r *Redis) Delete(ctx context.Context, token uint32) error {
	if err := r.client.Del(ctx, r.key(token)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
