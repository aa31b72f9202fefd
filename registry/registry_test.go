package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/peergate/session"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseRegistry runs the behaviour every backend must share.
func exerciseRegistry(t *testing.T, reg Registry) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := reg.Lookup(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ok, "unknown token must be absent")

	require.NoError(t, reg.Put(ctx, 42, session.RoleDistributed))
	role, ok, err := reg.Lookup(ctx, 42)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, session.RoleDistributed, role)

	require.NoError(t, reg.Put(ctx, 42, session.RolePeer))
	role, _, err = reg.Lookup(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, session.RolePeer, role)

	require.NoError(t, reg.Delete(ctx, 42))
	_, ok, err = reg.Lookup(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ok)

	err = reg.Put(ctx, 1, session.Role('z'))
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestMemoryRegistry(t *testing.T) {
	reg, err := NewMemory(0, 0)
	require.NoError(t, err)
	exerciseRegistry(t, reg)
}

func TestMemoryRegistryExpiry(t *testing.T) {
	reg, err := NewMemory(8, time.Minute)
	require.NoError(t, err)

	now := time.Unix(1000, 0)
	reg.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, reg.Put(ctx, 7, session.RoleDistributed))

	now = now.Add(30 * time.Second)
	_, ok, err := reg.Lookup(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(time.Minute)
	_, ok, err = reg.Lookup(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, reg.Len(), "expired entry must be evicted on lookup")
}

func TestMemoryRegistryCapacity(t *testing.T) {
	reg, err := NewMemory(2, time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, reg.Put(ctx, 1, session.RolePeer))
	require.NoError(t, reg.Put(ctx, 2, session.RolePeer))
	require.NoError(t, reg.Put(ctx, 3, session.RolePeer))

	assert.Equal(t, 2, reg.Len())
	_, ok, _ := reg.Lookup(ctx, 1)
	assert.False(t, ok, "oldest request must be evicted")
}

// TestRedisRegistry runs against a real server when PEERGATE_TEST_REDIS is set.
func TestRedisRegistry(t *testing.T) {
	addr := os.Getenv("PEERGATE_TEST_REDIS")
	if addr == "" {
		t.Skip("PEERGATE_TEST_REDIS not set")
	}

	reg, err := NewRedis(context.Background(), addr, "", 0, time.Minute)
	require.NoError(t, err)
	defer reg.Close()
	reg.prefix = "peergate:test:" + time.Now().Format("150405.000000") + ":"

	exerciseRegistry(t, reg)
}

func TestNewRedisUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewRedis(ctx, "127.0.0.1:1", "", 0, 0)
	assert.Error(t, err)
}

// mapClient is an in-process Client keyed like a Redis keyspace.
type mapClient struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
	err    error
	closed bool
}

func newMapClient() *mapClient {
	return &mapClient{values: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (c *mapClient) Get(_ context.Context, key string) *redis.StringCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return redis.NewStringResult("", c.err)
	}
	val, ok := c.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(val, nil)
}

func (c *mapClient) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return redis.NewStatusResult("", c.err)
	}
	c.values[key] = fmt.Sprint(value)
	c.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (c *mapClient) Del(_ context.Context, keys ...string) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return redis.NewIntResult(0, c.err)
	}
	var n int64
	for _, key := range keys {
		if _, ok := c.values[key]; ok {
			delete(c.values, key)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (c *mapClient) Close() error {
	c.closed = true
	return nil
}

func TestRedisRegistryWithClient(t *testing.T) {
	client := newMapClient()
	reg := NewRedisWithClient(client, 0)
	exerciseRegistry(t, reg)

	require.NoError(t, reg.Put(context.Background(), 9, session.RoleDistributed))
	key := DefaultKeyPrefix + "9"
	assert.Equal(t, session.RoleDistributed.String(), client.values[key])
	assert.Equal(t, DefaultTTL, client.ttls[key])

	require.NoError(t, reg.Close())
	assert.True(t, client.closed)
}

func TestRedisRegistryInvalidStoredRole(t *testing.T) {
	client := newMapClient()
	client.values[DefaultKeyPrefix+"5"] = "garbage"
	reg := NewRedisWithClient(client, time.Minute)

	_, ok, err := reg.Lookup(context.Background(), 5)
	require.Error(t, err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "stored role for token 5")
}

func TestRedisRegistryClientErrors(t *testing.T) {
	client := newMapClient()
	client.err = errors.New("connection refused")
	reg := NewRedisWithClient(client, time.Minute)
	ctx := context.Background()

	_, _, err := reg.Lookup(ctx, 1)
	assert.ErrorIs(t, err, client.err)
	assert.ErrorIs(t, reg.Put(ctx, 1, session.RolePeer), client.err)
	assert.ErrorIs(t, reg.Delete(ctx, 1), client.err)
}
