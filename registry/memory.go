package registry

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/opd-ai/peergate/session"
)

// DefaultMemoryCapacity bounds the number of pending requests kept in memory.
const DefaultMemoryCapacity = 4096

type memoryEntry struct {
	role    session.Role
	expires time.Time
}

// Memory is an in-process Registry. The oldest requests are evicted once
// capacity is reached and entries expire after the TTL.
type Memory struct {
	cache *lru.Cache
	ttl   time.Duration
	now   func() time.Time
}

var _ Registry = (*Memory)(nil)

// NewMemory creates an in-memory registry. Non-positive arguments select the defaults.
func NewMemory(capacity int, ttl time.Duration) (*Memory, error) {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cache, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("create pending cache: %w", err)
	}
	return &Memory{cache: cache, ttl: ttl, now: time.Now}, nil
}

// Put records role for token, replacing any earlier entry.
func (m *Memory) Put(_ context.Context, token uint32, role session.Role) error {
	if !validRole(role) {
		return fmt.Errorf("%w: %s", ErrInvalidRole, role)
	}
	m.cache.Add(token, memoryEntry{role: role, expires: m.now().Add(m.ttl)})
	return nil
}

// Lookup returns the role recorded for token.
func (m *Memory) Lookup(_ context.Context, token uint32) (session.Role, bool, error) {
	v, ok := m.cache.Get(token)
	if !ok {
		return 0, false, nil
	}
	entry := v.(memoryEntry)
	if m.now().After(entry.expires) {
		m.cache.Remove(token)
		return 0, false, nil
	}
	return entry.role, true, nil
}

// Delete forgets token.
func (m *Memory) Delete(_ context.Context, token uint32) error {
	m.cache.Remove(token)
	return nil
}

// Len returns the number of stored entries, including expired ones not yet evicted.
func (m *Memory) Len() int {
	return m.cache.Len()
}
