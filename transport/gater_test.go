package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tcpAddr(ip string) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: 40000}
}

func TestGaterBanList(t *testing.T) {
	g, err := NewGater(GaterConfig{Banned: []string{"10.0.0.0/8", "192.0.2.7", "2001:db8::/32"}})
	require.NoError(t, err)

	tests := []struct {
		ip     string
		banned bool
	}{
		{"10.1.2.3", true},
		{"192.0.2.7", true},
		{"192.0.2.8", false},
		{"2001:db8::1", true},
		{"203.0.113.5", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			release, err := g.Admit(tcpAddr(tt.ip))
			if tt.banned {
				assert.ErrorIs(t, err, ErrBanned)
				return
			}
			require.NoError(t, err)
			release()
		})
	}
	assert.Zero(t, g.Active())
}

func TestGaterInvalidBanEntry(t *testing.T) {
	_, err := NewGater(GaterConfig{Banned: []string{"not-an-ip"}})
	assert.Error(t, err)

	g, err := NewGater(GaterConfig{})
	require.NoError(t, err)
	assert.Error(t, g.Ban("300.0.0.0/8"))
}

func TestGaterCapacityAndRelease(t *testing.T) {
	g, err := NewGater(GaterConfig{MaxPeers: 2})
	require.NoError(t, err)

	r1, err := g.Admit(tcpAddr("198.51.100.1"))
	require.NoError(t, err)
	r2, err := g.Admit(tcpAddr("198.51.100.2"))
	require.NoError(t, err)

	_, err = g.Admit(tcpAddr("198.51.100.3"))
	assert.ErrorIs(t, err, ErrCapacity)

	r1()
	r1()
	assert.Equal(t, 1, g.Active(), "release must be idempotent")

	r3, err := g.Admit(tcpAddr("198.51.100.3"))
	require.NoError(t, err)
	r2()
	r3()
	assert.Zero(t, g.Active())
}

func TestGaterRateLimit(t *testing.T) {
	g, err := NewGater(GaterConfig{RatePerHost: 1, Burst: 2})
	require.NoError(t, err)

	now := time.Unix(1000, 0)
	g.limiter.now = func() time.Time { return now }

	admit := func(ip string) error {
		release, err := g.Admit(tcpAddr(ip))
		if err == nil {
			release()
		}
		return err
	}

	assert.NoError(t, admit("198.51.100.1"))
	assert.NoError(t, admit("198.51.100.1"))
	assert.ErrorIs(t, admit("198.51.100.1"), ErrRateLimited)
	assert.NoError(t, admit("198.51.100.2"), "limits are per host")

	now = now.Add(time.Second)
	assert.NoError(t, admit("198.51.100.1"))
	assert.ErrorIs(t, admit("198.51.100.1"), ErrRateLimited)
}

func TestHostLimiterSweep(t *testing.T) {
	hl := newHostLimiter(10, 1)
	now := time.Unix(1000, 0)
	hl.now = func() time.Time { return now }

	hl.allow("a")
	hl.allow("b")
	assert.Equal(t, 2, hl.size())

	now = now.Add(2 * sweepInterval)
	hl.allow("c")
	assert.Equal(t, 1, hl.size(), "refilled buckets are dropped")
}

func TestHostLimiterRefill(t *testing.T) {
	hl := newHostLimiter(2, 5)
	start := time.Unix(0, 0)
	now := start
	hl.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		assert.True(t, hl.allow("a"), "initial request %d", i)
	}
	assert.False(t, hl.allow("a"))

	now = start.Add(1100 * time.Millisecond)
	assert.True(t, hl.allow("a"))
	assert.True(t, hl.allow("a"))
	assert.False(t, hl.allow("a"))
}

func TestHostLimiterSweepKeepsDrainedBuckets(t *testing.T) {
	hl := newHostLimiter(0.001, 2)
	now := time.Unix(1000, 0)
	hl.now = func() time.Time { return now }

	hl.allow("a")
	hl.allow("a")

	now = now.Add(2 * sweepInterval)
	hl.allow("b")
	assert.Equal(t, 2, hl.size(), "a bucket still refilling survives the sweep")
	assert.False(t, hl.allow("a"))
}

func TestGaterRateLimitDisabled(t *testing.T) {
	g, err := NewGater(GaterConfig{RatePerHost: 0, Burst: 1})
	require.NoError(t, err)
	assert.Nil(t, g.limiter)

	for i := 0; i < 20; i++ {
		release, err := g.Admit(tcpAddr("198.51.100.1"))
		require.NoError(t, err)
		release()
	}
}
