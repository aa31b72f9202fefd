package nat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenewerRefreshesAndUnmaps(t *testing.T) {
	mapper := &fakeMapper{name: "fake", external: 40001, lifetime: time.Millisecond}
	initial := &Mapping{Protocol: ProtocolTCP, InternalPort: 2234, ExternalPort: 40000, Lifetime: time.Millisecond, Backend: "fake"}

	r := NewRenewer(mapper, initial, nil)
	assert.Equal(t, minRenewInterval, r.interval, "tiny lifetimes are clamped")
	r.interval = 10 * time.Millisecond
	r.Start()

	require.Eventually(t, func() bool { return mapper.mapCalls() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 40001, r.Current().ExternalPort)

	require.NoError(t, r.Stop(context.Background()))
	require.NoError(t, r.Stop(context.Background()), "stop is idempotent")

	mapper.mu.Lock()
	defer mapper.mu.Unlock()
	require.Len(t, mapper.unmapped, 1)
	assert.Equal(t, 40001, mapper.unmapped[0].ExternalPort)
}

func TestRenewerReportsFailures(t *testing.T) {
	mapper := &fakeMapper{name: "fake", err: errors.New("gateway gone")}
	initial := &Mapping{Protocol: ProtocolTCP, InternalPort: 2234, ExternalPort: 2234, Lifetime: time.Hour, Backend: "fake"}

	errs := make(chan error, 4)
	r := NewRenewer(mapper, initial, func(err error) {
		select {
		case errs <- err:
		default:
		}
	})
	assert.Equal(t, 30*time.Minute, r.interval)
	r.interval = 5 * time.Millisecond
	r.Start()
	defer r.Stop(context.Background())

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "gateway gone")
	case <-time.After(2 * time.Second):
		t.Fatal("renewal failure not reported")
	}
	assert.Same(t, initial, r.Current(), "failed renewal keeps the previous mapping")
}

func TestRenewerStopWithoutStart(t *testing.T) {
	mapper := &fakeMapper{name: "fake"}
	r := NewRenewer(mapper, &Mapping{InternalPort: 1, ExternalPort: 1, Lifetime: time.Hour, Backend: "fake"}, nil)
	require.NoError(t, r.Stop(context.Background()))
	assert.Len(t, mapper.unmapped, 1)
}
