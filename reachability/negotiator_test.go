package reachability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/peergate/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeListener records Listen and Stop calls.
type fakeListener struct {
	mu      sync.Mutex
	ports   []int
	stops   int
	err     error
	delay   time.Duration
	running bool
}

func (l *fakeListener) Listen(ctx context.Context, port int) error {
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ports = append(l.ports, port)
	if l.err != nil {
		return l.err
	}
	l.running = true
	return nil
}

func (l *fakeListener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stops++
	l.running = false
	return nil
}

func (l *fakeListener) snapshot() ([]int, int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.ports...), l.stops, l.running
}

// scriptedProber answers from a per-port table.
type scriptedProber struct {
	mu     sync.Mutex
	open   map[int]bool
	err    error
	probed []int
}

func (p *scriptedProber) Probe(_ context.Context, port int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed = append(p.probed, port)
	if p.err != nil {
		return false, p.err
	}
	return p.open[port], nil
}

type countingMapper struct {
	mu       sync.Mutex
	calls    int
	internal int
	external int
	err      error
}

func (m *countingMapper) Map(_ context.Context, port int) (*nat.Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	internal := m.internal
	if internal == 0 {
		internal = port
	}
	return &nat.Mapping{Protocol: nat.ProtocolTCP, InternalPort: internal, ExternalPort: m.external, Lifetime: time.Hour, Backend: "counting"}, nil
}

func (m *countingMapper) Unmap(context.Context, *nat.Mapping) error { return nil }

func (m *countingMapper) String() string { return "counting" }

type fixedAcquirer struct {
	port int
	err  error
}

func (a fixedAcquirer) Acquire(context.Context, int) (int, error) {
	return a.port, a.err
}

type negotiatorFixture struct {
	listener *fakeListener
	prober   *scriptedProber
	mapper   *countingMapper
	errs     []error
	waitPort []int
}

func newFixture() *negotiatorFixture {
	return &negotiatorFixture{
		listener: &fakeListener{},
		prober:   &scriptedProber{open: map[int]bool{}},
		mapper:   &countingMapper{external: 40000},
	}
}

func (f *negotiatorFixture) config(port int) Config {
	return Config{
		Port:       port,
		Acquirer:   fixedAcquirer{port: port},
		Listener:   f.listener,
		Prober:     f.prober,
		Mapper:     f.mapper,
		OnWaitPort: func(p int) { f.waitPort = append(f.waitPort, p) },
		OnError:    func(err error) { f.errs = append(f.errs, err) },
	}
}

func (f *negotiatorFixture) run(t *testing.T, cfg Config) (State, error) {
	t.Helper()
	n, err := NewNegotiator(cfg)
	require.NoError(t, err)
	return n.Negotiate(context.Background())
}

func TestNegotiateDirectReachable(t *testing.T) {
	f := newFixture()
	f.prober.open[2234] = true

	state, err := f.run(t, f.config(2234))
	require.NoError(t, err)

	assert.Equal(t, StepReady, state.Step)
	assert.True(t, state.Reachable)
	assert.Equal(t, 2234, state.Port)
	assert.Equal(t, 2234, state.ExternalPort)
	assert.Nil(t, state.Mapping)
	assert.Zero(t, f.mapper.calls, "mapper must not be called when direct probe succeeds")
	assert.Equal(t, []int{2234}, f.waitPort)
	assert.Empty(t, f.errs)

	ports, stops, running := f.listener.snapshot()
	assert.Equal(t, []int{2234}, ports)
	assert.Zero(t, stops)
	assert.True(t, running)
}

func TestNegotiateFallbackMapped(t *testing.T) {
	f := newFixture()
	f.mapper.internal = 2235
	f.prober.open[40000] = true

	state, err := f.run(t, f.config(2234))
	require.NoError(t, err)

	assert.Equal(t, StepReady, state.Step)
	assert.Equal(t, 2235, state.Port)
	assert.Equal(t, 40000, state.ExternalPort)
	require.NotNil(t, state.Mapping)
	assert.Equal(t, 1, f.mapper.calls)

	ports, stops, running := f.listener.snapshot()
	assert.Equal(t, []int{2234, 2235}, ports, "re-listen on the mapped internal port")
	assert.Equal(t, 1, stops)
	assert.True(t, running)
	assert.Equal(t, []int{2234, 40000}, f.prober.probed)
}

func TestNegotiateUnreachableAfterMapping(t *testing.T) {
	f := newFixture()

	state, err := f.run(t, f.config(2234))
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrUnreachableAfterMapping)
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepProbeMapped, stepErr.Step)
	assert.Equal(t, StepFailed, state.Step)
	assert.False(t, state.Reachable)

	assert.Equal(t, 1, f.mapper.calls, "exactly one fallback")
	assert.Equal(t, []int{2234, 40000}, f.prober.probed, "no retries")
	require.Len(t, f.errs, 1)
	assert.ErrorIs(t, f.errs[0], ErrUnreachableAfterMapping)
}

func TestNegotiateMappingFails(t *testing.T) {
	f := newFixture()
	f.mapper.err = errors.New("no gateway")

	_, err := f.run(t, f.config(2234))
	assert.ErrorIs(t, err, ErrMapping)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepFallbackMap, stepErr.Step)
	assert.Len(t, f.errs, 1)

	ports, _, running := f.listener.snapshot()
	assert.Equal(t, []int{2234}, ports)
	assert.False(t, running)
}

func TestNegotiateNoMapper(t *testing.T) {
	f := newFixture()
	cfg := f.config(2234)
	cfg.Mapper = nil

	_, err := f.run(t, cfg)
	assert.ErrorIs(t, err, ErrMapping)
	assert.ErrorContains(t, err, nat.ErrNoMapper.Error())
}

func TestNegotiateProbeError(t *testing.T) {
	f := newFixture()
	f.prober.err = errors.New("service down")

	_, err := f.run(t, f.config(2234))
	assert.ErrorIs(t, err, ErrProbe)
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepProbeDirect, stepErr.Step)
	assert.Zero(t, f.mapper.calls)
}

func TestNegotiateListenTimeout(t *testing.T) {
	f := newFixture()
	f.listener.delay = 200 * time.Millisecond
	f.prober.open[2234] = true

	cfg := f.config(2234)
	cfg.ListenTimeout = 20 * time.Millisecond

	_, err := f.run(t, cfg)
	assert.ErrorIs(t, err, ErrListenTimeout)
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepListen, stepErr.Step)
	assert.Len(t, f.errs, 1)
	assert.Empty(t, f.prober.probed)

	// The late listener is shut down once it finishes binding.
	require.Eventually(t, func() bool {
		_, stops, running := f.listener.snapshot()
		return stops == 1 && !running
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNegotiateListenError(t *testing.T) {
	f := newFixture()
	f.listener.err = errors.New("address already in use")

	_, err := f.run(t, f.config(2234))
	assert.ErrorIs(t, err, ErrListen)
	assert.Len(t, f.errs, 1)
}

func TestNegotiateAcquireError(t *testing.T) {
	f := newFixture()
	cfg := f.config(2234)
	cfg.Acquirer = fixedAcquirer{err: errors.New("exhausted")}

	_, err := f.run(t, cfg)
	assert.ErrorIs(t, err, ErrAcquirePort)
	assert.Empty(t, f.waitPort)
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepAcquirePort, stepErr.Step)
}

func TestNegotiateAcquiredPortIsUsed(t *testing.T) {
	f := newFixture()
	f.prober.open[5555] = true
	cfg := f.config(2234)
	cfg.Acquirer = fixedAcquirer{port: 5555}

	state, err := f.run(t, cfg)
	require.NoError(t, err)
	assert.Equal(t, 5555, state.Port)
	assert.Equal(t, []int{5555}, f.waitPort)
}

func TestNewNegotiatorValidation(t *testing.T) {
	_, err := NewNegotiator(Config{Prober: AssumeReachable{}})
	assert.Error(t, err)
	_, err = NewNegotiator(Config{Listener: &fakeListener{}})
	assert.Error(t, err)

	n, err := NewNegotiator(Config{Listener: &fakeListener{}, Prober: AssumeReachable{}})
	require.NoError(t, err)
	assert.Equal(t, DefaultListenTimeout, n.cfg.ListenTimeout)
}

func TestStepString(t *testing.T) {
	assert.Equal(t, "probe_mapped", StepProbeMapped.String())
	assert.Equal(t, "Step(42)", Step(42).String())
}
