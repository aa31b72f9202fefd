package reachability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/peergate/metrics"
	"github.com/opd-ai/peergate/nat"
	"github.com/sirupsen/logrus"
)

// DefaultListenTimeout bounds each Listen call.
const DefaultListenTimeout = 5 * time.Second

var (
	// ErrAcquirePort indicates no usable local port could be found.
	ErrAcquirePort = errors.New("could not acquire a listening port")
	// ErrListen indicates the listener failed to bind.
	ErrListen = errors.New("listen failed")
	// ErrListenTimeout indicates the listener did not start in time.
	ErrListenTimeout = errors.New("timed out with peer server listen")
	// ErrProbe indicates the external reachability check itself failed.
	ErrProbe = errors.New("reachability probe failed")
	// ErrMapping indicates the port-mapping fallback failed.
	ErrMapping = errors.New("port mapping failed")
	// ErrUnreachableAfterMapping indicates the port was mapped but the
	// network still cannot reach it.
	ErrUnreachableAfterMapping = errors.New("port mapped but still unreachable from outside")
)

// Step is a stage of the negotiation pipeline.
type Step int

const (
	StepAcquirePort Step = iota
	StepListen
	StepProbeDirect
	StepFallbackMap
	StepProbeMapped
	StepReady
	StepFailed
)

func (s Step) String() string {
	switch s {
	case StepAcquirePort:
		return "acquire_port"
	case StepListen:
		return "listen"
	case StepProbeDirect:
		return "probe_direct"
	case StepFallbackMap:
		return "fallback_map"
	case StepProbeMapped:
		return "probe_mapped"
	case StepReady:
		return "ready"
	case StepFailed:
		return "failed"
	default:
		return fmt.Sprintf("Step(%d)", int(s))
	}
}

// StepError reports the step at which negotiation stopped.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("reachability %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// State is the outcome of a negotiation.
type State struct {
	Step Step
	// Port is the local port the listener is bound to.
	Port int
	// ExternalPort is the port peers on the public network connect to.
	ExternalPort int
	Reachable    bool
	// Mapping is set when the fallback produced a port mapping.
	Mapping *nat.Mapping
}

// PortAcquirer picks the local port to listen on.
type PortAcquirer interface {
	Acquire(ctx context.Context, preferred int) (int, error)
}

// Listener is the socket server being made reachable.
type Listener interface {
	Listen(ctx context.Context, port int) error
	Stop() error
}

// Prober checks whether a port is reachable from the public network.
type Prober interface {
	Probe(ctx context.Context, port int) (bool, error)
}

// Config wires a Negotiator. Listener and Prober are required; a nil
// Acquirer uses the preferred port as is and a nil Mapper makes the
// fallback fail with ErrMapping.
type Config struct {
	Port          int
	Acquirer      PortAcquirer
	Listener      Listener
	Prober        Prober
	Mapper        nat.Mapper
	ListenTimeout time.Duration

	OnWaitPort func(port int)
	OnError    func(err error)
}

// Negotiator establishes a reachable listening port.
type Negotiator struct {
	cfg Config
}

// NewNegotiator validates cfg and applies defaults.
func NewNegotiator(cfg Config) (*Negotiator, error) {
	if cfg.Listener == nil {
		return nil, errors.New("negotiator requires a listener")
	}
	if cfg.Prober == nil {
		return nil, errors.New("negotiator requires a prober")
	}
	if cfg.ListenTimeout <= 0 {
		cfg.ListenTimeout = DefaultListenTimeout
	}
	return &Negotiator{cfg: cfg}, nil
}

// Negotiate runs the pipeline once. On success the listener is serving and
// the returned State is Ready. On failure the listener may still be bound;
// the caller decides whether to stop it.
func (n *Negotiator) Negotiate(ctx context.Context) (State, error) {
	state := State{Step: StepAcquirePort}

	port, err := n.acquire(ctx)
	if err != nil {
		return n.fail(state, fmt.Errorf("%w: %v", ErrAcquirePort, err))
	}
	state.Port = port
	if n.cfg.OnWaitPort != nil {
		n.cfg.OnWaitPort(port)
	}

	state.Step = StepListen
	if err := n.listen(ctx, port); err != nil {
		return n.fail(state, err)
	}

	state.Step = StepProbeDirect
	open, err := n.cfg.Prober.Probe(ctx, port)
	if err != nil {
		return n.fail(state, fmt.Errorf("%w: %v", ErrProbe, err))
	}
	if open {
		state.ExternalPort = port
		return n.ready(state), nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "Negotiate",
		"port":     port,
	}).Info("Port not reachable from outside, trying port mapping")

	state.Step = StepFallbackMap
	if err := n.cfg.Listener.Stop(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Negotiate",
			"error":    err.Error(),
		}).Warn("Stopping listener before mapping failed")
	}
	if n.cfg.Mapper == nil {
		return n.fail(state, fmt.Errorf("%w: %v", ErrMapping, nat.ErrNoMapper))
	}
	mapping, err := n.cfg.Mapper.Map(ctx, port)
	if err != nil {
		return n.fail(state, fmt.Errorf("%w: %v", ErrMapping, err))
	}
	state.Mapping = mapping
	state.Port = mapping.InternalPort
	state.ExternalPort = mapping.ExternalPort

	if err := n.listen(ctx, mapping.InternalPort); err != nil {
		return n.fail(state, err)
	}

	state.Step = StepProbeMapped
	open, err = n.cfg.Prober.Probe(ctx, mapping.ExternalPort)
	if err != nil {
		return n.fail(state, fmt.Errorf("%w: %v", ErrProbe, err))
	}
	if !open {
		return n.fail(state, ErrUnreachableAfterMapping)
	}
	return n.ready(state), nil
}

func (n *Negotiator) acquire(ctx context.Context) (int, error) {
	if n.cfg.Acquirer == nil {
		return n.cfg.Port, nil
	}
	return n.cfg.Acquirer.Acquire(ctx, n.cfg.Port)
}

// listen starts the listener, giving up after ListenTimeout. A listener
// that comes up after the deadline is stopped again.
func (n *Negotiator) listen(ctx context.Context, port int) error {
	listenCtx, cancel := context.WithCancel(ctx)
	result := make(chan error, 1)
	go func() {
		result <- n.cfg.Listener.Listen(listenCtx, port)
	}()

	timer := time.NewTimer(n.cfg.ListenTimeout)
	defer timer.Stop()

	select {
	case err := <-result:
		cancel()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrListen, err)
		}
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	cancel()
	go func() {
		if err := <-result; err == nil {
			_ = n.cfg.Listener.Stop()
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrListenTimeout
}

func (n *Negotiator) ready(state State) State {
	state.Step = StepReady
	state.Reachable = true
	metrics.Negotiations.WithLabelValues(StepReady.String(), metrics.ResultOK).Inc()
	metrics.SetReachable(true)

	logrus.WithFields(logrus.Fields{
		"function": "Negotiate",
		"port":     state.Port,
		"external": state.ExternalPort,
		"mapped":   state.Mapping != nil,
	}).Info("Peer port reachable")
	return state
}

func (n *Negotiator) fail(state State, err error) (State, error) {
	failed := state.Step
	state.Step = StepFailed
	serr := &StepError{Step: failed, Err: err}

	metrics.Negotiations.WithLabelValues(failed.String(), metrics.ResultError).Inc()
	metrics.SetReachable(false)
	logrus.WithFields(logrus.Fields{
		"function": "Negotiate",
		"step":     failed.String(),
		"port":     state.Port,
		"error":    err.Error(),
	}).Error("Reachability negotiation failed")

	if n.cfg.OnError != nil {
		n.cfg.OnError(serr)
	}
	return state, serr
}
