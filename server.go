package peergate

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/opd-ai/peergate/nat"
	"github.com/opd-ai/peergate/reachability"
	"github.com/opd-ai/peergate/registry"
	"github.com/opd-ai/peergate/session"
	"github.com/opd-ai/peergate/transport"
	"github.com/sirupsen/logrus"
)

var (
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("server already started")
	// ErrServerClosed is returned by Start after Close.
	ErrServerClosed = errors.New("server closed")
)

// Server is the inbound peer connection gateway.
type Server struct {
	options    *Options
	registry   registry.Registry
	acceptor   *transport.Acceptor
	negotiator *reachability.Negotiator

	mu        sync.Mutex
	state     reachability.State
	renewer   *nat.Renewer
	listening bool
	started   bool
	closed    bool

	callbackMu  sync.RWMutex
	onListening func(port int)
	onClosed    func()
	onError     func(err error)
	onWaitPort  func(port int)
	onSession   func(s session.Session)
}

// New creates a server. Nothing is bound until Start.
func New(options *Options) (*Server, error) {
	if options == nil {
		options = NewOptions()
	}

	s := &Server{options: options, registry: options.Registry}
	if s.registry == nil {
		mem, err := registry.NewMemory(0, 0)
		if err != nil {
			return nil, err
		}
		s.registry = mem
	}

	gater, err := transport.NewGater(transport.GaterConfig{
		MaxPeers:    options.MaxPeers,
		Banned:      options.Banned,
		RatePerHost: options.ConnRatePerHost,
		Burst:       options.ConnBurst,
	})
	if err != nil {
		return nil, err
	}

	s.acceptor, err = transport.NewAcceptor(transport.AcceptorConfig{
		Dispatcher:       session.NewDispatcher(s.registry, options.Factory, options.Handler),
		Gater:            gater,
		HandshakeTimeout: options.HandshakeTimeout,
		OnListening:      s.handleListening,
		OnClosed:         s.handleClosed,
		OnError:          s.emitError,
		OnSession:        s.emitSession,
	})
	if err != nil {
		return nil, err
	}

	prober := options.Prober
	if prober == nil {
		prober = reachability.AssumeReachable{}
	}
	acquirer := options.Acquirer
	if acquirer == nil {
		acquirer = reachability.FreePortAcquirer{}
	}

	s.negotiator, err = reachability.NewNegotiator(reachability.Config{
		Port:          options.Port,
		Acquirer:      acquirer,
		Listener:      s.acceptor,
		Prober:        prober,
		Mapper:        options.Mapper,
		ListenTimeout: options.ListenTimeout,
		OnWaitPort:    s.emitWaitPort,
		OnError:       s.emitError,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Start establishes a reachable listening port and begins accepting peers.
// It returns once the port is verified or negotiation has failed; on
// failure nothing is left listening.
func (s *Server) Start(ctx context.Context) (reachability.State, error) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return reachability.State{}, ErrServerClosed
	case s.started:
		s.mu.Unlock()
		return reachability.State{}, ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	state, err := s.negotiator.Negotiate(ctx)
	if err != nil {
		_ = s.acceptor.Stop()
		if state.Mapping != nil && s.options.Mapper != nil {
			_ = s.options.Mapper.Unmap(context.Background(), state.Mapping)
		}
		return state, err
	}

	s.mu.Lock()
	s.state = state
	if state.Mapping != nil {
		s.renewer = nat.NewRenewer(s.options.Mapper, state.Mapping, s.emitError)
		s.renewer.Start()
	}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"port":     state.Port,
		"external": state.ExternalPort,
	}).Info("Peer gateway started")
	return state, nil
}

// Close stops accepting, aborts handshakes in flight, closes attached
// sessions and removes any port mapping. It is safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	renewer := s.renewer
	s.renewer = nil
	s.mu.Unlock()

	var errs []error
	if err := s.acceptor.Close(); err != nil {
		errs = append(errs, err)
	}

	if renewer != nil {
		if err := renewer.Stop(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	if closer, ok := s.registry.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Listening reports whether the peer port is open.
func (s *Server) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

// State returns the outcome of the last successful negotiation.
func (s *Server) State() reachability.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.renewer != nil {
		state := s.state
		state.Mapping = s.renewer.Current()
		state.ExternalPort = state.Mapping.ExternalPort
		return state
	}
	return s.state
}

// Port returns the local listening port.
func (s *Server) Port() int {
	return s.acceptor.Port()
}

// Registry returns the pending outbound request registry the dispatcher reads.
func (s *Server) Registry() registry.Registry {
	return s.registry
}

// Sessions returns the attached peer sessions.
func (s *Server) Sessions() []session.Session {
	return s.acceptor.Sessions()
}

// OnListening sets the callback fired each time the peer port opens.
func (s *Server) OnListening(callback func(port int)) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.onListening = callback
}

// OnClosed sets the callback fired each time the peer port closes.
func (s *Server) OnClosed(callback func()) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.onClosed = callback
}

// OnError sets the callback for negotiation, connection and renewal errors.
func (s *Server) OnError(callback func(err error)) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.onError = callback
}

// OnWaitPort sets the callback fired once the listening port is chosen.
func (s *Server) OnWaitPort(callback func(port int)) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.onWaitPort = callback
}

// OnSession sets the callback fired for every attached session.
func (s *Server) OnSession(callback func(sess session.Session)) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.onSession = callback
}

func (s *Server) handleListening(port int) {
	s.mu.Lock()
	s.listening = true
	s.mu.Unlock()

	s.callbackMu.RLock()
	cb := s.onListening
	s.callbackMu.RUnlock()
	if cb != nil {
		cb(port)
	}
}

func (s *Server) handleClosed() {
	s.mu.Lock()
	s.listening = false
	s.mu.Unlock()

	s.callbackMu.RLock()
	cb := s.onClosed
	s.callbackMu.RUnlock()
	if cb != nil {
		cb()
	}
}

func (s *Server) emitError(err error) {
	s.callbackMu.RLock()
	cb := s.onError
	s.callbackMu.RUnlock()
	if cb != nil {
		cb(err)
	}
}

func (s *Server) emitWaitPort(port int) {
	s.callbackMu.RLock()
	cb := s.onWaitPort
	s.callbackMu.RUnlock()
	if cb != nil {
		cb(port)
	}
}

func (s *Server) emitSession(sess session.Session) {
	s.callbackMu.RLock()
	cb := s.onSession
	s.callbackMu.RUnlock()
	if cb != nil {
		cb(sess)
	}
}
