package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/peergate/framing"
	"github.com/opd-ai/peergate/handshake"
	"github.com/opd-ai/peergate/limits"
	"github.com/opd-ai/peergate/metrics"
	"github.com/opd-ai/peergate/session"
	"github.com/sirupsen/logrus"
)

// DefaultHandshakeTimeout bounds how long a new connection may take to send
// its first frame.
const DefaultHandshakeTimeout = 30 * time.Second

var (
	// ErrAlreadyListening is returned by Listen while a listener is open.
	ErrAlreadyListening = errors.New("acceptor already listening")
	// ErrAcceptorClosed is returned by Listen and Serve after Close.
	ErrAcceptorClosed = errors.New("acceptor closed")
)

// Dispatcher attaches a decoded handshake to a session.
type Dispatcher interface {
	Dispatch(ctx context.Context, conn net.Conn, msg handshake.Message, leftover []byte) (session.Session, error)
}

// AcceptorConfig configures an Acceptor. Dispatcher is required.
type AcceptorConfig struct {
	Dispatcher       Dispatcher
	Gater            *Gater
	HandshakeTimeout time.Duration
	// MaxFrame bounds the first frame. Zero selects limits.MaxHandshakeFrame.
	MaxFrame int

	OnListening func(port int)
	OnClosed    func()
	OnError     func(err error)
	OnSession   func(s session.Session)
}

// Acceptor accepts inbound TCP connections, reads exactly one handshake
// frame from each and hands the socket to the dispatcher.
type Acceptor struct {
	cfg AcceptorConfig

	mu       sync.Mutex
	listener net.Listener
	port     int
	loopDone chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	sessions map[string]session.Session

	// handshakes in flight, keyed by connection id. Close cancels
	// shutdown, closes these sockets and waits for their goroutines.
	inFlight   map[string]net.Conn
	handshakes sync.WaitGroup
	shutdown   context.Context
	stopAll    context.CancelFunc
	closed     bool
}

// NewAcceptor creates an acceptor. A nil Gater admits every connection.
func NewAcceptor(cfg AcceptorConfig) (*Acceptor, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("acceptor requires a dispatcher")
	}
	if cfg.Gater == nil {
		g, err := NewGater(GaterConfig{})
		if err != nil {
			return nil, err
		}
		cfg.Gater = g
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = limits.MaxHandshakeFrame
	}
	shutdown, stopAll := context.WithCancel(context.Background())
	return &Acceptor{
		cfg:      cfg,
		sessions: make(map[string]session.Session),
		inFlight: make(map[string]net.Conn),
		shutdown: shutdown,
		stopAll:  stopAll,
	}, nil
}

// Listen binds port on all interfaces and starts accepting. Port zero picks
// a free port; Port reports the one bound.
func (a *Acceptor) Listen(ctx context.Context, port int) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	if err := a.Serve(ln); err != nil {
		_ = ln.Close()
		return err
	}
	return nil
}

// Serve starts accepting on an existing listener.
func (a *Acceptor) Serve(ln net.Listener) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrAcceptorClosed
	}
	if a.listener != nil {
		a.mu.Unlock()
		return ErrAlreadyListening
	}
	a.listener = ln
	a.port = listenerPort(ln)
	a.loopDone = make(chan struct{})
	a.ctx, a.cancel = context.WithCancel(context.Background())
	port, ctx, done := a.port, a.ctx, a.loopDone
	a.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Serve",
		"port":     port,
	}).Info("Peer server is listening")

	if a.cfg.OnListening != nil {
		a.cfg.OnListening(port)
	}

	go a.acceptLoop(ctx, ln, done)
	return nil
}

// acceptLoop accepts until the listener is closed. Temporary failures are
// retried with exponential backoff.
func (a *Acceptor) acceptLoop(ctx context.Context, ln net.Listener, done chan struct{}) {
	defer close(done)

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}

			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"error":    err.Error(),
				"retry_in": backoff.String(),
			}).Warn("Accept failed, retrying")
			a.emitError(fmt.Errorf("accept: %w", err))

			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return
			}
		}
		backoff = 0

		go a.handleConn(conn)
	}
}

// handleConn runs admission, the handshake and dispatch for one socket.
// It outlives Stop so a handshake in flight during a re-listen completes,
// but not Close.
func (a *Acceptor) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr()

	release, err := a.cfg.Gater.Admit(remote)
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues(rejectReason(err)).Inc()
		logrus.WithFields(logrus.Fields{
			"function": "handleConn",
			"remote":   addrString(remote),
			"reason":   err.Error(),
		}).Debug("Connection refused at admission")
		_ = conn.Close()
		return
	}

	id := uuid.NewString()
	if !a.beginHandshake(id, conn) {
		release()
		_ = conn.Close()
		return
	}
	defer a.handshakes.Done()

	start := time.Now()
	metrics.ConnectionsAccepted.Inc()
	metrics.ActiveHandshakes.Inc()

	ctx, cancel := context.WithTimeout(a.shutdown, a.cfg.HandshakeTimeout)
	sess, err := a.handshakeConn(ctx, id, conn)
	cancel()
	metrics.ActiveHandshakes.Dec()

	a.mu.Lock()
	delete(a.inFlight, id)
	a.mu.Unlock()

	if err != nil || sess == nil {
		release()
		return
	}
	metrics.HandshakeSeconds.Observe(time.Since(start).Seconds())

	if !a.track(id, sess, release) {
		return
	}
	if a.cfg.OnSession != nil {
		a.cfg.OnSession(sess)
	}
}

// beginHandshake registers conn as in flight. It reports false once Close
// has run.
func (a *Acceptor) beginHandshake(id string, conn net.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.inFlight[id] = conn
	a.handshakes.Add(1)
	return true
}

// handshakeConn reads the first frame, decodes it and dispatches the socket.
// It owns conn until Dispatch is called and closes it on every failure before that.
func (a *Acceptor) handshakeConn(ctx context.Context, id string, conn net.Conn) (session.Session, error) {
	fields := logrus.Fields{
		"function": "handshakeConn",
		"conn_id":  id,
		"remote":   addrString(conn.RemoteAddr()),
	}

	if err := conn.SetReadDeadline(time.Now().Add(a.cfg.HandshakeTimeout)); err != nil {
		_ = conn.Close()
		return nil, a.connError(id, conn, "set deadline", err)
	}

	r := framing.NewReassembler(a.cfg.MaxFrame)
	frame, err := r.ReadFrame(conn)
	if err != nil {
		metrics.HandshakeFailures.WithLabelValues(metrics.StageRead).Inc()
		_ = conn.Close()
		if errors.Is(err, io.EOF) {
			logrus.WithFields(fields).Debug("Connection closed before handshake")
			return nil, err
		}
		logrus.WithFields(fields).WithError(err).Warn("Handshake read failed")
		return nil, a.emitConnError(id, conn, "read handshake", err)
	}

	msg, err := handshake.Decode(frame)
	if err != nil {
		metrics.HandshakeFailures.WithLabelValues(metrics.StageDecode).Inc()
		logrus.WithFields(fields).WithError(err).Warn("Undecodable handshake")
		_ = conn.Close()
		return nil, a.emitConnError(id, conn, "decode handshake", err)
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, a.emitConnError(id, conn, "clear deadline", err)
	}

	leftover := r.Residue()
	sess, err := a.cfg.Dispatcher.Dispatch(ctx, conn, msg, leftover)
	if err != nil {
		metrics.HandshakeFailures.WithLabelValues(metrics.StageDispatch).Inc()
		if errors.Is(err, session.ErrNotImplemented) {
			return nil, err
		}
		logrus.WithFields(fields).WithError(err).Warn("Session dispatch failed")
		return nil, a.emitConnError(id, conn, "dispatch", err)
	}

	metrics.Handshakes.WithLabelValues(messageName(msg), sess.Role().String()).Inc()
	logrus.WithFields(fields).WithFields(logrus.Fields{
		"message":  messageName(msg),
		"role":     sess.Role().String(),
		"leftover": len(leftover),
	}).Debug("Handshake complete")
	return sess, nil
}

// track counts sess against the peer limit until it ends. A session that
// arrives after Close is closed instead and track reports false.
func (a *Acceptor) track(id string, sess session.Session, release func()) bool {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = sess.Close()
		release()
		logrus.WithFields(logrus.Fields{
			"function": "track",
			"conn_id":  id,
		}).Debug("Session dropped after close")
		return false
	}
	a.sessions[id] = sess
	a.mu.Unlock()

	role := sess.Role().String()
	metrics.ActiveSessions.WithLabelValues(role).Inc()

	go func() {
		<-sess.Done()
		a.mu.Lock()
		delete(a.sessions, id)
		a.mu.Unlock()
		metrics.ActiveSessions.WithLabelValues(role).Dec()
		release()
	}()
	return true
}

// Stop closes the listener and waits for the accept loop to exit. Sessions
// already attached are left running; see CloseSessions.
func (a *Acceptor) Stop() error {
	a.mu.Lock()
	ln, cancel, done := a.listener, a.cancel, a.loopDone
	a.listener = nil
	a.mu.Unlock()

	if ln == nil {
		return nil
	}
	cancel()
	err := ln.Close()
	<-done

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Peer server closed")

	if a.cfg.OnClosed != nil {
		a.cfg.OnClosed()
	}
	return err
}

// Close stops the listener, aborts handshakes still in flight, waits for
// them and closes every attached session. The acceptor cannot listen again.
func (a *Acceptor) Close() error {
	err := a.Stop()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return err
	}
	a.closed = true
	pending := make([]net.Conn, 0, len(a.inFlight))
	for _, conn := range a.inFlight {
		pending = append(pending, conn)
	}
	a.mu.Unlock()

	a.stopAll()
	for _, conn := range pending {
		_ = conn.Close()
	}
	a.handshakes.Wait()
	a.CloseSessions()
	return err
}

// CloseSessions closes every attached session.
func (a *Acceptor) CloseSessions() {
	a.mu.Lock()
	sessions := make([]session.Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
}

// Sessions returns the attached sessions.
func (a *Acceptor) Sessions() []session.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]session.Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, s)
	}
	return out
}

// Port returns the port bound by the last Listen.
func (a *Acceptor) Port() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.port
}

// Listening reports whether the accept loop is running.
func (a *Acceptor) Listening() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listener != nil
}

func (a *Acceptor) connError(id string, conn net.Conn, op string, err error) error {
	return &ConnError{ID: id, Remote: conn.RemoteAddr(), Op: op, Err: err}
}

func (a *Acceptor) emitConnError(id string, conn net.Conn, op string, err error) error {
	cerr := a.connError(id, conn, op, err)
	a.emitError(cerr)
	return cerr
}

func (a *Acceptor) emitError(err error) {
	if a.cfg.OnError != nil {
		a.cfg.OnError(err)
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrBanned):
		return metrics.ReasonBanned
	case errors.Is(err, ErrRateLimited):
		return metrics.ReasonRateLimit
	default:
		return metrics.ReasonCapacity
	}
}

func messageName(msg handshake.Message) string {
	switch msg.(type) {
	case handshake.PierceFirewall:
		return "pierce_firewall"
	case handshake.PeerInit:
		return "peer_init"
	default:
		return "unknown"
	}
}

func listenerPort(ln net.Listener) int {
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
