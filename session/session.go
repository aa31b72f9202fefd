package session

import (
	"context"
	"errors"
	"net"
)

// ErrNotImplemented is returned for connection roles without a session type.
var ErrNotImplemented = errors.New("connection type not implemented")

// Session is a peer connection after the handshake.
type Session interface {
	// Init prepares the session. Returning nil is the "initialized" signal
	// the dispatcher waits for before anything is written or handed off.
	Init(ctx context.Context) error
	// PierceFirewall sends this node's pierce-firewall message for the session token.
	PierceFirewall() error
	// Handoff gives the session the bytes already read past the handshake
	// frame and makes it the only reader of the socket. Called exactly once.
	Handoff(leftover []byte)
	// Done is closed when the session has ended.
	Done() <-chan struct{}
	Close() error

	Role() Role
	Direction() Direction
	Token() uint32
	Username() string
	RemoteAddr() net.Addr
}

// Handler receives every frame a session reassembles after handoff.
// Returning an error closes the session.
type Handler interface {
	HandleFrame(s Session, payload []byte) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(s Session, payload []byte) error

// HandleFrame calls f(s, payload).
func (f HandlerFunc) HandleFrame(s Session, payload []byte) error {
	return f(s, payload)
}

// Params is everything a Factory needs to build a session.
type Params struct {
	Conn      net.Conn
	Role      Role
	Direction Direction
	Token     uint32
	Username  string
	Handler   Handler
}

// Factory builds the session for a role. It is the single place role
// dispatch happens; it must return ErrNotImplemented for roles it cannot serve.
type Factory func(p Params) (Session, error)

// NewSession is the default Factory. Ordinary and distributed peers share the
// Peer implementation and differ only by role tag; transfer peers are refused.
func NewSession(p Params) (Session, error) {
	switch p.Role {
	case RolePeer, RoleDistributed:
		return NewPeer(p), nil
	case RoleTransfer:
		return nil, ErrNotImplemented
	default:
		return nil, errors.New("unknown role " + p.Role.String())
	}
}
