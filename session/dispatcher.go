package session

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/opd-ai/peergate/handshake"
	"github.com/sirupsen/logrus"
)

// PendingLookup resolves the role recorded when this node asked a remote
// peer to connect back with token. The dispatcher never writes to it.
type PendingLookup interface {
	Lookup(ctx context.Context, token uint32) (Role, bool, error)
}

// Dispatcher turns a decoded handshake into an initialized, handed-off session.
type Dispatcher struct {
	pending PendingLookup
	factory Factory
	handler Handler
}

// NewDispatcher creates a dispatcher. A nil factory selects NewSession; a
// nil pending lookup treats every token as unknown.
func NewDispatcher(pending PendingLookup, factory Factory, handler Handler) *Dispatcher {
	if factory == nil {
		factory = NewSession
	}
	return &Dispatcher{
		pending: pending,
		factory: factory,
		handler: handler,
	}
}

// Dispatch builds the session for msg and transfers conn and leftover to it.
//
// On success the returned session has been initialized, has sent its
// pierce-firewall message and owns conn. On failure conn has been closed.
// A PeerInit for a transfer connection returns ErrNotImplemented.
func (d *Dispatcher) Dispatch(ctx context.Context, conn net.Conn, msg handshake.Message, leftover []byte) (Session, error) {
	params, err := d.resolve(ctx, conn, msg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	params.Conn = conn
	params.Handler = d.handler

	sess, err := d.factory(params)
	if err != nil {
		if errors.Is(err, ErrNotImplemented) {
			logrus.WithFields(logrus.Fields{
				"function": "Dispatch",
				"remote":   addrString(conn.RemoteAddr()),
				"role":     params.Role.String(),
				"token":    params.Token,
			}).Info("Connection type not implemented, dropping connection")
		}
		_ = conn.Close()
		return nil, err
	}

	if err := sess.Init(ctx); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("session init: %w", err)
	}

	if err := sess.PierceFirewall(); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("pierce firewall reply: %w", err)
	}

	sess.Handoff(leftover)

	logrus.WithFields(logrus.Fields{
		"function":  "Dispatch",
		"remote":    addrString(conn.RemoteAddr()),
		"role":      params.Role.String(),
		"direction": params.Direction.String(),
		"token":     params.Token,
		"username":  params.Username,
		"leftover":  len(leftover),
	}).Info("Peer session attached")

	return sess, nil
}

// resolve picks role, direction, token and username for msg.
func (d *Dispatcher) resolve(ctx context.Context, conn net.Conn, msg handshake.Message) (Params, error) {
	switch m := msg.(type) {
	case handshake.PierceFirewall:
		return Params{
			Role:      d.lookupRole(ctx, conn, m.Token),
			Direction: Outbound,
			Token:     m.Token,
		}, nil
	case handshake.PeerInit:
		role := RoleFromConnType(m.ConnType)
		if role == RoleDistributed {
			logrus.WithFields(logrus.Fields{
				"function": "Dispatch",
				"username": m.Username,
			}).Debug("Distributed peer connected, potentially a child")
		}
		return Params{
			Role:      role,
			Direction: Inbound,
			Token:     m.Token,
			Username:  m.Username,
		}, nil
	default:
		return Params{}, fmt.Errorf("unsupported handshake message %T", msg)
	}
}

// lookupRole returns the pending role for token, defaulting to RolePeer.
func (d *Dispatcher) lookupRole(ctx context.Context, conn net.Conn, token uint32) Role {
	fields := logrus.Fields{
		"function": "lookupRole",
		"remote":   addrString(conn.RemoteAddr()),
		"token":    token,
	}

	if d.pending == nil {
		logrus.WithFields(fields).Warn("No pending registry, defaulting to ordinary peer")
		return RolePeer
	}

	role, ok, err := d.pending.Lookup(ctx, token)
	if err != nil {
		logrus.WithFields(fields).WithError(err).Warn("Pending registry lookup failed, defaulting to ordinary peer")
		return RolePeer
	}
	if !ok {
		logrus.WithFields(fields).Info("Peer pierced firewall without a pending request, defaulting to ordinary peer")
		return RolePeer
	}
	return role
}
