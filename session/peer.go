package session

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/peergate/framing"
	"github.com/opd-ai/peergate/handshake"
	"github.com/sirupsen/logrus"
)

// DefaultWriteTimeout bounds every frame a Peer writes.
const DefaultWriteTimeout = 5 * time.Second

// Peer is the baseline session for ordinary and distributed peers.
type Peer struct {
	conn      net.Conn
	role      Role
	direction Direction
	token     uint32
	username  string
	handler   Handler

	reassembler  *framing.Reassembler
	writeTimeout time.Duration
	writeMu      sync.Mutex

	mu        sync.Mutex
	handedOff bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewPeer creates a Peer from dispatcher parameters.
func NewPeer(p Params) *Peer {
	return &Peer{
		conn:         p.Conn,
		role:         p.Role,
		direction:    p.Direction,
		token:        p.Token,
		username:     p.Username,
		handler:      p.Handler,
		reassembler:  framing.NewReassembler(0),
		writeTimeout: DefaultWriteTimeout,
		done:         make(chan struct{}),
	}
}

// Init marks the peer connected. TCP connections get keepalives so a
// vanished peer eventually surfaces as a read error.
func (p *Peer) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if tcp, ok := p.conn.(*net.TCPConn); ok {
		if err := tcp.SetKeepAlive(true); err != nil {
			return err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Peer.Init",
		"remote":    addrString(p.conn.RemoteAddr()),
		"role":      p.role.String(),
		"direction": p.direction.String(),
		"token":     p.token,
		"username":  p.username,
	}).Debug("Peer session initialized")

	return nil
}

// PierceFirewall writes this node's pierce-firewall frame for the session token.
func (p *Peer) PierceFirewall() error {
	payload, err := handshake.Encode(handshake.PierceFirewall{Token: p.token})
	if err != nil {
		return err
	}
	return p.Send(payload)
}

// Send writes one framed payload to the peer.
func (p *Peer) Send(payload []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
		return err
	}
	if err := framing.WriteFrame(p.conn, payload); err != nil {
		p.closeWithError(err)
		return err
	}
	return nil
}

// Handoff seeds the session's reassembler with leftover and starts reading.
func (p *Peer) Handoff(leftover []byte) {
	p.mu.Lock()
	if p.handedOff {
		p.mu.Unlock()
		return
	}
	p.handedOff = true
	p.mu.Unlock()

	if err := p.reassembler.Feed(leftover); err != nil {
		p.closeWithError(err)
		return
	}
	go p.readLoop()
}

// readLoop delivers frames to the handler until the connection ends.
func (p *Peer) readLoop() {
	for {
		frame, err := p.reassembler.ReadFrame(p.conn)
		if err != nil {
			p.closeWithError(err)
			return
		}
		if p.handler == nil {
			continue
		}
		if err := p.handler.HandleFrame(p, frame); err != nil {
			p.closeWithError(err)
			return
		}
	}
}

func (p *Peer) closeWithError(err error) {
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		logrus.WithFields(logrus.Fields{
			"function": "Peer.closeWithError",
			"remote":   addrString(p.conn.RemoteAddr()),
			"role":     p.role.String(),
			"error":    err.Error(),
		}).Debug("Closing peer session")
	}
	_ = p.Close()
}

// Done is closed once the session has been closed.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Close closes the connection. It is safe to call more than once.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.conn.Close()
		close(p.done)
	})
	return err
}

// Role implements Session.
func (p *Peer) Role() Role { return p.role }

// Direction implements Session.
func (p *Peer) Direction() Direction { return p.direction }

// Token implements Session.
func (p *Peer) Token() uint32 { return p.token }

// Username implements Session.
func (p *Peer) Username() string { return p.username }

// RemoteAddr implements Session.
func (p *Peer) RemoteAddr() net.Addr { return p.conn.RemoteAddr() }

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
