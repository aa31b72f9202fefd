package session

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/peergate/framing"
	"github.com/opd-ai/peergate/handshake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapPending is an in-memory PendingLookup.
type mapPending struct {
	roles   map[uint32]Role
	err     error
	lookups int
}

func (m *mapPending) Lookup(_ context.Context, token uint32) (Role, bool, error) {
	m.lookups++
	if m.err != nil {
		return 0, false, m.err
	}
	r, ok := m.roles[token]
	return r, ok, nil
}

// frameCollector is a Handler that records every frame it is given.
type frameCollector struct {
	mu     sync.Mutex
	frames [][]byte
	got    chan struct{}
}

func newFrameCollector() *frameCollector {
	return &frameCollector{got: make(chan struct{}, 16)}
}

func (c *frameCollector) HandleFrame(_ Session, payload []byte) error {
	c.mu.Lock()
	c.frames = append(c.frames, payload)
	c.mu.Unlock()
	c.got <- struct{}{}
	return nil
}

func (c *frameCollector) wait(t *testing.T) []byte {
	t.Helper()
	select {
	case <-c.got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[len(c.frames)-1]
}

// remoteReader reads frames written by the local session on the remote end of a pipe.
func remoteReader(t *testing.T, remote net.Conn) <-chan []byte {
	t.Helper()
	out := make(chan []byte, 4)
	go func() {
		defer close(out)
		r := framing.NewReassembler(0)
		for {
			frame, err := r.ReadFrame(remote)
			if err != nil {
				return
			}
			out <- frame
		}
	}()
	return out
}

func expectPierceReply(t *testing.T, frames <-chan []byte, token uint32) {
	t.Helper()
	select {
	case frame := <-frames:
		msg, err := handshake.Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, handshake.PierceFirewall{Token: token}, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no pierce firewall reply")
	}
}

func TestDispatchPierceFirewallKnownToken(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	replies := remoteReader(t, remote)

	pending := &mapPending{roles: map[uint32]Role{42: RoleDistributed}}
	d := NewDispatcher(pending, nil, nil)

	sess, err := d.Dispatch(context.Background(), local, handshake.PierceFirewall{Token: 42}, nil)
	require.NoError(t, err)
	defer sess.Close()

	assert.Equal(t, RoleDistributed, sess.Role())
	assert.Equal(t, Outbound, sess.Direction())
	assert.Equal(t, uint32(42), sess.Token())
	assert.Empty(t, sess.Username())
	assert.Equal(t, 1, pending.lookups)
	expectPierceReply(t, replies, 42)
}

func TestDispatchPierceFirewallDefaultsToPeer(t *testing.T) {
	tests := []struct {
		name    string
		pending PendingLookup
	}{
		{"unknown token", &mapPending{roles: map[uint32]Role{}}},
		{"registry error", &mapPending{err: errors.New("registry down")}},
		{"no registry", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local, remote := net.Pipe()
			defer remote.Close()
			replies := remoteReader(t, remote)

			d := NewDispatcher(tt.pending, nil, nil)
			sess, err := d.Dispatch(context.Background(), local, handshake.PierceFirewall{Token: 42}, nil)
			require.NoError(t, err)
			defer sess.Close()

			assert.Equal(t, RolePeer, sess.Role())
			assert.Equal(t, Outbound, sess.Direction())
			expectPierceReply(t, replies, 42)
		})
	}
}

func TestDispatchPeerInit(t *testing.T) {
	tests := []struct {
		name     string
		connType handshake.ConnType
		wantRole Role
	}{
		{"ordinary", handshake.ConnPeer, RolePeer},
		{"distributed", handshake.ConnDistributed, RoleDistributed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local, remote := net.Pipe()
			defer remote.Close()
			replies := remoteReader(t, remote)

			pending := &mapPending{}
			d := NewDispatcher(pending, nil, nil)
			msg := handshake.PeerInit{Username: "alice", ConnType: tt.connType, Token: 7}

			sess, err := d.Dispatch(context.Background(), local, msg, nil)
			require.NoError(t, err)
			defer sess.Close()

			assert.Equal(t, tt.wantRole, sess.Role())
			assert.Equal(t, Inbound, sess.Direction())
			assert.Equal(t, uint32(7), sess.Token())
			assert.Equal(t, "alice", sess.Username())
			assert.Zero(t, pending.lookups, "peer init must not consult the registry")
			expectPierceReply(t, replies, 7)
		})
	}
}

func TestDispatchTransferNotImplemented(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	calls := 0
	factory := func(p Params) (Session, error) {
		calls++
		return NewSession(p)
	}
	d := NewDispatcher(&mapPending{}, factory, nil)

	msg := handshake.PeerInit{Username: "carol", ConnType: handshake.ConnTransfer, Token: 3}
	sess, err := d.Dispatch(context.Background(), local, msg, nil)

	assert.Nil(t, sess)
	assert.True(t, errors.Is(err, ErrNotImplemented))
	assert.Equal(t, 1, calls)

	// The socket is abandoned: the remote end sees it closed.
	_ = remote.SetReadDeadline(time.Now().Add(time.Second))
	_, rerr := remote.Read(make([]byte, 1))
	assert.Equal(t, io.EOF, rerr)
}

func TestDispatchHandsOffLeftover(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	replies := remoteReader(t, remote)

	collector := newFrameCollector()
	d := NewDispatcher(&mapPending{}, nil, collector)

	// A complete next frame plus the prefix and first byte of the one after it.
	leftover := framing.AppendFrame(nil, []byte{0x04, 0xAA, 0xBB})
	leftover = append(leftover, 0x02, 0x00, 0x00, 0x00, 0xCC)

	sess, err := d.Dispatch(context.Background(), local, handshake.PierceFirewall{Token: 1}, leftover)
	require.NoError(t, err)
	defer sess.Close()
	expectPierceReply(t, replies, 1)

	assert.Equal(t, []byte{0x04, 0xAA, 0xBB}, collector.wait(t))

	// The rest of the split frame arrives later on the socket.
	_, err = remote.Write([]byte{0xDD})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xCC, 0xDD}, collector.wait(t))
}

type failingSession struct {
	*Peer
	initErr error
	closed  bool
}

func (f *failingSession) Init(context.Context) error { return f.initErr }

func (f *failingSession) Close() error {
	f.closed = true
	return f.Peer.Close()
}

func TestDispatchInitFailureClosesSession(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	var built *failingSession
	factory := func(p Params) (Session, error) {
		built = &failingSession{Peer: NewPeer(p), initErr: errors.New("init failed")}
		return built, nil
	}
	d := NewDispatcher(&mapPending{}, factory, nil)

	sess, err := d.Dispatch(context.Background(), local, handshake.PierceFirewall{Token: 5}, nil)
	assert.Nil(t, sess)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session init")
	require.NotNil(t, built)
	assert.True(t, built.closed)
}

func TestDispatchCancelledContext(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDispatcher(&mapPending{}, nil, nil)
	sess, err := d.Dispatch(ctx, local, handshake.PeerInit{Username: "x", ConnType: handshake.ConnPeer}, nil)
	assert.Nil(t, sess)
	assert.True(t, errors.Is(err, context.Canceled))
}
