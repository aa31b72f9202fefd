package handshake

import "fmt"

// MessageID identifies a handshake message on the wire.
type MessageID byte

const (
	// MsgPeerInit opens an unsolicited connection.
	MsgPeerInit MessageID = 0x00
	// MsgPierceFirewall completes a connection this node requested.
	MsgPierceFirewall MessageID = 0x01
)

// String returns a human-readable name for the message id.
func (id MessageID) String() string {
	switch id {
	case MsgPeerInit:
		return "PeerInit"
	case MsgPierceFirewall:
		return "PierceFirewall"
	default:
		return fmt.Sprintf("MessageID(%d)", byte(id))
	}
}

// ConnType is the connection role declared in a PeerInit.
type ConnType byte

const (
	// ConnPeer is an ordinary content-exchange peer connection.
	ConnPeer ConnType = 'P'
	// ConnDistributed is a distributed search relay connection.
	ConnDistributed ConnType = 'D'
	// ConnTransfer is a file transfer connection.
	ConnTransfer ConnType = 'F'
)

// Valid reports whether c is one of the three known connection types.
func (c ConnType) Valid() bool {
	return c == ConnPeer || c == ConnDistributed || c == ConnTransfer
}

// String returns the single-letter wire form.
func (c ConnType) String() string {
	if c.Valid() {
		return string(rune(c))
	}
	return fmt.Sprintf("ConnType(%#x)", byte(c))
}

// Message is a decoded handshake. It is implemented by PierceFirewall and PeerInit.
type Message interface {
	ID() MessageID
	ConnToken() uint32
}

// PierceFirewall is sent by a remote peer that is completing a connection
// we asked it to open.
type PierceFirewall struct {
	Token uint32
}

// ID implements Message.
func (PierceFirewall) ID() MessageID { return MsgPierceFirewall }

// ConnToken implements Message.
func (m PierceFirewall) ConnToken() uint32 { return m.Token }

// PeerInit is sent by a remote peer opening a connection on its own.
type PeerInit struct {
	Username string
	ConnType ConnType
	Token    uint32
}

// ID implements Message.
func (PeerInit) ID() MessageID { return MsgPeerInit }

// ConnToken implements Message.
func (m PeerInit) ConnToken() uint32 { return m.Token }
