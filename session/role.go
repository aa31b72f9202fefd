package session

import (
	"fmt"

	"github.com/opd-ai/peergate/handshake"
)

// Role is the part a remote peer plays on a connection.
type Role byte

const (
	// RolePeer is an ordinary content-exchange peer.
	RolePeer Role = 'P'
	// RoleDistributed is a distributed search relay peer.
	RoleDistributed Role = 'D'
	// RoleTransfer is a file transfer peer. No session type exists for it.
	RoleTransfer Role = 'F'
)

// String returns the single-letter wire form of the role.
func (r Role) String() string {
	switch r {
	case RolePeer, RoleDistributed, RoleTransfer:
		return string(rune(r))
	default:
		return fmt.Sprintf("Role(%#x)", byte(r))
	}
}

// ParseRole converts the single-letter wire form into a Role.
func ParseRole(s string) (Role, error) {
	if len(s) != 1 {
		return 0, fmt.Errorf("invalid role %q", s)
	}
	switch r := Role(s[0]); r {
	case RolePeer, RoleDistributed, RoleTransfer:
		return r, nil
	default:
		return 0, fmt.Errorf("invalid role %q", s)
	}
}

// RoleFromConnType maps the connection type declared in a PeerInit to a Role.
func RoleFromConnType(c handshake.ConnType) Role {
	return Role(c)
}

// Direction records which side asked for the connection.
type Direction uint8

const (
	// Inbound means the remote peer opened the connection on its own (PeerInit).
	Inbound Direction = iota
	// Outbound means we asked the remote peer to connect to us (PierceFirewall).
	Outbound
)

// String returns a human-readable direction name.
func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return "unknown"
	}
}
