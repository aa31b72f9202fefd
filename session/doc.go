// Package session turns a decoded handshake into a live peer session.
//
// The Dispatcher resolves which role an inbound connection plays, builds the
// session through a single Factory, initializes it, has it answer with its
// own pierce-firewall message and then hands it every byte the acceptor had
// already read past the handshake frame. From that point the session is the
// only reader of the socket.
//
// Role selection:
//
//	PierceFirewall -> role recorded for the token in the pending registry,
//	                  RolePeer when the token is unknown; direction Outbound
//	PeerInit       -> role declared by the peer; direction Inbound
//	'F' (transfer) -> ErrNotImplemented, the socket is closed
//
// Peer is the baseline Session. It frames its own replies and feeds every
// subsequent frame to a Handler, which is where the rest of the protocol's
// message vocabulary plugs in.
package session
