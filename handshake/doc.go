// Package handshake decodes and encodes the two messages that may open an
// inbound peer connection.
//
// The first frame on a freshly accepted socket carries a one-byte message id
// followed by a little-endian body:
//
//	PierceFirewall := id(0x01) token:uint32
//	PeerInit       := id(0x00) username:string connType:uint8 token:uint32
//	string         := length:uint32 bytes[length]
//
// A PierceFirewall completes a connection this node asked a remote peer to
// open back to it. A PeerInit is an unsolicited connection and declares the
// role the remote peer wants: 'P' for an ordinary peer, 'D' for a
// distributed (search relay) peer, or 'F' for a file transfer.
//
// Decode never touches the network and never mutates anything; a frame it
// cannot understand is returned wrapped in a *DecodeError so the caller that
// owns the socket decides what happens next:
//
//	msg, err := handshake.Decode(frame)
//	var decErr *handshake.DecodeError
//	if errors.As(err, &decErr) {
//	    log.Printf("bad handshake %x", decErr.Frame)
//	}
package handshake
