// Package limits provides centralized size constants and validation
// for the peer handshake. Every value read off an untrusted socket before a
// session takes ownership of it is checked against these limits.
//
// # Size Hierarchy
//
//   - MaxHandshakeFrame (4096 bytes): the largest first frame an inbound
//     connection may declare. A PierceFirewall frame is 5 bytes and a PeerInit
//     frame is 10 bytes plus the username, so anything above this is either a
//     protocol violation or an attempt to make the gateway buffer garbage.
//
//   - MaxProcessingBuffer (1MB): the absolute maximum for any frame a session
//     reassembles after handoff.
//
// # Validation
//
//	if err := limits.ValidateFrameLength(length, limits.MaxHandshakeFrame); err != nil {
//	    // ErrFrameTooLarge
//	}
//
// # Security Considerations
//
// The length prefix is read before any payload byte arrives, so a peer can
// declare a length of up to 4GiB with only four bytes. Validating the declared
// length immediately is what keeps a single connection from pinning memory
// while it waits for a payload that will never come.
package limits
