// Package transport accepts inbound peer connections and runs each one
// through the handshake before handing it to a session.
//
// # Architecture
//
// An Acceptor owns one TCP listener. Every accepted connection is first
// checked by a Gater, which refuses banned addresses, hosts that connect too
// often and connections beyond the peer limit. Admitted connections get a
// handshake deadline; the first frame is read with a framing.Reassembler,
// decoded with handshake.Decode and passed to a Dispatcher together with any
// bytes that arrived after it:
//
//	acceptor, err := transport.NewAcceptor(transport.AcceptorConfig{
//	    Dispatcher: session.NewDispatcher(pending, nil, handler),
//	    Gater:      gater,
//	    OnError:    func(err error) { log.Println(err) },
//	})
//	if err := acceptor.Listen(ctx, 2234); err != nil {
//	    return err
//	}
//	defer acceptor.Close()
//
// # Admission
//
// The Gater enforces three rules in order:
//
//   - Ban list: CIDR blocks or single addresses, checked first
//   - Rate limit: a golang.org/x/time/rate limiter per remote IP; full
//     buckets are swept
//   - Capacity: handshakes in progress plus attached sessions
//
// The release function returned by Admit is called once the connection's
// session ends, or immediately if the handshake fails.
//
// # Errors
//
// Failures tied to one connection are reported through OnError as
// *ConnError and never stop the accept loop. A peer that closes the
// connection before sending anything is not reported. Temporary Accept
// errors are retried with exponential backoff.
//
// # Lifecycle
//
// Stop closes the listener and fires OnClosed. Handshakes already in flight
// finish under their own deadline, and attached sessions stay open until
// CloseSessions. The same Acceptor can Listen again after Stop.
//
// Close is final: it stops the listener, cancels and closes handshakes in
// flight, waits for them and closes every session. A session a dispatcher
// returns after Close is closed rather than attached.
package transport
