// Package peergate implements the inbound connection gateway of a peer in a
// legacy peer-to-peer file-sharing network.
//
// A Server makes the node reachable from the public network, accepts TCP
// connections from other peers, reads each connection's first length-prefixed
// frame and turns the socket into a typed peer session.
//
// # Getting Started
//
//	options := peergate.NewOptions()
//	options.Prober = reachability.NewHTTPProber("https://portcheck.example/{port}")
//	options.Mapper = nat.NewChain(nat.NewPMP(nil), nat.NewUPnP())
//
//	server, err := peergate.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer server.Close()
//
//	server.OnSession(func(s session.Session) {
//	    fmt.Printf("%s peer %q connected (token %d)\n", s.Role(), s.Username(), s.Token())
//	})
//
//	state, err := server.Start(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("reachable on external port", state.ExternalPort)
//
// # Handshake
//
// Every frame on the wire is a little-endian uint32 length followed by that
// many payload bytes. The first frame of an inbound connection is one of:
//
//   - PierceFirewall: the remote peer completes a connection this node asked
//     it to open. Its token is looked up in the Registry to learn whether an
//     ordinary or distributed session was wanted; unknown tokens get an
//     ordinary session.
//   - PeerInit: the remote peer opens a connection on its own and declares
//     its username and connection type.
//
// Bytes that arrive after the first frame are handed to the session
// unchanged, so a message sent in the same packet as the handshake is not lost.
//
// # Reachability
//
// Start binds the preferred port (or a free one), checks with Options.Prober
// that outside peers can connect, and if not stops the listener, asks
// Options.Mapper for a router port mapping, listens again behind the mapping
// and re-checks. The mapping is renewed while the server runs and removed by
// Close.
//
// # Admission
//
// Connections from banned networks, hosts over the connection rate limit and
// connections beyond MaxPeers are closed before any byte is read. A peer has
// HandshakeTimeout to send its first frame.
//
// # Packages
//
//   - [github.com/opd-ai/peergate/framing]: length-prefixed frame reassembly
//   - [github.com/opd-ai/peergate/handshake]: PierceFirewall and PeerInit codec
//   - [github.com/opd-ai/peergate/session]: role dispatch and the baseline session
//   - [github.com/opd-ai/peergate/transport]: acceptor and admission control
//   - [github.com/opd-ai/peergate/reachability]: listen, probe, map, re-probe
//   - [github.com/opd-ai/peergate/nat]: NAT-PMP and UPnP port mapping
//   - [github.com/opd-ai/peergate/registry]: pending outbound requests
//   - [github.com/opd-ai/peergate/config]: TOML configuration
//   - [github.com/opd-ai/peergate/metrics]: Prometheus collectors
package peergate
