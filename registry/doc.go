// Package registry records the connections this node has asked remote peers
// to open back to it.
//
// When a direct outbound connection fails, the client asks the server to
// tell the remote peer to connect to us instead and remembers the token and
// the role it wanted. When the remote peer arrives with a PierceFirewall, the
// session dispatcher looks the token up here to learn which kind of session
// to build.
//
// Two backends are provided: Memory, a bounded LRU with per-entry expiry for
// a single process, and Redis, for several gateway processes sharing one
// client identity.
package registry
