// Package metrics holds the Prometheus collectors exported by the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{Name: "peergate_connections_accepted_total", Help: "Inbound connections admitted to the handshake"})
	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{Name: "peergate_connections_rejected_total", Help: "Inbound connections refused at accept time by reason"}, []string{"reason"})
	Handshakes          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "peergate_handshakes_total", Help: "Decoded handshakes by message and role"}, []string{"message", "role"})
	HandshakeFailures   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "peergate_handshake_failures_total", Help: "Connections dropped before a session was attached, by stage"}, []string{"stage"})
	ActiveHandshakes    = promauto.NewGauge(prometheus.GaugeOpts{Name: "peergate_active_handshakes", Help: "Connections waiting for their first frame"})
	ActiveSessions      = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "peergate_active_sessions", Help: "Attached peer sessions by role"}, []string{"role"})
	HandshakeSeconds    = promauto.NewHistogram(prometheus.HistogramOpts{Name: "peergate_handshake_duration_seconds", Help: "Time from accept to session attach", Buckets: prometheus.ExponentialBuckets(0.001, 2, 16)})
	Negotiations        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "peergate_negotiations_total", Help: "Reachability negotiation outcomes by final step"}, []string{"step", "result"})
	Reachable           = promauto.NewGauge(prometheus.GaugeOpts{Name: "peergate_reachable", Help: "1 when the listening port was verified reachable from outside"})
	PortMappings        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "peergate_port_mappings_total", Help: "NAT port mapping attempts by backend and result"}, []string{"backend", "result"})
)

// Reject reasons.
const (
	ReasonBanned    = "banned"
	ReasonRateLimit = "rate_limit"
	ReasonCapacity  = "capacity"
)

// Handshake failure stages.
const (
	StageRead     = "read"
	StageDecode   = "decode"
	StageDispatch = "dispatch"
)

// Result labels.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// SetReachable records the reachability gauge.
func SetReachable(ok bool) {
	if ok {
		Reachable.Set(1)
		return
	}
	Reachable.Set(0)
}
