// Package reachability makes sure the peer listening port can be reached
// from the public network before the node starts serving.
//
// Negotiator runs a fixed pipeline once at startup:
//
//	AcquirePort -> Listen -> ProbeDirect -> Ready
//	                              |
//	                              +-> FallbackMap -> ProbeMapped -> Ready
//
// A direct listen that an external probe confirms is used as is. Otherwise
// the listener is stopped, the router is asked for a port mapping and the
// listener is reopened on the mapped internal port, which must then pass the
// probe on its external port. There is exactly one fallback and no retry;
// every failure is reported through OnError and returned as a *StepError
// naming the step that failed.
package reachability
