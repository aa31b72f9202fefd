// Package config loads the gateway's TOML configuration file and turns it
// into peergate.Options.
//
// Durations are written as Go duration strings ("30s", "2h") and parsed
// after decoding. Unknown keys are rejected so typos surface at startup.
package config
