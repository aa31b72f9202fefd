package transport

import (
	"fmt"
	"net"
)

// ConnError is a failure confined to one inbound connection. It never stops
// the accept loop.
type ConnError struct {
	ID     string
	Remote net.Addr
	Op     string
	Err    error
}

func (e *ConnError) Error() string {
	remote := "<nil>"
	if e.Remote != nil {
		remote = e.Remote.String()
	}
	return fmt.Sprintf("connection %s from %s: %s: %v", e.ID, remote, e.Op, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}
