package reachability

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// FreePortAcquirer returns the preferred port when it can be bound and an
// OS-assigned free port otherwise.
type FreePortAcquirer struct{}

// Acquire checks preferred by binding and releasing it.
func (FreePortAcquirer) Acquire(ctx context.Context, preferred int) (int, error) {
	if preferred > 0 {
		if port, err := tryBind(ctx, preferred); err == nil {
			return port, nil
		}
	}
	return tryBind(ctx, 0)
}

func tryBind(ctx context.Context, port int) (int, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return 0, err
	}
	defer ln.Close()

	tcp, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected listener address %s", ln.Addr())
	}
	return tcp.Port, nil
}
