package registry

import (
	"context"
	"errors"
	"time"

	"github.com/opd-ai/peergate/session"
)

// DefaultTTL is how long a pending request is remembered.
const DefaultTTL = 5 * time.Minute

// ErrInvalidRole indicates an attempt to record a role that is not P, D or F.
var ErrInvalidRole = errors.New("invalid pending role")

// Registry stores pending outbound connection requests keyed by token.
type Registry interface {
	session.PendingLookup
	Put(ctx context.Context, token uint32, role session.Role) error
	Delete(ctx context.Context, token uint32) error
}

func validRole(r session.Role) bool {
	_, err := session.ParseRole(r.String())
	return err == nil
}
