package handshake

import (
	"errors"
	"fmt"
)

// Encode serializes a handshake message into a frame payload (message id
// plus body, without the length prefix).
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("handshake message cannot be nil")
	}

	w := &writer{buf: make([]byte, 0, 16)}
	w.uint8(byte(msg.ID()))

	switch m := msg.(type) {
	case PierceFirewall:
		w.uint32(m.Token)
	case PeerInit:
		if !m.ConnType.Valid() {
			return nil, fmt.Errorf("invalid connection type %s", m.ConnType)
		}
		if err := w.string(m.Username); err != nil {
			return nil, err
		}
		w.uint8(byte(m.ConnType))
		w.uint32(m.Token)
	default:
		return nil, fmt.Errorf("unsupported handshake message %T", msg)
	}

	return w.buf, nil
}
