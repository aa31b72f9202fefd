package handshake

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyFrame indicates a frame with no message id
	ErrEmptyFrame = errors.New("empty handshake frame")
	// ErrUnknownMessage indicates the message id is not a handshake message
	ErrUnknownMessage = errors.New("unknown handshake message")
	// ErrMalformedBody indicates the body does not parse for its message id
	ErrMalformedBody = errors.New("malformed handshake body")
)

// DecodeError carries the raw frame that could not be decoded.
type DecodeError struct {
	Frame []byte
	Err   error
}

func (e *DecodeError) Error() string {
	if len(e.Frame) == 0 {
		return fmt.Sprintf("handshake decode: %v", e.Err)
	}
	return fmt.Sprintf("handshake decode (id %d, %d bytes): %v", e.Frame[0], len(e.Frame), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type decodeFunc func(r *reader) (Message, error)

// fromPeer is the decode table for messages a peer may open a connection with.
var fromPeer = map[MessageID]decodeFunc{
	MsgPierceFirewall: decodePierceFirewall,
	MsgPeerInit:       decodePeerInit,
}

// Decode parses the payload of the first frame of an inbound connection.
// The frame does not include the length prefix. The returned error, if any,
// is always a *DecodeError holding a copy of frame.
func Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return nil, newDecodeError(frame, ErrEmptyFrame)
	}

	id := MessageID(frame[0])
	decode, ok := fromPeer[id]
	if !ok {
		return nil, newDecodeError(frame, fmt.Errorf("%w: %s", ErrUnknownMessage, id))
	}

	r := &reader{data: frame, offset: 1}
	msg, err := decode(r)
	if err != nil {
		return nil, newDecodeError(frame, fmt.Errorf("%w: %s: %v", ErrMalformedBody, id, err))
	}
	if r.remaining() != 0 {
		return nil, newDecodeError(frame, fmt.Errorf("%w: %s: %d trailing bytes", ErrMalformedBody, id, r.remaining()))
	}
	return msg, nil
}

func newDecodeError(frame []byte, err error) *DecodeError {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	return &DecodeError{Frame: cp, Err: err}
}

func decodePierceFirewall(r *reader) (Message, error) {
	token, err := r.uint32()
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	return PierceFirewall{Token: token}, nil
}

func decodePeerInit(r *reader) (Message, error) {
	username, err := r.string()
	if err != nil {
		return nil, fmt.Errorf("username: %w", err)
	}

	ct, err := r.uint8()
	if err != nil {
		return nil, fmt.Errorf("connection type: %w", err)
	}
	connType := ConnType(ct)
	if !connType.Valid() {
		return nil, fmt.Errorf("invalid connection type %s", connType)
	}

	token, err := r.uint32()
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}

	return PeerInit{Username: username, ConnType: connType, Token: token}, nil
}
