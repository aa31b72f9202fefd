// Package limits provides centralized size limits for the peer handshake.
// This ensures consistent validation across the acceptor and sessions.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxHandshakeFrame is the largest payload accepted as the first frame
	// of an inbound connection.
	MaxHandshakeFrame = 4096

	// MaxProcessingBuffer is the absolute maximum for any frame after handoff
	// This prevents memory exhaustion attacks (1MB limit)
	MaxProcessingBuffer = 1024 * 1024

	// LengthPrefixSize is the size of the little-endian frame length prefix.
	LengthPrefixSize = 4
)

var (
	// ErrFrameTooLarge indicates a declared frame length exceeds the limit
	ErrFrameTooLarge = errors.New("frame too large")
)

// ValidateFrameLength validates a declared frame length against maxSize.
// Returns an error with context including the declared and maximum sizes.
func ValidateFrameLength(length uint32, maxSize int) error {
	if uint64(length) > uint64(maxSize) {
		return fmt.Errorf("%w: declared length %d exceeds limit %d", ErrFrameTooLarge, length, maxSize)
	}
	return nil
}
