package framing

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/opd-ai/peergate/limits"
)

// DefaultReadSize is the chunk size used by ReadFrame.
const DefaultReadSize = 4096

// Reassembler turns an ordered byte stream into discrete frames.
// It is not safe for concurrent use; one connection owns one Reassembler.
type Reassembler struct {
	buf       []byte
	length    uint32
	hasLength bool
	maxLength int
	chunk     []byte
}

// NewReassembler creates a reassembler that rejects declared lengths above maxLength.
// A maxLength of zero or less selects limits.MaxProcessingBuffer.
func NewReassembler(maxLength int) *Reassembler {
	if maxLength <= 0 {
		maxLength = limits.MaxProcessingBuffer
	}
	return &Reassembler{maxLength: maxLength}
}

// Feed appends a chunk in arrival order. It returns limits.ErrFrameTooLarge
// (wrapped) as soon as a declared length exceeds the configured maximum; the
// stream cannot be resynchronized after that.
func (r *Reassembler) Feed(chunk []byte) error {
	r.buf = append(r.buf, chunk...)
	return r.parseLength()
}

// parseLength records the pending frame's length once its prefix is buffered.
func (r *Reassembler) parseLength() error {
	if r.hasLength || len(r.buf) < limits.LengthPrefixSize {
		return nil
	}
	length := binary.LittleEndian.Uint32(r.buf)
	if err := limits.ValidateFrameLength(length, r.maxLength); err != nil {
		return err
	}
	r.length = length
	r.hasLength = true
	r.buf = r.buf[limits.LengthPrefixSize:]
	return nil
}

// Length returns the declared length of the pending frame, if its prefix has arrived.
func (r *Reassembler) Length() (uint32, bool) {
	return r.length, r.hasLength
}

// Pending returns the number of buffered bytes not yet returned as a frame,
// excluding a length prefix that has already been parsed.
func (r *Reassembler) Pending() int {
	return len(r.buf)
}

// Next pops the next complete frame. It returns false when more bytes are needed.
func (r *Reassembler) Next() ([]byte, bool, error) {
	if err := r.parseLength(); err != nil {
		return nil, false, err
	}
	if !r.hasLength || uint64(len(r.buf)) < uint64(r.length) {
		return nil, false, nil
	}

	payload := make([]byte, r.length)
	copy(payload, r.buf[:r.length])
	r.buf = r.buf[r.length:]
	r.length = 0
	r.hasLength = false
	return payload, true, nil
}

// Residue returns a copy of every buffered byte that follows the last frame
// returned by Next, in stream order, including an unparsed length prefix.
// It must only be called between frames.
func (r *Reassembler) Residue() []byte {
	if r.hasLength {
		// The prefix was already stripped; put it back so the next owner sees
		// the stream exactly as it arrived.
		out := make([]byte, limits.LengthPrefixSize, limits.LengthPrefixSize+len(r.buf))
		binary.LittleEndian.PutUint32(out, r.length)
		return append(out, r.buf...)
	}
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out
}

// ReadFrame returns the next frame, reading from src in chunks as needed.
// Bytes read past the end of the frame stay buffered for the next call or
// for Residue.
func (r *Reassembler) ReadFrame(src io.Reader) ([]byte, error) {
	if r.chunk == nil {
		r.chunk = make([]byte, DefaultReadSize)
	}
	for {
		frame, ok, err := r.Next()
		if err != nil {
			return nil, err
		}
		if ok {
			return frame, nil
		}

		n, err := src.Read(r.chunk)
		if n > 0 {
			if ferr := r.Feed(r.chunk[:n]); ferr != nil {
				return nil, ferr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && (r.hasLength || len(r.buf) > 0) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// AppendFrame appends the length prefix and payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// WriteFrame writes payload to w as a single length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > limits.MaxProcessingBuffer {
		return limits.ValidateFrameLength(uint32(len(payload)), limits.MaxProcessingBuffer)
	}
	_, err := w.Write(AppendFrame(make([]byte, 0, limits.LengthPrefixSize+len(payload)), payload))
	return err
}
