package handshake

import (
	"encoding/binary"
	"errors"
	"math"
)

var errShortBuffer = errors.New("short buffer")

// reader consumes little-endian protocol values from a byte slice.
type reader struct {
	data   []byte
	offset int
}

func (r *reader) remaining() int {
	return len(r.data) - r.offset
}

func (r *reader) uint8() (byte, error) {
	if r.remaining() < 1 {
		return 0, errShortBuffer
	}
	b := r.data[r.offset]
	r.offset++
	return b, nil
}

func (r *reader) uint32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, errShortBuffer
	}
	v := binary.LittleEndian.Uint32(r.data[r.offset:])
	r.offset += 4
	return v, nil
}

// string reads a uint32 length followed by that many bytes.
func (r *reader) string() (string, error) {
	n, err := r.uint32()
	if err != nil {
		return "", err
	}
	if uint64(n) > uint64(r.remaining()) {
		return "", errShortBuffer
	}
	s := string(r.data[r.offset : r.offset+int(n)])
	r.offset += int(n)
	return s, nil
}

// writer appends little-endian protocol values.
type writer struct {
	buf []byte
}

func (w *writer) uint8(v byte) {
	w.buf = append(w.buf, v)
}

func (w *writer) uint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *writer) string(s string) error {
	if uint64(len(s)) > math.MaxUint32 {
		return errors.New("string too long")
	}
	w.uint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}
