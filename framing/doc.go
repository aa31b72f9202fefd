// Package framing reassembles length-prefixed frames from a TCP byte stream.
//
// Every message exchanged between peers is framed as a 4-byte little-endian
// payload length followed by exactly that many payload bytes. TCP delivers
// those bytes in arbitrary chunks, so a Reassembler buffers what has arrived,
// records the declared length as soon as the prefix is complete, and yields
// a payload only once all of it is buffered. Bytes past the end of a frame
// belong to the next frame and are kept in order.
//
//	r := framing.NewReassembler(limits.MaxHandshakeFrame)
//	payload, err := r.ReadFrame(conn)
//	leftover := r.Residue()
package framing
