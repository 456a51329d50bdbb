package l2

import "encoding/binary"

// NewFrame wraps buf as a Frame. buf is used as-is, unclipped; callers that
// build a frame for transmission should pass a zeroed buffer of exactly
// [Framesize] bytes and call [Frame.ClearHeader] if the buffer is reused, so
// that no indeterminate byte is ever handed to sendto.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < Headersize {
		return Frame{buf: buf}, ErrShortFrame
	}
	return Frame{buf: buf}, nil
}

// Frame is a view over a byte buffer containing an L2 frame: a 6 byte
// header followed by 0..Payloadsize bytes of opaque payload handed up to
// L4. Fields are read and written directly on the backing buffer; Frame
// itself is a thin, copyable accessor, not an owner of the memory.
//
//	 0      1      2      3      4      5      6 ...
//	+------+------+------+------+------+------+---------+
//	| dst_addr    | len         | csum | mbz  | payload  |
//	+------+------+------+------+------+------+---------+
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice the Frame was created with.
func (frm Frame) RawData() []byte { return frm.buf }

// DstAddr returns the opaque 16-bit peer identifier echoed from configuration.
func (frm Frame) DstAddr() uint16 { return binary.BigEndian.Uint16(frm.buf[0:2]) }

// SetDstAddr sets the peer identifier field. See [Frame.DstAddr].
func (frm Frame) SetDstAddr(v uint16) { binary.BigEndian.PutUint16(frm.buf[0:2], v) }

// Len returns the total frame length, header included.
func (frm Frame) Len() uint16 { return binary.BigEndian.Uint16(frm.buf[2:4]) }

// SetLen sets the total frame length field. See [Frame.Len].
func (frm Frame) SetLen(v uint16) { binary.BigEndian.PutUint16(frm.buf[2:4], v) }

// Checksum returns the checksum field carried by the frame.
func (frm Frame) Checksum() uint8 { return frm.buf[4] }

// SetChecksum sets the checksum field. See [Frame.Checksum].
func (frm Frame) SetChecksum(v uint8) { frm.buf[4] = v }

// Mbz returns the "must be zero" byte. L2 does not reject a nonzero value on
// receive; it is the caller's layer (L4) that enforces this.
func (frm Frame) Mbz() uint8 { return frm.buf[5] }

// SetMbz sets the mbz field. Senders must always leave this at zero.
func (frm Frame) SetMbz(v uint8) { frm.buf[5] = v }

// Payload returns the payload section implied by the Len field. Callers must
// call ValidateSize (or otherwise know Len is within bounds) before calling
// Payload, to avoid a panic on a malformed frame.
func (frm Frame) Payload() []byte {
	return frm.buf[Headersize:frm.Len()]
}

// ClearHeader zeroes the header bytes in place. Frame construction routines
// call this before filling in fields so that no stale byte from a reused
// buffer is ever transmitted.
func (frm Frame) ClearHeader() {
	for i := range frm.buf[:Headersize] {
		frm.buf[i] = 0
	}
}

// ValidateSize reports whether the frame's Len field is consistent with the
// length of the underlying buffer.
func (frm Frame) ValidateSize() error {
	l := frm.Len()
	if l < Headersize {
		return ErrShortFrame
	}
	if int(l) > len(frm.buf) {
		return ErrShortFrame
	}
	return nil
}

// checksumXOR computes the XOR of every byte in buf, the running-sum
// accumulator style mirrored from this module's teacher's CRC791 type: a
// zero-value-ready accumulator fed byte by byte.
type checksumXOR struct {
	sum uint8
}

func (c *checksumXOR) Write(buf []byte) {
	for _, b := range buf {
		c.sum ^= b
	}
}

func (c *checksumXOR) Sum() uint8 { return c.sum }

// computeChecksum returns the XOR of buf[:n] with the checksum field
// (buf[4]) treated as zero, regardless of its current value.
func computeChecksum(buf []byte, n int) uint8 {
	var c checksumXOR
	c.Write(buf[:4])
	c.Write([]byte{0}) // checksum field held at zero during computation
	c.Write(buf[5:n])
	return c.Sum()
}
