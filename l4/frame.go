package l4

// NewFrame wraps buf, an L2 payload, as an L4 Frame. buf is used as-is; a
// frame being built for transmission must start from a zeroed buffer and
// have ClearHeader called on it, so that no stale byte is ever sent.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < Headersize {
		return Frame{}, ErrInvalidArgument
	}
	return Frame{buf: buf}, nil
}

// Frame is a view over an L2 payload holding one L4 frame: a 4 byte header
// (type, seqno, ackno, mbz) followed by 0..Payloadsize bytes of payload
// delivered to the caller.
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice the Frame was created with.
func (frm Frame) RawData() []byte { return frm.buf }

// Type returns the frame's variant tag.
func (frm Frame) Type() FrameType { return FrameType(frm.buf[0]) }

// SetType sets the frame's variant tag. See [Frame.Type].
func (frm Frame) SetType(t FrameType) { frm.buf[0] = byte(t) }

// Seqno returns the frame's sequence bit (0 or 1).
func (frm Frame) Seqno() uint8 { return frm.buf[1] }

// SetSeqno sets the sequence bit. See [Frame.Seqno].
func (frm Frame) SetSeqno(v uint8) { frm.buf[1] = v }

// Ackno returns the frame's acknowledgment bit; meaningful only when Type
// is TypeACK.
func (frm Frame) Ackno() uint8 { return frm.buf[2] }

// SetAckno sets the acknowledgment bit. See [Frame.Ackno].
func (frm Frame) SetAckno(v uint8) { frm.buf[2] = v }

// Mbz returns the "must be zero" byte. Recv MUST drop any frame whose Mbz
// is nonzero.
func (frm Frame) Mbz() uint8 { return frm.buf[3] }

// SetMbz sets the mbz field. Senders must always leave this at zero.
func (frm Frame) SetMbz(v uint8) { frm.buf[3] = v }

// Payload returns everything past the header.
func (frm Frame) Payload() []byte { return frm.buf[Headersize:] }

// ClearHeader zeroes the header bytes in place.
func (frm Frame) ClearHeader() {
	for i := range frm.buf[:Headersize] {
		frm.buf[i] = 0
	}
}
