package l4

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/soypat/sapnet/internal/backoff"
	"github.com/soypat/sapnet/l2"
)

// Stats are advisory counters maintained by a SAP. They are never consulted
// for control flow (see the spec's "logging is advisory" rule); they exist
// purely for observability.
type Stats struct {
	FramesSent     uint64
	Retransmits    uint64
	AcksReceived   uint64
	ResetsSeen     uint64
	ChecksumErrors uint64
}

// pendingSlot is the single-cell buffer of spec §3/§9: at most one DATA
// frame received while a Send is in flight is stashed here for a later Recv
// to consume.
type pendingSlot struct {
	valid   bool
	seqno   uint8
	payload [Payloadsize]byte
	n       int
}

// SAP is the L4 service access point: a stop-and-wait reliable transport
// built exclusively on one owned [l2.SAP]. A SAP is single-threaded and not
// re-entrant: the caller must not drive Send and Recv concurrently.
type SAP struct {
	l2   *l2.SAP
	pend pendingSlot

	sendSeq   uint8
	expectSeq uint8

	retransmitTimeout time.Duration
	maxRetries        int

	framesSent     atomic.Uint64
	retransmits    atomic.Uint64
	acksReceived   atomic.Uint64
	resetsSeen     atomic.Uint64
	checksumErrors atomic.Uint64

	txbuf [Framesize]byte
	rxbuf [Framesize]byte
}

// Create opens the underlying L2 SAP and initializes protocol state. Ports
// below 1024 are rejected, per spec.
func Create(peerIP string, peerPort int) (*SAP, error) {
	if peerPort < 1024 {
		return nil, fmt.Errorf("l4: port %d below 1024: %w", peerPort, ErrInvalidArgument)
	}
	l2sap, err := l2.Create(peerIP, peerPort)
	if err != nil {
		return nil, err
	}
	return &SAP{
		l2:                l2sap,
		retransmitTimeout: DefaultRetransmitTimeout,
		maxRetries:        DefaultMaxRetries,
	}, nil
}

// LocalAddr returns the address the SAP's underlying L2 socket is bound to.
func (s *SAP) LocalAddr() net.Addr { return s.l2.LocalAddr() }

// SetRetransmitPolicy overrides the per-attempt timeout and retry bound.
// Production code should not need this; it exists so tests can run the
// retransmit-bound property (spec §8 bullet 3) without waiting on
// wall-clock seconds.
func (s *SAP) SetRetransmitPolicy(timeout time.Duration, maxRetries int) {
	s.retransmitTimeout = timeout
	s.maxRetries = maxRetries
}

// Stats returns a snapshot of the SAP's advisory counters.
func (s *SAP) Stats() Stats {
	return Stats{
		FramesSent:     s.framesSent.Load(),
		Retransmits:    s.retransmits.Load(),
		AcksReceived:   s.acksReceived.Load(),
		ResetsSeen:     s.resetsSeen.Load(),
		ChecksumErrors: s.checksumErrors.Load(),
	}
}

// Close emits a best-effort burst of RESET frames to help the peer
// terminate cleanly, then tears down the owned L2 SAP. Close never blocks
// indefinitely: the RESET burst pauses between frames with a backoff that
// starts at a microsecond and doubles, capped at 5ms.
func (s *SAP) Close() error {
	if s == nil || s.l2 == nil {
		return nil
	}
	bo := backoff.New(5 * time.Millisecond)
	for i := 0; i < resetBurstSize; i++ {
		s.sendControl(TypeReset, 0)
		bo.Wait()
	}
	return s.l2.Close()
}

// sendControl builds and transmits a header-only L4 frame of the given type.
// It is used for ACKs and RESETs, which never carry a payload.
func (s *SAP) sendControl(t FrameType, seqOrAck uint8) error {
	buf := s.txbuf[:Headersize]
	frm, err := NewFrame(buf)
	if err != nil {
		return err
	}
	frm.ClearHeader()
	frm.SetType(t)
	if t == TypeACK {
		frm.SetAckno(seqOrAck)
	} else {
		frm.SetSeqno(seqOrAck)
	}
	_, err = s.l2.SendTo(buf)
	if err == nil {
		s.framesSent.Add(1)
	}
	return err
}

func (s *SAP) sendAck(ackno uint8) {
	if err := s.sendControl(TypeACK, ackno); err != nil {
		slog.Debug("l4: failed to send ACK", slog.String("err", err.Error()))
	}
}

// Send blocks until the peer acknowledges data, retransmitting on a 1
// second timeout up to 4 times (5 transmissions total). Payload longer than
// Payloadsize is silently truncated. It returns the number of payload bytes
// accepted, [ErrQuit] if a RESET arrives, or [ErrSendFailed] if retries are
// exhausted or the argument is invalid.
func (s *SAP) Send(data []byte) (int, error) {
	if s == nil || s.l2 == nil {
		return -1, ErrClosed
	}
	if len(data) <= 0 {
		return -1, ErrSendFailed
	}
	n := len(data)
	if n > Payloadsize {
		n = Payloadsize
	}
	payload := data[:n]

	buf := s.txbuf[:Headersize+n]
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		frm, err := NewFrame(buf)
		if err != nil {
			return -1, ErrSendFailed
		}
		frm.ClearHeader()
		frm.SetType(TypeData)
		frm.SetSeqno(s.sendSeq)
		copy(frm.Payload(), payload)

		if _, err := s.l2.SendTo(buf); err != nil {
			return -1, fmt.Errorf("l4: %w: %v", ErrSendFailed, err)
		}
		s.framesSent.Add(1)
		if attempt > 0 {
			s.retransmits.Add(1)
		}

		deadline := time.Now().Add(s.retransmitTimeout)
		for {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break // attempt's budget elapsed; outer loop retransmits.
			}
			recvd, err := s.l2.RecvFrom(s.rxbuf[:], remaining)
			if err != nil {
				// Timeout, bad checksum, short frame or other L2 error:
				// re-wait within this attempt's budget rather than resend
				// immediately (see design notes, Open Question 1).
				if err == l2.ErrBadChecksum {
					s.checksumErrors.Add(1)
				}
				continue
			}
			rfrm, err := NewFrame(s.rxbuf[:recvd])
			if err != nil {
				continue // frame too short for an L4 header; keep waiting.
			}
			if rfrm.Mbz() != 0 {
				continue
			}
			switch rfrm.Type() {
			case TypeReset:
				s.resetsSeen.Add(1)
				return -1, ErrQuit
			case TypeACK:
				s.acksReceived.Add(1)
				if rfrm.Ackno() == 1-s.sendSeq {
					s.sendSeq = 1 - s.sendSeq
					return n, nil
				}
				// Mismatched/duplicate ACK: ignore, keep waiting.
			case TypeData:
				s.sendAck(1 - rfrm.Seqno())
				if !s.pend.valid {
					s.pend.valid = true
					s.pend.seqno = rfrm.Seqno()
					s.pend.n = copy(s.pend.payload[:], rfrm.Payload())
				}
			}
		}
	}
	return -1, ErrSendFailed
}

// Recv blocks indefinitely until a DATA frame with the expected sequence
// number is delivered, a RESET arrives, or a non-recoverable error occurs.
func (s *SAP) Recv(data []byte) (int, error) {
	if s == nil || s.l2 == nil {
		return -1, ErrClosed
	}
	if len(data) == 0 {
		return -1, ErrInvalidArgument
	}
	if s.pend.valid {
		if s.pend.seqno == s.expectSeq {
			n := copy(data, s.pend.payload[:s.pend.n])
			s.sendAck(1 - s.pend.seqno)
			s.expectSeq = 1 - s.expectSeq
			s.pend = pendingSlot{}
			return n, nil
		}
		s.sendAck(1 - s.pend.seqno)
		s.pend = pendingSlot{}
	}

	for {
		recvd, err := s.l2.RecvFrom(s.rxbuf[:], l2.Forever)
		if err != nil {
			if errors.Is(err, l2.ErrClosed) || errors.Is(err, net.ErrClosed) {
				return -1, ErrClosed
			}
			slog.Debug("l4: recv: transient L2 error, retrying", slog.String("err", err.Error()))
			if err == l2.ErrBadChecksum {
				s.checksumErrors.Add(1)
			}
			continue
		}
		rfrm, err := NewFrame(s.rxbuf[:recvd])
		if err != nil {
			continue
		}
		if rfrm.Mbz() != 0 {
			continue
		}
		switch rfrm.Type() {
		case TypeReset:
			s.resetsSeen.Add(1)
			return -1, ErrQuit
		case TypeData:
			seqno := rfrm.Seqno()
			if seqno == s.expectSeq {
				n := copy(data, rfrm.Payload())
				s.sendAck(1 - seqno)
				s.expectSeq = 1 - s.expectSeq
				return n, nil
			}
			// Peer missed our last ACK; re-ack the frame we already
			// delivered and keep waiting for the one we actually expect.
			s.sendAck(1 - seqno)
		default:
			// Stray ACK while we are not sending: ignore.
		}
	}
}
