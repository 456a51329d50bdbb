// Package l4 implements the stop-and-wait reliable transport built on top
// of l2: alternating-bit sequence numbers, ACKs, bounded retransmission and
// a RESET signal that tears the session down.
package l4

import (
	"time"

	"github.com/soypat/sapnet/l2"
)

// Wire layout sizes. See [Frame] for field order.
const (
	Headersize  = 4
	Framesize   = l2.Payloadsize
	Payloadsize = Framesize - Headersize
)

// FrameType is the closed 3-variant tag carried in every L4 frame. It is a
// byte-backed type, not a plain int, so the tag set stays closed while the
// wire encoding remains a single byte.
type FrameType uint8

const (
	TypeData  FrameType = iota // TypeData carries a payload to be delivered to the caller.
	TypeACK                   // TypeACK acknowledges a DATA frame's seqno via its Ackno.
	TypeReset                 // TypeReset tears the session down; peer returns ErrQuit.
)

func (t FrameType) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeACK:
		return "ACK"
	case TypeReset:
		return "RESET"
	default:
		return "UNKNOWN"
	}
}

// Protocol parameters mandated by the spec: 1 second per attempt, 4 retries
// (5 transmissions total). SAP.SetRetransmitPolicy overrides these for
// tests; a SAP returned by Create starts with these defaults.
const (
	DefaultRetransmitTimeout = 1 * time.Second
	DefaultMaxRetries        = 4
)

// resetBurstSize is the number of best-effort RESET frames Close emits
// before tearing the session down, per the design notes' encouragement to
// help the peer terminate cleanly.
const resetBurstSize = 3

type errGeneric uint8

// Sentinel errors returned by this package. Compare with [errors.Is].
const (
	_ errGeneric = iota

	// ErrQuit is returned by Send or Recv when the peer sent L4_RESET.
	ErrQuit

	// ErrSendFailed is returned by Send once retransmissions are exhausted,
	// or for any invalid argument to Send.
	ErrSendFailed

	// ErrInvalidArgument is returned by Recv (and by Create) for bad input.
	ErrInvalidArgument

	// ErrClosed is returned by operations performed on a SAP after Close.
	ErrClosed
)

func (err errGeneric) Error() string {
	switch err {
	case ErrQuit:
		return "l4: session reset by peer"
	case ErrSendFailed:
		return "l4: send failed"
	case ErrInvalidArgument:
		return "l4: invalid argument"
	case ErrClosed:
		return "l4: SAP is closed"
	default:
		return "l4: unknown error"
	}
}
