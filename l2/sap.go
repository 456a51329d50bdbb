package l2

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// SAP is the L2 service access point: it owns one UDP socket and one fixed
// peer address, and frames/unframes payloads handed to it by the layer
// above. A SAP is single-threaded and not re-entrant: callers must not drive
// SendTo and RecvFrom concurrently on the same SAP.
type SAP struct {
	conn   *net.UDPConn
	peer   *net.UDPAddr
	peerID uint16
	closed bool

	txbuf [Framesize]byte
	rxbuf [Framesize]byte
}

// Create opens a UDP/IPv4 socket bound to an OS-assigned ephemeral port and
// resolves peerIP/peerPort as the fixed remote peer for subsequent
// SendTo/RecvFrom calls.
func Create(peerIP string, peerPort int) (*SAP, error) {
	return create(0, peerIP, peerPort)
}

// create is the shared constructor. localPort 0 lets the OS pick an
// ephemeral port; a nonzero value pins the local port. The test suite passes
// 0 and then patches the peer port, so that two loopback SAPs each know the
// other's port out-of-band, exactly as the data model in §3 assumes.
func create(localPort int, peerIP string, peerPort int) (*SAP, error) {
	peer := &net.UDPAddr{IP: net.ParseIP(peerIP), Port: peerPort}
	if peer.IP == nil || peer.IP.To4() == nil {
		return nil, fmt.Errorf("l2: invalid peer address %q", peerIP)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: localPort})
	if err != nil {
		return nil, fmt.Errorf("l2: opening socket: %w", err)
	}
	tuneSocketBuffers(conn)
	return &SAP{conn: conn, peer: peer, peerID: dstAddrID(peer.IP)}, nil
}

// LocalAddr returns the address the SAP's socket is bound to.
func (s *SAP) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// SetPeer reconfigures the SAP's fixed peer address and recomputes its
// dst_addr identifier. Existing in-flight calls are unaffected; the next
// SendTo uses the new peer.
func (s *SAP) SetPeer(ip string, port int) error {
	peer := &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
	if peer.IP == nil || peer.IP.To4() == nil {
		return fmt.Errorf("l2: invalid peer address %q", ip)
	}
	s.peer = peer
	s.peerID = dstAddrID(peer.IP)
	return nil
}

// dstAddrID derives the opaque 16-bit dst_addr identifier from a peer IPv4
// address. The wire field is specified as opaque (see design notes on
// reinterpreting it); this folds the low two octets of the address into a
// per-peer constant rather than leave it unset.
func dstAddrID(ip net.IP) uint16 {
	ip4 := ip.To4()
	return uint16(ip4[2])<<8 | uint16(ip4[3])
}

// tuneSocketBuffers applies a best-effort SO_REUSEADDR and receive-buffer
// size hint to the underlying file descriptor. Failure is logged, never
// fatal: the protocol's correctness does not depend on these options.
func tuneSocketBuffers(conn *net.UDPConn) {
	raw, err := conn.SyscallConn()
	if err != nil {
		slog.Warn("l2: SyscallConn unavailable, skipping socket tuning", slog.String("err", err.Error()))
		return
	}
	ctrlErr := raw.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			slog.Debug("l2: SO_REUSEADDR failed", slog.String("err", err.Error()))
		}
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, Framesize*8); err != nil {
			slog.Debug("l2: SO_RCVBUF failed", slog.String("err", err.Error()))
		}
	})
	if ctrlErr != nil {
		slog.Debug("l2: socket control failed", slog.String("err", ctrlErr.Error()))
	}
}

// Close releases the socket. Close is idempotent.
func (s *SAP) Close() error {
	if s == nil || s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// SendTo frames data and transmits it to the configured peer in one UDP
// datagram. It returns the number of payload bytes accepted, or an error.
func (s *SAP) SendTo(data []byte) (int, error) {
	if s == nil || s.closed {
		return -1, ErrClosed
	}
	n := len(data)
	if n > Payloadsize {
		return -1, ErrPayloadTooLarge
	}
	total := n + Headersize
	buf := s.txbuf[:total]
	for i := range buf {
		buf[i] = 0
	}
	frm, err := NewFrame(buf)
	if err != nil {
		return -1, err
	}
	frm.SetDstAddr(s.peerID)
	frm.SetLen(uint16(total))
	frm.SetChecksum(0)
	frm.SetMbz(0)
	copy(buf[Headersize:], data)
	frm.SetChecksum(computeChecksum(buf, total))

	_, err = s.conn.WriteToUDP(buf, s.peer)
	if err != nil {
		return -1, fmt.Errorf("l2: sendto: %w", err)
	}
	return n, nil
}

// RecvFrom waits for one datagram, validates it and copies its payload into
// data. timeout < 0 (see [Forever]) waits indefinitely. On timeout it
// returns (0, ErrTimeout); on a discarded (short or corrupt) frame it
// returns (-1, err); on success it returns the payload length.
func (s *SAP) RecvFrom(data []byte, timeout time.Duration) (int, error) {
	if s == nil || s.closed {
		return -1, ErrClosed
	}
	if timeout >= 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return -1, fmt.Errorf("l2: set deadline: %w", err)
		}
	} else {
		if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
			return -1, fmt.Errorf("l2: clear deadline: %w", err)
		}
	}

	n, _, err := s.conn.ReadFromUDP(s.rxbuf[:])
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, ErrTimeout
		}
		return -1, fmt.Errorf("l2: recvfrom: %w", err)
	}
	if n < Headersize {
		return -1, ErrShortFrame
	}

	buf := s.rxbuf[:n]
	frm, err := NewFrame(buf)
	if err != nil {
		return -1, err
	}
	gotChecksum := frm.Checksum()
	frm.SetChecksum(0)
	wantChecksum := computeChecksum(buf, n)
	frm.SetChecksum(gotChecksum) // restore for any caller inspecting buf further
	if gotChecksum != wantChecksum {
		slog.Debug("l2: discarding frame with bad checksum", slog.Int("n", n))
		return -1, ErrBadChecksum
	}

	payloadLen := int(frm.Len()) - Headersize
	if payloadLen < 0 || payloadLen > n-Headersize {
		return -1, ErrShortFrame
	}
	if payloadLen > len(data) {
		return -1, ErrPayloadTooLarge
	}
	copy(data, buf[Headersize:Headersize+payloadLen])
	return payloadLen, nil
}
