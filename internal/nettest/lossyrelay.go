// Package nettest provides loopback UDP scaffolding for the l4 test suite:
// a relay that sits between two real sockets and drops or
// corrupts datagrams on a caller-supplied schedule, standing in for a lossy
// link without requiring an actual unreliable network.
package nettest

import (
	"log/slog"
	"net"
	"time"
)

// Decide inspects the nth (1-indexed) datagram a [LossyRelay] has seen and
// reports whether it should be dropped and whether it should be corrupted.
// A test seeds a *rand.Rand-driven Decide for property tests, or closes
// over a fixed frame count for exact scenario tests (e.g. "drop the 2nd
// frame only").
type Decide func(n int, frame []byte) (drop, corrupt bool)

// LossyRelay forwards every datagram it receives on its listening socket to
// a fixed forward address, consulting Decide for each one. It runs its
// forwarding loop in a background goroutine started by NewLossyRelay.
type LossyRelay struct {
	conn    *net.UDPConn
	forward *net.UDPAddr
	decide  Decide
	count   int
	done    chan struct{}
}

// NewLossyRelay listens on listenAddr (use "127.0.0.1:0" for an ephemeral
// port) and starts forwarding received datagrams to forwardAddr.
func NewLossyRelay(listenAddr, forwardAddr string, decide Decide) (*LossyRelay, error) {
	laddr, err := net.ResolveUDPAddr("udp4", listenAddr)
	if err != nil {
		return nil, err
	}
	faddr, err := net.ResolveUDPAddr("udp4", forwardAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, err
	}
	r := &LossyRelay{conn: conn, forward: faddr, decide: decide, done: make(chan struct{})}
	go r.run()
	return r, nil
}

func (r *LossyRelay) run() {
	buf := make([]byte, 2048)
	for {
		r.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _, err := r.conn.ReadFromUDP(buf)
		select {
		case <-r.done:
			return
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		r.count++
		frame := append([]byte(nil), buf[:n]...)
		drop, corrupt := false, false
		if r.decide != nil {
			drop, corrupt = r.decide(r.count, frame)
		}
		if drop {
			slog.Debug("nettest: dropping frame", slog.Int("n", r.count))
			continue
		}
		if corrupt && len(frame) > 0 {
			frame[0] ^= 0xFF
		}
		if _, err := r.conn.WriteToUDP(frame, r.forward); err != nil {
			slog.Debug("nettest: forward failed", slog.String("err", err.Error()))
		}
	}
}

// LocalAddr returns the address the relay is listening on.
func (r *LossyRelay) LocalAddr() net.Addr { return r.conn.LocalAddr() }

// Close stops the relay's forwarding goroutine and releases its socket.
func (r *LossyRelay) Close() error {
	close(r.done)
	return r.conn.Close()
}
