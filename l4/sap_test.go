package l4

import (
	"errors"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/soypat/sapnet/internal/nettest"
	"github.com/soypat/sapnet/l2"
)

// pair creates two directly-connected loopback SAPs, patching B's peer port
// after the fact to resolve the chicken-and-egg problem of two ephemeral
// ports that must each know the other's before either is dialable.
func pair(t *testing.T) (a, b *SAP) {
	t.Helper()
	b, err := Create("127.0.0.1", 1024) // peer patched once a exists
	if err != nil {
		t.Fatalf("creating B: %v", err)
	}
	a, err = Create("127.0.0.1", b.LocalAddr().(*net.UDPAddr).Port)
	if err != nil {
		t.Fatalf("creating A: %v", err)
	}
	if err := b.l2.SetPeer("127.0.0.1", a.LocalAddr().(*net.UDPAddr).Port); err != nil {
		t.Fatalf("patching B's peer: %v", err)
	}
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

// pairThroughRelays wires A and B through one [nettest.LossyRelay] per
// direction, so tests can script exact frame drops/corruptions on the
// A->B path (decideAB) and the B->A path (decideBA) independently.
func pairThroughRelays(t *testing.T, decideAB, decideBA nettest.Decide) (a, b *SAP) {
	t.Helper()
	b, err := Create("127.0.0.1", 1024)
	if err != nil {
		t.Fatalf("creating B: %v", err)
	}
	relayToB, err := nettest.NewLossyRelay("127.0.0.1:0", b.LocalAddr().String(), decideAB)
	if err != nil {
		t.Fatalf("relayToB: %v", err)
	}
	a, err = Create("127.0.0.1", relayToB.LocalAddr().(*net.UDPAddr).Port)
	if err != nil {
		t.Fatalf("creating A: %v", err)
	}
	relayToA, err := nettest.NewLossyRelay("127.0.0.1:0", a.LocalAddr().String(), decideBA)
	if err != nil {
		t.Fatalf("relayToA: %v", err)
	}
	if err := b.l2.SetPeer("127.0.0.1", relayToA.LocalAddr().(*net.UDPAddr).Port); err != nil {
		t.Fatalf("patching B's peer: %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
		relayToB.Close()
		relayToA.Close()
	})
	return a, b
}

func fastRetransmitPolicy(s *SAP) {
	s.SetRetransmitPolicy(40*time.Millisecond, 4)
}

func TestSendRecvRoundTrip(t *testing.T) {
	a, b := pair(t)
	fastRetransmitPolicy(a)
	fastRetransmitPolicy(b)

	msg := []byte("hello, l4")
	errc := make(chan error, 1)
	go func() {
		_, err := a.Send(msg)
		errc <- err
	}()

	buf := make([]byte, Payloadsize)
	n, err := b.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf[:n]) != string(msg) {
		t.Fatalf("got %q, want %q", buf[:n], msg)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestAlternatingBitToggles(t *testing.T) {
	a, b := pair(t)
	fastRetransmitPolicy(a)
	fastRetransmitPolicy(b)
	buf := make([]byte, Payloadsize)

	for i, msg := range [][]byte{[]byte("one"), []byte("two"), []byte("three")} {
		wantSeq := uint8(i % 2)
		if a.sendSeq != wantSeq {
			t.Fatalf("round %d: A.sendSeq=%d want %d", i, a.sendSeq, wantSeq)
		}
		errc := make(chan error, 1)
		go func() { _, err := a.Send(msg); errc <- err }()
		n, err := b.Recv(buf)
		if err != nil {
			t.Fatalf("round %d: Recv: %v", i, err)
		}
		if string(buf[:n]) != string(msg) {
			t.Fatalf("round %d: got %q want %q", i, buf[:n], msg)
		}
		if err := <-errc; err != nil {
			t.Fatalf("round %d: Send: %v", i, err)
		}
	}
}

// TestSingleACKDropTriggersOneRetransmitNoDuplicateDelivery drops exactly
// the first ACK on the B->A path. A must retransmit once and still succeed;
// B must not deliver the duplicate DATA a second time since it shares the
// same seqno as the already-delivered frame.
func TestSingleACKDropTriggersOneRetransmitNoDuplicateDelivery(t *testing.T) {
	ackDrops := 0
	decideBA := func(n int, frame []byte) (drop, corrupt bool) {
		if len(frame) < l2.Headersize+Headersize {
			return false, false
		}
		frm, err := NewFrame(frame[l2.Headersize:])
		if err == nil && frm.Type() == TypeACK && ackDrops == 0 {
			ackDrops++
			return true, false
		}
		return false, false
	}
	a, b := pairThroughRelays(t, nil, decideBA)
	fastRetransmitPolicy(a)
	fastRetransmitPolicy(b)

	msg := []byte("ack drop test")
	errc := make(chan error, 1)
	go func() { _, err := a.Send(msg); errc <- err }()

	buf := make([]byte, Payloadsize)
	n, err := b.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf[:n]) != string(msg) {
		t.Fatalf("got %q want %q", buf[:n], msg)
	}

	// A's retransmission carries the seqno B has already delivered. B's next
	// Recv must re-ACK it (which lets A's Send complete) and keep waiting
	// instead of delivering the same payload a second time.
	type result struct {
		n   int
		err error
	}
	second := make(chan result, 1)
	go func() {
		n, err := b.Recv(make([]byte, Payloadsize))
		second <- result{n, err}
	}()
	if err := <-errc; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := a.Stats().Retransmits; got < 1 {
		t.Fatalf("want at least 1 retransmit, got %d", got)
	}
	select {
	case res := <-second:
		t.Fatalf("duplicate DATA surfaced from B's second Recv: n=%d err=%v", res.n, res.err)
	case <-time.After(100 * time.Millisecond):
	}
	a.Close() // RESET burst ends B's still-waiting Recv
	select {
	case res := <-second:
		if !errors.Is(res.err, ErrQuit) {
			t.Fatalf("want ErrQuit after A's RESET, got n=%d err=%v", res.n, res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("B's second Recv did not observe A's RESET")
	}
}

// TestConcurrentSendsUsePendingSlot has both peers Send to each other at
// roughly the same time. Whichever frame arrives while the receiver's own
// Send is still waiting for an ACK is stashed in the pending slot and
// surfaces on the following Recv.
func TestConcurrentSendsUsePendingSlot(t *testing.T) {
	a, b := pair(t)
	fastRetransmitPolicy(a)
	fastRetransmitPolicy(b)

	msgA := []byte("from A")
	msgB := []byte("from B")

	var sendAErr, sendBErr error
	doneA := make(chan struct{})
	doneB := make(chan struct{})
	go func() { _, sendAErr = a.Send(msgA); close(doneA) }()
	go func() { _, sendBErr = b.Send(msgB); close(doneB) }()
	<-doneA
	<-doneB
	if sendAErr != nil {
		t.Fatalf("A.Send: %v", sendAErr)
	}
	if sendBErr != nil {
		t.Fatalf("B.Send: %v", sendBErr)
	}

	bufA := make([]byte, Payloadsize)
	nA, err := a.Recv(bufA)
	if err != nil {
		t.Fatalf("A.Recv: %v", err)
	}
	if string(bufA[:nA]) != string(msgB) {
		t.Fatalf("A got %q want %q", bufA[:nA], msgB)
	}

	bufB := make([]byte, Payloadsize)
	nB, err := b.Recv(bufB)
	if err != nil {
		t.Fatalf("B.Recv: %v", err)
	}
	if string(bufB[:nB]) != string(msgA) {
		t.Fatalf("B got %q want %q", bufB[:nB], msgA)
	}
}

// TestExhaustedRetriesReturnsErrSendFailed points A at a port nobody is
// listening on, so no ACK ever arrives: Send must give up after exactly
// maxRetries+1 transmissions.
func TestExhaustedRetriesReturnsErrSendFailed(t *testing.T) {
	deadListener, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}
	deadPort := deadListener.LocalAddr().(*net.UDPAddr).Port
	deadListener.Close() // now guaranteed nobody answers on this port

	a, err := Create("127.0.0.1", deadPort)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })
	a.SetRetransmitPolicy(20*time.Millisecond, 2)

	_, err = a.Send([]byte("into the void"))
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("want ErrSendFailed, got %v", err)
	}
	stats := a.Stats()
	if stats.FramesSent != 3 {
		t.Fatalf("want 3 transmissions (1 + 2 retries), got %d", stats.FramesSent)
	}
	if stats.Retransmits != 2 {
		t.Fatalf("want 2 retransmits, got %d", stats.Retransmits)
	}
}

func TestPeerResetReturnsErrQuit(t *testing.T) {
	a, b := pair(t)
	fastRetransmitPolicy(a)
	fastRetransmitPolicy(b)

	errc := make(chan error, 1)
	go func() {
		_, err := a.Recv(make([]byte, Payloadsize))
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond) // give A's Recv time to block
	b.Close()                         // emits a RESET burst

	select {
	case err := <-errc:
		if !errors.Is(err, ErrQuit) {
			t.Fatalf("want ErrQuit, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("A.Recv did not observe the RESET")
	}
}

// TestChecksumCorruptionEventuallyDelivered corrupts exactly the first DATA
// frame in flight (the relay inverts its first byte, part of the L2
// header); the L2 checksum catches it and the frame is
// discarded silently, so A retransmits and the second attempt succeeds.
func TestChecksumCorruptionEventuallyDelivered(t *testing.T) {
	corrupted := false
	decideAB := func(n int, frame []byte) (drop, corrupt bool) {
		if n == 1 && !corrupted {
			corrupted = true
			return false, true
		}
		return false, false
	}
	a, b := pairThroughRelays(t, decideAB, nil)
	fastRetransmitPolicy(a)
	fastRetransmitPolicy(b)

	msg := []byte("resilient payload")
	errc := make(chan error, 1)
	go func() { _, err := a.Send(msg); errc <- err }()

	buf := make([]byte, Payloadsize)
	n, err := b.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf[:n]) != string(msg) {
		t.Fatalf("got %q want %q", buf[:n], msg)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if a.Stats().Retransmits < 1 {
		t.Fatal("want at least one retransmit after corruption")
	}
}

func TestSendZeroLengthRejected(t *testing.T) {
	a, _ := pair(t)
	_, err := a.Send(nil)
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("want ErrSendFailed, got %v", err)
	}
}

func TestSendExactPayloadSizeAccepted(t *testing.T) {
	a, b := pair(t)
	fastRetransmitPolicy(a)
	fastRetransmitPolicy(b)

	msg := make([]byte, Payloadsize)
	for i := range msg {
		msg[i] = byte(i)
	}
	type result struct {
		n   int
		err error
	}
	resc := make(chan result, 1)
	go func() {
		n, err := a.Send(msg)
		resc <- result{n, err}
	}()
	buf := make([]byte, Payloadsize)
	n, err := b.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if n != Payloadsize {
		t.Fatalf("want %d bytes, got %d", Payloadsize, n)
	}
	res := <-resc
	if res.err != nil {
		t.Fatalf("Send: %v", res.err)
	}
	if res.n != Payloadsize {
		t.Fatalf("want Send to report %d bytes accepted, got %d", Payloadsize, res.n)
	}
}

func TestSendOversizePayloadTruncated(t *testing.T) {
	a, b := pair(t)
	fastRetransmitPolicy(a)
	fastRetransmitPolicy(b)

	msg := make([]byte, Payloadsize+1)
	rand.New(rand.NewSource(1)).Read(msg)
	errc := make(chan int, 1)
	go func() {
		n, err := a.Send(msg)
		if err != nil {
			errc <- -1
			return
		}
		errc <- n
	}()
	buf := make([]byte, Payloadsize)
	n, err := b.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	sentN := <-errc
	if sentN != Payloadsize {
		t.Fatalf("want truncation to %d bytes, Send reported %d", Payloadsize, sentN)
	}
	if n != Payloadsize {
		t.Fatalf("want %d bytes received, got %d", Payloadsize, n)
	}
}

