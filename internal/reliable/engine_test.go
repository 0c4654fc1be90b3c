package reliable_test

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/1ureka.net.chat/internal/protocol"
	"github.com/1ureka/1ureka.net.chat/internal/reliable"
	"github.com/1ureka/1ureka.net.chat/internal/session"
)

const (
	testTimeout    = time.Second
	testMaxRetries = 3
)

// fakeConn captures every datagram the engine writes.
type fakeConn struct {
	mu     sync.Mutex
	writes []*protocol.Envelope
	err    error // forced write error, when set
}

func (f *fakeConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	env, err := protocol.Decode(b)
	if err != nil {
		panic("engine wrote an undecodable datagram: " + err.Error())
	}
	f.writes = append(f.writes, env)
	return len(b), nil
}

func (f *fakeConn) captured() []*protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*protocol.Envelope(nil), f.writes...)
}

func newEngine(t *testing.T, conn *fakeConn, onAbandon reliable.AbandonFunc) (*reliable.Engine, *session.Session) {
	t.Helper()
	reg := session.NewRegistry()
	s := reg.Provisional("peer", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999})
	e := reliable.New(conn, reg, testTimeout, testMaxRetries, testTimeout/2, onAbandon)
	return e, s
}

func sendChat(t *testing.T, e *reliable.Engine, s *session.Session, text string) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewData(protocol.TypeMessage, &protocol.ChatPayload{Text: text})
	if err != nil {
		t.Fatalf("NewData failed: %v", err)
	}
	if err := e.Send(s, env); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	return env
}

// TestSendAssignsSequenceNumbers verifies that reliable sends are numbered
// monotonically from 1 and tracked until acknowledged.
func TestSendAssignsSequenceNumbers(t *testing.T) {
	conn := &fakeConn{}
	e, s := newEngine(t, conn, nil)

	first := sendChat(t, e, s, "one")
	second := sendChat(t, e, s, "two")

	if first.SeqNum != 1 || second.SeqNum != 2 {
		t.Fatalf("SeqNums = %d, %d, want 1, 2", first.SeqNum, second.SeqNum)
	}
	if s.PendingCount() != 2 {
		t.Fatalf("PendingCount = %d, want 2", s.PendingCount())
	}

	writes := conn.captured()
	if len(writes) != 2 {
		t.Fatalf("len(writes) = %d, want 2", len(writes))
	}
	if writes[0].SeqNum != 1 || writes[1].SeqNum != 2 {
		t.Fatalf("Wire SeqNums = %d, %d, want 1, 2", writes[0].SeqNum, writes[1].SeqNum)
	}
}

// TestAckStopsRetransmission verifies that an acknowledged send is never
// retransmitted, and that duplicate acks are harmless.
func TestAckStopsRetransmission(t *testing.T) {
	conn := &fakeConn{}
	e, s := newEngine(t, conn, nil)
	env := sendChat(t, e, s, "hello")

	e.Ack(s, env.SeqNum)
	e.Ack(s, env.SeqNum) // duplicate ack: no-op
	e.Ack(s, 42)         // ack for an unknown seq: no-op

	e.Sweep(time.Now().Add(10 * testTimeout))
	if got := len(conn.captured()); got != 1 {
		t.Fatalf("len(writes) = %d after ack, want 1 (no retransmissions)", got)
	}
}

// TestSweepRetransmitsThenAbandons verifies the full lifecycle of an
// unacknowledged send: maxRetries retransmissions at the constant interval,
// then a single abandonment callback.
func TestSweepRetransmitsThenAbandons(t *testing.T) {
	var abandoned []uint64
	conn := &fakeConn{}
	e, s := newEngine(t, conn, func(_ *session.Session, seq uint64) {
		abandoned = append(abandoned, seq)
	})
	sendChat(t, e, s, "into the void")

	now := time.Now()
	for i := 1; i <= testMaxRetries; i++ {
		now = now.Add(testTimeout + time.Millisecond)
		e.Sweep(now)
		if got := len(conn.captured()); got != 1+i {
			t.Fatalf("After sweep %d: len(writes) = %d, want %d", i, got, 1+i)
		}
		if len(abandoned) != 0 {
			t.Fatalf("Abandoned too early: %v", abandoned)
		}
	}

	// All retransmissions carry the original seq_num, not fresh ones.
	for i, env := range conn.captured() {
		if env.SeqNum != 1 {
			t.Fatalf("Write %d SeqNum = %d, want 1", i, env.SeqNum)
		}
	}

	now = now.Add(testTimeout + time.Millisecond)
	e.Sweep(now)
	if len(abandoned) != 1 || abandoned[0] != 1 {
		t.Fatalf("Abandoned = %v, want [1]", abandoned)
	}
	if got := len(conn.captured()); got != 1+testMaxRetries {
		t.Fatalf("len(writes) = %d after abandonment, want %d", got, 1+testMaxRetries)
	}

	// Later sweeps find nothing.
	e.Sweep(now.Add(10 * testTimeout))
	if len(abandoned) != 1 {
		t.Fatalf("Abandonment reported twice: %v", abandoned)
	}
}

// TestAckBetweenRetriesCancelsAbandonment verifies the
// retry-twice-then-ack scenario: a late ack clears the send before the
// budget runs out and no abandonment is ever reported.
func TestAckBetweenRetriesCancelsAbandonment(t *testing.T) {
	var abandoned []uint64
	conn := &fakeConn{}
	e, s := newEngine(t, conn, func(_ *session.Session, seq uint64) {
		abandoned = append(abandoned, seq)
	})
	env := sendChat(t, e, s, "eventually acked")

	now := time.Now()
	for i := 0; i < 2; i++ {
		now = now.Add(testTimeout + time.Millisecond)
		e.Sweep(now)
	}
	if got := len(conn.captured()); got != 3 {
		t.Fatalf("len(writes) = %d, want 3", got)
	}

	e.Ack(s, env.SeqNum)

	e.Sweep(now.Add(10 * testTimeout))
	if got := len(conn.captured()); got != 3 {
		t.Fatalf("len(writes) = %d after ack, want 3", got)
	}
	if len(abandoned) != 0 {
		t.Fatalf("Abandoned = %v, want none", abandoned)
	}
}

// TestReceiveAcksEveryDeliveryButReportsFreshOnce verifies receiver-side
// semantics: every inbound reliable envelope is acked, duplicates included,
// but only the first delivery is fresh.
func TestReceiveAcksEveryDeliveryButReportsFreshOnce(t *testing.T) {
	conn := &fakeConn{}
	e, s := newEngine(t, conn, nil)

	fresh, err := e.Receive(s, 5)
	if err != nil || !fresh {
		t.Fatalf("First Receive = (%v, %v), want (true, nil)", fresh, err)
	}
	fresh, err = e.Receive(s, 5)
	if err != nil || fresh {
		t.Fatalf("Duplicate Receive = (%v, %v), want (false, nil)", fresh, err)
	}

	writes := conn.captured()
	if len(writes) != 2 {
		t.Fatalf("len(writes) = %d, want 2 acks", len(writes))
	}
	for i, env := range writes {
		if env.Type != protocol.TypeAck || env.AckNum != 5 {
			t.Fatalf("Write %d = %s ack_num %d, want UDP_ACK ack_num 5", i, env.Type, env.AckNum)
		}
	}
}

// TestSendFailureLeavesPendingForSweep verifies that a failed first write
// does not lose the message: the pending entry stays and the sweep delivers
// it once the socket recovers.
func TestSendFailureLeavesPendingForSweep(t *testing.T) {
	conn := &fakeConn{err: errors.New("network down")}
	e, s := newEngine(t, conn, nil)

	env, err := protocol.NewData(protocol.TypeMessage, &protocol.ChatPayload{Text: "delayed"})
	if err != nil {
		t.Fatalf("NewData failed: %v", err)
	}
	if err := e.Send(s, env); err == nil {
		t.Fatal("Send should report the write failure")
	}
	if s.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", s.PendingCount())
	}

	// The socket recovers; the sweep retransmits.
	conn.mu.Lock()
	conn.err = nil
	conn.mu.Unlock()

	e.Sweep(time.Now().Add(testTimeout + time.Millisecond))
	writes := conn.captured()
	if len(writes) != 1 || writes[0].SeqNum != env.SeqNum {
		t.Fatalf("Expected one retransmission of seq %d, got %v", env.SeqNum, writes)
	}
}
