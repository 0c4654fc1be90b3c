package relay

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/1ureka.net.chat/internal/config"
	"github.com/1ureka/1ureka.net.chat/internal/protocol"
)

// fakeConn captures every datagram the relay writes, keyed by destination.
type fakeConn struct {
	mu     sync.Mutex
	writes map[string][]*protocol.Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{writes: make(map[string][]*protocol.Envelope)}
}

func (f *fakeConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	env, err := protocol.Decode(b)
	if err != nil {
		panic("relay wrote an undecodable datagram: " + err.Error())
	}
	f.writes[addr.String()] = append(f.writes[addr.String()], env)
	return len(b), nil
}

// to returns everything written to one peer, filtered by type.
func (f *fakeConn) to(addr net.Addr, t protocol.Type) []*protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.Envelope
	for _, env := range f.writes[addr.String()] {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// wrapped returns the UDP_DATA envelopes to one peer whose original type
// matches t.
func (f *fakeConn) wrapped(tb testing.TB, addr net.Addr, t protocol.Type) []any {
	tb.Helper()
	var out []any
	for _, env := range f.to(addr, protocol.TypeData) {
		p, err := protocol.DecodePayload(env)
		if err != nil {
			tb.Fatalf("bad UDP_DATA payload: %v", err)
		}
		wrapper := p.(*protocol.DataPayload)
		if wrapper.OriginalType != t {
			continue
		}
		content, err := protocol.DecodeContent(wrapper)
		if err != nil {
			tb.Fatalf("bad %s content: %v", t, err)
		}
		out = append(out, content)
	}
	return out
}

func newTestServer() (*Server, *fakeConn) {
	cfg := &config.Config{
		RetryTimeout:  time.Second,
		MaxRetries:    3,
		SweepInterval: 500 * time.Millisecond,
	}
	s := New(cfg)
	conn := newFakeConn()
	s.attach(conn)
	return s, conn
}

func addr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

// inject encodes a client-side envelope and feeds it to the dispatch loop.
func inject(t *testing.T, s *Server, from net.Addr, env *protocol.Envelope) {
	t.Helper()
	data, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	s.handle(data, from)
}

func authEnv(t *testing.T, username string, seq uint64) *protocol.Envelope {
	t.Helper()
	env, err := protocol.New(protocol.TypeAuthRequest, &protocol.AuthRequestPayload{Username: username})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	env.SeqNum = seq
	return env
}

func chatEnv(t *testing.T, text string, seq uint64) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewData(protocol.TypeMessage, &protocol.ChatPayload{Text: text})
	if err != nil {
		t.Fatalf("NewData failed: %v", err)
	}
	env.SeqNum = seq
	return env
}

func join(t *testing.T, s *Server, from net.Addr, username string) {
	t.Helper()
	inject(t, s, from, authEnv(t, username, 1))
}

// TestAuthSuccess verifies the registration happy path: the request is
// acked, the verdict is positive, and the newcomer receives a welcome notice
// plus the user list snapshot.
func TestAuthSuccess(t *testing.T) {
	s, conn := newTestServer()
	alice := addr(1001)

	join(t, s, alice, "alice")

	if acks := conn.to(alice, protocol.TypeAck); len(acks) != 1 || acks[0].AckNum != 1 {
		t.Fatalf("Acks to alice = %v, want one with ack_num 1", acks)
	}

	verdicts := conn.to(alice, protocol.TypeAuthResponse)
	if len(verdicts) != 1 {
		t.Fatalf("len(verdicts) = %d, want 1", len(verdicts))
	}
	p, err := protocol.DecodePayload(verdicts[0])
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if resp := p.(*protocol.AuthResponsePayload); !resp.OK {
		t.Fatalf("Verdict = %+v, want OK", resp)
	}
	if verdicts[0].SeqNum == 0 {
		t.Error("Verdict must be sent reliably (carry a seq_num)")
	}

	if systems := conn.wrapped(t, alice, protocol.TypeSystem); len(systems) != 1 {
		t.Fatalf("Welcome notices = %d, want 1", len(systems))
	}
	lists := conn.wrapped(t, alice, protocol.TypeUserList)
	if len(lists) != 1 {
		t.Fatalf("User lists = %d, want 1", len(lists))
	}
	users := lists[0].(*protocol.UserListPayload).Users
	if len(users) != 1 || users[0] != "alice" {
		t.Fatalf("User list = %v, want [alice]", users)
	}
}

// TestAuthDuplicateUsername verifies that a second peer asking for a taken
// name is rejected with a negative verdict and the registry is unchanged.
func TestAuthDuplicateUsername(t *testing.T) {
	s, conn := newTestServer()
	alice, intruder := addr(1001), addr(1002)

	join(t, s, alice, "alice")
	join(t, s, intruder, "alice")

	verdicts := conn.to(intruder, protocol.TypeAuthResponse)
	if len(verdicts) != 1 {
		t.Fatalf("len(verdicts) = %d, want 1", len(verdicts))
	}
	p, err := protocol.DecodePayload(verdicts[0])
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	resp := p.(*protocol.AuthResponsePayload)
	if resp.OK || resp.Error == "" {
		t.Fatalf("Verdict = %+v, want rejection with reason", resp)
	}

	if names := s.reg.Usernames(); len(names) != 1 || names[0] != "alice" {
		t.Fatalf("Usernames = %v, want [alice]", names)
	}
	if holder, ok := s.reg.ByUsername("alice"); !ok || holder.Identity() != alice.String() {
		t.Fatal("Original holder must not be evicted")
	}
}

// TestAuthRetransmissionProcessedOnce verifies that a retransmitted auth
// request is re-acked but produces no second verdict or join broadcast.
func TestAuthRetransmissionProcessedOnce(t *testing.T) {
	s, conn := newTestServer()
	alice := addr(1001)

	join(t, s, alice, "alice")
	join(t, s, alice, "alice") // client retransmission of seq 1

	if acks := conn.to(alice, protocol.TypeAck); len(acks) != 2 {
		t.Fatalf("Acks = %d, want 2 (every delivery is acked)", len(acks))
	}
	if verdicts := conn.to(alice, protocol.TypeAuthResponse); len(verdicts) != 1 {
		t.Fatalf("Verdicts = %d, want 1 (processed once)", len(verdicts))
	}
}

// TestJoinNotifiesExistingUsers verifies the topology broadcast: everyone
// except the newcomer hears USER_JOINED.
func TestJoinNotifiesExistingUsers(t *testing.T) {
	s, conn := newTestServer()
	alice, bob := addr(1001), addr(1002)

	join(t, s, alice, "alice")
	join(t, s, bob, "bob")

	events := conn.wrapped(t, alice, protocol.TypeUserJoined)
	if len(events) != 1 {
		t.Fatalf("USER_JOINED to alice = %d, want 1", len(events))
	}
	if ev := events[0].(*protocol.UserEventPayload); ev.Username != "bob" {
		t.Fatalf("Joined username = %q, want bob", ev.Username)
	}

	if events := conn.wrapped(t, bob, protocol.TypeUserJoined); len(events) != 0 {
		t.Fatalf("USER_JOINED to bob (the joiner) = %d, want 0", len(events))
	}
}

// TestChatBroadcastExcludesOriginator verifies the relay fan-out: every
// authenticated session except the sender receives the message, attributed
// to the sender.
func TestChatBroadcastExcludesOriginator(t *testing.T) {
	s, conn := newTestServer()
	alice, bob, carol := addr(1001), addr(1002), addr(1003)

	join(t, s, alice, "alice")
	join(t, s, bob, "bob")
	join(t, s, carol, "carol")

	inject(t, s, bob, chatEnv(t, "hello everyone", 2))

	for _, peer := range []*net.UDPAddr{alice, carol} {
		msgs := conn.wrapped(t, peer, protocol.TypeMessage)
		if len(msgs) != 1 {
			t.Fatalf("Messages to %s = %d, want 1", peer, len(msgs))
		}
		chat := msgs[0].(*protocol.ChatPayload)
		if chat.Sender != "bob" || chat.Text != "hello everyone" {
			t.Fatalf("Relayed chat = %+v", chat)
		}
	}

	if msgs := conn.wrapped(t, bob, protocol.TypeMessage); len(msgs) != 0 {
		t.Fatalf("Messages echoed to the originator = %d, want 0", len(msgs))
	}
}

// TestDuplicateDataAckedNotReprocessed verifies the seq 5 scenario: a
// retransmitted chat message is acked again but relayed only once.
func TestDuplicateDataAckedNotReprocessed(t *testing.T) {
	s, conn := newTestServer()
	alice, bob := addr(1001), addr(1002)

	join(t, s, alice, "alice")
	join(t, s, bob, "bob")

	inject(t, s, bob, chatEnv(t, "once only", 5))
	inject(t, s, bob, chatEnv(t, "once only", 5))

	var acksFor5 int
	for _, env := range conn.to(bob, protocol.TypeAck) {
		if env.AckNum == 5 {
			acksFor5++
		}
	}
	if acksFor5 != 2 {
		t.Fatalf("Acks for seq 5 = %d, want 2", acksFor5)
	}

	if msgs := conn.wrapped(t, alice, protocol.TypeMessage); len(msgs) != 1 {
		t.Fatalf("Messages to alice = %d, want 1 (duplicate suppressed)", len(msgs))
	}
}

// TestPrivateMessageRouting verifies that "/msg" reaches exactly the named
// recipient and failures bounce back to the sender.
func TestPrivateMessageRouting(t *testing.T) {
	s, conn := newTestServer()
	alice, bob, carol := addr(1001), addr(1002), addr(1003)

	join(t, s, alice, "alice")
	join(t, s, bob, "bob")
	join(t, s, carol, "carol")

	inject(t, s, alice, chatEnv(t, "/msg bob psst", 2))

	pms := conn.wrapped(t, bob, protocol.TypePrivate)
	if len(pms) != 1 {
		t.Fatalf("Private messages to bob = %d, want 1", len(pms))
	}
	pm := pms[0].(*protocol.PrivatePayload)
	if pm.Sender != "alice" || pm.Text != "psst" {
		t.Fatalf("Private message = %+v", pm)
	}
	if got := conn.wrapped(t, carol, protocol.TypePrivate); len(got) != 0 {
		t.Fatalf("Private messages leaked to carol: %d", len(got))
	}

	// Unknown recipient bounces.
	inject(t, s, alice, chatEnv(t, "/msg ghost boo", 3))
	fails := conn.wrapped(t, alice, protocol.TypePrivateFailed)
	if len(fails) != 1 {
		t.Fatalf("Failure notices to alice = %d, want 1", len(fails))
	}
	if f := fails[0].(*protocol.PrivateFailedPayload); f.Recipient != "ghost" {
		t.Fatalf("Failure notice = %+v", f)
	}
}

// TestLeavingRemovesAndNotifies verifies the graceful-departure path.
func TestLeavingRemovesAndNotifies(t *testing.T) {
	s, conn := newTestServer()
	alice, bob := addr(1001), addr(1002)

	join(t, s, alice, "alice")
	join(t, s, bob, "bob")

	leave, err := protocol.New(protocol.TypeClientLeaving, &protocol.LeavingPayload{Username: "bob"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	leave.SeqNum = 2
	inject(t, s, bob, leave)

	if names := s.reg.Usernames(); len(names) != 1 || names[0] != "alice" {
		t.Fatalf("Usernames = %v, want [alice]", names)
	}
	events := conn.wrapped(t, alice, protocol.TypeUserLeft)
	if len(events) != 1 {
		t.Fatalf("USER_LEFT to alice = %d, want 1", len(events))
	}
	if ev := events[0].(*protocol.UserEventPayload); ev.Username != "bob" {
		t.Fatalf("Departed username = %q, want bob", ev.Username)
	}
}

// TestAbandonRemovesSessionOnce verifies that retry exhaustion on a delivery
// to a vanished peer removes the session and announces the departure, and
// that further abandoned seqs for the same peer do not repeat the broadcast.
func TestAbandonRemovesSessionOnce(t *testing.T) {
	s, conn := newTestServer()
	alice, bob := addr(1001), addr(1002)

	join(t, s, alice, "alice")
	join(t, s, bob, "bob")

	sess, ok := s.reg.Lookup(bob.String())
	if !ok {
		t.Fatal("bob's session missing")
	}
	s.handleAbandon(sess, 3)
	s.handleAbandon(sess, 4)

	if _, ok := s.reg.Lookup(bob.String()); ok {
		t.Fatal("bob's session should be removed")
	}
	if events := conn.wrapped(t, alice, protocol.TypeUserLeft); len(events) != 1 {
		t.Fatalf("USER_LEFT to alice = %d, want 1", len(events))
	}
}

// TestUnauthenticatedDataIgnored verifies that data from a peer that never
// registered is dropped without side effects.
func TestUnauthenticatedDataIgnored(t *testing.T) {
	s, conn := newTestServer()
	alice, stranger := addr(1001), addr(1099)

	join(t, s, alice, "alice")
	inject(t, s, stranger, chatEnv(t, "let me in", 1))

	if msgs := conn.wrapped(t, alice, protocol.TypeMessage); len(msgs) != 0 {
		t.Fatalf("Messages to alice = %d, want 0", len(msgs))
	}
}

// TestMalformedDatagramIgnored verifies that undecodable input never crashes
// the dispatch loop.
func TestMalformedDatagramIgnored(t *testing.T) {
	s, _ := newTestServer()
	alice := addr(1001)

	join(t, s, alice, "alice")
	s.handle([]byte("not json at all"), addr(1099))
	s.handle([]byte(`{"type":"NOPE","payload":{}}`), addr(1099))

	if names := s.reg.Usernames(); len(names) != 1 {
		t.Fatalf("Usernames = %v, want [alice]", names)
	}
}
