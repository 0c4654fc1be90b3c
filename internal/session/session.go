// Package session tracks per-peer reliability state: one Session per
// connected participant, collected in a Registry keyed by peer identity
// (UDP address string, or connection address on the stream path).
package session

import (
	"net"
	"sync"
	"time"
)

// PendingSend is one outstanding reliable transmission: the encoded bytes of
// an envelope that carried a seq_num and has not been acknowledged yet.
// It is removed the instant its ack arrives or its retry budget runs out.
type PendingSend struct {
	SeqNum      uint64
	Data        []byte
	FirstSentAt time.Time
	LastSentAt  time.Time
	Retries     int
}

// Session is the per-peer record shared by the dispatch loop and the
// retransmission sweep. All mutable state is guarded by mu; the network
// write itself is never performed while holding it.
type Session struct {
	identity string
	addr     net.Addr

	mu           sync.Mutex
	username     string
	lastAccepted uint64 // highest inbound seq_num accepted so far
	seq          uint64 // last outbound seq_num assigned (numbering starts at 1)
	pending      map[uint64]*PendingSend
}

func newSession(identity string, addr net.Addr) *Session {
	return &Session{
		identity: identity,
		addr:     addr,
		pending:  make(map[uint64]*PendingSend),
	}
}

// Identity returns the registry key of this session.
func (s *Session) Identity() string { return s.identity }

// Addr returns the peer's network address (nil on the stream path, where the
// connection itself is the destination).
func (s *Session) Addr() net.Addr { return s.addr }

// Username returns the registered username, or "" while the session is
// provisional (auth still in flight).
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Authenticated reports whether the session completed username registration.
func (s *Session) Authenticated() bool {
	return s.Username() != ""
}

// NextSeq assigns the next outbound sequence number. Numbers are
// monotonically increasing from 1 and never reused within the session.
func (s *Session) NextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// Accept runs duplicate suppression for an inbound seq_num. A number at or
// below the last accepted one is a duplicate (or a late gap-filler, which is
// deliberately not reordered); anything greater is accepted as new and
// advances the watermark, gaps included.
func (s *Session) Accept(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.lastAccepted {
		return false
	}
	s.lastAccepted = seq
	return true
}

// Track records a pending send awaiting acknowledgment. At most one
// PendingSend exists per seq_num.
func (s *Session) Track(seq uint64, data []byte, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[seq] = &PendingSend{
		SeqNum:      seq,
		Data:        data,
		FirstSentAt: now,
		LastSentAt:  now,
	}
}

// ClearAck removes the pending send matching an ack_num. Absence is not an
// error: duplicate or late acks are a no-op.
func (s *Session) ClearAck(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[seq]; !ok {
		return false
	}
	delete(s.pending, seq)
	return true
}

// PendingCount returns the number of sends still awaiting acknowledgment.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// SweepPending implements one snapshot-then-mutate cycle of the
// retransmission sweep for this session. Entries older than timeout are
// returned for retransmission with their retry count incremented; entries
// whose budget is exhausted are removed and returned as abandoned. The caller
// performs the actual network writes after the lock is released.
func (s *Session) SweepPending(now time.Time, timeout time.Duration, maxRetries int) (resend []PendingSend, abandoned []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for seq, p := range s.pending {
		if now.Sub(p.LastSentAt) <= timeout {
			continue
		}
		if p.Retries < maxRetries {
			p.Retries++
			p.LastSentAt = now
			resend = append(resend, *p)
		} else {
			delete(s.pending, seq)
			abandoned = append(abandoned, seq)
		}
	}
	return resend, abandoned
}
