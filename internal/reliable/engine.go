// Package reliable implements the acknowledgment/retransmission/duplicate-
// suppression protocol layered on top of raw datagrams. The engine is
// symmetric: the relay and the client both run one, as sender and receiver
// at once.
//
// Reliability is entirely sweep-driven. Send returns the moment the datagram
// is written; completion or failure is observed asynchronously when the ack
// arrives or the retry budget runs out. The retry interval is constant —
// there is deliberately no backoff.
package reliable

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/1ureka/1ureka.net.chat/internal/metrics"
	"github.com/1ureka/1ureka.net.chat/internal/protocol"
	"github.com/1ureka/1ureka.net.chat/internal/session"
	"github.com/1ureka/1ureka.net.chat/internal/util"
)

// Conn is the write side of a packet socket. *net.UDPConn satisfies it; tests
// substitute a capture fake.
type Conn interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
}

// AbandonFunc is invoked exactly once when a pending send exhausts its retry
// budget. The caller decides whether the failure is fatal to the session.
type AbandonFunc func(s *session.Session, seq uint64)

// Engine tracks pending sends across all sessions of a registry and runs the
// retransmission sweep against them.
type Engine struct {
	conn       Conn
	reg        *session.Registry
	timeout    time.Duration
	maxRetries int
	interval   time.Duration
	onAbandon  AbandonFunc
}

// New creates an engine. onAbandon may be nil if the caller does not care
// about delivery failures.
func New(conn Conn, reg *session.Registry, timeout time.Duration, maxRetries int, interval time.Duration, onAbandon AbandonFunc) *Engine {
	return &Engine{
		conn:       conn,
		reg:        reg,
		timeout:    timeout,
		maxRetries: maxRetries,
		interval:   interval,
		onAbandon:  onAbandon,
	}
}

// Run executes the retransmission sweep until ctx is cancelled. It runs
// concurrently with the dispatch loop; the two share session state through
// the session mutexes only.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			e.Sweep(now)
		case <-ctx.Done():
			return
		}
	}
}

// Send transmits an envelope reliably to the session's peer: it assigns the
// next sequence number, records a pending send, and writes the datagram.
// It never blocks waiting for the acknowledgment.
func (e *Engine) Send(s *session.Session, env *protocol.Envelope) error {
	env.SeqNum = s.NextSeq()
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	s.Track(env.SeqNum, data, time.Now())
	if _, err := e.conn.WriteTo(data, s.Addr()); err != nil {
		// The pending entry stays; the sweep retries until the budget runs out.
		return fmt.Errorf("send seq %d to %s: %w", env.SeqNum, s.Identity(), err)
	}
	return nil
}

// Ack clears the pending send matching an inbound ack_num. Duplicate or late
// acks for an already-cleared send are a no-op, never an error.
func (e *Engine) Ack(s *session.Session, ackNum uint64) {
	if s.ClearAck(ackNum) {
		util.LogDebug("ack %d cleared for %s", ackNum, s.Identity())
	}
}

// Receive handles an inbound reliable envelope: it always writes the
// acknowledgment back (so the peer can clear its retransmission buffer, even
// for duplicates) and reports whether the sequence number is new. The caller
// hands the payload to the application router only when fresh is true, which
// makes processing exactly-once per (peer, seq_num).
func (e *Engine) Receive(s *session.Session, seq uint64) (fresh bool, err error) {
	fresh = s.Accept(seq)
	if !fresh {
		metrics.DuplicatesSuppressed.Inc()
		util.LogDebug("duplicate seq %d from %s, re-acking", seq, s.Identity())
	}
	data, err := protocol.Encode(protocol.NewAck(seq))
	if err != nil {
		return fresh, err
	}
	if _, err := e.conn.WriteTo(data, s.Addr()); err != nil {
		return fresh, fmt.Errorf("ack seq %d to %s: %w", seq, s.Identity(), err)
	}
	return fresh, nil
}

// Sweep performs one retransmission pass over every session. Each session is
// snapshotted under its own lock; the network writes happen after release.
func (e *Engine) Sweep(now time.Time) {
	for _, s := range e.reg.Sessions() {
		resend, abandoned := s.SweepPending(now, e.timeout, e.maxRetries)

		for _, p := range resend {
			util.LogDebug("retransmit seq %d to %s (attempt %d)", p.SeqNum, s.Identity(), p.Retries)
			metrics.Retransmissions.Inc()
			util.Stats.AddRetransmit()
			if _, err := e.conn.WriteTo(p.Data, s.Addr()); err != nil {
				util.LogWarning("retransmit seq %d to %s: %v", p.SeqNum, s.Identity(), err)
			}
		}

		for _, seq := range abandoned {
			util.LogWarning("giving up on seq %d to %s after %d retries", seq, s.Identity(), e.maxRetries)
			metrics.AbandonedSends.Inc()
			if e.onAbandon != nil {
				e.onAbandon(s, seq)
			}
		}
	}
}
