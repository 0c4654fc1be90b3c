package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide relay traffic counter.
var Stats = &stats{}

type stats struct {
	Joined     atomic.Int64 // cumulative sessions registered since process start
	Left       atomic.Int64 // cumulative sessions removed since process start
	Relayed    atomic.Int64 // cumulative chat messages relayed
	Retransmit atomic.Int64 // cumulative retransmissions by the sweep
}

func (s *stats) AddJoin()       { s.Joined.Add(1) }
func (s *stats) AddLeave()      { s.Left.Add(1) }
func (s *stats) AddRelayed()    { s.Relayed.Add(1) }
func (s *stats) AddRetransmit() { s.Retransmit.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs relay statistics every
// 10 seconds while there is activity. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevJoined, prevLeft, prevRelayed, prevRetransmit int64
		for {
			select {
			case <-ticker.C:
				joined := Stats.Joined.Load()
				left := Stats.Left.Load()
				relayed := Stats.Relayed.Load()
				retransmit := Stats.Retransmit.Load()

				dJoin := joined - prevJoined
				dLeave := left - prevLeft
				dRelay := relayed - prevRelayed
				dRetry := retransmit - prevRetransmit

				if dJoin > 0 || dLeave > 0 || dRelay > 0 || dRetry > 0 {
					pterm.DefaultLogger.Info(formatStats(dRelay, dRetry, dJoin, dLeave))
				}

				prevJoined = joined
				prevLeft = left
				prevRelayed = relayed
				prevRetransmit = retransmit

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(relayed, retransmit, joined, left int64) string {
	return fmt.Sprintf("Relayed: %4d | Retransmit: %4d | Sessions: %2d↑ %2d↓",
		relayed,
		retransmit,
		joined,
		left,
	)
}
