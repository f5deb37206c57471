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

// Stats is the process-wide connection/traffic counter for the relay.
var Stats = &stats{}

type stats struct {
	TotalConns     atomic.Int64 // cumulative accepted connections since process start
	ClosedConns    atomic.Int64 // cumulative closed connections since process start
	PacketsIn      atomic.Int64 // packets received from authenticated clients
	PacketsRelayed atomic.Int64 // packets forwarded or fanned out to peers
}

func (s *stats) AddConn()    { s.TotalConns.Add(1) }
func (s *stats) RemoveConn() { s.ClosedConns.Add(1) }
func (s *stats) AddIn()      { s.PacketsIn.Add(1) }
func (s *stats) AddRelayed() { s.PacketsRelayed.Add(1) }

// Live returns the number of currently open connections.
func (s *stats) Live() int64 {
	return s.TotalConns.Load() - s.ClosedConns.Load()
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs relay statistics every
// 10 seconds while there is activity. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevIn, prevRelayed, prevTotal, prevClosed int64
		for {
			select {
			case <-ticker.C:
				total := Stats.TotalConns.Load()
				closed := Stats.ClosedConns.Load()
				in := Stats.PacketsIn.Load()
				relayed := Stats.PacketsRelayed.Load()

				if in != prevIn || relayed != prevRelayed || total != prevTotal || closed != prevClosed {
					pterm.DefaultLogger.Info(fmt.Sprintf(
						"In: %4d pkt/10s | Relayed: %4d pkt/10s | Conn: %2d↑ %2d↓ (%d live)",
						in-prevIn, relayed-prevRelayed, total-prevTotal, closed-prevClosed, Stats.Live(),
					))
				}

				prevIn = in
				prevRelayed = relayed
				prevTotal = total
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}
