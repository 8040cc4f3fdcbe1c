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

// Stats is the process-wide signaling counter.
var Stats = &stats{}

type stats struct {
	EnvelopesSent    atomic.Int64 // outbound envelopes accepted by the server
	EnvelopesDropped atomic.Int64 // outbound envelopes lost to send failures
	InboundHandled   atomic.Int64 // inbound envelopes routed to a handler
	InboundSkipped   atomic.Int64 // inbound events dropped (parse, routing, protocol errors)
	SessionsOpened   atomic.Int64 // cumulative peer sessions created
	SessionsClosed   atomic.Int64 // cumulative peer sessions torn down
}

func (s *stats) AddSent()          { s.EnvelopesSent.Add(1) }
func (s *stats) AddDropped()       { s.EnvelopesDropped.Add(1) }
func (s *stats) AddHandled()       { s.InboundHandled.Add(1) }
func (s *stats) AddSkipped()       { s.InboundSkipped.Add(1) }
func (s *stats) AddSessionOpened() { s.SessionsOpened.Add(1) }
func (s *stats) AddSessionClosed() { s.SessionsClosed.Add(1) }

// ActiveSessions returns the number of sessions opened and not yet closed.
func (s *stats) ActiveSessions() int64 {
	return s.SessionsOpened.Load() - s.SessionsClosed.Load()
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs signaling statistics
// every interval. Quiet intervals are not logged. It stops when ctx is
// cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevSent, prevDropped, prevIn, prevOpened, prevClosed int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.EnvelopesSent.Load()
				dropped := Stats.EnvelopesDropped.Load()
				in := Stats.InboundHandled.Load() + Stats.InboundSkipped.Load()
				opened := Stats.SessionsOpened.Load()
				closed := Stats.SessionsClosed.Load()

				if sent != prevSent || dropped != prevDropped || in != prevIn ||
					opened != prevOpened || closed != prevClosed {
					pterm.DefaultLogger.Info(formatStats(
						sent-prevSent, dropped-prevDropped, in-prevIn,
						opened-prevOpened, closed-prevClosed, opened-closed,
					))
				}

				prevSent = sent
				prevDropped = dropped
				prevIn = in
				prevOpened = opened
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats returns a one-line summary of the deltas since the last report.
func formatStats(sent, dropped, in, opened, closed, active int64) string {
	return fmt.Sprintf("Out: %3d sent %3d dropped | In: %3d | Peers: %2d↑ %2d↓ (%d active)",
		sent,
		dropped,
		in,
		opened,
		closed,
		active,
	)
}
