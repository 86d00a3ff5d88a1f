package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Session counters
// ──────────────────────────────────────────────────────────────────────────────

// Stats counts peer-link and signaling activity for one room session.
// The zero value is ready to use; a nil *Stats ignores every call.
type Stats struct {
	LinksOpened       atomic.Int64 // PeerLinks created
	LinksClosed       atomic.Int64 // PeerLinks torn down for any reason
	NegotiationErrors atomic.Int64 // offer/answer failures that tore a link down
	StaleSignals      atomic.Int64 // answers/candidates discarded for unknown links
	CandidatesQueued  atomic.Int64 // remote candidates held until the remote description was set
	SignalsSent       atomic.Int64 // frames written to the signaling channel
	SignalsRecv       atomic.Int64 // frames read from the signaling channel
	ShareYields       atomic.Int64 // local screen shares superseded by a remote one
}

func (s *Stats) AddLinkOpened() {
	if s != nil {
		s.LinksOpened.Add(1)
	}
}

func (s *Stats) AddLinkClosed() {
	if s != nil {
		s.LinksClosed.Add(1)
	}
}

func (s *Stats) AddNegotiationError() {
	if s != nil {
		s.NegotiationErrors.Add(1)
	}
}

func (s *Stats) AddStale() {
	if s != nil {
		s.StaleSignals.Add(1)
	}
}

func (s *Stats) AddQueued() {
	if s != nil {
		s.CandidatesQueued.Add(1)
	}
}

func (s *Stats) AddSent() {
	if s != nil {
		s.SignalsSent.Add(1)
	}
}

func (s *Stats) AddRecv() {
	if s != nil {
		s.SignalsRecv.Add(1)
	}
}

func (s *Stats) AddShareYield() {
	if s != nil {
		s.ShareYields.Add(1)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

type statsSample struct {
	opened, closed, errs, stale, queued, sent, recv, yields int64
}

func (s *Stats) sample() statsSample {
	return statsSample{
		opened: s.LinksOpened.Load(),
		closed: s.LinksClosed.Load(),
		errs:   s.NegotiationErrors.Load(),
		stale:  s.StaleSignals.Load(),
		queued: s.CandidatesQueued.Load(),
		sent:   s.SignalsSent.Load(),
		recv:   s.SignalsRecv.Load(),
		yields: s.ShareYields.Load(),
	}
}

// StartReporter launches a goroutine that logs session statistics every
// interval, skipping intervals in which nothing changed. It stops when ctx is
// cancelled.
func (s *Stats) StartReporter(ctx context.Context, interval time.Duration) {
	if s == nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev statsSample
		for {
			select {
			case <-ticker.C:
				cur := s.sample()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(cur))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats returns a one-line summary for display in the logger.
func formatStats(v statsSample) string {
	return fmt.Sprintf("Links: %2d↑ %2d↓ | Neg errors: %d | Stale: %d | Queued cand: %d | Signals: %d→ %d← | Share yields: %d",
		v.opened,
		v.closed,
		v.errs,
		v.stale,
		v.queued,
		v.sent,
		v.recv,
		v.yields,
	)
}
