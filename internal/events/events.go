// Package events implements the frame-event surface: the VSYNC line edge
// is the default delivery mechanism, with an optional in-band
// `[0xFB, 4, 0, 0]` packet as a second, independently enabled path. Both
// may fire for the same retrace; consumers see exactly one frame advance
// per window regardless of which (or both) paths delivered it.
//
// Delivery is a single-producer/single-consumer channel: the master's
// service loop posts a zero-payload event when its response-polling phase
// sees an edge or an in-band packet, and the application context drains
// it.
package events

import (
	"sync"
	"time"
)

// Source identifies which path delivered a frame advance, for diagnostics;
// dedup logic in Surface treats both sources as equivalent.
type Source int

const (
	SourceEdge Source = iota
	SourceInBand
)

// Surface deduplicates VSYNC edges and in-band 0xFB packets within one
// frame window and exposes a single channel of frame advances to the
// master's application context (context A).
type Surface struct {
	mu sync.Mutex

	inBandEnabled bool

	// lastWindow marks the most recent window in which a frame advance was
	// already delivered, so a second source firing inside the same window
	// is dropped rather than double-counted.
	lastWindow   uint64
	haveWindow   bool
	windowPeriod time.Duration
	windowOpenAt time.Time
	rawCounter   uint64

	advances chan struct{}
	now      func() time.Time
}

// NewSurface creates a Surface. windowPeriod is the expected frame
// interval (used only to bucket edge and in-band arrivals into the same
// window, not to pace anything); a nil now defaults to time.Now.
func NewSurface(windowPeriod time.Duration, now func() time.Time) *Surface {
	if now == nil {
		now = time.Now
	}
	return &Surface{
		windowPeriod: windowPeriod,
		advances:     make(chan struct{}, 1),
		now:          now,
	}
}

// EnableInBand turns on acceptance of the in-band 0xFB path (deduplicated
// against the edge path); while disabled, in-band notifications are
// dropped. It mirrors the CPU having asked the GPU to emit 0xFB.
func (s *Surface) EnableInBand(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inBandEnabled = enabled
}

// windowFor buckets t into a monotonically increasing window index sized
// by windowPeriod. A zero windowPeriod means "no framing at all": every
// call opens a new window, i.e. no dedup across calls, used by tests that
// want to observe raw delivery.
func (s *Surface) windowFor(t time.Time) uint64 {
	if s.windowPeriod <= 0 {
		s.rawCounter++
		return s.rawCounter
	}
	if !s.haveWindow {
		s.windowOpenAt = t
	}
	return uint64(t.Sub(s.windowOpenAt) / s.windowPeriod)
}

// Notify records a frame advance observed via source. It posts to the
// advance channel at most once per window, coalescing a second arrival in
// the same window (e.g. edge then in-band, or vice versa) into the single
// event the channel already carries. It reports whether this call opened a
// new frame window, i.e. whether the caller should treat it as a real
// frame boundary (master.Node advances its frame counter exactly when this
// returns true).
func (s *Surface) Notify(source Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if source == SourceInBand && !s.inBandEnabled {
		return false
	}

	w := s.windowFor(s.now())
	if s.haveWindow && w == s.lastWindow {
		return false
	}
	s.lastWindow = w
	s.haveWindow = true

	select {
	case s.advances <- struct{}{}:
	default:
		// A previous advance is still unconsumed; it already represents
		// this window's (or an earlier undelivered) frame boundary.
	}
	return true
}

// Advances returns the channel of frame advances, drained by the
// application context; the service loop only posts to it via Notify.
func (s *Surface) Advances() <-chan struct{} {
	return s.advances
}
