// Package clocksync implements the periodic time beacon: the master
// pushes its monotonic frame counter and timestamp to each slave (opcode
// frame.OpClockSync) on a fixed interval, and each slave derives a local
// offset so it can express "master time" in terms of its own clock without
// a round-trip per frame.
//
// The beacon carries the full 8-byte microsecond timestamp rather than a
// truncated low-bits field; the wider field removes wraparound arithmetic
// on the slave for no extra opcode cost.
package clocksync

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"time"
)

// Interval is the default beacon period.
const Interval = 1000 * time.Millisecond

// SyncLostWindow is how long past the beacon cadence a slave waits before
// treating synchronization as lost and reporting it.
const SyncLostWindow = 3 * Interval

// BeaconPayloadLen is the wire size of a clock sync payload: 4-byte frame
// counter + 8-byte timestamp, both big-endian.
const BeaconPayloadLen = 12

// ErrShortBeacon is returned when a received CLOCK_SYNC payload is smaller
// than BeaconPayloadLen.
var ErrShortBeacon = errors.New("clocksync: short beacon payload")

// Beacon is one clock synchronization announcement.
type Beacon struct {
	FrameCounter uint32
	MasterTimeUS uint64
}

// Encode serializes b as a CLOCK_SYNC payload.
func (b Beacon) Encode() []byte {
	out := make([]byte, BeaconPayloadLen)
	binary.BigEndian.PutUint32(out[0:4], b.FrameCounter)
	binary.BigEndian.PutUint64(out[4:12], b.MasterTimeUS)
	return out
}

// DecodeBeacon parses a CLOCK_SYNC payload.
func DecodeBeacon(payload []byte) (Beacon, error) {
	if len(payload) < BeaconPayloadLen {
		return Beacon{}, ErrShortBeacon
	}
	return Beacon{
		FrameCounter: binary.BigEndian.Uint32(payload[0:4]),
		MasterTimeUS: binary.BigEndian.Uint64(payload[4:12]),
	}, nil
}

// MasterClock is the master-side beacon source. It owns the monotonic
// frame counter, advanced once per rendered frame as VSYNCs arrive. The
// counter is atomic so the application context can read it while the
// service context ticks it.
type MasterClock struct {
	now   func() time.Time
	epoch time.Time

	frameCounter atomic.Uint32
}

// NewMasterClock creates a MasterClock. A nil now defaults to time.Now.
func NewMasterClock(now func() time.Time) *MasterClock {
	if now == nil {
		now = time.Now
	}
	return &MasterClock{now: now, epoch: now()}
}

// Tick advances the frame counter by one, called once per observed VSYNC
// (edge or in-band, deduplicated upstream by events.Surface).
func (m *MasterClock) Tick() {
	m.frameCounter.Add(1)
}

// FrameCounter returns the current frame counter value.
func (m *MasterClock) FrameCounter() uint32 {
	return m.frameCounter.Load()
}

// Beacon produces the current beacon value, with MasterTimeUS measured as
// microseconds elapsed since the clock was created: a free-running local
// timebase, never corrected against anything external.
func (m *MasterClock) Beacon() Beacon {
	return Beacon{
		FrameCounter: m.frameCounter.Load(),
		MasterTimeUS: uint64(m.now().Sub(m.epoch).Microseconds()),
	}
}

// SlaveClock tracks a slave's derived offset from the master's timebase:
// master_time = local_time + offset.
type SlaveClock struct {
	now   func() time.Time
	epoch time.Time

	haveOffset   bool
	offsetUS     int64
	lastBeaconAt time.Time

	lastFrame uint32
}

// NewSlaveClock creates a SlaveClock. A nil now defaults to time.Now.
func NewSlaveClock(now func() time.Time) *SlaveClock {
	if now == nil {
		now = time.Now
	}
	return &SlaveClock{now: now, epoch: now()}
}

// localUS returns microseconds elapsed on the slave's own free-running
// timebase since the clock was created.
func (s *SlaveClock) localUS() int64 {
	return s.now().Sub(s.epoch).Microseconds()
}

// Observe updates the derived offset from a received beacon and records
// its frame counter and arrival time for gap detection.
func (s *SlaveClock) Observe(b Beacon) {
	s.offsetUS = int64(b.MasterTimeUS) - s.localUS()
	s.haveOffset = true
	s.lastBeaconAt = s.now()
	s.lastFrame = b.FrameCounter
}

// Synced reports whether at least one beacon has been observed.
func (s *SlaveClock) Synced() bool { return s.haveOffset }

// SyncLost reports whether a previously synchronized clock has gone
// SyncLostWindow without a beacon. A clock that has never synchronized is
// merely unsynchronized, not lost.
func (s *SlaveClock) SyncLost() bool {
	return s.haveOffset && s.now().Sub(s.lastBeaconAt) > SyncLostWindow
}

// MasterTimeUS converts the slave's current local time into the master's
// timebase. Valid only once Synced reports true; it keeps extrapolating
// from the last offset after the beacon cadence goes stale, which SyncLost
// reports.
func (s *SlaveClock) MasterTimeUS() int64 {
	return s.localUS() + s.offsetUS
}

// LastFrameCounter returns the frame counter carried by the most recently
// observed beacon, used to detect a frame counter running backwards (a
// master restart). A stalled master is detected by SyncLost instead.
func (s *SlaveClock) LastFrameCounter() uint32 { return s.lastFrame }
