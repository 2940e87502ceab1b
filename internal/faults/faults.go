// Package faults implements the fault manager: the single place that
// interprets an ErrorKind and decides what the master does about it,
// keeping the response router itself free of kind-specific branching.
//
// The bounded post-mortem ring is a field owned by one Manager value,
// never a package-level mutable singleton.
package faults

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorKind mirrors the wire-level kind byte carried in an ERROR packet's
// second argument.
type ErrorKind uint8

const (
	KindTimeout            ErrorKind = 0x01
	KindInvalidCommand     ErrorKind = 0x02
	KindInvalidParams      ErrorKind = 0x03
	KindBusy               ErrorKind = 0x04
	KindMemoryExhausted    ErrorKind = 0x05
	KindCommunicationFault ErrorKind = 0x06
	KindSyncLost           ErrorKind = 0x07
	KindUnknown            ErrorKind = 0xFF
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindInvalidCommand:
		return "invalid-command"
	case KindInvalidParams:
		return "invalid-params"
	case KindBusy:
		return "busy"
	case KindMemoryExhausted:
		return "memory-exhausted"
	case KindCommunicationFault:
		return "communication-failure"
	case KindSyncLost:
		return "sync-lost"
	default:
		return "unknown"
	}
}

// Retryable reports whether kind is consumed by the queue's own retry
// policy without surfacing to the application: timeout and busy are
// retryable, everything else is immediate.
func (k ErrorKind) Retryable() bool {
	return k == KindTimeout || k == KindBusy
}

// recordRingSize bounds the post-mortem ring.
const recordRingSize = 32

// Record captures one fault occurrence for post-mortem inspection.
// Handled marks faults the manager answered with a recovery policy
// (backoff, cleanup, forced sync, link reset); unrecoverable kinds are
// recorded unhandled since they surface straight to the enqueuing context.
type Record struct {
	LinkID    string
	Opcode    uint8
	Kind      ErrorKind
	Timestamp time.Time
	Handled   bool
}

// BackoffDelay is the minimum pause before retrying a command against a
// slave that reported busy.
const BackoffDelay = 5 * time.Millisecond

// LinkResetPause is the minimum pause between deinit and reinit during
// link recovery.
const LinkResetPause = 10 * time.Millisecond

// SlaveResetPulse is the minimum low time on a slave reset line.
const SlaveResetPulse = 10 * time.Millisecond

// SlaveBootGrace is the minimum wait for slave boot after a link reset.
const SlaveBootGrace = 50 * time.Millisecond

// HealthCheckTimeout bounds the shortened wait for a health-check ping's
// ACK.
const HealthCheckTimeout = 20 * time.Millisecond

// MaxPingFailures is the number of consecutive health-check ping failures
// before a slave is marked unhealthy.
const MaxPingFailures = 3

// LinkActions is the set of side effects a Manager asks its caller to
// perform in response to a reported fault. Manager itself never touches a
// link or queue directly, keeping it decoupled from both;
// master.Node interprets the returned LinkActions.
type LinkActions struct {
	// Backoff, when non-zero, tells the caller to pause before the next
	// drain attempt on this queue.
	Backoff time.Duration

	// EnqueueCleanup is set for memory-exhausted: the caller should
	// enqueue a subsystem-specific cleanup command at the queue head.
	EnqueueCleanup bool

	// ForceClockSync is set for sync-lost: the caller should send an
	// immediate clock-sync beacon to this slave.
	ForceClockSync bool

	// ResetLink is set for communication-failure: the caller should run
	// the full link-reset recovery sequence.
	ResetLink bool

	// SlaveUnhealthy is set once three consecutive health-check pings to
	// this link have failed; the caller should transition to degraded.
	SlaveUnhealthy bool
}

// Manager interprets reported faults per link and keeps the ring buffer
// and per-link ping-failure counters that back those decisions.
type Manager struct {
	log *logrus.Entry

	mu           sync.Mutex
	ring         [recordRingSize]Record
	ringHead     int
	ringFilled   bool
	pingFailures map[string]int
	linkFailures map[string]int
	now          func() time.Time
}

// NewManager creates a Manager. A nil logger defaults to logrus's standard
// logger; a nil now defaults to time.Now.
func NewManager(log *logrus.Entry, now func() time.Time) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{
		log:          log,
		pingFailures: make(map[string]int),
		linkFailures: make(map[string]int),
		now:          now,
	}
}

// Report records kind against linkID/opcode and returns the actions the
// caller should take.
func (m *Manager) Report(linkID string, opcode uint8, kind ErrorKind) LinkActions {
	actions := m.policyFor(linkID, kind)
	m.recordEvent(linkID, opcode, kind, actions != LinkActions{})

	m.log.WithFields(logrus.Fields{
		"link":   linkID,
		"opcode": opcode,
		"kind":   kind.String(),
	}).Warn("fault reported")

	return actions
}

func (m *Manager) policyFor(linkID string, kind ErrorKind) LinkActions {
	switch kind {
	case KindTimeout:
		// A timeout report only reaches the manager once the queue's
		// retry budget is exhausted (the queue consumes the first
		// occurrences itself), so count the link failure and start a link
		// reset.
		m.mu.Lock()
		m.linkFailures[linkID]++
		m.mu.Unlock()
		return LinkActions{ResetLink: true}
	case KindBusy:
		return LinkActions{Backoff: BackoffDelay}
	case KindMemoryExhausted:
		return LinkActions{EnqueueCleanup: true}
	case KindSyncLost:
		return LinkActions{ForceClockSync: true}
	case KindCommunicationFault:
		m.mu.Lock()
		m.linkFailures[linkID]++
		m.mu.Unlock()
		return LinkActions{ResetLink: true}
	default:
		// invalid-command, invalid-params, unknown: no link-level action;
		// they surface immediately to the enqueuing context via the
		// queue's CompleteWithError path.
		return LinkActions{}
	}
}

// LinkFailures returns how many timeout-exhaustion and communication
// faults have been counted against linkID.
func (m *Manager) LinkFailures(linkID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.linkFailures[linkID]
}

func (m *Manager) recordEvent(linkID string, opcode uint8, kind ErrorKind, handled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ring[m.ringHead] = Record{LinkID: linkID, Opcode: opcode, Kind: kind, Timestamp: m.now(), Handled: handled}
	m.ringHead = (m.ringHead + 1) % recordRingSize
	if m.ringHead == 0 {
		m.ringFilled = true
	}
}

// Records returns a copy of the ring in chronological order, oldest first.
func (m *Manager) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.ringHead
	if m.ringFilled {
		n = recordRingSize
	}
	out := make([]Record, n)
	if !m.ringFilled {
		copy(out, m.ring[:m.ringHead])
		return out
	}
	for i := 0; i < recordRingSize; i++ {
		out[i] = m.ring[(m.ringHead+i)%recordRingSize]
	}
	return out
}

// PingFailed records one consecutive health-check ping failure for linkID
// and reports whether the slave should now be considered unhealthy.
func (m *Manager) PingFailed(linkID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pingFailures[linkID]++
	return m.pingFailures[linkID] >= MaxPingFailures
}

// PingSucceeded resets linkID's consecutive failure counter.
func (m *Manager) PingSucceeded(linkID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pingFailures, linkID)
}

// Pinger is the minimal surface faults.HealthCheck needs from a link: send
// a NOP and wait for its ACK. master.Node.Pinger returns one bound to a
// single link, which sends the NOP directly on the bus rather than through
// the link's queue.
type Pinger interface {
	Ping(ctx context.Context, timeout time.Duration) error
}

// HealthCheck runs one NOP ping against p and updates the consecutive
// failure counter for linkID, returning LinkActions with SlaveUnhealthy
// set once the threshold is reached.
func (m *Manager) HealthCheck(ctx context.Context, linkID string, p Pinger) LinkActions {
	ctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()

	if err := p.Ping(ctx, HealthCheckTimeout); err != nil {
		if m.PingFailed(linkID) {
			m.log.WithField("link", linkID).Error("slave unhealthy: three consecutive ping failures")
			return LinkActions{SlaveUnhealthy: true}
		}
		return LinkActions{}
	}
	m.PingSucceeded(linkID)
	return LinkActions{}
}
