// Package slave implements the GPU/APU node state machine: boot -> ready
// <-> processing <-> responding -> recovery, with a reset opcode (0x01)
// that preempts in-flight background work, and a GPU-only retrace step
// that pulses the VSYNC line and optionally emits an in-band [0xFB]
// packet.
//
// Cancellation happens at a safe point: a handler's deferred work watches
// a context that is replaced on every reset. Per-destination command
// tables (GPU vs APU) are plain struct fields on Node, never a shared
// package-level registry, since the same opcode value carries different
// semantics per destination.
package slave

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"triboy/internal/catalog"
	"triboy/internal/clocksync"
	"triboy/internal/faults"
	"triboy/internal/frame"
	"triboy/internal/linkbus"
)

// State is the slave node's lifecycle state.
type State int

const (
	StateBoot State = iota
	StateReady
	StateProcessing
	StateResponding
	StateRecovery
)

func (s State) String() string {
	switch s {
	case StateBoot:
		return "boot"
	case StateReady:
		return "ready"
	case StateProcessing:
		return "processing"
	case StateResponding:
		return "responding"
	case StateRecovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// HandlerBudget bounds one handler's synchronous portion so the receive
// path is never starved.
const HandlerBudget = 20 * time.Millisecond

// Result is what a Handler reports back to the responding step.
type Result struct {
	OK   bool
	Kind faults.ErrorKind // meaningful only when !OK
}

// Handler implements one opcode's subsystem-specific behavior (rendering
// on GPU, synthesis on APU; outside this package's concern). A handler
// must return within HandlerBudget; work that cannot
// finish that fast belongs on a goroutine started from BackgroundContext,
// not inline here.
type Handler func(ctx context.Context, payload []byte) Result

// ResetFunc reinitializes subsystem state during reset handling, run
// before the reset command's own ACK is sent.
type ResetFunc func(ctx context.Context) error

// Node is one slave (GPU or APU) process's protocol-layer state.
type Node struct {
	log   *logrus.Entry
	dest  string
	bus   linkbus.SlaveBus
	table catalog.Table
	clock *clocksync.SlaveClock

	mu               sync.Mutex
	state            State
	handlers         map[uint8]Handler
	resetFn          ResetFunc
	carriesVSync     bool
	inBandVSync      bool
	backgroundCancel context.CancelFunc

	deferredWork chan func()

	// respBuf backs the receive loop's ACK/ERROR encoding, reused across
	// responses so the respond path does not allocate per packet. Owned by
	// the receive loop exclusively; Retrace runs on its own goroutine and
	// must not touch it.
	respBuf [frame.MaxLength]byte

	// syncLostReported latches the unsolicited sync-lost report so it
	// goes out once per stale episode, re-armed by the next beacon.
	syncLostReported bool
}

// NewNode creates a Node in state boot for one destination ("gpu" or
// "apu"), bound to table for opcode name lookups in logging.
func NewNode(dest string, bus linkbus.SlaveBus, table catalog.Table, clock *clocksync.SlaveClock, resetFn ResetFunc, log *logrus.Entry) *Node {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Node{
		log:          log,
		dest:         dest,
		bus:          bus,
		table:        table,
		clock:        clock,
		state:        StateBoot,
		handlers:     make(map[uint8]Handler),
		resetFn:      resetFn,
		carriesVSync: dest == "gpu",
		deferredWork: make(chan func(), 16),
	}
}

// State returns the node's current lifecycle state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Node) setState(s State) {
	n.mu.Lock()
	prev := n.state
	n.state = s
	n.mu.Unlock()
	if prev != s {
		n.log.WithFields(logrus.Fields{"dest": n.dest, "from": prev.String(), "to": s.String()}).Debug("slave state transition")
	}
}

// Boot transitions boot -> ready once the caller has wired command table
// registrations and the subsystem's initial reset.
func (n *Node) Boot() { n.setState(StateReady) }

// Register binds a handler to opcode. Re-registering an opcode replaces
// its handler; callers normally populate the whole table once at startup
// (see gpu.NewStubTable, apu.NewStubTable).
func (n *Node) Register(opcode uint8, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[opcode] = h
}

// EnableInBandVSync toggles the in-band 0xFB emission path, driven by
// the GPU handler for catalog.GPU's SET_VBLANK_CALLBACK (0x03).
func (n *Node) EnableInBandVSync(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.inBandVSync = enabled
}

// BackgroundContext returns a context for a handler's deferred work,
// canceling whatever background context it previously handed out. A
// handler that starts background work should always fetch a fresh one
// immediately before starting its goroutine, and that goroutine should
// select on ctx.Done() as its cancellation-safe point.
func (n *Node) BackgroundContext() context.Context {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.backgroundCancel != nil {
		n.backgroundCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	n.backgroundCancel = cancel
	return ctx
}

// Defer schedules fn on the node's background worker. Callers run
// RunDeferred on a separate goroutine from RunOnce's receive loop.
func (n *Node) Defer(fn func()) {
	select {
	case n.deferredWork <- fn:
	default:
		n.log.WithField("dest", n.dest).Warn("slave: deferred work queue full, dropping")
	}
}

// RunDeferred drains and executes work pushed via Defer, waiting for more
// when the queue is empty, until ctx is canceled.
func (n *Node) RunDeferred(ctx context.Context) {
	for {
		select {
		case fn := <-n.deferredWork:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce executes one iteration of the per-command loop: await one
// inbound packet, process it, and respond. Exported so tests can
// single-step the node deterministically.
func (n *Node) RunOnce(ctx context.Context) error {
	raw, err := n.bus.AwaitCommand(ctx)
	if err != nil {
		return err
	}
	pkt, err := frame.Decode(raw)
	if err != nil {
		n.log.WithError(err).WithField("dest", n.dest).Warn("slave: malformed packet, discarding")
		return nil
	}

	switch pkt.Opcode {
	case frame.OpReset:
		return n.handleReset(ctx, pkt)
	case frame.OpClockSync:
		n.handleClockSync(pkt)
		return n.respond(ctx, pkt.Opcode, Result{OK: true})
	}

	n.setState(StateProcessing)
	res := n.execute(ctx, pkt)
	n.setState(StateResponding)
	err = n.respond(ctx, pkt.Opcode, res)
	n.setState(StateReady)
	if err != nil {
		return err
	}
	n.maybeReportSyncLost(ctx)
	return nil
}

// maybeReportSyncLost emits one unsolicited sync-lost ERROR when the
// beacon cadence has gone stale, prompting the master's fault manager to
// force an immediate clock-sync. Latched per episode: one report until
// the next beacon re-arms it.
func (n *Node) maybeReportSyncLost(ctx context.Context) {
	if n.clock == nil || !n.clock.SyncLost() || n.syncLostReported {
		return
	}
	wire, err := frame.Encode(frame.OpError, []byte{frame.OpClockSync, uint8(faults.KindSyncLost)})
	if err != nil {
		return
	}
	if err := n.bus.Emit(ctx, wire); err != nil {
		n.log.WithError(err).WithField("dest", n.dest).Warn("slave: sync-lost report emit failed")
		return
	}
	n.log.WithField("dest", n.dest).Warn("slave: beacon cadence stale, sync-lost reported")
	n.syncLostReported = true
}

// handleClockSync derives the local offset from an inbound beacon:
// record local time, extract master time, store the offset and the
// beacon's frame counter. A frame counter running backwards means the
// master restarted since the last beacon; the offset is rebuilt either
// way, but the discontinuity is worth a log line.
func (n *Node) handleClockSync(pkt frame.Packet) {
	beacon, err := clocksync.DecodeBeacon(pkt.Payload)
	if err != nil {
		n.log.WithError(err).WithField("dest", n.dest).Warn("slave: malformed clock-sync beacon, discarding")
		return
	}
	if n.clock != nil {
		if n.clock.Synced() && beacon.FrameCounter < n.clock.LastFrameCounter() {
			n.log.WithFields(logrus.Fields{
				"dest": n.dest,
				"prev": n.clock.LastFrameCounter(),
				"got":  beacon.FrameCounter,
			}).Warn("slave: beacon frame counter went backwards, master restart assumed")
		}
		n.clock.Observe(beacon)
	}
	n.syncLostReported = false
}

// execute looks up and runs pkt's handler, NOP always succeeding
// trivially since it carries no subsystem semantics (and backs the fault
// manager's health-check ping).
func (n *Node) execute(ctx context.Context, pkt frame.Packet) Result {
	if pkt.Opcode == frame.OpNOP {
		return Result{OK: true}
	}

	n.mu.Lock()
	h, ok := n.handlers[pkt.Opcode]
	n.mu.Unlock()
	if !ok {
		n.log.WithFields(logrus.Fields{"dest": n.dest, "opcode": pkt.Opcode, "command": n.table.Name(pkt.Opcode)}).Warn("slave: unregistered opcode")
		return Result{OK: false, Kind: faults.KindInvalidCommand}
	}

	hctx, cancel := context.WithTimeout(ctx, HandlerBudget)
	defer cancel()

	done := make(chan Result, 1)
	go func() { done <- h(hctx, pkt.Payload) }()

	select {
	case res := <-done:
		return res
	case <-hctx.Done():
		n.log.WithFields(logrus.Fields{"dest": n.dest, "opcode": pkt.Opcode, "command": n.table.Name(pkt.Opcode)}).Warn("slave: handler exceeded budget")
		return Result{OK: false, Kind: faults.KindBusy}
	}
}

// handleReset implements the reset cancellation contract: cancel any
// background work a prior handler parked, reinitialize subsystem state,
// then ACK the reset itself.
func (n *Node) handleReset(ctx context.Context, pkt frame.Packet) error {
	n.mu.Lock()
	if n.backgroundCancel != nil {
		n.backgroundCancel()
		n.backgroundCancel = nil
	}
	n.mu.Unlock()

	n.setState(StateRecovery)

	var res Result
	if n.resetFn != nil {
		if err := n.resetFn(ctx); err != nil {
			n.log.WithError(err).WithField("dest", n.dest).Error("slave: reset handler failed")
			res = Result{OK: false, Kind: faults.KindUnknown}
		} else {
			res = Result{OK: true}
		}
	} else {
		res = Result{OK: true}
	}

	n.setState(StateResponding)
	err := n.respond(ctx, pkt.Opcode, res)
	n.setState(StateReady)
	return err
}

// respond builds and emits a 4-byte ACK or ERROR packet for the original
// opcode.
func (n *Node) respond(ctx context.Context, opcode uint8, res Result) error {
	var wire []byte
	var err error
	if res.OK {
		wire, err = frame.EncodeInto(n.respBuf[:0], frame.OpACK, []byte{opcode, 0x00})
	} else {
		wire, err = frame.EncodeInto(n.respBuf[:0], frame.OpError, []byte{opcode, uint8(res.Kind)})
	}
	if err != nil {
		return err
	}
	if err := n.bus.Emit(ctx, wire); err != nil {
		n.log.WithError(err).WithField("dest", n.dest).Warn("slave: emit failed")
		return err
	}
	return nil
}

// Retrace implements the GPU-only retrace step: pulse VSYNC low then
// high on every simulated/actual display retrace, and if in-band
// VSYNC is enabled, additionally emit an [0xFB, 4, 0, 0] packet via the
// same emit path. A no-op on the APU node (carriesVSync is false there).
func (n *Node) Retrace(ctx context.Context) error {
	if !n.carriesVSync {
		return nil
	}
	if err := n.bus.PulseVSync(ctx); err != nil {
		return err
	}

	n.mu.Lock()
	inBand := n.inBandVSync
	n.mu.Unlock()
	if !inBand {
		return nil
	}

	wire, err := frame.Encode(frame.OpVSync, []byte{0, 0})
	if err != nil {
		return err
	}
	return n.bus.Emit(ctx, wire)
}
