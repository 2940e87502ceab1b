// Package master implements the CPU node: the process that owns one
// outbound command queue per slave, drains them over its half of the
// link, and services inbound ACK/ERROR/VSYNC responses through the router
// in router.go.
package master

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"triboy/internal/clocksync"
	"triboy/internal/events"
	"triboy/internal/faults"
	"triboy/internal/frame"
	"triboy/internal/linkbus"
	"triboy/internal/queue"
)

// State is the master node's lifecycle state.
type State int

const (
	StateBoot State = iota
	StateSyncPending
	StateRunning
	StateDegraded
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateBoot:
		return "boot"
	case StateSyncPending:
		return "sync-pending"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// BatchCeiling bounds how many commands one tick drains from a single
// queue, so one busy link cannot starve another.
const BatchCeiling = 10

// TickInterval paces the service loop's polling of data-ready lines and
// queue drain passes.
const TickInterval = 2 * time.Millisecond

// Link bundles everything master.Node needs to talk to one slave: its half
// of the bus and its outbound queue. Per-link health is tracked by Node,
// not here.
type Link struct {
	ID  string
	Bus linkbus.MasterBus
	Q   *queue.Queue

	// CarriesVSync marks the link whose inbound 0xFB packets feed the
	// event surface (only the GPU link carries a VSYNC line).
	CarriesVSync bool

	// CleanupOpcode is the subsystem-specific command enqueued at the
	// queue head when this slave reports memory-exhausted.
	// Left at its destination's catalog-documented reset/cleanup opcode by
	// the caller assembling the Node.
	CleanupOpcode uint8

	// scratch backs the drain path's wire encoding, reused across sends
	// so draining never allocates per packet. Owned by the service
	// context; every bus backing copies or fully writes the bytes before
	// Send returns.
	scratch [frame.MaxLength]byte
}

// encode writes one packet into the link's scratch buffer.
func (l *Link) encode(opcode uint8, payload []byte) ([]byte, error) {
	return frame.EncodeInto(l.scratch[:0], opcode, payload)
}

// Node is one master (CPU) process's protocol-layer state.
type Node struct {
	log *logrus.Entry

	mu    sync.Mutex
	state State

	links map[string]*Link
	order []string // deterministic service order

	faultMgr *faults.Manager
	events   *events.Surface
	clock    *clocksync.MasterClock

	now func() time.Time

	syncInterval   time.Duration
	lastSyncAt     time.Time
	haveLastSyncAt bool

	// syncAcked tracks, per link, whether at least one clock-sync beacon
	// has actually been acknowledged. lastSyncRTT keeps the most recent round-trip
	// time per link for diagnostics only.
	syncAcked   map[string]bool
	lastSyncRTT map[string]time.Duration

	healthyLinks map[string]bool
	recovering   map[string]bool

	// linkStates is the per-link state the master maintains as
	// transactions start and finish and as faults come and go: idle,
	// transmitting, awaiting-slave-data, fault.
	linkStates map[string]linkbus.State

	// backoffUntil holds, per link, the earliest time the next drain
	// attempt may run, set when that slave reports busy.
	backoffUntil map[string]time.Time
}

// Config collects everything a Node needs at construction.
type Config struct {
	Links  []*Link
	Faults *faults.Manager
	Events *events.Surface
	Clock  *clocksync.MasterClock

	// SyncInterval is the clock-sync beacon period; zero defaults to
	// clocksync.Interval.
	SyncInterval time.Duration

	// Log defaults to logrus's standard logger; Now defaults to time.Now.
	// Now is the same injectable wall-clock source the queues, fault
	// manager and event surface take, so tests can freeze all of them
	// together.
	Log *logrus.Entry
	Now func() time.Time
}

// NewNode creates a Node in state boot, with one Link per entry in
// cfg.Links. The first clock-sync beacon goes out one SyncInterval after
// construction; a sync-lost report forces one immediately.
func NewNode(cfg Config) *Node {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	syncInterval := cfg.SyncInterval
	if syncInterval <= 0 {
		syncInterval = clocksync.Interval
	}
	n := &Node{
		log:            log,
		state:          StateBoot,
		links:          make(map[string]*Link, len(cfg.Links)),
		faultMgr:       cfg.Faults,
		events:         cfg.Events,
		clock:          cfg.Clock,
		now:            now,
		syncInterval:   syncInterval,
		lastSyncAt:     now(),
		haveLastSyncAt: true,
		syncAcked:      make(map[string]bool, len(cfg.Links)),
		lastSyncRTT:    make(map[string]time.Duration, len(cfg.Links)),
		healthyLinks:   make(map[string]bool, len(cfg.Links)),
		recovering:     make(map[string]bool, len(cfg.Links)),
		linkStates:     make(map[string]linkbus.State, len(cfg.Links)),
		backoffUntil:   make(map[string]time.Time, len(cfg.Links)),
	}
	for _, l := range cfg.Links {
		n.links[l.ID] = l
		n.order = append(n.order, l.ID)
		n.healthyLinks[l.ID] = true
		n.linkStates[l.ID] = linkbus.StateIdle
	}
	return n
}

// Events returns the node's frame-event surface, for the application layer
// to observe VSYNC advances.
func (n *Node) Events() *events.Surface { return n.events }

// FrameCounter returns the master's monotonic frame counter, advanced once
// per observed VSYNC.
func (n *Node) FrameCounter() uint32 { return n.clock.FrameCounter() }

// notifyFrame feeds one VSYNC observation into the event surface and, when
// it opens a new frame window (not a same-window duplicate of the other
// delivery path), advances the frame counter: one increment per frame
// boundary, however many mechanisms reported it.
func (n *Node) notifyFrame(source events.Source) {
	if n.events.Notify(source) {
		n.clock.Tick()
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
		n.log.WithFields(logrus.Fields{"from": prev.String(), "to": s.String()}).Info("master state transition")
	}
}

// Boot transitions boot -> sync-pending once link drivers are assumed
// initialized by the caller.
func (n *Node) Boot() {
	n.setState(StateSyncPending)
}

// link returns the Link for dest, or an error if unknown.
func (n *Node) link(dest string) (*Link, error) {
	l, ok := n.links[dest]
	if !ok {
		return nil, fmt.Errorf("master: unknown destination %q", dest)
	}
	return l, nil
}

// Enqueue is context A's only gate into the protocol layer.
func (n *Node) Enqueue(dest string, opcode uint8, payload []byte, requiresAck bool) (*queue.QueuedCommand, error) {
	l, err := n.link(dest)
	if err != nil {
		return nil, err
	}
	return l.Q.Enqueue(opcode, payload, requiresAck)
}

// confirmSync transitions sync-pending -> running. Called only once
// recordSyncACK has observed a first beacon ACK from every link: a
// completed exchange with both slaves, not merely an enqueued beacon.
func (n *Node) confirmSync() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateSyncPending {
		n.state = StateRunning
		n.log.Info("master state transition: sync-pending -> running")
	}
}

// recordSyncACK records that linkID's outstanding clock-sync beacon was
// just acknowledged, with rtt kept for diagnostics only; no correction is
// applied. Once every link has acknowledged at least one beacon, the
// sync-pending -> running transition fires.
func (n *Node) recordSyncACK(linkID string, rtt time.Duration) {
	n.mu.Lock()
	n.syncAcked[linkID] = true
	n.lastSyncRTT[linkID] = rtt
	allAcked := true
	for _, id := range n.order {
		if !n.syncAcked[id] {
			allAcked = false
			break
		}
	}
	n.mu.Unlock()

	n.log.WithFields(logrus.Fields{"link": linkID, "rtt": rtt}).Debug("clock-sync round-trip")

	if allAcked {
		n.confirmSync()
	}
}

// SyncRTT returns the most recently observed clock-sync round-trip time
// for linkID and whether one has been recorded yet, for diagnostics.
func (n *Node) SyncRTT(linkID string) (time.Duration, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	rtt, ok := n.lastSyncRTT[linkID]
	return rtt, ok
}

// markDegraded moves the node to degraded from whatever state it is in
// (sync-pending included); only a transition out of running is logged.
func (n *Node) markDegraded(reason string) {
	n.mu.Lock()
	wasRunning := n.state == StateRunning
	n.state = StateDegraded
	n.mu.Unlock()
	if wasRunning {
		n.log.WithField("reason", reason).Warn("master state transition: running -> degraded")
	}
}

// Recover transitions degraded -> running once the caller's recovery
// sequence (link reset + health check) has succeeded.
func (n *Node) Recover() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateDegraded {
		n.state = StateRunning
		n.log.Info("master state transition: degraded -> running")
	}
}

// Halt transitions any state to halted on an unrecoverable fault.
func (n *Node) Halt(reason string) {
	n.setState(StateHalted)
	n.log.WithField("reason", reason).Error("master halted")
}

// beginRecovery claims exclusive right to recover id, so a second
// communication-failure report arriving while a recovery is already in
// flight does not start a redundant reset sequence on the same link.
func (n *Node) beginRecovery(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.recovering[id] {
		return false
	}
	n.recovering[id] = true
	return true
}

func (n *Node) endRecovery(id string) {
	n.mu.Lock()
	delete(n.recovering, id)
	n.mu.Unlock()
}

func (n *Node) setLinkState(id string, s linkbus.State) {
	n.mu.Lock()
	n.linkStates[id] = s
	n.mu.Unlock()
}

// LinkState returns the master-maintained state of link id.
func (n *Node) LinkState(id string) linkbus.State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.linkStates[id]
}

func (n *Node) isRecovering(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.recovering[id]
}

// setBackoff delays the next drain attempt on id's queue by d from now.
func (n *Node) setBackoff(id string, d time.Duration) {
	n.mu.Lock()
	n.backoffUntil[id] = n.now().Add(d)
	n.mu.Unlock()
}

func (n *Node) inBackoff(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	until, ok := n.backoffUntil[id]
	return ok && n.now().Before(until)
}

// setLinkHealthy records id's health and, once every link is healthy
// again, calls Recover.
func (n *Node) setLinkHealthy(id string, healthy bool) {
	n.mu.Lock()
	n.healthyLinks[id] = healthy
	allHealthy := true
	for _, h := range n.healthyLinks {
		if !h {
			allHealthy = false
			break
		}
	}
	n.mu.Unlock()
	if allHealthy {
		n.Recover()
	}
}

// recoverLink runs the communication-failure recovery sequence
// (the backing's own reset sequence in l.Bus.Reset, then up to
// faults.MaxPingFailures health-check pings) off
// the tick path, since the sequence's bounded waits run to tens of
// milliseconds; recovery continues in the background while application
// ticks stay paused. Only one recovery per link runs at a time. A single failed ping is not itself recovery: the link is declared
// healthy only on a ping that actually succeeds, and declared unhealthy
// only once MaxPingFailures consecutive pings have failed.
func (n *Node) recoverLink(l *Link) {
	if !n.beginRecovery(l.ID) {
		return
	}
	defer n.endRecovery(l.ID)

	n.setLinkHealthy(l.ID, false)
	n.setLinkState(l.ID, linkbus.StateFault)

	ctx, cancel := context.WithTimeout(context.Background(), faults.LinkResetPause+faults.SlaveResetPulse+faults.SlaveBootGrace+time.Second)
	defer cancel()

	if err := l.Bus.Reset(ctx); err != nil {
		n.log.WithError(err).WithField("link", l.ID).Error("link recovery: reset failed")
		return
	}

	pinger := n.Pinger(l.ID)
	for attempt := 1; attempt <= faults.MaxPingFailures; attempt++ {
		if err := pinger.Ping(ctx, faults.HealthCheckTimeout); err == nil {
			n.faultMgr.PingSucceeded(l.ID)
			n.log.WithField("link", l.ID).Info("link recovery succeeded")
			n.setLinkState(l.ID, linkbus.StateIdle)
			n.setLinkHealthy(l.ID, true)
			return
		}

		if n.faultMgr.PingFailed(l.ID) {
			n.log.WithField("link", l.ID).Error("link recovery: slave unhealthy after reset")
			n.markDegraded("health-check failures exhausted")
			return
		}

		select {
		case <-ctx.Done():
			n.log.WithField("link", l.ID).Error("link recovery: context done before slave recovered")
			return
		case <-time.After(faults.HealthCheckTimeout):
		}
	}
}

// Run is the service loop. It owns the link
// drivers for the node's lifetime, executing one RunOnce per TickInterval
// until ctx is canceled or the node halts. Application goroutines (context
// A) interact only through Enqueue and Events while Run is active.
func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := n.RunOnce(ctx); err != nil {
				return err
			}
		}
	}
}

// RunOnce executes exactly one service tick: service inbound responses,
// drain outbound queues, maybe send a clock-sync beacon, advance the
// frame counter. Exported (rather than only
// reachable through Run) so tests can single-step the node deterministically.
func (n *Node) RunOnce(ctx context.Context) error {
	if n.State() == StateHalted {
		return fmt.Errorf("master: node halted")
	}

	for _, id := range n.order {
		l := n.links[id]
		n.pollVSyncEdge(l)
		if n.isRecovering(id) {
			// The recovery goroutine owns this link's bus until it
			// finishes; inbound servicing and queue draining resume once
			// it hands back.
			continue
		}
		if err := n.serviceInbound(ctx, l); err != nil {
			n.log.WithError(err).WithField("link", id).Warn("inbound service error")
		}
	}

	for _, id := range n.order {
		l := n.links[id]
		if n.isRecovering(id) {
			continue
		}
		n.drainQueue(ctx, l)
		n.reportTimedOut(l)
		l.Q.Reap()
	}

	n.maybeSyncBeacon(ctx)

	return nil
}

// pollVSyncEdge services the default VSYNC delivery mechanism: an edge
// on the dedicated VSYNC line, serviced in the master's response-polling
// path, separately from (and in addition to) the opt-in in-band 0xFB
// mechanism handled by handleInBandVSync.
func (n *Node) pollVSyncEdge(l *Link) {
	if !l.CarriesVSync {
		return
	}
	if l.Bus.PollVSync() {
		n.notifyFrame(events.SourceEdge)
	}
}

// serviceInbound implements the first tick step: for each link whose
// data-ready is high, receive the 4-byte response header and dispatch
// it.
func (n *Node) serviceInbound(ctx context.Context, l *Link) error {
	if !l.Bus.PollReady() {
		return nil
	}
	n.setLinkState(l.ID, linkbus.StateAwaitingSlaveData)
	defer n.setLinkState(l.ID, linkbus.StateIdle)
	raw, err := l.Bus.Receive(ctx, 4)
	if err != nil {
		return err
	}
	pkt, err := frame.Decode(raw)
	if err != nil {
		return err
	}
	n.dispatch(l, pkt)
	return nil
}

// drainQueue implements step 2: drain up to BatchCeiling commands from
// l.Q, sending each over l.Bus, unless the slave's busy backoff window is
// still open.
func (n *Node) drainQueue(ctx context.Context, l *Link) {
	if n.inBackoff(l.ID) {
		return
	}
	for i := 0; i < BatchCeiling; i++ {
		send, err := l.Q.DrainOne(l.encode)
		if err != nil {
			n.log.WithError(err).WithField("link", l.ID).Error("encode failure draining queue")
			return
		}
		if send == nil {
			return
		}
		n.setLinkState(l.ID, linkbus.StateTransmitting)
		err = l.Bus.Send(ctx, send.Wire)
		n.setLinkState(l.ID, linkbus.StateIdle)
		if err != nil {
			n.log.WithError(err).WithField("link", l.ID).Warn("send failure")
			return
		}
	}
}

// reportTimedOut surfaces commands that DrainOne retired by exhausting
// their retry budget, via the same fault-manager
// path a wire-level ERROR would take. The returned ResetLink action then
// kicks off background link recovery, so a dead slave is reset and
// health-checked rather than left behind a permanently degraded node.
func (n *Node) reportTimedOut(l *Link) {
	for _, entry := range l.Q.DrainTimedOut() {
		n.markDegraded("retry budget exhausted")
		actions := n.faultMgr.Report(l.ID, entry.Opcode, faults.KindTimeout)
		n.applyLinkActions(l, actions)
	}
}

// maybeSyncBeacon implements step 3: if the periodic clock-sync interval
// has elapsed, enqueue a beacon at the head of every link's queue with
// requires_ack=true. Like any other acked command it is subject to the queue's
// ordinary retry/timeout policy; a missed ACK simply gets resent rather
// than silently superseded by the next interval's beacon. A sync-lost
// report clears haveLastSyncAt (applyLinkActions), making the next tick
// send a beacon without waiting out the interval.
func (n *Node) maybeSyncBeacon(ctx context.Context) {
	now := n.now()
	n.mu.Lock()
	if n.haveLastSyncAt && now.Sub(n.lastSyncAt) < n.syncInterval {
		n.mu.Unlock()
		return
	}
	n.lastSyncAt = now
	n.haveLastSyncAt = true
	n.mu.Unlock()

	beacon := n.clock.Beacon()

	for _, id := range n.order {
		l := n.links[id]
		if _, err := l.Q.EnqueueFront(frame.OpClockSync, beacon.Encode(), true); err != nil {
			n.log.WithError(err).WithField("link", id).Warn("failed to enqueue clock-sync beacon")
		}
	}
}

// ForceSync makes the next service tick send a clock-sync beacon without
// waiting out the interval. Used when a slave reports sync-lost, and by
// the CPU-local SYNC command. Safe to call from any goroutine.
func (n *Node) ForceSync() {
	n.mu.Lock()
	n.haveLastSyncAt = false
	n.mu.Unlock()
}

// Pinger returns a faults.Pinger bound to one destination link, for
// passing to faults.Manager.HealthCheck.
func (n *Node) Pinger(dest string) faults.Pinger {
	return linkPinger{node: n, dest: dest}
}

type linkPinger struct {
	node *Node
	dest string
}

func (p linkPinger) Ping(ctx context.Context, timeout time.Duration) error {
	return p.node.ping(ctx, p.dest, timeout)
}

// ping sends a NOP and waits up to timeout for its ACK, bypassing the
// ordinary queue since a health check must not wait behind other traffic.
// Only an ACK of the NOP with success status counts; any other inbound
// packet is discarded while waiting.
func (n *Node) ping(ctx context.Context, dest string, timeout time.Duration) error {
	l, err := n.link(dest)
	if err != nil {
		return err
	}
	wire, err := frame.Encode(frame.OpNOP, nil)
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := l.Bus.Send(pingCtx, wire); err != nil {
		return err
	}
	for {
		if l.Bus.PollReady() {
			raw, err := l.Bus.Receive(pingCtx, 4)
			if err != nil {
				return err
			}
			pkt, err := frame.Decode(raw)
			if err != nil {
				return err
			}
			if pkt.Opcode == frame.OpACK && len(pkt.Payload) >= 2 &&
				pkt.Payload[0] == frame.OpNOP && pkt.Payload[1] == 0x00 {
				return nil
			}
			continue
		}
		select {
		case <-pingCtx.Done():
			return pingCtx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}
