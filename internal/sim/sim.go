// Package sim assembles a complete in-process TriBoy system — one master
// (CPU) node and two slave (GPU, APU) nodes, cross-wired over real
// linkbus.MasterBus/SlaveBus pairs via loopbus — for integration tests
// that drive end-to-end protocol scenarios through the actual
// queue/router/fault-manager/event-surface stack rather than through
// per-package unit tests alone.
//
// The three-node assembly mirrors how cmd/cpu, cmd/gpu and cmd/apu wire
// the same pieces over spibus/uartbus in production; sim only swaps the
// link backing for loopbus so a test can run an entire frame's worth of
// protocol traffic without real hardware or real time.
package sim

import (
	"context"
	"time"

	"triboy/apu"
	"triboy/gpu"
	"triboy/internal/catalog"
	"triboy/internal/clocksync"
	"triboy/internal/events"
	"triboy/internal/faults"
	"triboy/internal/linkbus/loopbus"
	"triboy/internal/master"
	"triboy/internal/queue"
	"triboy/internal/slave"
)

// GPU and APU cleanup opcodes, matching cmd/cpu/main.go's wiring
// (catalog.GPU OPTIMIZE_MEMORY / catalog.APU MEM_DEFRAGMENT).
const (
	gpuCleanupOpcode = 0xD2
	apuCleanupOpcode = 0xD6
)

// syncInterval shortens the beacon period from the production default so
// integration tests reach the first clock-sync exchange without waiting
// out a full second of wall-clock time.
const syncInterval = 50 * time.Millisecond

// Harness is a fully wired three-node TriBoy system, its clock frozen (or
// driven) by a single injected Clock so tests can control time
// deterministically across all three nodes.
type Harness struct {
	Master *master.Node
	GPU    *slave.Node
	APU    *slave.Node

	gpuSlaveBus *loopbus.Slave
	apuSlaveBus *loopbus.Slave

	cancel context.CancelFunc
}

// New builds a Harness. A nil clock defaults to time.Now; tests wanting
// deterministic timeouts/retries should pass a fake clock the same way
// internal/master's own tests do.
func New(clock func() time.Time) *Harness {
	if clock == nil {
		clock = time.Now
	}

	gpuMasterBus, gpuSlaveBus := loopbus.NewPair()
	apuMasterBus, apuSlaveBus := loopbus.NewPair()

	faultMgr := faults.NewManager(nil, clock)
	evSurface := events.NewSurface(16*time.Millisecond, clock)
	masterClock := clocksync.NewMasterClock(clock)

	gpuLink := &master.Link{
		ID:            "gpu",
		Bus:           gpuMasterBus,
		Q:             queue.New(queue.DefaultCapacity, clock),
		CarriesVSync:  true,
		CleanupOpcode: gpuCleanupOpcode,
	}
	apuLink := &master.Link{
		ID:            "apu",
		Bus:           apuMasterBus,
		Q:             queue.New(queue.DefaultCapacity, clock),
		CarriesVSync:  false,
		CleanupOpcode: apuCleanupOpcode,
	}

	masterNode := master.NewNode(master.Config{
		Links:        []*master.Link{gpuLink, apuLink},
		Faults:       faultMgr,
		Events:       evSurface,
		Clock:        masterClock,
		SyncInterval: syncInterval,
		Now:          clock,
	})
	masterNode.Boot()

	gpuNode := slave.NewNode("gpu", gpuSlaveBus, catalog.GPU, clocksync.NewSlaveClock(clock), nil, nil)
	gpu.NewStubTable(gpuNode)
	gpuNode.Boot()

	apuNode := slave.NewNode("apu", apuSlaveBus, catalog.APU, clocksync.NewSlaveClock(clock), nil, nil)
	apu.NewStubTable(apuNode)
	apuNode.Boot()

	return &Harness{
		Master:      masterNode,
		GPU:         gpuNode,
		APU:         apuNode,
		gpuSlaveBus: gpuSlaveBus,
		apuSlaveBus: apuSlaveBus,
	}
}

// RunSlaves starts both slave nodes' receive loops on background
// goroutines, stopping when ctx is canceled or Stop is called. Tests
// single-step the master with Master.RunOnce themselves.
func (h *Harness) RunSlaves(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	go runSlaveLoop(ctx, h.GPU)
	go runSlaveLoop(ctx, h.APU)
}

func runSlaveLoop(ctx context.Context, n *slave.Node) {
	for {
		if err := n.RunOnce(ctx); err != nil {
			return
		}
	}
}

// Stop cancels the background slave loops started by RunSlaves.
func (h *Harness) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
}
