// Package loopbus is an in-memory implementation of linkbus.MasterBus and
// linkbus.SlaveBus, cross-wired as one pair, used by package tests and by
// internal/sim's three-node harness. Instead of real GPIO lines, data-ready
// is modeled as a pending packet in the slave-to-master channel and vsync
// as its own channel; chip-select is not modeled. Both ends talk to each
// other directly through a shared pair state.
package loopbus

import (
	"context"
	"sync"

	"triboy/internal/linkbus"
)

// pairState is the shared state of one cross-wired link.
type pairState struct {
	mu sync.Mutex

	// toSlave carries master->slave packets (Send/AwaitCommand).
	toSlave chan []byte
	// toMaster carries slave->master packets (Emit/Receive).
	toMaster chan []byte

	vsyncCh chan struct{}

	closed bool
}

// Master is the master-side endpoint of a loopback link.
type Master struct {
	p *pairState
}

// Slave is the slave-side endpoint of a loopback link.
type Slave struct {
	p *pairState
}

// NewPair returns a cross-wired Master/Slave pair modeling one physical
// link.
func NewPair() (*Master, *Slave) {
	p := &pairState{
		toSlave:  make(chan []byte, 16),
		toMaster: make(chan []byte, 16),
		vsyncCh:  make(chan struct{}, 4),
	}
	return &Master{p: p}, &Slave{p: p}
}

var _ linkbus.MasterBus = (*Master)(nil)
var _ linkbus.SlaveBus = (*Slave)(nil)

// Send hands packet to the slave. It blocks only on the channel buffer,
// matching a real link's "wait until idle" framing without needing actual
// chip-select/data-ready arbitration in a point-to-point in-memory model.
func (m *Master) Send(ctx context.Context, packet []byte) error {
	m.p.mu.Lock()
	closed := m.p.closed
	m.p.mu.Unlock()
	if closed {
		return nil
	}
	cp := append([]byte(nil), packet...)
	select {
	case m.p.toSlave <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PollReady reports whether the slave has an outbound packet pending.
func (m *Master) PollReady() bool {
	m.p.mu.Lock()
	defer m.p.mu.Unlock()
	return len(m.p.toMaster) > 0
}

// Receive reads one pending packet from the slave. expectedLen is accepted
// for interface compatibility with a real byte-clocked bus but is not used
// to size the read here, since the in-memory channel already carries exact
// packet boundaries.
func (m *Master) Receive(ctx context.Context, expectedLen int) ([]byte, error) {
	select {
	case pkt := <-m.p.toMaster:
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, linkbus.ErrTimeout
	}
}

// Reset drains both directions, modeling the link-reset recovery
// sequence without real hardware deinit/reinit timing.
func (m *Master) Reset(ctx context.Context) error {
	m.p.mu.Lock()
	defer m.p.mu.Unlock()
	drain(m.p.toSlave)
	drain(m.p.toMaster)
	return nil
}

// Close marks the pair closed; further sends are no-ops.
func (m *Master) Close() error {
	m.p.mu.Lock()
	defer m.p.mu.Unlock()
	m.p.closed = true
	return nil
}

// AwaitCommand blocks until a packet is available from the master.
func (s *Slave) AwaitCommand(ctx context.Context) ([]byte, error) {
	select {
	case pkt := <-s.p.toSlave:
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Emit hands packet back to the master, returning only once the packet
// has been placed where the master's next Receive will find it.
func (s *Slave) Emit(ctx context.Context, packet []byte) error {
	cp := append([]byte(nil), packet...)
	select {
	case s.p.toMaster <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PulseVSync posts one frame-boundary edge, consumed by the master's event
// surface (internal/events).
func (s *Slave) PulseVSync(ctx context.Context) error {
	select {
	case s.p.vsyncCh <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		// Non-blocking: a missed consumer tick coalesces with the next
		// edge rather than stalling the GPU's retrace loop.
		return nil
	}
}

// VSync returns the channel the master polls for VSYNC edges. Exposed only on the Master endpoint since
// only the GPU link carries a meaningful VSYNC line.
func (m *Master) VSync() <-chan struct{} { return m.p.vsyncCh }

// PollVSync reports whether a VSYNC edge is pending, draining it
// non-blockingly. This is linkbus.MasterBus's edge-observation method;
// VSync above remains for callers (and tests) that want the raw channel.
func (m *Master) PollVSync() bool {
	select {
	case <-m.p.vsyncCh:
		return true
	default:
		return false
	}
}

func (s *Slave) Close() error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	s.p.closed = true
	return nil
}

func drain(ch chan []byte) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
