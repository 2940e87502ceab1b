// Package linkbus defines the link driver contract: moving bytes between
// master and one slave across one full-duplex link, framed by a
// master-asserted chip-select and a slave-asserted data-ready signal,
// plus an optional GPU-only VSYNC line.
//
// Concrete backings live in sibling packages (spibus for real hardware
// over periph.io, loopbus for in-memory tests, uartbus for a UART
// fallback), each satisfying MasterBus or SlaveBus. A bus value is owned
// by exactly one node; there is no global driver registry.
package linkbus

import (
	"context"
	"errors"
	"time"
)

// EmitTimeout bounds how long a slave's emit() waits for the master to
// assert chip-select before giving up.
const EmitTimeout = 10 * time.Millisecond

// State is the per-link state maintained by the master.
type State int

const (
	StateIdle State = iota
	StateTransmitting
	StateAwaitingSlaveData
	StateFault
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTransmitting:
		return "transmitting"
	case StateAwaitingSlaveData:
		return "awaiting-slave-data"
	case StateFault:
		return "fault"
	default:
		return "unknown"
	}
}

var (
	// ErrTimeout is returned when a bounded wait (emit, CS release) expires.
	ErrTimeout = errors.New("linkbus: timeout")

	// ErrLinkFault indicates the link has transitioned to StateFault and
	// must be reset before further transactions are accepted.
	ErrLinkFault = errors.New("linkbus: link in fault state")
)

// MasterBus is the master-side half of a link.
type MasterBus interface {
	// Send asserts chip-select, clocks out packet, and deasserts
	// chip-select. It does not wait for data-ready to go low first; the
	// master's service loop services a pending response before draining
	// its queue each tick.
	Send(ctx context.Context, packet []byte) error

	// PollReady reports the current state of the data-ready line.
	PollReady() bool

	// PollVSync reports whether a VSYNC edge has been observed on the
	// dedicated VSYNC line since the last call; the master services it
	// in its response-polling path. A backing with no VSYNC line (e.g.
	// the APU link) always reports false.
	PollVSync() bool

	// Receive asserts chip-select, clocks expectedLen dummy bytes while
	// reading the slave's pending packet, and deasserts chip-select.
	Receive(ctx context.Context, expectedLen int) ([]byte, error)

	// Reset performs the backing's part of the link-reset recovery
	// sequence. No backing closes and reopens its port: spibus pauses,
	// pulses the slave reset line if present and waits for slave boot;
	// loopbus discards packets in flight; uartbus discards buffered input.
	Reset(ctx context.Context) error

	// Close releases any underlying hardware resources.
	Close() error
}

// SlaveBus is the slave-side half of a link.
type SlaveBus interface {
	// AwaitCommand blocks until the master asserts chip-select, reads the
	// full packet (header then length-2 more bytes), and returns it once
	// chip-select is released.
	AwaitCommand(ctx context.Context) ([]byte, error)

	// Emit asserts data-ready, waits up to EmitTimeout for the master to
	// assert chip-select, clocks packet out, waits for chip-select release,
	// then deasserts data-ready. A slave must not deassert data-ready
	// until the master has fully clocked the response; Emit does not
	// return until that has happened.
	Emit(ctx context.Context, packet []byte) error

	// PulseVSync pulses the VSYNC line low for at least 10µs then high. A
	// no-op on a SlaveBus that carries no VSYNC line (e.g. the APU link).
	PulseVSync(ctx context.Context) error

	Close() error
}
