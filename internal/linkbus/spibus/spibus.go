// Package spibus backs linkbus.MasterBus and linkbus.SlaveBus with a real
// SPI link over periph.io/x/conn/v3, the natural fit for the wire: chip-
// select framed, full-duplex, clocked byte-at-a-time, MSB first, sampled
// on the rising edge. The chip-select/data-ready/vsync lines are plain
// gpio pins owned by one Bus value rather than a global pin table.
package spibus

import (
	"context"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"triboy/internal/faults"
	"triboy/internal/linkbus"
)

// Clock is the SPI clock rate TriBoy links run at: a conservative default
// safe for ribbon-cable MCU-to-MCU runs; the exact frequency is up to the
// board.
const Clock = 4 * physic.MegaHertz

// MasterPins names the GPIO lines a master-side Bus needs beyond the SPI
// port itself: data-ready (input, slave-driven), an optional reset line,
// and an optional VSYNC input (the GPU link only).
type MasterPins struct {
	DataReady gpio.PinIn
	Reset     gpio.PinOut // optional, nil if the board has no discrete reset line
	VSync     gpio.PinIn  // optional, nil on the APU link
}

// vsyncEdgeBuffer bounds how many unconsumed VSYNC edges the watcher
// goroutine queues before PollVSync catches up; consumers only care that
// an edge was observed at least once per frame, so a small buffer is
// plenty and a full one simply drops the newly observed edge.
const vsyncEdgeBuffer = 4

// SlavePins names the lines a slave-side Bus needs beyond the SPI port:
// data-ready (output) and vsync (output, optional). Chip-select has no pin
// here; the SPI port itself handles CS framing.
type SlavePins struct {
	DataReady gpio.PinOut
	VSync     gpio.PinOut // optional, nil on the APU link
}

// Master is the master-side SPI link backing.
type Master struct {
	conn  spi.Conn
	pins  MasterPins
	close func() error

	vsyncEdges chan struct{}
	stopVSync  chan struct{}
}

// NewMaster opens port at Clock/full-duplex/MSB-first and wraps it as a
// linkbus.MasterBus. port is typically obtained from spireg.Open in the
// caller (cmd/cpu), kept out of this package to avoid a registry import
// here. When pins.VSync is set, NewMaster arms it for falling-edge
// detection and starts a background watcher so PollVSync never blocks the
// service loop waiting on gpio.PinIn.WaitForEdge itself.
func NewMaster(port spi.PortCloser, pins MasterPins) (*Master, error) {
	conn, err := port.Connect(Clock, spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("spibus: connect master: %w", err)
	}
	m := &Master{conn: conn, pins: pins, close: port.Close}
	if pins.VSync != nil {
		if err := pins.VSync.In(gpio.PullNoChange, gpio.FallingEdge); err != nil {
			return nil, fmt.Errorf("spibus: arm vsync edge: %w", err)
		}
		m.vsyncEdges = make(chan struct{}, vsyncEdgeBuffer)
		m.stopVSync = make(chan struct{})
		go m.watchVSync()
	}
	return m, nil
}

// watchVSync blocks on WaitForEdge in a loop, posting a non-blocking
// signal to vsyncEdges on each observed falling edge of the dedicated
// VSYNC line.
func (m *Master) watchVSync() {
	for {
		select {
		case <-m.stopVSync:
			return
		default:
		}
		if !m.pins.VSync.WaitForEdge(100 * time.Millisecond) {
			continue
		}
		select {
		case m.vsyncEdges <- struct{}{}:
		default:
		}
	}
}

var _ linkbus.MasterBus = (*Master)(nil)

// Send transmits packet as a single SPI transaction. The discarded
// receive half is intentional: a command write does not expect an in-line
// reply; replies arrive via a later Receive once data-ready is asserted.
func (m *Master) Send(ctx context.Context, packet []byte) error {
	scratch := make([]byte, len(packet))
	if err := m.conn.Tx(packet, scratch); err != nil {
		return fmt.Errorf("spibus: send: %w", err)
	}
	return nil
}

// PollReady samples the data-ready input line.
func (m *Master) PollReady() bool {
	if m.pins.DataReady == nil {
		return false
	}
	return m.pins.DataReady.Read() == gpio.High
}

// PollVSync reports whether the background watcher has observed a VSYNC
// edge since the last call. A Master with no VSync pin always reports
// false (e.g. the APU link, which carries no VSYNC line).
func (m *Master) PollVSync() bool {
	if m.vsyncEdges == nil {
		return false
	}
	select {
	case <-m.vsyncEdges:
		return true
	default:
		return false
	}
}

// Receive clocks expectedLen dummy bytes while capturing the slave's
// response, asserting chip-select for the duration of the transaction (the
// periph.io spi.Conn handles CS assertion around Tx automatically).
func (m *Master) Receive(ctx context.Context, expectedLen int) ([]byte, error) {
	if !m.PollReady() {
		return nil, linkbus.ErrTimeout
	}
	out := make([]byte, expectedLen)
	write := make([]byte, expectedLen)
	if err := m.conn.Tx(write, out); err != nil {
		return nil, fmt.Errorf("spibus: receive: %w", err)
	}
	return out, nil
}

// Reset runs the hardware part of link recovery: a pause, a low pulse of
// faults.SlaveResetPulse on the optional reset line, then a wait of
// faults.SlaveBootGrace for the slave to boot. The SPI connection stays
// open throughout; it is not closed and reopened. Boards without a
// discrete reset line rely on the CLOCK_SYNC / command-level recovery
// instead, so Reset is a no-op there.
func (m *Master) Reset(ctx context.Context) error {
	if m.pins.Reset == nil {
		return nil
	}
	select {
	case <-time.After(faults.LinkResetPause):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := m.pins.Reset.Out(gpio.Low); err != nil {
		return fmt.Errorf("spibus: assert reset: %w", err)
	}
	select {
	case <-time.After(faults.SlaveResetPulse):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := m.pins.Reset.Out(gpio.High); err != nil {
		return fmt.Errorf("spibus: release reset: %w", err)
	}
	select {
	case <-time.After(faults.SlaveBootGrace):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (m *Master) Close() error {
	if m.stopVSync != nil {
		close(m.stopVSync)
	}
	if m.close == nil {
		return nil
	}
	return m.close()
}

// Slave is the slave-side SPI link backing (GPU or APU process).
type Slave struct {
	conn  spi.Conn
	pins  SlavePins
	close func() error
}

// NewSlave wraps port as a linkbus.SlaveBus. TriBoy slaves run the SPI
// peripheral in slave mode on real hardware; periph.io's spi.Port
// abstraction is host-centric; on the MCU side a board-specific slave-mode
// driver satisfies the same spi.Conn surface used here.
func NewSlave(port spi.PortCloser, pins SlavePins) (*Slave, error) {
	conn, err := port.Connect(Clock, spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("spibus: connect slave: %w", err)
	}
	return &Slave{conn: conn, pins: pins, close: port.Close}, nil
}

var _ linkbus.SlaveBus = (*Slave)(nil)

// AwaitCommand blocks until a full packet has been clocked in. On real
// hardware this is driven by the SPI peripheral's chip-select interrupt;
// here it is modeled as a blocking Tx against the configured port, which a
// board's slave-mode driver implements as "wait for a completed transfer".
func (s *Slave) AwaitCommand(ctx context.Context) ([]byte, error) {
	header := make([]byte, 2)
	if err := s.conn.Tx(nil, header); err != nil {
		return nil, fmt.Errorf("spibus: await header: %w", err)
	}
	remaining := int(header[1]) - 2
	if remaining < 0 {
		return nil, fmt.Errorf("spibus: await command: %w", linkbus.ErrLinkFault)
	}
	body := make([]byte, remaining)
	if remaining > 0 {
		if err := s.conn.Tx(nil, body); err != nil {
			return nil, fmt.Errorf("spibus: await body: %w", err)
		}
	}
	return append(header, body...), nil
}

// Emit asserts data-ready, waits up to linkbus.EmitTimeout for the master
// to start clocking, writes packet, then deasserts data-ready.
func (s *Slave) Emit(ctx context.Context, packet []byte) error {
	if s.pins.DataReady != nil {
		if err := s.pins.DataReady.Out(gpio.High); err != nil {
			return fmt.Errorf("spibus: assert data-ready: %w", err)
		}
		defer s.pins.DataReady.Out(gpio.Low)
	}

	emitCtx, cancel := context.WithTimeout(ctx, linkbus.EmitTimeout)
	defer cancel()

	// The Tx goroutine can outlive an emit timeout; it must not see the
	// caller's buffer reused, so it clocks out its own copy.
	out := append([]byte(nil), packet...)
	scratch := make([]byte, len(out))
	done := make(chan error, 1)
	go func() { done <- s.conn.Tx(out, scratch) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("spibus: emit: %w", err)
		}
		return nil
	case <-emitCtx.Done():
		return linkbus.ErrTimeout
	}
}

// PulseVSync drives the vsync output low for the minimum pulse width and
// releases it. A no-op when pins.VSync is nil (e.g. the APU link).
func (s *Slave) PulseVSync(ctx context.Context) error {
	if s.pins.VSync == nil {
		return nil
	}
	if err := s.pins.VSync.Out(gpio.Low); err != nil {
		return fmt.Errorf("spibus: assert vsync: %w", err)
	}
	select {
	case <-time.After(10 * time.Microsecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.pins.VSync.Out(gpio.High)
}

func (s *Slave) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}
