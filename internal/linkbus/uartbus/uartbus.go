// Package uartbus backs linkbus.MasterBus and linkbus.SlaveBus over a plain
// UART, for boards that wire TriBoy links as point-to-point serial instead
// of SPI. Since a UART has no hardware chip-select or data-ready line,
// those signals are emulated in-band with a two-byte sideband marker
// in front of each packet, layered over a thin github.com/tarm/serial port
// wrapper.
package uartbus

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"

	"triboy/internal/linkbus"
)

// Sideband markers precede a packet so a UART byte stream, which carries no
// discrete data-ready or chip-select line, can still recover frame and
// direction boundaries. They are recognized by position, ahead of a
// packet's header; the shared first byte 0x55 is also an APU opcode.
var (
	preambleCommand = [2]byte{0x55, 0xC3} // master -> slave
	preambleReply   = [2]byte{0x55, 0x3C} // slave -> master
	preambleVSync   = [2]byte{0x55, 0xF5} // slave -> master, no payload
)

// Config carries the serial.Config fields TriBoy links need: device
// path, baud rate, and read timeout.
type Config struct {
	Device      string
	Baud        int
	ReadTimeout time.Duration
}

func open(cfg Config) (*serial.Port, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("uartbus: open %s: %w", cfg.Device, err)
	}
	return port, nil
}

// Master is the master-side UART link backing.
type Master struct {
	port   *serial.Port
	reader *bufio.Reader
	ready  bool
}

// NewMaster opens cfg.Device as a master endpoint.
func NewMaster(cfg Config) (*Master, error) {
	port, err := open(cfg)
	if err != nil {
		return nil, err
	}
	return &Master{port: port, reader: bufio.NewReader(port)}, nil
}

var _ linkbus.MasterBus = (*Master)(nil)

func (m *Master) Send(ctx context.Context, packet []byte) error {
	if _, err := m.port.Write(preambleCommand[:]); err != nil {
		return fmt.Errorf("uartbus: send preamble: %w", err)
	}
	if _, err := m.port.Write(packet); err != nil {
		return fmt.Errorf("uartbus: send: %w", err)
	}
	return nil
}

// PollReady peeks for a pending reply preamble without consuming it. The
// bufio.Reader.Peek call returns immediately with io.EOF when nothing has
// arrived yet, since the underlying port was opened with a short
// ReadTimeout (cfg.ReadTimeout), so this never blocks the caller's context
// A / context B split. The vsync sideband marker is handled separately by
// PollVSync so it never gets mistaken for a reply by Receive.
func (m *Master) PollReady() bool {
	b, err := m.reader.Peek(2)
	if err != nil {
		return false
	}
	return b[0] == preambleReply[0] && b[1] == preambleReply[1]
}

// PollVSync peeks for the vsync-only sideband marker and, if present,
// consumes it and reports true — the UART backing's stand-in for the
// dedicated VSYNC line's edge.
func (m *Master) PollVSync() bool {
	b, err := m.reader.Peek(2)
	if err != nil || b[0] != preambleVSync[0] || b[1] != preambleVSync[1] {
		return false
	}
	preamble := make([]byte, 2)
	if _, err := io.ReadFull(m.reader, preamble); err != nil {
		return false
	}
	return true
}

func (m *Master) Receive(ctx context.Context, expectedLen int) ([]byte, error) {
	preamble := make([]byte, 2)
	if _, err := io.ReadFull(m.reader, preamble); err != nil {
		return nil, fmt.Errorf("uartbus: receive preamble: %w", linkbus.ErrTimeout)
	}
	header := make([]byte, 2)
	if _, err := io.ReadFull(m.reader, header); err != nil {
		return nil, fmt.Errorf("uartbus: receive header: %w", err)
	}
	remaining := int(header[1]) - 2
	if remaining < 0 {
		return nil, fmt.Errorf("uartbus: receive: %w", linkbus.ErrLinkFault)
	}
	body := make([]byte, remaining)
	if remaining > 0 {
		if _, err := io.ReadFull(m.reader, body); err != nil {
			return nil, fmt.Errorf("uartbus: receive body: %w", err)
		}
	}
	return append(header, body...), nil
}

func (m *Master) Reset(ctx context.Context) error {
	m.reader.Reset(m.port)
	return nil
}

func (m *Master) Close() error {
	return m.port.Close()
}

// Slave is the slave-side UART link backing.
type Slave struct {
	port   *serial.Port
	reader *bufio.Reader
}

// NewSlave opens cfg.Device as a slave endpoint.
func NewSlave(cfg Config) (*Slave, error) {
	port, err := open(cfg)
	if err != nil {
		return nil, err
	}
	return &Slave{port: port, reader: bufio.NewReader(port)}, nil
}

var _ linkbus.SlaveBus = (*Slave)(nil)

func (s *Slave) AwaitCommand(ctx context.Context) ([]byte, error) {
	preamble := make([]byte, 2)
	for {
		if _, err := io.ReadFull(s.reader, preamble); err != nil {
			return nil, fmt.Errorf("uartbus: await preamble: %w", err)
		}
		if preamble[0] == preambleCommand[0] && preamble[1] == preambleCommand[1] {
			break
		}
	}
	header := make([]byte, 2)
	if _, err := io.ReadFull(s.reader, header); err != nil {
		return nil, fmt.Errorf("uartbus: await header: %w", err)
	}
	remaining := int(header[1]) - 2
	if remaining < 0 {
		return nil, fmt.Errorf("uartbus: await command: %w", linkbus.ErrLinkFault)
	}
	body := make([]byte, remaining)
	if remaining > 0 {
		if _, err := io.ReadFull(s.reader, body); err != nil {
			return nil, fmt.Errorf("uartbus: await body: %w", err)
		}
	}
	return append(header, body...), nil
}

func (s *Slave) Emit(ctx context.Context, packet []byte) error {
	if _, err := s.port.Write(preambleReply[:]); err != nil {
		return fmt.Errorf("uartbus: emit preamble: %w", err)
	}
	if _, err := s.port.Write(packet); err != nil {
		return fmt.Errorf("uartbus: emit: %w", err)
	}
	return nil
}

// PulseVSync writes the vsync-only marker in place of a real GPIO edge.
func (s *Slave) PulseVSync(ctx context.Context) error {
	_, err := s.port.Write(preambleVSync[:])
	if err != nil {
		return fmt.Errorf("uartbus: pulse vsync: %w", err)
	}
	return nil
}

func (s *Slave) Close() error {
	return s.port.Close()
}
