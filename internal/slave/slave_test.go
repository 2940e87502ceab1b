package slave_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"triboy/internal/catalog"
	"triboy/internal/clocksync"
	"triboy/internal/faults"
	"triboy/internal/frame"
	"triboy/internal/linkbus/loopbus"
	"triboy/internal/slave"
)

func newTestNode(t *testing.T, resetFn slave.ResetFunc) (*slave.Node, *loopbus.Master) {
	t.Helper()
	m, s := loopbus.NewPair()
	clock := clocksync.NewSlaveClock(func() time.Time { return time.Unix(0, 0) })
	node := slave.NewNode("gpu", s, catalog.GPU, clock, resetFn, nil)
	node.Boot()
	return node, m
}

func TestNOPAlwaysAcksWithoutAHandler(t *testing.T) {
	node, m := newTestNode(t, nil)
	ctx := context.Background()

	wire, err := frame.Encode(frame.OpNOP, nil)
	require.NoError(t, err)
	require.NoError(t, m.Send(ctx, wire))

	require.NoError(t, node.RunOnce(ctx))

	raw, err := m.Receive(ctx, 4)
	require.NoError(t, err)
	pkt, err := frame.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, uint8(frame.OpACK), pkt.Opcode)
	require.Equal(t, uint8(frame.OpNOP), pkt.Payload[0])
}

func TestUnregisteredOpcodeRespondsInvalidCommand(t *testing.T) {
	node, m := newTestNode(t, nil)
	ctx := context.Background()

	wire, err := frame.Encode(0x09, nil) // CLEAR_SCREEN, no handler registered
	require.NoError(t, err)
	require.NoError(t, m.Send(ctx, wire))

	require.NoError(t, node.RunOnce(ctx))

	raw, err := m.Receive(ctx, 4)
	require.NoError(t, err)
	pkt, err := frame.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, uint8(frame.OpError), pkt.Opcode)
	require.Equal(t, uint8(faults.KindInvalidCommand), pkt.Payload[1])
}

func TestRegisteredHandlerSuccessAcks(t *testing.T) {
	node, m := newTestNode(t, nil)
	ctx := context.Background()

	called := false
	node.Register(0x09, func(ctx context.Context, payload []byte) slave.Result {
		called = true
		return slave.Result{OK: true}
	})

	wire, err := frame.Encode(0x09, nil)
	require.NoError(t, err)
	require.NoError(t, m.Send(ctx, wire))
	require.NoError(t, node.RunOnce(ctx))

	require.True(t, called)
	raw, err := m.Receive(ctx, 4)
	require.NoError(t, err)
	pkt, err := frame.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, uint8(frame.OpACK), pkt.Opcode)
}

func TestHandlerFailureRespondsWithItsErrorKind(t *testing.T) {
	node, m := newTestNode(t, nil)
	ctx := context.Background()

	node.Register(0x20, func(ctx context.Context, payload []byte) slave.Result {
		return slave.Result{OK: false, Kind: faults.KindInvalidParams}
	})

	wire, err := frame.Encode(0x20, []byte{0xFF})
	require.NoError(t, err)
	require.NoError(t, m.Send(ctx, wire))
	require.NoError(t, node.RunOnce(ctx))

	raw, err := m.Receive(ctx, 4)
	require.NoError(t, err)
	pkt, err := frame.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, uint8(frame.OpError), pkt.Opcode)
	require.Equal(t, uint8(faults.KindInvalidParams), pkt.Payload[1])
}

func TestHandlerExceedingBudgetReturnsBusy(t *testing.T) {
	node, m := newTestNode(t, nil)
	ctx := context.Background()

	node.Register(0x20, func(ctx context.Context, payload []byte) slave.Result {
		<-ctx.Done()
		return slave.Result{OK: false, Kind: faults.KindUnknown}
	})

	wire, err := frame.Encode(0x20, nil)
	require.NoError(t, err)
	require.NoError(t, m.Send(ctx, wire))
	require.NoError(t, node.RunOnce(ctx))

	raw, err := m.Receive(ctx, 4)
	require.NoError(t, err)
	pkt, err := frame.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, uint8(frame.OpError), pkt.Opcode)
	require.Equal(t, uint8(faults.KindBusy), pkt.Payload[1])
}

func TestResetReinitializesBeforeItsOwnAck(t *testing.T) {
	reinitialized := false
	node, m := newTestNode(t, func(ctx context.Context) error {
		reinitialized = true
		return nil
	})
	ctx := context.Background()

	wire, err := frame.Encode(frame.OpReset, nil)
	require.NoError(t, err)
	require.NoError(t, m.Send(ctx, wire))
	require.NoError(t, node.RunOnce(ctx))

	require.True(t, reinitialized)
	raw, err := m.Receive(ctx, 4)
	require.NoError(t, err)
	pkt, err := frame.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, uint8(frame.OpACK), pkt.Opcode)
	require.Equal(t, uint8(frame.OpReset), pkt.Payload[0])
	require.Equal(t, slave.StateReady, node.State())
}

func TestResetCancelsBackgroundWork(t *testing.T) {
	node, m := newTestNode(t, nil)
	ctx := context.Background()

	cancelled := make(chan struct{}, 1)
	node.Register(0x20, func(ctx context.Context, payload []byte) slave.Result {
		bg := node.BackgroundContext()
		go func() {
			<-bg.Done()
			cancelled <- struct{}{}
		}()
		return slave.Result{OK: true}
	})

	startWire, err := frame.Encode(0x20, nil)
	require.NoError(t, err)
	require.NoError(t, m.Send(ctx, startWire))
	require.NoError(t, node.RunOnce(ctx))
	_, err = m.Receive(ctx, 4) // drain the ACK for 0x20
	require.NoError(t, err)

	select {
	case <-cancelled:
		t.Fatal("background work canceled before reset arrived")
	default:
	}

	resetWire, err := frame.Encode(frame.OpReset, nil)
	require.NoError(t, err)
	require.NoError(t, m.Send(ctx, resetWire))
	require.NoError(t, node.RunOnce(ctx))

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("expected reset to cancel background work")
	}
}

func TestClockSyncBeaconUpdatesOffsetAndAcks(t *testing.T) {
	m, s := loopbus.NewPair()
	clock := clocksync.NewSlaveClock(func() time.Time { return time.Unix(0, 0) })
	node := slave.NewNode("gpu", s, catalog.GPU, clock, nil, nil)
	node.Boot()
	ctx := context.Background()

	beacon := clocksync.Beacon{FrameCounter: 7, MasterTimeUS: 123456}
	wire, err := frame.Encode(frame.OpClockSync, beacon.Encode())
	require.NoError(t, err)
	require.NoError(t, m.Send(ctx, wire))
	require.NoError(t, node.RunOnce(ctx))

	// The slave's local clock is frozen at its epoch, so the derived offset
	// equals the beacon's master time.
	require.True(t, clock.Synced())
	require.Equal(t, uint32(7), clock.LastFrameCounter())
	require.Equal(t, int64(123456), clock.MasterTimeUS())

	raw, err := m.Receive(ctx, 4)
	require.NoError(t, err)
	pkt, err := frame.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, uint8(frame.OpACK), pkt.Opcode)
}

func TestStaleBeaconCadenceTriggersOneSyncLostReport(t *testing.T) {
	cur := time.Now()
	clockFn := func() time.Time { return cur }
	m, s := loopbus.NewPair()
	node := slave.NewNode("gpu", s, catalog.GPU, clocksync.NewSlaveClock(clockFn), nil, nil)
	node.Boot()
	ctx := context.Background()

	// Sync once, then let the beacon cadence go stale.
	beaconWire, err := frame.Encode(frame.OpClockSync, clocksync.Beacon{FrameCounter: 1, MasterTimeUS: 100}.Encode())
	require.NoError(t, err)
	require.NoError(t, m.Send(ctx, beaconWire))
	require.NoError(t, node.RunOnce(ctx))
	_, err = m.Receive(ctx, 4) // drain the beacon ACK
	require.NoError(t, err)

	cur = cur.Add(clocksync.SyncLostWindow + time.Millisecond)

	// Servicing the next command is followed by one unsolicited sync-lost
	// report for the master's fault manager.
	nop, err := frame.Encode(frame.OpNOP, nil)
	require.NoError(t, err)
	require.NoError(t, m.Send(ctx, nop))
	require.NoError(t, node.RunOnce(ctx))

	raw, err := m.Receive(ctx, 4)
	require.NoError(t, err)
	pkt, err := frame.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, uint8(frame.OpACK), pkt.Opcode)

	raw, err = m.Receive(ctx, 4)
	require.NoError(t, err)
	pkt, err = frame.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, uint8(frame.OpError), pkt.Opcode)
	require.Equal(t, uint8(frame.OpClockSync), pkt.Payload[0])
	require.Equal(t, uint8(faults.KindSyncLost), pkt.Payload[1])

	// Latched: a second command inside the same stale episode produces no
	// second report.
	require.NoError(t, m.Send(ctx, nop))
	require.NoError(t, node.RunOnce(ctx))
	_, err = m.Receive(ctx, 4) // the NOP's ACK
	require.NoError(t, err)
	_, err = m.Receive(ctx, 4)
	require.Error(t, err, "no second sync-lost report expected")
}

func TestRetraceIsANoOpForNonVSyncDestination(t *testing.T) {
	m, s := loopbus.NewPair()
	clock := clocksync.NewSlaveClock(func() time.Time { return time.Unix(0, 0) })
	node := slave.NewNode("apu", s, catalog.APU, clock, nil, nil)
	node.Boot()

	require.NoError(t, node.Retrace(context.Background()))
	require.False(t, m.PollReady())
}

func TestRetracePulsesVSyncAndEmitsInBandWhenEnabled(t *testing.T) {
	node, m := newTestNode(t, nil)
	ctx := context.Background()
	node.EnableInBandVSync(true)

	require.NoError(t, node.Retrace(ctx))

	select {
	case <-m.VSync():
	default:
		t.Fatal("expected a VSYNC edge")
	}

	raw, err := m.Receive(ctx, 4)
	require.NoError(t, err)
	pkt, err := frame.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, uint8(frame.OpVSync), pkt.Opcode)
}
