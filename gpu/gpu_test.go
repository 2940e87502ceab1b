package gpu_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"triboy/gpu"
	"triboy/internal/catalog"
	"triboy/internal/clocksync"
	"triboy/internal/frame"
	"triboy/internal/linkbus/loopbus"
	"triboy/internal/slave"
)

func TestStubTableAcksEveryCatalogOpcode(t *testing.T) {
	m, s := loopbus.NewPair()
	clock := clocksync.NewSlaveClock(func() time.Time { return time.Unix(0, 0) })
	node := slave.NewNode("gpu", s, catalog.GPU, clock, nil, nil)
	gpu.NewStubTable(node)
	node.Boot()
	ctx := context.Background()

	for _, opcode := range []uint8{0x09, 0x20, 0x40, 0x80, 0xD0} {
		wire, err := frame.Encode(opcode, nil)
		require.NoError(t, err)
		require.NoError(t, m.Send(ctx, wire))
		require.NoError(t, node.RunOnce(ctx))

		raw, err := m.Receive(ctx, 4)
		require.NoError(t, err)
		pkt, err := frame.Decode(raw)
		require.NoError(t, err)
		require.Equal(t, uint8(frame.OpACK), pkt.Opcode, "opcode 0x%02X", opcode)
	}
}

func TestVBlankCallbackTogglesInBandVSync(t *testing.T) {
	m, s := loopbus.NewPair()
	clock := clocksync.NewSlaveClock(func() time.Time { return time.Unix(0, 0) })
	node := slave.NewNode("gpu", s, catalog.GPU, clock, nil, nil)
	gpu.NewStubTable(node)
	node.Boot()
	ctx := context.Background()

	wire, err := frame.Encode(gpu.VBlankCallbackCommand, []byte{1})
	require.NoError(t, err)
	require.NoError(t, m.Send(ctx, wire))
	require.NoError(t, node.RunOnce(ctx))
	_, err = m.Receive(ctx, 4) // drain the ACK
	require.NoError(t, err)

	require.NoError(t, node.Retrace(ctx))
	raw, err := m.Receive(ctx, 4)
	require.NoError(t, err)
	pkt, err := frame.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, uint8(frame.OpVSync), pkt.Opcode)
}
