package loopbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"triboy/internal/linkbus/loopbus"
)

func TestSendThenAwaitCommandDeliversPacket(t *testing.T) {
	master, slave := loopbus.NewPair()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, master.Send(ctx, []byte{0x01, 0x02, 0xAA}))

	got, err := slave.AwaitCommand(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02, 0xAA}, got)
}

func TestEmitThenReceiveDeliversPacket(t *testing.T) {
	master, slave := loopbus.NewPair()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.False(t, master.PollReady())
	require.NoError(t, slave.Emit(ctx, []byte{0xFA, 0x02}))
	require.True(t, master.PollReady())

	got, err := master.Receive(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []byte{0xFA, 0x02}, got)
}

func TestReceiveWithNothingPendingTimesOut(t *testing.T) {
	master, _ := loopbus.NewPair()
	ctx := context.Background()

	_, err := master.Receive(ctx, 2)
	require.Error(t, err)
}

func TestPulseVSyncIsNonBlockingAndCoalesces(t *testing.T) {
	master, slave := loopbus.NewPair()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, slave.PulseVSync(ctx))
	}

	select {
	case <-master.VSync():
	default:
		t.Fatal("expected at least one coalesced vsync edge")
	}
}

func TestPollVSyncDrainsNonBlockingly(t *testing.T) {
	master, slave := loopbus.NewPair()
	ctx := context.Background()

	require.False(t, master.PollVSync())

	require.NoError(t, slave.PulseVSync(ctx))
	require.True(t, master.PollVSync())
	require.False(t, master.PollVSync())
}

func TestResetDrainsBothDirections(t *testing.T) {
	master, slave := loopbus.NewPair()
	ctx := context.Background()

	require.NoError(t, master.Send(ctx, []byte{0x01, 0x02}))
	require.NoError(t, slave.Emit(ctx, []byte{0xFA, 0x02}))

	require.NoError(t, master.Reset(ctx))

	require.False(t, master.PollReady())
	_, err := master.Receive(ctx, 2)
	require.Error(t, err)
}
