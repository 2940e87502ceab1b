package linkbus_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"triboy/internal/linkbus"
)

func TestStateStringCoversAllValues(t *testing.T) {
	cases := map[linkbus.State]string{
		linkbus.StateIdle:              "idle",
		linkbus.StateTransmitting:      "transmitting",
		linkbus.StateAwaitingSlaveData: "awaiting-slave-data",
		linkbus.StateFault:             "fault",
		linkbus.State(99):              "unknown",
	}
	for state, want := range cases {
		require.Equal(t, want, state.String())
	}
}
