// Package apu wires the APU opcode catalog into a trivial command table:
// every opcode decodes nothing and ACKs success, so the full numeric
// surface round-trips through the real queue/router/fault-manager
// machinery. A real synthesis engine is outside this module's scope.
package apu

import (
	"context"

	"triboy/internal/catalog"
	"triboy/internal/slave"
)

// ResetCommand is the APU's reset opcode (catalog.APU 0x01, RESET_AUDIO —
// the same numeric value as gpu.ResetCommand with different semantics,
// which is why opcode tables are always per-destination).
const ResetCommand = 0x01

// NewStubTable registers every opcode in catalog.APU against a trivial
// handler on node.
func NewStubTable(node *slave.Node) {
	for opcode := range apuOpcodes() {
		node.Register(opcode, stubHandler)
	}
}

func stubHandler(ctx context.Context, payload []byte) slave.Result {
	return slave.Result{OK: true}
}

// apuOpcodes enumerates every opcode catalog.APU knows about.
func apuOpcodes() map[uint8]struct{} {
	out := make(map[uint8]struct{})
	for opcode := 0; opcode <= 0xFF; opcode++ {
		if _, ok := catalog.APU.Lookup(uint8(opcode)); ok {
			out[uint8(opcode)] = struct{}{}
		}
	}
	return out
}
