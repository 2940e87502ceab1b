// Package gpu wires the GPU opcode catalog into a trivial command table:
// every opcode decodes nothing and ACKs success, so the full numeric
// surface round-trips through the real queue/router/fault-manager
// machinery. A real rendering engine is outside this module's scope.
package gpu

import (
	"context"

	"triboy/internal/catalog"
	"triboy/internal/slave"
)

// ResetCommand is the GPU's reset opcode (catalog.GPU 0x01, RESET_GPU).
const ResetCommand = 0x01

// VBlankCallbackCommand toggles the in-band VSYNC path (catalog.GPU 0x03,
// SET_VBLANK_CALLBACK).
const VBlankCallbackCommand = 0x03

// NewStubTable registers every opcode in catalog.GPU against a trivial
// handler on node, plus a real handler for SET_VBLANK_CALLBACK so the
// in-band VSYNC toggle is actually exercised.
func NewStubTable(node *slave.Node) {
	node.Register(VBlankCallbackCommand, func(ctx context.Context, payload []byte) slave.Result {
		enable := len(payload) > 0 && payload[0] != 0
		node.EnableInBandVSync(enable)
		return slave.Result{OK: true}
	})

	for opcode := range gpuOpcodes() {
		if opcode == VBlankCallbackCommand {
			continue
		}
		node.Register(opcode, stubHandler)
	}
}

func stubHandler(ctx context.Context, payload []byte) slave.Result {
	return slave.Result{OK: true}
}

// gpuOpcodes enumerates every opcode catalog.GPU knows about, using the
// full documented opcode space rather than catalog's unexported entry map
// directly, since catalog intentionally keeps that map private to its own
// package (catalog.Table only exposes Lookup/Name).
func gpuOpcodes() map[uint8]struct{} {
	out := make(map[uint8]struct{})
	for opcode := 0; opcode <= 0xFF; opcode++ {
		if _, ok := catalog.GPU.Lookup(uint8(opcode)); ok {
			out[uint8(opcode)] = struct{}{}
		}
	}
	return out
}
