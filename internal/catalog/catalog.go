// Package catalog carries the application-facing GPU/APU/CPU command
// tables. The numeric opcode assignments are fixed for binary
// compatibility with existing assets; the protocol layer guarantees
// delivery and ordering but never interprets payloads beyond the reserved
// control band, so these tables exist for dispatch and logging only.
//
// Opcode 0x01 is RESET_GPU on the GPU table and RESET_AUDIO on the APU
// table: the same numeric value with different semantics by destination.
// GPU and APU therefore each get their own Table value; there is no
// shared global opcode->name map.
package catalog

import "fmt"

// Entry describes one application-facing command opcode.
type Entry struct {
	Opcode uint8
	Name   string
}

// Table is an immutable, per-destination opcode->name mapping.
type Table struct {
	dest    string
	entries map[uint8]Entry
}

// newTable builds a Table from a literal entry list, panicking on a
// duplicate opcode since that would indicate a mistake in the catalog
// itself, not a runtime condition.
func newTable(dest string, list []Entry) Table {
	m := make(map[uint8]Entry, len(list))
	for _, e := range list {
		if _, dup := m[e.Opcode]; dup {
			panic(fmt.Sprintf("catalog: duplicate opcode 0x%02X in %s table", e.Opcode, dest))
		}
		m[e.Opcode] = e
	}
	return Table{dest: dest, entries: m}
}

// Lookup returns the Entry for opcode and whether it is known.
func (t Table) Lookup(opcode uint8) (Entry, bool) {
	e, ok := t.entries[opcode]
	return e, ok
}

// Name returns the command name for opcode, or "" if unknown.
func (t Table) Name(opcode uint8) string {
	if e, ok := t.entries[opcode]; ok {
		return e.Name
	}
	return ""
}

// Destination names the subsystem this table belongs to (for logging).
func (t Table) Destination() string { return t.dest }

// ExtendedCommandID decodes the 16-bit command ID that follows a
// CMD_EXTENDED (0xFF) opcode byte in its payload. Payload must be at
// least 2 bytes, big-endian.
func ExtendedCommandID(payload []byte) (uint16, error) {
	if len(payload) < 2 {
		return 0, fmt.Errorf("catalog: extended command payload too short")
	}
	return uint16(payload[0])<<8 | uint16(payload[1]), nil
}

// ExtendedOpcode is the reserved opcode introducing a 16-bit extended
// command ID, used when a subsystem needs more than 256 distinct
// commands.
const ExtendedOpcode uint8 = 0xFF

// GPU is the GPU command table (0x00-0xD4).
var GPU = newTable("gpu", []Entry{
	{0x00, "NOP"},
	{0x01, "RESET_GPU"},
	{0x02, "SET_DISPLAY_MODE"},
	{0x03, "SET_VBLANK_CALLBACK"},
	{0x04, "VSYNC_WAIT"},
	{0x05, "GET_STATUS"},
	{0x06, "SET_POWER_MODE"},
	{0x07, "SET_DEBUG_MODE"},
	{0x08, "SET_FRAMERATE"},
	{0x09, "CLEAR_SCREEN"},

	{0x10, "SET_PALETTE_ENTRY"},
	{0x11, "LOAD_PALETTE"},
	{0x12, "SET_TRANSPARENT_COLOR"},
	{0x13, "FADE_PALETTE"},
	{0x14, "CYCLE_PALETTE"},
	{0x15, "BACKUP_PALETTE"},
	{0x16, "RESTORE_PALETTE"},

	{0x20, "CONFIGURE_LAYER"},
	{0x21, "LOAD_TILESET"},
	{0x22, "LOAD_TILEMAP"},
	{0x23, "SCROLL_LAYER"},
	{0x24, "SET_HSCROLL_TABLE"},
	{0x25, "SET_VSCROLL_TABLE"},
	{0x26, "SET_LAYER_PRIORITY"},
	{0x27, "SET_LAYER_VISIBILITY"},
	{0x28, "CLEAR_LAYER"},
	{0x29, "UPDATE_TILE"},
	{0x2A, "COPY_LAYER_REGION"},
	{0x2B, "FILL_LAYER_REGION"},

	{0x40, "LOAD_SPRITE_PATTERN"},
	{0x41, "DEFINE_SPRITE"},
	{0x42, "MOVE_SPRITE"},
	{0x43, "SET_SPRITE_ATTRIBUTES"},
	{0x44, "HIDE_SPRITE"},
	{0x45, "SHOW_SPRITE"},
	{0x46, "ANIMATE_SPRITE"},
	{0x47, "SET_SPRITE_PRIORITY"},
	{0x48, "ROTATE_SPRITE"},
	{0x49, "SCALE_SPRITE"},
	{0x4A, "GET_SPRITE_COLLISION"},
	{0x4B, "BATCH_SPRITE_UPDATE"},
	{0x4C, "SET_SPRITE_Z_DEPTH"},

	{0x60, "SET_FADE"},
	{0x61, "MOSAIC_EFFECT"},
	{0x62, "SCANLINE_EFFECT"},
	{0x63, "ROTATION_ZOOM_BACKGROUND"},
	{0x64, "SET_WINDOW"},
	{0x65, "COLOR_MATH"},
	{0x66, "SET_BLUR"},
	{0x67, "SET_NOISE"},
	{0x68, "SHAKE_SCREEN"},
	{0x69, "FLASH_SCREEN"},
	{0x6A, "APPLY_LUT"},

	{0x80, "DRAW_PIXEL"},
	{0x81, "DRAW_LINE"},
	{0x82, "DRAW_RECT"},
	{0x83, "DRAW_CIRCLE"},
	{0x84, "BLIT_REGION"},
	{0x85, "DRAW_TRIANGLE"},
	{0x86, "FILL_TRIANGLE"},
	{0x87, "DRAW_ELLIPSE"},
	{0x88, "DRAW_BEZIER"},
	{0x89, "DRAW_ARC"},
	{0x8A, "DRAW_POLYGON"},
	{0x8B, "FILL_POLYGON"},
	{0x8C, "DRAW_TEXT"},

	{0xA0, "CONFIGURE_SHADOW_HIGHLIGHT"},
	{0xA1, "SET_LINE_INTERRUPT"},
	{0xA2, "SET_PRIORITY_SORTING"},
	{0xA3, "COPPER_LIST_START"},
	{0xA4, "COPPER_WAIT_LINE"},
	{0xA5, "COPPER_END"},
	{0xB0, "SET_LAYER_BLEND"},
	{0xB1, "SET_RENDER_TARGET"},
	{0xB2, "APPLY_SHADER"},
	{0xB3, "CAPTURE_SCREEN"},

	{0xC0, "CONFIGURE_PLANES"},
	{0xC1, "SET_HSCROLL_MODE"},
	{0xC2, "SET_CELL_BASED_SPRITES"},
	{0xC3, "SET_DUAL_PLAYFIELD"},
	{0xC4, "SET_SPRITE_COLLISION_DETECTION"},

	{0xD0, "MEMORY_STATUS"},
	{0xD1, "DUMP_VRAM"},
	{0xD2, "OPTIMIZE_MEMORY"},
	{0xD3, "RESET_PARTIAL"},
	{0xD4, "SELF_TEST"},
})

// APU is the APU command table (0x00-0xD9).
var APU = newTable("apu", []Entry{
	{0x00, "NOP"},
	{0x01, "RESET_AUDIO"},
	{0x02, "SET_MASTER_VOLUME"},
	{0x03, "GET_STATUS"},
	{0x04, "SET_AUDIO_CONFIG"},
	{0x05, "SYNC_TIMING"},
	{0x06, "SET_MEMORY_MODE"},
	{0x07, "SET_POWER_MODE"},
	{0x08, "SILENCE_ALL"},
	{0x09, "AUDIO_SELF_TEST"},

	{0x10, "TRACKER_LOAD"},
	{0x11, "TRACKER_PLAY"},
	{0x12, "TRACKER_STOP"},
	{0x13, "TRACKER_PAUSE"},
	{0x14, "TRACKER_RESUME"},
	{0x15, "TRACKER_SET_POSITION"},
	{0x16, "TRACKER_SET_TEMPO"},
	{0x17, "TRACKER_SET_LOOP"},
	{0x18, "TRACKER_SET_CHANNEL_MASK"},
	{0x19, "TRACKER_SET_PATTERN"},
	{0x1A, "TRACKER_SET_INSTRUMENT"},
	{0x1B, "TRACKER_TRANSPOSE"},
	{0x1C, "TRACKER_GET_INFO"},
	{0x1D, "TRACKER_SET_ROW_CALLBACK"},
	{0x1E, "TRACKER_EXPORT"},
	{0x1F, "TRACKER_IMPORT"},

	{0x30, "CHANNEL_SET_VOLUME"},
	{0x31, "CHANNEL_SET_PAN"},
	{0x32, "CHANNEL_SET_PITCH"},
	{0x33, "CHANNEL_NOTE_ON"},
	{0x34, "CHANNEL_NOTE_OFF"},
	{0x35, "CHANNEL_SET_INSTRUMENT"},
	{0x36, "CHANNEL_SET_EFFECT"},
	{0x37, "CHANNEL_SET_ENVELOPE"},
	{0x38, "CHANNEL_PITCH_BEND"},
	{0x39, "CHANNEL_AFTERTOUCH"},
	{0x3A, "CHANNEL_MODULATION"},
	{0x3B, "CHANNEL_SET_PRIORITY"},
	{0x3C, "CHANNEL_GET_STATUS"},

	{0x50, "FM_INIT_CHANNEL"},
	{0x51, "FM_SET_OPERATOR"},
	{0x52, "FM_NOTE_ON"},
	{0x53, "FM_NOTE_OFF"},
	{0x54, "FM_SET_FEEDBACK"},
	{0x55, "FM_SET_LFO"},
	{0x56, "FM_LOAD_PATCH"},
	{0x57, "FM_SAVE_PATCH"},
	{0x58, "FM_SET_KEY_SCALING"},
	{0x59, "FM_SET_VELOCITY_SCALING"},

	{0x70, "SAMPLE_LOAD"},
	{0x71, "SAMPLE_PLAY"},
	{0x72, "SAMPLE_STOP"},
	{0x73, "SAMPLE_LOOP_ENABLE"},
	{0x74, "SAMPLE_SET_POSITION"},
	{0x75, "SAMPLE_SET_PITCH"},
	{0x76, "SAMPLE_SET_REGION"},
	{0x77, "SAMPLE_REVERSE"},
	{0x78, "SAMPLE_RESAMPLE"},
	{0x79, "SAMPLE_SET_ENDIANNESS"},
	{0x7A, "SAMPLE_NORMALIZE"},
	{0x7B, "SAMPLE_TRIM"},

	{0x90, "WAVE_DEFINE_TABLE"},
	{0x91, "WAVE_SET_CHANNEL"},
	{0x92, "WAVE_NOTE_ON"},
	{0x93, "WAVE_NOTE_OFF"},
	{0x94, "WAVE_SET_SWEEP"},
	{0x95, "WAVE_SET_POSITION"},
	{0x96, "WAVE_SET_MODULATION"},
	{0x97, "WAVE_SET_FORMANT"},
	{0x98, "WAVE_GENERATE"},
	{0x99, "WAVE_ANALYZE"},

	{0xB0, "EFFECT_SET_REVERB"},
	{0xB1, "EFFECT_SET_DELAY"},
	{0xB2, "EFFECT_SET_FILTER"},
	{0xB3, "EFFECT_SET_DISTORTION"},
	{0xB4, "EFFECT_CHANNEL_ROUTING"},
	{0xB5, "EFFECT_SET_EQ"},
	{0xB6, "EFFECT_SET_COMPRESSOR"},
	{0xB7, "EFFECT_SET_CHORUS"},
	{0xB8, "EFFECT_SET_FLANGER"},
	{0xB9, "EFFECT_SET_PHASER"},
	{0xBA, "EFFECT_SET_BITCRUSHER"},
	{0xBB, "EFFECT_CHAIN_CONFIG"},

	{0xD0, "MEM_CLEAR_SAMPLES"},
	{0xD1, "MEM_CLEAR_INSTRUMENTS"},
	{0xD2, "MEM_CLEAR_PATTERNS"},
	{0xD3, "MEM_STATUS"},
	{0xD4, "MEM_OPTIMIZE"},
	{0xD5, "MEM_SET_PRIORITY"},
	{0xD6, "MEM_DEFRAGMENT"},
	{0xD7, "MEM_COMPRESS"},
	{0xD8, "MEM_BACKUP"},
	{0xD9, "MEM_RESTORE"},
})

// CPU is the CPU-local command table: commands the CPU process itself
// handles rather than forwarding to a slave (0xE0-0xE7). These never
// cross a link; they are offered here
// so cmd/cpu can dispatch its own local console/debug commands through the
// same Table shape as gpu and apu, rather than a bespoke switch.
var CPU = newTable("cpu", []Entry{
	{0xE0, "SYSTEM_RESET"},
	{0xE1, "PING"},
	{0xE2, "GET_VERSION"},
	{0xE3, "SET_CLOCK"},
	{0xE4, "SYNC"},
	{0xE5, "SET_RP2350_MODE"},
	{0xE6, "PROFILE_START"},
	{0xE7, "PROFILE_STOP"},
})
