package frame_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"triboy/internal/frame"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		opcode  uint8
		payload []byte
	}{
		{"zero-payload", frame.OpNOP, nil},
		{"small-payload", 0x42, []byte{1, 2, 3}},
		{"max-payload", 0x20, make([]byte, frame.MaxPayload)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wire, err := frame.Encode(tc.opcode, tc.payload)
			require.NoError(t, err)
			require.Len(t, wire, frame.HeaderSize+len(tc.payload))

			got, err := frame.Decode(wire)
			require.NoError(t, err)
			require.Equal(t, tc.opcode, got.Opcode)
			require.Equal(t, tc.payload, got.Payload)
		})
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := frame.Encode(0x01, make([]byte, frame.MaxPayload+1))
	require.ErrorIs(t, err, frame.ErrPayloadTooLarge)
}

func TestDecodeHeaderRejectsShortLength(t *testing.T) {
	_, _, err := frame.DecodeHeader(0x01, 1)
	require.ErrorIs(t, err, frame.ErrShortLength)

	_, _, err = frame.DecodeHeader(0x01, 0)
	require.ErrorIs(t, err, frame.ErrShortLength)
}

func TestDecodeHeaderZeroPayload(t *testing.T) {
	opcode, remaining, err := frame.DecodeHeader(frame.OpNOP, 2)
	require.NoError(t, err)
	require.Equal(t, uint8(frame.OpNOP), opcode)
	require.Equal(t, 0, remaining)
}

func TestDecodeHeaderMaxLength(t *testing.T) {
	_, remaining, err := frame.DecodeHeader(0x20, 255)
	require.NoError(t, err)
	require.Equal(t, frame.MaxPayload, remaining)
}

func TestDecodeShortBufferRejected(t *testing.T) {
	_, err := frame.Decode([]byte{0x01, 5, 0xAA})
	require.ErrorIs(t, err, frame.ErrShortLength)
}

func TestEncodeIntoReusesBuffer(t *testing.T) {
	buf := make([]byte, 0, 16)
	out, err := frame.EncodeInto(buf, 0x10, []byte{9, 9})
	require.NoError(t, err)
	require.Equal(t, []byte{0x10, 4, 9, 9}, out)
}
