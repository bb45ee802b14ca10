package identityindexer

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeDynamicBytesTupleRoundTrip(t *testing.T) {
	fields := [][]byte{[]byte("~ws-port"), {0x1f, 0x90}}
	data := encodeDynamicBytesTuple(fields)

	decoded, err := decodeDynamicBytesTuple(data, len(fields))
	require.NoError(t, err)
	require.Equal(t, fields[0], decoded[0])
	require.Equal(t, fields[1], decoded[1])
}

func TestDecodeLogMint(t *testing.T) {
	data := encodeDynamicBytesTuple([][]byte{[]byte("sub")})
	raw := RawLog{
		BlockNumber: "0x10",
		Topics: []string{
			mintTopic,
			"0x" + hex.EncodeToString(make([]byte, 32)),
			"0x" + hex.EncodeToString(bytesOf(1)),
		},
		Data: "0x" + hex.EncodeToString(data),
	}

	ev, err := decodeLog(raw)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.True(t, ev.isMint)
	require.Equal(t, "sub", ev.label)
}

func TestDecodeLogNote(t *testing.T) {
	data := encodeDynamicBytesTuple([][]byte{[]byte("~net-key"), bytesOf(2)})
	raw := RawLog{
		BlockNumber: "0x11",
		Topics: []string{
			noteTopic,
			"0x" + hex.EncodeToString(bytesOf(1)),
			"0x" + hex.EncodeToString(bytesOf(3)),
		},
		Data: "0x" + hex.EncodeToString(data),
	}

	ev, err := decodeLog(raw)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.False(t, ev.isMint)
	require.Equal(t, "~net-key", ev.label)
	require.Len(t, ev.data, 32)
}

func TestDecodeLogUnknownTopicReturnsNil(t *testing.T) {
	raw := RawLog{
		BlockNumber: "0x1",
		Topics:      []string{"0xdeadbeef", "0x00", "0x00"},
		Data:        "0x",
	}
	ev, err := decodeLog(raw)
	require.NoError(t, err)
	require.Nil(t, ev)
}

func bytesOf(b byte) []byte {
	out := make([]byte, 32)
	out[31] = b
	return out
}
