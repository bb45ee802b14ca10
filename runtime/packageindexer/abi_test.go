package packageindexer

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeDynamicBytesTupleRoundTrip(t *testing.T) {
	fields := [][]byte{[]byte("~metadata-uri"), []byte("https://example.com/pkg.json")}
	data := encodeDynamicBytesTuple(fields)

	decoded, err := decodeDynamicBytesTuple(data, len(fields))
	require.NoError(t, err)
	require.Equal(t, fields[0], decoded[0])
	require.Equal(t, fields[1], decoded[1])
}

func TestDecodeNoteLog(t *testing.T) {
	data := encodeDynamicBytesTuple([][]byte{[]byte("~metadata-uri"), []byte("https://example.com/pkg.json")})
	raw := RawLog{
		BlockNumber: "0x5",
		Topics: []string{
			noteTopic,
			"0x" + hex.EncodeToString(parentBytesOf(1)),
			"0x" + hex.EncodeToString(parentBytesOf(2)),
		},
		Data: "0x" + hex.EncodeToString(data),
	}

	note, err := decodeNoteLog(raw)
	require.NoError(t, err)
	require.NotNil(t, note)
	require.Equal(t, "~metadata-uri", note.label)
	require.Equal(t, "https://example.com/pkg.json", string(note.data))
}

func TestDecodeNoteLogWrongTopicReturnsNil(t *testing.T) {
	raw := RawLog{
		BlockNumber: "0x1",
		Topics:      []string{"0xdeadbeef", "0x00"},
		Data:        "0x",
	}
	note, err := decodeNoteLog(raw)
	require.NoError(t, err)
	require.Nil(t, note)
}

func parentBytesOf(b byte) []byte {
	out := make([]byte, 32)
	out[31] = b
	return out
}
