package packageindexer

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/R3E-Network/noded/infrastructure/chain"
)

// noteTopic is the PKI contract's Note event signature topic, computed the
// same way the identity indexer computes it: the package indexer subscribes
// to the same log, filtering by decoded label rather than a separate topic.
var noteTopic = "0x" + hex.EncodeToString(chain.Keccak256([]byte("Note(bytes32,bytes32,bytes,bytes)")))

// RawLog mirrors one eth_getLogs entry's JSON-RPC shape.
type RawLog struct {
	BlockNumber string   `json:"blockNumber"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
}

// decodedNote is a parsed Note event: a (label, data) pair scoped to a
// parent namehash.
type decodedNote struct {
	parentHash string
	label      string
	data       []byte
}

// decodeNoteLog parses one RawLog into a decodedNote, or returns (nil, nil)
// if the log isn't a Note this indexer understands.
func decodeNoteLog(raw RawLog) (*decodedNote, error) {
	if len(raw.Topics) < 2 {
		return nil, fmt.Errorf("packageindexer: log has %d topics, want >= 2", len(raw.Topics))
	}
	if !strings.EqualFold(raw.Topics[0], noteTopic) {
		return nil, nil
	}
	data, err := hex.DecodeString(strings.TrimPrefix(raw.Data, "0x"))
	if err != nil {
		return nil, fmt.Errorf("packageindexer: decode log data: %w", err)
	}
	fields, err := decodeDynamicBytesTuple(data, 2)
	if err != nil {
		return nil, fmt.Errorf("packageindexer: decode note data: %w", err)
	}
	return &decodedNote{
		parentHash: strings.ToLower(strings.TrimPrefix(raw.Topics[1], "0x")),
		label:      string(fields[0]),
		data:       fields[1],
	}, nil
}

// decodeDynamicBytesTuple decodes the standard Solidity ABI encoding of a
// sequence of `count` dynamic `bytes` parameters, identical in shape to the
// identity indexer's decoder of the same name (see that package's abi.go for
// the grounding note on this scheme).
func decodeDynamicBytesTuple(data []byte, count int) ([][]byte, error) {
	if len(data) < 32*count {
		return nil, fmt.Errorf("packageindexer: abi data too short for %d dynamic fields", count)
	}
	out := make([][]byte, count)
	for i := 0; i < count; i++ {
		offset := new(big.Int).SetBytes(data[i*32 : i*32+32]).Uint64()
		if offset+32 > uint64(len(data)) {
			return nil, fmt.Errorf("packageindexer: abi offset out of range for field %d", i)
		}
		length := new(big.Int).SetBytes(data[offset : offset+32]).Uint64()
		start := offset + 32
		end := start + length
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("packageindexer: abi length out of range for field %d", i)
		}
		out[i] = data[start:end]
	}
	return out, nil
}

// encodeDynamicBytesTuple is the inverse of decodeDynamicBytesTuple, used by
// tests to build synthetic log data.
func encodeDynamicBytesTuple(fields [][]byte) []byte {
	head := make([]byte, 32*len(fields))
	var tail []byte
	for i, f := range fields {
		offset := uint64(32*len(fields)) + uint64(len(tail))
		putUint256(head[i*32:i*32+32], offset)

		lenBytes := make([]byte, 32)
		putUint256(lenBytes, uint64(len(f)))
		tail = append(tail, lenBytes...)
		tail = append(tail, padTo32(f)...)
	}
	return append(head, tail...)
}

func putUint256(dst []byte, v uint64) {
	b := new(big.Int).SetUint64(v).Bytes()
	copy(dst[32-len(b):], b)
}

func padTo32(b []byte) []byte {
	pad := (32 - len(b)%32) % 32
	return append(append([]byte(nil), b...), make([]byte, pad)...)
}
