package identityindexer

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/R3E-Network/noded/infrastructure/chain"
)

// mintTopic and noteTopic are the event-signature topics this indexer's log
// filter is restricted to, computed the same way the PKI contract's Solidity
// compiler would: keccak256 of the canonical event signature.
var (
	mintTopic = topicHex("Mint(bytes32,bytes32,bytes)")
	noteTopic = topicHex("Note(bytes32,bytes32,bytes,bytes)")
)

func topicHex(signature string) string {
	return "0x" + hex.EncodeToString(chain.Keccak256([]byte(signature)))
}

// RawLog mirrors one eth_getLogs entry's JSON-RPC shape.
type RawLog struct {
	BlockNumber string   `json:"blockNumber"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
}

// decodedEvent is either a Mint or a Note, extracted from one RawLog.
type decodedEvent struct {
	isMint     bool
	parentHash string
	childHash  string // mint only
	label      string
	data       []byte // note only
}

// decodeLog parses one RawLog into a decodedEvent, or returns (nil, nil) if
// the log's topic isn't one this indexer understands.
func decodeLog(raw RawLog) (*decodedEvent, error) {
	if len(raw.Topics) < 3 {
		return nil, fmt.Errorf("identityindexer: log has %d topics, want >= 3", len(raw.Topics))
	}
	data, err := decodeHex(raw.Data)
	if err != nil {
		return nil, fmt.Errorf("identityindexer: decode log data: %w", err)
	}

	switch strings.ToLower(raw.Topics[0]) {
	case strings.ToLower(mintTopic):
		fields, err := decodeDynamicBytesTuple(data, 1)
		if err != nil {
			return nil, fmt.Errorf("identityindexer: decode mint data: %w", err)
		}
		return &decodedEvent{
			isMint:     true,
			parentHash: normalizeHash(raw.Topics[1]),
			childHash:  normalizeHash(raw.Topics[2]),
			label:      string(fields[0]),
		}, nil
	case strings.ToLower(noteTopic):
		fields, err := decodeDynamicBytesTuple(data, 2)
		if err != nil {
			return nil, fmt.Errorf("identityindexer: decode note data: %w", err)
		}
		return &decodedEvent{
			isMint:     false,
			parentHash: normalizeHash(raw.Topics[1]),
			label:      string(fields[0]),
			data:       fields[1],
		}, nil
	default:
		return nil, nil
	}
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

func normalizeHash(topic string) string {
	return strings.ToLower(strings.TrimPrefix(topic, "0x"))
}

// decodeDynamicBytesTuple decodes the standard Solidity ABI encoding of a
// sequence of `count` dynamic `bytes` parameters: a head of 32-byte offsets
// into the buffer, each pointing at a (32-byte length, data) pair.
func decodeDynamicBytesTuple(data []byte, count int) ([][]byte, error) {
	if len(data) < 32*count {
		return nil, fmt.Errorf("identityindexer: abi data too short for %d dynamic fields", count)
	}
	out := make([][]byte, count)
	for i := 0; i < count; i++ {
		offset := new(big.Int).SetBytes(data[i*32 : i*32+32]).Uint64()
		if offset+32 > uint64(len(data)) {
			return nil, fmt.Errorf("identityindexer: abi offset out of range for field %d", i)
		}
		length := new(big.Int).SetBytes(data[offset : offset+32]).Uint64()
		start := offset + 32
		end := start + length
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("identityindexer: abi length out of range for field %d", i)
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
