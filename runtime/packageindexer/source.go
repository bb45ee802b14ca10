package packageindexer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// RPCCaller is the narrow slice of the ETH Provider Multiplexer this indexer
// needs, mirroring the identity indexer's own RPCCaller interface so
// *ethmux.Multiplexer satisfies both without either package importing it.
type RPCCaller interface {
	Request(ctx context.Context, chainID uint64, method string, params []any) (json.RawMessage, error)
}

// ChainSource reads the PKI contract's Note log through the ETH Provider
// Multiplexer, restricted to the same contract the identity indexer watches.
type ChainSource struct {
	caller          RPCCaller
	chainID         uint64
	contractAddress string
	firstBlock      uint64
}

// NewChainSource builds a ChainSource scoped to one chain and contract.
func NewChainSource(caller RPCCaller, chainID uint64, contractAddress string, firstBlock uint64) *ChainSource {
	return &ChainSource{caller: caller, chainID: chainID, contractAddress: contractAddress, firstBlock: firstBlock}
}

// ContractFirstBlock returns the block the PKI contract was deployed at.
func (s *ChainSource) ContractFirstBlock() uint64 { return s.firstBlock }

type ethLogFilter struct {
	FromBlock string     `json:"fromBlock"`
	ToBlock   string     `json:"toBlock"`
	Address   string     `json:"address"`
	Topics    [][]string `json:"topics"`
}

// noteBlockEvent pairs a decoded ~metadata-uri candidate note with its block
// number; only Notes are ever returned, pre-filtered to the noteTopic, but
// NOT yet filtered by label (the caller decides which labels matter).
type noteBlockEvent struct {
	block uint64
	note  *decodedNote
}

// FetchNotes pulls every Note log from fromBlock through the chain head.
func (s *ChainSource) FetchNotes(ctx context.Context, fromBlock uint64) ([]noteBlockEvent, uint64, error) {
	headRaw, err := s.caller.Request(ctx, s.chainID, "eth_blockNumber", nil)
	if err != nil {
		return nil, 0, fmt.Errorf("packageindexer: fetch chain head: %w", err)
	}
	head, err := decodeQuantity(headRaw)
	if err != nil {
		return nil, 0, fmt.Errorf("packageindexer: decode chain head: %w", err)
	}

	filter := ethLogFilter{
		FromBlock: toQuantity(fromBlock),
		ToBlock:   toQuantity(head),
		Address:   s.contractAddress,
		Topics:    [][]string{{noteTopic}},
	}
	raws, err := s.getLogs(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	events := make([]noteBlockEvent, 0, len(raws))
	for _, raw := range raws {
		note, err := decodeNoteLog(raw)
		if err != nil || note == nil {
			continue
		}
		block, err := decodeQuantity(json.RawMessage(`"` + raw.BlockNumber + `"`))
		if err != nil {
			continue
		}
		events = append(events, noteBlockEvent{block: block, note: note})
	}
	return events, head, nil
}

// ReadNote performs a synchronous lookup of the most recent Note for
// (parentHash, label), used to fetch the sibling ~metadata-hash note.
func (s *ChainSource) ReadNote(ctx context.Context, parentHash, label string) ([]byte, bool, error) {
	filter := ethLogFilter{
		FromBlock: toQuantity(s.firstBlock),
		ToBlock:   "latest",
		Address:   s.contractAddress,
		Topics:    [][]string{{noteTopic}, {"0x" + parentHash}},
	}
	raws, err := s.getLogs(ctx, filter)
	if err != nil {
		return nil, false, err
	}

	var found []byte
	var ok bool
	for _, raw := range raws {
		note, err := decodeNoteLog(raw)
		if err != nil || note == nil || note.label != label {
			continue
		}
		found = note.data
		ok = true
	}
	return found, ok, nil
}

func (s *ChainSource) getLogs(ctx context.Context, filter ethLogFilter) ([]RawLog, error) {
	raw, err := s.caller.Request(ctx, s.chainID, "eth_getLogs", []any{filter})
	if err != nil {
		return nil, fmt.Errorf("packageindexer: eth_getLogs: %w", err)
	}
	var logs []RawLog
	if err := json.Unmarshal(raw, &logs); err != nil {
		return nil, fmt.Errorf("packageindexer: decode eth_getLogs response: %w", err)
	}
	return logs, nil
}

func toQuantity(block uint64) string {
	return "0x" + strconv.FormatUint(block, 16)
}

func decodeQuantity(raw json.RawMessage) (uint64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 16, 64)
}
