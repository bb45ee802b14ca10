package identityindexer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// RPCCaller is the narrow slice of the ETH Provider Multiplexer this indexer
// needs: a single allow-listed JSON-RPC call. *ethmux.Multiplexer satisfies
// this without the package importing ethmux directly, mirroring the
// kernel router's narrow loggerEntry interface.
type RPCCaller interface {
	Request(ctx context.Context, chainID uint64, method string, params []any) (json.RawMessage, error)
}

// ChainSource reads the PKI contract's log, and single notes on demand,
// through the ETH Provider Multiplexer.
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

// ContractFirstBlock returns the block the PKI contract was deployed at,
// the replay floor for Reset.
func (s *ChainSource) ContractFirstBlock() uint64 { return s.firstBlock }

type ethLogFilter struct {
	FromBlock string     `json:"fromBlock"`
	ToBlock   string      `json:"toBlock"`
	Address   string      `json:"address"`
	Topics    [][]string  `json:"topics"`
}

// FetchLogs pulls every Mint/Note log from fromBlock through the chain head,
// returning the decoded events in log order plus the head block observed.
func (s *ChainSource) FetchLogs(ctx context.Context, fromBlock uint64) ([]blockEvent, uint64, error) {
	headRaw, err := s.caller.Request(ctx, s.chainID, "eth_blockNumber", nil)
	if err != nil {
		return nil, 0, fmt.Errorf("identityindexer: fetch chain head: %w", err)
	}
	head, err := decodeQuantity(headRaw)
	if err != nil {
		return nil, 0, fmt.Errorf("identityindexer: decode chain head: %w", err)
	}

	filter := ethLogFilter{
		FromBlock: toQuantity(fromBlock),
		ToBlock:   toQuantity(head),
		Address:   s.contractAddress,
		Topics:    [][]string{{mintTopic, noteTopic}},
	}
	raws, err := s.getLogs(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	events := make([]blockEvent, 0, len(raws))
	for _, raw := range raws {
		ev, err := decodeLog(raw)
		if err != nil || ev == nil {
			continue
		}
		block, err := decodeQuantity(json.RawMessage(`"` + raw.BlockNumber + `"`))
		if err != nil {
			continue
		}
		events = append(events, blockEvent{block: block, event: ev})
	}
	return events, head, nil
}

// ReadNote performs a synchronous lookup of the most recent Note event for
// (parentHash, label), used by NodeInfo's on-demand five-label read.
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
		ev, err := decodeLog(raw)
		if err != nil || ev == nil || ev.isMint || ev.label != label {
			continue
		}
		found = ev.data
		ok = true
	}
	return found, ok, nil
}

func (s *ChainSource) getLogs(ctx context.Context, filter ethLogFilter) ([]RawLog, error) {
	raw, err := s.caller.Request(ctx, s.chainID, "eth_getLogs", []any{filter})
	if err != nil {
		return nil, fmt.Errorf("identityindexer: eth_getLogs: %w", err)
	}
	var logs []RawLog
	if err := json.Unmarshal(raw, &logs); err != nil {
		return nil, fmt.Errorf("identityindexer: decode eth_getLogs response: %w", err)
	}
	return logs, nil
}

// blockEvent pairs a decoded log with its block number.
type blockEvent struct {
	block uint64
	event *decodedEvent
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
