package identityindexer

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/noded/infrastructure/store"
	"github.com/R3E-Network/noded/system/address"
	"github.com/R3E-Network/noded/system/capability"
)

// fakeCaller serves canned eth_blockNumber/eth_getLogs responses, one
// []RawLog batch per eth_getLogs call in order.
type fakeCaller struct {
	mu        sync.Mutex
	head      uint64
	logBatches [][]RawLog
	callIndex int
}

func (f *fakeCaller) Request(_ context.Context, _ uint64, method string, _ []any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch method {
	case "eth_blockNumber":
		return json.Marshal(toQuantity(f.head))
	case "eth_getLogs":
		if f.callIndex >= len(f.logBatches) {
			return json.Marshal([]RawLog{})
		}
		batch := f.logBatches[f.callIndex]
		f.callIndex++
		return json.Marshal(batch)
	default:
		return nil, fmt.Errorf("fakeCaller: unexpected method %s", method)
	}
}

type fakeNotifier struct {
	mu      sync.Mutex
	updates []*NodeRecord
}

func (f *fakeNotifier) NotifyNodeUpdated(rec *NodeRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, rec)
}

func mintLog(block uint64, parentHash, childHash string, label string) RawLog {
	data := encodeDynamicBytesTuple([][]byte{[]byte(label)})
	return RawLog{
		BlockNumber: toQuantity(block),
		Topics:      []string{mintTopic, "0x" + parentHash, "0x" + childHash},
		Data:        "0x" + hex.EncodeToString(data),
	}
}

func noteLog(block uint64, parentHash, label string, value []byte) RawLog {
	data := encodeDynamicBytesTuple([][]byte{[]byte(label), value})
	return RawLog{
		BlockNumber: toQuantity(block),
		Topics:      []string{noteTopic, "0x" + parentHash, "0x" + hex.EncodeToString(make([]byte, 32))},
		Data:        "0x" + hex.EncodeToString(data),
	}
}

func newTestIndexer(t *testing.T, caller RPCCaller, head uint64) (*Indexer, *store.Bucket) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bucket, err := st.Bucket("identity")
	require.NoError(t, err)

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	oracle := capability.New("local", priv, "fp", nil)
	self := address.Address{Node: "local", Process: address.ProcessId{Name: "identity", Package: "kernel", Publisher: "sys"}}

	src := NewChainSource(caller, 1, "0xcontract", 0)
	idx, err := New(Config{Source: src, Store: bucket, Oracle: oracle, Self: self})
	require.NoError(t, err)
	return idx, bucket
}

func TestIndexerAppliesMintThenNote(t *testing.T) {
	childHash := hex.EncodeToString(bytesOf(1))
	zeroHash := hex.EncodeToString(make([]byte, 32))

	caller := &fakeCaller{
		head: 5,
		logBatches: [][]RawLog{{
			mintLog(1, zeroHash, childHash, "node1"),
			noteLog(2, childHash, "~net-key", make([]byte, 32)),
		}},
	}
	idx, _ := newTestIndexer(t, caller, 5)
	idx.pollOnce(context.Background())

	idx.mu.Lock()
	rec, ok := idx.records["node1"]
	idx.mu.Unlock()
	require.True(t, ok)
	require.NotEmpty(t, rec.NetKey)
}

func TestIndexerQueuesNoteBeforeItsMint(t *testing.T) {
	childHash := hex.EncodeToString(bytesOf(7))
	zeroHash := hex.EncodeToString(make([]byte, 32))

	caller := &fakeCaller{
		head: 5,
		logBatches: [][]RawLog{{
			noteLog(1, childHash, "~net-key", make([]byte, 32)),
			mintLog(2, zeroHash, childHash, "late-mint"),
		}},
	}
	idx, _ := newTestIndexer(t, caller, 5)
	idx.pollOnce(context.Background())

	idx.mu.Lock()
	_, stillPending := idx.pending[1]
	rec, ok := idx.records["late-mint"]
	idx.mu.Unlock()

	require.False(t, stillPending, "queued note should have been replayed once its parent Mint arrived")
	require.True(t, ok)
	require.NotEmpty(t, rec.NetKey)
}

func TestRetryPendingFlushesAfterMaxRetries(t *testing.T) {
	caller := &fakeCaller{head: 0}
	idx, _ := newTestIndexer(t, caller, 0)

	idx.mu.Lock()
	idx.pending[0] = []*pendingNote{{parentHash: "never-known", label: "~net-key", data: make([]byte, 32)}}
	idx.lastBlock = 0
	idx.mu.Unlock()

	for i := 0; i <= maxNoteRetries; i++ {
		idx.retryPending()
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	require.Empty(t, idx.pending)
}

func TestResetRequiresRootCapability(t *testing.T) {
	caller := &fakeCaller{head: 0}
	idx, _ := newTestIndexer(t, caller, 0)

	invoker := address.ProcessId{Name: "cli", Package: "kernel", Publisher: "sys"}
	require.Error(t, idx.Reset(invoker))

	idx.oracle.Add(invoker, []capability.Capability{{Issuer: idx.self, Params: `{"root":true}`}}, nil)
	require.NoError(t, idx.Reset(invoker))
}

func TestCheckpointRoundTripsThroughStore(t *testing.T) {
	childHash := hex.EncodeToString(bytesOf(3))
	zeroHash := hex.EncodeToString(make([]byte, 32))
	caller := &fakeCaller{
		head: 9,
		logBatches: [][]RawLog{{
			mintLog(1, zeroHash, childHash, "persisted"),
		}},
	}
	idx, bucket := newTestIndexer(t, caller, 9)
	idx.pollOnce(context.Background())
	require.NoError(t, idx.persistCheckpoint())

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	oracle := capability.New("local", priv, "fp", nil)
	self := address.Address{Node: "local", Process: address.ProcessId{Name: "identity", Package: "kernel", Publisher: "sys"}}
	src := NewChainSource(caller, 1, "0xcontract", 0)
	reloaded, err := New(Config{Source: src, Store: bucket, Oracle: oracle, Self: self})
	require.NoError(t, err)

	reloaded.mu.Lock()
	defer reloaded.mu.Unlock()
	require.Equal(t, uint64(9), reloaded.lastBlock)
	_, ok := reloaded.records["persisted"]
	require.True(t, ok)
}

func TestNodeInfoReturnsNotFoundWhenChainHasNothing(t *testing.T) {
	caller := &fakeCaller{head: 0, logBatches: [][]RawLog{}}
	idx, _ := newTestIndexer(t, caller, 0)

	_, err := idx.NodeInfo(context.Background(), "nobody", 3*time.Second)
	require.Error(t, err)
}
