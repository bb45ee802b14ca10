package identityindexer

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/noded/infrastructure/errors"
	"github.com/R3E-Network/noded/infrastructure/logging"
	"github.com/R3E-Network/noded/infrastructure/metrics"
	"github.com/R3E-Network/noded/infrastructure/store"
	"github.com/R3E-Network/noded/system/address"
	"github.com/R3E-Network/noded/system/capability"
)

// maxNoteRetries is the reorder queue's retry cap from spec.md §4.3: a note
// whose parent Mint still hasn't arrived after this many retries is dropped.
const maxNoteRetries = 3

const checkpointKey = "checkpoint"

// retryInterval and checkpointInterval are the two periodic timers spec.md
// §4.3 names, each run via a robfig/cron/v3 scheduler entry.
const (
	retryInterval      = time.Second
	checkpointInterval = 5 * time.Minute
)

// pendingNote is a Note event queued because its parent name hasn't been
// seen yet.
type pendingNote struct {
	parentHash string
	label      string
	data       []byte
	attempts   int
}

// checkpoint is the persisted snapshot written every checkpointInterval.
type checkpoint struct {
	LastBlock uint64                 `json:"last_block"`
	Names     map[string]string      `json:"names"`   // namehash -> name
	Records   map[string]*NodeRecord `json:"records"` // name -> record
}

// Indexer maintains the node's name tables by consuming Mint/Note events
// from a ChainSource, following spec.md §4.3. Grounded on the teacher's
// services/indexer.Syncer ticker-driven poll loop, generalized from block
// range replay to event-apply-with-reorder-queue.
type Indexer struct {
	mu sync.Mutex

	names     map[string]string      // namehash -> name
	records   map[string]*NodeRecord // name -> record
	pending   map[uint64][]*pendingNote
	lastBlock uint64

	source   *ChainSource
	notifier TransportNotifier
	store    *store.Bucket
	oracle   *capability.Oracle
	self     address.Address
	log      *logging.Logger
	metrics  *metrics.Metrics

	pollInterval time.Duration
	cronSched    *cron.Cron
	stopOnce     sync.Once
	stopCh       chan struct{}
}

// Config configures a new Indexer.
type Config struct {
	Source       *ChainSource
	Notifier     TransportNotifier
	Store        *store.Bucket
	Oracle       *capability.Oracle
	Self         address.Address
	Log          *logging.Logger
	Metrics      *metrics.Metrics
	PollInterval time.Duration
}

// New builds an Indexer, restoring any persisted checkpoint from cfg.Store.
func New(cfg Config) (*Indexer, error) {
	poll := cfg.PollInterval
	if poll == 0 {
		poll = 15 * time.Second
	}
	idx := &Indexer{
		names:        make(map[string]string),
		records:      make(map[string]*NodeRecord),
		pending:      make(map[uint64][]*pendingNote),
		source:       cfg.Source,
		notifier:     cfg.Notifier,
		store:        cfg.Store,
		oracle:       cfg.Oracle,
		self:         cfg.Self,
		log:          cfg.Log,
		metrics:      cfg.Metrics,
		pollInterval: poll,
		stopCh:       make(chan struct{}),
	}
	if err := idx.restoreCheckpoint(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Indexer) restoreCheckpoint() error {
	raw, ok, err := idx.store.Get(checkpointKey)
	if err != nil {
		return fmt.Errorf("identityindexer: load checkpoint: %w", err)
	}
	if !ok {
		idx.lastBlock = idx.source.ContractFirstBlock()
		return nil
	}
	var cp checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return fmt.Errorf("identityindexer: decode checkpoint: %w", err)
	}
	idx.lastBlock = cp.LastBlock
	if cp.Names != nil {
		idx.names = cp.Names
	}
	if cp.Records != nil {
		idx.records = cp.Records
	}
	return nil
}

// Start begins the poll loop and the retry/checkpoint cron timers.
func (idx *Indexer) Start(ctx context.Context) error {
	sched := cron.New(cron.WithSeconds())
	if _, err := sched.AddFunc(fmt.Sprintf("@every %s", retryInterval), func() {
		idx.retryPending()
	}); err != nil {
		return fmt.Errorf("identityindexer: schedule retry timer: %w", err)
	}
	if _, err := sched.AddFunc(fmt.Sprintf("@every %s", checkpointInterval), func() {
		if err := idx.persistCheckpoint(); err != nil && idx.log != nil {
			idx.log.WithError(err).Warn("persist identity indexer checkpoint")
		}
	}); err != nil {
		return fmt.Errorf("identityindexer: schedule checkpoint timer: %w", err)
	}
	idx.cronSched = sched
	sched.Start()

	go idx.pollLoop(ctx)
	return nil
}

// Stop halts the poll loop and cron timers, persisting a final checkpoint.
func (idx *Indexer) Stop() {
	idx.stopOnce.Do(func() {
		close(idx.stopCh)
		if idx.cronSched != nil {
			<-idx.cronSched.Stop().Done()
		}
		if err := idx.persistCheckpoint(); err != nil && idx.log != nil {
			idx.log.WithError(err).Warn("persist identity indexer checkpoint on stop")
		}
	})
}

func (idx *Indexer) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(idx.pollInterval)
	defer ticker.Stop()

	idx.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-idx.stopCh:
			return
		case <-ticker.C:
			idx.pollOnce(ctx)
		}
	}
}

func (idx *Indexer) pollOnce(ctx context.Context) {
	idx.mu.Lock()
	from := idx.lastBlock
	idx.mu.Unlock()

	events, head, err := idx.source.FetchLogs(ctx, from)
	if err != nil {
		if idx.log != nil {
			idx.log.WithError(err).Warn("identity indexer fetch logs")
		}
		return
	}

	idx.mu.Lock()
	for _, be := range events {
		idx.applyEventLocked(be.event, be.block)
	}
	idx.lastBlock = head
	idx.mu.Unlock()

	if idx.metrics != nil {
		idx.metrics.IndexerBlocksBehind.WithLabelValues("identity").Set(0)
		idx.metrics.IndexerEventsQueued.WithLabelValues("identity").Set(float64(idx.pendingCount()))
	}
}

// NameForHash resolves a namehash to the full dotted name it was minted to,
// if known. Satisfies runtime/packageindexer's NameResolver interface.
func (idx *Indexer) NameForHash(namehash string) (string, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	name, ok := idx.names[namehash]
	return name, ok
}

func (idx *Indexer) pendingCount() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	n := 0
	for _, list := range idx.pending {
		n += len(list)
	}
	return n
}

// applyEventLocked applies one decoded Mint or Note event observed at
// block; idx.mu must be held.
func (idx *Indexer) applyEventLocked(ev *decodedEvent, block uint64) {
	if ev.isMint {
		idx.applyMintLocked(ev)
		return
	}
	idx.applyNoteLocked(ev, block)
}

func (idx *Indexer) applyMintLocked(ev *decodedEvent) {
	if err := validateLabel(ev.label); err != nil {
		if idx.log != nil {
			idx.log.WithFields(map[string]interface{}{"label": ev.label}).Warn("identity indexer rejected mint label")
		}
		return
	}
	parentName, ok := idx.names[ev.parentHash]
	fullName := ev.label
	if ok && parentName != "" {
		fullName = ev.label + "." + parentName
	}
	idx.names[ev.childHash] = fullName
	if _, exists := idx.records[fullName]; !exists {
		idx.records[fullName] = &NodeRecord{Name: fullName}
	}
	idx.retryQueueForLocked(ev.childHash)
}

// retryQueueForLocked re-attempts any pending notes that were queued under a
// namehash which has just become known (a Mint arrived after its children's
// notes).
func (idx *Indexer) retryQueueForLocked(namehash string) {
	for block, notes := range idx.pending {
		var remaining []*pendingNote
		for _, pn := range notes {
			if pn.parentHash == namehash {
				idx.applyNoteBodyLocked(pn.parentHash, pn.label, pn.data)
				continue
			}
			remaining = append(remaining, pn)
		}
		if len(remaining) == 0 {
			delete(idx.pending, block)
		} else {
			idx.pending[block] = remaining
		}
	}
}

// applyNoteLocked applies a Note event, queueing it if its parent name is
// not yet known.
func (idx *Indexer) applyNoteLocked(ev *decodedEvent, block uint64) {
	if _, ok := idx.names[ev.parentHash]; !ok {
		idx.pending[block] = append(idx.pending[block], &pendingNote{
			parentHash: ev.parentHash,
			label:      ev.label,
			data:       ev.data,
		})
		return
	}
	idx.applyNoteBodyLocked(ev.parentHash, ev.label, ev.data)
}

// applyNoteBodyLocked decodes and installs one note's payload, then notifies
// the transport subsystem if the record is now complete. idx.mu must be
// held and the parent name must already be known.
func (idx *Indexer) applyNoteBodyLocked(parentHash, label string, data []byte) {
	if !noteLabels[label] {
		return
	}
	name := idx.names[parentHash]
	rec, ok := idx.records[name]
	if !ok {
		rec = &NodeRecord{Name: name}
		idx.records[name] = rec
	}

	switch label {
	case "~ws-port":
		if len(data) < 2 {
			return
		}
		rec.WSPort = binary.BigEndian.Uint16(data[len(data)-2:])
		rec.Routers = nil
	case "~tcp-port":
		if len(data) < 2 {
			return
		}
		rec.TCPPort = binary.BigEndian.Uint16(data[len(data)-2:])
		rec.Routers = nil
	case "~net-key":
		if len(data) != 32 {
			return
		}
		rec.NetKey = hex.EncodeToString(data)
	case "~ip":
		switch len(data) {
		case 4:
			rec.IPv4 = net.IP(append([]byte(nil), data...))
			rec.Routers = nil
		case 16:
			rec.IPv6 = net.IP(append([]byte(nil), data...))
			rec.Routers = nil
		default:
			return
		}
	case "~routers":
		if len(data)%32 != 0 {
			return
		}
		var routers []string
		for i := 0; i+32 <= len(data); i += 32 {
			hash := hex.EncodeToString(data[i : i+32])
			if name, ok := idx.names[hash]; ok {
				routers = append(routers, name)
			}
		}
		rec.Routers = routers
		rec.IPv4 = nil
		rec.IPv6 = nil
		rec.WSPort = 0
		rec.TCPPort = 0
	default:
		return
	}

	if rec.Complete() && idx.notifier != nil {
		idx.notifier.NotifyNodeUpdated(rec.clone())
	}
}

// retryPending re-attempts every queued note whose block is at or before
// the indexer's current position, flushing entries that have exceeded the
// retry cap. Run by the 1 s cron timer.
func (idx *Indexer) retryPending() {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for block, notes := range idx.pending {
		if block > idx.lastBlock {
			continue
		}
		var remaining []*pendingNote
		for _, pn := range notes {
			if _, ok := idx.names[pn.parentHash]; ok {
				idx.applyNoteBodyLocked(pn.parentHash, pn.label, pn.data)
				continue
			}
			pn.attempts++
			if pn.attempts > maxNoteRetries {
				continue
			}
			remaining = append(remaining, pn)
		}
		if len(remaining) == 0 {
			delete(idx.pending, block)
		} else {
			idx.pending[block] = remaining
		}
	}
}

func (idx *Indexer) persistCheckpoint() error {
	idx.mu.Lock()
	cp := checkpoint{LastBlock: idx.lastBlock, Names: idx.names, Records: idx.records}
	idx.mu.Unlock()

	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("identityindexer: marshal checkpoint: %w", err)
	}
	return idx.store.Put(checkpointKey, raw)
}

// Reset clears all persisted state and re-replays logs from the contract's
// first block, gated on invoker holding a root capability of this process.
func (idx *Indexer) Reset(invoker address.ProcessId) error {
	if !idx.oracle.HasRoot(invoker, idx.self) {
		return errors.PermissionDenied("identity indexer reset requires a root capability")
	}

	idx.mu.Lock()
	idx.names = make(map[string]string)
	idx.records = make(map[string]*NodeRecord)
	idx.pending = make(map[uint64][]*pendingNote)
	idx.lastBlock = idx.source.ContractFirstBlock()
	idx.mu.Unlock()

	return idx.store.Delete(checkpointKey)
}

// NodeInfo looks up name, returning the locally known record if present; if
// absent, it performs a synchronous on-chain read of the five note labels
// within timeout-1 seconds and installs the record if it turns out
// complete.
func (idx *Indexer) NodeInfo(ctx context.Context, name string, timeout time.Duration) (*NodeRecord, error) {
	idx.mu.Lock()
	if rec, ok := idx.records[name]; ok {
		defer idx.mu.Unlock()
		return rec.clone(), nil
	}
	idx.mu.Unlock()

	budget := timeout - time.Second
	if budget <= 0 {
		return nil, errors.Timeout(0)
	}
	readCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	parentHash := Namehash(name)
	rec := &NodeRecord{Name: name}
	for label := range noteLabels {
		data, ok, err := idx.source.ReadNote(readCtx, parentHash, label)
		if err != nil {
			return nil, fmt.Errorf("identityindexer: node info read %s: %w", label, err)
		}
		if !ok {
			continue
		}
		applyLabelToRecord(rec, label, data, idx.names)
	}

	if !rec.Complete() {
		return nil, errors.NotFound("node", name)
	}

	idx.mu.Lock()
	idx.names[parentHash] = name
	idx.records[name] = rec
	idx.mu.Unlock()

	return rec.clone(), nil
}

// applyLabelToRecord mirrors applyNoteBodyLocked's per-label decode logic
// for the standalone NodeInfo synchronous-read path, which has no pending
// queue to contend with.
func applyLabelToRecord(rec *NodeRecord, label string, data []byte, names map[string]string) {
	switch label {
	case "~ws-port":
		if len(data) >= 2 {
			rec.WSPort = binary.BigEndian.Uint16(data[len(data)-2:])
		}
	case "~tcp-port":
		if len(data) >= 2 {
			rec.TCPPort = binary.BigEndian.Uint16(data[len(data)-2:])
		}
	case "~net-key":
		if len(data) == 32 {
			rec.NetKey = hex.EncodeToString(data)
		}
	case "~ip":
		switch len(data) {
		case 4:
			rec.IPv4 = net.IP(append([]byte(nil), data...))
		case 16:
			rec.IPv6 = net.IP(append([]byte(nil), data...))
		}
	case "~routers":
		if len(data)%32 == 0 {
			var routers []string
			for i := 0; i+32 <= len(data); i += 32 {
				if n, ok := names[hex.EncodeToString(data[i:i+32])]; ok {
					routers = append(routers, n)
				}
			}
			rec.Routers = routers
		}
	}
}

func validateLabel(label string) error {
	return address.ValidateLabel(label)
}
