// Package packageindexer maintains the node's package listing table by
// consuming the PKI contract's `~metadata-uri` notes, per spec.md §4.4.
// Grounded on the teacher's services/indexer.Syncer poll loop (same shape as
// the sibling runtime/identityindexer), generalized to parse a package's
// publish note, fetch its metadata over HTTP, and verify it against a
// sibling `~metadata-hash` note before accepting it into storage.
package packageindexer

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/noded/infrastructure/errors"
	"github.com/R3E-Network/noded/infrastructure/logging"
	"github.com/R3E-Network/noded/infrastructure/metrics"
)

const metadataHashLabel = "~metadata-hash"
const metadataURILabel = "~metadata-uri"

// NameResolver looks up the full dotted name a namehash was minted to. The
// identity indexer's *identityindexer.Indexer satisfies this through its
// NameForHash method, without this package importing identityindexer.
type NameResolver interface {
	NameForHash(namehash string) (string, bool)
}

// Dispatcher hands a listing off to the download subsystem. Only invoked for
// live events (not startup replay) on listings with auto_update set.
type Dispatcher interface {
	Dispatch(ctx context.Context, packageName, publisherNode, metadataURI string)
}

// Indexer is the package listing indexer.
type Indexer struct {
	source     *ChainSource
	names      NameResolver
	storage    *Storage
	fetcher    Fetcher
	dispatcher Dispatcher
	log        *logging.Logger
	metrics    *metrics.Metrics

	pollInterval time.Duration
	stopOnce     sync.Once
	stopCh       chan struct{}
}

// Config configures a new Indexer.
type Config struct {
	Source       *ChainSource
	Names        NameResolver
	Storage      *Storage
	Fetcher      Fetcher
	Dispatcher   Dispatcher
	Log          *logging.Logger
	Metrics      *metrics.Metrics
	PollInterval time.Duration
}

// New builds an Indexer. cfg.Storage must already be open.
func New(cfg Config) (*Indexer, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("packageindexer: storage is required")
	}
	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = defaultFetcher()
	}
	poll := cfg.PollInterval
	if poll == 0 {
		poll = 15 * time.Second
	}
	return &Indexer{
		source:       cfg.Source,
		names:        cfg.Names,
		storage:      cfg.Storage,
		fetcher:      fetcher,
		dispatcher:   cfg.Dispatcher,
		log:          cfg.Log,
		metrics:      cfg.Metrics,
		pollInterval: poll,
		stopCh:       make(chan struct{}),
	}, nil
}

// Start runs the startup replay (from the persisted checkpoint, without
// fetching metadata), then a single refetch pass over every listing, then
// begins the live poll loop.
func (idx *Indexer) Start(ctx context.Context) error {
	if err := idx.replay(ctx); err != nil {
		return fmt.Errorf("packageindexer: startup replay: %w", err)
	}
	if err := idx.refetchAll(ctx); err != nil && idx.log != nil {
		idx.log.WithError(err).Warn("package indexer post-replay refetch pass")
	}

	go idx.pollLoop(ctx)
	return nil
}

// Stop halts the poll loop.
func (idx *Indexer) Stop() {
	idx.stopOnce.Do(func() { close(idx.stopCh) })
}

func (idx *Indexer) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(idx.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-idx.stopCh:
			return
		case <-ticker.C:
			idx.pollLive(ctx)
		}
	}
}

// replay processes every `~metadata-uri` note from the persisted checkpoint
// through the current chain head without fetching metadata, per spec.md
// §4.4's startup behavior; a later refetchAll pass fills in metadata_json.
func (idx *Indexer) replay(ctx context.Context) error {
	from, err := idx.storage.LastSavedBlock()
	if err != nil {
		return err
	}
	events, head, err := idx.source.FetchNotes(ctx, from)
	if err != nil {
		return err
	}
	for _, ev := range events {
		idx.applyNote(ctx, ev.note, ev.block, false)
	}
	return idx.storage.SetLastSavedBlock(head)
}

// pollLive fetches new notes since the last checkpoint and applies each as a
// live event: full metadata fetch + verify, and auto_update dispatch.
func (idx *Indexer) pollLive(ctx context.Context) {
	from, err := idx.storage.LastSavedBlock()
	if err != nil {
		if idx.log != nil {
			idx.log.WithError(err).Warn("package indexer read checkpoint")
		}
		return
	}
	events, _, err := idx.source.FetchNotes(ctx, from)
	if err != nil {
		if idx.log != nil {
			idx.log.WithError(err).Warn("package indexer fetch notes")
		}
		return
	}
	for _, ev := range events {
		idx.applyNote(ctx, ev.note, ev.block, true)
	}
	if idx.metrics != nil {
		idx.metrics.IndexerBlocksBehind.WithLabelValues("package").Set(0)
	}
}

// refetchAll fetches and verifies metadata for every listing that has a
// non-empty metadata_uri, the single pass spec.md §4.4 runs once after
// startup replay completes.
func (idx *Indexer) refetchAll(ctx context.Context) error {
	listings, err := idx.storage.AllListings(ctx)
	if err != nil {
		return err
	}
	for _, l := range listings {
		if l.MetadataURI == "" {
			continue
		}
		idx.fetchAndStore(ctx, l.PackageName, l.PublisherNode, l.MetadataURI, l.Block, l.AutoUpdate, false)
	}
	return nil
}

// applyNote applies one decoded ~metadata-uri note (other labels on the same
// log stream are ignored). isLive distinguishes a live poll event from a
// startup-replay event, per spec.md §4.4's "not a live event" carve-out for
// auto_update dispatch and the deferred-metadata-fetch replay behavior.
func (idx *Indexer) applyNote(ctx context.Context, note *decodedNote, block uint64, isLive bool) {
	if note.label != metadataURILabel {
		return
	}
	name, ok := idx.names.NameForHash(note.parentHash)
	if !ok {
		return
	}
	packageName, publisherNode, ok := splitPackagePublisher(name)
	if !ok {
		return
	}

	uri := string(note.data)
	if uri == "" {
		if err := idx.storage.UnpublishListing(ctx, packageName, publisherNode, block); err != nil && idx.log != nil {
			idx.log.WithError(err).Warn("package indexer unpublish listing")
		}
		if isLive {
			idx.persistLiveCheckpoint(block)
		}
		return
	}

	if !isLive {
		// Startup replay: record the pointer, defer the fetch to refetchAll.
		existing, _, err := idx.storage.GetListing(ctx, packageName, publisherNode)
		if err != nil && idx.log != nil {
			idx.log.WithError(err).Warn("package indexer read listing during replay")
		}
		existing.PackageName = packageName
		existing.PublisherNode = publisherNode
		existing.MetadataURI = uri
		existing.Block = block
		if err := idx.storage.UpsertListing(ctx, existing); err != nil && idx.log != nil {
			idx.log.WithError(err).Warn("package indexer upsert listing during replay")
		}
		return
	}

	existing, _, _ := idx.storage.GetListing(ctx, packageName, publisherNode)
	idx.fetchAndStore(ctx, packageName, publisherNode, uri, block, existing.AutoUpdate, true)
}

// fetchAndStore fetches the sibling ~metadata-hash note (retrying once after
// a short sleep on a transient RPC error), fetches and verifies the metadata
// document, and upserts the listing. On success of a live event it persists
// block-1 as the checkpoint (so a crash between fetch and checkpoint write
// simply reprocesses this note on restart) and dispatches to the download
// subsystem when auto_update is set.
func (idx *Indexer) fetchAndStore(ctx context.Context, packageName, publisherNode, uri string, block uint64, autoUpdate bool, isLive bool) {
	parentHash := namehash(packageName + "." + publisherNode)
	hashBytes, found, err := idx.readMetadataHashWithRetry(ctx, parentHash)
	if err != nil {
		if idx.log != nil {
			idx.log.WithError(err).Warn("package indexer read metadata hash note")
		}
		return
	}
	if !found {
		if idx.log != nil {
			idx.log.WithFields(map[string]interface{}{"package": packageName, "publisher": publisherNode}).
				Warn("package indexer has no metadata hash note for a published uri")
		}
		return
	}

	body, err := fetchAndVerifyMetadata(ctx, idx.fetcher, uri, fmt.Sprintf("%x", hashBytes))
	if err != nil {
		if idx.log != nil {
			idx.log.WithError(err).Warn("package indexer verify metadata")
		}
		return
	}

	listing := Listing{
		PackageName:   packageName,
		PublisherNode: publisherNode,
		MetadataURI:   uri,
		MetadataHash:  fmt.Sprintf("%x", hashBytes),
		MetadataJSON:  body,
		AutoUpdate:    autoUpdate,
		Block:         block,
	}
	if err := idx.storage.UpsertListing(ctx, listing); err != nil {
		if idx.log != nil {
			idx.log.WithError(err).Warn("package indexer upsert listing")
		}
		return
	}
	if err := idx.storage.MarkPublished(ctx, packageName, publisherNode); err != nil && idx.log != nil {
		idx.log.WithError(err).Warn("package indexer mark published")
	}

	if isLive {
		idx.persistLiveCheckpoint(block)
		if autoUpdate && idx.dispatcher != nil {
			idx.dispatcher.Dispatch(ctx, packageName, publisherNode, uri)
		}
	}
}

func (idx *Indexer) persistLiveCheckpoint(block uint64) {
	target := uint64(0)
	if block > 0 {
		target = block - 1
	}
	if err := idx.storage.SetLastSavedBlock(target); err != nil && idx.log != nil {
		idx.log.WithError(err).Warn("package indexer persist checkpoint")
	}
}

// readMetadataHashWithRetry reads the ~metadata-hash note, retrying once
// after a one second sleep if the first attempt failed with a retryable RPC
// error, per spec.md §4.4.
func (idx *Indexer) readMetadataHashWithRetry(ctx context.Context, parentHash string) ([]byte, bool, error) {
	data, ok, err := idx.source.ReadNote(ctx, parentHash, metadataHashLabel)
	if err == nil {
		return data, ok, nil
	}
	var nodeErr *errors.NodeError
	if !stderrors.As(err, &nodeErr) || !nodeErr.Retryable() {
		return nil, false, err
	}

	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
	return idx.source.ReadNote(ctx, parentHash, metadataHashLabel)
}

// splitPackagePublisher parses a full dotted name "package.publisher..." into
// its package label and the remaining publisher node name.
func splitPackagePublisher(name string) (packageName, publisherNode string, ok bool) {
	idx := strings.Index(name, ".")
	if idx <= 0 || idx == len(name)-1 {
		return "", "", false
	}
	return name[:idx], name[idx+1:], true
}
