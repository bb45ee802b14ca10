// Package packageindexer consumes the chain's `~metadata-uri` PKI notes and
// maintains the node's package listing table, per spec.md §4.4. Grounded on
// the teacher's services/indexer.Storage (a Config-validated sql.DB wrapper
// with one method per query), generalized from Postgres/lib/pq to an
// embedded per-node database: modernc.org/sqlite through the teacher's
// jmoiron/sqlx access pattern (see DESIGN.md for why the driver, not the
// access layer, is swapped).
package packageindexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// schemaVersion is bumped whenever the schema changes in a way that forces
// a full replay from block 0, per spec.md §4.4's "Schema version bump
// forces a full replay from block 0".
const schemaVersion = "1"

const schemaDDL = `
CREATE TABLE IF NOT EXISTS listings (
	package_name   TEXT NOT NULL,
	publisher_node TEXT NOT NULL,
	tba            TEXT,
	metadata_uri   TEXT,
	metadata_hash  TEXT,
	metadata_json  TEXT,
	auto_update    INTEGER NOT NULL DEFAULT 0,
	block          INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (package_name, publisher_node)
);
CREATE TABLE IF NOT EXISTS published (
	package_name   TEXT NOT NULL,
	publisher_node TEXT NOT NULL,
	PRIMARY KEY (package_name, publisher_node)
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT
);
`

// Listing is one row of the listings table.
type Listing struct {
	PackageName   string `db:"package_name"`
	PublisherNode string `db:"publisher_node"`
	TBA           string `db:"tba"`
	MetadataURI   string `db:"metadata_uri"`
	MetadataHash  string `db:"metadata_hash"`
	MetadataJSON  string `db:"metadata_json"`
	AutoUpdate    bool   `db:"auto_update"`
	Block         uint64 `db:"block"`
}

// Storage wraps the package indexer's sqlite database.
type Storage struct {
	db *sqlx.DB
}

// OpenStorage opens (creating if absent) the sqlite file at path, applying
// the schema and checking the persisted schema version: a mismatch (or a
// fresh database) resets last_saved_block to 0 so the caller replays from
// the contract's first block.
func OpenStorage(path string) (*Storage, bool, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, false, fmt.Errorf("packageindexer: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer sqlite file, mirrors bbolt's single-writer model

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, false, fmt.Errorf("packageindexer: apply schema: %w", err)
	}

	s := &Storage{db: db}
	needsReplay, err := s.reconcileSchemaVersion()
	if err != nil {
		db.Close()
		return nil, false, err
	}
	return s, needsReplay, nil
}

// Close closes the underlying database file.
func (s *Storage) Close() error { return s.db.Close() }

func (s *Storage) reconcileSchemaVersion() (bool, error) {
	stored, ok, err := s.getMeta("version")
	if err != nil {
		return false, err
	}
	if ok && stored == schemaVersion {
		return false, nil
	}
	if err := s.setMeta("version", schemaVersion); err != nil {
		return false, err
	}
	if err := s.setMeta("last_saved_block", "0"); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Storage) getMeta(key string) (string, bool, error) {
	var value string
	err := s.db.Get(&value, `SELECT value FROM meta WHERE key = ?`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("packageindexer: get meta %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Storage) setMeta(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("packageindexer: set meta %s: %w", key, err)
	}
	return nil
}

// LastSavedBlock returns the checkpoint block to resume log replay from.
func (s *Storage) LastSavedBlock() (uint64, error) {
	raw, ok, err := s.getMeta("last_saved_block")
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	var block uint64
	if _, err := fmt.Sscanf(raw, "%d", &block); err != nil {
		return 0, fmt.Errorf("packageindexer: parse last_saved_block: %w", err)
	}
	return block, nil
}

// SetLastSavedBlock persists the replay checkpoint.
func (s *Storage) SetLastSavedBlock(block uint64) error {
	return s.setMeta("last_saved_block", fmt.Sprintf("%d", block))
}

// UpsertListing inserts or updates a package listing.
func (s *Storage) UpsertListing(ctx context.Context, l Listing) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO listings (package_name, publisher_node, tba, metadata_uri, metadata_hash, metadata_json, auto_update, block)
		VALUES (:package_name, :publisher_node, :tba, :metadata_uri, :metadata_hash, :metadata_json, :auto_update, :block)
		ON CONFLICT(package_name, publisher_node) DO UPDATE SET
			tba = excluded.tba,
			metadata_uri = excluded.metadata_uri,
			metadata_hash = excluded.metadata_hash,
			metadata_json = excluded.metadata_json,
			auto_update = excluded.auto_update,
			block = excluded.block
	`, l)
	if err != nil {
		return fmt.Errorf("packageindexer: upsert listing %s:%s: %w", l.PackageName, l.PublisherNode, err)
	}
	return nil
}

// GetListing retrieves one listing, or (Listing{}, false, nil) if absent.
func (s *Storage) GetListing(ctx context.Context, packageName, publisherNode string) (Listing, bool, error) {
	var l Listing
	err := s.db.GetContext(ctx, &l, `SELECT * FROM listings WHERE package_name = ? AND publisher_node = ?`, packageName, publisherNode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Listing{}, false, nil
		}
		return Listing{}, false, fmt.Errorf("packageindexer: get listing: %w", err)
	}
	return l, true, nil
}

// UnpublishListing removes a listing's publication record and clears its
// metadata fields, per spec.md §4.4 step 3 ("if ~metadata-uri is empty,
// unpublishes the listing").
func (s *Storage) UnpublishListing(ctx context.Context, packageName, publisherNode string, block uint64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM published WHERE package_name = ? AND publisher_node = ?`, packageName, publisherNode)
	if err != nil {
		return fmt.Errorf("packageindexer: unpublish: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO listings (package_name, publisher_node, metadata_uri, metadata_hash, metadata_json, auto_update, block)
		VALUES (?, ?, '', '', '', 0, ?)
		ON CONFLICT(package_name, publisher_node) DO UPDATE SET
			metadata_uri = '', metadata_hash = '', metadata_json = '', block = excluded.block
	`, packageName, publisherNode, block)
	if err != nil {
		return fmt.Errorf("packageindexer: clear unpublished listing: %w", err)
	}
	return nil
}

// MarkPublished records that (packageName, publisherNode) has a live
// listing.
func (s *Storage) MarkPublished(ctx context.Context, packageName, publisherNode string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO published (package_name, publisher_node) VALUES (?, ?)
		ON CONFLICT(package_name, publisher_node) DO NOTHING
	`, packageName, publisherNode)
	if err != nil {
		return fmt.Errorf("packageindexer: mark published: %w", err)
	}
	return nil
}

// AllListings returns every listing row, used by the post-replay refetch
// pass.
func (s *Storage) AllListings(ctx context.Context) ([]Listing, error) {
	var out []Listing
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM listings`); err != nil {
		return nil, fmt.Errorf("packageindexer: list listings: %w", err)
	}
	return out, nil
}
