// Package store provides a single-writer, durable key/value store backed by
// bbolt, used by the kernel for the persisted process map and by the
// indexers for checkpoint persistence.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Store wraps a bbolt database file. All writes go through Update, which
// bbolt itself serializes to a single writer per database file.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Checkpoint writes a consistent hot copy of the store to dir/name, the
// "kernel/backup/" checkpoint named in the persisted state layout. It runs
// inside a read-only transaction, so it never blocks concurrent writers
// for longer than the copy itself takes.
func (s *Store) Checkpoint(dir, name string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("store: mkdir checkpoint dir: %w", err)
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(filepath.Join(dir, name), 0o600)
	})
}

// Bucket returns a bucket-scoped handle, creating the bucket if absent.
func (s *Store) Bucket(name string) (*Bucket, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: create bucket %s: %w", name, err)
	}
	return &Bucket{db: s.db, name: []byte(name)}, nil
}

// Bucket is a named collection of key/value pairs within a Store.
type Bucket struct {
	db   *bolt.DB
	name []byte
}

// Put stores value under key.
func (b *Bucket) Put(key string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.name).Put([]byte(key), value)
	})
}

// Get retrieves the value stored under key, returning (nil, false) if
// absent. The returned slice is a copy, safe to use after the call returns.
func (b *Bucket) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(b.name).Get([]byte(key))
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, value != nil, nil
}

// Delete removes key from the bucket, if present.
func (b *Bucket) Delete(key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.name).Delete([]byte(key))
	})
}

// ForEach iterates every key/value pair in the bucket in key order.
func (b *Bucket) ForEach(fn func(key string, value []byte) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(b.name).ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

// DeleteAll clears every key in the bucket (used by Identity Indexer Reset).
func (b *Bucket) DeleteAll() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(b.name); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(b.name)
		return err
	})
}
