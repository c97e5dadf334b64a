// Package index keeps a bbolt database mapping entry directories back to the
// URLs they were stored for. Entry directory names are one-way digests, so
// listing a cache by URL needs this side table.
package index

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// ErrNotFound is returned when no record exists for an entry directory.
var ErrNotFound = errors.New("index: not found")

var (
	bucketEntries = []byte("entries")           // dir -> record
	bucketByTime  = []byte("entries_by_stored") // timestamp+dir -> dir
)

// Index is a bbolt-backed key index. It is safe for concurrent use.
type Index struct {
	db     *bbolt.DB
	logger *slog.Logger
	noSync bool
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Index) {
		i.logger = logger
	}
}

// WithNoSync disables fsync per transaction. Use only in tests.
func WithNoSync(noSync bool) Option {
	return func(i *Index) {
		i.noSync = noSync
	}
}

// Open opens or creates the index database at path.
func Open(path string, opts ...Option) (*Index, error) {
	idx := &Index{logger: slog.Default()}
	for _, opt := range opts {
		opt(idx)
	}
	idx.logger = idx.logger.With("component", "index")

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  idx.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	idx.db = db

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketByTime} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	idx.logger.Debug("opened index", "path", path)
	return idx, nil
}

// Close closes the database.
func (i *Index) Close() error {
	if i.db == nil {
		return nil
	}
	return i.db.Close()
}

// Put stores r, replacing any previous record for r.Dir.
func (i *Index) Put(_ context.Context, r Record) error {
	return i.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		byTime := tx.Bucket(bucketByTime)

		if old := entries.Get([]byte(r.Dir)); old != nil {
			if prev, err := unmarshalRecord(r.Dir, old); err == nil {
				if err := byTime.Delete(timeKey(prev.StoredAt, r.Dir)); err != nil {
					return err
				}
			}
		}

		if err := entries.Put([]byte(r.Dir), marshalRecord(r)); err != nil {
			return fmt.Errorf("writing record: %w", err)
		}
		return byTime.Put(timeKey(r.StoredAt, r.Dir), []byte(r.Dir))
	})
}

// Get returns the record for dir.
func (i *Index) Get(_ context.Context, dir string) (Record, error) {
	var r Record
	err := i.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketEntries).Get([]byte(dir))
		if val == nil {
			return ErrNotFound
		}
		var err error
		r, err = unmarshalRecord(dir, val)
		return err
	})
	return r, err
}

// Delete removes the record for dir. Missing records are not an error.
func (i *Index) Delete(_ context.Context, dir string) error {
	return i.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		val := entries.Get([]byte(dir))
		if val == nil {
			return nil
		}
		if prev, err := unmarshalRecord(dir, val); err == nil {
			if err := tx.Bucket(bucketByTime).Delete(timeKey(prev.StoredAt, dir)); err != nil {
				return err
			}
		}
		return entries.Delete([]byte(dir))
	})
}

// List returns all records, oldest stored first. Undecodable records and
// records failing their checksum are skipped.
func (i *Index) List(_ context.Context) ([]Record, error) {
	var records []Record
	err := i.db.View(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		return tx.Bucket(bucketByTime).ForEach(func(_, dir []byte) error {
			val := entries.Get(dir)
			if val == nil {
				return nil
			}
			r, err := unmarshalRecord(string(dir), val)
			if err != nil {
				i.logger.Warn("skipping invalid record", "dir", string(dir), "error", err)
				return nil
			}
			records = append(records, r)
			return nil
		})
	})
	return records, err
}

// Len returns the number of records.
func (i *Index) Len() (int, error) {
	var n int
	err := i.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketEntries).Stats().KeyN
		return nil
	})
	return n, err
}

// timeKey orders records by store time. The offset keeps pre-1970 times
// sortable as unsigned big-endian bytes.
func timeKey(t time.Time, dir string) []byte {
	key := make([]byte, 8+len(dir))
	binary.BigEndian.PutUint64(key[:8], uint64(t.UnixNano()-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	copy(key[8:], dir)
	return key
}
