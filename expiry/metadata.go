// Package expiry tracks per-entry expiry metadata and trims the cache back to
// its size budget.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	responsecache "github.com/wolfeidau/response-cache"
	"github.com/wolfeidau/response-cache/backend"
)

// Metadata is the content of an entry's file.info sidecar.
type Metadata struct {
	// Expiry is stored with whole-second precision.
	Expiry time.Time

	// KeepIfExpired exempts the entry from expiry-based deletion. It can
	// still be evicted for space.
	KeepIfExpired bool
}

// NewMetadata returns metadata for an entry written at now with the given ttl.
// A zero or negative ttl yields an entry that is already expired.
func NewMetadata(now time.Time, ttl time.Duration, keepIfExpired bool) Metadata {
	return Metadata{
		Expiry:        time.Unix(now.Add(ttl).Unix(), 0),
		KeepIfExpired: keepIfExpired,
	}
}

// Expired reports whether the expiry is at or before now.
func (m Metadata) Expired(now time.Time) bool {
	return m.Expiry.Unix() <= now.Unix()
}

// String returns the sidecar text form "<0|1>|<unix seconds>".
func (m Metadata) String() string {
	flag := "0"
	if m.KeepIfExpired {
		flag = "1"
	}
	return flag + "|" + strconv.FormatInt(m.Expiry.Unix(), 10)
}

// ParseMetadata parses the sidecar text form. ok is false for anything that
// is not well formed, which callers treat as "no metadata".
func ParseMetadata(s string) (meta Metadata, ok bool) {
	if len(s) < 3 || s[1] != '|' {
		return Metadata{}, false
	}

	switch s[0] {
	case '0':
	case '1':
		meta.KeepIfExpired = true
	default:
		return Metadata{}, false
	}

	secs, err := strconv.ParseInt(strings.TrimSpace(s[2:]), 10, 64)
	if err != nil {
		return Metadata{}, false
	}
	meta.Expiry = time.Unix(secs, 0)

	return meta, true
}

// MetadataStore reads and writes sidecars and keeps parsed metadata in memory.
// The sidecar on disk is authoritative; the in-memory map can be flushed at
// any time.
type MetadataStore struct {
	backend backend.Backend
	cache   *gocache.Cache
}

// NewMetadataStore creates a new metadata store.
func NewMetadataStore(b backend.Backend) *MetadataStore {
	return &MetadataStore{
		backend: b,
		cache:   gocache.New(gocache.NoExpiration, 0),
	}
}

// Get returns metadata for the entry directory, loading the sidecar on a miss.
// ok is false when the sidecar is missing, unreadable or malformed.
func (m *MetadataStore) Get(ctx context.Context, dir string) (Metadata, bool) {
	if v, found := m.cache.Get(dir); found {
		return v.(Metadata), true
	}

	raw, err := m.readSidecar(ctx, dir)
	if err != nil {
		return Metadata{}, false
	}

	meta, ok := ParseMetadata(raw)
	if !ok {
		return Metadata{}, false
	}

	m.cache.Set(dir, meta, gocache.NoExpiration)
	return meta, true
}

// Put writes the sidecar for the entry directory and caches the metadata.
func (m *MetadataStore) Put(ctx context.Context, dir string, meta Metadata) error {
	if err := m.backend.Write(ctx, sidecarKey(dir), strings.NewReader(meta.String())); err != nil {
		m.cache.Delete(dir)
		return fmt.Errorf("writing metadata: %w", err)
	}
	m.cache.Set(dir, meta, gocache.NoExpiration)
	return nil
}

// Exists reports whether the sidecar file is present. It does not parse it.
func (m *MetadataStore) Exists(ctx context.Context, dir string) bool {
	ok, err := m.backend.Exists(ctx, sidecarKey(dir))
	return err == nil && ok
}

// IsExpired reports whether the entry's expiry is at or before now.
// Entries without valid metadata are never expired.
func (m *MetadataStore) IsExpired(ctx context.Context, dir string, now time.Time) bool {
	meta, ok := m.Get(ctx, dir)
	if !ok {
		return false
	}
	return meta.Expired(now)
}

// Forget drops the in-memory metadata for the entry directory.
func (m *MetadataStore) Forget(dir string) {
	m.cache.Delete(dir)
}

// Flush drops all in-memory metadata.
func (m *MetadataStore) Flush() {
	m.cache.Flush()
}

// Len returns the number of entries held in memory.
func (m *MetadataStore) Len() int {
	return m.cache.ItemCount()
}

func (m *MetadataStore) readSidecar(ctx context.Context, dir string) (string, error) {
	rc, err := m.backend.Read(ctx, sidecarKey(dir))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return "", backend.ErrNotFound
		}
		return "", fmt.Errorf("reading metadata: %w", err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("reading metadata: %w", err)
	}
	return string(data), nil
}

func sidecarKey(dir string) string {
	return path.Join(dir, responsecache.InfoFileName)
}
