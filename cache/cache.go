// Package cache is a disk-backed response cache. Each URL maps to an entry
// directory named by a digest of the URL, holding one artifact file and a
// file.info sidecar with the entry's expiry. A trim pass drops expired
// entries and then evicts the least recently written ones until the cache is
// under its byte budget.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	responsecache "github.com/wolfeidau/response-cache"
	"github.com/wolfeidau/response-cache/backend"
	"github.com/wolfeidau/response-cache/expiry"
	"github.com/wolfeidau/response-cache/index"
	"github.com/wolfeidau/response-cache/lifecycle"
	"github.com/wolfeidau/response-cache/telemetry"
)

// RootDirName is the directory created under the user cache directory.
const RootDirName = "AGKCache"

// DefaultTTL is the time-to-live used by fetches that do not set one.
const DefaultTTL = 365 * 24 * time.Hour

// Config holds cache configuration.
type Config struct {
	// Root is the cache root directory. Defaults to DefaultRoot().
	Root string

	// MaxSize is the byte budget enforced by trim. Zero selects
	// expiry.DefaultMaxSize; use SetMaxSize(0) to empty the cache.
	MaxSize int64

	// TrimPolicy controls whether lifecycle transitions trim this cache.
	TrimPolicy lifecycle.Policy

	// Scale is the display density used for image artifacts (1, 2 or 3).
	// Zero selects 1.
	Scale int

	// Digest names entry directories. Empty selects BLAKE3; AlgSHA1
	// reproduces the directory names of older tooling.
	Digest responsecache.Algorithm

	// IndexPath enables the URL index at the given bbolt file.
	IndexPath string

	// CheckInterval enables periodic trimming from Start when positive.
	CheckInterval time.Duration

	// Backend overrides the storage backend. Defaults to an instrumented
	// filesystem backend at Root.
	Backend backend.Backend

	// Trigger overrides the lifecycle trigger. Defaults to lifecycle.Default().
	Trigger *lifecycle.Trigger

	// Logger for cache events.
	Logger *slog.Logger
}

// DefaultRoot returns <user cache dir>/AGKCache.
func DefaultRoot() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolving user cache dir: %w", err)
	}
	return filepath.Join(dir, RootDirName), nil
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:    expiry.DefaultMaxSize,
		TrimPolicy: lifecycle.PolicyOnTransition,
		Scale:      1,
		Digest:     responsecache.AlgBLAKE3,
		Logger:     slog.Default(),
	}
}

// Cache is a disk-backed response cache. It is safe for concurrent use.
type Cache struct {
	root     string
	scale    int
	policy   lifecycle.Policy
	backend  backend.Backend
	metadata *expiry.MetadataStore
	trimmer  *expiry.Manager
	paths    *pathMemo
	index    *index.Index
	logger   *slog.Logger
	now      func() time.Time

	unregister func()
	closeOnce  sync.Once
}

// New creates a cache and registers it with the lifecycle trigger.
func New(cfg Config) (*Cache, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Scale == 0 {
		cfg.Scale = 1
	}
	if !responsecache.ValidScale(cfg.Scale) {
		return nil, fmt.Errorf("invalid scale %d: must be 1, 2 or 3", cfg.Scale)
	}
	if cfg.MaxSize < 0 {
		return nil, fmt.Errorf("invalid max size %d", cfg.MaxSize)
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = expiry.DefaultMaxSize
	}
	alg, err := responsecache.ParseAlgorithm(string(cfg.Digest))
	if err != nil {
		return nil, err
	}

	if cfg.Root == "" {
		if r, ok := backend.RootDir(cfg.Backend); ok {
			cfg.Root = r
		} else if cfg.Root, err = DefaultRoot(); err != nil {
			return nil, err
		}
	}

	if cfg.Backend == nil {
		fs, err := backend.NewFilesystem(cfg.Root)
		if err != nil {
			return nil, fmt.Errorf("creating storage backend: %w", err)
		}
		cfg.Backend = backend.NewInstrumentedBackend(fs, "filesystem")
	}

	paths, err := newPathMemo(alg)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		root:     cfg.Root,
		scale:    cfg.Scale,
		policy:   cfg.TrimPolicy,
		backend:  cfg.Backend,
		metadata: expiry.NewMetadataStore(cfg.Backend),
		paths:    paths,
		logger:   cfg.Logger.With("component", "cache"),
		now:      time.Now,
	}
	c.trimmer = expiry.NewManager(c.metadata, cfg.Backend, expiry.Config{
		MaxSize:       cfg.MaxSize,
		CheckInterval: cfg.CheckInterval,
		Logger:        cfg.Logger,
	})

	if cfg.IndexPath != "" {
		idx, err := index.Open(cfg.IndexPath, index.WithLogger(cfg.Logger))
		if err != nil {
			paths.close()
			return nil, err
		}
		c.index = idx
		c.trimmer.OnDelete(func(ctx context.Context, dir string) {
			if err := idx.Delete(ctx, dir); err != nil {
				c.logger.Debug("failed to drop index record", "dir", dir, "error", err)
			}
		})
	}

	trigger := cfg.Trigger
	if trigger == nil {
		trigger = lifecycle.Default()
	}
	c.unregister = trigger.Register(c)

	c.logger.Debug("cache opened",
		"root", c.root,
		"max_size", cfg.MaxSize,
		"scale", c.scale,
		"digest", alg,
		"policy", c.policy.String(),
	)
	return c, nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string {
	return c.root
}

// Scale returns the display density used for images.
func (c *Cache) Scale() int {
	return c.scale
}

// EntryDir returns the entry directory name for key, relative to Root.
func (c *Cache) EntryDir(key string) string {
	return c.paths.dir(key)
}

// Path returns the absolute entry directory for key.
func (c *Cache) Path(key string) string {
	return filepath.Join(c.root, c.EntryDir(key))
}

// Store writes data as the artifact for key with expiry now+ttl. A zero or
// negative ttl stores an entry that is already expired. If the artifact
// cannot be written the sidecar is left untouched.
func (c *Cache) Store(ctx context.Context, data []byte, key string, ttl time.Duration, keepIfExpired bool, kind responsecache.Kind) error {
	dir := c.EntryDir(key)
	name := responsecache.ArtifactName(kind, c.scale)

	if err := c.backend.Write(ctx, path.Join(dir, name), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing artifact for %s: %w", key, err)
	}
	c.trimmer.MarkDirty()

	now := c.now()
	meta := expiry.NewMetadata(now, ttl, keepIfExpired)
	if err := c.metadata.Put(ctx, dir, meta); err != nil {
		return fmt.Errorf("writing metadata for %s: %w", key, err)
	}

	telemetry.RecordEntryWrite(ctx, kind.String(), int64(len(data)))

	if c.index != nil {
		rec := index.Record{
			Dir:           dir,
			URL:           key,
			Kind:          kind,
			StoredAt:      now,
			Expiry:        meta.Expiry,
			KeepIfExpired: keepIfExpired,
			Size:          int64(len(data)),
		}
		if err := c.index.Put(ctx, rec); err != nil {
			c.logger.Warn("failed to index entry", "url", key, "error", err)
		}
	}

	c.logger.Debug("stored entry",
		"url", key,
		"dir", dir,
		"artifact", name,
		"size", len(data),
		"expiry", meta.Expiry,
		"keep_if_expired", keepIfExpired,
	)
	return nil
}

// StoreData stores raw bytes as file.bin.
func (c *Cache) StoreData(ctx context.Context, data []byte, key string, ttl time.Duration, keepIfExpired bool) error {
	return c.Store(ctx, data, key, ttl, keepIfExpired, responsecache.KindData)
}

// StoreJPEG stores JPEG bytes for the cache's display density.
func (c *Cache) StoreJPEG(ctx context.Context, data []byte, key string, ttl time.Duration, keepIfExpired bool) error {
	return c.Store(ctx, data, key, ttl, keepIfExpired, responsecache.KindJPEG)
}

// StorePNG stores PNG bytes for the cache's display density.
func (c *Cache) StorePNG(ctx context.Context, data []byte, key string, ttl time.Duration, keepIfExpired bool) error {
	return c.Store(ctx, data, key, ttl, keepIfExpired, responsecache.KindPNG)
}

// Data returns the bytes of the first artifact in the entry for key,
// whatever its kind or density.
func (c *Cache) Data(ctx context.Context, key string) ([]byte, bool) {
	data, _, ok := c.Artifact(ctx, key)
	return data, ok
}

// Artifact is Data that also reports the kind of artifact that was read.
func (c *Cache) Artifact(ctx context.Context, key string) ([]byte, responsecache.Kind, bool) {
	dir := c.EntryDir(key)

	names, err := c.backend.List(ctx, dir)
	if err != nil {
		c.logger.Debug("failed to list entry", "url", key, "error", err)
	}
	name, ok := responsecache.FirstArtifact(names)
	if !ok {
		telemetry.RecordLookup(ctx, "data", telemetry.CacheMiss)
		return nil, responsecache.KindData, false
	}

	data, err := c.read(ctx, path.Join(dir, name))
	if err != nil {
		c.logger.Debug("failed to read artifact", "url", key, "artifact", name, "error", err)
		telemetry.RecordLookup(ctx, "data", telemetry.CacheMiss)
		return nil, responsecache.KindData, false
	}

	kind, _ := responsecache.KindFromName(name)
	telemetry.RecordLookup(ctx, "data", telemetry.CacheHit)
	return data, kind, true
}

// Image returns the decoded image stored for key at the cache's display
// density, trying JPEG then PNG. Images stored at another density are a miss.
func (c *Cache) Image(ctx context.Context, key string) (*responsecache.Image, bool) {
	dir := c.EntryDir(key)

	for _, kind := range []responsecache.Kind{responsecache.KindJPEG, responsecache.KindPNG} {
		name := responsecache.ArtifactName(kind, c.scale)
		data, err := c.read(ctx, path.Join(dir, name))
		if err != nil {
			if !errors.Is(err, backend.ErrNotFound) {
				c.logger.Debug("failed to read image", "url", key, "artifact", name, "error", err)
			}
			continue
		}

		img, err := responsecache.DecodeImage(data, c.scale)
		if err != nil {
			c.logger.Debug("failed to decode image", "url", key, "artifact", name, "error", err)
			break
		}
		telemetry.RecordLookup(ctx, "image", telemetry.CacheHit)
		return img, true
	}

	telemetry.RecordLookup(ctx, "image", telemetry.CacheMiss)
	return nil, false
}

// Exists reports whether the entry's sidecar is present. The sidecar is not
// parsed.
func (c *Cache) Exists(ctx context.Context, key string) bool {
	return c.metadata.Exists(ctx, c.EntryDir(key))
}

// IsExpired reports whether the entry's expiry is at or before now. Entries
// without valid metadata are reported as not expired.
func (c *Cache) IsExpired(ctx context.Context, key string) bool {
	return c.metadata.IsExpired(ctx, c.EntryDir(key), c.now())
}

// Lookup returns the entry's metadata.
func (c *Cache) Lookup(ctx context.Context, key string) (expiry.Metadata, bool) {
	return c.metadata.Get(ctx, c.EntryDir(key))
}

// Delete removes the entry for key. Deleting a missing entry is not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.deleteDir(ctx, c.EntryDir(key))
}

func (c *Cache) deleteDir(ctx context.Context, dir string) error {
	c.metadata.Forget(dir)
	if c.index != nil {
		if err := c.index.Delete(ctx, dir); err != nil {
			c.logger.Debug("failed to drop index record", "dir", dir, "error", err)
		}
	}
	if err := c.backend.Delete(ctx, dir); err != nil {
		return fmt.Errorf("deleting entry %s: %w", dir, err)
	}
	return nil
}

// Trim runs a trim pass if anything was stored since the last one.
func (c *Cache) Trim(ctx context.Context) *expiry.TrimResult {
	return c.trimmer.Trim(ctx)
}

// ForceTrim runs a trim pass unconditionally.
func (c *Cache) ForceTrim(ctx context.Context) *expiry.TrimResult {
	return c.trimmer.ForceTrim(ctx)
}

// SetMaxSize changes the byte budget. The next Trim applies it.
func (c *Cache) SetMaxSize(n int64) {
	c.trimmer.SetMaxSize(n)
}

// MaxSize returns the byte budget.
func (c *Cache) MaxSize() int64 {
	return c.trimmer.MaxSize()
}

// Stats scans the cache root.
func (c *Cache) Stats(ctx context.Context) (*expiry.Stats, error) {
	return c.trimmer.Stats(ctx)
}

// Start begins periodic trimming when Config.CheckInterval is positive.
func (c *Cache) Start(ctx context.Context) error {
	return c.trimmer.Start(ctx)
}

// ClearMemory drops the in-memory path memo and metadata. Disk is untouched.
func (c *Cache) ClearMemory() {
	c.paths.clear()
	c.metadata.Flush()
}

// HandleEvent implements lifecycle.Handler.
func (c *Cache) HandleEvent(ctx context.Context, ev lifecycle.Event) {
	switch {
	case ev == lifecycle.EventLowMemory:
		c.logger.Debug("clearing in-memory indices")
		c.ClearMemory()
	case ev.IsTransition() && c.policy == lifecycle.PolicyOnTransition:
		c.Trim(ctx)
	}
}

// Close unregisters the cache and releases its resources.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.unregister()
		c.trimmer.Stop()
		c.paths.close()
		if c.index != nil {
			err = c.index.Close()
		}
	})
	return err
}

func (c *Cache) read(ctx context.Context, key string) ([]byte, error) {
	rc, err := c.backend.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

var _ lifecycle.Handler = (*Cache)(nil)
