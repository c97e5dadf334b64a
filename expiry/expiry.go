package expiry

import (
	"context"
	"log/slog"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	responsecache "github.com/wolfeidau/response-cache"
	"github.com/wolfeidau/response-cache/backend"
	"github.com/wolfeidau/response-cache/telemetry"
)

// DefaultMaxSize is the default byte budget for a cache root (10 MiB).
const DefaultMaxSize int64 = 10 * 1024 * 1024

// Config holds trim configuration.
type Config struct {
	// MaxSize is the byte budget. A trim pass evicts the oldest entries while
	// the total is at or above it, so zero empties the cache.
	MaxSize int64

	// CheckInterval enables periodic trimming from Start when positive.
	CheckInterval time.Duration

	// Logger for trim events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize: DefaultMaxSize,
		Logger:  slog.Default(),
	}
}

// Manager trims a cache root: expired unprotected entries first, then the
// least recently modified entries until the total size is under budget.
type Manager struct {
	config   Config
	metadata *MetadataStore
	backend  backend.Backend
	logger   *slog.Logger
	now      func() time.Time

	maxSize  atomic.Int64
	dirty    atomic.Bool
	trimMu   sync.Mutex
	onDelete func(ctx context.Context, dir string)

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a new trim manager.
func NewManager(meta *MetadataStore, b backend.Backend, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		config:   cfg,
		metadata: meta,
		backend:  b,
		logger:   cfg.Logger.With("component", "trim"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	m.maxSize.Store(cfg.MaxSize)
	return m
}

// MarkDirty records that an entry was written since the last trim.
func (m *Manager) MarkDirty() {
	m.dirty.Store(true)
}

// Dirty reports whether anything was written since the last trim.
func (m *Manager) Dirty() bool {
	return m.dirty.Load()
}

// MaxSize returns the current byte budget.
func (m *Manager) MaxSize() int64 {
	return m.maxSize.Load()
}

// SetMaxSize changes the byte budget and marks the cache dirty so the next
// Trim re-evaluates it.
func (m *Manager) SetMaxSize(n int64) {
	m.maxSize.Store(n)
	m.dirty.Store(true)
}

// OnDelete registers fn to be called after trim removes an entry directory.
func (m *Manager) OnDelete(fn func(ctx context.Context, dir string)) {
	m.onDelete = fn
}

// Start begins periodic trimming when CheckInterval is positive.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running || m.config.CheckInterval <= 0 {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops periodic trimming.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Trim(ctx)
		}
	}
}

// TrimResult contains the results of a trim pass.
type TrimResult struct {
	// Skipped is set when nothing was written since the last trim.
	Skipped    bool
	Scanned    int
	Expired    int
	Evicted    int
	BytesFreed int64
	// Remaining is the artifact total left after the pass.
	Remaining int64
	Errors    int
	Duration  time.Duration
}

// Trim runs a trim pass if anything was written since the last one.
func (m *Manager) Trim(ctx context.Context) *TrimResult {
	return m.trim(ctx, false)
}

// ForceTrim runs a trim pass regardless of the dirty flag.
func (m *Manager) ForceTrim(ctx context.Context) *TrimResult {
	return m.trim(ctx, true)
}

type candidate struct {
	dir      string
	modified time.Time
	size     int64
}

func (m *Manager) trim(ctx context.Context, force bool) *TrimResult {
	m.trimMu.Lock()
	defer m.trimMu.Unlock()

	// Clear before scanning so writes that land during the pass re-mark it.
	if !m.dirty.Swap(false) && !force {
		telemetry.RecordTrim(ctx, true, 0, 0, 0, 0, 0)
		return &TrimResult{Skipped: true}
	}

	start := m.now()
	result := &TrimResult{}
	maxSize := m.maxSize.Load()

	m.logger.Debug("starting trim", "max_size", maxSize, "forced", force)

	dirs, err := m.backend.List(ctx, "")
	if err != nil {
		m.logger.Error("failed to list entries", "error", err)
		result.Errors++
		return result
	}

	var pool []candidate
	var total int64

	for _, dir := range dirs {
		c, ok := m.scanEntry(ctx, dir)
		if !ok {
			result.Errors++
			continue
		}
		if c == nil {
			continue
		}
		result.Scanned++

		meta, ok := m.metadata.Get(ctx, dir)
		if ok && meta.Expired(start) && !meta.KeepIfExpired {
			if err := m.deleteEntry(ctx, dir); err != nil {
				m.logger.Debug("failed to delete expired entry", "dir", dir, "error", err)
				result.Errors++
				continue
			}
			result.Expired++
			result.BytesFreed += c.size
			m.logger.Debug("deleted expired entry", "dir", dir, "expiry", meta.Expiry)
			continue
		}

		pool = append(pool, *c)
		total += c.size
	}

	// Oldest first. Stable so equal mod times keep listing order.
	sort.SliceStable(pool, func(i, j int) bool {
		return pool[i].modified.Before(pool[j].modified)
	})

	for _, c := range pool {
		if total < maxSize {
			break
		}

		if err := m.deleteEntry(ctx, c.dir); err != nil {
			m.logger.Debug("failed to evict entry", "dir", c.dir, "error", err)
			result.Errors++
			continue
		}

		result.Evicted++
		result.BytesFreed += c.size
		total -= c.size

		m.logger.Debug("evicted entry",
			"dir", c.dir,
			"modified", c.modified,
			"size", c.size,
		)
	}

	result.Remaining = total
	result.Duration = m.now().Sub(start)

	telemetry.RecordTrim(ctx, false, result.Expired, result.Evicted, result.BytesFreed, result.Remaining, result.Duration)

	if result.Expired > 0 || result.Evicted > 0 {
		m.logger.Info("trim complete",
			"expired", result.Expired,
			"evicted", result.Evicted,
			"bytes_freed", result.BytesFreed,
			"remaining", result.Remaining,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("trim complete, nothing to remove", "remaining", result.Remaining)
	}

	return result
}

// scanEntry finds the entry's artifact and stats it. It returns a nil
// candidate when the directory holds no artifact, and ok=false on I/O errors.
func (m *Manager) scanEntry(ctx context.Context, dir string) (c *candidate, ok bool) {
	names, err := m.backend.List(ctx, dir)
	if err != nil {
		m.logger.Debug("failed to list entry", "dir", dir, "error", err)
		return nil, false
	}

	artifact, found := responsecache.FirstArtifact(names)
	if !found {
		return nil, true
	}

	info, err := m.backend.Stat(ctx, path.Join(dir, artifact))
	if err != nil {
		m.logger.Debug("failed to stat artifact", "dir", dir, "artifact", artifact, "error", err)
		return nil, false
	}

	return &candidate{dir: dir, modified: info.ModTime, size: info.Size}, true
}

func (m *Manager) deleteEntry(ctx context.Context, dir string) error {
	m.metadata.Forget(dir)
	if err := m.backend.Delete(ctx, dir); err != nil {
		return err
	}
	if m.onDelete != nil {
		m.onDelete(ctx, dir)
	}
	return nil
}

// Stats summarises the entries under a cache root.
type Stats struct {
	Entries    int64
	TotalSize  int64
	Expired    int64
	Protected  int64
	NoMetadata int64
	Oldest     time.Time
	Newest     time.Time
}

// Stats scans the cache root without modifying it.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	dirs, err := m.backend.List(ctx, "")
	if err != nil {
		return nil, err
	}

	now := m.now()
	stats := &Stats{}
	for _, dir := range dirs {
		c, ok := m.scanEntry(ctx, dir)
		if !ok || c == nil {
			continue
		}

		stats.Entries++
		stats.TotalSize += c.size

		if meta, ok := m.metadata.Get(ctx, dir); !ok {
			stats.NoMetadata++
		} else if meta.Expired(now) {
			stats.Expired++
			if meta.KeepIfExpired {
				stats.Protected++
			}
		}

		if stats.Oldest.IsZero() || c.modified.Before(stats.Oldest) {
			stats.Oldest = c.modified
		}
		if c.modified.After(stats.Newest) {
			stats.Newest = c.modified
		}
	}

	return stats, nil
}
