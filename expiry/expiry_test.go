package expiry

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/response-cache/backend"
)

func TestTrim_SkipsWhenClean(t *testing.T) {
	meta, b := newTestMetadataStore(t)
	ctx := context.Background()

	base := time.Unix(1_000_000, 0)
	writeEntry(t, b, meta, "aaa", "file.bin", 100, base, NewMetadata(base, time.Hour, false))

	mgr := NewManager(meta, b, Config{MaxSize: 0})
	mgr.now = func() time.Time { return base }

	result := mgr.Trim(ctx)
	require.True(t, result.Skipped)
	requireExists(t, b, "aaa")

	// ForceTrim ignores the flag.
	result = mgr.ForceTrim(ctx)
	require.False(t, result.Skipped)
	require.Equal(t, 1, result.Evicted)
	requireGone(t, b, "aaa")
}

func TestTrim_ClearsDirtyFlag(t *testing.T) {
	meta, b := newTestMetadataStore(t)
	ctx := context.Background()

	mgr := NewManager(meta, b, DefaultConfig())
	mgr.MarkDirty()
	require.True(t, mgr.Dirty())

	result := mgr.Trim(ctx)
	require.False(t, result.Skipped)
	require.False(t, mgr.Dirty())

	require.True(t, mgr.Trim(ctx).Skipped)
}

func TestTrim_ExpiredUnprotectedDeleted(t *testing.T) {
	meta, b := newTestMetadataStore(t)
	ctx := context.Background()

	base := time.Unix(1_000_000, 0)
	writeEntry(t, b, meta, "expired", "file.bin", 10, base, NewMetadata(base, -time.Second, false))
	writeEntry(t, b, meta, "kept", "file.png", 20, base, NewMetadata(base, -time.Second, true))
	writeEntry(t, b, meta, "fresh", "file.jpg", 30, base, NewMetadata(base, time.Hour, false))

	mgr := NewManager(meta, b, DefaultConfig())
	mgr.now = func() time.Time { return base }
	mgr.MarkDirty()

	result := mgr.Trim(ctx)
	require.Equal(t, 3, result.Scanned)
	require.Equal(t, 1, result.Expired)
	require.Equal(t, 0, result.Evicted)
	require.Equal(t, int64(10), result.BytesFreed)
	require.Equal(t, int64(50), result.Remaining)

	requireGone(t, b, "expired")
	requireExists(t, b, "kept")
	requireExists(t, b, "fresh")

	_, ok := meta.Get(ctx, "expired")
	require.False(t, ok)
}

func TestTrim_MissingMetadataFallsIntoEvictionPool(t *testing.T) {
	meta, b := newTestMetadataStore(t)
	ctx := context.Background()

	base := time.Unix(1_000_000, 0)
	// No sidecar at all, and a malformed one.
	writeArtifact(t, b, "nometa", "file.bin", 50, base)
	writeArtifact(t, b, "badmeta", "file.bin", 50, base.Add(time.Second))
	require.NoError(t, b.Write(ctx, "badmeta/file.info", strings.NewReader("x")))

	mgr := NewManager(meta, b, Config{MaxSize: 1000})
	mgr.now = func() time.Time { return base.Add(time.Hour) }
	mgr.MarkDirty()

	result := mgr.Trim(ctx)
	require.Equal(t, 0, result.Expired)
	require.Equal(t, 0, result.Evicted)
	requireExists(t, b, "nometa")
	requireExists(t, b, "badmeta")

	// Under size pressure they are evicted like any other entry.
	mgr.SetMaxSize(60)
	result = mgr.Trim(ctx)
	require.Equal(t, 1, result.Evicted)
	requireGone(t, b, "nometa")
	requireExists(t, b, "badmeta")
}

func TestTrim_EvictsOldestFirst(t *testing.T) {
	meta, b := newTestMetadataStore(t)
	ctx := context.Background()

	base := time.Unix(1_000_000, 0)
	// Listing order (by name) differs from modification order.
	dirs := []string{"e", "d", "c", "b", "a"}
	for i, dir := range dirs {
		writeEntry(t, b, meta, dir, "file.bin", 100, base.Add(time.Duration(i)*time.Minute),
			NewMetadata(base, 24*time.Hour, false))
	}

	var deleted []string
	mgr := NewManager(meta, b, Config{MaxSize: 300})
	mgr.now = func() time.Time { return base.Add(time.Hour) }
	mgr.OnDelete(func(_ context.Context, dir string) { deleted = append(deleted, dir) })
	mgr.MarkDirty()

	result := mgr.Trim(ctx)

	// 500 >= 300, 400 >= 300, 300 >= 300, stop at 200.
	require.Equal(t, 3, result.Evicted)
	require.Equal(t, int64(200), result.Remaining)
	require.Equal(t, []string{"e", "d", "c"}, deleted)

	requireExists(t, b, "b")
	requireExists(t, b, "a")
}

func TestTrim_ProtectedEntriesStillEvictedForSpace(t *testing.T) {
	meta, b := newTestMetadataStore(t)
	ctx := context.Background()

	base := time.Unix(1_000_000, 0)
	writeEntry(t, b, meta, "old", "file.bin", 100, base, NewMetadata(base, -time.Second, true))
	writeEntry(t, b, meta, "new", "file.bin", 100, base.Add(time.Minute), NewMetadata(base, time.Hour, false))

	mgr := NewManager(meta, b, Config{MaxSize: 150})
	mgr.now = func() time.Time { return base }
	mgr.MarkDirty()

	result := mgr.Trim(ctx)
	require.Equal(t, 0, result.Expired)
	require.Equal(t, 1, result.Evicted)
	requireGone(t, b, "old")
	requireExists(t, b, "new")
}

func TestTrim_SizeBoundConverges(t *testing.T) {
	meta, b := newTestMetadataStore(t)
	ctx := context.Background()

	base := time.Unix(1_000_000, 0)
	for i, dir := range []string{"a", "b", "c", "d", "e", "f"} {
		writeEntry(t, b, meta, dir, "file.bin", int64(37*(i+1)), base.Add(time.Duration(i)*time.Second),
			NewMetadata(base, time.Hour, i%2 == 0))
	}

	mgr := NewManager(meta, b, Config{MaxSize: 250})
	mgr.now = func() time.Time { return base }
	mgr.MarkDirty()

	result := mgr.Trim(ctx)
	require.Less(t, result.Remaining, int64(250))

	stats, err := mgr.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, result.Remaining, stats.TotalSize)
}

func TestTrim_ZeroBudgetEmptiesCache(t *testing.T) {
	meta, b := newTestMetadataStore(t)
	ctx := context.Background()

	base := time.Unix(1_000_000, 0)
	writeEntry(t, b, meta, "a", "file.bin", 4, base, NewMetadata(base, time.Hour, true))
	writeEntry(t, b, meta, "b", "file@2x.png", 0, base, NewMetadata(base, time.Hour, true))

	mgr := NewManager(meta, b, DefaultConfig())
	mgr.now = func() time.Time { return base }
	mgr.SetMaxSize(0)
	require.True(t, mgr.Dirty())
	require.Equal(t, int64(0), mgr.MaxSize())

	result := mgr.Trim(ctx)
	require.Equal(t, 2, result.Evicted)
	requireGone(t, b, "a")
	requireGone(t, b, "b")
}

func TestTrim_SkipsDirectoriesWithoutArtifact(t *testing.T) {
	meta, b := newTestMetadataStore(t)
	ctx := context.Background()

	base := time.Unix(1_000_000, 0)
	require.NoError(t, meta.Put(ctx, "orphan", NewMetadata(base, -time.Hour, false)))

	mgr := NewManager(meta, b, Config{MaxSize: 0})
	mgr.now = func() time.Time { return base }
	mgr.MarkDirty()

	result := mgr.Trim(ctx)
	require.Equal(t, 0, result.Scanned)
	require.Equal(t, 0, result.Expired)
	requireExists(t, b, "orphan")
}

func TestTrim_UsesFirstArtifactOnly(t *testing.T) {
	meta, b := newTestMetadataStore(t)
	ctx := context.Background()

	base := time.Unix(1_000_000, 0)
	writeEntry(t, b, meta, "multi", "file.bin", 10, base, NewMetadata(base, time.Hour, false))
	writeArtifact(t, b, "multi", "file.png", 1000, base)

	mgr := NewManager(meta, b, Config{MaxSize: 100})
	mgr.now = func() time.Time { return base }
	mgr.MarkDirty()

	result := mgr.Trim(ctx)
	require.Equal(t, 0, result.Evicted)
	require.Equal(t, int64(10), result.Remaining)
}

func TestTrim_EntryErrorsAreSkipped(t *testing.T) {
	meta, b := newTestMetadataStore(t)
	ctx := context.Background()

	base := time.Unix(1_000_000, 0)
	writeEntry(t, b, meta, "good", "file.bin", 10, base, NewMetadata(base, -time.Second, false))
	writeEntry(t, b, meta, "broken", "file.bin", 10, base, NewMetadata(base, -time.Second, false))

	fb := &failingBackend{Backend: b, statFails: "broken/file.bin"}
	mgr := NewManager(meta, fb, Config{MaxSize: 1000})
	mgr.now = func() time.Time { return base }
	mgr.MarkDirty()

	result := mgr.Trim(ctx)
	require.Equal(t, 1, result.Errors)
	require.Equal(t, 1, result.Expired)
	requireGone(t, b, "good")
	requireExists(t, b, "broken")
}

func TestManagerStats(t *testing.T) {
	meta, b := newTestMetadataStore(t)
	ctx := context.Background()

	base := time.Unix(1_000_000, 0)
	writeEntry(t, b, meta, "a", "file.bin", 100, base, NewMetadata(base, -time.Second, false))
	writeEntry(t, b, meta, "b", "file.bin", 200, base.Add(time.Hour), NewMetadata(base, -time.Second, true))
	writeArtifact(t, b, "c", "file.jpg", 300, base.Add(2*time.Hour))

	mgr := NewManager(meta, b, DefaultConfig())
	mgr.now = func() time.Time { return base }

	stats, err := mgr.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.Entries)
	require.Equal(t, int64(600), stats.TotalSize)
	require.Equal(t, int64(2), stats.Expired)
	require.Equal(t, int64(1), stats.Protected)
	require.Equal(t, int64(1), stats.NoMetadata)
	require.True(t, stats.Oldest.Equal(base))
	require.True(t, stats.Newest.Equal(base.Add(2*time.Hour)))

	// Stats never modifies the cache.
	requireExists(t, b, "a")
}

func TestManagerBackgroundRun(t *testing.T) {
	meta, b := newTestMetadataStore(t)
	ctx := context.Background()

	base := time.Now()
	writeEntry(t, b, meta, "a", "file.bin", 10, base, NewMetadata(base, -time.Hour, false))

	mgr := NewManager(meta, b, Config{MaxSize: DefaultMaxSize, CheckInterval: 20 * time.Millisecond})
	mgr.MarkDirty()

	require.NoError(t, mgr.Start(ctx))

	require.Eventually(t, func() bool {
		ok, _ := b.Exists(ctx, "a")
		return !ok
	}, time.Second, 10*time.Millisecond)

	mgr.Stop()

	// Should be able to stop again without issue
	mgr.Stop()
}

func TestManagerStart_NoIntervalIsNoop(t *testing.T) {
	meta, b := newTestMetadataStore(t)

	mgr := NewManager(meta, b, DefaultConfig())
	require.NoError(t, mgr.Start(context.Background()))
	mgr.Stop()
}

// Helper functions

func newTestMetadataStore(t *testing.T) (*MetadataStore, *backend.Filesystem) {
	t.Helper()
	b, err := backend.NewFilesystemFs(afero.NewMemMapFs(), "/cache")
	require.NoError(t, err)
	return NewMetadataStore(b), b
}

func writeArtifact(t *testing.T, b *backend.Filesystem, dir, name string, size int64, modified time.Time) {
	t.Helper()
	ctx := context.Background()
	key := dir + "/" + name
	require.NoError(t, b.Write(ctx, key, strings.NewReader(strings.Repeat("x", int(size)))))
	require.NoError(t, b.Touch(ctx, key, modified))
}

func writeEntry(t *testing.T, b *backend.Filesystem, meta *MetadataStore, dir, name string, size int64, modified time.Time, md Metadata) {
	t.Helper()
	writeArtifact(t, b, dir, name, size, modified)
	require.NoError(t, meta.Put(context.Background(), dir, md))
}

func readKey(t *testing.T, b backend.Backend, key string) string {
	t.Helper()
	rc, err := b.Read(context.Background(), key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func requireExists(t *testing.T, b backend.Backend, dir string) {
	t.Helper()
	ok, err := b.Exists(context.Background(), dir)
	require.NoError(t, err)
	require.True(t, ok, "expected %s to exist", dir)
}

func requireGone(t *testing.T, b backend.Backend, dir string) {
	t.Helper()
	ok, err := b.Exists(context.Background(), dir)
	require.NoError(t, err)
	require.False(t, ok, "expected %s to be deleted", dir)
}

type failingBackend struct {
	backend.Backend
	statFails string
}

func (f *failingBackend) Stat(ctx context.Context, key string) (backend.Info, error) {
	if key == f.statFails {
		return backend.Info{}, io.ErrUnexpectedEOF
	}
	return f.Backend.Stat(ctx, key)
}
