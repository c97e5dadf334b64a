package expiry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseMetadata(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		ok     bool
		keep   bool
		expiry int64
	}{
		{name: "keep", input: "1|1700000000", ok: true, keep: true, expiry: 1700000000},
		{name: "no keep", input: "0|1700000000", ok: true, expiry: 1700000000},
		{name: "negative", input: "0|-5", ok: true, expiry: -5},
		{name: "trailing newline", input: "1|42\n", ok: true, keep: true, expiry: 42},
		{name: "shortest", input: "0|7", ok: true, expiry: 7},
		{name: "too short", input: "0|", ok: false},
		{name: "empty", input: "", ok: false},
		{name: "bad flag", input: "2|42", ok: false},
		{name: "missing separator", input: "0:42", ok: false},
		{name: "not a number", input: "1|soon", ok: false},
		{name: "float", input: "1|42.5", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta, ok := ParseMetadata(tt.input)
			require.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			require.Equal(t, tt.keep, meta.KeepIfExpired)
			require.Equal(t, tt.expiry, meta.Expiry.Unix())
		})
	}
}

func TestMetadataString(t *testing.T) {
	require.Equal(t, "1|1700000000", Metadata{Expiry: time.Unix(1700000000, 0), KeepIfExpired: true}.String())
	require.Equal(t, "0|-1", Metadata{Expiry: time.Unix(-1, 0)}.String())
}

func TestNewMetadata_TruncatesToSeconds(t *testing.T) {
	now := time.Unix(1000, 900_000_000)

	meta := NewMetadata(now, time.Hour, false)
	require.Equal(t, int64(4600), meta.Expiry.Unix())
	require.Equal(t, 0, meta.Expiry.Nanosecond())

	require.False(t, meta.Expired(now))
	require.True(t, meta.Expired(now.Add(time.Hour)))
}

func TestNewMetadata_NonPositiveTTLIsExpired(t *testing.T) {
	now := time.Unix(1000, 0)

	require.True(t, NewMetadata(now, 0, false).Expired(now))
	require.True(t, NewMetadata(now, -time.Second, true).Expired(now))
}

func TestMetadataStorePutGet(t *testing.T) {
	meta, b := newTestMetadataStore(t)
	ctx := context.Background()

	want := Metadata{Expiry: time.Unix(5000, 0), KeepIfExpired: true}
	require.NoError(t, meta.Put(ctx, "abc", want))
	require.Equal(t, 1, meta.Len())

	got, ok := meta.Get(ctx, "abc")
	require.True(t, ok)
	require.Equal(t, want.Expiry.Unix(), got.Expiry.Unix())
	require.True(t, got.KeepIfExpired)

	// Sidecar is the wire format.
	require.Equal(t, "1|5000", readKey(t, b, "abc/file.info"))
}

func TestMetadataStore_LoadsFromDiskAfterFlush(t *testing.T) {
	meta, b := newTestMetadataStore(t)
	ctx := context.Background()

	require.NoError(t, b.Write(ctx, "abc/file.info", strings.NewReader("0|123")))

	got, ok := meta.Get(ctx, "abc")
	require.True(t, ok)
	require.Equal(t, int64(123), got.Expiry.Unix())

	meta.Flush()
	require.Equal(t, 0, meta.Len())

	// Sidecar remains authoritative.
	require.NoError(t, b.Write(ctx, "abc/file.info", strings.NewReader("1|456")))
	got, ok = meta.Get(ctx, "abc")
	require.True(t, ok)
	require.True(t, got.KeepIfExpired)
	require.Equal(t, int64(456), got.Expiry.Unix())
}

func TestMetadataStore_MissingAndMalformed(t *testing.T) {
	meta, b := newTestMetadataStore(t)
	ctx := context.Background()

	_, ok := meta.Get(ctx, "missing")
	require.False(t, ok)
	require.False(t, meta.Exists(ctx, "missing"))
	require.False(t, meta.IsExpired(ctx, "missing", time.Now()))

	require.NoError(t, b.Write(ctx, "bad/file.info", strings.NewReader("garbage")))
	_, ok = meta.Get(ctx, "bad")
	require.False(t, ok)
	require.Equal(t, 0, meta.Len())

	// Present but unparseable still counts as existing.
	require.True(t, meta.Exists(ctx, "bad"))
	require.False(t, meta.IsExpired(ctx, "bad", time.Now()))
}

func TestMetadataStoreIsExpired(t *testing.T) {
	meta, _ := newTestMetadataStore(t)
	ctx := context.Background()
	now := time.Unix(10_000, 0)

	require.NoError(t, meta.Put(ctx, "past", NewMetadata(now, -time.Second, false)))
	require.NoError(t, meta.Put(ctx, "boundary", NewMetadata(now, 0, false)))
	require.NoError(t, meta.Put(ctx, "future", NewMetadata(now, time.Hour, false)))

	require.True(t, meta.IsExpired(ctx, "past", now))
	require.True(t, meta.IsExpired(ctx, "boundary", now))
	require.False(t, meta.IsExpired(ctx, "future", now))
}

func TestMetadataStoreForget(t *testing.T) {
	meta, b := newTestMetadataStore(t)
	ctx := context.Background()

	require.NoError(t, meta.Put(ctx, "abc", NewMetadata(time.Now(), time.Hour, true)))
	meta.Forget("abc")
	require.Equal(t, 0, meta.Len())

	// Forgetting does not touch disk.
	require.True(t, meta.Exists(ctx, "abc"))
	require.NoError(t, b.Delete(ctx, "abc"))
	_, ok := meta.Get(ctx, "abc")
	require.False(t, ok)
}
