package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func newInstrumented(t *testing.T) *InstrumentedBackend {
	t.Helper()
	fs, err := NewFilesystemFs(afero.NewMemMapFs(), "/cache")
	require.NoError(t, err)
	return NewInstrumentedBackend(fs, "filesystem")
}

func TestInstrumentedBackend_WriteRead(t *testing.T) {
	ib := newInstrumented(t)
	ctx := context.Background()

	content := "hello, instrumented backend"
	require.NoError(t, ib.Write(ctx, "entry/file.bin", strings.NewReader(content)))

	rc, err := ib.Read(ctx, "entry/file.bin")
	require.NoError(t, err)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, content, string(got))

	// Close triggers metric recording and must not error
	require.NoError(t, rc.Close())
	require.NoError(t, rc.Close())
}

func TestInstrumentedBackend_Read_NotFound(t *testing.T) {
	ib := newInstrumented(t)

	_, err := ib.Read(context.Background(), "nonexistent/key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInstrumentedBackend_ExistsDelete(t *testing.T) {
	ib := newInstrumented(t)
	ctx := context.Background()

	exists, err := ib.Exists(ctx, "entry")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, ib.Write(ctx, "entry/file.info", strings.NewReader("0|1")))
	exists, err = ib.Exists(ctx, "entry")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, ib.Delete(ctx, "entry"))
	exists, err = ib.Exists(ctx, "entry/file.info")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestInstrumentedBackend_ListStat(t *testing.T) {
	ib := newInstrumented(t)
	ctx := context.Background()

	require.NoError(t, ib.Write(ctx, "a/file.bin", strings.NewReader("aaaa")))
	require.NoError(t, ib.Write(ctx, "b/file.png", strings.NewReader("b")))

	names, err := ib.List(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, names)

	info, err := ib.Stat(ctx, "a/file.bin")
	require.NoError(t, err)
	require.EqualValues(t, 4, info.Size)

	_, err = ib.Stat(ctx, "c/file.bin")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInstrumentedBackend_Unwrap(t *testing.T) {
	ib := newInstrumented(t)
	_, ok := ib.Unwrap().(*Filesystem)
	require.True(t, ok)
}

func TestOutcomeFromError(t *testing.T) {
	require.Equal(t, "success", outcomeFromError(nil))
	require.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	require.Equal(t, "not_found", outcomeFromError(fmt.Errorf("wrap: %w", ErrNotFound)))
	require.Equal(t, "error", outcomeFromError(errors.New("some other error")))
}

func TestRootDir(t *testing.T) {
	ib := newInstrumented(t)
	fs, ok := ib.Unwrap().(*Filesystem)
	require.True(t, ok)

	root, ok := RootDir(ib)
	require.True(t, ok)
	require.Equal(t, fs.Root(), root)

	root, ok = RootDir(fs)
	require.True(t, ok)
	require.Equal(t, fs.Root(), root)

	_, ok = RootDir(nil)
	require.False(t, ok)
}
