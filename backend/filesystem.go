package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

const tempPattern = ".tmp-*"

// Filesystem implements Backend on an afero filesystem.
// Writes are atomic using a temp file and rename pattern.
type Filesystem struct {
	root string
	fs   afero.Fs
}

// NewFilesystem creates a new filesystem backend rooted at the given path
// on the operating system filesystem.
// The directory will be created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	return NewFilesystemFs(afero.NewOsFs(), absRoot)
}

// NewFilesystemFs creates a filesystem backend rooted at root inside fs.
// Tests pass afero.NewMemMapFs().
func NewFilesystemFs(fs afero.Fs, root string) (*Filesystem, error) {
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: root, fs: afero.NewBasePathFs(fs, root)}, nil
}

// Root returns the root directory path.
func (f *Filesystem) Root() string {
	return f.root
}

// Write stores data at the given key using atomic write.
func (f *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	p := keyToPath(key)

	dir := path.Dir(p)
	if err := f.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(f.fs, dir, tempPattern)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := path.Join(dir, filepath.Base(tmp.Name()))

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = f.fs.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}

	// Close before rename
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := f.fs.Rename(tmpPath, p); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// Read retrieves data at the given key.
func (f *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	file, err := f.fs.Open(keyToPath(key))
	if err != nil {
		if isNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return file, nil
}

// Delete removes the key recursively.
func (f *Filesystem) Delete(ctx context.Context, key string) error {
	if err := f.fs.RemoveAll(keyToPath(key)); err != nil && !isNotExist(err) {
		return fmt.Errorf("removing %s: %w", key, err)
	}
	return nil
}

// Exists checks if a key exists.
func (f *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := afero.Exists(f.fs, keyToPath(key))
	if err != nil {
		return false, fmt.Errorf("checking file: %w", err)
	}
	return ok, nil
}

// List returns the names of the immediate children of prefix.
func (f *Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	infos, err := afero.ReadDir(f.fs, keyToPath(prefix))
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading directory: %w", err)
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if strings.HasPrefix(info.Name(), ".tmp-") {
			continue
		}
		names = append(names, info.Name())
	}
	return names, nil
}

// Stat returns the size and modification time of the key.
func (f *Filesystem) Stat(ctx context.Context, key string) (Info, error) {
	fi, err := f.fs.Stat(keyToPath(key))
	if err != nil {
		if isNotExist(err) {
			return Info{}, ErrNotFound
		}
		return Info{}, fmt.Errorf("stat file: %w", err)
	}
	return Info{
		Name:    fi.Name(),
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		IsDir:   fi.IsDir(),
	}, nil
}

// Touch sets the modification time of the key.
func (f *Filesystem) Touch(ctx context.Context, key string, t time.Time) error {
	if err := f.fs.Chtimes(keyToPath(key), t, t); err != nil {
		if isNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("setting times: %w", err)
	}
	return nil
}

// keyToPath converts a key to an absolute path inside the base filesystem.
func keyToPath(key string) string {
	return path.Join("/", filepath.ToSlash(key))
}

func isNotExist(err error) bool {
	return errors.Is(err, iofs.ErrNotExist) || os.IsNotExist(err)
}

// Compile-time interface checks
var _ Backend = (*Filesystem)(nil)
