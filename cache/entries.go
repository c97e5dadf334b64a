package cache

import (
	"context"
	"errors"
	"path"
	"time"

	responsecache "github.com/wolfeidau/response-cache"
	"github.com/wolfeidau/response-cache/expiry"
	"github.com/wolfeidau/response-cache/index"
)

// Entry describes one entry directory found on disk.
type Entry struct {
	Dir      string
	Artifact string
	Kind     responsecache.Kind
	Size     int64
	ModTime  time.Time

	// URL is set when the URL index is enabled and holds a record.
	URL string

	Metadata    expiry.Metadata
	HasMetadata bool
}

// Expired reports whether the entry has metadata with an expiry at or before now.
func (e Entry) Expired(now time.Time) bool {
	return e.HasMetadata && e.Metadata.Expired(now)
}

// Entries lists the entries under the cache root in directory order.
// Directories without an artifact are skipped.
func (c *Cache) Entries(ctx context.Context) ([]Entry, error) {
	dirs, err := c.backend.List(ctx, "")
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(dirs))
	for _, dir := range dirs {
		names, err := c.backend.List(ctx, dir)
		if err != nil {
			c.logger.Debug("failed to list entry", "dir", dir, "error", err)
			continue
		}
		name, ok := responsecache.FirstArtifact(names)
		if !ok {
			continue
		}
		info, err := c.backend.Stat(ctx, path.Join(dir, name))
		if err != nil {
			c.logger.Debug("failed to stat artifact", "dir", dir, "error", err)
			continue
		}

		kind, _ := responsecache.KindFromName(name)
		e := Entry{
			Dir:      dir,
			Artifact: name,
			Kind:     kind,
			Size:     info.Size,
			ModTime:  info.ModTime,
		}
		e.Metadata, e.HasMetadata = c.metadata.Get(ctx, dir)

		if c.index != nil {
			rec, err := c.index.Get(ctx, dir)
			switch {
			case err == nil:
				e.URL = rec.URL
			case !errors.Is(err, index.ErrNotFound):
				c.logger.Debug("failed to read index record", "dir", dir, "error", err)
			}
		}

		entries = append(entries, e)
	}
	return entries, nil
}

// Now returns the cache's current time.
func (c *Cache) Now() time.Time {
	return c.now()
}
