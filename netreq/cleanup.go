package netreq

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// maybeCleanup sweeps the temp dir at most once per CleanupInterval. Files
// are normally removed by their owner; this catches the ones left behind by
// a crash or a forced shutdown.
func (c *Client) maybeCleanup() {
	now := c.now()

	c.cleanupMu.Lock()
	if !c.lastCleanup.IsZero() && absDuration(now.Sub(c.lastCleanup)) < CleanupInterval {
		c.cleanupMu.Unlock()
		return
	}
	c.lastCleanup = now
	c.cleanupMu.Unlock()

	if removed := c.CleanupTempFiles(); removed > 0 {
		c.logger.Debug("removed stale temp files", "count", removed, "dir", c.tempDir)
	}
}

// CleanupTempFiles removes temp files that are malformed or older than
// TempFileMaxAge and returns how many were removed.
func (c *Client) CleanupTempFiles() int {
	entries, err := afero.ReadDir(c.fs, c.tempDir)
	if err != nil {
		return 0
	}

	now := c.now()
	removed := 0
	for _, e := range entries {
		if !stale(e.Name(), now) {
			continue
		}
		path := filepath.Join(c.tempDir, e.Name())
		if err := c.fs.RemoveAll(path); err != nil {
			c.logger.Debug("failed to remove temp file", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed
}

// stale reports whether a temp dir entry should be removed. Names must be
// <unix seconds>_<anything>.bin; an unparsable timestamp counts as the epoch.
func stale(name string, now time.Time) bool {
	prefix, _, found := strings.Cut(name, "_")
	if !found || !strings.HasSuffix(name, ".bin") {
		return true
	}
	secs, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		secs = 0
	}
	return absDuration(now.Sub(time.Unix(secs, 0))) >= TempFileMaxAge
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
