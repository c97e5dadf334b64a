package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/wolfeidau/response-cache/expiry"
	"github.com/wolfeidau/response-cache/fetch"
	"github.com/wolfeidau/response-cache/telemetry"
)

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	Root           string    `json:"root"`
	Entries        int64     `json:"entries"`
	TotalSize      int64     `json:"total_size"`
	TotalSizeHuman string    `json:"total_size_human"`
	MaxSize        int64     `json:"max_size"`
	MaxSizeHuman   string    `json:"max_size_human"`
	Expired        int64     `json:"expired"`
	Protected      int64     `json:"protected"`
	NoMetadata     int64     `json:"no_metadata"`
	Oldest         time.Time `json:"oldest,omitzero"`
	Newest         time.Time `json:"newest,omitzero"`
}

// handleStats handles cache statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	maxSize := s.cache.MaxSize()
	writeJSON(w, http.StatusOK, statsResponse{
		Root:           s.cache.Root(),
		Entries:        stats.Entries,
		TotalSize:      stats.TotalSize,
		TotalSizeHuman: humanize.IBytes(uint64(stats.TotalSize)),
		MaxSize:        maxSize,
		MaxSizeHuman:   humanize.IBytes(uint64(maxSize)),
		Expired:        stats.Expired,
		Protected:      stats.Protected,
		NoMetadata:     stats.NoMetadata,
		Oldest:         stats.Oldest,
		Newest:         stats.Newest,
	})
}

// handleFetch serves url from the cache, fetching it upstream on a miss or
// when the entry has expired.
//
//	GET /fetch?url=<url>[&kind=data|image][&ttl=<duration>][&keep=<bool>][&refresh=<bool>]
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := q.Get("url")
	if err := validateURL(target); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	kind := fetch.KindData
	switch q.Get("kind") {
	case "", "data":
	case "image":
		kind = fetch.KindImage
	default:
		writeError(w, http.StatusBadRequest, "kind must be data or image")
		return
	}
	telemetry.SetKind(r, kind.String())

	ttl := s.config.DefaultTTL
	if v := q.Get("ttl"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid ttl: "+err.Error())
			return
		}
		ttl = d
	}
	keep, err := boolParam(q, "keep", true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	refresh, err := boolParam(q, "refresh", false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	result := telemetry.CacheMiss
	if !refresh && s.cache.Exists(ctx, target) {
		if s.cache.IsExpired(ctx, target) {
			result = telemetry.CacheExpired
		} else if data, artifactKind, ok := s.cache.Artifact(ctx, target); ok {
			telemetry.SetCacheResult(r, telemetry.CacheHit)
			w.Header().Set("Content-Type", artifactKind.ContentType())
			w.Header().Set("X-Cache", "HIT")
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			_, _ = w.Write(data)
			return
		}
	}
	if refresh {
		result = telemetry.CacheBypass
	}
	telemetry.SetCacheResult(r, result)

	f := fetch.Start(ctx, s.cache, s.client, target,
		fetch.WithKind(kind),
		fetch.WithTTL(ttl),
		fetch.WithKeepIfExpired(keep),
		fetch.WithDownloader(s.downloader),
		fetch.WithLogger(s.logger),
	)
	res, err := f.Wait(ctx)
	if err != nil {
		f.Cancel()
		return
	}

	var statusErr *fetch.StatusError
	switch {
	case errors.As(res.Err, &statusErr):
		writeError(w, http.StatusBadGateway, statusErr.Error())
		return
	case res.Err != nil:
		s.logger.Warn("upstream fetch failed", "url", target, "error", res.Err)
		writeError(w, http.StatusBadGateway, "upstream fetch failed")
		return
	}

	contentType := res.Header.Get("Content-Type")
	if res.Image != nil {
		contentType = res.Image.Kind().ContentType()
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Cache", "MISS")
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
	_, _ = w.Write(res.Data)
}

type entryResponse struct {
	Dir           string    `json:"dir"`
	URL           string    `json:"url,omitempty"`
	Artifact      string    `json:"artifact"`
	Kind          string    `json:"kind"`
	Size          int64     `json:"size"`
	SizeHuman     string    `json:"size_human"`
	ModTime       time.Time `json:"mod_time"`
	Expiry        time.Time `json:"expiry,omitzero"`
	KeepIfExpired bool      `json:"keep_if_expired"`
	Expired       bool      `json:"expired"`
}

// handleListEntries lists cache entries.
func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.cache.Entries(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	now := s.cache.Now()
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		er := entryResponse{
			Dir:       e.Dir,
			URL:       e.URL,
			Artifact:  e.Artifact,
			Kind:      e.Kind.String(),
			Size:      e.Size,
			SizeHuman: humanize.IBytes(uint64(e.Size)),
			ModTime:   e.ModTime,
			Expired:   e.Expired(now),
		}
		if e.HasMetadata {
			er.Expiry = e.Metadata.Expiry
			er.KeepIfExpired = e.Metadata.KeepIfExpired
		}
		out = append(out, er)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDeleteEntry removes the entry for a URL.
//
//	DELETE /entries?url=<url>
func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if err := s.cache.Delete(r.Context(), target); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type trimResponse struct {
	Skipped         bool   `json:"skipped"`
	Scanned         int    `json:"scanned"`
	Expired         int    `json:"expired"`
	Evicted         int    `json:"evicted"`
	BytesFreed      int64  `json:"bytes_freed"`
	BytesFreedHuman string `json:"bytes_freed_human"`
	Remaining       int64  `json:"remaining"`
	Errors          int    `json:"errors"`
	Duration        string `json:"duration"`
}

// handleTrim runs a trim pass.
//
//	POST /trim[?force=<bool>]
func (s *Server) handleTrim(w http.ResponseWriter, r *http.Request) {
	force, err := boolParam(r.URL.Query(), "force", false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var res *expiry.TrimResult
	if force {
		res = s.cache.ForceTrim(r.Context())
	} else {
		res = s.cache.Trim(r.Context())
	}
	writeJSON(w, http.StatusOK, trimResponse{
		Skipped:         res.Skipped,
		Scanned:         res.Scanned,
		Expired:         res.Expired,
		Evicted:         res.Evicted,
		BytesFreed:      res.BytesFreed,
		BytesFreedHuman: humanize.IBytes(uint64(res.BytesFreed)),
		Remaining:       res.Remaining,
		Errors:          res.Errors,
		Duration:        res.Duration.String(),
	})
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.New("invalid url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url must be http or https")
	}
	if u.Host == "" {
		return errors.New("url must have a host")
	}
	return nil
}

func boolParam(q url.Values, name string, def bool) (bool, error) {
	v := q.Get(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.New("invalid " + name + ": " + v)
	}
	return b, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
