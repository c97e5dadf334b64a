package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"github.com/wolfeidau/response-cache/cache"
	"github.com/wolfeidau/response-cache/fetch"
	"github.com/wolfeidau/response-cache/lifecycle"
	"github.com/wolfeidau/response-cache/netreq"
	"github.com/wolfeidau/response-cache/server"
	"github.com/wolfeidau/response-cache/telemetry"
)

// ServeCmd runs the HTTP front end.
type ServeCmd struct {
	Address       string        `help:"Address to listen on." default:":8080" env:"RESPONSE_CACHE_ADDRESS"`
	AuthToken     string        `help:"Bearer token required on non-public endpoints." env:"RESPONSE_CACHE_AUTH_TOKEN"`
	TTL           time.Duration `help:"Default entry time-to-live." default:"8760h"`
	CheckInterval time.Duration `help:"How often to trim in the background (0 disables)." default:"1h"`
	Timeout       time.Duration `help:"Upstream request timeout." default:"60s"`
	Prometheus    bool          `help:"Expose /metrics." default:"true" negatable:""`
	OTLPEndpoint  string        `help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

func (c *ServeCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "response-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(shutdownCtx)
	}()

	rc, err := g.openCache(logger, func(cfg *cache.Config) {
		cfg.CheckInterval = c.CheckInterval
	})
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	client, err := netreq.New(
		netreq.WithTimeout(c.Timeout),
		netreq.WithUserAgent("response-cache/"+version),
		netreq.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Address:    c.Address,
		Cache:      rc,
		Client:     client,
		DefaultTTL: c.TTL,
		AuthToken:  c.AuthToken,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// SIGUSR1, SIGHUP and SIGUSR2 drive the lifecycle trigger the cache
	// registered with.
	go func() {
		_ = lifecycle.Default().Run(ctx, lifecycle.SignalEvents(ctx))
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"fetch_url", fmt.Sprintf("http://localhost%s/fetch?url=", srv.Address()),
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// GetCmd fetches a URL through the cache.
type GetCmd struct {
	URL      string        `arg:"" help:"URL to fetch."`
	Kind     string        `help:"Entry kind." default:"data" enum:"data,image"`
	TTL      time.Duration `help:"Entry time-to-live." default:"8760h"`
	Keep     bool          `help:"Keep the entry through trims after it expires." default:"true" negatable:""`
	Refresh  bool          `help:"Fetch even when a fresh entry exists."`
	Output   string        `help:"Write the body to a file instead of stdout." short:"o" type:"path"`
	Stream   bool          `help:"Stream the download to a temp file instead of memory."`
	Progress bool          `help:"Show a progress bar on stderr."`
	Timeout  time.Duration `help:"Request timeout." default:"60s"`
}

func (c *GetCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc, err := g.openCache(logger)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	if !c.Refresh && rc.Exists(ctx, c.URL) && !rc.IsExpired(ctx, c.URL) {
		if data, ok := rc.Data(ctx, c.URL); ok {
			logger.Debug("serving from cache", "url", c.URL)
			return c.write(data)
		}
	}

	client, err := netreq.New(
		netreq.WithTimeout(c.Timeout),
		netreq.WithUserAgent("response-cache/"+version),
		netreq.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	kind := fetch.KindData
	if c.Kind == "image" {
		kind = fetch.KindImage
	}
	opts := []fetch.Option{
		fetch.WithKind(kind),
		fetch.WithTTL(c.TTL),
		fetch.WithKeepIfExpired(c.Keep),
		fetch.WithWriteToFile(c.Stream),
		fetch.WithLogger(logger),
	}
	var bar *progressbar.ProgressBar
	if c.Progress {
		opts = append(opts, fetch.WithProgress(func(chunk, _, expected int64) {
			if bar == nil {
				bar = newProgressBar(expected)
			}
			_ = bar.Add64(chunk)
		}))
	}

	f := fetch.Start(ctx, rc, client, c.URL, opts...)
	res, err := f.Wait(ctx)
	if err != nil {
		f.Cancel()
		return err
	}
	if bar != nil {
		_ = bar.Finish()
	}
	if res.Err != nil {
		return res.Err
	}
	if kind == fetch.KindImage && res.Image == nil {
		logger.Warn("response is not a decodable jpeg or png, not cached", "url", c.URL)
	}

	// A one-shot process never sees lifecycle events, so keep the cache
	// within its budget here.
	if tr := rc.Trim(ctx); !tr.Skipped && tr.Expired+tr.Evicted > 0 {
		logger.Debug("trimmed cache", "expired", tr.Expired, "evicted", tr.Evicted,
			"freed", humanize.IBytes(uint64(tr.BytesFreed))) //nolint:gosec // freed bytes are non-negative
	}
	return c.write(res.Data)
}

func (c *GetCmd) write(data []byte) error {
	if c.Output == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(c.Output, data, 0o644)
}

func newProgressBar(expected int64) *progressbar.ProgressBar {
	return progressbar.NewOptions64(expected,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("downloading"),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

// StatCmd shows the cache entry for a URL.
type StatCmd struct {
	URL string `arg:"" help:"URL whose entry to show."`
}

func (c *StatCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()
	rc, err := g.openCache(logger)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	return printStat(ctx, os.Stdout, rc, c.URL)
}

func printStat(ctx context.Context, w io.Writer, rc *cache.Cache, url string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "url:\t%s\n", url)
	_, _ = fmt.Fprintf(tw, "path:\t%s\n", rc.Path(url))

	data, kind, ok := rc.Artifact(ctx, url)
	if !ok && !rc.Exists(ctx, url) {
		_, _ = fmt.Fprintf(tw, "cached:\tno\n")
		return tw.Flush()
	}
	_, _ = fmt.Fprintf(tw, "cached:\tyes\n")
	if ok {
		_, _ = fmt.Fprintf(tw, "kind:\t%s\n", kind)
		_, _ = fmt.Fprintf(tw, "size:\t%s\n", humanize.IBytes(uint64(len(data))))
	}

	if md, ok := rc.Lookup(ctx, url); ok {
		_, _ = fmt.Fprintf(tw, "expires:\t%s (%s)\n", md.Expiry.Format(time.RFC3339), humanize.Time(md.Expiry))
		_, _ = fmt.Fprintf(tw, "expired:\t%t\n", rc.IsExpired(ctx, url))
		_, _ = fmt.Fprintf(tw, "keep if expired:\t%t\n", md.KeepIfExpired)
	} else {
		_, _ = fmt.Fprintf(tw, "expires:\tunknown (no metadata)\n")
	}
	return tw.Flush()
}

// RmCmd deletes cache entries.
type RmCmd struct {
	URLs []string `arg:"" name:"url" help:"URLs whose entries to delete."`
}

func (c *RmCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()
	rc, err := g.openCache(logger)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	var errs []error
	for _, u := range c.URLs {
		if err := rc.Delete(ctx, u); err != nil {
			errs = append(errs, fmt.Errorf("deleting %s: %w", u, err))
			continue
		}
		logger.Debug("deleted entry", "url", u)
	}
	return errors.Join(errs...)
}

// TrimCmd drops expired entries and evicts down to the byte budget.
type TrimCmd struct{}

func (c *TrimCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()
	rc, err := g.openCache(logger)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	// A fresh process has no record of writes, so the dirty check would
	// always skip.
	res := rc.ForceTrim(ctx)
	fmt.Printf("scanned %d, expired %d, evicted %d, freed %s, remaining %s of %s (%d errors) in %s\n",
		res.Scanned, res.Expired, res.Evicted,
		humanize.IBytes(uint64(res.BytesFreed)),
		humanize.IBytes(uint64(res.Remaining)),
		humanize.IBytes(uint64(rc.MaxSize())),
		res.Errors, res.Duration.Round(time.Millisecond))
	return nil
}

// LsCmd lists cache entries.
type LsCmd struct {
	Expired bool `help:"Only list expired entries."`
}

func (c *LsCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()
	rc, err := g.openCache(logger)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	entries, err := rc.Entries(ctx)
	if err != nil {
		return err
	}
	return printEntries(os.Stdout, entries, rc.Now(), c.Expired)
}

func printEntries(w io.Writer, entries []cache.Entry, now time.Time, expiredOnly bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "DIR\tKIND\tSIZE\tMODIFIED\tEXPIRES\tKEEP\tURL")

	var total int64
	count := 0
	for _, e := range entries {
		expired := e.Expired(now)
		if expiredOnly && !expired {
			continue
		}
		expires, keep := "-", "-"
		if e.HasMetadata {
			expires = humanize.RelTime(e.Metadata.Expiry, now, "ago", "from now")
			keep = fmt.Sprintf("%t", e.Metadata.KeepIfExpired)
		}
		url := e.URL
		if url == "" {
			url = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortDir(e.Dir), e.Kind, humanize.IBytes(uint64(e.Size)),
			humanize.RelTime(e.ModTime, now, "ago", "from now"), expires, keep, url)
		total += e.Size
		count++
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d entries, %s\n", count, humanize.IBytes(uint64(total)))
	return err
}

func shortDir(dir string) string {
	if len(dir) > 12 {
		return dir[:12]
	}
	return dir
}
