// Package fetch retrieves a URL and populates the response cache with the
// result. A Fetch is a one-shot operation: it issues exactly one request,
// reports exactly one Result (or none, when canceled) and is not reusable.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	responsecache "github.com/wolfeidau/response-cache"
	"github.com/wolfeidau/response-cache/cache"
	"github.com/wolfeidau/response-cache/download"
	"github.com/wolfeidau/response-cache/netreq"
	"github.com/wolfeidau/response-cache/telemetry"
)

// ErrCanceled is returned by Wait when the fetch was canceled.
var ErrCanceled = errors.New("fetch canceled")

// StatusError is reported when the server answers with a status other than
// 200 OK. The cache is left untouched.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetching %s: unexpected status %d", e.URL, e.StatusCode)
}

// Doer sends one request and returns the full response. *netreq.Client
// implements it.
type Doer interface {
	Do(ctx context.Context, req *netreq.Request) (*netreq.Response, error)
}

// Kind selects how a successful body is cached.
type Kind int

const (
	// KindData caches the body as an opaque blob.
	KindData Kind = iota
	// KindImage caches the body as a JPEG or PNG image when it can be
	// classified and decoded.
	KindImage
)

func (k Kind) String() string {
	if k == KindImage {
		return "image"
	}
	return "data"
}

// State is the lifecycle state of a Fetch.
type State int32

const (
	StateIdle State = iota
	StateRequesting
	StateSucceeded
	StateFailed
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Result is the outcome of a fetch.
type Result struct {
	URL        string
	StatusCode int
	Header     http.Header

	// Data is the response body of a successful fetch.
	Data []byte

	// Image is the decoded image for KindImage fetches whose body could be
	// classified and decoded.
	Image *responsecache.Image

	// Shared is true when the request was served by another in-flight
	// fetch of the same URL.
	Shared bool

	// Err is nil on success, a *StatusError for a non-200 answer, or the
	// transport error.
	Err error
}

// Option configures a Fetch.
type Option func(*options)

type options struct {
	kind        Kind
	method      string
	header      http.Header
	body        []byte
	ttl         time.Duration
	keep        bool
	progress    netreq.ProgressFunc
	writeToFile bool
	downloader  *download.Downloader[*outcome]
	logger      *slog.Logger
	onComplete  func(Result)
}

// WithKind sets how the body is cached. Defaults to KindData.
func WithKind(kind Kind) Option {
	return func(o *options) {
		o.kind = kind
	}
}

// WithMethod sets the HTTP method. Defaults to GET.
func WithMethod(method string) Option {
	return func(o *options) {
		o.method = method
	}
}

// WithHeader adds a request header.
func WithHeader(key, value string) Option {
	return func(o *options) {
		if o.header == nil {
			o.header = make(http.Header)
		}
		o.header.Add(key, value)
	}
}

// WithBody sets the request body.
func WithBody(body []byte) Option {
	return func(o *options) {
		o.body = body
	}
}

// WithTTL sets the entry time-to-live. Defaults to cache.DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

// WithKeepIfExpired controls whether the entry survives trim after it
// expires. Defaults to true.
func WithKeepIfExpired(keep bool) Option {
	return func(o *options) {
		o.keep = keep
	}
}

// WithProgress sets a download progress callback.
func WithProgress(fn netreq.ProgressFunc) Option {
	return func(o *options) {
		o.progress = fn
	}
}

// WithWriteToFile streams the body to a temp file while it downloads.
func WithWriteToFile(on bool) Option {
	return func(o *options) {
		o.writeToFile = on
	}
}

// WithDownloader shares one request between concurrent fetches of the same
// URL and kind. The first caller's options win for the shared request, which
// runs until the last fetch waiting on it is canceled.
func WithDownloader(d *Downloader) Option {
	return func(o *options) {
		o.downloader = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// OnComplete registers a callback run once with the result. It is not run
// for a canceled fetch.
func OnComplete(fn func(Result)) Option {
	return func(o *options) {
		o.onComplete = fn
	}
}

// Downloader de-duplicates concurrent fetches. Share one between the
// fetches that should be collapsed.
type Downloader = download.Downloader[*outcome]

// NewDownloader creates a Downloader for use with WithDownloader.
func NewDownloader(opts ...download.Option) *Downloader {
	return download.New[*outcome](opts...)
}

// outcome is what one request produces, shared between de-duplicated callers.
type outcome struct {
	status int
	header http.Header
	data   []byte
	image  *responsecache.Image
}

// Fetch is one in-flight request.
type Fetch struct {
	url    string
	opts   options
	cache  *cache.Cache
	doer   Doer
	logger *slog.Logger
	cancel context.CancelFunc
	state  atomic.Int32
	result chan Result
	done   chan struct{}

	mu       sync.Mutex
	finished bool
	final    Result
}

// Start begins fetching url and returns immediately. The returned Fetch
// delivers its result on Result().
func Start(ctx context.Context, c *cache.Cache, doer Doer, url string, opts ...Option) *Fetch {
	o := options{
		kind:   KindData,
		method: http.MethodGet,
		ttl:    cache.DefaultTTL,
		keep:   true,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(ctx)
	f := &Fetch{
		url:    url,
		opts:   o,
		cache:  c,
		doer:   doer,
		logger: o.logger.With("component", "fetch", "url", url),
		cancel: cancel,
		result: make(chan Result, 1),
		done:   make(chan struct{}),
	}
	f.state.Store(int32(StateRequesting))

	go f.run(ctx)
	return f
}

// URL returns the fetched URL.
func (f *Fetch) URL() string {
	return f.url
}

// State returns the current state.
func (f *Fetch) State() State {
	return State(f.state.Load())
}

// Result returns a channel that receives the result once and is then
// closed. After Cancel it is closed without a value.
func (f *Fetch) Result() <-chan Result {
	return f.result
}

// Wait blocks until the fetch finishes or ctx ends. It returns ErrCanceled
// if the fetch was canceled. Wait may be called any number of times, before
// or after the value on Result() has been received.
func (f *Fetch) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		if f.State() == StateCanceled {
			return Result{URL: f.url}, ErrCanceled
		}
		return f.final, nil
	case <-ctx.Done():
		return Result{URL: f.url}, ctx.Err()
	}
}

// Cancel aborts the fetch. It has no effect once the fetch has finished. No
// result is delivered and OnComplete is not called. With a Downloader the
// shared request is canceled only when no other fetch is waiting on it.
func (f *Fetch) Cancel() {
	f.mu.Lock()
	if f.finished {
		f.mu.Unlock()
		return
	}
	f.finished = true
	f.state.Store(int32(StateCanceled))
	close(f.result)
	close(f.done)
	f.mu.Unlock()

	f.cancel()
	f.logger.Debug("fetch canceled")
}

func (f *Fetch) run(ctx context.Context) {
	defer f.cancel()

	ctx = telemetry.WithKindContext(ctx, f.opts.kind.String())

	var (
		out    *outcome
		shared bool
		err    error
	)
	if d := f.opts.downloader; d != nil {
		key := f.opts.kind.String() + " " + f.url
		out, shared, err = d.Do(ctx, key, f.perform)
		d.ForgetOnError(key, err)
	} else {
		out, err = f.perform(ctx)
	}

	r := Result{URL: f.url, Shared: shared, Err: err}
	if out != nil {
		r.StatusCode = out.status
		r.Header = out.header
		if err == nil {
			r.Data = out.data
			r.Image = out.image
		}
	}
	f.finish(r)
}

func (f *Fetch) finish(r Result) {
	f.mu.Lock()
	if f.finished {
		f.mu.Unlock()
		return
	}
	f.finished = true
	if r.Err != nil {
		f.state.Store(int32(StateFailed))
	} else {
		f.state.Store(int32(StateSucceeded))
	}
	f.final = r
	f.result <- r
	close(f.result)
	close(f.done)
	f.mu.Unlock()

	if r.Err != nil {
		f.logger.Debug("fetch failed", "status", r.StatusCode, "error", r.Err)
	} else {
		f.logger.Debug("fetch complete", "bytes", len(r.Data), "shared", r.Shared)
	}

	if f.opts.onComplete != nil {
		f.opts.onComplete(r)
	}
}

// perform sends the request and, on a 200 answer, replaces the cache entry.
func (f *Fetch) perform(ctx context.Context) (*outcome, error) {
	resp, err := f.doer.Do(ctx, &netreq.Request{
		URL:         f.url,
		Method:      f.opts.method,
		Header:      f.opts.header,
		Body:        f.opts.body,
		WriteToFile: f.opts.writeToFile,
		Progress:    f.opts.progress,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Remove(); err != nil {
			f.logger.Warn("failed to remove response file", "path", resp.Path, "error", err)
		}
	}()

	out := &outcome{status: resp.StatusCode, header: resp.Header}
	if resp.StatusCode != http.StatusOK {
		return out, &StatusError{URL: f.url, StatusCode: resp.StatusCode}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	body, err := resp.ReadBody()
	if err != nil {
		return nil, err
	}
	out.data = body

	// The response is complete; finish the cache update even if the caller
	// goes away now.
	storeCtx := context.WithoutCancel(ctx)

	if err := f.cache.Delete(storeCtx, f.url); err != nil {
		f.logger.Warn("failed to delete previous entry", "error", err)
	}

	if f.opts.kind == KindData {
		f.store(storeCtx, body, responsecache.KindData)
		return out, nil
	}

	kind, ok := Classify(resp.Header.Get("Content-Type"), f.url)
	if !ok {
		f.logger.Debug("response is not a jpeg or png, not caching",
			"content_type", resp.Header.Get("Content-Type"))
		return out, nil
	}
	img, err := responsecache.DecodeImage(body, f.cache.Scale())
	if err != nil {
		f.logger.Debug("failed to decode image, not caching", "error", err)
		return out, nil
	}
	out.image = img
	f.store(storeCtx, body, kind)
	return out, nil
}

func (f *Fetch) store(ctx context.Context, body []byte, kind responsecache.Kind) {
	if err := f.cache.Store(ctx, body, f.url, f.opts.ttl, f.opts.keep, kind); err != nil {
		f.logger.Warn("failed to store entry", "kind", kind.String(), "error", err)
	}
}
