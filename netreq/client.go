// Package netreq is the HTTP client used to populate the response cache. It
// sends a single request, decodes zstd or gzip content encodings, reports
// download progress and can stream large bodies to a temporary file instead
// of holding them in memory.
package netreq

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"

	"github.com/wolfeidau/response-cache/telemetry"
)

const (
	// DefaultTimeout is the default timeout for a whole request, body included.
	DefaultTimeout = 60 * time.Second

	// TempDirName is the directory created under the user cache directory for
	// streamed response bodies.
	TempDirName = "AGKNetRequest"

	// CleanupInterval is the minimum time between temp file sweeps.
	CleanupInterval = time.Hour

	// TempFileMaxAge is the age after which a leftover temp file is removed.
	TempFileMaxAge = 24 * time.Hour

	acceptEncoding = "zstd, gzip"
	chunkSize      = 32 * 1024
)

// ProgressFunc is called after each chunk of the response body is received.
// expected is -1 when the server did not announce a length or the body is
// content-encoded.
type ProgressFunc func(chunk, downloaded, expected int64)

// Request describes one HTTP request.
type Request struct {
	URL    string
	Method string // defaults to GET
	Header http.Header
	Body   []byte

	// WriteToFile streams the response body to a temp file. The caller owns
	// the file and must call Response.Remove when done with it.
	WriteToFile bool

	Progress ProgressFunc
}

// Response is a fully received HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header

	// Body holds the response body unless it was written to Path.
	Body []byte

	// Path is the temp file holding the body when the request set
	// WriteToFile.
	Path string

	// Size is the number of decoded body bytes received.
	Size int64

	fs afero.Fs
}

// ReadBody returns the body, reading it back from the temp file when the
// response was streamed to disk.
func (r *Response) ReadBody() ([]byte, error) {
	if r.Path == "" || r.fs == nil {
		return r.Body, nil
	}
	b, err := afero.ReadFile(r.fs, r.Path)
	if err != nil {
		return nil, fmt.Errorf("reading response file: %w", err)
	}
	return b, nil
}

// Remove deletes the temp file, if any. It is safe to call more than once.
func (r *Response) Remove() error {
	if r.Path == "" || r.fs == nil {
		return nil
	}
	if err := r.fs.Remove(r.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing response file: %w", err)
	}
	return nil
}

// Client performs requests. It is safe for concurrent use.
type Client struct {
	client    *http.Client
	fs        afero.Fs
	tempDir   string
	userAgent string
	logger    *slog.Logger
	now       func() time.Time

	cleanupMu   sync.Mutex
	lastCleanup time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client. Its transport is used as is.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithTimeout sets the request timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// WithTempDir sets where streamed bodies are written. fs defaults to the OS
// filesystem when nil.
func WithTempDir(fs afero.Fs, dir string) Option {
	return func(c *Client) {
		if fs != nil {
			c.fs = fs
		}
		c.tempDir = dir
	}
}

// WithUserAgent sets the User-Agent header for requests that do not set one.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a client with an instrumented transport.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "data"),
		},
		fs:     afero.NewOsFs(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tempDir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("resolving user cache dir: %w", err)
		}
		c.tempDir = filepath.Join(dir, TempDirName)
	}
	c.logger = c.logger.With("component", "netreq")
	return c, nil
}

// TempDir returns the directory used for streamed bodies.
func (c *Client) TempDir() string {
	return c.tempDir
}

// Do sends req and receives the whole response. Non-2xx statuses are not
// errors; the caller inspects StatusCode.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("Accept-Encoding") == "" {
		httpReq.Header.Set("Accept-Encoding", acceptEncoding)
	}
	if c.userAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	c.maybeCleanup()

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
	}

	reader, expected, err := decodeBody(resp)
	if err != nil {
		return nil, err
	}
	defer func() { _ = reader.Close() }()

	if req.WriteToFile {
		path, n, err := c.streamToFile(reader, req.Progress, expected)
		if err != nil {
			return nil, err
		}
		out.Path = path
		out.Size = n
		out.fs = c.fs
		return out, nil
	}

	var buf bytes.Buffer
	if expected > 0 {
		buf.Grow(int(expected))
	}
	n, err := copyWithProgress(&buf, reader, req.Progress, expected)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	out.Body = buf.Bytes()
	out.Size = n
	return out, nil
}

// decodeBody wraps the response body in a decoder for its Content-Encoding.
// Unknown encodings are passed through untouched.
func decodeBody(resp *http.Response) (io.ReadCloser, int64, error) {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "zstd":
		dec, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, 0, fmt.Errorf("creating zstd reader: %w", err)
		}
		dropEncodingHeaders(resp.Header)
		return dec.IOReadCloser(), -1, nil
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, 0, fmt.Errorf("creating gzip reader: %w", err)
		}
		dropEncodingHeaders(resp.Header)
		return gz, -1, nil
	default:
		return io.NopCloser(resp.Body), resp.ContentLength, nil
	}
}

func dropEncodingHeaders(h http.Header) {
	h.Del("Content-Encoding")
	h.Del("Content-Length")
}

func (c *Client) streamToFile(r io.Reader, progress ProgressFunc, expected int64) (path string, n int64, err error) {
	if err := c.fs.MkdirAll(c.tempDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("creating temp dir: %w", err)
	}

	f, path, err := c.createTempFile()
	if err != nil {
		return "", 0, err
	}

	success := false
	defer func() {
		if !success {
			_ = f.Close()
			_ = c.fs.Remove(path)
		}
	}()

	n, err = copyWithProgress(f, r, progress, expected)
	if err != nil {
		return "", 0, fmt.Errorf("writing response file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", 0, fmt.Errorf("closing response file: %w", err)
	}

	success = true
	return path, n, nil
}

// createTempFile creates <unix seconds>_<uuid>.bin exclusively.
func (c *Client) createTempFile() (afero.File, string, error) {
	for range 3 {
		name := fmt.Sprintf("%d_%s.bin", c.now().Unix(), uuid.NewString())
		path := filepath.Join(c.tempDir, name)
		f, err := c.fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("creating response file: %w", err)
		}
	}
	return nil, "", errors.New("creating response file: name collision")
}

func copyWithProgress(dst io.Writer, src io.Reader, progress ProgressFunc, expected int64) (int64, error) {
	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			if progress != nil {
				progress(int64(n), total, expected)
			}
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
