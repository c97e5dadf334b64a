// Package download provides singleflight-based deduplication for concurrent
// fetches of the same URL. When several callers ask for the same resource at
// once, only one upstream request is made and every caller gets its result.
package download

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Func performs the shared work. The context passed to Func is detached from
// any single caller; it is canceled only once every waiter has given up.
type Func[T any] func(ctx context.Context) (T, error)

// Downloader deduplicates concurrent work for the same key using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight work for others.
type Downloader[T any] struct {
	group  singleflight.Group
	logger *slog.Logger

	mu      sync.Mutex
	flights map[string]*flight
}

// flight counts the callers waiting on one key.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Option configures a Downloader.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a new Downloader.
func New[T any](opts ...Option) *Downloader[T] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Downloader[T]{
		logger:  o.logger.With("component", "download"),
		flights: make(map[string]*flight),
	}
}

// Do deduplicates concurrent calls for the same key.
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context ends before the work completes, Do returns the
// context error. The in-flight work continues while other callers wait on it
// and is canceled when the last one leaves.
func (d *Downloader[T]) Do(ctx context.Context, key string, fn Func[T]) (T, bool, error) {
	fl := d.join(ctx, key)
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(fl.ctx)
	})

	var zero T
	select {
	case res := <-ch:
		d.leave(key, fl, false)
		if res.Shared {
			d.logger.Debug("joined in-flight fetch", "key", key)
		}
		if res.Err != nil {
			return zero, res.Shared, res.Err
		}
		return res.Val.(T), res.Shared, nil
	case <-ctx.Done():
		d.leave(key, fl, true)
		return zero, false, ctx.Err()
	}
}

func (d *Downloader[T]) join(ctx context.Context, key string) *flight {
	d.mu.Lock()
	defer d.mu.Unlock()

	fl, ok := d.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		fl = &flight{ctx: fctx, cancel: cancel}
		d.flights[key] = fl
	}
	fl.waiters++
	return fl
}

func (d *Downloader[T]) leave(key string, fl *flight, abandoned bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fl.waiters--
	if fl.waiters > 0 {
		return
	}
	if d.flights[key] == fl {
		delete(d.flights, key)
	}
	fl.cancel()
	if abandoned {
		// Nobody is waiting; new callers must not join the canceled work.
		d.group.Forget(key)
		d.logger.Debug("canceled abandoned fetch", "key", key)
	}
}

// Forget removes the key from the group, allowing a subsequent call to
// retry instead of joining an in-flight call.
func (d *Downloader[T]) Forget(key string) {
	d.group.Forget(key)
}

// ForgetOnError forgets key after a failed call, unless the failure was the
// caller's own context ending. The shared work may still be running for
// others then, and Do already forgets abandoned work.
func (d *Downloader[T]) ForgetOnError(key string, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.Forget(key)
}
