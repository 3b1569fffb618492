package app

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/spotarb/internal/domain"
)

const cacheWriteTimeout = 500 * time.Millisecond

// bookRouter forwards collector snapshots to the strategy engine and, best
// effort, to the book cache. The engine send blocks so the collectors' own
// non-blocking sends absorb backpressure; the cache side drops instead.
type bookRouter struct {
	in      <-chan domain.BookSnapshot
	engine  chan<- domain.BookSnapshot // nil in collect mode
	cache   domain.BookCache           // nil without redis
	cacheCh chan domain.BookSnapshot
	logger  *slog.Logger

	routed       atomic.Int64
	cacheDropped atomic.Int64
	cacheErrs    atomic.Int64
}

func newBookRouter(in <-chan domain.BookSnapshot, engine chan<- domain.BookSnapshot, cache domain.BookCache, buffer int, logger *slog.Logger) *bookRouter {
	r := &bookRouter{
		in:     in,
		engine: engine,
		cache:  cache,
		logger: logger.With(slog.String("component", "book_router")),
	}
	if cache != nil {
		r.cacheCh = make(chan domain.BookSnapshot, buffer)
	}
	return r
}

// Run routes snapshots until ctx is done or in is closed.
func (r *bookRouter) Run(ctx context.Context) error {
	if r.cache != nil {
		done := make(chan struct{})
		defer func() { <-done }()
		go func() {
			defer close(done)
			r.writeCache(ctx)
		}()
	}
	defer func() {
		r.logger.Info("book router stopped",
			slog.Int64("routed", r.routed.Load()),
			slog.Int64("cache_dropped", r.cacheDropped.Load()),
			slog.Int64("cache_errors", r.cacheErrs.Load()),
		)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-r.in:
			if !ok {
				return nil
			}
			r.routed.Add(1)
			if r.engine != nil {
				select {
				case r.engine <- snap:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if r.cacheCh != nil {
				select {
				case r.cacheCh <- snap:
				default:
					r.cacheDropped.Add(1)
				}
			}
		}
	}
}

func (r *bookRouter) writeCache(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-r.cacheCh:
			wctx, cancel := context.WithTimeout(ctx, cacheWriteTimeout)
			err := r.cache.SetSnapshot(wctx, snap)
			cancel()
			if err != nil && ctx.Err() == nil {
				if n := r.cacheErrs.Add(1); n%1000 == 1 {
					r.logger.Warn("book cache write failed",
						slog.String("venue", snap.Venue),
						slog.String("symbol", snap.Symbol),
						slog.Int64("errors", n),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}
