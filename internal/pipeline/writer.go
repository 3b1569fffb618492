// Package pipeline moves records off the trading hot path: batched
// persistence writers, the event publisher and the daily archive cron.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/spotarb/internal/domain"
)

const (
	defaultFlushInterval = time.Second
	defaultMaxBatch      = 100
	defaultMaxQueue      = 10000
	flushTimeout         = 10 * time.Second
)

// WriterOptions tunes a batched writer. Zero values take defaults.
type WriterOptions struct {
	FlushInterval time.Duration
	MaxBatch      int
	// MaxQueue caps the in-memory buffer; records past it are dropped.
	MaxQueue int
}

func (o WriterOptions) withDefaults() WriterOptions {
	if o.FlushInterval <= 0 {
		o.FlushInterval = defaultFlushInterval
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = defaultMaxBatch
	}
	if o.MaxQueue <= 0 {
		o.MaxQueue = defaultMaxQueue
	}
	return o
}

// batchWriter buffers records and inserts them in batches on a ticker.
// add never blocks on the store.
type batchWriter[T any] struct {
	insert func(ctx context.Context, batch []T) error
	opts   WriterOptions
	logger *slog.Logger

	mu  sync.Mutex
	buf []T

	written atomic.Int64
	dropped atomic.Int64
}

func newBatchWriter[T any](insert func(context.Context, []T) error, opts WriterOptions, logger *slog.Logger) *batchWriter[T] {
	return &batchWriter[T]{insert: insert, opts: opts.withDefaults(), logger: logger}
}

func (w *batchWriter[T]) add(v T) {
	w.mu.Lock()
	if len(w.buf) >= w.opts.MaxQueue {
		w.mu.Unlock()
		if n := w.dropped.Add(1); n%1000 == 1 {
			w.logger.Warn("writer queue full, dropping record", slog.Int64("dropped", n))
		}
		return
	}
	w.buf = append(w.buf, v)
	w.mu.Unlock()
}

func (w *batchWriter[T]) take() []T {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.buf
	w.buf = nil
	return out
}

// flush drains the buffer in chunks of MaxBatch. A failed chunk is logged
// and dropped.
func (w *batchWriter[T]) flush(ctx context.Context) {
	pending := w.take()
	for len(pending) > 0 {
		n := min(len(pending), w.opts.MaxBatch)
		chunk := pending[:n]
		pending = pending[n:]
		if err := w.insert(ctx, chunk); err != nil {
			w.dropped.Add(int64(len(chunk)))
			w.logger.Error("batch insert failed",
				slog.Int("records", len(chunk)),
				slog.String("error", err.Error()),
			)
			continue
		}
		w.written.Add(int64(len(chunk)))
	}
}

func (w *batchWriter[T]) run(ctx context.Context) error {
	w.logger.Info("writer started",
		slog.Duration("flush_interval", w.opts.FlushInterval),
		slog.Int("max_batch", w.opts.MaxBatch),
	)
	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
			w.flush(fctx)
			cancel()
			w.logger.Info("writer stopped",
				slog.Int64("written", w.written.Load()),
				slog.Int64("dropped", w.dropped.Load()),
			)
			return nil
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// IntentWriter persists trade intents in batches.
type IntentWriter struct {
	w *batchWriter[domain.TradeIntent]
}

// NewIntentWriter creates an IntentWriter over store.
func NewIntentWriter(store domain.IntentStore, opts WriterOptions, logger *slog.Logger) *IntentWriter {
	return &IntentWriter{w: newBatchWriter(store.InsertBatch, opts,
		logger.With(slog.String("component", "intent_writer")))}
}

// RecordIntent buffers it for the next flush.
func (iw *IntentWriter) RecordIntent(_ context.Context, it domain.TradeIntent) { iw.w.add(it) }

// Run flushes on the interval until ctx is cancelled, then flushes once more.
func (iw *IntentWriter) Run(ctx context.Context) error { return iw.w.run(ctx) }

// Flush writes everything buffered so far.
func (iw *IntentWriter) Flush(ctx context.Context) { iw.w.flush(ctx) }

// Stats returns the number of rows written and dropped.
func (iw *IntentWriter) Stats() (written, dropped int64) {
	return iw.w.written.Load(), iw.w.dropped.Load()
}

// OutcomeWriter persists order outcomes in batches.
type OutcomeWriter struct {
	w *batchWriter[domain.OrderOutcome]
}

// NewOutcomeWriter creates an OutcomeWriter over store.
func NewOutcomeWriter(store domain.OutcomeStore, opts WriterOptions, logger *slog.Logger) *OutcomeWriter {
	return &OutcomeWriter{w: newBatchWriter(store.InsertBatch, opts,
		logger.With(slog.String("component", "outcome_writer")))}
}

// RecordOutcome buffers out for the next flush.
func (ow *OutcomeWriter) RecordOutcome(_ context.Context, out domain.OrderOutcome) { ow.w.add(out) }

// Run flushes on the interval until ctx is cancelled, then flushes once more.
func (ow *OutcomeWriter) Run(ctx context.Context) error { return ow.w.run(ctx) }

// Flush writes everything buffered so far.
func (ow *OutcomeWriter) Flush(ctx context.Context) { ow.w.flush(ctx) }

// Stats returns the number of rows written and dropped.
func (ow *OutcomeWriter) Stats() (written, dropped int64) {
	return ow.w.written.Load(), ow.w.dropped.Load()
}
