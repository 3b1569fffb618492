// Package executor turns trade intents into paired market orders: a pure
// precheck against venue rules and local balances, a single-flight
// orchestrator that places both legs concurrently, and the recovery path
// for one-sided fills.
package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/spotarb/internal/domain"
)

// Gate reports whether trading is allowed. control.Switch satisfies it.
type Gate interface {
	Enabled() bool
}

// IntentSink receives every intent that passes the gate.
type IntentSink interface {
	RecordIntent(ctx context.Context, it domain.TradeIntent)
}

// OutcomeSink receives every outcome of an executed intent.
type OutcomeSink interface {
	RecordOutcome(ctx context.Context, out domain.OrderOutcome)
}

// Handler executes a single intent. *Orchestrator satisfies it.
type Handler interface {
	TryHandle(ctx context.Context, it domain.TradeIntent) (domain.OrderOutcome, bool)
	Busy() bool
}

// Executor reads intents from a channel, applies the kill switch, fans the
// intent out to its sinks and hands it to the orchestrator without waiting,
// so an intent arriving while another is in flight is dropped, not queued.
type Executor struct {
	intentCh <-chan domain.TradeIntent
	gate     Gate
	handler  Handler
	dedup    *Dedup
	intents  []IntentSink
	outcomes []OutcomeSink
	logger   *slog.Logger

	cleanupInterval time.Duration
	wg              sync.WaitGroup
}

// NewExecutor creates an Executor. dedup may be nil.
func NewExecutor(intentCh <-chan domain.TradeIntent, gate Gate, handler Handler, dedup *Dedup, logger *slog.Logger) *Executor {
	return &Executor{
		intentCh:        intentCh,
		gate:            gate,
		handler:         handler,
		dedup:           dedup,
		logger:          logger.With(slog.String("component", "executor")),
		cleanupInterval: 30 * time.Second,
	}
}

// AddIntentSink registers a sink. Must be called before Run.
func (e *Executor) AddIntentSink(s IntentSink) { e.intents = append(e.intents, s) }

// AddOutcomeSink registers a sink. Must be called before Run.
func (e *Executor) AddOutcomeSink(s OutcomeSink) { e.outcomes = append(e.outcomes, s) }

// Run processes intents until ctx is cancelled or the channel closes. It
// waits for an in-flight intent to finish before returning.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started")
	defer e.logger.Info("executor stopped")
	defer e.wg.Wait()

	cleanupTicker := time.NewTicker(e.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return ctx.Err()

		case it, ok := <-e.intentCh:
			if !ok {
				return nil
			}
			e.process(ctx, it)

		case <-cleanupTicker.C:
			if e.dedup != nil {
				e.dedup.Cleanup()
			}
		}
	}
}

func (e *Executor) process(ctx context.Context, it domain.TradeIntent) {
	if e.gate != nil && !e.gate.Enabled() {
		e.logger.Warn("dropping intent",
			slog.String("intent_id", it.ID),
			slog.String("route", it.Route()),
			slog.String("reason", domain.ErrTradingDisabled.Error()),
		)
		return
	}

	for _, s := range e.intents {
		s.RecordIntent(ctx, it)
	}

	if e.handler.Busy() {
		e.logger.Warn("dropping intent",
			slog.String("intent_id", it.ID),
			slog.String("route", it.Route()),
			slog.String("reason", "executor busy"),
		)
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		out, ok := e.handler.TryHandle(ctx, it)
		if !ok {
			return
		}
		for _, s := range e.outcomes {
			s.RecordOutcome(ctx, out)
		}
	}()
}

// drain logs intents still buffered at shutdown. They are not executed.
func (e *Executor) drain() {
	for {
		select {
		case it, ok := <-e.intentCh:
			if !ok {
				return
			}
			e.logger.Warn("dropping intent after shutdown",
				slog.String("intent_id", it.ID),
			)
		default:
			return
		}
	}
}

// SetCleanupInterval changes how often the dedup map is garbage-collected.
// Must be called before Run.
func (e *Executor) SetCleanupInterval(d time.Duration) {
	e.cleanupInterval = d
}
