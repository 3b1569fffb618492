package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/spotarb/internal/domain"
)

// EventSink receives published events. The Redis event bus and the live
// websocket hub both satisfy it.
type EventSink interface {
	PublishEvent(ctx context.Context, ev domain.Event) error
}

// Publisher wraps intents, outcomes, kill switch changes and quality
// snapshots into events and hands them to every sink from its own goroutine.
type Publisher struct {
	sinks  []EventSink
	queue  chan domain.Event
	now    func() time.Time
	logger *slog.Logger

	dropped atomic.Int64
}

// NewPublisher creates a Publisher with a queue of size buffer.
func NewPublisher(buffer int, logger *slog.Logger, sinks ...EventSink) *Publisher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Publisher{
		sinks:  sinks,
		queue:  make(chan domain.Event, buffer),
		now:    time.Now,
		logger: logger.With(slog.String("component", "publisher")),
	}
}

// RecordIntent publishes a trade_intent event.
func (p *Publisher) RecordIntent(_ context.Context, it domain.TradeIntent) {
	p.enqueue(domain.EventIntent, it)
}

// RecordOutcome publishes an order_outcome event.
func (p *Publisher) RecordOutcome(_ context.Context, out domain.OrderOutcome) {
	p.enqueue(domain.EventOutcome, out)
}

// PublishState publishes a trading_state event. It matches the kill switch
// OnChange callback.
func (p *Publisher) PublishState(st domain.TradingState) {
	p.enqueue(domain.EventControl, st)
}

// PublishQuality publishes a venue_status event.
func (p *Publisher) PublishQuality(statuses []domain.VenueStatus) {
	p.enqueue(domain.EventQuality, statuses)
}

// Dropped returns the number of events discarded on a full queue.
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

func (p *Publisher) enqueue(t domain.EventType, payload any) {
	ev, err := domain.NewEvent(t, p.now().UTC(), payload)
	if err != nil {
		p.logger.Error("build event", slog.String("error", err.Error()))
		return
	}
	select {
	case p.queue <- ev:
	default:
		if n := p.dropped.Add(1); n%100 == 1 {
			p.logger.Warn("publish queue full, dropping event",
				slog.String("type", string(t)),
				slog.Int64("dropped", n),
			)
		}
	}
}

// Run delivers queued events until ctx is cancelled. Events still queued at
// shutdown are discarded.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.queue:
			for _, s := range p.sinks {
				if err := s.PublishEvent(ctx, ev); err != nil {
					p.logger.Warn("publish event failed",
						slog.String("type", string(ev.Type)),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}
