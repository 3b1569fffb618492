package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Orchestrator runs the pipeline goroutines: the persistence writers, the
// event publisher and the archive cron. Any of them may be nil.
type Orchestrator struct {
	Intents     *IntentWriter
	Outcomes    *OutcomeWriter
	Publisher   *Publisher
	Archiver    *Archiver
	ArchiveCron string

	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator with no components; set the
// exported fields before Run.
func NewOrchestrator(logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		ArchiveCron: DefaultArchiveCron,
		logger:      logger.With(slog.String("component", "pipeline")),
	}
}

// Run starts every configured component and blocks until ctx is cancelled.
// The writers flush once more on the way out.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting",
		slog.Bool("intents", o.Intents != nil),
		slog.Bool("outcomes", o.Outcomes != nil),
		slog.Bool("publisher", o.Publisher != nil),
		slog.Bool("archive", o.Archiver != nil),
	)

	g, ctx := errgroup.WithContext(ctx)

	if o.Intents != nil {
		g.Go(func() error { return o.Intents.Run(ctx) })
	}
	if o.Outcomes != nil {
		g.Go(func() error { return o.Outcomes.Run(ctx) })
	}
	if o.Publisher != nil {
		g.Go(func() error { return o.Publisher.Run(ctx) })
	}
	if o.Archiver != nil {
		g.Go(func() error {
			err := o.Archiver.RunCron(ctx, o.ArchiveCron)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}
