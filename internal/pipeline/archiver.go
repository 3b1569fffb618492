package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/spotarb/internal/domain"
)

// DefaultArchiveCron runs shortly after midnight UTC.
const DefaultArchiveCron = "15 0 * * *"

// Archiver copies the previous UTC day of intents and outcomes to cold
// storage on a cron schedule.
type Archiver struct {
	blob   domain.Archiver
	now    func() time.Time
	logger *slog.Logger
}

// NewArchiver creates a new Archiver.
func NewArchiver(blob domain.Archiver, logger *slog.Logger) *Archiver {
	return &Archiver{
		blob:   blob,
		now:    time.Now,
		logger: logger.With(slog.String("component", "archive_cron")),
	}
}

// Run archives the UTC day before now.
func (a *Archiver) Run(ctx context.Context) error {
	return a.RunDay(ctx, a.now().UTC().AddDate(0, 0, -1))
}

// RunDay archives intents and outcomes for the UTC day containing day.
func (a *Archiver) RunDay(ctx context.Context, day time.Time) error {
	day = day.UTC()
	a.logger.Info("starting archive run", slog.String("day", day.Format(time.DateOnly)))

	intents, err := a.blob.ArchiveIntents(ctx, day)
	if err != nil {
		return fmt.Errorf("pipeline: archive intents %s: %w", day.Format(time.DateOnly), err)
	}
	outcomes, err := a.blob.ArchiveOutcomes(ctx, day)
	if err != nil {
		return fmt.Errorf("pipeline: archive outcomes %s: %w", day.Format(time.DateOnly), err)
	}

	a.logger.Info("archive run complete",
		slog.String("day", day.Format(time.DateOnly)),
		slog.Int64("intents", intents),
		slog.Int64("outcomes", outcomes),
	)
	return nil
}

// Backfill archives each of the last days UTC days (ending yesterday) that is
// missing from storage for either kind. A failed day is logged and the rest
// still run; the joined error is returned.
func (a *Archiver) Backfill(ctx context.Context, days int) error {
	if days <= 0 {
		return nil
	}
	have := make(map[string]int)
	for _, kind := range []string{domain.ArchiveIntents, domain.ArchiveOutcomes} {
		stored, err := a.blob.ArchivedDays(ctx, kind)
		if err != nil {
			return fmt.Errorf("pipeline: backfill: %w", err)
		}
		for _, d := range stored {
			have[d.UTC().Format(time.DateOnly)]++
		}
	}

	yesterday := a.now().UTC().AddDate(0, 0, -1)
	var errs []error
	ran := 0
	for i := days - 1; i >= 0; i-- {
		day := yesterday.AddDate(0, 0, -i)
		if have[day.Format(time.DateOnly)] == 2 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		ran++
		if err := a.RunDay(ctx, day); err != nil {
			a.logger.Error("backfill day failed",
				slog.String("day", day.Format(time.DateOnly)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}
	a.logger.Info("backfill complete", slog.Int("window_days", days), slog.Int("ran", ran), slog.Int("failed", len(errs)))
	return errors.Join(errs...)
}

// RunCron runs the archiver on a cron schedule until the context is cancelled.
// It supports cron expressions in the standard 5-field format:
// "minute hour day-of-month month day-of-week", evaluated in UTC.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	if _, err := parseCron(cronExpr); err != nil {
		return fmt.Errorf("pipeline: parsing cron expression %q: %w", cronExpr, err)
	}
	a.logger.Info("archiver cron started", slog.String("cron", cronExpr))

	for {
		next, err := nextCronTime(cronExpr, a.now().UTC())
		if err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}

		wait := next.Sub(a.now())
		a.logger.Debug("archiver waiting for next cron trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("archiver cron stopped")
			return ctx.Err()
		case <-timer.C:
			if err := a.Run(ctx); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// cronField matches one position of a cron expression.
type cronField struct {
	wildcard bool
	step     int
	values   []int
}

func (f cronField) matches(val int) bool {
	if f.wildcard {
		return f.step <= 1 || val%f.step == 0
	}
	for _, v := range f.values {
		if v == val {
			return true
		}
	}
	return false
}

// parseCronField parses "*", "*/n", "a-b" and comma lists of those.
func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}
	if rest, ok := strings.CutPrefix(field, "*/"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil || n <= 0 {
			return cronField{}, fmt.Errorf("invalid cron step %q", field)
		}
		return cronField{wildcard: true, step: n}, nil
	}

	var values []int
	for _, p := range strings.Split(field, ",") {
		p = strings.TrimSpace(p)
		from, to, isRange := strings.Cut(p, "-")
		a, err := strconv.Atoi(from)
		if err != nil {
			return cronField{}, fmt.Errorf("invalid cron field value %q: %w", p, err)
		}
		b := a
		if isRange {
			if b, err = strconv.Atoi(to); err != nil {
				return cronField{}, fmt.Errorf("invalid cron range %q: %w", p, err)
			}
		}
		if a < lo || b > hi || a > b {
			return cronField{}, fmt.Errorf("cron value %q outside %d-%d", p, lo, hi)
		}
		for v := a; v <= b; v++ {
			values = append(values, v)
		}
	}
	return cronField{values: values}, nil
}

type parsedCron struct {
	minute     cronField
	hour       cronField
	dayOfMonth cronField
	month      cronField
	dayOfWeek  cronField
}

func (c parsedCron) matchesTime(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dayOfMonth.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dayOfWeek.matches(int(t.Weekday()))
}

var cronBounds = [5]struct {
	name   string
	lo, hi int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

func parseCron(expr string) (parsedCron, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return parsedCron{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	var parsed [5]cronField
	for i, f := range fields {
		b := cronBounds[i]
		cf, err := parseCronField(f, b.lo, b.hi)
		if err != nil {
			return parsedCron{}, fmt.Errorf("parsing %s field: %w", b.name, err)
		}
		parsed[i] = cf
	}

	return parsedCron{
		minute:     parsed[0],
		hour:       parsed[1],
		dayOfMonth: parsed[2],
		month:      parsed[3],
		dayOfWeek:  parsed[4],
	}, nil
}

// nextCronTime calculates the next time after 'after' that matches the given
// cron expression. It searches minute-by-minute up to one year ahead.
func nextCronTime(cronExpr string, after time.Time) (time.Time, error) {
	cron, err := parseCron(cronExpr)
	if err != nil {
		return time.Time{}, err
	}

	candidate := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)

	for candidate.Before(limit) {
		if cron.matchesTime(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}

	return time.Time{}, fmt.Errorf("no matching cron time found within one year for %q", cronExpr)
}
