package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/spotarb/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// Archiver implements domain.Archiver: one JSONL object per kind and UTC
// day at archive/<kind>/<yyyy>/<mm>/<dd>.jsonl. Days already archived are
// skipped. Rows are not deleted from the primary store.
type Archiver struct {
	writer   domain.BlobWriter
	reader   domain.BlobReader
	intents  domain.IntentStore
	outcomes domain.OutcomeStore
	logger   *slog.Logger
}

// NewArchiver creates an Archiver. reader may be nil, in which case days
// are always rewritten.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, intents domain.IntentStore, outcomes domain.OutcomeStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:   writer,
		reader:   reader,
		intents:  intents,
		outcomes: outcomes,
		logger:   logger.With(slog.String("component", "s3_archiver")),
	}
}

// ArchiveIntents uploads the intents created during day (UTC).
func (a *Archiver) ArchiveIntents(ctx context.Context, day time.Time) (int64, error) {
	since, until := dayBounds(day)
	return archiveKind(ctx, a, domain.ArchiveIntents, day, func() ([]domain.TradeIntent, error) {
		return a.intents.List(ctx, domain.ListOpts{Since: &since, Until: &until})
	})
}

// ArchiveOutcomes uploads the outcomes recorded during day (UTC).
func (a *Archiver) ArchiveOutcomes(ctx context.Context, day time.Time) (int64, error) {
	since, until := dayBounds(day)
	return archiveKind(ctx, a, domain.ArchiveOutcomes, day, func() ([]domain.OrderOutcome, error) {
		return a.outcomes.List(ctx, domain.ListOpts{Since: &since, Until: &until})
	})
}

func archiveKind[T any](ctx context.Context, a *Archiver, kind string, day time.Time, load func() ([]T, error)) (int64, error) {
	path := ArchivePath(kind, day)
	if a.reader != nil {
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive %s: %w", kind, err)
		}
		if exists {
			a.logger.Debug("archive exists, skipping", slog.String("path", path))
			return 0, nil
		}
	}

	records, err := load()
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s query: %w", kind, err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}
	a.logger.Info("archived",
		slog.String("kind", kind),
		slog.String("path", path),
		slog.Int("count", len(records)),
		slog.Int("bytes", len(buf)),
	)
	return int64(len(records)), nil
}

// ArchivePath is the object key for one kind and day, e.g.
// archive/intents/2026/01/02.jsonl.
func ArchivePath(kind string, day time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, day.UTC().Format("2006/01/02"))
}

// ArchivedDays lists the days with an object under archive/<kind>/. Keys
// that do not parse as a day are ignored. Without a reader nothing is known
// to exist.
func (a *Archiver) ArchivedDays(ctx context.Context, kind string) ([]time.Time, error) {
	if a.reader == nil {
		return nil, nil
	}
	prefix := "archive/" + kind + "/"
	infos, err := a.reader.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("s3blob: archived days %s: %w", kind, err)
	}
	days := make([]time.Time, 0, len(infos))
	for _, info := range infos {
		name, ok := strings.CutSuffix(strings.TrimPrefix(info.Path, prefix), ".jsonl")
		if !ok {
			continue
		}
		day, err := time.Parse("2006/01/02", name)
		if err != nil {
			continue
		}
		days = append(days, day)
	}
	return days, nil
}

func dayBounds(day time.Time) (time.Time, time.Time) {
	d := day.UTC()
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}

// marshalJSONL writes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
