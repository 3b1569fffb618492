package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader inspects object storage. Archives are write-only from the
// engine's side, so there is no Get.
type BlobReader interface {
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archive kinds, one JSONL object per kind and UTC day.
const (
	ArchiveIntents  = "intents"
	ArchiveOutcomes = "outcomes"
)

// Archiver copies a day of records to cold storage.
type Archiver interface {
	ArchiveIntents(ctx context.Context, day time.Time) (int64, error)
	ArchiveOutcomes(ctx context.Context, day time.Time) (int64, error)
	// ArchivedDays lists the UTC days already stored for kind.
	ArchivedDays(ctx context.Context, kind string) ([]time.Time, error)
}
