package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// IntentStore persists trade intents.
type IntentStore interface {
	InsertBatch(ctx context.Context, intents []TradeIntent) error
	ListRecent(ctx context.Context, limit int) ([]TradeIntent, error)
	List(ctx context.Context, opts ListOpts) ([]TradeIntent, error)
}

// OutcomeStore persists order outcomes.
type OutcomeStore interface {
	InsertBatch(ctx context.Context, outcomes []OrderOutcome) error
	ListRecent(ctx context.Context, limit int) ([]OrderOutcome, error)
	List(ctx context.Context, opts ListOpts) ([]OrderOutcome, error)
}
