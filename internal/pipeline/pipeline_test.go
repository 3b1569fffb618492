package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/spotarb/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeIntentStore struct {
	mu      sync.Mutex
	batches [][]domain.TradeIntent
	failOn  int // 1-based batch number to fail, 0 never
	calls   int
}

func (s *fakeIntentStore) InsertBatch(_ context.Context, intents []domain.TradeIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls == s.failOn {
		return errors.New("db down")
	}
	s.batches = append(s.batches, append([]domain.TradeIntent(nil), intents...))
	return nil
}

func (s *fakeIntentStore) ListRecent(context.Context, int) ([]domain.TradeIntent, error) {
	return nil, nil
}

func (s *fakeIntentStore) List(context.Context, domain.ListOpts) ([]domain.TradeIntent, error) {
	return nil, nil
}

func (s *fakeIntentStore) sizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.batches))
	for i, b := range s.batches {
		out[i] = len(b)
	}
	return out
}

func intents(n int) []domain.TradeIntent {
	out := make([]domain.TradeIntent, n)
	for i := range out {
		out[i] = domain.TradeIntent{ID: fmt.Sprintf("it-%d", i), Symbol: "AXS_USDT"}
	}
	return out
}

func TestIntentWriterFlushesInBatches(t *testing.T) {
	store := &fakeIntentStore{}
	w := NewIntentWriter(store, WriterOptions{MaxBatch: 4}, testLogger())
	for _, it := range intents(10) {
		w.RecordIntent(context.Background(), it)
	}
	w.Flush(context.Background())

	got := store.sizes()
	want := []int{4, 4, 2}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("batch sizes = %v, want %v", got, want)
	}
	if written, dropped := w.Stats(); written != 10 || dropped != 0 {
		t.Errorf("stats = %d/%d, want 10/0", written, dropped)
	}

	w.Flush(context.Background())
	if len(store.sizes()) != 3 {
		t.Error("empty flush should not insert")
	}
}

func TestIntentWriterDropsFailedBatch(t *testing.T) {
	store := &fakeIntentStore{failOn: 1}
	w := NewIntentWriter(store, WriterOptions{MaxBatch: 3}, testLogger())
	for _, it := range intents(5) {
		w.RecordIntent(context.Background(), it)
	}
	w.Flush(context.Background())

	if got := store.sizes(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("batch sizes = %v, want [2]", got)
	}
	if written, dropped := w.Stats(); written != 2 || dropped != 3 {
		t.Errorf("stats = %d/%d, want 2/3", written, dropped)
	}
}

func TestIntentWriterQueueCap(t *testing.T) {
	store := &fakeIntentStore{}
	w := NewIntentWriter(store, WriterOptions{MaxQueue: 2}, testLogger())
	for _, it := range intents(5) {
		w.RecordIntent(context.Background(), it)
	}
	if _, dropped := w.Stats(); dropped != 3 {
		t.Errorf("dropped = %d, want 3", dropped)
	}
}

func TestIntentWriterFinalFlushOnShutdown(t *testing.T) {
	store := &fakeIntentStore{}
	w := NewIntentWriter(store, WriterOptions{FlushInterval: time.Hour}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for _, it := range intents(3) {
		w.RecordIntent(ctx, it)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not stop")
	}
	if got := store.sizes(); len(got) != 1 || got[0] != 3 {
		t.Errorf("batch sizes = %v, want [3]", got)
	}
}

type fakeOutcomeStore struct {
	mu  sync.Mutex
	got []domain.OrderOutcome
}

func (s *fakeOutcomeStore) InsertBatch(_ context.Context, outs []domain.OrderOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, outs...)
	return nil
}

func (s *fakeOutcomeStore) ListRecent(context.Context, int) ([]domain.OrderOutcome, error) {
	return nil, nil
}

func (s *fakeOutcomeStore) List(context.Context, domain.ListOpts) ([]domain.OrderOutcome, error) {
	return nil, nil
}

func TestOutcomeWriter(t *testing.T) {
	store := &fakeOutcomeStore{}
	w := NewOutcomeWriter(store, WriterOptions{}, testLogger())
	w.RecordOutcome(context.Background(), domain.OrderOutcome{IntentID: "a", Kind: domain.OutcomeBothFilled})
	w.Flush(context.Background())
	if len(store.got) != 1 || store.got[0].IntentID != "a" {
		t.Fatalf("got %+v", store.got)
	}
}

type captureSink struct {
	ch chan domain.Event
}

func (c *captureSink) PublishEvent(_ context.Context, ev domain.Event) error {
	c.ch <- ev
	return nil
}

func TestPublisherDelivers(t *testing.T) {
	sink := &captureSink{ch: make(chan domain.Event, 4)}
	p := NewPublisher(8, testLogger(), sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.RecordIntent(ctx, domain.TradeIntent{ID: "x", Symbol: "AXS_USDT"})
	p.PublishState(domain.TradingState{Enabled: false, DisabledBy: "telegram"})

	select {
	case ev := <-sink.ch:
		if ev.Type != domain.EventIntent {
			t.Fatalf("type = %s", ev.Type)
		}
		var it domain.TradeIntent
		if err := json.Unmarshal(ev.Data, &it); err != nil || it.ID != "x" {
			t.Fatalf("payload = %s (%v)", ev.Data, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no intent event")
	}
	select {
	case ev := <-sink.ch:
		if ev.Type != domain.EventControl {
			t.Fatalf("type = %s", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no control event")
	}
}

func TestPublisherDropsWhenFull(t *testing.T) {
	p := NewPublisher(1, testLogger())
	p.RecordOutcome(context.Background(), domain.OrderOutcome{IntentID: "a"})
	p.RecordOutcome(context.Background(), domain.OrderOutcome{IntentID: "b"})
	if p.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", p.Dropped())
	}
}

type fakeArchiver struct {
	days   []time.Time
	err    error
	stored map[string][]time.Time
}

func (f *fakeArchiver) ArchivedDays(_ context.Context, kind string) ([]time.Time, error) {
	return f.stored[kind], nil
}

func (f *fakeArchiver) ArchiveIntents(_ context.Context, day time.Time) (int64, error) {
	f.days = append(f.days, day)
	return 3, f.err
}

func (f *fakeArchiver) ArchiveOutcomes(_ context.Context, day time.Time) (int64, error) {
	f.days = append(f.days, day)
	return 2, nil
}

func TestArchiverRunsPreviousDay(t *testing.T) {
	fa := &fakeArchiver{}
	a := NewArchiver(fa, testLogger())
	a.now = func() time.Time { return time.Date(2026, 3, 1, 0, 15, 0, 0, time.UTC) }

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fa.days) != 2 {
		t.Fatalf("calls = %d, want 2", len(fa.days))
	}
	if got := fa.days[0].Format(time.DateOnly); got != "2026-02-28" {
		t.Errorf("day = %s, want 2026-02-28", got)
	}

	fa.err = errors.New("s3 down")
	if err := a.Run(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestArchiverBackfillSkipsStoredDays(t *testing.T) {
	d := func(day int) time.Time { return time.Date(2026, 2, day, 0, 0, 0, 0, time.UTC) }
	fa := &fakeArchiver{stored: map[string][]time.Time{
		domain.ArchiveIntents:  {d(26), d(27)},
		domain.ArchiveOutcomes: {d(27)},
	}}
	a := NewArchiver(fa, testLogger())
	a.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }

	if err := a.Backfill(context.Background(), 3); err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	// Window is Feb 26..28; only Feb 27 is complete.
	var got []string
	for i := 0; i < len(fa.days); i += 2 {
		got = append(got, fa.days[i].Format(time.DateOnly))
	}
	if len(got) != 2 || got[0] != "2026-02-26" || got[1] != "2026-02-28" {
		t.Fatalf("ran days = %v", got)
	}

	if err := a.Backfill(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
}

func TestNextCronTime(t *testing.T) {
	base := time.Date(2026, 5, 14, 10, 30, 20, 0, time.UTC) // Thursday
	tests := []struct {
		expr string
		want time.Time
	}{
		{"15 0 * * *", time.Date(2026, 5, 15, 0, 15, 0, 0, time.UTC)},
		{"* * * * *", time.Date(2026, 5, 14, 10, 31, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 5, 14, 10, 45, 0, 0, time.UTC)},
		{"0 9-11 * * *", time.Date(2026, 5, 14, 11, 0, 0, 0, time.UTC)},
		{"0 3 1 * *", time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)},
		{"0 0 * * 0", time.Date(2026, 5, 17, 0, 0, 0, 0, time.UTC)},
		{"30,45 10 * * *", time.Date(2026, 5, 14, 10, 45, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := nextCronTime(tt.expr, base)
			if err != nil {
				t.Fatalf("nextCronTime: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseCronRejects(t *testing.T) {
	for _, expr := range []string{"", "* * * *", "60 * * * *", "x * * * *", "*/0 * * * *", "5-2 * * * *"} {
		if _, err := parseCron(expr); err == nil {
			t.Errorf("parseCron(%q) accepted", expr)
		}
	}
}
