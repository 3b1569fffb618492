package executor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/spotarb/internal/domain"
)

type gate struct{ on atomic.Bool }

func (g *gate) Enabled() bool { return g.on.Load() }

type fakeHandler struct {
	busy    atomic.Bool
	handled chan domain.TradeIntent
}

func (h *fakeHandler) Busy() bool { return h.busy.Load() }

func (h *fakeHandler) TryHandle(_ context.Context, it domain.TradeIntent) (domain.OrderOutcome, bool) {
	h.handled <- it
	return domain.OrderOutcome{IntentID: it.ID, Kind: domain.OutcomeBothFilled}, true
}

type sink struct {
	mu       sync.Mutex
	intents  []string
	outcomes []string
}

func (s *sink) RecordIntent(_ context.Context, it domain.TradeIntent) {
	s.mu.Lock()
	s.intents = append(s.intents, it.ID)
	s.mu.Unlock()
}

func (s *sink) RecordOutcome(_ context.Context, out domain.OrderOutcome) {
	s.mu.Lock()
	s.outcomes = append(s.outcomes, out.IntentID)
	s.mu.Unlock()
}

func (s *sink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.intents), len(s.outcomes)
}

func runExecutor(t *testing.T, g *gate, h *fakeHandler, s *sink, intents ...domain.TradeIntent) {
	t.Helper()
	ch := make(chan domain.TradeIntent, len(intents))
	for _, it := range intents {
		ch <- it
	}
	close(ch)
	e := NewExecutor(ch, g, h, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.AddIntentSink(s)
	e.AddOutcomeSink(s)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestExecutorKillSwitchBlocksIntents(t *testing.T) {
	g := &gate{}
	h := &fakeHandler{handled: make(chan domain.TradeIntent, 1)}
	s := &sink{}
	runExecutor(t, g, h, s, domain.TradeIntent{ID: "a"})

	if n, _ := s.counts(); n != 0 {
		t.Fatalf("intent sink saw %d intents while disabled", n)
	}
	if len(h.handled) != 0 {
		t.Fatal("handler called while disabled")
	}
}

func TestExecutorRecordsIntentAndOutcome(t *testing.T) {
	g := &gate{}
	g.on.Store(true)
	h := &fakeHandler{handled: make(chan domain.TradeIntent, 1)}
	s := &sink{}
	runExecutor(t, g, h, s, domain.TradeIntent{ID: "a"})

	if ni, no := s.counts(); ni != 1 || no != 1 {
		t.Fatalf("sinks saw %d intents, %d outcomes", ni, no)
	}
	if it := <-h.handled; it.ID != "a" {
		t.Fatalf("handled %q", it.ID)
	}
}

func TestExecutorDropsWhileBusy(t *testing.T) {
	g := &gate{}
	g.on.Store(true)
	h := &fakeHandler{handled: make(chan domain.TradeIntent, 1)}
	h.busy.Store(true)
	s := &sink{}
	runExecutor(t, g, h, s, domain.TradeIntent{ID: "a"})

	if ni, no := s.counts(); ni != 1 || no != 0 {
		t.Fatalf("sinks saw %d intents, %d outcomes", ni, no)
	}
	if len(h.handled) != 0 {
		t.Fatal("busy handler was called")
	}
}
