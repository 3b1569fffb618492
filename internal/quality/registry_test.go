package quality

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/spotarb/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(clock *fakeClock) *Registry {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(map[string]VenueConfig{
		"binance": {Enabled: true, Warn: 2 * time.Second, Stop: 5 * time.Second},
		"gate":    {Enabled: false, Warn: 2 * time.Second, Stop: 5 * time.Second},
	}, logger, clock.Now)
}

func TestEvaluateOrder(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock)

	check := func(venue string, wantQ domain.Quality, wantReason string) {
		t.Helper()
		st := r.Evaluate(venue)
		if st.Quality != wantQ || st.Reason != wantReason {
			t.Fatalf("%s: got %s/%s, want %s/%s", venue, st.Quality, st.Reason, wantQ, wantReason)
		}
	}

	check("bitget", domain.QualityBlocked, ReasonNotConfigured)
	check("gate", domain.QualityBlocked, ReasonDisabled)
	check("binance", domain.QualityBlocked, ReasonNoState)

	r.RecordSocketState("binance", domain.SocketConnecting)
	check("binance", domain.QualityBlocked, ReasonSocketNotOpen)

	r.RecordSocketState("binance", domain.SocketOpen)
	check("binance", domain.QualityBlocked, ReasonNoMsgsStop)

	r.RecordMessage("binance")
	check("binance", domain.QualityHealthy, ReasonOK)

	clock.Advance(3 * time.Second)
	check("binance", domain.QualityDegraded, ReasonNoMsgsWarn)

	clock.Advance(3 * time.Second)
	check("binance", domain.QualityBlocked, ReasonNoMsgsStop)

	r.RecordMessage("binance")
	check("binance", domain.QualityHealthy, ReasonOK)

	// A fresh message does not help when the socket is down.
	r.RecordSocketState("binance", domain.SocketClosed)
	r.RecordMessage("binance")
	check("binance", domain.QualityBlocked, ReasonSocketNotOpen)
}

func TestDisabledWinsOverHealthySocket(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock)
	r.RecordSocketState("binance", domain.SocketOpen)
	r.RecordMessage("binance")
	if !r.Healthy("binance") {
		t.Fatal("expected healthy")
	}
	r.SetEnabled("binance", false)
	if st := r.Evaluate("binance"); st.Reason != ReasonDisabled {
		t.Fatalf("reason = %s, want %s", st.Reason, ReasonDisabled)
	}
}

func TestZeroStopSkipsAgeCheck(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock)
	r.Configure("binance/exec", VenueConfig{Enabled: true})
	r.RecordSocketState("binance/exec", domain.SocketOpen)
	clock.Advance(time.Hour)
	if !r.Healthy("binance/exec") {
		t.Fatalf("exec channel should be healthy: %+v", r.Evaluate("binance/exec"))
	}
}

func TestCounters(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock)
	r.RecordMessage("binance")
	r.RecordMessage("binance")
	r.RecordReconnect("binance")
	r.RecordError("binance", errors.New("boom"))
	st := r.Evaluate("binance")
	if st.Messages != 2 || st.Reconnects != 1 || st.Errors != 1 {
		t.Fatalf("counters = %d/%d/%d", st.Messages, st.Reconnects, st.Errors)
	}
	if st.LastErrorAt.IsZero() || st.LastReconnAt.IsZero() {
		t.Fatal("timestamps not recorded")
	}
}

func TestSnapshotIncludesObservedVenues(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock)
	r.RecordMessage("kraken")
	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot len = %d, want 3", len(snap))
	}
	if snap[0].Venue != "binance" || snap[2].Venue != "kraken" {
		t.Fatalf("unexpected order: %v, %v", snap[0].Venue, snap[2].Venue)
	}
}

func TestRunPublishesSnapshots(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := newTestRegistry(clock)
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan []domain.VenueStatus, 1)
	go func() {
		_ = r.Run(ctx, 10*time.Millisecond, func(s []domain.VenueStatus) {
			select {
			case got <- s:
			default:
			}
		})
	}()
	defer cancel()
	select {
	case s := <-got:
		if len(s) != 2 {
			t.Fatalf("snapshot len = %d", len(s))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot published")
	}
}
