package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/spotarb/internal/control"
	"github.com/alanyoungcy/spotarb/internal/domain"
	"github.com/alanyoungcy/spotarb/internal/executor"
	"github.com/alanyoungcy/spotarb/internal/server/handler"
	"github.com/alanyoungcy/spotarb/internal/server/middleware"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeQuality []domain.VenueStatus

func (f fakeQuality) Snapshot() []domain.VenueStatus { return f }

type fakeCounters map[string]int64

func (f fakeCounters) Counters() map[string]int64 { return f }

type fakeIntents struct {
	last domain.ListOpts
}

func (f *fakeIntents) InsertBatch(context.Context, []domain.TradeIntent) error { return nil }

func (f *fakeIntents) ListRecent(context.Context, int) ([]domain.TradeIntent, error) {
	return nil, nil
}

func (f *fakeIntents) List(_ context.Context, opts domain.ListOpts) ([]domain.TradeIntent, error) {
	f.last = opts
	return []domain.TradeIntent{{
		ID: "it-1", Symbol: "AXS_USDT", BuyVenue: "binance", SellVenue: "gate",
		Notional: 100, NetEdge: 0.002, CreatedAt: time.Unix(1700000000, 0),
	}}, nil
}

type fakeOutcomes struct{}

func (fakeOutcomes) InsertBatch(context.Context, []domain.OrderOutcome) error { return nil }

func (fakeOutcomes) ListRecent(context.Context, int) ([]domain.OrderOutcome, error) {
	return nil, nil
}

func (fakeOutcomes) List(context.Context, domain.ListOpts) ([]domain.OrderOutcome, error) {
	return nil, nil
}

type fixture struct {
	h       http.Handler
	sw      *control.Switch
	intents *fakeIntents
}

func newFixture(cfg Config) fixture {
	logger := testLogger()
	sw := control.NewSwitch(true, logger, nil)
	bal := executor.NewBalances()
	bal.Set("binance", map[string]float64{"USDT": 250})
	q := fakeQuality{{
		Venue: "binance", Enabled: true, Quality: domain.QualityHealthy, Socket: domain.SocketOpen,
		Reason: "ok", LastMsgAt: time.Now(), MsgAge: 120 * time.Millisecond,
	}}
	intents := &fakeIntents{}
	status := handler.NewStatusHandler("paper", q, sw, bal)
	status.SetCounters(fakeCounters{"publisher.dropped": 2})
	h := NewHandler(cfg, Handlers{
		Health:  handler.NewHealthHandler(nil, logger),
		Status:  status,
		Trading: handler.NewTradingHandler(sw, logger),
		History: handler.NewHistoryHandler(intents, fakeOutcomes{}, logger),
	}, nil, middleware.NewMemoryLimiter(), logger)
	return fixture{h: h, sw: sw, intents: intents}
}

func do(h http.Handler, method, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	f := newFixture(Config{APIKey: "secret"})

	if rec := do(f.h, "GET", "/api/health", "", nil); rec.Code != http.StatusOK {
		t.Errorf("health = %d, want 200", rec.Code)
	}
	if rec := do(f.h, "GET", "/api/status", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no key = %d, want 401", rec.Code)
	}
	if rec := do(f.h, "GET", "/api/status", "", map[string]string{"Authorization": "Bearer wrong"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad key = %d, want 401", rec.Code)
	}
	if rec := do(f.h, "GET", "/api/status", "", map[string]string{"X-API-Key": "secret"}); rec.Code != http.StatusOK {
		t.Errorf("good key = %d, want 200", rec.Code)
	}
	if rec := do(f.h, "GET", "/api/status?api_key=secret", "", nil); rec.Code != http.StatusOK {
		t.Errorf("query key = %d, want 200", rec.Code)
	}
}

func TestKillSwitchRoundTrip(t *testing.T) {
	f := newFixture(Config{})

	rec := do(f.h, "POST", "/api/trading/disable", `{"by":"ops","reason":"maintenance"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("disable = %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Changed bool `json:"changed"`
		Trading struct {
			Enabled        bool   `json:"enabled"`
			DisabledBy     string `json:"disabled_by"`
			DisabledReason string `json:"disabled_reason"`
		} `json:"trading"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Changed || resp.Trading.Enabled || resp.Trading.DisabledBy != "ops" || resp.Trading.DisabledReason != "maintenance" {
		t.Errorf("disable resp = %+v", resp)
	}
	if f.sw.Enabled() {
		t.Error("switch still enabled")
	}

	rec = do(f.h, "POST", "/api/trading/disable", "", nil)
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Changed {
		t.Error("second disable reported a change")
	}

	if rec := do(f.h, "POST", "/api/trading/disable", "{", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body = %d, want 400", rec.Code)
	}

	do(f.h, "POST", "/api/trading/enable", "", nil)
	if !f.sw.Enabled() {
		t.Error("switch not re-enabled")
	}
	if rec := do(f.h, "GET", "/api/trading/enable", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET enable = %d, want 405", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(Config{})
	rec := do(f.h, "GET", "/api/status", "", nil)

	var body struct {
		Mode    string `json:"mode"`
		Trading struct {
			Enabled bool `json:"enabled"`
		} `json:"trading"`
		Venues []struct {
			Venue    string `json:"venue"`
			Quality  string `json:"quality"`
			MsgAgeMs *int64 `json:"msg_age_ms"`
		} `json:"venues"`
		Balances map[string]map[string]float64 `json:"balances"`
		Counters map[string]int64              `json:"counters"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v (%s)", err, rec.Body)
	}
	if body.Mode != "paper" || !body.Trading.Enabled {
		t.Errorf("mode/trading = %s/%v", body.Mode, body.Trading.Enabled)
	}
	if len(body.Venues) != 1 || body.Venues[0].Quality != "OK" || body.Venues[0].MsgAgeMs == nil || *body.Venues[0].MsgAgeMs != 120 {
		t.Errorf("venues = %+v", body.Venues)
	}
	if body.Balances["binance"]["USDT"] != 250 {
		t.Errorf("balances = %v", body.Balances)
	}
	if body.Counters["publisher.dropped"] != 2 {
		t.Errorf("counters = %v", body.Counters)
	}
}

func TestRecentIntents(t *testing.T) {
	f := newFixture(Config{})
	rec := do(f.h, "GET", "/api/intents/recent?limit=900&since=2026-01-02", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body)
	}
	if f.intents.last.Limit != 500 {
		t.Errorf("limit = %d, want 500", f.intents.last.Limit)
	}
	if f.intents.last.Since == nil || f.intents.last.Since.Format(time.DateOnly) != "2026-01-02" {
		t.Errorf("since = %v", f.intents.last.Since)
	}
	if !strings.Contains(rec.Body.String(), `"id":"it-1"`) {
		t.Errorf("body = %s", rec.Body)
	}

	if rec := do(f.h, "GET", "/api/intents/recent?until=yesterday", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad until = %d, want 400", rec.Code)
	}
}

func TestRateLimitAndCORS(t *testing.T) {
	f := newFixture(Config{RateLimit: 2, RateWindow: time.Minute, CORSOrigins: []string{"https://ops.example"}})

	for i := 0; i < 2; i++ {
		if rec := do(f.h, "GET", "/api/health", "", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i, rec.Code)
		}
	}
	if rec := do(f.h, "GET", "/api/health", "", nil); rec.Code != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", rec.Code)
	}
	other := map[string]string{"X-Forwarded-For": "10.0.0.9"}
	if rec := do(f.h, "GET", "/api/health", "", other); rec.Code != http.StatusOK {
		t.Errorf("other ip = %d, want 200", rec.Code)
	}

	rec := do(f.h, "OPTIONS", "/api/status", "", map[string]string{"Origin": "https://ops.example"})
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://ops.example" {
		t.Errorf("preflight = %d %v", rec.Code, rec.Header())
	}
	rec = do(f.h, "OPTIONS", "/api/status", "", map[string]string{"Origin": "https://evil.example"})
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("foreign origin allowed")
	}
}

func TestHealthDegraded(t *testing.T) {
	h := handler.NewHealthHandler(map[string]handler.Check{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return io.ErrUnexpectedEOF },
	}, testLogger())
	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest("GET", "/api/health", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), `"redis"`) {
		t.Errorf("got %d %s", rec.Code, rec.Body)
	}
}

func TestRequestID(t *testing.T) {
	f := newFixture(Config{})

	rec := do(f.h, "GET", "/api/health", "", nil)
	if id := rec.Header().Get(middleware.RequestIDHeader); len(id) != 36 {
		t.Errorf("generated request id = %q", id)
	}
	rec = do(f.h, "GET", "/api/health", "", map[string]string{middleware.RequestIDHeader: "probe-7"})
	if id := rec.Header().Get(middleware.RequestIDHeader); id != "probe-7" {
		t.Errorf("inbound request id = %q, want probe-7", id)
	}
}
