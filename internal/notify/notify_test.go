package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/spotarb/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordSender struct {
	name   string
	err    error
	titles []string
}

func (r *recordSender) Send(_ context.Context, title, _ string) error {
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordSender) Name() string { return r.name }

func TestNotifierFilterAndCooldown(t *testing.T) {
	s := &recordSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"exposure_open", " lock_lost "}, time.Minute, testLogger())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }
	ctx := context.Background()

	_ = n.Notify(ctx, "venue_blocked", "filtered", "")
	_ = n.Notify(ctx, "exposure_open", "AXS_USDT", "")
	_ = n.Notify(ctx, "exposure_open", "AXS_USDT", "") // suppressed
	_ = n.Notify(ctx, "lock_lost", "lock", "")
	now = now.Add(2 * time.Minute)
	_ = n.Notify(ctx, "exposure_open", "AXS_USDT", "")

	want := "AXS_USDT,lock,AXS_USDT"
	if got := strings.Join(s.titles, ","); got != want {
		t.Errorf("sent %q, want %q", got, want)
	}
}

func TestNotifierKeepsDeliveringAfterFailure(t *testing.T) {
	bad := &recordSender{name: "bad", err: errors.New("boom")}
	good := &recordSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, 0, testLogger())

	err := n.NotifyAll(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "bad: boom") {
		t.Fatalf("err = %v", err)
	}
	if len(good.titles) != 1 {
		t.Error("good sender skipped")
	}
}

// fakeTelegram serves getUpdates from a queue and records sendMessage calls.
type fakeTelegram struct {
	mu      sync.Mutex
	updates []tgUpdate
	sent    []map[string]any
	offsets []float64
}

func (f *fakeTelegram) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case strings.HasSuffix(r.URL.Path, "/botTOKEN/getUpdates"):
			f.offsets = append(f.offsets, body["offset"].(float64))
			res, _ := json.Marshal(f.updates)
			f.updates = nil
			json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": json.RawMessage(res)})
		case strings.HasSuffix(r.URL.Path, "/botTOKEN/sendMessage"):
			f.sent = append(f.sent, body)
			json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{}})
		default:
			json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "Not Found"})
		}
	}
}

func message(updateID, from int64, text string) tgUpdate {
	m := &tgMessage{Text: text}
	m.From = &struct {
		ID int64 `json:"id"`
	}{ID: from}
	m.Chat.ID = 900
	return tgUpdate{UpdateID: updateID, Message: m}
}

type fakeControl struct {
	state domain.TradingState
}

func (f *fakeControl) Disable(by, reason string) bool {
	if !f.state.Enabled {
		return false
	}
	f.state = domain.TradingState{Enabled: false, DisabledBy: by, DisabledReason: reason}
	return true
}

func (f *fakeControl) Enable(string) bool {
	if f.state.Enabled {
		return false
	}
	f.state = domain.TradingState{Enabled: true}
	return true
}

func (f *fakeControl) Snapshot() domain.TradingState { return f.state }

type fakeStatus []domain.VenueStatus

func (f fakeStatus) Snapshot() []domain.VenueStatus { return f }

func TestConsoleCommands(t *testing.T) {
	ft := &fakeTelegram{updates: []tgUpdate{
		message(10, 42, "/status"),
		message(11, 7, "/kill"), // not allowed
		message(12, 42, "/kill"),
		message(13, 42, "/kill@spotarb_bot"),
		message(14, 42, "hello"),
	}}
	srv := httptest.NewServer(ft.handler(t))
	defer srv.Close()

	ctl := &fakeControl{state: domain.TradingState{Enabled: true}}
	st := fakeStatus{{Venue: "binance", Enabled: true, Quality: domain.QualityHealthy, Socket: domain.SocketOpen, Reason: "ok"}}
	c, err := NewConsole(ConsoleOptions{BaseURL: srv.URL, Token: "TOKEN", AllowedIDs: []int64{42}}, ctl, st, testLogger())
	if err != nil {
		t.Fatalf("NewConsole: %v", err)
	}

	if err := c.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if err := c.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.offsets) != 2 || ft.offsets[0] != 0 || ft.offsets[1] != 15 {
		t.Errorf("offsets = %v, want [0 15]", ft.offsets)
	}
	if len(ft.sent) != 3 {
		t.Fatalf("replies = %d, want 3", len(ft.sent))
	}
	status := ft.sent[0]["text"].(string)
	if ft.sent[0]["parse_mode"] != "HTML" || !strings.Contains(status, "trading=ON") || !strings.Contains(status, "binance") {
		t.Errorf("status reply = %q", status)
	}
	if ft.sent[1]["text"] != "trading disabled" || ft.sent[2]["text"] != "trading already disabled" {
		t.Errorf("kill replies = %v / %v", ft.sent[1]["text"], ft.sent[2]["text"])
	}
	if ctl.state.Enabled || ctl.state.DisabledBy != "telegram:42" {
		t.Errorf("state = %+v", ctl.state)
	}
}

func TestNewConsoleRequiresAllowList(t *testing.T) {
	if _, err := NewConsole(ConsoleOptions{Token: "x"}, &fakeControl{}, fakeStatus{}, testLogger()); err == nil {
		t.Error("expected error for empty allow list")
	}
	ids, err := ParseAllowedIDs(" 1, 22 ,,333")
	if err != nil || len(ids) != 3 || ids[2] != 333 {
		t.Errorf("ParseAllowedIDs = %v, %v", ids, err)
	}
	if _, err := ParseAllowedIDs("1,abc"); err == nil {
		t.Error("expected parse error")
	}
}

func TestRenderStatus(t *testing.T) {
	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	out := RenderStatus(
		domain.TradingState{Enabled: false, DisabledBy: "api", DisabledReason: "maintenance"},
		[]domain.VenueStatus{
			{Venue: "binance", Enabled: true, Quality: domain.QualityHealthy, Socket: domain.SocketOpen,
				LastMsgAt: now, MsgAge: 250 * time.Millisecond, Reconnects: 2, Reason: "ok"},
			{Venue: "gate", Enabled: false},
			{Venue: "bitget", Enabled: true, Quality: domain.QualityBlocked, Socket: domain.SocketClosed, Reason: "ws_not_open"},
		}, now)

	lines := strings.Split(out, "\n")
	if lines[0] != "trading=OFF  @ 2026-02-03 04:05:06" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[1] != "disabled by api: maintenance" {
		t.Errorf("reason line = %q", lines[1])
	}
	want := "binance   OK    OPEN       250ms    2       ok"
	if lines[5] != want {
		t.Errorf("row = %q, want %q", lines[5], want)
	}
	if strings.Contains(out, "gate") {
		t.Error("disabled venue rendered")
	}
	if !strings.Contains(lines[6], "n/a") {
		t.Errorf("bitget row = %q", lines[6])
	}
}

func TestTelegramSender(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	s := NewTelegramSender(srv.URL, "TOKEN", "-100")
	if err := s.Send(context.Background(), "exposure_open", "AXS_USDT buy filled"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["chat_id"] != "-100" || got["text"] != "exposure_open\nAXS_USDT buy filled" {
		t.Errorf("payload = %v", got)
	}
	if _, ok := got["parse_mode"]; ok {
		t.Error("parse_mode should be unset")
	}
}

func TestDiscordSenderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad webhook", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Errorf("err = %v", err)
	}
}

func TestDiscordSenderEmbed(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordSender(srv.URL)
	d.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	if err := d.Send(context.Background(), "Recovery failed", "order 42 still open"); err != nil {
		t.Fatal(err)
	}
	if len(got.Embeds) != 1 {
		t.Fatalf("embeds = %+v", got.Embeds)
	}
	e := got.Embeds[0]
	if e.Title != "Recovery failed" || e.Color != 0xE74C3C || e.Timestamp != "2025-03-01T12:00:00Z" {
		t.Errorf("embed = %+v", e)
	}
	if !strings.Contains(e.Description, "order 42 still open") {
		t.Errorf("description = %q", e.Description)
	}
}

func TestDiscordSenderRetriesRateLimit(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.Header().Set("Retry-After", "0.01")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := NewDiscordSender(srv.URL).Send(context.Background(), "trading enabled", "resumed"); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestDiscordColour(t *testing.T) {
	if discordColour("venue blocked: gate") != 0xF1C40F {
		t.Error("blocked colour")
	}
	if discordColour("hello") != discordDefaultColour {
		t.Error("default colour")
	}
}
