package ws

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

	"github.com/alanyoungcy/spotarb/internal/domain"
	"github.com/gorilla/websocket"
)

func readType(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return head.Type
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubFiltersByType(t *testing.T) {
	hub := NewHub(nil, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Mode: "paper"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	all, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer all.Close()
	outcomesOnly, _, err := websocket.DefaultDialer.Dial(url+"?types=order_outcome", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer outcomesOnly.Close()
	waitClients(t, hub, 2)

	if got := readType(t, all); got != "hello" {
		t.Fatalf("first frame = %s, want hello", got)
	}
	if got := readType(t, outcomesOnly); got != "hello" {
		t.Fatalf("first frame = %s, want hello", got)
	}

	intent, _ := domain.NewEvent(domain.EventIntent, time.Now(), domain.TradeIntent{ID: "a"})
	outcome, _ := domain.NewEvent(domain.EventOutcome, time.Now(), domain.OrderOutcome{IntentID: "a"})
	hub.PublishEvent(ctx, intent)
	hub.PublishEvent(ctx, outcome)

	if got := readType(t, all); got != string(domain.EventIntent) {
		t.Errorf("all[1] = %s", got)
	}
	if got := readType(t, all); got != string(domain.EventOutcome) {
		t.Errorf("all[2] = %s", got)
	}
	if got := readType(t, outcomesOnly); got != string(domain.EventOutcome) {
		t.Errorf("filtered client got %s", got)
	}
}

func TestSubscriptionMessages(t *testing.T) {
	c := &client{subs: map[domain.EventType]bool{}}
	if !c.wants(domain.EventQuality) {
		t.Fatal("empty subscription should receive everything")
	}
	c.handleSubscription(subscribeMsg{Action: "subscribe", Types: []string{"trading_state"}})
	if c.wants(domain.EventQuality) || !c.wants(domain.EventControl) {
		t.Error("subscribe did not narrow")
	}
	c.handleSubscription(subscribeMsg{Action: "unsubscribe", Types: []string{"trading_state"}})
	if !c.wants(domain.EventQuality) {
		t.Error("unsubscribe of last type should widen again")
	}
}

func TestHubReplaysTradingState(t *testing.T) {
	hub := NewHub(nil, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Mode: "trade"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()
	waitClients(t, hub, 1)
	if got := readType(t, first); got != "hello" {
		t.Fatalf("first frame = %s", got)
	}

	state, err := domain.NewEvent(domain.EventControl, time.Now(), domain.TradingState{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	hub.PublishEvent(ctx, state)
	if got := readType(t, first); got != string(domain.EventControl) {
		t.Fatalf("live frame = %s", got)
	}

	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer late.Close()
	if got := readType(t, late); got != "hello" {
		t.Fatalf("late first frame = %s", got)
	}
	if got := readType(t, late); got != string(domain.EventControl) {
		t.Fatalf("late client replay = %s", got)
	}
}

func TestHubRefusesAfterStop(t *testing.T) {
	hub := NewHub(nil, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if hub.register(&client{send: make(chan []byte, 1), subs: map[domain.EventType]bool{}}) {
		t.Fatal("register succeeded on a stopped hub")
	}
	if hub.ClientCount() != 0 {
		t.Fatalf("clients = %d", hub.ClientCount())
	}
}
