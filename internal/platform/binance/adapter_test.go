package binance

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/spotarb/internal/crypto"
	"github.com/alanyoungcy/spotarb/internal/domain"
	"github.com/alanyoungcy/spotarb/internal/platform/wsconn"
)

type wsRequest struct {
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// newWSAPIServer answers each request with handle's reply. A nil reply
// sends nothing; handle may close the connection.
func newWSAPIServer(t *testing.T, handle func(conn *websocket.Conn, req wsRequest) any) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req wsRequest
			if err := json.Unmarshal(msg, &req); err != nil {
				return
			}
			if out := handle(conn, req); out != nil {
				if err := conn.WriteJSON(out); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func startAdapter(t *testing.T, srv *httptest.Server, mutate func(*Options)) *Adapter {
	t.Helper()
	opts := Options{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		Credentials:    &crypto.Credentials{Key: "key", Secret: "secret"},
		RequestTimeout: time.Second,
		Reconnect:      wsconn.Options{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	a := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = a.Run(ctx); close(done) }()
	t.Cleanup(func() {
		cancel()
		a.Stop()
		<-done
	})

	wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer wcancel()
	if err := a.WaitOpen(wctx); err != nil {
		t.Fatalf("WaitOpen: %v", err)
	}
	return a
}

func TestStartupBalancesSignedRequest(t *testing.T) {
	seen := make(chan wsRequest, 1)
	srv := newWSAPIServer(t, func(_ *websocket.Conn, req wsRequest) any {
		seen <- req
		return map[string]any{
			"id":     req.ID,
			"status": 200,
			"result": map[string]any{
				"balances": []map[string]string{
					{"asset": "USDC", "free": "292.71837548", "locked": "0"},
					{"asset": "AXS", "free": "10.5", "locked": "1"},
				},
			},
		}
	})
	a := startAdapter(t, srv, nil)

	bal, err := a.StartupBalances(context.Background(), []string{"USDC", "AXS", "BTC"})
	if err != nil {
		t.Fatalf("StartupBalances: %v", err)
	}
	if bal["USDC"] != 292.71837548 || bal["AXS"] != 10.5 || bal["BTC"] != 0 {
		t.Fatalf("balances = %v", bal)
	}

	got := <-seen
	if got.Method != "account.status" {
		t.Fatalf("method = %q", got.Method)
	}
	if got.Params["apiKey"] != "key" || got.Params["recvWindow"] != float64(15000) {
		t.Fatalf("params = %v", got.Params)
	}
	sig, _ := got.Params["signature"].(string)
	if len(sig) != 64 {
		t.Fatalf("signature = %q", sig)
	}
}

func TestPlaceOrderFilled(t *testing.T) {
	srv := newWSAPIServer(t, func(_ *websocket.Conn, req wsRequest) any {
		return map[string]any{
			"id":     req.ID,
			"status": 200,
			"result": map[string]any{
				"symbol":              req.Params["symbol"],
				"orderId":             12345,
				"clientOrderId":       req.Params["newClientOrderId"],
				"status":              "FILLED",
				"executedQty":         req.Params["quantity"],
				"cummulativeQuoteQty": "50.5",
			},
		}
	})
	a := startAdapter(t, srv, nil)

	res, err := a.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol: "AXSUSDC", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket,
		Quantity: "10.00", ClientOrderID: "c1",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if !res.Filled() || res.OrderID != "12345" || res.ClientOrderID != "c1" || res.ExecutedQty != 10 || res.QuoteQty != 50.5 {
		t.Fatalf("result = %+v", res)
	}
}

func TestErrorStatus(t *testing.T) {
	srv := newWSAPIServer(t, func(_ *websocket.Conn, req wsRequest) any {
		return map[string]any{
			"id":     req.ID,
			"status": 400,
			"error":  map[string]any{"code": -2010, "msg": "Account has insufficient balance"},
		}
	})
	a := startAdapter(t, srv, nil)

	_, err := a.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "AXSUSDC", Side: domain.OrderSideSell, Type: domain.OrderTypeMarket, Quantity: "1"})
	if !errors.Is(err, domain.ErrInvalidOrder) || !strings.Contains(err.Error(), "-2010") {
		t.Fatalf("err = %v", err)
	}
}

func TestRequestTimeout(t *testing.T) {
	srv := newWSAPIServer(t, func(*websocket.Conn, wsRequest) any { return nil })
	a := startAdapter(t, srv, func(o *Options) { o.RequestTimeout = 100 * time.Millisecond })

	_, err := a.CancelOrder(context.Background(), domain.CancelRequest{Symbol: "AXSUSDC", OrderID: "1"})
	if !errors.Is(err, domain.ErrRequestTimeout) {
		t.Fatalf("err = %v", err)
	}
	if a.Pending() != 0 {
		t.Fatalf("pending = %d after timeout", a.Pending())
	}
}

func TestCloseRejectsPending(t *testing.T) {
	srv := newWSAPIServer(t, func(conn *websocket.Conn, _ wsRequest) any {
		_ = conn.Close()
		return nil
	})
	a := startAdapter(t, srv, func(o *Options) { o.RequestTimeout = 5 * time.Second })

	start := time.Now()
	_, err := a.CancelOrder(context.Background(), domain.CancelRequest{Symbol: "AXSUSDC", ClientOrderID: "c1"})
	if !errors.Is(err, domain.ErrWSDisconnect) {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("close did not reject the pending request promptly")
	}
}

func TestTestOrders(t *testing.T) {
	seen := make(chan string, 1)
	srv := newWSAPIServer(t, func(_ *websocket.Conn, req wsRequest) any {
		seen <- req.Method
		return map[string]any{"id": req.ID, "status": 200, "result": map[string]any{}}
	})
	a := startAdapter(t, srv, func(o *Options) { o.TestOrders = true })

	res, err := a.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "AXSUSDC", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: "2.5", ClientOrderID: "c9"})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if method := <-seen; method != "order.test" || !res.Filled() || res.ExecutedQty != 2.5 {
		t.Fatalf("result = %+v", res)
	}
}

func TestDelayOverride(t *testing.T) {
	tests := []struct {
		name string
		info wsconn.CloseInfo
		want time.Duration
		ok   bool
	}{
		{"abnormal", wsconn.CloseInfo{Code: 1006}, time.Second, true},
		{"policy code", wsconn.CloseInfo{Code: 1008}, 120 * time.Second, true},
		{"policy text", wsconn.CloseInfo{Code: 1000, Reason: "Policy violation"}, 120 * time.Second, true},
		{"http 429", wsconn.CloseInfo{Err: errors.New("websocket: bad handshake (429)")}, 90 * time.Second, true},
		{"rate text", wsconn.CloseInfo{Code: 1000, Reason: "rate limit"}, 90 * time.Second, true},
		{"try again", wsconn.CloseInfo{Code: 1013}, 60 * time.Second, true},
		{"normal", wsconn.CloseInfo{Code: 1000}, 0, false},
	}
	for _, tc := range tests {
		got, ok := DelayOverride(tc.info)
		if got != tc.want || ok != tc.ok {
			t.Errorf("%s: got %v,%v want %v,%v", tc.name, got, ok, tc.want, tc.ok)
		}
	}
}
