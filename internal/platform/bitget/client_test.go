package bitget

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/spotarb/internal/crypto"
	"github.com/alanyoungcy/spotarb/internal/domain"
)

type mockVenue struct {
	mu       sync.Mutex
	bodies   []map[string]string
	status   string
	badSigns int
}

func (m *mockVenue) signFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.badSigns
}

func (m *mockVenue) body(i int) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bodies[i]
}

func (m *mockVenue) handler() http.Handler {
	mux := http.NewServeMux()
	verify := func(r *http.Request, body []byte) {
		msg := r.Header.Get("ACCESS-TIMESTAMP") + r.Method + r.URL.RequestURI() + string(body)
		mac := hmac.New(sha256.New, []byte("secret"))
		mac.Write([]byte(msg))
		if r.Header.Get("ACCESS-SIGN") != base64.StdEncoding.EncodeToString(mac.Sum(nil)) || r.Header.Get("ACCESS-PASSPHRASE") != "pp" {
			m.mu.Lock()
			m.badSigns++
			m.mu.Unlock()
		}
	}
	reply := func(w http.ResponseWriter, data any) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": "00000", "msg": "success", "data": data})
	}

	mux.HandleFunc("GET /api/v2/spot/account/assets", func(w http.ResponseWriter, r *http.Request) {
		verify(r, nil)
		reply(w, []map[string]string{
			{"coin": "USDT", "available": "120.5", "frozen": "0"},
			{"coin": "AXS", "available": "3", "frozen": "0"},
		})
	})
	mux.HandleFunc("POST /api/v2/spot/trade/place-order", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		verify(r, body)
		var b map[string]string
		_ = json.Unmarshal(body, &b)
		m.mu.Lock()
		m.bodies = append(m.bodies, b)
		m.mu.Unlock()
		if b["size"] == "0" {
			_ = json.NewEncoder(w).Encode(map[string]any{"code": "43012", "msg": "Insufficient balance"})
			return
		}
		reply(w, map[string]string{"orderId": "777", "clientOid": b["clientOid"]})
	})
	mux.HandleFunc("GET /api/v2/spot/trade/orderInfo", func(w http.ResponseWriter, r *http.Request) {
		verify(r, nil)
		m.mu.Lock()
		status := m.status
		m.mu.Unlock()
		reply(w, []map[string]string{{
			"symbol": "AXSUSDT", "orderId": r.URL.Query().Get("orderId"), "clientOid": "c1",
			"status": status, "baseVolume": "2", "quoteVolume": "10.2",
		}})
	})
	mux.HandleFunc("POST /api/v2/spot/trade/cancel-order", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		verify(r, body)
		w.WriteHeader(http.StatusTooManyRequests)
	})
	return mux
}

func newTestClient(t *testing.T, m *mockVenue) *Client {
	t.Helper()
	srv := httptest.NewServer(m.handler())
	t.Cleanup(srv.Close)
	return New(Options{
		BaseURL:      srv.URL,
		Credentials:  &crypto.Credentials{Key: "k", Secret: "secret", Passphrase: "pp"},
		FillInterval: time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestStartupBalances(t *testing.T) {
	m := &mockVenue{}
	c := newTestClient(t, m)
	bal, err := c.StartupBalances(context.Background(), []string{"USDT", "AXS", "BTC"})
	if err != nil {
		t.Fatalf("StartupBalances: %v", err)
	}
	if bal["USDT"] != 120.5 || bal["AXS"] != 3 || bal["BTC"] != 0 {
		t.Fatalf("balances = %v", bal)
	}
	if n := m.signFailures(); n != 0 {
		t.Fatalf("%d requests with a bad signature", n)
	}
}

func TestMarketBuySizedInQuote(t *testing.T) {
	m := &mockVenue{status: "filled"}
	c := newTestClient(t, m)
	res, err := c.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol: "AXSUSDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket,
		Quantity: "2.00", Price: "5.1", ClientOrderID: "c1",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if !res.Filled() || res.OrderID != "777" || res.ExecutedQty != 2 || res.QuoteQty != 10.2 {
		t.Fatalf("result = %+v", res)
	}
	if got := m.body(0); got["size"] != "10.20000000" || got["side"] != "buy" || got["orderType"] != "market" {
		t.Fatalf("body = %v", got)
	}
	if n := m.signFailures(); n != 0 {
		t.Fatalf("%d requests with a bad signature", n)
	}
}

func TestMarketSellSizedInBase(t *testing.T) {
	m := &mockVenue{status: "live"}
	c := newTestClient(t, m)
	res, err := c.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol: "AXSUSDT", Side: domain.OrderSideSell, Type: domain.OrderTypeMarket, Quantity: "2.00", ClientOrderID: "c1",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.Filled() || res.Status != domain.OrderStatusNew {
		t.Fatalf("live order reported as %s", res.Status)
	}
	if m.body(0)["size"] != "2.00" {
		t.Fatalf("body = %v", m.body(0))
	}
}

func TestVenueErrors(t *testing.T) {
	m := &mockVenue{}
	c := newTestClient(t, m)

	_, err := c.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "AXSUSDT", Side: domain.OrderSideSell, Type: domain.OrderTypeMarket, Quantity: "0"})
	if !errors.Is(err, domain.ErrInvalidOrder) {
		t.Fatalf("place err = %v", err)
	}
	_, err = c.CancelOrder(context.Background(), domain.CancelRequest{Symbol: "AXSUSDT", OrderID: "777"})
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("cancel err = %v", err)
	}
	_, err = c.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "AXSUSDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: "1"})
	if !errors.Is(err, domain.ErrInvalidOrder) {
		t.Fatalf("market buy without price: err = %v", err)
	}
}
