package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sugawarayuuta/sonnet"

	"github.com/alanyoungcy/spotarb/internal/crypto"
	"github.com/alanyoungcy/spotarb/internal/domain"
	"github.com/alanyoungcy/spotarb/internal/platform/wsconn"
)

const (
	// DefaultWSAPIURL is the production spot WebSocket API endpoint.
	DefaultWSAPIURL = "wss://ws-api.binance.com:443/ws-api/v3"

	venue                 = "binance"
	recvWindow            = 15000
	defaultRequestTimeout = 10 * time.Second
)

// Options configures the adapter. Reconnect carries only backoff tuning;
// the adapter owns the callbacks.
type Options struct {
	URL            string
	Credentials    *crypto.Credentials
	TestOrders     bool
	RequestTimeout time.Duration
	Reconnect      wsconn.Options
	Recorder       wsconn.StateRecorder
	RecorderKey    string
	Logger         *slog.Logger
	Now            func() time.Time
}

type request struct {
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type response struct {
	ID     string          `json:"id"`
	Status int             `json:"status"`
	Result json.RawMessage `json:"result"`
	Error  *apiError       `json:"error"`
}

type reply struct {
	result json.RawMessage
	err    error
}

// Adapter is the binance execution channel. Requests are correlated with
// responses by id over one persistent socket.
type Adapter struct {
	opts   Options
	mgr    *wsconn.Manager
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan reply

	readyOnce sync.Once
	ready     chan struct{}
}

// New builds an idle adapter. Call Run to connect.
func New(opts Options) *Adapter {
	if opts.URL == "" {
		opts.URL = DefaultWSAPIURL
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.RecorderKey == "" {
		opts.RecorderKey = venue + "/exec"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		opts:    opts,
		logger:  logger.With(slog.String("component", "binance_ws_api"), slog.String("venue", venue)),
		pending: make(map[string]chan reply),
		ready:   make(chan struct{}),
	}

	mo := opts.Reconnect
	mo.Name = "binance-ws-api"
	mo.URL = opts.URL
	mo.StaleTimeout = 0
	mo.DelayOverride = DelayOverride
	mo.Logger = logger
	mo.OnOpen = func(context.Context, *wsconn.Manager) error {
		a.logger.Info("ws-api connected", slog.String("url", opts.URL))
		a.readyOnce.Do(func() { close(a.ready) })
		return nil
	}
	mo.OnMessage = a.onMessage
	mo.OnClose = func(info wsconn.CloseInfo) {
		a.rejectAll(fmt.Errorf("binance: ws closed code=%d reason=%s: %w", info.Code, info.Reason, domain.ErrWSDisconnect))
	}
	wsconn.Instrument(&mo, opts.Recorder, opts.RecorderKey)
	a.mgr = wsconn.New(mo)
	return a
}

// Venue returns "binance".
func (a *Adapter) Venue() string { return venue }

// Run keeps the socket alive until ctx is done.
func (a *Adapter) Run(ctx context.Context) error { return a.mgr.Run(ctx) }

// Stop closes the socket and suppresses reconnects.
func (a *Adapter) Stop() { a.mgr.Stop() }

// WaitOpen blocks until the first successful connect or ctx is done.
func (a *Adapter) WaitOpen(ctx context.Context) error {
	select {
	case <-a.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("binance: wait open: %w", ctx.Err())
	}
}

// StartupBalances runs account.status and returns free amounts for the
// requested assets; assets missing from the account report zero. An empty
// asset list returns every non-zero balance.
func (a *Adapter) StartupBalances(ctx context.Context, assets []string) (map[string]float64, error) {
	if err := a.WaitOpen(ctx); err != nil {
		return nil, err
	}
	raw, err := a.call(ctx, "account.status", a.signed(map[string]any{"omitZeroBalances": true}))
	if err != nil {
		return nil, fmt.Errorf("binance: account status: %w", err)
	}

	var acct struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := sonnet.Unmarshal(raw, &acct); err != nil {
		return nil, fmt.Errorf("binance: decode account status: %w", err)
	}

	all := make(map[string]float64, len(acct.Balances))
	for _, b := range acct.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		all[b.Asset] = free
	}
	if len(assets) == 0 {
		return all, nil
	}
	out := make(map[string]float64, len(assets))
	for _, asset := range assets {
		out[asset] = all[asset]
	}
	a.logger.Debug("startup balances", slog.Any("balances", out))
	return out, nil
}

type orderResult struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	OrigClientOrderID   string `json:"origClientOrderId"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
}

func (r orderResult) toDomain(raw json.RawMessage) domain.OrderResult {
	exec, _ := strconv.ParseFloat(r.ExecutedQty, 64)
	quote, _ := strconv.ParseFloat(r.CummulativeQuoteQty, 64)
	id := ""
	if r.OrderID != 0 {
		id = strconv.FormatInt(r.OrderID, 10)
	}
	cid := r.ClientOrderID
	if r.OrigClientOrderID != "" {
		cid = r.OrigClientOrderID
	}
	return domain.OrderResult{
		Venue:         venue,
		Symbol:        r.Symbol,
		OrderID:       id,
		ClientOrderID: cid,
		Status:        domain.OrderStatus(r.Status),
		ExecutedQty:   exec,
		QuoteQty:      quote,
		Raw:           raw,
	}
}

// PlaceOrder sends order.place, or order.test when test orders are enabled.
// A test order reports FILLED at the requested quantity.
func (a *Adapter) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	params := map[string]any{
		"symbol":           req.Symbol,
		"side":             string(req.Side),
		"type":             string(req.Type),
		"quantity":         req.Quantity,
		"newClientOrderId": req.ClientOrderID,
		"newOrderRespType": "RESULT",
	}
	if req.Type == domain.OrderTypeLimit {
		params["price"] = req.Price
		params["timeInForce"] = "GTC"
	}

	method := "order.place"
	if a.opts.TestOrders {
		method = "order.test"
		delete(params, "newOrderRespType")
	}

	raw, err := a.call(ctx, method, a.signed(params))
	if err != nil {
		return domain.OrderResult{Venue: venue, Symbol: req.Symbol, ClientOrderID: req.ClientOrderID}, fmt.Errorf("binance: %s: %w", method, err)
	}

	if a.opts.TestOrders {
		qty, _ := strconv.ParseFloat(req.Quantity, 64)
		return domain.OrderResult{
			Venue:         venue,
			Symbol:        req.Symbol,
			OrderID:       "test-" + req.ClientOrderID,
			ClientOrderID: req.ClientOrderID,
			Status:        domain.OrderStatusFilled,
			ExecutedQty:   qty,
			Raw:           raw,
		}, nil
	}

	var r orderResult
	if err := sonnet.Unmarshal(raw, &r); err != nil {
		return domain.OrderResult{}, fmt.Errorf("binance: decode order result: %w", err)
	}
	res := r.toDomain(raw)
	a.logger.Info("order placed",
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.String("qty", req.Quantity),
		slog.String("order_id", res.OrderID),
		slog.String("status", string(res.Status)),
	)
	return res, nil
}

// CancelOrder sends order.cancel by order id, or by client order id when
// the venue id is unknown.
func (a *Adapter) CancelOrder(ctx context.Context, req domain.CancelRequest) (domain.OrderResult, error) {
	params := map[string]any{"symbol": req.Symbol}
	switch {
	case req.OrderID != "":
		id, err := strconv.ParseInt(req.OrderID, 10, 64)
		if err != nil {
			return domain.OrderResult{}, fmt.Errorf("binance: cancel: bad order id %q: %w", req.OrderID, domain.ErrInvalidOrder)
		}
		params["orderId"] = id
	case req.ClientOrderID != "":
		params["origClientOrderId"] = req.ClientOrderID
	default:
		return domain.OrderResult{}, fmt.Errorf("binance: cancel: no order id: %w", domain.ErrInvalidOrder)
	}

	raw, err := a.call(ctx, "order.cancel", a.signed(params))
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("binance: order.cancel: %w", err)
	}
	var r orderResult
	if err := sonnet.Unmarshal(raw, &r); err != nil {
		return domain.OrderResult{}, fmt.Errorf("binance: decode cancel result: %w", err)
	}
	return r.toDomain(raw), nil
}

// signed adds apiKey, timestamp, recvWindow and the HMAC signature.
func (a *Adapter) signed(extra map[string]any) map[string]any {
	params := make(map[string]any, len(extra)+4)
	for k, v := range extra {
		params[k] = v
	}
	creds := a.opts.Credentials
	if creds == nil {
		creds = &crypto.Credentials{}
	}
	params["apiKey"] = creds.Key
	params["timestamp"] = a.opts.Now().UnixMilli()
	params["recvWindow"] = recvWindow

	text := make(map[string]string, len(params))
	for k, v := range params {
		text[k] = fmt.Sprint(v)
	}
	_, sig := creds.SignQuery(text)
	params["signature"] = sig
	return params
}

// call sends one request and waits for its response, the timeout, or ctx.
// On timeout or ctx the pending entry is removed so a late response is
// ignored.
func (a *Adapter) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan reply, 1)

	a.mu.Lock()
	a.pending[id] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
	}()

	payload, err := sonnet.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if err := a.mgr.Send(payload); err != nil {
		return nil, err
	}

	timer := time.NewTimer(a.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.result, r.err
	case <-timer.C:
		return nil, fmt.Errorf("%s id=%s: %w", method, id, domain.ErrRequestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Adapter) onMessage(msg []byte) {
	var resp response
	if err := sonnet.Unmarshal(msg, &resp); err != nil {
		a.logger.Error("ws-api message parse error", slog.String("error", err.Error()))
		return
	}
	if resp.ID == "" {
		return
	}

	a.mu.Lock()
	ch, ok := a.pending[resp.ID]
	delete(a.pending, resp.ID)
	a.mu.Unlock()
	if !ok {
		return
	}

	if resp.Status != 200 {
		ch <- reply{err: statusError(resp)}
		return
	}
	ch <- reply{result: resp.Result}
}

func statusError(resp response) error {
	base := domain.ErrInvalidOrder
	switch resp.Status {
	case 401, 403:
		base = domain.ErrUnauthorized
	case 418, 429:
		base = domain.ErrRateLimited
	}
	if resp.Error != nil {
		return fmt.Errorf("status %d code %d %s: %w", resp.Status, resp.Error.Code, resp.Error.Msg, base)
	}
	return fmt.Errorf("status %d: %w", resp.Status, base)
}

func (a *Adapter) rejectAll(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, ch := range a.pending {
		ch <- reply{err: err}
		delete(a.pending, id)
	}
}

// Pending returns the number of requests awaiting a response.
func (a *Adapter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
