// Package bitget implements the bitget spot private execution channel over
// the signed REST API.
package bitget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"github.com/alanyoungcy/spotarb/internal/crypto"
	"github.com/alanyoungcy/spotarb/internal/domain"
)

const (
	// DefaultBaseURL is the production REST root.
	DefaultBaseURL = "https://api.bitget.com"

	venue      = "bitget"
	successRet = "00000"
)

// Options configures the client.
type Options struct {
	BaseURL     string
	Credentials *crypto.Credentials
	HTTPClient  *http.Client
	// FillPolls bounds how often a placed order's state is queried before
	// the last seen state is reported.
	FillPolls    int
	FillInterval time.Duration
	Recorder     Recorder
	RecorderKey  string
	Logger       *slog.Logger
	Now          func() time.Time
}

// Recorder receives request outcomes for the quality registry.
type Recorder interface {
	RecordMessage(venue string)
	RecordError(venue string, err error)
}

// Client is the bitget execution adapter.
type Client struct {
	opts       Options
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a client.
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.FillPolls <= 0 {
		opts.FillPolls = 5
	}
	if opts.FillInterval <= 0 {
		opts.FillInterval = 100 * time.Millisecond
	}
	if opts.RecorderKey == "" {
		opts.RecorderKey = venue + "/exec"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Credentials == nil {
		opts.Credentials = &crypto.Credentials{}
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:       opts,
		httpClient: hc,
		logger:     logger.With(slog.String("component", "bitget_rest"), slog.String("venue", venue)),
	}
}

// Venue returns "bitget".
func (c *Client) Venue() string { return venue }

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// StartupBalances returns the available amount per requested asset.
func (c *Client) StartupBalances(ctx context.Context, assets []string) (map[string]float64, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/v2/spot/account/assets", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("bitget: account assets: %w", err)
	}
	var rows []struct {
		Coin      string `json:"coin"`
		Available string `json:"available"`
	}
	if err := sonnet.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("bitget: decode assets: %w", err)
	}
	all := make(map[string]float64, len(rows))
	for _, r := range rows {
		v, _ := strconv.ParseFloat(r.Available, 64)
		all[strings.ToUpper(r.Coin)] = v
	}
	if len(assets) == 0 {
		return all, nil
	}
	out := make(map[string]float64, len(assets))
	for _, a := range assets {
		out[a] = all[a]
	}
	return out, nil
}

// PlaceOrder submits the order, then polls its state until it is terminal
// or the poll budget is spent. Market buys are sized in quote on bitget, so
// the request's reference price converts the base quantity.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	size := req.Quantity
	if req.Type == domain.OrderTypeMarket && req.Side == domain.OrderSideBuy {
		qty, _ := strconv.ParseFloat(req.Quantity, 64)
		px, _ := strconv.ParseFloat(req.Price, 64)
		if qty <= 0 || px <= 0 {
			return domain.OrderResult{}, fmt.Errorf("bitget: market buy needs quantity and reference price: %w", domain.ErrInvalidOrder)
		}
		size = strconv.FormatFloat(qty*px, 'f', 8, 64)
	}
	body := map[string]string{
		"symbol":    req.Symbol,
		"side":      strings.ToLower(string(req.Side)),
		"orderType": strings.ToLower(string(req.Type)),
		"force":     "gtc",
		"size":      size,
		"clientOid": req.ClientOrderID,
	}
	if req.Type == domain.OrderTypeLimit {
		body["price"] = req.Price
	}

	data, err := c.do(ctx, http.MethodPost, "/api/v2/spot/trade/place-order", nil, body)
	if err != nil {
		return domain.OrderResult{Venue: venue, Symbol: req.Symbol, ClientOrderID: req.ClientOrderID}, fmt.Errorf("bitget: place order: %w", err)
	}
	var placed struct {
		OrderID   string `json:"orderId"`
		ClientOid string `json:"clientOid"`
	}
	if err := sonnet.Unmarshal(data, &placed); err != nil {
		return domain.OrderResult{}, fmt.Errorf("bitget: decode place order: %w", err)
	}

	res := domain.OrderResult{
		Venue:         venue,
		Symbol:        req.Symbol,
		OrderID:       placed.OrderID,
		ClientOrderID: req.ClientOrderID,
		Status:        domain.OrderStatusNew,
		Raw:           data,
	}
	for i := 0; i < c.opts.FillPolls; i++ {
		info, err := c.orderInfo(ctx, placed.OrderID)
		if err != nil {
			c.logger.Warn("order state query failed",
				slog.String("order_id", placed.OrderID),
				slog.String("error", err.Error()),
			)
		} else {
			res = info
			if terminal(res.Status) {
				break
			}
		}
		select {
		case <-ctx.Done():
			return res, nil
		case <-time.After(c.opts.FillInterval):
		}
	}
	c.logger.Info("order placed",
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.String("size", size),
		slog.String("order_id", res.OrderID),
		slog.String("status", string(res.Status)),
	)
	return res, nil
}

// CancelOrder cancels by order id or client order id.
func (c *Client) CancelOrder(ctx context.Context, req domain.CancelRequest) (domain.OrderResult, error) {
	body := map[string]string{"symbol": req.Symbol}
	switch {
	case req.OrderID != "":
		body["orderId"] = req.OrderID
	case req.ClientOrderID != "":
		body["clientOid"] = req.ClientOrderID
	default:
		return domain.OrderResult{}, fmt.Errorf("bitget: cancel: no order id: %w", domain.ErrInvalidOrder)
	}
	data, err := c.do(ctx, http.MethodPost, "/api/v2/spot/trade/cancel-order", nil, body)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("bitget: cancel order: %w", err)
	}
	return domain.OrderResult{
		Venue:         venue,
		Symbol:        req.Symbol,
		OrderID:       req.OrderID,
		ClientOrderID: req.ClientOrderID,
		Status:        domain.OrderStatusCancelled,
		Raw:           data,
	}, nil
}

func (c *Client) orderInfo(ctx context.Context, orderID string) (domain.OrderResult, error) {
	q := url.Values{"orderId": {orderID}}
	data, err := c.do(ctx, http.MethodGet, "/api/v2/spot/trade/orderInfo", q, nil)
	if err != nil {
		return domain.OrderResult{}, err
	}
	var rows []struct {
		Symbol      string `json:"symbol"`
		OrderID     string `json:"orderId"`
		ClientOid   string `json:"clientOid"`
		Status      string `json:"status"`
		BaseVolume  string `json:"baseVolume"`
		QuoteVolume string `json:"quoteVolume"`
	}
	if err := sonnet.Unmarshal(data, &rows); err != nil {
		return domain.OrderResult{}, fmt.Errorf("decode order info: %w", err)
	}
	if len(rows) == 0 {
		return domain.OrderResult{}, fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	r := rows[0]
	base, _ := strconv.ParseFloat(r.BaseVolume, 64)
	quote, _ := strconv.ParseFloat(r.QuoteVolume, 64)
	return domain.OrderResult{
		Venue:         venue,
		Symbol:        r.Symbol,
		OrderID:       r.OrderID,
		ClientOrderID: r.ClientOid,
		Status:        mapStatus(r.Status),
		ExecutedQty:   base,
		QuoteQty:      quote,
		Raw:           data,
	}, nil
}

func mapStatus(s string) domain.OrderStatus {
	switch strings.ToLower(s) {
	case "filled", "full_fill":
		return domain.OrderStatusFilled
	case "partially_filled", "partial_fill":
		return domain.OrderStatusPartial
	case "cancelled", "canceled":
		return domain.OrderStatusCancelled
	default:
		return domain.OrderStatusNew
	}
}

func terminal(s domain.OrderStatus) bool {
	return s == domain.OrderStatusFilled || s == domain.OrderStatusCancelled || s == domain.OrderStatusRejected
}

// do sends a signed request and returns the envelope's data.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	var bodyReader io.Reader
	var bodyStr string
	if body != nil {
		b, err := sonnet.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(b)
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+requestPath, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("locale", "en-US")
	for k, v := range c.opts.Credentials.RESTHeadersAt(method, requestPath, bodyStr, c.opts.Now().UnixMilli()) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordErr(err)
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordErr(err)
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		c.recordErr(err)
		return nil, err
	}

	var env envelope
	if err := sonnet.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Code != successRet {
		return nil, fmt.Errorf("code %s %s: %w", env.Code, env.Msg, domain.ErrInvalidOrder)
	}
	if c.opts.Recorder != nil {
		c.opts.Recorder.RecordMessage(c.opts.RecorderKey)
	}
	return env.Data, nil
}

func (c *Client) recordErr(err error) {
	if c.opts.Recorder != nil {
		c.opts.Recorder.RecordError(c.opts.RecorderKey, err)
	}
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
