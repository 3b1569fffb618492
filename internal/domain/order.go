package domain

import "encoding/json"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType is the execution style. Only market orders are sent by the engine.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus tracks the order lifecycle as reported by a venue.
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "NEW"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusPartial   OrderStatus = "PARTIALLY_FILLED"
	OrderStatusCancelled OrderStatus = "CANCELED"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusFailed    OrderStatus = "FAILED"
)

// OrderRequest is one leg as sent to a venue adapter.
type OrderRequest struct {
	Venue         string
	Symbol        string // venue order key, e.g. AXSUSDC
	Side          OrderSide
	Type          OrderType
	Quantity      string // already rounded to the venue step
	Price         string
	ClientOrderID string
}

// CancelRequest identifies an order to cancel by venue id or client id.
type CancelRequest struct {
	Venue         string
	Symbol        string
	OrderID       string
	ClientOrderID string
}

// OrderResult is the common subset of venue order responses.
type OrderResult struct {
	Venue         string
	Symbol        string
	OrderID       string
	ClientOrderID string
	Status        OrderStatus
	ExecutedQty   float64
	QuoteQty      float64
	Raw           json.RawMessage
}

// Filled reports whether the venue confirmed execution.
func (r OrderResult) Filled() bool {
	return r.Status == OrderStatusFilled || r.Status == OrderStatusPartial
}
