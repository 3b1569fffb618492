package domain

import (
	"encoding/json"
	"time"
)

// OutcomeKind classifies the two-leg result matrix.
type OutcomeKind string

const (
	OutcomeBothFilled OutcomeKind = "both_filled"
	OutcomeBuyOnly    OutcomeKind = "buy_only"
	OutcomeSellOnly   OutcomeKind = "sell_only"
	OutcomeBothFailed OutcomeKind = "both_failed"
)

// LegReport is what is known about one leg after submission.
type LegReport struct {
	Venue   string
	Side    OrderSide
	Qty     string
	OrderID string
	Status  OrderStatus
	Error   string
	Raw     json.RawMessage
}

// Recovery records the corrective steps taken after a one-sided fill.
type Recovery struct {
	Attempted       bool
	CancelOK        bool
	UnwindAttempted bool
	UnwindVenue     string
	UnwindOrderID   string
	UnwindOK        bool
	Error           string
}

// OrderOutcome is emitted once per executed intent.
type OrderOutcome struct {
	IntentID  string
	Timestamp time.Time
	Symbol    string
	Kind      OutcomeKind
	BuyLeg    LegReport
	SellLeg   LegReport
	Recovery  *Recovery
}
