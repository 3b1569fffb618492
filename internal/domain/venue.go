package domain

import "time"

// SocketState is the lifecycle state of a venue connection.
type SocketState string

const (
	SocketUnknown    SocketState = "UNKNOWN"
	SocketConnecting SocketState = "CONNECTING"
	SocketOpen       SocketState = "OPEN"
	SocketClosed     SocketState = "CLOSED"
	SocketError      SocketState = "ERROR"
)

// Quality is the tri-level trading eligibility verdict of a venue feed.
type Quality string

const (
	QualityHealthy  Quality = "OK"
	QualityDegraded Quality = "WARN"
	QualityBlocked  Quality = "STOP"
)

// VenueStatus is a read-only view of one venue's state for operators.
type VenueStatus struct {
	Venue        string
	Enabled      bool
	Socket       SocketState
	Quality      Quality
	Reason       string
	LastMsgAt    time.Time
	MsgAge       time.Duration
	Messages     int64
	Reconnects   int64
	Errors       int64
	LastErrorAt  time.Time
	LastReconnAt time.Time
}

// TradingState is the kill switch snapshot.
type TradingState struct {
	Enabled        bool
	DisabledAt     time.Time
	DisabledBy     string
	DisabledReason string
}
