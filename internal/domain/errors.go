package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidOrder    = errors.New("invalid order parameters")
	ErrSigningFailed   = errors.New("signing failed")
	ErrWSDisconnect    = errors.New("websocket disconnected")
	ErrVenueNotOpen    = errors.New("venue channel not open")
	ErrRequestTimeout  = errors.New("request timed out")
	ErrAdapterMissing  = errors.New("no execution adapter for venue")
	ErrTradingDisabled = errors.New("trading disabled")
	ErrLockHeld        = errors.New("lock already held")
	ErrInvalidBook     = errors.New("invalid order book snapshot")
)
