package wsconn

import (
	"context"
	"errors"

	"github.com/alanyoungcy/spotarb/internal/domain"
)

// StateRecorder receives connection lifecycle events. quality.Registry
// satisfies it.
type StateRecorder interface {
	RecordSocketState(venue string, st domain.SocketState)
	RecordMessage(venue string)
	RecordReconnect(venue string)
	RecordError(venue string, err error)
}

// Instrument chains rec into the lifecycle callbacks of opts under the
// given key, keeping any callbacks already set. A failed dial leaves the
// state at ERROR and a dropped socket at CLOSED until the next open.
func Instrument(opts *Options, rec StateRecorder, key string) {
	if rec == nil {
		return
	}
	rec.RecordSocketState(key, domain.SocketConnecting)

	onOpen := opts.OnOpen
	opts.OnOpen = func(ctx context.Context, m *Manager) error {
		rec.RecordSocketState(key, domain.SocketOpen)
		if onOpen != nil {
			return onOpen(ctx, m)
		}
		return nil
	}

	onMessage := opts.OnMessage
	opts.OnMessage = func(msg []byte) {
		rec.RecordMessage(key)
		if onMessage != nil {
			onMessage(msg)
		}
	}

	onClose := opts.OnClose
	opts.OnClose = func(info CloseInfo) {
		rec.RecordSocketState(key, domain.SocketClosed)
		if onClose != nil {
			onClose(info)
		}
	}

	onError := opts.OnError
	opts.OnError = func(err error) {
		rec.RecordError(key, err)
		if errors.Is(err, ErrDial) {
			rec.RecordSocketState(key, domain.SocketError)
		}
		if onError != nil {
			onError(err)
		}
	}

	onReconnect := opts.OnReconnect
	opts.OnReconnect = func(attempt int) {
		rec.RecordReconnect(key)
		if onReconnect != nil {
			onReconnect(attempt)
		}
	}
}
