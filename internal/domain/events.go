package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bus channels.
const (
	ChannelIntents  = "spotarb:intents"
	ChannelOutcomes = "spotarb:outcomes"
	ChannelControl  = "spotarb:control"
	ChannelQuality  = "spotarb:quality"

	StreamOutcomes = "spotarb:stream:outcomes"
)

// EventType tags an Event payload.
type EventType string

const (
	EventIntent  EventType = "trade_intent"
	EventOutcome EventType = "order_outcome"
	EventControl EventType = "trading_state"
	EventQuality EventType = "venue_status"
)

// Event is the envelope published on the bus and the live websocket.
type Event struct {
	Type EventType       `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// NewEvent builds an envelope, rejecting payloads that do not match the tag.
func NewEvent(t EventType, at time.Time, payload any) (Event, error) {
	switch t {
	case EventIntent:
		if _, ok := payload.(TradeIntent); !ok {
			return Event{}, fmt.Errorf("domain: event %s: unexpected payload %T", t, payload)
		}
	case EventOutcome:
		if _, ok := payload.(OrderOutcome); !ok {
			return Event{}, fmt.Errorf("domain: event %s: unexpected payload %T", t, payload)
		}
	case EventControl:
		if _, ok := payload.(TradingState); !ok {
			return Event{}, fmt.Errorf("domain: event %s: unexpected payload %T", t, payload)
		}
	case EventQuality:
		if _, ok := payload.([]VenueStatus); !ok {
			return Event{}, fmt.Errorf("domain: event %s: unexpected payload %T", t, payload)
		}
	default:
		return Event{}, fmt.Errorf("domain: unknown event type %q", t)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("domain: marshal %s: %w", t, err)
	}
	return Event{Type: t, At: at, Data: data}, nil
}

// Encode marshals the envelope.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}
