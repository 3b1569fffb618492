package feed

import (
	"strconv"
	"strings"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"github.com/alanyoungcy/spotarb/internal/domain"
)

// Depth is one parsed top-N depth message, keyed by the venue's
// market-data key.
type Depth struct {
	Key       string
	Timestamp time.Time
	Bids      []domain.PriceLevel
	Asks      []domain.PriceLevel
}

// ParseFunc parses a raw frame. ok is false for frames that carry no depth
// (acks, pongs, other channels, empty sides).
type ParseFunc func(msg []byte, recvAt time.Time) (d Depth, ok bool, err error)

type binanceFrame struct {
	Stream string `json:"stream"`
	Data   *struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	} `json:"data"`
}

// ParseBinance handles combined-stream partial depth frames:
// {"stream":"axsusdc@depth10@100ms","data":{"bids":[...],"asks":[...]}}.
// The payload has no event time, so the receive time is used.
func ParseBinance(msg []byte, recvAt time.Time) (Depth, bool, error) {
	if !isObject(msg) {
		return Depth{}, false, nil
	}
	var f binanceFrame
	if err := sonnet.Unmarshal(msg, &f); err != nil {
		return Depth{}, false, err
	}
	if f.Stream == "" || f.Data == nil {
		return Depth{}, false, nil
	}
	return build(f.Stream, recvAt, f.Data.Bids, f.Data.Asks)
}

type bitgetFrame struct {
	Event  string `json:"event"`
	Action string `json:"action"`
	Arg    struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data []struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
		Ts   string     `json:"ts"`
	} `json:"data"`
}

// ParseBitget handles books, books5 and books15 snapshot/update frames.
func ParseBitget(msg []byte, recvAt time.Time) (Depth, bool, error) {
	if !isObject(msg) {
		return Depth{}, false, nil
	}
	var f bitgetFrame
	if err := sonnet.Unmarshal(msg, &f); err != nil {
		return Depth{}, false, err
	}
	if f.Event != "" || !strings.HasPrefix(f.Arg.Channel, "books") {
		return Depth{}, false, nil
	}
	if f.Action != "snapshot" && f.Action != "update" {
		return Depth{}, false, nil
	}
	if f.Arg.InstID == "" || len(f.Data) == 0 {
		return Depth{}, false, nil
	}
	d := f.Data[0]
	ts := recvAt
	if ms, err := strconv.ParseInt(d.Ts, 10, 64); err == nil && ms > 0 {
		ts = time.UnixMilli(ms)
	}
	return build(f.Arg.InstID, ts, d.Bids, d.Asks)
}

type gateFrame struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Result  *struct {
		S    string     `json:"s"`
		T    float64    `json:"t"`
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	} `json:"result"`
}

// ParseGate handles spot.order_book update frames. result.t is in seconds;
// values that already look like milliseconds are taken as is.
func ParseGate(msg []byte, recvAt time.Time) (Depth, bool, error) {
	if !isObject(msg) {
		return Depth{}, false, nil
	}
	var f gateFrame
	if err := sonnet.Unmarshal(msg, &f); err != nil {
		return Depth{}, false, err
	}
	if f.Channel != "spot.order_book" || f.Event != "update" || f.Result == nil || f.Result.S == "" {
		return Depth{}, false, nil
	}
	ts := recvAt
	switch t := f.Result.T; {
	case t > 1e12:
		ts = time.UnixMilli(int64(t))
	case t > 0:
		ts = time.UnixMilli(int64(t * 1000))
	}
	return build(f.Result.S, ts, f.Result.Bids, f.Result.Asks)
}

func build(key string, ts time.Time, bids, asks [][]string) (Depth, bool, error) {
	d := Depth{Key: key, Timestamp: ts, Bids: levels(bids), Asks: levels(asks)}
	if len(d.Bids) == 0 || len(d.Asks) == 0 {
		return Depth{}, false, nil
	}
	return d, true, nil
}

// levels converts [["price","qty"],...] and skips malformed entries.
func levels(raw [][]string) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(raw))
	for _, l := range raw {
		if len(l) < 2 {
			continue
		}
		p, err := strconv.ParseFloat(l[0], 64)
		if err != nil || p <= 0 {
			continue
		}
		q, err := strconv.ParseFloat(l[1], 64)
		if err != nil || q < 0 {
			continue
		}
		out = append(out, domain.PriceLevel{Price: p, Qty: q})
	}
	return out
}

func isObject(msg []byte) bool {
	for _, b := range msg {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}
