// Package feed runs the public market-data collectors. Each collector keeps
// one depth socket alive per venue, parses top-N depth frames, maps venue
// keys back to canonical symbols and hands validated snapshots downstream.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/spotarb/internal/domain"
	"github.com/alanyoungcy/spotarb/internal/platform/binance"
	"github.com/alanyoungcy/spotarb/internal/platform/wsconn"
)

// Default public endpoints.
const (
	BinanceStreamURL = "wss://stream.binance.com:9443"
	BitgetPublicURL  = "wss://ws.bitget.com/v2/ws/public"
	GatePublicURL    = "wss://api.gateio.ws/ws/v4/"
)

const bitgetChunk = 20

// Resolver maps a venue market-data key to its canonical symbol.
// rules.Index satisfies it.
type Resolver interface {
	CanonFromMDKey(venue, key string) (string, bool)
}

// Options configures a Collector.
type Options struct {
	Venue    string
	URL      string
	Keys     []string
	Levels   int
	UpdateMs int

	Resolver  Resolver
	Out       chan<- domain.BookSnapshot
	Recorder  wsconn.StateRecorder
	Reconnect wsconn.Options

	HeartbeatInterval time.Duration
	StaleAfter        time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Collector is one venue's depth feed.
type Collector struct {
	opts      Options
	parse     ParseFunc
	subscribe func(now time.Time) [][]byte
	mgr       *wsconn.Manager
	heartbeat *Heartbeat
	logger    *slog.Logger

	dropped  atomic.Int64
	unknown  atomic.Int64
	parseErr atomic.Int64
}

// NewCollector builds an idle collector for binance, bitget or gate.
func NewCollector(opts Options) (*Collector, error) {
	if opts.Resolver == nil || opts.Out == nil {
		return nil, fmt.Errorf("feed: new collector %s: resolver and output channel are required", opts.Venue)
	}
	if len(opts.Keys) == 0 {
		return nil, fmt.Errorf("feed: new collector %s: no symbols to subscribe", opts.Venue)
	}
	if opts.Levels <= 0 {
		opts.Levels = 10
	}
	if opts.UpdateMs <= 0 {
		opts.UpdateMs = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		opts:      opts,
		heartbeat: NewHeartbeat(opts.StaleAfter, opts.Now),
		logger:    logger.With(slog.String("component", "collector"), slog.String("venue", opts.Venue)),
	}

	mo := opts.Reconnect
	mo.Name = opts.Venue + "-depth"
	mo.Logger = logger
	if mo.Now == nil {
		mo.Now = opts.Now
	}

	switch opts.Venue {
	case "binance":
		base := opts.URL
		if base == "" {
			base = BinanceStreamURL
		}
		mo.URL = strings.TrimRight(base, "/") + "/stream?streams=" + strings.Join(opts.Keys, "/")
		mo.DelayOverride = binance.DelayOverride
		c.parse = ParseBinance
	case "bitget":
		mo.URL = orDefault(opts.URL, BitgetPublicURL)
		if mo.HeartbeatInterval <= 0 {
			mo.HeartbeatInterval = 20 * time.Second
		}
		mo.IsHeartbeat = wsconn.IsPong
		c.parse = ParseBitget
		c.subscribe = c.bitgetSubscriptions
	case "gate":
		mo.URL = orDefault(opts.URL, GatePublicURL)
		c.parse = ParseGate
		c.subscribe = c.gateSubscriptions
	default:
		return nil, fmt.Errorf("feed: new collector: unsupported venue %q", opts.Venue)
	}

	mo.OnOpen = c.onOpen
	mo.OnMessage = c.onMessage
	wsconn.Instrument(&mo, opts.Recorder, opts.Venue)
	c.mgr = wsconn.New(mo)
	return c, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Run keeps the socket and the heartbeat log alive until ctx is done.
func (c *Collector) Run(ctx context.Context) error {
	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeat.Run(hbCtx, c.opts.HeartbeatInterval, c.logger)

	c.logger.Info("collector starting",
		slog.Int("symbols", len(c.opts.Keys)),
		slog.Int("levels", c.opts.Levels),
		slog.Int("update_ms", c.opts.UpdateMs),
	)
	defer c.logger.Info("collector stopped",
		slog.Int64("dropped", c.dropped.Load()),
		slog.Int64("unknown", c.unknown.Load()),
		slog.Int64("parse_errors", c.parseErr.Load()),
	)
	return c.mgr.Run(ctx)
}

// Stop closes the socket and suppresses reconnects.
func (c *Collector) Stop() { c.mgr.Stop() }

// Heartbeat exposes the per-symbol counters.
func (c *Collector) Heartbeat() *Heartbeat { return c.heartbeat }

// Dropped is the number of snapshots discarded because the output channel was full.
func (c *Collector) Dropped() int64 { return c.dropped.Load() }

// Venue returns the venue this collector subscribes to.
func (c *Collector) Venue() string { return c.opts.Venue }

func (c *Collector) onOpen(_ context.Context, m *wsconn.Manager) error {
	if c.subscribe == nil {
		return nil
	}
	for _, frame := range c.subscribe(c.opts.Now()) {
		if err := m.Send(frame); err != nil {
			return fmt.Errorf("feed: %s subscribe: %w", c.opts.Venue, err)
		}
	}
	return nil
}

func (c *Collector) onMessage(msg []byte) {
	now := c.opts.Now()
	d, ok, err := c.parse(msg, now)
	if err != nil {
		c.parseErr.Add(1)
		c.logger.Debug("depth frame parse failed", slog.String("error", err.Error()), slog.Int("len", len(msg)))
		return
	}
	if !ok {
		return
	}
	c.Handle(d)
}

// Handle resolves and forwards one parsed depth message. Unknown keys and
// invalid books are dropped; a full output channel drops the snapshot
// rather than stalling the socket reader.
func (c *Collector) Handle(d Depth) bool {
	canon, ok := c.opts.Resolver.CanonFromMDKey(c.opts.Venue, d.Key)
	if !ok {
		c.unknown.Add(1)
		c.logger.Debug("depth for unknown key", slog.String("key", d.Key))
		return false
	}
	snap, err := domain.NewBookSnapshot(c.opts.Venue, canon, d.Timestamp, d.Bids, d.Asks)
	if err != nil {
		c.logger.Debug("invalid depth snapshot", slog.String("symbol", canon), slog.String("error", err.Error()))
		return false
	}
	c.heartbeat.Observe(canon, d.Timestamp)

	select {
	case c.opts.Out <- snap:
		return true
	default:
		if n := c.dropped.Add(1); n%1000 == 1 {
			c.logger.Warn("snapshot channel full, dropping", slog.Int64("dropped", n))
		}
		return false
	}
}

type bitgetArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
}

// BitgetChannel picks the depth channel for the configured level count.
func BitgetChannel(levels int) string {
	switch {
	case levels >= 15:
		return "books15"
	case levels >= 5:
		return "books5"
	default:
		return "books1"
	}
}

func (c *Collector) bitgetSubscriptions(time.Time) [][]byte {
	channel := BitgetChannel(c.opts.Levels)
	var frames [][]byte
	for i := 0; i < len(c.opts.Keys); i += bitgetChunk {
		end := min(i+bitgetChunk, len(c.opts.Keys))
		args := make([]bitgetArg, 0, end-i)
		for _, k := range c.opts.Keys[i:end] {
			args = append(args, bitgetArg{InstType: "SPOT", Channel: channel, InstID: k})
		}
		b, _ := json.Marshal(map[string]any{"op": "subscribe", "args": args})
		frames = append(frames, b)
	}
	return frames
}

func (c *Collector) gateSubscriptions(now time.Time) [][]byte {
	levels := fmt.Sprint(c.opts.Levels)
	interval := fmt.Sprintf("%dms", c.opts.UpdateMs)
	frames := make([][]byte, 0, len(c.opts.Keys))
	for _, k := range c.opts.Keys {
		b, _ := json.Marshal(map[string]any{
			"time":    now.Unix(),
			"channel": "spot.order_book",
			"event":   "subscribe",
			"payload": []string{k, levels, interval},
		})
		frames = append(frames, b)
	}
	return frames
}
