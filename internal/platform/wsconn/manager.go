// Package wsconn keeps a single logical websocket connection alive: connect,
// heartbeat, stale-data detection and reconnect with jittered exponential backoff.
package wsconn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/spotarb/internal/domain"
)

const (
	writeWait = 10 * time.Second

	defaultBaseDelay = time.Second
	defaultMaxDelay  = 30 * time.Second
	defaultFactor    = 2.0
	defaultPongWait  = 60 * time.Second
)

// ErrStale is reported when no message arrived within the stale threshold.
var ErrStale = errors.New("wsconn: no data within stale threshold")

// ErrDial marks errors reported because no socket could be opened.
var ErrDial = errors.New("wsconn: dial failed")

// CloseInfo describes why a connection ended.
type CloseInfo struct {
	Code   int
	Reason string
	Err    error
}

// Options configures a Manager. Zero durations fall back to defaults; a zero
// JitterPct disables jitter.
type Options struct {
	Name   string
	URL    string
	Header http.Header

	// Dial overrides the default dialer.
	Dial func(ctx context.Context) (*websocket.Conn, error)

	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64
	JitterPct float64

	// StaleTimeout of 0 disables stale detection (private request/response channels).
	StaleTimeout time.Duration
	// HeartbeatInterval > 0 sends the text frame "ping" periodically.
	HeartbeatInterval time.Duration
	// PongWait bounds silence at the transport level; protocol pings go out at 9/10 of it.
	PongWait time.Duration
	// IsHeartbeat marks application-level heartbeat replies. They keep the
	// read deadline alive but never count as data, so OnMessage and the
	// stale timer do not see them. Defaults to IsPong when HeartbeatInterval is set.
	IsHeartbeat func(msg []byte) bool

	// DelayOverride may force a specific cooldown for a close/error context.
	DelayOverride func(CloseInfo) (time.Duration, bool)

	OnOpen      func(ctx context.Context, c *Manager) error
	OnMessage   func(msg []byte)
	OnClose     func(CloseInfo)
	OnError     func(error)
	OnReconnect func(attempt int)

	Logger *slog.Logger
	Now    func() time.Time
	Rand   func() float64
}

// Manager owns one socket's lifecycle until Stop or context cancellation.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	attempt atomic.Int64
	lastMsg atomic.Int64 // unix nanos
	stale   atomic.Bool

	stopOnce sync.Once
	stop     chan struct{}
}

// New applies defaults and returns an idle Manager. Call Run to start it.
func New(opts Options) *Manager {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.Factor <= 1 {
		opts.Factor = defaultFactor
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.IsHeartbeat == nil && opts.HeartbeatInterval > 0 {
		opts.IsHeartbeat = IsPong
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Dial == nil {
		url, header := opts.URL, opts.Header
		opts.Dial = func(ctx context.Context) (*websocket.Conn, error) {
			d := websocket.Dialer{HandshakeTimeout: 15 * time.Second, Proxy: http.ProxyFromEnvironment}
			conn, _, err := d.DialContext(ctx, url, header)
			return conn, err
		}
	}
	return &Manager{
		opts:   opts,
		logger: logger.With(slog.String("component", "wsconn"), slog.String("name", opts.Name)),
		stop:   make(chan struct{}),
	}
}

// Run connects and reconnects until ctx is done or Stop is called.
func (m *Manager) Run(ctx context.Context) error {
	for {
		if m.stopped(ctx) {
			return nil
		}

		info := m.connectAndServe(ctx)

		if m.stopped(ctx) {
			return nil
		}

		attempt := int(m.attempt.Add(1))
		if m.opts.OnReconnect != nil {
			m.opts.OnReconnect(attempt)
		}

		delay := m.nextDelay(attempt, info)
		m.logger.Warn("reconnect scheduled",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Int("code", info.Code),
			slog.String("reason", info.Reason),
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-m.stop:
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// Stop closes the socket and permanently suppresses reconnection.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.mu.Lock()
		conn := m.conn
		m.mu.Unlock()
		if conn != nil {
			m.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			m.writeMu.Unlock()
			_ = conn.Close()
		}
	})
}

// Send writes a text frame on the current connection.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("wsconn: send %s: %w", m.opts.Name, domain.ErrVenueNotOpen)
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("wsconn: send %s: %w", m.opts.Name, err)
	}
	return nil
}

// Connected reports whether a socket is currently open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Attempt is the number of reconnects since the last successful open.
func (m *Manager) Attempt() int {
	return int(m.attempt.Load())
}

func (m *Manager) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-m.stop:
		return true
	default:
		return false
	}
}

func (m *Manager) nextDelay(attempt int, info CloseInfo) time.Duration {
	if m.opts.DelayOverride != nil {
		if d, ok := m.opts.DelayOverride(info); ok {
			if d < 0 {
				d = 0
			}
			return d
		}
	}
	d := Backoff(attempt, m.opts.BaseDelay, m.opts.MaxDelay, m.opts.Factor)
	return WithJitter(d, m.opts.JitterPct, m.opts.Rand())
}

// connectAndServe dials, runs the open hook and blocks until the socket dies.
func (m *Manager) connectAndServe(ctx context.Context) CloseInfo {
	conn, err := m.opts.Dial(ctx)
	if err != nil {
		m.reportError(fmt.Errorf("wsconn: dial %s: %w: %w", m.opts.Name, ErrDial, err))
		return CloseInfo{Err: err}
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	// Stop may have raced with the dial.
	select {
	case <-m.stop:
		_ = conn.Close()
		m.clearConn()
		return CloseInfo{Code: websocket.CloseNormalClosure}
	default:
	}

	m.attempt.Store(0)
	m.stale.Store(false)
	m.touch()

	_ = conn.SetReadDeadline(time.Now().Add(m.opts.PongWait))
	// Pongs prove transport liveness only; lastMsg tracks data.
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.opts.PongWait))
	})

	m.logger.Info("connected")

	connDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.keepalive(ctx, conn, connDone)
	}()

	if m.opts.OnOpen != nil {
		if err := m.opts.OnOpen(ctx, m); err != nil {
			m.reportError(fmt.Errorf("wsconn: open hook %s: %w", m.opts.Name, err))
			_ = conn.Close()
		}
	}

	info := m.readLoop(conn)

	close(connDone)
	wg.Wait()
	_ = conn.Close()
	m.clearConn()

	if m.opts.OnClose != nil {
		m.opts.OnClose(info)
	}
	return info
}

func (m *Manager) readLoop(conn *websocket.Conn) CloseInfo {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if m.stale.Load() {
				return CloseInfo{Code: websocket.CloseAbnormalClosure, Reason: "stale", Err: ErrStale}
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return CloseInfo{Code: ce.Code, Reason: ce.Text, Err: err}
			}
			select {
			case <-m.stop:
				return CloseInfo{Code: websocket.CloseNormalClosure}
			default:
			}
			m.reportError(fmt.Errorf("wsconn: read %s: %w", m.opts.Name, err))
			return CloseInfo{Code: websocket.CloseAbnormalClosure, Err: err}
		}
		_ = conn.SetReadDeadline(time.Now().Add(m.opts.PongWait))
		if m.opts.IsHeartbeat != nil && m.opts.IsHeartbeat(msg) {
			continue
		}
		m.touch()
		if m.opts.OnMessage != nil {
			m.opts.OnMessage(msg)
		}
	}
}

// keepalive drives protocol pings, the optional text heartbeat and the stale check.
func (m *Manager) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ping := time.NewTicker(m.opts.PongWait * 9 / 10)
	defer ping.Stop()

	var heartbeat, staleCheck <-chan time.Time
	if m.opts.HeartbeatInterval > 0 {
		t := time.NewTicker(m.opts.HeartbeatInterval)
		defer t.Stop()
		heartbeat = t.C
	}
	if m.opts.StaleTimeout > 0 {
		t := time.NewTicker(stalePollInterval(m.opts.StaleTimeout))
		defer t.Stop()
		staleCheck = t.C
	}

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-ping.C:
			m.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			m.writeMu.Unlock()
			if err != nil {
				_ = conn.Close()
				return
			}
		case <-heartbeat:
			m.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			m.writeMu.Unlock()
			if err != nil {
				_ = conn.Close()
				return
			}
		case <-staleCheck:
			age := m.opts.Now().Sub(time.Unix(0, m.lastMsg.Load()))
			if age > m.opts.StaleTimeout {
				m.logger.Warn("stale connection, terminating",
					slog.Duration("age", age),
					slog.Duration("threshold", m.opts.StaleTimeout),
				)
				m.stale.Store(true)
				_ = conn.Close()
				return
			}
		}
	}
}

// IsPong reports whether msg is the text reply to a "ping" heartbeat.
func IsPong(msg []byte) bool {
	return string(bytes.TrimSpace(msg)) == "pong"
}

func (m *Manager) touch() {
	m.lastMsg.Store(m.opts.Now().UnixNano())
}

func (m *Manager) clearConn() {
	m.mu.Lock()
	m.conn = nil
	m.mu.Unlock()
}

func (m *Manager) reportError(err error) {
	m.logger.Debug("connection error", slog.String("error", err.Error()))
	if m.opts.OnError != nil {
		m.opts.OnError(err)
	}
}
