package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/spotarb/internal/domain"
)

// TradingControl is the kill switch surface the console drives.
// control.Switch satisfies it.
type TradingControl interface {
	Disable(by, reason string) bool
	Enable(by string) bool
	Snapshot() domain.TradingState
}

// StatusSource reports per-venue status. quality.Registry satisfies it.
type StatusSource interface {
	Snapshot() []domain.VenueStatus
}

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message"`
}

type tgMessage struct {
	Text string `json:"text"`
	From *struct {
		ID int64 `json:"id"`
	} `json:"from"`
	Chat struct {
		ID int64 `json:"id"`
	} `json:"chat"`
}

// ConsoleOptions configures a Console.
type ConsoleOptions struct {
	BaseURL     string
	Token       string
	AllowedIDs  []int64
	PollTimeout time.Duration // long-poll timeout, default 30s
	Now         func() time.Time
}

// Console is a Telegram long-polling bot answering /status, /kill and
// /resume for allow-listed users.
type Console struct {
	api     telegramAPI
	allowed map[int64]bool
	timeout time.Duration
	control TradingControl
	status  StatusSource
	now     func() time.Time
	logger  *slog.Logger

	offset int64
}

// NewConsole creates a Console. It returns an error when no user is allowed,
// since an open console would let anyone stop trading.
func NewConsole(opts ConsoleOptions, control TradingControl, status StatusSource, logger *slog.Logger) (*Console, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("notify: console: bot token missing")
	}
	if len(opts.AllowedIDs) == 0 {
		return nil, fmt.Errorf("notify: console: allowed user ids empty")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = TelegramAPIBase
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	allowed := make(map[int64]bool, len(opts.AllowedIDs))
	for _, id := range opts.AllowedIDs {
		allowed[id] = true
	}
	return &Console{
		api: telegramAPI{
			base:   opts.BaseURL,
			token:  opts.Token,
			client: &http.Client{Timeout: opts.PollTimeout + 10*time.Second},
		},
		allowed: allowed,
		timeout: opts.PollTimeout,
		control: control,
		status:  status,
		now:     opts.Now,
		logger:  logger.With(slog.String("component", "telegram_console")),
	}, nil
}

// ParseAllowedIDs parses a comma separated list of Telegram user ids.
func ParseAllowedIDs(s string) ([]int64, error) {
	var out []int64
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("notify: bad telegram user id %q: %w", p, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// Run polls for updates until ctx is cancelled.
func (c *Console) Run(ctx context.Context) error {
	c.logger.Info("telegram console started", slog.Int("allowed_users", len(c.allowed)))
	for {
		if err := c.poll(ctx); err != nil {
			if ctx.Err() != nil {
				c.logger.Info("telegram console stopped")
				return nil
			}
			c.logger.Warn("telegram poll failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(2 * time.Second):
			}
		}
	}
}

func (c *Console) poll(ctx context.Context) error {
	var updates []tgUpdate
	err := c.api.call(ctx, "getUpdates", map[string]any{
		"offset":          c.offset,
		"timeout":         int(c.timeout.Seconds()),
		"allowed_updates": []string{"message"},
	}, &updates)
	if err != nil {
		return err
	}
	for _, u := range updates {
		if u.UpdateID >= c.offset {
			c.offset = u.UpdateID + 1
		}
		if u.Message != nil {
			c.handle(ctx, u.Message)
		}
	}
	return nil
}

func (c *Console) handle(ctx context.Context, m *tgMessage) {
	var from int64
	if m.From != nil {
		from = m.From.ID
	}
	if !c.allowed[from] {
		c.logger.Warn("user id not authorized", slog.Int64("user_id", from))
		return
	}

	cmd, _, _ := strings.Cut(strings.TrimSpace(m.Text), " ")
	cmd, _, _ = strings.Cut(cmd, "@") // "/status@botname" in groups
	by := "telegram:" + strconv.FormatInt(from, 10)

	var (
		text string
		mode string
	)
	switch cmd {
	case "/status":
		text = "<pre>" + html.EscapeString(RenderStatus(c.control.Snapshot(), c.status.Snapshot(), c.now())) + "</pre>"
		mode = "HTML"
	case "/kill":
		if c.control.Disable(by, "telegram /kill") {
			text = "trading disabled"
		} else {
			text = "trading already disabled"
		}
	case "/resume":
		if c.control.Enable(by) {
			text = "trading enabled"
		} else {
			text = "trading already enabled"
		}
	default:
		return
	}

	c.logger.Info("console command", slog.String("command", cmd), slog.Int64("user_id", from))
	if err := c.api.sendMessage(ctx, m.Chat.ID, text, mode); err != nil {
		c.logger.Error("telegram reply failed", slog.String("command", cmd), slog.String("error", err.Error()))
	}
}

type column struct {
	label string
	width int
}

var statusColumns = []column{
	{"VENUE", 9},
	{"Q", 5},
	{"WS", 10},
	{"MSG_AGE", 8},
	{"RECONN", 7},
	{"REASON", 18},
}

func pad(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}

func fmtAge(st domain.VenueStatus) string {
	if st.LastMsgAt.IsZero() {
		return "n/a"
	}
	if st.MsgAge < time.Second {
		return strconv.FormatInt(st.MsgAge.Milliseconds(), 10) + "ms"
	}
	return strconv.FormatFloat(st.MsgAge.Seconds(), 'f', 1, 64) + "s"
}

// RenderStatus renders the fixed-width status table headed by the trading
// flag. Disabled venues are omitted.
func RenderStatus(state domain.TradingState, statuses []domain.VenueStatus, now time.Time) string {
	flag := "OFF"
	if state.Enabled {
		flag = "ON"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "trading=%s  @ %s\n", flag, now.UTC().Format("2006-01-02 15:04:05"))
	if !state.Enabled && state.DisabledReason != "" {
		fmt.Fprintf(&b, "disabled by %s: %s\n", state.DisabledBy, state.DisabledReason)
	}
	b.WriteString("\n")

	row := func(cells ...string) {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = pad(c, statusColumns[i].width)
		}
		b.WriteString(strings.TrimRight(strings.Join(parts, " "), " "))
		b.WriteString("\n")
	}

	labels := make([]string, len(statusColumns))
	seps := make([]string, len(statusColumns))
	for i, c := range statusColumns {
		labels[i] = c.label
		seps[i] = strings.Repeat("-", c.width)
	}
	row(labels...)
	row(seps...)

	for _, st := range statuses {
		if !st.Enabled {
			continue
		}
		row(st.Venue, string(st.Quality), string(st.Socket), fmtAge(st),
			strconv.FormatInt(st.Reconnects, 10), st.Reason)
	}
	return strings.TrimRight(b.String(), "\n")
}
