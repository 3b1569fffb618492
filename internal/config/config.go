// Package config defines the top-level configuration for the arbitrage engine
// and provides validation helpers.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Run modes.
const (
	ModeTrade   = "trade"
	ModePaper   = "paper"
	ModeCollect = "collect"
	ModeArchive = "archive"
)

// Supported venues.
const (
	VenueBinance = "binance"
	VenueBitget  = "bitget"
	VenueGate    = "gate"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SPOTARB_* environment variables.
type Config struct {
	Mode       string                    `toml:"mode"`
	Log        LogConfig                 `toml:"log"`
	Bot        BotConfig                 `toml:"bot"`
	Exchanges  map[string]ExchangeConfig `toml:"exchanges"`
	SymbolInfo SymbolInfoConfig          `toml:"symbolinfo"`
	Store      StoreConfig               `toml:"store"`
	Postgres   PostgresConfig            `toml:"postgres"`
	SQLite     SQLiteConfig              `toml:"sqlite"`
	Redis      RedisConfig               `toml:"redis"`
	S3         S3Config                  `toml:"s3"`
	Archive    ArchiveConfig             `toml:"archive"`
	Notify     NotifyConfig              `toml:"notify"`
	Server     ServerConfig              `toml:"server"`
	Keys       KeysConfig                `toml:"keys"`
	Paper      PaperConfig               `toml:"paper"`
}

// LogConfig selects the slog level and handler.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // json or text
}

// BotConfig holds strategy and executor parameters. Percentages are given in
// percent (0.1 means 0.1%) and converted with the *Fraction helpers.
type BotConfig struct {
	Strategy            string   `toml:"strategy"`
	TradingEnabled      bool     `toml:"trading_enabled"`
	ThrottleMs          int      `toml:"throttle_ms"`
	IntentTTLMs         int      `toml:"intent_ttl_ms"`
	CooldownS           float64  `toml:"cooldown_s"`
	RawSpreadBufferPct  float64  `toml:"raw_spread_buffer_pct"`
	SlippagePct         float64  `toml:"slippage_pct"`
	QMinUSDT            float64  `toml:"q_min_usdt"`
	QMaxUSDT            float64  `toml:"q_max_usdt"`
	BalanceMinimumUSDT  float64  `toml:"balance_minimum_usdt"`
	AutoFixFailedOrders bool     `toml:"auto_fix_failed_orders"`
	OrderTimeoutMs      int      `toml:"order_timeout_ms"`
	MaxBookAgeMs        int      `toml:"max_book_age_ms"`
	DedupTTL            duration `toml:"dedup_ttl"`
	IntentBuffer        int      `toml:"intent_buffer"`
	BookBuffer          int      `toml:"book_buffer"`
	StatusInterval      duration `toml:"status_interval"`
	Symbols             []string `toml:"symbols"`
	Exchanges           []string `toml:"exchanges"`
}

// RawSpreadBufferFraction returns raw_spread_buffer_pct as a fraction.
func (b BotConfig) RawSpreadBufferFraction() float64 { return b.RawSpreadBufferPct / 100 }

// SlippageFraction returns slippage_pct as a fraction.
func (b BotConfig) SlippageFraction() float64 { return b.SlippagePct / 100 }

// ExchangeConfig holds one venue's feed, fee and credential settings.
type ExchangeConfig struct {
	Enabled     bool              `toml:"enabled"`
	TakerFeePct float64           `toml:"taker_fee_pct"`
	MakerFeePct float64           `toml:"maker_fee_pct"`
	QuoteMap    map[string]string `toml:"quote_map"`
	Levels      int               `toml:"levels"`
	UpdateMs    int               `toml:"update_ms"`
	WSURL       string            `toml:"ws_url"`
	RESTURL     string            `toml:"rest_url"`
	ExecURL     string            `toml:"exec_url"` // private websocket endpoint (binance ws-api)
	WarnAfterMs int               `toml:"warn_after_ms"`
	StopAfterMs int               `toml:"stop_after_ms"`
	Reconnect   ReconnectConfig   `toml:"reconnect"`
	TestOrders  bool              `toml:"test_orders"`

	// Credentials are read from the named environment variables. A secret
	// may instead come from a file encrypted with keys.password.
	APIKeyEnv     string `toml:"api_key_env"`
	APISecretEnv  string `toml:"api_secret_env"`
	PassphraseEnv string `toml:"passphrase_env"`
	SecretFile    string `toml:"secret_file"`
}

// TakerFee returns taker_fee_pct as a fraction.
func (e ExchangeConfig) TakerFee() float64 { return e.TakerFeePct / 100 }

// ReconnectConfig tunes a venue's connection manager.
type ReconnectConfig struct {
	BaseDelay    duration `toml:"base_delay"`
	MaxDelay     duration `toml:"max_delay"`
	Factor       float64  `toml:"factor"`
	JitterPct    float64  `toml:"jitter_pct"`
	StaleTimeout duration `toml:"stale_timeout"`
}

// SymbolInfoConfig locates the per-venue YAML trading-rule files
// (<dir>/<venue>.yaml).
type SymbolInfoConfig struct {
	Dir string `toml:"dir"`
}

// StoreConfig selects the persistence backend and the writer batching.
type StoreConfig struct {
	Driver        string   `toml:"driver"` // postgres, sqlite or none
	FlushInterval duration `toml:"flush_interval"`
	MaxBatch      int      `toml:"max_batch"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// SQLiteConfig holds the local journal path.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// RedisConfig holds Redis connection parameters and the features built on it.
type RedisConfig struct {
	Enabled         bool     `toml:"enabled"`
	Addr            string   `toml:"addr"`
	Password        string   `toml:"password"`
	DB              int      `toml:"db"`
	PoolSize        int      `toml:"pool_size"`
	MaxRetries      int      `toml:"max_retries"`
	TLSEnabled      bool     `toml:"tls_enabled"`
	BookTTL         duration `toml:"book_ttl"`
	LockKey         string   `toml:"lock_key"`
	LockTTL         duration `toml:"lock_ttl"`
	OrderRateLimit  int      `toml:"order_rate_limit"`
	OrderRateWindow duration `toml:"order_rate_window"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig schedules the daily JSONL export.
type ArchiveConfig struct {
	Enabled      bool   `toml:"enabled"`
	Cron         string `toml:"cron"`
	BackfillDays int    `toml:"backfill_days"` // archive mode only; 0 disables
}

// NotifyConfig holds notification channel credentials and the operator
// console allow list.
type NotifyConfig struct {
	TelegramToken          string   `toml:"telegram_token"`
	TelegramChatID         string   `toml:"telegram_chat_id"`
	TelegramAllowedUserIDs []int64  `toml:"telegram_allowed_user_ids"`
	ConsoleEnabled         bool     `toml:"console_enabled"`
	DiscordWebhookURL      string   `toml:"discord_webhook_url"`
	Events                 []string `toml:"events"`
	Cooldown               duration `toml:"cooldown"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// KeysConfig holds the password for encrypted venue secrets.
type KeysConfig struct {
	Password string `toml:"password"`
}

// PaperConfig seeds paper-mode balances: venue -> asset -> free amount.
type PaperConfig struct {
	Balances map[string]map[string]float64 `toml:"balances"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func defaultExchange(ws, rest string, taker float64, levels int) ExchangeConfig {
	return ExchangeConfig{
		Enabled:     true,
		TakerFeePct: taker,
		MakerFeePct: taker,
		QuoteMap:    map[string]string{},
		Levels:      levels,
		UpdateMs:    100,
		WSURL:       ws,
		RESTURL:     rest,
		WarnAfterMs: 3000,
		StopAfterMs: 10000,
		Reconnect: ReconnectConfig{
			BaseDelay:    duration{time.Second},
			MaxDelay:     duration{30 * time.Second},
			Factor:       2,
			JitterPct:    30,
			StaleTimeout: duration{60 * time.Second},
		},
	}
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	binance := defaultExchange("wss://stream.binance.com:9443", "", 0.1, 10)
	binance.QuoteMap = map[string]string{"USDT": "USDC"}
	binance.ExecURL = "wss://ws-api.binance.com:443/ws-api/v3"
	binance.APIKeyEnv, binance.APISecretEnv = "BINANCE_API_KEY", "BINANCE_API_SECRET"
	bitget := defaultExchange("wss://ws.bitget.com/v2/ws/public", "https://api.bitget.com", 0.1, 15)
	bitget.APIKeyEnv, bitget.APISecretEnv, bitget.PassphraseEnv = "BITGET_API_KEY", "BITGET_API_SECRET", "BITGET_API_PASSPHRASE"
	gate := defaultExchange("wss://api.gateio.ws/ws/v4/", "", 0.2, 10)

	return Config{
		Mode: ModePaper,
		Log:  LogConfig{Level: "info", Format: "json"},
		Bot: BotConfig{
			Strategy:            "spot_cross_arb",
			TradingEnabled:      true,
			ThrottleMs:          200,
			IntentTTLMs:         1500,
			CooldownS:           5,
			RawSpreadBufferPct:  0.05,
			SlippagePct:         0.1,
			QMinUSDT:            10,
			QMaxUSDT:            100,
			BalanceMinimumUSDT:  20,
			AutoFixFailedOrders: true,
			OrderTimeoutMs:      5000,
			MaxBookAgeMs:        5000,
			DedupTTL:            duration{5 * time.Minute},
			IntentBuffer:        64,
			BookBuffer:          1024,
			StatusInterval:      duration{10 * time.Second},
			Symbols:             []string{"AXS_USDT"},
			Exchanges:           []string{VenueBinance, VenueBitget, VenueGate},
		},
		Exchanges: map[string]ExchangeConfig{
			VenueBinance: binance,
			VenueBitget:  bitget,
			VenueGate:    gate,
		},
		SymbolInfo: SymbolInfoConfig{Dir: "symbolinfo"},
		Store: StoreConfig{
			Driver:        "sqlite",
			FlushInterval: duration{time.Second},
			MaxBatch:      100,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "spotarb",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		SQLite: SQLiteConfig{Path: "spotarb.db"},
		Redis: RedisConfig{
			Enabled:         false,
			Addr:            "localhost:6379",
			PoolSize:        20,
			MaxRetries:      3,
			BookTTL:         duration{time.Minute},
			LockKey:         "spotarb:lock:executor",
			LockTTL:         duration{15 * time.Second},
			OrderRateWindow: duration{time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "spotarb-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{Enabled: false, Cron: "15 0 * * *", BackfillDays: 7},
		Notify: NotifyConfig{
			Cooldown: duration{time.Minute},
		},
		Server: ServerConfig{
			Enabled:    true,
			Addr:       ":8080",
			RateLimit:  20,
			RateWindow: duration{time.Second},
		},
		Paper: PaperConfig{Balances: map[string]map[string]float64{
			VenueBinance: {"USDC": 1000, "AXS": 100},
			VenueBitget:  {"USDT": 1000, "AXS": 100},
			VenueGate:    {"USDT": 1000, "AXS": 100},
		}},
	}
}

var validModes = []string{ModeTrade, ModePaper, ModeCollect, ModeArchive}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var knownVenues = []string{VenueBinance, VenueBitget, VenueGate}

// ActiveVenues returns the venues listed in bot.exchanges that are enabled in
// their exchanges section.
func (c *Config) ActiveVenues() []string {
	var out []string
	for _, v := range c.Bot.Exchanges {
		if ex, ok := c.Exchanges[v]; ok && ex.Enabled {
			out = append(out, v)
		}
	}
	return out
}

// NeedsStore reports whether the mode persists intents and outcomes.
func (c *Config) NeedsStore() bool {
	return (c.Mode == ModeTrade || c.Mode == ModePaper || c.Mode == ModeArchive) && c.Store.Driver != "none"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if !slices.Contains(validModes, c.Mode) {
		add("unknown mode %q (valid: %s)", c.Mode, strings.Join(validModes, ", "))
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		add("unknown log.level %q (valid: debug, info, warn, error)", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		add("log.format must be json or text, got %q", c.Log.Format)
	}

	// Bot
	b := c.Bot
	if len(b.Symbols) == 0 {
		add("bot: symbols must not be empty")
	}
	for _, s := range b.Symbols {
		if base, quote, ok := strings.Cut(s, "_"); !ok || base == "" || quote == "" {
			add("bot: symbol %q must look like BASE_QUOTE", s)
		}
	}
	for _, v := range b.Exchanges {
		if !slices.Contains(knownVenues, v) {
			add("bot: unknown exchange %q", v)
		}
	}
	if c.Mode == ModeTrade || c.Mode == ModePaper {
		if n := len(c.ActiveVenues()); n < 2 {
			add("bot: at least two enabled exchanges are required, got %d", n)
		}
		if b.QMinUSDT <= 0 || b.QMaxUSDT < b.QMinUSDT {
			add("bot: need 0 < q_min_usdt <= q_max_usdt, got %g / %g", b.QMinUSDT, b.QMaxUSDT)
		}
		if b.SlippagePct < 0 || b.RawSpreadBufferPct < 0 {
			add("bot: slippage_pct and raw_spread_buffer_pct must be >= 0")
		}
		if b.IntentTTLMs <= 0 {
			add("bot: intent_ttl_ms must be > 0")
		}
		if b.OrderTimeoutMs <= 0 {
			add("bot: order_timeout_ms must be > 0")
		}
		if b.ThrottleMs < 0 || b.CooldownS < 0 {
			add("bot: throttle_ms and cooldown_s must be >= 0")
		}
		if c.SymbolInfo.Dir == "" {
			add("symbolinfo: dir must not be empty")
		}
	}
	if b.IntentBuffer < 1 || b.BookBuffer < 1 {
		add("bot: intent_buffer and book_buffer must be >= 1")
	}

	// Exchanges
	for _, v := range c.ActiveVenues() {
		ex := c.Exchanges[v]
		if ex.WSURL == "" {
			add("exchanges.%s: ws_url must not be empty", v)
		}
		if ex.TakerFeePct < 0 || ex.TakerFeePct >= 100 {
			add("exchanges.%s: taker_fee_pct must be in [0, 100)", v)
		}
		if ex.Levels <= 0 {
			add("exchanges.%s: levels must be > 0", v)
		}
		if ex.WarnAfterMs <= 0 || ex.StopAfterMs < ex.WarnAfterMs {
			add("exchanges.%s: need 0 < warn_after_ms <= stop_after_ms", v)
		}
		if c.Mode == ModeTrade {
			if ex.APIKeyEnv == "" || (ex.APISecretEnv == "" && ex.SecretFile == "") {
				add("exchanges.%s: api_key_env and api_secret_env (or secret_file) are required in trade mode", v)
			}
			if ex.SecretFile != "" && c.Keys.Password == "" {
				add("exchanges.%s: keys.password is required when secret_file is set", v)
			}
			if v == VenueBinance && ex.ExecURL == "" {
				add("exchanges.binance: exec_url must not be empty")
			}
			if v == VenueBitget && ex.RESTURL == "" {
				add("exchanges.bitget: rest_url must not be empty")
			}
			if v == VenueGate {
				add("exchanges.gate: no order adapter; disable gate in trade mode or use paper mode")
			}
		}
	}

	// Store
	if c.NeedsStore() {
		switch c.Store.Driver {
		case "postgres":
			p := c.Postgres
			if strings.TrimSpace(p.DSN) == "" {
				if p.Host == "" {
					add("postgres: host must not be empty (or set postgres.dsn)")
				}
				if p.Port <= 0 || p.Port > 65535 {
					add("postgres: port must be 1-65535, got %d", p.Port)
				}
				if p.Database == "" {
					add("postgres: database must not be empty")
				}
			}
			if p.PoolMaxConns < 1 {
				add("postgres: pool_max_conns must be >= 1")
			}
			if p.PoolMinConns < 0 || p.PoolMinConns > p.PoolMaxConns {
				add("postgres: need 0 <= pool_min_conns <= pool_max_conns")
			}
		case "sqlite":
			if c.SQLite.Path == "" {
				add("sqlite: path must not be empty")
			}
		default:
			add("store: unknown driver %q (valid: postgres, sqlite, none)", c.Store.Driver)
		}
		if c.Store.MaxBatch < 1 || c.Store.FlushInterval.Duration <= 0 {
			add("store: max_batch must be >= 1 and flush_interval > 0")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
		if c.Redis.LockTTL.Duration < 3*time.Second {
			add("redis: lock_ttl must be >= 3s")
		}
	}

	// Archive
	if c.Archive.Enabled || c.Mode == ModeArchive {
		if c.S3.Endpoint == "" || c.S3.Bucket == "" {
			add("s3: endpoint and bucket must not be empty when archiving")
		}
		if len(strings.Fields(c.Archive.Cron)) != 5 {
			add("archive: cron must have 5 fields, got %q", c.Archive.Cron)
		}
		if c.Store.Driver == "none" {
			add("archive: requires a store driver")
		}
		if c.Archive.BackfillDays < 0 || c.Archive.BackfillDays > 366 {
			add("archive: backfill_days must be within 0-366, got %d", c.Archive.BackfillDays)
		}
	}

	// Notify
	if c.Notify.ConsoleEnabled {
		if c.Notify.TelegramToken == "" {
			add("notify: telegram_token is required for the console")
		}
		if len(c.Notify.TelegramAllowedUserIDs) == 0 {
			add("notify: telegram_allowed_user_ids must not be empty for the console")
		}
	}

	// Server
	if c.Server.Enabled && c.Server.Addr == "" {
		add("server: addr must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
