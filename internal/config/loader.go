package config

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SPOTARB_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, loads .env, applies SPOTARB_* environment variable
// overrides, and returns the final Config. An empty path skips the file. The
// returned Config has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		defaults := maps.Clone(cfg.Exchanges)
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		// Map entries decode from zero values, so fields a file leaves
		// out of an [exchanges.<venue>] table are filled from the defaults.
		for name, ex := range cfg.Exchanges {
			if def, ok := defaults[name]; ok {
				fillUndefined(md, reflect.ValueOf(&ex).Elem(), reflect.ValueOf(def), []string{"exchanges", name})
				cfg.Exchanges[name] = ex
			}
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	// Load .env file if present (silently ignore if missing).
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	normalise(&cfg)
	return &cfg, nil
}

var durationType = reflect.TypeOf(duration{})

// fillUndefined copies def into dst for every toml-tagged field the file did
// not define, descending into nested tables.
func fillUndefined(md toml.MetaData, dst, def reflect.Value, path []string) {
	t := dst.Type()
	for i := 0; i < t.NumField(); i++ {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("toml"), ",")
		if tag == "" || tag == "-" {
			continue
		}
		key := append(slices.Clone(path), tag)
		f := dst.Field(i)
		switch {
		case !md.IsDefined(key...):
			f.Set(def.Field(i))
		case f.Kind() == reflect.Struct && f.Type() != durationType:
			fillUndefined(md, f, def.Field(i), key)
		}
	}
}

func normalise(cfg *Config) {
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Store.Driver = strings.ToLower(cfg.Store.Driver)
	for i, s := range cfg.Bot.Symbols {
		cfg.Bot.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	for i, v := range cfg.Bot.Exchanges {
		cfg.Bot.Exchanges[i] = strings.ToLower(strings.TrimSpace(v))
	}
}

// applyEnvOverrides reads well-known SPOTARB_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Malformed values are reported rather than ignored.
func applyEnvOverrides(cfg *Config) error {
	e := envReader{}

	e.str(&cfg.Mode, "MODE")
	e.str(&cfg.Log.Level, "LOG_LEVEL")
	e.str(&cfg.Log.Format, "LOG_FORMAT")

	// ── Bot ──
	e.boolean(&cfg.Bot.TradingEnabled, "BOT_TRADING_ENABLED")
	e.integer(&cfg.Bot.ThrottleMs, "BOT_THROTTLE_MS")
	e.integer(&cfg.Bot.IntentTTLMs, "BOT_INTENT_TTL_MS")
	e.float(&cfg.Bot.CooldownS, "BOT_COOLDOWN_S")
	e.float(&cfg.Bot.RawSpreadBufferPct, "BOT_RAW_SPREAD_BUFFER_PCT")
	e.float(&cfg.Bot.SlippagePct, "BOT_SLIPPAGE_PCT")
	e.float(&cfg.Bot.QMinUSDT, "BOT_Q_MIN_USDT")
	e.float(&cfg.Bot.QMaxUSDT, "BOT_Q_MAX_USDT")
	e.float(&cfg.Bot.BalanceMinimumUSDT, "BOT_BALANCE_MINIMUM_USDT")
	e.boolean(&cfg.Bot.AutoFixFailedOrders, "BOT_AUTO_FIX_FAILED_ORDERS")
	e.integer(&cfg.Bot.OrderTimeoutMs, "BOT_ORDER_TIMEOUT_MS")
	e.integer(&cfg.Bot.MaxBookAgeMs, "BOT_MAX_BOOK_AGE_MS")
	e.list(&cfg.Bot.Symbols, "BOT_SYMBOLS")
	e.list(&cfg.Bot.Exchanges, "BOT_EXCHANGES")

	// ── Exchanges ── SPOTARB_EXCHANGES_<VENUE>_<FIELD>
	for name, ex := range cfg.Exchanges {
		p := "EXCHANGES_" + strings.ToUpper(name) + "_"
		e.boolean(&ex.Enabled, p+"ENABLED")
		e.float(&ex.TakerFeePct, p+"TAKER_FEE_PCT")
		e.str(&ex.WSURL, p+"WS_URL")
		e.str(&ex.RESTURL, p+"REST_URL")
		e.str(&ex.ExecURL, p+"EXEC_URL")
		e.boolean(&ex.TestOrders, p+"TEST_ORDERS")
		e.str(&ex.SecretFile, p+"SECRET_FILE")
		cfg.Exchanges[name] = ex
	}

	e.str(&cfg.SymbolInfo.Dir, "SYMBOLINFO_DIR")

	// ── Store ──
	e.str(&cfg.Store.Driver, "STORE_DRIVER")
	e.dur(&cfg.Store.FlushInterval, "STORE_FLUSH_INTERVAL")
	e.integer(&cfg.Store.MaxBatch, "STORE_MAX_BATCH")

	e.str(&cfg.Postgres.DSN, "POSTGRES_DSN")
	e.str(&cfg.Postgres.Host, "POSTGRES_HOST")
	e.integer(&cfg.Postgres.Port, "POSTGRES_PORT")
	e.str(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	e.str(&cfg.Postgres.User, "POSTGRES_USER")
	e.str(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	e.str(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	e.integer(&cfg.Postgres.PoolMaxConns, "POSTGRES_POOL_MAX_CONNS")
	e.integer(&cfg.Postgres.PoolMinConns, "POSTGRES_POOL_MIN_CONNS")
	e.boolean(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	e.str(&cfg.SQLite.Path, "SQLITE_PATH")

	// ── Redis ──
	e.boolean(&cfg.Redis.Enabled, "REDIS_ENABLED")
	e.str(&cfg.Redis.Addr, "REDIS_ADDR")
	e.str(&cfg.Redis.Password, "REDIS_PASSWORD")
	e.integer(&cfg.Redis.DB, "REDIS_DB")
	e.integer(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	e.boolean(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	e.integer(&cfg.Redis.OrderRateLimit, "REDIS_ORDER_RATE_LIMIT")

	// ── S3 ──
	e.str(&cfg.S3.Endpoint, "S3_ENDPOINT")
	e.str(&cfg.S3.Region, "S3_REGION")
	e.str(&cfg.S3.Bucket, "S3_BUCKET")
	e.str(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	e.str(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	e.boolean(&cfg.S3.UseSSL, "S3_USE_SSL")
	e.boolean(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")

	e.boolean(&cfg.Archive.Enabled, "ARCHIVE_ENABLED")
	e.str(&cfg.Archive.Cron, "ARCHIVE_CRON")
	e.integer(&cfg.Archive.BackfillDays, "ARCHIVE_BACKFILL_DAYS")

	// ── Notify ──
	e.str(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	e.str(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	e.ids(&cfg.Notify.TelegramAllowedUserIDs, "NOTIFY_TELEGRAM_ALLOWED_USER_IDS")
	e.boolean(&cfg.Notify.ConsoleEnabled, "NOTIFY_CONSOLE_ENABLED")
	e.str(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	e.list(&cfg.Notify.Events, "NOTIFY_EVENTS")

	// ── Server ──
	e.boolean(&cfg.Server.Enabled, "SERVER_ENABLED")
	e.str(&cfg.Server.Addr, "SERVER_ADDR")
	e.str(&cfg.Server.APIKey, "SERVER_API_KEY")
	e.list(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	e.integer(&cfg.Server.RateLimit, "SERVER_RATE_LIMIT")

	e.str(&cfg.Keys.Password, "KEYS_PASSWORD")

	return e.err()
}

// envReader applies typed overrides and collects parse failures.
type envReader struct {
	errs []string
}

func (e *envReader) get(key string) (string, string, bool) {
	name := EnvPrefix + key
	v := strings.TrimSpace(os.Getenv(name))
	return name, v, v != ""
}

func (e *envReader) fail(name, v string, err error) {
	e.errs = append(e.errs, fmt.Sprintf("%s=%q: %v", name, v, err))
}

func (e *envReader) str(dst *string, key string) {
	if _, v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(dst *int, key string) {
	if name, v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(dst *float64, key string) {
	if name, v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) boolean(dst *bool, key string) {
	if name, v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) dur(dst *duration, key string) {
	if name, v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		dst.Duration = d
	}
}

func (e *envReader) list(dst *[]string, key string) {
	if _, v, ok := e.get(key); ok {
		if cleaned := splitList(v); len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

func (e *envReader) ids(dst *[]int64, key string) {
	if name, v, ok := e.get(key); ok {
		var out []int64
		for _, p := range splitList(v) {
			id, err := strconv.ParseInt(p, 10, 64)
			if err != nil {
				e.fail(name, v, err)
				return
			}
			out = append(out, id)
		}
		*dst = out
	}
}

func (e *envReader) err() error {
	if len(e.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: bad environment overrides:\n  - %s", strings.Join(e.errs, "\n  - "))
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return cleaned
}
