package config

import (
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/alanyoungcy/spotarb/internal/crypto"
)

// Credentials resolves the API key pair for venue. The key and passphrase come
// from the configured environment variables; the secret comes from its
// environment variable or, failing that, from secret_file decrypted with
// keys.password. A venue without configured credentials yields an empty set.
func (c *Config) Credentials(venue string) (crypto.Credentials, error) {
	ex, ok := c.Exchanges[venue]
	if !ok {
		return crypto.Credentials{}, fmt.Errorf("config: unknown exchange %q", venue)
	}
	creds := crypto.Credentials{
		Key:        lookupEnv(ex.APIKeyEnv),
		Passphrase: lookupEnv(ex.PassphraseEnv),
	}
	secret, err := crypto.LoadSecret(crypto.SecretSource{
		Raw:           lookupEnv(ex.APISecretEnv),
		EncryptedPath: ex.SecretFile,
		Password:      c.Keys.Password,
	})
	if err != nil {
		return crypto.Credentials{}, fmt.Errorf("config: %s secret: %w", venue, err)
	}
	creds.Secret = secret
	return creds, nil
}

func lookupEnv(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)
	redact(&out.Server.APIKey)
	redact(&out.Keys.Password)

	// Copy slices and maps so callers cannot mutate the original through the
	// redacted copy.
	out.Bot.Symbols = slices.Clone(cfg.Bot.Symbols)
	out.Bot.Exchanges = slices.Clone(cfg.Bot.Exchanges)
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	out.Notify.TelegramAllowedUserIDs = slices.Clone(cfg.Notify.TelegramAllowedUserIDs)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	if cfg.Exchanges != nil {
		out.Exchanges = make(map[string]ExchangeConfig, len(cfg.Exchanges))
		for k, ex := range cfg.Exchanges {
			ex.QuoteMap = maps.Clone(ex.QuoteMap)
			out.Exchanges[k] = ex
		}
	}
	if cfg.Paper.Balances != nil {
		out.Paper.Balances = make(map[string]map[string]float64, len(cfg.Paper.Balances))
		for k, v := range cfg.Paper.Balances {
			out.Paper.Balances[k] = maps.Clone(v)
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
