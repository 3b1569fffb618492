package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Credentials holds a venue API key pair. Passphrase is only used by venues
// that require one (bitget).
type Credentials struct {
	Key        string
	Secret     string
	Passphrase string
}

// SignQuery signs a parameter set the binance way: parameters sorted by key,
// joined as key=value&..., HMAC-SHA256 with the secret, hex encoded. It
// returns the canonical payload and the signature.
func (c *Credentials) SignQuery(params map[string]string) (payload, signature string) {
	payload = CanonicalQuery(params)
	return payload, hmacSHA256Hex([]byte(c.Secret), payload)
}

// CanonicalQuery joins params as key=value pairs sorted by key. Values are
// not escaped.
func CanonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// RESTHeaders returns the bitget authentication headers for a request. The
// signature is HMAC-SHA256(secret, timestamp+method+path+body) as base64,
// with the timestamp in milliseconds.
//
// Returned header keys:
//   - ACCESS-KEY
//   - ACCESS-SIGN
//   - ACCESS-TIMESTAMP
//   - ACCESS-PASSPHRASE
func (c *Credentials) RESTHeaders(method, path, body string) map[string]string {
	return c.RESTHeadersAt(method, path, body, time.Now().UnixMilli())
}

// RESTHeadersAt is like RESTHeaders but lets the caller supply the
// timestamp (useful for deterministic testing).
func (c *Credentials) RESTHeadersAt(method, path, body string, unixMs int64) map[string]string {
	ts := strconv.FormatInt(unixMs, 10)
	message := ts + strings.ToUpper(method) + path + body
	return map[string]string{
		"ACCESS-KEY":        c.Key,
		"ACCESS-SIGN":       hmacSHA256Base64([]byte(c.Secret), message),
		"ACCESS-TIMESTAMP":  ts,
		"ACCESS-PASSPHRASE": c.Passphrase,
	}
}

// Empty reports whether no key is configured.
func (c *Credentials) Empty() bool {
	return c == nil || c.Key == "" || c.Secret == ""
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func hmacSHA256Hex(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (c *Credentials) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("Credentials{key=%s, secret=%s}", redact(c.Key), redact(c.Secret))
}
