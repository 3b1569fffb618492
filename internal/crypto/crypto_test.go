package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func TestSignQuery(t *testing.T) {
	// Parameters and secret from the binance signing examples.
	c := &Credentials{Secret: "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j"}
	payload, sig := c.SignQuery(map[string]string{
		"symbol":      "LTCBTC",
		"side":        "BUY",
		"type":        "LIMIT",
		"timeInForce": "GTC",
		"quantity":    "1",
		"price":       "0.1",
		"recvWindow":  "5000",
		"timestamp":   "1499827319559",
	})
	want := "price=0.1&quantity=1&recvWindow=5000&side=BUY&symbol=LTCBTC&timeInForce=GTC&timestamp=1499827319559&type=LIMIT"
	if payload != want {
		t.Fatalf("payload = %q", payload)
	}
	if len(sig) != 64 {
		t.Fatalf("signature length = %d, want 64 hex chars", len(sig))
	}
	if _, again := c.SignQuery(map[string]string{"timestamp": "1499827319559", "type": "LIMIT", "price": "0.1", "quantity": "1", "recvWindow": "5000", "side": "BUY", "symbol": "LTCBTC", "timeInForce": "GTC"}); again != sig {
		t.Fatal("signature depends on map order")
	}
}

func TestRESTHeadersAt(t *testing.T) {
	c := &Credentials{Key: "k", Secret: "s", Passphrase: "p"}
	h := c.RESTHeadersAt("post", "/api/v2/spot/trade/place-order", `{"a":1}`, 1700000000000)

	mac := hmac.New(sha256.New, []byte("s"))
	mac.Write([]byte(`1700000000000POST/api/v2/spot/trade/place-order{"a":1}`))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if h["ACCESS-SIGN"] != want {
		t.Fatalf("ACCESS-SIGN = %q, want %q", h["ACCESS-SIGN"], want)
	}
	if h["ACCESS-TIMESTAMP"] != "1700000000000" || h["ACCESS-KEY"] != "k" || h["ACCESS-PASSPHRASE"] != "p" {
		t.Fatalf("headers = %v", h)
	}
}

func TestSecretRoundTrip(t *testing.T) {
	blob, err := EncryptSecret("api-secret", "pw")
	if err != nil {
		t.Fatalf("EncryptSecret: %v", err)
	}
	path := filepath.Join(t.TempDir(), "secret.json")
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := LoadSecret(SecretSource{EncryptedPath: path, Password: "pw"})
	if err != nil || got != "api-secret" {
		t.Fatalf("LoadSecret = %q, %v", got, err)
	}
	if _, err := DecryptSecret(blob, "wrong"); err == nil {
		t.Fatal("wrong password accepted")
	}
	if got, _ := LoadSecret(SecretSource{Raw: "raw", EncryptedPath: path}); got != "raw" {
		t.Fatalf("raw secret should win, got %q", got)
	}
}

func TestCredentialsStringRedacts(t *testing.T) {
	c := &Credentials{Key: "abcdefgh", Secret: "supersecret"}
	if s := c.String(); s != "Credentials{key=abcd****, secret=supe****}" {
		t.Fatalf("String = %q", s)
	}
}
