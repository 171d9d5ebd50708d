package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// recvWindowMs is how far into the future `expires` is set from now, per
// the wire protocol's authentication signature.
const recvWindowMs = 10_000

// Credentials holds the API key/secret pair delivered via environment
// variables (§6) — never logged or journaled.
type Credentials struct {
	APIKey string
	Secret string
}

// Auth signs every private request and the private WebSocket handshake
// with HMAC-SHA256 over `apikey + timestamp + expires`, the sole
// authentication scheme this exchange uses.
type Auth struct {
	creds Credentials
}

// NewAuth builds an Auth from the given credentials.
func NewAuth(creds Credentials) *Auth {
	return &Auth{creds: creds}
}

// HasCredentials reports whether both key and secret are configured.
func (a *Auth) HasCredentials() bool {
	return a.creds.APIKey != "" && a.creds.Secret != ""
}

// APIKey returns the configured API key (safe to place in a header; never
// logged alongside the secret).
func (a *Auth) APIKey() string {
	return a.creds.APIKey
}

// RESTHeaders signs one REST request and returns the headers the exchange
// expects: api key, timestamp, expires window, and signature.
func (a *Auth) RESTHeaders() map[string]string {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	expires := strconv.FormatInt(time.Now().UnixMilli()+recvWindowMs, 10)
	sig := a.sign(timestamp, expires)

	return map[string]string{
		"X-API-KEY":   a.creds.APIKey,
		"X-TIMESTAMP": timestamp,
		"X-EXPIRES":   expires,
		"X-SIGNATURE": sig,
	}
}

// WSAuthArgs returns the (apiKey, timestamp, expires, signature) tuple the
// private websocket channel expects in its auth handshake frame.
func (a *Auth) WSAuthArgs() (apiKey, timestamp, expires, signature string) {
	timestamp = strconv.FormatInt(time.Now().UnixMilli(), 10)
	expires = strconv.FormatInt(time.Now().UnixMilli()+recvWindowMs, 10)
	signature = a.sign(timestamp, expires)
	return a.creds.APIKey, timestamp, expires, signature
}

// sign computes HMAC-SHA256 of apikey + timestamp + expires using the
// shared secret, hex-encoded.
func (a *Auth) sign(timestamp, expires string) string {
	message := a.creds.APIKey + timestamp + expires
	mac := hmac.New(sha256.New, []byte(a.creds.Secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
