package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Compute returns the hex-encoded HMAC-SHA256 of body under secret. Providers
// sign the raw request body with a shared secret.
func Compute(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a provider-supplied signature against the raw body in
// constant time.
func Verify(body []byte, secret, provided string) bool {
	expected := Compute(body, secret)
	return hmac.Equal([]byte(expected), []byte(provided))
}
