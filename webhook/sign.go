package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
)

// hmacSHA256 computes the webhook delivery signature. Standard library only:
// HMAC-SHA256 is a single stdlib call, not a concern any example repo
// reaches for a third-party library to cover.
func hmacSHA256(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
