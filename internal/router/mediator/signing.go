package mediator

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

const (
	SignatureHeader = "X-FLOWCATALYST-SIGNATURE"
	TimestampHeader = "X-FLOWCATALYST-TIMESTAMP"

	// timestampLayout is RFC3339 with millisecond precision in UTC
	timestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

// Signature holds the request signing headers
type Signature struct {
	Signature string
	Timestamp string
}

// Sign computes hex(HMAC-SHA256(secret, timestamp + body))
func Sign(secret string, body []byte, now time.Time) Signature {
	ts := now.UTC().Format(timestampLayout)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write(body)
	return Signature{
		Signature: hex.EncodeToString(mac.Sum(nil)),
		Timestamp: ts,
	}
}

// Verify checks a signature produced by Sign
func Verify(secret string, body []byte, timestamp, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
