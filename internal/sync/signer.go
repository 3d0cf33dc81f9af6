package sync

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ReplayWindow bounds how far a request timestamp may drift from the
// receiver's clock.
const ReplayWindow = 300 * time.Second

// Authentication header names of the region-to-region channel.
const (
	HeaderAPIKey    = "X-API-Key"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

var (
	ErrMissingAuthHeaders = errors.New("sync: missing authentication headers")
	ErrInvalidAPIKey      = errors.New("sync: invalid api key")
	ErrInvalidTimestamp   = errors.New("sync: invalid timestamp")
	ErrRequestExpired     = errors.New("sync: request expired")
	ErrInvalidSignature   = errors.New("sync: invalid signature")
)

// Signer signs and verifies sync requests with the shared region secret. The
// signature covers "{timestamp}:{raw_body}" so neither can be replayed
// independently.
type Signer struct {
	secret []byte
}

// NewSigner builds a Signer for the shared secret. An empty secret yields a
// signer that rejects every verification, matching an unconfigured region.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Configured reports whether a shared secret is present.
func (s *Signer) Configured() bool {
	return len(s.secret) > 0
}

// Sign computes the hex HMAC-SHA256 signature for a timestamp and body.
func (s *Signer) Sign(timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%d:", timestamp)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify authenticates an inbound request. All failures map to a 401 at the
// transport layer; the distinct errors exist for logging.
func (s *Signer) Verify(apiKey, timestamp, signature string, body []byte, now time.Time) error {
	if apiKey == "" || timestamp == "" || signature == "" {
		return ErrMissingAuthHeaders
	}
	if !s.Configured() || !hmac.Equal([]byte(apiKey), s.secret) {
		return ErrInvalidAPIKey
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTimestamp, timestamp)
	}
	drift := now.Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(ReplayWindow/time.Second) {
		return ErrRequestExpired
	}
	expected := s.Sign(ts, body)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}
