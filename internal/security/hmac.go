// Package security signs outgoing payloads and verifies incoming ones.
//
// The signature is hex(HMAC-SHA256(secret, payload || decimal(timestamp))),
// where payload is the exact JSON body sent on the wire and timestamp is
// Unix seconds carried in a separate header.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"

	// MinSecretLength is the shortest shared secret accepted.
	MinSecretLength = 32
	signatureHexLen = sha256.Size * 2
)

// ErrWeakSecret is returned by NewSigner for secrets under MinSecretLength bytes.
var ErrWeakSecret = errors.New("hmac secret must be at least 32 bytes")

// Signer is safe for concurrent use.
type Signer struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewSigner returns a Signer with the given replay window.
func NewSigner(secret string, tolerance time.Duration) (*Signer, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	if tolerance <= 0 {
		tolerance = 300 * time.Second
	}
	return &Signer{secret: []byte(secret), tolerance: tolerance, now: time.Now}, nil
}

// WithClock replaces the wall clock; used by tests.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// Sign signs payload with the current time.
func (s *Signer) Sign(payload []byte) (signature string, timestamp int64) {
	timestamp = s.now().Unix()
	return s.SignAt(payload, timestamp), timestamp
}

// SignAt signs payload with an explicit Unix timestamp.
func (s *Signer) SignAt(payload []byte, timestamp int64) string {
	return hex.EncodeToString(s.mac(payload, timestamp))
}

func (s *Signer) mac(payload []byte, timestamp int64) []byte {
	m := hmac.New(sha256.New, s.secret)
	m.Write(payload)
	m.Write([]byte(strconv.FormatInt(timestamp, 10)))
	return m.Sum(nil)
}

// Verify reports whether signature is a valid, fresh signature of payload.
// It never panics and returns false for any malformed input.
func (s *Signer) Verify(payload []byte, signature, timestamp string) bool {
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return false
	}
	skew := s.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.tolerance {
		return false
	}

	signature = strings.TrimSpace(signature)
	if len(signature) != signatureHexLen {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(got, s.mac(payload, ts))
}
