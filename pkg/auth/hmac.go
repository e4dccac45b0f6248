// Package auth implements shared-secret authentication of firmware images
// and server requests.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMismatch is returned when a signature does not match the payload.
var ErrMismatch = errors.New("signature mismatch")

// Verifier checks that a payload was produced by a trusted party.
type Verifier interface {
	Verify(payload []byte, signature string) error
}

// Signer produces signatures a Verifier accepts.
type Signer interface {
	Sign(payload []byte) string
}

// HMAC signs and verifies with HMAC-SHA256 over a pre-shared secret.
// Signatures are lowercase hex.
type HMAC struct {
	secret []byte
}

var (
	_ Verifier = (*HMAC)(nil)
	_ Signer   = (*HMAC)(nil)
)

// NewHMAC creates an HMAC verifier. The secret must not be empty.
func NewHMAC(secret string) (*HMAC, error) {
	if secret == "" {
		return nil, fmt.Errorf("empty HMAC secret")
	}
	return &HMAC{secret: []byte(secret)}, nil
}

// Sign returns the hex HMAC of payload.
func (h *HMAC) Sign(payload []byte) string {
	return hex.EncodeToString(h.sum(payload))
}

// Verify compares the HMAC of payload to signature in constant time.
func (h *HMAC) Verify(payload []byte, signature string) error {
	want, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !hmac.Equal(h.sum(payload), want) {
		return ErrMismatch
	}
	return nil
}

func (h *HMAC) sum(payload []byte) []byte {
	m := hmac.New(sha256.New, h.secret)
	m.Write(payload)
	return m.Sum(nil)
}

// RequestPayload builds the canonical string signed for a request:
// METHOD \n path \n unix-seconds \n hex(sha256(body)).
func RequestPayload(method, path string, unix int64, body []byte) []byte {
	digest := sha256.Sum256(body)
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(unix, 10))
	b.WriteByte('\n')
	b.WriteString(hex.EncodeToString(digest[:]))
	return []byte(b.String())
}

// Digest returns the hex sha256 of payload.
func Digest(payload []byte) string {
	d := sha256.Sum256(payload)
	return hex.EncodeToString(d[:])
}

// VerifyDigest compares payload's sha256 to a hex digest.
func VerifyDigest(payload []byte, digest string) error {
	want, err := hex.DecodeString(strings.TrimSpace(digest))
	if err != nil {
		return fmt.Errorf("invalid digest encoding: %w", err)
	}
	got := sha256.Sum256(payload)
	if !hmac.Equal(got[:], want) {
		return fmt.Errorf("sha256 mismatch")
	}
	return nil
}
