// Package secrets generates the opaque random material used by the
// authentication core: session identifiers, reset tokens, and numeric
// one-time codes. Everything comes from crypto/rand.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"math/big"
	"strings"
)

const (
	sessionIDBytes  = 24
	resetTokenBytes = 32
)

// NewSessionID returns a fresh high-entropy opaque session identifier,
// base64url without padding.
func NewSessionID() (string, error) {
	var raw [sessionIDBytes]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// NewResetToken returns a URL-safe random password-reset token.
func NewResetToken() (string, error) {
	var raw [resetTokenBytes]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// NewNumericOTP returns a numeric one-time code of the given length.
// Each digit is drawn independently so the code is uniform over
// [0, 10^digits).
func NewNumericOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	return b.String(), nil
}

// HashCode returns the SHA-256 digest of a one-time code. Only digests
// are persisted; the plaintext code exists only in flight.
func HashCode(code string) [32]byte {
	return sha256.Sum256([]byte(code))
}

// CodeMatches compares a presented code against a stored digest in
// constant time.
func CodeMatches(stored [32]byte, presented string) bool {
	computed := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(stored[:], computed[:]) == 1
}

// TokenMatches compares two opaque identifiers (session ids, reset
// tokens) byte-for-byte in constant time.
func TokenMatches(stored, presented string) bool {
	if len(stored) == 0 || len(presented) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}
