// Package security implements the credential scheme: PBKDF2 password
// hashing, one-time challenge tokens, and HMAC auth digests. Passwords
// never cross the wire; the client proves knowledge of the stored hash by
// keying an HMAC over the challenge token.
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

const (
	hashIterations = 100000
	tokenLen       = 16
)

// Application-wide KDF salt. Shared by client and server so both sides
// derive the same stored secret from a password.
var hashSalt = []byte{
	0xca, 0xfe, 0xbe, 0xef, 0xca, 0xfe, 0xbe, 0xef,
	0xca, 0xfe, 0xbe, 0xef, 0xca, 0xfe, 0xbe, 0xef,
	0xca, 0xfe, 0xbe, 0xef, 0xca, 0xfe, 0xbe, 0xef,
}

var (
	ErrEmptyPassword = errors.New("password is empty")
	ErrEmptyToken    = errors.New("token is empty")
)

// PasswordHash derives the stored secret from a plaintext password,
// hex-encoded.
func PasswordHash(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	digest := pbkdf2.Key([]byte(password), hashSalt, hashIterations, sha256.Size, sha256.New)
	return hex.EncodeToString(digest), nil
}

// NewToken returns a fresh random challenge token, hex-encoded.
func NewToken() (string, error) {
	buf := make([]byte, tokenLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// AuthDigest computes the proof for a challenge: HMAC-SHA256 keyed with
// the stored secret bytes over the token bytes, hex-encoded. The secret
// may be empty (a login registered without a password).
func AuthDigest(secret, token string) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}
	key, err := hex.DecodeString(secret)
	if err != nil {
		return "", err
	}
	msg, err := hex.DecodeString(token)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether a candidate digest proves knowledge of the
// stored secret for the given token. Comparison is constant-time.
func Verify(secret, token, candidate string) bool {
	expected, err := AuthDigest(secret, token)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(candidate))
}
