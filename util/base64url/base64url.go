package base64url

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// Encode encodes the given bytes using unpadded base64url encoding.
func Encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode decodes the given string using strict, unpadded base64url encoding.
// Padding characters and non-canonical trailing bits are rejected.
func Decode(str string) ([]byte, error) {
	return base64.RawURLEncoding.Strict().DecodeString(str)
}

// SHA256 returns the base64url-encoded SHA-256 digest of s.
// This is the form used by the DPoP "ath" claim.
func SHA256(s string) string {
	digest := sha256.Sum256([]byte(s))
	return Encode(digest[:])
}

// Equal compares two encoded values in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
