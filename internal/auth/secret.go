// Package auth implements the payload authorization scheme: a plaintext
// shared secret, or a SHA-256 digest of the payload with the secret
// substituted in, carried inside a sentinel wrapper.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"regexp"
	"strings"

	"sensornet/auth-gateway/internal/model"
)

// A sentinel-wrapped secret looks like $==<64 hex chars>==. The digest sits
// between the fixed-length prefix and suffix.
const (
	secretSubstringStart  = 3
	secretSubstringOffset = 5
)

// secretRegex matches the quoted sentinel value inside the raw payload. Only
// the first occurrence is rewritten, mirroring what publishers sign.
var secretRegex = regexp.MustCompile(`"\$==[a-fA-F0-9]{64}=="`)

// Substitute rewrites the first sentinel-wrapped secret in raw with the true
// sensor secret, preserving every other byte. The second return reports
// whether a sentinel was found.
func Substitute(raw, secret string) (string, bool) {
	loc := secretRegex.FindStringIndex(raw)
	if loc == nil {
		return raw, false
	}

	return raw[:loc[0]] + `"` + secret + `"` + raw[loc[1]:], true
}

// Digest extracts the claimed hex digest from a sentinel-wrapped secret
// field. ok is false when the field is too short to carry one.
func Digest(field string) (string, bool) {
	if len(field) <= secretSubstringOffset {
		return "", false
	}
	return field[secretSubstringStart : len(field)-(secretSubstringOffset-secretSubstringStart)], true
}

// Seal wraps a hex digest in the sentinel format publishers transmit.
func Seal(digest string) string {
	return "$==" + digest + "=="
}

// HashCompare hashes the canonical payload and compares it to the claimed
// digest in constant time.
func HashCompare(canonical, claimed string) bool {
	sum := sha256.Sum256([]byte(canonical))
	computed := hex.EncodeToString(sum[:])

	return subtle.ConstantTimeCompare([]byte(computed), []byte(strings.ToLower(claimed))) == 1
}

// Authorize validates a raw payload against the sensor it claims to come
// from. When the payload carries a sentinel secret the SHA-256 substitution
// scheme applies; otherwise the secret field must equal the sensor secret.
func Authorize(sensor *model.Sensor, raw, claimed string) bool {
	canonical, ok := Substitute(raw, sensor.Secret)
	if ok {
		digest, ok := Digest(claimed)
		if !ok {
			return false
		}
		return HashCompare(canonical, digest)
	}

	return subtle.ConstantTimeCompare([]byte(claimed), []byte(sensor.Secret)) == 1
}
