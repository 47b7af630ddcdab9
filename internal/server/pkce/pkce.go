// Package pkce generates and checks RFC 7636 verifier/challenge pairs.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/dmitrijs2005/oauthproxy/internal/common"
)

// MethodS256 is the only challenge method produced.
const MethodS256 = "S256"

const (
	verifierBytes     = 32
	minVerifierLength = 43
	maxVerifierLength = 128
)

// Pair is one verifier with its derived challenge.
type Pair struct {
	Verifier  string
	Challenge string
	Method    string
}

// GeneratePair returns a fresh pair with a 43 character verifier.
func GeneratePair() (Pair, error) {
	v, err := common.MakeRandURLString(verifierBytes)
	if err != nil {
		return Pair{}, fmt.Errorf("pkce verifier: %w", err)
	}
	return Pair{Verifier: v, Challenge: Challenge(v), Method: MethodS256}, nil
}

// Challenge is base64url(sha256(verifier)) without padding.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Verify recomputes the challenge and compares in constant time.
func Verify(verifier, challenge string) bool {
	if !ValidVerifier(verifier) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(Challenge(verifier)), []byte(challenge)) == 1
}

// ValidVerifier checks length and the unreserved character set.
func ValidVerifier(v string) bool {
	if len(v) < minVerifierLength || len(v) > maxVerifierLength {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}
