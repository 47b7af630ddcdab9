// Package cryptox holds the symmetric primitives used to protect provider
// tokens at rest and to hash proxy tokens.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

const (
	nonceSize = 12
	tagSize   = 16

	cipherKeyInfo = "oauthproxy token cipher v1"
)

// ErrDecryption is returned when a sealed value fails authentication. It means
// tampering, truncation or a key mismatch; the plaintext is never returned.
var ErrDecryption = errors.New("decryption failed")

// Sealed is an AES-GCM envelope with the nonce and tag kept apart from the
// ciphertext, the way they are persisted.
type Sealed struct {
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
}

// IsZero reports whether nothing was sealed.
func (s Sealed) IsZero() bool {
	return len(s.Ciphertext) == 0 && len(s.IV) == 0 && len(s.AuthTag) == 0
}

// TokenCipher encrypts and decrypts provider tokens under a single static key.
// It is safe for concurrent use.
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher builds a cipher from a 32-byte key.
func NewTokenCipher(key []byte) (*TokenCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("token cipher key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, err
	}
	return &TokenCipher{aead: aead}, nil
}

// ParseKey turns configured key material into a 256-bit key. 64 hex characters
// are used as-is; anything else is stretched with HKDF-SHA256.
func ParseKey(material string) ([]byte, error) {
	if material == "" {
		return nil, errors.New("empty key material")
	}
	if len(material) == 2*KeySize {
		if raw, err := hex.DecodeString(material); err == nil {
			return raw, nil
		}
	}
	return DeriveKey([]byte(material), cipherKeyInfo)
}

// DeriveKey expands secret into a KeySize key bound to info.
func DeriveKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *TokenCipher) Encrypt(plaintext string) (Sealed, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("generate nonce: %w", err)
	}

	out := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	split := len(out) - tagSize

	return Sealed{
		Ciphertext: out[:split:split],
		IV:         nonce,
		AuthTag:    out[split:],
	}, nil
}

// Decrypt opens a sealed value. Any authentication failure yields ErrDecryption.
func (c *TokenCipher) Decrypt(s Sealed) (string, error) {
	if len(s.IV) != nonceSize || len(s.AuthTag) != tagSize {
		return "", ErrDecryption
	}

	buf := make([]byte, 0, len(s.Ciphertext)+tagSize)
	buf = append(buf, s.Ciphertext...)
	buf = append(buf, s.AuthTag...)

	plaintext, err := c.aead.Open(nil, s.IV, buf, nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plaintext), nil
}

// SealBytes seals b into one nonce|ciphertext|tag blob bound to aad.
func (c *TokenCipher) SealBytes(b, aad []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize, nonceSize+len(b)+tagSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, b, aad), nil
}

// OpenBytes reverses SealBytes. A wrong aad fails like tampering.
func (c *TokenCipher) OpenBytes(blob, aad []byte) ([]byte, error) {
	if len(blob) < nonceSize+tagSize {
		return nil, ErrDecryption
	}
	out, err := c.aead.Open(nil, blob[:nonceSize], blob[nonceSize:], aad)
	if err != nil {
		return nil, ErrDecryption
	}
	return out, nil
}

// KeyedHasher computes HMAC-SHA256 digests under one named secret.
type KeyedHasher struct {
	ID     string
	secret []byte
}

// NewKeyedHasher returns a hasher for the secret identified by id.
func NewKeyedHasher(id string, secret []byte) *KeyedHasher {
	return &KeyedHasher{ID: id, secret: secret}
}

// Hash returns the hex HMAC of value.
func (h *KeyedHasher) Hash(value string) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
