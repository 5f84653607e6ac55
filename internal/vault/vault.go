// Package vault implements authenticated encryption for stored credentials.
// Server passwords and private keys are sealed with AES-256-GCM before they
// touch the directory; the master key lives only in process memory.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/wpautohealer/backend/internal/errs"
)

// KeySize is the required master key length in bytes (AES-256).
const KeySize = 32

// Vault seals and opens credential material with a fixed master key.
// The key is immutable after construction.
type Vault struct {
	aead cipher.AEAD
}

// New creates a Vault from a 32-byte master key. Fails fast on any other
// key length so a misconfigured deployment cannot silently store plaintext.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm init: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext || tag).
// A fresh random nonce per call means identical plaintexts produce distinct
// ciphertexts. The empty string is a sentinel and maps to itself.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", &errs.CryptoError{Op: "encryption", Cause: err}
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Any tampering, truncation,
// bad encoding, or wrong key yields the same generic CryptoError.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", &errs.CryptoError{Op: "decryption", Cause: err}
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns+v.aead.Overhead() {
		return "", &errs.CryptoError{Op: "decryption", Cause: errors.New("ciphertext too short")}
	}
	plain, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", &errs.CryptoError{Op: "decryption", Cause: err}
	}
	return string(plain), nil
}

// Hash returns the hex-encoded SHA-256 of s. Deterministic; used for
// content addressing, not for password storage.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// VerifyHash compares s against a previously computed Hash in constant time.
func VerifyHash(s, expected string) bool {
	return hmac.Equal([]byte(Hash(s)), []byte(expected))
}
