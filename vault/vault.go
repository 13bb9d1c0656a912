// Package vault encrypts upstream API keys so they can travel in cookies and
// configuration values without being stored in plaintext.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Prefix marks a value produced by Encrypt.
const Prefix = "enc:v1:"

const keyInfo = "iamgate credential vault v1"

// ErrSecretRequired is returned when the vault is built without a secret.
var ErrSecretRequired = errors.New("vault secret required")

// Vault seals credentials with AES-256-GCM under a key derived from an operator secret.
type Vault struct {
	aead cipher.AEAD
}

// New derives the vault key from secret.
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, ErrSecretRequired
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive vault key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext. Output differs between calls because every call
// draws a fresh nonce. The empty string encrypts to itself.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Values without the ciphertext
// prefix are returned unchanged so operators may configure raw keys. A value
// that carries the prefix but cannot be opened yields "" (no credential).
func (v *Vault) Decrypt(value string) string {
	plaintext, err := v.Open(value)
	if err != nil {
		return ""
	}
	return plaintext
}

// Open is Decrypt with the failure reason exposed for logging.
func (v *Vault) Open(value string) (string, error) {
	if !IsCiphertext(value) {
		return value, nil
	}

	data, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	nonceSize := v.aead.NonceSize()
	if len(data) < nonceSize+v.aead.Overhead() {
		return "", errors.New("ciphertext too short")
	}

	plaintext, err := v.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	return string(plaintext), nil
}

// IsCiphertext reports whether value looks like vault output.
func IsCiphertext(value string) bool {
	return strings.HasPrefix(value, Prefix)
}
