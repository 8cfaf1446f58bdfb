// Package vault encrypts credential payloads at rest with a single
// system-wide AES-256-GCM key that is generated on first boot and persisted
// through a KeySource.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ConfigKey is the system config entry holding the base64 system key.
const ConfigKey = "credential_encrypt_key"

const (
	encryptedValuePrefix = "enc:v1:"
	keySize              = 32
	keyIDLen             = 8
)

var (
	// ErrDecryption is the class of every decryption failure.
	ErrDecryption = errors.New("vault: decryption failed")
	// ErrKeyMismatch means the ciphertext was produced under a different key.
	ErrKeyMismatch = fmt.Errorf("%w: key mismatch", ErrDecryption)
	// ErrMalformedCiphertext means the input is not vault ciphertext.
	ErrMalformedCiphertext = fmt.Errorf("%w: malformed ciphertext", ErrDecryption)
)

// KeySource persists system configuration. Every tool store implements it.
type KeySource interface {
	// GetOrCreateConfig returns the value stored under key, storing the
	// result of generate first when none exists. Concurrent first calls
	// must converge on one stored value.
	GetOrCreateConfig(ctx context.Context, key string, generate func() (string, error)) (string, error)
}

// Vault encrypts and decrypts JSON-serializable values.
type Vault struct {
	aead  cipher.AEAD
	keyID string
}

// Open loads the system key from src, generating and persisting one on first
// use, and returns a vault bound to it.
func Open(ctx context.Context, src KeySource) (*Vault, error) {
	if src == nil {
		return nil, errors.New("vault: key source is nil")
	}
	encoded, err := src.GetOrCreateConfig(ctx, ConfigKey, GenerateKey)
	if err != nil {
		return nil, fmt.Errorf("vault: load system key: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("vault: system key is not base64: %w", err)
	}
	return NewWithKey(key)
}

// NewWithKey returns a vault for a raw key. Keys that are not 32 bytes are
// stretched with SHA-256, so per-server secrets of any length are usable.
func NewWithKey(key []byte) (*Vault, error) {
	if len(key) == 0 {
		return nil, errors.New("vault: empty key")
	}
	if len(key) != keySize {
		sum := sha256.Sum256(key)
		key = sum[:]
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	sum := sha256.Sum256(key)
	return &Vault{aead: aead, keyID: hex.EncodeToString(sum[:])[:keyIDLen]}, nil
}

// GenerateKey returns 32 random bytes, base64 encoded.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("vault: generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// KeyID identifies the key in ciphertext headers.
func (v *Vault) KeyID() string { return v.keyID }

// Encrypt marshals value to JSON and seals it.
func (v *Vault) Encrypt(value any) (string, error) {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("vault: encode value: %w", err)
	}
	return v.seal(plaintext)
}

// EncryptString seals a string without JSON encoding.
func (v *Vault) EncryptString(value string) (string, error) {
	return v.seal([]byte(value))
}

func (v *Vault) seal(plaintext []byte) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := v.aead.Seal(nil, nonce, plaintext, []byte(v.keyID))
	payload := append(nonce, sealed...)
	return encryptedValuePrefix + v.keyID + ":" + base64.StdEncoding.EncodeToString(payload), nil
}

// Decrypt opens ciphertext and unmarshals the JSON payload into out.
func (v *Vault) Decrypt(ciphertext string, out any) error {
	plaintext, err := v.open(ciphertext)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("%w: payload is not JSON: %v", ErrMalformedCiphertext, err)
	}
	return nil
}

// DecryptString opens ciphertext produced by EncryptString.
func (v *Vault) DecryptString(ciphertext string) (string, error) {
	plaintext, err := v.open(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (v *Vault) open(ciphertext string) ([]byte, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(ciphertext), encryptedValuePrefix)
	if !ok {
		return nil, ErrMalformedCiphertext
	}
	keyID, encoded, ok := strings.Cut(rest, ":")
	if !ok || len(keyID) != keyIDLen {
		return nil, ErrMalformedCiphertext
	}
	if keyID != v.keyID {
		return nil, ErrKeyMismatch
	}
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrMalformedCiphertext
	}
	nonceSize := v.aead.NonceSize()
	if len(payload) < nonceSize+v.aead.Overhead() {
		return nil, ErrMalformedCiphertext
	}
	plaintext, err := v.aead.Open(nil, payload[:nonceSize], payload[nonceSize:], []byte(keyID))
	if err != nil {
		// Same key id with a failed tag still means the key differs.
		return nil, ErrKeyMismatch
	}
	return plaintext, nil
}

// IsEncrypted reports whether value carries the vault ciphertext prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), encryptedValuePrefix)
}
