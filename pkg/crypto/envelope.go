// Package crypto implements the envelope encryption scheme for tenant data.
//
// Each tenant owns a random 32-byte secret used both to sign its tokens and
// to encrypt sensitive field values at rest. The secret itself is stored
// wrapped (encrypted) under a process-wide master key, so the registry never
// sees plaintext key material.
//
// Wire format for every encrypted value: "nonceHex:tagHex:ciphertextHex",
// all lowercase hex. A value without exactly two colons is legacy plaintext
// and is treated as non-decryptable.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/finflow/finflow-backend/pkg/errors"
)

const (
	// SecretSize is the length of a raw tenant secret
	SecretSize = 32

	masterKeySize = 32
	kdfIterations = 4096
)

// Fixed salt for deriving the wrapping key from the master key. The master
// key is already high entropy; the derivation only separates the wrapping
// key domain from any other use of the same material.
var wrapSalt = []byte("finflow.tenant-secret.v1")

// MasterKey is the process-wide key under which tenant secrets are wrapped.
// It is parsed and validated exactly once at startup.
type MasterKey struct {
	wrappingKey []byte
}

// ParseMasterKey validates and derives the wrapping key from a 64-character
// hex master key. Any format problem is a fatal boot error for callers.
func ParseMasterKey(hexKey string) (MasterKey, error) {
	if len(hexKey) != masterKeySize*2 {
		return MasterKey{}, fmt.Errorf("master key must be exactly %d bytes (%d hex characters)", masterKeySize, masterKeySize*2)
	}

	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return MasterKey{}, fmt.Errorf("master key must be hex encoded: %w", err)
	}

	return MasterKey{
		wrappingKey: pbkdf2.Key(raw, wrapSalt, kdfIterations, masterKeySize, sha256.New),
	}, nil
}

// GenerateTenantSecret returns a fresh random 32-byte tenant secret
func GenerateTenantSecret() ([]byte, error) {
	secret := make([]byte, SecretSize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("failed to generate tenant secret: %w", err)
	}
	return secret, nil
}

// Wrap encrypts a tenant secret under the master key for registry storage
func (mk MasterKey) Wrap(secret []byte) (string, error) {
	if len(mk.wrappingKey) == 0 {
		return "", fmt.Errorf("master key not initialized")
	}
	return seal(secret, mk.wrappingKey)
}

// Unwrap decrypts a wrapped tenant secret. A tag mismatch (tampering, wrong
// master key) surfaces as a DECRYPTION_FAILED error, never as partial data.
func (mk MasterKey) Unwrap(blob string) ([]byte, error) {
	if len(mk.wrappingKey) == 0 {
		return nil, fmt.Errorf("master key not initialized")
	}
	return open(blob, mk.wrappingKey)
}

// EncryptField encrypts a field value with the tenant's secret for at-rest storage
func EncryptField(plaintext string, tenantSecret []byte) (string, error) {
	if len(tenantSecret) != SecretSize {
		return "", fmt.Errorf("tenant secret must be %d bytes, got %d", SecretSize, len(tenantSecret))
	}
	return seal([]byte(plaintext), tenantSecret)
}

// DecryptField decrypts a field value previously produced by EncryptField
func DecryptField(blob string, tenantSecret []byte) (string, error) {
	if len(tenantSecret) != SecretSize {
		return "", fmt.Errorf("tenant secret must be %d bytes, got %d", SecretSize, len(tenantSecret))
	}
	plaintext, err := open(blob, tenantSecret)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether a stored value carries the encrypted wire
// format. Legacy plaintext rows fail this check and must not be passed to
// DecryptField.
func IsEncrypted(value string) bool {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		if _, err := hex.DecodeString(p); err != nil {
			return false
		}
	}
	return true
}

// seal encrypts with AES-256-GCM and a fresh 96-bit nonce per call.
// The GCM output is split into ciphertext and 128-bit tag so the stored
// format is explicit about both.
func seal(plaintext, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	// Nonce reuse under the same key breaks GCM entirely; always fresh.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	return fmt.Sprintf("%s:%s:%s",
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	), nil
}

// open decrypts a "nonce:tag:ciphertext" blob. The tag is always verified;
// any failure aborts the operation.
func open(blob string, key []byte) ([]byte, error) {
	parts := strings.Split(blob, ":")
	if len(parts) != 3 {
		return nil, errors.Wrap(fmt.Errorf("expected nonce:tag:ciphertext, got %d segments", len(parts)),
			"DECRYPTION_FAILED", "malformed encrypted value", 500)
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, errors.DecryptionFailed()
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, errors.DecryptionFailed()
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, errors.DecryptionFailed()
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(nonce) != gcm.NonceSize() || len(tag) != gcm.Overhead() {
		return nil, errors.DecryptionFailed()
	}

	plaintext, err := gcm.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, errors.DecryptionFailed()
	}

	return plaintext, nil
}
