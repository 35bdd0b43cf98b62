// Package crypto implements the per-tenant envelope encryption and key
// registry described in spec §4.12: a per-record data key (DEK, AES-256-GCM)
// wrapped under the tenant's active key-encryption-key (KEK) version via a
// pluggable KMS provider.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

const envelopeVersionPrefix = "v1:"

// aad binds a sealed record to the tenant and key version it was encrypted
// under, so a ciphertext copied between tenants or replayed against a
// different key version fails to decrypt rather than silently succeeding.
func aad(tenantID string, keyVersion int) []byte {
	return []byte(fmt.Sprintf("%s:%d", tenantID, keyVersion))
}

// sealRecord encrypts plaintext under dek (a 32-byte AES-256 key), binding
// it to aadBytes as additional authenticated data. The output is ASCII-safe:
// "v1:" + base64url(nonce|ciphertext).
func sealRecord(dek, aadBytes, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, aadBytes)

	buf := make([]byte, 0, len(nonce)+len(ciphertext))
	buf = append(buf, nonce...)
	buf = append(buf, ciphertext...)

	return []byte(envelopeVersionPrefix + base64.RawURLEncoding.EncodeToString(buf)), nil
}

// openRecord reverses sealRecord. A wrong dek, wrong aadBytes, or corrupted
// sealed blob all fail the same way: ErrDecryptionFailed from the caller.
func openRecord(dek, aadBytes, sealed []byte) ([]byte, error) {
	encoded := strings.TrimPrefix(string(sealed), envelopeVersionPrefix)
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode sealed record: %w", err)
	}

	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return nil, fmt.Errorf("sealed record too short")
	}

	nonce, body := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, aadBytes)
}
