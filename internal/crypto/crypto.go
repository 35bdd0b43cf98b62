package crypto

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// KMSProvider abstracts a cloud KMS's envelope-encryption primitives so
// Service never depends on AWS or GCP SDK types directly. GenerateDataKey
// and Decrypt mirror AWS KMS's own operations of the same name; a provider
// whose backing service has no native "generate data key" call (GCP) is
// still expected to satisfy this contract by minting the DEK locally and
// wrapping it with the service's Encrypt operation.
type KMSProvider interface {
	Name() string
	// GenerateDataKey returns a fresh 32-byte plaintext DEK and its
	// ciphertext wrapped under providerKeyID.
	GenerateDataKey(ctx context.Context, providerKeyID string) (plaintextDEK, wrappedDEK []byte, err error)
	// Decrypt unwraps a DEK previously produced by GenerateDataKey.
	Decrypt(ctx context.Context, providerKeyID string, wrappedDEK []byte) (plaintextDEK []byte, err error)
	// RotateMasterKey mints a new backing key (a new CMK for AWS, a new
	// CryptoKeyVersion for GCP) and returns its provider-specific id.
	RotateMasterKey(ctx context.Context, tenantID uuid.UUID) (newProviderKeyID string, err error)
}

// envelope is the on-wire shape Service.Encrypt returns and Service.Decrypt
// consumes; callers persist it as an opaque blob alongside their record.
type envelope struct {
	KeyVersion int    `json:"key_version"`
	WrappedDEK []byte `json:"wrapped_dek"`
	Sealed     []byte `json:"sealed"`
}

// Service implements the envelope encryption scheme from spec §4.12 on top
// of a Registry (tracks active/retired key versions per tenant) and a set
// of named KMSProviders, looked up by the provider name recorded on each of
// a tenant's key versions.
type Service struct {
	registry  *Registry
	providers map[string]KMSProvider
}

func NewService(registry *Registry, providers ...KMSProvider) *Service {
	m := make(map[string]KMSProvider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Service{registry: registry, providers: m}
}

func (s *Service) provider(name string) (KMSProvider, error) {
	p, ok := s.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: no provider registered for %q", ErrKMSUnavailable, name)
	}
	return p, nil
}

// Encrypt seals plaintext under tenantID's current active key and returns
// the opaque envelope blob to persist.
func (s *Service) Encrypt(ctx context.Context, tenantID uuid.UUID, plaintext []byte) ([]byte, error) {
	key, err := s.registry.ActiveKey(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, ErrEncryptionRequired
	}

	provider, err := s.provider(key.Provider)
	if err != nil {
		return nil, err
	}

	dek, wrappedDEK, err := provider.GenerateDataKey(ctx, key.ProviderKeyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKMSUnavailable, err)
	}
	defer zero(dek)

	sealed, err := sealRecord(dek, aad(tenantID.String(), key.Version), plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	env := envelope{KeyVersion: key.Version, WrappedDEK: wrappedDEK, Sealed: sealed}
	return json.Marshal(env)
}

// Decrypt opens an envelope previously produced by Encrypt. It works
// against both the tenant's active key and any retired-but-known version,
// so rotation never breaks previously-encrypted records.
func (s *Service) Decrypt(ctx context.Context, tenantID uuid.UUID, blob []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	key, err := s.registry.KeyByVersion(ctx, tenantID, env.KeyVersion)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, ErrDecryptionFailed
	}

	provider, err := s.provider(key.Provider)
	if err != nil {
		return nil, err
	}

	dek, err := provider.Decrypt(ctx, key.ProviderKeyID, env.WrappedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKMSUnavailable, err)
	}
	defer zero(dek)

	plaintext, err := openRecord(dek, aad(tenantID.String(), key.Version), env.Sealed)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
