package crypto

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"

	"github.com/google/uuid"
)

// fakeProvider is an in-memory KMSProvider: it "wraps" a DEK by storing it
// keyed by a counter-derived wrapped id, with no real cryptography, so
// tests exercise Service's envelope logic without a live KMS.
type fakeProvider struct {
	name   string
	sealed map[string][]byte // wrapped id (as string) -> plaintext DEK
	next   int
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{name: name, sealed: map[string][]byte{}}
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) GenerateDataKey(_ context.Context, _ string) ([]byte, []byte, error) {
	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return nil, nil, err
	}
	p.next++
	wrapped := []byte{byte(p.next)}
	p.sealed[string(wrapped)] = append([]byte{}, dek...)
	return dek, wrapped, nil
}

func (p *fakeProvider) Decrypt(_ context.Context, _ string, wrappedDEK []byte) ([]byte, error) {
	dek, ok := p.sealed[string(wrappedDEK)]
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return dek, nil
}

func (p *fakeProvider) RotateMasterKey(_ context.Context, _ uuid.UUID) (string, error) {
	return "rotated-key", nil
}

func TestService_EncryptDecryptRoundTrip(t *testing.T) {
	db := newFakeRegistryDB()
	registry := NewRegistry(db)
	tenantID := uuid.New()
	if _, err := registry.CreateInitialKey(context.Background(), tenantID, "fake", "key-1"); err != nil {
		t.Fatalf("CreateInitialKey() error = %v", err)
	}

	svc := NewService(registry, newFakeProvider("fake"))
	plaintext := []byte("sensitive document chunk")

	blob, err := svc.Encrypt(context.Background(), tenantID, plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	got, err := svc.Decrypt(context.Background(), tenantID, blob)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Decrypt() = %q, want %q", got, plaintext)
	}
}

func TestService_EncryptWithoutActiveKeyFails(t *testing.T) {
	db := newFakeRegistryDB()
	registry := NewRegistry(db)
	svc := NewService(registry, newFakeProvider("fake"))

	_, err := svc.Encrypt(context.Background(), uuid.New(), []byte("x"))
	if err != ErrEncryptionRequired {
		t.Fatalf("Encrypt() error = %v, want ErrEncryptionRequired", err)
	}
}

func TestService_DecryptAfterRotationStillWorks(t *testing.T) {
	db := newFakeRegistryDB()
	registry := NewRegistry(db)
	tenantID := uuid.New()
	if _, err := registry.CreateInitialKey(context.Background(), tenantID, "fake", "key-1"); err != nil {
		t.Fatalf("CreateInitialKey() error = %v", err)
	}

	provider := newFakeProvider("fake")
	svc := NewService(registry, provider)

	blob, err := svc.Encrypt(context.Background(), tenantID, []byte("pre-rotation record"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	job, err := registry.BeginRotation(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("BeginRotation() error = %v", err)
	}
	if _, err := registry.CompleteRotation(context.Background(), job, "fake", "key-2"); err != nil {
		t.Fatalf("CompleteRotation() error = %v", err)
	}

	got, err := svc.Decrypt(context.Background(), tenantID, blob)
	if err != nil {
		t.Fatalf("Decrypt() after rotation error = %v", err)
	}
	if string(got) != "pre-rotation record" {
		t.Errorf("Decrypt() = %q", got)
	}
}

func TestService_EncryptUnknownProviderFails(t *testing.T) {
	db := newFakeRegistryDB()
	registry := NewRegistry(db)
	tenantID := uuid.New()
	if _, err := registry.CreateInitialKey(context.Background(), tenantID, "not_registered", "key-1"); err != nil {
		t.Fatalf("CreateInitialKey() error = %v", err)
	}

	svc := NewService(registry, newFakeProvider("fake"))
	if _, err := svc.Encrypt(context.Background(), tenantID, []byte("x")); err == nil {
		t.Error("Encrypt() with an unregistered provider should fail")
	}
}
