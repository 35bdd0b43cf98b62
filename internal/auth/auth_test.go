package auth

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestHashAPIKey(t *testing.T) {
	// Deterministic: same input → same hash.
	h1 := HashAPIKey("test-key-123")
	h2 := HashAPIKey("test-key-123")
	if h1 != h2 {
		t.Fatalf("same key produced different hashes: %q vs %q", h1, h2)
	}

	// Different input → different hash.
	h3 := HashAPIKey("different-key")
	if h1 == h3 {
		t.Fatal("different keys produced the same hash")
	}

	// SHA-256 produces 64-char hex string.
	if len(h1) != 64 {
		t.Fatalf("hash length = %d, want 64", len(h1))
	}
}

func TestConstantTimeEqualHash(t *testing.T) {
	stored := HashAPIKey("correct-key")

	if !ConstantTimeEqualHash("correct-key", stored) {
		t.Error("expected match for correct key")
	}
	if ConstantTimeEqualHash("wrong-key", stored) {
		t.Error("expected no match for wrong key")
	}
}

func TestIsValidRole(t *testing.T) {
	tests := []struct {
		role  string
		valid bool
	}{
		{RoleAdmin, true},
		{RoleEditor, true},
		{RoleReader, true},
		{"superadmin", false},
		{"", false},
		{"Admin", false}, // case-sensitive
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			got := IsValidRole(tt.role)
			if got != tt.valid {
				t.Errorf("IsValidRole(%q) = %v, want %v", tt.role, got, tt.valid)
			}
		})
	}
}

func TestIdentityContext(t *testing.T) {
	ctx := context.Background()

	// No identity yet.
	if id := FromContext(ctx); id != nil {
		t.Fatalf("expected nil, got %+v", id)
	}

	tenantID := uuid.New()
	identity := &Identity{
		TenantID:  tenantID,
		Role:      RoleEditor,
		SubjectID: "apikey:ab12cd34",
		Method:    MethodAPIKey,
	}
	ctx = NewContext(ctx, identity)

	got := FromContext(ctx)
	if got == nil {
		t.Fatal("expected identity, got nil")
	}
	if got.SubjectID != "apikey:ab12cd34" {
		t.Errorf("SubjectID = %q, want %q", got.SubjectID, "apikey:ab12cd34")
	}
	if got.Role != RoleEditor {
		t.Errorf("Role = %q, want %q", got.Role, RoleEditor)
	}
	if got.TenantID != tenantID {
		t.Errorf("TenantID = %v, want %v", got.TenantID, tenantID)
	}
}
