package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/google/uuid"
)

// Roles supported by the RBAC system, in ascending privilege order.
const (
	RoleReader = "reader"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)

// ValidRoles lists all known roles in ascending privilege order.
var ValidRoles = []string{RoleReader, RoleEditor, RoleAdmin}

// Method describes how the caller was authenticated.
const (
	MethodAPIKey = "apikey"
	MethodOIDC   = "oidc"
	MethodDev    = "dev"
)

// Identity represents the authenticated caller for the current request:
// {tenant_id, role, api_key_id, subject_id} per the bearer-token model.
type Identity struct {
	TenantID  uuid.UUID
	Role      string
	APIKeyID  *uuid.UUID
	SubjectID string // OIDC sub, or "apikey:<prefix>" for key-authenticated callers
	Email     string // populated for OIDC-authenticated principals
	Method    string // one of the Method* constants
}

type ctxKey string

const identityKey ctxKey = "auth_identity"

// NewContext stores the identity in the context.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the identity from the context. Returns nil if no
// identity is set.
func FromContext(ctx context.Context) *Identity {
	v, _ := ctx.Value(identityKey).(*Identity)
	return v
}

// IsValidRole reports whether role is a recognized RBAC role.
func IsValidRole(role string) bool {
	for _, r := range ValidRoles {
		if r == role {
			return true
		}
	}
	return false
}

// HashAPIKey returns the SHA-256 hex digest of a raw API key secret.
func HashAPIKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// ConstantTimeEqualHash compares a raw key's hash against a stored hash in
// constant time, so a timing side-channel cannot narrow down the key prefix.
func ConstantTimeEqualHash(rawKey, storedHash string) bool {
	computed := HashAPIKey(rawKey)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}
