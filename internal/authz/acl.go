package authz

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GrantLevel is the access level a document ACL entry confers, ordered
// read < write < owner.
type GrantLevel string

const (
	GrantRead  GrantLevel = "read"
	GrantWrite GrantLevel = "write"
	GrantOwner GrantLevel = "owner"
)

var grantRank = map[GrantLevel]int{
	GrantRead:  10,
	GrantWrite: 20,
	GrantOwner: 30,
}

// Satisfies reports whether a grant at level g is sufficient for a required
// level (e.g. a write grant satisfies a read requirement).
func (g GrantLevel) Satisfies(required GrantLevel) bool {
	return grantRank[g] >= grantRank[required]
}

// ACLDBTX is the narrow subset of a pgx connection/pool the ACL store needs.
type ACLDBTX interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
}

// ACLStore resolves and maintains per-document access grants.
type ACLStore struct {
	db ACLDBTX
}

func NewACLStore(db ACLDBTX) *ACLStore {
	return &ACLStore{db: db}
}

// Lookup returns the grant level subjectID holds on documentID, or nil if
// none exists or the grant has expired. Expired grants are ignored, not
// deleted here — reaping is a housekeeping concern, not a read-path one.
func (s *ACLStore) Lookup(ctx context.Context, documentID uuid.UUID, subjectID string) (*GrantLevel, error) {
	var level GrantLevel
	var expiresAt *time.Time
	err := s.db.QueryRow(ctx,
		`SELECT grant_level, expires_at FROM public.document_acl
		 WHERE document_id = $1 AND subject_id = $2`,
		documentID, subjectID,
	).Scan(&level, &expiresAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expiresAt != nil && expiresAt.Before(time.Now()) {
		return nil, nil
	}
	return &level, nil
}

// GrantOwnerToCreator records the creator's owner grant at document creation
// time. It never expires.
func (s *ACLStore) GrantOwnerToCreator(ctx context.Context, documentID uuid.UUID, subjectID string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO public.document_acl (document_id, subject_id, grant_level, granted_at, expires_at)
		 VALUES ($1, $2, $3, now(), NULL)
		 ON CONFLICT (document_id, subject_id) DO UPDATE SET grant_level = EXCLUDED.grant_level`,
		documentID, subjectID, GrantOwner,
	)
	return err
}

// Grant records a non-owner access grant, optionally expiring at expiresAt.
func (s *ACLStore) Grant(ctx context.Context, documentID uuid.UUID, subjectID string, level GrantLevel, expiresAt *time.Time) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO public.document_acl (document_id, subject_id, grant_level, granted_at, expires_at)
		 VALUES ($1, $2, $3, now(), $4)
		 ON CONFLICT (document_id, subject_id) DO UPDATE SET grant_level = EXCLUDED.grant_level, expires_at = EXCLUDED.expires_at`,
		documentID, subjectID, level, expiresAt,
	)
	return err
}

// Revoke removes subjectID's grant on documentID.
func (s *ACLStore) Revoke(ctx context.Context, documentID uuid.UUID, subjectID string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM public.document_acl WHERE document_id = $1 AND subject_id = $2`,
		documentID, subjectID,
	)
	return err
}
