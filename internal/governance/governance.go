// Package governance implements data subject access requests, legal holds,
// and the retention sweep that honors them (spec C14). Retention
// eligibility — "may this tenant's data be purged given any holds in
// effect" — is decided by a small Rego policy evaluated with
// github.com/open-policy-agent/opa, the same policy-as-data approach
// internal/authz's ABAC conditions take with a hand-rolled DSL; retention
// is simple enough, and rare enough to change, that a real OPA bundle
// buys auditability for free instead.
package governance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DSARKind distinguishes the two data subject access request types spec
// §4.13 names.
type DSARKind string

const (
	DSARExport DSARKind = "export"
	DSARDelete DSARKind = "delete"
)

// DSARStatus tracks a request through to resolution.
type DSARStatus string

const (
	DSARPending   DSARStatus = "pending"
	DSARCompleted DSARStatus = "completed"
	DSARDenied    DSARStatus = "denied"
)

// DSARRequest is one row of public.dsar_requests.
type DSARRequest struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	SubjectRef    string
	Kind          DSARKind
	Status        DSARStatus
	DenialReason  string
	RequestedAt   time.Time
	CompletedAt   *time.Time
}

// LegalHold is one row of public.legal_holds: while ReleasedAt is nil, the
// named resource is exempt from any retention sweep that would otherwise
// remove it.
type LegalHold struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	ResourceType string
	ResourceID   string
	Reason       string
	PlacedAt     time.Time
	ReleasedAt   *time.Time
}

// DBTX is the narrow subset of a pgx connection/pool this package needs.
type DBTX interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
}

// Store persists DSAR requests and legal holds.
type Store struct {
	db DBTX
}

func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// CreateDSAR records a new data subject access request in pending status.
func (s *Store) CreateDSAR(ctx context.Context, tenantID uuid.UUID, subjectRef string, kind DSARKind) (*DSARRequest, error) {
	req := &DSARRequest{
		ID:          uuid.New(),
		TenantID:    tenantID,
		SubjectRef:  subjectRef,
		Kind:        kind,
		Status:      DSARPending,
		RequestedAt: time.Now(),
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO public.dsar_requests (id, tenant_id, subject_ref, kind, status, requested_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		req.ID, req.TenantID, req.SubjectRef, req.Kind, req.Status, req.RequestedAt,
	)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// ListDSAR returns tenantID's requests, most recent first.
func (s *Store) ListDSAR(ctx context.Context, tenantID uuid.UUID) ([]DSARRequest, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, subject_ref, kind, status, denial_reason, requested_at, completed_at
		 FROM public.dsar_requests WHERE tenant_id = $1 ORDER BY requested_at DESC`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DSARRequest
	for rows.Next() {
		r := DSARRequest{TenantID: tenantID}
		var denial *string
		if err := rows.Scan(&r.ID, &r.SubjectRef, &r.Kind, &r.Status, &denial, &r.RequestedAt, &r.CompletedAt); err != nil {
			return nil, err
		}
		if denial != nil {
			r.DenialReason = *denial
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResolveDSAR marks a request completed or denied.
func (s *Store) ResolveDSAR(ctx context.Context, tenantID, id uuid.UUID, status DSARStatus, denialReason string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE public.dsar_requests SET status = $1, denial_reason = NULLIF($2, ''), completed_at = now()
		 WHERE tenant_id = $3 AND id = $4`,
		status, denialReason, tenantID, id,
	)
	return err
}

// PlaceLegalHold exempts a resource from retention sweeps until released.
func (s *Store) PlaceLegalHold(ctx context.Context, tenantID uuid.UUID, resourceType, resourceID, reason string) (*LegalHold, error) {
	hold := &LegalHold{
		ID:           uuid.New(),
		TenantID:     tenantID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Reason:       reason,
		PlacedAt:     time.Now(),
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO public.legal_holds (id, tenant_id, resource_type, resource_id, reason, placed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		hold.ID, hold.TenantID, hold.ResourceType, hold.ResourceID, hold.Reason, hold.PlacedAt,
	)
	if err != nil {
		return nil, err
	}
	return hold, nil
}

// ReleaseLegalHold lifts a previously placed hold.
func (s *Store) ReleaseLegalHold(ctx context.Context, tenantID, holdID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE public.legal_holds SET released_at = now() WHERE tenant_id = $1 AND id = $2 AND released_at IS NULL`,
		tenantID, holdID,
	)
	return err
}

// ActiveHolds returns tenantID's currently active holds.
func (s *Store) ActiveHolds(ctx context.Context, tenantID uuid.UUID) ([]LegalHold, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, resource_type, resource_id, reason, placed_at FROM public.legal_holds
		 WHERE tenant_id = $1 AND released_at IS NULL`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LegalHold
	for rows.Next() {
		h := LegalHold{TenantID: tenantID}
		if err := rows.Scan(&h.ID, &h.ResourceType, &h.ResourceID, &h.Reason, &h.PlacedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// IsHeld reports whether resourceID of resourceType currently has an
// active legal hold for tenantID.
func (s *Store) IsHeld(ctx context.Context, tenantID uuid.UUID, resourceType, resourceID string) (bool, error) {
	var held bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM public.legal_holds
		                WHERE tenant_id = $1 AND resource_type = $2 AND resource_id = $3 AND released_at IS NULL)`,
		tenantID, resourceType, resourceID,
	).Scan(&held)
	return held, err
}
