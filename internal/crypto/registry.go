package crypto

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// KeyStatus is a tenant key version's lifecycle state.
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyRetired KeyStatus = "retired"
)

// KeyVersion is one row of public.tenant_keys: one version of a tenant's
// KEK, identified by the provider's own key id.
type KeyVersion struct {
	TenantID      uuid.UUID
	Version       int
	Status        KeyStatus
	Provider      string
	ProviderKeyID string
}

// JobStatus is a rotation job's lifecycle state: queued -> running ->
// completed | failed, per spec §4.12.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// RotationJob tracks one re-encryption run for a tenant.
type RotationJob struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	Status      JobStatus
	FromVersion int
	ToVersion   *int
	Error       *string
}

// DBTX is the narrow subset of a pgx connection/pool the registry needs.
type DBTX interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
}

// Registry is the Postgres-backed key and rotation-job store.
type Registry struct {
	db DBTX
}

func NewRegistry(db DBTX) *Registry {
	return &Registry{db: db}
}

// ActiveKey returns tenantID's current active key, or nil if it has none
// (a tenant with encryption-at-rest not yet provisioned).
func (r *Registry) ActiveKey(ctx context.Context, tenantID uuid.UUID) (*KeyVersion, error) {
	var k KeyVersion
	k.TenantID = tenantID
	err := r.db.QueryRow(ctx,
		`SELECT version, status, provider, provider_key_id FROM public.tenant_keys
		 WHERE tenant_id = $1 AND status = 'active'`,
		tenantID,
	).Scan(&k.Version, &k.Status, &k.Provider, &k.ProviderKeyID)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// KeyByVersion returns a specific version of tenantID's key, active or
// retired, so historical records stay decryptable after rotation.
func (r *Registry) KeyByVersion(ctx context.Context, tenantID uuid.UUID, version int) (*KeyVersion, error) {
	var k KeyVersion
	k.TenantID = tenantID
	k.Version = version
	err := r.db.QueryRow(ctx,
		`SELECT status, provider, provider_key_id FROM public.tenant_keys
		 WHERE tenant_id = $1 AND version = $2`,
		tenantID, version,
	).Scan(&k.Status, &k.Provider, &k.ProviderKeyID)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// CreateInitialKey provisions a tenant's first key version (version 1,
// active).
func (r *Registry) CreateInitialKey(ctx context.Context, tenantID uuid.UUID, provider, providerKeyID string) (*KeyVersion, error) {
	_, err := r.db.Exec(ctx,
		`INSERT INTO public.tenant_keys (tenant_id, version, status, provider, provider_key_id, created_at)
		 VALUES ($1, 1, 'active', $2, $3, now())`,
		tenantID, provider, providerKeyID,
	)
	if err != nil {
		return nil, err
	}
	return &KeyVersion{TenantID: tenantID, Version: 1, Status: KeyActive, Provider: provider, ProviderKeyID: providerKeyID}, nil
}

// BeginRotation records a new queued rotation job for tenantID, or returns
// ErrKeyRotationInProg if one is already queued or running — spec §4.12's
// "one active [rotation] per tenant".
func (r *Registry) BeginRotation(ctx context.Context, tenantID uuid.UUID) (*RotationJob, error) {
	active, err := r.activeRotationJob(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, ErrKeyRotationInProg
	}

	key, err := r.ActiveKey(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, ErrEncryptionRequired
	}

	id := uuid.New()
	_, err = r.db.Exec(ctx,
		`INSERT INTO public.key_rotation_jobs (id, tenant_id, status, from_version, created_at)
		 VALUES ($1, $2, 'queued', $3, now())`,
		id, tenantID, key.Version,
	)
	if err != nil {
		return nil, err
	}
	return &RotationJob{ID: id, TenantID: tenantID, Status: JobQueued, FromVersion: key.Version}, nil
}

func (r *Registry) activeRotationJob(ctx context.Context, tenantID uuid.UUID) (*RotationJob, error) {
	var j RotationJob
	j.TenantID = tenantID
	err := r.db.QueryRow(ctx,
		`SELECT id, status, from_version FROM public.key_rotation_jobs
		 WHERE tenant_id = $1 AND status IN ('queued', 'running')
		 ORDER BY created_at LIMIT 1`,
		tenantID,
	).Scan(&j.ID, &j.Status, &j.FromVersion)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// ClaimNextQueuedJob atomically dequeues the oldest queued job across all
// tenants and marks it running, using Postgres's SELECT ... FOR UPDATE SKIP
// LOCKED so two worker instances never claim the same job.
func (r *Registry) ClaimNextQueuedJob(ctx context.Context) (*RotationJob, error) {
	var j RotationJob
	err := r.db.QueryRow(ctx,
		`UPDATE public.key_rotation_jobs SET status = 'running', started_at = now()
		 WHERE id = (
		   SELECT id FROM public.key_rotation_jobs
		   WHERE status = 'queued' ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, tenant_id, from_version`,
	).Scan(&j.ID, &j.TenantID, &j.FromVersion)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.Status = JobRunning
	return &j, nil
}

// CompleteRotation retires job's from_version key, activates a new version
// under newProviderKeyID (same provider as the retiring key), and marks the
// job completed.
func (r *Registry) CompleteRotation(ctx context.Context, job *RotationJob, provider, newProviderKeyID string) (*KeyVersion, error) {
	toVersion := job.FromVersion + 1

	if _, err := r.db.Exec(ctx,
		`UPDATE public.tenant_keys SET status = 'retired', retired_at = now()
		 WHERE tenant_id = $1 AND version = $2`,
		job.TenantID, job.FromVersion,
	); err != nil {
		return nil, err
	}

	if _, err := r.db.Exec(ctx,
		`INSERT INTO public.tenant_keys (tenant_id, version, status, provider, provider_key_id, created_at)
		 VALUES ($1, $2, 'active', $3, $4, now())`,
		job.TenantID, toVersion, provider, newProviderKeyID,
	); err != nil {
		return nil, err
	}

	if _, err := r.db.Exec(ctx,
		`UPDATE public.key_rotation_jobs SET status = 'completed', to_version = $1, completed_at = now()
		 WHERE id = $2`,
		toVersion, job.ID,
	); err != nil {
		return nil, err
	}

	return &KeyVersion{TenantID: job.TenantID, Version: toVersion, Status: KeyActive, Provider: provider, ProviderKeyID: newProviderKeyID}, nil
}

// FailRotation marks job failed with reason, leaving the prior key version
// active and untouched — a failed rotation never leaves a tenant without a
// usable active key.
func (r *Registry) FailRotation(ctx context.Context, job *RotationJob, reason string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE public.key_rotation_jobs SET status = 'failed', error = $1, completed_at = now()
		 WHERE id = $2`,
		reason, job.ID,
	)
	return err
}
