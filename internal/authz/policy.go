package authz

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Rows is the narrow slice of pgx.Rows that ListApplicable drives. Declaring
// it locally (rather than depending on pgx.Rows directly) keeps PolicyStore
// testable with an in-memory fake that never has to implement pgx.Rows'
// full surface (Values, RawValues, FieldDescriptions, Conn...).
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Effect is a policy's outcome when its condition matches.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Policy is one ABAC rule: if Condition evaluates true for a request
// matching ResourceType/Action, Effect applies.
type Policy struct {
	ID           uuid.UUID
	TenantID     *uuid.UUID // nil means the policy applies across all tenants
	ResourceType string
	Action       string
	Effect       Effect
	Condition    Node
	Priority     int
	Enabled      bool
}

// PolicyDBTX is the narrow subset of a pgx connection/pool the policy store
// needs.
type PolicyDBTX interface {
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
}

// PolicyStore loads ABAC policies from public.authz_policies.
type PolicyStore struct {
	db PolicyDBTX
}

func NewPolicyStore(db PolicyDBTX) *PolicyStore {
	return &PolicyStore{db: db}
}

// PoolPolicyDB adapts a *pgxpool.Pool to PolicyDBTX. pgx.Rows satisfies the
// narrower Rows interface structurally, so no wrapping is needed beyond the
// method signature.
type PoolPolicyDB struct {
	Pool *pgxpool.Pool
}

func (p *PoolPolicyDB) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	return p.Pool.Query(ctx, sql, args...)
}

func (p *PoolPolicyDB) Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error) {
	return p.Pool.Exec(ctx, sql, args...)
}

// CreatePolicy inserts a new ABAC policy, assigning it a fresh id.
func (s *PolicyStore) CreatePolicy(ctx context.Context, p Policy) (uuid.UUID, error) {
	conditionJSON, err := json.Marshal(p.Condition)
	if err != nil {
		return uuid.Nil, err
	}
	id := uuid.New()
	_, err = s.db.Exec(ctx,
		`INSERT INTO public.authz_policies (id, tenant_id, resource_type, action, effect, condition, priority, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, p.TenantID, p.ResourceType, p.Action, p.Effect, conditionJSON, p.Priority, p.Enabled,
	)
	return id, err
}

// SetEnabled toggles a policy on or off without altering its condition.
func (s *PolicyStore) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	_, err := s.db.Exec(ctx, `UPDATE public.authz_policies SET enabled = $1 WHERE id = $2`, enabled, id)
	return err
}

// DeletePolicy removes a policy.
func (s *PolicyStore) DeletePolicy(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM public.authz_policies WHERE id = $1`, id)
	return err
}

// ListApplicable returns enabled policies that could match resourceType and
// action for tenantID, ordered by priority descending then id ascending —
// the tie-break order spec §4.2 requires. When allowWildcards is false,
// policies authored with a "*" resource_type or action are excluded from
// the result entirely, so a caller who forgot to enable the flag never sees
// a wildcard rule silently win.
func (s *PolicyStore) ListApplicable(ctx context.Context, tenantID uuid.UUID, resourceType, action string, allowWildcards bool) ([]Policy, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, tenant_id, resource_type, action, effect, condition, priority, enabled
		 FROM public.authz_policies
		 WHERE enabled = true
		   AND (tenant_id IS NULL OR tenant_id = $1)
		   AND (resource_type = $2 OR resource_type = '*')
		   AND (action = $3 OR action = '*')
		 ORDER BY priority DESC, id ASC`,
		tenantID, resourceType, action,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []Policy
	for rows.Next() {
		var p Policy
		var conditionJSON []byte
		if err := rows.Scan(&p.ID, &p.TenantID, &p.ResourceType, &p.Action, &p.Effect, &conditionJSON, &p.Priority, &p.Enabled); err != nil {
			return nil, err
		}
		if !allowWildcards && (p.ResourceType == "*" || p.Action == "*") {
			continue
		}
		if err := json.Unmarshal(conditionJSON, &p.Condition); err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}
