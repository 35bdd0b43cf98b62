// Package entitlement implements plan-based feature gating (spec C6): a
// feature key is enabled when the tenant's plan enables it and no
// per-tenant override disables it — an override can also force-enable a
// feature the plan doesn't carry.
package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Well-known feature keys referenced by enforcement sites in spec §4.6.
const (
	FeatureTTS                   = "feature.tts"
	FeatureRetrievalAWSBedrockKB = "feature.retrieval.aws_bedrock_kb"
	FeatureRetrievalGCPVertex    = "feature.retrieval.gcp_vertex"
	FeatureOpsAuditEndpoints     = "feature.ops.audit_endpoints"
	FeatureCorpusProviderConfig  = "feature.corpus.provider_config_patch"
)

// ErrNotFound is returned when the tenant or its plan cannot be resolved.
var ErrNotFound = errors.New("tenant or plan not found")

// DBTX is the minimal pgx surface this package needs.
type DBTX interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Checker resolves feature-key entitlement decisions from a tenant's plan
// and overrides, both stored alongside the tenant row and the plan
// catalog — no separate cache layer, since entitlement checks are cheap
// single-row reads and staleness here directly controls billing-relevant
// behavior.
type Checker struct {
	db DBTX
}

func NewChecker(db DBTX) *Checker {
	return &Checker{db: db}
}

// IsEnabled reports whether featureKey is enabled for tenantID.
func (c *Checker) IsEnabled(ctx context.Context, tenantID uuid.UUID, featureKey string) (bool, error) {
	var planID string
	var overridesRaw []byte
	row := c.db.QueryRow(ctx, `SELECT plan_id, overrides FROM public.tenants WHERE id = $1`, tenantID)
	if err := row.Scan(&planID, &overridesRaw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("resolving tenant plan: %w", err)
	}

	var overrides map[string]bool
	if len(overridesRaw) > 0 {
		if err := json.Unmarshal(overridesRaw, &overrides); err != nil {
			return false, fmt.Errorf("decoding tenant overrides: %w", err)
		}
	}
	if enabled, ok := overrides[featureKey]; ok {
		return enabled, nil
	}

	var featuresRaw []byte
	row = c.db.QueryRow(ctx, `SELECT features FROM public.plans WHERE id = $1`, planID)
	if err := row.Scan(&featuresRaw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil // unknown plan grants nothing by default
		}
		return false, fmt.Errorf("resolving plan features: %w", err)
	}

	var features map[string]bool
	if len(featuresRaw) > 0 {
		if err := json.Unmarshal(featuresRaw, &features); err != nil {
			return false, fmt.Errorf("decoding plan features: %w", err)
		}
	}

	return features[featureKey], nil
}
