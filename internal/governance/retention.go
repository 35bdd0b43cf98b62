package governance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/nexusrag/nexusrag/pkg/document"
)

// retentionPolicy decides purge-eligibility: a document is eligible once
// it is past the tenant's retention window and carries no active legal
// hold. Expressing this as Rego rather than Go keeps the rule auditable
// independently of a deploy — the same property spec §4.13 wants from the
// DSAR/retention path as a whole.
const retentionPolicy = `
package nexusrag.retention

default eligible := false

eligible if {
	input.age_days >= input.retention_days
	not input.held
}
`

// RetentionInput is the fact set one document's eligibility decision is
// evaluated against.
type RetentionInput struct {
	AgeDays       int  `json:"age_days"`
	RetentionDays int  `json:"retention_days"`
	Held          bool `json:"held"`
}

// Evaluator wraps a prepared Rego query so each eligibility check is a
// single Eval call rather than a recompile.
type Evaluator struct {
	query rego.PreparedEvalQuery
}

// NewEvaluator compiles the retention policy once at startup.
func NewEvaluator(ctx context.Context) (*Evaluator, error) {
	query, err := rego.New(
		rego.Query("data.nexusrag.retention.eligible"),
		rego.Module("retention.rego", retentionPolicy),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compiling retention policy: %w", err)
	}
	return &Evaluator{query: query}, nil
}

// RetentionEligible reports whether in is eligible for retention purge.
func (e *Evaluator) RetentionEligible(ctx context.Context, in RetentionInput) (bool, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return false, fmt.Errorf("evaluating retention policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	eligible, _ := results[0].Expressions[0].Value.(bool)
	return eligible, nil
}

// Sweeper is the retention sweep cron job (spec §4.13): every tenant's
// terminal documents past their configured retention window are purged
// unless a legal hold exempts them.
type Sweeper struct {
	governance    *Store
	evaluator     *Evaluator
	documents     *document.Store
	retentionDays int
	logger        *slog.Logger
}

func NewSweeper(governance *Store, evaluator *Evaluator, documents *document.Store, retentionDays int, logger *slog.Logger) *Sweeper {
	return &Sweeper{governance: governance, evaluator: evaluator, documents: documents, retentionDays: retentionDays, logger: logger}
}

// Run implements internal/platform.SweepFunc: it is registered on a cron
// schedule and purges every tenant's eligible documents in one pass.
func (s *Sweeper) Run(ctx context.Context) error {
	tenantIDs, err := s.distinctTenants(ctx)
	if err != nil {
		return fmt.Errorf("listing tenants for retention sweep: %w", err)
	}

	purged := 0
	for _, tenantID := range tenantIDs {
		docs, err := s.documents.List(ctx, tenantID, nil)
		if err != nil {
			s.logger.Error("retention sweep: listing documents", "tenant_id", tenantID, "error", err)
			continue
		}
		for _, d := range docs {
			if d.CompletedAt == nil {
				continue
			}
			held, err := s.governance.IsHeld(ctx, tenantID, "document", d.ID.String())
			if err != nil {
				s.logger.Error("retention sweep: checking legal hold", "document_id", d.ID, "error", err)
				continue
			}
			ageDays := int(time.Since(*d.CompletedAt).Hours() / 24)
			eligible, err := s.evaluator.RetentionEligible(ctx, RetentionInput{
				AgeDays: ageDays, RetentionDays: s.retentionDays, Held: held,
			})
			if err != nil {
				s.logger.Error("retention sweep: evaluating eligibility", "document_id", d.ID, "error", err)
				continue
			}
			if !eligible {
				continue
			}
			if err := s.documents.Delete(ctx, tenantID, d.ID); err != nil {
				s.logger.Error("retention sweep: purging document", "document_id", d.ID, "error", err)
				continue
			}
			purged++
		}
	}
	s.logger.Info("retention sweep completed", "purged", purged)
	return nil
}

func (s *Sweeper) distinctTenants(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.governance.db.Query(ctx, `SELECT id FROM public.tenants`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
