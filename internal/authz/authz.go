package authz

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nexusrag/nexusrag/internal/auth"
)

// Resource types and actions covered by the RBAC role matrix in spec §6.
const (
	ResourceRun      = "run"
	ResourceDocument = "document"
	ResourceCorpus   = "corpus"
	ResourceAudit    = "audit"
	ResourceOps      = "ops"
	ResourceAdmin    = "admin"

	ActionRead   = "read"
	ActionWrite  = "write"
	ActionDelete = "delete"
)

// Reason identifies which stage of the decision pipeline produced a denial,
// for logging and for the admin simulate endpoint's explanation trace.
type Reason string

const (
	ReasonTenantBoundary Reason = "tenant_boundary"
	ReasonMaintenance    Reason = "maintenance"
	ReasonRBAC           Reason = "rbac"
	ReasonACL            Reason = "acl"
	ReasonABACDeny       Reason = "abac_deny"
	ReasonDefaultDeny    Reason = "default_deny"
	ReasonAllowed        Reason = "allowed"
)

// Decision is the outcome of one Authorize call.
type Decision struct {
	Allowed bool
	Reason  Reason
	// MatchedPolicyID is set when an ABAC policy produced the decision.
	MatchedPolicyID *uuid.UUID
}

// roleLevel mirrors internal/auth's hierarchy for the RBAC gate.
var roleLevel = map[string]int{
	auth.RoleReader: 10,
	auth.RoleEditor: 20,
	auth.RoleAdmin:  30,
}

// RoleMatrixFunc returns the minimum role required for resourceType/action,
// and whether the RBAC gate applies at all (false lets the request fall
// through to the ACL/ABAC stages unconstrained by role).
type RoleMatrixFunc func(resourceType, action string) (minRole string, applies bool)

// DefaultRoleMatrix implements the role matrix from spec §6: reader can read
// run/document/corpus; editor can additionally write/delete document and
// corpus; admin is required for audit/ops/admin resources.
func DefaultRoleMatrix(resourceType, action string) (string, bool) {
	switch resourceType {
	case ResourceRun, ResourceDocument, ResourceCorpus:
		if action == ActionRead {
			return auth.RoleReader, true
		}
		return auth.RoleEditor, true
	case ResourceAudit, ResourceOps, ResourceAdmin:
		return auth.RoleAdmin, true
	default:
		return "", false
	}
}

// MaintenanceGateFunc reports whether resourceType/action is currently
// blocked by a kill switch or write freeze. Wired to internal/killswitch.
type MaintenanceGateFunc func(ctx context.Context, resourceType, action string) (blocked bool, err error)

// ACLRequiredFunc reports whether resourceType is subject to per-resource
// ACL grants (only "document" by default).
type ACLRequiredFunc func(resourceType string) bool

func DefaultACLRequired(resourceType string) bool {
	return resourceType == ResourceDocument
}

// Config controls the optional, flag-gated stages of the pipeline.
type Config struct {
	// DefaultDeny makes stage 5 deny a request when no policy matched at
	// all (AUTHZ_DEFAULT_DENY).
	DefaultDeny bool
	// ABACEnabled toggles stage 5 entirely (AUTHZ_ABAC_ENABLED).
	ABACEnabled bool
	// AllowWildcards lets policies authored with resource_type/action "*"
	// match (AUTHZ_ALLOW_WILDCARDS).
	AllowWildcards bool
	// AdminBypassACL lets the admin role skip the document ACL stage.
	// Per spec §6, admin does NOT bypass ACLs unless this is set.
	AdminBypassACL bool
}

// Authorizer evaluates the five-stage decision order from spec §4.2 for a
// single (principal, resource, action) request.
type Authorizer struct {
	cfg             Config
	roleMatrix      RoleMatrixFunc
	aclRequired     ACLRequiredFunc
	maintenanceGate MaintenanceGateFunc
	acls            *ACLStore
	policies        *PolicyStore
}

// New builds an Authorizer. maintenanceGate may be nil (no maintenance
// gating); roleMatrix and aclRequired default to DefaultRoleMatrix and
// DefaultACLRequired when nil.
func New(cfg Config, acls *ACLStore, policies *PolicyStore, roleMatrix RoleMatrixFunc, aclRequired ACLRequiredFunc, maintenanceGate MaintenanceGateFunc) *Authorizer {
	if roleMatrix == nil {
		roleMatrix = DefaultRoleMatrix
	}
	if aclRequired == nil {
		aclRequired = DefaultACLRequired
	}
	return &Authorizer{
		cfg:             cfg,
		roleMatrix:      roleMatrix,
		aclRequired:     aclRequired,
		maintenanceGate: maintenanceGate,
		acls:            acls,
		policies:        policies,
	}
}

// Request describes the access being attempted, for Authorize.
type Request struct {
	Principal      auth.Identity
	ResourceTenant uuid.UUID
	ResourceType   string
	Action         string
	ResourceID     *uuid.UUID // required when aclRequired(ResourceType)
	ResourceLabels []byte     // jsonb, for resource.labels.* var references
	RequestIP      string
}

// Authorize runs the full decision pipeline: tenant boundary, maintenance
// gate, RBAC, document ACL, ABAC.
func (a *Authorizer) Authorize(ctx context.Context, req Request) (Decision, error) {
	if req.Principal.TenantID != req.ResourceTenant {
		return Decision{Allowed: false, Reason: ReasonTenantBoundary}, nil
	}

	if a.maintenanceGate != nil {
		blocked, err := a.maintenanceGate(ctx, req.ResourceType, req.Action)
		if err != nil {
			return Decision{}, err
		}
		if blocked {
			return Decision{Allowed: false, Reason: ReasonMaintenance}, nil
		}
	}

	if minRole, applies := a.roleMatrix(req.ResourceType, req.Action); applies {
		if roleLevel[req.Principal.Role] < roleLevel[minRole] {
			return Decision{Allowed: false, Reason: ReasonRBAC}, nil
		}
	}

	if a.acls != nil && a.aclRequired(req.ResourceType) && !(req.Principal.Role == auth.RoleAdmin && a.cfg.AdminBypassACL) {
		if req.ResourceID == nil {
			return Decision{Allowed: false, Reason: ReasonACL}, nil
		}
		required := GrantRead
		if req.Action != ActionRead {
			required = GrantWrite
		}
		grant, err := a.acls.Lookup(ctx, *req.ResourceID, req.Principal.SubjectID)
		if err != nil {
			return Decision{}, err
		}
		if grant == nil || !grant.Satisfies(required) {
			return Decision{Allowed: false, Reason: ReasonACL}, nil
		}
	}

	if a.cfg.ABACEnabled && a.policies != nil {
		policies, err := a.policies.ListApplicable(ctx, req.ResourceTenant, req.ResourceType, req.Action, a.cfg.AllowWildcards)
		if err != nil {
			return Decision{}, err
		}

		rc := &RequestContext{
			PrincipalRole:      req.Principal.Role,
			PrincipalTenantID:  req.Principal.TenantID.String(),
			PrincipalSubjectID: req.Principal.SubjectID,
			ResourceLabels:     req.ResourceLabels,
			Action:             req.Action,
			RequestTime:        time.Now().UTC(),
			RequestIP:          req.RequestIP,
		}

		matchedAllow := false
		for _, p := range policies {
			if !Eval(p.Condition, rc) {
				continue
			}
			if p.Effect == EffectDeny {
				id := p.ID
				return Decision{Allowed: false, Reason: ReasonABACDeny, MatchedPolicyID: &id}, nil
			}
			matchedAllow = true
		}
		if !matchedAllow && a.cfg.DefaultDeny {
			return Decision{Allowed: false, Reason: ReasonDefaultDeny}, nil
		}
	}

	return Decision{Allowed: true, Reason: ReasonAllowed}, nil
}
