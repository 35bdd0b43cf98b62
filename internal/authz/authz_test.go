package authz

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/nexusrag/nexusrag/internal/auth"
)

func newTestAuthorizer(cfg Config, maintenanceGate MaintenanceGateFunc, policies []Policy) (*Authorizer, *fakeACLDB) {
	aclDB := newFakeACLDB()
	policyDB := &fakePolicyDB{policies: policies}
	return New(cfg, NewACLStore(aclDB), NewPolicyStore(policyDB), nil, nil, maintenanceGate), aclDB
}

func TestAuthorize_TenantMismatchDenies(t *testing.T) {
	authorizer, _ := newTestAuthorizer(Config{}, nil, nil)
	tenantA, tenantB := uuid.New(), uuid.New()

	decision, err := authorizer.Authorize(context.Background(), Request{
		Principal:      auth.Identity{TenantID: tenantA, Role: auth.RoleAdmin},
		ResourceTenant: tenantB,
		ResourceType:   ResourceDocument,
		Action:         ActionRead,
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if decision.Allowed || decision.Reason != ReasonTenantBoundary {
		t.Fatalf("decision = %+v, want tenant_boundary denial", decision)
	}
}

func TestAuthorize_MaintenanceGateBlocks(t *testing.T) {
	gate := func(context.Context, string, string) (bool, error) { return true, nil }
	authorizer, _ := newTestAuthorizer(Config{}, gate, nil)
	tenant := uuid.New()

	decision, err := authorizer.Authorize(context.Background(), Request{
		Principal:      auth.Identity{TenantID: tenant, Role: auth.RoleAdmin},
		ResourceTenant: tenant,
		ResourceType:   ResourceRun,
		Action:         ActionRead,
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if decision.Allowed || decision.Reason != ReasonMaintenance {
		t.Fatalf("decision = %+v, want maintenance denial", decision)
	}
}

func TestAuthorize_MaintenanceGateErrorPropagates(t *testing.T) {
	boom := errors.New("killswitch backend unavailable")
	gate := func(context.Context, string, string) (bool, error) { return false, boom }
	authorizer, _ := newTestAuthorizer(Config{}, gate, nil)
	tenant := uuid.New()

	_, err := authorizer.Authorize(context.Background(), Request{
		Principal:      auth.Identity{TenantID: tenant, Role: auth.RoleAdmin},
		ResourceTenant: tenant,
		ResourceType:   ResourceRun,
		Action:         ActionRead,
	})
	if err == nil {
		t.Fatal("expected the maintenance gate error to propagate")
	}
}

func TestAuthorize_RBACDeniesInsufficientRole(t *testing.T) {
	authorizer, _ := newTestAuthorizer(Config{}, nil, nil)
	tenant := uuid.New()

	decision, err := authorizer.Authorize(context.Background(), Request{
		Principal:      auth.Identity{TenantID: tenant, Role: auth.RoleReader, SubjectID: "user-1"},
		ResourceTenant: tenant,
		ResourceType:   ResourceDocument,
		Action:         ActionWrite,
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if decision.Allowed || decision.Reason != ReasonRBAC {
		t.Fatalf("decision = %+v, want rbac denial for reader attempting a write", decision)
	}
}

func TestAuthorize_DocumentACLDeniesWithoutGrant(t *testing.T) {
	authorizer, _ := newTestAuthorizer(Config{}, nil, nil)
	tenant := uuid.New()
	docID := uuid.New()

	decision, err := authorizer.Authorize(context.Background(), Request{
		Principal:      auth.Identity{TenantID: tenant, Role: auth.RoleEditor, SubjectID: "user-1"},
		ResourceTenant: tenant,
		ResourceType:   ResourceDocument,
		Action:         ActionRead,
		ResourceID:     &docID,
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if decision.Allowed || decision.Reason != ReasonACL {
		t.Fatalf("decision = %+v, want acl denial with no grant on file", decision)
	}
}

func TestAuthorize_DocumentACLAllowsOwner(t *testing.T) {
	authorizer, aclDB := newTestAuthorizer(Config{}, nil, nil)
	tenant := uuid.New()
	docID := uuid.New()
	aclDB.grants[key(docID, "user-1")] = fakeGrant{level: GrantOwner}

	decision, err := authorizer.Authorize(context.Background(), Request{
		Principal:      auth.Identity{TenantID: tenant, Role: auth.RoleEditor, SubjectID: "user-1"},
		ResourceTenant: tenant,
		ResourceType:   ResourceDocument,
		Action:         ActionWrite,
		ResourceID:     &docID,
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("decision = %+v, want allow for the document's owner", decision)
	}
}

func TestAuthorize_AdminDoesNotBypassACLByDefault(t *testing.T) {
	authorizer, _ := newTestAuthorizer(Config{}, nil, nil)
	tenant := uuid.New()
	docID := uuid.New()

	decision, err := authorizer.Authorize(context.Background(), Request{
		Principal:      auth.Identity{TenantID: tenant, Role: auth.RoleAdmin, SubjectID: "admin-1"},
		ResourceTenant: tenant,
		ResourceType:   ResourceDocument,
		Action:         ActionRead,
		ResourceID:     &docID,
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if decision.Allowed {
		t.Fatal("admin must not bypass document ACLs unless AdminBypassACL is set")
	}
}

func TestAuthorize_AdminBypassACLWhenFlagSet(t *testing.T) {
	authorizer, _ := newTestAuthorizer(Config{AdminBypassACL: true}, nil, nil)
	tenant := uuid.New()
	docID := uuid.New()

	decision, err := authorizer.Authorize(context.Background(), Request{
		Principal:      auth.Identity{TenantID: tenant, Role: auth.RoleAdmin, SubjectID: "admin-1"},
		ResourceTenant: tenant,
		ResourceType:   ResourceDocument,
		Action:         ActionRead,
		ResourceID:     &docID,
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("decision = %+v, want allow once AdminBypassACL permits skipping the ACL stage", decision)
	}
}

func TestAuthorize_ABACDenyWinsOverAllow(t *testing.T) {
	tenant := uuid.New()
	policies := []Policy{
		{ID: uuid.New(), ResourceType: ResourceCorpus, Action: ActionRead, Effect: EffectAllow, Priority: 0, Enabled: true, Condition: constNode(true)},
		{ID: uuid.New(), ResourceType: ResourceCorpus, Action: ActionRead, Effect: EffectDeny, Priority: 10, Enabled: true,
			Condition: eqNode(varNode("principal.role"), constNode("reader"))},
	}
	authorizer, _ := newTestAuthorizer(Config{ABACEnabled: true}, nil, policies)

	decision, err := authorizer.Authorize(context.Background(), Request{
		Principal:      auth.Identity{TenantID: tenant, Role: auth.RoleReader, SubjectID: "user-1"},
		ResourceTenant: tenant,
		ResourceType:   ResourceCorpus,
		Action:         ActionRead,
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if decision.Allowed || decision.Reason != ReasonABACDeny {
		t.Fatalf("decision = %+v, want the higher-priority deny policy to win", decision)
	}
}

func TestAuthorize_DefaultDenyWhenNoPolicyMatches(t *testing.T) {
	tenant := uuid.New()
	authorizer, _ := newTestAuthorizer(Config{ABACEnabled: true, DefaultDeny: true}, nil, nil)

	decision, err := authorizer.Authorize(context.Background(), Request{
		Principal:      auth.Identity{TenantID: tenant, Role: auth.RoleReader, SubjectID: "user-1"},
		ResourceTenant: tenant,
		ResourceType:   ResourceCorpus,
		Action:         ActionRead,
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if decision.Allowed || decision.Reason != ReasonDefaultDeny {
		t.Fatalf("decision = %+v, want default_deny with zero matching policies", decision)
	}
}

func TestAuthorize_NoDefaultDenyAllowsWhenNoPolicyMatches(t *testing.T) {
	tenant := uuid.New()
	authorizer, _ := newTestAuthorizer(Config{ABACEnabled: true, DefaultDeny: false}, nil, nil)

	decision, err := authorizer.Authorize(context.Background(), Request{
		Principal:      auth.Identity{TenantID: tenant, Role: auth.RoleReader, SubjectID: "user-1"},
		ResourceTenant: tenant,
		ResourceType:   ResourceCorpus,
		Action:         ActionRead,
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("decision = %+v, want allow when AUTHZ_DEFAULT_DENY is false and nothing matched", decision)
	}
}
