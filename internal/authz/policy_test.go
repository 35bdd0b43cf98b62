package authz

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// fakePolicyDB holds policies in memory and replays ListApplicable's
// filtering/ordering in Go rather than SQL, so the test exercises the same
// contract a real Postgres backend provides.
type fakePolicyDB struct {
	policies []Policy
}

func (f *fakePolicyDB) Query(_ context.Context, _ string, args ...any) (Rows, error) {
	tenantID := args[0].(uuid.UUID)
	resourceType := args[1].(string)
	action := args[2].(string)

	var matched []Policy
	for _, p := range f.policies {
		if !p.Enabled {
			continue
		}
		if p.TenantID != nil && *p.TenantID != tenantID {
			continue
		}
		if p.ResourceType != resourceType && p.ResourceType != "*" {
			continue
		}
		if p.Action != action && p.Action != "*" {
			continue
		}
		matched = append(matched, p)
	}
	// priority desc, id asc
	for i := 0; i < len(matched); i++ {
		for j := i + 1; j < len(matched); j++ {
			a, b := matched[i], matched[j]
			if b.Priority > a.Priority || (b.Priority == a.Priority && b.ID.String() < a.ID.String()) {
				matched[i], matched[j] = matched[j], matched[i]
			}
		}
	}
	return &fakeRows{policies: matched}, nil
}

func (f *fakePolicyDB) Exec(_ context.Context, _ string, _ ...any) (pgx.CommandTag, error) {
	return pgx.CommandTag{}, nil
}

type fakeRows struct {
	policies []Policy
	idx      int
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.policies) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	p := r.policies[r.idx-1]
	conditionJSON, _ := json.Marshal(p.Condition)
	*dest[0].(*uuid.UUID) = p.ID
	*dest[1].(**uuid.UUID) = p.TenantID
	*dest[2].(*string) = p.ResourceType
	*dest[3].(*string) = p.Action
	*dest[4].(*Effect) = p.Effect
	*dest[5].(*[]byte) = conditionJSON
	*dest[6].(*int) = p.Priority
	*dest[7].(*bool) = p.Enabled
	return nil
}

func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) Close()     {}

func TestPolicyStore_OrdersByPriorityThenID(t *testing.T) {
	tenantID := uuid.New()
	low := Policy{ID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), ResourceType: ResourceDocument, Action: ActionRead, Effect: EffectAllow, Priority: 1, Enabled: true, Condition: constNode(true)}
	high := Policy{ID: uuid.MustParse("00000000-0000-0000-0000-000000000002"), ResourceType: ResourceDocument, Action: ActionRead, Effect: EffectAllow, Priority: 5, Enabled: true, Condition: constNode(true)}
	db := &fakePolicyDB{policies: []Policy{low, high}}
	store := NewPolicyStore(db)

	got, err := store.ListApplicable(context.Background(), tenantID, ResourceDocument, ActionRead, false)
	if err != nil {
		t.Fatalf("ListApplicable() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != high.ID {
		t.Fatalf("expected higher-priority policy first, got %+v", got)
	}
}

func TestPolicyStore_ExcludesWildcardsUnlessAllowed(t *testing.T) {
	tenantID := uuid.New()
	wildcard := Policy{ID: uuid.New(), ResourceType: "*", Action: ActionRead, Effect: EffectAllow, Priority: 0, Enabled: true, Condition: constNode(true)}
	db := &fakePolicyDB{policies: []Policy{wildcard}}
	store := NewPolicyStore(db)

	got, err := store.ListApplicable(context.Background(), tenantID, ResourceDocument, ActionRead, false)
	if err != nil {
		t.Fatalf("ListApplicable() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected wildcard policy excluded, got %+v", got)
	}

	got, err = store.ListApplicable(context.Background(), tenantID, ResourceDocument, ActionRead, true)
	if err != nil {
		t.Fatalf("ListApplicable() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected wildcard policy included when allowed, got %+v", got)
	}
}

func TestPolicyStore_SkipsDisabledAndOtherTenants(t *testing.T) {
	tenantID := uuid.New()
	other := uuid.New()
	disabled := Policy{ID: uuid.New(), ResourceType: ResourceDocument, Action: ActionRead, Effect: EffectAllow, Enabled: false, Condition: constNode(true)}
	otherTenant := Policy{ID: uuid.New(), TenantID: &other, ResourceType: ResourceDocument, Action: ActionRead, Effect: EffectAllow, Enabled: true, Condition: constNode(true)}
	db := &fakePolicyDB{policies: []Policy{disabled, otherTenant}}
	store := NewPolicyStore(db)

	got, err := store.ListApplicable(context.Background(), tenantID, ResourceDocument, ActionRead, false)
	if err != nil {
		t.Fatalf("ListApplicable() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no policies visible, got %+v", got)
	}
}
