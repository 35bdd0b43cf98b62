package killswitch

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// fakeDBTX is a tiny in-memory Postgres stand-in for the three small
// tables this package reads and writes, keyed by SQL shape like the other
// admission-control packages' fakes.
type fakeDBTX struct {
	killSwitches map[string]bool
	canary       map[string]int
	writeFrozen  map[uuid.UUID]bool
}

func newFakeDBTX() *fakeDBTX {
	return &fakeDBTX{
		killSwitches: map[string]bool{},
		canary:       map[string]int{},
		writeFrozen:  map[uuid.UUID]bool{},
	}
}

func (f *fakeDBTX) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	switch {
	case contains(sql, "FROM public.kill_switches"):
		key := args[0].(string)
		v, ok := f.killSwitches[key]
		if !ok {
			return fakeRow{missing: true}
		}
		return fakeRow{values: []any{v}}
	case contains(sql, "FROM public.canary_flags"):
		feature := args[0].(string)
		v, ok := f.canary[feature]
		if !ok {
			return fakeRow{missing: true}
		}
		return fakeRow{values: []any{v}}
	case contains(sql, "FROM public.tenants"):
		id := args[0].(uuid.UUID)
		v, ok := f.writeFrozen[id]
		if !ok {
			return fakeRow{missing: true}
		}
		return fakeRow{values: []any{v}}
	}
	return fakeRow{missing: true}
}

func (f *fakeDBTX) Exec(_ context.Context, sql string, args ...any) (pgx.CommandTag, error) {
	switch {
	case contains(sql, "INTO public.kill_switches"):
		f.killSwitches[args[0].(string)] = args[1].(bool)
	case contains(sql, "INTO public.canary_flags"):
		f.canary[args[0].(string)] = args[1].(int)
	case contains(sql, "UPDATE public.tenants SET write_frozen"):
		f.writeFrozen[args[1].(uuid.UUID)] = args[0].(bool)
	}
	return pgx.CommandTag{}, nil
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

type fakeRow struct {
	values  []any
	missing bool
}

func (r fakeRow) Scan(dest ...any) error {
	if r.missing {
		return pgx.ErrNoRows
	}
	for i, d := range dest {
		switch v := d.(type) {
		case *bool:
			*v = r.values[i].(bool)
		case *int:
			*v = r.values[i].(int)
		}
	}
	return nil
}

func TestChecker_IsKilled(t *testing.T) {
	db := newFakeDBTX()
	checker := NewChecker(db, nil)

	killed, err := checker.IsKilled(context.Background(), KillRun)
	if err != nil {
		t.Fatalf("IsKilled() error = %v", err)
	}
	if killed {
		t.Error("killed = true, want false before any toggle")
	}

	if err := checker.SetKillSwitch(context.Background(), KillRun, true); err != nil {
		t.Fatalf("SetKillSwitch() error = %v", err)
	}

	killed, err = checker.IsKilled(context.Background(), KillRun)
	if err != nil {
		t.Fatalf("IsKilled() error = %v", err)
	}
	if !killed {
		t.Error("killed = false, want true after toggling on")
	}
}

func TestChecker_UnknownKillSwitchIsNotKilled(t *testing.T) {
	db := newFakeDBTX()
	checker := NewChecker(db, nil)

	killed, err := checker.IsKilled(context.Background(), "kill.unknown")
	if err != nil {
		t.Fatalf("IsKilled() error = %v", err)
	}
	if killed {
		t.Error("killed = true, want false for an unconfigured key")
	}
}

func TestChecker_CanaryBucketingIsStable(t *testing.T) {
	db := newFakeDBTX()
	checker := NewChecker(db, nil)
	tenantID := uuid.New()

	if err := checker.SetCanary(context.Background(), "feature.x", 100); err != nil {
		t.Fatalf("SetCanary() error = %v", err)
	}
	in1, err := checker.InCanary(context.Background(), tenantID, "feature.x")
	if err != nil {
		t.Fatalf("InCanary() error = %v", err)
	}
	if !in1 {
		t.Error("InCanary = false at 100%, want true")
	}

	if err := checker.SetCanary(context.Background(), "feature.x", 0); err != nil {
		t.Fatalf("SetCanary() error = %v", err)
	}
	in2, err := checker.InCanary(context.Background(), tenantID, "feature.x")
	if err != nil {
		t.Fatalf("InCanary() error = %v", err)
	}
	if in2 {
		t.Error("InCanary = true at 0%, want false")
	}
}

func TestChecker_CanaryDefaultsToNotIncludedWhenUnset(t *testing.T) {
	db := newFakeDBTX()
	checker := NewChecker(db, nil)

	in, err := checker.InCanary(context.Background(), uuid.New(), "feature.unconfigured")
	if err != nil {
		t.Fatalf("InCanary() error = %v", err)
	}
	if in {
		t.Error("InCanary = true, want false when no canary flag exists")
	}
}

func TestChecker_WriteFreezeOperatorToggle(t *testing.T) {
	db := newFakeDBTX()
	checker := NewChecker(db, nil)
	tenantID := uuid.New()
	db.writeFrozen[tenantID] = false

	frozen, err := checker.IsWriteFrozen(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("IsWriteFrozen() error = %v", err)
	}
	if frozen {
		t.Error("frozen = true, want false")
	}

	if err := checker.SetWriteFrozen(context.Background(), tenantID, true); err != nil {
		t.Fatalf("SetWriteFrozen() error = %v", err)
	}

	frozen, err = checker.IsWriteFrozen(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("IsWriteFrozen() error = %v", err)
	}
	if !frozen {
		t.Error("frozen = false, want true after toggling on")
	}
}

func TestChecker_WriteFreezeAutoEngagesOffPrimary(t *testing.T) {
	db := newFakeDBTX()
	tenantID := uuid.New()
	db.writeFrozen[tenantID] = false

	notPrimary := func(context.Context) (bool, error) { return false, nil }
	checker := NewChecker(db, notPrimary)

	frozen, err := checker.IsWriteFrozen(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("IsWriteFrozen() error = %v", err)
	}
	if !frozen {
		t.Error("frozen = false, want true when this region is not the active primary")
	}
}

func TestChecker_RegionStatusErrorPropagates(t *testing.T) {
	db := newFakeDBTX()
	boom := errors.New("region status unavailable")
	checker := NewChecker(db, func(context.Context) (bool, error) { return false, boom })

	_, err := checker.IsWriteFrozen(context.Background(), uuid.New())
	if err == nil {
		t.Fatal("expected an error when region status lookup fails")
	}
}
