package retrieval

import "testing"

func TestProviderConfig_NormalizeEmptyDefaultsToLocalPgvector(t *testing.T) {
	got := ProviderConfig{}.Normalize()
	if got.Kind != ProviderLocalPgvector {
		t.Errorf("Kind = %q, want %q", got.Kind, ProviderLocalPgvector)
	}
	if got.TopKDefault != DefaultTopK {
		t.Errorf("TopKDefault = %d, want %d", got.TopKDefault, DefaultTopK)
	}
}

func TestProviderConfig_NormalizePreservesExplicitKind(t *testing.T) {
	got := ProviderConfig{Kind: ProviderGCPVertex, TopKDefault: 10}.Normalize()
	if got.Kind != ProviderGCPVertex {
		t.Errorf("Kind = %q, want %q", got.Kind, ProviderGCPVertex)
	}
	if got.TopKDefault != 10 {
		t.Errorf("TopKDefault = %d, want 10", got.TopKDefault)
	}
}
