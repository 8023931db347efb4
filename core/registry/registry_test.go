package registry

import (
	"context"
	"testing"

	"github.com/adalundhe/viable/core/config"
	"github.com/adalundhe/viable/core/errors"
	"github.com/adalundhe/viable/core/providers"
)

// fixedEmbedder returns a preset vector for every input, or a fixed error.
type fixedEmbedder struct {
	vector []float32
	err    error
	calls  int
}

func (f *fixedEmbedder) Name() string { return "fixed" }

func (f *fixedEmbedder) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = f.vector
	}
	return out, nil
}

func newTestRegistry(t *testing.T, embedder providers.EmbeddingProvider) *Registry {
	t.Helper()
	r := New(config.RegistryConfig{MatchThreshold: 0.8, MaxResults: 10}, embedder, nil)
	t.Cleanup(r.Close)
	return r
}

func register(t *testing.T, r *Registry, name, description string, embedding []float32) *Capability {
	t.Helper()
	capability, err := r.Register(RegisterInput{
		Name:        name,
		Description: description,
		Provider:    "local",
		Embedding:   embedding,
	})
	if err != nil {
		t.Fatalf("Register(%s) error: %v", name, err)
	}
	return capability
}

func TestRegister_AssignsIDAndDefaults(t *testing.T) {
	r := newTestRegistry(t, nil)

	capability := register(t, r, "code_search", "search the codebase", nil)
	if capability.ID == "" {
		t.Error("Register should assign an id")
	}
	if capability.Version != "1.0.0" {
		t.Errorf("default version = %q, want 1.0.0", capability.Version)
	}
}

func TestRegister_RejectsMissingFields(t *testing.T) {
	r := newTestRegistry(t, nil)

	_, err := r.Register(RegisterInput{Name: "x", Description: "y"})
	if err == nil {
		t.Fatal("missing provider should fail")
	}
	if !errors.IsKind(err, errors.KindValidation) {
		t.Errorf("error kind = %v, want validation", errors.KindOf(err))
	}
}

func TestRegister_NameConflictIsAtomic(t *testing.T) {
	r := newTestRegistry(t, nil)

	register(t, r, "code_search", "first", nil)
	_, err := r.Register(RegisterInput{
		Name:        "code_search",
		Description: "second",
		Provider:    "local",
	})
	if err == nil {
		t.Fatal("duplicate name should fail")
	}
	if !errors.IsKind(err, errors.KindStateConflict) {
		t.Errorf("error kind = %v, want state_conflict", errors.KindOf(err))
	}
	if stats := r.Stats(); stats.Total != 1 {
		t.Errorf("registry should hold 1 capability, got %d", stats.Total)
	}
}

func TestGetByName_AndUnregister(t *testing.T) {
	r := newTestRegistry(t, nil)
	capability := register(t, r, "formatter", "format source", nil)

	byName, err := r.GetByName("formatter")
	if err != nil {
		t.Fatalf("GetByName error: %v", err)
	}
	if byName.ID != capability.ID {
		t.Errorf("GetByName id = %q, want %q", byName.ID, capability.ID)
	}

	if err := r.Unregister(capability.ID); err != nil {
		t.Fatalf("Unregister error: %v", err)
	}
	if _, err := r.GetByName("formatter"); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("after unregister, GetByName should be not_found, got %v", err)
	}
	if err := r.Unregister(capability.ID); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("double unregister should be not_found, got %v", err)
	}
}

func TestList_SortedByName(t *testing.T) {
	r := newTestRegistry(t, nil)
	register(t, r, "zeta", "last", nil)
	register(t, r, "alpha", "first", nil)
	register(t, r, "mid", "middle", nil)

	listed := r.List()
	if len(listed) != 3 {
		t.Fatalf("List() len = %d, want 3", len(listed))
	}
	for i, want := range []string{"alpha", "mid", "zeta"} {
		if listed[i].Name != want {
			t.Errorf("List()[%d].Name = %q, want %q", i, listed[i].Name, want)
		}
	}
}

func TestMatchSemantic_ThresholdAndOrdering(t *testing.T) {
	r := newTestRegistry(t, nil)
	register(t, r, "exact", "identical vector", []float32{1, 0, 0})
	register(t, r, "close", "nearby vector", []float32{0.9, 0.1, 0})
	register(t, r, "far", "orthogonal vector", []float32{0, 1, 0})
	register(t, r, "unembedded", "no vector at all", nil)

	matches := r.MatchSemantic([]float32{1, 0, 0}, DiscoverOptions{})
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2 (far and unembedded excluded)", len(matches))
	}
	if matches[0].Capability.Name != "exact" || matches[1].Capability.Name != "close" {
		t.Errorf("order = %q, %q; want exact, close",
			matches[0].Capability.Name, matches[1].Capability.Name)
	}
	if matches[0].Score < matches[1].Score {
		t.Error("matches should be sorted by descending score")
	}
}

func TestMatchSemantic_LimitAndFilter(t *testing.T) {
	r := newTestRegistry(t, nil)
	register(t, r, "a", "one", []float32{1, 0})
	register(t, r, "b", "two", []float32{1, 0})
	register(t, r, "c", "three", []float32{1, 0})

	matches := r.MatchSemantic([]float32{1, 0}, DiscoverOptions{Limit: 2})
	if len(matches) != 2 {
		t.Errorf("limited matches = %d, want 2", len(matches))
	}

	matches = r.MatchSemantic([]float32{1, 0}, DiscoverOptions{
		Filter: func(c *Capability) bool { return c.Name != "b" },
	})
	for _, match := range matches {
		if match.Capability.Name == "b" {
			t.Error("filter should have dropped capability b")
		}
	}
}

func TestDiscover_SemanticPath(t *testing.T) {
	embedder := &fixedEmbedder{vector: []float32{1, 0}}
	r := newTestRegistry(t, embedder)
	register(t, r, "search", "find things", []float32{1, 0})

	matches := r.Discover(context.Background(), "find things", DiscoverOptions{})
	if len(matches) != 1 {
		t.Fatalf("Discover matches = %d, want 1", len(matches))
	}
	if stats := r.Stats(); stats.SemanticHits != 1 || stats.KeywordFallbacks != 0 {
		t.Errorf("stats = %+v, want one semantic hit", stats)
	}
}

func TestDiscover_FallsBackOnEmbeddingFailure(t *testing.T) {
	embedder := &fixedEmbedder{err: errors.New(errors.KindTransport, "provider down")}
	r := newTestRegistry(t, embedder)
	register(t, r, "code_search", "search the codebase for symbols", nil)
	register(t, r, "formatter", "format source files", nil)

	matches := r.Discover(context.Background(), "search codebase", DiscoverOptions{})
	if len(matches) != 1 {
		t.Fatalf("fallback matches = %d, want 1", len(matches))
	}
	if matches[0].Capability.Name != "code_search" {
		t.Errorf("fallback match = %q, want code_search", matches[0].Capability.Name)
	}
	if stats := r.Stats(); stats.KeywordFallbacks != 1 {
		t.Errorf("keyword fallbacks = %d, want 1", stats.KeywordFallbacks)
	}
}

func TestDiscover_NilEmbedderUsesFallback(t *testing.T) {
	r := newTestRegistry(t, nil)
	register(t, r, "deploy", "ship a release to production", nil)

	matches := r.Discover(context.Background(), "ship release", DiscoverOptions{})
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
}

func TestKeywordMatch_Deterministic(t *testing.T) {
	r := newTestRegistry(t, nil)
	register(t, r, "alpha", "build test deploy", nil)
	register(t, r, "beta", "build test deploy", nil)

	first := r.keywordMatch("build deploy", DiscoverOptions{})
	for i := 0; i < 10; i++ {
		again := r.keywordMatch("build deploy", DiscoverOptions{})
		if len(again) != len(first) {
			t.Fatalf("result count changed between runs")
		}
		for j := range again {
			if again[j].Capability.Name != first[j].Capability.Name {
				t.Fatalf("ordering changed between runs")
			}
		}
	}
	// Equal overlap breaks ties by name.
	if first[0].Capability.Name != "alpha" {
		t.Errorf("tie-break order = %q, want alpha first", first[0].Capability.Name)
	}
}

func TestUpdateEmbedding(t *testing.T) {
	r := newTestRegistry(t, nil)
	capability := register(t, r, "late", "embedding arrives later", nil)

	if err := r.UpdateEmbedding(capability.ID, []float32{0, 1}); err != nil {
		t.Fatalf("UpdateEmbedding error: %v", err)
	}

	matches := r.MatchSemantic([]float32{0, 1}, DiscoverOptions{})
	if len(matches) != 1 {
		t.Fatalf("matches after update = %d, want 1", len(matches))
	}

	if err := r.UpdateEmbedding("missing", []float32{1}); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("UpdateEmbedding(missing) should be not_found, got %v", err)
	}
}
