package metrics

import (
	"testing"
	"time"
)

func TestNew_IsolatedRegistries(t *testing.T) {
	// Each Metrics owns its registry, so two instances never collide the
	// way global promauto collectors would.
	a := New()
	b := New()
	a.RecordTokens(3)
	b.RecordTokens(5)

	families, err := a.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("registry gathered no metric families")
	}
}

func TestRecordHelpers(t *testing.T) {
	m := New()
	m.RecordStep(4, 5*time.Millisecond)
	m.RecordTokens(4)
	m.RecordNumericalInstability("logits", 2, 1)
	m.RecordKVCacheStats(4096, 1024)
	m.RecordSpeculative(9, 1)

	families, err := m.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := map[string]bool{}
	for _, mf := range families {
		found[mf.GetName()] = true
	}
	for _, name := range []string{
		"bolt_tokens_total",
		"bolt_step_duration_seconds",
		"bolt_numerical_instability_total",
		"bolt_speculative_acceptance_rate",
	} {
		if !found[name] {
			t.Errorf("metric %q not gathered; have %v", name, found)
		}
	}
}

func TestHandler_NotNil(t *testing.T) {
	if New().Handler() == nil {
		t.Fatal("Handler returned nil")
	}
}
