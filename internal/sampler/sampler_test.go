package sampler

import (
	"math"
	"testing"
)

func TestSample_GreedyPicksArgMax(t *testing.T) {
	s := New(Params{Temperature: 0})
	logits := []float32{0.1, 2.5, 0.3, 2.4}
	for i := 0; i < 10; i++ {
		if got := s.Sample(logits, nil); got != 1 {
			t.Fatalf("greedy sample = %d, want 1", got)
		}
	}
}

func TestSample_GreedyTieBreaksLowestIndex(t *testing.T) {
	s := New(Params{Temperature: 0})
	logits := []float32{1.0, 3.0, 3.0, 3.0}
	if got := s.Sample(logits, nil); got != 1 {
		t.Fatalf("tie-break sample = %d, want lowest index 1", got)
	}
}

func TestSample_SeededReproducibility(t *testing.T) {
	logits := []float32{1.2, 0.4, 2.1, 1.9, 0.2}
	a := New(Params{Temperature: 0.8, Seed: 42})
	b := New(Params{Temperature: 0.8, Seed: 42})
	for i := 0; i < 50; i++ {
		x, y := a.Sample(logits, nil), b.Sample(logits, nil)
		if x != y {
			t.Fatalf("draw %d diverged: %d vs %d", i, x, y)
		}
	}
}

func TestSample_TopKExcludesTail(t *testing.T) {
	// Token 0 has the lowest logit and must never appear with top-k=2.
	logits := []float32{-5, 1, 2, 3}
	s := New(Params{Temperature: 1.0, TopK: 2, Seed: 1})
	for i := 0; i < 200; i++ {
		got := s.Sample(logits, nil)
		if got != 2 && got != 3 {
			t.Fatalf("top-k=2 sampled excluded token %d", got)
		}
	}
}

func TestSample_TopPExcludesTail(t *testing.T) {
	// One dominant token covers p on its own; nothing else may appear.
	logits := []float32{10, 0, 0, 0}
	s := New(Params{Temperature: 1.0, TopP: 0.9, Seed: 1})
	for i := 0; i < 200; i++ {
		if got := s.Sample(logits, nil); got != 0 {
			t.Fatalf("top-p sampled token %d outside nucleus", got)
		}
	}
}

func TestSample_TopPKeepsCrossingCandidate(t *testing.T) {
	// Two equal tokens at ~0.5 each: the nucleus for p=0.6 must include
	// the candidate that crosses the boundary, so both remain reachable.
	logits := []float32{4, 4, -10, -10}
	s := New(Params{Temperature: 1.0, TopP: 0.6, Seed: 7})
	seen := map[int]bool{}
	for i := 0; i < 500; i++ {
		got := s.Sample(logits, nil)
		if got != 0 && got != 1 {
			t.Fatalf("top-p sampled token %d outside nucleus", got)
		}
		seen[got] = true
	}
	if !seen[0] || !seen[1] {
		t.Errorf("expected both nucleus tokens to appear, saw %v", seen)
	}
}

func TestSample_RepetitionPenaltyDemotes(t *testing.T) {
	// Two near-equal top logits; penalizing the historical winner flips
	// the greedy choice.
	logits := []float32{0, 2.0, 1.9}
	s := New(Params{Temperature: 0, RepPenalty: 1.5})
	if got := s.Sample(logits, []uint32{1}); got != 2 {
		t.Fatalf("penalized sample = %d, want 2", got)
	}
	// Without history the original winner stands.
	if got := s.Sample(logits, nil); got != 1 {
		t.Fatalf("unpenalized sample = %d, want 1", got)
	}
}

func TestSample_NaNLogitsFallBack(t *testing.T) {
	logits := []float32{float32(math.NaN()), 1.0, 2.0}
	s := New(Params{Temperature: 0.7, Seed: 1})
	got := s.Sample(logits, nil)
	if got < 0 || got >= len(logits) {
		t.Fatalf("sample on NaN logits out of range: %d", got)
	}
	if f := logits[got]; math.IsNaN(float64(f)) {
		t.Fatalf("sampled a NaN token: %d", got)
	}
}

func TestSample_TemperatureSharpness(t *testing.T) {
	// Very low temperature should behave almost greedily.
	logits := []float32{0.0, 1.0, 0.5}
	s := New(Params{Temperature: 0.01, Seed: 5})
	for i := 0; i < 100; i++ {
		if got := s.Sample(logits, nil); got != 1 {
			t.Fatalf("low-temperature sample = %d, want 1", got)
		}
	}
}
