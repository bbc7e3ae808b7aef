package kvcache

import (
	"errors"
	"testing"
)

func testVec(kvDim int, fill float32) []float32 {
	v := make([]float32, kvDim)
	for i := range v {
		v[i] = fill
	}
	return v
}

func TestCache_AppendGet(t *testing.T) {
	pool, err := NewPool(4, 8, 0)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	c := NewCache(pool, 2)

	const n = 10 // spans three pages
	for pos := 0; pos < n; pos++ {
		for layer := 0; layer < 2; layer++ {
			k := testVec(8, float32(pos))
			v := testVec(8, float32(pos)+100)
			if err := c.Append(layer, k, v); err != nil {
				t.Fatalf("Append pos=%d layer=%d: %v", pos, layer, err)
			}
		}
	}

	if c.SeqLen() != n {
		t.Fatalf("SeqLen = %d, want %d", c.SeqLen(), n)
	}

	for layer := 0; layer < 2; layer++ {
		k, v, seqLen := c.Get(layer)
		if seqLen != n {
			t.Fatalf("Get layer %d seqLen = %d, want %d", layer, seqLen, n)
		}
		if len(k) != n*8 || len(v) != n*8 {
			t.Fatalf("Get layer %d lengths k=%d v=%d, want %d", layer, len(k), len(v), n*8)
		}
		for pos := 0; pos < n; pos++ {
			if k[pos*8] != float32(pos) {
				t.Errorf("layer %d pos %d: k = %f, want %f", layer, pos, k[pos*8], float32(pos))
			}
			if v[pos*8] != float32(pos)+100 {
				t.Errorf("layer %d pos %d: v = %f, want %f", layer, pos, v[pos*8], float32(pos)+100)
			}
		}
	}
}

func TestCache_ClearReusesPages(t *testing.T) {
	pool, err := NewPool(4, 8, 0)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	c := NewCache(pool, 1)

	fill := func() {
		for pos := 0; pos < 8; pos++ {
			if err := c.Append(0, testVec(8, 1), testVec(8, 1)); err != nil {
				t.Fatalf("Append: %v", err)
			}
		}
	}

	fill()
	allocatedBefore, _, _, _ := pool.Stats()

	c.Clear()
	if c.SeqLen() != 0 {
		t.Fatalf("SeqLen after Clear = %d, want 0", c.SeqLen())
	}
	if _, _, live, _ := pool.Stats(); live != 0 {
		t.Fatalf("live pages after Clear = %d, want 0", live)
	}

	fill()
	allocatedAfter, reused, _, _ := pool.Stats()
	if allocatedAfter != allocatedBefore {
		t.Errorf("refill allocated new pages: %d -> %d", allocatedBefore, allocatedAfter)
	}
	if reused == 0 {
		t.Errorf("refill did not reuse any pages")
	}
}

func TestPool_CapacityExhausted(t *testing.T) {
	pool, err := NewPool(2, 4, 2)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	c := NewCache(pool, 1)

	// Two pages of two positions each fit; the fifth append needs a third page.
	for pos := 0; pos < 4; pos++ {
		if err := c.Append(0, testVec(4, 0), testVec(4, 0)); err != nil {
			t.Fatalf("Append pos=%d: %v", pos, err)
		}
	}
	err = c.Append(0, testVec(4, 0), testVec(4, 0))
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
}

func TestPool_CapacitySharedAcrossCaches(t *testing.T) {
	pool, err := NewPool(2, 4, 1)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	a := NewCache(pool, 1)
	b := NewCache(pool, 1)

	if err := a.Append(0, testVec(4, 0), testVec(4, 0)); err != nil {
		t.Fatalf("first cache append: %v", err)
	}
	if err := b.Append(0, testVec(4, 0), testVec(4, 0)); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity from shared pool, got %v", err)
	}

	a.Clear()
	if err := b.Append(0, testVec(4, 0), testVec(4, 0)); err != nil {
		t.Fatalf("append after peer Clear: %v", err)
	}
}

func TestCache_Truncate(t *testing.T) {
	pool, err := NewPool(2, 4, 0)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	c := NewCache(pool, 1)

	for pos := 0; pos < 5; pos++ {
		if err := c.Append(0, testVec(4, float32(pos)), testVec(4, float32(pos))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	c.Truncate(3)
	if c.SeqLen() != 3 {
		t.Fatalf("SeqLen after Truncate(3) = %d, want 3", c.SeqLen())
	}
	k, _, seqLen := c.Get(0)
	if seqLen != 3 || len(k) != 3*4 {
		t.Fatalf("Get after Truncate: seqLen=%d len(k)=%d", seqLen, len(k))
	}
	for pos := 0; pos < 3; pos++ {
		if k[pos*4] != float32(pos) {
			t.Errorf("pos %d survived truncation with value %f", pos, k[pos*4])
		}
	}

	// Appending after truncation continues from the new length.
	if err := c.Append(0, testVec(4, 99), testVec(4, 99)); err != nil {
		t.Fatalf("Append after Truncate: %v", err)
	}
	k, _, seqLen = c.Get(0)
	if seqLen != 4 || k[3*4] != 99 {
		t.Fatalf("append after Truncate: seqLen=%d k[12]=%f", seqLen, k[3*4])
	}

	// Truncate beyond the current length is a no-op.
	c.Truncate(10)
	if c.SeqLen() != 4 {
		t.Fatalf("Truncate past end changed SeqLen to %d", c.SeqLen())
	}
}

func TestCache_AppendDimMismatch(t *testing.T) {
	pool, err := NewPool(2, 4, 0)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	c := NewCache(pool, 1)
	if err := c.Append(0, testVec(3, 0), testVec(4, 0)); err == nil {
		t.Fatal("expected error for mismatched k dimension")
	}
}

func TestNewPool_Validation(t *testing.T) {
	if _, err := NewPool(0, 4, 0); err == nil {
		t.Error("expected error for zero page size")
	}
	if _, err := NewPool(2, 0, 0); err == nil {
		t.Error("expected error for zero kv dim")
	}
}
