package weightsource

import (
	"bytes"
	"testing"

	"github.com/23skdu/longbow-bolt/internal/engine"
)

func TestIPC_RoundTrip(t *testing.T) {
	tensors := map[string]engine.Tensor{
		"token_embd.weight": {
			Data:  []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6},
			Shape: []int{2, 3},
		},
		"output_norm.weight": {
			Data:  []float32{1, 1, 1},
			Shape: []int{3},
		},
		"blk.0.attn_q.weight": {
			Data:  []float32{-1.5, 2.25, 0, 7},
			Shape: []int{2, 2},
		},
	}

	var buf bytes.Buffer
	if err := WriteIPC(&buf, tensors); err != nil {
		t.Fatalf("WriteIPC failed: %v", err)
	}

	got, err := ReadIPC(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadIPC failed: %v", err)
	}
	if len(got) != len(tensors) {
		t.Fatalf("read %d tensors, want %d", len(got), len(tensors))
	}

	for name, want := range tensors {
		g, ok := got[name]
		if !ok {
			t.Fatalf("tensor %q missing after round trip", name)
		}
		if len(g.Shape) != len(want.Shape) {
			t.Fatalf("tensor %q shape %v, want %v", name, g.Shape, want.Shape)
		}
		for i := range want.Shape {
			if g.Shape[i] != want.Shape[i] {
				t.Fatalf("tensor %q shape %v, want %v", name, g.Shape, want.Shape)
			}
		}
		if len(g.Data) != len(want.Data) {
			t.Fatalf("tensor %q data length %d, want %d", name, len(g.Data), len(want.Data))
		}
		for i := range want.Data {
			if g.Data[i] != want.Data[i] {
				t.Errorf("tensor %q data[%d] = %f, want %f", name, i, g.Data[i], want.Data[i])
			}
		}
	}
}

func TestReadIPC_Garbage(t *testing.T) {
	if _, err := ReadIPC(bytes.NewReader([]byte("not an arrow stream"))); err == nil {
		t.Fatal("expected error for malformed input")
	}
}
