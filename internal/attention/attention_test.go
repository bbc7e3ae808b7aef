package attention

import (
	"math"
	"math/rand"
	"testing"
)

func randomVec(n int, rng *rand.Rand) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

func maxAbsDiff(a, b []float32) float64 {
	var m float64
	for i := range a {
		d := math.Abs(float64(a[i] - b[i]))
		if d > m {
			m = d
		}
	}
	return m
}

func TestTiled_MatchesNaive(t *testing.T) {
	cases := []struct {
		name    string
		kvLen   int
		heads   int
		kvHeads int
		headDim int
	}{
		{"mha_short", 3, 4, 4, 8},
		{"mha_long", 171, 4, 4, 8},
		{"gqa", 57, 8, 2, 16},
		{"mqa", 33, 6, 1, 8},
		{"single_pos", 1, 2, 2, 4},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(42))
			q := randomVec(tc.heads*tc.headDim, rng)
			k := randomVec(tc.kvLen*tc.kvHeads*tc.headDim, rng)
			v := randomVec(tc.kvLen*tc.kvHeads*tc.headDim, rng)

			want := Naive(q, k, v, tc.kvLen, tc.heads, tc.kvHeads, tc.headDim)

			for _, block := range []int{1, 4, 16, tc.kvLen} {
				got := Tiled(q, k, v, tc.kvLen, tc.heads, tc.kvHeads, tc.headDim, block)
				if len(got) != len(want) {
					t.Fatalf("block=%d: output length %d, want %d", block, len(got), len(want))
				}
				if d := maxAbsDiff(got, want); d > 1e-4 {
					t.Errorf("block=%d: max diff %g exceeds 1e-4", block, d)
				}
			}
		})
	}
}

func TestNaive_SinglePositionIsValueRow(t *testing.T) {
	// With one cached position softmax collapses to 1, so the output is v.
	rng := rand.New(rand.NewSource(7))
	heads, kvHeads, headDim := 4, 2, 8
	q := randomVec(heads*headDim, rng)
	k := randomVec(kvHeads*headDim, rng)
	v := randomVec(kvHeads*headDim, rng)

	out := Naive(q, k, v, 1, heads, kvHeads, headDim)
	group := heads / kvHeads
	for h := 0; h < heads; h++ {
		kvHead := h / group
		for i := 0; i < headDim; i++ {
			want := v[kvHead*headDim+i]
			got := out[h*headDim+i]
			if math.Abs(float64(got-want)) > 1e-6 {
				t.Errorf("head %d dim %d: got %f, want %f", h, i, got, want)
			}
		}
	}
}

func TestNaive_GQAHeadsShareKV(t *testing.T) {
	// Query heads in the same group given identical queries must produce
	// identical outputs, since they read the same KV head.
	rng := rand.New(rand.NewSource(9))
	heads, kvHeads, headDim, kvLen := 4, 2, 8, 5
	q := make([]float32, heads*headDim)
	shared := randomVec(headDim, rng)
	for h := 0; h < heads; h++ {
		copy(q[h*headDim:(h+1)*headDim], shared)
	}
	k := randomVec(kvLen*kvHeads*headDim, rng)
	v := randomVec(kvLen*kvHeads*headDim, rng)

	out := Naive(q, k, v, kvLen, heads, kvHeads, headDim)
	// Heads 0,1 share KV head 0; heads 2,3 share KV head 1.
	if d := maxAbsDiff(out[0:headDim], out[headDim:2*headDim]); d > 1e-6 {
		t.Errorf("heads 0 and 1 differ by %g", d)
	}
	if d := maxAbsDiff(out[2*headDim:3*headDim], out[3*headDim:4*headDim]); d > 1e-6 {
		t.Errorf("heads 2 and 3 differ by %g", d)
	}
	if d := maxAbsDiff(out[0:headDim], out[2*headDim:3*headDim]); d < 1e-9 {
		t.Log("warning: different KV heads produced identical outputs")
	}
}

func TestKernel_SelectsTiledPastThreshold(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	heads, kvHeads, headDim := 2, 2, 4
	kvLen := 40
	q := randomVec(heads*headDim, rng)
	k := randomVec(kvLen*kvHeads*headDim, rng)
	v := randomVec(kvLen*kvHeads*headDim, rng)

	// Whatever path the kernel picks, the result must agree with naive.
	for _, kn := range []Kernel{
		{Threshold: 8, BlockSize: 16},
		{Threshold: 1000, BlockSize: 16},
		{Threshold: 8, BlockSize: 0}, // tiling disabled
	} {
		got := kn.Compute(q, k, v, kvLen, heads, kvHeads, headDim)
		want := Naive(q, k, v, kvLen, heads, kvHeads, headDim)
		if d := maxAbsDiff(got, want); d > 1e-4 {
			t.Errorf("kernel %+v: max diff %g", kn, d)
		}
	}
}

func TestCompute_LargeMagnitudeScoresStayFinite(t *testing.T) {
	heads, kvHeads, headDim, kvLen := 2, 2, 4, 20
	q := make([]float32, heads*headDim)
	k := make([]float32, kvLen*kvHeads*headDim)
	v := make([]float32, kvLen*kvHeads*headDim)
	for i := range q {
		q[i] = 80
	}
	for i := range k {
		k[i] = 80
	}
	for i := range v {
		v[i] = 1
	}

	for _, name := range []string{"naive", "tiled"} {
		var out []float32
		if name == "naive" {
			out = Naive(q, k, v, kvLen, heads, kvHeads, headDim)
		} else {
			out = Tiled(q, k, v, kvLen, heads, kvHeads, headDim, 4)
		}
		for i, x := range out {
			if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
				t.Fatalf("%s output[%d] = %f, want finite", name, i, x)
			}
		}
	}
}
