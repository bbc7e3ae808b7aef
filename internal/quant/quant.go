package quant

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-bolt/internal/config"
)

// Tensor is a group-quantized weight matrix. Values are stored as 4- or
// 8-bit codes with one (scale, zero point) pair per group of GroupSize
// flattened elements. Groups run contiguously over the flattened buffer
// and do not respect row boundaries; splitting groups at row edges buys
// almost no accuracy for matrices whose rows far exceed the group size,
// so the flat layout is kept.
//
// Immutable after construction.
type Tensor struct {
	codes  []uint8 // 8-bit: one code per byte; 4-bit: two codes per byte, low nibble first
	bits   int
	group  int
	scales []float32
	zeros  []int32
	rows   int
	cols   int
}

// Quantize compresses an f32 matrix of shape rows x cols, flattened
// row-major, into bits-wide codes with per-group affine parameters.
func Quantize(data []float32, rows, cols, bits, groupSize int) (*Tensor, error) {
	if bits != 4 && bits != 8 {
		return nil, fmt.Errorf("%w: quant bits must be 4 or 8, got %d", config.ErrConfiguration, bits)
	}
	if groupSize <= 0 {
		return nil, fmt.Errorf("%w: group size must be positive, got %d", config.ErrConfiguration, groupSize)
	}
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("%w: empty shape %dx%d", config.ErrConfiguration, rows, cols)
	}
	n := rows * cols
	if len(data) != n {
		return nil, fmt.Errorf("%w: data length %d does not match shape %dx%d", config.ErrConfiguration, len(data), rows, cols)
	}

	maxQ := float32(int32(1)<<bits - 1)
	numGroups := (n + groupSize - 1) / groupSize

	t := &Tensor{
		bits:   bits,
		group:  groupSize,
		scales: make([]float32, numGroups),
		zeros:  make([]int32, numGroups),
		rows:   rows,
		cols:   cols,
	}
	if bits == 4 {
		t.codes = make([]uint8, (n+1)/2)
	} else {
		t.codes = make([]uint8, n)
	}

	for g := 0; g < numGroups; g++ {
		start := g * groupSize
		end := start + groupSize
		if end > n {
			end = n
		}

		minV, maxV := data[start], data[start]
		for _, v := range data[start:end] {
			if v < minV {
				minV = v
			}
			if v > maxV {
				maxV = v
			}
		}

		scale := (maxV - minV) / maxQ
		var zero int32
		if scale > 0 {
			zero = int32(math.Round(float64(-minV) / float64(scale)))
		}
		t.scales[g] = scale
		t.zeros[g] = zero

		for i := start; i < end; i++ {
			var q int32
			if scale > 0 {
				q = int32(math.Round(float64(data[i])/float64(scale))) + zero
			}
			if q < 0 {
				q = 0
			}
			if q > int32(maxQ) {
				q = int32(maxQ)
			}
			t.storeCode(i, uint8(q))
		}
	}
	return t, nil
}

func (t *Tensor) storeCode(i int, q uint8) {
	if t.bits == 4 {
		if i%2 == 0 {
			t.codes[i/2] = (t.codes[i/2] & 0xF0) | (q & 0x0F)
		} else {
			t.codes[i/2] = (t.codes[i/2] & 0x0F) | (q << 4)
		}
		return
	}
	t.codes[i] = q
}

func (t *Tensor) code(i int) int32 {
	if t.bits == 4 {
		b := t.codes[i/2]
		if i%2 == 0 {
			return int32(b & 0x0F)
		}
		return int32(b >> 4)
	}
	return int32(t.codes[i])
}

// at dequantizes a single flattened element. All read paths go through
// this so fused kernels cannot drift from Dequantize.
func (t *Tensor) at(i int) float32 {
	g := i / t.group
	return float32(t.code(i)-t.zeros[g]) * t.scales[g]
}

// Dequantize expands the tensor back to f32, flattened row-major.
// Groups quantized with scale 0 expand to exact zeros.
func (t *Tensor) Dequantize() []float32 {
	n := t.rows * t.cols
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = t.at(i)
	}
	return out
}

// MatVec computes W*x where W is this rows x cols tensor. Dequantization
// is fused into the accumulation but the per-element math is identical to
// Dequantize followed by a dot product.
func (t *Tensor) MatVec(x []float32) ([]float32, error) {
	if len(x) != t.cols {
		return nil, fmt.Errorf("%w: matvec input length %d, want %d", config.ErrConfiguration, len(x), t.cols)
	}
	out := make([]float32, t.rows)
	for r := 0; r < t.rows; r++ {
		base := r * t.cols
		var sum float32
		for c := 0; c < t.cols; c++ {
			sum += t.at(base+c) * x[c]
		}
		out[r] = sum
	}
	return out, nil
}

// Row dequantizes a single row, used by embedding lookups.
func (t *Tensor) Row(r int) []float32 {
	out := make([]float32, t.cols)
	base := r * t.cols
	for c := 0; c < t.cols; c++ {
		out[c] = t.at(base + c)
	}
	return out
}

func (t *Tensor) Rows() int { return t.rows }
func (t *Tensor) Cols() int { return t.cols }
func (t *Tensor) Bits() int { return t.bits }

// Bytes reports the quantized footprint including group parameters.
func (t *Tensor) Bytes() int64 {
	return int64(len(t.codes)) + int64(len(t.scales))*4 + int64(len(t.zeros))*4
}

// Scale exposes the per-group scale, used by round-trip accuracy checks.
func (t *Tensor) Scale(group int) float32 {
	return t.scales[group]
}

func (t *Tensor) NumGroups() int { return len(t.scales) }
func (t *Tensor) GroupSize() int { return t.group }
