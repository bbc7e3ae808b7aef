package attention

import "math"

// Kernel selects between the naive and the tiled attention path. Both
// compute identical results; the tiled path avoids materializing the
// full score row once the cached history grows past Threshold.
//
// The kernel owns no state: callers pass materialized cache views.
type Kernel struct {
	Threshold int // kv lengths above this use the tiled path; 0 means always tiled
	BlockSize int
}

// Compute runs single-query attention for one position against the full
// cached history. q is [heads*headDim]; k and v are [kvLen, kvHeads*headDim]
// flattened. Query head h reads KV head h/(heads/kvHeads).
func (kn Kernel) Compute(q, k, v []float32, kvLen, heads, kvHeads, headDim int) []float32 {
	if kn.BlockSize > 0 && kvLen > kn.Threshold {
		return Tiled(q, k, v, kvLen, heads, kvHeads, headDim, kn.BlockSize)
	}
	return Naive(q, k, v, kvLen, heads, kvHeads, headDim)
}

// Naive materializes the full score row per head and applies a
// numerically stable softmax (row max subtracted before exp).
func Naive(q, k, v []float32, kvLen, heads, kvHeads, headDim int) []float32 {
	out := make([]float32, heads*headDim)
	if kvLen == 0 {
		return out
	}
	group := heads / kvHeads
	kvDim := kvHeads * headDim
	scale := float32(1.0 / math.Sqrt(float64(headDim)))

	scores := make([]float32, kvLen)
	for h := 0; h < heads; h++ {
		qOff := h * headDim
		kvOff := (h / group) * headDim

		maxScore := float32(math.Inf(-1))
		for t := 0; t < kvLen; t++ {
			var s float32
			kRow := t*kvDim + kvOff
			for i := 0; i < headDim; i++ {
				s += q[qOff+i] * k[kRow+i]
			}
			s *= scale
			scores[t] = s
			if s > maxScore {
				maxScore = s
			}
		}

		var sum float32
		for t := 0; t < kvLen; t++ {
			scores[t] = float32(math.Exp(float64(scores[t] - maxScore)))
			sum += scores[t]
		}
		if sum == 0 {
			sum = 1e-6
		}

		for t := 0; t < kvLen; t++ {
			w := scores[t] / sum
			vRow := t*kvDim + kvOff
			for i := 0; i < headDim; i++ {
				out[qOff+i] += w * v[vRow+i]
			}
		}
	}
	return out
}

// Tiled streams key/value blocks through the online-softmax recurrence:
// per query row it carries a running max m, running denominator s and a
// running weighted accumulator o, rescaling both by exp(m-newM) whenever
// a block raises the max. The final o/s equals the naive softmax output
// without ever holding the full score row.
func Tiled(q, k, v []float32, kvLen, heads, kvHeads, headDim, blockSize int) []float32 {
	out := make([]float32, heads*headDim)
	if kvLen == 0 {
		return out
	}
	if blockSize <= 0 || blockSize > kvLen {
		blockSize = kvLen
	}
	group := heads / kvHeads
	kvDim := kvHeads * headDim
	scale := float32(1.0 / math.Sqrt(float64(headDim)))

	blockScores := make([]float32, blockSize)
	acc := make([]float32, headDim)

	for h := 0; h < heads; h++ {
		qOff := h * headDim
		kvOff := (h / group) * headDim

		m := float32(math.Inf(-1))
		var s float32
		for i := range acc {
			acc[i] = 0
		}

		for start := 0; start < kvLen; start += blockSize {
			end := start + blockSize
			if end > kvLen {
				end = kvLen
			}

			blockMax := float32(math.Inf(-1))
			for t := start; t < end; t++ {
				var sc float32
				kRow := t*kvDim + kvOff
				for i := 0; i < headDim; i++ {
					sc += q[qOff+i] * k[kRow+i]
				}
				sc *= scale
				blockScores[t-start] = sc
				if sc > blockMax {
					blockMax = sc
				}
			}

			newM := m
			if blockMax > newM {
				newM = blockMax
			}

			// Rescale previous accumulator and denominator to the new max.
			if s > 0 && newM != m {
				correction := float32(math.Exp(float64(m - newM)))
				s *= correction
				for i := 0; i < headDim; i++ {
					acc[i] *= correction
				}
			}

			for t := start; t < end; t++ {
				w := float32(math.Exp(float64(blockScores[t-start] - newM)))
				s += w
				vRow := t*kvDim + kvOff
				for i := 0; i < headDim; i++ {
					acc[i] += w * v[vRow+i]
				}
			}
			m = newM
		}

		if s == 0 {
			s = 1e-6
		}
		for i := 0; i < headDim; i++ {
			out[qOff+i] = acc[i] / s
		}
	}
	return out
}
