package model

import "math"

// RMSNorm divides x by its root-mean-square magnitude and scales by the
// learned weight: x / sqrt(mean(x^2) + eps) * w.
func RMSNorm(x, weight []float32, eps float32) []float32 {
	out := make([]float32, len(x))
	var sumSquares float32
	for _, v := range x {
		sumSquares += v * v
	}
	rms := float32(math.Sqrt(float64(sumSquares/float32(len(x)) + eps)))
	for i := range x {
		out[i] = x[i] / rms * weight[i]
	}
	return out
}

// Rope rotates dimension pairs (i, i+headDim/2) of each head in place by
// an angle that depends on the absolute position and the base frequency:
// freq_i = pos * theta^(-2i/headDim).
func Rope(x []float32, pos, heads, headDim int, theta float32) {
	halfDim := headDim / 2
	for h := 0; h < heads; h++ {
		off := h * headDim
		for i := 0; i < halfDim; i++ {
			freq := float64(pos) * math.Pow(float64(theta), -2.0*float64(i)/float64(headDim))
			cosVal := float32(math.Cos(freq))
			sinVal := float32(math.Sin(freq))

			a := x[off+i]
			b := x[off+i+halfDim]
			x[off+i] = a*cosVal - b*sinVal
			x[off+i+halfDim] = a*sinVal + b*cosVal
		}
	}
}

// SiLU is v * sigmoid(v).
func SiLU(v float32) float32 {
	return v / (1.0 + float32(math.Exp(float64(-v))))
}

// Softmax normalizes in place with the row max subtracted before exp.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}
	if sum > 0 {
		inv := 1.0 / sum
		for i := range x {
			x[i] *= inv
		}
	}
}

// scanActivations summarizes a vector and counts non-finite entries.
func scanActivations(x []float32) (summary ActivationSummary, nans, infs int) {
	if len(x) == 0 {
		return ActivationSummary{}, 0, 0
	}
	min, max := x[0], x[0]
	var sum, sumSq float64
	for _, v := range x {
		f := float64(v)
		if math.IsNaN(f) {
			nans++
			continue
		}
		if math.IsInf(f, 0) {
			infs++
			continue
		}
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += f
		sumSq += f * f
	}
	n := float64(len(x))
	summary = ActivationSummary{
		Min:  min,
		Max:  max,
		Mean: float32(sum / n),
		RMS:  float32(math.Sqrt(sumSq / n)),
	}
	return summary, nans, infs
}
