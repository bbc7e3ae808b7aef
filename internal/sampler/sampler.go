package sampler

import (
	"math"
	"math/rand"
	"sort"
	"time"
)

// Params controls token selection. Temperature 0 is deterministic argmax;
// TopK/TopP of 0 disable the respective truncation.
type Params struct {
	Temperature float64
	TopK        int
	TopP        float64
	RepPenalty  float64 // >1 penalizes tokens already in the history window
	Seed        int64
}

// Sampler draws next tokens from logits. It owns its RNG; a fixed seed
// gives a fully reproducible stream.
type Sampler struct {
	Params Params
	rng    *rand.Rand
}

func New(p Params) *Sampler {
	if p.Seed == 0 {
		p.Seed = time.Now().UnixNano()
	}
	return &Sampler{
		Params: p,
		rng:    rand.New(rand.NewSource(p.Seed)),
	}
}

type candidate struct {
	id   int
	prob float64
}

// Sample picks the next token id. history is the tokens generated so far
// for repetition penalty; pass nil to skip it.
func (s *Sampler) Sample(logits []float32, history []uint32) int {
	if len(logits) == 0 {
		return 0
	}
	if !validLogits(logits) {
		return firstValidToken(logits)
	}

	work := logits
	if s.Params.RepPenalty > 1.0 && len(history) > 0 {
		work = make([]float32, len(logits))
		copy(work, logits)
		applyRepetitionPenalty(work, history, s.Params.RepPenalty)
	}

	temp := s.Params.Temperature
	if temp == 0 {
		return argMax(work)
	}

	probs := temperatureSoftmax(work, temp)

	candidates := make([]candidate, len(probs))
	for i, p := range probs {
		candidates[i] = candidate{id: i, prob: p}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].prob > candidates[j].prob
	})

	if s.Params.TopK > 0 && s.Params.TopK < len(candidates) {
		candidates = candidates[:s.Params.TopK]
	}
	candidates = applyTopP(candidates, s.Params.TopP)
	if len(candidates) == 0 {
		return argMax(work)
	}

	return s.drawFrom(candidates)
}

// argMax breaks ties by lowest index: only strictly greater values win.
func argMax(logits []float32) int {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return best
}

func validLogits(logits []float32) bool {
	for _, v := range logits {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

func firstValidToken(logits []float32) int {
	best := -1
	for i, v := range logits {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		if best < 0 || v > logits[best] {
			best = i
		}
	}
	if best < 0 {
		return 0
	}
	return best
}

func applyRepetitionPenalty(logits []float32, history []uint32, penalty float64) {
	for _, tok := range history {
		i := int(tok)
		if i < 0 || i >= len(logits) {
			continue
		}
		if logits[i] > 0 {
			logits[i] = float32(float64(logits[i]) / penalty)
		} else {
			logits[i] = float32(float64(logits[i]) * penalty)
		}
	}
}

// temperatureSoftmax scales by 1/temperature then applies a stable
// softmax in float64.
func temperatureSoftmax(logits []float32, temperature float64) []float64 {
	probs := make([]float64, len(logits))
	for i, v := range logits {
		probs[i] = float64(v) / temperature
	}
	maxVal := probs[0]
	for _, v := range probs {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float64
	for i := range probs {
		probs[i] = math.Exp(probs[i] - maxVal)
		sum += probs[i]
	}
	if sum > 0 {
		for i := range probs {
			probs[i] /= sum
		}
	}
	return probs
}

// applyTopP keeps the smallest prefix of the descending candidates whose
// cumulative probability reaches p.
func applyTopP(candidates []candidate, p float64) []candidate {
	if p <= 0 || p >= 1 || len(candidates) == 0 {
		return candidates
	}
	var cum float64
	for i, c := range candidates {
		cum += c.prob
		if cum >= p {
			return candidates[:i+1]
		}
	}
	return candidates
}

// drawFrom renormalizes the surviving mass and samples by CDF inversion.
func (s *Sampler) drawFrom(candidates []candidate) int {
	var total float64
	for _, c := range candidates {
		total += c.prob
	}
	if total <= 0 {
		return candidates[0].id
	}
	r := s.rng.Float64() * total
	var cum float64
	for _, c := range candidates {
		cum += c.prob
		if r < cum {
			return c.id
		}
	}
	return candidates[len(candidates)-1].id
}
