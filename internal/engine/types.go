package engine

// Tensor is an already-parsed named weight: f32 data plus shape. File
// format parsing (GGUF, safetensors, ...) happens upstream; the engine
// only quantizes and wires these into the model.
type Tensor struct {
	Data  []float32
	Shape []int
}

func (t Tensor) rows() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

func (t Tensor) cols() int {
	if len(t.Shape) < 2 {
		return 1
	}
	n := 1
	for _, d := range t.Shape[1:] {
		n *= d
	}
	return n
}

// Stats is a read-only snapshot of the engine's counters, refreshed once
// per step or generation loop iteration.
type Stats struct {
	TokensPerSecond float64
	AcceptanceRate  float64
	CacheBytes      int64
	ActiveBatchSize float64
}
