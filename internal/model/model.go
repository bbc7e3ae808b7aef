package model

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/23skdu/longbow-bolt/internal/attention"
	"github.com/23skdu/longbow-bolt/internal/config"
	"github.com/23skdu/longbow-bolt/internal/kvcache"
	"github.com/23skdu/longbow-bolt/internal/quant"
)

// ErrNumerical marks NaN/Inf detected in logits. The offending request
// is finished with this error; sibling requests are unaffected.
var ErrNumerical = errors.New("numerical instability")

// ForwardFunc computes logits for one token at an absolute position,
// reading and extending the given cache. Draft and verify passes in
// speculative decoding are both just ForwardFuncs, so a distilled model
// can stand in for either side without touching the decode logic.
type ForwardFunc func(token uint32, pos int, cache *kvcache.Cache) ([]float32, error)

// Layer holds one transformer block's quantized projections and f32 norm
// weights. Norm vectors are tiny relative to the projections and stay in
// f32, matching common GGUF layouts.
type Layer struct {
	AttnNorm []float32
	Wq       *quant.Tensor // [heads*headDim, dim]
	Wk       *quant.Tensor // [kvHeads*headDim, dim]
	Wv       *quant.Tensor // [kvHeads*headDim, dim]
	Wo       *quant.Tensor // [dim, heads*headDim]

	FfnNorm []float32
	Wgate   *quant.Tensor // [hiddenDim, dim]
	Wup     *quant.Tensor // [hiddenDim, dim]
	Wdown   *quant.Tensor // [dim, hiddenDim]
}

// Model is the full decoder stack: embedding lookup, N pre-norm blocks,
// final RMSNorm and the logits head.
type Model struct {
	cfg config.Config

	Embedding  *quant.Tensor // [vocab, dim]
	Layers     []*Layer
	OutputNorm []float32
	Output     *quant.Tensor // [vocab, dim]; nil means weight-tied to Embedding

	kernel   attention.Kernel
	observer Observer
}

func New(cfg config.Config) *Model {
	return &Model{
		cfg: cfg,
		kernel: attention.Kernel{
			Threshold: cfg.FlashThreshold,
			BlockSize: cfg.FlashBlockSize,
		},
		observer: NopObserver{},
	}
}

// SetObserver installs the checkpoint hook. A nil observer restores the
// default no-op.
func (m *Model) SetObserver(o Observer) {
	if o == nil {
		o = NopObserver{}
	}
	m.observer = o
}

func (m *Model) Config() config.Config { return m.cfg }

// NumLayers reports the depth of the stack.
func (m *Model) NumLayers() int { return len(m.Layers) }

// WeightBytes is the quantized footprint of all weights.
func (m *Model) WeightBytes() int64 {
	var total int64
	if m.Embedding != nil {
		total += m.Embedding.Bytes()
	}
	if m.Output != nil {
		total += m.Output.Bytes()
	}
	for _, l := range m.Layers {
		for _, t := range []*quant.Tensor{l.Wq, l.Wk, l.Wv, l.Wo, l.Wgate, l.Wup, l.Wdown} {
			if t != nil {
				total += t.Bytes()
			}
		}
		total += int64(len(l.AttnNorm)+len(l.FfnNorm)) * 4
	}
	total += int64(len(m.OutputNorm)) * 4
	return total
}

// Forward runs the full stack for one token. The cache must have been
// created with NumLayers layers and belongs to exactly one sequence.
func (m *Model) Forward(token uint32, pos int, cache *kvcache.Cache) ([]float32, error) {
	return m.forward(token, pos, cache, len(m.Layers))
}

// ForwardPartial runs only the first numLayers blocks before the head,
// the cheap draft path for speculative decoding. The cache must have
// been created with numLayers layers.
func (m *Model) ForwardPartial(token uint32, pos int, cache *kvcache.Cache, numLayers int) ([]float32, error) {
	return m.forward(token, pos, cache, numLayers)
}

func (m *Model) forward(token uint32, pos int, cache *kvcache.Cache, numLayers int) ([]float32, error) {
	if int(token) >= m.cfg.VocabSize {
		return nil, fmt.Errorf("token %d out of vocabulary (size %d)", token, m.cfg.VocabSize)
	}
	if numLayers > len(m.Layers) {
		numLayers = len(m.Layers)
	}
	cfg := &m.cfg

	x := m.Embedding.Row(int(token))

	for l := 0; l < numLayers; l++ {
		layer := m.Layers[l]

		// h' = h + Attention(RMSNorm(h))
		attnIn := RMSNorm(x, layer.AttnNorm, cfg.Eps)
		q, err := layer.Wq.MatVec(attnIn)
		if err != nil {
			return nil, err
		}
		k, err := layer.Wk.MatVec(attnIn)
		if err != nil {
			return nil, err
		}
		v, err := layer.Wv.MatVec(attnIn)
		if err != nil {
			return nil, err
		}

		Rope(q, pos, cfg.Heads, cfg.HeadDim, cfg.RopeTheta)
		Rope(k, pos, cfg.KVHeads, cfg.HeadDim, cfg.RopeTheta)

		if err := cache.Append(l, k, v); err != nil {
			return nil, err
		}
		kAll, vAll, kvLen := cache.Get(l)

		attnOut := m.kernel.Compute(q, kAll, vAll, kvLen, cfg.Heads, cfg.KVHeads, cfg.HeadDim)
		proj, err := layer.Wo.MatVec(attnOut)
		if err != nil {
			return nil, err
		}
		for i := range x {
			x[i] += proj[i]
		}

		// h'' = h' + FFN(RMSNorm(h'))
		ffnIn := RMSNorm(x, layer.FfnNorm, cfg.Eps)
		gate, err := layer.Wgate.MatVec(ffnIn)
		if err != nil {
			return nil, err
		}
		up, err := layer.Wup.MatVec(ffnIn)
		if err != nil {
			return nil, err
		}
		for i := range gate {
			gate[i] = SiLU(gate[i]) * up[i]
		}
		down, err := layer.Wdown.MatVec(gate)
		if err != nil {
			return nil, err
		}
		for i := range x {
			x[i] += down[i]
		}

		if cfg.CheckpointInterval > 0 && (l+1)%cfg.CheckpointInterval == 0 {
			summary, _, _ := scanActivations(x)
			m.observer.OnCheckpoint(l, summary)
		}
	}

	normed := RMSNorm(x, m.OutputNorm, cfg.Eps)
	head := m.Output
	if head == nil {
		head = m.Embedding
	}
	logits, err := head.MatVec(normed)
	if err != nil {
		return nil, err
	}

	if _, nans, infs := scanActivations(logits); nans > 0 || infs > 0 {
		return nil, fmt.Errorf("%w: logits contain %d NaN and %d Inf values", ErrNumerical, nans, infs)
	}
	return logits, nil
}

// NewRandom builds a model with small random weights from an explicit
// seed, quantized per the config. Used for tests and smoke runs; real
// weights come in through the engine's LoadWeights.
func NewRandom(cfg config.Config, seed int64) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	m := New(cfg)

	quantize := func(rows, cols int) (*quant.Tensor, error) {
		data := make([]float32, rows*cols)
		scale := float32(0.08)
		for i := range data {
			data[i] = (rng.Float32()*2 - 1) * scale
		}
		return quant.Quantize(data, rows, cols, cfg.QuantBits, cfg.GroupSize)
	}
	ones := func(n int) []float32 {
		w := make([]float32, n)
		for i := range w {
			w[i] = 1.0
		}
		return w
	}

	var err error
	if m.Embedding, err = quantize(cfg.VocabSize, cfg.Dim); err != nil {
		return nil, err
	}
	m.OutputNorm = ones(cfg.Dim)

	m.Layers = make([]*Layer, cfg.Layers)
	for l := range m.Layers {
		layer := &Layer{
			AttnNorm: ones(cfg.Dim),
			FfnNorm:  ones(cfg.Dim),
		}
		if layer.Wq, err = quantize(cfg.Heads*cfg.HeadDim, cfg.Dim); err != nil {
			return nil, err
		}
		if layer.Wk, err = quantize(cfg.KVDim(), cfg.Dim); err != nil {
			return nil, err
		}
		if layer.Wv, err = quantize(cfg.KVDim(), cfg.Dim); err != nil {
			return nil, err
		}
		if layer.Wo, err = quantize(cfg.Dim, cfg.Heads*cfg.HeadDim); err != nil {
			return nil, err
		}
		if layer.Wgate, err = quantize(cfg.HiddenDim, cfg.Dim); err != nil {
			return nil, err
		}
		if layer.Wup, err = quantize(cfg.HiddenDim, cfg.Dim); err != nil {
			return nil, err
		}
		if layer.Wdown, err = quantize(cfg.Dim, cfg.HiddenDim); err != nil {
			return nil, err
		}
		m.Layers[l] = layer
	}
	return m, nil
}
