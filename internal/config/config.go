package config

import (
	"errors"
	"fmt"
)

// ErrConfiguration marks invalid model or engine configuration. It is
// raised at load time and aborts engine construction.
var ErrConfiguration = errors.New("configuration error")

// Config parameterizes the engine. One struct covers model geometry and
// the optimization capabilities so there is a single code path instead of
// forked engine variants.
type Config struct {
	// Model geometry
	Dim       int
	HiddenDim int
	Layers    int
	Heads     int
	KVHeads   int
	HeadDim   int
	VocabSize int
	SeqLen    int
	Eps       float32
	RopeTheta float32

	// Weight quantization
	QuantBits int // 4 or 8
	GroupSize int

	// KV cache paging
	PageSize int
	MaxPages int // 0 = unbounded pool

	// Attention kernel selection
	FlashThreshold int // kv lengths above this use the tiled kernel
	FlashBlockSize int

	// Decoding
	UseSpeculative bool
	DraftTokens    int     // candidates per speculative round
	AcceptFactor   float32 // verify_prob >= AcceptFactor * draft_prob
	DraftLayers    int     // layers used by the default shallow draft path

	// Batching
	MaxBatchSize int
	StepWorkers  int // parallelism of the batched forward map; 0 = GOMAXPROCS

	// Generation
	EOSTokens []uint32
	Seed      int64

	// Observer cadence: checkpoint every N layers, 0 disables
	CheckpointInterval int
}

func (c *Config) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("%w: invalid dim: %d (must be positive)", ErrConfiguration, c.Dim)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("%w: invalid layers: %d (must be positive)", ErrConfiguration, c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("%w: invalid heads: %d (must be positive)", ErrConfiguration, c.Heads)
	}
	if c.KVHeads <= 0 {
		return fmt.Errorf("%w: invalid kv_heads: %d (must be positive)", ErrConfiguration, c.KVHeads)
	}
	if c.KVHeads > c.Heads {
		return fmt.Errorf("%w: invalid kv_heads: %d (must be <= heads: %d)", ErrConfiguration, c.KVHeads, c.Heads)
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("%w: heads (%d) must be divisible by kv_heads (%d)", ErrConfiguration, c.Heads, c.KVHeads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("%w: invalid head_dim: %d (must be positive)", ErrConfiguration, c.HeadDim)
	}
	if c.HeadDim%2 != 0 {
		return fmt.Errorf("%w: invalid head_dim: %d (must be even for rotary embedding)", ErrConfiguration, c.HeadDim)
	}
	if c.Dim != c.Heads*c.HeadDim {
		return fmt.Errorf("%w: dim mismatch: %d != heads(%d) * head_dim(%d)", ErrConfiguration, c.Dim, c.Heads, c.HeadDim)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("%w: invalid hidden_dim: %d (must be positive)", ErrConfiguration, c.HiddenDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("%w: invalid vocab_size: %d (must be positive)", ErrConfiguration, c.VocabSize)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("%w: invalid seq_len: %d (must be positive)", ErrConfiguration, c.SeqLen)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("%w: invalid eps: %f (must be positive)", ErrConfiguration, c.Eps)
	}
	if c.RopeTheta <= 0 {
		return fmt.Errorf("%w: invalid rope_theta: %f (must be positive)", ErrConfiguration, c.RopeTheta)
	}
	if c.QuantBits != 4 && c.QuantBits != 8 {
		return fmt.Errorf("%w: invalid quant_bits: %d (must be 4 or 8)", ErrConfiguration, c.QuantBits)
	}
	if c.GroupSize <= 0 {
		return fmt.Errorf("%w: invalid group_size: %d (must be positive)", ErrConfiguration, c.GroupSize)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("%w: invalid page_size: %d (must be positive)", ErrConfiguration, c.PageSize)
	}
	if c.MaxPages < 0 {
		return fmt.Errorf("%w: invalid max_pages: %d (must be non-negative)", ErrConfiguration, c.MaxPages)
	}
	if c.FlashBlockSize <= 0 {
		return fmt.Errorf("%w: invalid flash_block_size: %d (must be positive)", ErrConfiguration, c.FlashBlockSize)
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("%w: invalid max_batch_size: %d (must be positive)", ErrConfiguration, c.MaxBatchSize)
	}
	if c.UseSpeculative {
		if c.DraftTokens <= 0 {
			return fmt.Errorf("%w: invalid draft_tokens: %d (must be positive for speculative decoding)", ErrConfiguration, c.DraftTokens)
		}
		if c.AcceptFactor <= 0 {
			return fmt.Errorf("%w: invalid accept_factor: %f (must be positive for speculative decoding)", ErrConfiguration, c.AcceptFactor)
		}
		if c.DraftLayers < 0 || c.DraftLayers > c.Layers {
			return fmt.Errorf("%w: invalid draft_layers: %d (must be in [0, %d])", ErrConfiguration, c.DraftLayers, c.Layers)
		}
	}
	return nil
}

// KVDim is the per-position key (or value) width a single layer stores.
func (c *Config) KVDim() int {
	return c.KVHeads * c.HeadDim
}

// GQAGroup is the number of query heads sharing one KV head.
func (c *Config) GQAGroup() int {
	return c.Heads / c.KVHeads
}

func Default() Config {
	return Config{
		SeqLen:    2048,
		Eps:       1e-5,
		RopeTheta: 10000.0,

		QuantBits: 8,
		GroupSize: 64,

		PageSize: 16,

		FlashThreshold: 512,
		FlashBlockSize: 64,

		DraftTokens:  4,
		AcceptFactor: 0.9,

		MaxBatchSize: 8,

		EOSTokens: []uint32{0, 2},

		CheckpointInterval: 0,
	}
}
