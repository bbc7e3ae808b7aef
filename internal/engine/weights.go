package engine

import (
	"fmt"

	"github.com/23skdu/longbow-bolt/internal/config"
	"github.com/23skdu/longbow-bolt/internal/model"
	"github.com/23skdu/longbow-bolt/internal/quant"
)

// Tensor names follow the GGUF block convention: token_embd, per-layer
// blk.N.* entries, output_norm, and an optional output head. A missing
// output head means the logits projection is weight-tied to the
// embedding table.
const (
	nameTokenEmbedding = "token_embd.weight"
	nameOutputNorm     = "output_norm.weight"
	nameOutput         = "output.weight"
)

func layerName(layer int, suffix string) string {
	return fmt.Sprintf("blk.%d.%s.weight", layer, suffix)
}

// LoadWeights quantizes already-parsed named f32 tensors into the model
// per the configured bits and group size. Norm vectors stay f32.
func (e *Engine) LoadWeights(tensors map[string]Tensor) error {
	cfg := e.cfg
	m := model.New(cfg)

	quantize := func(name string, wantRows, wantCols int) (*quant.Tensor, error) {
		t, ok := tensors[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing tensor %q", config.ErrConfiguration, name)
		}
		if t.rows() != wantRows || t.cols() != wantCols {
			return nil, fmt.Errorf("%w: tensor %q shape %v, want [%d %d]",
				config.ErrConfiguration, name, t.Shape, wantRows, wantCols)
		}
		return quant.Quantize(t.Data, wantRows, wantCols, cfg.QuantBits, cfg.GroupSize)
	}
	vector := func(name string, want int) ([]float32, error) {
		t, ok := tensors[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing tensor %q", config.ErrConfiguration, name)
		}
		if len(t.Data) != want {
			return nil, fmt.Errorf("%w: tensor %q length %d, want %d",
				config.ErrConfiguration, name, len(t.Data), want)
		}
		return t.Data, nil
	}

	var err error
	if m.Embedding, err = quantize(nameTokenEmbedding, cfg.VocabSize, cfg.Dim); err != nil {
		return err
	}
	if m.OutputNorm, err = vector(nameOutputNorm, cfg.Dim); err != nil {
		return err
	}
	if _, ok := tensors[nameOutput]; ok {
		if m.Output, err = quantize(nameOutput, cfg.VocabSize, cfg.Dim); err != nil {
			return err
		}
	} else {
		e.log.Debug("output head tied to token embedding")
	}

	m.Layers = make([]*model.Layer, cfg.Layers)
	for l := 0; l < cfg.Layers; l++ {
		layer := &model.Layer{}
		if layer.AttnNorm, err = vector(layerName(l, "attn_norm"), cfg.Dim); err != nil {
			return err
		}
		if layer.Wq, err = quantize(layerName(l, "attn_q"), cfg.Heads*cfg.HeadDim, cfg.Dim); err != nil {
			return err
		}
		if layer.Wk, err = quantize(layerName(l, "attn_k"), cfg.KVDim(), cfg.Dim); err != nil {
			return err
		}
		if layer.Wv, err = quantize(layerName(l, "attn_v"), cfg.KVDim(), cfg.Dim); err != nil {
			return err
		}
		if layer.Wo, err = quantize(layerName(l, "attn_output"), cfg.Dim, cfg.Heads*cfg.HeadDim); err != nil {
			return err
		}
		if layer.FfnNorm, err = vector(layerName(l, "ffn_norm"), cfg.Dim); err != nil {
			return err
		}
		if layer.Wgate, err = quantize(layerName(l, "ffn_gate"), cfg.HiddenDim, cfg.Dim); err != nil {
			return err
		}
		if layer.Wup, err = quantize(layerName(l, "ffn_up"), cfg.HiddenDim, cfg.Dim); err != nil {
			return err
		}
		if layer.Wdown, err = quantize(layerName(l, "ffn_down"), cfg.Dim, cfg.HiddenDim); err != nil {
			return err
		}
		m.Layers[l] = layer
	}

	m.SetObserver(e.observer)
	e.mdl = m
	e.log.Info("weights loaded",
		"tensors", len(tensors),
		"quant_bits", cfg.QuantBits,
		"group_size", cfg.GroupSize,
		"weight_bytes", m.WeightBytes(),
	)
	return nil
}
