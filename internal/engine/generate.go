package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-bolt/internal/config"
	"github.com/23skdu/longbow-bolt/internal/kvcache"
	"github.com/23skdu/longbow-bolt/internal/model"
	"github.com/23skdu/longbow-bolt/internal/sampler"
	"github.com/23skdu/longbow-bolt/internal/speculative"
)

// Generate runs a single blocking request: prefill the prompt, then
// decode until EOS, maxTokens, or ctx cancellation (checked once per
// generated token). The request's cache pages return to the shared pool
// on exit.
func (e *Engine) Generate(ctx context.Context, prompt []uint32, maxTokens int, params sampler.Params) ([]uint32, error) {
	if e.mdl == nil {
		return nil, fmt.Errorf("%w: no model loaded", config.ErrConfiguration)
	}
	if len(prompt) == 0 {
		return nil, fmt.Errorf("%w: empty prompt", config.ErrConfiguration)
	}
	if params.Seed == 0 {
		params.Seed = e.cfg.Seed
	}
	smp := sampler.New(params)

	if e.cfg.UseSpeculative {
		return e.generateSpeculative(ctx, prompt, maxTokens, smp)
	}
	return e.generate(ctx, prompt, maxTokens, smp)
}

func (e *Engine) generate(ctx context.Context, prompt []uint32, maxTokens int, smp *sampler.Sampler) ([]uint32, error) {
	cache := kvcache.NewCache(e.pool, e.cfg.Layers)
	defer e.refreshCacheGauges()
	defer cache.Clear()

	start := time.Now()
	var logits []float32
	var err error
	for pos, tok := range prompt {
		logits, err = e.mdl.Forward(tok, pos, cache)
		if err != nil {
			e.recordForwardError(err)
			return nil, err
		}
	}

	generated := make([]uint32, 0, maxTokens)
	for len(generated) < maxTokens {
		if err := ctx.Err(); err != nil {
			return generated, err
		}

		tok := uint32(smp.Sample(logits, generated))
		generated = append(generated, tok)
		e.tokensTotal.Add(1)
		if e.isEOS(tok) {
			break
		}
		if len(generated) == maxTokens {
			break
		}

		pos := len(prompt) + len(generated) - 1
		logits, err = e.mdl.Forward(tok, pos, cache)
		if err != nil {
			e.recordForwardError(err)
			return generated, err
		}
	}

	e.met.RecordTokens(len(generated))
	e.met.ContextLength.Observe(float64(len(prompt) + len(generated)))
	e.log.Debug("generation finished",
		"prompt_len", len(prompt),
		"generated", len(generated),
		"elapsed", time.Since(start).String(),
	)
	return generated, nil
}

// generateSpeculative amortizes forward passes with a draft/verify loop.
// The draft side is either the injected distilled model or a shallow
// pass over the main weights; each side owns a private cache.
func (e *Engine) generateSpeculative(ctx context.Context, prompt []uint32, maxTokens int, smp *sampler.Sampler) ([]uint32, error) {
	draftFwd, draftCache := e.draftForward()
	verifyCache := kvcache.NewCache(e.pool, e.cfg.Layers)
	defer e.refreshCacheGauges()
	defer draftCache.Clear()
	defer verifyCache.Clear()

	dec, err := speculative.New(
		draftFwd,
		e.mdl.Forward,
		draftCache,
		verifyCache,
		smp,
		e.cfg.DraftTokens,
		e.cfg.AcceptFactor,
		e.cfg.EOSTokens,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}

	tokens := append([]uint32(nil), prompt...)
	generated := make([]uint32, 0, maxTokens)

	for len(generated) < maxTokens {
		if err := ctx.Err(); err != nil {
			return generated, err
		}

		round, err := dec.Round(tokens)
		if err != nil {
			e.recordForwardError(err)
			return generated, err
		}
		if len(round) == 0 {
			// Degenerate round: the draft proposed EOS immediately.
			// Commit one token straight from the verify distribution.
			tok, err := dec.Step(tokens)
			if err != nil {
				e.recordForwardError(err)
				return generated, err
			}
			round = []uint32{tok}
		}

		done := false
		for _, tok := range round {
			generated = append(generated, tok)
			tokens = append(tokens, tok)
			e.tokensTotal.Add(1)
			if e.isEOS(tok) || len(generated) >= maxTokens {
				done = true
				break
			}
		}
		if done {
			break
		}
	}

	accepted, rejected := dec.Counters()
	e.specAccepted.Add(accepted)
	e.specRejected.Add(rejected)
	e.met.RecordSpeculative(accepted, rejected)
	e.met.RecordTokens(len(generated))
	e.met.ContextLength.Observe(float64(len(tokens)))
	e.log.Debug("speculative generation finished",
		"generated", len(generated),
		"acceptance_rate", dec.AcceptanceRate(),
	)
	return generated, nil
}

// draftForward picks the draft path: the injected distilled model when
// present, otherwise the first DraftLayers blocks of the main model
// (half the stack when unset).
func (e *Engine) draftForward() (model.ForwardFunc, *kvcache.Cache) {
	if e.draft != nil {
		cache := kvcache.NewCache(e.pool, e.draft.NumLayers())
		return e.draft.Forward, cache
	}

	layers := e.cfg.DraftLayers
	if layers <= 0 {
		layers = e.cfg.Layers / 2
	}
	if layers < 1 {
		layers = 1
	}
	cache := kvcache.NewCache(e.pool, layers)
	fwd := func(token uint32, pos int, c *kvcache.Cache) ([]float32, error) {
		return e.mdl.ForwardPartial(token, pos, c, layers)
	}
	return fwd, cache
}

func (e *Engine) isEOS(tok uint32) bool {
	for _, t := range e.cfg.EOSTokens {
		if t == tok {
			return true
		}
	}
	return false
}
