package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-bolt/internal/batcher"
	"github.com/23skdu/longbow-bolt/internal/config"
	"github.com/23skdu/longbow-bolt/internal/kvcache"
	"github.com/23skdu/longbow-bolt/internal/logger"
	"github.com/23skdu/longbow-bolt/internal/metrics"
	"github.com/23skdu/longbow-bolt/internal/model"
	"github.com/23skdu/longbow-bolt/internal/sampler"
)

// Engine composes the quantized model, the shared page pool, the
// scheduler and the decoders behind one façade. One Config selects the
// enabled optimizations; there are no forked engine variants.
type Engine struct {
	cfg config.Config

	mdl   *model.Model
	draft *model.Model // optional distilled draft; nil uses a shallow pass over mdl

	pool         *kvcache.Pool
	batch        *batcher.Batcher
	batchSampler *sampler.Sampler
	met          *metrics.Metrics
	log          *logger.Logger

	observer model.Observer

	tokensTotal  atomic.Int64
	specAccepted atomic.Int64
	specRejected atomic.Int64
	startTime    time.Time
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithObserver installs a checkpoint hook on the forward pass.
func WithObserver(o model.Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithDraftModel provides a distilled model for speculative drafting
// instead of the default shallow pass over the main weights.
func WithDraftModel(m *model.Model) Option {
	return func(e *Engine) { e.draft = m }
}

// New validates the configuration and builds an empty engine. Weights
// arrive through LoadWeights or LoadRandom.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pool, err := kvcache.NewPool(cfg.PageSize, cfg.KVDim(), cfg.MaxPages)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}

	e := &Engine{
		cfg:  cfg,
		pool: pool,
		// Batched decoding samples greedily; per-request sampling params
		// belong to the blocking Generate API.
		batchSampler: sampler.New(sampler.Params{Temperature: 0, Seed: cfg.Seed}),
		met:          metrics.New(),
		log:          logger.Log.With("engine"),
		observer:     model.NopObserver{},
		startTime:    time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.batch, err = batcher.New(cfg.MaxBatchSize, cfg.EOSTokens, func() *kvcache.Cache {
		return kvcache.NewCache(pool, cfg.Layers)
	}, e.met)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}
	return e, nil
}

// LoadRandom initializes the model with seeded random weights, the
// loading path for tests and smoke runs.
func (e *Engine) LoadRandom(seed int64) error {
	m, err := model.NewRandom(e.cfg, seed)
	if err != nil {
		return err
	}
	m.SetObserver(e.observer)
	e.mdl = m
	e.log.Info("random model initialized",
		"layers", e.cfg.Layers,
		"dim", e.cfg.Dim,
		"vocab", e.cfg.VocabSize,
		"weight_bytes", m.WeightBytes(),
	)
	return nil
}

// Model exposes the loaded model; nil before loading.
func (e *Engine) Model() *model.Model { return e.mdl }

// Config returns the engine configuration.
func (e *Engine) Config() config.Config { return e.cfg }

// MetricsHandler serves the engine's Prometheus registry.
func (e *Engine) MetricsHandler() http.Handler { return e.met.Handler() }

// Submit enqueues a prompt for continuous batching and returns its id
// without blocking. Generation advances only through Step.
func (e *Engine) Submit(prompt []uint32, maxTokens int) uint64 {
	return e.batch.Submit(prompt, maxTokens)
}

// PollCompleted removes and returns a finished request's tokens exactly
// once; subsequent calls return batcher.ErrRequestNotFound.
func (e *Engine) PollCompleted(id uint64) ([]uint32, error) {
	return e.batch.PollCompleted(id)
}

// Cancel drops a pending or active request and discards partial output.
func (e *Engine) Cancel(id uint64) bool {
	return e.batch.Cancel(id)
}

// HasWork reports whether the scheduler still holds unfinished requests.
func (e *Engine) HasWork() bool { return e.batch.HasWork() }

// Step advances every active request by one token. The external driver
// calls this in a loop.
func (e *Engine) Step(ctx context.Context) error {
	if e.mdl == nil {
		return fmt.Errorf("%w: no model loaded", config.ErrConfiguration)
	}
	err := e.batch.Step(ctx, e.batchForward)
	e.refreshCacheGauges()
	return err
}

// batchForward maps the per-request forward over the batch with a
// bounded worker group. Each request reads only its own cache, so order
// does not matter; sampling runs serially afterwards to keep the RNG
// stream deterministic in batch order.
func (e *Engine) batchForward(ctx context.Context, reqs []*batcher.Request) []batcher.ForwardResult {
	results := make([]batcher.ForwardResult, len(reqs))
	logitsPerReq := make([][]float32, len(reqs))

	workers := e.cfg.StepWorkers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, req := range reqs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = batcher.ForwardResult{Err: err}
				return nil
			}
			logits, err := e.forwardRequest(req)
			if err != nil {
				results[i] = batcher.ForwardResult{Err: err}
				return nil
			}
			logitsPerReq[i] = logits
			return nil
		})
	}
	// Per-request failures are already captured in results.
	_ = g.Wait()

	for i, req := range reqs {
		if results[i].Err != nil || logitsPerReq[i] == nil {
			continue
		}
		tok := uint32(e.batchSampler.Sample(logitsPerReq[i], req.Generated))
		results[i] = batcher.ForwardResult{Token: tok}
		e.tokensTotal.Add(1)
	}
	return results
}

// forwardRequest feeds any context tokens the request's cache has not
// seen (the whole prompt on its first step, one token afterwards) and
// returns the logits for the next position.
func (e *Engine) forwardRequest(req *batcher.Request) ([]float32, error) {
	tokens := req.Context()
	var logits []float32
	for pos := req.Cache.SeqLen(); pos < len(tokens); pos++ {
		var err error
		start := time.Now()
		logits, err = e.mdl.Forward(tokens[pos], pos, req.Cache)
		e.met.ForwardDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			e.recordForwardError(err)
			return nil, err
		}
	}
	if logits == nil {
		return nil, fmt.Errorf("request %d: empty context", req.ID)
	}
	e.met.ContextLength.Observe(float64(len(tokens)))
	return logits, nil
}

func (e *Engine) recordForwardError(err error) {
	if errors.Is(err, model.ErrNumerical) {
		e.met.RecordNumericalInstability("logits", 1, 0)
	}
	e.log.Warn("forward pass failed", "error", err.Error())
}

// refreshCacheGauges publishes the pool's current footprint. Called at
// step and generation boundaries, never from snapshot reads.
func (e *Engine) refreshCacheGauges() {
	allocated, _, live, pageBytes := e.pool.Stats()
	e.met.RecordKVCacheStats(allocated*pageBytes, int64(live)*pageBytes)
}

// Stats snapshots the engine counters. Values are refreshed once per
// step; reading them has no side effects.
func (e *Engine) Stats() Stats {
	elapsed := time.Since(e.startTime).Seconds()
	var tps float64
	if elapsed > 0 {
		tps = float64(e.tokensTotal.Load()) / elapsed
	}

	var acceptance float64
	accepted, rejected := e.specAccepted.Load(), e.specRejected.Load()
	if total := accepted + rejected; total > 0 {
		acceptance = float64(accepted) / float64(total)
	}

	_, _, live, pageBytes := e.pool.Stats()
	cacheBytes := int64(live) * pageBytes

	return Stats{
		TokensPerSecond: tps,
		AcceptanceRate:  acceptance,
		CacheBytes:      cacheBytes,
		ActiveBatchSize: e.batch.AverageBatchSize(),
	}
}
