package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/23skdu/longbow-bolt/internal/kvcache"
	"github.com/23skdu/longbow-bolt/internal/metrics"
)

// ErrRequestNotFound is returned by PollCompleted for ids that are
// unknown, not yet finished, or already polled.
var ErrRequestNotFound = errors.New("request not found")

// ErrCapacity is returned when the active set is full and a promotion is
// forced anyway.
var ErrCapacity = errors.New("batch at capacity")

// Request is one generation session owned by the batcher. It carries its
// own KV cache; caches are never shared between requests, so one
// request's bad step can never corrupt another's attention history.
type Request struct {
	ID        uint64
	Prompt    []uint32
	Generated []uint32
	MaxTokens int
	Finished  bool
	Err       error
	Cache     *kvcache.Cache

	submitted time.Time
	cancelled bool
}

// Context returns prompt followed by generated tokens.
func (r *Request) Context() []uint32 {
	out := make([]uint32, 0, len(r.Prompt)+len(r.Generated))
	out = append(out, r.Prompt...)
	out = append(out, r.Generated...)
	return out
}

// ForwardResult is one request's outcome from a batched forward call.
type ForwardResult struct {
	Token uint32
	Err   error
}

// BatchForwardFunc produces one next token per request. Each request's
// forward is independent given its own cache, so implementations may
// parallelize freely; results must line up with the input slice.
type BatchForwardFunc func(ctx context.Context, reqs []*Request) []ForwardResult

// Batcher admits and retires individual requests from the active batch
// every step. Membership changes step to step, which is what makes this
// continuous rather than static batching.
type Batcher struct {
	mu        sync.Mutex
	pending   []*Request
	active    []*Request
	completed map[uint64]*Request
	nextID    uint64

	maxBatch int
	eos      map[uint32]struct{}

	newCache func() *kvcache.Cache
	met      *metrics.Metrics

	steps          int64
	batchSizeTotal int64
}

// New creates a batcher. newCache builds the per-request cache at
// submission time; met may be nil.
func New(maxBatch int, eos []uint32, newCache func() *kvcache.Cache, met *metrics.Metrics) (*Batcher, error) {
	if maxBatch <= 0 {
		return nil, fmt.Errorf("invalid max batch size: %d", maxBatch)
	}
	if newCache == nil {
		return nil, fmt.Errorf("nil cache factory")
	}
	eosSet := make(map[uint32]struct{}, len(eos))
	for _, t := range eos {
		eosSet[t] = struct{}{}
	}
	return &Batcher{
		completed: make(map[uint64]*Request),
		maxBatch:  maxBatch,
		eos:       eosSet,
		newCache:  newCache,
		met:       met,
	}, nil
}

// Submit enqueues a request and returns its id immediately.
func (b *Batcher) Submit(prompt []uint32, maxTokens int) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	req := &Request{
		ID:        b.nextID,
		Prompt:    append([]uint32(nil), prompt...),
		MaxTokens: maxTokens,
		Cache:     b.newCache(),
		submitted: time.Now(),
	}
	b.pending = append(b.pending, req)
	if b.met != nil {
		b.met.RequestsSubmitted.Inc()
	}
	return req.ID
}

// Promote forces a pending request into the active set out of turn.
// Fails with ErrCapacity when the batch is already full.
func (b *Batcher) Promote(id uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.active) >= b.maxBatch {
		return fmt.Errorf("%w: %d active", ErrCapacity, len(b.active))
	}
	for i, req := range b.pending {
		if req.ID == id {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			b.active = append(b.active, req)
			return nil
		}
	}
	return fmt.Errorf("%w: id %d", ErrRequestNotFound, id)
}

// Step runs one scheduler iteration: promote pending requests into free
// slots, run the batched forward, append tokens, retire finished
// requests. Slots vacated this step are reused by the next step's
// promotion.
func (b *Batcher) Step(ctx context.Context, forward BatchForwardFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()

	b.mu.Lock()
	b.sweepCancelledLocked()
	for len(b.active) < b.maxBatch && len(b.pending) > 0 {
		req := b.pending[0]
		b.pending = b.pending[1:]
		b.active = append(b.active, req)
	}
	batch := make([]*Request, len(b.active))
	copy(batch, b.active)
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	// The forward call runs outside the lock; the batcher owns the
	// active set between steps so nothing else mutates these requests.
	results := forward(ctx, batch)

	b.mu.Lock()
	defer b.mu.Unlock()

	tokens := 0
	for i, req := range batch {
		if req.cancelled {
			continue
		}
		res := results[i]
		if res.Err != nil {
			req.Err = res.Err
			req.Finished = true
			continue
		}
		req.Generated = append(req.Generated, res.Token)
		tokens++
		if _, isEOS := b.eos[res.Token]; isEOS || len(req.Generated) >= req.MaxTokens {
			req.Finished = true
		}
	}

	// Retire finished requests; their pages go back to the shared pool.
	keep := b.active[:0]
	for _, req := range b.active {
		if req.cancelled {
			req.Cache.Clear()
			continue
		}
		if req.Finished {
			req.Cache.Clear()
			b.completed[req.ID] = req
			if b.met != nil {
				b.met.RequestsCompleted.Inc()
			}
			continue
		}
		keep = append(keep, req)
	}
	b.active = keep

	b.steps++
	b.batchSizeTotal += int64(len(batch))
	if b.met != nil {
		b.met.RecordStep(len(batch), time.Since(start))
		b.met.RecordTokens(tokens)
	}
	return nil
}

// sweepCancelledLocked retires requests cancelled since the batcher
// last owned the active set. Their pages return to the pool here, never
// from Cancel itself, so an in-flight forward finishes writing first.
func (b *Batcher) sweepCancelledLocked() {
	keep := b.active[:0]
	for _, req := range b.active {
		if req.cancelled {
			req.Cache.Clear()
			continue
		}
		keep = append(keep, req)
	}
	b.active = keep
}

// PollCompleted removes and returns a finished request's tokens exactly
// once. A second call, or a call for an unknown or still-running id,
// returns ErrRequestNotFound. A request that failed reports its error.
func (b *Batcher) PollCompleted(id uint64) ([]uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	req, ok := b.completed[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrRequestNotFound, id)
	}
	delete(b.completed, id)
	if req.Err != nil {
		return nil, fmt.Errorf("request %d failed: %w", id, req.Err)
	}
	return req.Generated, nil
}

// Cancel drops a request, discarding any partial output. Pending
// requests are removed on the spot; an active request is only marked
// here, because its cache may be mid-forward outside the batcher lock,
// and is swept at the next step boundary where the batcher owns the
// active set again.
func (b *Batcher) Cancel(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, req := range b.pending {
		if req.ID == id {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			req.Cache.Clear()
			if b.met != nil {
				b.met.RequestsCancelled.Inc()
			}
			return true
		}
	}
	for _, req := range b.active {
		if req.ID == id && !req.cancelled {
			req.cancelled = true
			if b.met != nil {
				b.met.RequestsCancelled.Inc()
			}
			return true
		}
	}
	return false
}

// ActiveLen and PendingLen report current scheduler occupancy.
func (b *Batcher) ActiveLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}

func (b *Batcher) PendingLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// HasWork reports whether any request is still pending or active.
func (b *Batcher) HasWork() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) > 0 || len(b.active) > 0
}

// AverageBatchSize is the mean active batch size across all steps taken.
func (b *Batcher) AverageBatchSize() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.steps == 0 {
		return 0
	}
	return float64(b.batchSizeTotal) / float64(b.steps)
}
