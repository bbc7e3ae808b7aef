package speculative

import (
	"fmt"

	"github.com/23skdu/longbow-bolt/internal/kvcache"
	"github.com/23skdu/longbow-bolt/internal/model"
	"github.com/23skdu/longbow-bolt/internal/sampler"
)

// Decoder runs the draft -> verify -> accept/reject loop. Draft and
// verify are plain forward functions, so a distilled model, a shallow
// pass over the same weights, or anything else can serve as the draft
// without the accept/reject logic knowing.
//
// Each side owns its own cache; the two are never shared with another
// request or with each other.
type Decoder struct {
	draft  model.ForwardFunc
	verify model.ForwardFunc

	draftCache  *kvcache.Cache
	verifyCache *kvcache.Cache

	smp       *sampler.Sampler
	k         int
	threshold float32
	eos       map[uint32]struct{}

	lastVerify []float32 // logits predicting the next position after the committed context

	accepted int64
	rejected int64
	rounds   int64
}

func New(draft, verify model.ForwardFunc, draftCache, verifyCache *kvcache.Cache, smp *sampler.Sampler, k int, threshold float32, eos []uint32) (*Decoder, error) {
	if k <= 0 {
		return nil, fmt.Errorf("invalid draft count: %d", k)
	}
	if threshold <= 0 {
		return nil, fmt.Errorf("invalid acceptance threshold: %f", threshold)
	}
	eosSet := make(map[uint32]struct{}, len(eos))
	for _, t := range eos {
		eosSet[t] = struct{}{}
	}
	return &Decoder{
		draft:       draft,
		verify:      verify,
		draftCache:  draftCache,
		verifyCache: verifyCache,
		smp:         smp,
		k:           k,
		threshold:   threshold,
		eos:         eosSet,
	}, nil
}

// Round drafts up to k candidates beyond the committed context, verifies
// them in order and returns the newly committed tokens: the accepted
// prefix plus either a corrective sample at the first rejection or, when
// every draft survives, one bonus token from the verify logits already
// computed for the position after the drafts. A draft that immediately
// proposes EOS yields an empty round.
func (d *Decoder) Round(context []uint32) ([]uint32, error) {
	if len(context) == 0 {
		return nil, fmt.Errorf("empty context")
	}

	drafts, draftProbs, err := d.draftCandidates(context)
	if err != nil {
		return nil, err
	}
	if err := d.catchUpVerify(context); err != nil {
		return nil, err
	}
	d.rounds++

	if len(drafts) == 0 {
		return nil, nil
	}

	committed := make([]uint32, 0, len(drafts)+1)
	basePos := len(context)

	for i, tok := range drafts {
		verifyProbs := softmaxCopy(d.lastVerify)
		if verifyProbs[tok] >= d.threshold*draftProbs[i] {
			d.accepted++
			committed = append(committed, tok)
			logits, err := d.verify(tok, basePos+len(committed)-1, d.verifyCache)
			if err != nil {
				return committed, err
			}
			d.lastVerify = logits
			continue
		}

		// First rejection ends acceptance; correct from the verify
		// distribution at the failure point.
		d.rejected++
		corrective := uint32(d.smp.Sample(d.lastVerify, context))
		committed = append(committed, corrective)
		logits, err := d.verify(corrective, basePos+len(committed)-1, d.verifyCache)
		if err != nil {
			return committed, err
		}
		d.lastVerify = logits
		return committed, nil
	}

	// All k drafts accepted: the verify pass has already produced logits
	// for position k+1, so one bonus token is free.
	bonus := uint32(d.smp.Sample(d.lastVerify, context))
	committed = append(committed, bonus)
	logits, err := d.verify(bonus, basePos+len(committed)-1, d.verifyCache)
	if err != nil {
		return committed, err
	}
	d.lastVerify = logits
	return committed, nil
}

// draftCandidates greedily proposes up to k tokens with their draft
// probabilities. The draft cache is rolled back to the committed context
// first; candidate K/V written here is speculative and gets truncated
// away next round.
func (d *Decoder) draftCandidates(context []uint32) ([]uint32, []float32, error) {
	d.draftCache.Truncate(len(context) - 1)

	var logits []float32
	for pos := d.draftCache.SeqLen(); pos < len(context); pos++ {
		var err error
		logits, err = d.draft(context[pos], pos, d.draftCache)
		if err != nil {
			return nil, nil, err
		}
	}

	drafts := make([]uint32, 0, d.k)
	probs := make([]float32, 0, d.k)
	for i := 0; i < d.k; i++ {
		dist := softmaxCopy(logits)
		tok := uint32(argMax(dist))
		if _, isEOS := d.eos[tok]; isEOS {
			break
		}
		drafts = append(drafts, tok)
		probs = append(probs, dist[tok])

		if i == d.k-1 {
			break
		}
		var err error
		logits, err = d.draft(tok, len(context)+i, d.draftCache)
		if err != nil {
			return nil, nil, err
		}
	}
	return drafts, probs, nil
}

// catchUpVerify feeds any committed tokens the verify cache has not seen
// yet, leaving lastVerify predicting the position after the context.
func (d *Decoder) catchUpVerify(context []uint32) error {
	start := d.verifyCache.SeqLen()
	if d.lastVerify == nil && start >= len(context) {
		return fmt.Errorf("verify cache ahead of context without logits")
	}
	for pos := start; pos < len(context); pos++ {
		logits, err := d.verify(context[pos], pos, d.verifyCache)
		if err != nil {
			return err
		}
		d.lastVerify = logits
	}
	return nil
}

// Step commits a single token from the verify distribution without
// drafting, the fallback when a round degenerates to zero candidates.
func (d *Decoder) Step(context []uint32) (uint32, error) {
	if err := d.catchUpVerify(context); err != nil {
		return 0, err
	}
	tok := uint32(d.smp.Sample(d.lastVerify, context))
	logits, err := d.verify(tok, len(context), d.verifyCache)
	if err != nil {
		return tok, err
	}
	d.lastVerify = logits
	return tok, nil
}

// AcceptanceRate is accepted/(accepted+rejected) over the decoder's
// lifetime; 0 before any verification happened.
func (d *Decoder) AcceptanceRate() float64 {
	total := d.accepted + d.rejected
	if total == 0 {
		return 0
	}
	return float64(d.accepted) / float64(total)
}

// Counters returns the raw accepted/rejected tallies.
func (d *Decoder) Counters() (accepted, rejected int64) {
	return d.accepted, d.rejected
}

func softmaxCopy(logits []float32) []float32 {
	out := make([]float32, len(logits))
	copy(out, logits)
	model.Softmax(out)
	return out
}

func argMax(x []float32) int {
	best := 0
	for i, v := range x {
		if v > x[best] {
			best = i
		}
	}
	return best
}
