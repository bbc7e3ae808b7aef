package kvcache

import (
	"errors"
	"fmt"
	"sync"
)

// ErrCapacity is returned when a bounded page pool has no free pages
// left. It fails the requesting operation only; other in-flight requests
// keep their pages.
var ErrCapacity = errors.New("capacity exhausted")

// Page is a fixed-capacity slot array for keys and values of one layer.
// Layout per side: [pageSize, kvHeads*headDim] flattened. A page is never
// partially freed; reset zeroes the slot count and the backing memory is
// reused as-is.
type Page struct {
	k    []float32
	v    []float32
	used int
}

func (p *Page) reset() {
	p.used = 0
}

// Pool hands out pages and takes them back for reuse. It is the one
// piece of state shared across requests; the lock is held only around
// the free-list pop/push, never across a forward pass.
type Pool struct {
	mu       sync.Mutex
	free     []*Page
	pageSize int
	kvDim    int

	maxPages  int // 0 = unbounded
	liveCount int

	allocated int64 // fresh allocations, for capacity accounting
	reused    int64
}

// NewPool creates a page pool for pages holding pageSize positions of
// kvDim floats each (keys and values separately).
func NewPool(pageSize, kvDim, maxPages int) (*Pool, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("invalid page size: %d", pageSize)
	}
	if kvDim <= 0 {
		return nil, fmt.Errorf("invalid kv dim: %d", kvDim)
	}
	return &Pool{
		pageSize: pageSize,
		kvDim:    kvDim,
		maxPages: maxPages,
	}, nil
}

func (p *Pool) PageSize() int { return p.pageSize }

// get pops a free page or allocates a fresh one. Returns ErrCapacity
// when a bounded pool is fully live.
func (p *Pool) get() (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		pg := p.free[n-1]
		p.free = p.free[:n-1]
		p.liveCount++
		p.reused++
		return pg, nil
	}
	if p.maxPages > 0 && p.liveCount >= p.maxPages {
		return nil, fmt.Errorf("%w: page pool at limit %d", ErrCapacity, p.maxPages)
	}
	p.liveCount++
	p.allocated++
	return &Page{
		k: make([]float32, p.pageSize*p.kvDim),
		v: make([]float32, p.pageSize*p.kvDim),
	}, nil
}

// put resets a page and returns it to the free list. The backing memory
// is kept; pool reuse is the point.
func (p *Pool) put(pg *Page) {
	pg.reset()
	p.mu.Lock()
	p.free = append(p.free, pg)
	p.liveCount--
	p.mu.Unlock()
}

// Stats reports pool counters: pages ever allocated, pages served from
// the free list, pages currently live, and bytes per page (both sides).
func (p *Pool) Stats() (allocated, reused int64, live int, pageBytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated, p.reused, p.liveCount, int64(p.pageSize*p.kvDim) * 2 * 4
}

// Cache is the paged KV history of a single generation session. Each
// request owns exactly one Cache; sharing one across requests corrupts
// attention for both, so nothing in this package allows it.
type Cache struct {
	pool   *Pool
	layers int

	pages  [][]*Page // per layer, in table order
	seqLen int
}

func NewCache(pool *Pool, layers int) *Cache {
	return &Cache{
		pool:   pool,
		layers: layers,
		pages:  make([][]*Page, layers),
	}
}

// Append writes one position of keys and values for a layer. k and v are
// [kvHeads*headDim] vectors. A new page is taken from the pool when the
// last page for the layer is full or absent. seqLen advances once per
// position, on the final layer's append.
func (c *Cache) Append(layer int, k, v []float32) error {
	if layer < 0 || layer >= c.layers {
		return fmt.Errorf("invalid layer index: %d (have %d layers)", layer, c.layers)
	}
	if len(k) != c.pool.kvDim || len(v) != c.pool.kvDim {
		return fmt.Errorf("kv width %d/%d, want %d", len(k), len(v), c.pool.kvDim)
	}

	table := c.pages[layer]
	var pg *Page
	if n := len(table); n > 0 && table[n-1].used < c.pool.pageSize {
		pg = table[n-1]
	} else {
		fresh, err := c.pool.get()
		if err != nil {
			return err
		}
		c.pages[layer] = append(c.pages[layer], fresh)
		pg = fresh
	}

	off := pg.used * c.pool.kvDim
	copy(pg.k[off:off+c.pool.kvDim], k)
	copy(pg.v[off:off+c.pool.kvDim], v)
	pg.used++

	if layer == c.layers-1 {
		c.seqLen++
	}
	return nil
}

// Get materializes the layer's history as contiguous
// [seqLen, kvHeads*headDim] key and value buffers, concatenating pages
// in table order.
func (c *Cache) Get(layer int) (k, v []float32, seqLen int) {
	if layer < 0 || layer >= c.layers {
		return nil, nil, 0
	}
	var total int
	for _, pg := range c.pages[layer] {
		total += pg.used
	}
	k = make([]float32, 0, total*c.pool.kvDim)
	v = make([]float32, 0, total*c.pool.kvDim)
	for _, pg := range c.pages[layer] {
		n := pg.used * c.pool.kvDim
		k = append(k, pg.k[:n]...)
		v = append(v, pg.v[:n]...)
	}
	return k, v, total
}

// SeqLen is the number of positions appended since the last Clear.
func (c *Cache) SeqLen() int {
	return c.seqLen
}

// Clear returns every page to the pool and resets the sequence length.
// No memory is deallocated.
func (c *Cache) Clear() {
	for l := range c.pages {
		for _, pg := range c.pages[l] {
			c.pool.put(pg)
		}
		c.pages[l] = c.pages[l][:0]
	}
	c.seqLen = 0
}

// Truncate drops history beyond n positions on every layer, returning
// fully vacated pages to the pool. Speculative decoding uses this to
// roll a draft cache back to the committed context.
func (c *Cache) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n >= c.seqLen {
		return
	}
	for l := range c.pages {
		remaining := n
		keep := 0
		for _, pg := range c.pages[l] {
			if remaining <= 0 {
				c.pool.put(pg)
				continue
			}
			if remaining < pg.used {
				pg.used = remaining
			}
			remaining -= pg.used
			c.pages[l][keep] = pg
			keep++
		}
		c.pages[l] = c.pages[l][:keep]
	}
	c.seqLen = n
}

// Bytes is the memory held by this cache's live pages, both sides.
func (c *Cache) Bytes() int64 {
	var pages int64
	for l := range c.pages {
		pages += int64(len(c.pages[l]))
	}
	return pages * int64(c.pool.pageSize*c.pool.kvDim) * 2 * 4
}
