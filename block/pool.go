package block

import "sync"

// Pool is a multi-producer, multi-consumer LIFO of *DataBlock guarded by a
// mutex, matching spec.md's SimplePool<T>. It is a performance
// optimization, not a correctness boundary: TryGet returning false requires
// the caller to allocate a fresh instance, which NewPool's Get does
// automatically.
type Pool struct {
	mu       sync.Mutex
	items    []*DataBlock
	capacity int
	checker  bool // when true, Put panics on a block already marked free (double-free catch)
	free     map[*DataBlock]bool
}

// NewPool returns a pool that allocates DataBlocks of the given capacity
// when empty.
func NewPool(capacity int) *Pool {
	return &Pool{capacity: capacity, checker: true, free: make(map[*DataBlock]bool)}
}

// TryGet returns a pooled block and true, or (nil, false) if the pool is
// currently empty. Callers must handle the false case by allocating fresh
// — the pool never blocks.
func (p *Pool) TryGet() (*DataBlock, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.items)
	if n == 0 {
		return nil, false
	}
	b := p.items[n-1]
	p.items = p.items[:n-1]
	delete(p.free, b)
	b.Reset()
	return b, true
}

// Get returns a pooled block, allocating a fresh one of the pool's
// configured capacity if none is available.
func (p *Pool) Get() *DataBlock {
	if b, ok := p.TryGet(); ok {
		return b
	}
	return New(p.capacity)
}

// Put returns b to the pool. Panics if the checker policy is enabled and b
// was already returned and not re-acquired (double-free catch).
func (p *Pool) Put(b *DataBlock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.checker && p.free[b] {
		panic("block: double free of pooled DataBlock")
	}
	p.free[b] = true
	p.items = append(p.items, b)
}

// TaggedPool is a keyed variant of Pool, one SimplePool per tag (e.g. a
// size class), backed by a map guarded by its own mutex.
type TaggedPool struct {
	mu    sync.Mutex
	pools map[string]*Pool
	mkcap func(tag string) int
}

// NewTaggedPool returns a TaggedPool that lazily creates a Pool per tag,
// sizing fresh blocks for tag via capacityFor.
func NewTaggedPool(capacityFor func(tag string) int) *TaggedPool {
	return &TaggedPool{pools: make(map[string]*Pool), mkcap: capacityFor}
}

func (t *TaggedPool) poolFor(tag string) *Pool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pools[tag]
	if !ok {
		p = NewPool(t.mkcap(tag))
		t.pools[tag] = p
	}
	return p
}

// Get returns a block for tag, allocating fresh if the tagged pool is empty.
func (t *TaggedPool) Get(tag string) *DataBlock {
	return t.poolFor(tag).Get()
}

// TryGet attempts a non-allocating acquisition for tag.
func (t *TaggedPool) TryGet(tag string) (*DataBlock, bool) {
	return t.poolFor(tag).TryGet()
}

// Put returns b to the pool for tag.
func (t *TaggedPool) Put(tag string, b *DataBlock) {
	t.poolFor(tag).Put(b)
}
