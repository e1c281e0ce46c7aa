package vm

import "fmt"

// ---------------------------------------------------------------------------
// Ref: generational pool handle
// ---------------------------------------------------------------------------

// Ref is a handle into a Pool. The low 32 bits hold the slot index and the
// high 32 bits the slot generation at allocation time. The zero Ref never
// names a live entity because slot 0 of every pool is reserved.
type Ref uint64

func makeRef(index, gen uint32) Ref {
	return Ref(uint64(gen)<<32 | uint64(index))
}

// Index returns the slot index of the handle.
func (r Ref) Index() uint32 {
	return uint32(r)
}

// Gen returns the generation the handle was issued with.
func (r Ref) Gen() uint32 {
	return uint32(r >> 32)
}

// IsZero returns true for the null handle.
func (r Ref) IsZero() bool {
	return r.Index() == 0
}

// String renders the handle as index@generation.
func (r Ref) String() string {
	return fmt.Sprintf("%d@%d", r.Index(), r.Gen())
}

// ---------------------------------------------------------------------------
// Pool: typed slab allocator
// ---------------------------------------------------------------------------

// DefaultSlabSize is the number of slots added each time a pool grows.
const DefaultSlabSize = 1024

type slot[T any] struct {
	val    T
	gen    uint32
	live   bool
	marked bool
}

// Pool stores entities of one type in fixed-capacity slabs. Slabs are never
// reallocated, so a pointer returned by Get stays valid until the slot is
// swept. Free slots are tracked on a separate index stack and every free
// bumps the slot generation, which lets Get reject stale handles.
type Pool[T any] struct {
	name     string
	slabSize int
	maxSlots int // 0 = unbounded
	slabs    [][]slot[T]
	free     []uint32
	capacity int
	active   int

	pacer     *pacer
	exhausted func() // full collection, run before giving up on an allocation

	// recent holds handles allocated since the last safe point. Only
	// bounded pools can trigger an emergency collection, so only they
	// track it.
	recent []Ref
}

func newPool[T any](name string, slabSize, maxSlots int, pc *pacer) *Pool[T] {
	if slabSize <= 0 {
		slabSize = DefaultSlabSize
	}
	return &Pool[T]{
		name:     name,
		slabSize: slabSize,
		maxSlots: maxSlots,
		pacer:    pc,
	}
}

// Name returns the pool name used in statistics and diagnostics.
func (p *Pool[T]) Name() string {
	return p.name
}

// Active returns the number of live entities.
func (p *Pool[T]) Active() int {
	return p.active
}

// Capacity returns the number of slots currently backed by slabs.
func (p *Pool[T]) Capacity() int {
	return p.capacity
}

// MaxSlots returns the hard slot limit, or 0 when unbounded.
func (p *Pool[T]) MaxSlots() int {
	return p.maxSlots
}

func (p *Pool[T]) slot(index uint32) *slot[T] {
	i := int(index)
	return &p.slabs[i/p.slabSize][i%p.slabSize]
}

// grow appends one slab and pushes its slots on the free stack. It returns
// false when the hard limit has been reached.
func (p *Pool[T]) grow() bool {
	n := p.slabSize
	if p.maxSlots > 0 {
		if p.capacity >= p.maxSlots {
			return false
		}
		if p.capacity+n > p.maxSlots {
			n = p.maxSlots - p.capacity
		}
	}
	base := p.capacity
	p.slabs = append(p.slabs, make([]slot[T], n))
	p.capacity += n

	// Push in reverse so the lowest index is handed out first.
	for i := n - 1; i >= 0; i-- {
		idx := base + i
		if idx == 0 {
			continue
		}
		p.free = append(p.free, uint32(idx))
	}
	return len(p.free) > 0
}

// Alloc stores v in a free slot and returns its handle.
//
// When the pool is at its hard limit the exhaustion hook runs a full
// collection and the allocation is retried once. If the pool is still
// full, Alloc panics with a *FatalError.
func (p *Pool[T]) Alloc(v T) Ref {
	if len(p.free) == 0 && !p.grow() {
		if p.exhausted != nil {
			p.exhausted()
		}
		if len(p.free) == 0 && !p.grow() {
			panic(&FatalError{Msg: fmt.Sprintf("%s pool exhausted (%d slots)", p.name, p.capacity)})
		}
	}

	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	s := p.slot(idx)
	s.val = v
	s.live = true
	s.marked = false
	p.active++
	if p.pacer != nil {
		p.pacer.note()
	}
	r := makeRef(idx, s.gen)
	if p.maxSlots > 0 {
		p.recent = append(p.recent, r)
	}
	return r
}

// Get returns the entity for r, or nil if r is null, out of range, or
// stale.
func (p *Pool[T]) Get(r Ref) *T {
	idx := r.Index()
	if idx == 0 || int(idx) >= p.capacity {
		return nil
	}
	s := p.slot(idx)
	if !s.live || s.gen != r.Gen() {
		return nil
	}
	return &s.val
}

// at is Get for handles that must be live. A stale handle here means a
// value escaped the collector's view, which is unrecoverable.
func (p *Pool[T]) at(r Ref) *T {
	v := p.Get(r)
	if v == nil {
		panic(&FatalError{Msg: fmt.Sprintf("stale %s handle %s", p.name, r)})
	}
	return v
}

// Live reports whether r names a live entity.
func (p *Pool[T]) Live(r Ref) bool {
	return p.Get(r) != nil
}

// Free releases the slot named by r. Only sweepers call this.
func (p *Pool[T]) Free(r Ref) {
	idx := r.Index()
	if idx == 0 || int(idx) >= p.capacity {
		return
	}
	s := p.slot(idx)
	if !s.live || s.gen != r.Gen() {
		return
	}
	p.release(idx, s)
}

func (p *Pool[T]) release(idx uint32, s *slot[T]) {
	var zero T
	s.val = zero
	s.live = false
	s.marked = false
	s.gen++
	p.active--
	p.free = append(p.free, idx)
}

// Mark sets the mark bit on r. It returns the entity and true the first
// time the entity is marked in a cycle, and false if it was already marked
// or r is not live.
func (p *Pool[T]) Mark(r Ref) (*T, bool) {
	idx := r.Index()
	if idx == 0 || int(idx) >= p.capacity {
		return nil, false
	}
	s := p.slot(idx)
	if !s.live || s.gen != r.Gen() || s.marked {
		return nil, false
	}
	s.marked = true
	return &s.val, true
}

// Marked reports whether r was marked in the current cycle.
func (p *Pool[T]) Marked(r Ref) bool {
	idx := r.Index()
	if idx == 0 || int(idx) >= p.capacity {
		return false
	}
	s := p.slot(idx)
	return s.live && s.gen == r.Gen() && s.marked
}

// Sweep frees every live slot that was not marked and clears the mark
// bits of the survivors. It returns the number of slots freed.
func (p *Pool[T]) Sweep() int {
	freed := 0
	for si, slab := range p.slabs {
		for i := range slab {
			s := &slab[i]
			if !s.live {
				continue
			}
			if s.marked {
				s.marked = false
				continue
			}
			p.release(uint32(si*p.slabSize+i), s)
			freed++
		}
	}
	return freed
}

// forgetRecent drops the allocations tracked since the last safe point.
func (p *Pool[T]) forgetRecent() {
	p.recent = p.recent[:0]
}

// Each calls fn for every live entity in slot order.
func (p *Pool[T]) Each(fn func(Ref, *T)) {
	for si, slab := range p.slabs {
		for i := range slab {
			s := &slab[i]
			if s.live {
				fn(makeRef(uint32(si*p.slabSize+i), s.gen), &s.val)
			}
		}
	}
}
