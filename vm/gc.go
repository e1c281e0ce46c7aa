package vm

import (
	"time"
)

// ---------------------------------------------------------------------------
// Marker and Sweepable chains
// ---------------------------------------------------------------------------

// Marker contributes roots to a collection. The heap registers its own
// roots; every live Interpreter registers its value and frame stacks.
type Marker interface {
	MarkRoots(c *Collector)
}

// Sweepable reclaims everything that was not marked. It returns the number
// of entities freed.
type Sweepable interface {
	Sweep(c *Collector) int
}

// RegisterMarker appends m to the marker chain.
func (h *Heap) RegisterMarker(m Marker) {
	h.markers = append(h.markers, m)
}

// UnregisterMarker removes m from the marker chain.
func (h *Heap) UnregisterMarker(m Marker) {
	for i, existing := range h.markers {
		if existing == m {
			h.markers = append(h.markers[:i], h.markers[i+1:]...)
			return
		}
	}
}

// RegisterSweepable appends s to the sweeper chain.
func (h *Heap) RegisterSweepable(s Sweepable) {
	h.sweepers = append(h.sweepers, s)
}

type poolSweeper[T any] struct{ p *Pool[T] }

func (s poolSweeper[T]) Sweep(*Collector) int {
	return s.p.Sweep()
}

// ---------------------------------------------------------------------------
// Pacing
// ---------------------------------------------------------------------------

type pacer struct {
	allocs  int
	trigger int
	pending bool
}

func (pc *pacer) note() {
	pc.allocs++
	if pc.allocs >= pc.trigger {
		pc.pending = true
	}
}

// GCPending reports whether allocation pressure has requested a collection.
func (h *Heap) GCPending() bool {
	return h.pacer.pending
}

// RequestGC asks for a collection at the next safe point.
func (h *Heap) RequestGC() {
	h.pacer.pending = true
}

// SafePoint is called by the interpreter whenever every live value is
// reachable from a registered Marker. It runs a pending collection.
func (h *Heap) SafePoint() {
	h.forgetRecent()
	if h.pacer.pending {
		h.Collect()
	}
}

func (h *Heap) forgetRecent() {
	if h.config.MaxSlots <= 0 {
		return
	}
	h.pairs.forgetRecent()
	h.nodes.forgetRecent()
	h.trees.forgetRecent()
	h.arrays.forgetRecent()
	h.buffers.forgetRecent()
	h.views.forgetRecent()
	h.envs.forgetRecent()
	h.natives.forgetRecent()
	h.code.forgetRecent()
}

// ---------------------------------------------------------------------------
// Collector
// ---------------------------------------------------------------------------

// typeTreeNode tags tree nodes on the mark work list. It never appears in
// a user-visible Value.
const typeTreeNode Type = 0xFF

// Collector carries the state of one mark phase. Marking uses an explicit
// work list, so deep structures never recurse on the host stack.
type Collector struct {
	h      *Heap
	work   []Value
	marked int
}

// Mark marks v and everything reachable from it.
func (c *Collector) Mark(v Value) {
	if v.IsHeap() {
		c.work = append(c.work, v)
	}
}

// MarkEnv marks an environment and everything reachable from it.
func (c *Collector) MarkEnv(r Ref) {
	if !r.IsZero() {
		c.work = append(c.work, refValue(TypeEnvironment, r))
	}
}

// MarkNode marks a tree node and its subtrees.
func (c *Collector) MarkNode(r Ref) {
	if !r.IsZero() {
		c.work = append(c.work, refValue(typeTreeNode, r))
	}
}

// MarkCode marks a bytecode array.
func (c *Collector) MarkCode(r Ref) {
	if !r.IsZero() {
		c.work = append(c.work, refValue(TypeBytecodeArray, r))
	}
}

func (c *Collector) drain() {
	h := c.h
	for len(c.work) > 0 {
		v := c.work[len(c.work)-1]
		c.work = c.work[:len(c.work)-1]

		switch v.t {
		case TypePair, TypeException:
			if p, ok := h.pairs.Mark(v.Ref()); ok {
				c.marked++
				c.Mark(p.car)
				c.Mark(p.cdr)
			}
		case TypeString, TypeBuffer:
			if _, ok := h.buffers.Mark(v.Ref()); ok {
				c.marked++
			}
		case TypeBufferView:
			if bv, ok := h.views.Mark(v.Ref()); ok {
				c.marked++
				c.Mark(refValue(TypeBuffer, bv.buf))
			}
		case TypeArray:
			if a, ok := h.arrays.Mark(v.Ref()); ok {
				c.marked++
				for _, e := range a.data {
					c.Mark(e)
				}
			}
		case TypeTree:
			if t, ok := h.trees.Mark(v.Ref()); ok {
				c.marked++
				c.MarkNode(t.root)
			}
		case typeTreeNode:
			if n, ok := h.nodes.Mark(v.Ref()); ok {
				c.marked++
				c.MarkNode(n.left)
				c.MarkNode(n.right)
				c.Mark(n.value)
			}
		case TypeLambda, TypeMacro, TypeEnvironment:
			if e, ok := h.envs.Mark(v.Ref()); ok {
				c.marked++
				c.MarkEnv(e.parent)
				c.MarkNode(e.bindings)
				c.MarkNode(e.meta)
				c.MarkCode(e.code)
				c.Mark(e.params)
			}
		case TypeNativeFunc:
			if nf, ok := h.natives.Mark(v.Ref()); ok {
				c.marked++
				c.MarkNode(nf.meta)
			}
		case TypeBytecodeArray:
			if bc, ok := h.code.Mark(v.Ref()); ok {
				c.marked++
				for _, lit := range bc.literals {
					c.Mark(lit)
				}
			}
		}
	}
}

func (c *Collector) markRecent() {
	h := c.h
	for _, r := range h.pairs.recent {
		c.Mark(refValue(TypePair, r))
	}
	for _, r := range h.nodes.recent {
		c.MarkNode(r)
	}
	for _, r := range h.trees.recent {
		c.Mark(refValue(TypeTree, r))
	}
	for _, r := range h.arrays.recent {
		c.Mark(refValue(TypeArray, r))
	}
	for _, r := range h.buffers.recent {
		c.Mark(refValue(TypeBuffer, r))
	}
	for _, r := range h.views.recent {
		c.Mark(refValue(TypeBufferView, r))
	}
	for _, r := range h.envs.recent {
		c.MarkEnv(r)
	}
	for _, r := range h.natives.recent {
		c.Mark(refValue(TypeNativeFunc, r))
	}
	for _, r := range h.code.recent {
		c.MarkCode(r)
	}
	c.drain()
}

// ---------------------------------------------------------------------------
// Collection
// ---------------------------------------------------------------------------

// GCStats holds statistics from a single collection.
type GCStats struct {
	Cycle     int           `yaml:"cycle"`
	Emergency bool          `yaml:"emergency"`
	Before    int           `yaml:"before"`
	After     int           `yaml:"after"`
	Marked    int           `yaml:"marked"`
	Freed     int           `yaml:"freed"`
	Duration  time.Duration `yaml:"duration"`
	Timestamp time.Time     `yaml:"timestamp"`
}

// Collect runs a full stop-the-world mark-sweep collection and returns its
// statistics. Entities never move, so every handle held by a root stays
// valid.
func (h *Heap) Collect() GCStats {
	return h.collect(false)
}

func (h *Heap) emergencyCollect() {
	h.collect(true)
}

func (h *Heap) collect(emergency bool) GCStats {
	if h.collecting {
		return h.lastStats
	}
	h.collecting = true
	defer func() { h.collecting = false }()

	start := time.Now()
	before := h.LiveCount()

	c := &Collector{h: h}
	for _, m := range h.markers {
		m.MarkRoots(c)
		c.drain()
	}
	if emergency {
		c.markRecent()
	}

	freed := 0
	for _, s := range h.sweepers {
		freed += s.Sweep(c)
	}
	if !emergency {
		h.forgetRecent()
	}

	after := h.LiveCount()
	h.cycles++
	h.pacer.allocs = 0
	h.pacer.pending = false
	h.pacer.trigger = max(h.config.GCTrigger, after)

	stats := GCStats{
		Cycle:     h.cycles,
		Emergency: emergency,
		Before:    before,
		After:     after,
		Marked:    c.marked,
		Freed:     freed,
		Duration:  time.Since(start),
		Timestamp: start,
	}
	h.lastStats = stats

	gcLog.Debugf("heap %s: gc cycle %d freed %d of %d (%d live) in %s",
		h.ID, stats.Cycle, freed, before, after, stats.Duration)
	return stats
}

// Cycles returns the number of collections run so far.
func (h *Heap) Cycles() int {
	return h.cycles
}

// LastStats returns the statistics of the most recent collection.
func (h *Heap) LastStats() GCStats {
	return h.lastStats
}
