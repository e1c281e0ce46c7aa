package vm

import (
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var gcLog = commonlog.GetLogger("nib.gc")

// ---------------------------------------------------------------------------
// Heap configuration
// ---------------------------------------------------------------------------

// HeapConfig controls pool sizing and collection pacing.
type HeapConfig struct {
	// SlabSize is the number of slots each pool grows by.
	SlabSize int

	// MaxSlots is the hard slot limit of every pool. 0 means unbounded.
	MaxSlots int

	// GCTrigger is the minimum number of allocations between automatic
	// collections. After a collection the next trigger is the larger of
	// GCTrigger and the number of surviving entities.
	GCTrigger int
}

// DefaultHeapConfig returns the configuration used when none is given.
func DefaultHeapConfig() HeapConfig {
	return HeapConfig{
		SlabSize:  DefaultSlabSize,
		MaxSlots:  0,
		GCTrigger: 1 << 16,
	}
}

// ---------------------------------------------------------------------------
// Heap
// ---------------------------------------------------------------------------

// Heap owns every pooled entity of one runtime context: the symbol table,
// one pool per entity type, the collector's marker and sweeper chains, and
// the root environment. Heaps share nothing, so independent contexts can
// coexist in one process. A Heap is not safe for concurrent use.
type Heap struct {
	ID     uuid.UUID
	config HeapConfig

	symbols *SymbolTable

	pairs   *Pool[pairObj]
	nodes   *Pool[treeNode]
	trees   *Pool[treeObj]
	arrays  *Pool[arrayObj]
	buffers *Pool[bufferObj]
	views   *Pool[viewObj]
	envs    *Pool[Environment]
	natives *Pool[nativeObj]
	code    *Pool[bytecodeObj]

	pacer      pacer
	markers    []Marker
	sweepers   []Sweepable
	roots      []Value
	pins       map[Value]int
	collecting bool
	cycles     int
	lastStats  GCStats

	root Ref
}

// NewHeap creates a heap with an empty root environment.
func NewHeap(config HeapConfig) *Heap {
	if config.SlabSize <= 0 {
		config.SlabSize = DefaultSlabSize
	}
	if config.GCTrigger <= 0 {
		config.GCTrigger = DefaultHeapConfig().GCTrigger
	}

	h := &Heap{
		ID:      uuid.New(),
		config:  config,
		symbols: NewSymbolTable(),
		pins:    make(map[Value]int),
	}
	h.pacer.trigger = config.GCTrigger

	pc := &h.pacer
	h.pairs = newPool[pairObj]("pair", config.SlabSize, config.MaxSlots, pc)
	h.nodes = newPool[treeNode]("tree-node", config.SlabSize, config.MaxSlots, pc)
	h.trees = newPool[treeObj]("tree", config.SlabSize, config.MaxSlots, pc)
	h.arrays = newPool[arrayObj]("array", config.SlabSize, config.MaxSlots, pc)
	h.buffers = newPool[bufferObj]("buffer", config.SlabSize, config.MaxSlots, pc)
	h.views = newPool[viewObj]("buffer-view", config.SlabSize, config.MaxSlots, pc)
	h.envs = newPool[Environment]("environment", config.SlabSize, config.MaxSlots, pc)
	h.natives = newPool[nativeObj]("native-function", config.SlabSize, config.MaxSlots, pc)
	h.code = newPool[bytecodeObj]("bytecode-array", config.SlabSize, config.MaxSlots, pc)

	h.pairs.exhausted = h.emergencyCollect
	h.nodes.exhausted = h.emergencyCollect
	h.trees.exhausted = h.emergencyCollect
	h.arrays.exhausted = h.emergencyCollect
	h.buffers.exhausted = h.emergencyCollect
	h.views.exhausted = h.emergencyCollect
	h.envs.exhausted = h.emergencyCollect
	h.natives.exhausted = h.emergencyCollect
	h.code.exhausted = h.emergencyCollect

	h.RegisterMarker(heapRoots{h})
	h.RegisterSweepable(poolSweeper[pairObj]{h.pairs})
	h.RegisterSweepable(poolSweeper[treeNode]{h.nodes})
	h.RegisterSweepable(poolSweeper[treeObj]{h.trees})
	h.RegisterSweepable(poolSweeper[arrayObj]{h.arrays})
	h.RegisterSweepable(poolSweeper[bufferObj]{h.buffers})
	h.RegisterSweepable(poolSweeper[viewObj]{h.views})
	h.RegisterSweepable(poolSweeper[Environment]{h.envs})
	h.RegisterSweepable(poolSweeper[nativeObj]{h.natives})
	h.RegisterSweepable(poolSweeper[bytecodeObj]{h.code})

	h.root = h.NewEnvironment(0, EnvRoot)
	return h
}

// Config returns the heap configuration.
func (h *Heap) Config() HeapConfig {
	return h.config
}

// RootEnv returns the parentless root environment.
func (h *Heap) RootEnv() Ref {
	return h.root
}

// ---------------------------------------------------------------------------
// Temporary roots
// ---------------------------------------------------------------------------

// PushRoot protects v from collection until the matching PopRoots. Natives
// that allocate several entities before returning use it to keep the
// intermediate results alive in case an allocation triggers a collection.
func (h *Heap) PushRoot(v Value) int {
	h.roots = append(h.roots, v)
	return len(h.roots) - 1
}

// PopRoots discards the temporary roots above mark.
func (h *Heap) PopRoots(mark int) {
	if mark < 0 {
		mark = 0
	}
	if mark < len(h.roots) {
		clear(h.roots[mark:])
		h.roots = h.roots[:mark]
	}
}

// RootMark returns the current depth of the temporary root stack.
func (h *Heap) RootMark() int {
	return len(h.roots)
}

// Pin keeps v alive across collections until a matching Unpin. Pins are
// counted, so nested Pin/Unpin pairs are fine.
func (h *Heap) Pin(v Value) {
	if v.IsHeap() {
		h.pins[v]++
	}
}

// Unpin releases one pin on v.
func (h *Heap) Unpin(v Value) {
	if n, ok := h.pins[v]; ok {
		if n <= 1 {
			delete(h.pins, v)
		} else {
			h.pins[v] = n - 1
		}
	}
}

// heapRoots marks the heap's own roots.
type heapRoots struct{ h *Heap }

func (r heapRoots) MarkRoots(c *Collector) {
	c.MarkEnv(r.h.root)
	for _, v := range r.h.roots {
		c.Mark(v)
	}
	for v := range r.h.pins {
		c.Mark(v)
	}
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

// PoolStats reports the occupancy of one pool.
type PoolStats struct {
	Name     string `yaml:"name"`
	Active   int    `yaml:"active"`
	Capacity int    `yaml:"capacity"`
}

// HeapStats reports the occupancy of every pool.
type HeapStats struct {
	ID      string      `yaml:"id"`
	Symbols int         `yaml:"symbols"`
	Cycles  int         `yaml:"gc-cycles"`
	Pools   []PoolStats `yaml:"pools"`
	LastGC  GCStats     `yaml:"last-gc"`
}

// Stats returns a snapshot of heap occupancy.
func (h *Heap) Stats() HeapStats {
	return HeapStats{
		ID:      h.ID.String(),
		Symbols: h.symbols.Len(),
		Cycles:  h.cycles,
		Pools:   h.poolStats(),
		LastGC:  h.lastStats,
	}
}

func (h *Heap) poolStats() []PoolStats {
	return []PoolStats{
		{h.pairs.Name(), h.pairs.Active(), h.pairs.Capacity()},
		{h.nodes.Name(), h.nodes.Active(), h.nodes.Capacity()},
		{h.trees.Name(), h.trees.Active(), h.trees.Capacity()},
		{h.arrays.Name(), h.arrays.Active(), h.arrays.Capacity()},
		{h.buffers.Name(), h.buffers.Active(), h.buffers.Capacity()},
		{h.views.Name(), h.views.Active(), h.views.Capacity()},
		{h.envs.Name(), h.envs.Active(), h.envs.Capacity()},
		{h.natives.Name(), h.natives.Active(), h.natives.Capacity()},
		{h.code.Name(), h.code.Active(), h.code.Capacity()},
	}
}

// LiveCount returns the total number of live pooled entities.
func (h *Heap) LiveCount() int {
	n := 0
	for _, ps := range h.poolStats() {
		n += ps.Active
	}
	return n
}
