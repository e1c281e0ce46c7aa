package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Tree nodes
// ---------------------------------------------------------------------------

// treeNode is one node of an AVL tree keyed by symbol ID.
//
// The immutable flag marks a node that must never be written in place.
// Frozen trees carry it on every node. Path-copying inserts set it on the
// untouched subtrees they share with the source tree, so an in-place insert
// that reaches such a node copies it instead of writing through it.
type treeNode struct {
	left      Ref
	right     Ref
	key       Symbol
	value     Value
	height    int8
	immutable bool
}

// treeObj is the entity behind a tree value. Inserting may rotate the root,
// so tree values point here rather than at a node.
type treeObj struct {
	root      Ref
	immutable bool
}

func (h *Heap) node(r Ref) *treeNode {
	return h.nodes.at(r)
}

func (h *Heap) nodeHeight(r Ref) int {
	if r.IsZero() {
		return 0
	}
	return int(h.node(r).height)
}

func (h *Heap) updateHeight(r Ref) {
	n := h.node(r)
	n.height = int8(max(h.nodeHeight(n.left), h.nodeHeight(n.right)) + 1)
}

func (h *Heap) balance(r Ref) int {
	n := h.node(r)
	return h.nodeHeight(n.left) - h.nodeHeight(n.right)
}

func (h *Heap) share(r Ref) {
	if !r.IsZero() {
		h.node(r).immutable = true
	}
}

// own returns a node that may be written: r itself if it is mutable and
// copy is false, otherwise a fresh copy whose children are now shared.
func (h *Heap) own(r Ref, copy bool) Ref {
	n := h.node(r)
	if !n.immutable && !copy {
		return r
	}
	cp := *n
	cp.immutable = false
	h.share(cp.left)
	h.share(cp.right)
	return h.nodes.Alloc(cp)
}

func (h *Heap) rotateRight(r Ref) Ref {
	n := h.node(r)
	l := n.left
	ln := h.node(l)
	n.left = ln.right
	ln.right = r
	h.updateHeight(r)
	h.updateHeight(l)
	return l
}

func (h *Heap) rotateLeft(r Ref) Ref {
	n := h.node(r)
	rr := n.right
	rn := h.node(rr)
	n.right = rn.left
	rn.left = r
	h.updateHeight(r)
	h.updateHeight(rr)
	return rr
}

// rebalance restores the AVL invariant at r after an insert below it. The
// nodes it rotates are on the insert path and therefore already owned.
func (h *Heap) rebalance(r Ref, k Symbol) Ref {
	h.updateHeight(r)
	bf := h.balance(r)
	n := h.node(r)
	switch {
	case bf > 1 && k < h.node(n.left).key:
		return h.rotateRight(r)
	case bf < -1 && k > h.node(n.right).key:
		return h.rotateLeft(r)
	case bf > 1 && k > h.node(n.left).key:
		n.left = h.rotateLeft(n.left)
		return h.rotateRight(r)
	case bf < -1 && k < h.node(n.right).key:
		n.right = h.rotateRight(n.right)
		return h.rotateLeft(r)
	}
	return r
}

func (h *Heap) insertNode(r Ref, k Symbol, v Value, copy bool) Ref {
	if r.IsZero() {
		return h.nodes.Alloc(treeNode{key: k, value: v, height: 1})
	}
	r = h.own(r, copy)
	n := h.node(r)
	switch {
	case k < n.key:
		l := h.insertNode(n.left, k, v, copy)
		h.node(r).left = l
	case k > n.key:
		rr := h.insertNode(n.right, k, v, copy)
		h.node(r).right = rr
	default:
		n.value = v
		return r
	}
	return h.rebalance(r, k)
}

func (h *Heap) setNode(r Ref, k Symbol, v Value) (Ref, bool) {
	if r.IsZero() {
		return r, false
	}
	n := h.node(r)
	switch {
	case k < n.key:
		l, found := h.setNode(n.left, k, v)
		if !found {
			return r, false
		}
		if l != n.left {
			r = h.own(r, false)
			h.node(r).left = l
		}
		return r, true
	case k > n.key:
		rr, found := h.setNode(n.right, k, v)
		if !found {
			return r, false
		}
		if rr != n.right {
			r = h.own(r, false)
			h.node(r).right = rr
		}
		return r, true
	}
	r = h.own(r, false)
	h.node(r).value = v
	return r, true
}

// ---------------------------------------------------------------------------
// Tree operations on node roots
// ---------------------------------------------------------------------------

// TreeGet returns the value bound to k in the tree rooted at root.
func (h *Heap) TreeGet(root Ref, k Symbol) (Value, bool) {
	for !root.IsZero() {
		n := h.node(root)
		switch {
		case k < n.key:
			root = n.left
		case k > n.key:
			root = n.right
		default:
			return n.value, true
		}
	}
	return Nil, false
}

// TreeHas reports whether k is bound in the tree.
func (h *Heap) TreeHas(root Ref, k Symbol) bool {
	_, ok := h.TreeGet(root, k)
	return ok
}

// TreeImmutable reports whether the tree rooted at root rejects writes.
func (h *Heap) TreeImmutable(root Ref) bool {
	return !root.IsZero() && h.node(root).immutable
}

// TreeInsert binds k to v, overwriting an existing binding, and returns
// the new root. Mutable nodes are updated in place. Inserting into an
// immutable tree returns a write-on-immutable exception and leaves the tree
// unchanged.
func (h *Heap) TreeInsert(root Ref, k Symbol, v Value) (Ref, error) {
	if h.TreeImmutable(root) {
		return root, h.immutableError("can't insert into an immutable tree", SymbolValue(k))
	}
	return h.insertNode(root, k, v, false), nil
}

// TreeSet updates the binding of k if it exists. It returns the new root
// and whether k was found; a missing key leaves the tree unchanged.
func (h *Heap) TreeSet(root Ref, k Symbol, v Value) (Ref, bool, error) {
	if h.TreeImmutable(root) {
		return root, false, h.immutableError("can't set in an immutable tree", SymbolValue(k))
	}
	r, found := h.setNode(root, k, v)
	return r, found, nil
}

// TreeAssoc returns an immutable tree equal to root with k bound to v. The
// source tree is not modified; the result shares every subtree off the
// insert path with it.
func (h *Heap) TreeAssoc(root Ref, k Symbol, v Value) Ref {
	r := h.insertNode(root, k, v, true)
	h.node(r).immutable = true
	return r
}

// TreeDup returns a mutable deep copy of the tree.
func (h *Heap) TreeDup(root Ref) Ref {
	if root.IsZero() {
		return 0
	}
	n := *h.node(root)
	l := h.TreeDup(n.left)
	r := h.TreeDup(n.right)
	return h.nodes.Alloc(treeNode{
		left:   l,
		right:  r,
		key:    n.key,
		value:  n.value,
		height: n.height,
	})
}

// TreeFreeze flags every node of the tree immutable.
func (h *Heap) TreeFreeze(root Ref) {
	if root.IsZero() {
		return
	}
	n := h.node(root)
	n.immutable = true
	h.TreeFreeze(n.left)
	h.TreeFreeze(n.right)
}

// TreeSize returns the number of bindings.
func (h *Heap) TreeSize(root Ref) int {
	if root.IsZero() {
		return 0
	}
	n := h.node(root)
	return 1 + h.TreeSize(n.left) + h.TreeSize(n.right)
}

// TreeHeight returns the height of the tree, 0 for the empty tree.
func (h *Heap) TreeHeight(root Ref) int {
	return h.nodeHeight(root)
}

// TreeEach walks the bindings in key order until fn returns false.
func (h *Heap) TreeEach(root Ref, fn func(Symbol, Value) bool) bool {
	if root.IsZero() {
		return true
	}
	n := h.node(root)
	if !h.TreeEach(n.left, fn) {
		return false
	}
	if !fn(n.key, n.value) {
		return false
	}
	return h.TreeEach(n.right, fn)
}

// TreeKeys returns the keys in order.
func (h *Heap) TreeKeys(root Ref) []Symbol {
	var keys []Symbol
	h.TreeEach(root, func(k Symbol, _ Value) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// TreeValues returns the values in key order.
func (h *Heap) TreeValues(root Ref) []Value {
	var vals []Value
	h.TreeEach(root, func(_ Symbol, v Value) bool {
		vals = append(vals, v)
		return true
	})
	return vals
}

// TreeToList returns the bindings as a flat list of alternating keywords
// and values.
func (h *Heap) TreeToList(root Ref) Value {
	var items []Value
	h.TreeEach(root, func(k Symbol, v Value) bool {
		items = append(items, KeywordValue(k), v)
		return true
	})
	return h.List(items...)
}

// TreeVerify checks key ordering, stored heights and the AVL balance
// invariant at every node.
func (h *Heap) TreeVerify(root Ref) error {
	_, err := h.verifyNode(root, 0, ^Symbol(0), false, false)
	return err
}

func (h *Heap) verifyNode(r Ref, lo, hi Symbol, hasLo, hasHi bool) (int, error) {
	if r.IsZero() {
		return 0, nil
	}
	n := h.node(r)
	if (hasLo && n.key <= lo) || (hasHi && n.key >= hi) {
		return 0, fmt.Errorf("key %d out of order", n.key)
	}
	lh, err := h.verifyNode(n.left, lo, n.key, hasLo, true)
	if err != nil {
		return 0, err
	}
	rh, err := h.verifyNode(n.right, n.key, hi, true, hasHi)
	if err != nil {
		return 0, err
	}
	if lh-rh > 1 || rh-lh > 1 {
		return 0, fmt.Errorf("node %d unbalanced (%d/%d)", n.key, lh, rh)
	}
	height := max(lh, rh) + 1
	if int(n.height) != height {
		return 0, fmt.Errorf("node %d stores height %d, actual %d", n.key, n.height, height)
	}
	return height, nil
}

// ---------------------------------------------------------------------------
// Tree values
// ---------------------------------------------------------------------------

// NewTree wraps a node root in a tree value.
func (h *Heap) NewTree(root Ref) Value {
	return refValue(TypeTree, h.trees.Alloc(treeObj{root: root, immutable: h.TreeImmutable(root)}))
}

// TreeRoot returns the node root of a tree value.
func (h *Heap) TreeRoot(t Value) Ref {
	return h.trees.at(t.Ref()).root
}

// TreeValueInsert binds k to v in a tree value.
func (h *Heap) TreeValueInsert(t Value, k Symbol, v Value) error {
	obj := h.trees.at(t.Ref())
	if obj.immutable {
		return h.immutableError("can't insert into an immutable tree", t)
	}
	root, err := h.TreeInsert(obj.root, k, v)
	if err != nil {
		return err
	}
	h.trees.at(t.Ref()).root = root
	return nil
}

// FreezeTreeValue makes a tree value and all of its nodes immutable.
func (h *Heap) FreezeTreeValue(t Value) {
	obj := h.trees.at(t.Ref())
	obj.immutable = true
	h.TreeFreeze(obj.root)
}
