package vm

// ---------------------------------------------------------------------------
// Tree natives
// ---------------------------------------------------------------------------

func (c *NativeCall) tree(i int) (Value, error) {
	return c.Typed(i, TypeTree)
}

func (h *Heap) registerTreeNatives(d *nativeDefs) {
	d.add("tree/new", "[...plist]", "Build a tree from alternating keys and values", func(c *NativeCall) (Value, error) {
		if len(c.Args)%2 != 0 {
			return Nil, c.Heap.arityError("tree/new needs key/value pairs", Nil)
		}
		root := Ref(0)
		for i := 0; i < len(c.Args); i += 2 {
			k := c.Args[i]
			if !k.IsSymbolic() {
				return Nil, c.Heap.typeError("tree keys must be symbols or keywords", k)
			}
			root = c.Heap.insertNode(root, k.AsSymbol(), c.Args[i+1], false)
		}
		return c.Heap.NewTree(root), nil
	})

	d.add("tree/ref", "[t key]", "Value bound to key, or nil", func(c *NativeCall) (Value, error) {
		t, err := c.tree(0)
		if err != nil {
			return Nil, err
		}
		k, err := c.Symbol(1)
		if err != nil {
			return Nil, err
		}
		v, _ := c.Heap.TreeGet(c.Heap.TreeRoot(t), k)
		return v, nil
	})

	d.add("tree/has?", "[t key]", "True when key is bound", func(c *NativeCall) (Value, error) {
		t, err := c.tree(0)
		if err != nil {
			return Nil, err
		}
		k, err := c.Symbol(1)
		if err != nil {
			return Nil, err
		}
		return Bool(c.Heap.TreeHas(c.Heap.TreeRoot(t), k)), nil
	})

	d.add("tree/set!", "[t key v]", "Bind key to v in place", func(c *NativeCall) (Value, error) {
		t, err := c.tree(0)
		if err != nil {
			return Nil, err
		}
		k, err := c.Symbol(1)
		if err != nil {
			return Nil, err
		}
		if err := c.Heap.TreeValueInsert(t, k, c.Arg(2)); err != nil {
			return Nil, err
		}
		return t, nil
	})

	d.add("tree/assoc", "[t key v]", "A new immutable tree with key bound to v, sharing structure with t", func(c *NativeCall) (Value, error) {
		t, err := c.tree(0)
		if err != nil {
			return Nil, err
		}
		k, err := c.Symbol(1)
		if err != nil {
			return Nil, err
		}
		return c.Heap.NewTree(c.Heap.TreeAssoc(c.Heap.TreeRoot(t), k, c.Arg(2))), nil
	})

	d.add("tree/dup", "[t]", "A mutable copy of t", func(c *NativeCall) (Value, error) {
		t, err := c.tree(0)
		if err != nil {
			return Nil, err
		}
		return c.Heap.NewTree(c.Heap.TreeDup(c.Heap.TreeRoot(t))), nil
	})

	d.add("tree/freeze!", "[t]", "Make t immutable", func(c *NativeCall) (Value, error) {
		t, err := c.tree(0)
		if err != nil {
			return Nil, err
		}
		c.Heap.FreezeTreeValue(t)
		return t, nil
	})

	d.add("tree/size", "[t]", "Number of bindings", func(c *NativeCall) (Value, error) {
		t, err := c.tree(0)
		if err != nil {
			return Nil, err
		}
		return Int(int64(c.Heap.TreeSize(c.Heap.TreeRoot(t)))), nil
	})

	d.add("tree/keys", "[t]", "List of keys as keywords, in order", func(c *NativeCall) (Value, error) {
		t, err := c.tree(0)
		if err != nil {
			return Nil, err
		}
		keys := c.Heap.TreeKeys(c.Heap.TreeRoot(t))
		vals := make([]Value, len(keys))
		for i, k := range keys {
			vals[i] = KeywordValue(k)
		}
		return c.Heap.List(vals...), nil
	})

	d.add("tree/values", "[t]", "List of values in key order", func(c *NativeCall) (Value, error) {
		t, err := c.tree(0)
		if err != nil {
			return Nil, err
		}
		return c.Heap.List(c.Heap.TreeValues(c.Heap.TreeRoot(t))...), nil
	})

	d.add("tree->list", "[t]", "List of alternating keys and values", func(c *NativeCall) (Value, error) {
		t, err := c.tree(0)
		if err != nil {
			return Nil, err
		}
		return c.Heap.TreeToList(c.Heap.TreeRoot(t)), nil
	})
}
