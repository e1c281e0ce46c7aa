package vm

// ---------------------------------------------------------------------------
// List and array natives
// ---------------------------------------------------------------------------

func (h *Heap) registerListNatives(d *nativeDefs) {
	d.add("cons", "[car cdr]", "Allocate a pair", func(c *NativeCall) (Value, error) {
		return c.Heap.Cons(c.Arg(0), c.Arg(1)), nil
	})
	d.add("car", "[p]", "First element of a pair, or nil", func(c *NativeCall) (Value, error) {
		return c.Heap.Car(c.Arg(0)), nil
	})
	d.add("cdr", "[p]", "Rest of a pair, or nil", func(c *NativeCall) (Value, error) {
		return c.Heap.Cdr(c.Arg(0)), nil
	})
	d.add("set-car!", "[p v]", "Replace the first element of a pair", func(c *NativeCall) (Value, error) {
		return c.Arg(0), c.Heap.SetCar(c.Arg(0), c.Arg(1))
	})
	d.add("set-cdr!", "[p v]", "Replace the rest of a pair", func(c *NativeCall) (Value, error) {
		return c.Arg(0), c.Heap.SetCdr(c.Arg(0), c.Arg(1))
	})
	d.add("list", "[...args]", "Build a list of the arguments", func(c *NativeCall) (Value, error) {
		return c.Heap.List(c.Args...), nil
	})
	d.add("list/length length", "[l]", "Number of elements in a list", func(c *NativeCall) (Value, error) {
		return Int(int64(c.Heap.ListLength(c.Arg(0)))), nil
	})
	d.add("list/reverse reverse", "[l]", "A new list with the elements in reverse order", func(c *NativeCall) (Value, error) {
		return c.Heap.Reverse(c.Arg(0)), nil
	})
	d.add("pair?", "[v]", "True for pairs", func(c *NativeCall) (Value, error) {
		return Bool(c.Arg(0).IsPair()), nil
	})
	d.add("nil?", "[v]", "True for nil", func(c *NativeCall) (Value, error) {
		return Bool(c.Arg(0).IsNil()), nil
	})
	d.add("ref", "[col key]", "Element of a collection at key", func(c *NativeCall) (Value, error) {
		return c.Heap.GenericRef(c.Arg(0), c.Arg(1))
	})
	d.add("set!", "[col key v]", "Store v in a collection at key", func(c *NativeCall) (Value, error) {
		return c.Heap.GenericSet(c.Arg(0), c.Arg(1), c.Arg(2))
	})
}

func (h *Heap) registerArrayNatives(d *nativeDefs) {
	d.add("array/new", "[length]", "Allocate an array of nils", func(c *NativeCall) (Value, error) {
		n, err := c.Int(0)
		if err != nil {
			return Nil, err
		}
		if n < 0 {
			return Nil, c.Heap.boundsError("array length must not be negative", c.Arg(0))
		}
		return c.Heap.NewArray(int(n)), nil
	})
	d.add("array", "[...args]", "Build an array of the arguments", func(c *NativeCall) (Value, error) {
		return c.Heap.ArrayFromSlice(c.Args), nil
	})
	d.add("array/length", "[a]", "Number of elements in an array", func(c *NativeCall) (Value, error) {
		a, err := c.Typed(0, TypeArray)
		if err != nil {
			return Nil, err
		}
		return Int(int64(c.Heap.ArrayLength(a))), nil
	})
	d.add("array/resize", "[a length]", "A copy of a truncated or padded to length", func(c *NativeCall) (Value, error) {
		a, err := c.Typed(0, TypeArray)
		if err != nil {
			return Nil, err
		}
		n, err := c.Int(1)
		if err != nil {
			return Nil, err
		}
		if n < 0 {
			return Nil, c.Heap.boundsError("array length must not be negative", c.Arg(1))
		}
		return c.Heap.ArrayResize(a, int(n)), nil
	})
	d.add("array/freeze!", "[a]", "Make an array immutable", func(c *NativeCall) (Value, error) {
		a, err := c.Typed(0, TypeArray)
		if err != nil {
			return Nil, err
		}
		c.Heap.FreezeArray(a)
		return a, nil
	})
	d.add("array->list", "[a]", "A list of the elements of an array", func(c *NativeCall) (Value, error) {
		a, err := c.Typed(0, TypeArray)
		if err != nil {
			return Nil, err
		}
		return c.Heap.List(c.Heap.ArrayElements(a)...), nil
	})
}
