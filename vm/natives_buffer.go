package vm

// ---------------------------------------------------------------------------
// Buffer and view natives
// ---------------------------------------------------------------------------

func (c *NativeCall) buffer(i int) (Value, error) {
	v := c.Arg(i)
	if v.t != TypeBuffer && v.t != TypeString {
		return Nil, c.Heap.typeError("expected a buffer or string", v)
	}
	return v, nil
}

func (h *Heap) registerBufferNatives(d *nativeDefs) {
	d.add("buffer/new", "[length &immutable]", "Allocate a zero-filled buffer", func(c *NativeCall) (Value, error) {
		n, err := c.Int(0)
		if err != nil {
			return Nil, err
		}
		if err := c.Heap.CheckBufferLength(n, c.Arg(0)); err != nil {
			return Nil, err
		}
		return c.Heap.NewBuffer(int(n), c.Arg(1).Truthy()), nil
	})

	d.add("buffer/length", "[buf]", "Length in bytes", func(c *NativeCall) (Value, error) {
		b, err := c.buffer(0)
		if err != nil {
			return Nil, err
		}
		return Int(int64(c.Heap.BufferLength(b))), nil
	})

	d.add("buffer/grow!", "[buf length]", "Extend a buffer to length bytes", func(c *NativeCall) (Value, error) {
		b, err := c.Typed(0, TypeBuffer)
		if err != nil {
			return Nil, err
		}
		n, err := c.Int(1)
		if err != nil {
			return Nil, err
		}
		if err := c.Heap.CheckBufferLength(n, c.Arg(1)); err != nil {
			return Nil, err
		}
		return b, c.Heap.BufferGrow(b, int(n))
	})

	d.add("buffer/dup", "[buf &immutable]", "Copy a buffer or string into a new buffer", func(c *NativeCall) (Value, error) {
		b, err := c.buffer(0)
		if err != nil {
			return Nil, err
		}
		return c.Heap.BufferDup(b, c.Arg(1).Truthy()), nil
	})

	d.add("buffer/immutable?", "[v]", "True when writes through v are rejected", func(c *NativeCall) (Value, error) {
		v := c.Arg(0)
		switch v.t {
		case TypeBuffer, TypeString:
			return Bool(c.Heap.BufferImmutable(v)), nil
		case TypeBufferView:
			return Bool(c.Heap.ViewImmutable(v)), nil
		}
		return Nil, c.Heap.typeError("expected a buffer or view", v)
	})

	d.add("buffer->string", "[buf]", "An immutable string holding the bytes of buf", func(c *NativeCall) (Value, error) {
		b, err := c.buffer(0)
		if err != nil {
			return Nil, err
		}
		return c.Heap.NewString(string(c.Heap.BufferBytes(b))), nil
	})

	d.add("string->buffer", "[s]", "A mutable buffer holding the bytes of s", func(c *NativeCall) (Value, error) {
		b, err := c.buffer(0)
		if err != nil {
			return Nil, err
		}
		return c.Heap.BufferDup(b, false), nil
	})

	d.add("buffer/view", "[buf type &offset &length &immutable]", "A typed view onto buf; type is a keyword like :u8 or :f32", func(c *NativeCall) (Value, error) {
		b, err := c.buffer(0)
		if err != nil {
			return Nil, err
		}
		name, err := c.String(1)
		if err != nil {
			return Nil, err
		}
		typ, ok := ParseViewType(name)
		if !ok {
			return Nil, c.Heap.typeError("unknown buffer view type", c.Arg(1))
		}
		offset, err := c.IntOr(2, 0)
		if err != nil {
			return Nil, err
		}
		length, err := c.IntOr(3, -1)
		if err != nil {
			return Nil, err
		}
		return c.Heap.NewBufferView(b, typ, int(offset), int(length), c.Arg(4).Truthy())
	})

	d.add("view/length", "[view]", "Number of elements in a view", func(c *NativeCall) (Value, error) {
		v, err := c.Typed(0, TypeBufferView)
		if err != nil {
			return Nil, err
		}
		return Int(int64(c.Heap.ViewLength(v))), nil
	})

	d.add("view/ref", "[view i]", "Element i of a view", func(c *NativeCall) (Value, error) {
		v, err := c.Typed(0, TypeBufferView)
		if err != nil {
			return Nil, err
		}
		i, err := c.Int(1)
		if err != nil {
			return Nil, err
		}
		return c.Heap.ViewRef(v, int(i))
	})

	d.add("view/set!", "[view i v]", "Store v as element i of a view", func(c *NativeCall) (Value, error) {
		v, err := c.Typed(0, TypeBufferView)
		if err != nil {
			return Nil, err
		}
		i, err := c.Int(1)
		if err != nil {
			return Nil, err
		}
		return v, c.Heap.ViewSet(v, int(i), c.Arg(2))
	})

	d.add("view/buffer", "[view]", "The buffer a view looks into", func(c *NativeCall) (Value, error) {
		v, err := c.Typed(0, TypeBufferView)
		if err != nil {
			return Nil, err
		}
		return c.Heap.ViewBuffer(v), nil
	})
}
