package vm

// ---------------------------------------------------------------------------
// Bytecode and image natives
// ---------------------------------------------------------------------------

// opByte converts an op or an int in 0..255 into an instruction byte.
func (h *Heap) opByte(v Value) (byte, error) {
	switch v.t {
	case TypeBytecodeOp:
		return byte(v.AsOp()), nil
	case TypeInt:
		if n := v.AsInt(); n >= 0 && n <= 255 {
			return byte(n), nil
		}
		return 0, h.boundsError("bytecode ops are in 0..255", v)
	}
	return 0, h.typeError("expected a bytecode op", v)
}

func (h *Heap) registerCodeNatives(d *nativeDefs) {
	d.add("int->bytecode-op", "[n]", "Bytecode op with the value n", func(c *NativeCall) (Value, error) {
		n, err := c.Int(0)
		if err != nil {
			return Nil, err
		}
		b, err := c.Heap.opByte(Int(n))
		if err != nil {
			return Nil, err
		}
		return OpValue(Opcode(b)), nil
	})

	d.add("bytecode-op->int", "[op]", "Numeric value of a bytecode op", func(c *NativeCall) (Value, error) {
		op, err := c.Typed(0, TypeBytecodeOp)
		if err != nil {
			return Nil, err
		}
		return Int(int64(op.AsOp())), nil
	})

	d.add("arr->bytecode-arr", "[ops &literals]", "Build a bytecode array from an array of ops and an array of literals", func(c *NativeCall) (Value, error) {
		h := c.Heap
		arr, err := c.Typed(0, TypeArray)
		if err != nil {
			return Nil, err
		}
		elems := h.ArrayElements(arr)
		ops := make([]byte, len(elems))
		for i, e := range elems {
			if ops[i], err = h.opByte(e); err != nil {
				return Nil, err
			}
		}
		var lits []Value
		if !c.Arg(1).IsNil() {
			l, err := c.Typed(1, TypeArray)
			if err != nil {
				return Nil, err
			}
			lits = h.ArrayElements(l)
		}
		if err := ValidateBytecode(ops, len(lits)); err != nil {
			return Nil, h.NewException(KindVMError, "invalid bytecode: "+err.Error(), arr)
		}
		return h.NewBytecodeArray(ops, lits), nil
	})

	d.add("bytecode-arr->arr", "[code]", "Array holding every byte of code as an op", func(c *NativeCall) (Value, error) {
		code, err := c.Typed(0, TypeBytecodeArray)
		if err != nil {
			return Nil, err
		}
		ops := c.Heap.BytecodeOps(code)
		vals := make([]Value, len(ops))
		for i, b := range ops {
			vals[i] = OpValue(Opcode(b))
		}
		return c.Heap.ArrayFromSlice(vals), nil
	})

	d.add("bytecode-literals", "[code]", "Array holding the literal pool of code", func(c *NativeCall) (Value, error) {
		code, err := c.Typed(0, TypeBytecodeArray)
		if err != nil {
			return Nil, err
		}
		return c.Heap.ArrayFromSlice(c.Heap.BytecodeLiterals(code)), nil
	})

	d.add("bytecode-eval", "[code &env]", "Run code in env or the current closure", func(c *NativeCall) (Value, error) {
		code, err := c.Typed(0, TypeBytecodeArray)
		if err != nil {
			return Nil, err
		}
		env, err := c.closureRefOr(1)
		if err != nil {
			return Nil, err
		}
		return c.In.Run(env, code)
	})

	d.add("disassemble", "[code]", "Listing of code with literals shown inline", func(c *NativeCall) (Value, error) {
		code, err := c.Typed(0, TypeBytecodeArray)
		if err != nil {
			return Nil, err
		}
		return c.Heap.NewString(c.Heap.Disassemble(code)), nil
	})

	d.add("image/serialize", "[&entry]", "Serialize the root environment into an immutable buffer", func(c *NativeCall) (Value, error) {
		entry := ""
		if !c.Arg(0).IsNil() {
			s, err := c.String(0)
			if err != nil {
				return Nil, err
			}
			entry = s
		}
		data, _, err := c.Heap.WriteImage(c.Heap.RootEnv(), entry)
		if err != nil {
			return Nil, err
		}
		return c.Heap.BufferFromBytes(data, true), nil
	})

	d.add("image/deserialize", "[buf &env]", "Load an image into env or the root environment and describe it", func(c *NativeCall) (Value, error) {
		h := c.Heap
		v := c.Arg(0)
		if v.t != TypeBuffer && v.t != TypeString {
			return Nil, h.typeError("argument 1 must be a buffer", v)
		}
		env := h.RootEnv()
		if !c.Arg(1).IsNil() {
			r, err := c.closureRef(1)
			if err != nil {
				return Nil, err
			}
			env = r
		}
		info, err := h.LoadImage(env, h.BufferBytes(v))
		if err != nil {
			return Nil, err
		}
		t := h.NewTree(0)
		fields := []struct {
			key string
			v   Value
		}{
			{"id", h.NewString(info.ID.String())},
			{"entry", h.NewString(info.Entry)},
			{"objects", Int(int64(info.Objects))},
			{"bindings", Int(int64(info.Bindings))},
		}
		for _, f := range fields {
			if err := h.TreeValueInsert(t, h.Intern(f.key), f.v); err != nil {
				return Nil, err
			}
		}
		return t, nil
	})
}
