package vm

import "fmt"

// ---------------------------------------------------------------------------
// Closure natives
// ---------------------------------------------------------------------------

// closureRef returns the environment behind argument i, which may be a
// lambda, a macro or an environment.
func (c *NativeCall) closureRef(i int) (Ref, error) {
	v := c.Arg(i)
	switch v.t {
	case TypeLambda, TypeMacro, TypeEnvironment:
		return v.Ref(), nil
	}
	return 0, c.Heap.typeError(fmt.Sprintf("argument %d must be a closure", i+1), v)
}

// closureRefOr is closureRef with the calling environment as default.
func (c *NativeCall) closureRefOr(i int) (Ref, error) {
	if c.Arg(i).IsNil() {
		return c.Env, nil
	}
	return c.closureRef(i)
}

// closureValue wraps an environment as a lambda when it carries code.
func (h *Heap) closureValue(r Ref) Value {
	if r.IsZero() {
		return Nil
	}
	if !h.env(r).code.IsZero() {
		return refValue(TypeLambda, r)
	}
	return h.EnvValue(r)
}

// visibleSymbols lists every symbol bound in env or its parents, nearest
// binding first.
func (h *Heap) visibleSymbols(env Ref) []Symbol {
	seen := make(map[Symbol]bool)
	var out []Symbol
	for e := env; !e.IsZero(); e = h.EnvParent(e) {
		for _, s := range h.TreeKeys(h.EnvBindings(e)) {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

func (h *Heap) symbolList(syms []Symbol) Value {
	vals := make([]Value, len(syms))
	for i, s := range syms {
		vals[i] = SymbolValue(s)
	}
	return h.List(vals...)
}

func (h *Heap) registerClosureNatives(d *nativeDefs) {
	d.add("resolve", "[sym &env]", "Value bound to sym in env or the current closure", func(c *NativeCall) (Value, error) {
		s, err := c.Symbol(0)
		if err != nil {
			return Nil, err
		}
		env, err := c.closureRefOr(1)
		if err != nil {
			return Nil, err
		}
		return c.Heap.Lookup(env, s)
	})

	d.add("resolves?", "[sym &env]", "True when sym is bound in env or the current closure", func(c *NativeCall) (Value, error) {
		v := c.Arg(0)
		if !v.IsSymbolic() {
			return False, nil
		}
		env, err := c.closureRefOr(1)
		if err != nil {
			return Nil, err
		}
		_, err = c.Heap.Lookup(env, v.AsSymbol())
		return Bool(err == nil), nil
	})

	d.add("def-in!", "[env sym v]", "Bind sym to v in env", func(c *NativeCall) (Value, error) {
		env, err := c.closureRef(0)
		if err != nil {
			return Nil, err
		}
		s, err := c.Symbol(1)
		if err != nil {
			return Nil, err
		}
		if err := c.Heap.Define(env, s, c.Arg(2)); err != nil {
			return Nil, err
		}
		return c.Arg(2), nil
	})

	d.add("meta", "[v key]", "Metadata key attached to a closure or native, or nil", func(c *NativeCall) (Value, error) {
		key, err := c.Symbol(1)
		if err != nil {
			return Nil, err
		}
		v := c.Arg(0)
		switch v.t {
		case TypeNativeFunc:
			m, _ := c.Heap.NativeMeta(v, key)
			return m, nil
		case TypeLambda, TypeMacro, TypeEnvironment:
			m, _ := c.Heap.Meta(v.Ref(), key)
			return m, nil
		}
		return Nil, nil
	})

	d.add("meta!", "[v key val]", "Attach metadata to a closure", func(c *NativeCall) (Value, error) {
		env, err := c.closureRef(0)
		if err != nil {
			return Nil, err
		}
		key, err := c.Symbol(1)
		if err != nil {
			return Nil, err
		}
		if err := c.Heap.SetMeta(env, key, c.Arg(2)); err != nil {
			return Nil, err
		}
		return c.Arg(0), nil
	})

	d.add("closure", "[clo]", "Tree describing a closure: type, name, documentation, arguments, code and data", func(c *NativeCall) (Value, error) {
		h := c.Heap
		clo := c.Arg(0)
		r, err := c.closureRef(0)
		if err != nil {
			return Nil, err
		}
		t := h.NewTree(0)
		put := func(k string, v Value) error {
			return h.TreeValueInsert(t, h.Intern(k), v)
		}
		doc, _ := h.Meta(r, h.Intern("documentation"))
		name := Nil
		if s := h.EnvName(r); s != NoSymbol {
			name = SymbolValue(s)
		}
		fields := []struct {
			key string
			v   Value
		}{
			{"type", h.Keyword(clo.Type().String())},
			{"name", name},
			{"documentation", doc},
			{"data", h.NewTree(h.TreeDup(h.EnvBindings(r)))},
		}
		for _, f := range fields {
			if err := put(f.key, f.v); err != nil {
				return Nil, err
			}
		}
		if clo.t != TypeEnvironment {
			if err := put("arguments", h.FunctionParams(clo)); err != nil {
				return Nil, err
			}
			if err := put("code", h.FunctionCode(clo)); err != nil {
				return Nil, err
			}
		}
		return t, nil
	})

	d.add("closure/data", "[clo]", "Tree of the bindings of clo", func(c *NativeCall) (Value, error) {
		r, err := c.closureRef(0)
		if err != nil {
			return Nil, err
		}
		return c.Heap.NewTree(c.Heap.TreeDup(c.Heap.EnvBindings(r))), nil
	})

	d.add("closure/code", "[clo]", "Bytecode array of a lambda or macro", func(c *NativeCall) (Value, error) {
		v := c.Arg(0)
		if v.t != TypeLambda && v.t != TypeMacro {
			return Nil, nil
		}
		return c.Heap.FunctionCode(v), nil
	})

	d.add("closure/arguments", "[clo]", "Parameter list of a lambda or macro", func(c *NativeCall) (Value, error) {
		v := c.Arg(0)
		if v.t != TypeLambda && v.t != TypeMacro {
			return Nil, nil
		}
		return c.Heap.FunctionParams(v), nil
	})

	d.add("closure/parent", "[clo]", "Closure clo was created in", func(c *NativeCall) (Value, error) {
		r, err := c.closureRef(0)
		if err != nil {
			return Nil, err
		}
		return c.Heap.closureValue(c.Heap.EnvParent(r)), nil
	})

	d.add("closure/caller", "[clo]", "Lambda that called the innermost active call of clo, or nil", func(c *NativeCall) (Value, error) {
		r, err := c.closureRef(0)
		if err != nil {
			return Nil, err
		}
		return c.In.callerOf(r), nil
	})

	d.add("current-closure", "[]", "Environment the native was called from", func(c *NativeCall) (Value, error) {
		return c.Heap.EnvValue(c.Env), nil
	})

	d.add("current-lambda", "[]", "Lambda whose code is running, or nil at the top level", func(c *NativeCall) (Value, error) {
		return c.In.currentLambda(), nil
	})

	d.add("symbol-table*", "[&env]", "Every symbol visible from env or the current closure", func(c *NativeCall) (Value, error) {
		env, err := c.closureRefOr(0)
		if err != nil {
			return Nil, err
		}
		return c.Heap.symbolList(c.Heap.visibleSymbols(env)), nil
	})

	d.add("symbol-table", "[&off &len]", "Up to len visible symbols starting at off", func(c *NativeCall) (Value, error) {
		syms := c.Heap.visibleSymbols(c.Env)
		off, err := c.IntOr(0, 0)
		if err != nil {
			return Nil, err
		}
		n, err := c.IntOr(1, int64(len(syms)))
		if err != nil {
			return Nil, err
		}
		if off < 0 || n < 0 {
			return Nil, c.Heap.boundsError("offset and length must not be negative", c.Heap.List(c.Arg(0), c.Arg(1)))
		}
		lo := min(int(off), len(syms))
		hi := min(lo+int(min(n, int64(len(syms)))), len(syms))
		return c.Heap.symbolList(syms[lo:hi]), nil
	})

	d.add("symbol-count", "[&env]", "Number of symbols visible from env or the current closure", func(c *NativeCall) (Value, error) {
		env, err := c.closureRefOr(0)
		if err != nil {
			return Nil, err
		}
		return Int(int64(len(c.Heap.visibleSymbols(env)))), nil
	})

	d.add("symbol-count/interned", "[]", "Number of symbols in the interner", func(c *NativeCall) (Value, error) {
		return Int(int64(c.Heap.Symbols().Len())), nil
	})

	d.add("garbage-collection-runs", "[]", "Number of collections since the heap was created", func(c *NativeCall) (Value, error) {
		return Int(int64(c.Heap.Cycles())), nil
	})
}

// currentLambda returns the function of the innermost call frame.
func (in *Interpreter) currentLambda() Value {
	for i := len(in.frames) - 1; i >= 0; i-- {
		if f := &in.frames[i]; f.kind == FrameCall {
			return in.heap.closureValue(f.fn)
		}
	}
	return Nil
}

// callerOf finds the innermost call frame running fn and returns the
// function of the call frame below it.
func (in *Interpreter) callerOf(fn Ref) Value {
	i := len(in.frames) - 1
	for ; i >= 0; i-- {
		if f := &in.frames[i]; f.kind == FrameCall && f.fn == fn {
			break
		}
	}
	for i--; i >= 0; i-- {
		if f := &in.frames[i]; f.kind == FrameCall {
			return in.heap.closureValue(f.fn)
		}
	}
	return Nil
}
