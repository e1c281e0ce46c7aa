package vm

import "fmt"

// ---------------------------------------------------------------------------
// Core natives
// ---------------------------------------------------------------------------

// nativeDefs collects registrations and keeps the first error.
type nativeDefs struct {
	h   *Heap
	env Ref
	err error
}

func (d *nativeDefs) add(aliases, params, doc string, fn NativeFunc) {
	if d.err != nil {
		return
	}
	_, d.err = d.h.AddNative(d.env, aliases, params, doc, fn)
}

// InstallCore binds the core natives into env.
func (h *Heap) InstallCore(env Ref) error {
	d := &nativeDefs{h: h, env: env}
	h.registerCoreNatives(d)
	h.registerArithNatives(d)
	h.registerListNatives(d)
	h.registerTreeNatives(d)
	h.registerArrayNatives(d)
	h.registerBufferNatives(d)
	h.registerStringNatives(d)
	h.registerMathNatives(d)
	h.registerClosureNatives(d)
	h.registerCodeNatives(d)
	if d.err != nil {
		return fmt.Errorf("installing core natives: %w", d.err)
	}
	return nil
}

func (h *Heap) registerCoreNatives(d *nativeDefs) {
	d.add("type-of", "[v]", "Return a keyword naming the type of v", func(c *NativeCall) (Value, error) {
		return c.Heap.Keyword(c.Arg(0).Type().String()), nil
	})

	d.add("describe", "[fn]", "Return the documentation attached to fn, or nil", func(c *NativeCall) (Value, error) {
		fn := c.Arg(0)
		doc := c.Heap.Intern("documentation")
		switch fn.t {
		case TypeNativeFunc:
			v, _ := c.Heap.NativeMeta(fn, doc)
			return v, nil
		case TypeLambda, TypeMacro, TypeEnvironment:
			v, _ := c.Heap.Meta(fn.Ref(), doc)
			return v, nil
		}
		return Nil, nil
	})

	d.add("throw", "[v]", "Raise v as an exception", func(c *NativeCall) (Value, error) {
		v := c.Arg(0)
		if v.t == TypePair {
			v = refValue(TypeException, v.Ref())
		}
		e := c.Heap.ExceptionFromValue(v)
		e.Trace = c.In.trace()
		return Nil, e
	})

	d.add("exception", "[kind message &value]", "Build an exception value", func(c *NativeCall) (Value, error) {
		kind := c.Arg(0)
		if !kind.IsSymbolic() {
			return Nil, c.Heap.typeError("exception kind must be a symbol or keyword", kind)
		}
		return c.Heap.MakeException(KeywordValue(kind.AsSymbol()), c.Arg(1), c.Arg(2)), nil
	})

	d.add("exception/kind", "[e]", "Return the kind of an exception value", func(c *NativeCall) (Value, error) {
		e, err := c.Typed(0, TypeException)
		if err != nil {
			return Nil, err
		}
		return c.Heap.Car(e), nil
	})

	d.add("apply", "[fn args]", "Call fn with the elements of the list args", func(c *NativeCall) (Value, error) {
		args, proper := c.Heap.ListToSlice(c.Arg(1))
		if !proper {
			return Nil, c.Heap.typeError("argument list must be a proper list", c.Arg(1))
		}
		return c.In.Apply(c.Env, c.Arg(0), args)
	})

	d.add("garbage-collect gc", "[]", "Run a full collection and return the number of freed entities", func(c *NativeCall) (Value, error) {
		st := c.Heap.Collect()
		return Int(int64(st.Freed)), nil
	})

	d.add("symbol->keyword", "[s]", "Convert a symbol into a keyword", func(c *NativeCall) (Value, error) {
		s, err := c.Symbol(0)
		if err != nil {
			return Nil, err
		}
		return KeywordValue(s), nil
	})

	d.add("keyword->symbol", "[k]", "Convert a keyword into a symbol", func(c *NativeCall) (Value, error) {
		s, err := c.Symbol(0)
		if err != nil {
			return Nil, err
		}
		return SymbolValue(s), nil
	})

	d.add("string", "[...args]", "Concatenate the display form of every argument", func(c *NativeCall) (Value, error) {
		var out []byte
		for _, a := range c.Args {
			out = append(out, c.Heap.Display(a)...)
		}
		return c.Heap.NewString(string(out)), nil
	})

	d.add("random", "[&n]", "Return a random int, below n when n is given", func(c *NativeCall) (Value, error) {
		if c.Arg(0).IsNil() {
			return Int(int64(c.In.Random().Next())), nil
		}
		n, err := c.Int(0)
		if err != nil {
			return Nil, err
		}
		if n <= 0 {
			return Nil, c.Heap.typeError("random bound must be positive", c.Arg(0))
		}
		return Int(c.In.Random().IntN(n)), nil
	})

	d.add("random/seed!", "[seed]", "Reseed the random number generator", func(c *NativeCall) (Value, error) {
		seed, err := c.Int(0)
		if err != nil {
			return Nil, err
		}
		c.In.Random().Seed(uint64(seed))
		return Int(seed), nil
	})

	d.add("random/seed", "[]", "Return the random number generator state", func(c *NativeCall) (Value, error) {
		return Int(int64(c.In.Random().State())), nil
	})
}
