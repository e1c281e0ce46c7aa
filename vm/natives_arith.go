package vm

import "math"

// ---------------------------------------------------------------------------
// Arithmetic natives
// ---------------------------------------------------------------------------

func arithFold(op Opcode) NativeFunc {
	return func(c *NativeCall) (Value, error) {
		if len(c.Args) < 2 {
			return c.Heap.Arith(op, c.Arg(0), Nil)
		}
		acc := c.Args[0]
		for _, x := range c.Args[1:] {
			var err error
			if acc, err = c.Heap.Arith(op, acc, x); err != nil {
				return Nil, err
			}
		}
		return acc, nil
	}
}

func compareChain(test func(int) bool) NativeFunc {
	return func(c *NativeCall) (Value, error) {
		for i := 1; i < len(c.Args); i++ {
			if !test(c.Heap.Compare(c.Args[i-1], c.Args[i])) {
				return False, nil
			}
		}
		return True, nil
	}
}

func (h *Heap) registerArithNatives(d *nativeDefs) {
	d.add("+ add", "[...args]", "Add the arguments", arithFold(OpAdd))
	d.add("- sub", "[...args]", "Subtract the remaining arguments from the first, or negate a single one", arithFold(OpSub))
	d.add("* mul", "[...args]", "Multiply the arguments", arithFold(OpMul))
	d.add("/ div", "[a ...args]", "Divide the first argument by the remaining ones", arithFold(OpDiv))
	d.add("rem mod", "[a ...args]", "Remainder of dividing the first argument by the remaining ones", arithFold(OpRem))

	d.add("<", "[a ...args]", "True when the arguments are strictly increasing", compareChain(func(r int) bool { return r < 0 }))
	d.add("<=", "[a ...args]", "True when the arguments are increasing", compareChain(func(r int) bool { return r <= 0 }))
	d.add(">", "[a ...args]", "True when the arguments are strictly decreasing", compareChain(func(r int) bool { return r > 0 }))
	d.add(">=", "[a ...args]", "True when the arguments are decreasing", compareChain(func(r int) bool { return r >= 0 }))

	d.add("= equal?", "[a ...args]", "True when every argument equals the first", func(c *NativeCall) (Value, error) {
		for _, x := range c.Args[1:] {
			if !c.Heap.Equal(c.Args[0], x) {
				return False, nil
			}
		}
		return True, nil
	})

	d.add("!= not=", "[a b]", "True when a and b differ", func(c *NativeCall) (Value, error) {
		return Bool(!c.Heap.Equal(c.Arg(0), c.Arg(1))), nil
	})

	d.add("int", "[v]", "Convert a number to an int, truncating floats", func(c *NativeCall) (Value, error) {
		n, err := c.Int(0)
		if err != nil {
			return Nil, err
		}
		return Int(n), nil
	})

	d.add("float", "[v]", "Convert a number to a float", func(c *NativeCall) (Value, error) {
		f, err := c.Float(0)
		if err != nil {
			return Nil, err
		}
		return Float(f), nil
	})

	d.add("abs", "[v]", "Absolute value of a number", func(c *NativeCall) (Value, error) {
		v := c.Arg(0)
		switch v.t {
		case TypeInt:
			if v.AsInt() < 0 {
				return Int(-v.AsInt()), nil
			}
			return v, nil
		case TypeFloat:
			return Float(math.Abs(v.AsFloat())), nil
		}
		return Nil, c.Heap.typeError("abs needs a number", v)
	})

	d.add("vec", "[&x &y &z &w]", "Build a vector; missing components are 0", func(c *NativeCall) (Value, error) {
		var comp [4]float32
		for i := range comp {
			if c.Arg(i).IsNil() {
				continue
			}
			f, err := c.Float(i)
			if err != nil {
				return Nil, err
			}
			comp[i] = float32(f)
		}
		return Vec(comp[0], comp[1], comp[2], comp[3]), nil
	})

	d.add("zero?", "[v]", "True for the numbers 0 and 0.0", func(c *NativeCall) (Value, error) {
		v := c.Arg(0)
		return Bool((v.t == TypeInt && v.AsInt() == 0) || (v.t == TypeFloat && v.AsFloat() == 0)), nil
	})
}
