package vm

import (
	"errors"
	"slices"
	"testing"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestInterpreter(t *testing.T, config InterpreterConfig) (*Heap, *Interpreter) {
	t.Helper()
	h := NewHeap(DefaultHeapConfig())
	if err := h.InstallCore(h.RootEnv()); err != nil {
		t.Fatal(err)
	}
	in := NewInterpreter(h, config)
	t.Cleanup(in.Close)
	return h, in
}

func run(t *testing.T, h *Heap, in *Interpreter, b *BytecodeBuilder) (Value, error) {
	t.Helper()
	return in.Run(h.RootEnv(), b.Build(h))
}

func mustRun(t *testing.T, h *Heap, in *Interpreter, b *BytecodeBuilder) Value {
	t.Helper()
	v, err := run(t, h, in, b)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return v
}

// defineLambda binds name to a lambda of params whose body is built by body.
func defineLambda(t *testing.T, h *Heap, name string, params []string, body func(b *BytecodeBuilder)) Value {
	t.Helper()
	b := NewBytecodeBuilder()
	body(b)
	ps := make([]Value, len(params))
	for i, p := range params {
		ps[i] = h.Sym(p)
	}
	fn, err := h.NewLambda(h.RootEnv(), h.List(ps...), b.Build(h), h.Intern(name))
	if err != nil {
		t.Fatal(err)
	}
	if err := h.DefineName(h.RootEnv(), name, fn); err != nil {
		t.Fatal(err)
	}
	return fn
}

func nativeHandler(t *testing.T, h *Heap, fn NativeFunc) Value {
	t.Helper()
	v, err := h.NewNative("handler", "[e]", "", fn)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

// ---------------------------------------------------------------------------
// Basic execution
// ---------------------------------------------------------------------------

func TestRunAddNative(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())
	b := NewBytecodeBuilder()
	b.EmitGet(h.Intern("+"))
	b.EmitPush(Int(1))
	b.EmitPush(Int(2))
	b.EmitApply(2)
	b.Emit(OpRet)

	if got := mustRun(t, h, in, b); got != Int(3) {
		t.Errorf("(+ 1 2) = %s, want 3", h.Sprint(got))
	}
	if in.Depth() != 0 {
		t.Errorf("frames left after Run: %d", in.Depth())
	}
}

func TestRunImplicitReturn(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())
	b := NewBytecodeBuilder()
	b.EmitPush(Int(9))
	if got := mustRun(t, h, in, b); got != Int(9) {
		t.Errorf("got %s, want 9", h.Sprint(got))
	}
}

func TestArithmeticOpcodes(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())

	tests := []struct {
		name string
		a, b Value
		op   Opcode
		want Value
	}{
		{"add", Int(1), Int(2), OpAdd, Int(3)},
		{"add float", Int(1), Float(0.5), OpAdd, Float(1.5)},
		{"sub", Int(5), Int(7), OpSub, Int(-2)},
		{"mul", Int(6), Int(7), OpMul, Int(42)},
		{"div", Int(7), Int(2), OpDiv, Float(3.5)},
		{"rem", Int(7), Int(3), OpRem, Int(1)},
		{"add nil", Int(4), Nil, OpAdd, Int(4)},
		{"add nil nil", Nil, Nil, OpAdd, Int(0)},
		{"sub negates", Int(4), Nil, OpSub, Int(-4)},
		{"mul nil nil", Nil, Nil, OpMul, Int(1)},
		{"shift left", Int(1), Int(4), OpBitShiftLeft, Int(16)},
		{"shift right", Int(16), Int(2), OpBitShiftRight, Int(4)},
		{"and", Int(6), Int(3), OpBitAnd, Int(2)},
		{"or", Int(6), Int(3), OpBitOr, Int(7)},
		{"xor", Int(6), Int(3), OpBitXor, Int(5)},
		{"less", Int(1), Float(1.5), OpLessPred, True},
		{"less eq", Int(2), Int(2), OpLessEqPred, True},
		{"greater", Int(1), Int(2), OpGreaterPred, False},
		{"greater eq", Float(2), Int(2), OpGreaterEqPred, True},
		{"equal cross type", Int(2), Float(2), OpEqualPred, True},
		{"unequal", Int(2), Int(3), OpUnequalPred, True},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBytecodeBuilder()
			b.EmitPush(tt.a)
			b.EmitPush(tt.b)
			b.Emit(tt.op)
			b.Emit(OpRet)
			got := mustRun(t, h, in, b)
			if got != tt.want {
				t.Errorf("got %s, want %s", h.Sprint(got), h.Sprint(tt.want))
			}
		})
	}
}

func TestArithmeticErrors(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())

	tests := []struct {
		name string
		a, b Value
		op   Opcode
		kind string
	}{
		{"div by zero", Int(1), Int(0), OpDiv, KindDivideByZero},
		{"rem by zero", Int(1), Int(0), OpRem, KindDivideByZero},
		{"add symbol", Int(1), h.Sym("x"), OpAdd, KindTypeError},
		{"bit and float", Float(1), Int(1), OpBitAnd, KindTypeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBytecodeBuilder()
			b.EmitPush(tt.a)
			b.EmitPush(tt.b)
			b.Emit(tt.op)
			b.Emit(OpRet)
			_, err := run(t, h, in, b)
			if !IsKind(err, tt.kind) {
				t.Errorf("err = %v, want %s", err, tt.kind)
			}
		})
	}
}

func TestUnaryOpcodes(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())

	tests := []struct {
		name string
		in   Value
		op   Opcode
		want Value
	}{
		{"zero int", Int(0), OpZeroPred, True},
		{"zero float", Float(0), OpZeroPred, True},
		{"zero nonzero", Int(3), OpZeroPred, False},
		{"zero symbol", h.Sym("a"), OpZeroPred, False},
		{"inc int", Int(41), OpIncInt, Int(42)},
		{"inc float untouched", Float(1.5), OpIncInt, Float(1.5)},
		{"bit not", Int(0), OpBitNot, Int(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBytecodeBuilder()
			b.EmitPush(tt.in)
			b.Emit(tt.op)
			b.Emit(OpRet)
			if got := mustRun(t, h, in, b); got != tt.want {
				t.Errorf("got %s, want %s", h.Sprint(got), h.Sprint(tt.want))
			}
		})
	}
}

func TestConditionalJumps(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())

	for _, cond := range []Value{True, False, Nil, Int(0)} {
		b := NewBytecodeBuilder()
		elseL := b.NewLabel()
		endL := b.NewLabel()
		b.EmitPush(cond)
		b.EmitJump(OpJf, elseL)
		b.EmitPush(Int(1))
		b.EmitJump(OpJmp, endL)
		b.Mark(elseL)
		b.EmitPush(Int(2))
		b.Mark(endL)
		b.Emit(OpRet)

		want := Int(2)
		if cond.Truthy() {
			want = Int(1)
		}
		if got := mustRun(t, h, in, b); got != want {
			t.Errorf("cond %s: got %s, want %s", h.Sprint(cond), h.Sprint(got), h.Sprint(want))
		}
	}
}

func TestBackwardJumpLoop(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())
	i := h.Intern("i")

	// (def i 0) (while (< i 10) (set! i (+ i 1))) i
	b := NewBytecodeBuilder()
	b.EmitPush(Int(0))
	b.EmitDef(i)
	b.Emit(OpDrop)
	top := b.NewLabel()
	done := b.NewLabel()
	b.Mark(top)
	b.EmitGet(i)
	b.EmitPush(Int(10))
	b.Emit(OpLessPred)
	b.EmitJump(OpJf, done)
	b.EmitGet(i)
	b.Emit(OpIncInt)
	b.EmitSet(i)
	b.Emit(OpDrop)
	b.EmitJump(OpJmp, top)
	b.Mark(done)
	b.EmitGet(i)
	b.Emit(OpRet)

	if got := mustRun(t, h, in, b); got != Int(10) {
		t.Errorf("got %s, want 10", h.Sprint(got))
	}
}

func TestListOpcodes(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())
	b := NewBytecodeBuilder()
	b.EmitPush(Int(1))
	b.EmitPush(Int(2))
	b.EmitPush(Int(3))
	b.EmitList(3)
	b.Emit(OpDup)
	b.Emit(OpCadr)
	b.Emit(OpCons)
	b.Emit(OpRet)

	// CONS takes the car from below the cdr.
	got := mustRun(t, h, in, b)
	if s := h.Sprint(got); s != "((1 2 3) . 2)" {
		t.Errorf("got %s", s)
	}
}

func TestRefAndGenSet(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())
	arr := h.ArrayFromSlice([]Value{Int(10), Int(20), Int(30)})
	h.DefineName(h.RootEnv(), "arr", arr)

	b := NewBytecodeBuilder()
	b.EmitGet(h.Intern("arr"))
	b.EmitPush(Int(1))
	b.EmitPush(Int(99))
	b.Emit(OpGenSet)
	b.EmitPush(Int(1))
	b.Emit(OpRef)
	b.Emit(OpRet)

	if got := mustRun(t, h, in, b); got != Int(99) {
		t.Errorf("got %s, want 99", h.Sprint(got))
	}

	bad := NewBytecodeBuilder()
	bad.EmitGet(h.Intern("arr"))
	bad.EmitPush(Int(5))
	bad.Emit(OpRef)
	bad.Emit(OpRet)
	if _, err := run(t, h, in, bad); !IsKind(err, KindBoundsError) {
		t.Errorf("err = %v, want bounds-error", err)
	}
}

// ---------------------------------------------------------------------------
// Environments and functions
// ---------------------------------------------------------------------------

func TestLetScope(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())
	x := h.Intern("x")

	b := NewBytecodeBuilder()
	b.Emit(OpLet)
	b.EmitPush(Int(5))
	b.EmitDef(x)
	b.Emit(OpDrop)
	b.EmitGet(x)
	b.Emit(OpClosurePop)
	b.Emit(OpRet)

	if got := mustRun(t, h, in, b); got != Int(5) {
		t.Errorf("got %s, want 5", h.Sprint(got))
	}
	if _, err := h.Lookup(h.RootEnv(), x); !IsKind(err, KindUnboundSymbol) {
		t.Error("let binding leaked into the root environment")
	}
}

func TestLambdaCall(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())
	x := h.Intern("x")
	defineLambda(t, h, "double", []string{"x"}, func(b *BytecodeBuilder) {
		b.EmitGet(x)
		b.EmitGet(x)
		b.Emit(OpAdd)
		b.Emit(OpRet)
	})

	b := NewBytecodeBuilder()
	b.EmitGet(h.Intern("double"))
	b.EmitPush(Int(21))
	b.EmitApply(1)
	b.EmitPush(Int(1))
	b.Emit(OpAdd)
	b.Emit(OpRet)

	if got := mustRun(t, h, in, b); got != Int(43) {
		t.Errorf("got %s, want 43", h.Sprint(got))
	}
}

func TestApplyCollection(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())
	b := NewBytecodeBuilder()
	b.EmitGet(h.Intern("+"))
	b.EmitPush(Int(1))
	b.EmitPush(Int(2))
	b.EmitPush(Int(3))
	b.EmitList(3)
	b.Emit(OpApplyCollection)
	b.Emit(OpRet)

	if got := mustRun(t, h, in, b); got != Int(6) {
		t.Errorf("got %s, want 6", h.Sprint(got))
	}
}

func TestApplyFromGo(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())
	a, bb := h.Intern("a"), h.Intern("b")
	fn := defineLambda(t, h, "sub", []string{"a", "b"}, func(b *BytecodeBuilder) {
		b.EmitGet(a)
		b.EmitGet(bb)
		b.Emit(OpSub)
		b.Emit(OpRet)
	})

	got, err := in.Apply(h.RootEnv(), fn, []Value{Int(10), Int(4)})
	if err != nil {
		t.Fatal(err)
	}
	if got != Int(6) {
		t.Errorf("got %s, want 6", h.Sprint(got))
	}

	plus, _ := h.LookupName(h.RootEnv(), "+")
	got, err = in.Apply(h.RootEnv(), plus, []Value{Int(1), Int(1)})
	if err != nil || got != Int(2) {
		t.Errorf("Apply(+) = %v, %v", got, err)
	}

	if _, err := in.Apply(h.RootEnv(), Int(3), nil); !IsKind(err, KindTypeError) {
		t.Errorf("applying an int: err = %v, want type-error", err)
	}
}

func TestNativeCallsBackIntoVM(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())
	x := h.Intern("x")
	defineLambda(t, h, "square", []string{"x"}, func(b *BytecodeBuilder) {
		b.EmitGet(x)
		b.EmitGet(x)
		b.Emit(OpMul)
		b.Emit(OpRet)
	})

	// (apply square (list 7))
	b := NewBytecodeBuilder()
	b.EmitGet(h.Intern("apply"))
	b.EmitGet(h.Intern("square"))
	b.EmitPush(Int(7))
	b.EmitList(1)
	b.EmitApply(2)
	b.Emit(OpRet)

	if got := mustRun(t, h, in, b); got != Int(49) {
		t.Errorf("got %s, want 49", h.Sprint(got))
	}
}

func TestFnDynamic(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())
	a := h.Intern("a")

	body := NewBytecodeBuilder()
	body.EmitGet(a)
	body.Emit(OpIncInt)
	body.Emit(OpRet)
	bodyCode := body.Build(h)
	h.Pin(bodyCode)

	b := NewBytecodeBuilder()
	b.EmitPush(h.List(h.Sym("a")))
	b.EmitPush(h.NewString("adds one"))
	b.EmitPush(bodyCode)
	b.Emit(OpFnDynamic)
	b.EmitDef(h.Intern("inc"))
	b.EmitPush(Int(9))
	b.EmitApply(1)
	b.Emit(OpRet)

	if got := mustRun(t, h, in, b); got != Int(10) {
		t.Errorf("got %s, want 10", h.Sprint(got))
	}

	fn, err := h.LookupName(h.RootEnv(), "inc")
	if err != nil {
		t.Fatal(err)
	}
	doc, ok := h.Meta(fn.Ref(), h.Intern("documentation"))
	if s, _ := h.StringValue(doc); !ok || s != "adds one" {
		t.Errorf("documentation = %q", s)
	}
}

func TestEvalOpcodes(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())
	y := h.Intern("y")

	inner := NewBytecodeBuilder()
	inner.EmitPush(Int(3))
	inner.EmitDef(y)
	inner.Emit(OpRet)
	code := inner.Build(h)
	h.Pin(code)

	// EVAL runs in a fresh child scope, so y does not escape.
	b := NewBytecodeBuilder()
	b.EmitPush(code)
	b.Emit(OpClosurePush)
	b.Emit(OpEval)
	b.Emit(OpRet)
	if got := mustRun(t, h, in, b); got != Int(3) {
		t.Errorf("EVAL = %s, want 3", h.Sprint(got))
	}
	if _, err := h.Lookup(h.RootEnv(), y); err == nil {
		t.Error("EVAL leaked a definition into the target environment")
	}

	// MUTABLE_EVAL runs directly in the target environment.
	b = NewBytecodeBuilder()
	b.EmitPush(code)
	b.Emit(OpClosurePush)
	b.Emit(OpMutableEval)
	b.Emit(OpRet)
	mustRun(t, h, in, b)
	if v, err := h.Lookup(h.RootEnv(), y); err != nil || v != Int(3) {
		t.Errorf("MUTABLE_EVAL binding = %v, %v", v, err)
	}
}

// ---------------------------------------------------------------------------
// Recursion limits
// ---------------------------------------------------------------------------

func defineCounter(t *testing.T, h *Heap) {
	t.Helper()
	n := h.Intern("n")
	count := h.Intern("count")
	defineLambda(t, h, "count", []string{"n"}, func(b *BytecodeBuilder) {
		rec := b.NewLabel()
		b.EmitGet(n)
		b.Emit(OpZeroPred)
		b.EmitJump(OpJf, rec)
		b.EmitPush(Int(0))
		b.Emit(OpRet)
		b.Mark(rec)
		b.EmitGet(count)
		b.EmitGet(n)
		b.EmitPush(Int(-1))
		b.Emit(OpAdd)
		b.EmitApply(1)
		b.Emit(OpIncInt)
		b.Emit(OpRet)
	})
}

func callCount(h *Heap, n int64) *BytecodeBuilder {
	b := NewBytecodeBuilder()
	b.EmitGet(h.Intern("count"))
	b.EmitPush(Int(n))
	b.EmitApply(1)
	b.Emit(OpRet)
	return b
}

func TestDeepRecursion(t *testing.T) {
	if testing.Short() {
		t.Skip("deep recursion allocates a million frames")
	}
	h, in := newTestInterpreter(t, InterpreterConfig{MaxFrameDepth: 2_000_000})
	defineCounter(t, h)

	got := mustRun(t, h, in, callCount(h, 1_000_000))
	if got != Int(1_000_000) {
		t.Errorf("got %s, want 1000000", h.Sprint(got))
	}
}

func TestRecursionCeiling(t *testing.T) {
	h, in := newTestInterpreter(t, InterpreterConfig{MaxFrameDepth: 100})
	defineCounter(t, h)

	if got := mustRun(t, h, in, callCount(h, 50)); got != Int(50) {
		t.Fatalf("shallow call = %s, want 50", h.Sprint(got))
	}

	_, err := run(t, h, in, callCount(h, 1000))
	if !IsKind(err, KindRecursionDepth) {
		t.Fatalf("err = %v, want recursion-depth-error", err)
	}
	if in.Depth() != 0 {
		t.Errorf("frames left after failure: %d", in.Depth())
	}

	// The interpreter stays usable afterwards.
	if got := mustRun(t, h, in, callCount(h, 10)); got != Int(10) {
		t.Errorf("after failure = %s, want 10", h.Sprint(got))
	}
}

func TestRecursionErrorIsCatchable(t *testing.T) {
	h, in := newTestInterpreter(t, InterpreterConfig{MaxFrameDepth: 100})
	defineCounter(t, h)

	handler := nativeHandler(t, h, func(c *NativeCall) (Value, error) {
		return c.Heap.Car(c.Arg(0)), nil
	})
	h.Pin(handler)

	b := NewBytecodeBuilder()
	end := b.NewLabel()
	b.EmitPush(handler)
	b.EmitJump(OpTry, end)
	b.EmitGet(h.Intern("count"))
	b.EmitPush(Int(1000))
	b.EmitApply(1)
	b.Emit(OpClosurePop)
	b.Mark(end)
	b.Emit(OpRet)

	if got := mustRun(t, h, in, b); got != h.Keyword(KindRecursionDepth) {
		t.Errorf("handler saw %s, want :%s", h.Sprint(got), KindRecursionDepth)
	}
}

// ---------------------------------------------------------------------------
// Exceptions
// ---------------------------------------------------------------------------

func TestTryWithoutException(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())
	called := false
	handler := nativeHandler(t, h, func(c *NativeCall) (Value, error) {
		called = true
		return Nil, nil
	})
	h.Pin(handler)

	b := NewBytecodeBuilder()
	end := b.NewLabel()
	b.EmitPush(handler)
	b.EmitJump(OpTry, end)
	b.EmitPush(Int(8))
	b.Emit(OpClosurePop)
	b.Mark(end)
	b.Emit(OpRet)

	if got := mustRun(t, h, in, b); got != Int(8) {
		t.Errorf("got %s, want 8", h.Sprint(got))
	}
	if called {
		t.Error("handler ran without an exception")
	}
}

func TestNestedTryCaughtByNearest(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())
	outerCalled := false
	outer := nativeHandler(t, h, func(c *NativeCall) (Value, error) {
		outerCalled = true
		return Int(-1), nil
	})
	inner := nativeHandler(t, h, func(c *NativeCall) (Value, error) {
		return c.Heap.Arith(OpAdd, c.Arg(0), Int(1))
	})
	h.Pin(outer)
	h.Pin(inner)

	b := NewBytecodeBuilder()
	outerEnd := b.NewLabel()
	innerEnd := b.NewLabel()
	b.EmitPush(Int(100))
	b.EmitPush(outer)
	b.EmitJump(OpTry, outerEnd)
	b.EmitPush(inner)
	b.EmitJump(OpTry, innerEnd)
	b.EmitPush(Int(5)) // discarded by the unwind
	b.EmitPush(Int(42))
	b.Emit(OpThrow)
	b.Emit(OpClosurePop)
	b.Mark(innerEnd)
	b.Emit(OpClosurePop)
	b.Mark(outerEnd)
	b.Emit(OpAdd)
	b.Emit(OpRet)

	// The inner handler returns 43, the protected regions resume at their
	// ends, and 100 below the try marks survives the unwind.
	if got := mustRun(t, h, in, b); got != Int(143) {
		t.Errorf("got %s, want 143", h.Sprint(got))
	}
	if outerCalled {
		t.Error("outer handler ran for an exception the inner one caught")
	}
}

func TestRethrowReachesOuterHandler(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())
	outer := nativeHandler(t, h, func(c *NativeCall) (Value, error) {
		return c.Heap.Car(c.Arg(0)), nil
	})
	inner := nativeHandler(t, h, func(c *NativeCall) (Value, error) {
		return Nil, c.Heap.NewException(KindTypeError, "rethrown", c.Arg(0))
	})
	h.Pin(outer)
	h.Pin(inner)

	b := NewBytecodeBuilder()
	outerEnd := b.NewLabel()
	innerEnd := b.NewLabel()
	b.EmitPush(outer)
	b.EmitJump(OpTry, outerEnd)
	b.EmitPush(inner)
	b.EmitJump(OpTry, innerEnd)
	b.EmitPush(Int(1))
	b.Emit(OpThrow)
	b.Emit(OpClosurePop)
	b.Mark(innerEnd)
	b.Emit(OpClosurePop)
	b.Mark(outerEnd)
	b.Emit(OpRet)

	if got := mustRun(t, h, in, b); got != h.Keyword(KindTypeError) {
		t.Errorf("got %s, want :type-error", h.Sprint(got))
	}
}

func TestLambdaHandler(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())
	e := h.Intern("e")
	handler := defineLambda(t, h, "on-error", []string{"e"}, func(b *BytecodeBuilder) {
		b.EmitGet(e)
		b.Emit(OpCar)
		b.Emit(OpRet)
	})

	b := NewBytecodeBuilder()
	end := b.NewLabel()
	b.EmitPush(handler)
	b.EmitJump(OpTry, end)
	b.EmitGet(h.Intern("undefined-thing"))
	b.Emit(OpClosurePop)
	b.Mark(end)
	b.Emit(OpRet)

	if got := mustRun(t, h, in, b); got != h.Keyword(KindUnboundSymbol) {
		t.Errorf("got %s, want :unbound-symbol", h.Sprint(got))
	}
}

func TestThrowUnwindsCallerChain(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())
	defineLambda(t, h, "thrower", nil, func(b *BytecodeBuilder) {
		b.EmitGet(h.Intern("throw"))
		b.EmitPush(h.Keyword("oops"))
		b.EmitApply(1)
		b.Emit(OpRet)
	})
	// The middle function has no handler; the caller's try must catch.
	defineLambda(t, h, "middle", nil, func(b *BytecodeBuilder) {
		b.EmitGet(h.Intern("thrower"))
		b.EmitApply(0)
		b.Emit(OpRet)
	})
	handler := nativeHandler(t, h, func(c *NativeCall) (Value, error) {
		return c.Arg(0), nil
	})
	h.Pin(handler)

	b := NewBytecodeBuilder()
	end := b.NewLabel()
	b.EmitPush(handler)
	b.EmitJump(OpTry, end)
	b.EmitGet(h.Intern("middle"))
	b.EmitApply(0)
	b.Emit(OpClosurePop)
	b.Mark(end)
	b.Emit(OpRet)

	if got := mustRun(t, h, in, b); got != h.Keyword("oops") {
		t.Errorf("got %s, want :oops", h.Sprint(got))
	}
	if in.Depth() != 0 {
		t.Errorf("frames left: %d", in.Depth())
	}
}

func TestUncaughtExceptionCarriesTrace(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())
	defineLambda(t, h, "inner-fn", nil, func(b *BytecodeBuilder) {
		b.EmitGet(h.Intern("car"))
		b.EmitPush(Int(1))
		b.EmitPush(Int(2))
		b.EmitApply(2)
		b.Emit(OpRet)
	})
	defineLambda(t, h, "outer-fn", nil, func(b *BytecodeBuilder) {
		b.EmitGet(h.Intern("inner-fn"))
		b.EmitApply(0)
		b.Emit(OpRet)
	})

	b := NewBytecodeBuilder()
	b.EmitGet(h.Intern("outer-fn"))
	b.EmitApply(0)
	b.Emit(OpRet)

	_, err := run(t, h, in, b)
	var e *Exception
	if !errors.As(err, &e) {
		t.Fatalf("err = %v, want *Exception", err)
	}
	if e.Kind != KindArityError {
		t.Errorf("kind = %s, want arity-error", e.Kind)
	}
	if !slices.Equal(e.Trace, []string{"outer-fn", "inner-fn"}) {
		t.Errorf("trace = %v", e.Trace)
	}
	if in.Depth() != 0 {
		t.Errorf("frames left: %d", in.Depth())
	}
}

func TestThrowExceptionValue(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())

	// (throw (exception :my-error "went wrong" 7))
	b := NewBytecodeBuilder()
	b.EmitGet(h.Intern("throw"))
	b.EmitGet(h.Intern("exception"))
	b.EmitPush(h.Keyword("my-error"))
	b.EmitPush(h.NewString("went wrong"))
	b.EmitPush(Int(7))
	b.EmitApply(3)
	b.EmitApply(1)
	b.Emit(OpRet)

	_, err := run(t, h, in, b)
	var e *Exception
	if !errors.As(err, &e) {
		t.Fatalf("err = %v", err)
	}
	if e.Kind != "my-error" || e.Message != "went wrong" || e.Value != Int(7) {
		t.Errorf("exception = %q %q %v", e.Kind, e.Message, e.Value)
	}
}

func TestUnboundSymbolUncaught(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())
	b := NewBytecodeBuilder()
	b.EmitGet(h.Intern("nope"))
	b.Emit(OpRet)
	if _, err := run(t, h, in, b); !IsKind(err, KindUnboundSymbol) {
		t.Errorf("err = %v, want unbound-symbol", err)
	}
}

func TestGCDuringExecution(t *testing.T) {
	h := NewHeap(HeapConfig{GCTrigger: 64})
	if err := h.InstallCore(h.RootEnv()); err != nil {
		t.Fatal(err)
	}
	in := NewInterpreter(h, DefaultInterpreterConfig())
	defer in.Close()
	acc := h.Intern("acc")
	i := h.Intern("i")

	// Build a 500 element list with CONS in a loop, collecting often.
	b := NewBytecodeBuilder()
	b.EmitPush(Nil)
	b.EmitDef(acc)
	b.Emit(OpDrop)
	b.EmitPush(Int(0))
	b.EmitDef(i)
	b.Emit(OpDrop)
	top := b.NewLabel()
	done := b.NewLabel()
	b.Mark(top)
	b.EmitGet(i)
	b.EmitPush(Int(500))
	b.Emit(OpLessPred)
	b.EmitJump(OpJf, done)
	b.EmitGet(i)
	b.EmitGet(acc)
	b.Emit(OpCons)
	b.EmitSet(acc)
	b.Emit(OpDrop)
	b.EmitGet(i)
	b.Emit(OpIncInt)
	b.EmitSet(i)
	b.Emit(OpDrop)
	b.EmitJump(OpJmp, top)
	b.Mark(done)
	b.EmitGet(acc)
	b.Emit(OpRet)

	got, err := in.Run(h.RootEnv(), b.Build(h))
	if err != nil {
		t.Fatal(err)
	}
	if h.Cycles() == 0 {
		t.Error("expected collections while running")
	}
	if n := h.ListLength(got); n != 500 {
		t.Errorf("list length = %d, want 500", n)
	}
	if v := h.Car(got); v != Int(499) {
		t.Errorf("head = %s, want 499", h.Sprint(v))
	}
}

// ---------------------------------------------------------------------------
// Malformed code and the value stack ceiling
// ---------------------------------------------------------------------------

func TestValueStackCeiling(t *testing.T) {
	h, in := newTestInterpreter(t, InterpreterConfig{MaxStackDepth: 100})

	// Each pass leaves one more value on the stack and makes no calls.
	b := NewBytecodeBuilder()
	b.EmitPush(Int(0))
	top := b.NewLabel()
	b.Mark(top)
	b.Emit(OpDup)
	b.Emit(OpIncInt)
	b.Emit(OpDup)
	b.EmitJump(OpJt, top)
	b.Emit(OpRet)

	_, err := run(t, h, in, b)
	if !IsKind(err, KindRecursionDepth) {
		t.Fatalf("err = %v, want recursion-depth-error", err)
	}
	if n := len(in.stack); n != 0 {
		t.Errorf("%d values left on the stack", n)
	}
	if in.Depth() != 0 {
		t.Errorf("frames left after failure: %d", in.Depth())
	}

	small := NewBytecodeBuilder()
	small.EmitPush(Int(5))
	if got := mustRun(t, h, in, small); got != Int(5) {
		t.Errorf("after failure = %s, want 5", h.Sprint(got))
	}
}

func TestValueStackCeilingIsCatchable(t *testing.T) {
	h, in := newTestInterpreter(t, InterpreterConfig{MaxStackDepth: 64})
	handler := nativeHandler(t, h, func(c *NativeCall) (Value, error) {
		return c.Heap.Car(c.Arg(0)), nil
	})
	h.Pin(handler)

	b := NewBytecodeBuilder()
	end := b.NewLabel()
	b.EmitPush(handler)
	b.EmitJump(OpTry, end)
	top := b.NewLabel()
	b.Mark(top)
	b.Emit(OpPushNil)
	b.EmitJump(OpJmp, top)
	b.Emit(OpClosurePop)
	b.Mark(end)
	b.Emit(OpRet)

	if got := mustRun(t, h, in, b); got != h.Keyword(KindRecursionDepth) {
		t.Errorf("handler saw %s, want :%s", h.Sprint(got), KindRecursionDepth)
	}
}

func TestMalformedBytecodeRaises(t *testing.T) {
	tests := []struct {
		name string
		ops  []byte
		kind string
	}{
		{"truncated literal", []byte{byte(OpPushVal)}, KindVMError},
		{"literal out of range", []byte{byte(OpPushVal), 7, byte(OpRet)}, KindVMError},
		{"add on empty stack", []byte{byte(OpAdd), byte(OpRet)}, KindVMError},
		{"apply more than pushed", []byte{byte(OpPushNil), byte(OpApply), 5}, KindVMError},
		{"truncated jump", []byte{byte(OpJmp), 0}, KindVMError},
		{"drop on empty stack", []byte{byte(OpDrop)}, KindVMError},
		{"list more than pushed", []byte{byte(OpPushNil), byte(OpList), 3}, KindVMError},
		{"unknown opcode", []byte{0xEE}, KindVMError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, in := newTestInterpreter(t, DefaultInterpreterConfig())
			code := h.NewBytecodeArray(tt.ops, nil)

			var (
				err      error
				panicked any
			)
			func() {
				defer func() { panicked = recover() }()
				_, err = in.Run(h.RootEnv(), code)
			}()
			if panicked != nil {
				t.Fatalf("Run panicked: %v", panicked)
			}
			if !IsKind(err, tt.kind) {
				t.Fatalf("err = %v, want %s", err, tt.kind)
			}
			if in.Depth() != 0 || len(in.stack) != 0 {
				t.Errorf("left %d frames and %d values", in.Depth(), len(in.stack))
			}
		})
	}
}

func TestUnderflowStopsAtCallBoundary(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())

	// The callee may not consume values that belong to its caller.
	defineLambda(t, h, "greedy", nil, func(b *BytecodeBuilder) {
		b.Emit(OpDrop)
		b.Emit(OpDrop)
		b.Emit(OpRet)
	})

	b := NewBytecodeBuilder()
	b.EmitPush(Int(1))
	b.EmitPush(Int(2))
	b.EmitGet(h.Intern("greedy"))
	b.EmitApply(0)
	b.Emit(OpRet)

	if _, err := run(t, h, in, b); !IsKind(err, KindVMError) {
		t.Fatalf("err = %v, want vm-error", err)
	}
}

func TestLetScopeReadsEnclosingStack(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())

	// Values pushed before LET stay usable inside the scope.
	b := NewBytecodeBuilder()
	b.EmitPush(Int(40))
	b.Emit(OpLet)
	b.EmitPush(Int(2))
	b.Emit(OpAdd)
	b.Emit(OpClosurePop)
	b.Emit(OpRet)

	if got := mustRun(t, h, in, b); got != Int(42) {
		t.Errorf("got %s, want 42", h.Sprint(got))
	}
}

func TestMalformedLambdaBodyRaises(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())
	body := h.NewBytecodeArray([]byte{byte(OpGetVal), 3}, nil)
	fn, err := h.NewLambda(h.RootEnv(), Nil, body, h.Intern("bad"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := in.Apply(h.RootEnv(), fn, nil); !IsKind(err, KindVMError) {
		t.Errorf("err = %v, want vm-error", err)
	}
}
