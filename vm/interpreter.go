package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/tliron/commonlog"
)

var vmLog = commonlog.GetLogger("nib.vm")

// ---------------------------------------------------------------------------
// Frame: Execution state for one activation
// ---------------------------------------------------------------------------

// FrameKind distinguishes the records on the frame stack.
type FrameKind uint8

const (
	FrameCall FrameKind = iota // function call, RUN entry or EVAL
	FrameLet                   // scope opened by LET inside the current code
	FrameTry                   // protected region opened by TRY
)

var frameKindNames = [...]string{"call", "let", "try"}

// String returns the kind name.
func (k FrameKind) String() string {
	if int(k) < len(frameKindNames) {
		return frameKindNames[k]
	}
	return "unknown"
}

// Frame is the execution record of one activation. Frames live on the
// interpreter's frame stack; the frame below a frame is its caller. Let
// and try frames run the same code as the frame below them and hand their
// instruction pointer back when they are closed.
type Frame struct {
	env     Ref   // environment names resolve in
	code    Ref   // bytecode array being executed
	fn      Ref   // called lambda, for stack traces
	handler Value // try frames: handler applied to a caught exception
	ip      int32
	sp      int32 // value stack height to return to
	resume  int32 // try frames: where the protected region ends
	kind    FrameKind
}

// ---------------------------------------------------------------------------
// Interpreter: Bytecode execution engine
// ---------------------------------------------------------------------------

// Default ceilings for the frame and value stacks.
const (
	DefaultMaxFrameDepth = 1 << 20
	DefaultMaxStackDepth = 1 << 22
)

// InterpreterConfig sets the resource ceilings of an interpreter.
type InterpreterConfig struct {
	MaxFrameDepth int
	MaxStackDepth int
}

// DefaultInterpreterConfig returns the default ceilings.
func DefaultInterpreterConfig() InterpreterConfig {
	return InterpreterConfig{
		MaxFrameDepth: DefaultMaxFrameDepth,
		MaxStackDepth: DefaultMaxStackDepth,
	}
}

// Interpreter executes bytecode on a Heap. Calls push frames on an
// explicit frame stack instead of recursing on the Go stack, so recursion
// depth is bounded only by MaxFrameDepth. Exceeding either ceiling raises
// recursion-depth-error, which try handlers can catch like any exception.
type Interpreter struct {
	heap *Heap

	stack  []Value
	frames []Frame

	MaxFrameDepth int
	MaxStackDepth int

	rng *Random
}

// NewInterpreter creates an interpreter and registers its stacks as GC
// roots of h.
func NewInterpreter(h *Heap, config InterpreterConfig) *Interpreter {
	if config.MaxFrameDepth <= 0 {
		config.MaxFrameDepth = DefaultMaxFrameDepth
	}
	if config.MaxStackDepth <= 0 {
		config.MaxStackDepth = DefaultMaxStackDepth
	}
	in := &Interpreter{
		heap:          h,
		stack:         make([]Value, 0, 256),
		frames:        make([]Frame, 0, 64),
		MaxFrameDepth: config.MaxFrameDepth,
		MaxStackDepth: config.MaxStackDepth,
		rng:           NewRandom(0),
	}
	h.RegisterMarker(in)
	return in
}

// Close unregisters the interpreter from its heap.
func (in *Interpreter) Close() {
	in.heap.UnregisterMarker(in)
}

// Heap returns the heap the interpreter runs on.
func (in *Interpreter) Heap() *Heap {
	return in.heap
}

// Random returns the interpreter's random number generator.
func (in *Interpreter) Random() *Random {
	return in.rng
}

// Depth returns the current number of frames.
func (in *Interpreter) Depth() int {
	return len(in.frames)
}

// MarkRoots marks the value stack and every frame.
func (in *Interpreter) MarkRoots(c *Collector) {
	for _, v := range in.stack {
		c.Mark(v)
	}
	for i := range in.frames {
		f := &in.frames[i]
		c.MarkEnv(f.env)
		c.MarkCode(f.code)
		c.MarkEnv(f.fn)
		c.Mark(f.handler)
		if i%1024 == 1023 {
			c.drain()
		}
	}
}

// ---------------------------------------------------------------------------
// Stack operations
// ---------------------------------------------------------------------------

func (in *Interpreter) push(v Value) {
	in.stack = append(in.stack, v)
}

func (in *Interpreter) pop() Value {
	n := len(in.stack)
	if n == 0 {
		panic("stack underflow")
	}
	v := in.stack[n-1]
	in.stack = in.stack[:n-1]
	return v
}

func (in *Interpreter) top() Value {
	n := len(in.stack)
	if n == 0 {
		panic("stack underflow")
	}
	return in.stack[n-1]
}

func (in *Interpreter) truncate(sp int) {
	clear(in.stack[sp:])
	in.stack = in.stack[:sp]
}

// ---------------------------------------------------------------------------
// Frame management
// ---------------------------------------------------------------------------

func (in *Interpreter) pushFrame(f Frame) error {
	if len(in.frames) >= in.MaxFrameDepth {
		return in.heap.NewException(KindRecursionDepth,
			fmt.Sprintf("frame depth limit of %d reached", in.MaxFrameDepth), Nil)
	}
	if len(in.stack) >= in.MaxStackDepth {
		return in.stackLimit()
	}
	if f.kind == FrameCall {
		if err := in.heap.checkCode(f.code); err != nil {
			return err
		}
	}
	in.frames = append(in.frames, f)
	return nil
}

func (in *Interpreter) stackLimit() error {
	return in.heap.NewException(KindRecursionDepth,
		fmt.Sprintf("value stack limit of %d reached", in.MaxStackDepth), Nil)
}

// callBase returns the value stack height owned by the innermost call
// frame. Let and try frames share it.
func (in *Interpreter) callBase() int {
	for i := len(in.frames) - 1; i >= 0; i-- {
		if in.frames[i].kind == FrameCall {
			return int(in.frames[i].sp)
		}
	}
	return 0
}

func (in *Interpreter) topFrame() *Frame {
	return &in.frames[len(in.frames)-1]
}

// trace returns the names of the active call frames, outermost first.
func (in *Interpreter) trace() []string {
	var names []string
	for i := range in.frames {
		f := &in.frames[i]
		if f.kind != FrameCall || f.fn.IsZero() {
			continue
		}
		name := in.heap.EnvName(f.fn)
		if name == NoSymbol {
			names = append(names, "<lambda>")
		} else {
			names = append(names, in.heap.SymbolName(name))
		}
	}
	return names
}

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

// Run executes code in env and returns the value of its final RET. An
// exception that no try frame inside this run catches is returned as an
// *Exception error.
func (in *Interpreter) Run(env Ref, code Value) (Value, error) {
	if code.t != TypeBytecodeArray {
		return Nil, in.heap.typeError("can only run a bytecode array", code)
	}
	base := len(in.frames)
	if err := in.pushFrame(Frame{env: env, code: code.Ref(), sp: int32(len(in.stack)), kind: FrameCall}); err != nil {
		return Nil, err
	}
	return in.execute(base)
}

// Apply calls fn with args. It may be used by natives to call back into
// the VM; a collection can run during the call, so natives must protect
// values they hold only in Go variables with Heap.PushRoot.
func (in *Interpreter) Apply(env Ref, fn Value, args []Value) (Value, error) {
	h := in.heap
	mark := len(in.stack)
	in.push(fn)
	in.stack = append(in.stack, args...)
	defer func() {
		if len(in.stack) > mark {
			in.truncate(mark)
		}
	}()

	switch fn.t {
	case TypeNativeFunc:
		return h.callNative(in, env, fn, in.stack[mark+1:])

	case TypeLambda, TypeMacro:
		call := h.bindCall(fn, in.stack[mark+1:])
		in.truncate(mark)
		base := len(in.frames)
		err := in.pushFrame(Frame{
			env:  call,
			code: h.env(fn.Ref()).code,
			fn:   fn.Ref(),
			sp:   int32(mark),
			kind: FrameCall,
		})
		if err != nil {
			return Nil, err
		}
		return in.execute(base)
	}
	return Nil, h.typeError("can't apply to following value", fn)
}

// ---------------------------------------------------------------------------
// Execution loop
// ---------------------------------------------------------------------------

// execute runs until the call frame at index base returns. Frames below
// base belong to an enclosing execute and are never touched.
func (in *Interpreter) execute(base int) (result Value, err error) {
	h := in.heap

	var (
		f     *Frame
		ops   []byte
		lits  []Value
		ip    int
		floor int
	)
	reload := func() {
		f = in.topFrame()
		bc := h.code.at(f.code)
		ops = bc.ops
		lits = bc.literals
		ip = int(f.ip)
		floor = in.callBase()
	}
	reload()

	for {
		var raised error
		op := OpRet
		opPos := ip
		if ip < len(ops) {
			op = Opcode(ops[ip])
			ip++
		}

		// Operands were checked when the code was entered; the stack
		// depth an instruction needs can only be checked here.
		need := int(popsTable[op])
		switch op {
		case OpApply, OpList:
			need += int(ops[ip])
		}
		if len(in.stack)-floor < need {
			raised = h.NewException(KindVMError,
				fmt.Sprintf("%s at %d needs %d stack value(s), has %d", op, opPos, need, len(in.stack)-floor), Nil)
			op = OpNOP
		}

		switch op {
		case OpNOP:

		case OpRet:
			ret := Nil
			if len(in.stack) > int(f.sp) {
				ret = in.top()
			}
			for {
				k := in.topFrame().kind
				if k == FrameCall {
					break
				}
				in.frames = in.frames[:len(in.frames)-1]
			}
			call := in.frames[len(in.frames)-1]
			in.frames = in.frames[:len(in.frames)-1]
			in.truncate(int(call.sp))
			if len(in.frames) <= base {
				return ret, nil
			}
			in.push(ret)
			reload()
			continue

		case OpIntByte:
			in.push(Int(int64(int8(ops[ip]))))
			ip++

		case OpIntAdd:
			n := len(in.stack)
			a, b := in.stack[n-2], in.stack[n-1]
			if a.t != TypeInt || b.t != TypeInt {
				raised = h.typeError("INT_ADD needs two ints", b)
				break
			}
			in.stack = in.stack[:n-1]
			in.stack[n-2] = Int(a.AsInt() + b.AsInt())

		case OpPushVal:
			in.push(lits[ops[ip]])
			ip++

		case OpPushValExt:
			in.push(lits[binary.BigEndian.Uint16(ops[ip:])])
			ip += 2

		case OpPushTrue:
			in.push(True)
		case OpPushFalse:
			in.push(False)
		case OpPushNil:
			in.push(Nil)

		case OpDup:
			in.push(in.top())
		case OpDrop:
			in.pop()

		case OpDefVal, OpDefValExt, OpGetVal, OpGetValExt, OpSetVal, OpSetValExt:
			var idx int
			if op == OpDefValExt || op == OpGetValExt || op == OpSetValExt {
				idx = int(binary.BigEndian.Uint16(ops[ip:]))
				ip += 2
			} else {
				idx = int(ops[ip])
				ip++
			}
			sym := lits[idx]
			if !sym.IsSymbolic() {
				raised = h.typeError("binding name must be a symbol", sym)
				break
			}
			switch op {
			case OpDefVal, OpDefValExt:
				raised = h.Define(f.env, sym.AsSymbol(), in.top())
			case OpSetVal, OpSetValExt:
				raised = h.Set(f.env, sym.AsSymbol(), in.top())
			default:
				v, err := h.Lookup(f.env, sym.AsSymbol())
				if err != nil {
					raised = err
					break
				}
				in.push(v)
			}

		case OpJmp:
			ip = opPos + int(int16(binary.BigEndian.Uint16(ops[ip:])))
			h.SafePoint()

		case OpJt, OpJf:
			cond := in.pop().Truthy()
			if cond == (op == OpJt) {
				ip = opPos + int(int16(binary.BigEndian.Uint16(ops[ip:])))
			} else {
				ip += 2
			}
			h.SafePoint()

		case OpCar:
			in.stack[len(in.stack)-1] = h.Car(in.top())
		case OpCdr:
			in.stack[len(in.stack)-1] = h.Cdr(in.top())
		case OpCadr:
			in.stack[len(in.stack)-1] = h.Cadr(in.top())

		case OpCons:
			n := len(in.stack)
			c := h.Cons(in.stack[n-2], in.stack[n-1])
			in.stack = in.stack[:n-1]
			in.stack[n-2] = c

		case OpList:
			count := int(ops[ip])
			ip++
			n := len(in.stack)
			lst := h.List(in.stack[n-count:]...)
			in.truncate(n - count)
			in.push(lst)

		case OpClosurePush:
			in.push(h.EnvValue(f.env))

		case OpLet:
			env := h.NewEnvironment(f.env, EnvLet)
			f.ip = int32(ip)
			raised = in.pushFrame(Frame{
				env:  env,
				code: f.code,
				fn:   f.fn,
				ip:   int32(ip),
				sp:   int32(len(in.stack)),
				kind: FrameLet,
			})
			if raised == nil {
				reload()
			}

		case OpClosurePop:
			if f.kind == FrameCall {
				raised = h.NewException(KindVMError, "CLOSURE_POP without an open scope", Nil)
				break
			}
			in.frames = in.frames[:len(in.frames)-1]
			in.topFrame().ip = int32(ip)
			reload()

		case OpFnDynamic, OpMacroDynamic:
			n := len(in.stack)
			params, docs, body := in.stack[n-3], in.stack[n-2], in.stack[n-1]
			var fn Value
			if op == OpMacroDynamic {
				fn, raised = h.NewMacro(f.env, params, body, NoSymbol)
			} else {
				fn, raised = h.NewLambda(f.env, params, body, NoSymbol)
			}
			if raised != nil {
				break
			}
			if !docs.IsNil() {
				in.push(fn)
				raised = h.SetMeta(fn.Ref(), h.Intern("documentation"), docs)
				in.pop()
			}
			in.truncate(n - 3)
			in.push(fn)

		case OpTry:
			off := int(int16(binary.BigEndian.Uint16(ops[ip:])))
			ip += 2
			env := h.NewEnvironment(f.env, EnvTry)
			handler := in.pop()
			f.ip = int32(ip)
			raised = in.pushFrame(Frame{
				env:     env,
				code:    f.code,
				fn:      f.fn,
				handler: handler,
				ip:      int32(ip),
				sp:      int32(len(in.stack)),
				resume:  int32(opPos + off),
				kind:    FrameTry,
			})
			if raised == nil {
				reload()
			}

		case OpThrow:
			v := in.top()
			if v.t == TypePair {
				v = refValue(TypeException, v.Ref())
			}
			e := h.ExceptionFromValue(v)
			if len(e.Trace) == 0 {
				e.Trace = in.trace()
			}
			raised = e

		case OpApply, OpApplyCollection:
			var (
				fn   Value
				args []Value
				mark int
			)
			n := len(in.stack)
			if op == OpApply {
				argc := int(ops[ip])
				ip++
				mark = n - argc - 1
				fn = in.stack[mark]
				args = in.stack[mark+1:]
			} else {
				mark = n - 2
				fn = in.stack[mark]
				var proper bool
				args, proper = h.ListToSlice(in.stack[n-1])
				if !proper {
					raised = h.typeError("argument list must be a proper list", in.stack[n-1])
					break
				}
			}
			f.ip = int32(ip)

			switch fn.t {
			case TypeLambda, TypeMacro:
				call := h.bindCall(fn, args)
				in.truncate(mark)
				raised = in.pushFrame(Frame{
					env:  call,
					code: h.env(fn.Ref()).code,
					fn:   fn.Ref(),
					sp:   int32(mark),
					kind: FrameCall,
				})
				if raised == nil {
					reload()
					h.SafePoint()
				}
			case TypeNativeFunc:
				v, err := h.callNative(in, f.env, fn, args)
				// A native may have called back into the VM and grown the
				// frame stack's backing array.
				f = in.topFrame()
				if err != nil {
					raised = err
					break
				}
				in.truncate(mark)
				in.push(v)
			default:
				raised = h.typeError("can't apply to following value", fn)
			}

		case OpEval, OpMutableEval:
			n := len(in.stack)
			code, target := in.stack[n-2], in.stack[n-1]
			if code.t != TypeBytecodeArray {
				raised = h.typeError("can't eval that", code)
				break
			}
			if target.t != TypeEnvironment && target.t != TypeLambda && target.t != TypeMacro {
				raised = h.typeError("can't eval in that", target)
				break
			}
			env := target.Ref()
			if op == OpEval {
				env = h.NewEnvironment(target.Ref(), EnvCall)
			}
			f.ip = int32(ip)
			in.truncate(n - 2)
			raised = in.pushFrame(Frame{
				env:  env,
				code: code.Ref(),
				sp:   int32(n - 2),
				kind: FrameCall,
			})
			if raised == nil {
				reload()
				h.SafePoint()
			}

		case OpLessPred, OpLessEqPred, OpEqualPred, OpUnequalPred, OpGreaterEqPred, OpGreaterPred:
			n := len(in.stack)
			a, b := in.stack[n-2], in.stack[n-1]
			var r bool
			switch op {
			case OpLessPred:
				r = h.Compare(a, b) < 0
			case OpLessEqPred:
				r = h.Compare(a, b) <= 0
			case OpEqualPred:
				r = h.Equal(a, b)
			case OpUnequalPred:
				r = !h.Equal(a, b)
			case OpGreaterEqPred:
				r = h.Compare(a, b) >= 0
			case OpGreaterPred:
				r = h.Compare(a, b) > 0
			}
			in.stack = in.stack[:n-1]
			in.stack[n-2] = Bool(r)

		case OpZeroPred:
			a := in.top()
			z := (a.t == TypeInt && a.AsInt() == 0) || (a.t == TypeFloat && a.AsFloat() == 0)
			in.stack[len(in.stack)-1] = Bool(z)

		case OpIncInt:
			if a := in.top(); a.t == TypeInt {
				in.stack[len(in.stack)-1] = Int(a.AsInt() + 1)
			}

		case OpAdd, OpSub, OpMul, OpDiv, OpRem,
			OpBitShiftLeft, OpBitShiftRight, OpBitAnd, OpBitOr, OpBitXor:
			n := len(in.stack)
			v, err := h.Arith(op, in.stack[n-2], in.stack[n-1])
			if err != nil {
				raised = err
				break
			}
			in.stack = in.stack[:n-1]
			in.stack[n-2] = v

		case OpBitNot:
			a := in.top()
			if a.t != TypeInt {
				raised = h.typeError("BIT_NOT needs an int", a)
				break
			}
			in.stack[len(in.stack)-1] = Int(^a.AsInt())

		case OpRef:
			n := len(in.stack)
			v, err := h.GenericRef(in.stack[n-2], in.stack[n-1])
			if err != nil {
				raised = err
				break
			}
			in.stack = in.stack[:n-1]
			in.stack[n-2] = v

		case OpGenSet:
			n := len(in.stack)
			v, err := h.GenericSet(in.stack[n-3], in.stack[n-2], in.stack[n-1])
			if err != nil {
				raised = err
				break
			}
			in.truncate(n - 2)
			in.stack[n-3] = v

		default:
			raised = h.NewException(KindVMError, fmt.Sprintf("unknown opcode 0x%02X at %d", byte(op), opPos), Int(int64(op)))
		}

		if raised == nil && len(in.stack) > in.MaxStackDepth {
			raised = in.stackLimit()
		}
		if raised != nil {
			in.topFrame().ip = int32(ip)
			if err := in.unwind(base, raised); err != nil {
				return Nil, err
			}
			reload()
		}
	}
}

// ---------------------------------------------------------------------------
// Exception unwinding
// ---------------------------------------------------------------------------

// unwind looks for the nearest try frame above base, walking the caller
// chain outward from the throw site. When one is found, it and every frame
// above it are dropped, the value stack is restored to the height recorded
// by the try, and the handler is applied to the exception value; the
// frame below the try resumes at the end of the protected region with the
// handler's result pushed. Without a try frame, every frame from base up
// is dropped and the exception is returned.
func (in *Interpreter) unwind(base int, raised error) error {
	h := in.heap
	for {
		e := h.AsException(raised)
		if e.Trace == nil {
			e.Trace = in.trace()
		}

		idx := -1
		for i := len(in.frames) - 1; i > base; i-- {
			if in.frames[i].kind == FrameTry {
				idx = i
				break
			}
		}
		if idx < 0 {
			in.truncate(int(in.frames[base].sp))
			in.frames = in.frames[:base]
			vmLog.Debugf("unhandled %s: %s", e.Kind, e.Message)
			return e
		}

		try := in.frames[idx]
		in.frames = in.frames[:idx]
		in.topFrame().ip = try.resume
		in.truncate(int(try.sp))

		exc := h.ExceptionValue(e)
		raised = in.invokeHandler(try.handler, exc, int(try.sp))
		if raised == nil {
			return nil
		}
	}
}

// invokeHandler applies a try handler to the exception value. A lambda
// handler gets a call frame that returns into the frame below the try; a
// native handler runs immediately and its result is pushed.
func (in *Interpreter) invokeHandler(handler, exc Value, sp int) error {
	h := in.heap
	switch handler.t {
	case TypeLambda, TypeMacro:
		in.push(handler)
		in.push(exc)
		call := h.bindCall(handler, []Value{exc})
		in.truncate(sp)
		return in.pushFrame(Frame{
			env:  call,
			code: h.env(handler.Ref()).code,
			fn:   handler.Ref(),
			sp:   int32(sp),
			kind: FrameCall,
		})
	case TypeNativeFunc:
		in.push(handler)
		in.push(exc)
		v, err := h.callNative(in, in.topFrame().env, handler, in.stack[sp+1:sp+2])
		in.truncate(sp)
		if err != nil {
			return err
		}
		in.push(v)
		return nil
	}
	return h.typeError("exception handler is not callable", handler)
}
