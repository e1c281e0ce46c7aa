package vm

// ---------------------------------------------------------------------------
// Environment: lexical scope
// ---------------------------------------------------------------------------

// EnvKind distinguishes the roles an environment plays.
type EnvKind uint8

const (
	EnvDefault EnvKind = iota // lambda or macro definition scope
	EnvObject                 // first-class environment value
	EnvCall                   // bindings of one function call
	EnvLet                    // scope opened by LET
	EnvTry                    // scope of a protected region
	EnvRoot                   // the parentless root
)

var envKindNames = [...]string{"default", "object", "call", "let", "try", "root"}

// String returns the kind name.
func (k EnvKind) String() string {
	if int(k) < len(envKindNames) {
		return envKindNames[k]
	}
	return "unknown"
}

// Environment is a pooled scope: a binding tree plus a parent link used for
// name resolution. Lambdas and macros are environments that also carry a
// parameter list and bytecode; calling one creates a call environment whose
// parent is the lambda's environment.
//
// Name resolution walks parent links only. Exception propagation follows
// the interpreter's frame stack instead, which is the caller chain.
type Environment struct {
	parent   Ref
	bindings Ref // tree root
	meta     Ref // tree root: documentation, name, ...
	code     Ref // bytecode array, for lambdas and macros
	params   Value
	name     Symbol
	kind     EnvKind
}

// NewEnvironment allocates an empty environment under parent.
func (h *Heap) NewEnvironment(parent Ref, kind EnvKind) Ref {
	return h.envs.Alloc(Environment{parent: parent, kind: kind})
}

// NewRootEnvironment allocates another parentless environment. Unlike the
// heap's own root it is not a GC root; keep it reachable or Pin it.
func (h *Heap) NewRootEnvironment() Ref {
	return h.NewEnvironment(0, EnvRoot)
}

func (h *Heap) env(r Ref) *Environment {
	return h.envs.at(r)
}

// EnvParent returns the parent of an environment, or the zero Ref.
func (h *Heap) EnvParent(r Ref) Ref {
	return h.env(r).parent
}

// EnvKindOf returns the kind of an environment.
func (h *Heap) EnvKindOf(r Ref) EnvKind {
	return h.env(r).kind
}

// EnvBindings returns the binding tree root of an environment.
func (h *Heap) EnvBindings(r Ref) Ref {
	return h.env(r).bindings
}

// EnvName returns the name of a lambda environment.
func (h *Heap) EnvName(r Ref) Symbol {
	return h.env(r).name
}

// EnvValue wraps an environment as a first-class value.
func (h *Heap) EnvValue(r Ref) Value {
	return refValue(TypeEnvironment, r)
}

// Lookup resolves s in env and then along the parent chain. A miss at the
// root raises unbound-symbol.
func (h *Heap) Lookup(env Ref, s Symbol) (Value, error) {
	for e := env; !e.IsZero(); e = h.env(e).parent {
		if v, ok := h.TreeGet(h.env(e).bindings, s); ok {
			return v, nil
		}
	}
	return Nil, h.NewException(KindUnboundSymbol, "can't resolve symbol", SymbolValue(s))
}

// LookupName is Lookup by symbol text.
func (h *Heap) LookupName(env Ref, name string) (Value, error) {
	return h.Lookup(env, h.Intern(name))
}

// Define binds s to v in env's own bindings, shadowing any binding in a
// parent.
func (h *Heap) Define(env Ref, s Symbol, v Value) error {
	e := h.env(env)
	root, err := h.TreeInsert(e.bindings, s, v)
	if err != nil {
		return err
	}
	h.env(env).bindings = root
	return nil
}

// DefineName is Define by symbol text.
func (h *Heap) DefineName(env Ref, name string, v Value) error {
	return h.Define(env, h.Intern(name), v)
}

// Set updates the nearest existing binding of s. It raises unbound-symbol
// when no environment on the chain binds s.
func (h *Heap) Set(env Ref, s Symbol, v Value) error {
	for e := env; !e.IsZero(); e = h.env(e).parent {
		root, found, err := h.TreeSet(h.env(e).bindings, s, v)
		if err != nil {
			return err
		}
		if found {
			h.env(e).bindings = root
			return nil
		}
	}
	return h.NewException(KindUnboundSymbol, "can't set symbol", SymbolValue(s))
}

// SetMeta attaches metadata to an environment.
func (h *Heap) SetMeta(env Ref, key Symbol, v Value) error {
	root, err := h.TreeInsert(h.env(env).meta, key, v)
	if err != nil {
		return err
	}
	h.env(env).meta = root
	return nil
}

// Meta returns metadata attached to an environment.
func (h *Heap) Meta(env Ref, key Symbol) (Value, bool) {
	return h.TreeGet(h.env(env).meta, key)
}

// ---------------------------------------------------------------------------
// Lambdas and macros
// ---------------------------------------------------------------------------

// NewLambda creates a lambda closing over parent. params is a proper list
// of symbols, optionally ending in a dotted rest symbol, or a single symbol
// that receives every argument.
func (h *Heap) NewLambda(parent Ref, params Value, code Value, name Symbol) (Value, error) {
	return h.newFunction(TypeLambda, parent, params, code, name)
}

// NewMacro is NewLambda for macros.
func (h *Heap) NewMacro(parent Ref, params Value, code Value, name Symbol) (Value, error) {
	return h.newFunction(TypeMacro, parent, params, code, name)
}

func (h *Heap) newFunction(t Type, parent Ref, params Value, code Value, name Symbol) (Value, error) {
	if code.t != TypeBytecodeArray {
		return Nil, h.typeError("function body must be a bytecode array", code)
	}
	for p := params; !p.IsNil(); p = h.Cdr(p) {
		if p.t == TypeSymbol {
			break
		}
		if p.t != TypePair || h.Car(p).t != TypeSymbol {
			return Nil, h.typeError("parameter list must contain only symbols", params)
		}
	}
	r := h.envs.Alloc(Environment{
		parent: parent,
		code:   code.Ref(),
		params: params,
		name:   name,
		kind:   EnvDefault,
	})
	return refValue(t, r), nil
}

// FunctionCode returns the bytecode array of a lambda or macro.
func (h *Heap) FunctionCode(fn Value) Value {
	return refValue(TypeBytecodeArray, h.env(fn.Ref()).code)
}

// FunctionParams returns the parameter list of a lambda or macro.
func (h *Heap) FunctionParams(fn Value) Value {
	return h.env(fn.Ref()).params
}

// bindCall creates the call environment for fn applied to args. Missing
// arguments bind to nil, a rest symbol receives the remaining arguments
// as a list, and surplus arguments without a rest symbol are ignored.
func (h *Heap) bindCall(fn Value, args []Value) Ref {
	fe := h.env(fn.Ref())
	call := h.envs.Alloc(Environment{
		parent: fn.Ref(),
		code:   fe.code,
		name:   fe.name,
		kind:   EnvCall,
	})

	root := Ref(0)
	i := 0
	for p := h.env(fn.Ref()).params; ; {
		if p.t == TypePair {
			pair := h.pairs.at(p.Ref())
			arg := Nil
			if i < len(args) {
				arg = args[i]
				i++
			}
			root = h.insertNode(root, pair.car.AsSymbol(), arg, false)
			p = pair.cdr
			continue
		}
		if p.t == TypeSymbol {
			rest := Nil
			if i < len(args) {
				rest = h.List(args[i:]...)
			}
			root = h.insertNode(root, p.AsSymbol(), rest, false)
		}
		break
	}
	h.env(call).bindings = root
	return call
}
