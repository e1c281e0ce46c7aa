package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Native functions
// ---------------------------------------------------------------------------

// NativeFunc implements a native function. Returning an *Exception raises
// it unchanged; any other error is converted with Heap.AsException.
type NativeFunc func(c *NativeCall) (Value, error)

// NativeCall is the invocation context handed to a NativeFunc. Args stays
// on the interpreter's value stack for the duration of the call, so the
// arguments are rooted.
type NativeCall struct {
	In   *Interpreter
	Heap *Heap
	Env  Ref
	Args []Value
}

type nativeObj struct {
	name    Symbol
	fn      NativeFunc
	params  string
	minArgs int
	maxArgs int // -1 = variadic
	meta    Ref
}

// ParseParams derives the arity of a native from its parameter pattern.
// Patterns look like "[a b]", "[a &opt]" or "[a ...rest]": plain names are
// required, names prefixed with & are optional, and a final name prefixed
// with ... collects the rest. maxArgs is -1 for variadic patterns.
func ParseParams(pattern string) (minArgs, maxArgs int, err error) {
	p := strings.TrimSpace(pattern)
	if len(p) >= 2 && (p[0] == '[' && p[len(p)-1] == ']' || p[0] == '(' && p[len(p)-1] == ')') {
		p = p[1 : len(p)-1]
	}

	optional := false
	fields := strings.Fields(p)
	for i, f := range fields {
		switch {
		case strings.HasPrefix(f, "..."):
			if i != len(fields)-1 {
				return 0, 0, fmt.Errorf("rest parameter %q must come last in %q", f, pattern)
			}
			return minArgs, -1, nil
		case strings.HasPrefix(f, "&"):
			optional = true
			maxArgs++
		default:
			if optional {
				return 0, 0, fmt.Errorf("required parameter %q follows an optional one in %q", f, pattern)
			}
			minArgs++
			maxArgs++
		}
	}
	return minArgs, maxArgs, nil
}

// NewNative allocates a native function value without binding it.
func (h *Heap) NewNative(name, params, doc string, fn NativeFunc) (Value, error) {
	minArgs, maxArgs, err := ParseParams(params)
	if err != nil {
		return Nil, fmt.Errorf("native %s: %w", name, err)
	}

	sym := h.Intern(name)
	mark := h.RootMark()
	defer h.PopRoots(mark)

	docStr := h.NewString(doc)
	h.PushRoot(docStr)
	meta := h.insertNode(0, h.Intern("documentation"), docStr, false)
	meta = h.insertNode(meta, h.Intern("name"), SymbolValue(sym), false)

	r := h.natives.Alloc(nativeObj{
		name:    sym,
		fn:      fn,
		params:  params,
		minArgs: minArgs,
		maxArgs: maxArgs,
		meta:    meta,
	})
	return refValue(TypeNativeFunc, r), nil
}

// AddNative registers fn in env under every whitespace-separated name in
// aliases. The first alias is the function's own name.
func (h *Heap) AddNative(env Ref, aliases, params, doc string, fn NativeFunc) (Value, error) {
	names := strings.Fields(aliases)
	if len(names) == 0 {
		return Nil, fmt.Errorf("native without a name")
	}
	v, err := h.NewNative(names[0], params, doc, fn)
	if err != nil {
		return Nil, err
	}
	for _, name := range names {
		if err := h.DefineName(env, name, v); err != nil {
			return Nil, fmt.Errorf("binding native %s: %w", name, err)
		}
	}
	return v, nil
}

// NotAvailable registers stubs that always raise not-available, for
// features a host chooses not to provide.
func (h *Heap) NotAvailable(env Ref, aliases string) error {
	name := strings.Fields(aliases)
	if len(name) == 0 {
		return fmt.Errorf("native without a name")
	}
	_, err := h.AddNative(env, aliases, "[...args]", name[0]+" is not available in this runtime",
		func(c *NativeCall) (Value, error) {
			return Nil, c.Heap.NewException(KindNotAvailable, name[0]+" is not available", Nil)
		})
	return err
}

// NativeName returns the name of a native function.
func (h *Heap) NativeName(v Value) string {
	return h.SymbolName(h.natives.at(v.Ref()).name)
}

// NativeParams returns the parameter pattern of a native function.
func (h *Heap) NativeParams(v Value) string {
	return h.natives.at(v.Ref()).params
}

// NativeMeta returns metadata attached to a native function.
func (h *Heap) NativeMeta(v Value, key Symbol) (Value, bool) {
	return h.TreeGet(h.natives.at(v.Ref()).meta, key)
}

func (h *Heap) callNative(in *Interpreter, env Ref, fn Value, args []Value) (Value, error) {
	nf := h.natives.at(fn.Ref())
	if len(args) < nf.minArgs || (nf.maxArgs >= 0 && len(args) > nf.maxArgs) {
		return Nil, h.arityError(fmt.Sprintf("%s expects %s, got %d argument(s)",
			h.SymbolName(nf.name), arityText(nf.minArgs, nf.maxArgs), len(args)), fn)
	}
	v, err := nf.fn(&NativeCall{In: in, Heap: h, Env: env, Args: args})
	if err != nil {
		return Nil, h.AsException(err)
	}
	return v, nil
}

func arityText(minArgs, maxArgs int) string {
	switch {
	case maxArgs < 0:
		return fmt.Sprintf("at least %d", minArgs)
	case minArgs == maxArgs:
		return fmt.Sprintf("%d", minArgs)
	}
	return fmt.Sprintf("%d to %d", minArgs, maxArgs)
}

// ---------------------------------------------------------------------------
// Argument helpers
// ---------------------------------------------------------------------------

// Arg returns argument i, or nil when it was not supplied.
func (c *NativeCall) Arg(i int) Value {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return Nil
}

// Int returns argument i as an integer. Floats are truncated.
func (c *NativeCall) Int(i int) (int64, error) {
	v := c.Arg(i)
	switch v.t {
	case TypeInt:
		return v.AsInt(), nil
	case TypeFloat:
		return int64(v.AsFloat()), nil
	}
	return 0, c.Heap.typeError(fmt.Sprintf("argument %d must be an int", i+1), v)
}

// IntOr returns argument i as an integer, or def when it is nil.
func (c *NativeCall) IntOr(i int, def int64) (int64, error) {
	if c.Arg(i).IsNil() {
		return def, nil
	}
	return c.Int(i)
}

// Float returns argument i as a float.
func (c *NativeCall) Float(i int) (float64, error) {
	v := c.Arg(i)
	if f, ok := v.ToFloat(); ok {
		return f, nil
	}
	return 0, c.Heap.typeError(fmt.Sprintf("argument %d must be a number", i+1), v)
}

// Symbol returns argument i as a symbol; keywords are accepted.
func (c *NativeCall) Symbol(i int) (Symbol, error) {
	v := c.Arg(i)
	if v.IsSymbolic() {
		return v.AsSymbol(), nil
	}
	return 0, c.Heap.typeError(fmt.Sprintf("argument %d must be a symbol", i+1), v)
}

// String returns argument i as Go text. Strings, buffers, symbols and
// keywords are accepted.
func (c *NativeCall) String(i int) (string, error) {
	v := c.Arg(i)
	switch v.t {
	case TypeString, TypeBuffer:
		return string(c.Heap.BufferBytes(v)), nil
	case TypeSymbol, TypeKeyword:
		return c.Heap.SymbolName(v.AsSymbol()), nil
	}
	return "", c.Heap.typeError(fmt.Sprintf("argument %d must be a string", i+1), v)
}

// Typed returns argument i after checking its type.
func (c *NativeCall) Typed(i int, t Type) (Value, error) {
	v := c.Arg(i)
	if v.t != t {
		return Nil, c.Heap.typeError(fmt.Sprintf("argument %d must be a %s", i+1, t), v)
	}
	return v, nil
}
