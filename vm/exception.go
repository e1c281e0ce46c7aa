package vm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// ---------------------------------------------------------------------------
// Exception kinds
// ---------------------------------------------------------------------------

// Exception kinds raised by the runtime. The kind is the first element of
// an exception value, as a keyword.
const (
	KindTypeError        = "type-error"
	KindArityError       = "arity-error"
	KindUnboundSymbol    = "unbound-symbol"
	KindWriteOnImmutable = "write-on-immutable"
	KindBoundsError      = "bounds-error"
	KindRecursionDepth   = "recursion-depth-error"
	KindIOError          = "io-error"
	KindNotAvailable     = "not-available"
	KindDivideByZero     = "divide-by-zero"
	KindVMError          = "vm-error"
	KindReadError        = "read-error"
	KindUnmatchedBracket = "unmatched-opening-bracket"
)

// ---------------------------------------------------------------------------
// Exception
// ---------------------------------------------------------------------------

// Exception is a runtime error. Inside the VM it travels as an exception
// value, the list (kind message value trace), which is what try handlers
// receive; at the Go boundary it is returned as this error type.
type Exception struct {
	Kind    string
	Message string
	Value   Value
	Trace   []string

	detail string // printed form of Value, captured when raised
	thrown Value  // the value handlers see, once materialized
}

// Error implements the error interface.
func (e *Exception) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind)
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.detail != "" {
		sb.WriteString(" [")
		sb.WriteString(e.detail)
		sb.WriteString("]")
	}
	return sb.String()
}

// Is matches another *Exception of the same kind, so callers can write
// errors.Is(err, &vm.Exception{Kind: vm.KindTypeError}).
func (e *Exception) Is(target error) bool {
	var t *Exception
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// IsKind reports whether err is an *Exception of the given kind.
func IsKind(err error, kind string) bool {
	var e *Exception
	return errors.As(err, &e) && e.Kind == kind
}

// FatalError is raised with panic when the runtime cannot continue, for
// example when a pool stays exhausted after a full collection.
type FatalError struct {
	Msg string
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return "fatal: " + e.Msg
}

// ---------------------------------------------------------------------------
// Raising
// ---------------------------------------------------------------------------

// NewException creates an exception of the given kind.
func (h *Heap) NewException(kind, message string, v Value) *Exception {
	e := &Exception{Kind: kind, Message: message, Value: v}
	if !v.IsNil() {
		e.detail = h.SprintLimit(v, 256)
	}
	return e
}

func (h *Heap) typeError(message string, v Value) *Exception {
	return h.NewException(KindTypeError, message, v)
}

func (h *Heap) immutableError(message string, v Value) *Exception {
	return h.NewException(KindWriteOnImmutable, message, v)
}

func (h *Heap) boundsError(message string, v Value) *Exception {
	return h.NewException(KindBoundsError, message, v)
}

func (h *Heap) arityError(message string, v Value) *Exception {
	return h.NewException(KindArityError, message, v)
}

// AsException converts any error into an *Exception. Filesystem and
// syscall errors become io-error, everything else vm-error.
func (h *Heap) AsException(err error) *Exception {
	var e *Exception
	if errors.As(err, &e) {
		return e
	}
	var pathErr *fs.PathError
	var sysErr *os.SyscallError
	if errors.As(err, &pathErr) || errors.As(err, &sysErr) {
		return h.NewException(KindIOError, err.Error(), Nil)
	}
	return h.NewException(KindVMError, err.Error(), Nil)
}

// ---------------------------------------------------------------------------
// Exception values
// ---------------------------------------------------------------------------

// ExceptionValue returns the value try handlers receive for e.
func (h *Heap) ExceptionValue(e *Exception) Value {
	if e.thrown.t != TypeNil {
		return e.thrown
	}
	mark := h.RootMark()
	defer h.PopRoots(mark)

	msg := h.NewString(e.Message)
	h.PushRoot(msg)
	trace := Nil
	for i := len(e.Trace) - 1; i >= 0; i-- {
		trace = h.Cons(h.Sym(e.Trace[i]), trace)
		h.PushRoot(trace)
	}
	lst := h.List(h.Keyword(e.Kind), msg, e.Value, trace)
	e.thrown = refValue(TypeException, lst.Ref())
	return e.thrown
}

// ExceptionFromValue converts a thrown value back into an *Exception.
// Exception values decode into their parts; any other thrown value becomes
// an exception of kind "uncaught" carrying the value.
func (h *Heap) ExceptionFromValue(v Value) *Exception {
	if v.t != TypeException {
		e := h.NewException("uncaught", "uncaught value", v)
		e.thrown = v
		return e
	}
	kind := h.Car(v)
	e := &Exception{Kind: "exception", thrown: v}
	if kind.IsSymbolic() {
		e.Kind = h.SymbolName(kind.AsSymbol())
	}
	msg := h.Cadr(v)
	if msg.t == TypeString {
		e.Message = string(h.BufferBytes(msg))
	} else if !msg.IsNil() {
		e.Message = h.Sprint(msg)
	}
	rest := h.Cdr(h.Cdr(v))
	e.Value = h.Car(rest)
	if !e.Value.IsNil() {
		e.detail = h.SprintLimit(e.Value, 256)
	}
	trace, _ := h.ListToSlice(h.Cadr(rest))
	for _, t := range trace {
		if t.IsSymbolic() {
			e.Trace = append(e.Trace, h.SymbolName(t.AsSymbol()))
		} else {
			e.Trace = append(e.Trace, h.Sprint(t))
		}
	}
	return e
}

// MakeException builds an exception value from its parts, as the throw
// native does for user code.
func (h *Heap) MakeException(kind Value, message Value, v Value) Value {
	lst := h.List(kind, message, v, Nil)
	return refValue(TypeException, lst.Ref())
}

// FormatTrace renders the stack trace one frame per line, innermost first.
func (e *Exception) FormatTrace() string {
	var sb strings.Builder
	for i := len(e.Trace) - 1; i >= 0; i-- {
		fmt.Fprintf(&sb, "  at %s\n", e.Trace[i])
	}
	return sb.String()
}
