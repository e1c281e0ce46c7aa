package vm

import (
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Type tags
// ---------------------------------------------------------------------------

// Type identifies which member of a Value is active.
type Type uint8

const (
	TypeNil Type = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeVec
	TypeSymbol
	TypeKeyword
	TypePair
	TypeString
	TypeBuffer
	TypeBufferView
	TypeArray
	TypeTree
	TypeLambda
	TypeMacro
	TypeEnvironment
	TypeNativeFunc
	TypeBytecodeArray
	TypeBytecodeOp
	TypeException
)

var typeNames = [...]string{
	TypeNil:           "nil",
	TypeBool:          "bool",
	TypeInt:           "int",
	TypeFloat:         "float",
	TypeVec:           "vec",
	TypeSymbol:        "symbol",
	TypeKeyword:       "keyword",
	TypePair:          "pair",
	TypeString:        "string",
	TypeBuffer:        "buffer",
	TypeBufferView:    "buffer-view",
	TypeArray:         "array",
	TypeTree:          "tree",
	TypeLambda:        "lambda",
	TypeMacro:         "macro",
	TypeEnvironment:   "environment",
	TypeNativeFunc:    "native-function",
	TypeBytecodeArray: "bytecode-array",
	TypeBytecodeOp:    "bytecode-op",
	TypeException:     "exception",
}

// String returns the name the runtime uses for the type.
func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// ---------------------------------------------------------------------------
// Value
// ---------------------------------------------------------------------------

// Value is a tagged runtime value.
//
// Immediate values (nil, bool, int, float, vec, symbols, opcodes) carry
// their payload inline. Heap values carry a Ref into the pool that owns the
// entity; those refs are only meaningful for the Heap that produced them.
//
// Vec packs four float32 components into the two payload words.
type Value struct {
	t Type
	a uint64
	b uint64
}

// Pre-defined immediate values
var (
	Nil   = Value{}
	True  = Value{t: TypeBool, a: 1}
	False = Value{t: TypeBool, a: 0}
)

// Bool returns the boolean value for b.
func Bool(b bool) Value {
	if b {
		return True
	}
	return False
}

// Int creates an integer value.
func Int(i int64) Value {
	return Value{t: TypeInt, a: uint64(i)}
}

// Float creates a float value.
func Float(f float64) Value {
	return Value{t: TypeFloat, a: math.Float64bits(f)}
}

// Vec creates a four component vector value.
func Vec(x, y, z, w float32) Value {
	return Value{
		t: TypeVec,
		a: uint64(math.Float32bits(x)) | uint64(math.Float32bits(y))<<32,
		b: uint64(math.Float32bits(z)) | uint64(math.Float32bits(w))<<32,
	}
}

// SymbolValue wraps an interned symbol.
func SymbolValue(s Symbol) Value {
	return Value{t: TypeSymbol, a: uint64(s)}
}

// KeywordValue wraps an interned symbol as a keyword.
func KeywordValue(s Symbol) Value {
	return Value{t: TypeKeyword, a: uint64(s)}
}

// OpValue wraps a single opcode.
func OpValue(op Opcode) Value {
	return Value{t: TypeBytecodeOp, a: uint64(op)}
}

func refValue(t Type, r Ref) Value {
	return Value{t: t, a: uint64(r)}
}

// Type returns the tag of the value.
func (v Value) Type() Type {
	return v.t
}

// IsNil returns true for the nil value.
func (v Value) IsNil() bool {
	return v.t == TypeNil
}

// IsInt returns true for integer values.
func (v Value) IsInt() bool {
	return v.t == TypeInt
}

// IsFloat returns true for float values.
func (v Value) IsFloat() bool {
	return v.t == TypeFloat
}

// IsNumber returns true for int and float values.
func (v Value) IsNumber() bool {
	return v.t == TypeInt || v.t == TypeFloat
}

// IsSymbolic returns true for symbols and keywords.
func (v Value) IsSymbolic() bool {
	return v.t == TypeSymbol || v.t == TypeKeyword
}

// IsPair returns true for cons cells.
func (v Value) IsPair() bool {
	return v.t == TypePair
}

// IsCallable returns true for values that APPLY accepts.
func (v Value) IsCallable() bool {
	return v.t == TypeLambda || v.t == TypeMacro || v.t == TypeNativeFunc
}

// IsHeap returns true if the value references a pooled entity.
func (v Value) IsHeap() bool {
	switch v.t {
	case TypePair, TypeString, TypeBuffer, TypeBufferView, TypeArray, TypeTree,
		TypeLambda, TypeMacro, TypeEnvironment, TypeNativeFunc, TypeBytecodeArray,
		TypeException:
		return true
	}
	return false
}

// Truthy reports whether the value counts as true in a conditional.
// Only nil and false are falsy.
func (v Value) Truthy() bool {
	switch v.t {
	case TypeNil:
		return false
	case TypeBool:
		return v.a != 0
	}
	return true
}

// AsBool returns the boolean payload.
func (v Value) AsBool() bool {
	return v.a != 0
}

// AsInt returns the integer payload.
func (v Value) AsInt() int64 {
	return int64(v.a)
}

// AsFloat returns the float payload.
func (v Value) AsFloat() float64 {
	return math.Float64frombits(v.a)
}

// AsVec returns the four vector components.
func (v Value) AsVec() [4]float32 {
	return [4]float32{
		math.Float32frombits(uint32(v.a)),
		math.Float32frombits(uint32(v.a >> 32)),
		math.Float32frombits(uint32(v.b)),
		math.Float32frombits(uint32(v.b >> 32)),
	}
}

// AsSymbol returns the symbol of a symbol or keyword value.
func (v Value) AsSymbol() Symbol {
	return Symbol(v.a)
}

// AsOp returns the opcode of a bytecode-op value.
func (v Value) AsOp() Opcode {
	return Opcode(v.a)
}

// Ref returns the pool handle of a heap value.
func (v Value) Ref() Ref {
	return Ref(v.a)
}

// ToFloat converts a numeric value to float64.
func (v Value) ToFloat() (float64, bool) {
	switch v.t {
	case TypeInt:
		return float64(v.AsInt()), true
	case TypeFloat:
		return v.AsFloat(), true
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Equality and ordering
// ---------------------------------------------------------------------------

// Equal reports whether two values are equal. Numbers compare across int
// and float; strings compare by content; everything else by identity.
func (h *Heap) Equal(a, b Value) bool {
	if a.t != b.t {
		if a.t == TypeInt && b.t == TypeFloat {
			return float64(a.AsInt()) == b.AsFloat()
		}
		if a.t == TypeFloat && b.t == TypeInt {
			return a.AsFloat() == float64(b.AsInt())
		}
		return false
	}
	switch a.t {
	case TypeString:
		return string(h.BufferBytes(a)) == string(h.BufferBytes(b))
	case TypeFloat:
		return a.AsFloat() == b.AsFloat()
	}
	return a == b
}

// Compare orders two values. It returns a negative number when a sorts
// before b, a positive number when after, and 0 when they are equal or
// not comparable.
func (h *Heap) Compare(a, b Value) int {
	if a.t != b.t {
		af, aok := a.ToFloat()
		bf, bok := b.ToFloat()
		if aok && bok {
			return compareFloat(af, bf)
		}
		return 0
	}
	switch a.t {
	case TypeInt:
		switch {
		case a.AsInt() < b.AsInt():
			return -1
		case a.AsInt() > b.AsInt():
			return 1
		}
		return 0
	case TypeFloat:
		return compareFloat(a.AsFloat(), b.AsFloat())
	case TypeSymbol, TypeKeyword:
		return compareString(h.SymbolName(a.AsSymbol()), h.SymbolName(b.AsSymbol()))
	case TypeString:
		return compareString(string(h.BufferBytes(a)), string(h.BufferBytes(b)))
	}
	return 0
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
