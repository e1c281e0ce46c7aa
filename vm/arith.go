package vm

import (
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

// Arith applies a binary arithmetic or bitwise opcode to a and b.
//
// Ints combine to ints and anything involving a float yields a float, except
// DIV, which always yields a float. Vectors combine componentwise and
// broadcast numbers. A nil operand stands in for a missing argument: ADD
// treats it as the identity (nil+nil is 0), SUB with a nil second operand
// negates the first, MUL with two nils is 1 and REM with a nil divisor
// returns the dividend. Bitwise opcodes accept ints only.
func (h *Heap) Arith(op Opcode, a, b Value) (Value, error) {
	switch op {
	case OpBitShiftLeft, OpBitShiftRight, OpBitAnd, OpBitOr, OpBitXor:
		return h.bitwise(op, a, b)
	}

	if a.IsNil() || b.IsNil() {
		return h.arithNil(op, a, b)
	}
	if a.t == TypeVec || b.t == TypeVec {
		return h.arithVec(op, a, b)
	}

	if a.t == TypeInt && b.t == TypeInt {
		x, y := a.AsInt(), b.AsInt()
		switch op {
		case OpAdd:
			return Int(x + y), nil
		case OpSub:
			return Int(x - y), nil
		case OpMul:
			return Int(x * y), nil
		case OpDiv:
			if y == 0 {
				return Nil, h.NewException(KindDivideByZero, "division by zero", a)
			}
			return Float(float64(x) / float64(y)), nil
		case OpRem:
			if y == 0 {
				return Nil, h.NewException(KindDivideByZero, "remainder by zero", a)
			}
			return Int(x % y), nil
		}
	}

	x, xok := a.ToFloat()
	y, yok := b.ToFloat()
	if !xok {
		return Nil, h.typeError(fmt.Sprintf("%s needs numbers", op.Name()), a)
	}
	if !yok {
		return Nil, h.typeError(fmt.Sprintf("%s needs numbers", op.Name()), b)
	}
	switch op {
	case OpAdd:
		return Float(x + y), nil
	case OpSub:
		return Float(x - y), nil
	case OpMul:
		return Float(x * y), nil
	case OpDiv:
		if y == 0 {
			return Nil, h.NewException(KindDivideByZero, "division by zero", a)
		}
		return Float(x / y), nil
	case OpRem:
		if y == 0 {
			return Nil, h.NewException(KindDivideByZero, "remainder by zero", a)
		}
		return Float(math.Mod(x, y)), nil
	}
	return Nil, h.NewException(KindVMError, "not an arithmetic opcode", OpValue(op))
}

func (h *Heap) arithNil(op Opcode, a, b Value) (Value, error) {
	switch op {
	case OpAdd:
		switch {
		case a.IsNil() && b.IsNil():
			return Int(0), nil
		case a.IsNil():
			return h.checkNumeric(op, b)
		}
		return h.checkNumeric(op, a)
	case OpSub:
		if b.IsNil() && !a.IsNil() {
			return h.Arith(OpSub, Int(0), a)
		}
	case OpMul:
		if a.IsNil() && b.IsNil() {
			return Int(1), nil
		}
	case OpRem:
		if b.IsNil() && !a.IsNil() {
			return h.checkNumeric(op, a)
		}
	}
	return Nil, h.arityError(fmt.Sprintf("%s is missing an operand", op.Name()), Nil)
}

func (h *Heap) checkNumeric(op Opcode, v Value) (Value, error) {
	if v.IsNumber() || v.t == TypeVec {
		return v, nil
	}
	return Nil, h.typeError(fmt.Sprintf("%s needs numbers", op.Name()), v)
}

func (h *Heap) arithVec(op Opcode, a, b Value) (Value, error) {
	va, err := h.toVec(op, a)
	if err != nil {
		return Nil, err
	}
	vb, err := h.toVec(op, b)
	if err != nil {
		return Nil, err
	}
	var r [4]float32
	for i := range r {
		switch op {
		case OpAdd:
			r[i] = va[i] + vb[i]
		case OpSub:
			r[i] = va[i] - vb[i]
		case OpMul:
			r[i] = va[i] * vb[i]
		case OpDiv:
			if vb[i] == 0 {
				return Nil, h.NewException(KindDivideByZero, "division by zero", b)
			}
			r[i] = va[i] / vb[i]
		case OpRem:
			if vb[i] == 0 {
				return Nil, h.NewException(KindDivideByZero, "remainder by zero", b)
			}
			r[i] = float32(math.Mod(float64(va[i]), float64(vb[i])))
		}
	}
	return Vec(r[0], r[1], r[2], r[3]), nil
}

func (h *Heap) toVec(op Opcode, v Value) ([4]float32, error) {
	if v.t == TypeVec {
		return v.AsVec(), nil
	}
	if f, ok := v.ToFloat(); ok {
		x := float32(f)
		return [4]float32{x, x, x, x}, nil
	}
	return [4]float32{}, h.typeError(fmt.Sprintf("%s needs numbers or vectors", op.Name()), v)
}

func (h *Heap) bitwise(op Opcode, a, b Value) (Value, error) {
	if a.t != TypeInt {
		return Nil, h.typeError(fmt.Sprintf("%s needs ints", op.Name()), a)
	}
	if b.t != TypeInt {
		return Nil, h.typeError(fmt.Sprintf("%s needs ints", op.Name()), b)
	}
	x, y := a.AsInt(), b.AsInt()
	switch op {
	case OpBitAnd:
		return Int(x & y), nil
	case OpBitOr:
		return Int(x | y), nil
	case OpBitXor:
		return Int(x ^ y), nil
	case OpBitShiftRight:
		y = -y
	}
	switch {
	case y >= 64:
		return Int(0), nil
	case y >= 0:
		return Int(x << uint(y)), nil
	case y <= -64:
		if x < 0 {
			return Int(-1), nil
		}
		return Int(0), nil
	}
	return Int(x >> uint(-y)), nil
}

// ---------------------------------------------------------------------------
// Generic collection access
// ---------------------------------------------------------------------------

// GenericRef returns the element of col at key. Sequences take an int
// index; trees and environments take a symbol or keyword. A missing tree
// key yields nil.
func (h *Heap) GenericRef(col, key Value) (Value, error) {
	switch col.t {
	case TypeNil:
		return Nil, nil
	case TypeTree:
		if !key.IsSymbolic() {
			return Nil, h.typeError("tree keys must be symbols or keywords", key)
		}
		v, _ := h.TreeGet(h.TreeRoot(col), key.AsSymbol())
		return v, nil
	case TypeEnvironment, TypeLambda, TypeMacro:
		if !key.IsSymbolic() {
			return Nil, h.typeError("environment keys must be symbols", key)
		}
		return h.Lookup(col.Ref(), key.AsSymbol())
	}

	if key.t != TypeInt {
		return Nil, h.typeError("index must be an int", key)
	}
	i := int(key.AsInt())
	switch col.t {
	case TypePair:
		if i < 0 {
			return Nil, h.boundsError(fmt.Sprintf("list index %d out of range", i), col)
		}
		return h.ListRef(col, i), nil
	case TypeArray:
		return h.ArrayRef(col, i)
	case TypeString, TypeBuffer:
		return h.BufferRef(col, i)
	case TypeBufferView:
		return h.ViewRef(col, i)
	case TypeBytecodeArray:
		ops := h.BytecodeOps(col)
		if i < 0 || i >= len(ops) {
			return Nil, h.boundsError(fmt.Sprintf("bytecode index %d out of range [0,%d)", i, len(ops)), col)
		}
		return OpValue(Opcode(ops[i])), nil
	}
	return Nil, h.typeError("can't ref into that", col)
}

// GenericSet stores val in col at key and returns col. Trees are updated
// in place, so the result is the same tree value.
func (h *Heap) GenericSet(col, key, val Value) (Value, error) {
	switch col.t {
	case TypeTree:
		if !key.IsSymbolic() {
			return Nil, h.typeError("tree keys must be symbols or keywords", key)
		}
		if err := h.TreeValueInsert(col, key.AsSymbol(), val); err != nil {
			return Nil, err
		}
		return col, nil
	case TypeEnvironment:
		if !key.IsSymbolic() {
			return Nil, h.typeError("environment keys must be symbols", key)
		}
		if err := h.Define(col.Ref(), key.AsSymbol(), val); err != nil {
			return Nil, err
		}
		return col, nil
	}

	if key.t != TypeInt {
		return Nil, h.typeError("index must be an int", key)
	}
	i := int(key.AsInt())
	switch col.t {
	case TypePair:
		p := col
		for j := 0; j < i && p.t == TypePair; j++ {
			p = h.Cdr(p)
		}
		if p.t != TypePair || i < 0 {
			return Nil, h.boundsError(fmt.Sprintf("list index %d out of range", i), col)
		}
		if err := h.SetCar(p, val); err != nil {
			return Nil, err
		}
		return col, nil
	case TypeArray:
		return col, h.ArraySet(col, i, val)
	case TypeString, TypeBuffer:
		if val.t != TypeInt {
			return Nil, h.typeError("buffer elements must be ints", val)
		}
		return col, h.BufferSet(col, i, val.AsInt())
	case TypeBufferView:
		return col, h.ViewSet(col, i, val)
	}
	return Nil, h.typeError("can't set into that", col)
}
