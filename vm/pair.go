package vm

// pairObj is a cons cell.
type pairObj struct {
	car Value
	cdr Value
}

// Cons allocates a pair.
func (h *Heap) Cons(car, cdr Value) Value {
	return refValue(TypePair, h.pairs.Alloc(pairObj{car: car, cdr: cdr}))
}

// Car returns the first element of a pair, or nil for anything else.
func (h *Heap) Car(v Value) Value {
	if v.t != TypePair && v.t != TypeException {
		return Nil
	}
	return h.pairs.at(v.Ref()).car
}

// Cdr returns the rest of a pair, or nil for anything else.
func (h *Heap) Cdr(v Value) Value {
	if v.t != TypePair && v.t != TypeException {
		return Nil
	}
	return h.pairs.at(v.Ref()).cdr
}

// Cadr returns the second element of a list.
func (h *Heap) Cadr(v Value) Value {
	return h.Car(h.Cdr(v))
}

// SetCar replaces the first element of a pair.
func (h *Heap) SetCar(p, v Value) error {
	if p.t != TypePair {
		return h.typeError("set-car! expects a pair", p)
	}
	h.pairs.at(p.Ref()).car = v
	return nil
}

// SetCdr replaces the rest of a pair.
func (h *Heap) SetCdr(p, v Value) error {
	if p.t != TypePair {
		return h.typeError("set-cdr! expects a pair", p)
	}
	h.pairs.at(p.Ref()).cdr = v
	return nil
}

// List builds a proper list from vals.
func (h *Heap) List(vals ...Value) Value {
	mark := h.RootMark()
	defer h.PopRoots(mark)
	h.PushRoot(Nil)
	for _, v := range vals {
		h.PushRoot(v)
	}

	ret := Nil
	for i := len(vals) - 1; i >= 0; i-- {
		ret = h.Cons(vals[i], ret)
		h.roots[mark] = ret
	}
	return ret
}

// ListToSlice collects the elements of a list. The second result is false
// if the list is improper; the elements before the improper tail are still
// returned.
func (h *Heap) ListToSlice(v Value) ([]Value, bool) {
	var out []Value
	for v.t == TypePair {
		p := h.pairs.at(v.Ref())
		out = append(out, p.car)
		v = p.cdr
	}
	return out, v.t == TypeNil
}

// ListLength returns the number of pairs in a list.
func (h *Heap) ListLength(v Value) int {
	n := 0
	for v.t == TypePair {
		n++
		v = h.pairs.at(v.Ref()).cdr
	}
	return n
}

// ListRef returns the i-th element of a list, or nil past the end.
func (h *Heap) ListRef(v Value, i int) Value {
	for ; i > 0 && v.t == TypePair; i-- {
		v = h.pairs.at(v.Ref()).cdr
	}
	return h.Car(v)
}

// Reverse returns a new list with the elements of v in reverse order.
func (h *Heap) Reverse(v Value) Value {
	mark := h.RootMark()
	defer h.PopRoots(mark)
	h.PushRoot(v)
	h.PushRoot(Nil)

	ret := Nil
	for v.t == TypePair {
		p := h.pairs.at(v.Ref())
		ret = h.Cons(p.car, ret)
		h.roots[mark+1] = ret
		v = p.cdr
	}
	return ret
}
