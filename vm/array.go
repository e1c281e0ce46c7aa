package vm

import "fmt"

// arrayObj is a fixed-length vector of values.
type arrayObj struct {
	data      []Value
	immutable bool
}

// NewArray allocates an array of n nil elements.
func (h *Heap) NewArray(n int) Value {
	return refValue(TypeArray, h.arrays.Alloc(arrayObj{data: make([]Value, n)}))
}

// ArrayFromSlice allocates an array holding a copy of vals.
func (h *Heap) ArrayFromSlice(vals []Value) Value {
	data := make([]Value, len(vals))
	copy(data, vals)
	return refValue(TypeArray, h.arrays.Alloc(arrayObj{data: data}))
}

// ArrayLength returns the number of elements.
func (h *Heap) ArrayLength(a Value) int {
	return len(h.arrays.at(a.Ref()).data)
}

// ArrayElements returns the elements of an array. Callers must not modify
// the result.
func (h *Heap) ArrayElements(a Value) []Value {
	return h.arrays.at(a.Ref()).data
}

// ArrayRef returns element i.
func (h *Heap) ArrayRef(a Value, i int) (Value, error) {
	data := h.arrays.at(a.Ref()).data
	if i < 0 || i >= len(data) {
		return Nil, h.boundsError(fmt.Sprintf("array index %d out of range [0,%d)", i, len(data)), a)
	}
	return data[i], nil
}

// ArraySet replaces element i.
func (h *Heap) ArraySet(a Value, i int, v Value) error {
	obj := h.arrays.at(a.Ref())
	if obj.immutable {
		return h.immutableError("can't write to an immutable array", a)
	}
	if i < 0 || i >= len(obj.data) {
		return h.boundsError(fmt.Sprintf("array index %d out of range [0,%d)", i, len(obj.data)), a)
	}
	obj.data[i] = v
	return nil
}

// ArrayResize returns a copy of a truncated or nil-padded to n elements.
func (h *Heap) ArrayResize(a Value, n int) Value {
	src := h.arrays.at(a.Ref()).data
	data := make([]Value, n)
	copy(data, src)
	return refValue(TypeArray, h.arrays.Alloc(arrayObj{data: data}))
}

// FreezeArray makes an array immutable.
func (h *Heap) FreezeArray(a Value) {
	h.arrays.at(a.Ref()).immutable = true
}

// ArrayImmutable reports whether writes to the array are rejected.
func (h *Heap) ArrayImmutable(a Value) bool {
	return h.arrays.at(a.Ref()).immutable
}
