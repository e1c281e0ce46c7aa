package vm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Buffers
// ---------------------------------------------------------------------------

// MaxBufferLength caps the size of a single buffer.
const MaxBufferLength = 1 << 30

// bufferObj backs buffer and string values. Strings are immutable buffers
// carrying the String tag.
type bufferObj struct {
	data      []byte
	immutable bool
}

// NewBuffer allocates a zero-filled buffer of the given length. The length
// must lie in [0, MaxBufferLength]; use CheckBufferLength on untrusted input.
func (h *Heap) NewBuffer(length int, immutable bool) Value {
	return refValue(TypeBuffer, h.buffers.Alloc(bufferObj{data: make([]byte, length), immutable: immutable}))
}

// CheckBufferLength rejects lengths a buffer can't be allocated with.
func (h *Heap) CheckBufferLength(length int64, v Value) error {
	if length < 0 {
		return h.boundsError("buffer length must not be negative", v)
	}
	if length > MaxBufferLength {
		return h.boundsError(fmt.Sprintf("buffer length %d exceeds the limit of %d bytes", length, MaxBufferLength), v)
	}
	return nil
}

// BufferFromBytes allocates a buffer holding a copy of b.
func (h *Heap) BufferFromBytes(b []byte, immutable bool) Value {
	data := make([]byte, len(b))
	copy(data, b)
	return refValue(TypeBuffer, h.buffers.Alloc(bufferObj{data: data, immutable: immutable}))
}

// NewString allocates an immutable string.
func (h *Heap) NewString(s string) Value {
	return refValue(TypeString, h.buffers.Alloc(bufferObj{data: []byte(s), immutable: true}))
}

// BufferBytes returns the bytes of a string or buffer. Callers must not
// modify the result.
func (h *Heap) BufferBytes(v Value) []byte {
	if v.t != TypeString && v.t != TypeBuffer {
		return nil
	}
	return h.buffers.at(v.Ref()).data
}

// StringValue returns the text of a string value.
func (h *Heap) StringValue(v Value) (string, bool) {
	if v.t != TypeString {
		return "", false
	}
	return string(h.buffers.at(v.Ref()).data), true
}

// BufferLength returns the length in bytes of a string or buffer.
func (h *Heap) BufferLength(v Value) int {
	return len(h.BufferBytes(v))
}

// BufferImmutable reports whether writes to the buffer are rejected.
func (h *Heap) BufferImmutable(v Value) bool {
	return h.buffers.at(v.Ref()).immutable
}

// FreezeBuffer makes a buffer immutable.
func (h *Heap) FreezeBuffer(v Value) {
	h.buffers.at(v.Ref()).immutable = true
}

// BufferRef returns the byte at index i.
func (h *Heap) BufferRef(v Value, i int) (Value, error) {
	data := h.BufferBytes(v)
	if i < 0 || i >= len(data) {
		return Nil, h.boundsError(fmt.Sprintf("buffer index %d out of range [0,%d)", i, len(data)), v)
	}
	return Int(int64(data[i])), nil
}

// BufferSet stores the low byte of b at index i.
func (h *Heap) BufferSet(v Value, i int, b int64) error {
	obj := h.buffers.at(v.Ref())
	if obj.immutable {
		return h.immutableError("can't write to an immutable buffer", v)
	}
	if i < 0 || i >= len(obj.data) {
		return h.boundsError(fmt.Sprintf("buffer index %d out of range [0,%d)", i, len(obj.data)), v)
	}
	obj.data[i] = byte(b)
	return nil
}

// BufferGrow extends a buffer to length bytes. Buffers never shrink, which
// keeps every view created on them in bounds.
func (h *Heap) BufferGrow(v Value, length int) error {
	obj := h.buffers.at(v.Ref())
	if obj.immutable {
		return h.immutableError("can't grow an immutable buffer", v)
	}
	if length <= len(obj.data) {
		return nil
	}
	if err := h.CheckBufferLength(int64(length), v); err != nil {
		return err
	}
	grown := make([]byte, length)
	copy(grown, obj.data)
	obj.data = grown
	return nil
}

// BufferDup copies a buffer or string into a new buffer.
func (h *Heap) BufferDup(v Value, immutable bool) Value {
	return h.BufferFromBytes(h.BufferBytes(v), immutable)
}

// ---------------------------------------------------------------------------
// Buffer views
// ---------------------------------------------------------------------------

// ViewType is the element type of a buffer view.
type ViewType uint8

const (
	ViewS8 ViewType = iota
	ViewU8
	ViewS16
	ViewU16
	ViewS32
	ViewU32
	ViewS64
	ViewU64
	ViewF32
	ViewF64
)

var viewTypeNames = [...]string{"s8", "u8", "s16", "u16", "s32", "u32", "s64", "u64", "f32", "f64"}
var viewTypeSizes = [...]int{1, 1, 2, 2, 4, 4, 8, 8, 4, 8}

// String returns the short name of the element type.
func (t ViewType) String() string {
	if int(t) < len(viewTypeNames) {
		return viewTypeNames[t]
	}
	return fmt.Sprintf("view(%d)", uint8(t))
}

// Size returns the element size in bytes.
func (t ViewType) Size() int {
	return viewTypeSizes[t]
}

// ParseViewType maps a name such as "u16" to its ViewType.
func ParseViewType(name string) (ViewType, bool) {
	for i, n := range viewTypeNames {
		if n == name {
			return ViewType(i), true
		}
	}
	return 0, false
}

// viewObj is a typed window onto a buffer. The window always satisfies
// offset + length*elementSize <= buffer length. bufType remembers whether
// the backing object is a string or a buffer.
type viewObj struct {
	buf       Ref
	bufType   Type
	typ       ViewType
	offset    int
	length    int
	immutable bool
}

// NewBufferView creates a view of length elements of type typ starting at
// byte offset. A negative length covers the rest of the buffer.
func (h *Heap) NewBufferView(buf Value, typ ViewType, offset, length int, immutable bool) (Value, error) {
	if buf.t != TypeBuffer && buf.t != TypeString {
		return Nil, h.typeError("buffer view needs a buffer", buf)
	}
	if int(typ) >= len(viewTypeSizes) {
		return Nil, h.typeError("unknown buffer view type", Int(int64(typ)))
	}
	obj := h.buffers.at(buf.Ref())
	size := typ.Size()
	if offset < 0 || offset > len(obj.data) {
		return Nil, h.boundsError(fmt.Sprintf("view offset %d out of range", offset), buf)
	}
	if length < 0 {
		length = (len(obj.data) - offset) / size
	}
	if length > (len(obj.data)-offset)/size {
		return Nil, h.boundsError(fmt.Sprintf("view of %d %s at %d exceeds buffer of %d bytes",
			length, typ, offset, len(obj.data)), buf)
	}
	ref := h.views.Alloc(viewObj{
		buf:       buf.Ref(),
		bufType:   buf.t,
		typ:       typ,
		offset:    offset,
		length:    length,
		immutable: immutable || obj.immutable,
	})
	return refValue(TypeBufferView, ref), nil
}

// ViewLength returns the number of elements in a view.
func (h *Heap) ViewLength(view Value) int {
	return h.views.at(view.Ref()).length
}

// ViewElementType returns the element type of a view.
func (h *Heap) ViewElementType(view Value) ViewType {
	return h.views.at(view.Ref()).typ
}

// ViewBuffer returns the buffer or string a view reads from.
func (h *Heap) ViewBuffer(view Value) Value {
	v := h.views.at(view.Ref())
	return refValue(v.bufType, v.buf)
}

// ViewImmutable reports whether writes through the view are rejected.
func (h *Heap) ViewImmutable(view Value) bool {
	v := h.views.at(view.Ref())
	return v.immutable || h.buffers.at(v.buf).immutable
}

func (h *Heap) viewElement(view Value, i int) (*viewObj, []byte, error) {
	v := h.views.at(view.Ref())
	if i < 0 || i >= v.length {
		return nil, nil, h.boundsError(fmt.Sprintf("view index %d out of range [0,%d)", i, v.length), view)
	}
	data := h.buffers.at(v.buf).data
	start := v.offset + i*v.typ.Size()
	return v, data[start : start+v.typ.Size()], nil
}

// ViewRef reads element i of a view. Reads ignore immutability.
func (h *Heap) ViewRef(view Value, i int) (Value, error) {
	v, b, err := h.viewElement(view, i)
	if err != nil {
		return Nil, err
	}
	switch v.typ {
	case ViewS8:
		return Int(int64(int8(b[0]))), nil
	case ViewU8:
		return Int(int64(b[0])), nil
	case ViewS16:
		return Int(int64(int16(binary.LittleEndian.Uint16(b)))), nil
	case ViewU16:
		return Int(int64(binary.LittleEndian.Uint16(b))), nil
	case ViewS32:
		return Int(int64(int32(binary.LittleEndian.Uint32(b)))), nil
	case ViewU32:
		return Int(int64(binary.LittleEndian.Uint32(b))), nil
	case ViewS64, ViewU64:
		return Int(int64(binary.LittleEndian.Uint64(b))), nil
	case ViewF32:
		return Float(float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))), nil
	case ViewF64:
		return Float(math.Float64frombits(binary.LittleEndian.Uint64(b))), nil
	}
	return Nil, h.typeError("unknown buffer view type", view)
}

// ViewSet writes element i of a view. Integer elements truncate to their
// width. Writing through an immutable view, or a view of an immutable
// buffer, fails with write-on-immutable and leaves the bytes unchanged.
func (h *Heap) ViewSet(view Value, i int, val Value) error {
	if h.ViewImmutable(view) {
		return h.immutableError("can't write through an immutable buffer view", view)
	}
	v, b, err := h.viewElement(view, i)
	if err != nil {
		return err
	}
	switch v.typ {
	case ViewF32, ViewF64:
		f, ok := val.ToFloat()
		if !ok {
			return h.typeError("float buffer view needs a number", val)
		}
		if v.typ == ViewF32 {
			binary.LittleEndian.PutUint32(b, math.Float32bits(float32(f)))
		} else {
			binary.LittleEndian.PutUint64(b, math.Float64bits(f))
		}
		return nil
	}

	if val.t != TypeInt {
		return h.typeError("integer buffer view needs an int", val)
	}
	n := uint64(val.AsInt())
	switch v.typ {
	case ViewS8, ViewU8:
		b[0] = byte(n)
	case ViewS16, ViewU16:
		binary.LittleEndian.PutUint16(b, uint16(n))
	case ViewS32, ViewU32:
		binary.LittleEndian.PutUint32(b, uint32(n))
	case ViewS64, ViewU64:
		binary.LittleEndian.PutUint64(b, n)
	}
	return nil
}
