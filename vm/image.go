package vm

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var imageLog = commonlog.GetLogger("nib.image")

// ---------------------------------------------------------------------------
// Image format
// ---------------------------------------------------------------------------

// Image header constants.
const (
	ImageMagic   = "NIBI"
	ImageVersion = 1
)

var imageEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	imageEncMode = em
}

// image is the serialized form of a set of root bindings and the object
// graph reachable from them. Objects reference each other by index, so
// sharing and cycles survive a round trip.
type image struct {
	Magic    string         `cbor:"1,keyasint"`
	Version  int            `cbor:"2,keyasint"`
	ID       []byte         `cbor:"3,keyasint"`
	Entry    string         `cbor:"4,keyasint,omitempty"`
	Objects  []imageObject  `cbor:"5,keyasint"`
	Bindings []imageBinding `cbor:"6,keyasint"`
}

type imageBinding struct {
	Name  string     `cbor:"1,keyasint"`
	Value imageValue `cbor:"2,keyasint"`
}

// imageValue is an encoded Value. Heap values carry Obj, the index of
// their object plus one. Root marks a reference to the environment the
// image is loaded into.
type imageValue struct {
	T    Type      `cbor:"1,keyasint"`
	I    int64     `cbor:"2,keyasint,omitempty"`
	F    float64   `cbor:"3,keyasint,omitempty"`
	S    string    `cbor:"4,keyasint,omitempty"`
	V    []float32 `cbor:"5,keyasint,omitempty"`
	Obj  int       `cbor:"6,keyasint,omitempty"`
	Root bool      `cbor:"7,keyasint,omitempty"`
}

// Object kinds, one per pool.
const (
	objPair uint8 = iota + 1
	objBuffer
	objView
	objArray
	objTree
	objEnv
	objCode
	objNative
)

type imageObject struct {
	Kind      uint8        `cbor:"1,keyasint"`
	Items     []imageValue `cbor:"2,keyasint,omitempty"`
	Keys      []string     `cbor:"3,keyasint,omitempty"`
	Bytes     []byte       `cbor:"4,keyasint,omitempty"`
	Immutable bool         `cbor:"5,keyasint,omitempty"`
	MetaKeys  []string     `cbor:"6,keyasint,omitempty"`
	MetaItems []imageValue `cbor:"7,keyasint,omitempty"`
	Parent    imageValue   `cbor:"8,keyasint,omitempty"`
	Code      imageValue   `cbor:"9,keyasint,omitempty"`
	Params    imageValue   `cbor:"10,keyasint,omitempty"`
	Name      string       `cbor:"11,keyasint,omitempty"`
	EnvKind   EnvKind      `cbor:"12,keyasint,omitempty"`
	View      []int        `cbor:"13,keyasint,omitempty"` // type, offset, length
}

func objectKind(t Type) uint8 {
	switch t {
	case TypePair, TypeException:
		return objPair
	case TypeString, TypeBuffer:
		return objBuffer
	case TypeBufferView:
		return objView
	case TypeArray:
		return objArray
	case TypeTree:
		return objTree
	case TypeLambda, TypeMacro, TypeEnvironment:
		return objEnv
	case TypeBytecodeArray:
		return objCode
	case TypeNativeFunc:
		return objNative
	}
	return 0
}

// ImageInfo describes an image that was written or loaded.
type ImageInfo struct {
	ID       uuid.UUID
	Entry    string
	Objects  int
	Bindings int
}

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

type objKey struct {
	kind uint8
	ref  Ref
}

type imageWriter struct {
	h       *Heap
	root    Ref
	index   map[objKey]int
	objects []imageObject
}

// WriteImage serializes every binding of env, except native functions,
// together with everything reachable from them. Native functions inside
// the graph are written by name and resolved against the loading
// environment. References to env itself are written as references to the
// root, so closures defined at top level reattach to the environment the
// image is loaded into.
func (h *Heap) WriteImage(env Ref, entry string) ([]byte, ImageInfo, error) {
	w := &imageWriter{h: h, root: env, index: make(map[objKey]int)}
	img := image{
		Magic:   ImageMagic,
		Version: ImageVersion,
		Entry:   entry,
	}
	id := uuid.New()
	img.ID = id[:]

	h.TreeEach(h.EnvBindings(env), func(k Symbol, v Value) bool {
		if v.t == TypeNativeFunc {
			return true
		}
		img.Bindings = append(img.Bindings, imageBinding{Name: h.SymbolName(k), Value: w.value(v)})
		return true
	})
	img.Objects = w.objects

	data, err := imageEncMode.Marshal(&img)
	if err != nil {
		return nil, ImageInfo{}, fmt.Errorf("encoding image: %w", err)
	}
	info := ImageInfo{ID: id, Entry: entry, Objects: len(img.Objects), Bindings: len(img.Bindings)}
	imageLog.Infof("wrote image %s: %d objects, %d bindings, %d bytes", id, info.Objects, info.Bindings, len(data))
	return data, info, nil
}

func (w *imageWriter) value(v Value) imageValue {
	h := w.h
	switch v.t {
	case TypeNil:
		return imageValue{}
	case TypeBool:
		if v.AsBool() {
			return imageValue{T: TypeBool, I: 1}
		}
		return imageValue{T: TypeBool}
	case TypeInt:
		return imageValue{T: TypeInt, I: v.AsInt()}
	case TypeFloat:
		return imageValue{T: TypeFloat, F: v.AsFloat()}
	case TypeVec:
		c := v.AsVec()
		return imageValue{T: TypeVec, V: c[:]}
	case TypeSymbol, TypeKeyword:
		return imageValue{T: v.t, S: h.SymbolName(v.AsSymbol())}
	case TypeBytecodeOp:
		return imageValue{T: TypeBytecodeOp, I: int64(v.AsOp())}
	case TypeEnvironment:
		if v.Ref() == w.root {
			return imageValue{T: TypeEnvironment, Root: true}
		}
	}
	return imageValue{T: v.t, Obj: w.object(v) + 1}
}

func (w *imageWriter) envRef(r Ref) imageValue {
	if r.IsZero() {
		return imageValue{}
	}
	return w.value(refValue(TypeEnvironment, r))
}

func (w *imageWriter) codeRef(r Ref) imageValue {
	if r.IsZero() {
		return imageValue{}
	}
	return w.value(refValue(TypeBytecodeArray, r))
}

func (w *imageWriter) tree(root Ref) ([]string, []imageValue) {
	var keys []string
	var items []imageValue
	w.h.TreeEach(root, func(k Symbol, v Value) bool {
		keys = append(keys, w.h.SymbolName(k))
		items = append(items, w.value(v))
		return true
	})
	return keys, items
}

func (w *imageWriter) object(v Value) int {
	h := w.h
	key := objKey{kind: objectKind(v.t), ref: v.Ref()}
	if idx, ok := w.index[key]; ok {
		return idx
	}
	idx := len(w.objects)
	w.objects = append(w.objects, imageObject{Kind: key.kind})
	w.index[key] = idx

	obj := imageObject{Kind: key.kind}
	switch key.kind {
	case objPair:
		p := h.pairs.at(v.Ref())
		obj.Items = []imageValue{w.value(p.car), w.value(p.cdr)}
	case objBuffer:
		b := h.buffers.at(v.Ref())
		obj.Bytes = b.data
		obj.Immutable = b.immutable
	case objView:
		vo := h.views.at(v.Ref())
		obj.Items = []imageValue{w.value(h.ViewBuffer(v))}
		obj.View = []int{int(vo.typ), vo.offset, vo.length}
		obj.Immutable = vo.immutable
	case objArray:
		a := h.arrays.at(v.Ref())
		for _, e := range a.data {
			obj.Items = append(obj.Items, w.value(e))
		}
		obj.Immutable = a.immutable
	case objTree:
		t := h.trees.at(v.Ref())
		obj.Keys, obj.Items = w.tree(t.root)
		obj.Immutable = t.immutable
	case objEnv:
		e := *h.env(v.Ref())
		obj.Keys, obj.Items = w.tree(e.bindings)
		obj.MetaKeys, obj.MetaItems = w.tree(e.meta)
		obj.Parent = w.envRef(e.parent)
		obj.Code = w.codeRef(e.code)
		obj.Params = w.value(e.params)
		if e.name != NoSymbol {
			obj.Name = h.SymbolName(e.name)
		}
		obj.EnvKind = e.kind
	case objCode:
		bc := h.code.at(v.Ref())
		obj.Bytes = bc.ops
		for _, lit := range bc.literals {
			obj.Items = append(obj.Items, w.value(lit))
		}
	case objNative:
		obj.Name = h.NativeName(v)
	}
	w.objects[idx] = obj
	return idx
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

type imageReader struct {
	h    *Heap
	env  Ref
	img  *image
	refs []Ref
}

// LoadImage decodes an image and binds its root bindings in env. Native
// functions referenced by the image must already be bound in env.
func (h *Heap) LoadImage(env Ref, data []byte) (ImageInfo, error) {
	var img image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return ImageInfo{}, fmt.Errorf("decoding image: %w", err)
	}
	if img.Magic != ImageMagic {
		return ImageInfo{}, fmt.Errorf("not an image: bad magic %q", img.Magic)
	}
	if img.Version != ImageVersion {
		return ImageInfo{}, fmt.Errorf("unsupported image version %d (want %d)", img.Version, ImageVersion)
	}
	id, err := uuid.FromBytes(img.ID)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("image id: %w", err)
	}

	r := &imageReader{h: h, env: env, img: &img, refs: make([]Ref, len(img.Objects))}
	if err := r.allocate(); err != nil {
		return ImageInfo{}, err
	}
	if err := r.fill(); err != nil {
		return ImageInfo{}, err
	}

	for _, b := range img.Bindings {
		v, err := r.value(b.Value)
		if err != nil {
			return ImageInfo{}, fmt.Errorf("binding %s: %w", b.Name, err)
		}
		if err := h.DefineName(env, b.Name, v); err != nil {
			return ImageInfo{}, fmt.Errorf("binding %s: %w", b.Name, err)
		}
	}

	info := ImageInfo{ID: id, Entry: img.Entry, Objects: len(img.Objects), Bindings: len(img.Bindings)}
	imageLog.Infof("loaded image %s: %d objects, %d bindings", id, info.Objects, info.Bindings)
	return info, nil
}

// allocate creates every object with empty contents so that fill can
// resolve forward references and cycles.
func (r *imageReader) allocate() error {
	h := r.h
	for i, o := range r.img.Objects {
		switch o.Kind {
		case objPair:
			r.refs[i] = h.pairs.Alloc(pairObj{})
		case objBuffer:
			data := make([]byte, len(o.Bytes))
			copy(data, o.Bytes)
			r.refs[i] = h.buffers.Alloc(bufferObj{data: data, immutable: o.Immutable})
		case objArray:
			r.refs[i] = h.arrays.Alloc(arrayObj{data: make([]Value, len(o.Items)), immutable: o.Immutable})
		case objTree:
			r.refs[i] = h.trees.Alloc(treeObj{})
		case objEnv:
			r.refs[i] = h.envs.Alloc(Environment{kind: o.EnvKind})
		case objCode:
			ops := make([]byte, len(o.Bytes))
			copy(ops, o.Bytes)
			r.refs[i] = h.code.Alloc(bytecodeObj{ops: ops, literals: make([]Value, len(o.Items))})
		case objNative:
			v, err := h.LookupName(r.env, o.Name)
			if err != nil || v.t != TypeNativeFunc {
				return fmt.Errorf("image needs native %q, which is not available", o.Name)
			}
			r.refs[i] = v.Ref()
		case objView:
			// Views are created in fill, once their buffer exists.
		default:
			return fmt.Errorf("object %d: unknown kind %d", i, o.Kind)
		}
	}
	return nil
}

func (r *imageReader) fill() error {
	h := r.h
	for i, o := range r.img.Objects {
		var err error
		switch o.Kind {
		case objPair:
			err = r.fillPair(i, o)
		case objView:
			if r.refs[i].IsZero() {
				err = r.fillView(i, o)
			}
		case objArray:
			data := h.arrays.at(r.refs[i]).data
			for j, it := range o.Items {
				if data[j], err = r.value(it); err != nil {
					break
				}
			}
		case objTree:
			var root Ref
			if root, err = r.tree(o.Keys, o.Items); err == nil {
				t := h.trees.at(r.refs[i])
				t.root = root
				if o.Immutable {
					t.immutable = true
					h.TreeFreeze(root)
				}
			}
		case objEnv:
			err = r.fillEnv(i, o)
		case objCode:
			bc := h.code.at(r.refs[i])
			for j, it := range o.Items {
				if bc.literals[j], err = r.value(it); err != nil {
					break
				}
			}
			if err == nil {
				if err = ValidateBytecode(bc.ops, len(bc.literals)); err == nil {
					bc.checked = true
				}
			}
		}
		if err != nil {
			return fmt.Errorf("object %d: %w", i, err)
		}
	}
	return nil
}

func (r *imageReader) fillPair(i int, o imageObject) error {
	if len(o.Items) != 2 {
		return fmt.Errorf("pair has %d items", len(o.Items))
	}
	car, err := r.value(o.Items[0])
	if err != nil {
		return err
	}
	cdr, err := r.value(o.Items[1])
	if err != nil {
		return err
	}
	p := r.h.pairs.at(r.refs[i])
	p.car, p.cdr = car, cdr
	return nil
}

func (r *imageReader) fillView(i int, o imageObject) error {
	if len(o.Items) != 1 || len(o.View) != 3 {
		return fmt.Errorf("malformed buffer view")
	}
	buf, err := r.value(o.Items[0])
	if err != nil {
		return err
	}
	v, err := r.h.NewBufferView(buf, ViewType(o.View[0]), o.View[1], o.View[2], o.Immutable)
	if err != nil {
		return err
	}
	r.refs[i] = v.Ref()
	return nil
}

func (r *imageReader) fillEnv(i int, o imageObject) error {
	h := r.h
	bindings, err := r.tree(o.Keys, o.Items)
	if err != nil {
		return err
	}
	meta, err := r.tree(o.MetaKeys, o.MetaItems)
	if err != nil {
		return err
	}
	parent, err := r.value(o.Parent)
	if err != nil {
		return err
	}
	code, err := r.value(o.Code)
	if err != nil {
		return err
	}
	params, err := r.value(o.Params)
	if err != nil {
		return err
	}
	e := h.env(r.refs[i])
	e.bindings = bindings
	e.meta = meta
	e.parent = parent.Ref()
	e.code = code.Ref()
	e.params = params
	if o.Name != "" {
		e.name = h.Intern(o.Name)
	}
	return nil
}

func (r *imageReader) tree(keys []string, items []imageValue) (Ref, error) {
	if len(keys) != len(items) {
		return 0, fmt.Errorf("tree has %d keys but %d values", len(keys), len(items))
	}
	root := Ref(0)
	for j, k := range keys {
		v, err := r.value(items[j])
		if err != nil {
			return 0, err
		}
		root = r.h.insertNode(root, r.h.Intern(k), v, false)
	}
	return root, nil
}

func (r *imageReader) value(iv imageValue) (Value, error) {
	h := r.h
	switch iv.T {
	case TypeNil:
		return Nil, nil
	case TypeBool:
		return Bool(iv.I != 0), nil
	case TypeInt:
		return Int(iv.I), nil
	case TypeFloat:
		return Float(iv.F), nil
	case TypeVec:
		if len(iv.V) != 4 {
			return Nil, fmt.Errorf("vector has %d components", len(iv.V))
		}
		return Vec(iv.V[0], iv.V[1], iv.V[2], iv.V[3]), nil
	case TypeSymbol:
		return h.Sym(iv.S), nil
	case TypeKeyword:
		return h.Keyword(iv.S), nil
	case TypeBytecodeOp:
		return OpValue(Opcode(iv.I)), nil
	}
	if iv.Root {
		return h.EnvValue(r.env), nil
	}
	if iv.Obj < 1 || iv.Obj > len(r.refs) {
		return Nil, fmt.Errorf("object reference %d out of range", iv.Obj)
	}
	ref := r.refs[iv.Obj-1]
	want := objectKind(iv.T)
	if want == 0 || r.img.Objects[iv.Obj-1].Kind != want {
		return Nil, fmt.Errorf("object %d is not a %s", iv.Obj-1, iv.T)
	}
	if ref.IsZero() {
		// A view referenced before its own fill; create it now.
		if err := r.fillView(iv.Obj-1, r.img.Objects[iv.Obj-1]); err != nil {
			return Nil, err
		}
		ref = r.refs[iv.Obj-1]
	}
	return refValue(iv.T, ref), nil
}
