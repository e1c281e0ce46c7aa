package vm

import (
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Image round trip
// ---------------------------------------------------------------------------

func buildImageSource(t *testing.T) *Heap {
	t.Helper()
	h := NewHeap(DefaultHeapConfig())
	if err := h.InstallCore(h.RootEnv()); err != nil {
		t.Fatal(err)
	}
	root := h.RootEnv()

	// A cyclic list: cell = (1 . cell)
	cell := h.Cons(Int(1), Nil)
	if err := h.SetCdr(cell, cell); err != nil {
		t.Fatal(err)
	}
	h.DefineName(root, "cycle", cell)
	h.DefineName(root, "base", Int(10))

	x, base := h.Intern("x"), h.Intern("base")
	b := NewBytecodeBuilder()
	b.EmitGet(x)
	b.EmitGet(base)
	b.Emit(OpAdd)
	b.Emit(OpRet)
	fn, err := h.NewLambda(root, h.List(h.Sym("x")), b.Build(h), h.Intern("add-base"))
	if err != nil {
		t.Fatal(err)
	}
	h.DefineName(root, "add-base", fn)

	buf := h.BufferFromBytes([]byte{1, 0, 2, 0}, false)
	view, err := h.NewBufferView(buf, ViewU16, 0, -1, false)
	if err != nil {
		t.Fatal(err)
	}
	h.DefineName(root, "buf", buf)
	h.DefineName(root, "view", view)
	h.DefineName(root, "greeting", h.NewString("hello"))

	tv := h.NewTree(0)
	h.TreeValueInsert(tv, h.Intern("k"), Float(2.5))
	h.TreeValueInsert(tv, h.Intern("v"), Vec(1, 2, 3, 4))
	h.FreezeTreeValue(tv)
	h.DefineName(root, "frozen", tv)

	car, _ := h.LookupName(root, "car")
	h.DefineName(root, "fns", h.ArrayFromSlice([]Value{car, h.Keyword("kw")}))
	return h
}

func TestImageRoundTrip(t *testing.T) {
	src := buildImageSource(t)
	data, written, err := src.WriteImage(src.RootEnv(), "main")
	if err != nil {
		t.Fatal(err)
	}

	h, in := newTestInterpreter(t, DefaultInterpreterConfig())
	root := h.RootEnv()
	info, err := h.LoadImage(root, data)
	if err != nil {
		t.Fatal(err)
	}
	if info.ID != written.ID || info.Entry != "main" || info.Bindings != written.Bindings {
		t.Errorf("info = %+v, written %+v", info, written)
	}

	t.Run("cycle", func(t *testing.T) {
		cell, _ := h.LookupName(root, "cycle")
		if h.Car(cell) != Int(1) || h.Cdr(cell) != cell {
			t.Errorf("cycle not preserved: %s", h.SprintLimit(cell, 40))
		}
	})

	t.Run("closure reattaches to the root", func(t *testing.T) {
		fn, _ := h.LookupName(root, "add-base")
		if h.EnvParent(fn.Ref()) != root {
			t.Error("closure parent should be the loading environment")
		}
		got, err := in.Apply(root, fn, []Value{Int(5)})
		if err != nil {
			t.Fatal(err)
		}
		if got != Int(15) {
			t.Errorf("(add-base 5) = %s, want 15", h.Sprint(got))
		}
	})

	t.Run("views share their buffer", func(t *testing.T) {
		buf, _ := h.LookupName(root, "buf")
		view, _ := h.LookupName(root, "view")
		if err := h.BufferSet(buf, 2, 7); err != nil {
			t.Fatal(err)
		}
		if v, _ := h.ViewRef(view, 1); v != Int(7) {
			t.Errorf("view[1] = %s, want 7", h.Sprint(v))
		}
	})

	t.Run("strings", func(t *testing.T) {
		s, _ := h.LookupName(root, "greeting")
		if str, ok := h.StringValue(s); !ok || str != "hello" {
			t.Errorf("greeting = %s", h.Sprint(s))
		}
	})

	t.Run("frozen tree", func(t *testing.T) {
		tv, _ := h.LookupName(root, "frozen")
		if v, _ := h.TreeGet(h.TreeRoot(tv), h.Intern("v")); v != Vec(1, 2, 3, 4) {
			t.Errorf("v = %s", h.Sprint(v))
		}
		if err := h.TreeValueInsert(tv, h.Intern("z"), Nil); !IsKind(err, KindWriteOnImmutable) {
			t.Errorf("insert into loaded frozen tree: err = %v", err)
		}
	})

	t.Run("natives resolve by name", func(t *testing.T) {
		arr, _ := h.LookupName(root, "fns")
		car, _ := h.LookupName(root, "car")
		elems := h.ArrayElements(arr)
		if elems[0] != car {
			t.Error("native in the image should resolve to the loading heap's car")
		}
		if elems[1] != h.Keyword("kw") {
			t.Errorf("keyword = %s", h.Sprint(elems[1]))
		}
	})
}

func TestImageSurvivesCollection(t *testing.T) {
	src := buildImageSource(t)
	data, _, err := src.WriteImage(src.RootEnv(), "")
	if err != nil {
		t.Fatal(err)
	}
	h := NewHeap(DefaultHeapConfig())
	if err := h.InstallCore(h.RootEnv()); err != nil {
		t.Fatal(err)
	}
	if _, err := h.LoadImage(h.RootEnv(), data); err != nil {
		t.Fatal(err)
	}
	h.Collect()
	cell, err := h.LookupName(h.RootEnv(), "cycle")
	if err != nil || h.Cdr(cell) != cell {
		t.Error("loaded graph was not reachable from the root")
	}
}

func TestImageMissingNative(t *testing.T) {
	src := buildImageSource(t)
	data, _, err := src.WriteImage(src.RootEnv(), "")
	if err != nil {
		t.Fatal(err)
	}

	h := NewHeap(DefaultHeapConfig())
	_, err = h.LoadImage(h.RootEnv(), data)
	if err == nil || !strings.Contains(err.Error(), `"car"`) {
		t.Errorf("err = %v, want a missing native error naming car", err)
	}
}

func TestImageRejectsBadInput(t *testing.T) {
	h := NewHeap(DefaultHeapConfig())
	if _, err := h.LoadImage(h.RootEnv(), []byte("not cbor at all")); err == nil {
		t.Error("garbage should not decode")
	}

	bad, err := imageEncMode.Marshal(&image{Magic: "XXXX", Version: ImageVersion})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.LoadImage(h.RootEnv(), bad); err == nil || !strings.Contains(err.Error(), "bad magic") {
		t.Errorf("err = %v, want bad magic", err)
	}

	future, _ := imageEncMode.Marshal(&image{Magic: ImageMagic, Version: ImageVersion + 1})
	if _, err := h.LoadImage(h.RootEnv(), future); err == nil || !strings.Contains(err.Error(), "version") {
		t.Errorf("err = %v, want version error", err)
	}
}

func TestImageSkipsNativeBindings(t *testing.T) {
	h := NewHeap(DefaultHeapConfig())
	if err := h.InstallCore(h.RootEnv()); err != nil {
		t.Fatal(err)
	}
	h.DefineName(h.RootEnv(), "only", Int(1))
	_, info, err := h.WriteImage(h.RootEnv(), "")
	if err != nil {
		t.Fatal(err)
	}
	if info.Bindings != 1 {
		t.Errorf("bindings = %d, want 1", info.Bindings)
	}
}

func TestImageRejectsMalformedBytecode(t *testing.T) {
	tests := []struct {
		name string
		ops  []byte
	}{
		{"truncated operand", []byte{byte(OpPushVal)}},
		{"literal out of range", []byte{byte(OpPushVal), 7, byte(OpRet)}},
		{"jump into operand", []byte{byte(OpJmp), 0, 1}},
		{"unknown opcode", []byte{0xEE, byte(OpRet)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := NewHeap(DefaultHeapConfig())
			src.DefineName(src.RootEnv(), "bad", src.NewBytecodeArray(tt.ops, nil))
			data, _, err := src.WriteImage(src.RootEnv(), "")
			if err != nil {
				t.Fatal(err)
			}

			h := NewHeap(DefaultHeapConfig())
			if _, err := h.LoadImage(h.RootEnv(), data); err == nil {
				t.Fatal("malformed bytecode should not load")
			}
			if _, err := h.LookupName(h.RootEnv(), "bad"); err == nil {
				t.Error("a failed load should not bind anything")
			}
		})
	}
}

func TestImageKeepsStringViews(t *testing.T) {
	src := NewHeap(DefaultHeapConfig())
	str := src.NewString("abc")
	view, err := src.NewBufferView(str, ViewU8, 1, -1, false)
	if err != nil {
		t.Fatal(err)
	}
	src.DefineName(src.RootEnv(), "view", view)
	data, _, err := src.WriteImage(src.RootEnv(), "")
	if err != nil {
		t.Fatal(err)
	}

	h := NewHeap(DefaultHeapConfig())
	if _, err := h.LoadImage(h.RootEnv(), data); err != nil {
		t.Fatal(err)
	}
	loaded, err := h.LookupName(h.RootEnv(), "view")
	if err != nil {
		t.Fatal(err)
	}
	back := h.ViewBuffer(loaded)
	if s, ok := h.StringValue(back); !ok || s != "abc" {
		t.Errorf("view buffer = %s (%s), want the string abc", h.Sprint(back), back.Type())
	}
	if v, _ := h.ViewRef(loaded, 0); v != Int('b') {
		t.Errorf("element 0 = %s, want %d", h.Sprint(v), 'b')
	}
}
