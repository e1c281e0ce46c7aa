package vm

import "testing"

// ---------------------------------------------------------------------------
// Arithmetic Tests
// ---------------------------------------------------------------------------

func TestArith(t *testing.T) {
	h := NewHeap(DefaultHeapConfig())

	tests := []struct {
		name string
		op   Opcode
		a, b Value
		want Value
	}{
		{"int add", OpAdd, Int(2), Int(3), Int(5)},
		{"mixed add", OpAdd, Int(2), Float(0.5), Float(2.5)},
		{"int div is float", OpDiv, Int(1), Int(2), Float(0.5)},
		{"exact int div is float", OpDiv, Int(4), Int(2), Float(2)},
		{"negative rem", OpRem, Int(-7), Int(3), Int(-1)},
		{"float rem", OpRem, Float(5.5), Int(2), Float(1.5)},
		{"nil add", OpAdd, Nil, Int(3), Int(3)},
		{"nil nil add", OpAdd, Nil, Nil, Int(0)},
		{"negate", OpSub, Float(2), Nil, Float(-2)},
		{"nil nil mul", OpMul, Nil, Nil, Int(1)},
		{"rem nil", OpRem, Int(9), Nil, Int(9)},
		{"vec add", OpAdd, Vec(1, 2, 3, 4), Vec(4, 3, 2, 1), Vec(5, 5, 5, 5)},
		{"vec broadcast", OpMul, Int(3), Vec(1, 2, 3, 4), Vec(3, 6, 9, 12)},
		{"vec div", OpDiv, Vec(2, 4, 6, 8), Float(2), Vec(1, 2, 3, 4)},
		{"shift left", OpBitShiftLeft, Int(3), Int(2), Int(12)},
		{"shift left negative", OpBitShiftLeft, Int(12), Int(-2), Int(3)},
		{"shift right negative", OpBitShiftRight, Int(3), Int(-2), Int(12)},
		{"shift right arithmetic", OpBitShiftRight, Int(-8), Int(1), Int(-4)},
		{"shift left clamped", OpBitShiftLeft, Int(1), Int(64), Int(0)},
		{"shift right clamped", OpBitShiftRight, Int(-1), Int(100), Int(-1)},
		{"xor", OpBitXor, Int(0xF0), Int(0xFF), Int(0x0F)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.Arith(tt.op, tt.a, tt.b)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", h.Sprint(got), h.Sprint(tt.want))
			}
		})
	}
}

func TestArithErrors(t *testing.T) {
	h := NewHeap(DefaultHeapConfig())

	tests := []struct {
		name string
		op   Opcode
		a, b Value
		kind string
	}{
		{"div zero", OpDiv, Int(1), Int(0), KindDivideByZero},
		{"float div zero", OpDiv, Float(1), Float(0), KindDivideByZero},
		{"vec div zero", OpDiv, Vec(1, 1, 1, 1), Vec(1, 0, 1, 1), KindDivideByZero},
		{"nil sub nil", OpSub, Nil, Nil, KindArityError},
		{"nil div", OpDiv, Int(1), Nil, KindArityError},
		{"nil mul", OpMul, Int(2), Nil, KindArityError},
		{"string add", OpAdd, h.NewString("a"), Int(1), KindTypeError},
		{"nil add symbol", OpAdd, Nil, h.Sym("x"), KindTypeError},
		{"vec keyword", OpAdd, Vec(0, 0, 0, 0), h.Keyword("k"), KindTypeError},
		{"shift float", OpBitShiftLeft, Int(1), Float(1), KindTypeError},
		{"not arithmetic", OpCons, Int(1), Int(1), KindVMError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Arith(tt.op, tt.a, tt.b)
			if !IsKind(err, tt.kind) {
				t.Errorf("err = %v, want %s", err, tt.kind)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Generic access Tests
// ---------------------------------------------------------------------------

func TestGenericRef(t *testing.T) {
	h := NewHeap(DefaultHeapConfig())
	tv := h.NewTree(0)
	h.TreeValueInsert(tv, h.Intern("a"), Int(1))
	h.DefineName(h.RootEnv(), "g", Int(2))

	tests := []struct {
		name     string
		col, key Value
		want     Value
	}{
		{"nil", Nil, Int(0), Nil},
		{"tree", tv, h.Keyword("a"), Int(1)},
		{"tree missing", tv, h.Keyword("zz"), Nil},
		{"env", h.EnvValue(h.RootEnv()), h.Sym("g"), Int(2)},
		{"list", h.List(Int(5), Int(6)), Int(1), Int(6)},
		{"array", h.ArrayFromSlice([]Value{Int(7)}), Int(0), Int(7)},
		{"string", h.NewString("AB"), Int(1), Int('B')},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.GenericRef(tt.col, tt.key)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", h.Sprint(got), h.Sprint(tt.want))
			}
		})
	}

	if _, err := h.GenericRef(h.List(Int(1)), Int(-1)); !IsKind(err, KindBoundsError) {
		t.Errorf("negative list index: err = %v", err)
	}
	if _, err := h.GenericRef(tv, Int(0)); !IsKind(err, KindTypeError) {
		t.Errorf("int tree key: err = %v", err)
	}
	if _, err := h.GenericRef(Int(3), Int(0)); !IsKind(err, KindTypeError) {
		t.Errorf("ref into an int: err = %v", err)
	}
}

func TestGenericSet(t *testing.T) {
	h := NewHeap(DefaultHeapConfig())

	buf := h.NewBuffer(2, false)
	if _, err := h.GenericSet(buf, Int(1), Int(0x41)); err != nil {
		t.Fatal(err)
	}
	if h.BufferBytes(buf)[1] != 0x41 {
		t.Errorf("buffer = %v", h.BufferBytes(buf))
	}

	tv := h.NewTree(0)
	got, err := h.GenericSet(tv, h.Keyword("k"), Int(3))
	if err != nil {
		t.Fatal(err)
	}
	if got != tv {
		t.Error("GenericSet should return the collection")
	}
	if v, _ := h.GenericRef(tv, h.Sym("k")); v != Int(3) {
		t.Errorf("tree k = %s", h.Sprint(v))
	}

	env := h.NewEnvironment(h.RootEnv(), EnvObject)
	if _, err := h.GenericSet(h.EnvValue(env), h.Sym("slot"), Int(4)); err != nil {
		t.Fatal(err)
	}
	if v, _ := h.LookupName(env, "slot"); v != Int(4) {
		t.Errorf("env slot = %s", h.Sprint(v))
	}

	if _, err := h.GenericSet(h.NewString("ro"), Int(0), Int(1)); !IsKind(err, KindWriteOnImmutable) {
		t.Errorf("write into a string: err = %v", err)
	}
}
