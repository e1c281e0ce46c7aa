package vm

import (
	"errors"
	"testing"
)

func TestStringNatives(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())
	s := h.NewString
	tests := []struct {
		name string
		args []Value
		want string
	}{
		{"cat", []Value{s("ab"), h.Keyword("c"), h.Sym("d")}, `"abcd"`},
		{"cat", nil, `""`},
		{"string/length", []Value{s("héllo")}, "6"},
		{"string/length", []Value{Int(5)}, "0"},
		{"trim", []Value{s("  x y \n")}, `"x y"`},
		{"uppercase", []Value{s("abc")}, `"ABC"`},
		{"lowercase", []Value{s("AbC")}, `"abc"`},
		{"capitalize", []Value{s("hello wORLD")}, `"Hello World"`},
		{"substr", []Value{s("hello"), Int(1), Int(3)}, `"el"`},
		{"substr", []Value{s("hello"), Int(-3)}, `"llo"`},
		{"substr", []Value{s("hello"), Int(9)}, `""`},
		{"substr", []Value{s("hello"), Int(3), Int(1)}, `""`},
		{"index-of", []Value{s("banana"), s("an")}, "1"},
		{"index-of", []Value{s("banana"), s("an"), Int(2)}, "3"},
		{"index-of", []Value{s("banana"), s("x")}, "-1"},
		{"last-index-of", []Value{s("banana"), s("an")}, "3"},
		{"last-index-of", []Value{s("banana"), s("an"), Int(2)}, "1"},
		{"last-index-of", []Value{s("banana"), s("x")}, "-1"},
		{"char-at", []Value{s("abc"), Int(1)}, "98"},
		{"char-at", []Value{s("abc"), Int(3)}, "#nil"},
		{"from-char-code", []Value{Int(72), Int(105)}, `"Hi"`},
		{"from-char-code", []Value{Int(233)}, `"é"`},
		{"str->sym", []Value{s("sym")}, "sym"},
		{"sym->str", []Value{h.Keyword("k")}, `"k"`},
		{"str/write", []Value{s("a")}, `"\"a\""`},
		{"str/write", []Value{h.List(Int(1), h.Keyword("k"))}, `"(1 :k)"`},
		{"read", []Value{s("(+ 1 2) x")}, "((+ 1 2) x)"},
	}
	for _, tt := range tests {
		got := mustInvoke(t, h, in, tt.name, tt.args...)
		if printed := h.Sprint(got); printed != tt.want {
			t.Errorf("(%s ...) = %s, want %s", tt.name, printed, tt.want)
		}
	}
}

func TestStringNativeErrors(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())
	tests := []struct {
		name string
		args []Value
		kind string
	}{
		{"uppercase", []Value{Int(1)}, KindTypeError},
		{"cat", []Value{h.NewString("a"), Int(1)}, KindTypeError},
		{"from-char-code", []Value{Int(-1)}, KindBoundsError},
		{"read", []Value{h.NewString("(unclosed")}, KindUnmatchedBracket},
		{"read", []Value{h.NewString(`"\q"`)}, KindReadError},
	}
	for _, tt := range tests {
		_, err := invoke(t, h, in, tt.name, tt.args...)
		var e *Exception
		if !errors.As(err, &e) || e.Kind != tt.kind {
			t.Errorf("(%s ...) error = %v, want %s", tt.name, err, tt.kind)
		}
	}
}

func TestReadThenRun(t *testing.T) {
	h, in := newTestInterpreter(t, DefaultInterpreterConfig())
	forms := mustInvoke(t, h, in, "read", h.NewString("#{ ##(40 2) 1A00 1A01 25 01 }"))
	got := mustInvoke(t, h, in, "bytecode-eval", h.Car(forms))
	if got != Int(42) {
		t.Errorf("bytecode-eval = %s, want 42", h.Sprint(got))
	}
}
