package vm

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// String natives
// ---------------------------------------------------------------------------

// Positions in strings count bytes.

// clampIndex resolves a possibly negative position against n.
func clampIndex(i int64, n int) int {
	if i < 0 {
		i += int64(n)
	}
	switch {
	case i < 0:
		return 0
	case i > int64(n):
		return n
	}
	return int(i)
}

// stringFn wraps a text transformation.
func stringFn(fn func(string) string) NativeFunc {
	return func(c *NativeCall) (Value, error) {
		s, err := c.String(0)
		if err != nil {
			return Nil, err
		}
		return c.Heap.NewString(fn(s)), nil
	}
}

func capitalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	start := true
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			start = true
		case start:
			r = unicode.ToUpper(r)
			start = false
		default:
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (h *Heap) registerStringNatives(d *nativeDefs) {
	d.add("cat", "[...args]", "Concatenate strings, buffers and symbol names", func(c *NativeCall) (Value, error) {
		var b strings.Builder
		for i := range c.Args {
			s, err := c.String(i)
			if err != nil {
				return Nil, err
			}
			b.WriteString(s)
		}
		return c.Heap.NewString(b.String()), nil
	})

	d.add("string/length", "[s]", "Length of s in bytes, 0 for anything that is not a string", func(c *NativeCall) (Value, error) {
		s, ok := c.Heap.StringValue(c.Arg(0))
		if !ok {
			return Int(0), nil
		}
		return Int(int64(len(s))), nil
	})

	d.add("trim", "[s]", "Remove leading and trailing whitespace", stringFn(strings.TrimSpace))
	d.add("uppercase", "[s]", "Convert s to upper case", stringFn(strings.ToUpper))
	d.add("lowercase", "[s]", "Convert s to lower case", stringFn(strings.ToLower))
	d.add("capitalize", "[s]", "Upper-case the first letter of every word and lower-case the rest", stringFn(capitalize))

	d.add("substr", "[s &start &stop]", "Bytes of s from start up to stop; negative positions count from the end", func(c *NativeCall) (Value, error) {
		s, err := c.String(0)
		if err != nil {
			return Nil, err
		}
		start, err := c.IntOr(1, 0)
		if err != nil {
			return Nil, err
		}
		stop, err := c.IntOr(2, int64(len(s)))
		if err != nil {
			return Nil, err
		}
		lo, hi := clampIndex(start, len(s)), clampIndex(stop, len(s))
		if lo >= hi {
			return c.Heap.NewString(""), nil
		}
		return c.Heap.NewString(s[lo:hi]), nil
	})

	d.add("index-of", "[haystack needle &start]", "Position of the first needle in haystack at or after start, or -1", func(c *NativeCall) (Value, error) {
		s, err := c.String(0)
		if err != nil {
			return Nil, err
		}
		n, err := c.String(1)
		if err != nil {
			return Nil, err
		}
		start, err := c.IntOr(2, 0)
		if err != nil {
			return Nil, err
		}
		from := clampIndex(start, len(s))
		i := strings.Index(s[from:], n)
		if i < 0 {
			return Int(-1), nil
		}
		return Int(int64(from + i)), nil
	})

	d.add("last-index-of", "[haystack needle &start]", "Position of the last needle in haystack that starts before start, or -1", func(c *NativeCall) (Value, error) {
		s, err := c.String(0)
		if err != nil {
			return Nil, err
		}
		n, err := c.String(1)
		if err != nil {
			return Nil, err
		}
		start, err := c.IntOr(2, int64(len(s)))
		if err != nil {
			return Nil, err
		}
		end := min(clampIndex(start, len(s))+len(n), len(s))
		return Int(int64(strings.LastIndex(s[:end], n))), nil
	})

	d.add("char-at", "[s pos]", "Byte at pos in s, or nil past the end", func(c *NativeCall) (Value, error) {
		s, err := c.String(0)
		if err != nil {
			return Nil, err
		}
		pos, err := c.Int(1)
		if err != nil {
			return Nil, err
		}
		if pos < 0 || pos >= int64(len(s)) {
			return Nil, nil
		}
		return Int(int64(s[pos])), nil
	})

	d.add("from-char-code", "[...codes]", "Build a string from character codes", func(c *NativeCall) (Value, error) {
		var b strings.Builder
		for i := range c.Args {
			code, err := c.Int(i)
			if err != nil {
				return Nil, err
			}
			switch {
			case code >= 0 && code < 0x80:
				b.WriteByte(byte(code))
			case code >= 0 && code <= unicode.MaxRune && utf8.ValidRune(rune(code)):
				b.WriteRune(rune(code))
			default:
				return Nil, c.Heap.boundsError("not a character code", c.Arg(i))
			}
		}
		return c.Heap.NewString(b.String()), nil
	})

	d.add("str->sym string->symbol", "[s]", "Intern s as a symbol", func(c *NativeCall) (Value, error) {
		s, err := c.String(0)
		if err != nil {
			return Nil, err
		}
		return c.Heap.Sym(s), nil
	})

	d.add("sym->str symbol->string", "[s]", "Name of the symbol or keyword s", func(c *NativeCall) (Value, error) {
		s, err := c.Symbol(0)
		if err != nil {
			return Nil, err
		}
		return c.Heap.NewString(c.Heap.SymbolName(s)), nil
	})

	d.add("str/write string/write", "[v]", "Printed representation of v, readable by read", func(c *NativeCall) (Value, error) {
		return c.Heap.NewString(c.Heap.Sprint(c.Arg(0))), nil
	})

	d.add("read", "[s]", "Read every form in s and return them as a list", func(c *NativeCall) (Value, error) {
		s, err := c.String(0)
		if err != nil {
			return Nil, err
		}
		return c.Heap.Read(s)
	})
}
