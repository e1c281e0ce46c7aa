package vm

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Reader: s-expression text to values
// ---------------------------------------------------------------------------

// Read parses every form in src and returns them as a list. Syntax errors
// raise read-error; a list left open at the end of src raises
// unmatched-opening-bracket.
func (h *Heap) Read(src string) (Value, error) {
	r := &reader{h: h, src: src}
	return r.list(true)
}

type reader struct {
	h   *Heap
	src string
	pos int
}

// charNames are the names accepted after #\ besides a single character.
var charNames = map[string]int64{
	"backspace": '\b',
	"tab":       '\t',
	"linefeed":  '\n',
	"newline":   '\n',
	"lf":        '\n',
	"return":    '\r',
	"cr":        '\r',
	"space":     ' ',
	"escape":    0x1B,
	"nul":       0,
}

func isSpace(c byte) bool {
	return c <= ' '
}

func isDelimiter(c byte) bool {
	switch c {
	case '(', ')', '[', ']', '#', '\'', '"', '`', ';':
		return true
	}
	return false
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func (r *reader) eof() bool {
	return r.pos >= len(r.src)
}

// endsAt reports whether a token ends at i.
func (r *reader) endsAt(i int) bool {
	return i >= len(r.src) || isSpace(r.src[i]) || isDelimiter(r.src[i])
}

func (r *reader) fail(kind, msg string) error {
	start := max(0, r.pos-30)
	end := min(len(r.src), r.pos+10)
	return r.h.NewException(kind, msg, r.h.NewString(r.src[start:end]))
}

func (r *reader) errorf(format string, args ...any) error {
	return r.fail(KindReadError, fmt.Sprintf(format, args...))
}

func (r *reader) skipSpace() {
	for !r.eof() && isSpace(r.src[r.pos]) {
		r.pos++
	}
}

func (r *reader) skipLine() {
	for !r.eof() && r.src[r.pos] != '\n' {
		r.pos++
	}
}

// skipBlockComment skips past the |# closing a #| comment. Block comments
// nest.
func (r *reader) skipBlockComment() error {
	depth := 1
	for r.pos+1 < len(r.src) {
		switch {
		case r.src[r.pos] == '#' && r.src[r.pos+1] == '|':
			depth++
			r.pos += 2
		case r.src[r.pos] == '|' && r.src[r.pos+1] == '#':
			r.pos += 2
			if depth--; depth == 0 {
				return nil
			}
		default:
			r.pos++
		}
	}
	r.pos = len(r.src)
	return r.errorf("unterminated block comment")
}

func (r *reader) token() string {
	start := r.pos
	for !r.endsAt(r.pos) {
		r.pos++
	}
	return r.src[start:r.pos]
}

// list reads forms up to a closing bracket, or to the end of the input
// for the root form.
func (r *reader) list(root bool) (Value, error) {
	var items []Value
	tail := Nil
	dotted := false
	for {
		r.skipSpace()
		if r.eof() {
			if !root {
				return Nil, r.fail(KindUnmatchedBracket, "unmatched opening bracket")
			}
			return r.build(items, tail), nil
		}
		switch c := r.src[r.pos]; {
		case c == ';':
			r.skipLine()
			continue
		case c == ')' || c == ']':
			if root {
				return Nil, r.errorf("unmatched closing bracket")
			}
			r.pos++
			return r.build(items, tail), nil
		case c == '.' && r.endsAt(r.pos+1):
			if len(items) == 0 {
				return Nil, r.errorf("missing car in dotted pair")
			}
			if dotted {
				return Nil, r.errorf("more than one dot in a list")
			}
			r.pos++
			v, err := r.datum("missing cdr in dotted pair")
			if err != nil {
				return Nil, err
			}
			tail, dotted = v, true
			continue
		}

		v, ok, err := r.value()
		if err != nil {
			return Nil, err
		}
		if !ok {
			continue
		}
		if dotted {
			return Nil, r.errorf("only one value may follow a dot")
		}
		items = append(items, v)
	}
}

func (r *reader) build(items []Value, tail Value) Value {
	v := tail
	for i := len(items) - 1; i >= 0; i-- {
		v = r.h.Cons(items[i], v)
	}
	return v
}

// datum reads the next value, skipping comments. msg describes what is
// missing when no value follows.
func (r *reader) datum(msg string) (Value, error) {
	for {
		r.skipSpace()
		if r.eof() || r.src[r.pos] == ')' || r.src[r.pos] == ']' {
			return Nil, r.errorf("%s", msg)
		}
		v, ok, err := r.value()
		if err != nil || ok {
			return v, err
		}
	}
}

// value reads one value at r.pos. ok is false when a comment was read
// instead.
func (r *reader) value() (v Value, ok bool, err error) {
	h := r.h
	c := r.src[r.pos]
	switch c {
	case '(', '[':
		r.pos++
		v, err = r.list(false)
		return v, true, err
	case '~':
		r.pos++
		if !r.eof() && r.src[r.pos] == '@' {
			r.pos++
			return r.quoted("unquote-splicing")
		}
		return r.quoted("unquote")
	case '`':
		r.pos++
		return r.quoted("quasiquote")
	case '\'':
		r.pos++
		return r.quoted("quote")
	case '"':
		r.pos++
		v, err = r.stringLiteral()
		return v, true, err
	case '#':
		r.pos++
		return r.special()
	case ';':
		r.skipLine()
		return Nil, false, nil
	case '@':
		if r.pos+1 < len(r.src) && (r.src[r.pos+1] == '(' || r.src[r.pos+1] == '[') {
			r.pos += 2
			body, err := r.list(false)
			if err != nil {
				return Nil, false, err
			}
			return h.Cons(h.Sym("tree/new"), body), true, nil
		}
	}
	if isDigit(c) || (c == '-' && r.pos+1 < len(r.src) && isDigit(r.src[r.pos+1])) {
		v, err = r.number(10)
		return v, true, err
	}
	v, err = r.symbol()
	return v, true, err
}

func (r *reader) quoted(name string) (Value, bool, error) {
	v, err := r.datum("missing value after " + name)
	if err != nil {
		return Nil, false, err
	}
	return r.h.List(r.h.Sym(name), v), true, nil
}

func (r *reader) stringLiteral() (Value, error) {
	var sb strings.Builder
	for !r.eof() {
		c := r.src[r.pos]
		r.pos++
		switch c {
		case '"':
			return r.h.NewString(sb.String()), nil
		case '\\':
			if r.eof() {
				return Nil, r.errorf("can't find closing \"")
			}
			e := r.src[r.pos]
			r.pos++
			switch e {
			case '0':
				c = 0
			case 'a':
				c = '\a'
			case 'b':
				c = '\b'
			case 't':
				c = '\t'
			case 'n':
				c = '\n'
			case 'v':
				c = '\v'
			case 'f':
				c = '\f'
			case 'r':
				c = '\r'
			case 'e':
				c = 0x1B
			case '"', '\\':
				c = e
			default:
				return Nil, r.errorf("unknown escape sequence \\%c", e)
			}
		}
		sb.WriteByte(c)
	}
	return Nil, r.errorf("can't find closing \"")
}

func (r *reader) number(base int) (Value, error) {
	tok := r.token()
	digits := strings.NewReplacer("_", "", ",", "").Replace(tok)
	if strings.Contains(digits, ".") {
		if base != 10 {
			return Nil, r.errorf("fractional literal %q needs base 10", tok)
		}
		f, err := strconv.ParseFloat(digits, 64)
		if err != nil {
			return Nil, r.errorf("invalid number literal %q", tok)
		}
		return Float(f), nil
	}
	n, err := strconv.ParseInt(digits, base, 64)
	if err != nil {
		return Nil, r.errorf("invalid number literal %q", tok)
	}
	return Int(n), nil
}

// symbol reads a symbol, or a keyword written as :name or name:.
func (r *reader) symbol() (Value, error) {
	tok := r.token()
	name, keyword := tok, false
	switch {
	case strings.HasPrefix(name, ":"):
		name, keyword = name[1:], true
	case strings.HasSuffix(name, ":"):
		name, keyword = name[:len(name)-1], true
	}
	if name == "" {
		if tok == "" {
			r.pos++
			return Nil, r.errorf("unexpected character %q", r.src[r.pos-1])
		}
		return Nil, r.errorf("symbol %q is too short", tok)
	}
	if strings.Contains(name, ":") {
		return Nil, r.errorf("can't have a colon inside %q", tok)
	}
	if keyword {
		return r.h.Keyword(name), nil
	}
	return r.h.Sym(name), nil
}

// special reads the syntax that follows a #.
func (r *reader) special() (Value, bool, error) {
	h := r.h
	if r.eof() {
		return Nil, false, r.errorf("unexpected end after #")
	}
	c := r.src[r.pos]
	r.pos++
	switch c {
	case '|':
		return Nil, false, r.skipBlockComment()
	case '!':
		r.skipLine()
		return Nil, false, nil
	case ';':
		_, err := r.datum("missing value after #;")
		return Nil, false, err
	case '\\':
		v, err := r.character()
		return v, true, err
	case 'm':
		b, err := hex.DecodeString(r.token())
		if err != nil {
			return Nil, false, r.errorf("invalid buffer literal: %v", err)
		}
		return h.BufferFromBytes(b, true), true, nil
	case 'x', 'd', 'o', 'b':
		base := map[byte]int{'x': 16, 'd': 10, 'o': 8, 'b': 2}[c]
		v, err := r.number(base)
		return v, true, err
	case '$':
		v, err := r.number(16)
		if err != nil {
			return Nil, false, err
		}
		if n := v.AsInt(); n < 0 || n > 255 {
			return Nil, false, r.errorf("bytecode op %d out of range", n)
		}
		return OpValue(Opcode(v.AsInt())), true, nil
	case 't', 'f', 'n':
		r.pos--
		switch tok := r.token(); tok {
		case "t", "true":
			return True, true, nil
		case "f", "false":
			return False, true, nil
		case "nil":
			return Nil, true, nil
		default:
			return Nil, false, r.errorf("unknown literal #%s", tok)
		}
	case '{':
		v, err := r.bytecode()
		return v, true, err
	case '#':
		if r.eof() || r.src[r.pos] != '(' {
			return Nil, false, r.errorf("## must be followed by (")
		}
		r.pos++
		items, err := r.items()
		if err != nil {
			return Nil, false, err
		}
		return h.ArrayFromSlice(items), true, nil
	case '[':
		body, err := r.list(false)
		if err != nil {
			return Nil, false, err
		}
		return h.Cons(h.Sym("array"), body), true, nil
	case '@':
		if r.eof() || (r.src[r.pos] != '(' && r.src[r.pos] != '[') {
			return Nil, false, r.errorf("#@ must be followed by a list")
		}
		r.pos++
		items, err := r.items()
		if err != nil {
			return Nil, false, err
		}
		v, err := r.tree(items)
		return v, err == nil, err
	}
	return Nil, false, r.errorf("unknown syntax #%c", c)
}

// items reads a bracketed list into a slice.
func (r *reader) items() ([]Value, error) {
	lst, err := r.list(false)
	if err != nil {
		return nil, err
	}
	items, proper := r.h.ListToSlice(lst)
	if !proper {
		return nil, r.errorf("dotted list not allowed here")
	}
	return items, nil
}

// tree builds an immutable tree from a key value list.
func (r *reader) tree(plist []Value) (Value, error) {
	h := r.h
	t := h.NewTree(0)
	for i := 0; i < len(plist); i += 2 {
		if !plist[i].IsSymbolic() {
			return Nil, r.errorf("tree key must be a symbol or keyword, got %s", h.Sprint(plist[i]))
		}
		v := Nil
		if i+1 < len(plist) {
			v = plist[i+1]
		}
		if err := h.TreeValueInsert(t, plist[i].AsSymbol(), v); err != nil {
			return Nil, err
		}
	}
	h.FreezeTreeValue(t)
	return t, nil
}

func (r *reader) character() (Value, error) {
	if r.eof() {
		return Nil, r.errorf("missing character after #\\")
	}
	start := r.pos
	ch, size := utf8.DecodeRuneInString(r.src[r.pos:])
	r.pos += size
	if r.endsAt(r.pos) {
		return Int(int64(ch)), nil
	}
	name := r.src[start:r.pos] + r.token()
	if code, ok := charNames[strings.ToLower(name)]; ok {
		return Int(code), nil
	}
	return Nil, r.errorf("unknown character name %q", name)
}

// bytecode reads #{ [##(literals...)] hex-bytes }.
func (r *reader) bytecode() (Value, error) {
	var lits []Value
	r.skipSpace()
	if strings.HasPrefix(r.src[r.pos:], "##(") {
		r.pos += 3
		var err error
		if lits, err = r.items(); err != nil {
			return Nil, err
		}
	}

	var ops []byte
	for {
		r.skipSpace()
		if r.eof() {
			return Nil, r.fail(KindUnmatchedBracket, "unterminated bytecode array")
		}
		if r.src[r.pos] == '}' {
			r.pos++
			break
		}
		if r.pos+2 > len(r.src) {
			return Nil, r.errorf("sudden end in bytecode array")
		}
		b, err := hex.DecodeString(r.src[r.pos : r.pos+2])
		if err != nil {
			return Nil, r.errorf("invalid byte %q in bytecode array", r.src[r.pos:r.pos+2])
		}
		r.pos += 2
		ops = append(ops, b[0])
	}
	if err := ValidateBytecode(ops, len(lits)); err != nil {
		return Nil, r.errorf("invalid bytecode array: %v", err)
	}
	return r.h.NewBytecodeArray(ops, lits), nil
}
