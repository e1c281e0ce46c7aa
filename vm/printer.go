package vm

import (
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Printer
// ---------------------------------------------------------------------------

// printDepth bounds nesting and maxPrintElements bounds list length, so
// cyclic structures terminate.
const (
	printDepth       = 64
	maxPrintElements = 1 << 16
)

type printer struct {
	h       *Heap
	sb      strings.Builder
	limit   int
	display bool
	cut     bool
}

// Sprint renders v in its readable form.
func (h *Heap) Sprint(v Value) string {
	return h.SprintLimit(v, 0)
}

// SprintLimit renders v, stopping after roughly limit bytes and ending the
// output with "..." when it was cut. A limit of 0 means no limit.
func (h *Heap) SprintLimit(v Value, limit int) string {
	p := &printer{h: h, limit: limit}
	p.value(v, 0)
	return p.finish()
}

// Display renders v for humans: strings and buffers print their raw
// contents instead of a quoted literal.
func (h *Heap) Display(v Value) string {
	p := &printer{h: h, display: true}
	p.value(v, 0)
	return p.finish()
}

func (p *printer) finish() string {
	if p.cut {
		return p.sb.String() + "..."
	}
	return p.sb.String()
}

func (p *printer) full() bool {
	if p.limit > 0 && p.sb.Len() >= p.limit {
		p.cut = true
	}
	return p.cut
}

func (p *printer) write(s string) {
	if p.full() {
		return
	}
	if p.limit > 0 && p.sb.Len()+len(s) > p.limit {
		p.sb.WriteString(s[:p.limit-p.sb.Len()])
		p.cut = true
		return
	}
	p.sb.WriteString(s)
}

func (p *printer) value(v Value, depth int) {
	if p.full() {
		return
	}
	if depth > printDepth {
		p.write("#<...>")
		return
	}
	h := p.h
	switch v.t {
	case TypeNil:
		p.write("#nil")
	case TypeBool:
		if v.AsBool() {
			p.write("#t")
		} else {
			p.write("#f")
		}
	case TypeInt:
		p.write(strconv.FormatInt(v.AsInt(), 10))
	case TypeFloat:
		p.write(formatFloat(v.AsFloat()))
	case TypeVec:
		c := v.AsVec()
		p.write("(vec")
		for _, x := range c {
			p.write(" ")
			p.write(formatFloat(float64(x)))
		}
		p.write(")")
	case TypeSymbol:
		p.write(h.SymbolName(v.AsSymbol()))
	case TypeKeyword:
		p.write(":")
		p.write(h.SymbolName(v.AsSymbol()))
	case TypeString:
		if p.display {
			p.write(string(h.BufferBytes(v)))
		} else {
			p.write(strconv.Quote(string(h.BufferBytes(v))))
		}
	case TypeBuffer:
		if p.display {
			p.write(string(h.BufferBytes(v)))
		} else {
			p.write("#<buffer " + strconv.Itoa(h.BufferLength(v)) + ">")
		}
	case TypeBufferView:
		p.write("#<buffer-view " + h.ViewElementType(v).String() + " " + strconv.Itoa(h.ViewLength(v)) + ">")
	case TypePair:
		p.list(v, depth)
	case TypeException:
		p.write("#!")
		p.list(refValue(TypePair, v.Ref()), depth)
	case TypeArray:
		p.write("#[")
		for i, e := range h.ArrayElements(v) {
			if i > 0 {
				p.write(" ")
			}
			p.value(e, depth+1)
			if p.full() {
				return
			}
		}
		p.write("]")
	case TypeTree:
		p.write("@[")
		first := true
		h.TreeEach(h.TreeRoot(v), func(k Symbol, e Value) bool {
			if !first {
				p.write(" ")
			}
			first = false
			p.write(":")
			p.write(h.SymbolName(k))
			p.write(" ")
			p.value(e, depth+1)
			return !p.full()
		})
		p.write("]")
	case TypeLambda, TypeMacro:
		p.write("#<" + v.t.String())
		if name := h.EnvName(v.Ref()); name != NoSymbol {
			p.write(" " + h.SymbolName(name))
		}
		p.write(">")
	case TypeEnvironment:
		p.write("#<environment " + h.EnvKindOf(v.Ref()).String() + ">")
	case TypeNativeFunc:
		p.write("#<native-function " + h.NativeName(v) + ">")
	case TypeBytecodeArray:
		p.write("#<bytecode-array " + strconv.Itoa(len(h.BytecodeOps(v))) + ">")
	case TypeBytecodeOp:
		p.write("#<op " + v.AsOp().Name() + ">")
	default:
		p.write("#<" + v.t.String() + ">")
	}
}

func (p *printer) list(v Value, depth int) {
	p.write("(")
	first := true
	for n := 0; v.t == TypePair; n++ {
		if n == maxPrintElements {
			p.write(" ...)")
			return
		}
		if !first {
			p.write(" ")
		}
		first = false
		p.value(p.h.Car(v), depth+1)
		if p.full() {
			return
		}
		v = p.h.Cdr(v)
	}
	if !v.IsNil() {
		p.write(" . ")
		p.value(v, depth+1)
	}
	p.write(")")
}

func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if strings.ContainsAny(s, ".eEnN") {
		return s
	}
	return s + ".0"
}
