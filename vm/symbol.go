package vm

import "unicode/utf8"

// ---------------------------------------------------------------------------
// SymbolTable: Interned symbols
// ---------------------------------------------------------------------------

// SymbolCapacity is the maximum length in bytes of a symbol name. Longer
// names are truncated on a rune boundary before interning.
const SymbolCapacity = 94

// Symbol is an interned symbol ID. Two symbols are equal exactly when their
// IDs are equal. ID 0 is reserved for "no symbol".
type Symbol uint32

// NoSymbol is the reserved empty symbol.
const NoSymbol Symbol = 0

// SymbolTable interns symbol strings to unique IDs.
// Symbols are never collected; the table lives as long as its heap.
type SymbolTable struct {
	byName map[string]Symbol // name -> ID
	byID   []string          // ID -> name
}

// NewSymbolTable creates a new empty symbol table.
func NewSymbolTable() *SymbolTable {
	st := &SymbolTable{
		byName: make(map[string]Symbol),
		byID:   make([]string, 1, 256),
	}
	return st
}

// Intern returns the symbol for name, creating a new one if needed.
func (st *SymbolTable) Intern(name string) Symbol {
	name = truncateSymbol(name)
	if id, ok := st.byName[name]; ok {
		return id
	}
	id := Symbol(len(st.byID))
	st.byName[name] = id
	st.byID = append(st.byID, name)
	return id
}

// Lookup returns the symbol for name without interning it.
func (st *SymbolTable) Lookup(name string) (Symbol, bool) {
	id, ok := st.byName[truncateSymbol(name)]
	return id, ok
}

// Name returns the symbol name for an ID, or "" if invalid.
func (st *SymbolTable) Name(id Symbol) string {
	if int(id) >= len(st.byID) {
		return ""
	}
	return st.byID[id]
}

// Len returns the number of interned symbols.
func (st *SymbolTable) Len() int {
	return len(st.byID) - 1
}

// All returns all symbol names in ID order.
func (st *SymbolTable) All() []string {
	result := make([]string, len(st.byID)-1)
	copy(result, st.byID[1:])
	return result
}

func truncateSymbol(name string) string {
	if len(name) <= SymbolCapacity {
		return name
	}
	cut := SymbolCapacity
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return name[:cut]
}

// ---------------------------------------------------------------------------
// Heap helpers
// ---------------------------------------------------------------------------

// Intern interns name in the heap's symbol table.
func (h *Heap) Intern(name string) Symbol {
	return h.symbols.Intern(name)
}

// SymbolName returns the text of s.
func (h *Heap) SymbolName(s Symbol) string {
	return h.symbols.Name(s)
}

// Symbols returns the heap's symbol table.
func (h *Heap) Symbols() *SymbolTable {
	return h.symbols
}

// Sym returns the symbol value for name.
func (h *Heap) Sym(name string) Value {
	return SymbolValue(h.Intern(name))
}

// Keyword returns the keyword value for name.
func (h *Heap) Keyword(name string) Value {
	return KeywordValue(h.Intern(name))
}
