package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction. Multi-byte operands are
// big-endian. Jump offsets are signed 16-bit values relative to the
// position of the jump opcode itself.
type Opcode byte

const (
	OpNOP             Opcode = 0x00 // no operation
	OpRet             Opcode = 0x01 // return top of stack to the caller
	OpIntByte         Opcode = 0x02 // push signed 8-bit integer
	OpIntAdd          Opcode = 0x03 // add two ints without type checks
	OpApply           Opcode = 0x04 // call (8-bit argc); function below args
	OpSetVal          Opcode = 0x05 // set existing binding (8-bit literal)
	OpPushValExt      Opcode = 0x06 // push literal (16-bit index)
	OpDefVal          Opcode = 0x07 // define in current env (8-bit literal)
	OpDefValExt       Opcode = 0x08 // define in current env (16-bit literal)
	OpJmp             Opcode = 0x09 // unconditional jump
	OpJt              Opcode = 0x0A // pop, jump if truthy
	OpJf              Opcode = 0x0B // pop, jump if falsy
	OpDup             Opcode = 0x0C // duplicate top of stack
	OpDrop            Opcode = 0x0D // discard top of stack
	OpGetVal          Opcode = 0x0E // push binding (8-bit literal)
	OpGetValExt       Opcode = 0x0F // push binding (16-bit literal)
	OpSetValExt       Opcode = 0x10 // set existing binding (16-bit literal)
	OpCar             Opcode = 0x11
	OpCdr             Opcode = 0x12
	OpClosurePush     Opcode = 0x13 // push current environment
	OpCons            Opcode = 0x14
	OpLet             Opcode = 0x15 // open a let scope
	OpClosurePop      Opcode = 0x16 // close the innermost let or try scope
	OpFnDynamic       Opcode = 0x17 // params docs body -> lambda
	OpMacroDynamic    Opcode = 0x18 // params docs body -> macro
	OpTry             Opcode = 0x19 // pop handler, open protected region
	OpPushVal         Opcode = 0x1A // push literal (8-bit index)
	OpPushTrue        Opcode = 0x1B
	OpPushFalse       Opcode = 0x1C
	OpEval            Opcode = 0x1D // code env -> run code in a child of env
	OpLessPred        Opcode = 0x1E
	OpLessEqPred      Opcode = 0x1F
	OpEqualPred       Opcode = 0x20
	OpGreaterEqPred   Opcode = 0x21
	OpGreaterPred     Opcode = 0x22
	OpIncInt          Opcode = 0x23
	OpPushNil         Opcode = 0x24
	OpAdd             Opcode = 0x25
	OpSub             Opcode = 0x26
	OpMul             Opcode = 0x27
	OpDiv             Opcode = 0x28
	OpRem             Opcode = 0x29
	OpZeroPred        Opcode = 0x2A
	OpRef             Opcode = 0x2B // collection key -> element
	OpCadr            Opcode = 0x2C
	OpMutableEval     Opcode = 0x2D // code env -> run code directly in env
	OpList            Opcode = 0x2E // build list of n stack values (8-bit)
	OpThrow           Opcode = 0x2F
	OpApplyCollection Opcode = 0x30 // function arglist -> call
	OpBitShiftLeft    Opcode = 0x31
	OpBitShiftRight   Opcode = 0x32
	OpBitAnd          Opcode = 0x33
	OpBitOr           Opcode = 0x34
	OpBitXor          Opcode = 0x35
	OpBitNot          Opcode = 0x36
	OpGenSet          Opcode = 0x37 // collection key value -> collection
	OpUnequalPred     Opcode = 0x38
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // number of operand bytes
	Pops         int    // stack values consumed; APPLY and LIST add their operand
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpNOP:     {"NOP", 0, 0},
	OpRet:     {"RET", 0, 0},
	OpIntByte: {"INT_BYTE", 1, 0},
	OpIntAdd:  {"INT_ADD", 0, 2},
	OpApply:   {"APPLY", 1, 1}, // function below argc arguments

	OpPushVal:    {"PUSH_VAL", 1, 0},
	OpPushValExt: {"PUSH_VAL_EXT", 2, 0},
	OpPushTrue:   {"PUSH_TRUE", 0, 0},
	OpPushFalse:  {"PUSH_FALSE", 0, 0},
	OpPushNil:    {"PUSH_NIL", 0, 0},

	OpDefVal:    {"DEF_VAL", 1, 1},
	OpDefValExt: {"DEF_VAL_EXT", 2, 1},
	OpGetVal:    {"GET_VAL", 1, 0},
	OpGetValExt: {"GET_VAL_EXT", 2, 0},
	OpSetVal:    {"SET_VAL", 1, 1},
	OpSetValExt: {"SET_VAL_EXT", 2, 1},

	OpJmp: {"JMP", 2, 0},
	OpJt:  {"JT", 2, 1},
	OpJf:  {"JF", 2, 1},

	OpDup:  {"DUP", 0, 1},
	OpDrop: {"DROP", 0, 1},

	OpCar:  {"CAR", 0, 1},
	OpCdr:  {"CDR", 0, 1},
	OpCadr: {"CADR", 0, 1},
	OpCons: {"CONS", 0, 2},
	OpList: {"LIST", 1, 0}, // pops n

	OpClosurePush:  {"CLOSURE_PUSH", 0, 0},
	OpLet:          {"LET", 0, 0},
	OpClosurePop:   {"CLOSURE_POP", 0, 0},
	OpFnDynamic:    {"FN_DYNAMIC", 0, 3},
	OpMacroDynamic: {"MACRO_DYNAMIC", 0, 3},
	OpTry:          {"TRY", 2, 1},
	OpThrow:        {"THROW", 0, 1},

	OpEval:            {"EVAL", 0, 2},
	OpMutableEval:     {"MUTABLE_EVAL", 0, 2},
	OpApplyCollection: {"APPLY_COLLECTION", 0, 2},

	OpLessPred:      {"LESS_PRED", 0, 2},
	OpLessEqPred:    {"LESS_EQ_PRED", 0, 2},
	OpEqualPred:     {"EQUAL_PRED", 0, 2},
	OpUnequalPred:   {"UNEQUAL_PRED", 0, 2},
	OpGreaterEqPred: {"GREATER_EQ_PRED", 0, 2},
	OpGreaterPred:   {"GREATER_PRED", 0, 2},
	OpZeroPred:      {"ZERO_PRED", 0, 1},

	OpIncInt: {"INC_INT", 0, 1},
	OpAdd:    {"ADD", 0, 2},
	OpSub:    {"SUB", 0, 2},
	OpMul:    {"MUL", 0, 2},
	OpDiv:    {"DIV", 0, 2},
	OpRem:    {"REM", 0, 2},

	OpBitShiftLeft:  {"BIT_SHIFT_LEFT", 0, 2},
	OpBitShiftRight: {"BIT_SHIFT_RIGHT", 0, 2},
	OpBitAnd:        {"BIT_AND", 0, 2},
	OpBitOr:         {"BIT_OR", 0, 2},
	OpBitXor:        {"BIT_XOR", 0, 2},
	OpBitNot:        {"BIT_NOT", 0, 1},

	OpRef:    {"REF", 0, 2},
	OpGenSet: {"GEN_SET", 0, 3},
}

// popsTable caches Pops per opcode byte for the execution loop. Unknown
// opcodes read as zero.
var popsTable = func() (t [256]uint8) {
	for op, info := range opcodeTable {
		t[op] = uint8(info.Pops)
	}
	return t
}()

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op)), OperandBytes: 0}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// OperandBytes returns the number of operand bytes for an opcode.
func (op Opcode) OperandBytes() int {
	return op.Info().OperandBytes
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// Valid reports whether op is a known opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// ---------------------------------------------------------------------------
// Bytecode arrays
// ---------------------------------------------------------------------------

// bytecodeObj is executable code: the instruction bytes and the literal
// pool the PUSH_VAL/GET_VAL family indexes into.
type bytecodeObj struct {
	ops      []byte
	literals []Value
	checked  bool // passed ValidateBytecode
}

// NewBytecodeArray allocates a bytecode array.
func (h *Heap) NewBytecodeArray(ops []byte, literals []Value) Value {
	o := make([]byte, len(ops))
	copy(o, ops)
	l := make([]Value, len(literals))
	copy(l, literals)
	return refValue(TypeBytecodeArray, h.code.Alloc(bytecodeObj{ops: o, literals: l}))
}

// ValidateBytecode checks that ops decodes into whole instructions: every
// opcode is known, operands fit in ops, literal operands index into a pool
// of nlits values and jump targets land on an instruction boundary in
// [0, len(ops)]. Running past the last instruction acts as RET.
func ValidateBytecode(ops []byte, nlits int) error {
	starts := make([]bool, len(ops)+1)
	starts[len(ops)] = true
	for ip := 0; ip < len(ops); {
		op := Opcode(ops[ip])
		if !op.Valid() {
			return fmt.Errorf("unknown opcode 0x%02X at %d", byte(op), ip)
		}
		starts[ip] = true
		n := op.OperandBytes()
		if ip+1+n > len(ops) {
			return fmt.Errorf("%s at %d needs %d operand byte(s), code ends at %d", op, ip, n, len(ops))
		}
		idx := -1
		switch op {
		case OpPushVal, OpGetVal, OpSetVal, OpDefVal:
			idx = int(ops[ip+1])
		case OpPushValExt, OpGetValExt, OpSetValExt, OpDefValExt:
			idx = int(binary.BigEndian.Uint16(ops[ip+1:]))
		}
		if idx >= nlits {
			return fmt.Errorf("%s at %d references literal %d of %d", op, ip, idx, nlits)
		}
		ip += 1 + n
	}

	for ip := 0; ip < len(ops); ip += 1 + Opcode(ops[ip]).OperandBytes() {
		switch op := Opcode(ops[ip]); op {
		case OpJmp, OpJt, OpJf, OpTry:
			target := ip + int(int16(binary.BigEndian.Uint16(ops[ip+1:])))
			if target < 0 || target > len(ops) || !starts[target] {
				return fmt.Errorf("%s at %d jumps to %d, which is not an instruction", op, ip, target)
			}
		}
	}
	return nil
}

// checkCode validates a bytecode array the first time it is entered.
func (h *Heap) checkCode(code Ref) error {
	bc := h.code.at(code)
	if bc.checked {
		return nil
	}
	if err := ValidateBytecode(bc.ops, len(bc.literals)); err != nil {
		return h.NewException(KindVMError, "invalid bytecode: "+err.Error(), refValue(TypeBytecodeArray, code))
	}
	bc.checked = true
	return nil
}

// BytecodeOps returns the instruction bytes of a bytecode array.
func (h *Heap) BytecodeOps(code Value) []byte {
	return h.code.at(code.Ref()).ops
}

// BytecodeLiterals returns the literal pool of a bytecode array.
func (h *Heap) BytecodeLiterals(code Value) []Value {
	return h.code.at(code.Ref()).literals
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// BytecodeBuilder helps construct bytecode sequences and their literal
// pools.
type BytecodeBuilder struct {
	bytes    []byte
	literals []Value
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{
		bytes: make([]byte, 0, 64),
	}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Literals returns the literal pool.
func (b *BytecodeBuilder) Literals() []Value {
	return b.literals
}

// Len returns the current length.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes)
}

// Build allocates the bytecode array on h.
func (b *BytecodeBuilder) Build(h *Heap) Value {
	return h.NewBytecodeArray(b.bytes, b.literals)
}

// Literal returns the literal pool index of v, adding it if needed.
func (b *BytecodeBuilder) Literal(v Value) int {
	for i, lit := range b.literals {
		if lit == v {
			return i
		}
	}
	b.literals = append(b.literals, v)
	return len(b.literals) - 1
}

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitByte appends an opcode with a single byte operand.
func (b *BytecodeBuilder) EmitByte(op Opcode, operand byte) {
	b.bytes = append(b.bytes, byte(op), operand)
}

// EmitInt8 appends an opcode with a signed 8-bit operand.
func (b *BytecodeBuilder) EmitInt8(op Opcode, operand int8) {
	b.bytes = append(b.bytes, byte(op), byte(operand))
}

// EmitUint16 appends an opcode with a 16-bit operand (big-endian).
func (b *BytecodeBuilder) EmitUint16(op Opcode, operand uint16) {
	b.bytes = append(b.bytes, byte(op), byte(operand>>8), byte(operand))
}

// emitLiteral appends the short or extended form of a literal instruction
// depending on the pool index of v.
func (b *BytecodeBuilder) emitLiteral(short, ext Opcode, v Value) {
	idx := b.Literal(v)
	if idx < 256 {
		b.EmitByte(short, byte(idx))
		return
	}
	b.EmitUint16(ext, uint16(idx))
}

// EmitPush pushes the literal v. Small integers use INT_BYTE.
func (b *BytecodeBuilder) EmitPush(v Value) {
	switch {
	case v.IsNil():
		b.Emit(OpPushNil)
	case v == True:
		b.Emit(OpPushTrue)
	case v == False:
		b.Emit(OpPushFalse)
	case v.IsInt() && v.AsInt() >= -128 && v.AsInt() <= 127:
		b.EmitInt8(OpIntByte, int8(v.AsInt()))
	default:
		b.emitLiteral(OpPushVal, OpPushValExt, v)
	}
}

// EmitGet pushes the binding of s.
func (b *BytecodeBuilder) EmitGet(s Symbol) {
	b.emitLiteral(OpGetVal, OpGetValExt, SymbolValue(s))
}

// EmitSet stores the top of stack into the existing binding of s.
func (b *BytecodeBuilder) EmitSet(s Symbol) {
	b.emitLiteral(OpSetVal, OpSetValExt, SymbolValue(s))
}

// EmitDef binds s to the top of stack in the current environment.
func (b *BytecodeBuilder) EmitDef(s Symbol) {
	b.emitLiteral(OpDefVal, OpDefValExt, SymbolValue(s))
}

// EmitApply calls the function below argc arguments.
func (b *BytecodeBuilder) EmitApply(argc int) {
	b.EmitByte(OpApply, byte(argc))
}

// EmitList builds a list from the top n stack values.
func (b *BytecodeBuilder) EmitList(n int) {
	b.EmitByte(OpList, byte(n))
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a forward reference in bytecode.
type Label struct {
	resolved bool
	position int   // target position once resolved
	refs     []int // positions of jump opcodes that reference this label
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{resolved: false, refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)

	// Patch all forward references
	for _, ref := range label.refs {
		b.patch(ref, label.position-ref)
	}
	label.refs = nil
}

func (b *BytecodeBuilder) patch(opPos, offset int) {
	if offset < -32768 || offset > 32767 {
		panic(fmt.Sprintf("jump offset %d out of range", offset))
	}
	binary.BigEndian.PutUint16(b.bytes[opPos+1:], uint16(int16(offset)))
}

// EmitJump emits a jump-like instruction (JMP, JT, JF, TRY) targeting a
// label.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	pos := len(b.bytes)
	b.bytes = append(b.bytes, byte(op), 0, 0)
	if label.resolved {
		b.patch(pos, label.position-pos)
	} else {
		label.refs = append(label.refs, pos)
	}
}

// ---------------------------------------------------------------------------
// Bytecode reader for disassembly
// ---------------------------------------------------------------------------

// BytecodeReader reads bytecode for disassembly.
type BytecodeReader struct {
	bytes []byte
	pos   int
}

// NewBytecodeReader creates a reader for bytecode.
func NewBytecodeReader(bc []byte) *BytecodeReader {
	return &BytecodeReader{bytes: bc, pos: 0}
}

// Position returns the current read position.
func (r *BytecodeReader) Position() int {
	return r.pos
}

// HasMore returns true if there are more bytes to read.
func (r *BytecodeReader) HasMore() bool {
	return r.pos < len(r.bytes)
}

// ReadOpcode reads and returns the next opcode.
func (r *BytecodeReader) ReadOpcode() Opcode {
	return Opcode(r.ReadByte())
}

// ReadByte reads a single byte operand.
func (r *BytecodeReader) ReadByte() byte {
	if r.pos >= len(r.bytes) {
		panic("bytecode underflow")
	}
	b := r.bytes[r.pos]
	r.pos++
	return b
}

// ReadInt8 reads a signed 8-bit operand.
func (r *BytecodeReader) ReadInt8() int8 {
	return int8(r.ReadByte())
}

// ReadUint16 reads a 16-bit operand (big-endian).
func (r *BytecodeReader) ReadUint16() uint16 {
	if r.pos+2 > len(r.bytes) {
		panic("bytecode underflow")
	}
	v := binary.BigEndian.Uint16(r.bytes[r.pos:])
	r.pos += 2
	return v
}

// ReadInt16 reads a signed 16-bit operand (big-endian).
func (r *BytecodeReader) ReadInt16() int16 {
	return int16(r.ReadUint16())
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction disassembles a single instruction at the reader's
// position. Literal operands are resolved through lits when given.
func DisassembleInstruction(r *BytecodeReader, lits func(int) string) string {
	pos := r.Position()
	op := r.ReadOpcode()
	info := op.Info()

	switch op {
	case OpIntByte:
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, r.ReadInt8())

	case OpApply, OpList:
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, r.ReadByte())

	case OpPushVal, OpGetVal, OpSetVal, OpDefVal:
		idx := int(r.ReadByte())
		return fmt.Sprintf("%04d  %s %d%s", pos, info.Name, idx, literalNote(lits, idx))

	case OpPushValExt, OpGetValExt, OpSetValExt, OpDefValExt:
		idx := int(r.ReadUint16())
		return fmt.Sprintf("%04d  %s %d%s", pos, info.Name, idx, literalNote(lits, idx))

	case OpJmp, OpJt, OpJf, OpTry:
		offset := r.ReadInt16()
		return fmt.Sprintf("%04d  %s %+d (-> %04d)", pos, info.Name, offset, pos+int(offset))
	}

	r.pos += info.OperandBytes
	return fmt.Sprintf("%04d  %s", pos, info.Name)
}

func literalNote(lits func(int) string, idx int) string {
	if lits == nil {
		return ""
	}
	return " ; " + lits(idx)
}

// Disassemble returns a human-readable listing of raw bytecode.
func Disassemble(bc []byte) string {
	var sb strings.Builder
	r := NewBytecodeReader(bc)
	for r.HasMore() {
		sb.WriteString(DisassembleInstruction(r, nil))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Disassemble returns a listing of a bytecode array with literal operands
// printed inline.
func (h *Heap) Disassemble(code Value) string {
	lits := h.BytecodeLiterals(code)
	lookup := func(i int) string {
		if i >= len(lits) {
			return "<bad literal>"
		}
		return h.SprintLimit(lits[i], 60)
	}

	var sb strings.Builder
	r := NewBytecodeReader(h.BytecodeOps(code))
	for r.HasMore() {
		sb.WriteString(DisassembleInstruction(r, lookup))
		sb.WriteByte('\n')
	}
	return sb.String()
}
