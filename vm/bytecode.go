package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction. Every immediate operand
// is a fixed-width little-endian uint32; relative jump offsets are signed
// int32 measured from the end of the instruction.
type Opcode byte

// Stack manipulation
const (
	OpPop  Opcode = 0x01 // discard top of stack
	OpDup  Opcode = 0x02 // duplicate top of stack
	OpDup2 Opcode = 0x03 // duplicate top two
	OpSwap Opcode = 0x04 // swap top two
	OpPick Opcode = 0x05 // rotate element at depth k to top
	OpPut  Opcode = 0x06 // rotate top down to depth k
	OpPush Opcode = 0x07 // push pool constant
)

// Variable access
const (
	OpLdVar  Opcode = 0x10 // load variable, forcing promises (pool symbol)
	OpLdDots Opcode = 0x11 // load the variadic binding (pool symbol)
	OpStVar  Opcode = 0x12 // store top of stack into variable (pool symbol)
	OpIs     Opcode = 0x13 // type test against a kind tag, pushes logical
)

// Functions
const (
	OpLdFun Opcode = 0x18 // load function-valued binding (pool symbol)
	OpIsFun Opcode = 0x19 // assert top of stack is callable
	OpClose Opcode = 0x1A // instantiate closure template (pool closure)
)

// Promises
const (
	OpMkProm   Opcode = 0x20 // create promise from promise code (promise index)
	OpPushCode Opcode = 0x21 // push promise code's source expression unevaluated
	OpForce    Opcode = 0x22 // force promise on top of stack
	OpAsAst    Opcode = 0x23 // replace promise on top with its source expression
)

// Control flow
const (
	OpBr         Opcode = 0x30 // unconditional branch
	OpBrTrue     Opcode = 0x31 // pop, branch if true
	OpBrFalse    Opcode = 0x32 // pop, branch if false
	OpBrObj      Opcode = 0x33 // branch if top of stack is a classed object (peeks)
	OpBeginLoop  Opcode = 0x34 // push loop context; offset is the loop exit
	OpEndContext Opcode = 0x35 // pop innermost context
	OpRet        Opcode = 0x36 // return top of stack
)

// Calls
const (
	OpCall          Opcode = 0x40 // call with promise args (pool argvec, pool names)
	OpCallStack     Opcode = 0x41 // call with stack args (nargs, pool names)
	OpDispatch      Opcode = 0x42 // dispatch with promise args (pool argvec, pool names, pool selector)
	OpDispatchStack Opcode = 0x43 // dispatch with stack args (nargs, pool names, pool selector)
)

// Scalar fast ops
const (
	OpAdd        Opcode = 0x50 // numeric add, pops 2 pushes 1
	OpSub        Opcode = 0x51 // numeric subtract
	OpMul        Opcode = 0x52 // numeric multiply
	OpLt         Opcode = 0x53 // numeric less-than, pushes logical
	OpInc        Opcode = 0x54 // increment integer in place (after unsharing)
	OpExtract    Opcode = 0x55 // single-element extraction, pops obj+index
	OpSubset     Opcode = 0x56 // subset, pops obj+index
	OpTestBounds Opcode = 0x57 // push logical: index within object length (peeks)
)

// Logic
const (
	OpAsBool    Opcode = 0x60 // coerce top to a branchable scalar
	OpAsLogical Opcode = 0x61 // coerce top to a logical value
	OpAnd2      Opcode = 0x62 // two-input logical and
	OpOr2       Opcode = 0x63 // two-input logical or
)

// Misc
const (
	OpUniq      Opcode = 0x70 // replace top with an unshared duplicate if shared
	OpVisible   Opcode = 0x71 // set visibility flag
	OpInvisible Opcode = 0x72 // clear visibility flag
	OpMissing   Opcode = 0x73 // push logical: is local binding missing (pool symbol)
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OperandKind classifies an instruction immediate. The disassembler and the
// wire encoder use it to resolve and remap constant-pool references.
type OperandKind uint8

const (
	OperandPool    OperandKind = iota // constant pool index
	OperandPromise                    // index into the code object's promise table
	OperandCount                      // small integer (depth, arity, kind tag)
	OperandOffset                     // signed relative jump offset
)

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name     string
	Operands []OperandKind
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpPop:  {"pop", nil},
	OpDup:  {"dup", nil},
	OpDup2: {"dup2", nil},
	OpSwap: {"swap", nil},
	OpPick: {"pick", []OperandKind{OperandCount}},
	OpPut:  {"put", []OperandKind{OperandCount}},
	OpPush: {"push", []OperandKind{OperandPool}},

	OpLdVar:  {"ldvar", []OperandKind{OperandPool}},
	OpLdDots: {"lddots", []OperandKind{OperandPool}},
	OpStVar:  {"stvar", []OperandKind{OperandPool}},
	OpIs:     {"is", []OperandKind{OperandCount}},

	OpLdFun: {"ldfun", []OperandKind{OperandPool}},
	OpIsFun: {"isfun", nil},
	OpClose: {"close", []OperandKind{OperandPool}},

	OpMkProm:   {"mkprom", []OperandKind{OperandPromise}},
	OpPushCode: {"pushcode", []OperandKind{OperandPromise}},
	OpForce:    {"force", nil},
	OpAsAst:    {"asast", nil},

	OpBr:         {"br", []OperandKind{OperandOffset}},
	OpBrTrue:     {"brtrue", []OperandKind{OperandOffset}},
	OpBrFalse:    {"brfalse", []OperandKind{OperandOffset}},
	OpBrObj:      {"brobj", []OperandKind{OperandOffset}},
	OpBeginLoop:  {"beginloop", []OperandKind{OperandOffset}},
	OpEndContext: {"endcontext", nil},
	OpRet:        {"ret", nil},

	OpCall:          {"call", []OperandKind{OperandPool, OperandPool}},
	OpCallStack:     {"callstack", []OperandKind{OperandCount, OperandPool}},
	OpDispatch:      {"dispatch", []OperandKind{OperandPool, OperandPool, OperandPool}},
	OpDispatchStack: {"dispatchstack", []OperandKind{OperandCount, OperandPool, OperandPool}},

	OpAdd:        {"add", nil},
	OpSub:        {"sub", nil},
	OpMul:        {"mul", nil},
	OpLt:         {"lt", nil},
	OpInc:        {"inc", nil},
	OpExtract:    {"extract", nil},
	OpSubset:     {"subset", nil},
	OpTestBounds: {"testbounds", nil},

	OpAsBool:    {"asbool", nil},
	OpAsLogical: {"aslogical", nil},
	OpAnd2:      {"and2", nil},
	OpOr2:       {"or2", nil},

	OpUniq:      {"uniq", nil},
	OpVisible:   {"visible", nil},
	OpInvisible: {"invisible", nil},
	OpMissing:   {"missing", []OperandKind{OperandPool}},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("unknown_%02x", byte(op))}
}

// Name returns the mnemonic for an opcode.
func (op Opcode) Name() string { return op.Info().Name }

// OperandBytes returns the total operand width for an opcode.
func (op Opcode) OperandBytes() int { return 4 * len(op.Info().Operands) }

// String implements the Stringer interface.
func (op Opcode) String() string { return op.Name() }

// instructionSize is the full encoded size of the instruction at pc, or 0
// for an unknown opcode.
func instructionSize(insns []byte, pc int) int {
	if _, ok := opcodeTable[Opcode(insns[pc])]; !ok {
		return 0
	}
	return 1 + Opcode(insns[pc]).OperandBytes()
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: helper for constructing instruction streams
// ---------------------------------------------------------------------------

// BytecodeBuilder helps construct bytecode sequences.
type BytecodeBuilder struct {
	bytes []byte
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{bytes: make([]byte, 0, 64)}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte { return b.bytes }

// Len returns the current length.
func (b *BytecodeBuilder) Len() int { return len(b.bytes) }

// Emit appends an opcode with no operands and returns its position.
func (b *BytecodeBuilder) Emit(op Opcode) int {
	pc := len(b.bytes)
	b.bytes = append(b.bytes, byte(op))
	return pc
}

// EmitU32 appends an opcode with uint32 operands (little-endian) and
// returns its position.
func (b *BytecodeBuilder) EmitU32(op Opcode, operands ...uint32) int {
	pc := len(b.bytes)
	b.bytes = append(b.bytes, byte(op))
	for _, v := range operands {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], v)
		b.bytes = append(b.bytes, buf[:]...)
	}
	return pc
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a branch target that may not be resolved yet.
type Label struct {
	resolved bool
	position int   // target position once resolved
	refs     []int // operand positions awaiting a patch
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position and patches every forward
// reference recorded so far.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)

	for _, ref := range label.refs {
		offset := label.position - (ref + 4) // offset from after the operand
		binary.LittleEndian.PutUint32(b.bytes[ref:], uint32(int32(offset)))
	}
	label.refs = nil
}

// Position returns the resolved target position.
func (l *Label) Position() int {
	if !l.resolved {
		panic("label not resolved")
	}
	return l.position
}

// EmitJump emits a branch instruction targeting a label, patching later if
// the label is still unresolved.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	b.bytes = append(b.bytes, byte(op))
	if label.resolved {
		offset := label.position - (len(b.bytes) + 4)
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(int32(offset)))
		b.bytes = append(b.bytes, buf[:]...)
	} else {
		label.refs = append(label.refs, len(b.bytes))
		b.bytes = append(b.bytes, 0, 0, 0, 0) // placeholder
	}
}

// ---------------------------------------------------------------------------
// Bytecode reader
// ---------------------------------------------------------------------------

// BytecodeReader reads an instruction stream for interpretation or
// disassembly.
type BytecodeReader struct {
	bytes []byte
	pos   int
}

// NewBytecodeReader creates a reader for bytecode.
func NewBytecodeReader(bc []byte) *BytecodeReader {
	return &BytecodeReader{bytes: bc}
}

// Position returns the current read position.
func (r *BytecodeReader) Position() int { return r.pos }

// HasMore returns true if there are more bytes to read.
func (r *BytecodeReader) HasMore() bool { return r.pos < len(r.bytes) }

// ReadOpcode reads and returns the next opcode.
func (r *BytecodeReader) ReadOpcode() Opcode {
	if r.pos >= len(r.bytes) {
		panic("bytecode underflow")
	}
	op := Opcode(r.bytes[r.pos])
	r.pos++
	return op
}

// ReadU32 reads a uint32 operand (little-endian).
func (r *BytecodeReader) ReadU32() uint32 {
	if r.pos+4 > len(r.bytes) {
		panic("bytecode underflow")
	}
	v := binary.LittleEndian.Uint32(r.bytes[r.pos:])
	r.pos += 4
	return v
}

// ReadI32 reads a signed 32-bit operand (little-endian).
func (r *BytecodeReader) ReadI32() int32 {
	return int32(r.ReadU32())
}

// Seek sets the read position.
func (r *BytecodeReader) Seek(pos int) { r.pos = pos }
