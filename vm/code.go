package vm

// ---------------------------------------------------------------------------
// Code objects
// ---------------------------------------------------------------------------

// CodeObject is an immutable compiled instruction stream for one function
// body or one lazy argument. Src maps instruction positions to pool indices
// of the source expressions they were compiled from (0 = none); call and
// dispatch instructions rely on it for error reporting and for handing raw
// expressions to lazy primitives. Promises holds the code objects compiled
// for lazily-passed arguments, referenced by index from mkprom, pushcode
// and call argument vectors.
type CodeObject struct {
	Insns     []byte
	Src       map[uint32]uint32
	SrcIdx    uint32 // pool index of the whole object's source, 0 = none
	Promises  []*CodeObject
	NeedStack int // declared operand-stack need
}

// Kind implements Value.
func (*CodeObject) Kind() Kind { return KindCode }

// SrcAt returns the pool index of the source expression recorded for the
// instruction at pc, or 0.
func (c *CodeObject) SrcAt(pc int) uint32 {
	return c.Src[uint32(pc)]
}

// ---------------------------------------------------------------------------
// CodeBuilder
// ---------------------------------------------------------------------------

// CodeBuilder accumulates one code object: instructions via the embedded
// bytecode builder, source attributions, and nested promise code.
type CodeBuilder struct {
	*BytecodeBuilder
	src       map[uint32]uint32
	srcIdx    uint32
	promises  []*CodeObject
	needStack int
}

// NewCodeBuilder creates an empty code builder. srcIdx is the pool index of
// the source expression for the whole object (0 if none).
func NewCodeBuilder(srcIdx uint32) *CodeBuilder {
	return &CodeBuilder{
		BytecodeBuilder: NewBytecodeBuilder(),
		src:             make(map[uint32]uint32),
		srcIdx:          srcIdx,
	}
}

// SetSrc attributes the instruction at position pc to the source expression
// at the given pool index.
func (b *CodeBuilder) SetSrc(pc int, poolIdx uint32) {
	if poolIdx != 0 {
		b.src[uint32(pc)] = poolIdx
	}
}

// AddPromise registers promise code and returns its index.
func (b *CodeBuilder) AddPromise(code *CodeObject) uint32 {
	b.promises = append(b.promises, code)
	return uint32(len(b.promises) - 1)
}

// NoteStack raises the declared operand-stack need.
func (b *CodeBuilder) NoteStack(n int) {
	if n > b.needStack {
		b.needStack = n
	}
}

// Build finalizes the code object.
func (b *CodeBuilder) Build() *CodeObject {
	return &CodeObject{
		Insns:     b.Bytes(),
		Src:       b.src,
		SrcIdx:    b.srcIdx,
		Promises:  b.promises,
		NeedStack: b.needStack,
	}
}
