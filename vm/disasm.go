package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// disassembleAt renders the instruction at pc with resolved constants.
func disassembleAt(code *CodeObject, pool *Pool, pc int) string {
	r := NewBytecodeReader(code.Insns)
	r.Seek(pc)
	return DisassembleInstruction(r, pool)
}

// DisassembleInstruction disassembles a single instruction at the reader's
// position, resolving pool references, and advances the reader.
func DisassembleInstruction(r *BytecodeReader, pool *Pool) string {
	pos := r.Position()
	op := r.ReadOpcode()
	info := op.Info()

	var sb strings.Builder
	fmt.Fprintf(&sb, "%04d  %s", pos, info.Name)
	for _, kind := range info.Operands {
		switch kind {
		case OperandPool:
			idx := r.ReadU32()
			fmt.Fprintf(&sb, " cp[%d]", idx)
			if pool != nil && int(idx) < pool.Len() {
				fmt.Fprintf(&sb, "=%s", clip(FormatValue(pool.Get(idx)), 40))
			}
		case OperandPromise:
			fmt.Fprintf(&sb, " prom[%d]", r.ReadU32())
		case OperandCount:
			fmt.Fprintf(&sb, " %d", r.ReadU32())
		case OperandOffset:
			offset := r.ReadI32()
			fmt.Fprintf(&sb, " %+d (-> %04d)", offset, r.Position()+int(offset))
		}
	}
	return sb.String()
}

// Disassemble returns a full listing of a code object, including its
// promise code, for diagnostics.
func Disassemble(code *CodeObject, pool *Pool) string {
	var sb strings.Builder
	disassembleInto(&sb, code, pool, "")
	return sb.String()
}

func disassembleInto(sb *strings.Builder, code *CodeObject, pool *Pool, indent string) {
	r := NewBytecodeReader(code.Insns)
	for r.HasMore() {
		sb.WriteString(indent)
		sb.WriteString(DisassembleInstruction(r, pool))
		sb.WriteByte('\n')
	}
	for i, p := range code.Promises {
		fmt.Fprintf(sb, "%spromise %d:\n", indent, i)
		disassembleInto(sb, p, pool, indent+"  ")
	}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
