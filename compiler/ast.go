package compiler

import (
	"fmt"

	"github.com/roux-lang/roux/vm"
)

// ---------------------------------------------------------------------------
// Expression-tree helpers
// ---------------------------------------------------------------------------

// Expression trees are ordinary runtime values: symbols, literals, and
// language nodes. The helpers here build and inspect them; a parser (out of
// scope) would produce the same shapes.

// Arg is one call argument with an optional name.
type Arg struct {
	Name  *vm.Symbol
	Value vm.Value
}

// NewCall builds a call node from positional arguments.
func NewCall(head vm.Value, args ...vm.Value) *vm.Lang {
	named := make([]Arg, len(args))
	for i, a := range args {
		named[i] = Arg{Value: a}
	}
	return NewCallNamed(head, named)
}

// NewCallNamed builds a call node from possibly-named arguments.
func NewCallNamed(head vm.Value, args []Arg) *vm.Lang {
	var list, tail *vm.Pairlist
	for _, a := range args {
		cell := &vm.Pairlist{Car: a.Value, Tag: a.Name}
		if list == nil {
			list = cell
		} else {
			tail.Cdr = cell
		}
		tail = cell
	}
	return vm.NewLang(head, list)
}

// NewFunction builds a function expression: formals is a pairlist tagging
// parameter names to default expressions (the missing marker for none).
func NewFunction(rt *vm.Runtime, formals *vm.Pairlist, body vm.Value) *vm.Lang {
	var f vm.Value = vm.NullValue
	if formals != nil {
		f = formals
	}
	return NewCall(rt.Symbols.Intern("function"), f, body)
}

// Formals builds a formal list from alternating name/default pairs; use the
// missing marker for parameters without defaults.
func Formals(rt *vm.Runtime, pairs ...any) *vm.Pairlist {
	if len(pairs)%2 != 0 {
		panic("Formals: name/default pairs required")
	}
	var list, tail *vm.Pairlist
	for i := 0; i < len(pairs); i += 2 {
		name, ok := pairs[i].(string)
		if !ok {
			panic(fmt.Sprintf("Formals: name %v is not a string", pairs[i]))
		}
		def, ok := pairs[i+1].(vm.Value)
		if !ok {
			panic(fmt.Sprintf("Formals: default %v is not a value", pairs[i+1]))
		}
		cell := &vm.Pairlist{Car: def, Tag: rt.Symbols.Intern(name)}
		if list == nil {
			list = cell
		} else {
			tail.Cdr = cell
		}
		tail = cell
	}
	return list
}

// argSlice flattens a call's argument pairlist for shape analysis.
func argSlice(call *vm.Lang) []Arg {
	var out []Arg
	for cell := call.Args; cell != nil; cell = cell.Cdr {
		out = append(out, Arg{Name: cell.Tag, Value: cell.Car})
	}
	return out
}

// allPositional reports whether no argument carries a name.
func allPositional(args []Arg) bool {
	for _, a := range args {
		if a.Name != nil {
			return false
		}
	}
	return true
}

// headSymbol returns the callee when it is a plain symbol.
func headSymbol(call *vm.Lang) (*vm.Symbol, bool) {
	s, ok := call.Head.(*vm.Symbol)
	return s, ok
}

// ---------------------------------------------------------------------------
// Compile errors
// ---------------------------------------------------------------------------

// CompileErrorKind discriminates compile-time failures.
type CompileErrorKind int

const (
	// ErrInvalidAssignmentTarget means a complex assignment's left-hand
	// shape cannot be decomposed into a getter/setter chain.
	ErrInvalidAssignmentTarget CompileErrorKind = iota
	// ErrMalformedExpression means an expression tree does not have the
	// shape its head requires.
	ErrMalformedExpression
)

// String implements the Stringer interface.
func (k CompileErrorKind) String() string {
	switch k {
	case ErrInvalidAssignmentTarget:
		return "invalid assignment target"
	case ErrMalformedExpression:
		return "malformed expression"
	}
	return fmt.Sprintf("compile error(%d)", int(k))
}

// CompileError reports a compile-time failure against the originating
// source expression. Compilation of the enclosing code object aborts; there
// is no recovery.
type CompileError struct {
	ErrKind CompileErrorKind
	Msg     string
	Src     vm.Value
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	if e.Src != nil {
		return fmt.Sprintf("%s: %s in %s", e.ErrKind, e.Msg, vm.FormatValue(e.Src))
	}
	return fmt.Sprintf("%s: %s", e.ErrKind, e.Msg)
}

func compileErrorf(kind CompileErrorKind, src vm.Value, format string, args ...any) *CompileError {
	return &CompileError{ErrKind: kind, Msg: fmt.Sprintf(format, args...), Src: src}
}
