package vm

import (
	"fmt"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Value kinds
// ---------------------------------------------------------------------------

// Kind identifies the runtime type of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindReal
	KindString
	KindSymbol
	KindPairlist
	KindLang
	KindVector
	KindEnv
	KindClosure
	KindPromise
	KindBuiltin
	KindCode
	KindMissing
)

var kindNames = [...]string{
	KindNull:     "null",
	KindBool:     "logical",
	KindInt:      "integer",
	KindReal:     "double",
	KindString:   "character",
	KindSymbol:   "symbol",
	KindPairlist: "pairlist",
	KindLang:     "language",
	KindVector:   "list",
	KindEnv:      "environment",
	KindClosure:  "closure",
	KindPromise:  "promise",
	KindBuiltin:  "builtin",
	KindCode:     "code",
	KindMissing:  "missing",
}

// String implements the Stringer interface.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ---------------------------------------------------------------------------
// Sharing levels
// ---------------------------------------------------------------------------

// ShareLevel classifies how many bindings may alias a value. Mutating
// instructions consult it to decide between in-place update and duplication.
type ShareLevel uint8

const (
	Unshared  ShareLevel = iota // freshly allocated, single owner
	BoundOnce                   // reachable from exactly one binding
	Shared                      // possibly aliased; must duplicate before mutation
)

// String implements the Stringer interface.
func (s ShareLevel) String() string {
	switch s {
	case Unshared:
		return "unshared"
	case BoundOnce:
		return "bound-once"
	case Shared:
		return "shared"
	}
	return fmt.Sprintf("share(%d)", uint8(s))
}

// ---------------------------------------------------------------------------
// Value interface
// ---------------------------------------------------------------------------

// Value is the closed tagged-variant type all runtime values implement.
type Value interface {
	Kind() Kind
}

// shareable is implemented by the mutable heap value kinds that carry a
// sharing level and support shallow duplication.
type shareable interface {
	Value
	shareLevel() ShareLevel
	setShareLevel(s ShareLevel)
	duplicate() Value
}

// ShareLevelOf reports the sharing level of a value. Immutable kinds
// (null, booleans, symbols, builtins, code) are always Shared: they are
// never mutated, so duplication is never needed and aliasing is free.
func ShareLevelOf(v Value) ShareLevel {
	if s, ok := v.(shareable); ok {
		return s.shareLevel()
	}
	return Shared
}

// Bump raises a value's sharing level one step, saturating at Shared.
// Binding a value into an environment or argument list bumps it.
func Bump(v Value) {
	if s, ok := v.(shareable); ok {
		if lvl := s.shareLevel(); lvl < Shared {
			s.setShareLevel(lvl + 1)
		}
	}
}

// MarkShared forces a value to the Shared level.
func MarkShared(v Value) {
	if s, ok := v.(shareable); ok {
		s.setShareLevel(Shared)
	}
}

// EnsureUnshared returns a value that is safe to mutate in place: the value
// itself unless it is Shared, in which case a shallow duplicate with level
// reset to Unshared. Every mutating instruction and setter goes through here.
func EnsureUnshared(v Value) Value {
	s, ok := v.(shareable)
	if !ok || s.shareLevel() != Shared {
		return v
	}
	return s.duplicate()
}

// ---------------------------------------------------------------------------
// Immutable scalar kinds
// ---------------------------------------------------------------------------

// Null is the singleton null value.
type Null struct{}

// NullValue is the one null.
var NullValue = &Null{}

// Kind implements Value.
func (*Null) Kind() Kind { return KindNull }

// Boolean is a logical scalar. The two values are singletons.
type Boolean struct{ B bool }

var (
	TrueValue  = &Boolean{B: true}
	FalseValue = &Boolean{B: false}
)

// Kind implements Value.
func (*Boolean) Kind() Kind { return KindBool }

// BoolValue returns the singleton for b.
func BoolValue(b bool) *Boolean {
	if b {
		return TrueValue
	}
	return FalseValue
}

// Missing marks an absent argument in argument lists and formal bindings.
type Missing struct{}

// MissingValue is the one missing marker.
var MissingValue = &Missing{}

// Kind implements Value.
func (*Missing) Kind() Kind { return KindMissing }

// ---------------------------------------------------------------------------
// Mutable scalar kinds (boxed, copy-on-write)
// ---------------------------------------------------------------------------

// Integer is a boxed integer scalar.
type Integer struct {
	I     int64
	share ShareLevel
}

// NewInt allocates an unshared integer.
func NewInt(i int64) *Integer { return &Integer{I: i} }

// Kind implements Value.
func (*Integer) Kind() Kind { return KindInt }

func (v *Integer) shareLevel() ShareLevel     { return v.share }
func (v *Integer) setShareLevel(s ShareLevel) { v.share = s }
func (v *Integer) duplicate() Value           { return &Integer{I: v.I} }

// Real is a boxed double scalar.
type Real struct {
	F     float64
	share ShareLevel
}

// NewReal allocates an unshared double.
func NewReal(f float64) *Real { return &Real{F: f} }

// Kind implements Value.
func (*Real) Kind() Kind { return KindReal }

func (v *Real) shareLevel() ShareLevel     { return v.share }
func (v *Real) setShareLevel(s ShareLevel) { v.share = s }
func (v *Real) duplicate() Value           { return &Real{F: v.F} }

// String is a boxed character scalar.
type String struct {
	S     string
	share ShareLevel
}

// NewString allocates an unshared string.
func NewString(s string) *String { return &String{S: s} }

// Kind implements Value.
func (*String) Kind() Kind { return KindString }

func (v *String) shareLevel() ShareLevel     { return v.share }
func (v *String) setShareLevel(s ShareLevel) { v.share = s }
func (v *String) duplicate() Value           { return &String{S: v.S} }

// ---------------------------------------------------------------------------
// Symbols
// ---------------------------------------------------------------------------

// Symbol is an interned identifier. Symbols are unique per SymbolTable, so
// pointer equality is name equality.
type Symbol struct {
	Name string
	id   uint32
}

// Kind implements Value.
func (*Symbol) Kind() Kind { return KindSymbol }

// ID returns the symbol's interning ID.
func (s *Symbol) ID() uint32 { return s.id }

// ---------------------------------------------------------------------------
// Pairlists and language nodes
// ---------------------------------------------------------------------------

// Pairlist is a cons cell with an optional tag. A nil *Pairlist is the
// empty list. Argument lists, formal lists and call arguments are pairlists.
type Pairlist struct {
	Car   Value
	Tag   *Symbol // nil if untagged
	Cdr   *Pairlist
	share ShareLevel
}

// Kind implements Value.
func (*Pairlist) Kind() Kind { return KindPairlist }

func (p *Pairlist) shareLevel() ShareLevel     { return p.share }
func (p *Pairlist) setShareLevel(s ShareLevel) { p.share = s }

// duplicate copies the spine; cars are aliased and bumped to Shared.
func (p *Pairlist) duplicate() Value {
	var head, tail *Pairlist
	for n := p; n != nil; n = n.Cdr {
		MarkShared(n.Car)
		cell := &Pairlist{Car: n.Car, Tag: n.Tag}
		if head == nil {
			head = cell
		} else {
			tail.Cdr = cell
		}
		tail = cell
	}
	return head
}

// Len returns the number of cells.
func (p *Pairlist) Len() int {
	n := 0
	for ; p != nil; p = p.Cdr {
		n++
	}
	return n
}

// pairlistBuilder accumulates cells in order.
type pairlistBuilder struct {
	head, tail *Pairlist
}

func (b *pairlistBuilder) add(car Value, tag *Symbol) {
	cell := &Pairlist{Car: car, Tag: tag}
	if b.head == nil {
		b.head = cell
	} else {
		b.tail.Cdr = cell
	}
	b.tail = cell
}

func (b *pairlistBuilder) list() *Pairlist { return b.head }

// Lang is a call expression: a callee and an argument pairlist. Language
// nodes are values, so quoted code flows through the value model unchanged.
type Lang struct {
	Head Value
	Args *Pairlist
}

// NewLang builds a call node.
func NewLang(head Value, args *Pairlist) *Lang {
	return &Lang{Head: head, Args: args}
}

// Kind implements Value.
func (*Lang) Kind() Kind { return KindLang }

// DuplicateCall copies a call node and its argument spine so the copy's
// argument slots can be patched without aliasing the original.
func (l *Lang) DuplicateCall() *Lang {
	var args *Pairlist
	if l.Args != nil {
		args = l.Args.duplicate().(*Pairlist)
	}
	return &Lang{Head: l.Head, Args: args}
}

// ---------------------------------------------------------------------------
// Vectors
// ---------------------------------------------------------------------------

// Vector is a generic list: ordered elements with optional names and an
// optional class attribute. Values with a class attribute are "objects" and
// take the dispatch path instead of fast-path instructions.
type Vector struct {
	Elems []Value
	Names []*Symbol // nil, or one entry per element (nil entry = unnamed)
	Class []string  // most to least specific
	share ShareLevel
}

// NewVector allocates an unshared vector.
func NewVector(elems ...Value) *Vector { return &Vector{Elems: elems} }

// Kind implements Value.
func (*Vector) Kind() Kind { return KindVector }

func (v *Vector) shareLevel() ShareLevel     { return v.share }
func (v *Vector) setShareLevel(s ShareLevel) { v.share = s }

// duplicate copies the element and name slices; elements are aliased and
// bumped to Shared, so a later write into the copy duplicates again.
func (v *Vector) duplicate() Value {
	d := &Vector{Elems: make([]Value, len(v.Elems))}
	copy(d.Elems, v.Elems)
	for _, e := range d.Elems {
		MarkShared(e)
	}
	if v.Names != nil {
		d.Names = make([]*Symbol, len(v.Names))
		copy(d.Names, v.Names)
	}
	if v.Class != nil {
		d.Class = make([]string, len(v.Class))
		copy(d.Class, v.Class)
	}
	return d
}

// IndexOfName returns the position of the element named sym, or -1.
func (v *Vector) IndexOfName(sym *Symbol) int {
	if v.Names == nil {
		return -1
	}
	for i, n := range v.Names {
		if n == sym {
			return i
		}
	}
	return -1
}

// ensureNames makes the names slice writable and sized to the elements.
func (v *Vector) ensureNames() {
	if v.Names == nil {
		v.Names = make([]*Symbol, len(v.Elems))
	}
	for len(v.Names) < len(v.Elems) {
		v.Names = append(v.Names, nil)
	}
}

// IsObject reports whether a value carries an explicit class attribute.
func IsObject(v Value) bool {
	vec, ok := v.(*Vector)
	return ok && len(vec.Class) > 0
}

// ClassOf returns a value's class vector: the explicit attribute if set,
// otherwise the implicit class derived from the kind.
func ClassOf(v Value) []string {
	if vec, ok := v.(*Vector); ok && len(vec.Class) > 0 {
		return vec.Class
	}
	switch v.Kind() {
	case KindInt:
		return []string{"integer", "numeric"}
	case KindReal:
		return []string{"double", "numeric"}
	case KindBool:
		return []string{"logical"}
	case KindString:
		return []string{"character"}
	case KindClosure, KindBuiltin:
		return []string{"function"}
	default:
		return []string{v.Kind().String()}
	}
}

// ---------------------------------------------------------------------------
// Closures, promises, builtins
// ---------------------------------------------------------------------------

// Formal is one closure parameter, optionally carrying default-value code.
type Formal struct {
	Name    *Symbol
	Default *CodeObject // nil if no default
}

// Closure is compiled function code plus its captured environment. Pool
// constants hold templates with a nil Env; the close instruction stamps in
// the environment current at creation.
type Closure struct {
	Formals []Formal
	Body    *CodeObject
	Env     *Environment
}

// Kind implements Value.
func (*Closure) Kind() Kind { return KindClosure }

// Promise is a deferred computation: code plus capturing environment, with
// a memoized result. Forcing is idempotent; the environment reference is
// dropped once forced so the capture can be reclaimed.
type Promise struct {
	Code   *CodeObject
	Expr   Value // source expression, for reflection and error reporting
	Env    *Environment
	val    Value
	forced bool
}

// Kind implements Value.
func (*Promise) Kind() Kind { return KindPromise }

// Forced reports whether the promise has been evaluated.
func (p *Promise) Forced() bool { return p.forced }

// ForcedValue returns the memoized result; valid only after forcing.
func (p *Promise) ForcedValue() Value { return p.val }

// BuiltinFunc is the signature of an eager primitive: arguments arrive fully
// evaluated, in order, with names parallel to args (nil entry = unnamed).
type BuiltinFunc func(rt *Runtime, args []Value, names []*Symbol) (Value, error)

// SpecialFunc is the signature of a lazy primitive: it receives the raw call
// expression and the calling environment and decides what to evaluate.
type SpecialFunc func(rt *Runtime, call *Lang, env *Environment) (Value, error)

// Builtin is a primitive function, either eager or lazy ("special").
type Builtin struct {
	Name    string
	Fn      BuiltinFunc // eager entry point, nil for specials
	Special SpecialFunc // lazy entry point, nil for eager primitives
}

// Kind implements Value.
func (*Builtin) Kind() Kind { return KindBuiltin }

// Lazy reports whether the builtin takes unevaluated arguments.
func (b *Builtin) Lazy() bool { return b.Special != nil }

// IsCallable reports whether a value can be applied.
func IsCallable(v Value) bool {
	switch v.Kind() {
	case KindClosure, KindBuiltin:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Coercions
// ---------------------------------------------------------------------------

// AsBool coerces a scalar to a Go bool for branch instructions.
func AsBool(v Value) (bool, bool) {
	switch x := v.(type) {
	case *Boolean:
		return x.B, true
	case *Integer:
		return x.I != 0, true
	case *Real:
		return x.F != 0, true
	}
	return false, false
}

// AsReal coerces a numeric scalar to float64.
func AsReal(v Value) (float64, bool) {
	switch x := v.(type) {
	case *Integer:
		return float64(x.I), true
	case *Real:
		return x.F, true
	case *Boolean:
		if x.B {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// AsInt coerces a numeric scalar to int64.
func AsInt(v Value) (int64, bool) {
	switch x := v.(type) {
	case *Integer:
		return x.I, true
	case *Real:
		return int64(x.F), true
	case *Boolean:
		if x.B {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Formatting
// ---------------------------------------------------------------------------

// FormatValue renders a value for printing and disassembly. Language nodes
// deparse to call syntax.
func FormatValue(v Value) string {
	switch x := v.(type) {
	case *Null:
		return "NULL"
	case *Boolean:
		if x.B {
			return "TRUE"
		}
		return "FALSE"
	case *Integer:
		return strconv.FormatInt(x.I, 10)
	case *Real:
		return strconv.FormatFloat(x.F, 'g', -1, 64)
	case *String:
		return strconv.Quote(x.S)
	case *Symbol:
		return x.Name
	case *Missing:
		return "<missing>"
	case *Lang:
		var sb strings.Builder
		sb.WriteString(FormatValue(x.Head))
		sb.WriteByte('(')
		for n, i := x.Args, 0; n != nil; n, i = n.Cdr, i+1 {
			if i > 0 {
				sb.WriteString(", ")
			}
			if n.Tag != nil {
				sb.WriteString(n.Tag.Name)
				sb.WriteString(" = ")
			}
			sb.WriteString(FormatValue(n.Car))
		}
		sb.WriteByte(')')
		return sb.String()
	case *Pairlist:
		var sb strings.Builder
		sb.WriteString("pairlist(")
		for n, i := x, 0; n != nil; n, i = n.Cdr, i+1 {
			if i > 0 {
				sb.WriteString(", ")
			}
			if n.Tag != nil {
				sb.WriteString(n.Tag.Name)
				sb.WriteString(" = ")
			}
			sb.WriteString(FormatValue(n.Car))
		}
		sb.WriteByte(')')
		return sb.String()
	case *Vector:
		var sb strings.Builder
		sb.WriteString("list(")
		for i, e := range x.Elems {
			if i > 0 {
				sb.WriteString(", ")
			}
			if x.Names != nil && x.Names[i] != nil {
				sb.WriteString(x.Names[i].Name)
				sb.WriteString(" = ")
			}
			sb.WriteString(FormatValue(e))
		}
		sb.WriteByte(')')
		return sb.String()
	case *Closure:
		return "<closure>"
	case *Promise:
		if x.forced {
			return FormatValue(x.val)
		}
		return "<promise>"
	case *Builtin:
		return fmt.Sprintf("<builtin %s>", x.Name)
	case *Environment:
		return "<environment>"
	case *CodeObject:
		return "<code>"
	}
	return fmt.Sprintf("<%s>", v.Kind())
}
