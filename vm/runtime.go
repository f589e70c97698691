package vm

import (
	"sync/atomic"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("roux.vm")

// ---------------------------------------------------------------------------
// Runtime
// ---------------------------------------------------------------------------

// Runtime owns all interpreter state: the constant pool, the symbol table,
// the environment roots, the shared operand stack, the control-context
// stack, the visibility flag and the interrupt counter. Nothing here is
// global; embedders may run independent runtimes side by side, but a single
// runtime is not safe for concurrent use.
type Runtime struct {
	Pool    *Pool
	Symbols *SymbolTable
	Base    *Environment // builtins
	Global  *Environment // user bindings, child of Base
	Methods MethodTable  // formal method registry, may be nil
	Options Options

	// Compile lowers an expression to code on demand. The compiler package
	// installs it; the engine needs it to evaluate raw expressions handed
	// to lazy primitives.
	Compile func(expr Value) (*CodeObject, error)

	stack    []Value
	sp       int
	contexts []ControlContext
	visible  bool

	interrupt atomic.Bool
	steps     int

	// interned well-known symbols
	symDots        *Symbol
	symValuePlace  *Symbol
	symTargetPlace *Symbol
	symQuote       *Symbol
}

// NewRuntime creates a runtime with the base environment populated.
func NewRuntime(opts Options) *Runtime {
	if opts.StackSlack <= 0 {
		opts.StackSlack = DefaultOptions().StackSlack
	}
	if opts.InterruptInterval <= 0 {
		opts.InterruptInterval = DefaultOptions().InterruptInterval
	}
	rt := &Runtime{
		Pool:    NewPool(),
		Symbols: NewSymbolTable(),
		Options: opts,
		stack:   make([]Value, 0, 256),
		visible: true,
	}
	rt.symDots = rt.Symbols.Intern("...")
	rt.symTargetPlace = rt.Symbols.Intern("*tmp*")
	rt.symValuePlace = rt.Symbols.Intern("*vtmp*")
	rt.symQuote = rt.Symbols.Intern("quote")
	rt.Base = NewEnvironment(nil)
	rt.Global = NewEnvironment(rt.Base)
	installBase(rt)
	return rt
}

// Register binds a builtin in the base environment.
func (rt *Runtime) Register(b *Builtin) {
	rt.Base.Define(rt.Symbols.Intern(b.Name), b)
}

// DotsSymbol returns the interned variadic marker.
func (rt *Runtime) DotsSymbol() *Symbol { return rt.symDots }

// TargetPlaceholder returns the symbol standing in for the assignment
// target while replaying a complex-assignment getter chain.
func (rt *Runtime) TargetPlaceholder() *Symbol { return rt.symTargetPlace }

// ValuePlaceholder returns the symbol standing in for the threaded value in
// complex-assignment setter calls.
func (rt *Runtime) ValuePlaceholder() *Symbol { return rt.symValuePlace }

// Interrupt requests that execution abort at the next check point. Safe to
// call from another goroutine.
func (rt *Runtime) Interrupt() { rt.interrupt.Store(true) }

// ClearInterrupt resets the interrupt flag.
func (rt *Runtime) ClearInterrupt() { rt.interrupt.Store(false) }

// Visible reports whether the last evaluated result should be printed by an
// enclosing REPL.
func (rt *Runtime) Visible() bool { return rt.visible }

// ---------------------------------------------------------------------------
// Operand stack
// ---------------------------------------------------------------------------

// reserve grows the operand stack so that n more slots can be pushed
// without reallocation.
func (rt *Runtime) reserve(n int) {
	need := rt.sp + n
	for len(rt.stack) < need {
		rt.stack = append(rt.stack, nil)
	}
}

func (rt *Runtime) push(v Value) {
	if rt.sp == len(rt.stack) {
		rt.stack = append(rt.stack, v)
	} else {
		rt.stack[rt.sp] = v
	}
	rt.sp++
}

func (rt *Runtime) pop() Value {
	rt.sp--
	v := rt.stack[rt.sp]
	rt.stack[rt.sp] = nil
	return v
}

// peek returns the value at depth k from the top (0 = top).
func (rt *Runtime) peek(k int) Value {
	return rt.stack[rt.sp-1-k]
}

func (rt *Runtime) setTop(v Value) {
	rt.stack[rt.sp-1] = v
}

// Depth returns the current operand-stack depth.
func (rt *Runtime) Depth() int { return rt.sp }

// restoreDepth truncates the operand stack to depth n.
func (rt *Runtime) restoreDepth(n int) {
	for i := n; i < rt.sp; i++ {
		rt.stack[i] = nil
	}
	rt.sp = n
}

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

// Run executes a code object against an environment and returns its value.
// A control signal escaping every context is an error at this level.
func (rt *Runtime) Run(code *CodeObject, env *Environment) (Value, error) {
	rt.visible = true
	v, err := rt.execute(code, env)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Eval evaluates an arbitrary value in an environment: symbols look up (and
// force), language nodes compile on demand and run, everything else
// self-evaluates. Lazy primitives use it on their raw argument expressions.
func (rt *Runtime) Eval(expr Value, env *Environment) (Value, error) {
	switch x := expr.(type) {
	case *Symbol:
		return rt.loadVar(x, env, nil)
	case *Lang:
		if rt.Compile == nil {
			return nil, Errorf(ErrNotCallable, expr, "no compiler installed for on-demand evaluation")
		}
		code, err := rt.Compile(expr)
		if err != nil {
			return nil, err
		}
		return rt.execute(code, env)
	case *Promise:
		return rt.forcePromise(x)
	default:
		return expr, nil
	}
}
