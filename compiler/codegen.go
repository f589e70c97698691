package compiler

import (
	"github.com/tliron/commonlog"

	"github.com/roux-lang/roux/vm"
)

var log = commonlog.GetLogger("roux.compiler")

// ---------------------------------------------------------------------------
// Compiler
// ---------------------------------------------------------------------------

// Compiler lowers expression trees to code objects against a runtime's
// constant pool and symbol table. One compiler serves one runtime.
type Compiler struct {
	rt *vm.Runtime
}

// New creates a compiler and installs it as the runtime's on-demand
// compile hook.
func New(rt *vm.Runtime) *Compiler {
	c := &Compiler{rt: rt}
	rt.Compile = c.CompileExpr
	return c
}

// CompileExpr compiles a top-level expression to a code object.
func (c *Compiler) CompileExpr(expr vm.Value) (*vm.CodeObject, error) {
	return c.compileTo(expr)
}

// compilePromise compiles a lazily-passed argument. Promise code opens a
// fresh context, so a lexically enclosing loop is not visible: break and
// next inside promise code lower to their runtime signal forms.
func (c *Compiler) compilePromise(expr vm.Value) (*vm.CodeObject, error) {
	return c.compileTo(expr)
}

func (c *Compiler) compileTo(expr vm.Value) (*vm.CodeObject, error) {
	ctx := &codeCtx{b: vm.NewCodeBuilder(c.rt.Pool.Insert(expr))}
	if err := c.compile(ctx, expr); err != nil {
		return nil, err
	}
	ctx.b.Emit(vm.OpRet)
	ctx.b.NoteStack(ctx.max)
	code := ctx.b.Build()
	log.Debugf("compiled code object: %d bytes, %d promises", len(code.Insns), len(code.Promises))
	return code, nil
}

// codeCtx is the per-code-object compilation state: the instruction
// builder, the lexically open loops, and a running operand-depth estimate
// used to declare the object's stack need.
type codeCtx struct {
	b     *vm.CodeBuilder
	loops []loopScope
	depth int
	max   int
}

type loopScope struct {
	head *vm.Label
	exit *vm.Label
}

func (ctx *codeCtx) note(delta int) {
	ctx.depth += delta
	if ctx.depth > ctx.max {
		ctx.max = ctx.depth
	}
}

// ---------------------------------------------------------------------------
// Expression dispatch
// ---------------------------------------------------------------------------

// compile lowers one expression, leaving exactly one value on the operand
// stack. A symbol is a variable load, a call goes through the special-form
// table, anything else is a self-evaluating literal.
func (c *Compiler) compile(ctx *codeCtx, expr vm.Value) error {
	switch x := expr.(type) {
	case *vm.Symbol:
		idx := c.rt.Pool.Insert(x)
		if x == c.rt.DotsSymbol() {
			ctx.b.EmitU32(vm.OpLdDots, idx)
		} else {
			pc := ctx.b.EmitU32(vm.OpLdVar, idx)
			ctx.b.SetSrc(pc, idx)
		}
		ctx.note(1)
		return nil
	case *vm.Lang:
		return c.compileCall(ctx, x)
	default:
		ctx.b.EmitU32(vm.OpPush, c.rt.Pool.Insert(expr))
		ctx.note(1)
		return nil
	}
}

func (c *Compiler) compileCall(ctx *codeCtx, call *vm.Lang) error {
	if sym, ok := headSymbol(call); ok {
		handled, err := c.compileSpecial(ctx, call, sym)
		if handled || err != nil {
			return err
		}
	}
	return c.compileGenericCall(ctx, call)
}

// ---------------------------------------------------------------------------
// Special forms
// ---------------------------------------------------------------------------

// compileSpecial recognizes special forms by callee symbol and argument
// shape. A shape mismatch falls through to the generic call path rather
// than erroring, matching the syntactic nature of the table.
func (c *Compiler) compileSpecial(ctx *codeCtx, call *vm.Lang, sym *vm.Symbol) (bool, error) {
	args := argSlice(call)

	switch sym.Name {
	case "{":
		if len(args) == 0 {
			ctx.b.EmitU32(vm.OpPush, 0)
			ctx.note(1)
			return true, nil
		}
		for i, a := range args {
			if err := c.compile(ctx, a.Value); err != nil {
				return true, err
			}
			if i < len(args)-1 {
				ctx.b.Emit(vm.OpPop)
				ctx.note(-1)
			}
		}
		return true, nil

	case "(":
		if len(args) != 1 {
			return false, nil
		}
		if err := c.compile(ctx, args[0].Value); err != nil {
			return true, err
		}
		ctx.b.Emit(vm.OpVisible)
		return true, nil

	case "if":
		if len(args) != 2 && len(args) != 3 {
			return false, nil
		}
		return true, c.compileIf(ctx, args)

	case "<-", "=":
		if len(args) != 2 {
			return false, nil
		}
		return true, c.compileAssign(ctx, call, args[0].Value, args[1].Value)

	case "&&", "||":
		if len(args) != 2 || !allPositional(args) {
			return false, nil
		}
		return true, c.compileAndOr(ctx, args, sym.Name == "&&")

	case "while":
		if len(args) != 2 {
			return false, nil
		}
		return true, c.compileLoop(ctx, &args[0].Value, args[1].Value)

	case "repeat":
		if len(args) != 1 {
			return false, nil
		}
		return true, c.compileLoop(ctx, nil, args[0].Value)

	case "break", "next":
		if len(args) != 0 || len(ctx.loops) == 0 {
			// no lexically open loop: lower to the runtime signal form
			return false, nil
		}
		scope := ctx.loops[len(ctx.loops)-1]
		if sym.Name == "break" {
			ctx.b.EmitJump(vm.OpBr, scope.exit)
		} else {
			ctx.b.EmitJump(vm.OpBr, scope.head)
		}
		// unreachable filler so the expression still owes one value
		ctx.b.EmitU32(vm.OpPush, 0)
		ctx.note(1)
		return true, nil

	case "quote":
		if len(args) != 1 {
			return false, nil
		}
		p, err := c.compilePromise(args[0].Value)
		if err != nil {
			return true, err
		}
		ctx.b.EmitU32(vm.OpPushCode, ctx.b.AddPromise(p))
		ctx.note(1)
		return true, nil

	case "function":
		if len(args) < 2 {
			return false, nil
		}
		return true, c.compileFunction(ctx, call, args[0].Value, args[1].Value)

	case "is.null", "is.list", "is.pairlist":
		if len(args) != 1 || !allPositional(args) {
			return false, nil
		}
		tags := map[string]vm.Kind{
			"is.null":     vm.KindNull,
			"is.list":     vm.KindVector,
			"is.pairlist": vm.KindPairlist,
		}
		if err := c.compile(ctx, args[0].Value); err != nil {
			return true, err
		}
		ctx.b.EmitU32(vm.OpIs, uint32(tags[sym.Name]))
		return true, nil

	case "[[", "[":
		if len(args) != 2 || !allPositional(args) ||
			args[1].Value == c.rt.DotsSymbol() || args[1].Value == vm.MissingValue {
			return false, nil
		}
		return true, c.compileIndex(ctx, call, sym, args)

	case "$":
		if len(args) != 2 {
			return false, nil
		}
		name, ok := fieldName(args[1].Value)
		if !ok {
			return false, nil
		}
		return true, c.compileDollar(ctx, call, args[0].Value, name)

	case "missing":
		if len(args) != 1 {
			return false, nil
		}
		msym, ok := args[0].Value.(*vm.Symbol)
		if !ok {
			return false, nil
		}
		ctx.b.EmitU32(vm.OpMissing, c.rt.Pool.Insert(msym))
		ctx.note(1)
		return true, nil

	case "print":
		if len(args) != 1 || !allPositional(args) {
			return false, nil
		}
		if err := c.compile(ctx, args[0].Value); err != nil {
			return true, err
		}
		pc := ctx.b.EmitU32(vm.OpDispatchStack, 1, 0, c.rt.Pool.Insert(sym))
		ctx.b.SetSrc(pc, c.rt.Pool.Insert(call))
		return true, nil
	}

	return false, nil
}

func fieldName(v vm.Value) (string, bool) {
	switch x := v.(type) {
	case *vm.Symbol:
		return x.Name, true
	case *vm.String:
		return x.S, true
	}
	return "", false
}

func (c *Compiler) compileIf(ctx *codeCtx, args []Arg) error {
	lElse := ctx.b.NewLabel()
	lEnd := ctx.b.NewLabel()

	if err := c.compile(ctx, args[0].Value); err != nil {
		return err
	}
	ctx.b.Emit(vm.OpAsBool)
	ctx.b.EmitJump(vm.OpBrFalse, lElse)
	ctx.note(-1)

	branchBase := ctx.depth
	if err := c.compile(ctx, args[1].Value); err != nil {
		return err
	}
	ctx.b.EmitJump(vm.OpBr, lEnd)

	ctx.b.Mark(lElse)
	ctx.depth = branchBase
	if len(args) == 3 {
		if err := c.compile(ctx, args[2].Value); err != nil {
			return err
		}
	} else {
		ctx.b.EmitU32(vm.OpPush, 0)
		ctx.b.Emit(vm.OpInvisible)
		ctx.note(1)
	}
	ctx.b.Mark(lEnd)
	return nil
}

func (c *Compiler) compileAndOr(ctx *codeCtx, args []Arg, isAnd bool) error {
	lEnd := ctx.b.NewLabel()

	if err := c.compile(ctx, args[0].Value); err != nil {
		return err
	}
	ctx.b.Emit(vm.OpAsLogical)
	ctx.b.Emit(vm.OpDup)
	ctx.note(1)
	if isAnd {
		ctx.b.EmitJump(vm.OpBrFalse, lEnd)
	} else {
		ctx.b.EmitJump(vm.OpBrTrue, lEnd)
	}
	ctx.note(-1)

	if err := c.compile(ctx, args[1].Value); err != nil {
		return err
	}
	ctx.b.Emit(vm.OpAsLogical)
	if isAnd {
		ctx.b.Emit(vm.OpAnd2)
	} else {
		ctx.b.Emit(vm.OpOr2)
	}
	ctx.note(-1)
	ctx.b.Mark(lEnd)
	return nil
}

// compileLoop lowers while (cond non-nil) and repeat. The begin-loop
// immediate targets the end-context instruction, so break lands on the
// context pop and falls into the loop's invisible null result.
func (c *Compiler) compileLoop(ctx *codeCtx, cond *vm.Value, body vm.Value) error {
	lEnd := ctx.b.NewLabel()
	ctx.b.EmitJump(vm.OpBeginLoop, lEnd)
	lHead := ctx.b.NewLabel()
	ctx.b.Mark(lHead)

	ctx.loops = append(ctx.loops, loopScope{head: lHead, exit: lEnd})
	defer func() { ctx.loops = ctx.loops[:len(ctx.loops)-1] }()

	if cond != nil {
		if err := c.compile(ctx, *cond); err != nil {
			return err
		}
		ctx.b.Emit(vm.OpAsBool)
		ctx.b.EmitJump(vm.OpBrFalse, lEnd)
		ctx.note(-1)
	}
	if err := c.compile(ctx, body); err != nil {
		return err
	}
	ctx.b.Emit(vm.OpPop)
	ctx.note(-1)
	ctx.b.EmitJump(vm.OpBr, lHead)

	ctx.b.Mark(lEnd)
	ctx.b.Emit(vm.OpEndContext)
	ctx.b.EmitU32(vm.OpPush, 0)
	ctx.b.Emit(vm.OpInvisible)
	ctx.note(1)
	return nil
}

func (c *Compiler) compileFunction(ctx *codeCtx, call *vm.Lang, formalsVal, body vm.Value) error {
	var formals []vm.Formal
	switch fl := formalsVal.(type) {
	case *vm.Null:
	case *vm.Pairlist:
		for cell := fl; cell != nil; cell = cell.Cdr {
			var f vm.Formal
			switch {
			case cell.Tag != nil:
				f.Name = cell.Tag
				if _, isMissing := cell.Car.(*vm.Missing); !isMissing && cell.Car != nil {
					d, err := c.compilePromise(cell.Car)
					if err != nil {
						return err
					}
					f.Default = d
				}
			default:
				sym, ok := cell.Car.(*vm.Symbol)
				if !ok {
					return compileErrorf(ErrMalformedExpression, call, "formal parameter is not a symbol")
				}
				f.Name = sym
			}
			formals = append(formals, f)
		}
	default:
		return compileErrorf(ErrMalformedExpression, call, "formal list is %s", formalsVal.Kind())
	}

	bodyCode, err := c.compileTo(body)
	if err != nil {
		return err
	}
	tmpl := &vm.Closure{Formals: formals, Body: bodyCode}
	ctx.b.EmitU32(vm.OpClose, c.rt.Pool.Insert(tmpl))
	ctx.note(1)
	return nil
}

// compileIndex is the canonical fast-path-with-dispatch-fallback shape: a
// branch-if-object guard around the fast extraction instruction, with a
// dispatch call on the object path.
func (c *Compiler) compileIndex(ctx *codeCtx, call *vm.Lang, sym *vm.Symbol, args []Arg) error {
	fastOp := vm.OpExtract
	if sym.Name == "[" {
		fastOp = vm.OpSubset
	}
	srcIdx := c.rt.Pool.Insert(call)
	lObj := ctx.b.NewLabel()
	lEnd := ctx.b.NewLabel()

	if err := c.compile(ctx, args[0].Value); err != nil {
		return err
	}
	ctx.b.EmitJump(vm.OpBrObj, lObj)
	branchBase := ctx.depth

	if err := c.compile(ctx, args[1].Value); err != nil {
		return err
	}
	pc := ctx.b.Emit(fastOp)
	ctx.b.SetSrc(pc, srcIdx)
	ctx.note(-1)
	ctx.b.EmitJump(vm.OpBr, lEnd)

	ctx.b.Mark(lObj)
	ctx.depth = branchBase
	if err := c.compile(ctx, args[1].Value); err != nil {
		return err
	}
	pc = ctx.b.EmitU32(vm.OpDispatchStack, 2, 0, c.rt.Pool.Insert(sym))
	ctx.b.SetSrc(pc, srcIdx)
	ctx.note(-1)
	ctx.b.Mark(lEnd)
	return nil
}

// compileDollar lowers field access: the field name becomes a string
// constant, the object path dispatches on the `$` selector.
func (c *Compiler) compileDollar(ctx *codeCtx, call *vm.Lang, obj vm.Value, name string) error {
	dollarIdx := c.rt.Pool.Insert(c.rt.Symbols.Intern("$"))
	nameIdx := c.rt.Pool.Insert(vm.NewString(name))
	srcIdx := c.rt.Pool.Insert(call)
	lObj := ctx.b.NewLabel()
	lEnd := ctx.b.NewLabel()

	if err := c.compile(ctx, obj); err != nil {
		return err
	}
	ctx.b.EmitJump(vm.OpBrObj, lObj)
	branchBase := ctx.depth

	ctx.b.EmitU32(vm.OpLdFun, dollarIdx)
	ctx.b.EmitU32(vm.OpPick, 1)
	ctx.b.EmitU32(vm.OpPush, nameIdx)
	ctx.note(2)
	pc := ctx.b.EmitU32(vm.OpCallStack, 2, 0)
	ctx.b.SetSrc(pc, srcIdx)
	ctx.note(-2)
	ctx.b.EmitJump(vm.OpBr, lEnd)

	ctx.b.Mark(lObj)
	ctx.depth = branchBase
	ctx.b.EmitU32(vm.OpPush, nameIdx)
	ctx.note(1)
	pc = ctx.b.EmitU32(vm.OpDispatchStack, 2, 0, dollarIdx)
	ctx.b.SetSrc(pc, srcIdx)
	ctx.note(-1)
	ctx.b.Mark(lEnd)
	return nil
}

// ---------------------------------------------------------------------------
// Generic calls
// ---------------------------------------------------------------------------

// compileGenericCall lowers a call that matched no special form: look up
// the callee, compile every argument as promise code, and emit the
// promise-variant call instruction with the argument vector and names
// stored out of line in the pool.
func (c *Compiler) compileGenericCall(ctx *codeCtx, call *vm.Lang) error {
	callIdx := c.rt.Pool.Insert(call)

	if sym, ok := headSymbol(call); ok {
		pc := ctx.b.EmitU32(vm.OpLdFun, c.rt.Pool.Insert(sym))
		ctx.b.SetSrc(pc, callIdx)
		ctx.note(1)
	} else {
		if err := c.compile(ctx, call.Head); err != nil {
			return err
		}
		pc := ctx.b.Emit(vm.OpIsFun)
		ctx.b.SetSrc(pc, callIdx)
	}

	var idxs []vm.Value
	var names []vm.Value
	hasNames := false
	for cell := call.Args; cell != nil; cell = cell.Cdr {
		switch {
		case cell.Car == c.rt.DotsSymbol():
			idxs = append(idxs, vm.NewInt(int64(vm.DotsArgIdx)))
		case cell.Car == vm.MissingValue:
			idxs = append(idxs, vm.NewInt(int64(vm.MissingArgIdx)))
		default:
			p, err := c.compilePromise(cell.Car)
			if err != nil {
				return err
			}
			idxs = append(idxs, vm.NewInt(int64(ctx.b.AddPromise(p))))
		}
		if cell.Tag != nil {
			hasNames = true
			names = append(names, cell.Tag)
		} else {
			names = append(names, vm.NullValue)
		}
	}

	argvecIdx := c.rt.Pool.Insert(vm.NewVector(idxs...))
	namesIdx := uint32(0)
	if hasNames {
		namesIdx = c.rt.Pool.Insert(vm.NewVector(names...))
	}
	pc := ctx.b.EmitU32(vm.OpCall, argvecIdx, namesIdx)
	ctx.b.SetSrc(pc, callIdx)
	return nil
}
