package compiler

import (
	"github.com/roux-lang/roux/vm"
)

// ---------------------------------------------------------------------------
// Assignment
// ---------------------------------------------------------------------------

// compileAssign lowers `lhs <- rhs`. A symbol target is a plain store; a
// call target decomposes into a getter/setter chain replayed against a
// single fetch of the base variable. Either way the expression's value is
// the right-hand side, invisibly.
func (c *Compiler) compileAssign(ctx *codeCtx, call *vm.Lang, lhs, rhs vm.Value) error {
	var base *vm.Symbol
	switch t := lhs.(type) {
	case *vm.Symbol:
		base = t
	case *vm.String:
		base = c.rt.Symbols.Intern(t.S)
	case *vm.Lang:
		chain, sym, err := assignChain(call, t)
		if err != nil {
			return err
		}
		return c.compileComplexAssign(ctx, call, chain, sym, rhs)
	default:
		return compileErrorf(ErrInvalidAssignmentTarget, call,
			"invalid assignment target (%s)", lhs.Kind())
	}

	if err := c.compile(ctx, rhs); err != nil {
		return err
	}
	ctx.b.Emit(vm.OpDup)
	ctx.note(1)
	pc := ctx.b.EmitU32(vm.OpStVar, c.rt.Pool.Insert(base))
	ctx.b.SetSrc(pc, c.rt.Pool.Insert(call))
	ctx.note(-1)
	ctx.b.Emit(vm.OpInvisible)
	return nil
}

// assignChain decomposes a call-shaped target into its accessor chain,
// outermost call first, ending at the base variable. Each link's first
// argument must be the next link in.
func assignChain(call *vm.Lang, lhs *vm.Lang) ([]*vm.Lang, *vm.Symbol, error) {
	var chain []*vm.Lang
	var cur vm.Value = lhs
	for {
		switch t := cur.(type) {
		case *vm.Symbol:
			return chain, t, nil
		case *vm.Lang:
			if _, ok := headSymbol(t); !ok {
				return nil, nil, compileErrorf(ErrInvalidAssignmentTarget, call,
					"target accessor is not named")
			}
			if t.Args == nil {
				return nil, nil, compileErrorf(ErrInvalidAssignmentTarget, call,
					"target accessor %s has no arguments", vm.FormatValue(t.Head))
			}
			chain = append(chain, t)
			cur = t.Args.Car
		default:
			return nil, nil, compileErrorf(ErrInvalidAssignmentTarget, call,
				"cannot assign into a %s", cur.Kind())
		}
	}
}

// compileComplexAssign emits the getter/setter replay for a chained target.
// The base variable is fetched once; intermediate target values are
// computed with the chain's accessors, then rebuilt inside out with their
// replacement functions, threading the updated value back to a single store
// of the base. The stack shape is
//
//	value value target_n ... target_1
//
// after the fetch phase, and each setter consumes one target plus the
// threaded value.
func (c *Compiler) compileComplexAssign(ctx *codeCtx, call *vm.Lang, chain []*vm.Lang, base *vm.Symbol, rhs vm.Value) error {
	n := len(chain)
	callIdx := c.rt.Pool.Insert(call)

	if err := c.compile(ctx, rhs); err != nil {
		return err
	}
	ctx.b.Emit(vm.OpDup)
	ctx.note(1)
	pc := ctx.b.EmitU32(vm.OpLdVar, c.rt.Pool.Insert(base))
	ctx.b.SetSrc(pc, callIdx)
	ctx.note(1)

	// fetch intermediate targets, innermost accessor first
	for i := n - 1; i >= 1; i-- {
		node := chain[i]
		head, _ := headSymbol(node)
		ctx.b.Emit(vm.OpDup)
		ctx.note(1)
		gpc := ctx.b.EmitU32(vm.OpLdFun, c.rt.Pool.Insert(head))
		ctx.b.SetSrc(gpc, callIdx)
		ctx.note(1)
		ctx.b.EmitU32(vm.OpPick, 1)
		extras, err := c.compileExtras(ctx, node, head)
		if err != nil {
			return err
		}
		k := len(extras)
		cpc := ctx.b.EmitU32(vm.OpCallStack, uint32(1+k), c.argNames(nil, extras, nil))
		ctx.b.SetSrc(cpc, c.accessorSrc(head, extras))
		ctx.note(-(1 + k))
	}

	// replay with replacement functions, outermost accessor first
	for i := 0; i < n; i++ {
		node := chain[i]
		head, _ := headSymbol(node)
		setter := c.rt.Symbols.Intern(head.Name + "<-")
		spc := ctx.b.EmitU32(vm.OpLdFun, c.rt.Pool.Insert(setter))
		ctx.b.SetSrc(spc, callIdx)
		ctx.note(1)
		if i == 0 {
			ctx.b.EmitU32(vm.OpPick, 1)
		} else {
			ctx.b.EmitU32(vm.OpPick, 2)
		}
		ctx.b.Emit(vm.OpUniq)
		extras, err := c.compileExtras(ctx, node, head)
		if err != nil {
			return err
		}
		k := len(extras)
		if i == 0 {
			ctx.b.EmitU32(vm.OpPick, uint32(n+k+1))
		} else {
			ctx.b.EmitU32(vm.OpPick, uint32(k+2))
		}
		valueSym := c.rt.Symbols.Intern("value")
		cpc := ctx.b.EmitU32(vm.OpCallStack, uint32(2+k), c.argNames(nil, extras, valueSym))
		ctx.b.SetSrc(cpc, c.setterSrc(setter, extras, valueSym))
		ctx.note(-(2 + k))
	}

	pc = ctx.b.EmitU32(vm.OpStVar, c.rt.Pool.Insert(base))
	ctx.b.SetSrc(pc, callIdx)
	ctx.note(-1)
	ctx.b.Emit(vm.OpInvisible)
	return nil
}

// extraArg is one accessor argument beyond the target: the expression used
// in synthesized source calls, plus its name if the call site tagged it.
type extraArg struct {
	expr vm.Value
	name *vm.Symbol
}

// compileExtras evaluates an accessor's trailing arguments onto the stack.
// Field names after `$` are syntax, not expressions; they lower to string
// constants.
func (c *Compiler) compileExtras(ctx *codeCtx, node *vm.Lang, head *vm.Symbol) ([]extraArg, error) {
	var out []extraArg
	for cell := node.Args.Cdr; cell != nil; cell = cell.Cdr {
		if head.Name == "$" {
			name, ok := fieldName(cell.Car)
			if !ok {
				return nil, compileErrorf(ErrInvalidAssignmentTarget, node,
					"field accessor needs a name, got %s", cell.Car.Kind())
			}
			sv := vm.NewString(name)
			vm.MarkShared(sv)
			ctx.b.EmitU32(vm.OpPush, c.rt.Pool.Insert(sv))
			ctx.note(1)
			out = append(out, extraArg{expr: sv, name: cell.Tag})
			continue
		}
		if err := c.compile(ctx, cell.Car); err != nil {
			return nil, err
		}
		out = append(out, extraArg{expr: cell.Car, name: cell.Tag})
	}
	return out, nil
}

// argNames builds the names operand for a replay call: nil for the target
// slot, the extras' tags, and optionally a trailing name for the threaded
// value. Returns 0 when every slot is unnamed.
func (c *Compiler) argNames(_ []vm.Value, extras []extraArg, valueName *vm.Symbol) uint32 {
	elems := []vm.Value{vm.NullValue}
	any := false
	for _, e := range extras {
		if e.name != nil {
			elems = append(elems, e.name)
			any = true
		} else {
			elems = append(elems, vm.NullValue)
		}
	}
	if valueName != nil {
		elems = append(elems, valueName)
		any = true
	}
	if !any {
		return 0
	}
	return c.rt.Pool.Insert(vm.NewVector(elems...))
}

// accessorSrc synthesizes the source call recorded for a getter replay:
// the accessor applied to the target placeholder.
func (c *Compiler) accessorSrc(head *vm.Symbol, extras []extraArg) uint32 {
	args := []Arg{{Value: c.rt.TargetPlaceholder()}}
	for _, e := range extras {
		args = append(args, Arg{Name: e.name, Value: e.expr})
	}
	return c.rt.Pool.Insert(NewCallNamed(head, args))
}

// setterSrc synthesizes the source call recorded for a replacement call:
// the setter applied to the target placeholder with the threaded value
// placeholder in the named value slot.
func (c *Compiler) setterSrc(setter *vm.Symbol, extras []extraArg, valueSym *vm.Symbol) uint32 {
	args := []Arg{{Value: c.rt.TargetPlaceholder()}}
	for _, e := range extras {
		args = append(args, Arg{Name: e.name, Value: e.expr})
	}
	args = append(args, Arg{Name: valueSym, Value: c.rt.ValuePlaceholder()})
	return c.rt.Pool.Insert(NewCallNamed(setter, args))
}
