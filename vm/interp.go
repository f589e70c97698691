package vm

import "encoding/binary"

// ---------------------------------------------------------------------------
// Execution engine
// ---------------------------------------------------------------------------

// execute runs one code object against an environment. It owns a window of
// the shared operand stack and a window of the context stack: both are
// restored before returning, normally or on error, so any loop context
// above the entry base is known to belong to this frame. Break and continue
// signals raised by nested evaluation are consumed here when such a context
// exists; everything else propagates to the caller.
func (rt *Runtime) execute(code *CodeObject, env *Environment) (Value, error) {
	rt.reserve(code.NeedStack + rt.Options.StackSlack)
	base := len(rt.contexts)
	spBase := rt.sp
	insns := code.Insns
	trace := rt.Options.Trace
	pc := 0

	for {
		rt.steps++
		if rt.steps >= rt.Options.InterruptInterval {
			rt.steps = 0
			if rt.interrupt.Load() {
				rt.truncContexts(base)
				return nil, Errorf(ErrInterruptRequested, nil, "execution interrupted")
			}
		}

		if pc == len(insns) {
			// fell off the end: result is top of stack. Decoded images may
			// carry code that never produced one; popping a caller's operand
			// instead would corrupt the stack.
			rt.truncContexts(base)
			if rt.sp <= spBase {
				return nil, Errorf(ErrBoundsViolation, nil, "code ended without a result on the stack")
			}
			return rt.pop(), nil
		}
		if pc < 0 || pc > len(insns) {
			rt.truncContexts(base)
			return nil, Errorf(ErrBoundsViolation, nil, "program counter %d outside code bounds", pc)
		}

		if trace {
			log.Debugf("%s", disassembleAt(code, rt.Pool, pc))
		}

		op := Opcode(insns[pc])
		size := instructionSize(insns, pc)
		if size == 0 || pc+size > len(insns) {
			rt.truncContexts(base)
			return nil, Errorf(ErrBoundsViolation, nil, "malformed instruction at %d", pc)
		}
		u32 := func(n int) uint32 {
			return binary.LittleEndian.Uint32(insns[pc+1+4*n:])
		}
		next := pc + size
		var err error

		switch op {
		case OpPop:
			rt.pop()

		case OpDup:
			rt.push(rt.peek(0))

		case OpDup2:
			v1, v0 := rt.peek(1), rt.peek(0)
			rt.push(v1)
			rt.push(v0)

		case OpSwap:
			b, a := rt.pop(), rt.pop()
			rt.push(b)
			rt.push(a)

		case OpPick:
			k := int(u32(0))
			if k >= rt.sp {
				err = Errorf(ErrBoundsViolation, nil, "pick %d beyond stack depth %d", k, rt.sp)
				break
			}
			idx := rt.sp - 1 - k
			v := rt.stack[idx]
			copy(rt.stack[idx:], rt.stack[idx+1:rt.sp])
			rt.stack[rt.sp-1] = v

		case OpPut:
			k := int(u32(0))
			if k >= rt.sp {
				err = Errorf(ErrBoundsViolation, nil, "put %d beyond stack depth %d", k, rt.sp)
				break
			}
			idx := rt.sp - 1 - k
			v := rt.stack[rt.sp-1]
			copy(rt.stack[idx+1:rt.sp], rt.stack[idx:rt.sp-1])
			rt.stack[idx] = v

		case OpPush:
			rt.push(rt.Pool.Get(u32(0)))
			rt.visible = true

		case OpLdVar:
			sym := rt.poolSymbol(u32(0))
			var v Value
			v, err = rt.loadVar(sym, env, rt.srcFor(code, pc))
			if err == nil {
				rt.push(v)
				rt.visible = true
			}

		case OpLdDots:
			sym := rt.poolSymbol(u32(0))
			v, ok := env.Lookup(sym)
			if !ok {
				err = Errorf(ErrUnboundVariable, rt.srcFor(code, pc), "'...' used outside a function")
				break
			}
			rt.push(v)
			rt.visible = true

		case OpStVar:
			sym := rt.poolSymbol(u32(0))
			env.Define(sym, rt.pop())

		case OpIs:
			v := rt.pop()
			rt.push(BoolValue(v.Kind() == Kind(u32(0))))

		case OpLdFun:
			sym := rt.poolSymbol(u32(0))
			var v Value
			v, err = rt.findFun(sym, env, rt.srcFor(code, pc))
			if err == nil {
				rt.push(v)
			}

		case OpIsFun:
			if !IsCallable(rt.peek(0)) {
				err = Errorf(ErrNotCallable, rt.srcFor(code, pc), "attempt to apply non-function")
			}

		case OpClose:
			tmpl, ok := rt.Pool.Get(u32(0)).(*Closure)
			if !ok {
				err = Errorf(ErrBoundsViolation, nil, "close operand is not a closure template")
				break
			}
			rt.push(&Closure{Formals: tmpl.Formals, Body: tmpl.Body, Env: env})
			rt.visible = true

		case OpMkProm:
			p := code.Promises[u32(0)]
			rt.push(&Promise{Code: p, Expr: rt.Pool.Get(p.SrcIdx), Env: env})

		case OpPushCode:
			p := code.Promises[u32(0)]
			rt.push(rt.Pool.Get(p.SrcIdx))
			rt.visible = true

		case OpForce:
			if p, ok := rt.peek(0).(*Promise); ok {
				var v Value
				v, err = rt.forcePromise(p)
				if err == nil {
					rt.setTop(v)
				}
			}

		case OpAsAst:
			p, ok := rt.pop().(*Promise)
			if !ok {
				err = Errorf(ErrTypeMismatch, rt.srcFor(code, pc), "asast on non-promise")
				break
			}
			rt.push(p.Expr)

		case OpBr, OpBrTrue, OpBrFalse, OpBrObj, OpBeginLoop:
			target := next + int(int32(u32(0)))
			if target < 0 || target > len(insns) {
				err = Errorf(ErrBoundsViolation, nil, "branch target %d outside code bounds", target)
				break
			}
			switch op {
			case OpBr:
				next = target
			case OpBrTrue, OpBrFalse:
				b, ok := AsBool(rt.pop())
				if !ok {
					err = Errorf(ErrTypeMismatch, rt.srcFor(code, pc), "argument is not interpretable as logical")
					break
				}
				if b == (op == OpBrTrue) {
					next = target
				}
			case OpBrObj:
				if IsObject(rt.peek(0)) {
					next = target
				}
			case OpBeginLoop:
				rt.pushContext(ControlContext{
					Kind:     ContextLoop,
					Depth:    rt.sp,
					ResumePC: next,
					ExitPC:   target,
				})
			}

		case OpEndContext:
			if len(rt.contexts) <= base {
				err = Errorf(ErrBoundsViolation, nil, "endcontext with no open context")
				break
			}
			rt.popContext()

		case OpRet:
			if rt.sp <= spBase {
				rt.truncContexts(base)
				return nil, Errorf(ErrBoundsViolation, nil, "ret without a result on the stack")
			}
			v := rt.pop()
			rt.truncContexts(base)
			return v, nil

		case OpCall:
			err = rt.doCall(code, pc, env, u32(0), u32(1))

		case OpCallStack:
			err = rt.doCallStack(code, pc, env, int(u32(0)), u32(1))

		case OpDispatch:
			err = rt.doDispatch(code, pc, env, u32(0), u32(1), u32(2))

		case OpDispatchStack:
			err = rt.doDispatchStack(code, pc, env, int(u32(0)), u32(1), u32(2))

		case OpAdd, OpSub, OpMul, OpLt:
			b, a := rt.pop(), rt.pop()
			var v Value
			v, err = scalarOp(op, a, b, rt.srcFor(code, pc))
			if err == nil {
				rt.push(v)
			}

		case OpInc:
			v := EnsureUnshared(rt.pop())
			n, ok := v.(*Integer)
			if !ok {
				err = Errorf(ErrTypeMismatch, rt.srcFor(code, pc), "inc on %s", v.Kind())
				break
			}
			n.I++
			rt.push(n)

		case OpExtract:
			idx, obj := rt.pop(), rt.pop()
			var v Value
			v, err = extractElement(obj, idx, rt.srcFor(code, pc))
			if err == nil {
				rt.push(v)
			}

		case OpSubset:
			idx, obj := rt.pop(), rt.pop()
			var v Value
			v, err = subsetValue(obj, idx, rt.srcFor(code, pc))
			if err == nil {
				rt.push(v)
			}

		case OpTestBounds:
			idx, obj := rt.peek(0), rt.peek(1)
			i, ok := AsInt(idx)
			vec, isVec := obj.(*Vector)
			rt.push(BoolValue(ok && isVec && i >= 1 && int(i) <= len(vec.Elems)))

		case OpAsBool:
			b, ok := AsBool(rt.pop())
			if !ok {
				err = Errorf(ErrTypeMismatch, rt.srcFor(code, pc), "argument is not interpretable as logical")
				break
			}
			rt.push(BoolValue(b))

		case OpAsLogical:
			b, ok := AsBool(rt.pop())
			if !ok {
				err = Errorf(ErrTypeMismatch, rt.srcFor(code, pc), "argument is not interpretable as logical")
				break
			}
			rt.push(BoolValue(b))

		case OpAnd2:
			b, a := rt.pop(), rt.pop()
			bb, okB := AsBool(b)
			ab, okA := AsBool(a)
			if !okA || !okB {
				err = Errorf(ErrTypeMismatch, rt.srcFor(code, pc), "invalid logical operand")
				break
			}
			rt.push(BoolValue(ab && bb))

		case OpOr2:
			b, a := rt.pop(), rt.pop()
			bb, okB := AsBool(b)
			ab, okA := AsBool(a)
			if !okA || !okB {
				err = Errorf(ErrTypeMismatch, rt.srcFor(code, pc), "invalid logical operand")
				break
			}
			rt.push(BoolValue(ab || bb))

		case OpUniq:
			rt.setTop(EnsureUnshared(rt.peek(0)))

		case OpVisible:
			rt.visible = true

		case OpInvisible:
			rt.visible = false

		case OpMissing:
			sym := rt.poolSymbol(u32(0))
			v, ok := env.LookupLocal(sym)
			rt.push(BoolValue(ok && v == MissingValue))

		default:
			err = Errorf(ErrBoundsViolation, nil, "unknown opcode %#02x at %d", byte(op), pc)
		}

		if err != nil {
			if sig, ok := err.(*Signal); ok && sig.SigKind != SignalReturn {
				if idx := rt.innermostLoop(base); idx >= 0 {
					c := rt.contexts[idx]
					rt.truncContexts(idx + 1)
					rt.restoreDepth(c.Depth)
					if sig.SigKind == SignalBreak {
						pc = c.ExitPC
					} else {
						pc = c.ResumePC
					}
					continue
				}
			}
			rt.truncContexts(base)
			return nil, err
		}
		pc = next
	}
}

// ---------------------------------------------------------------------------
// Variable loading and promise forcing
// ---------------------------------------------------------------------------

// srcFor resolves the source expression recorded for an instruction.
func (rt *Runtime) srcFor(code *CodeObject, pc int) Value {
	idx := code.SrcAt(pc)
	if idx == 0 {
		return nil
	}
	return rt.Pool.Get(idx)
}

// poolSymbol reads a symbol constant; non-symbols are a compiler bug and
// surface as a panic during development.
func (rt *Runtime) poolSymbol(idx uint32) *Symbol {
	return rt.Pool.Get(idx).(*Symbol)
}

// loadVar looks a symbol up through the environment chain, forcing a
// promise binding and republishing the forced value in its frame.
func (rt *Runtime) loadVar(sym *Symbol, env *Environment, src Value) (Value, error) {
	v, frame, ok := env.lookupFrame(sym)
	if !ok {
		return nil, Errorf(ErrUnboundVariable, src, "object '%s' not found", sym.Name)
	}
	if p, isProm := v.(*Promise); isProm {
		fv, err := rt.forcePromise(p)
		if err != nil {
			return nil, err
		}
		Bump(fv)
		frame.setLocal(sym, fv)
		return fv, nil
	}
	if v == MissingValue {
		return nil, Errorf(ErrMissingArgument, src, "argument '%s' is missing, with no default", sym.Name)
	}
	return v, nil
}

// findFun walks the environment chain looking for a callable binding,
// skipping bindings of other kinds the way function-position lookup must.
func (rt *Runtime) findFun(sym *Symbol, env *Environment, src Value) (Value, error) {
	for e := env; e != nil; e = e.parent {
		v, ok := e.vars[sym]
		if !ok {
			continue
		}
		if p, isProm := v.(*Promise); isProm {
			fv, err := rt.forcePromise(p)
			if err != nil {
				return nil, err
			}
			e.setLocal(sym, fv)
			v = fv
		}
		if IsCallable(v) {
			return v, nil
		}
	}
	return nil, Errorf(ErrNotCallable, src, "could not find function %q", sym.Name)
}

// forcePromise evaluates a promise at most once, memoizing the result and
// dropping the environment reference so the capture can be reclaimed.
func (rt *Runtime) forcePromise(p *Promise) (Value, error) {
	if p.forced {
		return p.val, nil
	}
	var v Value
	var err error
	if p.Code != nil {
		v, err = rt.execute(p.Code, p.Env)
	} else {
		v, err = rt.Eval(p.Expr, p.Env)
	}
	if err != nil {
		return nil, err
	}
	if inner, ok := v.(*Promise); ok {
		if v, err = rt.forcePromise(inner); err != nil {
			return nil, err
		}
	}
	p.val = v
	p.forced = true
	p.Env = nil
	return v, nil
}

// ---------------------------------------------------------------------------
// Scalar fast ops
// ---------------------------------------------------------------------------

// scalarOp implements the numeric fast-path instructions. The compiler only
// emits generic calls for arithmetic; these opcodes are reserved for
// optimized tiers that have proven operand types, so a mismatch here is a
// consistency fault, not a dispatch opportunity.
func scalarOp(op Opcode, a, b Value, src Value) (Value, error) {
	ai, aOK := a.(*Integer)
	bi, bOK := b.(*Integer)
	if aOK && bOK {
		switch op {
		case OpAdd:
			return NewInt(ai.I + bi.I), nil
		case OpSub:
			return NewInt(ai.I - bi.I), nil
		case OpMul:
			return NewInt(ai.I * bi.I), nil
		case OpLt:
			return BoolValue(ai.I < bi.I), nil
		}
	}
	af, aNum := AsReal(a)
	bf, bNum := AsReal(b)
	if !aNum || !bNum {
		return nil, Errorf(ErrTypeMismatch, src, "non-numeric operand to scalar %s", op)
	}
	switch op {
	case OpAdd:
		return NewReal(af + bf), nil
	case OpSub:
		return NewReal(af - bf), nil
	case OpMul:
		return NewReal(af * bf), nil
	case OpLt:
		return BoolValue(af < bf), nil
	}
	return nil, Errorf(ErrTypeMismatch, src, "bad scalar op %s", op)
}
