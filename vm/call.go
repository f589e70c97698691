package vm

// Sentinel entries in call argument vectors, standing in for arguments that
// have no promise code of their own.
const (
	DotsArgIdx    = 0xFFFFFFFF // splice the caller's variadic binding
	MissingArgIdx = 0xFFFFFFFE // explicitly missing argument
)

// ---------------------------------------------------------------------------
// Call instructions
// ---------------------------------------------------------------------------

// doCall implements the promise-argument call instruction. The callee is on
// top of the stack; arguments are references to precompiled promise code,
// listed out-of-line in a pool-resident argument vector. Pushes the result.
func (rt *Runtime) doCall(code *CodeObject, pc int, env *Environment, argvecIdx, namesIdx uint32) error {
	callee := rt.pop()
	src := rt.srcFor(code, pc)
	argIdxs := rt.poolArgvec(argvecIdx)
	names := rt.poolNames(namesIdx)
	rt.visible = true

	switch f := callee.(type) {
	case *Builtin:
		if f.Lazy() {
			call, ok := src.(*Lang)
			if !ok {
				return Errorf(ErrBoundsViolation, src, "special %q called without source", f.Name)
			}
			v, err := f.Special(rt, call, env)
			if err != nil {
				return err
			}
			rt.push(v)
			return nil
		}
		args, argNames, err := rt.evalArgsEager(code, argIdxs, names, env, src)
		if err != nil {
			return err
		}
		v, err := f.Fn(rt, args, argNames)
		if err != nil {
			return err
		}
		rt.push(v)
		return nil

	case *Closure:
		arglist, err := rt.createArgsList(code, argIdxs, names, env, src)
		if err != nil {
			return err
		}
		v, err := rt.callClosure(f, arglist, src)
		if err != nil {
			return err
		}
		rt.push(v)
		return nil

	default:
		return Errorf(ErrNotCallable, src, "attempt to apply non-function (%s)", callee.Kind())
	}
}

// doCallStack implements the stack-argument call instruction. The callee
// sits beneath nargs already-evaluated values. Specials invoked this way
// receive the recorded call expression with placeholder argument slots
// patched to the evaluated values, quote-wrapped when the value is itself a
// symbol or language node so it is not re-evaluated.
func (rt *Runtime) doCallStack(code *CodeObject, pc int, env *Environment, nargs int, namesIdx uint32) error {
	args := make([]Value, nargs)
	for i := nargs - 1; i >= 0; i-- {
		args[i] = rt.pop()
	}
	callee := rt.pop()
	src := rt.srcFor(code, pc)
	names := rt.poolNames(namesIdx)
	rt.visible = true

	switch f := callee.(type) {
	case *Builtin:
		if f.Lazy() {
			call, ok := src.(*Lang)
			if !ok {
				return Errorf(ErrBoundsViolation, src, "special %q called without source", f.Name)
			}
			v, err := f.Special(rt, rt.patchCall(call, args), env)
			if err != nil {
				return err
			}
			rt.push(v)
			return nil
		}
		v, err := f.Fn(rt, args, names)
		if err != nil {
			return err
		}
		rt.push(v)
		return nil

	case *Closure:
		var b pairlistBuilder
		for i, a := range args {
			b.add(a, nameAt(names, i))
		}
		v, err := rt.callClosure(f, b.list(), src)
		if err != nil {
			return err
		}
		rt.push(v)
		return nil

	default:
		return Errorf(ErrNotCallable, src, "attempt to apply non-function (%s)", callee.Kind())
	}
}

// ---------------------------------------------------------------------------
// Argument lists
// ---------------------------------------------------------------------------

// poolArgvec decodes a pool-resident argument vector into promise indices.
func (rt *Runtime) poolArgvec(idx uint32) []uint32 {
	vec, ok := rt.Pool.Get(idx).(*Vector)
	if !ok {
		return nil
	}
	out := make([]uint32, len(vec.Elems))
	for i, e := range vec.Elems {
		out[i] = uint32(e.(*Integer).I)
	}
	return out
}

// poolNames decodes a pool-resident names vector; 0 means all unnamed.
func (rt *Runtime) poolNames(idx uint32) []*Symbol {
	if idx == 0 {
		return nil
	}
	vec, ok := rt.Pool.Get(idx).(*Vector)
	if !ok {
		return nil
	}
	out := make([]*Symbol, len(vec.Elems))
	for i, e := range vec.Elems {
		if s, isSym := e.(*Symbol); isSym {
			out[i] = s
		}
	}
	return out
}

func nameAt(names []*Symbol, i int) *Symbol {
	if names == nil || i >= len(names) {
		return nil
	}
	return names[i]
}

// lookupDots resolves the caller's variadic binding for splicing.
func (rt *Runtime) lookupDots(env *Environment, src Value) (*Pairlist, error) {
	v, ok := env.Lookup(rt.symDots)
	if !ok {
		return nil, Errorf(ErrUnboundVariable, src, "'...' used in an incorrect context")
	}
	switch d := v.(type) {
	case *Pairlist:
		return d, nil
	case *Null, *Missing:
		return nil, nil
	default:
		return nil, Errorf(ErrTypeMismatch, src, "'...' bound to %s", v.Kind())
	}
}

// createArgsList builds the lazy argument pairlist for a closure call: each
// supplied argument becomes a fresh promise over its precompiled code and
// the caller's environment; variadic entries splice in as they are.
func (rt *Runtime) createArgsList(code *CodeObject, argIdxs []uint32, names []*Symbol, env *Environment, src Value) (*Pairlist, error) {
	var b pairlistBuilder
	for i, idx := range argIdxs {
		switch idx {
		case DotsArgIdx:
			dots, err := rt.lookupDots(env, src)
			if err != nil {
				return nil, err
			}
			for cell := dots; cell != nil; cell = cell.Cdr {
				b.add(cell.Car, cell.Tag)
			}
		case MissingArgIdx:
			b.add(MissingValue, nameAt(names, i))
		default:
			pcode := code.Promises[idx]
			b.add(&Promise{Code: pcode, Expr: rt.Pool.Get(pcode.SrcIdx), Env: env}, nameAt(names, i))
		}
	}
	return b.list(), nil
}

// evalArgsEager evaluates every argument to a value, in order, for eager
// primitives. Promise code runs directly against the caller's environment;
// spliced variadic entries are forced.
func (rt *Runtime) evalArgsEager(code *CodeObject, argIdxs []uint32, names []*Symbol, env *Environment, src Value) ([]Value, []*Symbol, error) {
	args := make([]Value, 0, len(argIdxs))
	argNames := make([]*Symbol, 0, len(argIdxs))
	for i, idx := range argIdxs {
		switch idx {
		case DotsArgIdx:
			dots, err := rt.lookupDots(env, src)
			if err != nil {
				return nil, nil, err
			}
			for cell := dots; cell != nil; cell = cell.Cdr {
				v := cell.Car
				if p, ok := v.(*Promise); ok {
					if v, err = rt.forcePromise(p); err != nil {
						return nil, nil, err
					}
				}
				args = append(args, v)
				argNames = append(argNames, cell.Tag)
			}
		case MissingArgIdx:
			args = append(args, MissingValue)
			argNames = append(argNames, nameAt(names, i))
		default:
			v, err := rt.execute(code.Promises[idx], env)
			if err != nil {
				return nil, nil, err
			}
			args = append(args, v)
			argNames = append(argNames, nameAt(names, i))
		}
	}
	return args, argNames, nil
}

// patchCall duplicates a call expression and substitutes placeholder
// argument slots with the evaluated value at the same argument position.
// Values that are symbols or language nodes are wrapped in quote so a
// re-evaluation sees them as data.
func (rt *Runtime) patchCall(call *Lang, values []Value) *Lang {
	patched := call.DuplicateCall()
	vi := 0
	for cell := patched.Args; cell != nil && vi < len(values); cell = cell.Cdr {
		if cell.Car == rt.symTargetPlace || cell.Car == rt.symValuePlace {
			cell.Car = rt.quoteWrap(values[vi])
		}
		vi++
	}
	return patched
}

// quoteWrap shields a value from re-evaluation when spliced into an
// expression.
func (rt *Runtime) quoteWrap(v Value) Value {
	switch v.Kind() {
	case KindSymbol, KindLang:
		var b pairlistBuilder
		b.add(v, nil)
		return NewLang(rt.symQuote, b.list())
	}
	return v
}

// ---------------------------------------------------------------------------
// Closure invocation
// ---------------------------------------------------------------------------

// callClosure binds an argument list against a closure's formals, pushes a
// call context, runs the body and enforces stack neutrality. Return signals
// complete the call with the carried value; break and continue may not
// cross a function boundary.
func (rt *Runtime) callClosure(cl *Closure, args *Pairlist, src Value) (Value, error) {
	if cl.Env == nil {
		return nil, Errorf(ErrNotCallable, src, "closure template was never instantiated")
	}
	fenv := NewEnvironment(cl.Env)
	if err := rt.matchArgs(cl, args, fenv, src); err != nil {
		return nil, err
	}

	spBefore := rt.sp
	ctxIdx := rt.pushContext(ControlContext{Kind: ContextCall, Depth: rt.sp})
	v, err := rt.execute(cl.Body, fenv)
	rt.truncContexts(ctxIdx)

	if err != nil {
		if sig, ok := err.(*Signal); ok {
			if sig.SigKind == SignalReturn {
				rt.restoreDepth(spBefore)
				return sig.Value, nil
			}
			return nil, Errorf(ErrNoLoop, src, "no loop for break/next, jumping to top level")
		}
		return nil, err
	}
	if rt.sp != spBefore {
		return nil, Errorf(ErrBoundsViolation, src, "operand stack depth %d after call, want %d", rt.sp, spBefore)
	}
	return v, nil
}

// matchArgs binds supplied arguments to formals: named arguments match
// exactly, positional arguments fill the remaining formals in order up to
// the variadic formal, which collects whatever is left. Unbound formals
// with a default get a promise over the default code in the callee
// environment; without one they are bound missing and only error if read.
func (rt *Runtime) matchArgs(cl *Closure, args *Pairlist, fenv *Environment, src Value) error {
	nFormals := len(cl.Formals)
	bound := make([]bool, nFormals)
	dotsFormal := -1
	for i, f := range cl.Formals {
		if f.Name == rt.symDots {
			dotsFormal = i
		}
	}

	type supplied struct {
		car  Value
		tag  *Symbol
		used bool
	}
	var cells []supplied
	for cell := args; cell != nil; cell = cell.Cdr {
		cells = append(cells, supplied{car: cell.Car, tag: cell.Tag})
	}

	// pass 1: exact name matches
	for ci := range cells {
		if cells[ci].tag == nil {
			continue
		}
		for fi, f := range cl.Formals {
			if fi == dotsFormal || bound[fi] || f.Name != cells[ci].tag {
				continue
			}
			fenv.Define(f.Name, cells[ci].car)
			bound[fi] = true
			cells[ci].used = true
			break
		}
	}

	// pass 2: positional fill, stopping at the variadic formal
	fi := 0
	for ci := range cells {
		if cells[ci].used || cells[ci].tag != nil {
			continue
		}
		for fi < nFormals && (bound[fi] || fi == dotsFormal) {
			if fi == dotsFormal {
				break
			}
			fi++
		}
		if fi >= nFormals || fi == dotsFormal {
			break
		}
		fenv.Define(cl.Formals[fi].Name, cells[ci].car)
		bound[fi] = true
		cells[ci].used = true
		fi++
	}

	// pass 3: leftovers go to the variadic formal or are an arity error
	var leftovers pairlistBuilder
	nLeft := 0
	for ci := range cells {
		if cells[ci].used {
			continue
		}
		leftovers.add(cells[ci].car, cells[ci].tag)
		nLeft++
	}
	if dotsFormal >= 0 {
		if nLeft > 0 {
			fenv.Define(rt.symDots, leftovers.list())
		} else {
			fenv.Define(rt.symDots, MissingValue)
		}
		bound[dotsFormal] = true
	} else if nLeft > 0 {
		return Errorf(ErrArityMismatch, src, "unused argument(s) (%d supplied beyond %d formals)", nLeft, nFormals)
	}

	// pass 4: defaults and missing markers
	for i, f := range cl.Formals {
		if bound[i] {
			continue
		}
		if f.Default != nil {
			fenv.Define(f.Name, &Promise{
				Code: f.Default,
				Expr: rt.Pool.Get(f.Default.SrcIdx),
				Env:  fenv,
			})
		} else {
			fenv.Define(f.Name, MissingValue)
		}
	}
	return nil
}
