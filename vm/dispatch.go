package vm

// ---------------------------------------------------------------------------
// Dispatch resolver
// ---------------------------------------------------------------------------

// MethodTable is the externally-populated formal method registry consulted
// after class-vector lookup fails. The engine only defines the lookup
// protocol; embedders decide how methods are registered.
type MethodTable interface {
	// Lookup returns a callable for a class vector and selector, or false.
	Lookup(classes []string, selector string) (Value, bool)
}

// resolveMethod performs type-directed lookup for a dispatch instruction:
// class-qualified bindings first (most to least specific class), then the
// formal method table, then the selector as a plain function.
func (rt *Runtime) resolveMethod(receiver Value, selector *Symbol, env *Environment, src Value) (Value, error) {
	if IsObject(receiver) {
		classes := ClassOf(receiver)
		for _, class := range classes {
			qualified := rt.Symbols.Intern(selector.Name + "." + class)
			if fn, err := rt.findFun(qualified, env, src); err == nil {
				return fn, nil
			}
		}
		if rt.Methods != nil {
			if fn, ok := rt.Methods.Lookup(classes, selector.Name); ok && IsCallable(fn) {
				return fn, nil
			}
		}
	}
	fn, err := rt.findFun(selector, env, src)
	if err != nil {
		return nil, Errorf(ErrNotCallable, src, "no applicable method for %q", selector.Name)
	}
	return fn, nil
}

// doDispatch implements the promise-argument dispatch instruction. The
// receiver is already evaluated on top of the stack; it is patched into the
// first argument slot of the resolved method's argument list.
func (rt *Runtime) doDispatch(code *CodeObject, pc int, env *Environment, argvecIdx, namesIdx, selIdx uint32) error {
	receiver := rt.pop()
	selector := rt.poolSymbol(selIdx)
	src := rt.srcFor(code, pc)
	argIdxs := rt.poolArgvec(argvecIdx)
	names := rt.poolNames(namesIdx)
	rt.visible = true

	method, err := rt.resolveMethod(receiver, selector, env, src)
	if err != nil {
		return err
	}

	switch f := method.(type) {
	case *Builtin:
		if f.Lazy() {
			call, ok := src.(*Lang)
			if !ok {
				return Errorf(ErrBoundsViolation, src, "special %q dispatched without source", f.Name)
			}
			v, err := f.Special(rt, rt.patchCall(call, []Value{receiver}), env)
			if err != nil {
				return err
			}
			rt.push(v)
			return nil
		}
		var rest []uint32
		if len(argIdxs) > 0 {
			rest = argIdxs[1:]
		}
		args, argNames, err := rt.evalArgsEager(code, rest, namesTail(names), env, src)
		if err != nil {
			return err
		}
		args = append([]Value{receiver}, args...)
		argNames = append([]*Symbol{nameAt(names, 0)}, argNames...)
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
		if arglist == nil {
			var b pairlistBuilder
			b.add(receiver, nil)
			arglist = b.list()
		} else {
			Bump(receiver)
			arglist.Car = receiver
		}
		v, err := rt.callClosure(f, arglist, src)
		if err != nil {
			return err
		}
		rt.push(v)
		return nil

	default:
		return Errorf(ErrNotCallable, src, "method for %q is not a function", selector.Name)
	}
}

// doDispatchStack implements the stack-argument dispatch instruction: all
// arguments, receiver first, are already evaluated on the stack.
func (rt *Runtime) doDispatchStack(code *CodeObject, pc int, env *Environment, nargs int, namesIdx, selIdx uint32) error {
	if nargs < 1 {
		return Errorf(ErrArityMismatch, nil, "dispatch requires a receiver")
	}
	args := make([]Value, nargs)
	for i := nargs - 1; i >= 0; i-- {
		args[i] = rt.pop()
	}
	receiver := args[0]
	selector := rt.poolSymbol(selIdx)
	src := rt.srcFor(code, pc)
	names := rt.poolNames(namesIdx)
	rt.visible = true

	method, err := rt.resolveMethod(receiver, selector, env, src)
	if err != nil {
		return err
	}

	switch f := method.(type) {
	case *Builtin:
		if f.Lazy() {
			call, ok := src.(*Lang)
			if !ok {
				return Errorf(ErrBoundsViolation, src, "special %q dispatched without source", f.Name)
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
		return Errorf(ErrNotCallable, src, "method for %q is not a function", selector.Name)
	}
}

func namesTail(names []*Symbol) []*Symbol {
	if len(names) == 0 {
		return nil
	}
	return names[1:]
}
