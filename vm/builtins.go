package vm

import (
	"fmt"
	"os"
)

// ---------------------------------------------------------------------------
// Base environment
// ---------------------------------------------------------------------------

// installBase populates the base environment. Eager builtins receive
// evaluated arguments; specials receive the raw call and decide evaluation
// themselves.
func installBase(rt *Runtime) {
	eager := func(name string, fn BuiltinFunc) {
		rt.Register(&Builtin{Name: name, Fn: fn})
	}
	special := func(name string, fn SpecialFunc) {
		rt.Register(&Builtin{Name: name, Special: fn})
	}

	eager("list", builtinList)
	eager("length", builtinLength)
	eager("identity", builtinIdentity)
	eager("print", builtinPrint)
	eager("class", builtinClass)
	eager("class<-", builtinSetClass)
	eager("names", builtinNames)

	eager("$", builtinDollar)
	eager("$<-", builtinDollarSet)
	eager("[[", builtinExtract)
	eager("[[<-", builtinExtractSet)
	eager("[", builtinSubset)
	eager("[<-", builtinSubsetSet)

	for _, op := range []string{"+", "-", "*", "/", "<", ">", "<=", ">=", "==", "!="} {
		op := op
		eager(op, func(rt *Runtime, args []Value, names []*Symbol) (Value, error) {
			return builtinArith(rt, op, args)
		})
	}
	eager("!", builtinNot)

	special("quote", specialQuote)
	special("return", specialReturn)
	special("break", specialBreak)
	special("next", specialNext)
	special("invisible", specialInvisible)
	special("eval", specialEval)
}

func needArgs(name string, args []Value, n int) error {
	if len(args) != n {
		return Errorf(ErrArityMismatch, nil, "%s: %d argument(s), want %d", name, len(args), n)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Eager primitives
// ---------------------------------------------------------------------------

func builtinList(rt *Runtime, args []Value, names []*Symbol) (Value, error) {
	vec := &Vector{Elems: make([]Value, len(args))}
	copy(vec.Elems, args)
	for _, e := range vec.Elems {
		Bump(e)
	}
	for i, n := range names {
		if n != nil {
			vec.ensureNames()
			vec.Names[i] = n
		}
	}
	return vec, nil
}

func builtinLength(rt *Runtime, args []Value, names []*Symbol) (Value, error) {
	if err := needArgs("length", args, 1); err != nil {
		return nil, err
	}
	switch x := args[0].(type) {
	case *Null:
		return NewInt(0), nil
	case *Vector:
		return NewInt(int64(len(x.Elems))), nil
	case *Pairlist:
		return NewInt(int64(x.Len())), nil
	default:
		return NewInt(1), nil
	}
}

func builtinIdentity(rt *Runtime, args []Value, names []*Symbol) (Value, error) {
	if err := needArgs("identity", args, 1); err != nil {
		return nil, err
	}
	return args[0], nil
}

func builtinPrint(rt *Runtime, args []Value, names []*Symbol) (Value, error) {
	if len(args) < 1 {
		return nil, Errorf(ErrArityMismatch, nil, "print: no argument")
	}
	fmt.Fprintln(os.Stdout, FormatValue(args[0]))
	rt.visible = false
	return args[0], nil
}

func builtinClass(rt *Runtime, args []Value, names []*Symbol) (Value, error) {
	if err := needArgs("class", args, 1); err != nil {
		return nil, err
	}
	classes := ClassOf(args[0])
	vec := &Vector{Elems: make([]Value, len(classes))}
	for i, c := range classes {
		vec.Elems[i] = NewString(c)
	}
	return vec, nil
}

func builtinSetClass(rt *Runtime, args []Value, names []*Symbol) (Value, error) {
	if err := needArgs("class<-", args, 2); err != nil {
		return nil, err
	}
	obj, ok := EnsureUnshared(args[0]).(*Vector)
	if !ok {
		return nil, Errorf(ErrTypeMismatch, nil, "class<-: cannot set class on %s", args[0].Kind())
	}
	var classes []string
	switch c := args[1].(type) {
	case *String:
		classes = []string{c.S}
	case *Vector:
		for _, e := range c.Elems {
			s, isStr := e.(*String)
			if !isStr {
				return nil, Errorf(ErrTypeMismatch, nil, "class<-: class vector must be character")
			}
			classes = append(classes, s.S)
		}
	case *Null:
		classes = nil
	default:
		return nil, Errorf(ErrTypeMismatch, nil, "class<-: invalid class (%s)", args[1].Kind())
	}
	obj.Class = classes
	return obj, nil
}

func builtinNames(rt *Runtime, args []Value, names []*Symbol) (Value, error) {
	if err := needArgs("names", args, 1); err != nil {
		return nil, err
	}
	vec, ok := args[0].(*Vector)
	if !ok || vec.Names == nil {
		return NullValue, nil
	}
	out := &Vector{Elems: make([]Value, len(vec.Names))}
	for i, n := range vec.Names {
		if n == nil {
			out.Elems[i] = NewString("")
		} else {
			out.Elems[i] = NewString(n.Name)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Indexing
// ---------------------------------------------------------------------------

// nameOf coerces a name argument (string, symbol) to an interned symbol.
func nameOf(rt *Runtime, v Value) (*Symbol, bool) {
	switch x := v.(type) {
	case *Symbol:
		return x, true
	case *String:
		return rt.Symbols.Intern(x.S), true
	}
	return nil, false
}

// extractElement is the single-element getter shared by the extract
// instruction and the `[[` builtin.
func extractElement(obj, idx Value, src Value) (Value, error) {
	switch x := obj.(type) {
	case *Vector:
		if i, ok := AsInt(idx); ok {
			if i < 1 || int(i) > len(x.Elems) {
				return nil, Errorf(ErrBoundsViolation, src, "subscript out of bounds (%d of %d)", i, len(x.Elems))
			}
			v := x.Elems[i-1]
			Bump(v)
			return v, nil
		}
		if s, ok := idx.(*String); ok {
			for i, n := range x.Names {
				if n != nil && n.Name == s.S {
					v := x.Elems[i]
					Bump(v)
					return v, nil
				}
			}
			return NullValue, nil
		}
		return nil, Errorf(ErrTypeMismatch, src, "invalid subscript kind %s", idx.Kind())
	case *Pairlist:
		if i, ok := AsInt(idx); ok {
			for cell, n := x, int64(1); cell != nil; cell, n = cell.Cdr, n+1 {
				if n == i {
					Bump(cell.Car)
					return cell.Car, nil
				}
			}
			return nil, Errorf(ErrBoundsViolation, src, "subscript out of bounds")
		}
		return nil, Errorf(ErrTypeMismatch, src, "invalid subscript kind %s", idx.Kind())
	default:
		return nil, Errorf(ErrTypeMismatch, src, "cannot extract from %s", obj.Kind())
	}
}

// subsetValue is the subset getter shared by the subset instruction and the
// `[` builtin: a single index selects a one-element container of the same
// shape.
func subsetValue(obj, idx Value, src Value) (Value, error) {
	vec, ok := obj.(*Vector)
	if !ok {
		return nil, Errorf(ErrTypeMismatch, src, "cannot subset %s", obj.Kind())
	}
	var pos int
	if i, isNum := AsInt(idx); isNum {
		if i < 1 || int(i) > len(vec.Elems) {
			return nil, Errorf(ErrBoundsViolation, src, "subscript out of bounds (%d of %d)", i, len(vec.Elems))
		}
		pos = int(i - 1)
	} else if s, isStr := idx.(*String); isStr {
		pos = -1
		for i, n := range vec.Names {
			if n != nil && n.Name == s.S {
				pos = i
				break
			}
		}
		if pos < 0 {
			return nil, Errorf(ErrBoundsViolation, src, "subscript out of bounds (name %q)", s.S)
		}
	} else {
		return nil, Errorf(ErrTypeMismatch, src, "invalid subscript kind %s", idx.Kind())
	}
	elem := vec.Elems[pos]
	Bump(elem)
	out := &Vector{Elems: []Value{elem}}
	if vec.Names != nil && vec.Names[pos] != nil {
		out.Names = []*Symbol{vec.Names[pos]}
	}
	return out, nil
}

func builtinDollar(rt *Runtime, args []Value, names []*Symbol) (Value, error) {
	if err := needArgs("$", args, 2); err != nil {
		return nil, err
	}
	vec, ok := args[0].(*Vector)
	if !ok {
		return nil, Errorf(ErrTypeMismatch, nil, "$ on %s", args[0].Kind())
	}
	sym, ok := nameOf(rt, args[1])
	if !ok {
		return nil, Errorf(ErrTypeMismatch, nil, "invalid name for $")
	}
	if i := vec.IndexOfName(sym); i >= 0 {
		v := vec.Elems[i]
		Bump(v)
		return v, nil
	}
	return NullValue, nil
}

func builtinDollarSet(rt *Runtime, args []Value, names []*Symbol) (Value, error) {
	if err := needArgs("$<-", args, 3); err != nil {
		return nil, err
	}
	sym, ok := nameOf(rt, args[1])
	if !ok {
		return nil, Errorf(ErrTypeMismatch, nil, "invalid name for $<-")
	}
	var vec *Vector
	switch x := EnsureUnshared(args[0]).(type) {
	case *Vector:
		vec = x
	case *Null:
		vec = &Vector{}
	default:
		return nil, Errorf(ErrTypeMismatch, nil, "$<- on %s", args[0].Kind())
	}
	val := args[2]
	Bump(val)
	if i := vec.IndexOfName(sym); i >= 0 {
		vec.Elems[i] = val
		return vec, nil
	}
	vec.Elems = append(vec.Elems, val)
	vec.ensureNames()
	vec.Names[len(vec.Elems)-1] = sym
	return vec, nil
}

func builtinExtract(rt *Runtime, args []Value, names []*Symbol) (Value, error) {
	if err := needArgs("[[", args, 2); err != nil {
		return nil, err
	}
	return extractElement(args[0], args[1], nil)
}

func builtinExtractSet(rt *Runtime, args []Value, names []*Symbol) (Value, error) {
	if err := needArgs("[[<-", args, 3); err != nil {
		return nil, err
	}
	return setElement(rt, args[0], args[1], args[2])
}

func builtinSubset(rt *Runtime, args []Value, names []*Symbol) (Value, error) {
	if err := needArgs("[", args, 2); err != nil {
		return nil, err
	}
	return subsetValue(args[0], args[1], nil)
}

func builtinSubsetSet(rt *Runtime, args []Value, names []*Symbol) (Value, error) {
	if err := needArgs("[<-", args, 3); err != nil {
		return nil, err
	}
	return setElement(rt, args[0], args[1], args[2])
}

// setElement updates one slot, duplicating a shared container first so the
// write is never visible through other bindings. Appending one past the end
// grows the container.
func setElement(rt *Runtime, obj, idx, val Value) (Value, error) {
	var vec *Vector
	switch x := EnsureUnshared(obj).(type) {
	case *Vector:
		vec = x
	case *Null:
		vec = &Vector{}
	default:
		return nil, Errorf(ErrTypeMismatch, nil, "cannot assign into %s", obj.Kind())
	}
	Bump(val)
	if i, ok := AsInt(idx); ok {
		switch {
		case i >= 1 && int(i) <= len(vec.Elems):
			vec.Elems[i-1] = val
		case int(i) == len(vec.Elems)+1:
			vec.Elems = append(vec.Elems, val)
			if vec.Names != nil {
				vec.ensureNames()
			}
		default:
			return nil, Errorf(ErrBoundsViolation, nil, "subscript out of bounds (%d of %d)", i, len(vec.Elems))
		}
		return vec, nil
	}
	if sym, ok := nameOf(rt, idx); ok {
		if i := vec.IndexOfName(sym); i >= 0 {
			vec.Elems[i] = val
		} else {
			vec.Elems = append(vec.Elems, val)
			vec.ensureNames()
			vec.Names[len(vec.Elems)-1] = sym
		}
		return vec, nil
	}
	return nil, Errorf(ErrTypeMismatch, nil, "invalid subscript kind %s", idx.Kind())
}

// ---------------------------------------------------------------------------
// Arithmetic and comparison fallback
// ---------------------------------------------------------------------------

// builtinArith is the generic arithmetic/comparison entry point the
// compiler targets; the scalar fast-path instructions are reserved for
// optimized tiers.
func builtinArith(rt *Runtime, op string, args []Value) (Value, error) {
	if err := needArgs(op, args, 2); err != nil {
		return nil, err
	}
	a, b := args[0], args[1]

	if op == "==" || op == "!=" {
		if as, okA := a.(*String); okA {
			if bs, okB := b.(*String); okB {
				return BoolValue((as.S == bs.S) == (op == "==")), nil
			}
		}
	}

	ai, aInt := a.(*Integer)
	bi, bInt := b.(*Integer)
	if aInt && bInt && op != "/" {
		switch op {
		case "+":
			return NewInt(ai.I + bi.I), nil
		case "-":
			return NewInt(ai.I - bi.I), nil
		case "*":
			return NewInt(ai.I * bi.I), nil
		case "<":
			return BoolValue(ai.I < bi.I), nil
		case ">":
			return BoolValue(ai.I > bi.I), nil
		case "<=":
			return BoolValue(ai.I <= bi.I), nil
		case ">=":
			return BoolValue(ai.I >= bi.I), nil
		case "==":
			return BoolValue(ai.I == bi.I), nil
		case "!=":
			return BoolValue(ai.I != bi.I), nil
		}
	}

	af, okA := AsReal(a)
	bf, okB := AsReal(b)
	if !okA || !okB {
		return nil, Errorf(ErrTypeMismatch, nil, "non-numeric argument to binary operator %q", op)
	}
	switch op {
	case "+":
		return NewReal(af + bf), nil
	case "-":
		return NewReal(af - bf), nil
	case "*":
		return NewReal(af * bf), nil
	case "/":
		return NewReal(af / bf), nil
	case "<":
		return BoolValue(af < bf), nil
	case ">":
		return BoolValue(af > bf), nil
	case "<=":
		return BoolValue(af <= bf), nil
	case ">=":
		return BoolValue(af >= bf), nil
	case "==":
		return BoolValue(af == bf), nil
	case "!=":
		return BoolValue(af != bf), nil
	}
	return nil, Errorf(ErrTypeMismatch, nil, "unknown operator %q", op)
}

func builtinNot(rt *Runtime, args []Value, names []*Symbol) (Value, error) {
	if err := needArgs("!", args, 1); err != nil {
		return nil, err
	}
	b, ok := AsBool(args[0])
	if !ok {
		return nil, Errorf(ErrTypeMismatch, nil, "invalid argument type to !")
	}
	return BoolValue(!b), nil
}

// ---------------------------------------------------------------------------
// Specials
// ---------------------------------------------------------------------------

func specialQuote(rt *Runtime, call *Lang, env *Environment) (Value, error) {
	if call.Args == nil {
		return nil, Errorf(ErrArityMismatch, call, "quote: no argument")
	}
	return call.Args.Car, nil
}

func specialReturn(rt *Runtime, call *Lang, env *Environment) (Value, error) {
	var v Value = NullValue
	if call.Args != nil {
		var err error
		if v, err = rt.Eval(call.Args.Car, env); err != nil {
			return nil, err
		}
	}
	return nil, &Signal{SigKind: SignalReturn, Value: v}
}

func specialBreak(rt *Runtime, call *Lang, env *Environment) (Value, error) {
	return nil, &Signal{SigKind: SignalBreak}
}

func specialNext(rt *Runtime, call *Lang, env *Environment) (Value, error) {
	return nil, &Signal{SigKind: SignalContinue}
}

func specialInvisible(rt *Runtime, call *Lang, env *Environment) (Value, error) {
	var v Value = NullValue
	if call.Args != nil {
		var err error
		if v, err = rt.Eval(call.Args.Car, env); err != nil {
			return nil, err
		}
	}
	rt.visible = false
	return v, nil
}

func specialEval(rt *Runtime, call *Lang, env *Environment) (Value, error) {
	if call.Args == nil {
		return nil, Errorf(ErrArityMismatch, call, "eval: no argument")
	}
	expr, err := rt.Eval(call.Args.Car, env)
	if err != nil {
		return nil, err
	}
	return rt.Eval(expr, env)
}
