package vm

import (
	"errors"
	"testing"
)

// methodMap is a minimal formal method registry keyed by
// "selector.class".
type methodMap map[string]Value

func (m methodMap) Lookup(classes []string, selector string) (Value, bool) {
	for _, class := range classes {
		if fn, ok := m[selector+"."+class]; ok {
			return fn, true
		}
	}
	return nil, false
}

func TestMethodTableSecondaryLookup(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	// no spin.gadget binding and no plain spin binding anywhere: the
	// method can only come from the registry
	rt.Methods = methodMap{
		"spin.gadget": &Builtin{Name: "spin.gadget", Fn: func(rt *Runtime, args []Value, names []*Symbol) (Value, error) {
			return NewInt(123), nil
		}},
	}
	receiver := &Vector{Elems: []Value{NewInt(1)}, Class: []string{"gadget"}}

	v := mustRun(t, rt, func(cb *CodeBuilder) {
		cb.EmitU32(OpPush, rt.Pool.Insert(receiver))
		cb.EmitU32(OpDispatchStack, 1, 0, rt.Pool.Insert(rt.Symbols.Intern("spin")))
		cb.Emit(OpRet)
	})
	wantInt(t, v, 123)
}

func TestClassBindingBeatsMethodTable(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	rt.Global.Define(rt.Symbols.Intern("spin.gadget"),
		&Builtin{Name: "spin.gadget", Fn: func(rt *Runtime, args []Value, names []*Symbol) (Value, error) {
			return NewInt(1), nil
		}})
	rt.Methods = methodMap{
		"spin.gadget": &Builtin{Name: "spin.gadget", Fn: func(rt *Runtime, args []Value, names []*Symbol) (Value, error) {
			return NewInt(2), nil
		}},
	}
	receiver := &Vector{Elems: []Value{NewInt(1)}, Class: []string{"gadget"}}

	v := mustRun(t, rt, func(cb *CodeBuilder) {
		cb.EmitU32(OpPush, rt.Pool.Insert(receiver))
		cb.EmitU32(OpDispatchStack, 1, 0, rt.Pool.Insert(rt.Symbols.Intern("spin")))
		cb.Emit(OpRet)
	})
	wantInt(t, v, 1)
}

func TestDispatchNoApplicableMethod(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	receiver := &Vector{Elems: []Value{NewInt(1)}, Class: []string{"gadget"}}

	_, err := runCode(t, rt, func(cb *CodeBuilder) {
		cb.EmitU32(OpPush, rt.Pool.Insert(receiver))
		cb.EmitU32(OpDispatchStack, 1, 0, rt.Pool.Insert(rt.Symbols.Intern("spin")))
		cb.Emit(OpRet)
	})
	var re *RuntimeError
	if !errors.As(err, &re) || re.ErrKind != ErrNotCallable {
		t.Fatalf("err = %v, want not callable", err)
	}
}

func TestDispatchPromiseArguments(t *testing.T) {
	rt := NewRuntime(DefaultOptions())

	// method weight.gauge <- function(x, n) n
	body := NewCodeBuilder(0)
	body.EmitU32(OpLdVar, rt.Pool.Insert(rt.Symbols.Intern("n")))
	body.Emit(OpRet)
	rt.Global.Define(rt.Symbols.Intern("weight.gauge"), &Closure{
		Formals: []Formal{
			{Name: rt.Symbols.Intern("x")},
			{Name: rt.Symbols.Intern("n")},
		},
		Body: body.Build(),
		Env:  rt.Global,
	})
	receiver := &Vector{Elems: []Value{NewInt(1)}, Class: []string{"gauge"}}

	// second argument arrives as promise code
	pn := NewCodeBuilder(rt.Pool.Insert(NewInt(5)))
	pn.EmitU32(OpPush, rt.Pool.Insert(NewInt(5)))
	pn.Emit(OpRet)

	v := mustRun(t, rt, func(cb *CodeBuilder) {
		cb.EmitU32(OpPush, rt.Pool.Insert(receiver))
		pi := cb.AddPromise(pn.Build())
		argvec := rt.Pool.Insert(NewVector(
			NewInt(int64(MissingArgIdx)), // receiver slot, patched by the engine
			NewInt(int64(pi)),
		))
		cb.EmitU32(OpDispatch, argvec, 0, rt.Pool.Insert(rt.Symbols.Intern("weight")))
		cb.Emit(OpRet)
	})
	wantInt(t, v, 5)
	if rt.Depth() != 0 {
		t.Errorf("stack depth after dispatch = %d, want 0", rt.Depth())
	}
}
