package vm

import (
	"errors"
	"testing"
)

// runCode builds a code object with the given emitter and executes it in
// the runtime's global environment.
func runCode(t *testing.T, rt *Runtime, emit func(cb *CodeBuilder)) (Value, error) {
	t.Helper()
	cb := NewCodeBuilder(0)
	emit(cb)
	cb.NoteStack(16)
	return rt.Run(cb.Build(), rt.Global)
}

func mustRun(t *testing.T, rt *Runtime, emit func(cb *CodeBuilder)) Value {
	t.Helper()
	v, err := runCode(t, rt, emit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return v
}

func wantInt(t *testing.T, v Value, want int64) {
	t.Helper()
	n, ok := v.(*Integer)
	if !ok {
		t.Fatalf("result = %s (%s), want integer %d", FormatValue(v), v.Kind(), want)
	}
	if n.I != want {
		t.Errorf("result = %d, want %d", n.I, want)
	}
}

// ---------------------------------------------------------------------------
// Stack instruction tests
// ---------------------------------------------------------------------------

func TestPushRet(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	v := mustRun(t, rt, func(cb *CodeBuilder) {
		cb.EmitU32(OpPush, rt.Pool.Insert(NewInt(42)))
		cb.Emit(OpRet)
	})
	wantInt(t, v, 42)
}

func TestFallOffEnd(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	v := mustRun(t, rt, func(cb *CodeBuilder) {
		cb.EmitU32(OpPush, rt.Pool.Insert(NewInt(5)))
	})
	wantInt(t, v, 5)
}

func TestSwapPop(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	v := mustRun(t, rt, func(cb *CodeBuilder) {
		cb.EmitU32(OpPush, rt.Pool.Insert(NewInt(1)))
		cb.EmitU32(OpPush, rt.Pool.Insert(NewInt(2)))
		cb.Emit(OpSwap)
		cb.Emit(OpPop)
		cb.Emit(OpRet)
	})
	wantInt(t, v, 2)
}

func TestPickRotates(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	// stack 1 2 3, pick 2 -> 2 3 1
	v := mustRun(t, rt, func(cb *CodeBuilder) {
		cb.EmitU32(OpPush, rt.Pool.Insert(NewInt(1)))
		cb.EmitU32(OpPush, rt.Pool.Insert(NewInt(2)))
		cb.EmitU32(OpPush, rt.Pool.Insert(NewInt(3)))
		cb.EmitU32(OpPick, 2)
		cb.Emit(OpRet)
	})
	wantInt(t, v, 1)
	if rt.Depth() != 2 {
		t.Errorf("stack depth after run = %d, want 2", rt.Depth())
	}
}

func TestPickOutOfRange(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	_, err := runCode(t, rt, func(cb *CodeBuilder) {
		cb.EmitU32(OpPush, rt.Pool.Insert(NewInt(1)))
		cb.EmitU32(OpPick, 5)
		cb.Emit(OpRet)
	})
	var re *RuntimeError
	if !errors.As(err, &re) || re.ErrKind != ErrBoundsViolation {
		t.Fatalf("err = %v, want bounds violation", err)
	}
}

// ---------------------------------------------------------------------------
// Variable and branch tests
// ---------------------------------------------------------------------------

func TestStVarLdVar(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	sym := rt.Symbols.Intern("x")
	v := mustRun(t, rt, func(cb *CodeBuilder) {
		cb.EmitU32(OpPush, rt.Pool.Insert(NewInt(9)))
		cb.EmitU32(OpStVar, rt.Pool.Insert(sym))
		cb.EmitU32(OpLdVar, rt.Pool.Insert(sym))
		cb.Emit(OpRet)
	})
	wantInt(t, v, 9)
}

func TestLdVarUnbound(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	_, err := runCode(t, rt, func(cb *CodeBuilder) {
		cb.EmitU32(OpLdVar, rt.Pool.Insert(rt.Symbols.Intern("nope")))
		cb.Emit(OpRet)
	})
	var re *RuntimeError
	if !errors.As(err, &re) || re.ErrKind != ErrUnboundVariable {
		t.Fatalf("err = %v, want unbound variable", err)
	}
}

func TestBrFalse(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	v := mustRun(t, rt, func(cb *CodeBuilder) {
		lElse := cb.NewLabel()
		lEnd := cb.NewLabel()
		cb.EmitU32(OpPush, rt.Pool.Insert(FalseValue))
		cb.EmitJump(OpBrFalse, lElse)
		cb.EmitU32(OpPush, rt.Pool.Insert(NewInt(1)))
		cb.EmitJump(OpBr, lEnd)
		cb.Mark(lElse)
		cb.EmitU32(OpPush, rt.Pool.Insert(NewInt(2)))
		cb.Mark(lEnd)
		cb.Emit(OpRet)
	})
	wantInt(t, v, 2)
}

func TestBrObjPeeks(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	obj := &Vector{Elems: []Value{NewInt(1)}, Class: []string{"foo"}}
	v := mustRun(t, rt, func(cb *CodeBuilder) {
		lObj := cb.NewLabel()
		cb.EmitU32(OpPush, rt.Pool.Insert(obj))
		cb.EmitJump(OpBrObj, lObj)
		cb.Emit(OpPop)
		cb.EmitU32(OpPush, rt.Pool.Insert(NewInt(0)))
		cb.Emit(OpRet)
		cb.Mark(lObj)
		// the receiver must still be on the stack after the branch
		cb.Emit(OpPop)
		cb.EmitU32(OpPush, rt.Pool.Insert(NewInt(7)))
		cb.Emit(OpRet)
	})
	wantInt(t, v, 7)
}

func TestIsKindTag(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	v := mustRun(t, rt, func(cb *CodeBuilder) {
		cb.EmitU32(OpPush, 0) // null
		cb.EmitU32(OpIs, uint32(KindNull))
		cb.Emit(OpRet)
	})
	if v != TrueValue {
		t.Errorf("is null = %s, want TRUE", FormatValue(v))
	}
}

// ---------------------------------------------------------------------------
// Call instruction tests
// ---------------------------------------------------------------------------

func TestCallStackBuiltin(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	v := mustRun(t, rt, func(cb *CodeBuilder) {
		cb.EmitU32(OpLdFun, rt.Pool.Insert(rt.Symbols.Intern("+")))
		cb.EmitU32(OpPush, rt.Pool.Insert(NewInt(2)))
		cb.EmitU32(OpPush, rt.Pool.Insert(NewInt(3)))
		cb.EmitU32(OpCallStack, 2, 0)
		cb.Emit(OpRet)
	})
	wantInt(t, v, 5)
}

func TestLdFunSkipsNonFunctionBindings(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	// shadow "length" with a number in the global frame; function-position
	// lookup must skip it and find the builtin underneath
	rt.Global.Define(rt.Symbols.Intern("length"), NewInt(1))
	v := mustRun(t, rt, func(cb *CodeBuilder) {
		cb.EmitU32(OpLdFun, rt.Pool.Insert(rt.Symbols.Intern("length")))
		cb.EmitU32(OpPush, rt.Pool.Insert(NewVector(NewInt(1), NewInt(2))))
		cb.EmitU32(OpCallStack, 1, 0)
		cb.Emit(OpRet)
	})
	wantInt(t, v, 2)
}

func TestClosureCallStackNeutral(t *testing.T) {
	rt := NewRuntime(DefaultOptions())

	body := NewCodeBuilder(0)
	body.EmitU32(OpLdVar, rt.Pool.Insert(rt.Symbols.Intern("a")))
	body.Emit(OpRet)

	tmpl := &Closure{
		Formals: []Formal{{Name: rt.Symbols.Intern("a")}},
		Body:    body.Build(),
	}

	v := mustRun(t, rt, func(cb *CodeBuilder) {
		cb.EmitU32(OpClose, rt.Pool.Insert(tmpl))
		cb.EmitU32(OpPush, rt.Pool.Insert(NewInt(11)))
		cb.EmitU32(OpCallStack, 1, 0)
		cb.Emit(OpRet)
	})
	wantInt(t, v, 11)
	if rt.Depth() != 0 {
		t.Errorf("stack depth after run = %d, want 0", rt.Depth())
	}
}

func TestCallNonFunction(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	_, err := runCode(t, rt, func(cb *CodeBuilder) {
		cb.EmitU32(OpPush, rt.Pool.Insert(NewInt(1)))
		cb.EmitU32(OpCallStack, 0, 0)
		cb.Emit(OpRet)
	})
	var re *RuntimeError
	if !errors.As(err, &re) || re.ErrKind != ErrNotCallable {
		t.Fatalf("err = %v, want not callable", err)
	}
}

// ---------------------------------------------------------------------------
// Promise instruction tests
// ---------------------------------------------------------------------------

func TestMkPromForceMemoizes(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	calls := 0
	rt.Register(&Builtin{Name: "tick", Fn: func(rt *Runtime, args []Value, names []*Symbol) (Value, error) {
		calls++
		return NewInt(int64(calls)), nil
	}})

	// promise body: tick()
	pb := NewCodeBuilder(0)
	pb.EmitU32(OpLdFun, rt.Pool.Insert(rt.Symbols.Intern("tick")))
	pb.EmitU32(OpCallStack, 0, 0)
	pb.Emit(OpRet)

	v := mustRun(t, rt, func(cb *CodeBuilder) {
		pi := cb.AddPromise(pb.Build())
		cb.EmitU32(OpMkProm, pi)
		cb.Emit(OpDup)
		cb.Emit(OpForce)
		cb.Emit(OpPop)
		cb.Emit(OpForce)
		cb.Emit(OpRet)
	})
	wantInt(t, v, 1)
	if calls != 1 {
		t.Errorf("promise code ran %d times, want 1", calls)
	}
}

func TestForcedPromiseDropsEnvironment(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	pb := NewCodeBuilder(0)
	pb.EmitU32(OpPush, rt.Pool.Insert(NewInt(3)))
	pb.Emit(OpRet)
	p := &Promise{Code: pb.Build(), Env: rt.Global}

	v, err := rt.forcePromise(p)
	if err != nil {
		t.Fatal(err)
	}
	wantInt(t, v, 3)
	if p.Env != nil {
		t.Error("forced promise should drop its environment")
	}
}

func TestPushCodeYieldsSource(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	sym := rt.Symbols.Intern("x")
	pb := NewCodeBuilder(rt.Pool.Insert(sym))
	pb.EmitU32(OpLdVar, rt.Pool.Insert(sym))
	pb.Emit(OpRet)

	v := mustRun(t, rt, func(cb *CodeBuilder) {
		cb.EmitU32(OpPushCode, cb.AddPromise(pb.Build()))
		cb.Emit(OpRet)
	})
	if v != sym {
		t.Errorf("pushcode = %s, want the source symbol", FormatValue(v))
	}
}

func TestAsAstYieldsPromiseExpression(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	expr := NewLang(rt.Symbols.Intern("f"), nil)
	pb := NewCodeBuilder(rt.Pool.Insert(expr))
	pb.EmitU32(OpPush, 0)
	pb.Emit(OpRet)

	v := mustRun(t, rt, func(cb *CodeBuilder) {
		cb.EmitU32(OpMkProm, cb.AddPromise(pb.Build()))
		cb.Emit(OpAsAst)
		cb.Emit(OpRet)
	})
	if v != Value(expr) {
		t.Errorf("asast = %s, want the promise expression", FormatValue(v))
	}
}

func TestAsAstNonPromise(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	_, err := runCode(t, rt, func(cb *CodeBuilder) {
		cb.EmitU32(OpPush, rt.Pool.Insert(NewInt(1)))
		cb.Emit(OpAsAst)
		cb.Emit(OpRet)
	})
	var re *RuntimeError
	if !errors.As(err, &re) || re.ErrKind != ErrTypeMismatch {
		t.Fatalf("err = %v, want type mismatch", err)
	}
}

// ---------------------------------------------------------------------------
// Loop context tests
// ---------------------------------------------------------------------------

func TestBreakSignalFromCall(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	// while (TRUE) break -- the break arrives as a signal from the special
	v := mustRun(t, rt, func(cb *CodeBuilder) {
		exit := cb.NewLabel()
		cb.EmitJump(OpBeginLoop, exit)
		head := cb.NewLabel()
		cb.Mark(head)
		cb.EmitU32(OpLdFun, rt.Pool.Insert(rt.Symbols.Intern("break")))
		breakCall := NewLang(rt.Symbols.Intern("break"), nil)
		pc := cb.EmitU32(OpCallStack, 0, 0)
		cb.SetSrc(pc, rt.Pool.Insert(breakCall))
		cb.Emit(OpPop)
		cb.EmitJump(OpBr, head)
		cb.Mark(exit)
		cb.Emit(OpEndContext)
		cb.EmitU32(OpPush, rt.Pool.Insert(NewInt(77)))
		cb.Emit(OpRet)
	})
	wantInt(t, v, 77)
	if rt.Depth() != 0 {
		t.Errorf("stack depth after loop = %d, want 0", rt.Depth())
	}
}

func TestSignalWithoutLoopEscapes(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	breakCall := NewLang(rt.Symbols.Intern("break"), nil)
	_, err := runCode(t, rt, func(cb *CodeBuilder) {
		cb.EmitU32(OpLdFun, rt.Pool.Insert(rt.Symbols.Intern("break")))
		pc := cb.EmitU32(OpCallStack, 0, 0)
		cb.SetSrc(pc, rt.Pool.Insert(breakCall))
		cb.Emit(OpRet)
	})
	var sig *Signal
	if !errors.As(err, &sig) || sig.SigKind != SignalBreak {
		t.Fatalf("err = %v, want escaped break signal", err)
	}
}

func TestEmptyCodeObject(t *testing.T) {
	// an empty instruction stream can arrive via a decoded image; it must
	// fail, not pop beneath the frame
	rt := NewRuntime(DefaultOptions())
	_, err := runCode(t, rt, func(cb *CodeBuilder) {})
	var re *RuntimeError
	if !errors.As(err, &re) || re.ErrKind != ErrBoundsViolation {
		t.Fatalf("err = %v, want bounds violation", err)
	}
}

func TestRetWithoutResult(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	_, err := runCode(t, rt, func(cb *CodeBuilder) {
		cb.Emit(OpRet)
	})
	var re *RuntimeError
	if !errors.As(err, &re) || re.ErrKind != ErrBoundsViolation {
		t.Fatalf("err = %v, want bounds violation", err)
	}
}

func TestEndContextWithoutContext(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	_, err := runCode(t, rt, func(cb *CodeBuilder) {
		cb.Emit(OpEndContext)
		cb.EmitU32(OpPush, 0)
		cb.Emit(OpRet)
	})
	var re *RuntimeError
	if !errors.As(err, &re) || re.ErrKind != ErrBoundsViolation {
		t.Fatalf("err = %v, want bounds violation", err)
	}
}

// ---------------------------------------------------------------------------
// Interrupt tests
// ---------------------------------------------------------------------------

func TestInterruptStopsLoop(t *testing.T) {
	opts := DefaultOptions()
	opts.InterruptInterval = 10
	rt := NewRuntime(opts)
	rt.Interrupt()

	cb := NewCodeBuilder(0)
	head := cb.NewLabel()
	cb.Mark(head)
	cb.EmitJump(OpBr, head)
	cb.NoteStack(1)

	_, err := rt.Run(cb.Build(), rt.Global)
	var re *RuntimeError
	if !errors.As(err, &re) || re.ErrKind != ErrInterruptRequested {
		t.Fatalf("err = %v, want interrupt requested", err)
	}
	rt.ClearInterrupt()
}

// ---------------------------------------------------------------------------
// Sharing instruction tests
// ---------------------------------------------------------------------------

func TestUniqDuplicatesSharedOnly(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	vec := NewVector(NewInt(1))
	idx := rt.Pool.Insert(vec) // pooling marks it shared
	v := mustRun(t, rt, func(cb *CodeBuilder) {
		cb.EmitU32(OpPush, idx)
		cb.Emit(OpUniq)
		cb.Emit(OpRet)
	})
	if v == Value(vec) {
		t.Error("uniq should duplicate a shared constant")
	}
	if ShareLevelOf(v) != Unshared {
		t.Errorf("uniq result ShareLevelOf = %v, want %v", ShareLevelOf(v), Unshared)
	}
}

func TestIncUnsharesInteger(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	n := NewInt(41)
	idx := rt.Pool.Insert(n)
	v := mustRun(t, rt, func(cb *CodeBuilder) {
		cb.EmitU32(OpPush, idx)
		cb.Emit(OpInc)
		cb.Emit(OpRet)
	})
	wantInt(t, v, 42)
	if n.I != 41 {
		t.Error("inc mutated the pooled constant")
	}
}

// ---------------------------------------------------------------------------
// Visibility tests
// ---------------------------------------------------------------------------

func TestVisibilityFlag(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	mustRun(t, rt, func(cb *CodeBuilder) {
		cb.EmitU32(OpPush, rt.Pool.Insert(NewInt(1)))
		cb.Emit(OpInvisible)
		cb.Emit(OpRet)
	})
	if rt.Visible() {
		t.Error("invisible result reported visible")
	}
	mustRun(t, rt, func(cb *CodeBuilder) {
		cb.EmitU32(OpPush, rt.Pool.Insert(NewInt(1)))
		cb.Emit(OpRet)
	})
	if !rt.Visible() {
		t.Error("plain push result reported invisible")
	}
}
