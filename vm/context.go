package vm

// ---------------------------------------------------------------------------
// Control contexts
// ---------------------------------------------------------------------------

// ContextKind tags a control context as a loop or call boundary.
type ContextKind uint8

const (
	ContextLoop ContextKind = iota
	ContextCall
)

// ControlContext records, at creation time, everything needed to resume at
// a loop or call boundary after a non-local transfer: the operand-stack
// depth, and for loops the head and exit program counters. Contexts live in
// an explicit stack owned by the runtime, scoped to the loop or call that
// created them.
type ControlContext struct {
	Kind     ContextKind
	Depth    int // operand-stack depth at creation
	ResumePC int // loop head, for continue
	ExitPC   int // loop exit, for break
}

// pushContext pushes a context and returns its index.
func (rt *Runtime) pushContext(c ControlContext) int {
	rt.contexts = append(rt.contexts, c)
	return len(rt.contexts) - 1
}

// popContext discards the innermost context.
func (rt *Runtime) popContext() {
	rt.contexts = rt.contexts[:len(rt.contexts)-1]
}

// truncContexts discards every context above index n.
func (rt *Runtime) truncContexts(n int) {
	rt.contexts = rt.contexts[:n]
}

// innermostLoop finds the innermost loop context at index >= base, or -1.
// Frames pop their own contexts before propagating a signal, so any loop
// context above a frame's entry base belongs to that frame.
func (rt *Runtime) innermostLoop(base int) int {
	for i := len(rt.contexts) - 1; i >= base; i-- {
		if rt.contexts[i].Kind == ContextLoop {
			return i
		}
	}
	return -1
}
