package vm

// ---------------------------------------------------------------------------
// Environments
// ---------------------------------------------------------------------------

// Environment is a mutable symbol-to-value frame with a parent link for
// lexical lookup. Closures and promises capture environments, so the graph
// may be cyclic; reclamation is the collector's problem, not ours.
type Environment struct {
	vars   map[*Symbol]Value
	parent *Environment
}

// Kind implements Value.
func (*Environment) Kind() Kind { return KindEnv }

// NewEnvironment creates an empty frame with the given parent (nil for a
// root frame).
func NewEnvironment(parent *Environment) *Environment {
	return &Environment{
		vars:   make(map[*Symbol]Value),
		parent: parent,
	}
}

// Parent returns the enclosing environment, or nil.
func (e *Environment) Parent() *Environment { return e.parent }

// Define binds sym to v in this frame, bumping the value's sharing level.
func (e *Environment) Define(sym *Symbol, v Value) {
	Bump(v)
	e.vars[sym] = v
}

// setLocal replaces a binding without bumping; used to republish a forced
// promise's value under the same symbol.
func (e *Environment) setLocal(sym *Symbol, v Value) {
	e.vars[sym] = v
}

// LookupLocal reads a binding in this frame only.
func (e *Environment) LookupLocal(sym *Symbol) (Value, bool) {
	v, ok := e.vars[sym]
	return v, ok
}

// Lookup walks the parent chain until the symbol is found.
func (e *Environment) Lookup(sym *Symbol) (Value, bool) {
	for env := e; env != nil; env = env.parent {
		if v, ok := env.vars[sym]; ok {
			return v, true
		}
	}
	return nil, false
}

// lookupFrame is Lookup but also reports the frame holding the binding, so
// a forced promise can be republished in place.
func (e *Environment) lookupFrame(sym *Symbol) (Value, *Environment, bool) {
	for env := e; env != nil; env = env.parent {
		if v, ok := env.vars[sym]; ok {
			return v, env, true
		}
	}
	return nil, nil, false
}
