package vm

// ---------------------------------------------------------------------------
// Constant pool
// ---------------------------------------------------------------------------

// Pool is the append-only table of boxed constants referenced by
// instructions. Numbers are deduplicated by value, everything else by
// identity. Index 0 is reserved for null so that a zero source index can
// mean "no source attached". Constants are marked Shared on insertion:
// instructions may freely alias them but never mutate them in place.
type Pool struct {
	vals  []Value
	ints  map[int64]uint32
	reals map[float64]uint32
	ids   map[Value]uint32
}

// NewPool creates a pool holding only the null constant at index 0.
func NewPool() *Pool {
	return &Pool{
		vals:  []Value{NullValue},
		ints:  make(map[int64]uint32),
		reals: make(map[float64]uint32),
		ids:   map[Value]uint32{NullValue: 0},
	}
}

// Insert adds a constant and returns its index. Numeric literals reuse an
// existing index when one holds the same number.
func (p *Pool) Insert(v Value) uint32 {
	switch x := v.(type) {
	case *Integer:
		if idx, ok := p.ints[x.I]; ok {
			return idx
		}
		idx := p.append(v)
		p.ints[x.I] = idx
		return idx
	case *Real:
		if idx, ok := p.reals[x.F]; ok {
			return idx
		}
		idx := p.append(v)
		p.reals[x.F] = idx
		return idx
	default:
		if idx, ok := p.ids[v]; ok {
			return idx
		}
		idx := p.append(v)
		p.ids[v] = idx
		return idx
	}
}

func (p *Pool) append(v Value) uint32 {
	MarkShared(v)
	p.vals = append(p.vals, v)
	return uint32(len(p.vals) - 1)
}

// Get returns the constant at an index.
func (p *Pool) Get(idx uint32) Value {
	return p.vals[idx]
}

// Len returns the number of constants.
func (p *Pool) Len() int { return len(p.vals) }
