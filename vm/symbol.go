package vm

import "sync"

// ---------------------------------------------------------------------------
// SymbolTable: interned symbols
// ---------------------------------------------------------------------------

// SymbolTable interns names to unique *Symbol values. Interning makes
// pointer equality name equality, which environments and the dispatch
// resolver rely on.
type SymbolTable struct {
	mu     sync.RWMutex
	byName map[string]*Symbol
	byID   []*Symbol
}

// NewSymbolTable creates a new empty symbol table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{
		byName: make(map[string]*Symbol),
		byID:   make([]*Symbol, 0, 256),
	}
}

// Intern returns the symbol for a name, creating it if needed.
func (st *SymbolTable) Intern(name string) *Symbol {
	// Fast path: read-only lookup
	st.mu.RLock()
	if s, ok := st.byName[name]; ok {
		st.mu.RUnlock()
		return s
	}
	st.mu.RUnlock()

	// Slow path: need to add new symbol
	st.mu.Lock()
	defer st.mu.Unlock()

	// Double-check after acquiring write lock
	if s, ok := st.byName[name]; ok {
		return s
	}

	s := &Symbol{Name: name, id: uint32(len(st.byID))}
	st.byName[name] = s
	st.byID = append(st.byID, s)
	return s
}

// Lookup returns the symbol for a name, or nil and false if not interned.
func (st *SymbolTable) Lookup(name string) (*Symbol, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.byName[name]
	return s, ok
}

// ByID returns the symbol with the given interning ID, or nil.
func (st *SymbolTable) ByID(id uint32) *Symbol {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if int(id) >= len(st.byID) {
		return nil
	}
	return st.byID[id]
}

// Len returns the number of interned symbols.
func (st *SymbolTable) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byID)
}
