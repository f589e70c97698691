package vm

import "testing"

func TestPoolNullReserve(t *testing.T) {
	p := NewPool()
	if p.Len() != 1 {
		t.Fatalf("fresh pool Len = %d, want 1", p.Len())
	}
	if p.Get(0) != NullValue {
		t.Error("index 0 must hold null")
	}
	if idx := p.Insert(NullValue); idx != 0 {
		t.Errorf("Insert(null) = %d, want 0", idx)
	}
}

func TestPoolNumericDedup(t *testing.T) {
	p := NewPool()
	a := p.Insert(NewInt(42))
	b := p.Insert(NewInt(42))
	if a != b {
		t.Errorf("same integer literal got indices %d and %d", a, b)
	}
	c := p.Insert(NewReal(1.0))
	d := p.Insert(NewReal(1.0))
	if c != d {
		t.Errorf("same double literal got indices %d and %d", c, d)
	}
	if a == c {
		t.Error("integer and double tables must be distinct")
	}
}

func TestPoolIdentityDedup(t *testing.T) {
	p := NewPool()
	s1 := NewString("x")
	s2 := NewString("x")
	a := p.Insert(s1)
	b := p.Insert(s1)
	c := p.Insert(s2)
	if a != b {
		t.Errorf("same string value got indices %d and %d", a, b)
	}
	if a == c {
		t.Error("distinct string boxes must get distinct indices")
	}
}

func TestPoolMarksShared(t *testing.T) {
	p := NewPool()
	v := NewVector(NewInt(1))
	p.Insert(v)
	if ShareLevelOf(v) != Shared {
		t.Errorf("pooled constant ShareLevelOf = %v, want %v", ShareLevelOf(v), Shared)
	}
}

func TestPoolGet(t *testing.T) {
	p := NewPool()
	v := NewString("hello")
	idx := p.Insert(v)
	if p.Get(idx) != v {
		t.Error("Get did not return the inserted value")
	}
}
