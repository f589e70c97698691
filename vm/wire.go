package vm

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical mode so encoding is deterministic and images
// can be content-addressed.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// imageVersion is bumped on incompatible wire changes.
const imageVersion = 1

// ---------------------------------------------------------------------------
// Wire structures
// ---------------------------------------------------------------------------

// Wire constant kinds. Only data constants serialize; environments,
// promises and builtins are rejected.
const (
	wireNull uint8 = iota
	wireBool
	wireInt
	wireReal
	wireString
	wireSymbol
	wirePairlist
	wireLang
	wireVector
	wireClosure
)

type wireConst struct {
	K       uint8        `cbor:"k"`
	B       bool         `cbor:"b,omitempty"`
	I       int64        `cbor:"i,omitempty"`
	F       float64      `cbor:"f,omitempty"`
	S       string       `cbor:"s,omitempty"`
	Elems   []wireConst  `cbor:"e,omitempty"`
	Tags    []string     `cbor:"t,omitempty"` // parallel to Elems, "" = untagged
	Class   []string     `cbor:"c,omitempty"`
	Formals []wireFormal `cbor:"p,omitempty"`
	Body    *wireCode    `cbor:"y,omitempty"`
}

type wireFormal struct {
	Name    string    `cbor:"n"`
	Default *wireCode `cbor:"d,omitempty"`
}

type wireCode struct {
	Insns     []byte            `cbor:"i"`
	Src       map[uint32]uint32 `cbor:"s,omitempty"`
	SrcIdx    uint32            `cbor:"x,omitempty"`
	Promises  []*wireCode       `cbor:"p,omitempty"`
	NeedStack int               `cbor:"n,omitempty"`
}

type wireImage struct {
	Version uint32      `cbor:"v"`
	Consts  []wireConst `cbor:"c"`
	Code    *wireCode   `cbor:"b"`
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// EncodeImage serializes a code object together with the pool constants it
// references, remapped to a dense local constant table. The encoding is
// canonical: identical images encode to identical bytes.
func EncodeImage(code *CodeObject, pool *Pool) ([]byte, error) {
	enc := &imageEncoder{
		pool:   pool,
		remap:  map[uint32]uint32{0: 0},
		consts: []wireConst{{K: wireNull}}, // local 0 mirrors the null reserve
	}
	wc, err := enc.encodeCode(code)
	if err != nil {
		return nil, err
	}
	return cborEncMode.Marshal(&wireImage{
		Version: imageVersion,
		Consts:  enc.consts,
		Code:    wc,
	})
}

// ImageHash returns the SHA-256 content address of an encoded image.
func ImageHash(image []byte) [32]byte {
	return sha256.Sum256(image)
}

type imageEncoder struct {
	pool   *Pool
	remap  map[uint32]uint32
	consts []wireConst
}

func (e *imageEncoder) encodeCode(code *CodeObject) (*wireCode, error) {
	insns := make([]byte, len(code.Insns))
	copy(insns, code.Insns)
	if err := patchPoolOperands(insns, e.constIdx); err != nil {
		return nil, err
	}

	wc := &wireCode{Insns: insns, NeedStack: code.NeedStack}
	if code.SrcIdx != 0 {
		local, err := e.constIdx(code.SrcIdx)
		if err != nil {
			return nil, err
		}
		wc.SrcIdx = local
	}
	if len(code.Src) > 0 {
		// assign local indices in pc order so the table layout, and with it
		// the encoded bytes, is deterministic
		pcs := make([]uint32, 0, len(code.Src))
		for pc := range code.Src {
			pcs = append(pcs, pc)
		}
		sort.Slice(pcs, func(i, j int) bool { return pcs[i] < pcs[j] })
		wc.Src = make(map[uint32]uint32, len(code.Src))
		for _, pc := range pcs {
			local, err := e.constIdx(code.Src[pc])
			if err != nil {
				return nil, err
			}
			wc.Src[pc] = local
		}
	}
	for _, p := range code.Promises {
		wp, err := e.encodeCode(p)
		if err != nil {
			return nil, err
		}
		wc.Promises = append(wc.Promises, wp)
	}
	return wc, nil
}

// constIdx assigns (or reuses) a local table index for a pool constant.
func (e *imageEncoder) constIdx(poolIdx uint32) (uint32, error) {
	if local, ok := e.remap[poolIdx]; ok {
		return local, nil
	}
	local := uint32(len(e.consts))
	e.remap[poolIdx] = local
	e.consts = append(e.consts, wireConst{}) // reserve before recursing
	wc, err := e.encodeConst(e.pool.Get(poolIdx))
	if err != nil {
		return 0, err
	}
	e.consts[local] = *wc
	return local, nil
}

func (e *imageEncoder) encodeConst(v Value) (*wireConst, error) {
	switch x := v.(type) {
	case *Null:
		return &wireConst{K: wireNull}, nil
	case *Boolean:
		return &wireConst{K: wireBool, B: x.B}, nil
	case *Integer:
		return &wireConst{K: wireInt, I: x.I}, nil
	case *Real:
		return &wireConst{K: wireReal, F: x.F}, nil
	case *String:
		return &wireConst{K: wireString, S: x.S}, nil
	case *Symbol:
		return &wireConst{K: wireSymbol, S: x.Name}, nil
	case *Pairlist:
		wc := &wireConst{K: wirePairlist}
		for cell := x; cell != nil; cell = cell.Cdr {
			ec, err := e.encodeConst(cell.Car)
			if err != nil {
				return nil, err
			}
			wc.Elems = append(wc.Elems, *ec)
			wc.Tags = append(wc.Tags, tagName(cell.Tag))
		}
		return wc, nil
	case *Lang:
		head, err := e.encodeConst(x.Head)
		if err != nil {
			return nil, err
		}
		wc := &wireConst{K: wireLang, Elems: []wireConst{*head}, Tags: []string{""}}
		for cell := x.Args; cell != nil; cell = cell.Cdr {
			ec, err := e.encodeConst(cell.Car)
			if err != nil {
				return nil, err
			}
			wc.Elems = append(wc.Elems, *ec)
			wc.Tags = append(wc.Tags, tagName(cell.Tag))
		}
		return wc, nil
	case *Vector:
		wc := &wireConst{K: wireVector, Class: x.Class}
		for i, elem := range x.Elems {
			ec, err := e.encodeConst(elem)
			if err != nil {
				return nil, err
			}
			wc.Elems = append(wc.Elems, *ec)
			if x.Names != nil {
				wc.Tags = append(wc.Tags, tagName(x.Names[i]))
			}
		}
		return wc, nil
	case *Closure:
		wc := &wireConst{K: wireClosure}
		for _, f := range x.Formals {
			wf := wireFormal{Name: f.Name.Name}
			if f.Default != nil {
				d, err := e.encodeCode(f.Default)
				if err != nil {
					return nil, err
				}
				wf.Default = d
			}
			wc.Formals = append(wc.Formals, wf)
		}
		body, err := e.encodeCode(x.Body)
		if err != nil {
			return nil, err
		}
		wc.Body = body
		return wc, nil
	case *Missing:
		return nil, fmt.Errorf("vm: missing marker is not serializable")
	default:
		return nil, fmt.Errorf("vm: constant of kind %s is not serializable", v.Kind())
	}
}

func tagName(s *Symbol) string {
	if s == nil {
		return ""
	}
	return s.Name
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// DecodeImage rebuilds a code object in the target runtime, re-interning
// symbols and re-inserting constants into its pool with indices remapped.
func DecodeImage(data []byte, rt *Runtime) (*CodeObject, error) {
	var img wireImage
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("vm: unmarshal image: %w", err)
	}
	if img.Version != imageVersion {
		return nil, fmt.Errorf("vm: unsupported image version %d", img.Version)
	}
	if img.Code == nil {
		return nil, fmt.Errorf("vm: image has no code")
	}

	// Closure constants hold code whose operands index the local table, so
	// insert shells first and fill them once the full map exists.
	poolMap := make([]uint32, len(img.Consts))
	shells := make(map[int]*Closure)
	for i := range img.Consts {
		if img.Consts[i].K == wireClosure {
			cl := &Closure{}
			shells[i] = cl
			poolMap[i] = rt.Pool.Insert(cl)
			continue
		}
		v, err := decodeConst(rt, &img.Consts[i])
		if err != nil {
			return nil, err
		}
		poolMap[i] = rt.Pool.Insert(v)
	}
	for i, cl := range shells {
		wc := &img.Consts[i]
		for _, wf := range wc.Formals {
			f := Formal{Name: rt.Symbols.Intern(wf.Name)}
			if wf.Default != nil {
				d, err := decodeCode(wf.Default, poolMap)
				if err != nil {
					return nil, err
				}
				f.Default = d
			}
			cl.Formals = append(cl.Formals, f)
		}
		if wc.Body == nil {
			return nil, fmt.Errorf("vm: closure constant has no body")
		}
		body, err := decodeCode(wc.Body, poolMap)
		if err != nil {
			return nil, err
		}
		cl.Body = body
	}

	return decodeCode(img.Code, poolMap)
}

func decodeConst(rt *Runtime, wc *wireConst) (Value, error) {
	switch wc.K {
	case wireNull:
		return NullValue, nil
	case wireBool:
		return BoolValue(wc.B), nil
	case wireInt:
		return NewInt(wc.I), nil
	case wireReal:
		return NewReal(wc.F), nil
	case wireString:
		return NewString(wc.S), nil
	case wireSymbol:
		return rt.Symbols.Intern(wc.S), nil
	case wirePairlist:
		var b pairlistBuilder
		for i := range wc.Elems {
			car, err := decodeConst(rt, &wc.Elems[i])
			if err != nil {
				return nil, err
			}
			b.add(car, decodeTag(rt, wc.Tags, i))
		}
		return b.list(), nil
	case wireLang:
		if len(wc.Elems) == 0 {
			return nil, fmt.Errorf("vm: language constant has no head")
		}
		head, err := decodeConst(rt, &wc.Elems[0])
		if err != nil {
			return nil, err
		}
		var b pairlistBuilder
		for i := 1; i < len(wc.Elems); i++ {
			car, err := decodeConst(rt, &wc.Elems[i])
			if err != nil {
				return nil, err
			}
			b.add(car, decodeTag(rt, wc.Tags, i))
		}
		return NewLang(head, b.list()), nil
	case wireVector:
		vec := &Vector{Class: wc.Class}
		for i := range wc.Elems {
			elem, err := decodeConst(rt, &wc.Elems[i])
			if err != nil {
				return nil, err
			}
			vec.Elems = append(vec.Elems, elem)
			if len(wc.Tags) > 0 {
				vec.ensureNames()
				vec.Names[i] = decodeTag(rt, wc.Tags, i)
			}
		}
		return vec, nil
	case wireClosure:
		return nil, fmt.Errorf("vm: nested closure constant")
	default:
		return nil, fmt.Errorf("vm: unknown constant kind %d", wc.K)
	}
}

func decodeTag(rt *Runtime, tags []string, i int) *Symbol {
	if i >= len(tags) || tags[i] == "" {
		return nil
	}
	return rt.Symbols.Intern(tags[i])
}

func decodeCode(wc *wireCode, poolMap []uint32) (*CodeObject, error) {
	insns := make([]byte, len(wc.Insns))
	copy(insns, wc.Insns)
	remap := func(local uint32) (uint32, error) {
		if int(local) >= len(poolMap) {
			return 0, fmt.Errorf("vm: constant index %d outside image table", local)
		}
		return poolMap[local], nil
	}
	if err := patchPoolOperands(insns, remap); err != nil {
		return nil, err
	}

	code := &CodeObject{Insns: insns, NeedStack: wc.NeedStack, Src: make(map[uint32]uint32)}
	if wc.SrcIdx != 0 {
		idx, err := remap(wc.SrcIdx)
		if err != nil {
			return nil, err
		}
		code.SrcIdx = idx
	}
	for pc, local := range wc.Src {
		idx, err := remap(local)
		if err != nil {
			return nil, err
		}
		code.Src[pc] = idx
	}
	for _, wp := range wc.Promises {
		p, err := decodeCode(wp, poolMap)
		if err != nil {
			return nil, err
		}
		code.Promises = append(code.Promises, p)
	}
	return code, nil
}

// patchPoolOperands walks an instruction stream and rewrites every
// constant-pool operand through f, leaving other operand kinds untouched.
func patchPoolOperands(insns []byte, f func(uint32) (uint32, error)) error {
	pc := 0
	for pc < len(insns) {
		op := Opcode(insns[pc])
		info, ok := opcodeTable[op]
		if !ok {
			return fmt.Errorf("vm: unknown opcode %#02x at %d", insns[pc], pc)
		}
		pos := pc + 1
		for _, kind := range info.Operands {
			if pos+4 > len(insns) {
				return fmt.Errorf("vm: truncated instruction at %d", pc)
			}
			if kind == OperandPool {
				idx := binary.LittleEndian.Uint32(insns[pos:])
				mapped, err := f(idx)
				if err != nil {
					return err
				}
				binary.LittleEndian.PutUint32(insns[pos:], mapped)
			}
			pos += 4
		}
		pc = pos
	}
	return nil
}
