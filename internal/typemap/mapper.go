package typemap

import (
	"github.com/wippyai/wasm-autodiff/errors"
	"github.com/wippyai/wasm-autodiff/internal/adapter"
	"github.com/wippyai/wasm-autodiff/wasm"
)

// GradType is the result of mapping a primal type: either the unit type
// (the empty tuple; no gradient information flows along this path) or a
// concrete wasm.ExtValType.
type GradType struct {
	Type wasm.ExtValType
	Unit bool
}

// Unit is the canonical unit GradType.
var Unit = GradType{Unit: true}

// Mapper is the Type Mapper. Zero value is not usable; construct with New.
type Mapper struct {
	module  *adapter.Module
	heap    map[int]GradType // original heap type index -> memoized gradient result
	visited map[int]bool     // cycle guard while mapping a struct/array's own fields
}

// New returns a Mapper that allocates gradient heap types into module.
func New(module *adapter.Module) *Mapper {
	return &Mapper{
		module:  module,
		heap:    make(map[int]GradType),
		visited: make(map[int]bool),
	}
}

// IsDifferentiable is the becomes-mutable-on-differentiation predicate:
// true iff p is f32 or f64.
func IsDifferentiable(p wasm.ExtValType) bool {
	return p.Kind == wasm.ExtValKindSimple && (p.ValType == wasm.ValF32 || p.ValType == wasm.ValF64)
}

// Map returns G(p), the gradient type of primal type p.
// fn names the function being processed, for error context.
func (mp *Mapper) Map(fn string, p wasm.ExtValType) (GradType, error) {
	if p.Kind == wasm.ExtValKindSimple {
		switch p.ValType {
		case wasm.ValF32, wasm.ValF64:
			return GradType{Type: p}, nil
		case wasm.ValI32, wasm.ValI64:
			return Unit, nil
		default:
			return GradType{}, errors.UnsupportedType(fn, p.ValType.String())
		}
	}

	// Reference types: only concrete struct/array heap type indices are
	// primal types this system accepts; abstract refs (anyref, funcref,
	// ...) are rejected.
	if !p.IsRef() {
		return GradType{}, errors.UnsupportedType(fn, p.String())
	}

	idx := int(p.RefType.HeapType)
	if g, ok := mp.heap[idx]; ok {
		return g, nil
	}
	if mp.visited[idx] {
		return GradType{}, errors.InternalInvariant(fn, "", "cyclic heap type reference encountered during type mapping")
	}
	mp.visited[idx] = true
	defer delete(mp.visited, idx)

	sub := mp.module.HeapType(idx)
	if sub == nil {
		return GradType{}, errors.UnsupportedType(fn, p.String())
	}

	var g GradType
	var err error
	switch sub.CompType.Kind {
	case wasm.CompKindStruct:
		g, err = mp.mapStruct(fn, sub.CompType.Struct)
	case wasm.CompKindArray:
		g, err = mp.mapArray(fn, sub.CompType.Array)
	default:
		return GradType{}, errors.UnsupportedType(fn, p.String())
	}
	if err != nil {
		return GradType{}, err
	}
	mp.heap[idx] = g
	return g, nil
}

func (mp *Mapper) mapStruct(fn string, st *wasm.StructType) (GradType, error) {
	var fields []wasm.FieldType
	for _, f := range st.Fields {
		g, err := mp.Map(fn, f.Type)
		if err != nil {
			return GradType{}, err
		}
		if g.Unit {
			continue
		}
		fields = append(fields, wasm.FieldType{
			Type:    g.Type,
			Mutable: f.Mutable || IsDifferentiable(f.Type),
		})
	}
	idx := mp.module.AddType(wasm.SubType{
		Final:    true,
		CompType: wasm.CompType{Kind: wasm.CompKindStruct, Struct: &wasm.StructType{Fields: fields}},
	})
	return GradType{Type: wasm.Ref(uint32(idx), false)}, nil
}

func (mp *Mapper) mapArray(fn string, at *wasm.ArrayType) (GradType, error) {
	g, err := mp.Map(fn, at.Element.Type)
	if err != nil {
		return GradType{}, err
	}
	if g.Unit {
		idx := mp.module.AddType(wasm.SubType{
			Final:    true,
			CompType: wasm.CompType{Kind: wasm.CompKindStruct, Struct: &wasm.StructType{}},
		})
		return GradType{Type: wasm.Ref(uint32(idx), false)}, nil
	}
	mutable := at.Element.Mutable || IsDifferentiable(at.Element.Type)
	idx := mp.module.AddType(wasm.SubType{
		Final: true,
		CompType: wasm.CompType{Kind: wasm.CompKindArray, Array: &wasm.ArrayType{
			Element: wasm.FieldType{Type: g.Type, Mutable: mutable},
		}},
	})
	return GradType{Type: wasm.Ref(uint32(idx), false)}, nil
}

// MapTuple maps each element of ps and drops unit-gradient components:
// (i32,f64) -> (f64); (f64,i32,f32) -> (f64,f32).
func (mp *Mapper) MapTuple(fn string, ps []wasm.ExtValType) ([]wasm.ExtValType, error) {
	var out []wasm.ExtValType
	for _, p := range ps {
		g, err := mp.Map(fn, p)
		if err != nil {
			return nil, err
		}
		if g.Unit {
			continue
		}
		out = append(out, g.Type)
	}
	return out, nil
}
