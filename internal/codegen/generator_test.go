package codegen

import (
	"testing"

	"github.com/wippyai/wasm-autodiff/internal/adapter"
	"github.com/wippyai/wasm-autodiff/internal/tapeplan"
	"github.com/wippyai/wasm-autodiff/internal/typemap"
	"github.com/wippyai/wasm-autodiff/wasm"
)

func TestOpsPickWidth(t *testing.T) {
	f32 := wasm.Simple(wasm.ValF32)
	f64 := wasm.Simple(wasm.ValF64)
	if addOp(f32) != wasm.OpF32Add || addOp(f64) != wasm.OpF64Add {
		t.Error("addOp picked the wrong width")
	}
	if subOp(f32) != wasm.OpF32Sub || mulOp(f64) != wasm.OpF64Mul || divOp(f32) != wasm.OpF32Div {
		t.Error("sub/mul/div op picked the wrong width")
	}
}

func TestGenerateRejectsMultiResult(t *testing.T) {
	f64 := wasm.Simple(wasm.ValF64)
	m := adapter.NewModule()
	b := adapter.NewBuilder(m)
	fn := &adapter.Func{
		Name:      "f",
		Params:    []wasm.ExtValType{f64},
		Results:   []wasm.ExtValType{f64, f64},
		Locals:    []wasm.ExtValType{f64},
		NumParams: 1,
		Body:      b.Block(nil),
	}
	m.AddFunc(fn)

	types := typemap.New(m)
	plan, err := tapeplan.New(fn, m, types).Plan()
	if err != nil {
		t.Fatal(err)
	}
	tapeHeap := m.AddType(wasm.SubType{Final: true, CompType: wasm.CompType{
		Kind: wasm.CompKindStruct, Struct: &wasm.StructType{},
	}})
	_, err = New(fn, m, plan, types, nil, "f_fwd", "f_bwd", tapeHeap).Generate()
	if err == nil {
		t.Fatal("multi-result functions must be rejected")
	}
}

func TestGenerateSignatures(t *testing.T) {
	f64 := wasm.Simple(wasm.ValF64)
	m := adapter.NewModule()
	b := adapter.NewBuilder(m)
	mul := b.Binary(wasm.OpF64Mul, b.LocalGet(0, f64), b.LocalGet(0, f64), f64)
	fn := &adapter.Func{
		Name:      "f",
		Params:    []wasm.ExtValType{f64},
		Results:   []wasm.ExtValType{f64},
		Locals:    []wasm.ExtValType{f64},
		NumParams: 1,
		Body:      b.Block([]*adapter.Expr{mul}),
	}
	m.AddFunc(fn)

	types := typemap.New(m)
	plan, err := tapeplan.New(fn, m, types).Plan()
	if err != nil {
		t.Fatal(err)
	}
	tapeHeap := m.AddType(wasm.SubType{Final: true, CompType: wasm.CompType{
		Kind: wasm.CompKindStruct, Struct: &wasm.StructType{Fields: []wasm.FieldType{{Type: f64}}},
	}})
	pair, err := New(fn, m, plan, types, nil, "f_fwd", "f_bwd", tapeHeap).Generate()
	if err != nil {
		t.Fatal(err)
	}

	// F_fwd: (x, dx) -> (y, dy, tape).
	if len(pair.Fwd.Params) != 2 {
		t.Errorf("fwd params = %d, want primal + gradient = 2", len(pair.Fwd.Params))
	}
	if len(pair.Fwd.Results) != 3 {
		t.Errorf("fwd results = %d, want primal + gradient + tape = 3", len(pair.Fwd.Results))
	}
	tapeType := pair.Fwd.Results[2]
	if !tapeType.IsRef() || int(tapeType.RefType.HeapType) != tapeHeap {
		t.Errorf("fwd's last result should reference the tape struct, got %v", tapeType)
	}

	// F_bwd: (dx_seed, dy, tape) -> dx.
	if len(pair.Bwd.Params) != 3 {
		t.Errorf("bwd params = %d, want seed + result gradient + tape = 3", len(pair.Bwd.Params))
	}
	if len(pair.Bwd.Results) != 1 {
		t.Errorf("bwd results = %d, want 1", len(pair.Bwd.Results))
	}
}
