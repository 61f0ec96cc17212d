package adapter

import (
	"testing"

	"github.com/wippyai/wasm-autodiff/wasm"
)

func TestBuilderConst(t *testing.T) {
	b := NewBuilder(NewModule())
	c := b.Const(3.5, wasm.Simple(wasm.ValF64))
	if c.Kind != KindConst {
		t.Fatalf("Kind = %v, want KindConst", c.Kind)
	}
	if c.ConstValue != 3.5 {
		t.Errorf("ConstValue = %v, want 3.5", c.ConstValue)
	}
}

func TestBuilderIdsAreUnique(t *testing.T) {
	b := NewBuilder(NewModule())
	f64 := wasm.Simple(wasm.ValF64)
	a := b.Const(1, f64)
	c := b.Const(2, f64)
	if a.Id == c.Id {
		t.Errorf("two Consts got the same id %d", a.Id)
	}
}

func TestBuilderBlockValue(t *testing.T) {
	b := NewBuilder(NewModule())
	f64 := wasm.Simple(wasm.ValF64)
	children := []*Expr{b.Const(1, f64), b.Const(2, f64)}
	blk := b.Block(children)
	if blk.Type != f64 {
		t.Errorf("block Type = %v, want last child's type %v", blk.Type, f64)
	}

	empty := b.Block(nil)
	if !empty.Void {
		t.Error("empty block should be Void")
	}
}

func TestBuilderLocalSetIsVoid(t *testing.T) {
	b := NewBuilder(NewModule())
	f64 := wasm.Simple(wasm.ValF64)
	set := b.LocalSet(0, b.Const(1, f64))
	if !set.Void {
		t.Error("local.set should be Void")
	}

	tee := b.LocalTee(0, b.Const(1, f64))
	if tee.Void {
		t.Error("local.tee should not be Void")
	}
	if tee.Type != f64 {
		t.Errorf("local.tee Type = %v, want %v", tee.Type, f64)
	}
}

func TestBuilderBinaryIsFloat64(t *testing.T) {
	b := NewBuilder(NewModule())
	f64 := wasm.Simple(wasm.ValF64)
	f32 := wasm.Simple(wasm.ValF32)
	mul64 := b.Binary(wasm.OpF64Mul, b.Const(1, f64), b.Const(2, f64), f64)
	if !mul64.IsFloat64() {
		t.Error("f64 binary should report IsFloat64")
	}
	mul32 := b.Binary(wasm.OpF32Mul, b.Const(1, f32), b.Const(2, f32), f32)
	if mul32.IsFloat64() {
		t.Error("f32 binary should not report IsFloat64")
	}
}

func TestModuleFuncByName(t *testing.T) {
	m := NewModule()
	f := &Func{Name: "square", NumParams: 1}
	m.AddFunc(f)

	got, idx, ok := m.FuncByName("square")
	if !ok || got != f || idx != 0 {
		t.Fatalf("FuncByName(square) = %v, %d, %v", got, idx, ok)
	}

	_, _, ok = m.FuncByName("missing")
	if ok {
		t.Error("FuncByName(missing) should report not found")
	}
}

func TestModuleAddRecGroup(t *testing.T) {
	m := NewModule()
	m.AddType(wasm.SubType{})
	idx := m.AddRecGroup([]wasm.SubType{{}, {}, {}})
	if idx != 1 {
		t.Errorf("AddRecGroup start index = %d, want 1", idx)
	}
	if m.Types[idx].NumTypes() != 3 {
		t.Errorf("NumTypes() = %d, want 3", m.Types[idx].NumTypes())
	}
}
