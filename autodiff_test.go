package autodiff

import (
	"math"
	"testing"

	"github.com/wippyai/wasm-autodiff/internal/adapter"
	"github.com/wippyai/wasm-autodiff/wasm"
)

func f64t() wasm.ExtValType { return wasm.Simple(wasm.ValF64) }
func i32t() wasm.ExtValType { return wasm.Simple(wasm.ValI32) }

// num reads a possibly-uninitialized interpreter value as a float.
func num(v any) float64 {
	if v == nil {
		return 0
	}
	return v.(float64)
}

func tuple(v any) []any {
	if parts, ok := v.([]any); ok {
		return parts
	}
	return []any{v}
}

// addScalarFunc registers a function of nParams f64 params returning one
// f64, with the body produced by build (which mints fresh local.get nodes
// per use via the builder).
func addScalarFunc(m *Module, name string, nParams int, build func(b *Builder, arg func(i int) *Expr) *Expr) {
	b := NewBuilder(m)
	arg := func(i int) *Expr { return b.LocalGet(i, f64t()) }
	locals := make([]wasm.ExtValType, nParams)
	for i := range locals {
		locals[i] = f64t()
	}
	m.AddFunc(&Func{
		Name:      name,
		Params:    append([]wasm.ExtValType{}, locals...),
		Results:   []wasm.ExtValType{f64t()},
		Locals:    locals,
		NumParams: nParams,
		Body:      b.Block([]*Expr{build(b, arg)}),
	})
}

// runFwd invokes name's forward pass with zero input gradients and returns
// (primal, gradient, tape).
func runFwd(t *testing.T, m *Module, name string, xs ...float64) (float64, float64, any) {
	t.Helper()
	fn, _, ok := m.FuncByName(name)
	if !ok {
		t.Fatalf("function %s not in module", name)
	}
	args := make([]any, 0, 2*len(xs))
	for _, x := range xs {
		args = append(args, x)
	}
	for range xs {
		args = append(args, 0.0)
	}
	out := tuple(adapter.RunFunc(fn, m, args))
	if len(out) != 3 {
		t.Fatalf("%s returned %d components, want (primal, grad, tape)", name, len(out))
	}
	return num(out[0]), num(out[1]), out[2]
}

// runBwd invokes name's backward pass with the given parameter-gradient
// seeds, result-gradient seed, and tape, returning the parameter gradients.
func runBwd(t *testing.T, m *Module, name string, seeds []float64, dz float64, tape any) []float64 {
	t.Helper()
	fn, _, ok := m.FuncByName(name)
	if !ok {
		t.Fatalf("function %s not in module", name)
	}
	args := make([]any, 0, len(seeds)+2)
	for _, s := range seeds {
		args = append(args, s)
	}
	args = append(args, dz, tape)
	out := tuple(adapter.RunFunc(fn, m, args))
	grads := make([]float64, len(out))
	for i, v := range out {
		grads[i] = num(v)
	}
	return grads
}

func almost(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

func buildSub(b *Builder, arg func(int) *Expr) *Expr {
	return b.Binary(wasm.OpF64Sub, arg(0), arg(1), f64t())
}

func buildDiv(b *Builder, arg func(int) *Expr) *Expr {
	return b.Binary(wasm.OpF64Div, arg(0), arg(1), f64t())
}

func buildSquare(b *Builder, arg func(int) *Expr) *Expr {
	return b.Binary(wasm.OpF64Mul, arg(0), arg(0), f64t())
}

func buildTesseract(b *Builder, arg func(int) *Expr) *Expr {
	mul := func(l, r *Expr) *Expr { return b.Binary(wasm.OpF64Mul, l, r, f64t()) }
	return mul(mul(mul(arg(0), arg(0)), arg(0)), arg(0))
}

// buildPolynomial is 2x^3 + 4x^2y + xy^5 + y^2 - 7.
func buildPolynomial(b *Builder, arg func(int) *Expr) *Expr {
	mul := func(l, r *Expr) *Expr { return b.Binary(wasm.OpF64Mul, l, r, f64t()) }
	add := func(l, r *Expr) *Expr { return b.Binary(wasm.OpF64Add, l, r, f64t()) }
	x := func() *Expr { return arg(0) }
	y := func() *Expr { return arg(1) }

	t1 := mul(b.Const(2, f64t()), mul(mul(x(), x()), x()))
	t2 := mul(mul(b.Const(4, f64t()), mul(x(), x())), y())
	t3 := mul(x(), mul(mul(mul(mul(y(), y()), y()), y()), y()))
	t4 := mul(y(), y())
	return b.Binary(wasm.OpF64Sub, add(add(t1, t2), add(t3, t4)), b.Const(7, f64t()), f64t())
}

func TestScalarScenarios(t *testing.T) {
	tests := []struct {
		name       string
		build      func(*Builder, func(int) *Expr) *Expr
		inputs     []float64
		seeds      []float64
		dz         float64
		wantPrimal float64
		wantGrads  []float64
	}{
		{"sub", buildSub, []float64{5, 3}, []float64{0, 0}, 1, 2, []float64{1, -1}},
		{"div", buildDiv, []float64{5, 3}, []float64{0, 0}, 1, 5.0 / 3.0, []float64{1.0 / 3.0, -5.0 / 9.0}},
		{"square", buildSquare, []float64{3}, []float64{5}, 1, 9, []float64{11}},
		{"tesseract", buildTesseract, []float64{5}, []float64{0}, 1, 625, []float64{500}},
		{"polynomial", buildPolynomial, []float64{2, 2}, []float64{0, 0}, 1, 109, []float64{88, 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewModule()
			addScalarFunc(m, "f", len(tt.inputs), tt.build)
			if err := Transform(m, Config{Asserts: true}); err != nil {
				t.Fatal(err)
			}

			primal, grad, tape := runFwd(t, m, "f_fwd", tt.inputs...)
			if !almost(primal, tt.wantPrimal) {
				t.Errorf("primal = %v, want %v", primal, tt.wantPrimal)
			}
			if grad != 0 {
				t.Errorf("forward gradient with zero input gradients = %v, want 0", grad)
			}

			// The original function must be untouched and agree with the
			// forward pass's primal.
			orig, _, _ := m.FuncByName("f")
			origArgs := make([]any, len(tt.inputs))
			for i, x := range tt.inputs {
				origArgs[i] = x
			}
			if got := num(adapter.RunFunc(orig, m, origArgs)); !almost(got, primal) {
				t.Errorf("forward primal %v diverges from original %v", primal, got)
			}

			grads := runBwd(t, m, "f_bwd", tt.seeds, tt.dz, tape)
			if len(grads) != len(tt.wantGrads) {
				t.Fatalf("got %d gradients, want %d", len(grads), len(tt.wantGrads))
			}
			for i := range grads {
				if !almost(grads[i], tt.wantGrads[i]) {
					t.Errorf("grad[%d] = %v, want %v", i, grads[i], tt.wantGrads[i])
				}
			}
		})
	}
}

func TestComposition(t *testing.T) {
	m := NewModule()
	addScalarFunc(m, "sq", 1, buildSquare)
	addScalarFunc(m, "inc", 1, func(b *Builder, arg func(int) *Expr) *Expr {
		return b.Binary(wasm.OpF64Add, arg(0), b.Const(1, f64t()), f64t())
	})
	addScalarFunc(m, "gof", 1, func(b *Builder, arg func(int) *Expr) *Expr {
		return b.Call("inc", []*Expr{b.Call("sq", []*Expr{arg(0)}, f64t())}, f64t())
	})
	addScalarFunc(m, "fog", 1, func(b *Builder, arg func(int) *Expr) *Expr {
		return b.Call("sq", []*Expr{b.Call("inc", []*Expr{arg(0)}, f64t())}, f64t())
	})
	if err := Transform(m, Config{Asserts: true}); err != nil {
		t.Fatal(err)
	}

	primal, grad, tape := runFwd(t, m, "gof_fwd", 5)
	if primal != 26 || grad != 0 {
		t.Errorf("gof_fwd(5,0) = (%v, %v, _), want (26, 0, _)", primal, grad)
	}
	if g := runBwd(t, m, "gof_bwd", []float64{0}, 1, tape); g[0] != 10 {
		t.Errorf("gof_bwd = %v, want 10", g[0])
	}

	primal, _, tape = runFwd(t, m, "fog_fwd", 5)
	if primal != 36 {
		t.Errorf("fog_fwd(5,0) primal = %v, want 36", primal)
	}
	if g := runBwd(t, m, "fog_bwd", []float64{0}, 1, tape); g[0] != 12 {
		t.Errorf("fog_bwd = %v, want 12", g[0])
	}
}

func TestLocalReassignment(t *testing.T) {
	// t = x*x; t = t*t; return t, which is x^4.
	m := NewModule()
	b := NewBuilder(m)
	mul := func(l, r *Expr) *Expr { return b.Binary(wasm.OpF64Mul, l, r, f64t()) }
	body := b.Block([]*Expr{
		b.LocalSet(1, mul(b.LocalGet(0, f64t()), b.LocalGet(0, f64t()))),
		b.LocalSet(1, mul(b.LocalGet(1, f64t()), b.LocalGet(1, f64t()))),
		b.LocalGet(1, f64t()),
	})
	m.AddFunc(&Func{
		Name:      "quart",
		Params:    []wasm.ExtValType{f64t()},
		Results:   []wasm.ExtValType{f64t()},
		Locals:    []wasm.ExtValType{f64t(), f64t()},
		NumParams: 1,
		Body:      body,
	})
	if err := Transform(m, Config{Asserts: true}); err != nil {
		t.Fatal(err)
	}

	primal, _, tape := runFwd(t, m, "quart_fwd", 2)
	if primal != 16 {
		t.Fatalf("quart(2) = %v, want 16", primal)
	}
	if g := runBwd(t, m, "quart_bwd", []float64{0}, 1, tape); g[0] != 32 {
		t.Errorf("d/dx x^4 at 2 = %v, want 32", g[0])
	}
}

func TestAdjointMatchesFiniteDifferences(t *testing.T) {
	m := NewModule()
	addScalarFunc(m, "f", 2, buildPolynomial)
	if err := Transform(m, Config{}); err != nil {
		t.Fatal(err)
	}
	orig, _, _ := m.FuncByName("f")
	eval := func(x, y float64) float64 {
		return num(adapter.RunFunc(orig, m, []any{x, y}))
	}

	points := [][2]float64{{2, 2}, {1.5, 0.5}, {-1.2, 0.8}, {0.3, -0.7}}
	const h = 1e-5
	for _, pt := range points {
		x, y := pt[0], pt[1]
		_, _, tape := runFwd(t, m, "f_fwd", x, y)
		grads := runBwd(t, m, "f_bwd", []float64{0, 0}, 1, tape)

		fdx := (eval(x+h, y) - eval(x-h, y)) / (2 * h)
		fdy := (eval(x, y+h) - eval(x, y-h)) / (2 * h)
		tol := func(fd float64) float64 { return 1e-6 * math.Max(1, math.Abs(fd)) }
		if math.Abs(grads[0]-fdx) > tol(fdx) {
			t.Errorf("at (%v,%v): d/dx = %v, finite difference %v", x, y, grads[0], fdx)
		}
		if math.Abs(grads[1]-fdy) > tol(fdy) {
			t.Errorf("at (%v,%v): d/dy = %v, finite difference %v", x, y, grads[1], fdy)
		}
	}
}

func TestTapeIsolation(t *testing.T) {
	m := NewModule()
	addScalarFunc(m, "f", 1, buildSquare)
	if err := Transform(m, Config{}); err != nil {
		t.Fatal(err)
	}

	_, _, tapeA := runFwd(t, m, "f_fwd", 3)
	_, _, tapeB := runFwd(t, m, "f_fwd", 7)

	// Backward passes consume the tapes in the opposite order; each must
	// see only its own forward run's values.
	if g := runBwd(t, m, "f_bwd", []float64{0}, 1, tapeB); g[0] != 14 {
		t.Errorf("grad from second tape = %v, want 14", g[0])
	}
	if g := runBwd(t, m, "f_bwd", []float64{0}, 1, tapeA); g[0] != 6 {
		t.Errorf("grad from first tape = %v, want 6", g[0])
	}
}

func TestArrayElementRoundTrip(t *testing.T) {
	// a = array.new_default(1); a[0] = x; t = a[0]; return t*t.
	m := NewModule()
	arrIdx := m.AddType(wasm.SubType{Final: true, CompType: wasm.CompType{
		Kind:  wasm.CompKindArray,
		Array: &wasm.ArrayType{Element: wasm.FieldType{Type: f64t(), Mutable: true}},
	}})
	arrRef := wasm.Ref(uint32(arrIdx), false)

	b := NewBuilder(m)
	body := b.Block([]*Expr{
		b.LocalSet(1, b.ArrayNewDefault(arrIdx, b.Const(1, i32t()), arrRef)),
		b.ArraySet(arrIdx, b.LocalGet(1, arrRef), b.Const(0, i32t()), b.LocalGet(0, f64t())),
		b.LocalSet(2, b.ArrayGet(arrIdx, b.LocalGet(1, arrRef), b.Const(0, i32t()), f64t())),
		b.Binary(wasm.OpF64Mul, b.LocalGet(2, f64t()), b.LocalGet(2, f64t()), f64t()),
	})
	m.AddFunc(&Func{
		Name:      "f",
		Params:    []wasm.ExtValType{f64t()},
		Results:   []wasm.ExtValType{f64t()},
		Locals:    []wasm.ExtValType{f64t(), arrRef, f64t()},
		NumParams: 1,
		Body:      body,
	})
	if err := Transform(m, Config{Asserts: true}); err != nil {
		t.Fatal(err)
	}

	primal, grad, tape := runFwd(t, m, "f_fwd", 3)
	if primal != 9 {
		t.Fatalf("primal = %v, want 9", primal)
	}
	if grad != 0 {
		t.Errorf("forward gradient = %v, want 0", grad)
	}
	if g := runBwd(t, m, "f_bwd", []float64{0}, 1, tape); g[0] != 6 {
		t.Errorf("d/dx x^2 through an array = %v, want 6", g[0])
	}
}

func TestIntegerFunctionHasUnitGradients(t *testing.T) {
	// f(n) = array.len(array.new_default(n)): all-integer data flow.
	m := NewModule()
	arrIdx := m.AddType(wasm.SubType{Final: true, CompType: wasm.CompType{
		Kind:  wasm.CompKindArray,
		Array: &wasm.ArrayType{Element: wasm.FieldType{Type: f64t(), Mutable: true}},
	}})
	arrRef := wasm.Ref(uint32(arrIdx), false)

	b := NewBuilder(m)
	body := b.Block([]*Expr{
		b.ArrayLen(b.ArrayNewDefault(arrIdx, b.LocalGet(0, i32t()), arrRef)),
	})
	m.AddFunc(&Func{
		Name:      "f",
		Params:    []wasm.ExtValType{i32t()},
		Results:   []wasm.ExtValType{i32t()},
		Locals:    []wasm.ExtValType{i32t()},
		NumParams: 1,
		Body:      body,
	})
	if err := Transform(m, Config{Asserts: true}); err != nil {
		t.Fatal(err)
	}

	fn, _, ok := m.FuncByName("f_fwd")
	if !ok {
		t.Fatal("f_fwd not added")
	}
	if len(fn.Params) != 1 {
		t.Fatalf("unit-gradient params should add no gradient inputs, got %d params", len(fn.Params))
	}
	out := tuple(adapter.RunFunc(fn, m, []any{5.0}))
	if len(out) != 2 {
		t.Fatalf("i32 result should yield (primal, tape), got %d components", len(out))
	}
	if num(out[0]) != 5 {
		t.Errorf("primal = %v, want 5", num(out[0]))
	}
}

func TestStructNewPassesThrough(t *testing.T) {
	// s = struct.new(S); return x*x. The struct carries no data flow but
	// must plan and generate cleanly.
	m := NewModule()
	structIdx := m.AddType(wasm.SubType{Final: true, CompType: wasm.CompType{
		Kind:   wasm.CompKindStruct,
		Struct: &wasm.StructType{Fields: []wasm.FieldType{{Type: f64t()}}},
	}})
	structRef := wasm.Ref(uint32(structIdx), false)

	b := NewBuilder(m)
	body := b.Block([]*Expr{
		b.LocalSet(1, b.StructNew(structIdx, structRef)),
		b.Binary(wasm.OpF64Mul, b.LocalGet(0, f64t()), b.LocalGet(0, f64t()), f64t()),
	})
	m.AddFunc(&Func{
		Name:      "f",
		Params:    []wasm.ExtValType{f64t()},
		Results:   []wasm.ExtValType{f64t()},
		Locals:    []wasm.ExtValType{f64t(), structRef},
		NumParams: 1,
		Body:      body,
	})
	if err := Transform(m, Config{Asserts: true}); err != nil {
		t.Fatal(err)
	}

	primal, _, tape := runFwd(t, m, "f_fwd", 4)
	if primal != 16 {
		t.Fatalf("primal = %v, want 16", primal)
	}
	if g := runBwd(t, m, "f_bwd", []float64{0}, 1, tape); g[0] != 8 {
		t.Errorf("grad = %v, want 8", g[0])
	}
}
