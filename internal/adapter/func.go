package adapter

import "github.com/wippyai/wasm-autodiff/wasm"

// Func is one function of the input module: its signature, its full local
// index space (parameters occupy indices [0, NumParams), declared locals
// fill the rest, exactly as WASM numbers them), and its body.
type Func struct {
	Name      string
	Params    []wasm.ExtValType
	Results   []wasm.ExtValType
	Locals    []wasm.ExtValType // full local index space, params included
	Body      *Expr
	NumParams int
}

// LocalType returns the declared type of local index i.
func (f *Func) LocalType(i int) wasm.ExtValType {
	return f.Locals[i]
}

// IsParam reports whether local index i is one of F's parameters.
func (f *Func) IsParam(i int) bool {
	return i < f.NumParams
}
