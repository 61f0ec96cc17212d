package tapeplan

import "github.com/wippyai/wasm-autodiff/wasm"

// ValueKind tags a Value's variant.
type ValueKind int

const (
	ValueParam ValueKind = iota // unevaluated initial parameter binding
	ValueVoid                   // no value (statement position)
	ValueConst                  // literal numeric value known at plan time
	ValueExpr                   // value equal to the result of expr Ref
)

// Value is the planner's abstraction of a subexpression's result.
type Value struct {
	Const float64
	Ref   int
	Kind  ValueKind
}

// LoadKind tags a Load's variant.
type LoadKind int

const (
	LoadConst LoadKind = iota
	LoadField
)

// Load describes how the backward pass obtains a value recorded during
// planning: either a literal known at plan time, or a tape struct field.
type Load struct {
	Const float64
	Field int
	Kind  LoadKind
}

// FieldKind identifies what a tape struct field holds.
type FieldKind int

const (
	FieldStore FieldKind = iota // a saved primal value
	FieldGrad                   // a saved in-forward-pass gradient
	FieldSet                    // the gradient of an array element overwritten by array.set
	FieldCall                   // a callee's sub-tape
)

// FieldSpec describes one tape struct field. For FieldStore/FieldGrad/
// FieldSet, Type is the field's concrete wasm type, known at plan time.
// For FieldCall, Callee names the function whose tape struct this field
// references; the Driver resolves Callee to a concrete heap type index
// only after every function has been planned, so that every tape struct
// lands in one shared recursion group.
type FieldSpec struct {
	Type   wasm.ExtValType
	Callee string
	Kind   FieldKind
}

// Plan is one function's tape plan: which expressions store into which
// tape fields, and how the backward pass reads them back.
type Plan struct {
	Stores    map[int]int // expr (source) -> field index
	Grads     map[int]int // expr (source) -> field index
	Sets      map[int]int // array.set expr -> field index
	Calls     map[int]int // call expr -> field index
	Loads     map[int]Load
	GradLoads map[int]Load
	Fields    []FieldSpec
}

// NumFields returns the number of tape struct fields the plan allocated.
func (p *Plan) NumFields() int { return len(p.Fields) }
