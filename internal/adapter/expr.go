package adapter

import "github.com/wippyai/wasm-autodiff/wasm"

// Kind identifies the shape of an Expr node. Only the expression kinds
// the planner has a rule for exist here; everything else is rejected
// before a tree is built.
type Kind int

const (
	KindBlock Kind = iota
	KindConst
	KindLocalGet
	KindLocalSet
	KindLocalTee
	KindBinary
	KindCall
	KindStructNew
	KindArrayNewDefault
	KindArrayGet
	KindArraySet
	KindArrayLen
	KindTupleMake
	KindCallBinding
	KindTapeNew
	KindFieldGet
)

func (k Kind) String() string {
	switch k {
	case KindBlock:
		return "block"
	case KindConst:
		return "const"
	case KindLocalGet:
		return "local.get"
	case KindLocalSet:
		return "local.set"
	case KindLocalTee:
		return "local.tee"
	case KindBinary:
		return "binary"
	case KindCall:
		return "call"
	case KindStructNew:
		return "struct.new"
	case KindArrayNewDefault:
		return "array.new_default"
	case KindArrayGet:
		return "array.get"
	case KindArraySet:
		return "array.set"
	case KindArrayLen:
		return "array.len"
	case KindTupleMake:
		return "tuple.make"
	case KindCallBinding:
		return "call.bind"
	case KindTapeNew:
		return "tape.new"
	case KindFieldGet:
		return "field.get"
	default:
		return "unknown"
	}
}

// Expr is a node in the function-body expression tree. Id is the stable
// ref the Tape Planner and Generator key their per-expression maps by
// (Plan.Stores, .Grads, .Sets, .Calls, .Loads, .GradLoads); it is
// assigned once at construction time and never reused.
//
// Exactly the fields relevant to Kind are populated; the rest are zero.
// This mirrors a tagged union more than idiomatic Go, but it keeps the
// planner and generator's switch-per-Kind dispatch (see internal/tapeplan
// and internal/codegen) working off one concrete type instead of a type
// hierarchy.
type Expr struct {
	Type     wasm.ExtValType
	CalleeName string
	Operands []*Expr
	ConstValue float64
	Id         int
	LocalIndex int
	CalleeIndex int
	HeapType    int
	BinOp       byte
	Kind        Kind
	Void        bool // true for statement-position nodes (local.set, array.set)
	Tail        bool // true for a return_call-shaped call (always rejected)

	// Targets and FieldIndex serve the generator-only nodes CallBinding,
	// TapeNew and FieldGet (see build.go); the planner never produces them,
	// since the original function body never contains tape plumbing.
	Targets    []int
	FieldIndex int
}

// Left and Right are convenience accessors for binary-kind Expr nodes.
func (e *Expr) Left() *Expr  { return e.Operands[0] }
func (e *Expr) Right() *Expr { return e.Operands[1] }

// IsFloat64 reports whether e's BinOp operates on f64 (as opposed to f32).
// The generator picks operator widths from the expression's type instead
// (see internal/codegen's addOp/subOp/mulOp/divOp).
func (e *Expr) IsFloat64() bool {
	switch e.BinOp {
	case wasm.OpF64Add, wasm.OpF64Sub, wasm.OpF64Mul, wasm.OpF64Div:
		return true
	default:
		return false
	}
}
