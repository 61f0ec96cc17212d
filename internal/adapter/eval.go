package adapter

import (
	"fmt"

	"github.com/wippyai/wasm-autodiff/wasm"
)

// Frame is the interpreter's state while evaluating one function body: the
// current value of every local by index, plus the module it runs against
// so Call/CallBinding can resolve sibling functions by name.
type Frame struct {
	Locals []any
	Module *Module
}

// RunFunc evaluates f's body with args bound to its leading locals
// (params occupy the low end of the local index space, as everywhere
// else in this package) and returns whatever the body evaluates to: nil
// for a Void body, a float64 for a scalar, or []any for a tuple/struct/
// array value.
func RunFunc(f *Func, m *Module, args []any) any {
	fr := &Frame{Locals: make([]any, len(f.Locals)), Module: m}
	copy(fr.Locals, args)
	return Eval(f.Body, fr)
}

// Eval walks e and returns its value under fr. This is test-support code:
// a direct, stack-free recursive evaluator over the same Expr trees the
// Tape Planner and Generator consume, standing in for the real WASM host
// this system's §1 treats as an external collaborator.
func Eval(e *Expr, fr *Frame) any {
	switch e.Kind {
	case KindBlock:
		var last any
		for _, c := range e.Operands {
			last = Eval(c, fr)
		}
		return last

	case KindConst:
		return e.ConstValue

	case KindLocalGet:
		return fr.Locals[e.LocalIndex]

	case KindLocalSet:
		fr.Locals[e.LocalIndex] = Eval(e.Operands[0], fr)
		return nil

	case KindLocalTee:
		v := Eval(e.Operands[0], fr)
		fr.Locals[e.LocalIndex] = v
		return v

	case KindBinary:
		l := asFloat(Eval(e.Left(), fr))
		r := asFloat(Eval(e.Right(), fr))
		switch e.BinOp {
		case wasm.OpF32Add, wasm.OpF64Add:
			return l + r
		case wasm.OpF32Sub, wasm.OpF64Sub:
			return l - r
		case wasm.OpF32Mul, wasm.OpF64Mul:
			return l * r
		case wasm.OpF32Div, wasm.OpF64Div:
			return l / r
		default:
			panic(fmt.Sprintf("eval: unsupported binary op %#x", e.BinOp))
		}

	case KindTupleMake, KindTapeNew:
		vals := make([]any, len(e.Operands))
		for i, c := range e.Operands {
			vals[i] = Eval(c, fr)
		}
		return vals

	case KindFieldGet:
		obj := Eval(e.Operands[0], fr).([]any)
		return obj[e.FieldIndex]

	case KindStructNew:
		return []any{}

	case KindArrayNewDefault:
		n := int(asFloat(Eval(e.Operands[0], fr)))
		return make([]any, n)

	case KindArrayGet:
		arr := Eval(e.Operands[0], fr).([]any)
		idx := int(asFloat(Eval(e.Operands[1], fr)))
		return arr[idx]

	case KindArraySet:
		arr := Eval(e.Operands[0], fr).([]any)
		idx := int(asFloat(Eval(e.Operands[1], fr)))
		arr[idx] = Eval(e.Operands[2], fr)
		return nil

	case KindArrayLen:
		arr := Eval(e.Operands[0], fr).([]any)
		return float64(len(arr))

	case KindCall, KindCallBinding:
		return evalCall(e, fr)

	default:
		panic("eval: unsupported expression kind " + e.Kind.String())
	}
}

func evalCall(e *Expr, fr *Frame) any {
	callee, _, ok := fr.Module.FuncByName(e.CalleeName)
	if !ok {
		panic("eval: unresolved call target " + e.CalleeName)
	}
	args := make([]any, len(e.Operands))
	for i, a := range e.Operands {
		args[i] = Eval(a, fr)
	}
	result := RunFunc(callee, fr.Module, args)

	if e.Kind != KindCallBinding {
		return result
	}
	parts, ok := result.([]any)
	if !ok {
		parts = []any{result}
	}
	for i, target := range e.Targets {
		fr.Locals[target] = parts[i]
	}
	return nil
}

func asFloat(v any) float64 {
	if v == nil {
		// Uninitialized locals default to zero, as WASM's do.
		return 0
	}
	f, ok := v.(float64)
	if !ok {
		panic(fmt.Sprintf("eval: expected float64, got %T", v))
	}
	return f
}
