package codegen

import "github.com/wippyai/wasm-autodiff/wasm"

// addOp, subOp, mulOp and divOp pick the f32 or f64 opcode matching t, for
// building the accumulate/combine expressions the backward rules need
// regardless of which width the original operator used.
func addOp(t wasm.ExtValType) byte { return pick(t, wasm.OpF32Add, wasm.OpF64Add) }
func subOp(t wasm.ExtValType) byte { return pick(t, wasm.OpF32Sub, wasm.OpF64Sub) }
func mulOp(t wasm.ExtValType) byte { return pick(t, wasm.OpF32Mul, wasm.OpF64Mul) }
func divOp(t wasm.ExtValType) byte { return pick(t, wasm.OpF32Div, wasm.OpF64Div) }

func pick(t wasm.ExtValType, f32, f64 byte) byte {
	if t.Kind == wasm.ExtValKindSimple && t.ValType == wasm.ValF32 {
		return f32
	}
	return f64
}
