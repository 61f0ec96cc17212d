package wasm

// Value type encodings as defined in the WebAssembly binary format.
// Core numeric types use 0x7F-0x7C; GC/reference types use 0x73-0x63.
// This is the subset of the full WASM 2.0 + proposals vocabulary that the
// AD transform actually reasons about: it classifies every local,
// parameter, and field by one of these, and rejects anything else.
const (
	ValI32  ValType = 0x7F // 32-bit integer (unit gradient)
	ValI64  ValType = 0x7E // 64-bit integer (unit gradient)
	ValF32  ValType = 0x7D // 32-bit float (differentiable)
	ValF64  ValType = 0x7C // 64-bit float (differentiable)
	ValV128 ValType = 0x7B // 128-bit vector (SIMD) - rejected, non-goal

	ValFuncRef ValType = 0x70 // function reference - rejected, not a primal value type
	ValExtern  ValType = 0x6F // external reference - rejected, non-goal

	// GC proposal reference types. ValRef/ValRefNull are the encodings used
	// by struct/array references to a concrete heap type index; the rest are
	// abstract heap types that never arise as primal types in this system
	// and exist here only so the Type Mapper can name them in error messages.
	ValRefNull   ValType = 0x63 // (ref null ht)
	ValRef       ValType = 0x64 // (ref ht)
	ValEqRef     ValType = 0x6D
	ValI31Ref    ValType = 0x6C
	ValStructRef ValType = 0x6B
	ValArrayRef  ValType = 0x6A
	ValAnyRef    ValType = 0x6E
	ValNullRef   ValType = 0x71
)

// Control-flow and block opcodes. The adapter's Expr tree does not use
// them (blocks are adapter.KindBlock), and no error message refers to
// them; they are opcode vocabulary only.
const (
	OpBlock byte = 0x02
	OpLoop  byte = 0x03
	OpIf    byte = 0x04
	OpEnd   byte = 0x0B
	OpBr    byte = 0x0C
	OpBrIf  byte = 0x0D
)

// Call opcodes. ReturnCall is tracked only to be rejected; tail calls
// have no reverse-mode rule.
const (
	OpCall       byte = 0x10
	OpReturnCall byte = 0x12
)

// Local access opcodes.
const (
	OpLocalGet byte = 0x20
	OpLocalSet byte = 0x21
	OpLocalTee byte = 0x22
)

// Numeric constant opcodes.
const (
	OpI32Const byte = 0x41
	OpI64Const byte = 0x42
	OpF32Const byte = 0x43
	OpF64Const byte = 0x44
)

// f32/f64 binary arithmetic opcodes. These are the only binary operators
// with reverse-mode rules (add, sub, mul, div).
const (
	OpF32Add byte = 0x92
	OpF32Sub byte = 0x93
	OpF32Mul byte = 0x94
	OpF32Div byte = 0x95

	OpF64Add byte = 0xA0
	OpF64Sub byte = 0xA1
	OpF64Mul byte = 0xA2
	OpF64Div byte = 0xA3
)

// OpPrefixGC is the multi-byte opcode prefix for struct/array/ref
// operations (GC proposal); it is followed by a LEB128 sub-opcode, here
// represented directly as the GC* constants below.
const OpPrefixGC byte = 0xFB

// GC sub-opcodes (0xFB prefix) - struct, array, and reference operations.
// Only the subset with planner rules is handled;
// anything else under the GC prefix (ref.cast, array.copy, br_on_cast, ...)
// is deliberately unsupported.
const (
	GCStructNew        uint32 = 0x00
	GCStructNewDefault uint32 = 0x01
	GCStructGet        uint32 = 0x02
	GCStructSet        uint32 = 0x05
	GCArrayNewDefault  uint32 = 0x07
	GCArrayGet         uint32 = 0x0B
	GCArraySet         uint32 = 0x0E
	GCArrayLen         uint32 = 0x0F
)

// Abstract heap types for GC instructions (encoded as negative s33 values).
// Used only by RefType.HeapType when a struct/array field refers to one of
// these instead of a concrete type index.
const (
	HeapTypeFunc   int64 = -16
	HeapTypeExtern int64 = -17
	HeapTypeAny    int64 = -18
	HeapTypeNone   int64 = -15
)
