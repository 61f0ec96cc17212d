package adapter

import "github.com/wippyai/wasm-autodiff/wasm"

// Builder constructs Expr trees against a Module, minting stable ids as it
// goes. It carries no other state; callers build one per function body
// (or share one across a whole module; ids only need to be unique, not
// contiguous per function).
type Builder struct {
	m *Module
}

// NewBuilder returns a Builder that mints ids from m.
func NewBuilder(m *Module) *Builder {
	return &Builder{m: m}
}

func (b *Builder) next() int { return b.m.NextID() }

// Const builds a numeric literal node. Its value is folded in eagerly
// (rather than left as an opaque payload to decode later) so the planner
// can record it as a plan-time constant and the generator can check the
// NonZeroGradientConstant invariant and emit the literal directly, without a second pass over the
// host IR's raw constant encoding.
func (b *Builder) Const(v float64, t wasm.ExtValType) *Expr {
	return &Expr{Id: b.next(), Kind: KindConst, Type: t, ConstValue: v}
}

// Block sequences children; its Type is the last child's Type, or the
// unit type if empty.
func (b *Builder) Block(children []*Expr) *Expr {
	e := &Expr{Id: b.next(), Kind: KindBlock, Operands: children}
	if len(children) == 0 {
		e.Void = true
	} else {
		last := children[len(children)-1]
		e.Type = last.Type
		e.Void = last.Void
	}
	return e
}

// LocalGet reads local index idx, currently of declared type t.
func (b *Builder) LocalGet(idx int, t wasm.ExtValType) *Expr {
	return &Expr{Id: b.next(), Kind: KindLocalGet, Type: t, LocalIndex: idx}
}

// LocalSet assigns rhs to local idx; a plain set has no value (Void).
func (b *Builder) LocalSet(idx int, rhs *Expr) *Expr {
	return &Expr{Id: b.next(), Kind: KindLocalSet, LocalIndex: idx, Operands: []*Expr{rhs}, Void: true}
}

// LocalTee assigns rhs to local idx and yields rhs's value.
func (b *Builder) LocalTee(idx int, rhs *Expr) *Expr {
	return &Expr{Id: b.next(), Kind: KindLocalTee, Type: rhs.Type, LocalIndex: idx, Operands: []*Expr{rhs}}
}

// Binary builds a binary arithmetic node (add/sub/mul/div on f32 or f64,
// see wasm.OpF32Add etc.) over left, right.
func (b *Builder) Binary(op byte, left, right *Expr, t wasm.ExtValType) *Expr {
	return &Expr{Id: b.next(), Kind: KindBinary, Type: t, BinOp: op, Operands: []*Expr{left, right}}
}

// Call builds a non-tail call to calleeName (resolved against the module
// by the planner, UnresolvedName if absent) with the given
// arguments, producing resultType.
func (b *Builder) Call(calleeName string, args []*Expr, resultType wasm.ExtValType) *Expr {
	return &Expr{Id: b.next(), Kind: KindCall, Type: resultType, CalleeName: calleeName, Operands: args}
}

// TailCall builds a return_call-shaped call node. The planner always
// rejects it; it exists so a host front-end can represent one long enough
// to produce that error instead of silently misreading it.
func (b *Builder) TailCall(calleeName string, args []*Expr, resultType wasm.ExtValType) *Expr {
	e := b.Call(calleeName, args, resultType)
	e.Tail = true
	return e
}

// StructNew builds a zero-operand struct.new of heapType; non-default
// struct.new is unimplemented and rejected by the planner.
func (b *Builder) StructNew(heapType int, t wasm.ExtValType) *Expr {
	return &Expr{Id: b.next(), Kind: KindStructNew, Type: t, HeapType: heapType}
}

// ArrayNewDefault builds an array.new_default of heapType with the given
// size expression; non-default initializers are not representable here.
func (b *Builder) ArrayNewDefault(heapType int, size *Expr, t wasm.ExtValType) *Expr {
	return &Expr{Id: b.next(), Kind: KindArrayNewDefault, Type: t, HeapType: heapType, Operands: []*Expr{size}}
}

// ArrayGet reads element elemType from arr at idx.
func (b *Builder) ArrayGet(heapType int, arr, idx *Expr, elemType wasm.ExtValType) *Expr {
	return &Expr{Id: b.next(), Kind: KindArrayGet, Type: elemType, HeapType: heapType, Operands: []*Expr{arr, idx}}
}

// ArraySet stores val into arr at idx; like local.set, this is a
// statement with no value.
func (b *Builder) ArraySet(heapType int, arr, idx, val *Expr) *Expr {
	return &Expr{Id: b.next(), Kind: KindArraySet, HeapType: heapType, Operands: []*Expr{arr, idx, val}, Void: true}
}

// ArrayLen reads arr's length as an i32.
func (b *Builder) ArrayLen(arr *Expr) *Expr {
	return &Expr{Id: b.next(), Kind: KindArrayLen, Type: wasm.Simple(wasm.ValI32), Operands: []*Expr{arr}}
}

// TupleMake constructs a multivalue tuple from parts. The host IR
// disallows zero-arity tuples; callers must elide the
// call entirely when parts is empty rather than pass an empty slice here.
func (b *Builder) TupleMake(parts []*Expr) *Expr {
	return &Expr{Id: b.next(), Kind: KindTupleMake, Operands: parts}
}

// CallBinding calls calleeName with args and binds its multivalue result,
// component by component, into targets (local indices in the caller's own
// function). Unlike Call, this never appears in the original function
// body: the generator uses it to invoke a sibling _fwd/_bwd function, whose
// result arity (primal, grad, tape; or grad-of-params) doesn't fit the
// single-Type shape Call assumes.
func (b *Builder) CallBinding(calleeName string, args []*Expr, targets []int) *Expr {
	return &Expr{Id: b.next(), Kind: KindCallBinding, CalleeName: calleeName, Operands: args, Targets: targets, Void: true}
}

// TapeNew builds a non-default struct.new of heapType from fields, in
// field order. This is how the generator materializes a tape record (or a
// zero-initialized gradient struct/array companion); the planner's
// StructNew is unrelated and stays restricted to the zero-operand form.
func (b *Builder) TapeNew(heapType int, fields []*Expr, t wasm.ExtValType) *Expr {
	return &Expr{Id: b.next(), Kind: KindTapeNew, Type: t, HeapType: heapType, Operands: fields}
}

// FieldGet reads field index i out of a struct ref obj (a tape record or a
// sibling's sub-tape), yielding t.
func (b *Builder) FieldGet(heapType, i int, obj *Expr, t wasm.ExtValType) *Expr {
	return &Expr{Id: b.next(), Kind: KindFieldGet, Type: t, HeapType: heapType, FieldIndex: i, Operands: []*Expr{obj}}
}
