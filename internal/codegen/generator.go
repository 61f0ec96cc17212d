package codegen

import (
	"strconv"

	"github.com/wippyai/wasm-autodiff/errors"
	"github.com/wippyai/wasm-autodiff/internal/adapter"
	"github.com/wippyai/wasm-autodiff/internal/tapeplan"
	"github.com/wippyai/wasm-autodiff/internal/typemap"
	"github.com/wippyai/wasm-autodiff/wasm"
)

// CalleeSig is everything a call site's generator needs to know about a
// function it calls: the shape of that callee's own F_fwd/F_bwd pair.
// The Driver builds one of these per module function once planning and
// tape-struct construction have both finished, since TapeHeap is only
// known after every function's tape struct has been placed in the shared
// recursion group.
type CalleeSig struct {
	FwdName         string
	BwdName         string
	GradParamTypes  []wasm.ExtValType
	GradResultTypes []wasm.ExtValType
	TapeHeap        int
}

// Pair is the F_fwd/F_bwd pair the Generator produces for one original
// function.
type Pair struct {
	Fwd *adapter.Func
	Bwd *adapter.Func
}

// var_ is the per-local bookkeeping: the current
// forward-pass local (primal and in-forward gradient) and the current
// backward-pass accumulator, the latter rewritten on every local.set to
// mimic SSA in the reversed body.
type var_ struct {
	typ      wasm.ExtValType
	gradType wasm.ExtValType
	gradUnit bool
	fwd      int
	grad     int // -1 when gradUnit
	bwd      int // -1 when gradUnit, or for a declared local before its first local.set
}

// Generator emits F_fwd and F_bwd for one function, given the plan the
// Tape Planner computed for it.
type Generator struct {
	fn      *adapter.Func
	module  *adapter.Module
	plan    *tapeplan.Plan
	types   *typemap.Mapper
	callees map[string]CalleeSig
	fwdName string
	bwdName string
	tapeRef wasm.ExtValType // (ref thisFn's tape heap)

	b *adapter.Builder

	vars []var_

	fwdLocals []wasm.ExtValType
	bwdLocals []wasm.ExtValType

	fwdNumParams int
	bwdNumParams int

	fwdFieldLocal []int // tape field index -> fwd local holding its value
	bwdFieldLocal []int // tape field index -> bwd local loaded from the tape

	bwdResultGradStart int // first bwd local index holding an incoming result-gradient
	resultGradUnit     bool

	zeroFwd map[wasm.ExtValType]int // shared read-only zero sentinel per grad type, F_fwd side

	stmts []*adapter.Expr // backward statements, pushed in source order
}

// New returns a Generator for fn. tapeHeap is fn's own tape struct heap
// type index (already placed in the module's shared recursion group);
// callees maps every resolvable call target's name to its own signature.
func New(fn *adapter.Func, module *adapter.Module, plan *tapeplan.Plan, types *typemap.Mapper, callees map[string]CalleeSig, fwdName, bwdName string, tapeHeap int) *Generator {
	return &Generator{
		fn:            fn,
		module:        module,
		plan:          plan,
		types:         types,
		callees:       callees,
		fwdName:       fwdName,
		bwdName:       bwdName,
		tapeRef:       wasm.Ref(uint32(tapeHeap), false),
		b:             adapter.NewBuilder(module),
		fwdFieldLocal: make([]int, len(plan.Fields)),
		bwdFieldLocal: make([]int, len(plan.Fields)),
		zeroFwd:       make(map[wasm.ExtValType]int),
	}
}

// Generate runs the generator and returns the F_fwd/F_bwd pair.
//
// Only single-result functions are supported: the planner's Value
// abstraction (Param/Void/Const/Expression) has no tuple arm, so tape
// planning never produces a plan for a multi-component body value. See
// DESIGN.md.
func (g *Generator) Generate() (*Pair, error) {
	if len(g.fn.Results) != 1 {
		return nil, errors.New(errors.PhaseGenerate, errors.KindUnsupportedExpression).
			Func(g.fn.Name).
			Detail("functions with other than one result are not supported").
			Build()
	}

	if err := g.setupLocals(); err != nil {
		return nil, err
	}
	g.setupTapeFieldLocals()

	bodyFwd, bodyGrad, bodyBwd, err := g.genExpr(g.fn.Body)
	if err != nil {
		return nil, err
	}

	fwdFn, err := g.assembleFwd(bodyFwd, bodyGrad)
	if err != nil {
		return nil, err
	}
	bwdFn, err := g.assembleBwd(bodyBwd)
	if err != nil {
		return nil, err
	}
	return &Pair{Fwd: fwdFn, Bwd: bwdFn}, nil
}

// ---- local allocation -----------------------------------------------

func (g *Generator) setupLocals() error {
	nParams := g.fn.NumParams
	paramTypes := g.fn.Locals[:nParams]

	gradParamTypes, err := g.types.MapTuple(g.fn.Name, paramTypes)
	if err != nil {
		return err
	}
	gradResultTypes, err := g.types.MapTuple(g.fn.Name, g.fn.Results)
	if err != nil {
		return err
	}
	resultGrad, err := g.types.Map(g.fn.Name, g.fn.Results[0])
	if err != nil {
		return err
	}
	g.resultGradUnit = resultGrad.Unit

	// F_fwd params: original params, then their non-unit gradient types.
	// The original declared locals are reserved immediately after, so their
	// indices shift past the grad-param block by a fixed amount and later
	// allocFwdLocal calls cannot collide with them.
	g.fwdLocals = append(g.fwdLocals, paramTypes...)
	paramGradStart := len(g.fwdLocals)
	g.fwdLocals = append(g.fwdLocals, gradParamTypes...)
	g.fwdNumParams = len(g.fwdLocals)
	localShift := g.fwdNumParams - nParams
	g.fwdLocals = append(g.fwdLocals, g.fn.Locals[nParams:]...)

	// F_bwd params: incoming param-gradient accumulators, then
	// result-gradient seeds, then the tape struct reference.
	g.bwdLocals = append(g.bwdLocals, gradParamTypes...)
	g.bwdResultGradStart = len(g.bwdLocals)
	g.bwdLocals = append(g.bwdLocals, gradResultTypes...)
	g.bwdLocals = append(g.bwdLocals, g.tapeRef)
	g.bwdNumParams = len(g.bwdLocals)

	g.vars = make([]var_, len(g.fn.Locals))
	paramGradIdx := 0
	for i, t := range g.fn.Locals {
		v := var_{typ: t, fwd: i}
		if i >= nParams {
			v.fwd = i + localShift
		}
		grad, err := g.types.Map(g.fn.Name, t)
		if err != nil {
			return err
		}
		v.gradUnit = grad.Unit
		v.gradType = grad.Type

		if i < nParams {
			if grad.Unit {
				v.grad = -1
				v.bwd = -1
			} else {
				v.grad = paramGradStart + paramGradIdx
				v.bwd = paramGradIdx // the matching bwd-param accumulator slot
				paramGradIdx++
			}
		} else {
			// Declared (non-param) local: a fresh forward-gradient local is
			// allocated now (default-zero per WASM rules); its backward
			// accumulator is allocated lazily at the first local.set.
			if grad.Unit {
				v.grad = -1
			} else {
				v.grad = g.allocFwdLocal(grad.Type)
			}
			v.bwd = -1
		}
		g.vars[i] = v
	}
	return nil
}

func (g *Generator) allocFwdLocal(t wasm.ExtValType) int {
	idx := len(g.fwdLocals)
	g.fwdLocals = append(g.fwdLocals, t)
	return idx
}

func (g *Generator) allocBwdLocal(t wasm.ExtValType) int {
	idx := len(g.bwdLocals)
	g.bwdLocals = append(g.bwdLocals, t)
	return idx
}

// freshBwdLocal allocates a zero-initialized accumulator of t's gradient
// type, or returns -1 if t carries no gradient.
func (g *Generator) freshBwdLocal(t wasm.ExtValType) (int, error) {
	grad, err := g.types.Map(g.fn.Name, t)
	if err != nil {
		return -1, err
	}
	if grad.Unit {
		return -1, nil
	}
	return g.allocBwdLocal(grad.Type), nil
}

// zeroGrad returns a read-only expression producing a zero gradient value
// of t's grad type for use inside F_fwd, sharing one sentinel local per
// distinct type.
func (g *Generator) zeroGrad(t wasm.ExtValType) (*adapter.Expr, error) {
	grad, err := g.types.Map(g.fn.Name, t)
	if err != nil {
		return nil, err
	}
	if grad.Unit {
		return nil, nil
	}
	idx, ok := g.zeroFwd[grad.Type]
	if !ok {
		idx = g.allocFwdLocal(grad.Type)
		g.zeroFwd[grad.Type] = idx
	}
	return g.b.LocalGet(idx, grad.Type), nil
}

func (g *Generator) setupTapeFieldLocals() {
	for i, spec := range g.plan.Fields {
		ft := g.fieldType(spec)
		g.fwdFieldLocal[i] = g.allocFwdLocal(ft)
		g.bwdFieldLocal[i] = g.allocBwdLocal(ft)
	}
}

func (g *Generator) fieldType(spec tapeplan.FieldSpec) wasm.ExtValType {
	if spec.Kind == tapeplan.FieldCall {
		if sig, ok := g.callees[spec.Callee]; ok {
			return wasm.Ref(uint32(sig.TapeHeap), false)
		}
	}
	return spec.Type
}

func (g *Generator) pushBwd(stmt *adapter.Expr) {
	g.stmts = append(g.stmts, stmt)
}

// ---- per-expression-kind generation -----------------------------------

// genExpr returns {fwd, grad, bwd} for e: fwd is the forward-pass
// expression producing e's primal, grad the forward expression producing
// e's in-forward gradient value (nil when e's gradient type is unit), and
// bwd the F_bwd local index accumulating e's reverse-mode gradient (-1
// when unit or Void).
func (g *Generator) genExpr(e *adapter.Expr) (fwd, grad *adapter.Expr, bwd int, err error) {
	switch e.Kind {
	case adapter.KindBlock:
		fwd, grad, bwd, err = g.genBlock(e)
	case adapter.KindConst:
		fwd, grad, bwd, err = g.genConst(e)
	case adapter.KindLocalGet:
		fwd, grad, bwd, err = g.genLocalGet(e)
	case adapter.KindLocalSet:
		fwd, grad, bwd, err = g.genLocalSet(e, false)
	case adapter.KindLocalTee:
		fwd, grad, bwd, err = g.genLocalSet(e, true)
	case adapter.KindBinary:
		fwd, grad, bwd, err = g.genBinary(e)
	case adapter.KindCall:
		fwd, grad, bwd, err = g.genCall(e)
	case adapter.KindStructNew:
		fwd, grad, bwd, err = g.genStructNew(e)
	case adapter.KindArrayNewDefault:
		fwd, grad, bwd, err = g.genArrayNewDefault(e)
	case adapter.KindArrayGet:
		fwd, grad, bwd, err = g.genArrayGet(e)
	case adapter.KindArraySet:
		fwd, grad, bwd, err = g.genArraySet(e)
	case adapter.KindArrayLen:
		fwd, grad, bwd, err = g.genArrayLen(e)
	default:
		return nil, nil, -1, errors.UnsupportedExpression(g.fn.Name, strconv.Itoa(e.Id), e.Kind.String())
	}
	if err != nil {
		return nil, nil, -1, err
	}

	// Once a subexpression's forward (or in-forward gradient) value is
	// computed, if the planner marked it for storage, the emission wraps
	// the result in a tee into the assigned tape field.
	if idx, ok := g.plan.Stores[e.Id]; ok && fwd != nil {
		fwd = g.b.LocalTee(g.fwdFieldLocal[idx], fwd)
	}
	if idx, ok := g.plan.Grads[e.Id]; ok && grad != nil {
		grad = g.b.LocalTee(g.fwdFieldLocal[idx], grad)
	}
	return fwd, grad, bwd, nil
}

func (g *Generator) genBlock(e *adapter.Expr) (*adapter.Expr, *adapter.Expr, int, error) {
	if len(e.Operands) == 0 {
		return nil, nil, -1, nil
	}
	children := make([]*adapter.Expr, 0, len(e.Operands))
	var lastGrad *adapter.Expr
	lastBwd := -1
	for _, c := range e.Operands {
		fwd, grad, bwd, err := g.genExpr(c)
		if err != nil {
			return nil, nil, -1, err
		}
		if fwd != nil {
			children = append(children, fwd)
		}
		lastGrad, lastBwd = grad, bwd
	}
	return g.b.Block(children), lastGrad, lastBwd, nil
}

func (g *Generator) genConst(e *adapter.Expr) (*adapter.Expr, *adapter.Expr, int, error) {
	fwd := g.b.Const(e.ConstValue, e.Type)
	grad, err := g.zeroGrad(e.Type)
	if err != nil {
		return nil, nil, -1, err
	}
	if ld, ok := g.plan.GradLoads[e.Id]; ok && ld.Kind == tapeplan.LoadField {
		// A Field-kind gradient load on a non-zero constant signals an
		// analysis bug, not a bad input.
		if e.ConstValue != 0 {
			return nil, nil, -1, errors.NonZeroGradientConstant(g.fn.Name, strconv.Itoa(e.Id), e.ConstValue)
		}
		return fwd, grad, g.bwdFieldLocal[ld.Field], nil
	}
	bwd, err := g.freshBwdLocal(e.Type)
	if err != nil {
		return nil, nil, -1, err
	}
	return fwd, grad, bwd, nil
}

func (g *Generator) genLocalGet(e *adapter.Expr) (*adapter.Expr, *adapter.Expr, int, error) {
	v := g.vars[e.LocalIndex]
	fwd := g.b.LocalGet(v.fwd, e.Type)
	var grad *adapter.Expr
	if !v.gradUnit {
		grad = g.b.LocalGet(v.grad, v.gradType)
	}
	return fwd, grad, v.bwd, nil
}

func (g *Generator) genLocalSet(e *adapter.Expr, tee bool) (*adapter.Expr, *adapter.Expr, int, error) {
	rhsFwd, rhsGrad, rhsBwd, err := g.genExpr(e.Operands[0])
	if err != nil {
		return nil, nil, -1, err
	}
	v := &g.vars[e.LocalIndex]

	// Primal before gradient: the gradient expression may read locals the
	// primal's own tees populate (array.new_default's shared length local).
	fwdChildren := []*adapter.Expr{g.b.LocalSet(v.fwd, rhsFwd)}
	if !v.gradUnit {
		if rhsGrad == nil {
			zero, err := g.zeroGrad(e.Operands[0].Type)
			if err != nil {
				return nil, nil, -1, err
			}
			rhsGrad = zero
		}
		fwdChildren = append(fwdChildren, g.b.LocalSet(v.grad, rhsGrad))
	}
	if tee {
		fwdChildren = append(fwdChildren, g.b.LocalGet(v.fwd, e.Operands[0].Type))
	}
	fwd := g.b.Block(fwdChildren)

	newBwd, err := g.freshBwdLocal(e.Operands[0].Type)
	if err != nil {
		return nil, nil, -1, err
	}
	if newBwd >= 0 && rhsBwd >= 0 {
		// Propagate whatever accumulates into the local's new slot back to
		// the RHS's own accumulator; pushed now (before any later use of
		// this local accumulates into newBwd) so that after the whole
		// statement list is reversed, this copy runs only once every later
		// use has already contributed to newBwd.
		g.pushBwd(g.b.LocalSet(rhsBwd, g.b.LocalGet(newBwd, e.Operands[0].Type)))
	}
	v.bwd = newBwd

	if tee {
		var grad *adapter.Expr
		if !v.gradUnit {
			grad = g.b.LocalGet(v.grad, v.gradType)
		}
		return fwd, grad, newBwd, nil
	}
	return fwd, nil, newBwd, nil
}

func (g *Generator) genBinary(e *adapter.Expr) (*adapter.Expr, *adapter.Expr, int, error) {
	left, right := e.Operands[0], e.Operands[1]
	lFwd, _, lBwd, err := g.genExpr(left)
	if err != nil {
		return nil, nil, -1, err
	}
	rFwd, _, rBwd, err := g.genExpr(right)
	if err != nil {
		return nil, nil, -1, err
	}

	fwd := g.b.Binary(e.BinOp, lFwd, rFwd, e.Type)
	eBwd, err := g.freshBwdLocal(e.Type)
	if err != nil {
		return nil, nil, -1, err
	}
	dz := func() *adapter.Expr { return g.b.LocalGet(eBwd, e.Type) }

	switch e.BinOp {
	case wasm.OpF32Add, wasm.OpF64Add:
		g.accumulate(lBwd, e.Type, dz(), false)
		g.accumulate(rBwd, e.Type, dz(), false)

	case wasm.OpF32Sub, wasm.OpF64Sub:
		g.accumulate(lBwd, e.Type, dz(), false)
		g.accumulate(rBwd, e.Type, dz(), true)

	case wasm.OpF32Mul, wasm.OpF64Mul:
		yTape, err := g.load(right)
		if err != nil {
			return nil, nil, -1, err
		}
		xTape, err := g.load(left)
		if err != nil {
			return nil, nil, -1, err
		}
		g.accumulate(lBwd, e.Type, g.b.Binary(mulOp(e.Type), dz(), yTape, e.Type), false)
		g.accumulate(rBwd, e.Type, g.b.Binary(mulOp(e.Type), dz(), xTape, e.Type), false)

	case wasm.OpF32Div, wasm.OpF64Div:
		yTape, err := g.load(right)
		if err != nil {
			return nil, nil, -1, err
		}
		zTape, err := g.load(e)
		if err != nil {
			return nil, nil, -1, err
		}
		dx1, err := g.freshBwdLocal(e.Type)
		if err != nil {
			return nil, nil, -1, err
		}
		// Pushed in reverse of their read/write dependency: once this
		// whole list is reversed en bloc, dx1's own
		// assignment must run before either accumulate statement that
		// reads it, so it is pushed *last* of the three.
		g.accumulate(rBwd, e.Type, g.b.Binary(mulOp(e.Type), g.b.LocalGet(dx1, e.Type), zTape, e.Type), true)
		g.accumulate(lBwd, e.Type, g.b.LocalGet(dx1, e.Type), false)
		g.pushBwd(g.b.LocalSet(dx1, g.b.Binary(divOp(e.Type), dz(), yTape, e.Type)))

	default:
		return nil, nil, -1, errors.UnsupportedExpression(g.fn.Name, strconv.Itoa(e.Id), "binary op "+strconv.Itoa(int(e.BinOp)))
	}

	// Scalar gradients do not propagate through the forward pass (the
	// backward pass owns them); the in-forward gradient of an arithmetic
	// result is the shared zero sentinel.
	grad, err := g.zeroGrad(e.Type)
	if err != nil {
		return nil, nil, -1, err
	}
	return fwd, grad, eBwd, nil
}

// accumulate pushes `dst (+|-)= contribution` onto the backward statement
// list; a negative dst means the operand's gradient type is unit and the
// contribution is discarded.
func (g *Generator) accumulate(dst int, t wasm.ExtValType, contribution *adapter.Expr, subtract bool) {
	if dst < 0 {
		return
	}
	op := addOp(t)
	if subtract {
		op = subOp(t)
	}
	combined := g.b.Binary(op, g.b.LocalGet(dst, t), contribution, t)
	g.pushBwd(g.b.LocalSet(dst, combined))
}

// resolveLoad turns a tapeplan.Load into the expression the backward pass
// reads it through: either the literal known at plan time, or the tape
// field's reloaded bwd local (whose declared type is already on record in
// bwdLocals from setupTapeFieldLocals, so callers need not repeat it).
func (g *Generator) resolveLoad(ld tapeplan.Load, constType wasm.ExtValType) *adapter.Expr {
	switch ld.Kind {
	case tapeplan.LoadConst:
		return g.b.Const(ld.Const, constType)
	default:
		local := g.bwdFieldLocal[ld.Field]
		return g.b.LocalGet(local, g.bwdLocals[local])
	}
}

// load returns the expression the backward pass uses to read e's saved
// primal value, per the planner's Loads map.
func (g *Generator) load(e *adapter.Expr) (*adapter.Expr, error) {
	ld, ok := g.plan.Loads[e.Id]
	if !ok {
		return nil, errors.InternalInvariant(g.fn.Name, strconv.Itoa(e.Id), "no tape load recorded for this expression")
	}
	return g.resolveLoad(ld, e.Type), nil
}

// gradLoad is load's counterpart for plan.GradLoads (mutable array
// gradient companion reloads).
func (g *Generator) gradLoad(e *adapter.Expr) (*adapter.Expr, error) {
	ld, ok := g.plan.GradLoads[e.Id]
	if !ok {
		return nil, errors.InternalInvariant(g.fn.Name, strconv.Itoa(e.Id), "no tape grad-load recorded for this expression")
	}
	return g.resolveLoad(ld, e.Type), nil
}

func (g *Generator) genCall(e *adapter.Expr) (*adapter.Expr, *adapter.Expr, int, error) {
	sig, ok := g.callees[e.CalleeName]
	if !ok {
		return nil, nil, -1, errors.UnresolvedName(g.fn.Name, strconv.Itoa(e.Id), e.CalleeName)
	}

	argFwds := make([]*adapter.Expr, 0, len(e.Operands))
	argGrads := make([]*adapter.Expr, 0, len(e.Operands))
	argBwds := make([]int, 0, len(e.Operands))
	// Gradient-argument arity must line up positionally with the callee's
	// grad-param tuple (unit components dropped), so alignment is driven by
	// the mapped types, never by which gen rules happened to produce grads.
	var gradArgTypes []wasm.ExtValType
	for _, a := range e.Operands {
		fwd, grad, bwd, err := g.genExpr(a)
		if err != nil {
			return nil, nil, -1, err
		}
		argFwds = append(argFwds, fwd)
		argBwds = append(argBwds, bwd)

		gr, err := g.types.Map(g.fn.Name, a.Type)
		if err != nil {
			return nil, nil, -1, err
		}
		if gr.Unit {
			continue
		}
		if grad == nil {
			grad, err = g.zeroGrad(a.Type)
			if err != nil {
				return nil, nil, -1, err
			}
		}
		argGrads = append(argGrads, grad)
		gradArgTypes = append(gradArgTypes, gr.Type)
	}

	// Forward: call sig.FwdName(primals..., grads...), binding its
	// multivalue result into fresh locals, then extract the primal, the
	// gradient component, and the sub-tape field.
	fwdArgs := append(append([]*adapter.Expr{}, argFwds...), argGrads...)
	resultTargets := make([]int, 0, 2+len(sig.GradResultTypes))
	primalTarget := g.allocFwdLocal(e.Type)
	resultTargets = append(resultTargets, primalTarget)
	gradResultTarget := -1
	if len(sig.GradResultTypes) > 0 {
		gradResultTarget = g.allocFwdLocal(sig.GradResultTypes[0])
		resultTargets = append(resultTargets, gradResultTarget)
	}
	subTapeTarget := g.allocFwdLocal(wasm.Ref(uint32(sig.TapeHeap), false))
	resultTargets = append(resultTargets, subTapeTarget)

	callBind := g.b.CallBinding(sig.FwdName, fwdArgs, resultTargets)
	callField, hasCallField := g.plan.Calls[e.Id]
	fwdStmts := []*adapter.Expr{callBind}
	if hasCallField {
		fwdStmts = append(fwdStmts, g.b.LocalSet(g.fwdFieldLocal[callField], g.b.LocalGet(subTapeTarget, wasm.Ref(uint32(sig.TapeHeap), false))))
	}
	fwd := g.b.Block(append(fwdStmts, g.b.LocalGet(primalTarget, e.Type)))

	var grad *adapter.Expr
	if gradResultTarget >= 0 {
		grad = g.b.LocalGet(gradResultTarget, sig.GradResultTypes[0])
	}

	// Backward: the callee's own F_bwd seeds each of its parameters'
	// gradients from zero and returns the total it accumulated, given this
	// call site's result-gradient seed and sub-tape; each returned
	// component is folded into this call's own argument accumulators once
	// the call returns.
	eBwd, err := g.freshBwdLocal(e.Type)
	if err != nil {
		return nil, nil, -1, err
	}
	var bwdArgTargets []int // -1 entries discard that component's result
	var bwdArgTypes []wasm.ExtValType
	gradIdx := 0
	for i, a := range e.Operands {
		gr, err := g.types.Map(g.fn.Name, a.Type)
		if err != nil {
			return nil, nil, -1, err
		}
		if gr.Unit {
			continue
		}
		bwdArgTargets = append(bwdArgTargets, argBwds[i])
		bwdArgTypes = append(bwdArgTypes, gradArgTypes[gradIdx])
		gradIdx++
	}
	freshTargets := make([]int, len(bwdArgTargets))
	for i, t := range bwdArgTypes {
		freshTargets[i] = g.allocBwdLocal(t)
	}
	bwdCallArgs := make([]*adapter.Expr, 0, len(bwdArgTypes)+2)
	for _, t := range bwdArgTypes {
		bwdCallArgs = append(bwdCallArgs, g.b.Const(0, t))
	}
	if eBwd >= 0 {
		bwdCallArgs = append(bwdCallArgs, g.b.LocalGet(eBwd, e.Type))
	}
	if hasCallField {
		bwdCallArgs = append(bwdCallArgs, g.b.LocalGet(g.bwdFieldLocal[callField], wasm.Ref(uint32(sig.TapeHeap), false)))
	}

	// Pushed before the call so that, after the whole statement list is
	// reversed en bloc, the call runs first and these reads see its result.
	for i, tgt := range bwdArgTargets {
		g.accumulate(tgt, bwdArgTypes[i], g.b.LocalGet(freshTargets[i], bwdArgTypes[i]), false)
	}
	g.pushBwd(g.b.CallBinding(sig.BwdName, bwdCallArgs, freshTargets))

	return fwd, grad, eBwd, nil
}

func (g *Generator) genStructNew(e *adapter.Expr) (*adapter.Expr, *adapter.Expr, int, error) {
	gradType, err := g.types.Map(g.fn.Name, e.Type)
	if err != nil {
		return nil, nil, -1, err
	}
	fwd := g.b.StructNew(e.HeapType, e.Type)
	var grad *adapter.Expr
	if !gradType.Unit {
		gradHeap := int(gradType.Type.RefType.HeapType)
		grad = g.b.StructNew(gradHeap, gradType.Type)
	}
	return fwd, grad, -1, nil
}

func (g *Generator) genArrayNewDefault(e *adapter.Expr) (*adapter.Expr, *adapter.Expr, int, error) {
	sizeFwd, _, _, err := g.genExpr(e.Operands[0])
	if err != nil {
		return nil, nil, -1, err
	}
	sizeLocal := g.allocFwdLocal(wasm.Simple(wasm.ValI32))
	teeSize := g.b.LocalTee(sizeLocal, sizeFwd)

	gradType, err := g.types.Map(g.fn.Name, e.Type)
	if err != nil {
		return nil, nil, -1, err
	}
	fwd := g.b.ArrayNewDefault(e.HeapType, teeSize, e.Type)
	var grad *adapter.Expr
	if !gradType.Unit {
		gradHeap := int(gradType.Type.RefType.HeapType)
		grad = g.b.ArrayNewDefault(gradHeap, g.b.LocalGet(sizeLocal, wasm.Simple(wasm.ValI32)), gradType.Type)
	}
	return fwd, grad, -1, nil
}

func (g *Generator) genArrayGet(e *adapter.Expr) (*adapter.Expr, *adapter.Expr, int, error) {
	arr, idx := e.Operands[0], e.Operands[1]
	arrFwd, arrGrad, _, err := g.genExpr(arr)
	if err != nil {
		return nil, nil, -1, err
	}
	idxFwd, _, _, err := g.genExpr(idx)
	if err != nil {
		return nil, nil, -1, err
	}

	if typemap.IsDifferentiable(e.Type) {
		// arrGrad carries the tape tee the planner assigned to the array's
		// gradient; it must run in the forward body even though the element
		// read itself only touches the primal array. Holding both operands
		// in locals keeps primal-before-gradient evaluation order.
		arrLocal := g.allocFwdLocal(arr.Type)
		gradHolder := g.allocFwdLocal(arrGrad.Type)
		idxLocal := g.allocFwdLocal(wasm.Simple(wasm.ValI32))
		fwd := g.b.Block([]*adapter.Expr{
			g.b.LocalSet(arrLocal, arrFwd),
			g.b.LocalSet(gradHolder, arrGrad),
			g.b.ArrayGet(e.HeapType, g.b.LocalGet(arrLocal, arr.Type), g.b.LocalTee(idxLocal, idxFwd), e.Type),
		})

		eBwd, err := g.freshBwdLocal(e.Type)
		if err != nil {
			return nil, nil, -1, err
		}
		idxLoad, err := g.load(idx)
		if err != nil {
			return nil, nil, -1, err
		}
		gradArr, err := g.gradLoad(arr)
		if err != nil {
			return nil, nil, -1, err
		}
		gradHeap := int(gradArr.Type.RefType.HeapType)
		// dz flows into the gradient array at the tape-recorded index:
		// grad_arr[i_tape] += get(dz).
		cur := g.b.ArrayGet(gradHeap, gradArr, idxLoad, e.Type)
		updated := g.b.Binary(addOp(e.Type), cur, g.b.LocalGet(eBwd, e.Type), e.Type)
		g.pushBwd(g.b.ArraySet(gradHeap, gradArr, idxLoad, updated))

		grad, err := g.zeroGrad(e.Type)
		if err != nil {
			return nil, nil, -1, err
		}
		return fwd, grad, eBwd, nil
	}

	elemGrad, err := g.types.Map(g.fn.Name, e.Type)
	if err != nil {
		return nil, nil, -1, err
	}
	if elemGrad.Unit {
		fwd := g.b.ArrayGet(e.HeapType, arrFwd, idxFwd, e.Type)
		return fwd, nil, -1, nil
	}

	// Structural (non-f-type) element gradient: the forward pass reads the
	// companion gradient array at the same teed index into a fresh local so
	// downstream uses share the element's gradient object.
	arrLocal := g.allocFwdLocal(arr.Type)
	gradHolder := g.allocFwdLocal(arrGrad.Type)
	idxLocal := g.allocFwdLocal(wasm.Simple(wasm.ValI32))
	elemGradLocal := g.allocFwdLocal(elemGrad.Type)
	gradHeap := int(arrGrad.Type.RefType.HeapType)
	fwd := g.b.Block([]*adapter.Expr{
		g.b.LocalSet(arrLocal, arrFwd),
		g.b.LocalSet(gradHolder, arrGrad),
		g.b.LocalSet(idxLocal, idxFwd),
		g.b.LocalSet(elemGradLocal, g.b.ArrayGet(gradHeap, g.b.LocalGet(gradHolder, arrGrad.Type), g.b.LocalGet(idxLocal, wasm.Simple(wasm.ValI32)), elemGrad.Type)),
		g.b.ArrayGet(e.HeapType, g.b.LocalGet(arrLocal, arr.Type), g.b.LocalGet(idxLocal, wasm.Simple(wasm.ValI32)), e.Type),
	})
	return fwd, g.b.LocalGet(elemGradLocal, elemGrad.Type), -1, nil
}

func (g *Generator) genArraySet(e *adapter.Expr) (*adapter.Expr, *adapter.Expr, int, error) {
	arr, idx, val := e.Operands[0], e.Operands[1], e.Operands[2]
	arrFwd, arrGrad, _, err := g.genExpr(arr)
	if err != nil {
		return nil, nil, -1, err
	}
	idxFwd, _, _, err := g.genExpr(idx)
	if err != nil {
		return nil, nil, -1, err
	}
	valFwd, valGrad, valBwd, err := g.genExpr(val)
	if err != nil {
		return nil, nil, -1, err
	}

	setField, hasSet := g.plan.Sets[e.Id]
	var fwdChildren []*adapter.Expr
	if hasSet {
		if arrGrad == nil || valGrad == nil {
			return nil, nil, -1, errors.InternalInvariant(g.fn.Name, strconv.Itoa(e.Id), "array.set allocated a gradient field for a unit-gradient element")
		}
		gradHeap := int(arrGrad.Type.RefType.HeapType)
		// Operands are hoisted into locals in source order (array, index,
		// value's own effects run inside the primal store) so the
		// overwritten element's gradient can be read into the tape field
		// before the gradient array slot is overwritten.
		arrLocal := g.allocFwdLocal(arr.Type)
		holder := g.allocFwdLocal(arrGrad.Type)
		idxLocal := g.allocFwdLocal(wasm.Simple(wasm.ValI32))
		getIdx := func() *adapter.Expr { return g.b.LocalGet(idxLocal, wasm.Simple(wasm.ValI32)) }
		oldGrad := g.b.ArrayGet(gradHeap, g.b.LocalGet(holder, arrGrad.Type), getIdx(), valGrad.Type)
		fwdChildren = append(fwdChildren,
			g.b.LocalSet(arrLocal, arrFwd),
			g.b.LocalSet(holder, arrGrad),
			g.b.LocalSet(idxLocal, idxFwd),
			g.b.LocalSet(g.fwdFieldLocal[setField], oldGrad),
			g.b.ArraySet(e.HeapType, g.b.LocalGet(arrLocal, arr.Type), getIdx(), valFwd),
			g.b.ArraySet(gradHeap, g.b.LocalGet(holder, arrGrad.Type), getIdx(), valGrad),
		)
	} else {
		fwdChildren = append(fwdChildren, g.b.ArraySet(e.HeapType, arrFwd, idxFwd, valFwd))
	}
	fwd := g.b.Block(fwdChildren)
	fwd.Void = true

	if hasSet {
		gradArrBwd, err := g.gradLoad(arr)
		if err != nil {
			return nil, nil, -1, err
		}
		idxLoad, err := g.load(idx)
		if err != nil {
			return nil, nil, -1, err
		}
		gradHeapBwd := int(gradArrBwd.Type.RefType.HeapType)
		tmp := g.allocBwdLocal(valGrad.Type)
		// Reverse-execution order: harvest the adjoint the slot accumulated
		// for the stored value, restore the slot to its saved pre-store
		// gradient, then credit the harvest to the value. Pushed backwards
		// so the en-bloc reversal yields exactly that order.
		if valBwd >= 0 {
			g.accumulate(valBwd, valGrad.Type, g.b.LocalGet(tmp, valGrad.Type), false)
		}
		g.pushBwd(g.b.ArraySet(gradHeapBwd, gradArrBwd, idxLoad, g.b.LocalGet(g.bwdFieldLocal[setField], valGrad.Type)))
		g.pushBwd(g.b.LocalSet(tmp, g.b.ArrayGet(gradHeapBwd, gradArrBwd, idxLoad, valGrad.Type)))
	}

	return fwd, nil, -1, nil
}

func (g *Generator) genArrayLen(e *adapter.Expr) (*adapter.Expr, *adapter.Expr, int, error) {
	arrFwd, _, _, err := g.genExpr(e.Operands[0])
	if err != nil {
		return nil, nil, -1, err
	}
	return g.b.ArrayLen(arrFwd), nil, -1, nil
}

// ---- assembly ----------------------------------------------------------

func wrapParts(b *adapter.Builder, parts []*adapter.Expr) *adapter.Expr {
	switch len(parts) {
	case 0:
		return nil
	case 1:
		return parts[0]
	default:
		return b.TupleMake(parts)
	}
}

func (g *Generator) assembleFwd(bodyFwd, bodyGrad *adapter.Expr) (*adapter.Func, error) {
	fieldVals := make([]*adapter.Expr, len(g.plan.Fields))
	for i, spec := range g.plan.Fields {
		fieldVals[i] = g.b.LocalGet(g.fwdFieldLocal[i], g.fieldType(spec))
	}
	tapeExpr := g.b.TapeNew(int(g.tapeRef.RefType.HeapType), fieldVals, g.tapeRef)

	parts := []*adapter.Expr{bodyFwd}
	if !g.resultGradUnit {
		if bodyGrad == nil {
			zero, err := g.zeroGrad(g.fn.Results[0])
			if err != nil {
				return nil, err
			}
			bodyGrad = zero
		}
		parts = append(parts, bodyGrad)
	}
	parts = append(parts, tapeExpr)

	results, err := g.fwdResultTypes()
	if err != nil {
		return nil, err
	}
	return &adapter.Func{
		Name:      g.fwdName,
		Params:    g.fwdLocals[:g.fwdNumParams],
		Results:   results,
		Locals:    g.fwdLocals,
		NumParams: g.fwdNumParams,
		Body:      wrapParts(g.b, parts),
	}, nil
}

func (g *Generator) fwdResultTypes() ([]wasm.ExtValType, error) {
	out := []wasm.ExtValType{g.fn.Results[0]}
	grad, err := g.types.Map(g.fn.Name, g.fn.Results[0])
	if err != nil {
		return nil, err
	}
	if !grad.Unit {
		out = append(out, grad.Type)
	}
	out = append(out, g.tapeRef)
	return out, nil
}

func (g *Generator) assembleBwd(bodyBwd int) (*adapter.Func, error) {
	tapeLocal := g.bwdNumParams - 1
	var prefix []*adapter.Expr
	for i, spec := range g.plan.Fields {
		t := g.fieldType(spec)
		obj := g.b.LocalGet(tapeLocal, g.tapeRef)
		prefix = append(prefix, g.b.LocalSet(g.bwdFieldLocal[i], g.b.FieldGet(int(g.tapeRef.RefType.HeapType), i, obj, t)))
	}

	if !g.resultGradUnit && bodyBwd >= 0 {
		resultSeed := g.b.LocalGet(g.bwdResultGradStart, g.bwdLocals[g.bwdResultGradStart])
		seedType := g.bwdLocals[bodyBwd]
		if typemap.IsDifferentiable(seedType) {
			// Accumulate rather than assign: when the body is a bare
			// parameter read, bodyBwd is that parameter's own entry
			// accumulator, already holding the caller's seed.
			combined := g.b.Binary(addOp(seedType), g.b.LocalGet(bodyBwd, seedType), resultSeed, seedType)
			prefix = append(prefix, g.b.LocalSet(bodyBwd, combined))
		} else {
			// Reference gradients are shared objects; adjoints accumulate
			// inside them, so the seed simply replaces the binding.
			prefix = append(prefix, g.b.LocalSet(bodyBwd, resultSeed))
		}
	}

	reversed := make([]*adapter.Expr, len(g.stmts))
	for i, s := range g.stmts {
		reversed[len(g.stmts)-1-i] = s
	}

	// Parameter gradients are returned from the entry accumulator slots
	// (the F_bwd params themselves): a local.set on a parameter rewrites
	// vars[i].bwd for downstream reads, but the gradient of the original
	// parameter value is whatever flowed into its first SSA version.
	var outParts []*adapter.Expr
	slot := 0
	for i := 0; i < g.fn.NumParams; i++ {
		v := g.vars[i]
		if v.gradUnit {
			continue
		}
		outParts = append(outParts, g.b.LocalGet(slot, v.gradType))
		slot++
	}
	var tail []*adapter.Expr
	if out := wrapParts(g.b, outParts); out != nil {
		tail = append(tail, out)
	}

	all := append(append(prefix, reversed...), tail...)

	gradParamTypes, err := g.types.MapTuple(g.fn.Name, g.fn.Locals[:g.fn.NumParams])
	if err != nil {
		return nil, err
	}
	return &adapter.Func{
		Name:      g.bwdName,
		Params:    g.bwdLocals[:g.bwdNumParams],
		Results:   gradParamTypes,
		Locals:    g.bwdLocals,
		NumParams: g.bwdNumParams,
		Body:      g.b.Block(all),
	}, nil
}
