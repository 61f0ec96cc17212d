package tapeplan

import (
	"strconv"

	"github.com/wippyai/wasm-autodiff/errors"
	"github.com/wippyai/wasm-autodiff/internal/adapter"
	"github.com/wippyai/wasm-autodiff/internal/typemap"
	"github.com/wippyai/wasm-autodiff/wasm"
)

// Planner runs the symbolic interpretation for one function.
type Planner struct {
	fn     *adapter.Func
	module *adapter.Module
	types  *typemap.Mapper

	vars []Value

	stores    map[int]int
	grads     map[int]int
	sets      map[int]int
	calls     map[int]int
	loads     map[int]Load
	gradLoads map[int]Load
	fields    []FieldSpec
}

// New returns a Planner for fn, whose heap types (for array.set element
// lookups) live in module, using types for gradient-type classification.
func New(fn *adapter.Func, module *adapter.Module, types *typemap.Mapper) *Planner {
	return &Planner{
		fn:        fn,
		module:    module,
		types:     types,
		stores:    make(map[int]int),
		grads:     make(map[int]int),
		sets:      make(map[int]int),
		calls:     make(map[int]int),
		loads:     make(map[int]Load),
		gradLoads: make(map[int]Load),
	}
}

// Plan runs the planner over fn's body and returns the resulting TapePlan.
func (p *Planner) Plan() (*Plan, error) {
	p.vars = make([]Value, len(p.fn.Locals))
	for i := range p.vars {
		if p.fn.IsParam(i) {
			p.vars[i] = Value{Kind: ValueParam}
		} else {
			// Declared locals start at WASM's default (zero value); treated
			// as a known constant so reads before any store still plan
			// cleanly instead of needing a separate "uninitialized" state.
			p.vars[i] = Value{Kind: ValueConst, Const: 0}
		}
	}

	if _, err := p.planExpr(p.fn.Body); err != nil {
		return nil, err
	}

	return &Plan{
		Stores:    p.stores,
		Grads:     p.grads,
		Sets:      p.sets,
		Calls:     p.calls,
		Loads:     p.loads,
		GradLoads: p.gradLoads,
		Fields:    p.fields,
	}, nil
}

func (p *Planner) errf(e *adapter.Expr, kind string) error {
	return errors.UnsupportedExpression(p.fn.Name, strconv.Itoa(e.Id), kind)
}

// planExpr dispatches on e.Kind, returning the symbolic Value e
// evaluates to.
func (p *Planner) planExpr(e *adapter.Expr) (Value, error) {
	switch e.Kind {
	case adapter.KindBlock:
		return p.planBlock(e)
	case adapter.KindConst:
		return Value{Kind: ValueConst, Const: e.ConstValue}, nil
	case adapter.KindLocalGet:
		return p.planLocalGet(e)
	case adapter.KindLocalSet:
		return p.planLocalSet(e, false)
	case adapter.KindLocalTee:
		return p.planLocalSet(e, true)
	case adapter.KindBinary:
		return p.planBinary(e)
	case adapter.KindCall:
		return p.planCall(e)
	case adapter.KindStructNew:
		return p.planStructNew(e)
	case adapter.KindArrayNewDefault:
		return p.planArrayNewDefault(e)
	case adapter.KindArrayGet:
		return p.planArrayGet(e)
	case adapter.KindArraySet:
		return p.planArraySet(e)
	case adapter.KindArrayLen:
		return p.planArrayLen(e)
	default:
		return Value{}, p.errf(e, e.Kind.String())
	}
}

func (p *Planner) planBlock(e *adapter.Expr) (Value, error) {
	if len(e.Operands) == 0 {
		return Value{Kind: ValueVoid}, nil
	}
	var last Value
	for _, child := range e.Operands {
		v, err := p.planExpr(child)
		if err != nil {
			return Value{}, err
		}
		last = v
	}
	return last, nil
}

func (p *Planner) planLocalGet(e *adapter.Expr) (Value, error) {
	v := p.vars[e.LocalIndex]
	if v.Kind == ValueParam {
		v = Value{Kind: ValueExpr, Ref: e.Id}
		p.vars[e.LocalIndex] = v
	}
	return v, nil
}

func (p *Planner) planLocalSet(e *adapter.Expr, tee bool) (Value, error) {
	rhs, err := p.planExpr(e.Operands[0])
	if err != nil {
		return Value{}, err
	}
	p.vars[e.LocalIndex] = rhs
	if tee {
		return rhs, nil
	}
	return Value{Kind: ValueVoid}, nil
}

func (p *Planner) planBinary(e *adapter.Expr) (Value, error) {
	left, right := e.Left(), e.Right()
	switch e.BinOp {
	case wasm.OpF32Add, wasm.OpF32Sub, wasm.OpF64Add, wasm.OpF64Sub:
		if _, err := p.planExpr(left); err != nil {
			return Value{}, err
		}
		if _, err := p.planExpr(right); err != nil {
			return Value{}, err
		}
		return Value{Kind: ValueExpr, Ref: e.Id}, nil

	case wasm.OpF32Mul, wasm.OpF64Mul:
		if _, err := p.save(left); err != nil {
			return Value{}, err
		}
		if _, err := p.save(right); err != nil {
			return Value{}, err
		}
		return Value{Kind: ValueExpr, Ref: e.Id}, nil

	case wasm.OpF32Div, wasm.OpF64Div:
		if _, err := p.planExpr(left); err != nil {
			return Value{}, err
		}
		if _, err := p.save(right); err != nil {
			return Value{}, err
		}
		result := Value{Kind: ValueExpr, Ref: e.Id}
		if err := p.mark(e.Id, result, e.Type); err != nil {
			return Value{}, err
		}
		return result, nil

	default:
		return Value{}, p.errf(e, "binary op "+strconv.Itoa(int(e.BinOp)))
	}
}

func (p *Planner) planCall(e *adapter.Expr) (Value, error) {
	if e.Tail {
		return Value{}, errors.TailCall(p.fn.Name, strconv.Itoa(e.Id))
	}
	if _, _, ok := p.module.FuncByName(e.CalleeName); !ok {
		return Value{}, errors.UnresolvedName(p.fn.Name, strconv.Itoa(e.Id), e.CalleeName)
	}
	for _, arg := range e.Operands {
		if _, err := p.planExpr(arg); err != nil {
			return Value{}, err
		}
	}
	p.allocField(p.calls, e.Id, FieldSpec{Kind: FieldCall, Callee: e.CalleeName})
	return Value{Kind: ValueExpr, Ref: e.Id}, nil
}

func (p *Planner) planStructNew(e *adapter.Expr) (Value, error) {
	if len(e.Operands) != 0 {
		return Value{}, errors.InvalidInit(p.fn.Name, strconv.Itoa(e.Id), "struct.new with non-zero operand count is unsupported")
	}
	return Value{Kind: ValueExpr, Ref: e.Id}, nil
}

func (p *Planner) planArrayNewDefault(e *adapter.Expr) (Value, error) {
	if _, err := p.planExpr(e.Operands[0]); err != nil {
		return Value{}, err
	}
	return Value{Kind: ValueExpr, Ref: e.Id}, nil
}

func (p *Planner) planArrayGet(e *adapter.Expr) (Value, error) {
	arr, idx := e.Operands[0], e.Operands[1]
	if _, err := p.planExpr(arr); err != nil {
		return Value{}, err
	}
	if typemap.IsDifferentiable(e.Type) {
		// The tape field holds the gradient *array*, not an element: the
		// backward pass accumulates into it at the saved index.
		gArr, err := p.types.Map(p.fn.Name, arr.Type)
		if err != nil {
			return Value{}, err
		}
		if err := p.markGrad(arr.Id, gArr.Type); err != nil {
			return Value{}, err
		}
		if _, err := p.save(idx); err != nil {
			return Value{}, err
		}
	} else {
		if _, err := p.planExpr(idx); err != nil {
			return Value{}, err
		}
	}
	return Value{Kind: ValueExpr, Ref: e.Id}, nil
}

func (p *Planner) planArraySet(e *adapter.Expr) (Value, error) {
	arr, idx, val := e.Operands[0], e.Operands[1], e.Operands[2]
	if _, err := p.planExpr(arr); err != nil {
		return Value{}, err
	}
	if _, err := p.save(idx); err != nil {
		return Value{}, err
	}
	if _, err := p.planExpr(val); err != nil {
		return Value{}, err
	}

	elemType, err := p.arrayElementType(e)
	if err != nil {
		return Value{}, err
	}
	g, err := p.types.Map(p.fn.Name, elemType)
	if err != nil {
		return Value{}, err
	}
	if !g.Unit {
		gArr, err := p.types.Map(p.fn.Name, arr.Type)
		if err != nil {
			return Value{}, err
		}
		if err := p.markGrad(arr.Id, gArr.Type); err != nil {
			return Value{}, err
		}
		if err := p.markGrad(val.Id, g.Type); err != nil {
			return Value{}, err
		}
		p.allocField(p.sets, e.Id, FieldSpec{Kind: FieldSet, Type: g.Type})
	}
	return Value{Kind: ValueVoid}, nil
}

func (p *Planner) planArrayLen(e *adapter.Expr) (Value, error) {
	if _, err := p.planExpr(e.Operands[0]); err != nil {
		return Value{}, err
	}
	return Value{Kind: ValueExpr, Ref: e.Id}, nil
}

func (p *Planner) arrayElementType(e *adapter.Expr) (wasm.ExtValType, error) {
	sub := p.module.HeapType(e.HeapType)
	if sub == nil {
		return wasm.ExtValType{}, errors.UnsupportedType(p.fn.Name, "array.set with unresolvable heap type")
	}
	if sub.CompType.Array == nil {
		return wasm.ExtValType{}, errors.UnsupportedType(p.fn.Name, "array.set target is not an array type")
	}
	return sub.CompType.Array.Element.Type, nil
}

// save recursively plans e and marks its resulting value for tape storage.
func (p *Planner) save(e *adapter.Expr) (Value, error) {
	v, err := p.planExpr(e)
	if err != nil {
		return Value{}, err
	}
	if err := p.mark(e.Id, v, e.Type); err != nil {
		return Value{}, err
	}
	return v, nil
}

// mark records that the backward pass will need value at ref.
func (p *Planner) mark(ref int, value Value, primalType wasm.ExtValType) error {
	switch value.Kind {
	case ValueConst:
		p.loads[ref] = Load{Kind: LoadConst, Const: value.Const}
	case ValueExpr:
		idx := p.allocField(p.stores, value.Ref, FieldSpec{Kind: FieldStore, Type: primalType})
		p.loads[ref] = Load{Kind: LoadField, Field: idx}
	default:
		return errors.InternalInvariant(p.fn.Name, strconv.Itoa(ref), "mark called with a Param or Void value")
	}
	return nil
}

// markGrad allocates (or reuses) a grad field for the gradient of ref.
func (p *Planner) markGrad(ref int, t wasm.ExtValType) error {
	idx := p.allocField(p.grads, ref, FieldSpec{Kind: FieldGrad, Type: t})
	p.gradLoads[ref] = Load{Kind: LoadField, Field: idx}
	return nil
}

// allocField assigns field a new tape field index the first time it is
// seen in fieldMap, and reuses the existing one on every subsequent call.
func (p *Planner) allocField(fieldMap map[int]int, key int, spec FieldSpec) int {
	if idx, ok := fieldMap[key]; ok {
		return idx
	}
	idx := len(p.fields)
	p.fields = append(p.fields, spec)
	fieldMap[key] = idx
	return idx
}
