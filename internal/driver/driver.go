package driver

import (
	"go.uber.org/zap"

	"github.com/wippyai/wasm-autodiff/errors"
	"github.com/wippyai/wasm-autodiff/internal/adapter"
	"github.com/wippyai/wasm-autodiff/internal/codegen"
	"github.com/wippyai/wasm-autodiff/internal/tapeplan"
	"github.com/wippyai/wasm-autodiff/internal/typemap"
	"github.com/wippyai/wasm-autodiff/wasm"
)

// Config configures one transform run.
type Config struct {
	// Logger overrides the package's no-op default.
	Logger *zap.Logger

	// OnlyList restricts which functions are differentiated. A nil
	// OnlyList selects every function in the module. A function a selected
	// function calls must itself be selected, since the caller's tape
	// struct embeds a reference to the callee's.
	OnlyList func(name string) bool

	// Asserts enables extra plan-consistency checks between planning and
	// generation. They catch transform bugs, not bad inputs.
	Asserts bool
}

// Driver runs the transform against one module. A Driver (and the module it
// mutates) must not be shared between concurrent transforms.
type Driver struct {
	module *adapter.Module
	types  *typemap.Mapper
	cfg    Config
}

// New returns a Driver for module.
func New(module *adapter.Module, cfg Config) *Driver {
	return &Driver{
		module: module,
		types:  typemap.New(module),
		cfg:    cfg,
	}
}

// planned carries one function's plan from the planning phase into
// generation.
type planned struct {
	fn   *adapter.Func
	plan *tapeplan.Plan
}

// Transform plans every selected function, builds the tape struct recursion
// group, mints forward/backward names, and appends the generated pairs to
// the module. On any error the module may already contain gradient heap
// types allocated during planning, but no functions are added.
func (d *Driver) Transform() error {
	if d.cfg.Logger != nil {
		SetLogger(d.cfg.Logger)
	}
	log := Logger()

	// Phase 1: plan, in function-index order so tape field layouts are
	// stable across runs.
	var plans []planned
	for _, fn := range d.module.Funcs {
		if d.cfg.OnlyList != nil && !d.cfg.OnlyList(fn.Name) {
			continue
		}
		plan, err := tapeplan.New(fn, d.module, d.types).Plan()
		if err != nil {
			return err
		}
		if d.cfg.Asserts {
			if err := verifyPlan(fn.Name, plan); err != nil {
				return err
			}
		}
		log.Debug("planned function",
			zap.String("func", fn.Name),
			zap.Int("tape_fields", plan.NumFields()))
		plans = append(plans, planned{fn: fn, plan: plan})
	}
	if len(plans) == 0 {
		return nil
	}

	// Phase 2: construct every tape struct in one recursion group, so a
	// caller's `calls` field can reference a callee's tape struct even
	// under direct recursion.
	base := d.module.NumHeapTypes()
	tapeHeap := make(map[string]int, len(plans))
	for pos, p := range plans {
		tapeHeap[p.fn.Name] = base + pos
	}
	subs := make([]wasm.SubType, len(plans))
	for pos, p := range plans {
		fields := make([]wasm.FieldType, p.plan.NumFields())
		for j, spec := range p.plan.Fields {
			t := spec.Type
			if spec.Kind == tapeplan.FieldCall {
				h, ok := tapeHeap[spec.Callee]
				if !ok {
					return errors.New(errors.PhaseDrive, errors.KindUnresolvedName).
						Func(p.fn.Name).
						Detail("call target %q is not selected for differentiation", spec.Callee).
						Build()
				}
				t = wasm.Ref(uint32(h), false)
			}
			fields[j] = wasm.FieldType{Type: t}
		}
		subs[pos] = wasm.SubType{
			Final: true,
			CompType: wasm.CompType{
				Kind:   wasm.CompKindStruct,
				Struct: &wasm.StructType{Fields: fields},
			},
		}
	}
	d.module.AddRecGroup(subs)

	// Phase 3: mint unique names against everything already in the module.
	names := newNameSet(d.module.Names())
	fwdNames := make([]string, len(plans))
	bwdNames := make([]string, len(plans))
	for pos, p := range plans {
		fwdNames[pos] = names.mint(p.fn.Name + "_fwd")
		bwdNames[pos] = names.mint(p.fn.Name + "_bwd")
	}

	// Phase 4: generate. Callee signatures are complete before the first
	// generator runs, since every plan and tape type already exists.
	callees := make(map[string]codegen.CalleeSig, len(plans))
	for pos, p := range plans {
		gradParams, err := d.types.MapTuple(p.fn.Name, p.fn.Locals[:p.fn.NumParams])
		if err != nil {
			return err
		}
		gradResults, err := d.types.MapTuple(p.fn.Name, p.fn.Results)
		if err != nil {
			return err
		}
		callees[p.fn.Name] = codegen.CalleeSig{
			FwdName:         fwdNames[pos],
			BwdName:         bwdNames[pos],
			GradParamTypes:  gradParams,
			GradResultTypes: gradResults,
			TapeHeap:        tapeHeap[p.fn.Name],
		}
	}

	var pairs []*codegen.Pair
	for pos, p := range plans {
		gen := codegen.New(p.fn, d.module, p.plan, d.types, callees, fwdNames[pos], bwdNames[pos], tapeHeap[p.fn.Name])
		pair, err := gen.Generate()
		if err != nil {
			return err
		}
		log.Debug("generated pair",
			zap.String("func", p.fn.Name),
			zap.String("fwd", fwdNames[pos]),
			zap.String("bwd", bwdNames[pos]))
		pairs = append(pairs, pair)
	}

	// All-or-nothing: functions are appended only once every pair has
	// generated cleanly.
	for _, pair := range pairs {
		d.module.AddFunc(pair.Fwd)
		d.module.AddFunc(pair.Bwd)
	}
	return nil
}

// verifyPlan checks the plan invariants of spec origin: every field index
// in [0, fields) is claimed by exactly one of stores/grads/sets/calls, and
// every Field-kind load points inside the field table.
func verifyPlan(fn string, plan *tapeplan.Plan) error {
	claimed := make([]int, plan.NumFields())
	for _, m := range []map[int]int{plan.Stores, plan.Grads, plan.Sets, plan.Calls} {
		for _, idx := range m {
			if idx < 0 || idx >= plan.NumFields() {
				return errors.InternalInvariant(fn, "", "tape field index out of range")
			}
			claimed[idx]++
		}
	}
	for idx, n := range claimed {
		if n != 1 {
			return errors.New(errors.PhaseDrive, errors.KindInternalInvariant).
				Func(fn).
				Detail("tape field %d claimed %d times", idx, n).
				Build()
		}
	}
	for _, m := range []map[int]tapeplan.Load{plan.Loads, plan.GradLoads} {
		for _, ld := range m {
			if ld.Kind == tapeplan.LoadField && (ld.Field < 0 || ld.Field >= plan.NumFields()) {
				return errors.InternalInvariant(fn, "", "tape load references a missing field")
			}
		}
	}
	return nil
}
