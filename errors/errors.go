package errors

import (
	"fmt"
	"strings"
)

// Phase indicates the stage of the transform an error belongs to. The
// convenience constructors below set a fixed phase per kind, whichever
// stage calls them.
type Phase string

const (
	PhaseMap      Phase = "map"      // Type Mapper: primal -> gradient type
	PhasePlan     Phase = "plan"     // Tape Planner: symbolic interpretation
	PhaseGenerate Phase = "generate" // Forward/Backward Generator: IR emission
	PhaseDrive    Phase = "drive"    // Driver: orchestration, naming, rec-group assembly
)

// Kind categorizes the error.
type Kind string

const (
	KindUnsupportedType       Kind = "unsupported_type"
	KindUnsupportedExpression Kind = "unsupported_expression"
	KindUnsupportedConstant   Kind = "unsupported_constant"
	KindNonZeroGradientConst  Kind = "non_zero_gradient_constant"
	KindTailCall              Kind = "tail_call"
	KindInvalidInit           Kind = "invalid_init"
	KindUnresolvedName        Kind = "unresolved_name"
	KindInternalInvariant     Kind = "internal_invariant"
)

// Error is the structured error type raised by every stage of the transform.
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Func   string // offending function's internal name, when known
	ExprID string // offending expression's ref/id, when known
	Detail string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Func != "" {
		b.WriteString(" in ")
		b.WriteString(e.Func)
	}
	if e.ExprID != "" {
		b.WriteString(" at expr ")
		b.WriteString(e.ExprID)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error's phase and kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction.
type Builder struct {
	err Error
}

// New creates a new error builder.
func New(phase Phase, kind Kind) *Builder {
	return &Builder{err: Error{Phase: phase, Kind: kind}}
}

// Func sets the offending function's name.
func (b *Builder) Func(name string) *Builder {
	b.err.Func = name
	return b
}

// ExprID sets the offending expression's id.
func (b *Builder) ExprID(id string) *Builder {
	b.err.ExprID = id
	return b
}

// Cause sets the underlying error.
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message.
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error.
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors, one per error kind.

// UnsupportedType is raised by the Type Mapper for a primal kind outside
// the allowed set (f32, f64, i32, i64, none, struct, array).
func UnsupportedType(fn, name string) *Error {
	return &Error{
		Phase:  PhaseMap,
		Kind:   KindUnsupportedType,
		Func:   fn,
		Detail: fmt.Sprintf("unsupported type %q", name),
	}
}

// UnsupportedExpression is raised by the planner or generator for an
// expression kind outside §4.2's rules.
func UnsupportedExpression(fn, exprID, kind string) *Error {
	return &Error{
		Phase:  PhasePlan,
		Kind:   KindUnsupportedExpression,
		Func:   fn,
		ExprID: exprID,
		Detail: fmt.Sprintf("unsupported expression kind %q", kind),
	}
}

// UnsupportedConstant is raised for a non-numeric constant payload.
func UnsupportedConstant(fn, exprID, kind string) *Error {
	return &Error{
		Phase:  PhasePlan,
		Kind:   KindUnsupportedConstant,
		Func:   fn,
		ExprID: exprID,
		Detail: fmt.Sprintf("unsupported constant kind %q", kind),
	}
}

// NonZeroGradientConstant signals an analysis bug: a constant whose value
// is non-zero was assigned a Field-kind gradient load.
func NonZeroGradientConstant(fn, exprID string, value float64) *Error {
	return &Error{
		Phase:  PhasePlan,
		Kind:   KindNonZeroGradientConst,
		Func:   fn,
		ExprID: exprID,
		Detail: fmt.Sprintf("constant %v assigned a field gradient load", value),
	}
}

// TailCall is raised when a return_call appears in a differentiated
// function; tail calls have no reverse-mode rule.
func TailCall(fn, exprID string) *Error {
	return &Error{
		Phase:  PhasePlan,
		Kind:   KindTailCall,
		Func:   fn,
		ExprID: exprID,
		Detail: "tail call is not differentiable",
	}
}

// InvalidInit is raised for array.new_default with a non-zero init value,
// or struct.new with a non-zero operand count.
func InvalidInit(fn, exprID, detail string) *Error {
	return &Error{
		Phase:  PhasePlan,
		Kind:   KindInvalidInit,
		Func:   fn,
		ExprID: exprID,
		Detail: detail,
	}
}

// UnresolvedName is raised when a call targets a function not present in
// the module, which the Driver needs to resolve tape-type linkage.
func UnresolvedName(fn, exprID, callee string) *Error {
	return &Error{
		Phase:  PhaseDrive,
		Kind:   KindUnresolvedName,
		Func:   fn,
		ExprID: exprID,
		Detail: fmt.Sprintf("call target %q not found in module", callee),
	}
}

// InternalInvariant is raised when the planner or generator requested a
// value it had previously classified as Param or Void; this should never
// happen and signals a bug in the transform itself, not the input module.
func InternalInvariant(fn, exprID, msg string) *Error {
	return &Error{
		Phase:  PhasePlan,
		Kind:   KindInternalInvariant,
		Func:   fn,
		ExprID: exprID,
		Detail: msg,
	}
}
