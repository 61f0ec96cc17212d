// Package errors provides the structured error type raised by every stage
// of the autodiff transform.
//
// Errors are categorized by Phase (which pipeline stage raised it) and Kind
// (the failure class). The Error type carries the offending
// function name and expression id when known, so a failure can be traced
// back to the exact construct that triggered it.
//
// Use the Builder for one-off construction:
//
//	err := errors.New(errors.PhasePlan, errors.KindUnsupportedExpression).
//		Func("compute").
//		ExprID("42").
//		Detail("br_table has no reverse-mode rule").
//		Build()
//
// Or use the convenience constructors, one per taxonomy entry:
//
//	err := errors.UnsupportedType("compute", "v128")
//	err := errors.TailCall("compute", "17")
//
// All errors implement the standard error interface and support errors.Is.
package errors
