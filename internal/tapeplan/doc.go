// Package tapeplan implements the Tape Planner: a symbolic interpretation
// of a function body that decides which intermediate
// primal values and element-gradients the backward pass will need, and
// assembles the per-function TapePlan those decisions produce.
//
// The planner never emits WASM; it only walks the adapter.Expr tree once,
// threading a vars slot per local (mirroring SSA, see Value) and
// recording field allocations through the save/mark/markGrad discipline.
// internal/codegen walks the same tree a second
// time, guided by the Plan this package produces, to emit the forward and
// backward function bodies.
package tapeplan
