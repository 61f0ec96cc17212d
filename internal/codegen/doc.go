// Package codegen is the Forward/Backward Generator: given one function's
// original body and the TapePlan the Tape Planner computed for it, it
// emits the paired F_fwd/F_bwd function bodies.
//
// Generation mirrors planning almost one-for-one (add/sub/mul/div each
// have a forward rule and a reverse-mode rule; calls, struct/array
// construction and access each have a forward emission and a backward
// accumulation), but where the planner only decides *what* needs a tape
// field, the generator is responsible for *threading locals through two
// new function bodies* (primal copies, in-forward gradient copies, and
// backward accumulators) while keeping backward statements pushed in
// source order and reversed en bloc.
package codegen
