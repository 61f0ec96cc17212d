// Package typemap implements the Type Mapper: the memoized pure function
// from a primal type P to its gradient type G(P).
//
// Struct and array primal types require constructing a new gradient heap
// type (dropping unit-gradient fields, flipping surviving fields mutable
// when their primal is differentiable or was already mutable), so Mapper
// holds a reference to the adapter.Module it allocates those types into
// and memoizes by original heap type index to avoid building the same
// gradient type twice.
package typemap
