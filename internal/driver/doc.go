// Package driver orchestrates the whole-module transform: it plans every
// selected function, lays all tape struct types out in a single recursion
// group, mints collision-free forward/backward names, and generates the
// paired functions in function-index order.
//
// Planning fully completes before any generation because a call site's tape
// field references the callee's tape struct type, and those types can only
// be constructed together once every function's field layout is known.
package driver
