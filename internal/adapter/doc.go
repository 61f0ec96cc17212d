// Package adapter is the IR Adapter: uniform read/write access to the host
// module the autodiff transform operates on. It defines the expression-tree
// node type the Tape Planner and Generator walk (Expr, keyed by a stable
// Id), the per-function container (Func), and the module-level container
// (Module) that owns heap-type construction and recursion-group assembly.
//
// This package treats the real WASM text/binary encoding as somebody
// else's problem: an Expr tree never round-trips through bytes here. A
// host that wants real modules in and real modules out builds one from
// its own decoder into this package's types, and lowers the fwd/bwd
// functions this transform adds back out through its own encoder.
package adapter
