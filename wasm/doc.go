// Package wasm provides the WebAssembly value-type and GC heap-type
// vocabulary shared by the autodiff transform: numeric value types,
// struct/array heap type definitions, field mutability, and the
// recursive-group grouping GC types need when they reference each other.
//
// This is deliberately not a binary format library: there is no decoder
// or encoder here. Those belong to the host IR builder the transform is
// written against (see package adapter), which this package treats as an
// external collaborator.
package wasm
