// Package autodiff performs source-to-source reverse-mode automatic
// differentiation on WebAssembly modules. For each function F of the input
// module it synthesizes a forward pass F_fwd, which computes F's result
// while materializing a tape of intermediate values, and a backward pass
// F_bwd, which consumes that tape together with the gradient of F's result
// and returns the gradient of F's inputs.
package autodiff

import (
	"go.uber.org/zap"

	"github.com/wippyai/wasm-autodiff/internal/adapter"
	"github.com/wippyai/wasm-autodiff/internal/driver"
)

// Module is the host IR module the transform reads from and writes into.
type Module = adapter.Module

// Func is one function of the module.
type Func = adapter.Func

// Builder constructs function-body expression trees against a Module.
type Builder = adapter.Builder

// Expr is a node of a function-body expression tree.
type Expr = adapter.Expr

// NewModule returns an empty module.
func NewModule() *Module { return adapter.NewModule() }

// NewBuilder returns a Builder minting expression ids from m.
func NewBuilder(m *Module) *Builder { return adapter.NewBuilder(m) }

// FunctionMatcher selects functions by internal name.
type FunctionMatcher = func(name string) bool

// Config configures the transformation.
type Config struct {
	// Logger replaces the default no-op logger.
	Logger *zap.Logger

	// OnlyList restricts which functions are differentiated; nil selects
	// every function. Every call target of a selected function must itself
	// be selected.
	OnlyList FunctionMatcher

	// Asserts enables extra internal consistency checks between the
	// planning and generation passes.
	Asserts bool
}

// Transform differentiates the module's functions in place.
//
// For each selected function F with parameters P̄ and result R, it appends:
//   - F_fwd (P̄, G(P̄)) -> (R, G(R), ref tape), and
//   - F_bwd (G(P̄), G(R), ref tape) -> G(P̄),
//
// where G maps each primal type to its gradient type and the tape is an
// opaque GC struct consumed only by the matching F_bwd. All tape struct
// types are placed in a single recursion group so call sites can embed a
// reference to the callee's tape.
//
// Any unsupported construct aborts the whole transform; no functions are
// added on error. The transform is synchronous and must not share a module
// with another concurrent transform.
func Transform(m *Module, cfg Config) error {
	return driver.New(m, driver.Config{
		Logger:   cfg.Logger,
		OnlyList: cfg.OnlyList,
		Asserts:  cfg.Asserts,
	}).Transform()
}
