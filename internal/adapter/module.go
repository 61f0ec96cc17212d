package adapter

import "github.com/wippyai/wasm-autodiff/wasm"

// Module is the host module the transform reads from and writes into: the
// original functions plus the heap type index space they (and the tape
// struct types the Driver builds) live in.
type Module struct {
	funcByName map[string]int
	Funcs      []*Func
	Types      []wasm.TypeDef
	ExportNames []string
	nextID     int
}

// NewModule returns an empty Module ready to accept functions and types.
func NewModule() *Module {
	return &Module{funcByName: make(map[string]int)}
}

// AddFunc appends a function to the module and indexes it by name so Call
// targets can be resolved later.
func (m *Module) AddFunc(f *Func) int {
	idx := len(m.Funcs)
	m.Funcs = append(m.Funcs, f)
	m.funcByName[f.Name] = idx
	return idx
}

// FuncByName resolves a call target by name, as required for tape-type
// linkage.
// The second return is false if no such function exists in the module.
func (m *Module) FuncByName(name string) (*Func, int, bool) {
	idx, ok := m.funcByName[name]
	if !ok {
		return nil, 0, false
	}
	return m.Funcs[idx], idx, true
}

// AddType appends a single (non-recursive) type definition and returns its
// flat type index.
func (m *Module) AddType(sub wasm.SubType) int {
	idx := m.NumHeapTypes()
	m.Types = append(m.Types, wasm.TypeDef{Sub: &sub})
	return idx
}

// AddRecGroup appends a recursion group of mutually-referencing type
// definitions and returns the flat index of its first member; member i
// occupies flat index (returned index + i). This is how the Driver keeps
// every per-function tape struct in one recursion group: every tape
// struct type, including those with `calls` fields pointing at sibling
// tape structs, is constructed here in one call after every function has
// been planned.
func (m *Module) AddRecGroup(subs []wasm.SubType) int {
	idx := m.NumHeapTypes()
	m.Types = append(m.Types, wasm.TypeDef{Rec: &wasm.RecType{Types: subs}})
	return idx
}

// NumHeapTypes returns the number of flat heap type indices currently
// occupied; a recursion group of n members occupies n consecutive indices.
func (m *Module) NumHeapTypes() int {
	n := 0
	for _, td := range m.Types {
		n += td.NumTypes()
	}
	return n
}

// HeapType resolves a flat heap type index to its SubType, looking through
// recursion groups. Returns nil when idx is out of range.
func (m *Module) HeapType(idx int) *wasm.SubType {
	if idx < 0 {
		return nil
	}
	for _, td := range m.Types {
		n := td.NumTypes()
		if idx < n {
			if td.Rec != nil {
				return &td.Rec.Types[idx]
			}
			return td.Sub
		}
		idx -= n
	}
	return nil
}

// NextID hands out a fresh, module-unique Expr id. The Driver calls this
// indirectly through Builder; exposed directly only for tests that build
// Expr trees by hand.
func (m *Module) NextID() int {
	id := m.nextID
	m.nextID++
	return id
}

// Names returns every export and function name currently in the module,
// used by the Driver to seed the name set before minting _fwd/_bwd names.
func (m *Module) Names() []string {
	names := make([]string, 0, len(m.Funcs)+len(m.ExportNames))
	for _, f := range m.Funcs {
		names = append(names, f.Name)
	}
	names = append(names, m.ExportNames...)
	return names
}
