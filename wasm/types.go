package wasm

import "strconv"

// ValType represents a WebAssembly value type. See constants.go for the
// concrete byte values (ValI32, ValF64, ValStructRef, ...).
type ValType byte

func (v ValType) String() string {
	switch v {
	case ValI32:
		return "i32"
	case ValI64:
		return "i64"
	case ValF32:
		return "f32"
	case ValF64:
		return "f64"
	case ValV128:
		return "v128"
	case ValFuncRef:
		return "funcref"
	case ValExtern:
		return "externref"
	case ValAnyRef:
		return "anyref"
	case ValEqRef:
		return "eqref"
	case ValI31Ref:
		return "i31ref"
	case ValStructRef:
		return "structref"
	case ValArrayRef:
		return "arrayref"
	case ValNullRef:
		return "nullref"
	case ValRefNull:
		return "ref null"
	case ValRef:
		return "ref"
	default:
		return "unknown"
	}
}

// IsNumeric reports whether v is one of the four core numeric types. Every
// other ValType is either a reference (handled via ExtValType's RefType
// arm) or unsupported by this system.
func (v ValType) IsNumeric() bool {
	switch v {
	case ValI32, ValI64, ValF32, ValF64:
		return true
	default:
		return false
	}
}

// ExtValKind selects which arm of ExtValType is populated.
type ExtValKind byte

const (
	ExtValKindSimple ExtValKind = 0 // a numeric ValType
	ExtValKindRef    ExtValKind = 1 // a reference to a heap type
)

// ExtValType is a value type that may carry heap-type information, used
// throughout this system as the representation of a primal type P (and,
// after running it through the Type Mapper, a gradient type G(P)).
type ExtValType struct {
	Kind    ExtValKind
	ValType ValType // populated when Kind == ExtValKindSimple
	RefType RefType // populated when Kind == ExtValKindRef
}

// Simple builds the ExtValType for a core numeric type.
func Simple(vt ValType) ExtValType {
	return ExtValType{Kind: ExtValKindSimple, ValType: vt}
}

// Ref builds the ExtValType for a reference to heap type index idx.
func Ref(idx uint32, nullable bool) ExtValType {
	return ExtValType{Kind: ExtValKindRef, RefType: RefType{Nullable: nullable, HeapType: int64(idx)}}
}

// AbstractRef builds the ExtValType for a reference to an abstract heap
// type (HeapTypeFunc, HeapTypeExtern, HeapTypeAny, HeapTypeNone, ...).
func AbstractRef(heapType int64, nullable bool) ExtValType {
	return ExtValType{Kind: ExtValKindRef, RefType: RefType{Nullable: nullable, HeapType: heapType}}
}

// Equal reports whether two ExtValTypes denote the same type.
func (e ExtValType) Equal(o ExtValType) bool {
	if e.Kind != o.Kind {
		return false
	}
	if e.Kind == ExtValKindRef {
		return e.RefType.Nullable == o.RefType.Nullable && e.RefType.HeapType == o.RefType.HeapType
	}
	return e.ValType == o.ValType
}

// IsRef reports whether e is a reference to a concrete (non-abstract)
// heap type index, i.e. a struct or array reference constructed by this
// system rather than an abstract or numeric type.
func (e ExtValType) IsRef() bool {
	return e.Kind == ExtValKindRef && e.RefType.HeapType >= 0
}

func (e ExtValType) String() string {
	if e.Kind == ExtValKindSimple {
		return e.ValType.String()
	}
	if e.RefType.HeapType >= 0 {
		if e.RefType.Nullable {
			return "(ref null $t" + strconv.Itoa(int(e.RefType.HeapType)) + ")"
		}
		return "(ref $t" + strconv.Itoa(int(e.RefType.HeapType)) + ")"
	}
	return ValType(0x80 + e.RefType.HeapType).String()
}

// RefType represents a reference type with nullable flag and heap type.
// HeapType is a concrete type index when >= 0, or one of the HeapType*
// abstract constants (encoded as small negative values) otherwise.
type RefType struct {
	Nullable bool
	HeapType int64
}

// FieldType represents a struct field or array element: a storage type
// plus mutability. Mutability is what lets a gradient struct/array field
// be accumulated into during the backward pass.
type FieldType struct {
	Type    ExtValType
	Mutable bool
}

// StructType is a GC struct type definition: an ordered list of fields.
type StructType struct {
	Fields []FieldType
}

// ArrayType is a GC array type definition: a single element field type.
type ArrayType struct {
	Element FieldType
}

// FuncType is a WebAssembly function signature.
type FuncType struct {
	Params  []ExtValType
	Results []ExtValType
}

// CompKind distinguishes the three kinds of composite type definitions.
type CompKind byte

const (
	CompKindFunc   CompKind = 0
	CompKindStruct CompKind = 1
	CompKindArray  CompKind = 2
)

// CompType is a composite type: exactly one of Func, Struct, or Array is
// populated, selected by Kind.
type CompType struct {
	Func   *FuncType
	Struct *StructType
	Array  *ArrayType
	Kind   CompKind
}

// SubType wraps a composite type definition. Final is always true for
// tape struct types, which are created once and never mutated after
// planning.
type SubType struct {
	CompType CompType
	Final    bool
}

// RecType is a recursive group of type definitions that may reference
// each other's (not-yet-assigned) indices. All per-function tape struct
// types are constructed in a single RecType so
// that a caller's tape struct can hold a field referencing a callee's.
type RecType struct {
	Types []SubType
}

// TypeDef is any entry in the module's flat type index space: either a
// single SubType or a RecType expanding to several consecutive indices.
type TypeDef struct {
	Sub *SubType
	Rec *RecType
}

// NumTypes returns the number of flat type indices td occupies.
func (td TypeDef) NumTypes() int {
	if td.Rec != nil {
		return len(td.Rec.Types)
	}
	return 1
}
