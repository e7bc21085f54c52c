// Package wasmbin is the in-scope half of the WebAssembly parser boundary: it splits
// a module's binary encoding into its top-level sections (the Compiler Driver's own
// responsibility per the design), while delegating the harder, genuinely out-of-scope
// concerns -- per-operator decode and operand-stack-height tracking within a function
// body -- to github.com/go-interpreter/wagon's disasm/operators packages.
package wasmbin

import "github.com/paraexec/wasmaot/api"

// Magic and Version are the eight bytes every WebAssembly module begins with.
var (
	Magic   = [4]byte{0x00, 0x61, 0x73, 0x6d}
	Version = [4]byte{0x01, 0x00, 0x00, 0x00}
)

// FuncType is a function signature, recorded under its type index by the Type
// section and referenced by the Function and Import sections.
type FuncType struct {
	Params  []api.ValueType
	Results []api.ValueType
}

// ImportKind classifies what an import binds to. Only ImportKindFunc has any
// emission side effect in the driver; other kinds are recorded but otherwise inert.
type ImportKind byte

const (
	ImportKindFunc ImportKind = iota
	ImportKindTable
	ImportKindMemory
	ImportKindGlobal
)

// Import is one entry of the Import section.
type Import struct {
	Module string
	// Field is a pointer so the "no field name" case (legal in the binary format)
	// is distinguishable from an empty-string field name; this distinction is load
	// bearing for the Module.LinkImport None==None non-match (see Open Question 1
	// in SPEC_FULL.md).
	Field *string
	Kind  ImportKind
	// TypeIndex is meaningful only when Kind == ImportKindFunc.
	TypeIndex uint32
}

// ExportKind classifies what an export names.
type ExportKind = api.ExternType

// Export is one entry of the Export section.
type Export struct {
	Name  string
	Kind  ExportKind
	Index uint32
}

// MemoryType is one entry of the Memory section.
type MemoryType struct {
	Memory64 bool
	Min      uint64
	Max      *uint64
}

// LocalEntry is one run-length-encoded group of declared locals in a function body,
// as it appears in the binary format: Count locals, all of type Type.
type LocalEntry struct {
	Count uint32
	Type  api.ValueType
}

// CodeEntry is one function body from the Code section: its declared locals and the
// raw operator bytecode that follows them.
type CodeEntry struct {
	Locals []LocalEntry
	Code   []byte
}
