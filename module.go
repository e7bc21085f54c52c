// Package wasmaot compiles validated WebAssembly modules ahead of time into
// position-independent x86-64 machine code, for consumption by an external
// emulator or host process that maps the resulting buffer and jumps into it.
package wasmaot

import (
	"encoding/binary"

	"github.com/paraexec/wasmaot/api"
	"github.com/paraexec/wasmaot/internal/compiler"
	"github.com/paraexec/wasmaot/internal/wasmbin"
)

// Module is the data holder and post-compilation linking surface produced by
// Compile: function entry points and stack heights, declared memories, and the
// import relocation table link_import patches.
type Module struct {
	functionBodies       map[uint32]uint32
	functionStackHeights map[uint32]uint32
	exports              map[string]uint32
	imports              []compiler.ImportRecord
	memories             []wasmbin.MemoryType
}

// AssembledModule pairs a Module with its compiled code buffer.
type AssembledModule struct {
	Module
	code []byte
}

func newModule(result *compiler.CompileResult) *AssembledModule {
	exports := make(map[string]uint32, len(result.Exports))
	for _, e := range result.Exports {
		if e.Kind == api.ExternTypeFunc {
			exports[e.Name] = e.Index
		}
	}
	return &AssembledModule{
		Module: Module{
			functionBodies:       result.FunctionBodies,
			functionStackHeights: result.FunctionStackHeights,
			exports:              exports,
			imports:              result.Imports,
			memories:             result.Memories,
		},
		code: result.Code,
	}
}

// FunctionEntryPoint returns the byte offset, within Binary(), of the first
// instruction (always 0x55, push rbp) of the function identifier resolves to.
// It returns false for an import (no body) or an identifier that does not
// resolve.
func (m *Module) FunctionEntryPoint(identifier FunctionIdentifier) (uint32, bool) {
	idx, ok := identifier.resolve(m)
	if !ok {
		return 0, false
	}
	offset, ok := m.functionBodies[idx]
	return offset, ok
}

// FunctionStackHeight returns the peak operand-stack height the validator
// observed while compiling the function identifier resolves to.
func (m *Module) FunctionStackHeight(identifier FunctionIdentifier) (uint32, bool) {
	idx, ok := identifier.resolve(m)
	if !ok {
		return 0, false
	}
	height, ok := m.functionStackHeights[idx]
	return height, ok
}

// MemoryTypes returns the module's declared memories, in declaration order.
func (m *Module) MemoryTypes() []wasmbin.MemoryType {
	return m.memories
}

// LinkImport patches the 8-byte relocation slot for the import matching module
// and name with addr, in little-endian. It is a pure write: calling it again with
// the same (module, name, addr) is idempotent.
//
// Preserved bug: when name is nil, the comparison against a no-field-name import
// deliberately returns false rather than matching -- an import declared without a
// field name can never be linked through this API. See the design notes.
func (a *AssembledModule) LinkImport(module string, name *string, addr uint64) bool {
	for _, imp := range a.imports {
		if imp.Module != module {
			continue
		}
		if !namesEqual(name, imp.Field) {
			continue
		}
		binary.LittleEndian.PutUint64(a.code[imp.Offset:imp.Offset+8], addr)
		return true
	}
	return false
}

// Binary returns the compiled, position-independent code buffer.
func (a *AssembledModule) Binary() []byte {
	return a.code
}

// namesEqual implements the preserved None==None non-match: two absent names are
// never considered equal, even though they would compare equal as Go pointers-to-
// nothing would suggest.
func namesEqual(a, b *string) bool {
	if a == nil && b == nil {
		return false
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}
