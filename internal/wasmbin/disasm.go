package wasmbin

import (
	"fmt"

	"github.com/go-interpreter/wagon/disasm"
	"github.com/go-interpreter/wagon/wasm"

	"github.com/paraexec/wasmaot/api"
)

// Operator is one decoded, stack-annotated operator within a function body: the
// unit the Instruction Lowerer consumes. Decoding the raw operator stream and
// tracking operand-stack depth as it goes is exactly what wagon's disasm package
// already does well, so this package borrows it rather than re-implementing a
// second WebAssembly operator decoder.
type Operator struct {
	Code        byte
	Name        string
	Immediates  []interface{}
	Unreachable bool

	// StackTopDiff and PreserveTop describe how this operator changes the depth of
	// the (conceptual) WebAssembly operand stack. The driver sums StackTopDiff over
	// a body to check its result arity; the Instruction Lowerer reads neither field.
	StackTopDiff int64
	PreserveTop  bool
}

// Disassemble decodes entry's operator stream against sig (the function's own
// signature) and the module's full type table (needed because call operators
// reference other functions' signatures by index). It returns the operators in
// program order together with the maximum operand-stack depth the function body
// reaches, which the driver records as the function's stack height.
func Disassemble(entry *CodeEntry, sig FuncType, allTypes []FuncType) ([]Operator, int, error) {
	module := &wasm.Module{}
	module.Types = &wasm.SectionTypes{Entries: make([]wasm.FunctionSig, len(allTypes))}
	for i, t := range allTypes {
		module.Types.Entries[i] = toWagonSig(t)
	}

	locals := make([]wasm.LocalEntry, len(entry.Locals))
	for i, l := range entry.Locals {
		locals[i] = wasm.LocalEntry{Count: l.Count, Type: toWagonValueType(l.Type)}
	}

	fn := wasm.Function{
		Sig: &wasm.FunctionSig{
			Form:        0,
			ParamTypes:  toWagonValueTypes(sig.Params),
			ReturnTypes: toWagonValueTypes(sig.Results),
		},
		Body: &wasm.FunctionBody{
			Locals: locals,
			Code:   entry.Code,
		},
	}

	d, err := disasm.Disassemble(fn, module)
	if err != nil {
		return nil, 0, fmt.Errorf("wasmbin: disassemble: %w", err)
	}

	ops := make([]Operator, len(d.Code))
	for i, instr := range d.Code {
		ops[i] = Operator{
			Code:         instr.Op.Code,
			Name:         instr.Op.Name,
			Immediates:   instr.Immediates,
			Unreachable:  instr.Unreachable,
			StackTopDiff: instr.NewStack.StackTopDiff,
			PreserveTop:  instr.NewStack.PreserveTop,
		}
	}
	return ops, d.MaxDepth, nil
}

func toWagonSig(t FuncType) wasm.FunctionSig {
	return wasm.FunctionSig{
		Form:        0,
		ParamTypes:  toWagonValueTypes(t.Params),
		ReturnTypes: toWagonValueTypes(t.Results),
	}
}

func toWagonValueTypes(vs []api.ValueType) []wasm.ValueType {
	out := make([]wasm.ValueType, len(vs))
	for i, v := range vs {
		out[i] = toWagonValueType(v)
	}
	return out
}

// toWagonValueType converts a raw WebAssembly type byte (api.ValueType, e.g. 0x7f
// for i32) into wagon's wasm.ValueType, which is the *signed* LEB128 decoding of
// that same byte (e.g. -0x01 for i32) rather than the byte itself. A plain
// conversion between the two types would silently produce nonsense values for
// every numeric type, so each case is spelled out explicitly here.
func toWagonValueType(v api.ValueType) wasm.ValueType {
	switch v {
	case api.ValueTypeI32:
		return wasm.ValueTypeI32
	case api.ValueTypeI64:
		return wasm.ValueTypeI64
	case api.ValueTypeF32:
		return wasm.ValueTypeF32
	case api.ValueTypeF64:
		return wasm.ValueTypeF64
	default:
		// Reference and vector types have no wagon equivalent and map to 0.
		// The driver rejects reference-typed params and locals before
		// disassembly; v128 params and locals, and any type in a result list
		// or in another signature of the module, still reach this path.
		return wasm.ValueType(0)
	}
}
