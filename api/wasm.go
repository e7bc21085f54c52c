// Package api includes constants used by both the compiler and its callers to describe
// WebAssembly value types and external kinds, independent of any particular module.
package api

import "fmt"

// ExternType classifies an entry in a module's import or export namespace.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#external-types%E2%91%A0
type ExternType = byte

const (
	ExternTypeFunc   ExternType = 0x00
	ExternTypeTable  ExternType = 0x01
	ExternTypeMemory ExternType = 0x02
	ExternTypeGlobal ExternType = 0x03
)

// ExternTypeName returns the WebAssembly Text Format field name for et, or a hex literal
// if et is not one of the ExternType constants.
func ExternTypeName(et ExternType) string {
	switch et {
	case ExternTypeFunc:
		return "func"
	case ExternTypeTable:
		return "table"
	case ExternTypeMemory:
		return "memory"
	case ExternTypeGlobal:
		return "global"
	}
	return fmt.Sprintf("%#x", et)
}

// ValueType is a WebAssembly value type, encoded as in the binary format. Only the scalar
// types and v128 have a defined EncodingSize; the reference types are recognized here
// because they appear in signatures the parser hands us, even though compiling a body
// that uses them fails with ErrUnsupportedType.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-valtype
type ValueType = byte

const (
	// ValueTypeI32 is a 32-bit integer.
	ValueTypeI32 ValueType = 0x7f
	// ValueTypeI64 is a 64-bit integer.
	ValueTypeI64 ValueType = 0x7e
	// ValueTypeF32 is a 32-bit floating point number.
	ValueTypeF32 ValueType = 0x7d
	// ValueTypeF64 is a 64-bit floating point number.
	ValueTypeF64 ValueType = 0x7c
	// ValueTypeV128 is a 128-bit vector lane.
	ValueTypeV128 ValueType = 0x7b
	// ValueTypeFuncref is a reference to a function.
	ValueTypeFuncref ValueType = 0x70
	// ValueTypeExternref is a reference to a host-defined object.
	ValueTypeExternref ValueType = 0x6f
)

// ValueTypeName returns the WebAssembly Text Format name of t, or "unknown" if t is not a
// defined ValueType constant.
func ValueTypeName(t ValueType) string {
	switch t {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	case ValueTypeV128:
		return "v128"
	case ValueTypeFuncref:
		return "funcref"
	case ValueTypeExternref:
		return "externref"
	}
	return "unknown"
}

// IsNumeric reports whether t is one of the four scalar numeric types. Of the other
// ValueTypes, EncodingSize accepts v128 and rejects the references.
func IsNumeric(t ValueType) bool {
	switch t {
	case ValueTypeI32, ValueTypeI64, ValueTypeF32, ValueTypeF64:
		return true
	}
	return false
}
