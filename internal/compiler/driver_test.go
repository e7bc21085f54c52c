package compiler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paraexec/wasmaot/api"
)

// --- minimal hand-rolled module builder, just enough for these tests ---

func leb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			break
		}
	}
	return out
}

func section(id byte, body []byte) []byte {
	out := []byte{id}
	out = append(out, leb(uint32(len(body)))...)
	return append(out, body...)
}

func vec(count int, items ...byte) []byte {
	out := leb(uint32(count))
	return append(out, items...)
}

func header() []byte {
	return []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
}

func funcType(params, results []api.ValueType) []byte {
	b := []byte{0x60}
	b = append(b, vec(len(params), params...)...)
	b = append(b, vec(len(results), results...)...)
	return b
}

func name(s string) []byte {
	out := leb(uint32(len(s)))
	return append(out, []byte(s)...)
}

func codeEntry(locals []byte, code []byte) []byte {
	body := append([]byte{}, locals...)
	body = append(body, code...)
	out := leb(uint32(len(body)))
	return append(out, body...)
}

func concatBytes(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// returnI64Module builds: (func (export "foo") (result i64) i64.const 42)
func returnI64Module(t *testing.T) []byte {
	t.Helper()
	typeSec := section(1, vec(1, funcType(nil, []api.ValueType{api.ValueTypeI64})...))
	funcSec := section(3, vec(1, 0x00))
	exportEntry := concatBytes(name("foo"), []byte{byte(api.ExternTypeFunc), 0x00})
	exportSec := section(7, vec(1, exportEntry...))
	code := []byte{0x42, 42, 0x0b} // i64.const 42; end
	codeSec := section(10, vec(1, codeEntry(nil, code)...))
	var m []byte
	m = append(m, header()...)
	m = append(m, typeSec...)
	m = append(m, funcSec...)
	m = append(m, exportSec...)
	m = append(m, codeSec...)
	return m
}

func TestCompile_ReturnValue(t *testing.T) {
	result, err := Compile(returnI64Module(t), Config{})
	require.NoError(t, err)
	require.NotEmpty(t, result.Code)

	entry, ok := result.FunctionBodies[0]
	require.True(t, ok)
	require.Equal(t, byte(0x55), result.Code[entry]) // push rbp
}

// subModule builds: (func (export "foo") (param i64) (param i64) (result i64)
// local.get 0; local.get 1; i64.sub)
func subModule(t *testing.T) []byte {
	t.Helper()
	i64 := api.ValueTypeI64
	typeSec := section(1, vec(1, funcType([]api.ValueType{i64, i64}, []api.ValueType{i64})...))
	funcSec := section(3, vec(1, 0x00))
	exportEntry := concatBytes(name("foo"), []byte{byte(api.ExternTypeFunc), 0x00})
	exportSec := section(7, vec(1, exportEntry...))
	code := []byte{0x20, 0x00, 0x20, 0x01, 0x7d, 0x0b} // local.get 0; local.get 1; i64.sub; end
	codeSec := section(10, vec(1, codeEntry(nil, code)...))
	var m []byte
	m = append(m, header()...)
	m = append(m, typeSec...)
	m = append(m, funcSec...)
	m = append(m, exportSec...)
	m = append(m, codeSec...)
	return m
}

func TestCompile_PassingArgsAndReturnValue(t *testing.T) {
	result, err := Compile(subModule(t), Config{})
	require.NoError(t, err)

	entry, ok := result.FunctionBodies[0]
	require.True(t, ok)
	require.Equal(t, byte(0x55), result.Code[entry])

	height, ok := result.FunctionStackHeights[0]
	require.True(t, ok)
	require.GreaterOrEqual(t, height, uint32(1))
}

// localCallModule builds four functions: bar calls foo, foo calls foo1, foo1 and
// unused are empty bodies -- grounded on the same scenario the reference test suite
// exercises for call lowering between local functions.
func localCallModule(t *testing.T) []byte {
	t.Helper()
	emptySig := funcType(nil, nil)
	typeSec := section(1, vec(1, emptySig...))
	funcSec := section(3, vec(4, 0x00, 0x00, 0x00, 0x00))
	exportEntry := concatBytes(name("bar"), []byte{byte(api.ExternTypeFunc), 0x00})
	exportSec := section(7, vec(1, exportEntry...))
	barCode := []byte{0x10, 0x01, 0x0b} // call 1 (foo); end
	fooCode := []byte{0x10, 0x02, 0x0b} // call 2 (foo1); end
	foo1Code := []byte{0x0b}            // end
	unusedCode := []byte{0x0b}          // end
	entries := concatBytes(
		codeEntry(nil, barCode),
		codeEntry(nil, fooCode),
		codeEntry(nil, foo1Code),
		codeEntry(nil, unusedCode),
	)
	codeSec := section(10, vec(4, entries...))
	var m []byte
	m = append(m, header()...)
	m = append(m, typeSec...)
	m = append(m, funcSec...)
	m = append(m, exportSec...)
	m = append(m, codeSec...)
	return m
}

func TestCompile_LocalCall(t *testing.T) {
	result, err := Compile(localCallModule(t), Config{})
	require.NoError(t, err)
	require.Len(t, result.FunctionBodies, 4)
	for fn := uint32(0); fn < 4; fn++ {
		entry, ok := result.FunctionBodies[fn]
		require.True(t, ok)
		require.Equal(t, byte(0x55), result.Code[entry])
	}
}

func TestCompile_ImportSlotCarriesSentinel(t *testing.T) {
	emptySig := funcType(nil, nil)
	typeSec := section(1, vec(1, emptySig...))
	importBody := concatBytes(name("env"), name("bar"), []byte{0x00, 0x00})
	importSec := section(2, vec(1, importBody...))
	funcSec := section(3, vec(1, 0x00))
	code := []byte{0x10, 0x00, 0x0b} // call 0 (the import); end
	codeSec := section(10, vec(1, codeEntry(nil, code)...))

	var m []byte
	m = append(m, header()...)
	m = append(m, typeSec...)
	m = append(m, importSec...)
	m = append(m, funcSec...)
	m = append(m, codeSec...)

	result, err := Compile(m, Config{})
	require.NoError(t, err)
	require.Len(t, result.Imports, 1)
	off := result.Imports[0].Offset
	require.Equal(t, []byte{0x0D, 0xF0, 0xDD, 0xE0, 0xFE, 0x0F, 0xDC, 0xBA}, result.Code[off:off+8])
}

// mismatchedStackModule builds: (func (export "foo") i64.const 10) -- no declared
// results, but the body leaves one value on the stack.
func mismatchedStackModule(t *testing.T) []byte {
	t.Helper()
	typeSec := section(1, vec(1, funcType(nil, nil)...))
	funcSec := section(3, vec(1, 0x00))
	exportEntry := concatBytes(name("foo"), []byte{byte(api.ExternTypeFunc), 0x00})
	exportSec := section(7, vec(1, exportEntry...))
	code := []byte{0x42, 10, 0x0b} // i64.const 10; end
	codeSec := section(10, vec(1, codeEntry(nil, code)...))
	return concatBytes(header(), typeSec, funcSec, exportSec, codeSec)
}

func TestCompile_MismatchedStackHeightRejected(t *testing.T) {
	_, err := Compile(mismatchedStackModule(t), Config{})
	require.ErrorIs(t, err, ErrStackMismatch)
}

// stackHeightModule builds: (func (export "foo") (result i64)
//
//	i64.const 10; i64.const 20; i64.const 30; i64.add; i64.add)
//
// three values are live on the stack at once before either add runs.
func stackHeightModule(t *testing.T) []byte {
	t.Helper()
	typeSec := section(1, vec(1, funcType(nil, []api.ValueType{api.ValueTypeI64})...))
	funcSec := section(3, vec(1, 0x00))
	exportEntry := concatBytes(name("foo"), []byte{byte(api.ExternTypeFunc), 0x00})
	exportSec := section(7, vec(1, exportEntry...))
	code := []byte{0x42, 10, 0x42, 20, 0x42, 30, 0x7c, 0x7c, 0x0b}
	codeSec := section(10, vec(1, codeEntry(nil, code)...))
	return concatBytes(header(), typeSec, funcSec, exportSec, codeSec)
}

func TestCompile_PeakStackHeight(t *testing.T) {
	result, err := Compile(stackHeightModule(t), Config{})
	require.NoError(t, err)
	require.Equal(t, uint32(3), result.FunctionStackHeights[0])
}

func TestCompile_MultipleMemories(t *testing.T) {
	mem64 := []byte{0x04 | 0x01, 0x01, 0x02} // memory64, hasMax, min=1, max=2
	mem32 := []byte{0x00, 0x01}             // plain i32, min=1, no max
	memSec := section(5, vec(2, concatBytes(mem64, mem32)...))
	var m []byte
	m = append(m, header()...)
	m = append(m, memSec...)

	result, err := Compile(m, Config{})
	require.NoError(t, err)
	require.Len(t, result.Memories, 2)
	require.True(t, result.Memories[0].Memory64)
	require.False(t, result.Memories[1].Memory64)
}
