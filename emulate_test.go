package wasmaot

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paraexec/wasmaot/api"
	"github.com/paraexec/wasmaot/internal/asm"
	"github.com/paraexec/wasmaot/internal/emulate"
	"github.com/paraexec/wasmaot/internal/leb128"
)

// These tests exercise compiled modules end to end through the reference
// interpreter in internal/emulate, the same scenarios the original compiler's
// own test suite ran against a Unicorn-backed harness.

func TestEmulator_ReturnValue(t *testing.T) {
	mod, err := Compile(exportedReturnModule(), nil)
	require.NoError(t, err)

	em := emulate.NewEmulator()
	m := em.AddModule(mod)

	require.NoError(t, em.CallFunction(m, ByName("foo")))
	require.Equal(t, uint64(42), em.ReadRegister(asm.REG_AX))
}

// subModule builds: (func (export "foo") (param i64) (param i64) (result i64)
// local.get 0; local.get 1; i64.sub)
func subModule() []byte {
	i64 := api.ValueTypeI64
	typeSec := section(1, vec(1, funcType([]api.ValueType{i64, i64}, []api.ValueType{i64})...))
	funcSec := section(3, vec(1, 0x00))
	exportEntry := concatBytes(name("foo"), []byte{byte(api.ExternTypeFunc), 0x00})
	exportSec := section(7, vec(1, exportEntry...))
	code := []byte{0x20, 0x00, 0x20, 0x01, 0x7d, 0x0b} // local.get 0; local.get 1; i64.sub; end
	codeSec := section(10, vec(1, codeEntry(nil, code)...))
	return concatBytes(header(), typeSec, funcSec, exportSec, codeSec)
}

func TestEmulator_PassingArgsAndReturnValue(t *testing.T) {
	mod, err := Compile(subModule(), nil)
	require.NoError(t, err)

	em := emulate.NewEmulator()
	m := em.AddModule(mod)

	// Param 0 (a) spills from rdi, param 1 (b) spills from rsi, in declaration
	// order.
	em.WriteRegister(asm.REG_DI, 52)
	em.WriteRegister(asm.REG_SI, 10)

	require.NoError(t, em.CallFunction(m, ByName("foo")))
	require.Equal(t, uint64(42), em.ReadRegister(asm.REG_AX))
}

// localCallModule builds four functions: bar calls foo, foo calls foo1, foo1 and
// unused are empty bodies.
func localCallModule() []byte {
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
	return concatBytes(header(), typeSec, funcSec, exportSec, codeSec)
}

func TestEmulator_LocalCall(t *testing.T) {
	mod, err := Compile(localCallModule(), nil)
	require.NoError(t, err)

	em := emulate.NewEmulator()
	m := em.AddModule(mod)

	require.NoError(t, em.CallFunction(m, ByName("bar")))

	barEntry, ok := mod.FunctionEntryPoint(ByIndex(0))
	require.True(t, ok)
	fooEntry, ok := mod.FunctionEntryPoint(ByIndex(1))
	require.True(t, ok)
	foo1Entry, ok := mod.FunctionEntryPoint(ByIndex(2))
	require.True(t, ok)
	unusedEntry, ok := mod.FunctionEntryPoint(ByIndex(3))
	require.True(t, ok)

	require.Greater(t, m.InstructionExecutionCount(barEntry), 0)
	require.Greater(t, m.InstructionExecutionCount(fooEntry), 0)
	require.Greater(t, m.InstructionExecutionCount(foo1Entry), 0)
	require.Equal(t, 0, m.InstructionExecutionCount(unusedEntry))
}

// importingModule builds: an import "env"."bar" of type () -> i64, and an exported
// function "call_bar" that calls it and returns its result.
func importingModule() []byte {
	i64 := api.ValueTypeI64
	typeSec := section(1, vec(1, funcType(nil, []api.ValueType{i64})...))
	field := "bar"
	importBody := concatBytes(name("env"), name(field), []byte{0x00, 0x00})
	importSec := section(2, vec(1, importBody...))
	funcSec := section(3, vec(1, 0x00))
	exportEntry := concatBytes(name("call_bar"), []byte{byte(api.ExternTypeFunc), 0x01})
	exportSec := section(7, vec(1, exportEntry...))
	code := []byte{0x10, 0x00, 0x0b} // call 0 (the import); end
	codeSec := section(10, vec(1, codeEntry(nil, code)...))
	return concatBytes(header(), typeSec, importSec, funcSec, exportSec, codeSec)
}

// exportedConstModule builds: (func (export name_) (result i64) i64.const v)
func exportedConstModule(name_ string, v int32) []byte {
	typeSec := section(1, vec(1, funcType(nil, []api.ValueType{api.ValueTypeI64})...))
	funcSec := section(3, vec(1, 0x00))
	exportEntry := concatBytes(name(name_), []byte{byte(api.ExternTypeFunc), 0x00})
	exportSec := section(7, vec(1, exportEntry...))
	code := concatBytes([]byte{0x42}, leb128.EncodeInt32(nil, v), []byte{0x0b}) // i64.const v; end
	codeSec := section(10, vec(1, codeEntry(nil, code)...))
	return concatBytes(header(), typeSec, funcSec, exportSec, codeSec)
}

func TestEmulator_ImportedWasmCall(t *testing.T) {
	callerMod, err := Compile(importingModule(), nil)
	require.NoError(t, err)
	calleeMod, err := Compile(exportedConstModule("bar", 99), nil)
	require.NoError(t, err)

	em := emulate.NewEmulator()
	caller := em.AddModule(callerMod)
	callee := em.AddModule(calleeMod)

	calleeEntry, ok := callee.FunctionEntryPoint(ByName("bar"))
	require.True(t, ok)
	field := "bar"
	require.True(t, caller.LinkImport("env", &field, callee.Offset()+uint64(calleeEntry)))

	require.NoError(t, em.CallFunction(caller, ByName("call_bar")))
	require.Equal(t, uint64(99), em.ReadRegister(asm.REG_AX))
}

func TestEmulator_ExternalCall(t *testing.T) {
	callerMod, err := Compile(importingModule(), nil)
	require.NoError(t, err)

	em := emulate.NewEmulator()
	caller := em.AddModule(callerMod)

	// A hand-assembled stand-in for an externally-provided import: movabs rax,
	// 777; ret.
	external := []byte{0x48, 0xB8, 0x09, 0x03, 0, 0, 0, 0, 0, 0, 0xC3}
	addr := em.AddMemory(external)

	field := "bar"
	require.True(t, caller.LinkImport("env", &field, addr))

	require.NoError(t, em.CallFunction(caller, ByName("call_bar")))
	require.Equal(t, uint64(777), em.ReadRegister(asm.REG_AX))
}

// localsBasicModule builds: (func (export "foo") (param i64) (local i64)
// local.get 0; local.set 1; local.get 1)
func localsBasicModule() []byte {
	i64 := api.ValueTypeI64
	typeSec := section(1, vec(1, funcType([]api.ValueType{i64}, []api.ValueType{i64})...))
	funcSec := section(3, vec(1, 0x00))
	exportEntry := concatBytes(name("foo"), []byte{byte(api.ExternTypeFunc), 0x00})
	exportSec := section(7, vec(1, exportEntry...))
	localsPrefix := concatBytes(leb(1), leb(1), []byte{i64})
	code := []byte{0x20, 0x00, 0x21, 0x01, 0x20, 0x01, 0x0b}
	codeSec := section(10, vec(1, codeEntry(localsPrefix, code)...))
	return concatBytes(header(), typeSec, funcSec, exportSec, codeSec)
}

func TestEmulator_LocalsBasic(t *testing.T) {
	mod, err := Compile(localsBasicModule(), nil)
	require.NoError(t, err)

	em := emulate.NewEmulator()
	m := em.AddModule(mod)

	em.WriteRegister(asm.REG_DI, 55)
	require.NoError(t, em.CallFunction(m, ByName("foo")))
	require.Equal(t, uint64(55), em.ReadRegister(asm.REG_AX))
}

func TestEmulator_FunctionStackHeight(t *testing.T) {
	// (func (export "foo") (result i64)
	//   i64.const 10; i64.const 20; i64.const 30; i64.add; i64.add)
	// three values are live on the operand stack at once before either add runs.
	typeSec := section(1, vec(1, funcType(nil, []api.ValueType{api.ValueTypeI64})...))
	funcSec := section(3, vec(1, 0x00))
	exportEntry := concatBytes(name("foo"), []byte{byte(api.ExternTypeFunc), 0x00})
	exportSec := section(7, vec(1, exportEntry...))
	code := []byte{0x42, 10, 0x42, 20, 0x42, 30, 0x7c, 0x7c, 0x0b}
	codeSec := section(10, vec(1, codeEntry(nil, code)...))
	m := concatBytes(header(), typeSec, funcSec, exportSec, codeSec)

	mod, err := Compile(m, nil)
	require.NoError(t, err)

	height, ok := mod.FunctionStackHeight(ByName("foo"))
	require.True(t, ok)
	require.Equal(t, uint32(3), height)
}
