package compiler

import (
	"fmt"

	"github.com/paraexec/wasmaot/internal/asm"
	"github.com/paraexec/wasmaot/internal/wasmbin"
)

// Raw WebAssembly operator bytes this lowerer recognizes. Everything else --
// floats, v128, references, branches, globals, memory loads/stores, threads,
// exceptions -- lowers to ErrUnsupportedOperator rather than panicking.
const (
	opUnreachable = 0x00
	opNop         = 0x01
	opEnd         = 0x0b
	opReturn      = 0x0f
	opCall        = 0x10
	opDrop        = 0x1a
	opLocalGet    = 0x20
	opLocalSet    = 0x21
	opLocalTee    = 0x22
	opI32Const    = 0x41
	opI64Const    = 0x42
	opI32Add      = 0x6a
	opI32Sub      = 0x6b
	opI32Mul      = 0x6c
	opI64Add      = 0x7c
	opI64Sub      = 0x7d
	opI64Mul      = 0x7e
)

// callArgRegisters is the fixed-size integer argument register set. Parameters
// are consumed in declaration order: param 0 takes rdi, param 1 takes rsi, and
// so on, matching local.get's forward addressing of the same slots.
var callArgRegisters = []asm.Register{asm.REG_DI, asm.REG_SI, asm.REG_DX, asm.REG_CX, asm.REG_R8, asm.REG_R9}

// localSlot is one addressable local (parameter or declared local): its
// displacement below rbp and its value type, used to size loads/stores.
type localSlot struct {
	disp int32
	typ  byte
}

// lowerer holds the per-function-body state the Instruction Lowerer threads
// through one operator at a time: the assembler it emits into, this function's
// locals, and the tables needed to resolve a call operator's target.
type lowerer struct {
	asmb   *asm.Assembler
	locals []localSlot
	got    map[uint32]asm.Label
	ils    map[uint32]asm.Label
	types  map[uint32]wasmbin.FuncType // function index -> signature, for call lowering
}

// newLowerer constructs a lowerer bound to one function body's locals table.
func newLowerer(a *asm.Assembler, locals []localSlot, got, ils map[uint32]asm.Label, types map[uint32]wasmbin.FuncType) *lowerer {
	return &lowerer{asmb: a, locals: locals, got: got, ils: ils, types: types}
}

// lowerOperator emits the machine instructions for one decoded WebAssembly
// operator. Where the operator carries an immediate (local index, constant value,
// call target), it is read from the first entry of op.Immediates.
func (lw *lowerer) lowerOperator(op wasmbin.Operator) error {
	switch op.Code {
	case opNop, opEnd:
		return nil

	case opUnreachable:
		return fmt.Errorf("%w: unreachable", ErrUnsupportedOperator)

	case opDrop:
		lw.asmb.Emit(asm.Instruction{Op: asm.OpAddRegImm32, Dst: asm.REG_SP, Imm: 8})
		return nil

	case opReturn:
		return nil

	case opLocalGet:
		idx, err := immU32(op, 0)
		if err != nil {
			return err
		}
		return lw.lowerLocalGet(idx)

	case opLocalSet:
		idx, err := immU32(op, 0)
		if err != nil {
			return err
		}
		return lw.lowerLocalSet(idx, false)

	case opLocalTee:
		idx, err := immU32(op, 0)
		if err != nil {
			return err
		}
		return lw.lowerLocalSet(idx, true)

	case opI32Const:
		v, err := immI32(op, 0)
		if err != nil {
			return err
		}
		lw.asmb.Emit(asm.Instruction{Op: asm.OpPushImm32, Imm: int64(v)})
		return nil

	case opI64Const:
		v, err := immI64(op, 0)
		if err != nil {
			return err
		}
		lw.asmb.Emit(asm.Instruction{Op: asm.OpMovRegImm64, Dst: asm.REG_AX, Imm: v})
		lw.asmb.Emit(asm.Instruction{Op: asm.OpPushReg, Src: asm.REG_AX})
		return nil

	case opI32Add, opI64Add:
		return lw.lowerBinOp(asm.OpAddRegReg)
	case opI32Sub, opI64Sub:
		return lw.lowerBinOp(asm.OpSubRegReg)
	case opI32Mul, opI64Mul:
		return lw.lowerBinOp(asm.OpImulRegReg)

	case opCall:
		idx, err := immU32(op, 0)
		if err != nil {
			return err
		}
		return lw.lowerCall(idx)
	}

	return fmt.Errorf("%w: %s", ErrUnsupportedOperator, op.Name)
}

func (lw *lowerer) lowerLocalGet(idx uint32) error {
	slot, err := lw.localSlot(idx)
	if err != nil {
		return err
	}
	size, err := EncodingSize(slot.typ)
	if err != nil {
		return err
	}
	lw.asmb.Emit(asm.Instruction{Op: asm.OpMovLoad, Dst: asm.REG_AX, Base: asm.REG_BP, Disp: -slot.disp, Size: byte(size)})
	lw.asmb.Emit(asm.Instruction{Op: asm.OpPushReg, Src: asm.REG_AX})
	return nil
}

func (lw *lowerer) lowerLocalSet(idx uint32, tee bool) error {
	slot, err := lw.localSlot(idx)
	if err != nil {
		return err
	}
	size, err := EncodingSize(slot.typ)
	if err != nil {
		return err
	}
	lw.asmb.Emit(asm.Instruction{Op: asm.OpPopReg, Dst: asm.REG_AX})
	lw.asmb.Emit(asm.Instruction{Op: asm.OpMovStore, Src: asm.REG_AX, Base: asm.REG_BP, Disp: -slot.disp, Size: byte(size)})
	if tee {
		lw.asmb.Emit(asm.Instruction{Op: asm.OpPushReg, Src: asm.REG_AX})
	}
	return nil
}

func (lw *lowerer) lowerBinOp(op asm.Opcode) error {
	lw.asmb.Emit(asm.Instruction{Op: asm.OpPopReg, Dst: asm.REG_CX})
	lw.asmb.Emit(asm.Instruction{Op: asm.OpPopReg, Dst: asm.REG_AX})
	lw.asmb.Emit(asm.Instruction{Op: op, Dst: asm.REG_AX, Src: asm.REG_CX})
	lw.asmb.Emit(asm.Instruction{Op: asm.OpPushReg, Src: asm.REG_AX})
	return nil
}

// lowerCall pops this callee's declared argument count off the shadow stack into
// the integer argument registers in declaration order, calls the target, and
// pushes up to two integer return values. A local function's label is bound
// directly to its entry instruction, so it takes a direct relative call; an
// imported function's label names an 8-byte relocation slot that link_import
// patches later, so it takes an indirect call through that slot.
func (lw *lowerer) lowerCall(fn uint32) error {
	sig, ok := lw.types[fn]
	if !ok {
		return fmt.Errorf("%w: call to unknown function index %d", ErrUnsupportedOperator, fn)
	}
	n := len(sig.Params)
	if n > len(callArgRegisters) {
		return fmt.Errorf("%w: call with more than %d integer parameters", ErrUnsupportedOperator, len(callArgRegisters))
	}
	// The stack holds arguments in push order, so the top of stack is the last
	// declared parameter. Each pop walks the argument queue back-to-front so
	// that param i ends up in callArgRegisters[i], matching the callee's
	// prologue spill and local.get's forward addressing.
	for k := 0; k < n; k++ {
		lw.asmb.Emit(asm.Instruction{Op: asm.OpPopReg, Dst: callArgRegisters[n-1-k]})
	}

	if label, ok := lw.got[fn]; ok {
		lw.asmb.Emit(asm.Instruction{Op: asm.OpCallRel, Label: label})
	} else if label, ok := lw.ils[fn]; ok {
		lw.asmb.Emit(asm.Instruction{Op: asm.OpCallLabel, Label: label})
	} else {
		return fmt.Errorf("%w: call target %d has no GOT or import slot", ErrUnsupportedOperator, fn)
	}

	if len(sig.Results) >= 1 {
		lw.asmb.Emit(asm.Instruction{Op: asm.OpPushReg, Src: asm.REG_AX})
	}
	if len(sig.Results) >= 2 {
		lw.asmb.Emit(asm.Instruction{Op: asm.OpPushReg, Src: asm.REG_DX})
	}
	return nil
}

func (lw *lowerer) localSlot(idx uint32) (localSlot, error) {
	if int(idx) >= len(lw.locals) {
		return localSlot{}, fmt.Errorf("%w: local index %d out of range", ErrUnsupportedOperator, idx)
	}
	return lw.locals[idx], nil
}

func immU32(op wasmbin.Operator, i int) (uint32, error) {
	if i >= len(op.Immediates) {
		return 0, fmt.Errorf("%w: %s missing immediate", ErrUnsupportedOperator, op.Name)
	}
	switch v := op.Immediates[i].(type) {
	case uint32:
		return v, nil
	case int32:
		return uint32(v), nil
	case uint64:
		return uint32(v), nil
	}
	return 0, fmt.Errorf("%w: %s immediate has unexpected type %T", ErrUnsupportedOperator, op.Name, op.Immediates[i])
}

func immI32(op wasmbin.Operator, i int) (int32, error) {
	if i >= len(op.Immediates) {
		return 0, fmt.Errorf("%w: %s missing immediate", ErrUnsupportedOperator, op.Name)
	}
	switch v := op.Immediates[i].(type) {
	case int32:
		return v, nil
	case uint32:
		return int32(v), nil
	}
	return 0, fmt.Errorf("%w: %s immediate has unexpected type %T", ErrUnsupportedOperator, op.Name, op.Immediates[i])
}

func immI64(op wasmbin.Operator, i int) (int64, error) {
	if i >= len(op.Immediates) {
		return 0, fmt.Errorf("%w: %s missing immediate", ErrUnsupportedOperator, op.Name)
	}
	switch v := op.Immediates[i].(type) {
	case int64:
		return v, nil
	case uint64:
		return int64(v), nil
	}
	return 0, fmt.Errorf("%w: %s immediate has unexpected type %T", ErrUnsupportedOperator, op.Name, op.Immediates[i])
}
