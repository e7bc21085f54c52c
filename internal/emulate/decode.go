package emulate

import (
	"encoding/binary"
	"fmt"

	"github.com/paraexec/wasmaot/internal/asm"
)

// decodedInstruction is the runtime counterpart of asm.Instruction: the byte
// decoder's output, carrying only the fields execute needs. Control-transfer
// targets (CallRel/CallLabel) are resolved to an absolute address at decode
// time, the same way asm.encode resolves them to a relative displacement at
// encode time -- this decoder is the literal inverse of encode().
type decodedInstruction struct {
	op     asm.Opcode
	dst    asm.Register
	src    asm.Register
	base   asm.Register
	disp   int32
	size   int
	imm    int64
	target uint64 // absolute address: CallRel's callee, or CallLabel's slot address
}

func regFromLowBits(low byte, extended bool) asm.Register {
	r := asm.Register(low & 0x7)
	if extended {
		r |= 0x8
	}
	return r
}

// decode reads one instruction starting at mem[pc:] and returns it along with
// its byte length. It mirrors encode() in internal/asm exactly: every opcode
// byte pattern here corresponds to one encode() case there.
func decode(mem []byte, pc uint64) (decodedInstruction, int, error) {
	if pc >= uint64(len(mem)) {
		return decodedInstruction{}, 0, fmt.Errorf("emulate: pc %#x out of range", pc)
	}
	b0 := mem[pc]

	// Non-REX-prefixed forms first: these opcode bytes never collide with a REX
	// prefix byte (0x40-0x4F), so checking them first is unambiguous.
	switch b0 {
	case 0x68: // push imm32
		imm := int32(binary.LittleEndian.Uint32(mem[pc+1 : pc+5]))
		return decodedInstruction{op: asm.OpPushImm32, imm: int64(imm)}, 5, nil
	case 0xE8: // call rel32
		rel := int32(binary.LittleEndian.Uint32(mem[pc+1 : pc+5]))
		target := uint64(int64(pc) + 5 + int64(rel))
		return decodedInstruction{op: asm.OpCallRel, target: target}, 5, nil
	case 0xFF: // call [rip+disp32] (only ModRM byte 0x15 is ever emitted)
		if mem[pc+1] != 0x15 {
			return decodedInstruction{}, 0, fmt.Errorf("emulate: unsupported FF /%d form", mem[pc+1]>>3&0x7)
		}
		disp := int32(binary.LittleEndian.Uint32(mem[pc+2 : pc+6]))
		target := uint64(int64(pc) + 6 + int64(disp))
		return decodedInstruction{op: asm.OpCallLabel, target: target}, 6, nil
	case 0xC3:
		return decodedInstruction{op: asm.OpRet}, 1, nil
	case 0x90:
		return decodedInstruction{op: asm.OpNop}, 1, nil
	}

	// Bare (non-REX) push/pop r64: emitted whenever the register is not one of
	// R8-R15, so these single bytes never need a REX prefix at all.
	switch {
	case b0 >= 0x50 && b0 <= 0x57:
		return decodedInstruction{op: asm.OpPushReg, src: regFromLowBits(b0-0x50, false)}, 1, nil
	case b0 >= 0x58 && b0 <= 0x5F:
		return decodedInstruction{op: asm.OpPopReg, dst: regFromLowBits(b0-0x58, false)}, 1, nil
	}

	if b0 < 0x40 || b0 > 0x4F {
		return decodedInstruction{}, 0, fmt.Errorf("emulate: unrecognized opcode byte %#x at %#x", b0, pc)
	}

	// REX-prefixed forms: REX.W=bit3, REX.R=bit2, REX.X=bit1, REX.B=bit0.
	extB := b0&0x1 != 0
	extR := b0&0x4 != 0
	b1 := mem[pc+1]

	switch {
	case b1 >= 0x50 && b1 <= 0x57: // push r64
		return decodedInstruction{op: asm.OpPushReg, src: regFromLowBits(b1-0x50, extB)}, 2, nil
	case b1 >= 0x58 && b1 <= 0x5F: // pop r64
		return decodedInstruction{op: asm.OpPopReg, dst: regFromLowBits(b1-0x58, extB)}, 2, nil
	case b1 >= 0xB8 && b1 <= 0xBF: // movabs r64, imm64
		imm := int64(binary.LittleEndian.Uint64(mem[pc+2 : pc+10]))
		return decodedInstruction{op: asm.OpMovRegImm64, dst: regFromLowBits(b1-0xB8, extB), imm: imm}, 10, nil
	case b1 == 0x89: // mov r/m64, r64 -- register form (ModRM mod==11) or
		// mov [base+disp32], r64 (ModRM mod==10, SIB follows), disambiguated on
		// the ModRM mod bits the same way memOperand/regOperand choose them.
		modrm := mem[pc+2]
		reg := regFromLowBits((modrm>>3)&0x7, extR)
		if modrm>>6 == 0b10 {
			base := regFromLowBits(mem[pc+3]&0x7, extB)
			disp := int32(binary.LittleEndian.Uint32(mem[pc+4 : pc+8]))
			size := 8
			if b0&0x8 == 0 {
				size = 4
			}
			return decodedInstruction{op: asm.OpMovStore, src: reg, base: base, disp: disp, size: size}, 8, nil
		}
		rm := regFromLowBits(modrm&0x7, extB)
		return decodedInstruction{op: asm.OpMovRegReg, src: reg, dst: rm}, 3, nil
	case b1 == 0xC7: // mov r/m64, imm32 (ModRM mod==11, reg==0)
		imm := int32(binary.LittleEndian.Uint32(mem[pc+3 : pc+7]))
		rm := regFromLowBits(mem[pc+2]&0x7, extB)
		return decodedInstruction{op: asm.OpMovRegImm32, dst: rm, imm: int64(imm)}, 7, nil
	case b1 == 0x8B: // mov r64, [base+disp32]
		modrm := mem[pc+2]
		reg := regFromLowBits((modrm>>3)&0x7, extR)
		base := regFromLowBits(mem[pc+3]&0x7, extB) // SIB byte, base field
		disp := int32(binary.LittleEndian.Uint32(mem[pc+4 : pc+8]))
		size := 8
		if b0&0x8 == 0 { // REX.W not set: 4-byte load
			size = 4
		}
		return decodedInstruction{op: asm.OpMovLoad, dst: reg, base: base, disp: disp, size: size}, 8, nil
	case b1 == 0x01: // add r/m64, r64
		modrm := mem[pc+2]
		reg := regFromLowBits((modrm>>3)&0x7, extR)
		rm := regFromLowBits(modrm&0x7, extB)
		return decodedInstruction{op: asm.OpAddRegReg, src: reg, dst: rm}, 3, nil
	case b1 == 0x29: // sub r/m64, r64
		modrm := mem[pc+2]
		reg := regFromLowBits((modrm>>3)&0x7, extR)
		rm := regFromLowBits(modrm&0x7, extB)
		return decodedInstruction{op: asm.OpSubRegReg, src: reg, dst: rm}, 3, nil
	case b1 == 0x0F: // two-byte opcode: only 0F AF (imul) is ever emitted
		if mem[pc+2] != 0xAF {
			return decodedInstruction{}, 0, fmt.Errorf("emulate: unsupported 0F %#x form", mem[pc+2])
		}
		modrm := mem[pc+3]
		dst := regFromLowBits((modrm>>3)&0x7, extR)
		src := regFromLowBits(modrm&0x7, extB)
		return decodedInstruction{op: asm.OpImulRegReg, dst: dst, src: src}, 4, nil
	case b1 == 0x81: // add/sub r/m64, imm32 -- ModRM reg field picks the operation
		modrm := mem[pc+2]
		rm := regFromLowBits(modrm&0x7, extB)
		imm := int32(binary.LittleEndian.Uint32(mem[pc+3 : pc+7]))
		switch (modrm >> 3) & 0x7 {
		case 0:
			return decodedInstruction{op: asm.OpAddRegImm32, dst: rm, imm: int64(imm)}, 7, nil
		case 5:
			return decodedInstruction{op: asm.OpSubRegImm32, dst: rm, imm: int64(imm)}, 7, nil
		}
		return decodedInstruction{}, 0, fmt.Errorf("emulate: unsupported 81 /%d form", (modrm>>3)&0x7)
	}

	return decodedInstruction{}, 0, fmt.Errorf("emulate: unrecognized REX-prefixed opcode byte %#x at %#x", b1, pc)
}

// execute applies ins's effect to the emulator's registers and memory and
// returns the next program counter. length is ins's own encoded byte length,
// used to compute fallthrough and call-return addresses.
func (e *Emulator) execute(ins decodedInstruction, pc uint64, length int) (uint64, error) {
	next := pc + uint64(length)
	switch ins.op {
	case asm.OpPushReg:
		e.Push(e.registers[ins.src])
	case asm.OpPopReg:
		e.registers[ins.dst] = e.Pop()
	case asm.OpPushImm32:
		e.Push(uint64(int64(ins.imm)))
	case asm.OpMovRegReg:
		e.registers[ins.dst] = e.registers[ins.src]
	case asm.OpMovRegImm32, asm.OpMovRegImm64:
		e.registers[ins.dst] = uint64(ins.imm)
	case asm.OpMovLoad:
		addr := e.registers[ins.base] + uint64(int64(ins.disp))
		if ins.size == 8 {
			e.registers[ins.dst] = e.readUint64(addr)
		} else {
			e.registers[ins.dst] = uint64(e.readUint32(addr))
		}
	case asm.OpMovStore:
		addr := e.registers[ins.base] + uint64(int64(ins.disp))
		if ins.size == 8 {
			e.writeUint64(addr, e.registers[ins.src])
		} else {
			e.writeUint32(addr, uint32(e.registers[ins.src]))
		}
	case asm.OpAddRegImm32:
		e.registers[ins.dst] += uint64(int64(ins.imm))
	case asm.OpSubRegImm32:
		e.registers[ins.dst] -= uint64(int64(ins.imm))
	case asm.OpAddRegReg:
		e.registers[ins.dst] += e.registers[ins.src]
	case asm.OpSubRegReg:
		e.registers[ins.dst] -= e.registers[ins.src]
	case asm.OpImulRegReg:
		e.registers[ins.dst] = uint64(int64(e.registers[ins.dst]) * int64(e.registers[ins.src]))
	case asm.OpCallRel:
		e.Push(next)
		next = ins.target
	case asm.OpCallLabel:
		e.Push(next)
		next = e.readUint64(ins.target)
	case asm.OpRet:
		next = e.Pop()
	case asm.OpNop:
		// fallthrough to pc+length
	default:
		return 0, fmt.Errorf("emulate: unexecutable opcode %v", ins.op)
	}
	return next, nil
}
