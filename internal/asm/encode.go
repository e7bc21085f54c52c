package asm

import (
	"encoding/binary"
	"fmt"
)

// encodedLength returns the byte length of ins's encoding. Most forms this
// assembler emits have a length that depends only on their Opcode -- memory
// operands are always encoded through a SIB byte and a 32-bit displacement, and
// most register operands always carry a REX prefix, even where the REX bits end
// up all zero. Push/pop r64 are the exception: they carry a REX prefix only
// when the register is one of R8-R15, so their length depends on which register
// ins names. This is still compatible with LabelOffsets' single forward pass,
// since encodedLength is given the full Instruction and can inspect its
// register fields without knowing any final byte contents.
func encodedLength(ins Instruction) (int, error) {
	switch ins.Op {
	case OpPushReg:
		if ins.Src.isExtended() {
			return 2, nil
		}
		return 1, nil
	case OpPopReg:
		if ins.Dst.isExtended() {
			return 2, nil
		}
		return 1, nil
	case OpPushImm32:
		return 5, nil
	case OpMovRegReg, OpAddRegReg, OpSubRegReg:
		return 3, nil
	case OpMovRegImm32, OpAddRegImm32, OpSubRegImm32:
		return 7, nil
	case OpMovRegImm64:
		return 10, nil
	case OpMovLoad, OpMovStore:
		return 8, nil
	case OpImulRegReg:
		return 4, nil
	case OpCallRel:
		return 5, nil
	case OpCallLabel:
		return 6, nil
	case OpRet, OpNop:
		return 1, nil
	case OpRawQuad:
		return 8, nil
	}
	return 0, fmt.Errorf("asm: unknown opcode %d", ins.Op)
}

func rex(w, r, x, b bool) byte {
	v := byte(0x40)
	if w {
		v |= 1 << 3
	}
	if r {
		v |= 1 << 2
	}
	if x {
		v |= 1 << 1
	}
	if b {
		v |= 1
	}
	return v
}

// memOperand appends the ModRM reg/SIB-follows byte and its SIB byte for a memory
// operand with the given ModRM reg field, addressing [base+disp]. Memory operands
// are always encoded in the mod=10 (disp32), rm=100 (SIB follows) form regardless
// of base register or displacement magnitude, so the encoding is uniform.
func memOperand(buf []byte, modrmReg, base Register, disp int32) []byte {
	buf = append(buf, (0b10<<6)|(modrmReg.lowBits()<<3)|0b100)
	buf = append(buf, (0b00<<6)|(0b100<<3)|base.lowBits()) // scale=1, no index
	var d [4]byte
	binary.LittleEndian.PutUint32(d[:], uint32(disp))
	return append(buf, d[:]...)
}

func regOperand(modrmReg, rm Register) byte {
	return (0b11 << 6) | (modrmReg.lowBits() << 3) | rm.lowBits()
}

// encode returns the machine code bytes for ins. pos is the byte offset at which
// ins begins in the final buffer, needed to compute the rip-relative displacement
// of OpCallLabel; labelOffsets gives every bound label's resolved byte offset.
func encode(ins Instruction, pos int, labelOffsets map[Label]int) ([]byte, error) {
	var buf []byte
	switch ins.Op {
	case OpPushReg:
		if ins.Src.isExtended() {
			buf = append(buf, rex(false, false, false, true))
		}
		buf = append(buf, 0x50+ins.Src.lowBits())
	case OpPopReg:
		if ins.Dst.isExtended() {
			buf = append(buf, rex(false, false, false, true))
		}
		buf = append(buf, 0x58+ins.Dst.lowBits())
	case OpPushImm32:
		buf = append(buf, 0x68)
		buf = appendImm32(buf, int32(ins.Imm))
		return buf, nil
	case OpMovRegReg:
		buf = append(buf, rex(true, ins.Src.isExtended(), false, ins.Dst.isExtended()))
		buf = append(buf, 0x89, regOperand(ins.Src, ins.Dst))
	case OpMovRegImm32:
		buf = append(buf, rex(true, false, false, ins.Dst.isExtended()))
		buf = append(buf, 0xC7, regOperand(0, ins.Dst))
		return appendImm32(buf, int32(ins.Imm)), nil
	case OpMovRegImm64:
		buf = append(buf, rex(true, false, false, ins.Dst.isExtended()))
		buf = append(buf, 0xB8+ins.Dst.lowBits())
		return appendImm64(buf, uint64(ins.Imm)), nil
	case OpMovLoad:
		buf = append(buf, rex(ins.Size == 8, ins.Dst.isExtended(), false, ins.Base.isExtended()))
		buf = append(buf, 0x8B)
		return memOperand(buf, ins.Dst, ins.Base, ins.Disp), nil
	case OpMovStore:
		buf = append(buf, rex(ins.Size == 8, ins.Src.isExtended(), false, ins.Base.isExtended()))
		buf = append(buf, 0x89)
		return memOperand(buf, ins.Src, ins.Base, ins.Disp), nil
	case OpAddRegImm32:
		buf = append(buf, rex(true, false, false, ins.Dst.isExtended()))
		buf = append(buf, 0x81, regOperand(0, ins.Dst))
		return appendImm32(buf, int32(ins.Imm)), nil
	case OpSubRegImm32:
		buf = append(buf, rex(true, false, false, ins.Dst.isExtended()))
		buf = append(buf, 0x81, regOperand(5, ins.Dst))
		return appendImm32(buf, int32(ins.Imm)), nil
	case OpAddRegReg:
		buf = append(buf, rex(true, ins.Src.isExtended(), false, ins.Dst.isExtended()))
		buf = append(buf, 0x01, regOperand(ins.Src, ins.Dst))
	case OpSubRegReg:
		buf = append(buf, rex(true, ins.Src.isExtended(), false, ins.Dst.isExtended()))
		buf = append(buf, 0x29, regOperand(ins.Src, ins.Dst))
	case OpImulRegReg:
		buf = append(buf, rex(true, ins.Dst.isExtended(), false, ins.Src.isExtended()))
		buf = append(buf, 0x0F, 0xAF, regOperand(ins.Dst, ins.Src))
	case OpCallRel:
		target, ok := labelOffsets[ins.Label]
		if !ok {
			return nil, fmt.Errorf("asm: call to unbound label")
		}
		buf = append(buf, 0xE8)
		rel := int32(target - (pos + 5))
		return appendImm32(buf, rel), nil
	case OpCallLabel:
		target, ok := labelOffsets[ins.Label]
		if !ok {
			return nil, fmt.Errorf("asm: call to unbound label")
		}
		buf = append(buf, 0xFF, 0x15)
		rel := int32(target - (pos + 6))
		return appendImm32(buf, rel), nil
	case OpRet:
		buf = append(buf, 0xC3)
	case OpNop:
		buf = append(buf, 0x90)
	case OpRawQuad:
		return appendImm64(nil, uint64(ins.Imm)), nil
	default:
		return nil, fmt.Errorf("asm: unknown opcode %d", ins.Op)
	}
	return buf, nil
}

func appendImm32(buf []byte, v int32) []byte {
	var d [4]byte
	binary.LittleEndian.PutUint32(d[:], uint32(v))
	return append(buf, d[:]...)
}

func appendImm64(buf []byte, v uint64) []byte {
	var d [8]byte
	binary.LittleEndian.PutUint64(d[:], v)
	return append(buf, d[:]...)
}
