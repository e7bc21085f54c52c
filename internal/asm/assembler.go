package asm

import "fmt"

// Assembler accumulates a flat program of Instruction values and a separate table of
// Label bindings, then lowers both to a position-independent byte buffer.
type Assembler struct {
	instructions []Instruction
	labelIndices []LabelIndex
	nextLabel    int
}

// NewAssembler returns an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// NewLabel mints a fresh Label handle. The label has no position until BindLabel is
// called with it.
func (a *Assembler) NewLabel() Label {
	a.nextLabel++
	return Label{id: a.nextLabel}
}

// Emit appends ins to the instruction vector and returns its index.
func (a *Assembler) Emit(ins Instruction) int {
	a.instructions = append(a.instructions, ins)
	return len(a.instructions) - 1
}

// BindLabel records that l names the instruction index that the next call to Emit
// will assign -- i.e. l is bound to the first instruction of whatever comes next.
// This is recorded only in the parallel LabelIndex table, never on the Instruction
// itself: instructions never point back at the labels that name them.
func (a *Assembler) BindLabel(l Label) {
	a.labelIndices = append(a.labelIndices, LabelIndex{Index: len(a.instructions), Label: l})
}

// Instructions returns the current flat instruction vector.
func (a *Assembler) Instructions() []Instruction {
	return a.instructions
}

// LabelIndices returns the current parallel label table.
func (a *Assembler) LabelIndices() []LabelIndex {
	return a.labelIndices
}

// SetProgram replaces both the instruction vector and the label table, as done after
// the Peephole Optimizer produces a rewritten pair of the two.
func (a *Assembler) SetProgram(instructions []Instruction, labelIndices []LabelIndex) {
	a.instructions = instructions
	a.labelIndices = labelIndices
}

// LabelOffsets performs a trial assembly: it computes the byte length of every
// instruction without emitting bytes, then returns each bound label's resulting byte
// offset. Every instruction this assembler can emit has a fixed encoded length
// independent of any displacement value, so one forward pass suffices -- there is no
// jump-size-shrinking fixed point to run, unlike a general-purpose assembler with
// variable-length relative jumps.
func (a *Assembler) LabelOffsets() (map[Label]int, error) {
	offsets := make([]int, len(a.instructions)+1)
	pos := 0
	for i, ins := range a.instructions {
		offsets[i] = pos
		n, err := encodedLength(ins)
		if err != nil {
			return nil, fmt.Errorf("asm: instruction %d: %w", i, err)
		}
		pos += n
	}
	offsets[len(a.instructions)] = pos

	result := make(map[Label]int, len(a.labelIndices))
	for _, li := range a.labelIndices {
		if li.Index < 0 || li.Index > len(a.instructions) {
			return nil, fmt.Errorf("asm: label index %d out of range", li.Index)
		}
		result[li.Label] = offsets[li.Index]
	}
	return result, nil
}

// Assemble produces the final binary for the assembled instructions, resolving every
// OpCallLabel against the label offsets computed by LabelOffsets.
func (a *Assembler) Assemble() ([]byte, error) {
	labelOffsets, err := a.LabelOffsets()
	if err != nil {
		return nil, err
	}

	var buf []byte
	for i, ins := range a.instructions {
		encoded, err := encode(ins, len(buf), labelOffsets)
		if err != nil {
			return nil, fmt.Errorf("asm: instruction %d: %w", i, err)
		}
		buf = append(buf, encoded...)
	}
	return buf, nil
}
