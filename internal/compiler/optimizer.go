package compiler

import (
	"github.com/paraexec/wasmaot/internal/asm"
)

// Optimize runs the peephole rewriter to a fixed point: each pass hands the current
// instruction vector to optimizeOnce, and stops as soon as a pass makes no change.
// The caller's labelIndices is not modified: a copy is rewritten across every pass
// and returned, so every label keeps pointing at the first instruction of the
// construct it originally named.
func Optimize(instructions []asm.Instruction, labelIndices []asm.LabelIndex) ([]asm.Instruction, []asm.LabelIndex) {
	current := instructions
	labels := append([]asm.LabelIndex(nil), labelIndices...)
	for {
		next, nextLabels := optimizeOnce(current, labels)
		if instructionsEqual(next, current) {
			return current, labels
		}
		current = next
		labels = nextLabels
	}
}

// labelTriple tracks a label's original index (fixed, used to decide which labels a
// deletion shifts) alongside its current index (updated as instructions are
// removed ahead of it).
type labelTriple struct {
	original int
	current  int
	label    asm.Label
}

// optimizeOnce performs a single left-to-right pass, applying each of the three
// rewrite patterns greedily wherever they match at the head of the remaining
// instruction slice. A rewrite never consumes an instruction that a label points
// at, so a labeled instruction (such as a function's entry push rbp) survives.
func optimizeOnce(instructions []asm.Instruction, labelIndices []asm.LabelIndex) ([]asm.Instruction, []asm.LabelIndex) {
	triples := make([]labelTriple, len(labelIndices))
	labeled := make(map[int]bool, len(labelIndices))
	for i, li := range labelIndices {
		triples[i] = labelTriple{original: li.Index, current: li.Index, label: li.Label}
		labeled[li.Index] = true
	}

	var out []asm.Instruction
	head := instructions
	headIdx := 0

	for len(head) > 0 {
		if len(head) >= 2 && !labeled[headIdx] && !labeled[headIdx+1] {
			// push r64; pop r64 -> mov r64_dst, r64_src
			if head[0].Op == asm.OpPushReg && head[1].Op == asm.OpPopReg {
				out = append(out, asm.Instruction{Op: asm.OpMovRegReg, Dst: head[1].Dst, Src: head[0].Src})
				head = head[2:]
				headIdx += 2
				updateLabels(triples, headIdx, -1)
				continue
			}

			// mov a, b; mov b, a -> delete both
			if head[0].Op == asm.OpMovRegReg && head[1].Op == asm.OpMovRegReg &&
				head[0].Dst == head[1].Src && head[1].Dst == head[0].Src {
				head = head[2:]
				headIdx += 2
				updateLabels(triples, headIdx, -2)
				continue
			}
		}

		// mov a, a -> delete
		if !labeled[headIdx] && head[0].Op == asm.OpMovRegReg && head[0].Dst == head[0].Src {
			head = head[1:]
			headIdx++
			updateLabels(triples, headIdx, -1)
			continue
		}

		out = append(out, head[0])
		head = head[1:]
		headIdx++
	}

	newLabels := make([]asm.LabelIndex, len(triples))
	for i, t := range triples {
		newLabels[i] = asm.LabelIndex{Index: t.current, Label: t.label}
	}
	return out, newLabels
}

// updateLabels shifts by count the current index of every label whose original
// index is at or past headIdx, the position just past the instructions a rewrite
// just consumed.
func updateLabels(triples []labelTriple, headIdx, count int) {
	for i := range triples {
		if triples[i].original >= headIdx {
			triples[i].current += count
		}
	}
}

func instructionsEqual(a, b []asm.Instruction) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
