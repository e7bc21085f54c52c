package compiler

import (
	"fmt"

	"github.com/paraexec/wasmaot/api"
	"github.com/paraexec/wasmaot/internal/asm"
	"github.com/paraexec/wasmaot/internal/wasmbin"
)

// ImportRecord is one imported function's relocation slot: the module/field pair
// link_import matches against, and the byte offset of its 8-byte sentinel slot in
// the final buffer.
type ImportRecord struct {
	Module string
	Field  *string
	Offset uint32
}

// CompileResult is everything the Compiler Driver produces from one module: the
// assembled code buffer plus the metadata the public Module surface exposes.
type CompileResult struct {
	Code []byte

	// FunctionBodies and FunctionStackHeights are keyed by function index and
	// populated only for functions with a body (not imports).
	FunctionBodies       map[uint32]uint32
	FunctionStackHeights map[uint32]uint32

	Imports  []ImportRecord
	Exports  []wasmbin.Export
	Memories []wasmbin.MemoryType
}

// driver is the compile-time scratch state threaded through one Compile call: the
// assembler under construction, the type table, and the GOT/ILS bookkeeping that
// lets a call operator resolve its target before that target's own body has
// necessarily been emitted.
type driver struct {
	cfg Config
	asm *asm.Assembler

	types map[uint32]wasmbin.FuncType

	got map[uint32]asm.Label // local function index -> label bound to its entry instruction
	ils map[uint32]asm.Label // imported function index -> label bound to its import relocation slot

	funcTypeIndex map[uint32]uint32 // function index (any kind) -> type index

	importSectionSeen  bool
	functionSectionSeen bool

	nextFuncIndex uint32

	imports              []ImportRecord
	exports              []wasmbin.Export
	memories             []wasmbin.MemoryType
	functionBodiesPending map[uint32]asm.Label // function index -> its GOT label, for finalization

	pendingBodyOrder []uint32 // local function indices, in the order their bodies are declared
	bodyCursor       int

	functionStackHeights map[uint32]uint32
}

// Compile lowers a validated WebAssembly binary module into a position-independent
// x86-64 code buffer plus its linkage metadata.
func Compile(data []byte, cfg Config) (*CompileResult, error) {
	d := &driver{
		cfg:                   cfg,
		asm:                   asm.NewAssembler(),
		types:                 map[uint32]wasmbin.FuncType{},
		got:                   map[uint32]asm.Label{},
		ils:                   map[uint32]asm.Label{},
		funcTypeIndex:         map[uint32]uint32{},
		functionBodiesPending: map[uint32]asm.Label{},
		functionStackHeights:  map[uint32]uint32{},
	}
	return d.compile(data)
}

func (d *driver) compile(data []byte) (*CompileResult, error) {
	log := d.cfg.trace()
	parser := wasmbin.NewParser()
	eof := false
	typeIndex := uint32(0)

	for {
		chunk, err := parser.Parse(data, eof)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParser, err)
		}
		switch chunk.Kind {
		case wasmbin.ChunkNeedMore:
			// data already holds the entire module by the time Compile is called;
			// NeedMore here means the input was truncated.
			return nil, fmt.Errorf("%w: truncated module", ErrParser)
		case wasmbin.ChunkEnd:
			return d.finalize()
		case wasmbin.ChunkParsed:
			switch chunk.Payload {
			case wasmbin.PayloadTypeSection:
				for _, t := range chunk.Types {
					d.types[typeIndex] = t
					typeIndex++
				}
				log.WithField("count", len(chunk.Types)).Debug("type section")
			case wasmbin.PayloadImportSection:
				if d.functionSectionSeen {
					return nil, ErrSectionOrder
				}
				d.importSectionSeen = true
				if err := d.compileImportSection(chunk.Imports); err != nil {
					return nil, err
				}
			case wasmbin.PayloadFunctionSection:
				d.functionSectionSeen = true
				d.compileFunctionSection(chunk.FunctionTypeIndices)
			case wasmbin.PayloadMemorySection:
				d.memories = append(d.memories, chunk.Memories...)
			case wasmbin.PayloadExportSection:
				d.exports = append(d.exports, chunk.Exports...)
			case wasmbin.PayloadCodeSectionEntry:
				if err := d.compileCodeSectionEntry(chunk.Code); err != nil {
					return nil, err
				}
			}
			data = data[chunk.Consumed:]
			eof = len(data) == 0
		}
	}
}

func (d *driver) compileImportSection(imports []wasmbin.Import) error {
	for _, imp := range imports {
		if imp.Kind != wasmbin.ImportKindFunc {
			continue
		}
		fn := d.nextFuncIndex
		d.nextFuncIndex++
		d.funcTypeIndex[fn] = imp.TypeIndex

		label := d.asm.NewLabel()
		d.asm.BindLabel(label)
		d.asm.Emit(asm.Instruction{Op: asm.OpRawQuad, Imm: int64(uint64(0xBADC0FFEE0DDF00D))})
		d.ils[fn] = label

		d.imports = append(d.imports, ImportRecord{Module: imp.Module, Field: imp.Field})
	}
	return nil
}

// compileFunctionSection reserves one GOT slot and mints one label per declared
// function. The slot is a fixed 8 zero bytes, reserved buffer space that the
// compiler itself never reads or patches; the label is left unbound here and is
// bound only later, in compileCodeSectionEntry, directly to the function's entry
// instruction -- so a call to it compiles to a direct relative call, not an
// indirect load through this slot.
func (d *driver) compileFunctionSection(typeIndices []uint32) {
	for _, ti := range typeIndices {
		fn := d.nextFuncIndex
		d.nextFuncIndex++
		d.funcTypeIndex[fn] = ti

		d.asm.Emit(asm.Instruction{Op: asm.OpRawQuad, Imm: 0})
		d.got[fn] = d.asm.NewLabel()

		d.pendingBodyOrder = append(d.pendingBodyOrder, fn)
	}
}

// compileCodeSectionEntry implements §4.4.1's 11-step function body emission for
// the next pending local function, in declaration order.
func (d *driver) compileCodeSectionEntry(entry *wasmbin.CodeEntry) error {
	if d.bodyCursor >= len(d.pendingBodyOrder) {
		return fmt.Errorf("%w: code section entry with no matching declared function", ErrParser)
	}
	fn := d.pendingBodyOrder[d.bodyCursor]
	d.bodyCursor++

	sig, ok := d.types[d.funcTypeIndex[fn]]
	if !ok {
		return fmt.Errorf("%w: function %d references unknown type index", ErrUnsupportedOperator, fn)
	}

	log := d.cfg.trace().WithField("function_index", fn)

	// Step 1: bind the GOT label here, at the function body's entry instruction --
	// its only binding. A local call (OpCallRel) targets this same label directly;
	// functionBodiesPending records it so finalization can recover the entry offset.
	d.asm.BindLabel(d.got[fn])
	d.functionBodiesPending[fn] = d.got[fn]

	// Step 2: prologue.
	d.asm.Emit(asm.Instruction{Op: asm.OpPushReg, Src: asm.REG_BP})
	d.asm.Emit(asm.Instruction{Op: asm.OpMovRegReg, Dst: asm.REG_BP, Src: asm.REG_SP})

	// Step 3: build the locals vector (params first, then declared locals).
	locals, localsSize, err := buildLocals(sig, entry.Locals)
	if err != nil {
		return err
	}

	// Step 4: allocate stack space for locals.
	if localsSize > 0 {
		d.asm.Emit(asm.Instruction{Op: asm.OpSubRegImm32, Dst: asm.REG_SP, Imm: int64(localsSize)})
	}

	// Step 5: move parameters into their local slots.
	if err := emitParamSpill(d.asm, sig.Params, locals); err != nil {
		return err
	}

	// Step 6/7: lower each operator, tracking peak operand-stack height.
	ops, maxDepth, err := wasmbin.Disassemble(entry, sig, typesSlice(d.types))
	if err != nil {
		return err
	}
	lw := newLowerer(d.asm, locals, d.got, d.ils, typesByIndex(d.types, d.funcTypeIndex))
	stackTop := int64(0)
	for _, op := range ops {
		if op.Name == "end" {
			continue
		}
		if err := lw.lowerOperator(op); err != nil {
			return fmt.Errorf("function %d: %w", fn, err)
		}
		stackTop += op.StackTopDiff
	}
	if stackTop != int64(len(sig.Results)) {
		return fmt.Errorf("%w: function %d leaves %d value(s) on the stack, declares %d result(s)",
			ErrStackMismatch, fn, stackTop, len(sig.Results))
	}

	// Step 8: record peak stack height.
	d.functionStackHeights[fn] = uint32(maxDepth)
	log.WithField("peak_stack_height", maxDepth).Debug("function body lowered")

	// Step 9: return lowering -- pop rax then rdx for the first two integer
	// returns; extras are not popped.
	if len(sig.Results) >= 1 {
		d.asm.Emit(asm.Instruction{Op: asm.OpPopReg, Dst: asm.REG_AX})
	}
	if len(sig.Results) >= 2 {
		d.asm.Emit(asm.Instruction{Op: asm.OpPopReg, Dst: asm.REG_DX})
	}

	// Step 10: deallocate locals.
	if localsSize > 0 {
		d.asm.Emit(asm.Instruction{Op: asm.OpAddRegImm32, Dst: asm.REG_SP, Imm: int64(localsSize)})
	}

	// Step 11: epilogue.
	d.asm.Emit(asm.Instruction{Op: asm.OpMovRegReg, Dst: asm.REG_SP, Src: asm.REG_BP})
	d.asm.Emit(asm.Instruction{Op: asm.OpPopReg, Dst: asm.REG_BP})
	d.asm.Emit(asm.Instruction{Op: asm.OpRet})

	return nil
}

// buildLocals lays out a function's parameters (in declaration order) followed by
// its declared local groups, each at a cumulative positive displacement below rbp.
func buildLocals(sig wasmbin.FuncType, localGroups []wasmbin.LocalEntry) ([]localSlot, int32, error) {
	var locals []localSlot
	var size int32

	for _, t := range sig.Params {
		n, err := EncodingSize(t)
		if err != nil {
			return nil, 0, err
		}
		size += int32(n)
		locals = append(locals, localSlot{disp: size, typ: t})
	}
	for _, group := range localGroups {
		n, err := EncodingSize(group.Type)
		if err != nil {
			return nil, 0, err
		}
		for i := uint32(0); i < group.Count; i++ {
			size += int32(n)
			locals = append(locals, localSlot{disp: size, typ: group.Type})
		}
	}
	return locals, size, nil
}

// emitParamSpill moves each parameter from its calling-convention location into
// its local slot. Integer registers are consumed in declaration order
// [rdi, rsi, rdx, rcx, r8, r9], matching callArgRegisters and local.get's
// forward addressing; once that queue is exhausted, overflow parameters are
// read from [rbp+extraArgsOffset] via the scratch register r11.
func emitParamSpill(a *asm.Assembler, params []api.ValueType, locals []localSlot) error {
	extraArgsOffset := int32(8) // past the return address

	for i, t := range params {
		size, err := EncodingSize(t)
		if err != nil {
			return err
		}
		disp := locals[i].disp
		if i < len(callArgRegisters) {
			reg := callArgRegisters[i]
			a.Emit(asm.Instruction{Op: asm.OpMovStore, Src: reg, Base: asm.REG_BP, Disp: -disp, Size: byte(size)})
		} else {
			a.Emit(asm.Instruction{Op: asm.OpMovLoad, Dst: asm.REG_R11, Base: asm.REG_BP, Disp: extraArgsOffset, Size: byte(size)})
			a.Emit(asm.Instruction{Op: asm.OpMovStore, Src: asm.REG_R11, Base: asm.REG_BP, Disp: -disp, Size: byte(size)})
			extraArgsOffset += int32(size)
		}
	}
	return nil
}

// finalize implements §4.4.2: optimize, bind labels and record entry points,
// assemble the final buffer, and resolve import slot offsets.
func (d *driver) finalize() (*CompileResult, error) {
	optimized, newLabels := Optimize(d.asm.Instructions(), d.asm.LabelIndices())
	d.asm.SetProgram(optimized, newLabels)

	offsets, err := d.asm.LabelOffsets()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssembler, err)
	}

	functionBodies := make(map[uint32]uint32, len(d.functionBodiesPending))
	for fn, label := range d.functionBodiesPending {
		functionBodies[fn] = uint32(offsets[label])
	}

	code, err := d.asm.Assemble()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssembler, err)
	}

	imports := d.resolveImportOffsets(offsets)

	return &CompileResult{
		Code:                 code,
		FunctionBodies:       functionBodies,
		FunctionStackHeights: d.functionStackHeights,
		Imports:              imports,
		Exports:              d.exports,
		Memories:             d.memories,
	}, nil
}

// resolveImportOffsets pairs each recorded import with its slot's final byte
// offset. Imports were appended in the same order their ils labels were minted,
// so the i'th func import pairs with the i'th entry of the ils map walked in
// function-index order.
func (d *driver) resolveImportOffsets(offsets map[asm.Label]int) []ImportRecord {
	fnIndices := make([]uint32, 0, len(d.ils))
	for fn := range d.ils {
		fnIndices = append(fnIndices, fn)
	}
	sortUint32(fnIndices)

	out := make([]ImportRecord, len(d.imports))
	for i, fn := range fnIndices {
		if i >= len(out) {
			break
		}
		out[i] = ImportRecord{
			Module: d.imports[i].Module,
			Field:  d.imports[i].Field,
			Offset: uint32(offsets[d.ils[fn]]),
		}
	}
	return out
}

func sortUint32(s []uint32) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func typesSlice(types map[uint32]wasmbin.FuncType) []wasmbin.FuncType {
	out := make([]wasmbin.FuncType, len(types))
	for i, t := range types {
		if int(i) < len(out) {
			out[i] = t
		}
	}
	return out
}

func typesByIndex(types map[uint32]wasmbin.FuncType, funcTypeIndex map[uint32]uint32) map[uint32]wasmbin.FuncType {
	out := make(map[uint32]wasmbin.FuncType, len(funcTypeIndex))
	for fn, ti := range funcTypeIndex {
		out[fn] = types[ti]
	}
	return out
}
