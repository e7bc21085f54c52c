package wasmbin

import (
	"bytes"
	"fmt"

	"github.com/paraexec/wasmaot/api"
	"github.com/paraexec/wasmaot/internal/leb128"
)

// ChunkKind is the tri-state result of one Parser.Parse call: a pull-based iterator
// modeled directly on the embedded parser's real shape, not a suspended task. See
// SPEC_FULL.md's "coroutine-free streaming" design note.
type ChunkKind int

const (
	ChunkNeedMore ChunkKind = iota
	ChunkParsed
	ChunkEnd
)

// PayloadKind identifies which field of Chunk is populated when Kind == ChunkParsed.
type PayloadKind int

const (
	PayloadTypeSection PayloadKind = iota
	PayloadImportSection
	PayloadFunctionSection
	PayloadExportSection
	PayloadMemorySection
	PayloadCodeSectionEntry
)

// Chunk is one parsed payload, the number of input bytes it consumed, or a
// NeedMore/End status. Exactly one of the payload fields is populated, selected by
// Payload, when Kind == ChunkParsed.
type Chunk struct {
	Kind     ChunkKind
	Payload  PayloadKind
	Consumed int

	Types               []FuncType
	Imports             []Import
	FunctionTypeIndices []uint32
	Exports             []Export
	Memories            []MemoryType
	Code                *CodeEntry
}

const (
	sectionCustom   = 0
	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionTable    = 4
	sectionMemory   = 5
	sectionGlobal   = 6
	sectionExport   = 7
	sectionStart    = 8
	sectionElement  = 9
	sectionCode     = 10
	sectionData     = 11
)

type parserPhase int

const (
	phaseHeader parserPhase = iota
	phaseSections
	phaseCodeEntries
	phaseDone
)

// Parser splits a WebAssembly binary module into section-level payloads, one
// Parse call at a time. It never reads ahead of what it is given: callers drive it
// by repeatedly handing over the remaining input and an end-of-input flag, exactly
// as the Compiler Driver's streaming loop is specified to do.
type Parser struct {
	phase                parserPhase
	codeEntriesRemaining uint32
}

// NewParser returns a Parser positioned at the start of a module.
func NewParser() *Parser {
	return &Parser{phase: phaseHeader}
}

// Parse consumes a prefix of data and returns the next Chunk. eof must be true once
// data holds everything remaining; Parse returns ChunkNeedMore rather than erroring
// when it cannot make progress without more bytes and eof is false.
func (p *Parser) Parse(data []byte, eof bool) (Chunk, error) {
	pos := 0

	if p.phase == phaseHeader {
		if len(data) < 8 {
			if eof {
				return Chunk{}, fmt.Errorf("wasmbin: truncated module header")
			}
			return Chunk{Kind: ChunkNeedMore}, nil
		}
		if !bytes.Equal(data[0:4], Magic[:]) {
			return Chunk{}, fmt.Errorf("wasmbin: bad magic number")
		}
		if !bytes.Equal(data[4:8], Version[:]) {
			return Chunk{}, fmt.Errorf("wasmbin: unsupported version")
		}
		pos = 8
		p.phase = phaseSections
	}

	if p.phase == phaseCodeEntries {
		chunk, n, err := p.parseCodeEntry(data[pos:])
		if err != nil {
			return Chunk{}, err
		}
		chunk.Consumed = pos + n
		if p.codeEntriesRemaining == 0 {
			p.phase = phaseSections
		}
		return chunk, nil
	}

	if p.phase == phaseSections {
		for {
			if pos >= len(data) {
				if eof {
					p.phase = phaseDone
					return Chunk{Kind: ChunkEnd}, nil
				}
				return Chunk{Kind: ChunkNeedMore}, nil
			}
			r := bytes.NewReader(data[pos:])
			id, err := r.ReadByte()
			if err != nil {
				return Chunk{}, err
			}
			size, sizeLen, err := leb128.DecodeUint32(r)
			if err != nil {
				if !eof {
					return Chunk{Kind: ChunkNeedMore}, nil
				}
				return Chunk{}, fmt.Errorf("wasmbin: truncated section header: %w", err)
			}
			headerLen := 1 + int(sizeLen)
			if pos+headerLen+int(size) > len(data) {
				if !eof {
					return Chunk{Kind: ChunkNeedMore}, nil
				}
				return Chunk{}, fmt.Errorf("wasmbin: truncated section body")
			}
			body := data[pos+headerLen : pos+headerLen+int(size)]
			consumedSoFar := pos + headerLen + int(size)

			switch id {
			case sectionType:
				types, err := decodeTypeSection(body)
				if err != nil {
					return Chunk{}, err
				}
				return Chunk{Kind: ChunkParsed, Payload: PayloadTypeSection, Consumed: consumedSoFar, Types: types}, nil
			case sectionImport:
				imports, err := decodeImportSection(body)
				if err != nil {
					return Chunk{}, err
				}
				return Chunk{Kind: ChunkParsed, Payload: PayloadImportSection, Consumed: consumedSoFar, Imports: imports}, nil
			case sectionFunction:
				indices, err := decodeFunctionSection(body)
				if err != nil {
					return Chunk{}, err
				}
				return Chunk{Kind: ChunkParsed, Payload: PayloadFunctionSection, Consumed: consumedSoFar, FunctionTypeIndices: indices}, nil
			case sectionMemory:
				mems, err := decodeMemorySection(body)
				if err != nil {
					return Chunk{}, err
				}
				return Chunk{Kind: ChunkParsed, Payload: PayloadMemorySection, Consumed: consumedSoFar, Memories: mems}, nil
			case sectionExport:
				exports, err := decodeExportSection(body)
				if err != nil {
					return Chunk{}, err
				}
				return Chunk{Kind: ChunkParsed, Payload: PayloadExportSection, Consumed: consumedSoFar, Exports: exports}, nil
			case sectionCode:
				br := bytes.NewReader(body)
				count, n, err := leb128.DecodeUint32(br)
				if err != nil {
					return Chunk{}, fmt.Errorf("wasmbin: code section count: %w", err)
				}
				if count == 0 {
					pos = consumedSoFar
					continue
				}
				p.codeEntriesRemaining = count
				p.phase = phaseCodeEntries
				chunk, entryLen, err := p.parseCodeEntry(body[n:])
				if err != nil {
					return Chunk{}, err
				}
				chunk.Consumed = pos + headerLen + int(n) + entryLen
				if p.codeEntriesRemaining == 0 {
					p.phase = phaseSections
				}
				return chunk, nil
			default:
				// Custom/Table/Global/Start/Element/Data sections carry no
				// emission side effect for this compiler; skip them.
				pos = consumedSoFar
				continue
			}
		}
	}

	return Chunk{Kind: ChunkEnd}, nil
}

// parseCodeEntry decodes exactly one (body_size, body_bytes) pair from the front of
// data and decrements the remaining-entry counter.
func (p *Parser) parseCodeEntry(data []byte) (Chunk, int, error) {
	r := bytes.NewReader(data)
	size, sizeLen, err := leb128.DecodeUint32(r)
	if err != nil {
		return Chunk{}, 0, fmt.Errorf("wasmbin: code entry size: %w", err)
	}
	if int(sizeLen)+int(size) > len(data) {
		return Chunk{}, 0, fmt.Errorf("wasmbin: truncated code entry")
	}
	body := data[sizeLen : int(sizeLen)+int(size)]
	entry, err := decodeCodeEntry(body)
	if err != nil {
		return Chunk{}, 0, err
	}
	p.codeEntriesRemaining--
	return Chunk{Kind: ChunkParsed, Payload: PayloadCodeSectionEntry, Code: entry}, int(sizeLen) + int(size), nil
}

func decodeTypeSection(body []byte) ([]FuncType, error) {
	r := bytes.NewReader(body)
	count, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("wasmbin: type section count: %w", err)
	}
	types := make([]FuncType, 0, count)
	for i := uint32(0); i < count; i++ {
		form, err := r.ReadByte()
		if err != nil || form != 0x60 {
			return nil, fmt.Errorf("wasmbin: expected func type form 0x60")
		}
		params, err := decodeValueTypeVec(r)
		if err != nil {
			return nil, err
		}
		results, err := decodeValueTypeVec(r)
		if err != nil {
			return nil, err
		}
		types = append(types, FuncType{Params: params, Results: results})
	}
	return types, nil
}

func decodeValueTypeVec(r *bytes.Reader) ([]api.ValueType, error) {
	count, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("wasmbin: value type vector count: %w", err)
	}
	vals := make([]api.ValueType, count)
	for i := range vals {
		b, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("wasmbin: value type: %w", err)
		}
		vals[i] = b
	}
	return vals, nil
}

func decodeImportSection(body []byte) ([]Import, error) {
	r := bytes.NewReader(body)
	count, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("wasmbin: import section count: %w", err)
	}
	imports := make([]Import, 0, count)
	for i := uint32(0); i < count; i++ {
		mod, err := decodeName(r)
		if err != nil {
			return nil, err
		}
		field, err := decodeName(r)
		if err != nil {
			return nil, err
		}
		kindByte, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("wasmbin: import kind: %w", err)
		}
		imp := Import{Module: mod, Field: &field, Kind: ImportKind(kindByte)}
		switch imp.Kind {
		case ImportKindFunc:
			idx, _, err := leb128.DecodeUint32(r)
			if err != nil {
				return nil, fmt.Errorf("wasmbin: import type index: %w", err)
			}
			imp.TypeIndex = idx
		case ImportKindTable:
			if _, err := skipTableType(r); err != nil {
				return nil, err
			}
		case ImportKindMemory:
			if _, err := decodeLimits(r); err != nil {
				return nil, err
			}
		case ImportKindGlobal:
			if _, err := r.ReadByte(); err != nil { // value type
				return nil, err
			}
			if _, err := r.ReadByte(); err != nil { // mutability
				return nil, err
			}
		default:
			return nil, fmt.Errorf("wasmbin: unknown import kind %#x", kindByte)
		}
		imports = append(imports, imp)
	}
	return imports, nil
}

func skipTableType(r *bytes.Reader) (struct{}, error) {
	if _, err := r.ReadByte(); err != nil { // elem type
		return struct{}{}, err
	}
	_, err := decodeLimits(r)
	return struct{}{}, err
}

func decodeLimits(r *bytes.Reader) (MemoryType, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return MemoryType{}, fmt.Errorf("wasmbin: limits flags: %w", err)
	}
	memory64 := flags&0x04 != 0
	hasMax := flags&0x01 != 0
	var min uint64
	if memory64 {
		v, _, err := leb128.DecodeUint64(r)
		if err != nil {
			return MemoryType{}, err
		}
		min = v
	} else {
		v, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return MemoryType{}, err
		}
		min = uint64(v)
	}
	mt := MemoryType{Memory64: memory64, Min: min}
	if hasMax {
		var max uint64
		if memory64 {
			v, _, err := leb128.DecodeUint64(r)
			if err != nil {
				return MemoryType{}, err
			}
			max = v
		} else {
			v, _, err := leb128.DecodeUint32(r)
			if err != nil {
				return MemoryType{}, err
			}
			max = uint64(v)
		}
		mt.Max = &max
	}
	return mt, nil
}

func decodeFunctionSection(body []byte) ([]uint32, error) {
	r := bytes.NewReader(body)
	count, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("wasmbin: function section count: %w", err)
	}
	indices := make([]uint32, count)
	for i := range indices {
		v, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, fmt.Errorf("wasmbin: function type index: %w", err)
		}
		indices[i] = v
	}
	return indices, nil
}

func decodeMemorySection(body []byte) ([]MemoryType, error) {
	r := bytes.NewReader(body)
	count, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("wasmbin: memory section count: %w", err)
	}
	mems := make([]MemoryType, count)
	for i := range mems {
		mt, err := decodeLimits(r)
		if err != nil {
			return nil, err
		}
		mems[i] = mt
	}
	return mems, nil
}

func decodeExportSection(body []byte) ([]Export, error) {
	r := bytes.NewReader(body)
	count, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("wasmbin: export section count: %w", err)
	}
	exports := make([]Export, count)
	for i := range exports {
		name, err := decodeName(r)
		if err != nil {
			return nil, err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("wasmbin: export kind: %w", err)
		}
		idx, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, fmt.Errorf("wasmbin: export index: %w", err)
		}
		exports[i] = Export{Name: name, Kind: kind, Index: idx}
	}
	return exports, nil
}

func decodeCodeEntry(body []byte) (*CodeEntry, error) {
	r := bytes.NewReader(body)
	localGroupCount, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("wasmbin: code entry local group count: %w", err)
	}
	locals := make([]LocalEntry, localGroupCount)
	for i := range locals {
		count, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, fmt.Errorf("wasmbin: local group count: %w", err)
		}
		typ, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("wasmbin: local group type: %w", err)
		}
		locals[i] = LocalEntry{Count: count, Type: typ}
	}
	rest := make([]byte, r.Len())
	if _, err := r.Read(rest); err != nil && r.Len() != 0 {
		return nil, fmt.Errorf("wasmbin: code entry body: %w", err)
	}
	return &CodeEntry{Locals: locals, Code: rest}, nil
}

func decodeName(r *bytes.Reader) (string, error) {
	n, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return "", fmt.Errorf("wasmbin: name length: %w", err)
	}
	buf := make([]byte, n)
	if _, err := r.Read(buf); err != nil && n != 0 {
		return "", fmt.Errorf("wasmbin: name bytes: %w", err)
	}
	return string(buf), nil
}
