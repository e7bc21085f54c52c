package wasmbin

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paraexec/wasmaot/api"
)

func header() []byte {
	return []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
}

func TestParser_RejectsBadMagic(t *testing.T) {
	p := NewParser()
	data := []byte{0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00}
	_, err := p.Parse(data, true)
	require.Error(t, err)
}

func TestParser_NeedsMoreOnShortHeader(t *testing.T) {
	p := NewParser()
	chunk, err := p.Parse([]byte{0x00, 0x61}, false)
	require.NoError(t, err)
	require.Equal(t, ChunkNeedMore, chunk.Kind)
}

func TestParser_EmptyModuleEndsCleanly(t *testing.T) {
	p := NewParser()
	chunk, err := p.Parse(header(), true)
	require.NoError(t, err)
	require.Equal(t, ChunkEnd, chunk.Kind)
}

func TestParser_TypeSection(t *testing.T) {
	data := append(header(),
		sectionType, 0x05, // section id, size
		0x01,                   // one type
		0x60,                   // func form
		0x01, api.ValueTypeI32, // one param: i32
		0x00, // zero results
	)
	p := NewParser()
	chunk, err := p.Parse(data, true)
	require.NoError(t, err)
	require.Equal(t, ChunkParsed, chunk.Kind)
	require.Equal(t, PayloadTypeSection, chunk.Payload)
	require.Len(t, chunk.Types, 1)
	require.Equal(t, []api.ValueType{api.ValueTypeI32}, chunk.Types[0].Params)
	require.Empty(t, chunk.Types[0].Results)
}

func TestParser_ImportSectionDistinguishesNilAndEmptyField(t *testing.T) {
	data := append(header(),
		sectionImport, 0x06,
		0x01,                // one import
		0x01, 'm',           // module name "m"
		0x00,                // field name "" (zero length, present)
		byte(ImportKindFunc),
		0x00, // type index 0
	)
	p := NewParser()
	chunk, err := p.Parse(data, true)
	require.NoError(t, err)
	require.Equal(t, PayloadImportSection, chunk.Payload)
	require.Len(t, chunk.Imports, 1)
	require.NotNil(t, chunk.Imports[0].Field)
	require.Equal(t, "", *chunk.Imports[0].Field)
}

func TestParser_SkipsUnknownSections(t *testing.T) {
	data := append(header(),
		sectionGlobal, 0x02, 0xAA, 0xBB, // opaque, skipped
		sectionFunction, 0x02, 0x01, 0x00, // one function, type index 0
	)
	p := NewParser()
	chunk, err := p.Parse(data, true)
	require.NoError(t, err)
	require.Equal(t, PayloadFunctionSection, chunk.Payload)
	require.Equal(t, []uint32{0}, chunk.FunctionTypeIndices)
}

func TestParser_CodeSectionEntry(t *testing.T) {
	// one code entry: no locals, code = [0x0b] (end); entry_size=2
	content := []byte{0x01, 0x02, 0x00, 0x0b}
	data := append(header(), sectionCode, byte(len(content)))
	data = append(data, content...)
	p := NewParser()
	chunk, err := p.Parse(data, true)
	require.NoError(t, err)
	require.Equal(t, PayloadCodeSectionEntry, chunk.Payload)
	require.NotNil(t, chunk.Code)
	require.Equal(t, []byte{0x0b}, chunk.Code.Code)

	chunk, err = p.Parse(nil, true)
	require.NoError(t, err)
	require.Equal(t, ChunkEnd, chunk.Kind)
}

func TestParser_ExportSection(t *testing.T) {
	data := append(header(),
		sectionExport, 0x07,
		0x01,                     // one export
		0x03, 'a', 'd', 'd',      // name "add"
		byte(api.ExternTypeFunc), // kind
		0x00,                     // index
	)
	p := NewParser()
	chunk, err := p.Parse(data, true)
	require.NoError(t, err)
	require.Equal(t, PayloadExportSection, chunk.Payload)
	require.Equal(t, "add", chunk.Exports[0].Name)
}
