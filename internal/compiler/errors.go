package compiler

import "errors"

// Sentinel errors returned by Compile and its collaborators. Every unhandled
// operator or type reaches one of these rather than panicking -- see the REDESIGN
// FLAGS and Open Question 4 discussion in SPEC_FULL.md: a validator configured to
// accept a feature this assembler cannot lower must fail the compile, not crash the
// process.
var (
	// ErrParser is returned when the binary container itself cannot be decoded:
	// bad magic, bad version, truncated section, or a malformed vector length.
	ErrParser = errors.New("compiler: parser error")

	// ErrAssembler is returned when the assembler cannot resolve a program:
	// an unbound label, an out-of-range label index, or an unencodable instruction.
	ErrAssembler = errors.New("compiler: assembler error")

	// ErrUnsupportedType is returned for any WebAssembly value type outside the
	// four numeric scalars and v128 (references, block types).
	ErrUnsupportedType = errors.New("compiler: unsupported value type")

	// ErrUnsupportedOperator is returned for any WebAssembly operator outside the
	// numeric/local/call/const subset this lowerer implements.
	ErrUnsupportedOperator = errors.New("compiler: unsupported operator")

	// ErrStackMismatch is returned when a function body's operand stack does not
	// return to its declared result arity.
	ErrStackMismatch = errors.New("compiler: operand stack arity mismatch")

	// ErrSectionOrder is returned when the Import section does not fully precede
	// the Function section; this compiler does not tolerate a reordered stream,
	// even though nothing in the binary format strictly requires a parser to care.
	ErrSectionOrder = errors.New("compiler: import section must precede function section")
)
