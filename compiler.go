package wasmaot

import (
	"github.com/paraexec/wasmaot/internal/compiler"
)

// Compile lowers a validated WebAssembly binary module into an AssembledModule:
// a position-independent x86-64 code buffer plus the linkage metadata an external
// emulator or host process needs to map it, patch its imports, and jump in.
//
// A nil cfg is equivalent to NewCompilerConfig().
func Compile(data []byte, cfg *CompilerConfig) (*AssembledModule, error) {
	result, err := compiler.Compile(data, cfg.toInternal())
	if err != nil {
		return nil, err
	}
	return newModule(result), nil
}
