package compiler

import (
	"fmt"

	"github.com/paraexec/wasmaot/api"
)

// EncodingSize returns the byte width t occupies on the native stack. The four
// numeric scalars and v128 have a defined size; everything else (references, block
// types) is reachable only through features not yet lowered and fails with
// ErrUnsupportedType.
func EncodingSize(t api.ValueType) (int, error) {
	switch t {
	case api.ValueTypeI32, api.ValueTypeF32:
		return 4, nil
	case api.ValueTypeI64, api.ValueTypeF64:
		return 8, nil
	case api.ValueTypeV128:
		return 16, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedType, api.ValueTypeName(t))
}
