package api

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExternTypeName(t *testing.T) {
	tests := []struct {
		name     string
		input    ExternType
		expected string
	}{
		{"func", ExternTypeFunc, "func"},
		{"table", ExternTypeTable, "table"},
		{"mem", ExternTypeMemory, "memory"},
		{"global", ExternTypeGlobal, "global"},
		{"unknown", 100, "0x64"},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, ExternTypeName(tc.input))
		})
	}
}

func TestValueTypeName(t *testing.T) {
	tests := []struct {
		name     string
		input    ValueType
		expected string
	}{
		{"i32", ValueTypeI32, "i32"},
		{"i64", ValueTypeI64, "i64"},
		{"f32", ValueTypeF32, "f32"},
		{"f64", ValueTypeF64, "f64"},
		{"v128", ValueTypeV128, "v128"},
		{"funcref", ValueTypeFuncref, "funcref"},
		{"externref", ValueTypeExternref, "externref"},
		{"unknown", 0, "unknown"},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, ValueTypeName(tc.input))
		})
	}
}

func TestIsNumeric(t *testing.T) {
	tests := []struct {
		name     string
		input    ValueType
		expected bool
	}{
		{"i32", ValueTypeI32, true},
		{"i64", ValueTypeI64, true},
		{"f32", ValueTypeF32, true},
		{"f64", ValueTypeF64, true},
		{"v128", ValueTypeV128, false},
		{"funcref", ValueTypeFuncref, false},
		{"externref", ValueTypeExternref, false},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, IsNumeric(tc.input))
		})
	}
}
