// Package leb128 implements the variable-length integer encodings used throughout the
// WebAssembly binary format: unsigned LEB128 for sizes and indices, signed LEB128 for
// constants.
package leb128

import (
	"errors"
	"io"
)

// ErrOverflow is returned when a varint would not fit in the requested width.
var ErrOverflow = errors.New("leb128: overflow")

// DecodeUint32 reads an unsigned LEB128 varint from r, returning its value and the
// number of bytes consumed.
func DecodeUint32(r io.ByteReader) (uint32, uint32, error) {
	v, n, err := decodeUnsigned(r, 32)
	return uint32(v), n, err
}

// DecodeUint64 reads an unsigned LEB128 varint from r.
func DecodeUint64(r io.ByteReader) (uint64, uint32, error) {
	return decodeUnsigned(r, 64)
}

// DecodeInt32 reads a signed LEB128 varint from r.
func DecodeInt32(r io.ByteReader) (int32, uint32, error) {
	v, n, err := decodeSigned(r, 32)
	return int32(v), n, err
}

// DecodeInt64 reads a signed LEB128 varint from r.
func DecodeInt64(r io.ByteReader) (int64, uint32, error) {
	return decodeSigned(r, 64)
}

func decodeUnsigned(r io.ByteReader, size int) (uint64, uint32, error) {
	var result uint64
	var shift uint
	var n uint32
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, n, err
		}
		n++
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
		if shift >= uint(size)+7 {
			return 0, n, ErrOverflow
		}
	}
	return result, n, nil
}

func decodeSigned(r io.ByteReader, size int) (int64, uint32, error) {
	var result int64
	var shift uint
	var n uint32
	var b byte
	var err error
	for {
		b, err = r.ReadByte()
		if err != nil {
			return 0, n, err
		}
		n++
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
		if shift >= uint(size)+7 {
			return 0, n, ErrOverflow
		}
	}
	if shift < uint(size) && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, n, nil
}

// EncodeUint32 appends the unsigned LEB128 encoding of v to buf, returning the result.
func EncodeUint32(buf []byte, v uint32) []byte {
	return EncodeUint64(buf, uint64(v))
}

// EncodeUint64 appends the unsigned LEB128 encoding of v to buf, returning the result.
func EncodeUint64(buf []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if v == 0 {
			return buf
		}
	}
}

// EncodeInt32 appends the signed LEB128 encoding of v to buf, returning the result.
func EncodeInt32(buf []byte, v int32) []byte {
	return EncodeInt64(buf, int64(v))
}

// EncodeInt64 appends the signed LEB128 encoding of v to buf, returning the result.
func EncodeInt64(buf []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		signBitSet := b&0x40 != 0
		if (v == 0 && !signBitSet) || (v == -1 && signBitSet) {
			buf = append(buf, b)
			return buf
		}
		buf = append(buf, b|0x80)
	}
}
