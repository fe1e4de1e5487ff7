package leb128

import "errors"

// ErrOverflow is returned when an encoded number does not fit 64 bits.
var ErrOverflow = errors.New("leb128 value overflows 64 bits")

// ErrTruncated is returned when the input ends before the last byte of the
// number.
var ErrTruncated = errors.New("truncated leb128 value")

// DecodeUnsigned decodes an unsigned Little Endian Base 128 represented
// number at the start of buf and returns it with the number of bytes it
// occupies.
func DecodeUnsigned(buf []byte) (uint64, int, error) {
	var (
		result uint64
		shift  uint
	)

	for i, b := range buf {
		if shift >= 64 || (shift == 63 && b&0x7e != 0) {
			return 0, 0, ErrOverflow
		}
		result |= uint64(b&0x7f) << shift

		// If high order bit is 1.
		if b&0x80 == 0 {
			return result, i + 1, nil
		}

		shift += 7
	}

	return 0, 0, ErrTruncated
}

// DecodeSigned decodes a signed Little Endian Base 128 represented number
// at the start of buf and returns it with the number of bytes it occupies.
func DecodeSigned(buf []byte) (int64, int, error) {
	var (
		result int64
		shift  uint
	)

	for i, b := range buf {
		if shift >= 64 {
			return 0, 0, ErrOverflow
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result, i + 1, nil
		}
	}

	return 0, 0, ErrTruncated
}
