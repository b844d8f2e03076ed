// Package bfloat16 implements the bfloat16 ("brain float") element type used by the accelerator,
// based on https://github.com/x448/float16.
package bfloat16

import (
	"math"
	"strconv"
)

// BFloat16 is the upper 16 bits of an IEEE-754 float32: 1 bit sign, 8 bits exponent and 7 bits mantissa.
// It keeps the float32 dynamic range with reduced precision.
type BFloat16 uint16

// Float32 converts the BFloat16 to a float32. It's exact.
func (f BFloat16) Float32() float32 {
	return math.Float32frombits(uint32(f) << 16)
}

// FromFloat32 converts a float32 to a BFloat16, rounding to the nearest value (ties to even).
// NaNs are kept as (quiet) NaNs.
func FromFloat32(x float32) BFloat16 {
	bits := math.Float32bits(x)
	if x != x { // NaN
		return BFloat16(bits>>16 | 0x0040)
	}
	rounding := uint32(0x7FFF) + (bits>>16)&1
	return BFloat16((bits + rounding) >> 16)
}

// FromFloat32Truncated converts a float32 to a BFloat16 by dropping the lower 16 bits.
func FromFloat32Truncated(x float32) BFloat16 {
	return BFloat16(math.Float32bits(x) >> 16)
}

// FromFloat64 converts a float64 to a BFloat16, see FromFloat32.
func FromFloat64(x float64) BFloat16 {
	return FromFloat32(float32(x))
}

// FromBits convert an uint16 to a BFloat16.
func FromBits(bits uint16) BFloat16 {
	return BFloat16(bits)
}

// Bits returns the raw bits of the BFloat16.
func (f BFloat16) Bits() uint16 {
	return uint16(f)
}

// String implements fmt.Stringer, and prints a float representation of the BFloat16.
func (f BFloat16) String() string {
	return strconv.FormatFloat(float64(f.Float32()), 'f', -1, 32)
}

// Inf returns a BFloat16 with an infinity value with the specified sign.
// A sign >= 0 returns positive infinity.
// A sign < 0 returns negative infinity.
func Inf(sign int) BFloat16 {
	return FromFloat32Truncated(float32(math.Inf(sign)))
}
