// Package dtypes includes the DType enum for the data types handled by the tensix runtime.
//
// Besides the usual machine types, it includes the accelerator's block-float formats (BFloat8B and BFloat4B),
// which pack a shared exponent per block of 16 values. Those are only representable in tiled layout and are
// stored in host memory as []uint32 words -- see package layout for the packing.
//
// It includes converters to/from Go native types (and reflect.Type), a zero-initialised flat buffer allocator
// (MakeFlat), and constraint interfaces to be used with generics.
package dtypes

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/gomlx/tensix/pkg/core/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType enumerates the element types of a tensor.
type DType int32

const (
	// InvalidDType is the zero value, and it's not a valid data type.
	InvalidDType DType = iota

	// Float32 is the IEEE-754 single precision float.
	Float32

	// BFloat16 is the "brain float": float32 truncated to its 16 most significant bits.
	BFloat16

	// Float16 is the IEEE-754 half precision float.
	Float16

	// Uint32 is an unsigned 32 bits integer.
	Uint32

	// Int32 is a signed 32 bits integer.
	Int32

	// Uint16 is an unsigned 16 bits integer.
	Uint16

	// Uint8 is an unsigned 8 bits integer.
	Uint8

	// BFloat8B is a block-float format: one shared 8 bits exponent per 16 values, and 8 bits (sign + 7 bits
	// mantissa) per value. It only exists in tiled layout, packed in uint32 words.
	BFloat8B

	// BFloat4B is a block-float format: one shared 8 bits exponent per 16 values, and 4 bits (sign + 3 bits
	// mantissa) per value. It only exists in tiled layout, packed in uint32 words.
	BFloat4B
)

var dtypeNames = map[DType]string{
	InvalidDType: "InvalidDType",
	Float32:      "Float32",
	BFloat16:     "BFloat16",
	Float16:      "Float16",
	Uint32:       "Uint32",
	Int32:        "Int32",
	Uint16:       "Uint16",
	Uint8:        "Uint8",
	BFloat8B:     "BFloat8B",
	BFloat4B:     "BFloat4B",
}

// MapOfNames maps names (and their lower-case version) to DTypes.
var MapOfNames = func() map[string]DType {
	m := make(map[string]DType, 2*len(dtypeNames))
	for dtype, name := range dtypeNames {
		if dtype == InvalidDType {
			continue
		}
		m[name] = dtype
		m[strings.ToLower(name)] = dtype
	}
	// Common aliases.
	m["f32"] = Float32
	m["bf16"] = BFloat16
	m["f16"] = Float16
	m["bfp8"] = BFloat8B
	m["bfp4"] = BFloat4B
	return m
}()

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, found := dtypeNames[dtype]; found {
		return name
	}
	return fmt.Sprintf("DType(%d)", int32(dtype))
}

// Parse returns the DType for the given name (case-insensitive, aliases like "bf16" or "bfp8" accepted).
func Parse(name string) (DType, error) {
	if dtype, found := MapOfNames[name]; found {
		return dtype, nil
	}
	if dtype, found := MapOfNames[strings.ToLower(name)]; found {
		return dtype, nil
	}
	return InvalidDType, errors.Errorf("unknown dtype %q", name)
}

// IsPacked returns whether the dtype is a block-float format packed into uint32 words.
func (dtype DType) IsPacked() bool {
	return dtype == BFloat8B || dtype == BFloat4B
}

// IsFloat returns whether dtype is a floating point type (including the block-float formats).
func (dtype DType) IsFloat() bool {
	switch dtype {
	case Float32, BFloat16, Float16, BFloat8B, BFloat4B:
		return true
	}
	return false
}

// IsValid returns whether dtype is one of the enumerated data types.
func (dtype DType) IsValid() bool {
	_, found := dtypeNames[dtype]
	return found && dtype != InvalidDType
}

// Pre-generate constant reflect.TypeOf for convenience.
var (
	float32Type  = reflect.TypeOf(float32(0))
	float16Type  = reflect.TypeOf(float16.Float16(0))
	bfloat16Type = reflect.TypeOf(bfloat16.BFloat16(0))
	uint32Type   = reflect.TypeOf(uint32(0))
	int32Type    = reflect.TypeOf(int32(0))
	uint16Type   = reflect.TypeOf(uint16(0))
	uint8Type    = reflect.TypeOf(uint8(0))
)

// GoType returns the Go `reflect.Type` used to store one element (or one packed word) of the DType.
//
// Packed block-float formats are stored as uint32 words.
func (dtype DType) GoType() reflect.Type {
	switch dtype {
	case Float32:
		return float32Type
	case BFloat16:
		return bfloat16Type
	case Float16:
		return float16Type
	case Uint32, BFloat8B, BFloat4B:
		return uint32Type
	case Int32:
		return int32Type
	case Uint16:
		return uint16Type
	case Uint8:
		return uint8Type
	default:
		panic(errors.Errorf("unknown dtype %s in DType.GoType", dtype))
	}
}

// Bits returns the number of bits per element. For packed formats it doesn't include the shared exponents.
func (dtype DType) Bits() int {
	switch dtype {
	case BFloat8B:
		return 8
	case BFloat4B:
		return 4
	}
	return int(dtype.GoType().Size()) * 8
}

// FromGoType returns the DType for the given "reflect.Type", or InvalidDType if not supported.
// uint32 maps to Uint32: packed formats can't be inferred from the Go type.
func FromGoType(t reflect.Type) DType {
	switch t {
	case float32Type:
		return Float32
	case bfloat16Type:
		return BFloat16
	case float16Type:
		return Float16
	case uint32Type:
		return Uint32
	case int32Type:
		return Int32
	case uint16Type:
		return Uint16
	case uint8Type:
		return Uint8
	}
	return InvalidDType
}

// FromAny introspects the underlying type of any and returns the corresponding DType.
func FromAny(value any) DType {
	return FromGoType(reflect.TypeOf(value))
}

// FromFlat returns the DType of the elements of a flat slice (e.g. []float32), or InvalidDType if not supported.
func FromFlat(flat any) DType {
	t := reflect.TypeOf(flat)
	if t == nil || t.Kind() != reflect.Slice {
		return InvalidDType
	}
	return FromGoType(t.Elem())
}

// Supported lists the Go types that can be used as tensor element storage.
// Used as traits for generics.
type Supported interface {
	float32 | bfloat16.BFloat16 | float16.Float16 | uint32 | int32 | uint16 | uint8
}

// FromGenericsType returns the DType enum for the given type.
func FromGenericsType[T Supported]() DType {
	var t T
	return FromAny(t)
}

// MakeFlat allocates a zero-initialised flat slice ([]T for the dtype's Go type) with numElements words.
//
// The zero-initialisation is relied upon by the layout conversions: padding positions are never written.
func MakeFlat(dtype DType, numElements int) any {
	return reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), numElements, numElements).Interface()
}

// FlatLen returns the length of a flat slice created with MakeFlat (or any slice).
func FlatLen(flat any) int {
	return reflect.ValueOf(flat).Len()
}

// CloneFlat returns a copy of the given flat slice.
func CloneFlat(flat any) any {
	v := reflect.ValueOf(flat)
	clone := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
	reflect.Copy(clone, v)
	return clone.Interface()
}

// ToFloat32 converts a value of any of the Supported types to float32.
func ToFloat32[T Supported](v T) float32 {
	switch x := any(v).(type) {
	case float32:
		return x
	case bfloat16.BFloat16:
		return x.Float32()
	case float16.Float16:
		return x.Float32()
	case uint32:
		return float32(x)
	case int32:
		return float32(x)
	case uint16:
		return float32(x)
	case uint8:
		return float32(x)
	}
	return 0
}

// FromFloat64 converts a float64 to any of the Supported types, truncating towards zero for integers.
func FromFloat64[T Supported](v float64) T {
	var t T
	switch any(t).(type) {
	case float32:
		return any(float32(v)).(T)
	case bfloat16.BFloat16:
		return any(bfloat16.FromFloat64(v)).(T)
	case float16.Float16:
		return any(float16.Fromfloat32(float32(v))).(T)
	case uint32:
		return any(uint32(v)).(T)
	case int32:
		return any(int32(v)).(T)
	case uint16:
		return any(uint16(v)).(T)
	case uint8:
		return any(uint8(v)).(T)
	}
	return t
}
