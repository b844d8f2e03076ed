package bfloat16

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConversions(t *testing.T) {
	for _, v := range []float32{0, 1, -1, 0.5, 2, 256, -1024, 3.140625} {
		assert.Equal(t, v, FromFloat32(v).Float32(), "value %g should be exactly representable", v)
	}

	// 1 + 2^-8 is halfway between 1 and 1+2^-7: ties to even rounds down to 1.
	halfway := math.Float32frombits(0x3F808000)
	assert.Equal(t, float32(1), FromFloat32(halfway).Float32())
	assert.Equal(t, float32(1.0078125), FromFloat32Truncated(math.Float32frombits(0x3F810000)).Float32())

	// Above halfway rounds up.
	above := math.Float32frombits(0x3F808001)
	assert.Equal(t, float32(1.0078125), FromFloat32(above).Float32())

	nan := FromFloat32(float32(math.NaN())).Float32()
	assert.True(t, nan != nan)
	assert.True(t, math.IsInf(float64(Inf(1).Float32()), 1))
	assert.True(t, math.IsInf(float64(Inf(-1).Float32()), -1))
	assert.Equal(t, "1.5", FromFloat64(1.5).String())
	assert.Equal(t, uint16(0x3F80), FromBits(0x3F80).Bits())
}
