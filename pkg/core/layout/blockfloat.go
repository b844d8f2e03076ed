package layout

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/tensix/pkg/core/dtypes"
	"github.com/gomlx/tensix/pkg/core/errs"
)

// Block-float tiles are packed as: one exponent byte per block of BlockFloatBlockSize consecutive (tiled
// order) values, followed by the sign-and-mantissa codes of all values in the tile (one byte per value for
// BFloat8B, one nibble per value for BFloat4B, low nibble first). The bytes are stored in little-endian
// uint32 words, and each tile starts on a word boundary.

// mantissaBits returns the number of mantissa bits (excluding the sign) of a packed dtype.
func mantissaBits(dtype dtypes.DType) int {
	return dtype.Bits() - 1
}

// PackedTileBytes returns the number of bytes used by one tile of the packed dtype.
func PackedTileBytes(tile Tile, dtype dtypes.DType) int {
	volume := tile.Volume()
	return volume/BlockFloatBlockSize + volume*dtype.Bits()/8
}

// PackedTileWords returns the number of uint32 words used by one tile of the packed dtype.
func PackedTileWords(tile Tile, dtype dtypes.DType) int {
	return (PackedTileBytes(tile, dtype) + 3) / 4
}

// PackedLen returns the number of uint32 words needed to store numElements (a multiple of the tile volume)
// in the packed dtype.
func PackedLen(numElements int, tile Tile, dtype dtypes.DType) int {
	return numElements / tile.Volume() * PackedTileWords(tile, dtype)
}

func checkPackable(numElements int, tile Tile, dtype dtypes.DType) error {
	if !dtype.IsPacked() {
		return errs.UnsupportedDataTypef("%s is not a block-float dtype", dtype)
	}
	if tile.Volume()%BlockFloatBlockSize != 0 {
		return errs.Preconditionf("tile %s volume must be a multiple of %d for %s", tile, BlockFloatBlockSize, dtype)
	}
	if numElements%tile.Volume() != 0 {
		return errs.Preconditionf("%d elements is not a multiple of the tile %s volume, required for %s",
			numElements, tile, dtype)
	}
	return nil
}

// PackBlockFloat quantizes a float32 buffer in tiled layout into the block-float dtype (BFloat8B or BFloat4B).
//
// Each block of 16 values shares the largest exponent of the block; values much smaller than the largest
// one lose precision, or are flushed to zero.
func PackBlockFloat(tiled []float32, tile Tile, dtype dtypes.DType) ([]uint32, error) {
	if err := checkPackable(len(tiled), tile, dtype); err != nil {
		return nil, err
	}
	tileVolume := tile.Volume()
	numTiles := len(tiled) / tileVolume
	tileWords := PackedTileWords(tile, dtype)
	packed := make([]uint32, numTiles*tileWords)
	mantBits := mantissaBits(dtype)
	Pool.ParallelFor(numTiles, func(tileIdx int) {
		buf := make([]byte, tileWords*4)
		values := tiled[tileIdx*tileVolume : (tileIdx+1)*tileVolume]
		numBlocks := tileVolume / BlockFloatBlockSize
		codes := make([]uint8, BlockFloatBlockSize)
		for block := range numBlocks {
			blockValues := values[block*BlockFloatBlockSize : (block+1)*BlockFloatBlockSize]
			buf[block] = quantizeBlock(blockValues, mantBits, codes)
			for i, code := range codes {
				pos := block*BlockFloatBlockSize + i
				if mantBits == 7 {
					buf[numBlocks+pos] = code
				} else {
					buf[numBlocks+pos/2] |= code << (4 * (pos % 2))
				}
			}
		}
		words := packed[tileIdx*tileWords : (tileIdx+1)*tileWords]
		for i := range words {
			words[i] = binary.LittleEndian.Uint32(buf[4*i:])
		}
	})
	return packed, nil
}

// UnpackBlockFloat converts numElements values of a block-float buffer back to float32, in tiled layout.
func UnpackBlockFloat(packed []uint32, numElements int, tile Tile, dtype dtypes.DType) ([]float32, error) {
	if err := checkPackable(numElements, tile, dtype); err != nil {
		return nil, err
	}
	tileVolume := tile.Volume()
	numTiles := numElements / tileVolume
	tileWords := PackedTileWords(tile, dtype)
	if len(packed) != numTiles*tileWords {
		return nil, errs.Shapef("%s buffer has %d words, %d elements require %d words",
			dtype, len(packed), numElements, numTiles*tileWords)
	}
	values := make([]float32, numElements)
	mantBits := mantissaBits(dtype)
	Pool.ParallelFor(numTiles, func(tileIdx int) {
		words := packed[tileIdx*tileWords : (tileIdx+1)*tileWords]
		buf := make([]byte, tileWords*4)
		for i, word := range words {
			binary.LittleEndian.PutUint32(buf[4*i:], word)
		}
		numBlocks := tileVolume / BlockFloatBlockSize
		tileValues := values[tileIdx*tileVolume : (tileIdx+1)*tileVolume]
		for pos := range tileValues {
			var code uint8
			if mantBits == 7 {
				code = buf[numBlocks+pos]
			} else {
				code = (buf[numBlocks+pos/2] >> (4 * (pos % 2))) & 0xF
			}
			tileValues[pos] = dequantize(buf[pos/BlockFloatBlockSize], code, mantBits)
		}
	})
	return values, nil
}

// quantizeBlock returns the shared exponent of the block and writes the sign+mantissa code of each value.
func quantizeBlock(values []float32, mantBits int, codes []uint8) (sharedExp uint8) {
	var shared uint32
	for _, v := range values {
		exp := (math.Float32bits(v) >> 23) & 0xFF
		shared = max(shared, min(exp, 254))
	}
	maxMantissa := uint32(1)<<mantBits - 1
	for i, v := range values {
		bits := math.Float32bits(v)
		sign := uint8(bits >> 31)
		exp := min((bits>>23)&0xFF, 254)
		var mantissa uint32
		if exp != 0 {
			full := uint32(1)<<23 | bits&0x7FFFFF
			shift := uint32(24-mantBits) + (shared - exp)
			if shift < 32 {
				mantissa = (full + uint32(1)<<(shift-1)) >> shift
				mantissa = min(mantissa, maxMantissa)
			}
		}
		if mantissa == 0 {
			sign = 0
		}
		codes[i] = sign<<mantBits | uint8(mantissa)
	}
	return uint8(shared)
}

func dequantize(sharedExp, code uint8, mantBits int) float32 {
	mantissa := int(code) & (1<<mantBits - 1)
	if mantissa == 0 {
		return 0
	}
	v := math.Ldexp(float64(mantissa), int(sharedExp)-127-(mantBits-1))
	if code>>mantBits != 0 {
		v = -v
	}
	return float32(v)
}
