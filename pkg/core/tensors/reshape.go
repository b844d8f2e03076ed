package tensors

import (
	"slices"

	"github.com/pkg/errors"

	"github.com/gomlx/tensix/pkg/core/errs"
	"github.com/gomlx/tensix/pkg/core/layout"
	"github.com/gomlx/tensix/pkg/core/shapes"
	"github.com/gomlx/tensix/pkg/core/storage"
)

// Reshape returns a tensor with the same elements and the new dimensions. One of the dimensions can be -1,
// and it's inferred from the volume (see shapes.InferDimsForReshape).
//
// The result aliases the receiver's data (host buffers or device buffers, which are retained) when no
// repacking is needed: row-major tensors without padding, or tiled tensors whose two innermost logical
// dimensions don't change. Otherwise host tensors are repacked through row-major, and device tensors return
// an ErrPrecondition error: read them back with CPU first.
//
// It returns an ErrShape error if the volume is not preserved.
func (t *Tensor) Reshape(dimensions ...int) (*Tensor, error) {
	newShape, err := shapes.InferDimsForReshape(t.shape.Volume(), dimensions)
	if err != nil {
		return nil, errors.WithMessagef(err, "reshaping tensor of shape %s", t.shape)
	}
	st := t.Storage()
	switch st.(type) {
	case *storage.Owned, *storage.Borrowed, *storage.Device:
	case *storage.MultiDevice, *storage.MultiDeviceHost:
		return nil, storage.Unsupported("reshape", st)
	default:
		return nil, storage.Unsupported("reshape", st)
	}
	_, onDevice := st.(*storage.Device)

	spec := t.spec()
	spec.Shape = newShape
	switch t.layout {
	case layout.RowMajor:
		if t.paddedShape.Equal(t.shape) {
			spec.PaddedShape = newShape
			return t.alias(spec)
		}
		if onDevice {
			return nil, errs.Preconditionf("reshape of padded row-major device tensor (shape %s, padded %s) "+
				"requires repacking on host", t.shape, t.paddedShape)
		}
		unpadded, err := t.UnpadFromTile(t.shape)
		if err != nil {
			return nil, err
		}
		return unpadded.Reshape(dimensions...)

	case layout.Tiled:
		rank, newRank := t.shape.Rank(), newShape.Rank()
		if newRank >= 2 && slices.Equal(t.shape.Dimensions[rank-2:], newShape.Dimensions[newRank-2:]) {
			spec.PaddedShape = newShape.Clone()
			copy(spec.PaddedShape.Dimensions[newRank-2:], t.paddedShape.Dimensions[rank-2:])
			return t.alias(spec)
		}
		if onDevice {
			return nil, errs.Preconditionf("reshape of tiled device tensor from %s to %s changes the two innermost "+
				"dimensions, requires repacking on host", t.shape, newShape)
		}
		return t.repackReshape(newShape)
	}
	return nil, errs.InvalidArgumentf("unknown layout %s", t.layout)
}

// repackReshape reshapes a tiled host tensor going through row-major: untilize, unpad, reshape, pad to tile
// and tilize back to the original dtype.
func (t *Tensor) repackReshape(newShape shapes.Shape) (*Tensor, error) {
	rowMajor, err := t.ToLayout(layout.RowMajor)
	if err != nil {
		return nil, err
	}
	unpadded, err := rowMajor.UnpadFromTile(t.shape)
	if err != nil {
		return nil, err
	}
	reshaped, err := unpadded.Reshape(newShape.Dimensions...)
	if err != nil {
		return nil, err
	}
	padded, err := reshaped.PadToTile(0)
	if err != nil {
		return nil, err
	}
	return padded.ToLayout(layout.Tiled, OutputDType(t.dtype))
}

// Reshape4D reshapes the tensor to [n, c, h, w]. See Reshape.
func (t *Tensor) Reshape4D(n, c, h, w int) (*Tensor, error) {
	return t.Reshape(n, c, h, w)
}
