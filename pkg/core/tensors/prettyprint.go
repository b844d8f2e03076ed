package tensors

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"

	"github.com/x448/float16"

	"github.com/gomlx/tensix/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/tensix/pkg/core/layout"
	"github.com/gomlx/tensix/pkg/core/storage"
)

var (
	typeFloat16  = reflect.TypeOf(float16.Float16(0))
	typeBFloat16 = reflect.TypeOf(bfloat16.BFloat16(0))
)

// Summary returns a multi-line summary of the Tensor: its metadata followed by its values, inspired by numpy
// output. Large axes are elided.
//
// Tiled tensors are printed in row-major order, packed dtypes are unpacked. Values of device tensors are not
// read back (see CPU), and multi-device tensors list their shards.
func (t *Tensor) Summary(precision int) string {
	var buf bytes.Buffer
	w := func(format string, args ...any) { _, _ = fmt.Fprintf(&buf, format, args...) }
	w("%s", t.header())

	st := t.Storage()
	switch st := st.(type) {
	case *storage.Owned, *storage.Borrowed:
		if t.IsPending() {
			w(": pending")
			return buf.String()
		}
		flat, err := t.rowMajorFlat()
		if err != nil {
			w(": %v", err)
			return buf.String()
		}
		w(": ")
		printValues(&buf, flat, t.paddedShape.Dimensions, precision)
	case *storage.Device:
		w(" on %s", st.Buffer)
	case *storage.MultiDevice, *storage.MultiDeviceHost:
		w(" %s", t.DistributionConfig())
		shards, err := Shards(t)
		if err != nil {
			w(": %v", err)
			return buf.String()
		}
		for i, shard := range shards {
			w("\n shard #%d: %s", i, strings.ReplaceAll(shard.Summary(precision), "\n", "\n  "))
			shard.Deallocate()
		}
	}
	return buf.String()
}

// rowMajorFlat returns the physical flat data of a host tensor in row-major layout.
func (t *Tensor) rowMajorFlat() (any, error) {
	flat, err := t.hostFlat("printing")
	if err != nil {
		return nil, err
	}
	if t.layout == layout.RowMajor {
		return flat, nil
	}
	rowMajor, _, err := layout.ToRowMajor(flat, t.dtype, t.paddedShape, t.tile)
	return rowMajor, err
}

func printValues(buf *bytes.Buffer, flat any, dims []int, precision int) {
	w := func(format string, args ...any) { _, _ = fmt.Fprintf(buf, format, args...) }

	// Print value with appropriate formatting:
	wValue := func(v reflect.Value) {
		if v.Type() == typeFloat16 {
			w("%.*g", precision, v.Interface().(float16.Float16).Float32())
			return
		} else if v.Type() == typeBFloat16 {
			w("%.*g", precision, v.Interface().(bfloat16.BFloat16).Float32())
			return
		}
		switch v.Kind() {
		case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			w("%d", v.Int())
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			w("%d", v.Uint())
		default:
			w("%.*g", precision, v.Interface())
		}
	}

	values := reflect.ValueOf(flat)
	if values.Len() == 0 {
		w("{}")
		return
	}
	if len(dims) == 0 {
		// Scalar value.
		w("(")
		wValue(values.Index(0))
		w(")")
		return
	}

	// Recursive function to print elements
	var printElements func(int, int, []int)
	printElements = func(index, indent int, currentShape []int) {
		if len(currentShape) == 1 {
			w("{")
			if currentShape[0] > 6 {
				// Print first 3 and last 3 elements.
				for i := range 3 {
					if i > 0 {
						w(", ")
					}
					wValue(values.Index(index + i))
				}
				w(", ..., ")
				for i := currentShape[0] - 3; i < currentShape[0]; i++ {
					if i > currentShape[0]-3 {
						w(", ")
					}
					wValue(values.Index(index + i))
				}
			} else {
				for i := range currentShape[0] {
					if i > 0 {
						w(", ")
					}
					wValue(values.Index(index + i))
				}
			}
			w("}")
			return
		}

		// Outer axes:
		numRows := 1
		for _, dim := range currentShape[:len(currentShape)-1] {
			numRows *= dim
		}
		stride := 1
		for _, dim := range currentShape[1:] {
			stride *= dim
		}

		w("{")
		if indent == -1 {
			if numRows > 1 {
				// Break the line before outputting data if we are using more than one row.
				w("\n ")
			}
			indent = 1
		}
		indentStr := strings.Repeat(" ", indent)

		if numRows > 6 {
			if len(currentShape) > 2 {
				// Only print first and last element of this outer dimension.
				printElements(index, indent+1, currentShape[1:])
				if currentShape[0] > 1 {
					if currentShape[0] > 2 {
						w(",\n%s...,\n%s", indentStr, indentStr)
					} else {
						w(",\n%s", indentStr)
					}
					printElements(index+(currentShape[0]-1)*stride, indent+1, currentShape[1:])
				}
				w("}")
				return
			}

			// The one-before last axis: first 3 and last 3 rows.
			for ii := range 3 {
				if ii > 0 {
					w(",\n%s", indentStr)
				}
				printElements(index+ii*stride, indent+1, currentShape[1:])
			}
			w(",\n%s...", indentStr)
			for ii := currentShape[0] - 3; ii < currentShape[0]; ii++ {
				w(",\n%s", indentStr)
				printElements(index+ii*stride, indent+1, currentShape[1:])
			}
			w("}")
			return
		}

		// Print all rows of the outer edge:
		for ii := range currentShape[0] {
			if ii > 0 {
				w(",\n%s", indentStr)
			}
			printElements(index, indent+1, currentShape[1:])
			index += stride
		}
		w("}")
	}
	printElements(0, -1, dims)
}
