package tile

import (
	"encoding/binary"
	"math"
)

// elementWise builds a Merge function applying op to every matching
// pair of decoded elements of a and b, re-encoding the result at the
// dtype's native width. Object tiles are not element-wise mergeable and
// are passed through unchanged (replace semantics) since their payload
// is opaque to the core.
func elementWise(op func(dtype Dtype, a, b float64) float64) func(Dtype, []byte, []byte) []byte {
	return func(dtype Dtype, a, b []byte) []byte {
		if dtype == Object {
			return b
		}

		width := int(dtype.byteWidth())
		out := make([]byte, len(a))
		for off := 0; off+width <= len(a); off += width {
			av := decode(dtype, a[off:off+width])
			bv := decode(dtype, b[off:off+width])
			encode(dtype, op(dtype, av, bv), out[off:off+width])
		}
		return out
	}
}

func minElem(_ Dtype, a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxElem(_ Dtype, a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func sumElem(_ Dtype, a, b float64) float64 {
	return a + b
}

func decode(dtype Dtype, b []byte) float64 {
	switch dtype {
	case Int32:
		return float64(int32(binary.BigEndian.Uint32(b)))
	case Int64:
		return float64(int64(binary.BigEndian.Uint64(b)))
	case Float32:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
	case Float64:
		return math.Float64frombits(binary.BigEndian.Uint64(b))
	default:
		return 0
	}
}

func encode(dtype Dtype, v float64, dst []byte) {
	switch dtype {
	case Int32:
		binary.BigEndian.PutUint32(dst, uint32(int32(v)))
	case Int64:
		binary.BigEndian.PutUint64(dst, uint64(int64(v)))
	case Float32:
		binary.BigEndian.PutUint32(dst, math.Float32bits(float32(v)))
	case Float64:
		binary.BigEndian.PutUint64(dst, math.Float64bits(v))
	}
}

// EncodeElements encodes a slice of float64 logical values into a dense
// row-major byte buffer of the given dtype. It is a convenience used by
// tests and by callers constructing tiles from plain numeric data.
func EncodeElements(dtype Dtype, values []float64) []byte {
	width := int(dtype.byteWidth())
	out := make([]byte, len(values)*width)
	for i, v := range values {
		encode(dtype, v, out[i*width:(i+1)*width])
	}
	return out
}

// DecodeElements is the inverse of EncodeElements.
func DecodeElements(dtype Dtype, data []byte) []float64 {
	width := int(dtype.byteWidth())
	out := make([]float64, len(data)/width)
	for i := range out {
		out[i] = decode(dtype, data[i*width:(i+1)*width])
	}
	return out
}
