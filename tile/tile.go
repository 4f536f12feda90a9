// Package tile implements the dense, fixed-dtype block that backs one
// TileExtent, along with the closed set of accumulator functions used
// to merge overlapping writes.
package tile

import (
	"errors"
	"fmt"

	"github.com/spartan-array/spartan/extent"
)

// Dtype is the closed set of element types a Tile may hold, matching
// the wire format's fixed dtype table.
type Dtype uint8

const (
	Int32 Dtype = iota
	Int64
	Float32
	Float64
	// Object holds an opaque, schema-described byte payload the core
	// transports but does not interpret.
	Object
)

func (d Dtype) String() string {
	switch d {
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Object:
		return "object"
	default:
		return "unknown"
	}
}

// byteWidth returns the per-element byte width for fixed-width dtypes;
// Object tiles have no fixed width and are sized by their payload.
func (d Dtype) byteWidth() int64 {
	switch d {
	case Int32, Float32:
		return 4
	case Int64, Float64:
		return 8
	default:
		return 1
	}
}

// AccumKind is the closed enum of built-in accumulators: Replace, Min,
// Max, Sum, plus an optional user-supplied combiner identified by a
// stable name so it can be shipped across the wire.
type AccumKind uint8

const (
	Replace AccumKind = iota
	Min
	Max
	Sum
	Named
)

// Accumulator merges two same-shaped, same-dtype byte buffers
// element-wise. Implementations must be associative and commutative.
type Accumulator struct {
	Kind AccumKind
	// Name identifies a user-supplied accumulator for wire transport;
	// only meaningful when Kind == Named.
	Name string
	// Merge is the actual element-wise merge function; it is not
	// serialized, only Kind/Name are (wire.DecodeTile leaves Merge nil;
	// this package keeps no registry of Named accumulators).
	Merge func(dtype Dtype, a, b []byte) []byte
}

var (
	// ErrShapeMismatch is raised when an update's data shape does not
	// match the target region's shape.
	ErrShapeMismatch = errors.New("ShapeMismatch")
	// ErrDTypeMismatch is raised when a tile's dtype does not match the
	// array's declared dtype.
	ErrDTypeMismatch = errors.New("DTypeMismatch")
	// ErrAccumulatorMismatch is raised when two tiles being merged
	// declare different accumulators.
	ErrAccumulatorMismatch = errors.New("AccumulatorMismatch")
)

// ReplaceAccumulator returns the replace-on-write accumulator (the
// incoming value replaces the stored one), the default accumulator.
func ReplaceAccumulator() Accumulator {
	return Accumulator{Kind: Replace, Merge: func(_ Dtype, a, b []byte) []byte { return b }}
}

// MinAccumulator returns an element-wise minimum accumulator.
func MinAccumulator() Accumulator {
	return Accumulator{Kind: Min, Merge: elementWise(minElem)}
}

// MaxAccumulator returns an element-wise maximum accumulator.
func MaxAccumulator() Accumulator {
	return Accumulator{Kind: Max, Merge: elementWise(maxElem)}
}

// SumAccumulator returns an element-wise sum accumulator.
func SumAccumulator() Accumulator {
	return Accumulator{Kind: Sum, Merge: elementWise(sumElem)}
}

// NamedAccumulator wraps a user-supplied merge function under a stable
// name so it can be shipped across the wire.
func NamedAccumulator(name string, merge func(dtype Dtype, a, b []byte) []byte) Accumulator {
	return Accumulator{Kind: Named, Name: name, Merge: merge}
}

func sameAccumulator(a, b Accumulator) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.Kind == Named {
		return a.Name == b.Name
	}
	return true
}

// Tile is a dense block of elements backing one extent. It is
// immutable in shape and dtype after creation; elements are mutated
// only through Merge.
type Tile struct {
	Shape       []int64
	Dtype       Dtype
	Data        []byte
	Accumulator Accumulator
}

func numElements(shape []int64) int64 {
	n := int64(1)
	for _, s := range shape {
		n *= s
	}
	return n
}

// FromShape allocates a zero-filled tile of the given shape and dtype,
// using the replace accumulator by default.
func FromShape(shape []int64, dtype Dtype) Tile {
	return FromShapeAccum(shape, dtype, ReplaceAccumulator())
}

// FromShapeAccum is FromShape with an explicit accumulator.
func FromShapeAccum(shape []int64, dtype Dtype, accum Accumulator) Tile {
	n := numElements(shape) * dtype.byteWidth()
	return Tile{
		Shape:       append([]int64(nil), shape...),
		Dtype:       dtype,
		Data:        make([]byte, n),
		Accumulator: accum,
	}
}

// FromData wraps caller-supplied row-major bytes into a tile of the
// given shape and dtype. The byte slice is not copied; callers must not
// mutate it afterwards.
func FromData(shape []int64, dtype Dtype, data []byte) (Tile, error) {
	want := numElements(shape) * dtype.byteWidth()
	if int64(len(data)) != want && dtype != Object {
		return Tile{}, errors.Join(ErrShapeMismatch,
			fmt.Errorf("want %d bytes for shape %v dtype %s, got %d", want, shape, dtype, len(data)))
	}
	return Tile{
		Shape:       append([]int64(nil), shape...),
		Dtype:       dtype,
		Data:        data,
		Accumulator: ReplaceAccumulator(),
	}, nil
}

// FromIntersection creates a tile sized to ownerEx with data placed at
// the intersection's offset within ownerEx and the rest implicit-zero.
func FromIntersection(ownerEx, intersectionEx extent.TileExtent, dtype Dtype, data []byte) (Tile, error) {
	ownerShape := ownerEx.Shape()
	want := numElements(intersectionEx.Shape()) * dtype.byteWidth()
	if int64(len(data)) != want {
		return Tile{}, errors.Join(ErrShapeMismatch,
			fmt.Errorf("want %d bytes for intersection shape %v, got %d", want, intersectionEx.Shape(), len(data)))
	}

	out := FromShape(ownerShape, dtype)
	offsets := extent.OffsetSlice(ownerEx, intersectionEx)
	width := dtype.byteWidth()
	copyRect(out.Data, ownerShape, data, intersectionEx.Shape(), offsets, width)
	return out, nil
}

// copyRect copies the dense row-major src (shaped srcShape) into dst
// (shaped dstShape) at the per-axis offsets given by at, width bytes
// per element.
func copyRect(dst []byte, dstShape []int64, src []byte, srcShape []int64, at []extent.AxisSlice, width int64) {
	copyRectRec(dst, dstShape, src, srcShape, at, width, nil)
}

func copyRectRec(dst []byte, dstShape []int64, src []byte, srcShape []int64, at []extent.AxisSlice, width int64, prefix []int64) {
	axis := len(prefix)
	if axis == len(srcShape) {
		dstPos := ravel(prefix, dstShape)
		srcPrefix := make([]int64, len(prefix))
		for i, p := range prefix {
			srcPrefix[i] = p - at[i].Lo
		}
		srcPos := ravel(srcPrefix, srcShape)
		copy(dst[dstPos*width:(dstPos+1)*width], src[srcPos*width:(srcPos+1)*width])
		return
	}

	for i := at[axis].Lo; i < at[axis].Hi; i++ {
		copyRectRec(dst, dstShape, src, srcShape, at, width, append(prefix, i))
	}
}

func ravel(p, shape []int64) int64 {
	var pos int64
	for i := range p {
		stride := int64(1)
		for j := i + 1; j < len(shape); j++ {
			stride *= shape[j]
		}
		pos += p[i] * stride
	}
	return pos
}

// Merge returns a new tile whose data is accumulator(a.data, b.data).
// Merging requires matching shape, dtype and accumulator identity.
func Merge(a, b Tile) (Tile, error) {
	if a.Dtype != b.Dtype {
		return Tile{}, errors.Join(ErrDTypeMismatch, fmt.Errorf("%s vs %s", a.Dtype, b.Dtype))
	}
	if !equalShape(a.Shape, b.Shape) {
		return Tile{}, errors.Join(ErrShapeMismatch, fmt.Errorf("%v vs %v", a.Shape, b.Shape))
	}
	if !sameAccumulator(a.Accumulator, b.Accumulator) {
		return Tile{}, ErrAccumulatorMismatch
	}

	merge := a.Accumulator.Merge
	if merge == nil {
		merge = ReplaceAccumulator().Merge
	}

	return Tile{
		Shape:       append([]int64(nil), a.Shape...),
		Dtype:       a.Dtype,
		Data:        merge(a.Dtype, a.Data, b.Data),
		Accumulator: a.Accumulator,
	}, nil
}

func equalShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
