// Package extent implements the pure N-D rectangle geometry that every
// higher layer of Spartan (tile, table, distarray, views, reshape) is
// built on: creation, intersection, offsetting, row-major ravel/unravel,
// and rectangle reconstruction.
package extent

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidExtent is raised when ul/lr/array_shape fail the bounds
// invariant 0 <= ul[i] <= lr[i] <= array_shape[i].
var ErrInvalidExtent = errors.New("InvalidExtent")

// TileExtent is an axis-aligned half-open rectangle [ul, lr) within an
// array of known shape. Two extents are equal iff ul, lr and ArrayShape
// all match.
type TileExtent struct {
	Ul         []int64
	Lr         []int64
	ArrayShape []int64
}

// Rank returns the number of axes (0 for a scalar extent).
func (e TileExtent) Rank() int {
	return len(e.Ul)
}

// Shape returns the per-axis extent size, lr - ul.
func (e TileExtent) Shape() []int64 {
	shape := make([]int64, len(e.Ul))
	for i := range e.Ul {
		shape[i] = e.Lr[i] - e.Ul[i]
	}
	return shape
}

// Size returns the total number of elements covered by the extent.
func (e TileExtent) Size() int64 {
	size := int64(1)
	for _, s := range e.Shape() {
		size *= s
	}
	return size
}

// Key returns a comparable value suitable for use as a Go map key,
// giving each distinct (ul, lr, array_shape) triple a stable hash.
func (e TileExtent) Key() string {
	return fmt.Sprintf("%v|%v|%v", e.Ul, e.Lr, e.ArrayShape)
}

// Equal reports whether two extents share identical ul, lr and ArrayShape.
func (e TileExtent) Equal(o TileExtent) bool {
	return equalInts(e.Ul, o.Ul) && equalInts(e.Lr, o.Lr) && equalInts(e.ArrayShape, o.ArrayShape)
}

func equalInts(a, b []int64) bool {
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

// Create validates and constructs a TileExtent. It fails with
// ErrInvalidExtent when 0 <= ul[i] <= lr[i] <= array_shape[i] does not
// hold for every axis, or when the three slices disagree in rank.
func Create(ul, lr, arrayShape []int64) (TileExtent, error) {
	if len(ul) != len(lr) || len(ul) != len(arrayShape) {
		return TileExtent{}, errors.Join(ErrInvalidExtent,
			fmt.Errorf("rank mismatch: ul=%d lr=%d array_shape=%d", len(ul), len(lr), len(arrayShape)))
	}

	for i := range ul {
		if ul[i] < 0 || ul[i] > lr[i] || lr[i] > arrayShape[i] {
			return TileExtent{}, errors.Join(ErrInvalidExtent,
				fmt.Errorf("axis %d: want 0 <= %d <= %d <= %d", i, ul[i], lr[i], arrayShape[i]))
		}
	}

	out := TileExtent{
		Ul:         append([]int64(nil), ul...),
		Lr:         append([]int64(nil), lr...),
		ArrayShape: append([]int64(nil), arrayShape...),
	}
	return out, nil
}

// AxisRange is a single-axis [Lo, Hi) half-open range used by FromSlice.
// A nil Hi means "to the end of the axis".
type AxisRange struct {
	Lo, Hi *int64
}

// Scalar returns an AxisRange promoting a single index i to [i, i+1).
func Scalar(i int64) AxisRange {
	lo := i
	hi := i + 1
	return AxisRange{Lo: &lo, Hi: &hi}
}

// Range returns an explicit [lo, hi) AxisRange.
func Range(lo, hi int64) AxisRange {
	l, h := lo, hi
	return AxisRange{Lo: &l, Hi: &h}
}

// Full returns an AxisRange spanning the whole axis (defaults resolved
// against arrayShape[axis] by FromSlice).
func Full() AxisRange {
	return AxisRange{}
}

// FromSlice converts an N-D slice specification (one AxisRange per axis,
// with per-axis defaults) into a TileExtent.
func FromSlice(idx []AxisRange, arrayShape []int64) (TileExtent, error) {
	if len(idx) != len(arrayShape) {
		return TileExtent{}, errors.Join(ErrInvalidExtent,
			fmt.Errorf("slice rank %d does not match array rank %d", len(idx), len(arrayShape)))
	}

	ul := make([]int64, len(idx))
	lr := make([]int64, len(idx))
	for i, r := range idx {
		if r.Lo != nil {
			ul[i] = *r.Lo
		} else {
			ul[i] = 0
		}
		if r.Hi != nil {
			lr[i] = *r.Hi
		} else {
			lr[i] = arrayShape[i]
		}
	}

	return Create(ul, lr, arrayShape)
}

// Intersection returns the per-axis max(ul)..min(lr) overlap of a and b,
// or (zero, false) if any axis produces an empty range. Both extents
// must share ArrayShape.
func Intersection(a, b TileExtent) (TileExtent, bool) {
	if !equalInts(a.ArrayShape, b.ArrayShape) {
		return TileExtent{}, false
	}

	ul := make([]int64, a.Rank())
	lr := make([]int64, a.Rank())
	for i := 0; i < a.Rank(); i++ {
		ul[i] = max64(a.Ul[i], b.Ul[i])
		lr[i] = min64(a.Lr[i], b.Lr[i])
		if ul[i] >= lr[i] {
			return TileExtent{}, false
		}
	}

	return TileExtent{Ul: ul, Lr: lr, ArrayShape: append([]int64(nil), a.ArrayShape...)}, true
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// OffsetFrom returns inner expressed relative to outer: ul' = inner.ul -
// outer.ul, lr' = inner.lr - outer.ul, ArrayShape = outer.Shape().
// Precondition: inner must be contained within outer.
func OffsetFrom(outer, inner TileExtent) TileExtent {
	rank := outer.Rank()
	ul := make([]int64, rank)
	lr := make([]int64, rank)
	for i := 0; i < rank; i++ {
		ul[i] = inner.Ul[i] - outer.Ul[i]
		lr[i] = inner.Lr[i] - outer.Ul[i]
	}
	return TileExtent{Ul: ul, Lr: lr, ArrayShape: outer.Shape()}
}

// AxisSlice is a resolved per-axis [Lo, Hi) range suitable for indexing a
// dense buffer shaped like the outer extent.
type AxisSlice struct {
	Lo, Hi int64
}

// OffsetSlice is equivalent to OffsetFrom but returns per-axis ranges
// directly usable to index a buffer shaped like outer.
func OffsetSlice(outer, inner TileExtent) []AxisSlice {
	offset := OffsetFrom(outer, inner)
	out := make([]AxisSlice, offset.Rank())
	for i := range out {
		out[i] = AxisSlice{Lo: offset.Ul[i], Hi: offset.Lr[i]}
	}
	return out
}

// RavelledPos returns the row-major linearization of p within shape:
// sum(p[i] * prod(shape[i+1:])).
func RavelledPos(p, shape []int64) int64 {
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

// UnravelledPos is the inverse of RavelledPos: it returns the N-D
// position within shape corresponding to the linear index k.
func UnravelledPos(k int64, shape []int64) []int64 {
	p := make([]int64, len(shape))
	for i := len(shape) - 1; i >= 0; i-- {
		p[i] = k % shape[i]
		k /= shape[i]
	}
	return p
}

// FindRect returns the smallest N-D rectangle whose row-major ravel
// covers the inclusive range [ravelledUl, ravelledLr]. Both bounds and
// the returned ul/lr are inclusive positions (the caller adds one to
// the last axis of lr to get a half-open extent). When the range
// already aligns with complete rows of the innermost axes, the
// returned rectangle's ravel equals the input exactly; otherwise the
// rectangle is strictly larger and the caller must trim.
func FindRect(ravelledUl, ravelledLr int64, shape []int64) (ul, lr []int64) {
	ul = UnravelledPos(ravelledUl, shape)
	lr = UnravelledPos(ravelledLr, shape)

	ndim := len(shape)
	for axis := ndim - 1; axis > 0; axis-- {
		if ul[axis] == 0 && lr[axis] == shape[axis]-1 {
			// this axis already spans its full range; keep walking outward
			continue
		}
		if prefixEqual(ul, lr, axis) {
			// outer axes pin a single row; the partial range at axis is
			// already the minimal rectangle
			break
		}
		// can't represent exactly at this axis: widen to the full axis
		// range and carry the imprecision one axis further out
		ul[axis] = 0
		lr[axis] = shape[axis] - 1
	}

	return ul, lr
}

func prefixEqual(a, b []int64, upTo int) bool {
	for i := 0; i < upTo; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Overlap pairs a stored extent with its non-empty intersection against
// a queried region.
type Overlap struct {
	Extent       TileExtent
	Intersection TileExtent
}

// FindOverlapping enumerates every extent with a non-empty intersection
// with region, pairing it with that intersection. Enumeration order is
// sorted by the extent's ravelled ul, which is deterministic and stable
// across runs; any deterministic order is acceptable here, and
// sorted-by-ravelled-ul is the simplest one to reason about.
func FindOverlapping(extents []TileExtent, region TileExtent) []Overlap {
	var out []Overlap
	for _, ex := range extents {
		if isect, ok := Intersection(ex, region); ok {
			out = append(out, Overlap{Extent: ex, Intersection: isect})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return RavelledPos(out[i].Extent.Ul, out[i].Extent.ArrayShape) <
			RavelledPos(out[j].Extent.Ul, out[j].Extent.ArrayShape)
	})

	return out
}

// DropAxis returns a copy of ex with the given axis removed.
func DropAxis(ex TileExtent, axis int) TileExtent {
	if axis < 0 {
		axis += ex.Rank()
	}

	ul := make([]int64, 0, ex.Rank()-1)
	lr := make([]int64, 0, ex.Rank()-1)
	shape := make([]int64, 0, ex.Rank()-1)
	for i := 0; i < ex.Rank(); i++ {
		if i == axis {
			continue
		}
		ul = append(ul, ex.Ul[i])
		lr = append(lr, ex.Lr[i])
		shape = append(shape, ex.ArrayShape[i])
	}

	return TileExtent{Ul: ul, Lr: lr, ArrayShape: shape}
}

// FindShape returns the element-wise max of all Lr across extents; used
// when constructing a DistArray from a pre-populated table.
func FindShape(extents []TileExtent) []int64 {
	if len(extents) == 0 {
		return nil
	}

	shape := make([]int64, extents[0].Rank())
	for _, ex := range extents {
		for i, v := range ex.Lr {
			if v > shape[i] {
				shape[i] = v
			}
		}
	}
	return shape
}
