// Package views implements two read-only projections: Slice, a
// rectangular sub-region of a DistArray that owns no tiles of its own,
// and Broadcast, a NumPy-style dimension lift. Grounded on the
// original's dense/distarray.py Slice/Broadcast classes and
// broadcast()/broadcast_mapper function.
package views

import (
	"context"
	"errors"
	"fmt"

	"github.com/spartan-array/spartan/distarray"
	"github.com/spartan-array/spartan/extent"
	"github.com/spartan-array/spartan/scheduler"
	"github.com/spartan-array/spartan/table"
	"github.com/spartan-array/spartan/tile"
)

// Fetcher is the subset of DistArray a view needs: fetch a rectangular
// region as a dense tile. Both Slice and Broadcast are themselves
// Fetchers, so they compose (a Slice of a Slice, a Broadcast of a
// Slice, etc).
type Fetcher interface {
	Fetch(ctx context.Context, region extent.TileExtent) (tile.Tile, error)
}

// Slice is a rectangular view over a subregion of a base array. It
// owns no tiles: every read re-fetches from the base, offset into the
// slice's own coordinate frame.
type Slice struct {
	Base  Fetcher
	Index extent.TileExtent // in the base's coordinate frame
	Shape []int64
	Dtype tile.Dtype
}

// NewSlice builds a Slice of base over idx (a region expressed in
// base's own coordinate frame).
func NewSlice(base Fetcher, idx extent.TileExtent, dtype tile.Dtype) *Slice {
	return &Slice{Base: base, Index: idx, Shape: idx.Shape(), Dtype: dtype}
}

// ShapeOf returns the slice's shape, satisfying Shaped.
func (s *Slice) ShapeOf() []int64 {
	return s.Shape
}

// DtypeOf returns the slice's element dtype, satisfying Shaped.
func (s *Slice) DtypeOf() tile.Dtype {
	return s.Dtype
}

// Fetch translates region (expressed in the slice's own local frame,
// starting at the origin) into the base's frame and delegates to it.
func (s *Slice) Fetch(ctx context.Context, region extent.TileExtent) (tile.Tile, error) {
	baseRegion, err := s.toBaseFrame(region)
	if err != nil {
		return tile.Tile{}, err
	}
	return s.Base.Fetch(ctx, baseRegion)
}

// Glom fetches the slice's entire region.
func (s *Slice) Glom(ctx context.Context) (tile.Tile, error) {
	full, err := extent.Create(make([]int64, len(s.Shape)), s.Shape, s.Shape)
	if err != nil {
		return tile.Tile{}, err
	}
	return s.Fetch(ctx, full)
}

func (s *Slice) toBaseFrame(region extent.TileExtent) (extent.TileExtent, error) {
	ul := make([]int64, len(region.Ul))
	lr := make([]int64, len(region.Lr))
	for i := range region.Ul {
		ul[i] = region.Ul[i] + s.Index.Ul[i]
		lr[i] = region.Lr[i] + s.Index.Ul[i]
	}
	return extent.Create(ul, lr, s.Index.ArrayShape)
}

// sliceForeachFn wraps a user ForeachFn so it only runs against the
// portion of a base tile that falls inside sliceExtent, offsetting keys
// into the slice's local frame — the ForeachFn-flavored counterpart of
// the original's slice_mapper (which wraps a mapper_fn instead).
func sliceForeachFn(userFn scheduler.ForeachFn, sliceExtent extent.TileExtent) scheduler.ForeachFn {
	return func(key extent.TileExtent, value tile.Tile, kw map[string]any) error {
		isect, ok := extent.Intersection(sliceExtent, key)
		if !ok {
			return nil
		}
		offset := extent.OffsetFrom(sliceExtent, isect)
		part, err := table.DefaultSelector(table.NestedSlice{Ex: key, Subslice: extent.OffsetFrom(key, isect)}, value)
		if err != nil {
			return err
		}
		return userFn(offset, part, kw)
	}
}

// Foreach runs fn only against the portion of each underlying tile
// that intersects the slice, translating keys into the slice's local
// coordinate frame, mirroring the original's Slice.foreach via
// slice_mapper.
func (s *Slice) Foreach(ctx context.Context, arr *distarray.DistArray, fn scheduler.ForeachFn, kw map[string]any) error {
	return arr.Foreach(ctx, sliceForeachFn(fn, s.Index), kw)
}

// ErrBroadcastShapeMismatch is returned when two broadcast participant
// shapes cannot be aligned per NumPy broadcasting rules: for every
// axis (right-aligned), sizes must either match or one must be 1.
var ErrBroadcastShapeMismatch = errors.New("mismatched shapes for broadcast")

// Broadcast mimics NumPy's broadcasting: it reports a lifted shape and
// answers Fetch by folding the requested region back down onto base's
// actual shape, replicating size-1 axes to fill the request.
type Broadcast struct {
	Base  Fetcher
	Shape []int64

	baseShape []int64
	baseDtype tile.Dtype
}

// NewBroadcast wraps base (reporting baseShape/baseDtype) so it
// appears to have shape `shape`.
func NewBroadcast(base Fetcher, baseShape []int64, baseDtype tile.Dtype, shape []int64) *Broadcast {
	return &Broadcast{Base: base, Shape: shape, baseShape: baseShape, baseDtype: baseDtype}
}

// ShapeOf returns the broadcast's lifted shape, satisfying Shaped.
func (b *Broadcast) ShapeOf() []int64 {
	return b.Shape
}

// DtypeOf returns the underlying base array's dtype, satisfying Shaped.
func (b *Broadcast) DtypeOf() tile.Dtype {
	return b.baseDtype
}

// Fetch drops trailing axes until ex has base's rank, then
// folds each axis whose base size is 1 back down to a single index
// before fetching from base, and finally replicates the fetched data
// to fill the originally requested shape, mirroring the original's
// Broadcast.fetch.
func (b *Broadcast) Fetch(ctx context.Context, ex extent.TileExtent) (tile.Tile, error) {
	for len(ex.Shape()) > len(b.baseShape) {
		dropped := extent.DropAxis(ex, -1)
		ex = dropped
	}

	ul := make([]int64, len(b.baseShape))
	lr := make([]int64, len(b.baseShape))
	for i, size := range b.baseShape {
		if size == 1 {
			ul[i], lr[i] = 0, 1
		} else {
			ul[i], lr[i] = ex.Ul[i], ex.Lr[i]
		}
	}

	baseEx, err := extent.Create(ul, lr, b.baseShape)
	if err != nil {
		return tile.Tile{}, err
	}

	fetched, err := b.Base.Fetch(ctx, baseEx)
	if err != nil {
		return tile.Tile{}, err
	}

	return replicate(fetched, ex.Shape())
}

// replicate broadcasts base's row-major data up to targetShape,
// repeating any axis whose base size is 1.
func replicate(base tile.Tile, targetShape []int64) (tile.Tile, error) {
	width := byteWidth(base.Dtype)
	n := int64(1)
	for _, s := range targetShape {
		n *= s
	}
	out := make([]byte, n*width)

	replicateRec(base.Data, base.Shape, out, targetShape, width, nil)

	return tile.Tile{Shape: targetShape, Dtype: base.Dtype, Data: out}, nil
}

func replicateRec(src []byte, srcShape []int64, dst []byte, dstShape []int64, width int64, prefix []int64) {
	axis := len(prefix)
	if axis == len(dstShape) {
		srcPrefix := make([]int64, len(prefix))
		for i, p := range prefix {
			if srcShape[i] == 1 {
				srcPrefix[i] = 0
			} else {
				srcPrefix[i] = p
			}
		}
		srcPos := ravel(srcPrefix, srcShape)
		dstPos := ravel(prefix, dstShape)
		copy(dst[dstPos*width:(dstPos+1)*width], src[srcPos*width:(srcPos+1)*width])
		return
	}
	for i := int64(0); i < dstShape[axis]; i++ {
		replicateRec(src, srcShape, dst, dstShape, width, append(prefix, i))
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

func byteWidth(d tile.Dtype) int64 {
	switch d {
	case tile.Int32, tile.Float32:
		return 4
	case tile.Int64, tile.Float64:
		return 8
	default:
		return 1
	}
}

// Shaped is anything with a shape, satisfied by both *distarray.DistArray
// and *Broadcast, needed by AlignShapes to inspect participants
// uniformly.
type Shaped interface {
	Fetcher
	ShapeOf() []int64
	DtypeOf() tile.Dtype
}

// AlignShapes implements the original's broadcast(args): given several
// arrays of possibly different rank, prepend size-1 axes to the
// shorter ones and verify every axis is either equal across all
// participants or 1 for all-but-one, then wrap every participant whose
// shape had to change in a Broadcast.
func AlignShapes(args []Shaped) ([]Fetcher, error) {
	if len(args) <= 1 {
		out := make([]Fetcher, len(args))
		for i, a := range args {
			out[i] = a
		}
		return out, nil
	}

	maxDim := 0
	for _, a := range args {
		if len(a.ShapeOf()) > maxDim {
			maxDim = len(a.ShapeOf())
		}
	}

	newShapes := make([][]int64, len(args))
	for i, a := range args {
		orig := a.ShapeOf()
		diff := maxDim - len(orig)
		padded := make([]int64, 0, maxDim)
		for j := 0; j < diff; j++ {
			padded = append(padded, 1)
		}
		padded = append(padded, orig...)
		newShapes[i] = padded
	}

	for axis := 0; axis < maxDim; axis++ {
		seen := map[int64]bool{}
		for _, s := range newShapes {
			seen[s[axis]] = true
		}
		if len(seen) > 2 || (len(seen) == 2 && !seen[1]) {
			return nil, errors.Join(ErrBroadcastShapeMismatch, fmt.Errorf("axis %d: %v", axis, seen))
		}

		maxSize := int64(0)
		for size := range seen {
			if size > maxSize {
				maxSize = size
			}
		}
		for _, s := range newShapes {
			s[axis] = maxSize
		}
	}

	results := make([]Fetcher, len(args))
	for i, a := range args {
		if equalShape(newShapes[i], a.ShapeOf()) {
			results[i] = a
		} else {
			results[i] = NewBroadcast(a, a.ShapeOf(), a.DtypeOf(), newShapes[i])
		}
	}
	return results, nil
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
