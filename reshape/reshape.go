// Package reshape implements the Reshape view: a
// DistArray-shaped window over a base array's existing tiles, with no
// copy of the underlying data. Fetch re-derives, for every requested
// region, the rectangle of the base array that covers it — exactly
// (the fast path) when the reshape happens to align with the base's
// row-major layout, or via a per-element re-gather (the general path)
// when it does not. Grounded on the original's expr/reshape.py
// Reshape class, restricted to the dense case (the original's sparse
// branch is out of scope here).
package reshape

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/spartan-array/spartan/distarray"
	"github.com/spartan-array/spartan/extent"
	"github.com/spartan-array/spartan/rpc"
	"github.com/spartan-array/spartan/splitter"
	"github.com/spartan-array/spartan/table"
	"github.com/spartan-array/spartan/tile"
)

// ErrElementCountMismatch is returned when the requested shape does
// not have the same total element count as the base array.
var ErrElementCountMismatch = errors.New("reshape changes element count")

// tilingState tracks whether Reshape has determined if the new shape's
// natural tiling still lines up with the base array's tiles, and
// whether the fallback shapeArray (used only by TileShape/ForeachTile
// when it does not) has been materialized yet. Mirrors the
// Uninitialized/CheckedSameTiles/CheckedDifferent and
// NoShapeArray/ShapeArrayMaterialized pair of flags the original
// keeps as _same_tiles and shape_array (None until first needed).
type tilingState int

const (
	tilingUninitialized tilingState = iota
	tilingSameAsBase
	tilingDiffersFromBase
)

// Reshape is a read-only view presenting base's data under a new
// shape, without copying any tile.
type Reshape struct {
	Base     *distarray.DistArray
	Shape    []int64
	Dtype    tile.Dtype
	TileHint []int64

	isAddDimension  bool
	newDimensionIdx int

	tiling     tilingState
	shapeArray *distarray.DistArray

	tbl       *table.Table
	transport rpc.Transport
}

// New builds a Reshape of base to shape. tileHint, when non-nil,
// is the tiling the original would pass to good_tile_shape /
// compute_splits when the shapeArray fallback is needed.
func New(base *distarray.DistArray, shape []int64, tileHint []int64, tbl *table.Table, transport rpc.Transport) (*Reshape, error) {
	if elementCount(base.Shape) != elementCount(shape) {
		return nil, errors.Join(ErrElementCountMismatch, fmt.Errorf("base %v vs new %v", base.Shape, shape))
	}

	r := &Reshape{
		Base:      base,
		Shape:     shape,
		Dtype:     base.Dtype,
		TileHint:  tileHint,
		tbl:       tbl,
		transport: transport,
	}

	r.detectAddDimension()
	return r, nil
}

// detectAddDimension mirrors the original's __init__ special case:
// shape has exactly one more axis than base.shape, and every other
// axis lines up positionally with base once the extra size-1 axis is
// skipped.
func (r *Reshape) detectAddDimension() {
	if len(r.Shape) != len(r.Base.Shape)+1 {
		return
	}

	r.isAddDimension = true
	extra := 0
	for i := range r.Base.Shape {
		if r.Shape[i+extra] != r.Base.Shape[i] {
			if extra == 0 && r.Shape[i] == 1 {
				r.newDimensionIdx = i
				extra = 1
			} else {
				r.isAddDimension = false
				return
			}
		}
	}
	if extra == 0 {
		r.newDimensionIdx = len(r.Shape) - 1
	}
}

// checkSameTiles lazily determines whether the reshape's natural
// tiling still forms valid rectangles in the base array, caching the
// result (mirrors _check_extents/_same_tiles, computed once).
func (r *Reshape) checkSameTiles() bool {
	if r.tiling != tilingUninitialized {
		return r.tiling == tilingSameAsBase
	}

	if len(r.Shape) > len(r.Base.Shape) {
		same := true
		for i := range r.Base.Shape {
			if r.Base.Shape[i] != r.Shape[i] {
				same = false
				break
			}
		}
		if same {
			r.tiling = tilingSameAsBase
			return true
		}
	}

	extents, _, err := splitter.ComputeSplits(r.Shape, r.TileHint, -1)
	if err != nil {
		r.tiling = tilingDiffersFromBase
		return false
	}

	for _, ex := range extents {
		ravelledUl, ravelledLr := ravelledEx(ex.Ul, ex.Lr, r.Shape)
		rectUl, rectLr := extent.FindRect(ravelledUl, ravelledLr, r.Base.Shape)
		// The reshaped extent still names an exact rectangle in the
		// base array only when find_rect needed no widening at all.
		if extent.RavelledPos(rectUl, r.Base.Shape) != ravelledUl || extent.RavelledPos(rectLr, r.Base.Shape) != ravelledLr {
			r.tiling = tilingDiffersFromBase
			return false
		}
	}

	r.tiling = tilingSameAsBase
	return true
}

// TileShape reports the tiling Reshape presents to ForeachTile-style
// callers: tileHint when one was supplied, otherwise the base array's
// own tile shape when the tiling still lines up, else the shape_array
// fallback's tile shape.
func (r *Reshape) TileShape(ctx context.Context) ([]int64, error) {
	if r.TileHint != nil {
		return r.TileHint, nil
	}
	if r.checkSameTiles() {
		return r.Base.TileShape(), nil
	}

	sa, err := r.ensureShapeArray(ctx)
	if err != nil {
		return nil, err
	}
	return sa.TileShape(), nil
}

// ensureShapeArray lazily materializes the zero-filled distarray whose
// sole purpose is to provide a blob_id -> extent map for the new shape
// when the reshape does not align with the base's own tiling.
func (r *Reshape) ensureShapeArray(ctx context.Context) (*distarray.DistArray, error) {
	if r.shapeArray != nil {
		return r.shapeArray, nil
	}

	log.Printf("reshape: materializing shape array for %v (base tiling does not align)", r.Shape)
	sa, err := distarray.Create(ctx, r.Shape, r.Dtype, tile.ReplaceAccumulator(), r.TileHint, r.tbl, r.transport)
	if err != nil {
		return nil, err
	}
	r.shapeArray = sa
	return sa, nil
}

// Fetch returns the data covering region (expressed in the reshape's
// own shape) by locating and fetching the covering rectangle from
// base, then trimming/re-gathering it into region's exact shape.
func (r *Reshape) Fetch(ctx context.Context, ex extent.TileExtent) (tile.Tile, error) {
	if r.isAddDimension {
		return r.fetchAddDimension(ctx, ex)
	}

	ravelledUl, ravelledLr := ravelledEx(ex.Ul, ex.Lr, r.Shape)
	baseUlIncl, baseLrIncl := extent.FindRect(ravelledUl, ravelledLr, r.Base.Shape)

	baseEx, err := extent.Create(baseUlIncl, addOne(baseLrIncl), r.Base.Shape)
	if err != nil {
		return tile.Tile{}, err
	}

	fetched, err := r.Base.Fetch(ctx, baseEx)
	if err != nil {
		return tile.Tile{}, err
	}

	baseRavelledUl := extent.RavelledPos(baseUlIncl, r.Base.Shape)
	offset := ravelledUl - baseRavelledUl

	contiguous := len(r.Shape) == 1 || int64SliceEqual(baseUlIncl[:len(baseUlIncl)-1], baseLrIncl[:len(baseLrIncl)-1])

	width := byteWidth(r.Dtype)
	wantElems := ex.Size()

	var out []byte
	if contiguous {
		out = make([]byte, wantElems*width)
		copy(out, fetched.Data[offset*width:(offset+wantElems)*width])
	} else {
		offsets := fetchSubarrayOffsets(ex.Shape(), r.Shape)
		out = make([]byte, wantElems*width)
		for i, relOffset := range offsets {
			src := (offset + relOffset) * width
			copy(out[int64(i)*width:int64(i+1)*width], fetched.Data[src:src+width])
		}
	}

	return tile.Tile{Shape: ex.Shape(), Dtype: r.Dtype, Data: out}, nil
}

func (r *Reshape) fetchAddDimension(ctx context.Context, ex extent.TileExtent) (tile.Tile, error) {
	idx := r.newDimensionIdx
	ul := append(append([]int64{}, ex.Ul[:idx]...), ex.Ul[idx+1:]...)
	lr := append(append([]int64{}, ex.Lr[:idx]...), ex.Lr[idx+1:]...)

	baseEx, err := extent.Create(ul, lr, r.Base.Shape)
	if err != nil {
		return tile.Tile{}, err
	}

	fetched, err := r.Base.Fetch(ctx, baseEx)
	if err != nil {
		return tile.Tile{}, err
	}

	return tile.Tile{Shape: ex.Shape(), Dtype: fetched.Dtype, Data: fetched.Data}, nil
}

// fetchSubarrayOffsets computes, for every element of a row-major walk
// of exShape, the flat offset (in elements) it occupies within a
// buffer whose strides are those of arrayShape — the same recursive
// stepping _fetch_subarray/_colfetch_slice perform in the original,
// expressed here as a list of source offsets rather than nested lists
// since the core moves row-major byte buffers rather than arrays.
func fetchSubarrayOffsets(exShape, arrayShape []int64) []int64 {
	if len(exShape) == 1 {
		offsets := make([]int64, exShape[0])
		for i := range offsets {
			offsets[i] = int64(i)
		}
		return offsets
	}

	step := elementCount(arrayShape[1:])
	sub := fetchSubarrayOffsets(exShape[1:], arrayShape[1:])

	out := make([]int64, 0, exShape[0]*int64(len(sub)))
	for i := int64(0); i < exShape[0]; i++ {
		for _, s := range sub {
			out = append(out, i*step+s)
		}
	}
	return out
}

func ravelledEx(ul, lr, shape []int64) (int64, int64) {
	ravelledUl := extent.RavelledPos(ul, shape)
	lrInclusive := make([]int64, len(lr))
	for i, v := range lr {
		lrInclusive[i] = v - 1
	}
	ravelledLr := extent.RavelledPos(lrInclusive, shape)
	return ravelledUl, ravelledLr
}

func addOne(v []int64) []int64 {
	out := make([]int64, len(v))
	for i, x := range v {
		out[i] = x + 1
	}
	return out
}

func elementCount(shape []int64) int64 {
	n := int64(1)
	for _, s := range shape {
		n *= s
	}
	return n
}

func int64SliceEqual(a, b []int64) bool {
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
