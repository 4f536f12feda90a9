// Package distarray binds a shape and dtype to a sharded table and the
// map of TileExtents that partition it, and implements its read/write
// and map/foreach operations. Grounded on the original's
// dense/distarray.py DistArray class.
package distarray

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/spartan-array/spartan/extent"
	"github.com/spartan-array/spartan/rpc"
	"github.com/spartan-array/spartan/scheduler"
	"github.com/spartan-array/spartan/splitter"
	"github.com/spartan-array/spartan/table"
	"github.com/spartan-array/spartan/tile"
)

// ErrRegionOutOfBounds is returned when a fetch or update region is
// not fully contained within the array's shape.
var ErrRegionOutOfBounds = errors.New("region out of bounds")

// ErrShapeMismatch is returned when update's data does not match the
// shape of the region it is being written to.
var ErrShapeMismatch = errors.New("data shape does not match region")

// ErrNoTileCoveringRegion is returned by Fetch when an in-bounds region
// overlaps no stored extent at all, rather than silently synthesizing a
// zero-filled tile.
var ErrNoTileCoveringRegion = errors.New("no tile covers region")

// DistArray is a dense, sharded, N-dimensional array: a shape and
// dtype bound to a Table and the extents->shard map that partitions
// the shape across it.
type DistArray struct {
	Shape  []int64
	Dtype  tile.Dtype
	Table  *table.Table
	Extent map[string]extent.TileExtent
	Shard  map[string]int

	transport rpc.Transport
}

// Create builds a new DistArray of the given shape and dtype, asking
// the splitter to partition shape into tiles (honoring tileHint when
// non-nil) and populating every resulting tile with a zero-filled
// Tile using accum.
func Create(ctx context.Context, shape []int64, dtype tile.Dtype, accum tile.Accumulator, tileHint []int64, tbl *table.Table, transport rpc.Transport) (*DistArray, error) {
	extents, shards, err := splitter.ComputeSplits(shape, tileHint, tbl.NumShards())
	if err != nil {
		return nil, err
	}

	log.Printf("distarray: creating array of shape %v with %d tiles", shape, len(extents))
	for key, ex := range extents {
		t := tile.FromShapeAccum(ex.Shape(), dtype, accum)
		if err := tbl.Update(shards[key], ex, t); err != nil {
			return nil, err
		}
	}

	return &DistArray{
		Shape:     shape,
		Dtype:     dtype,
		Table:     tbl,
		Extent:    extents,
		Shard:     shards,
		transport: transport,
	}, nil
}

// FromTable constructs a DistArray over an already-populated table,
// inferring shape from the maximum range of all stored keys and dtype
// from the first stored tile, mirroring the original's from_table.
func FromTable(tbl *table.Table, transport rpc.Transport) (*DistArray, error) {
	entries, err := tbl.Keys()
	if err != nil {
		return nil, err
	}

	extents := make(map[string]extent.TileExtent, len(entries))
	shards := make(map[string]int, len(entries))
	var exList []extent.TileExtent

	dtype := tile.Float64
	for i, e := range entries {
		extents[e.Key.Key()] = e.Key
		shards[e.Key.Key()] = e.Shard
		exList = append(exList, e.Key)
		if i == 0 {
			dtype = e.Value.Dtype
		}
	}

	shape := []int64{}
	if len(exList) > 0 {
		shape = extent.FindShape(exList)
	}

	return &DistArray{
		Shape:     shape,
		Dtype:     dtype,
		Table:     tbl,
		Extent:    extents,
		Shard:     shards,
		transport: transport,
	}, nil
}

// ID returns the identifier of the array's backing table.
func (d *DistArray) ID() int {
	return d.Table.ID()
}

// Transport returns the rpc.Transport this array reads and writes
// through. MapToTable builds its own transport for the output array it
// returns, so callers that need to release it (e.g. an rpc.Local's
// worker pool) can recover it here.
func (d *DistArray) Transport() rpc.Transport {
	return d.transport
}

// ShapeOf returns the array's shape, satisfying views.Shaped.
func (d *DistArray) ShapeOf() []int64 {
	return d.Shape
}

// DtypeOf returns the array's element dtype, satisfying views.Shaped.
func (d *DistArray) DtypeOf() tile.Dtype {
	return d.Dtype
}

// TileShape returns the most common tile shape across the array's
// extents (the "canonical" chunk shape callers pick a tile_hint from).
func (d *DistArray) TileShape() []int64 {
	counts := make(map[string]int)
	shapes := make(map[string][]int64)
	for _, ex := range d.Extent {
		key := fmt.Sprint(ex.Shape())
		counts[key]++
		shapes[key] = ex.Shape()
	}

	var best string
	bestCount := -1
	for k, c := range counts {
		if c > bestCount {
			best, bestCount = k, c
		}
	}
	return shapes[best]
}

func (d *DistArray) sortedExtentKeys() []extent.TileExtent {
	out := make([]extent.TileExtent, 0, len(d.Extent))
	for _, ex := range d.Extent {
		out = append(out, ex)
	}
	sort.Slice(out, func(i, j int) bool {
		return extent.RavelledPos(out[i].Ul, out[i].ArrayShape) < extent.RavelledPos(out[j].Ul, out[j].ArrayShape)
	})
	return out
}

// Fetch returns a dense tile covering region, copying fragments from
// every overlapping stored tile when region does not match a stored
// extent exactly, mirroring the original's fetch.
func (d *DistArray) Fetch(ctx context.Context, region extent.TileExtent) (tile.Tile, error) {
	for i := range region.Lr {
		if region.Lr[i] > d.Shape[i] {
			return tile.Tile{}, errors.Join(ErrRegionOutOfBounds, fmt.Errorf("region %s exceeds shape %v", region.Key(), d.Shape))
		}
	}

	if shard, ok := d.Shard[region.Key()]; ok {
		return d.transport.Get(ctx, 0, shard, region)
	}

	extents := d.sortedExtentKeys()
	overlaps := extent.FindOverlapping(extents, region)
	if len(overlaps) == 0 {
		return tile.Tile{}, errors.Join(ErrNoTileCoveringRegion, fmt.Errorf("region %s", region.Key()))
	}

	out := tile.FromShape(region.Shape(), d.Dtype)
	for _, ov := range overlaps {
		shard := d.Shard[ov.Extent.Key()]
		subslice, err := subregion(ov.Extent, ov.Intersection)
		if err != nil {
			return tile.Tile{}, err
		}

		fetched, err := d.transport.GetSlice(ctx, 0, shard, table.NestedSlice{Ex: ov.Extent, Subslice: subslice})
		if err != nil {
			return tile.Tile{}, err
		}

		if err := placeAt(&out, region, ov.Intersection, fetched); err != nil {
			return tile.Tile{}, err
		}
	}

	return out, nil
}

// subregion re-expresses intersection, which is already bounded by
// outer's ArrayShape, as an extent whose ArrayShape matches outer's
// shape (i.e. local offsets into the tile owned by outer).
func subregion(outer, intersection extent.TileExtent) (extent.TileExtent, error) {
	offsets := extent.OffsetSlice(outer, intersection)
	ul := make([]int64, len(offsets))
	lr := make([]int64, len(offsets))
	for i, o := range offsets {
		ul[i] = o.Lo
		lr[i] = o.Hi
	}
	return extent.Create(ul, lr, outer.Shape())
}

// placeAt copies src (shaped like intersection) into dst at the
// position intersection occupies relative to region.
func placeAt(dst *tile.Tile, region, intersection extent.TileExtent, src tile.Tile) error {
	offset := extent.OffsetFrom(region, intersection)
	width := byteWidth(dst.Dtype)
	copyFragmentInto(src.Data, intersection.Shape(), dst.Data, region.Shape(), offset, width, nil)
	return nil
}

// copyFragmentInto copies every element of a src-shaped buffer into
// dst (row-major, shaped dstShape) starting at the per-axis offsets
// named by at.
func copyFragmentInto(src []byte, srcShape []int64, dst []byte, dstShape []int64, at extent.TileExtent, width int64, prefix []int64) {
	axis := len(prefix)
	if axis == len(srcShape) {
		srcPos := ravel(prefix, srcShape)
		dstPrefix := make([]int64, len(prefix))
		for i, p := range prefix {
			dstPrefix[i] = p + at.Ul[i]
		}
		dstPos := ravel(dstPrefix, dstShape)
		copy(dst[dstPos*width:(dstPos+1)*width], src[srcPos*width:(srcPos+1)*width])
		return
	}
	for i := int64(0); i < srcShape[axis]; i++ {
		copyFragmentInto(src, srcShape, dst, dstShape, at, width, append(prefix, i))
	}
}

// Update writes data (row-major bytes) into region, splitting the
// write across every stored tile region overlaps when it is not an
// exact match, mirroring the original's update.
func (d *DistArray) Update(ctx context.Context, region extent.TileExtent, data tile.Tile) error {
	if !equalShape(region.Shape(), data.Shape) {
		return errors.Join(ErrShapeMismatch, fmt.Errorf("region %v vs data %v", region.Shape(), data.Shape))
	}

	if shard, ok := d.Shard[region.Key()]; ok {
		return d.transport.Update(ctx, 0, shard, region, data)
	}

	extents := d.sortedExtentKeys()
	overlaps := extent.FindOverlapping(extents, region)

	for _, ov := range overlaps {
		shard := d.Shard[ov.Extent.Key()]
		srcOffset := extent.OffsetFrom(region, ov.Intersection)
		fragment, err := extractFragment(data, region.Shape(), srcOffset)
		if err != nil {
			return err
		}

		updateTile, err := tile.FromIntersection(ov.Extent, ov.Intersection, data.Dtype, fragment)
		if err != nil {
			return err
		}
		// FromIntersection always builds with the replace accumulator;
		// carry the accumulator the caller actually wrote with so a
		// stored Sum/Min/Max tile merges correctly instead of tripping
		// tile.Merge's accumulator-identity check.
		updateTile.Accumulator = data.Accumulator

		if err := d.transport.Update(ctx, 0, shard, ov.Extent, updateTile); err != nil {
			return err
		}
	}

	return nil
}

func extractFragment(data tile.Tile, srcShape []int64, at extent.TileExtent) ([]byte, error) {
	width := byteWidth(data.Dtype)
	outShape := at.Shape()
	n := int64(1)
	for _, s := range outShape {
		n *= s
	}
	out := make([]byte, n*width)
	copyFragment(data.Data, srcShape, out, outShape, at, width, nil)
	return out, nil
}

func copyFragment(src []byte, srcShape []int64, dst []byte, dstShape []int64, at extent.TileExtent, width int64, prefix []int64) {
	axis := len(prefix)
	if axis == len(dstShape) {
		dstPos := ravel(prefix, dstShape)
		srcPrefix := make([]int64, len(prefix))
		for i, p := range prefix {
			srcPrefix[i] = p + at.Ul[i]
		}
		srcPos := ravel(srcPrefix, srcShape)
		copy(dst[dstPos*width:(dstPos+1)*width], src[srcPos*width:(srcPos+1)*width])
		return
	}
	for i := int64(0); i < dstShape[axis]; i++ {
		copyFragment(src, srcShape, dst, dstShape, at, width, append(prefix, i))
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

// Glom fetches the entire array as a single dense tile.
func (d *DistArray) Glom(ctx context.Context) (tile.Tile, error) {
	full, err := extent.Create(make([]int64, len(d.Shape)), d.Shape, d.Shape)
	if err != nil {
		return tile.Tile{}, err
	}
	return d.Fetch(ctx, full)
}

// MapToTable runs mapperFn over every stored tile and accumulates the
// results into a fresh output table under combine/reduce (either may
// be nil, in which case the output table falls back to last-writer-wins
// on a collision), leaving the source table untouched. It returns a new
// DistArray built from that output table, mirroring the original's
// map_to_table(fn, combine=None, reduce=None).
func (d *DistArray) MapToTable(ctx context.Context, mapperFn scheduler.MapperFn, kw map[string]any, combine table.Combiner, reduce table.Reducer) (*DistArray, error) {
	out, err := table.New(table.Options{
		NumShards: d.Table.NumShards(),
		Sharder:   d.Table.Sharder(),
		Combiner:  combine,
		Reducer:   reduce,
	})
	if err != nil {
		return nil, err
	}

	if _, err := scheduler.Map(ctx, d.Table, out, d.transport, mapperFn, kw); err != nil {
		return nil, err
	}

	outTransport := rpc.NewLocal(ctx, out, out.NumShards())
	return FromTable(out, outTransport)
}

// Foreach runs fn over every stored tile for side effects.
func (d *DistArray) Foreach(ctx context.Context, fn scheduler.ForeachFn, kw map[string]any) error {
	return scheduler.Foreach(ctx, d.Table, d.transport, fn, kw)
}

// BestLocality returns the shard with the greatest overlap (by element
// count) with ex, the shard a scheduler should prefer when placing
// work that reads ex, ties broken by lowest shard id, mirroring the
// original's best_locality.
func (d *DistArray) BestLocality(ex extent.TileExtent) int {
	extents := d.sortedExtentKeys()
	overlaps := extent.FindOverlapping(extents, ex)

	counts := make(map[int]int64)
	for _, ov := range overlaps {
		shard := d.Shard[ov.Extent.Key()]
		counts[shard] += ov.Intersection.Size()
	}

	shardIDs := make([]int, 0, len(counts))
	for shard := range counts {
		shardIDs = append(shardIDs, shard)
	}
	sort.Ints(shardIDs)

	best, bestCount := 0, int64(-1)
	for _, shard := range shardIDs {
		if counts[shard] > bestCount {
			best, bestCount = shard, counts[shard]
		}
	}
	return best
}
