package distarray_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spartan-array/spartan/distarray"
	"github.com/spartan-array/spartan/extent"
	"github.com/spartan-array/spartan/rpc"
	"github.com/spartan-array/spartan/table"
	"github.com/spartan-array/spartan/tile"
)

func newArray(t *testing.T, shape []int64, tileHint []int64, numShards int) (*distarray.DistArray, *table.Table, *rpc.Local) {
	t.Helper()
	ctx := context.Background()

	tbl, err := table.New(table.Options{NumShards: numShards})
	require.NoError(t, err)

	transport := rpc.NewLocal(ctx, tbl, 4)

	arr, err := distarray.Create(ctx, shape, tile.Float64, tile.SumAccumulator(), tileHint, tbl, transport)
	require.NoError(t, err)
	return arr, tbl, transport
}

func TestExactMatchFetchAndUpdate(t *testing.T) {
	ctx := context.Background()
	arr, tbl, transport := newArray(t, []int64{4, 4}, []int64{4, 4}, 1)
	defer tbl.Close()
	defer transport.Close()

	region, err := extent.Create([]int64{0, 0}, []int64{4, 4}, []int64{4, 4})
	require.NoError(t, err)

	data := tile.FromShape([]int64{4, 4}, tile.Float64)
	data.Data = tile.EncodeElements(tile.Float64, []float64{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
		13, 14, 15, 16,
	})

	require.NoError(t, arr.Update(ctx, region, data))

	got, err := arr.Fetch(ctx, region)
	require.NoError(t, err)
	assert.Equal(t, tile.DecodeElements(tile.Float64, data.Data), tile.DecodeElements(tile.Float64, got.Data))
}

func TestCrossTileFetchAssemblesFragments(t *testing.T) {
	ctx := context.Background()
	arr, tbl, transport := newArray(t, []int64{4, 4}, []int64{2, 2}, 4)
	defer tbl.Close()
	defer transport.Close()

	full, err := extent.Create([]int64{0, 0}, []int64{4, 4}, []int64{4, 4})
	require.NoError(t, err)
	data := tile.FromShape([]int64{4, 4}, tile.Float64)
	data.Data = tile.EncodeElements(tile.Float64, []float64{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
		13, 14, 15, 16,
	})
	require.NoError(t, arr.Update(ctx, full, data))

	region, err := extent.Create([]int64{1, 1}, []int64{3, 3}, []int64{4, 4})
	require.NoError(t, err)
	got, err := arr.Fetch(ctx, region)
	require.NoError(t, err)
	assert.Equal(t, []float64{6, 7, 10, 11}, tile.DecodeElements(tile.Float64, got.Data))
}

func TestGlomReturnsWholeArray(t *testing.T) {
	ctx := context.Background()
	arr, tbl, transport := newArray(t, []int64{2, 2}, []int64{2, 2}, 1)
	defer tbl.Close()
	defer transport.Close()

	full, err := extent.Create([]int64{0, 0}, []int64{2, 2}, []int64{2, 2})
	require.NoError(t, err)
	data := tile.FromShape([]int64{2, 2}, tile.Float64)
	data.Data = tile.EncodeElements(tile.Float64, []float64{1, 2, 3, 4})
	require.NoError(t, arr.Update(ctx, full, data))

	got, err := arr.Glom(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4}, tile.DecodeElements(tile.Float64, got.Data))
}

func TestMapToTableDoublesEveryElement(t *testing.T) {
	ctx := context.Background()
	arr, tbl, transport := newArray(t, []int64{4}, []int64{2}, 2)
	defer tbl.Close()
	defer transport.Close()

	full, err := extent.Create([]int64{0}, []int64{4}, []int64{4})
	require.NoError(t, err)
	data := tile.FromShape([]int64{4}, tile.Float64)
	data.Data = tile.EncodeElements(tile.Float64, []float64{1, 2, 3, 4})
	require.NoError(t, arr.Update(ctx, full, data))

	mapped, err := arr.MapToTable(ctx, func(key extent.TileExtent, value tile.Tile, kw map[string]any) (tile.Tile, error) {
		vals := tile.DecodeElements(tile.Float64, value.Data)
		out := make([]float64, len(vals))
		for i, v := range vals {
			out[i] = v * 2
		}
		result := tile.FromShapeAccum(value.Shape, value.Dtype, value.Accumulator)
		result.Data = tile.EncodeElements(tile.Float64, out)
		return result, nil
	}, nil, nil, nil)
	require.NoError(t, err)
	defer mapped.Table.Close()
	defer mapped.Transport().(*rpc.Local).Close()

	got, err := mapped.Glom(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 4, 6, 8}, tile.DecodeElements(tile.Float64, got.Data))

	// the source table must be untouched by the map: re-fetching it
	// directly still yields the pre-map values.
	srcGot, err := arr.Glom(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4}, tile.DecodeElements(tile.Float64, srcGot.Data))
}

func TestMapToTableAccumulatesIntoFreshTableUnderCombiner(t *testing.T) {
	ctx := context.Background()

	tbl, err := table.New(table.Options{
		NumShards: 1,
		Combiner: func(existing, incoming tile.Tile) (tile.Tile, error) {
			return tile.Merge(existing, incoming)
		},
	})
	require.NoError(t, err)
	defer tbl.Close()

	transport := rpc.NewLocal(ctx, tbl, 1)
	defer transport.Close()

	arr, err := distarray.Create(ctx, []int64{4}, tile.Float64, tile.SumAccumulator(), []int64{4}, tbl, transport)
	require.NoError(t, err)

	full, err := extent.Create([]int64{0}, []int64{4}, []int64{4})
	require.NoError(t, err)
	data := tile.FromShapeAccum([]int64{4}, tile.Float64, tile.SumAccumulator())
	data.Data = tile.EncodeElements(tile.Float64, []float64{1, 2, 3, 4})
	require.NoError(t, arr.Update(ctx, full, data))

	// a Sum-combiner source table must not have its mapped values
	// double-applied: doubling each element through the source's
	// combiner would otherwise yield existing+incoming == 3x rather
	// than the mapper's intended 2x.
	doubled, err := arr.MapToTable(ctx, func(key extent.TileExtent, value tile.Tile, kw map[string]any) (tile.Tile, error) {
		vals := tile.DecodeElements(tile.Float64, value.Data)
		out := make([]float64, len(vals))
		for i, v := range vals {
			out[i] = v * 2
		}
		result := tile.FromShapeAccum(value.Shape, value.Dtype, value.Accumulator)
		result.Data = tile.EncodeElements(tile.Float64, out)
		return result, nil
	}, nil, nil, nil)
	require.NoError(t, err)
	defer doubled.Table.Close()
	defer doubled.Transport().(*rpc.Local).Close()

	got, err := doubled.Glom(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 4, 6, 8}, tile.DecodeElements(tile.Float64, got.Data))
}

func TestForeachVisitsEveryTileOnce(t *testing.T) {
	ctx := context.Background()
	arr, tbl, transport := newArray(t, []int64{4}, []int64{1}, 4)
	defer tbl.Close()
	defer transport.Close()

	var count int
	visited := make(chan struct{}, 4)
	err := arr.Foreach(ctx, func(key extent.TileExtent, value tile.Tile, kw map[string]any) error {
		visited <- struct{}{}
		return nil
	}, nil)
	require.NoError(t, err)
	close(visited)
	for range visited {
		count++
	}
	assert.Equal(t, 4, count)
}

func TestBestLocalityPrefersLargestOverlap(t *testing.T) {
	arr, tbl, transport := newArray(t, []int64{4}, []int64{2}, 2)
	defer tbl.Close()
	defer transport.Close()

	// two tiles: [0,2) on shard 0, [2,4) on shard 1 (round-robin by
	// split order). [0,3) overlaps shard 0 by 2 elements and shard 1
	// by only 1, so shard 0 must win.
	region, err := extent.Create([]int64{0}, []int64{3}, []int64{4})
	require.NoError(t, err)

	shard := arr.BestLocality(region)
	assert.Equal(t, 0, shard)
}

func TestBestLocalityBreaksTiesByLowestShardID(t *testing.T) {
	arr, tbl, transport := newArray(t, []int64{4}, []int64{2}, 2)
	defer tbl.Close()
	defer transport.Close()

	// the full array overlaps both equally-sized tiles by 2 elements
	// each; the lowest shard id (0) must win the tie.
	region, err := extent.Create([]int64{0}, []int64{4}, []int64{4})
	require.NoError(t, err)

	shard := arr.BestLocality(region)
	assert.Equal(t, 0, shard)
}

func TestFetchReturnsNoTileCoveringRegionForGap(t *testing.T) {
	ctx := context.Background()
	tbl, err := table.New(table.Options{NumShards: 1})
	require.NoError(t, err)
	defer tbl.Close()

	transport := rpc.NewLocal(ctx, tbl, 1)
	defer transport.Close()

	// two tiles covering [0,4) and [6,10) of a length-10 axis, leaving
	// [4,6) uncovered by any extent.
	arrayShape := []int64{10}
	left, err := extent.Create([]int64{0}, []int64{4}, arrayShape)
	require.NoError(t, err)
	right, err := extent.Create([]int64{6}, []int64{10}, arrayShape)
	require.NoError(t, err)
	require.NoError(t, tbl.Update(0, left, tile.FromShape(left.Shape(), tile.Float64)))
	require.NoError(t, tbl.Update(0, right, tile.FromShape(right.Shape(), tile.Float64)))

	arr, err := distarray.FromTable(tbl, transport)
	require.NoError(t, err)

	gap, err := extent.Create([]int64{4}, []int64{6}, arrayShape)
	require.NoError(t, err)

	_, err = arr.Fetch(ctx, gap)
	require.ErrorIs(t, err, distarray.ErrNoTileCoveringRegion)
}

func TestFetchOutOfBoundsErrors(t *testing.T) {
	ctx := context.Background()
	arr, tbl, transport := newArray(t, []int64{4}, []int64{4}, 1)
	defer tbl.Close()
	defer transport.Close()

	bad, err := extent.Create([]int64{0}, []int64{8}, []int64{8})
	require.NoError(t, err)

	_, err = arr.Fetch(ctx, bad)
	require.ErrorIs(t, err, distarray.ErrRegionOutOfBounds)
}
