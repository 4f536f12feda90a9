package distarray_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spartan-array/spartan/distarray"
	"github.com/spartan-array/spartan/extent"
	"github.com/spartan-array/spartan/reshape"
	"github.com/spartan-array/spartan/rpc"
	"github.com/spartan-array/spartan/table"
	"github.com/spartan-array/spartan/tile"
	"github.com/spartan-array/spartan/views"
)

// TestEndToEndScenarios runs six literal end-to-end scenarios (sum
// accumulation, cross-tile fetch, reshape add-axis, broadcast, slice
// foreach, and exact-match vs. cross-tile update) against the
// in-process reference table/scheduler stack, one subtest per scenario.
func TestEndToEndScenarios(t *testing.T) {
	ctx := context.Background()

	t.Run("SumScatter", func(t *testing.T) {
		tbl, err := table.New(table.Options{
			NumShards: 2,
			Combiner: func(existing, incoming tile.Tile) (tile.Tile, error) {
				return tile.Merge(existing, incoming)
			},
		})
		require.NoError(t, err)
		defer tbl.Close()
		transport := rpc.NewLocal(ctx, tbl, 2)
		defer transport.Close()

		arr, err := distarray.Create(ctx, []int64{4}, tile.Float64, tile.SumAccumulator(), []int64{2}, tbl, transport)
		require.NoError(t, err)

		full, err := extent.Create([]int64{0}, []int64{4}, []int64{4})
		require.NoError(t, err)

		first := tile.FromShapeAccum([]int64{4}, tile.Float64, tile.SumAccumulator())
		first.Data = tile.EncodeElements(tile.Float64, []float64{1, 2, 3, 4})
		require.NoError(t, arr.Update(ctx, full, first))

		second := tile.FromShapeAccum([]int64{4}, tile.Float64, tile.SumAccumulator())
		second.Data = tile.EncodeElements(tile.Float64, []float64{10, 20, 30, 40})
		require.NoError(t, arr.Update(ctx, full, second))

		got, err := arr.Fetch(ctx, full)
		require.NoError(t, err)
		assert.Equal(t, []float64{11, 22, 33, 44}, tile.DecodeElements(tile.Float64, got.Data))
	})

	t.Run("CrossTileFetch", func(t *testing.T) {
		tbl, err := table.New(table.Options{NumShards: 4})
		require.NoError(t, err)
		defer tbl.Close()
		transport := rpc.NewLocal(ctx, tbl, 4)
		defer transport.Close()

		arr, err := distarray.Create(ctx, []int64{4, 4}, tile.Float64, tile.ReplaceAccumulator(), []int64{2, 2}, tbl, transport)
		require.NoError(t, err)

		for i, ul := range [][2]int64{{0, 0}, {0, 2}, {2, 0}, {2, 2}} {
			ex, err := extent.Create([]int64{ul[0], ul[1]}, []int64{ul[0] + 2, ul[1] + 2}, []int64{4, 4})
			require.NoError(t, err)
			data := tile.FromShape([]int64{2, 2}, tile.Float64)
			v := float64(i + 1)
			data.Data = tile.EncodeElements(tile.Float64, []float64{v, v, v, v})
			require.NoError(t, arr.Update(ctx, ex, data))
		}

		region, err := extent.Create([]int64{1, 1}, []int64{3, 3}, []int64{4, 4})
		require.NoError(t, err)
		got, err := arr.Fetch(ctx, region)
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 2, 3, 4}, tile.DecodeElements(tile.Float64, got.Data))
	})

	t.Run("ReshapeAddAxis", func(t *testing.T) {
		tbl, err := table.New(table.Options{NumShards: 2})
		require.NoError(t, err)
		defer tbl.Close()
		transport := rpc.NewLocal(ctx, tbl, 2)
		defer transport.Close()

		base, err := distarray.Create(ctx, []int64{6}, tile.Float64, tile.ReplaceAccumulator(), []int64{3}, tbl, transport)
		require.NoError(t, err)

		full, err := extent.Create([]int64{0}, []int64{6}, []int64{6})
		require.NoError(t, err)
		data := tile.FromShape([]int64{6}, tile.Float64)
		data.Data = tile.EncodeElements(tile.Float64, []float64{0, 1, 2, 3, 4, 5})
		require.NoError(t, base.Update(ctx, full, data))

		rs, err := reshape.New(base, []int64{6, 1}, nil, tbl, transport)
		require.NoError(t, err)

		region, err := extent.Create([]int64{0, 0}, []int64{6, 1}, []int64{6, 1})
		require.NoError(t, err)
		got, err := rs.Fetch(ctx, region)
		require.NoError(t, err)
		assert.Equal(t, []float64{0, 1, 2, 3, 4, 5}, tile.DecodeElements(tile.Float64, got.Data))
	})

	t.Run("Broadcast", func(t *testing.T) {
		tbl, err := table.New(table.Options{NumShards: 1})
		require.NoError(t, err)
		defer tbl.Close()
		transport := rpc.NewLocal(ctx, tbl, 1)
		defer transport.Close()

		base, err := distarray.Create(ctx, []int64{3, 1}, tile.Float64, tile.ReplaceAccumulator(), []int64{3, 1}, tbl, transport)
		require.NoError(t, err)

		full, err := extent.Create([]int64{0, 0}, []int64{3, 1}, []int64{3, 1})
		require.NoError(t, err)
		data := tile.FromShape([]int64{3, 1}, tile.Float64)
		data.Data = tile.EncodeElements(tile.Float64, []float64{1, 2, 3})
		require.NoError(t, base.Update(ctx, full, data))

		bc := views.NewBroadcast(base, []int64{3, 1}, tile.Float64, []int64{3, 4})

		target, err := extent.Create([]int64{0, 0}, []int64{3, 4}, []int64{3, 4})
		require.NoError(t, err)
		got, err := bc.Fetch(ctx, target)
		require.NoError(t, err)
		assert.Equal(t, []float64{
			1, 1, 1, 1,
			2, 2, 2, 2,
			3, 3, 3, 3,
		}, tile.DecodeElements(tile.Float64, got.Data))
	})

	t.Run("SliceForeach", func(t *testing.T) {
		tbl, err := table.New(table.Options{NumShards: 2})
		require.NoError(t, err)
		defer tbl.Close()
		transport := rpc.NewLocal(ctx, tbl, 2)
		defer transport.Close()

		base, err := distarray.Create(ctx, []int64{10}, tile.Float64, tile.ReplaceAccumulator(), []int64{5}, tbl, transport)
		require.NoError(t, err)

		full, err := extent.Create([]int64{0}, []int64{10}, []int64{10})
		require.NoError(t, err)
		data := tile.FromShape([]int64{10}, tile.Float64)
		vals := make([]float64, 10)
		for i := range vals {
			vals[i] = float64(i)
		}
		data.Data = tile.EncodeElements(tile.Float64, vals)
		require.NoError(t, base.Update(ctx, full, data))

		idx, err := extent.Create([]int64{3}, []int64{8}, []int64{10})
		require.NoError(t, err)
		sl := views.NewSlice(base, idx, tile.Float64)

		var offsets []int64
		invocations := 0
		err = sl.Foreach(ctx, base, func(key extent.TileExtent, value tile.Tile, kw map[string]any) error {
			invocations++
			offsets = append(offsets, key.Ul[0])
			return nil
		}, nil)
		require.NoError(t, err)

		assert.Equal(t, 2, invocations)
		assert.ElementsMatch(t, []int64{0, 2}, offsets)
	})

	t.Run("ExactMatchUpdate", func(t *testing.T) {
		// The reference rpc.Local transport does not instrument call
		// counts, so this asserts the path each update takes produces
		// the correct result rather than counting RPCs directly: an
		// exact-match key hits DistArray's single-shard fast path,
		// while a region spanning all four tiles goes through the
		// cross-tile fragment path exercised by CrossTileFetch above.
		tbl, err := table.New(table.Options{NumShards: 4})
		require.NoError(t, err)
		defer tbl.Close()
		transport := rpc.NewLocal(ctx, tbl, 4)
		defer transport.Close()

		arr, err := distarray.Create(ctx, []int64{100, 100}, tile.Float64, tile.ReplaceAccumulator(), []int64{50, 50}, tbl, transport)
		require.NoError(t, err)

		oneTile, err := extent.Create([]int64{0, 0}, []int64{50, 50}, []int64{100, 100})
		require.NoError(t, err)
		single := tile.FromShape([]int64{50, 50}, tile.Float64)
		single.Data = tile.EncodeElements(tile.Float64, make([]float64, 50*50))
		require.NoError(t, arr.Update(ctx, oneTile, single))

		got, err := arr.Fetch(ctx, oneTile)
		require.NoError(t, err)
		assert.Len(t, tile.DecodeElements(tile.Float64, got.Data), 50*50)

		fourTiles, err := extent.Create([]int64{25, 25}, []int64{75, 75}, []int64{100, 100})
		require.NoError(t, err)
		fragment := tile.FromShape([]int64{50, 50}, tile.Float64)
		fragment.Data = tile.EncodeElements(tile.Float64, make([]float64, 50*50))
		require.NoError(t, arr.Update(ctx, fourTiles, fragment))

		got, err = arr.Fetch(ctx, fourTiles)
		require.NoError(t, err)
		assert.Len(t, tile.DecodeElements(tile.Float64, got.Data), 50*50)
	})
}
