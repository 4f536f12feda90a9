package tile_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spartan-array/spartan/extent"
	"github.com/spartan-array/spartan/tile"
)

func TestFromShapeZeroFilled(t *testing.T) {
	tl := tile.FromShape([]int64{2, 2}, tile.Float64)
	got := tile.DecodeElements(tile.Float64, tl.Data)
	assert.Equal(t, []float64{0, 0, 0, 0}, got)
}

func TestMergeSum(t *testing.T) {
	a := tile.FromShapeAccum([]int64{4}, tile.Float64, tile.SumAccumulator())
	a.Data = tile.EncodeElements(tile.Float64, []float64{1, 2, 3, 4})

	b := tile.FromShapeAccum([]int64{4}, tile.Float64, tile.SumAccumulator())
	b.Data = tile.EncodeElements(tile.Float64, []float64{10, 20, 30, 40})

	merged, err := tile.Merge(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{11, 22, 33, 44}, tile.DecodeElements(tile.Float64, merged.Data))
}

func TestMergeReplaceTakesSecond(t *testing.T) {
	a := tile.FromShape([]int64{2}, tile.Int32)
	a.Data = tile.EncodeElements(tile.Int32, []float64{1, 2})
	b := tile.FromShape([]int64{2}, tile.Int32)
	b.Data = tile.EncodeElements(tile.Int32, []float64{9, 9})

	merged, err := tile.Merge(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{9, 9}, tile.DecodeElements(tile.Int32, merged.Data))
}

func TestMergeShapeMismatch(t *testing.T) {
	a := tile.FromShape([]int64{2}, tile.Int32)
	b := tile.FromShape([]int64{3}, tile.Int32)
	_, err := tile.Merge(a, b)
	require.ErrorIs(t, err, tile.ErrShapeMismatch)
}

func TestMergeDtypeMismatch(t *testing.T) {
	a := tile.FromShape([]int64{2}, tile.Int32)
	b := tile.FromShape([]int64{2}, tile.Float32)
	_, err := tile.Merge(a, b)
	require.ErrorIs(t, err, tile.ErrDTypeMismatch)
}

func TestMergeAccumulatorMismatch(t *testing.T) {
	a := tile.FromShapeAccum([]int64{2}, tile.Int32, tile.SumAccumulator())
	b := tile.FromShapeAccum([]int64{2}, tile.Int32, tile.MaxAccumulator())
	_, err := tile.Merge(a, b)
	require.ErrorIs(t, err, tile.ErrAccumulatorMismatch)
}

func TestFromIntersectionPlacesDataAtOffset(t *testing.T) {
	shape := []int64{4, 4}
	owner, _ := extent.Create([]int64{0, 0}, []int64{4, 4}, shape)
	isect, _ := extent.Create([]int64{1, 1}, []int64{3, 3}, shape)

	data := tile.EncodeElements(tile.Float64, []float64{1, 2, 3, 4})
	tl, err := tile.FromIntersection(owner, isect, tile.Float64, data)
	require.NoError(t, err)

	got := tile.DecodeElements(tile.Float64, tl.Data)
	want := []float64{
		0, 0, 0, 0,
		0, 1, 2, 0,
		0, 3, 4, 0,
		0, 0, 0, 0,
	}
	assert.Equal(t, want, got)
}
