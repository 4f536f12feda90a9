package splitter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spartan-array/spartan/splitter"
)

func TestComputeSplitsScalarEdgeCase(t *testing.T) {
	extents, shards, err := splitter.ComputeSplits(nil, nil, 4)
	require.NoError(t, err)
	require.Len(t, extents, 1)
	for key, ex := range extents {
		assert.Empty(t, ex.Ul)
		assert.Empty(t, ex.Lr)
		assert.Equal(t, 0, shards[key])
	}
}

func TestComputeSplitsDefaultTileSizePolicy(t *testing.T) {
	// A 3-row, 400000-col array: the innermost step is TargetTileSize
	// (100000), so each row splits into 4 chunks, and the outer step
	// clamps to 1, giving 1x100000 tiles.
	extents, _, err := splitter.ComputeSplits([]int64{3, 400000}, nil, -1)
	require.NoError(t, err)
	require.NotEmpty(t, extents)

	for _, ex := range extents {
		assert.LessOrEqual(t, ex.Size(), int64(splitter.TargetTileSize)*3)
	}
}

func TestComputeSplitsExplicitTileHint(t *testing.T) {
	extents, _, err := splitter.ComputeSplits([]int64{4, 4}, []int64{2, 2}, -1)
	require.NoError(t, err)
	assert.Len(t, extents, 4)
	for _, ex := range extents {
		assert.Equal(t, []int64{2, 2}, ex.Shape())
	}
}

func TestComputeSplitsTileHintRankMismatch(t *testing.T) {
	_, _, err := splitter.ComputeSplits([]int64{4, 4}, []int64{2}, -1)
	require.ErrorIs(t, err, splitter.ErrTileHintRank)
}

func TestComputeSplitsRoundRobinShardAssignment(t *testing.T) {
	extents, shards, err := splitter.ComputeSplits([]int64{6, 6}, []int64{2, 2}, 3)
	require.NoError(t, err)
	require.Len(t, extents, 9)

	counts := map[int]int{}
	for _, shard := range shards {
		counts[shard]++
	}
	assert.Len(t, counts, 3)
	for _, c := range counts {
		assert.GreaterOrEqual(t, c, 2)
	}
}

func TestComputeSplitsCoversWholeArray(t *testing.T) {
	shape := []int64{5, 7}
	extents, _, err := splitter.ComputeSplits(shape, []int64{2, 3}, -1)
	require.NoError(t, err)

	var total int64
	for _, ex := range extents {
		total += ex.Size()
	}
	assert.Equal(t, shape[0]*shape[1], total)
}
