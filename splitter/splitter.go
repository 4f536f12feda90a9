// Package splitter computes the set of TileExtents that partition a
// DistArray's shape into roughly equal-sized tiles, and assigns each
// extent to a shard.
package splitter

import (
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/spartan-array/spartan/extent"
)

// TargetTileSize is the default number of elements per tile when no
// tile hint is supplied: one tuned constant for the default chunking
// policy rather than a value derived from bytes or a caller-provided
// knob.
const TargetTileSize = 100000

// ErrTileHintRank is returned when a tile hint's rank does not match
// the array shape it is meant to describe.
var ErrTileHintRank = errors.New("tile hint rank mismatch")

type axisRange struct {
	lo, hi int64
}

// ComputeSplits partitions shape into extents of roughly TargetTileSize
// elements each (or exactly tileHint-shaped tiles, when supplied), and
// assigns each extent a shard index by round robin over numShards.
//
// Splitting walks axes from innermost to outermost, carrying a running
// product of already-split axis sizes so that the chosen chunk length
// on each axis keeps the resulting tile near TargetTileSize elements;
// the innermost (fastest-varying) axis is kept as contiguous as possible.
// A zero-rank shape is the scalar edge case: it produces one extent
// with empty ul/lr assigned to shard 0, regardless of numShards.
func ComputeSplits(shape []int64, tileHint []int64, numShards int) (map[string]extent.TileExtent, map[string]int, error) {
	if len(shape) == 0 {
		ex, err := extent.Create(nil, nil, nil)
		if err != nil {
			return nil, nil, err
		}
		return map[string]extent.TileExtent{ex.Key(): ex}, map[string]int{ex.Key(): 0}, nil
	}

	var axisSplits [][]axisRange
	if tileHint != nil {
		if len(tileHint) != len(shape) {
			return nil, nil, fmt.Errorf("%w: have %d, want %d", ErrTileHintRank, len(tileHint), len(shape))
		}
		axisSplits = make([][]axisRange, len(shape))
		for dim := range shape {
			axisSplits[dim] = chunkAxis(shape[dim], tileHint[dim])
		}
	} else {
		axisSplits = make([][]axisRange, len(shape))
		weight := int64(1)
		for dim := len(shape) - 1; dim >= 0; dim-- {
			step := TargetTileSize / weight
			if step < 1 {
				step = 1
			}
			axisSplits[dim] = chunkAxis(shape[dim], step)
			weight *= shape[dim]
		}
	}

	combos := cartesianProduct(axisSplits)

	extents := make(map[string]extent.TileExtent, len(combos))
	shards := make(map[string]int, len(combos))
	idx := 0
	for _, combo := range combos {
		ul := make([]int64, len(combo))
		lr := make([]int64, len(combo))
		for i, r := range combo {
			ul[i] = r.lo
			lr[i] = r.hi
		}

		ex, err := extent.Create(ul, lr, shape)
		if err != nil {
			return nil, nil, err
		}

		shard := 0
		if numShards > 0 {
			shard = idx % numShards
		}

		extents[ex.Key()] = ex
		shards[ex.Key()] = shard
		idx++
	}

	return extents, shards, nil
}

// chunkAxis splits [0, length) into contiguous [lo, hi) ranges of at
// most step elements each.
func chunkAxis(length, step int64) []axisRange {
	var out []axisRange
	for i := int64(0); i < length; i += step {
		hi := i + step
		if hi > length {
			hi = length
		}
		out = append(out, axisRange{lo: i, hi: hi})
	}
	return out
}

// cartesianProduct enumerates every combination of one range per axis.
// Each axis contributes its list of candidate ranges; lo.Flatten
// collapses the per-prefix nested extension lists back into the flat
// combo list the next axis iterates over, the same flattening idiom
// the core leans on wherever a step produces one slice per input item.
func cartesianProduct(axisSplits [][]axisRange) [][]axisRange {
	combos := [][]axisRange{{}}
	for _, ranges := range axisSplits {
		perPrefix := make([][][]axisRange, 0, len(combos))
		for _, prefix := range combos {
			extended := make([][]axisRange, 0, len(ranges))
			for _, r := range ranges {
				extended = append(extended, append(append([]axisRange{}, prefix...), r))
			}
			perPrefix = append(perPrefix, extended)
		}
		combos = lo.Flatten(perPrefix)
	}

	return combos
}
