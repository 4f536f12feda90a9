// Package table implements the process-wide, sharded
// TileExtent -> Tile mapping: a sharder
// assigns keys to shards, an optional combiner merges concurrent
// writes to the same key on one shard, an optional reducer is recorded
// with the table (Get and GetSlice do not call it; every read returns
// the value stored on the named shard), and a selector projects a
// stored tile to the shape the caller asked for (including NestedSlice
// reads).
package table

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/spartan-array/spartan/extent"
	"github.com/spartan-array/spartan/store"
	"github.com/spartan-array/spartan/tile"
)

// Sharder maps a key to a shard index.
type Sharder interface {
	Shard(key extent.TileExtent, numShards int) int
}

// ModSharder is the simplest Sharder: round-robins the key's ravelled
// ul position modulo the shard count.
type ModSharder struct{}

func (ModSharder) Shard(key extent.TileExtent, numShards int) int {
	if numShards <= 0 {
		return 0
	}
	pos := extent.RavelledPos(key.Ul, key.ArrayShape)
	return int(pos % int64(numShards))
}

// Combiner merges two values written under the same key on one shard.
// Must be associative and commutative.
type Combiner func(existing, incoming tile.Tile) (tile.Tile, error)

// Reducer merges values for a key across shards. Table stores the
// reducer it is given but no Table read calls it.
type Reducer func(values []tile.Tile) (tile.Tile, error)

// NestedSlice requests only a sub-range of the tile stored under Ex,
// avoiding shipping the entire tile when only a fragment is needed.
type NestedSlice struct {
	Ex       extent.TileExtent
	Subslice extent.TileExtent
}

// Selector projects a stored tile to what the caller asked for: the
// whole tile for a plain extent key, or the sub-region for a
// NestedSlice.
type Selector func(key any, value tile.Tile) (tile.Tile, error)

// DefaultSelector returns the whole tile for an extent key, and the
// sub-rectangle described by key.Subslice for a NestedSlice key.
func DefaultSelector(key any, value tile.Tile) (tile.Tile, error) {
	switch k := key.(type) {
	case extent.TileExtent:
		return value, nil
	case NestedSlice:
		owner, err := extent.Create(make([]int64, len(value.Shape)), value.Shape, value.Shape)
		if err != nil {
			return tile.Tile{}, err
		}
		return tile.FromData(k.Subslice.Shape(), value.Dtype, sliceBytes(value, owner, k.Subslice))
	default:
		return tile.Tile{}, fmt.Errorf("table: unsupported key type %T", key)
	}
}

// sliceBytes extracts the sub-rectangle isect out of a tile shaped like
// owner, returning a dense row-major buffer of just that sub-region.
func sliceBytes(value tile.Tile, owner, isect extent.TileExtent) []byte {
	width := int64(1)
	switch value.Dtype {
	case tile.Int32, tile.Float32:
		width = 4
	case tile.Int64, tile.Float64:
		width = 8
	}

	offsets := extent.OffsetSlice(owner, isect)
	out := make([]byte, isect.Size()*width)
	copyOut(value.Data, owner.Shape(), out, isect.Shape(), offsets, width, nil)
	return out
}

func copyOut(src []byte, srcShape []int64, dst []byte, dstShape []int64, at []extent.AxisSlice, width int64, prefix []int64) {
	axis := len(prefix)
	if axis == len(dstShape) {
		dstPos := raveled(prefix, dstShape)
		srcPrefix := make([]int64, len(prefix))
		for i, p := range prefix {
			srcPrefix[i] = p + at[i].Lo
		}
		srcPos := raveled(srcPrefix, srcShape)
		copy(dst[dstPos*width:(dstPos+1)*width], src[srcPos*width:(srcPos+1)*width])
		return
	}

	for i := int64(0); i < dstShape[axis]; i++ {
		copyOut(src, srcShape, dst, dstShape, at, width, append(prefix, i))
	}
}

func raveled(p, shape []int64) int64 {
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

// ErrShardUnavailable is raised when a shard's owning worker has been
// lost (membership notification invalidates the table).
var ErrShardUnavailable = errors.New("ShardUnavailable")

// Table is the sharded key-value store consumed by DistArray.
type Table struct {
	sharder  Sharder
	combiner Combiner
	reducer  Reducer
	selector Selector

	mu       sync.RWMutex
	shards   []store.ShardStore
	locks    []sync.Mutex
	unavail  map[int]bool
	tableID  int
}

var nextTableID int
var tableIDMu sync.Mutex

func allocateID() int {
	tableIDMu.Lock()
	defer tableIDMu.Unlock()
	nextTableID++
	return nextTableID
}

// Options configures a new Table.
type Options struct {
	NumShards int
	Sharder   Sharder
	Combiner  Combiner
	Reducer   Reducer
	Selector  Selector
	Factory   store.Factory
}

// New constructs a table with the given number of shards, each backed
// by a ShardStore produced by opts.Factory (defaults to an in-memory
// store).
func New(opts Options) (*Table, error) {
	if opts.NumShards <= 0 {
		opts.NumShards = 1
	}
	if opts.Sharder == nil {
		opts.Sharder = ModSharder{}
	}
	if opts.Selector == nil {
		opts.Selector = DefaultSelector
	}
	if opts.Factory == nil {
		opts.Factory = store.MemoryFactory()
	}

	shards := make([]store.ShardStore, opts.NumShards)
	for i := range shards {
		s, err := opts.Factory(i)
		if err != nil {
			return nil, fmt.Errorf("table: building shard %d: %w", i, err)
		}
		shards[i] = s
	}

	log.Printf("table: created with %d shards", opts.NumShards)

	return &Table{
		sharder:  opts.Sharder,
		combiner: opts.Combiner,
		reducer:  opts.Reducer,
		selector: opts.Selector,
		shards:   shards,
		locks:    make([]sync.Mutex, opts.NumShards),
		unavail:  make(map[int]bool),
		tableID:  allocateID(),
	}, nil
}

// ID returns a process-unique identifier for this table.
func (t *Table) ID() int {
	return t.tableID
}

// NumShards returns the number of shards in the table.
func (t *Table) NumShards() int {
	return len(t.shards)
}

// Sharder exposes the table's key->shard function, used by callers
// (e.g. the scheduler) needing to pre-compute shard assignment.
func (t *Table) Sharder() Sharder {
	return t.sharder
}

// MarkUnavailable flags a shard as unavailable following a membership
// loss notification; subsequent operations against it fail with
// ErrShardUnavailable until cleared.
func (t *Table) MarkUnavailable(shard int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unavail[shard] = true
	log.Printf("table %d: shard %d marked unavailable", t.tableID, shard)
}

// ClearUnavailable clears a prior MarkUnavailable, e.g. once a
// replacement worker has taken over the shard.
func (t *Table) ClearUnavailable(shard int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.unavail, shard)
}

func (t *Table) checkAvailable(shard int) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.unavail[shard] {
		return errors.Join(ErrShardUnavailable, fmt.Errorf("shard %d", shard))
	}
	return nil
}

// Update delivers value to shard under key; if a value already exists
// it is replaced by combiner(existing, value) when a combiner is
// registered, otherwise last-writer-wins — silent LWW collisions with
// no combiner are an accepted tradeoff, not a bug.
func (t *Table) Update(shard int, key extent.TileExtent, value tile.Tile) error {
	if err := t.checkAvailable(shard); err != nil {
		return err
	}

	t.locks[shard].Lock()
	defer t.locks[shard].Unlock()

	store := t.shards[shard]
	existing, ok, err := store.Get(key)
	if err != nil {
		return err
	}

	out := value
	if ok {
		if t.combiner != nil {
			out, err = t.combiner(existing, value)
			if err != nil {
				return err
			}
		} else {
			out = value
		}
	}

	return store.Put(key, out)
}

// Get returns the stored value for key on shard, projected through the
// registered selector.
func (t *Table) Get(shard int, key extent.TileExtent) (tile.Tile, error) {
	if err := t.checkAvailable(shard); err != nil {
		return tile.Tile{}, err
	}

	value, ok, err := t.shards[shard].Get(key)
	if err != nil {
		return tile.Tile{}, err
	}
	if !ok {
		return tile.Tile{}, fmt.Errorf("table: no value for key %s on shard %d", key.Key(), shard)
	}

	return t.selector(key, value)
}

// GetSlice is Get for a NestedSlice request: the selector receives the
// sub-range and returns only that portion of the tile.
func (t *Table) GetSlice(shard int, ns NestedSlice) (tile.Tile, error) {
	if err := t.checkAvailable(shard); err != nil {
		return tile.Tile{}, err
	}

	value, ok, err := t.shards[shard].Get(ns.Ex)
	if err != nil {
		return tile.Tile{}, err
	}
	if !ok {
		return tile.Tile{}, fmt.Errorf("table: no value for key %s on shard %d", ns.Ex.Key(), shard)
	}

	return t.selector(ns, value)
}

// KeyEntry pairs a stored key with its shard and tile, used to
// construct a from_table DistArray.
type KeyEntry struct {
	Shard int
	Key   extent.TileExtent
	Value tile.Tile
}

// Keys enumerates every (shard, key, value) tuple currently stored.
func (t *Table) Keys() ([]KeyEntry, error) {
	var out []KeyEntry
	for shard, s := range t.shards {
		keys, err := s.Keys()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			v, ok, err := s.Get(k)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, KeyEntry{Shard: shard, Key: k, Value: v})
			}
		}
	}
	return out, nil
}

// Close releases every shard store.
func (t *Table) Close() error {
	var firstErr error
	for _, s := range t.shards {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
