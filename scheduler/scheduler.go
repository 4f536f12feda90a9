// Package scheduler fans a mapper or side-effecting function out over
// every tile of a table, dispatching each shard's work through an
// rpc.Transport. The lazy expression DAG/optimizer that would normally
// drive scheduling is out of scope here; this package is the reference
// implementation of the scheduler's own interface boundary, grounded on
// the original's map_to_table/foreach dispatch over blob_ctx.
package scheduler

import (
	"context"
	"log"

	"github.com/spartan-array/spartan/extent"
	"github.com/spartan-array/spartan/rpc"
	"github.com/spartan-array/spartan/table"
	"github.com/spartan-array/spartan/tile"
)

// MapperFn transforms the tile stored at key into a new tile; kw
// carries caller-supplied keyword arguments through to every
// invocation, mirroring the original's mapper_fn(ex, tile, **kw)
// convention.
type MapperFn func(key extent.TileExtent, value tile.Tile, kw map[string]any) (tile.Tile, error)

// ForeachFn runs for side effects only; it receives the same
// arguments as MapperFn but its return value is discarded.
type ForeachFn func(key extent.TileExtent, value tile.Tile, kw map[string]any) error

// MapResult pairs the outcome of one dispatched call with the key it
// ran against, so callers can correlate failures back to a tile.
type MapResult struct {
	Key   extent.TileExtent
	Value tile.Tile
	Err   error
}

// Map dispatches mapperFn against every (key, value) entry currently in
// src via transport, running one call per entry concurrently, and
// accumulates each result into dst (a fresh table, never src itself)
// under dst's own sharder and combiner. It returns once every
// dispatched call has completed or ctx is cancelled.
func Map(ctx context.Context, src *table.Table, dst *table.Table, transport rpc.Transport, mapperFn MapperFn, kw map[string]any) ([]MapResult, error) {
	entries, err := src.Keys()
	if err != nil {
		return nil, err
	}

	results := make([]MapResult, len(entries))
	done := make(chan int, len(entries))

	for i, e := range entries {
		i, e := i, e
		go func() {
			out, err := transport.Dispatch(ctx, 0, func() (any, error) {
				return mapperFn(e.Key, e.Value, kw)
			})
			if err != nil {
				results[i] = MapResult{Key: e.Key, Err: err}
				done <- i
				return
			}

			newValue := out.(tile.Tile)
			shard := dst.Sharder().Shard(e.Key, dst.NumShards())
			if updErr := dst.Update(shard, e.Key, newValue); updErr != nil {
				results[i] = MapResult{Key: e.Key, Err: updErr}
				done <- i
				return
			}

			results[i] = MapResult{Key: e.Key, Value: newValue}
			done <- i
		}()
	}

	for range entries {
		select {
		case <-done:
		case <-ctx.Done():
			return results, ctx.Err()
		}
	}

	log.Printf("scheduler: map completed over %d tiles", len(entries))
	return results, nil
}

// Foreach dispatches fn against every (key, value) entry currently in
// tbl for side effects, waiting for every call to complete.
func Foreach(ctx context.Context, tbl *table.Table, transport rpc.Transport, fn ForeachFn, kw map[string]any) error {
	entries, err := tbl.Keys()
	if err != nil {
		return err
	}

	errs := make(chan error, len(entries))
	for _, e := range entries {
		e := e
		go func() {
			_, err := transport.Dispatch(ctx, 0, func() (any, error) {
				return nil, fn(e.Key, e.Value, kw)
			})
			errs <- err
		}()
	}

	var firstErr error
	for range entries {
		select {
		case err := <-errs:
			if err != nil && firstErr == nil {
				firstErr = err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	log.Printf("scheduler: foreach completed over %d tiles", len(entries))
	return firstErr
}
