// Package rpc defines the transport boundary between the core and the
// worker processes that actually host table shards. The wire protocol
// itself is out of scope here: this package only names the interface a
// concrete transport must satisfy, plus an in-process reference
// implementation used by tests and single-process deployments.
package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/alitto/pond"

	"github.com/spartan-array/spartan/extent"
	"github.com/spartan-array/spartan/table"
	"github.com/spartan-array/spartan/tile"
)

// ErrRPCTimeout is returned when a call does not complete before its
// context deadline.
var ErrRPCTimeout = errors.New("RPCTimeout")

// ErrUnknownWorker is returned when a call targets a worker id the
// transport has no route for.
var ErrUnknownWorker = errors.New("UnknownWorker")

// Transport is what DistArray and the scheduler use to reach a remote worker's table shard. A real implementation
// would serialize requests over the wire package's format and dispatch
// them to the owning worker process; Local below executes them
// in-process instead.
type Transport interface {
	// Get fetches the tile stored for key on shard at worker.
	Get(ctx context.Context, worker int, shard int, key extent.TileExtent) (tile.Tile, error)
	// GetSlice fetches only the sub-region described by ns.
	GetSlice(ctx context.Context, worker int, shard int, ns table.NestedSlice) (tile.Tile, error)
	// Update writes value under key on shard at worker.
	Update(ctx context.Context, worker int, shard int, key extent.TileExtent, value tile.Tile) error
	// Dispatch runs fn on worker and returns its result, used by the
	// scheduler to ship map/foreach closures to their target.
	Dispatch(ctx context.Context, worker int, fn func() (any, error)) (any, error)
}

// Local is a reference Transport that runs every call against a single
// in-process table using a pond worker pool, ignoring the worker id
// (there is exactly one "worker": this process). It exists so the
// core's algorithms can be exercised and tested without a real cluster
// or wire codec.
type Local struct {
	table *table.Table
	pool  *pond.WorkerPool
}

// NewLocal builds a Local transport backed by tbl, dispatching calls
// through a fixed-size pond pool sized to concurrency (mirrors the
// teacher's fixed worker-pool construction for bounded fan-out).
func NewLocal(ctx context.Context, tbl *table.Table, concurrency int) *Local {
	if concurrency <= 0 {
		concurrency = 1
	}
	pool := pond.New(concurrency, 0, pond.MinWorkers(concurrency), pond.Context(ctx))
	return &Local{table: tbl, pool: pool}
}

// Close stops the underlying pool, waiting for in-flight work.
func (l *Local) Close() {
	l.pool.StopAndWait()
}

func (l *Local) Get(ctx context.Context, worker int, shard int, key extent.TileExtent) (tile.Tile, error) {
	v, err := await(ctx, l.pool, func() (any, error) {
		return l.table.Get(shard, key)
	})
	if err != nil {
		return tile.Tile{}, err
	}
	return v.(tile.Tile), nil
}

func (l *Local) GetSlice(ctx context.Context, worker int, shard int, ns table.NestedSlice) (tile.Tile, error) {
	v, err := await(ctx, l.pool, func() (any, error) {
		return l.table.GetSlice(shard, ns)
	})
	if err != nil {
		return tile.Tile{}, err
	}
	return v.(tile.Tile), nil
}

func (l *Local) Update(ctx context.Context, worker int, shard int, key extent.TileExtent, value tile.Tile) error {
	_, err := await(ctx, l.pool, func() (any, error) {
		return nil, l.table.Update(shard, key, value)
	})
	return err
}

func (l *Local) Dispatch(ctx context.Context, worker int, fn func() (any, error)) (any, error) {
	return await(ctx, l.pool, fn)
}

// await submits fn to pool and blocks until it completes or ctx is
// done, translating a context deadline into ErrRPCTimeout the way a
// real network transport would surface a call timeout.
func await(ctx context.Context, pool *pond.WorkerPool, fn func() (any, error)) (any, error) {
	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)

	pool.Submit(func() {
		v, err := fn()
		done <- result{v: v, err: err}
	})

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return nil, errors.Join(ErrRPCTimeout, fmt.Errorf("context: %w", ctx.Err()))
	}
}
