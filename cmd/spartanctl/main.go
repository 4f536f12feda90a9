// Command spartanctl is the cluster bootstrap and operator CLI: it
// owns the flags that configure a cluster (worker count, host list,
// shard assignment, heartbeat timing, checkpoint path) but not the
// cluster transport itself, which a real deployment supplies over a
// network RPC implementation of rpc.Transport. Here `serve` stands up
// the in-process reference stack for local development, and `demo`
// drives the sum-scatter scenario end to end against it. Grounded on
// the cli.App/cli.Command/cli.Flag structure used elsewhere in this
// codebase's CLI entrypoints.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/spartan-array/spartan/distarray"
	"github.com/spartan-array/spartan/extent"
	"github.com/spartan-array/spartan/membership"
	"github.com/spartan-array/spartan/rpc"
	"github.com/spartan-array/spartan/store"
	"github.com/spartan-array/spartan/table"
	"github.com/spartan-array/spartan/tile"
)

// clusterFlags are the boundary flags for cluster bootstrap: they
// configure how many workers to expect, how tiles are
// assigned to them, and how liveness is tracked, but say nothing about
// how a worker process is actually spawned or reached (ssh spawn and
// the wire transport are out of scope here).
var clusterFlags = []cli.Flag{
	&cli.IntFlag{
		Name:  "num-workers",
		Value: 1,
		Usage: "Number of worker shards to partition the array across.",
	},
	&cli.StringFlag{
		Name:  "hosts",
		Usage: "Comma-separated list of worker hosts (informational in the in-process reference stack).",
	},
	&cli.StringFlag{
		Name:  "assign-mode",
		Value: "mod",
		Usage: "Shard assignment strategy: mod (round-robin by ravelled position).",
	},
	&cli.IntFlag{
		Name:  "port-base",
		Value: 9000,
		Usage: "Base port for worker RPC endpoints (informational in the in-process reference stack).",
	},
	&cli.DurationFlag{
		Name:  "heartbeat-interval",
		Value: defaultHeartbeatInterval,
		Usage: "Interval between membership heartbeat sweeps.",
	},
	&cli.IntFlag{
		Name:  "worker-failed-heartbeat-threshold",
		Value: 3,
		Usage: "Number of missed heartbeat intervals before a worker is declared lost.",
	},
	&cli.StringFlag{
		Name:  "checkpoint-path",
		Usage: "Directory to persist table shards to (unset runs fully in-memory).",
	},
}

func main() {
	app := &cli.App{
		Name:  "spartanctl",
		Usage: "bootstrap and drive a Spartan array-engine cluster",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "stand up the in-process reference table, scheduler and membership oracle",
				Flags: clusterFlags,
				Action: func(cCtx *cli.Context) error {
					return runServe(cCtx)
				},
			},
			{
				Name:  "demo",
				Usage: "run the sum-scatter scenario against the in-process reference stack",
				Flags: clusterFlags,
				Action: func(cCtx *cli.Context) error {
					return runDemo(cCtx)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func clusterFromFlags(cCtx *cli.Context) (*table.Table, *rpc.Local, *membership.Heartbeat, func(), error) {
	numWorkers := cCtx.Int("num-workers")
	if numWorkers <= 0 {
		numWorkers = 1
	}

	opts := table.Options{
		NumShards: numWorkers,
		Combiner: func(existing, incoming tile.Tile) (tile.Tile, error) {
			return tile.Merge(existing, incoming)
		},
	}
	if path := cCtx.String("checkpoint-path"); path != "" {
		log.Printf("spartanctl: persisting shards under %s via TileDB", path)
		opts.Factory = store.TileDBFactory(store.TileDBConfig{URI: path, ZstdLevel: -1})
	}

	tbl, err := table.New(opts)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	ctx := context.Background()
	transport := rpc.NewLocal(ctx, tbl, numWorkers)

	hb := membership.NewHeartbeat(cCtx.Duration("heartbeat-interval"), cCtx.Int("worker-failed-heartbeat-threshold"))
	for w := 0; w < numWorkers; w++ {
		hb.Beat(w)
	}

	if hosts := cCtx.String("hosts"); hosts != "" {
		log.Printf("spartanctl: configured hosts: %s", strings.Join(strings.Split(hosts, ","), ", "))
	}

	cleanup := func() {
		transport.Close()
		tbl.Close()
	}

	return tbl, transport, hb, cleanup, nil
}

const defaultHeartbeatInterval = 2 * time.Second

func runServe(cCtx *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	tbl, transport, hb, cleanup, err := clusterFromFlags(cCtx)
	if err != nil {
		return err
	}
	defer cleanup()

	log.Printf("spartanctl: serving %d shards, %d workers tracked", tbl.NumShards(), hb.NumWorkers())

	events := hb.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Println("spartanctl: shutting down")
			return nil
		case ev := <-events:
			log.Printf("spartanctl: membership event: worker %d %s", ev.Worker, ev.Kind)
		}
	}
}

// runDemo drives the sum-scatter scenario: create a
// distributed array, scatter values into it with a Sum accumulator so
// concurrent writes to the same region accumulate rather than
// overwrite, then map every tile through a doubling function and
// glom the whole array back for inspection.
func runDemo(cCtx *cli.Context) error {
	ctx := context.Background()

	tbl, transport, _, cleanup, err := clusterFromFlags(cCtx)
	if err != nil {
		return err
	}
	defer cleanup()

	shape := []int64{4, 4}
	arr, err := distarray.Create(ctx, shape, tile.Float64, tile.SumAccumulator(), []int64{2, 2}, tbl, transport)
	if err != nil {
		return fmt.Errorf("spartanctl demo: creating array: %w", err)
	}

	log.Printf("spartanctl demo: created %v array across %d tiles", shape, len(arr.Extent))

	region, err := extent.Create([]int64{1, 1}, []int64{3, 3}, shape)
	if err != nil {
		return err
	}
	update := tile.FromShapeAccum(region.Shape(), tile.Float64, tile.SumAccumulator())
	update.Data = tile.EncodeElements(tile.Float64, []float64{1, 1, 1, 1})
	if err := arr.Update(ctx, region, update); err != nil {
		return fmt.Errorf("spartanctl demo: scattering update: %w", err)
	}
	// scatter the same region again; Sum accumulation means the
	// overlapping tile now holds 2s rather than replacing with 1s.
	if err := arr.Update(ctx, region, update); err != nil {
		return fmt.Errorf("spartanctl demo: scattering second update: %w", err)
	}

	// map into a fresh output table (no combiner: every key is written
	// exactly once) rather than the Sum-combiner source table, or the
	// doubled values would be re-summed against the originals on write-back.
	doubled, err := arr.MapToTable(ctx, func(key extent.TileExtent, value tile.Tile, kw map[string]any) (tile.Tile, error) {
		elems := tile.DecodeElements(tile.Float64, value.Data)
		for i := range elems {
			elems[i] *= 2
		}
		out := value
		out.Data = tile.EncodeElements(tile.Float64, elems)
		return out, nil
	}, nil, nil, nil)
	if err != nil {
		return fmt.Errorf("spartanctl demo: mapping array: %w", err)
	}
	defer doubled.Table.Close()
	if dt, ok := doubled.Transport().(*rpc.Local); ok {
		defer dt.Close()
	}

	glommed, err := doubled.Glom(ctx)
	if err != nil {
		return fmt.Errorf("spartanctl demo: gloming result: %w", err)
	}

	log.Printf("spartanctl demo: result: %v", tile.DecodeElements(tile.Float64, glommed.Data))

	visited := 0
	err = doubled.Foreach(ctx, func(key extent.TileExtent, value tile.Tile, kw map[string]any) error {
		visited++
		return nil
	}, nil)
	if err != nil {
		return fmt.Errorf("spartanctl demo: foreach: %w", err)
	}
	log.Printf("spartanctl demo: visited %d tiles via scheduler.Foreach", visited)

	return nil
}
