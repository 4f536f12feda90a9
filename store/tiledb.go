package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	tiledb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/spartan-array/spartan/extent"
	"github.com/spartan-array/spartan/tile"
)

// Errors raised while building or driving the TileDB-backed shard store.
var (
	ErrCreateShardTdb = errors.New("Error Creating TileDB Shard Array")
	ErrWriteShardTdb  = errors.New("Error Writing TileDB Shard Array")
	ErrReadShardTdb   = errors.New("Error Reading TileDB Shard Array")
	ErrOpenShardTdb   = errors.New("Error Opening TileDB Shard Array")
)

// ArrayOpen is a helper for opening a tiledb array, grounded on
// tiledb.go's ArrayOpen.
func ArrayOpen(ctx *tiledb.Context, uri string, mode tiledb.QueryType) (*tiledb.Array, error) {
	array, err := tiledb.NewArray(ctx, uri)
	if err != nil {
		return nil, err
	}

	if err := array.Open(mode); err != nil {
		array.Free()
		return nil, err
	}

	return array, nil
}

// ZstdFilter initialises the Zstandard compression filter and sets the
// compression level, grounded on tiledb.go's ZstdFilter.
func ZstdFilter(ctx *tiledb.Context, level int32) (*tiledb.Filter, error) {
	filt, err := tiledb.NewFilter(ctx, tiledb.TILEDB_FILTER_ZSTD)
	if err != nil {
		return nil, err
	}

	if err := filt.SetOption(tiledb.TILEDB_COMPRESSION_LEVEL, level); err != nil {
		filt.Free()
		return nil, err
	}

	return filt, nil
}

// AttachFilters acts as a helper for attaching the same filter list to a
// batch of attributes, grounded on tiledb.go's AttachFilters.
func AttachFilters(filterList *tiledb.FilterList, attrs ...*tiledb.Attribute) error {
	for _, attr := range attrs {
		if err := attr.SetFilterList(filterList); err != nil {
			return err
		}
	}
	return nil
}

// TileDBConfig describes how a shard's tiles are persisted to TileDB.
type TileDBConfig struct {
	// URI is the directory (local or object-store path understood by
	// TileDB's VFS) housing one sparse array per shard.
	URI string
	// ZstdLevel is the compression level applied to the tile data and
	// shape attributes. -1 selects TileDB's library default.
	ZstdLevel int32
}

// TileDBFactory returns a Factory producing one TileDB-backed shard
// store per shard, each under URI/shard-<n>.
func TileDBFactory(cfg TileDBConfig) Factory {
	return func(shard int) (ShardStore, error) {
		return newTileDBStore(cfg, shard)
	}
}

// tiledbStore persists tiles to a TileDB sparse array keyed by the
// extent's ravelled ul/lr bounds, adapting tiledb.go's CreateAttr/
// ArrayOpen/filter-pipeline idiom to Spartan's tile wire shape.
type tiledbStore struct {
	mu     sync.Mutex
	ctx    *tiledb.Context
	config *tiledb.Config
	uri    string
}

func newTileDBStore(cfg TileDBConfig, shard int) (*tiledbStore, error) {
	uri := fmt.Sprintf("%s/shard-%d", cfg.URI, shard)

	config, err := tiledb.NewConfig()
	if err != nil {
		return nil, errors.Join(ErrCreateShardTdb, err)
	}

	ctx, err := tiledb.NewContext(config)
	if err != nil {
		config.Free()
		return nil, errors.Join(ErrCreateShardTdb, err)
	}

	s := &tiledbStore{ctx: ctx, config: config, uri: uri}
	if err := s.ensureSchema(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// ensureSchema creates the backing sparse array on first use. The
// schema mirrors tiledb.go's CreateAttr filter pipeline: a zstandard
// compression filter on the variable-length payload attribute.
func (s *tiledbStore) ensureSchema(cfg TileDBConfig) error {
	array, err := tiledb.NewArray(s.ctx, s.uri)
	if err == nil {
		array.Free()
		return nil
	}

	dom, err := tiledb.NewDomain(s.ctx)
	if err != nil {
		return errors.Join(ErrCreateShardTdb, err)
	}
	defer dom.Free()

	ravelUl, err := tiledb.NewDimension(s.ctx, "ravel_ul", tiledb.TILEDB_INT64, []int64{0, 1 << 40}, int64(1024))
	if err != nil {
		return errors.Join(ErrCreateShardTdb, err)
	}
	ravelLr, err := tiledb.NewDimension(s.ctx, "ravel_lr", tiledb.TILEDB_INT64, []int64{0, 1 << 40}, int64(1024))
	if err != nil {
		return errors.Join(ErrCreateShardTdb, err)
	}

	if err := dom.AddDimensions(ravelUl, ravelLr); err != nil {
		return errors.Join(ErrCreateShardTdb, err)
	}

	schema, err := tiledb.NewArraySchema(s.ctx, tiledb.TILEDB_SPARSE)
	if err != nil {
		return errors.Join(ErrCreateShardTdb, err)
	}
	defer schema.Free()

	if err := schema.SetDomain(dom); err != nil {
		return errors.Join(ErrCreateShardTdb, err)
	}

	level := cfg.ZstdLevel
	if level == 0 {
		level = 16
	}

	filtList, err := tiledb.NewFilterList(s.ctx)
	if err != nil {
		return errors.Join(ErrCreateShardTdb, err)
	}
	defer filtList.Free()

	zstd, err := ZstdFilter(s.ctx, level)
	if err != nil {
		return errors.Join(ErrCreateShardTdb, err)
	}
	defer zstd.Free()

	if err := filtList.AddFilter(zstd); err != nil {
		return errors.Join(ErrCreateShardTdb, err)
	}

	envelope, err := tiledb.NewAttribute(s.ctx, "envelope", tiledb.TILEDB_STRING_UTF8)
	if err != nil {
		return errors.Join(ErrCreateShardTdb, err)
	}
	defer envelope.Free()
	if err := envelope.SetCellValNum(tiledb.TILEDB_VAR_NUM); err != nil {
		return errors.Join(ErrCreateShardTdb, err)
	}

	payload, err := tiledb.NewAttribute(s.ctx, "payload", tiledb.TILEDB_UINT8)
	if err != nil {
		return errors.Join(ErrCreateShardTdb, err)
	}
	defer payload.Free()
	if err := payload.SetCellValNum(tiledb.TILEDB_VAR_NUM); err != nil {
		return errors.Join(ErrCreateShardTdb, err)
	}

	if err := AttachFilters(filtList, envelope, payload); err != nil {
		return errors.Join(ErrCreateShardTdb, err)
	}

	if err := schema.AddAttributes(envelope, payload); err != nil {
		return errors.Join(ErrCreateShardTdb, err)
	}

	if err := tiledb.CreateArray(s.ctx, s.uri, schema); err != nil {
		return errors.Join(ErrCreateShardTdb, err)
	}

	return nil
}

// keyEnvelope is the JSON-serialized tile metadata (everything except
// the raw row-major payload, which is stored in its own attribute),
// grounded on the wire package's tileEnvelope.
type keyEnvelope struct {
	Ul         []int64 `json:"ul"`
	Lr         []int64 `json:"lr"`
	ArrayShape []int64 `json:"array_shape"`
	Shape      []int64 `json:"shape"`
	DtypeCode  uint8   `json:"dtype_code"`
	AccumCode  uint8   `json:"accumulator_code"`
	AccumName  string  `json:"accumulator_name"`
}

func (s *tiledbStore) Put(key extent.TileExtent, value tile.Tile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	array, err := ArrayOpen(s.ctx, s.uri, tiledb.TILEDB_WRITE)
	if err != nil {
		return errors.Join(ErrOpenShardTdb, err)
	}
	defer array.Free()
	defer array.Close()

	env := keyEnvelope{
		Ul: key.Ul, Lr: key.Lr, ArrayShape: key.ArrayShape,
		Shape: value.Shape, DtypeCode: uint8(value.Dtype),
		AccumCode: uint8(value.Accumulator.Kind), AccumName: value.Accumulator.Name,
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return errors.Join(ErrWriteShardTdb, err)
	}

	query, err := tiledb.NewQuery(s.ctx, array)
	if err != nil {
		return errors.Join(ErrWriteShardTdb, err)
	}
	defer query.Free()

	if err := query.SetLayout(tiledb.TILEDB_UNORDERED); err != nil {
		return errors.Join(ErrWriteShardTdb, err)
	}

	ravelUl := []int64{extent.RavelledPos(key.Ul, key.ArrayShape)}
	ravelLr := []int64{extent.RavelledPos(key.Lr, key.ArrayShape)}

	if _, err := query.SetDataBuffer("ravel_ul", ravelUl); err != nil {
		return errors.Join(ErrWriteShardTdb, err)
	}
	if _, err := query.SetDataBuffer("ravel_lr", ravelLr); err != nil {
		return errors.Join(ErrWriteShardTdb, err)
	}

	envOffsets := []uint64{0}
	if _, err := query.SetOffsetsBuffer("envelope", envOffsets); err != nil {
		return errors.Join(ErrWriteShardTdb, err)
	}
	if _, err := query.SetDataBuffer("envelope", envJSON); err != nil {
		return errors.Join(ErrWriteShardTdb, err)
	}

	payloadOffsets := []uint64{0}
	if _, err := query.SetOffsetsBuffer("payload", payloadOffsets); err != nil {
		return errors.Join(ErrWriteShardTdb, err)
	}
	if _, err := query.SetDataBuffer("payload", value.Data); err != nil {
		return errors.Join(ErrWriteShardTdb, err)
	}

	if err := query.Submit(); err != nil {
		return errors.Join(ErrWriteShardTdb, err)
	}

	return nil
}

func (s *tiledbStore) Get(key extent.TileExtent) (tile.Tile, bool, error) {
	keys, envs, payloads, err := s.readAll()
	if err != nil {
		return tile.Tile{}, false, err
	}

	for i, k := range keys {
		if k.Equal(key) {
			env := envs[i]
			return tile.Tile{
				Shape: env.Shape,
				Dtype: tile.Dtype(env.DtypeCode),
				Data:  payloads[i],
				Accumulator: tile.Accumulator{
					Kind: tile.AccumKind(env.AccumCode),
					Name: env.AccumName,
				},
			}, true, nil
		}
	}

	return tile.Tile{}, false, nil
}

func (s *tiledbStore) Keys() ([]extent.TileExtent, error) {
	keys, _, _, err := s.readAll()
	return keys, err
}

// readAll scans the entire shard array; adequate for the modest,
// test-scale arrays this reference implementation targets.
func (s *tiledbStore) readAll() ([]extent.TileExtent, []keyEnvelope, [][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	array, err := ArrayOpen(s.ctx, s.uri, tiledb.TILEDB_READ)
	if err != nil {
		return nil, nil, nil, errors.Join(ErrOpenShardTdb, err)
	}
	defer array.Free()
	defer array.Close()

	nonEmpty, isEmpty, err := array.NonEmptyDomain()
	if err != nil {
		return nil, nil, nil, errors.Join(ErrReadShardTdb, err)
	}
	if isEmpty {
		return nil, nil, nil, nil
	}
	_ = nonEmpty

	// A bounded scratch buffer is sufficient for the reference
	// implementation; a production adapter would grow-and-retry on
	// TILEDB_ERR_BUFFER_SIZE (TODO, once real multi-gigabyte shards are
	// exercised against this store).
	const maxCells = 1 << 16
	ravelUl := make([]int64, maxCells)
	ravelLr := make([]int64, maxCells)
	envData := make([]byte, maxCells*256)
	envOffsets := make([]uint64, maxCells)
	payloadData := make([]byte, maxCells*4096)
	payloadOffsets := make([]uint64, maxCells)

	query, err := tiledb.NewQuery(s.ctx, array)
	if err != nil {
		return nil, nil, nil, errors.Join(ErrReadShardTdb, err)
	}
	defer query.Free()

	if _, err := query.SetDataBuffer("ravel_ul", ravelUl); err != nil {
		return nil, nil, nil, errors.Join(ErrReadShardTdb, err)
	}
	if _, err := query.SetDataBuffer("ravel_lr", ravelLr); err != nil {
		return nil, nil, nil, errors.Join(ErrReadShardTdb, err)
	}
	if _, err := query.SetOffsetsBuffer("envelope", envOffsets); err != nil {
		return nil, nil, nil, errors.Join(ErrReadShardTdb, err)
	}
	if _, err := query.SetDataBuffer("envelope", envData); err != nil {
		return nil, nil, nil, errors.Join(ErrReadShardTdb, err)
	}
	if _, err := query.SetOffsetsBuffer("payload", payloadOffsets); err != nil {
		return nil, nil, nil, errors.Join(ErrReadShardTdb, err)
	}
	if _, err := query.SetDataBuffer("payload", payloadData); err != nil {
		return nil, nil, nil, errors.Join(ErrReadShardTdb, err)
	}

	if err := query.Submit(); err != nil {
		return nil, nil, nil, errors.Join(ErrReadShardTdb, err)
	}

	elements, err := query.ResultBufferElements()
	if err != nil {
		return nil, nil, nil, errors.Join(ErrReadShardTdb, err)
	}
	n := elements["ravel_ul"][1]

	var keys []extent.TileExtent
	var envs []keyEnvelope
	var payloads [][]byte

	for i := uint64(0); i < n; i++ {
		envStart := envOffsets[i]
		var envEnd uint64
		if i+1 < n {
			envEnd = envOffsets[i+1]
		} else {
			envEnd = uint64(elements["envelope"][0])
		}

		var env keyEnvelope
		if err := json.Unmarshal(envData[envStart:envEnd], &env); err != nil {
			return nil, nil, nil, errors.Join(ErrReadShardTdb, err)
		}

		payloadStart := payloadOffsets[i]
		var payloadEnd uint64
		if i+1 < n {
			payloadEnd = payloadOffsets[i+1]
		} else {
			payloadEnd = uint64(elements["payload"][0])
		}

		key, err := extent.Create(env.Ul, env.Lr, env.ArrayShape)
		if err != nil {
			return nil, nil, nil, errors.Join(ErrReadShardTdb, err)
		}

		keys = append(keys, key)
		envs = append(envs, env)
		payloads = append(payloads, payloadData[payloadStart:payloadEnd])
	}

	return keys, envs, payloads, nil
}

func (s *tiledbStore) Close() error {
	s.ctx.Free()
	s.config.Free()
	return nil
}
