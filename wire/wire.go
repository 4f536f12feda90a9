// Package wire implements the serialization format for the RPC
// boundary the core assumes but does not itself transport: extents as
// an (ul[], lr[], array_shape[]) int64 triple, and tiles as
// (shape[], dtype_code, accumulator_code, raw_row_major_bytes).
// Fixed-width fields are written sequentially with encoding/binary; the
// accumulator's custom name (the only variable-length, non-payload
// field) rides in a small JSON envelope alongside the fixed header.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spartan-array/spartan/extent"
	"github.com/spartan-array/spartan/tile"
)

// ErrShortBuffer is returned when decoding runs out of input before a
// fixed-width field has been fully read.
var ErrShortBuffer = errors.New("wire: short buffer")

// EncodeExtent writes ex as rank, ul[rank], lr[rank], array_shape[rank]
// (each int64, big-endian).
func EncodeExtent(w io.Writer, ex extent.TileExtent) error {
	rank := int64(len(ex.Ul))
	if err := binary.Write(w, binary.BigEndian, rank); err != nil {
		return err
	}
	for _, field := range [][]int64{ex.Ul, ex.Lr, ex.ArrayShape} {
		for _, v := range field {
			if err := binary.Write(w, binary.BigEndian, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// DecodeExtent reads the format EncodeExtent writes.
func DecodeExtent(r io.Reader) (extent.TileExtent, error) {
	var rank int64
	if err := binary.Read(r, binary.BigEndian, &rank); err != nil {
		return extent.TileExtent{}, errors.Join(ErrShortBuffer, err)
	}

	ul := make([]int64, rank)
	lr := make([]int64, rank)
	arrayShape := make([]int64, rank)
	for _, field := range []([]int64){ul, lr, arrayShape} {
		for i := range field {
			if err := binary.Read(r, binary.BigEndian, &field[i]); err != nil {
				return extent.TileExtent{}, errors.Join(ErrShortBuffer, err)
			}
		}
	}

	return extent.TileExtent{Ul: ul, Lr: lr, ArrayShape: arrayShape}, nil
}

// tileEnvelope carries the one variable-length, non-payload field a
// tile needs on the wire: the name of a Named accumulator.
type tileEnvelope struct {
	AccumulatorName string `json:"accumulator_name,omitempty"`
}

// EncodeTile writes t as: shape (rank int64 + rank*int64), dtype_code
// (uint8), accumulator_code (uint8), envelope length (uint32) +
// envelope JSON, payload length (uint64) + raw row-major bytes.
func EncodeTile(w io.Writer, t tile.Tile) error {
	rank := int64(len(t.Shape))
	if err := binary.Write(w, binary.BigEndian, rank); err != nil {
		return err
	}
	for _, v := range t.Shape {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}

	if err := binary.Write(w, binary.BigEndian, uint8(t.Dtype)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint8(t.Accumulator.Kind)); err != nil {
		return err
	}

	envelope, err := json.Marshal(tileEnvelope{AccumulatorName: t.Accumulator.Name})
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(envelope))); err != nil {
		return err
	}
	if _, err := w.Write(envelope); err != nil {
		return err
	}

	if err := binary.Write(w, binary.BigEndian, uint64(len(t.Data))); err != nil {
		return err
	}
	_, err = w.Write(t.Data)
	return err
}

// DecodeTile reads the format EncodeTile writes. The decoded tile's
// Accumulator carries only Kind and Name: a Named accumulator's merge
// function is not transportable and must be re-attached by the
// receiver from a local registry keyed by name.
func DecodeTile(r io.Reader) (tile.Tile, error) {
	var rank int64
	if err := binary.Read(r, binary.BigEndian, &rank); err != nil {
		return tile.Tile{}, errors.Join(ErrShortBuffer, err)
	}

	shape := make([]int64, rank)
	for i := range shape {
		if err := binary.Read(r, binary.BigEndian, &shape[i]); err != nil {
			return tile.Tile{}, errors.Join(ErrShortBuffer, err)
		}
	}

	var dtypeCode, accumCode uint8
	if err := binary.Read(r, binary.BigEndian, &dtypeCode); err != nil {
		return tile.Tile{}, errors.Join(ErrShortBuffer, err)
	}
	if err := binary.Read(r, binary.BigEndian, &accumCode); err != nil {
		return tile.Tile{}, errors.Join(ErrShortBuffer, err)
	}

	var envelopeLen uint32
	if err := binary.Read(r, binary.BigEndian, &envelopeLen); err != nil {
		return tile.Tile{}, errors.Join(ErrShortBuffer, err)
	}
	envelopeBuf := make([]byte, envelopeLen)
	if _, err := io.ReadFull(r, envelopeBuf); err != nil {
		return tile.Tile{}, errors.Join(ErrShortBuffer, err)
	}
	var envelope tileEnvelope
	if err := json.Unmarshal(envelopeBuf, &envelope); err != nil {
		return tile.Tile{}, fmt.Errorf("wire: decoding tile envelope: %w", err)
	}

	var payloadLen uint64
	if err := binary.Read(r, binary.BigEndian, &payloadLen); err != nil {
		return tile.Tile{}, errors.Join(ErrShortBuffer, err)
	}
	data := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return tile.Tile{}, errors.Join(ErrShortBuffer, err)
	}

	accum := tile.Accumulator{Kind: tile.AccumKind(accumCode), Name: envelope.AccumulatorName}
	return tile.Tile{Shape: shape, Dtype: tile.Dtype(dtypeCode), Data: data, Accumulator: accum}, nil
}

// MarshalExtent and UnmarshalExtent are convenience wrappers around
// EncodeExtent/DecodeExtent for callers working with byte slices
// rather than streams (e.g. a Table.Put request body).
func MarshalExtent(ex extent.TileExtent) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeExtent(&buf, ex); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func UnmarshalExtent(data []byte) (extent.TileExtent, error) {
	return DecodeExtent(bytes.NewReader(data))
}

// MarshalTile and UnmarshalTile are the byte-slice counterparts of
// EncodeTile/DecodeTile.
func MarshalTile(t tile.Tile) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeTile(&buf, t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func UnmarshalTile(data []byte) (tile.Tile, error) {
	return DecodeTile(bytes.NewReader(data))
}
