package store

import (
	"encoding/binary"
	"errors"
	"math"
	"reflect"

	stgpsr "github.com/yuin/stagparser"
)

// ErrObjectSchema is raised when a struct intended as an Object-dtype
// tile payload carries a field without a recognised "spartan" dtype tag.
var ErrObjectSchema = errors.New("Error Building Object Tile Schema")

// FieldSchema describes one field of a struct used as the payload for
// an Object-dtype tile: opaque bytes-with-schema the core transports
// but does not interpret.
type FieldSchema struct {
	Name  string
	Dtype string
}

// ParseObjectSchema reads `spartan:"dtype=..."` tags off t's exported
// fields, the same struct-tag-driven idiom used elsewhere in this
// codebase to build TileDB attributes from tagged fields, adapted here
// to describe an opaque Object tile's layout instead of a TileDB
// attribute list.
func ParseObjectSchema(t any) ([]FieldSchema, error) {
	defs, err := stgpsr.ParseStruct(t, "spartan")
	if err != nil {
		return nil, errors.Join(ErrObjectSchema, err)
	}

	values := reflect.ValueOf(t).Elem()
	types := values.Type()

	var fields []FieldSchema
	for i := 0; i < values.NumField(); i++ {
		name := types.Field(i).Name
		if !types.Field(i).IsExported() {
			continue
		}

		fieldDefs := defs[name]
		var dtype string
		for _, d := range fieldDefs {
			if v, ok := d.Attribute("dtype"); ok {
				dtype, _ = v.(string)
			}
		}
		if dtype == "" {
			return nil, errors.Join(ErrObjectSchema, errors.New("missing dtype tag on field "+name))
		}

		fields = append(fields, FieldSchema{Name: name, Dtype: dtype})
	}

	return fields, nil
}

// EncodeObject flattens a tagged struct's fixed-width numeric fields
// into the row-major byte payload of an Object-dtype tile, in schema
// field order. Variable-length and nested fields are not supported by
// this reference encoder; serializing anything more elaborate is the
// owner's responsibility.
func EncodeObject(t any, schema []FieldSchema) ([]byte, error) {
	values := reflect.ValueOf(t).Elem()

	var out []byte
	for _, f := range schema {
		field := values.FieldByName(f.Name)
		if !field.IsValid() {
			return nil, errors.Join(ErrObjectSchema, errors.New("unknown field "+f.Name))
		}

		buf := make([]byte, 8)
		switch f.Dtype {
		case "int32":
			binary.BigEndian.PutUint32(buf, uint32(int32(field.Int())))
			out = append(out, buf[:4]...)
		case "int64":
			binary.BigEndian.PutUint64(buf, uint64(field.Int()))
			out = append(out, buf[:8]...)
		case "float32":
			binary.BigEndian.PutUint32(buf, math.Float32bits(float32(field.Float())))
			out = append(out, buf[:4]...)
		case "float64":
			binary.BigEndian.PutUint64(buf, math.Float64bits(field.Float()))
			out = append(out, buf[:8]...)
		default:
			return nil, errors.Join(ErrObjectSchema, errors.New("unsupported dtype "+f.Dtype))
		}
	}

	return out, nil
}
