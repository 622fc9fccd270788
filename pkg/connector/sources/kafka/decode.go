package kafka

import (
	"strings"

	"github.com/linkedin/goavro/v2"

	"github.com/ajitpratap0/tributary/pkg/connector/core"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/ingestion"
	jsonpool "github.com/ajitpratap0/tributary/pkg/json"
)

const (
	FormatJSON = "json"
	FormatAvro = "avro"

	// OpHeader carries the operation of an Avro encoded row
	OpHeader = "op"
)

// envelope is the JSON change format: {"op": "u", "before": {...}, "after": {...}}
type envelope struct {
	Op     string                 `json:"op"`
	Before map[string]interface{} `json:"before"`
	After  map[string]interface{} `json:"after"`
}

// decodeEnvelope parses a JSON envelope into an operation on table
func decodeEnvelope(table string, value []byte) (ingestion.Operation, error) {
	var env envelope
	if err := jsonpool.UnmarshalNumber(value, &env); err != nil {
		return ingestion.Operation{}, errors.Wrap(err, errors.ErrorTypeData, "invalid change envelope").
			WithDetail("topic", table)
	}
	kind, ok := ingestion.ParseOperationKind(env.Op)
	if !ok {
		return ingestion.Operation{}, errors.Newf(errors.ErrorTypeData, "unknown operation %q", env.Op).
			WithDetail("topic", table)
	}

	op := ingestion.Operation{Kind: kind, Table: table}
	if env.Before != nil {
		op.Before = normalizeRecord(env.Before)
	}
	if env.After != nil {
		op.After = normalizeRecord(env.After)
	}
	if op.Row() == nil {
		return ingestion.Operation{}, errors.Newf(errors.ErrorTypeData, "%s envelope has no row", kind).
			WithDetail("topic", table)
	}
	return op, nil
}

func normalizeRecord(m map[string]interface{}) ingestion.Record {
	out := make(ingestion.Record, len(m))
	for k, v := range m {
		out[k] = normalizeJSON(v)
	}
	return out
}

func normalizeJSON(v interface{}) interface{} {
	switch t := v.(type) {
	case jsonpool.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]interface{}:
		return map[string]interface{}(normalizeRecord(t))
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalizeJSON(e)
		}
		return out
	default:
		return v
	}
}

// avroField is a field of a parsed Avro record schema
type avroField struct {
	Name string      `json:"name"`
	Type interface{} `json:"type"`
}

type avroRecord struct {
	Type   string      `json:"type"`
	Name   string      `json:"name"`
	Fields []avroField `json:"fields"`
}

// avroDecoder decodes binary Avro rows of one record schema
type avroDecoder struct {
	codec  *goavro.Codec
	record avroRecord
	unions map[string]bool
}

func newAvroDecoder(schema string) (*avroDecoder, error) {
	codec, err := goavro.NewCodec(schema)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid avro schema")
	}
	var record avroRecord
	if err := jsonpool.Unmarshal([]byte(schema), &record); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid avro schema")
	}
	if record.Type != "record" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "avro schema must be a record, got %q", record.Type)
	}
	unions := make(map[string]bool)
	for _, f := range record.Fields {
		if _, ok := f.Type.([]interface{}); ok {
			unions[f.Name] = true
		}
	}
	return &avroDecoder{codec: codec, record: record, unions: unions}, nil
}

// decode converts one binary row. Union fields arrive from goavro wrapped as
// {"type": value} and are unwrapped.
func (d *avroDecoder) decode(table string, kind ingestion.OperationKind, value []byte) (ingestion.Operation, error) {
	native, _, err := d.codec.NativeFromBinary(value)
	if err != nil {
		return ingestion.Operation{}, errors.Wrap(err, errors.ErrorTypeData, "failed to decode avro row").
			WithDetail("topic", table)
	}
	fields, ok := native.(map[string]interface{})
	if !ok {
		return ingestion.Operation{}, errors.Newf(errors.ErrorTypeData, "avro row decoded to %T", native).
			WithDetail("topic", table)
	}

	row := make(ingestion.Record, len(fields))
	for k, v := range fields {
		if wrapped, ok := v.(map[string]interface{}); ok && d.unions[k] && len(wrapped) == 1 {
			for _, inner := range wrapped {
				v = inner
			}
		}
		row[k] = normalizeAvro(v)
	}

	op := ingestion.Operation{Kind: kind, Table: table}
	if kind == ingestion.OperationDelete {
		op.Before = row
	} else {
		op.After = row
	}
	return op, nil
}

func normalizeAvro(v interface{}) interface{} {
	switch t := v.(type) {
	case int32:
		return int64(t)
	case float32:
		return float64(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalizeAvro(e)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = normalizeAvro(e)
		}
		return out
	default:
		return v
	}
}

// schema derives a table schema from the record. Fields named in keys form
// the primary key.
func (d *avroDecoder) schema(keys []string) core.Schema {
	var s core.Schema
	for _, f := range d.record.Fields {
		t, nullable := avroFieldType(f.Type)
		s.Fields = append(s.Fields, core.FieldDefinition{Name: f.Name, Type: t, Nullable: nullable})
	}
	for _, k := range keys {
		if i := s.FieldIndex(k); i >= 0 {
			s.PrimaryIndex = append(s.PrimaryIndex, i)
		}
	}
	return s
}

func avroFieldType(t interface{}) (core.FieldType, bool) {
	switch v := t.(type) {
	case string:
		return avroPrimitive(v), false
	case []interface{}:
		// ["null", X] is a nullable X; wider unions have no single type
		var branches []interface{}
		nullable := false
		for _, b := range v {
			if s, ok := b.(string); ok && s == "null" {
				nullable = true
				continue
			}
			branches = append(branches, b)
		}
		if len(branches) != 1 {
			return core.FieldTypeAny, nullable
		}
		ft, _ := avroFieldType(branches[0])
		return ft, nullable
	case map[string]interface{}:
		if logical, ok := v["logicalType"].(string); ok {
			switch {
			case strings.HasPrefix(logical, "timestamp"), strings.HasPrefix(logical, "local-timestamp"):
				return core.FieldTypeTimestamp, false
			case logical == "date":
				return core.FieldTypeDate, false
			case strings.HasPrefix(logical, "time"):
				return core.FieldTypeTime, false
			case logical == "decimal":
				return core.FieldTypeFloat, false
			case logical == "uuid":
				return core.FieldTypeString, false
			}
		}
		name, _ := v["type"].(string)
		return avroPrimitive(name), false
	default:
		return core.FieldTypeAny, false
	}
}

func avroPrimitive(name string) core.FieldType {
	switch name {
	case "string", "enum":
		return core.FieldTypeString
	case "int", "long":
		return core.FieldTypeInt
	case "float", "double":
		return core.FieldTypeFloat
	case "boolean":
		return core.FieldTypeBool
	case "bytes", "fixed":
		return core.FieldTypeBinary
	case "record", "map", "array":
		return core.FieldTypeJSON
	default:
		return core.FieldTypeAny
	}
}
