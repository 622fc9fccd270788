package core

import (
	"strings"
)

// FieldType is the logical type of a column
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeInt       FieldType = "int"
	FieldTypeFloat     FieldType = "float"
	FieldTypeBool      FieldType = "bool"
	FieldTypeTimestamp FieldType = "timestamp"
	FieldTypeDate      FieldType = "date"
	FieldTypeTime      FieldType = "time"
	FieldTypeJSON      FieldType = "json"
	FieldTypeBinary    FieldType = "binary"
	FieldTypeAny       FieldType = "any"
)

// FieldDefinition describes one column
type FieldDefinition struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Nullable bool      `json:"nullable"`
}

// Schema is the column layout of a table. PrimaryIndex holds positions into
// Fields.
type Schema struct {
	Fields       []FieldDefinition `json:"fields"`
	PrimaryIndex []int             `json:"primary_index,omitempty"`
}

// FieldIndex returns the position of the named field or -1
func (s Schema) FieldIndex(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// PrimaryKey returns the names of the primary key columns
func (s Schema) PrimaryKey() []string {
	keys := make([]string, 0, len(s.PrimaryIndex))
	for _, i := range s.PrimaryIndex {
		if i >= 0 && i < len(s.Fields) {
			keys = append(keys, s.Fields[i].Name)
		}
	}
	return keys
}

// NamedSchema pairs a table name with its schema
type NamedSchema struct {
	Name   string `json:"name"`
	Schema Schema `json:"schema"`
}

// SQLFieldType maps a SQL data type name, as reported by information_schema,
// to a FieldType. Unknown types map to FieldTypeAny.
func SQLFieldType(dataType string) FieldType {
	t := strings.ToLower(strings.TrimSpace(dataType))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	switch t {
	case "smallint", "integer", "int", "bigint", "int2", "int4", "int8", "tinyint",
		"mediumint", "serial", "bigserial", "smallserial", "year":
		return FieldTypeInt
	case "real", "double precision", "double", "float", "float4", "float8",
		"numeric", "decimal":
		return FieldTypeFloat
	case "boolean", "bool", "bit":
		return FieldTypeBool
	case "text", "character varying", "varchar", "character", "char", "uuid",
		"citext", "name", "tinytext", "mediumtext", "longtext", "enum", "set":
		return FieldTypeString
	case "timestamp", "timestamp without time zone", "timestamp with time zone",
		"timestamptz", "datetime":
		return FieldTypeTimestamp
	case "date":
		return FieldTypeDate
	case "time", "time without time zone", "time with time zone", "timetz":
		return FieldTypeTime
	case "json", "jsonb":
		return FieldTypeJSON
	case "bytea", "blob", "binary", "varbinary", "tinyblob", "mediumblob", "longblob":
		return FieldTypeBinary
	default:
		return FieldTypeAny
	}
}
