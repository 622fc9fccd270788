package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tributary/pkg/connector/core"
	"github.com/ajitpratap0/tributary/pkg/connector/sources/events"
	"github.com/ajitpratap0/tributary/pkg/dag"
	"github.com/ajitpratap0/tributary/pkg/errors"
)

type plainSource struct{}

func (plainSource) OutputPorts() []dag.PortHandle { return []dag.PortHandle{dag.DefaultPort} }

func TestAsSourceFactory(t *testing.T) {
	conn := events.New(1, "ev")
	tables := []core.TableInfo{{Name: "users"}, {Name: "orders", ID: 1}}

	f := core.AsSourceFactory(conn, tables)
	assert.Equal(t, []dag.PortHandle{0, 1}, f.OutputPorts())

	got, ok := core.ConnectorOf(f)
	require.True(t, ok)
	assert.Same(t, conn, got)

	_, ok = core.ConnectorOf(plainSource{})
	assert.False(t, ok)

	assert.Empty(t, core.AsSourceFactory(conn, nil).OutputPorts())
	assert.Equal(t, []string{"users", "orders"}, core.TableNames(tables))
}

func TestSQLFieldType(t *testing.T) {
	tests := map[string]core.FieldType{
		"integer":                  core.FieldTypeInt,
		"BIGINT":                   core.FieldTypeInt,
		"int(11)":                  core.FieldTypeInt,
		"numeric(10,2)":            core.FieldTypeFloat,
		"double precision":         core.FieldTypeFloat,
		"tinyint":                  core.FieldTypeInt,
		"boolean":                  core.FieldTypeBool,
		"varchar(255)":             core.FieldTypeString,
		"character varying":        core.FieldTypeString,
		"timestamp with time zone": core.FieldTypeTimestamp,
		"datetime":                 core.FieldTypeTimestamp,
		"date":                     core.FieldTypeDate,
		"timetz":                   core.FieldTypeTime,
		"jsonb":                    core.FieldTypeJSON,
		"bytea":                    core.FieldTypeBinary,
		" point ":                  core.FieldTypeAny,
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, core.SQLFieldType(in))
		})
	}
}

func TestSchemaLookups(t *testing.T) {
	s := core.Schema{
		Fields: []core.FieldDefinition{
			{Name: "id", Type: core.FieldTypeInt},
			{Name: "tenant", Type: core.FieldTypeString},
			{Name: "total", Type: core.FieldTypeFloat, Nullable: true},
		},
		PrimaryIndex: []int{1, 0, 7},
	}
	assert.Equal(t, 2, s.FieldIndex("total"))
	assert.Equal(t, -1, s.FieldIndex("missing"))
	assert.Equal(t, []string{"tenant", "id"}, s.PrimaryKey())
}

func TestConnectorErrors(t *testing.T) {
	err := core.Unsupported("ev", core.OperationGetTables)
	assert.True(t, core.IsUnsupported(err))
	op, ok := err.Detail("operation")
	require.True(t, ok)
	assert.Equal(t, core.OperationGetTables, op)

	err = core.NotInitialized("ev")
	assert.True(t, errors.IsType(err, errors.ErrorTypeInitialization))
	assert.False(t, core.IsUnsupported(err))

	err = core.Filtered("ev", "clicks")
	assert.True(t, core.IsFiltered(err))
	assert.True(t, errors.IsConnector(err))
	table, _ := err.Detail("table")
	assert.Equal(t, "clicks", table)
}
