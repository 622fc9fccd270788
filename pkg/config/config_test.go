package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/ajitpratap0/tributary/pkg/errors"
)

const sampleConfig = `
name: shop
ingestion:
  capacity: 64
  shutdown_timeout: 5s
flags:
  enable_probabilistic_optimizations:
    in_joins: true
connections:
  - name: pg1
    type: postgresql-cdc
    properties:
      dsn: postgres://localhost/shop
      slot_name: orders_slot
      standby_timeout: 10s
  - name: ev
    type: events
sources:
  - name: pg_orders
    connection: pg1
    table: orders
    columns: [id, amount]
    filter:
      amount: {$gt: 100}
  - name: clicks
    connection: ev
    table: clicks
pipelines:
  - name: orders
    processors:
      - id: join
        kind: union
        inputs: 2
        entry_points:
          - {source: pg_orders, port: 0}
          - {source: clicks, port: 1}
    sinks:
      - id: s1
        kind: log
    edges:
      - {from: join, from_port: 0, to: s1, to_port: 0}
`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "shop", cfg.Name)
	assert.Equal(t, 64, cfg.Ingestion.Capacity)
	assert.Equal(t, 5*time.Second, cfg.Ingestion.ShutdownTimeout)
	// defaults survive partial sections
	assert.Equal(t, 30*time.Second, cfg.Ingestion.StatsInterval)
	assert.True(t, cfg.Flags.EnableProbabilisticOptimizations.InJoins)
	assert.False(t, cfg.Flags.EnableProbabilisticOptimizations.InSets)

	require.Len(t, cfg.Pipelines, 1)
	join := cfg.Pipelines[0].Processors[0]
	assert.Equal(t, 2, join.Inputs)
	assert.Equal(t, []EntryPointConfig{{Source: "pg_orders", Port: 0}, {Source: "clicks", Port: 1}}, join.EntryPoints)

	assert.Len(t, cfg.SourcesFor("pg1"), 1)
	_, ok := cfg.Connection("ev")
	assert.True(t, ok)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestDecodeProperties(t *testing.T) {
	cfg := NewDefault()
	require.NoError(t, Parse([]byte(sampleConfig), cfg))

	type pgProps struct {
		DSN            string        `yaml:"dsn"`
		SlotName       string        `yaml:"slot_name"`
		Publication    string        `yaml:"publication"`
		StandbyTimeout time.Duration `yaml:"standby_timeout"`
	}
	props := pgProps{Publication: "tributary_pub"}
	require.NoError(t, cfg.Connections[0].DecodeProperties(&props))

	assert.Equal(t, "postgres://localhost/shop", props.DSN)
	assert.Equal(t, "orders_slot", props.SlotName)
	assert.Equal(t, "tributary_pub", props.Publication)
	assert.Equal(t, 10*time.Second, props.StandbyTimeout)

	// no properties leaves defaults alone
	empty := pgProps{SlotName: "keep"}
	require.NoError(t, cfg.Connections[1].DecodeProperties(&empty))
	assert.Equal(t, "keep", empty.SlotName)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := NewDefault()
	cfg.Ingestion.Capacity = 0
	cfg.Connections = []ConnectionConfig{
		{Name: "pg1", Type: "postgresql-cdc"},
		{Name: "pg1"},
	}
	cfg.Sources = []SourceConfig{
		{Name: "a", Connection: "missing", Table: "t"},
		{Name: "a", Connection: "pg1"},
	}
	cfg.Pipelines = []PipelineConfig{{
		Name: "p",
		Sinks: []NodeConfig{
			{ID: "s", Kind: "log", EntryPoints: []EntryPointConfig{{Source: "a"}, {Source: "a"}}},
			{ID: "s", Kind: "log"},
		},
		Edges: []EdgeConfig{{From: "x", To: "s"}},
	}}

	err := cfg.Validate()
	require.Error(t, err)

	msgs := make([]string, 0)
	for _, e := range multierr.Errors(err) {
		assert.True(t, errors.IsType(e, errors.ErrorTypeValidation))
		msgs = append(msgs, e.Error())
	}
	assert.Contains(t, msgs, "validation: ingestion.capacity must be positive")
	assert.Contains(t, msgs, `validation: connections[1]: duplicate connection "pg1"`)
	assert.Contains(t, msgs, "validation: connections[1]: type is required")
	assert.Contains(t, msgs, `validation: sources[0]: unknown connection "missing"`)
	assert.Contains(t, msgs, `validation: sources[1]: duplicate source "a"`)
	assert.Contains(t, msgs, "validation: sources[1]: table is required")
	assert.Contains(t, msgs, `validation: pipelines[0]: duplicate node "s"`)
	assert.Contains(t, msgs, `validation: pipelines[0]: sink "s" accepts at most one entry point`)
	assert.Contains(t, msgs, "validation: pipelines[0]: edge x -> s references an unknown node")
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TRIBUTARY_HOST", "db.internal")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "set", in: "host: ${TRIBUTARY_HOST}", want: "host: db.internal"},
		{name: "unset", in: "host: ${TRIBUTARY_UNSET_VAR}", want: "host: "},
		{name: "default", in: "port: ${TRIBUTARY_UNSET_VAR:-5432}", want: "port: 5432"},
		{name: "default ignored", in: "${TRIBUTARY_HOST:-x}", want: "db.internal"},
		{name: "unterminated", in: "a ${B", want: "a ${B"},
		{name: "several", in: "${TRIBUTARY_HOST}/${TRIBUTARY_HOST}", want: "db.internal/db.internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, substituteEnvVars(tt.in))
		})
	}
}

func TestValidateRejectsTableReadTwice(t *testing.T) {
	cfg := NewDefault()
	cfg.Connections = []ConnectionConfig{
		{Name: "ev1", Type: "events"},
		{Name: "ev2", Type: "events"},
	}
	cfg.Sources = []SourceConfig{
		{Name: "big_orders", Connection: "ev1", Table: "orders", Filter: map[string]interface{}{"total": 10}},
		{Name: "orders", Connection: "ev1", Table: "orders"},
		{Name: "mirror", Connection: "ev2", Table: "orders"},
	}

	err := cfg.Validate()
	require.Error(t, err)
	errs := multierr.Errors(err)
	require.Len(t, errs, 1)
	assert.Equal(t, `validation: sources[1]: table "orders" of connection "ev1" is already read by source "big_orders"`, errs[0].Error())

	cfg.Sources = cfg.Sources[1:]
	assert.NoError(t, cfg.Validate())
}
