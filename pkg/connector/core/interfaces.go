// Package core defines the capability every connector provides to the
// runtime: discovery, connectivity checks and a start/stop lifecycle that
// pushes change messages into a shared ingestion handler.
package core

import (
	"context"

	"github.com/ajitpratap0/tributary/pkg/dag"
	"github.com/ajitpratap0/tributary/pkg/filter"
	"github.com/ajitpratap0/tributary/pkg/ingestion"
)

// Operation names used in unsupported errors and connector metrics
const (
	OperationGetSchemas     = "get_schemas"
	OperationGetTables      = "get_tables"
	OperationTestConnection = "test_connection"
	OperationStart          = "start"
	OperationPush           = "push"
)

// TableInfo describes one table a connector reads from. The position of a
// table in the list given to Initialize is its output port.
type TableInfo struct {
	Name    string   `json:"name"`
	ID      uint32   `json:"id"`
	Columns []string `json:"columns,omitempty"`
	// Filter restricts the rows pushed for this table. Nil accepts everything.
	Filter filter.Expression `json:"-"`
}

// Connector is implemented by every source of change messages.
type Connector interface {
	// ID is the value stamped on every message the connector pushes
	ID() uint64
	Name() string
	Type() string

	// Initialize binds the ingestion handler and the tables to read. It must
	// be called before Start.
	Initialize(ctx context.Context, handler ingestion.Handler, tables []TableInfo) error

	// Discovery
	GetSchemas(ctx context.Context, tableNames []string) ([]NamedSchema, error)
	GetTables(ctx context.Context) ([]TableInfo, error)
	TestConnection(ctx context.Context) error

	// Start begins producing messages in the background and returns once
	// the connector is running.
	Start(ctx context.Context) error
	// Stop halts production. It is idempotent and safe to call without Start.
	Stop()
}

// TableNames returns the names of tables in order.
func TableNames(tables []TableInfo) []string {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}
	return names
}

type sourceFactory struct {
	conn  Connector
	ports []dag.PortHandle
}

func (s *sourceFactory) OutputPorts() []dag.PortHandle { return s.ports }

// Connector returns the wrapped connector.
func (s *sourceFactory) Connector() Connector { return s.conn }

// AsSourceFactory exposes a connector as a graph source with one output port
// per table.
func AsSourceFactory(conn Connector, tables []TableInfo) dag.SourceFactory {
	return &sourceFactory{conn: conn, ports: dag.Ports(len(tables))}
}

// ConnectorOf returns the connector behind a source factory built by
// AsSourceFactory.
func ConnectorOf(f dag.SourceFactory) (Connector, bool) {
	s, ok := f.(*sourceFactory)
	if !ok {
		return nil, false
	}
	return s.conn, true
}
