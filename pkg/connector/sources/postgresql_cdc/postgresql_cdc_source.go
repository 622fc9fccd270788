// Package postgresql_cdc streams row changes from PostgreSQL using logical
// replication with the pgoutput plugin.
package postgresql_cdc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/connector/base"
	"github.com/ajitpratap0/tributary/pkg/connector/core"
	"github.com/ajitpratap0/tributary/pkg/errors"
)

// Type is the registered connector type
const Type = "postgresql-cdc"

// Config holds the connection properties of a PostgreSQL CDC connector
type Config struct {
	ConnectionString string        `yaml:"connection_string"`
	Schema           string        `yaml:"schema"`
	SlotName         string        `yaml:"slot_name"`
	Publication      string        `yaml:"publication"`
	TempSlot         bool          `yaml:"temp_slot"`
	StartLSN         string        `yaml:"start_lsn"`
	StatusInterval   time.Duration `yaml:"status_interval"`
}

// DefaultConfig returns the defaults applied before properties are decoded
func DefaultConfig() Config {
	return Config{
		Schema:         "public",
		SlotName:       "tributary_slot",
		Publication:    "tributary_pub",
		StatusInterval: 10 * time.Second,
	}
}

// Connector implements CDC for PostgreSQL
type Connector struct {
	*base.BaseConnector
	config Config

	mu          sync.Mutex
	conn        *pgx.Conn
	replConn    *pgconn.PgConn
	flushedLSN  pglogrepl.LSN
	receivedLSN pglogrepl.LSN
}

var _ core.Connector = (*Connector)(nil)

// New creates a PostgreSQL CDC connector from its connection configuration
func New(id uint64, cfg config.ConnectionConfig) (*Connector, error) {
	pc := DefaultConfig()
	if err := cfg.DecodeProperties(&pc); err != nil {
		return nil, err
	}
	if pc.ConnectionString == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "connection_string is required").
			WithDetail("connection", cfg.Name)
	}
	if pc.StartLSN != "" {
		if _, err := pglogrepl.ParseLSN(pc.StartLSN); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid start_lsn").
				WithDetail("connection", cfg.Name)
		}
	}
	return &Connector{
		BaseConnector: base.NewBaseConnector(id, cfg.Name, Type),
		config:        pc,
	}, nil
}

func (c *Connector) connect(ctx context.Context) (*pgx.Conn, error) {
	var conn *pgx.Conn
	err := c.RetryPolicy().Execute(ctx, func() error {
		var err error
		conn, err = pgx.Connect(ctx, c.config.ConnectionString)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to PostgreSQL")
		}
		return nil
	})
	return conn, err
}

// TestConnection connects and pings the server
func (c *Connector) TestConnection(ctx context.Context) error {
	return c.Tracer().Trace(ctx, core.OperationTestConnection, func(ctx context.Context) error {
		conn, err := c.connect(ctx)
		if err != nil {
			return err
		}
		defer conn.Close(context.Background())

		var version string
		if err := conn.QueryRow(ctx, "SELECT version()").Scan(&version); err != nil {
			return errors.Wrap(err, errors.ErrorTypeQuery, "failed to query PostgreSQL version")
		}
		c.Logger().Info("connected to PostgreSQL", zap.String("version", version))
		return nil
	})
}

// GetTables lists the base tables of the configured schema
func (c *Connector) GetTables(ctx context.Context) ([]core.TableInfo, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close(context.Background())

	rows, err := conn.Query(ctx, `
		SELECT c.oid, c.relname
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind IN ('r', 'p') AND n.nspname = $1
		ORDER BY c.relname`, c.config.Schema)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to list tables")
	}
	defer rows.Close()

	var tables []core.TableInfo
	for rows.Next() {
		var t core.TableInfo
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to scan table row")
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to list tables")
	}
	return tables, nil
}

// GetSchemas reads column and primary key information for tableNames
func (c *Connector) GetSchemas(ctx context.Context, tableNames []string) ([]core.NamedSchema, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close(context.Background())

	schemas := make([]core.NamedSchema, 0, len(tableNames))
	for _, name := range tableNames {
		schema, err := c.tableSchema(ctx, conn, name)
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, core.NamedSchema{Name: name, Schema: schema})
	}
	return schemas, nil
}

func (c *Connector) tableSchema(ctx context.Context, conn *pgx.Conn, name string) (core.Schema, error) {
	schemaName, table := splitTable(name, c.config.Schema)

	rows, err := conn.Query(ctx, `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schemaName, table)
	if err != nil {
		return core.Schema{}, errors.Wrap(err, errors.ErrorTypeQuery, "failed to query columns").
			WithDetail("table", name)
	}
	var schema core.Schema
	for rows.Next() {
		var column, dataType, nullable string
		if err := rows.Scan(&column, &dataType, &nullable); err != nil {
			rows.Close()
			return core.Schema{}, errors.Wrap(err, errors.ErrorTypeData, "failed to scan column row")
		}
		schema.Fields = append(schema.Fields, core.FieldDefinition{
			Name:     column,
			Type:     core.SQLFieldType(dataType),
			Nullable: nullable == "YES",
		})
	}
	rows.Close()
	if len(schema.Fields) == 0 {
		return core.Schema{}, errors.Newf(errors.ErrorTypeNotFound, "table %s not found", name).
			WithDetail("table", name)
	}

	pkRows, err := conn.Query(ctx, `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = $1::regclass AND i.indisprimary
		ORDER BY array_position(i.indkey, a.attnum)`, schemaName+"."+table)
	if err != nil {
		return core.Schema{}, errors.Wrap(err, errors.ErrorTypeQuery, "failed to query primary key").
			WithDetail("table", name)
	}
	defer pkRows.Close()
	for pkRows.Next() {
		var column string
		if err := pkRows.Scan(&column); err != nil {
			return core.Schema{}, errors.Wrap(err, errors.ErrorTypeData, "failed to scan primary key row")
		}
		if i := schema.FieldIndex(column); i >= 0 {
			schema.PrimaryIndex = append(schema.PrimaryIndex, i)
		}
	}
	return schema, nil
}

// Start prepares the publication and slot and begins streaming changes
func (c *Connector) Start(ctx context.Context) error {
	if err := c.RequireInitialized(); err != nil {
		return err
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	replConfig, err := pgconn.ParseConfig(c.config.ConnectionString)
	if err != nil {
		conn.Close(context.Background())
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse replication config")
	}
	replConfig.RuntimeParams["replication"] = "database"
	replConn, err := pgconn.ConnectConfig(ctx, replConfig)
	if err != nil {
		conn.Close(context.Background())
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to establish replication connection")
	}

	c.mu.Lock()
	c.conn, c.replConn = conn, replConn
	c.mu.Unlock()

	if err := c.ensurePublication(ctx); err != nil {
		c.closeConnections()
		return err
	}
	startLSN, err := c.ensureReplicationSlot(ctx)
	if err != nil {
		c.closeConnections()
		return err
	}

	err = pglogrepl.StartReplication(ctx, replConn, c.config.SlotName, startLSN,
		pglogrepl.StartReplicationOptions{
			PluginArgs: []string{
				"proto_version '1'",
				fmt.Sprintf("publication_names '%s'", c.config.Publication),
			},
		})
	if err != nil {
		c.closeConnections()
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to start replication")
	}

	if err := c.Begin(ctx); err != nil {
		c.closeConnections()
		return err
	}
	c.Logger().Info("started logical replication",
		zap.String("slot", c.config.SlotName),
		zap.String("publication", c.config.Publication),
		zap.String("start_lsn", startLSN.String()))

	c.Go("replication", func(ctx context.Context) error {
		return c.stream(ctx, replConn, startLSN)
	})
	return nil
}

func (c *Connector) qualifiedTables() []string {
	tables := c.Tables()
	names := make([]string, len(tables))
	for i, t := range tables {
		schema, table := splitTable(t.Name, c.config.Schema)
		names[i] = pgx.Identifier{schema, table}.Sanitize()
	}
	return names
}

func (c *Connector) ensurePublication(ctx context.Context) error {
	var exists bool
	err := c.conn.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM pg_publication WHERE pubname = $1)",
		c.config.Publication).Scan(&exists)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to check publication existence")
	}

	pub := pgx.Identifier{c.config.Publication}.Sanitize()
	tables := c.qualifiedTables()
	var stmt string
	switch {
	case !exists && len(tables) == 0:
		stmt = fmt.Sprintf("CREATE PUBLICATION %s FOR ALL TABLES", pub)
	case !exists:
		stmt = fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s", pub, strings.Join(tables, ", "))
	case len(tables) > 0:
		stmt = fmt.Sprintf("ALTER PUBLICATION %s SET TABLE %s", pub, strings.Join(tables, ", "))
	default:
		return nil
	}

	if _, err := c.conn.Exec(ctx, stmt); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to prepare publication").
			WithDetail("publication", c.config.Publication)
	}
	c.Logger().Info("prepared publication",
		zap.String("publication", c.config.Publication),
		zap.Strings("tables", tables))
	return nil
}

func (c *Connector) ensureReplicationSlot(ctx context.Context) (pglogrepl.LSN, error) {
	var startLSN pglogrepl.LSN
	if c.config.StartLSN != "" {
		startLSN, _ = pglogrepl.ParseLSN(c.config.StartLSN)
	}

	var exists bool
	err := c.conn.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)",
		c.config.SlotName).Scan(&exists)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to check replication slot existence")
	}
	if exists {
		return startLSN, nil
	}

	result, err := pglogrepl.CreateReplicationSlot(ctx, c.replConn, c.config.SlotName, "pgoutput",
		pglogrepl.CreateReplicationSlotOptions{Temporary: c.config.TempSlot})
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to create replication slot").
			WithDetail("slot", c.config.SlotName)
	}
	c.Logger().Info("created replication slot",
		zap.String("slot", c.config.SlotName),
		zap.String("consistent_point", result.ConsistentPoint))

	if startLSN == 0 {
		if lsn, err := pglogrepl.ParseLSN(result.ConsistentPoint); err == nil {
			startLSN = lsn
		}
	}
	return startLSN, nil
}

// lookupTable matches a relation against the bound tables. A bare table
// name matches relations in the configured schema.
func (c *Connector) lookupTable(schema, table string) (int, string, bool) {
	if i, ok := c.TableIndex(schema + "." + table); ok {
		return i, schema + "." + table, true
	}
	if schema == c.config.Schema {
		if i, ok := c.TableIndex(table); ok {
			return i, table, true
		}
	}
	return 0, "", false
}

func (c *Connector) stream(ctx context.Context, replConn *pgconn.PgConn, startLSN pglogrepl.LSN) error {
	dec := newDecoder(c.lookupTable)
	c.mu.Lock()
	c.receivedLSN, c.flushedLSN = startLSN, startLSN
	c.mu.Unlock()

	interval := c.config.StatusInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	deadline := time.Now().Add(interval)

	for {
		if time.Now().After(deadline) {
			if err := c.sendStandbyStatus(ctx, replConn); err != nil {
				return err
			}
			deadline = time.Now().Add(interval)
		}

		recvCtx, cancel := context.WithDeadline(ctx, deadline)
		raw, err := replConn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if pgconn.Timeout(err) {
				continue
			}
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to receive replication message")
		}

		switch msg := raw.(type) {
		case *pgproto3.ErrorResponse:
			return errors.Newf(errors.ErrorTypeConnection, "replication error: %s", msg.Message)
		case *pgproto3.CopyData:
			if len(msg.Data) == 0 {
				continue
			}
			switch msg.Data[0] {
			case pglogrepl.PrimaryKeepaliveMessageByteID:
				ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
				if err != nil {
					return errors.Wrap(err, errors.ErrorTypeData, "failed to parse keepalive")
				}
				if ka.ReplyRequested {
					deadline = time.Time{}
				}
			case pglogrepl.XLogDataByteID:
				if err := c.handleXLogData(ctx, dec, msg.Data[1:]); err != nil {
					return err
				}
			}
		}
	}
}

func (c *Connector) handleXLogData(ctx context.Context, dec *decoder, data []byte) error {
	xld, err := pglogrepl.ParseXLogData(data)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to parse XLogData")
	}
	logical, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to parse logical replication message")
	}

	out, err := dec.decode(logical)
	if err != nil {
		return err
	}
	if out != nil {
		admit, err := c.Admit(out.Operation)
		if err != nil {
			return err
		}
		if admit {
			if err := c.Push(ctx, *out); err != nil {
				return err
			}
		}
	}

	end := xld.WALStart + pglogrepl.LSN(len(xld.WALData))
	c.mu.Lock()
	if end > c.receivedLSN {
		c.receivedLSN = end
	}
	// everything up to a pushed commit has been handed to the ingestor
	if commit, ok := logical.(*pglogrepl.CommitMessage); ok {
		c.flushedLSN = commit.TransactionEndLSN
	}
	c.mu.Unlock()
	return nil
}

func (c *Connector) sendStandbyStatus(ctx context.Context, replConn *pgconn.PgConn) error {
	c.mu.Lock()
	status := pglogrepl.StandbyStatusUpdate{
		WALWritePosition: c.receivedLSN,
		WALFlushPosition: c.flushedLSN,
		WALApplyPosition: c.flushedLSN,
		ClientTime:       time.Now(),
	}
	c.mu.Unlock()

	if err := pglogrepl.SendStandbyStatusUpdate(ctx, replConn, status); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to send standby status")
	}
	return nil
}

func (c *Connector) closeConnections() {
	c.mu.Lock()
	conn, replConn := c.conn, c.replConn
	c.conn, c.replConn = nil, nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if replConn != nil {
		if err := replConn.Close(ctx); err != nil {
			c.Logger().Warn("failed to close replication connection", zap.Error(err))
		}
	}
	if conn != nil {
		if err := conn.Close(ctx); err != nil {
			c.Logger().Warn("failed to close connection", zap.Error(err))
		}
	}
}

// Stop ends replication and closes both connections
func (c *Connector) Stop() {
	c.BaseConnector.Stop()
	c.closeConnections()
}
