// Package mysqlcdc streams row changes from MySQL by reading the binary log
// as a replica.
package mysqlcdc

import (
	"context"
	"database/sql"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	mysqldriver "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/connector/base"
	"github.com/ajitpratap0/tributary/pkg/connector/core"
	"github.com/ajitpratap0/tributary/pkg/errors"
)

// Type is the registered connector type
const Type = "mysql-cdc"

// Config holds the connection properties of a MySQL CDC connector
type Config struct {
	DSN             string        `yaml:"dsn"`
	ServerID        uint32        `yaml:"server_id"`
	Flavor          string        `yaml:"flavor"`
	StartPosition   string        `yaml:"start_position"`
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
}

// DefaultConfig returns the defaults applied before properties are decoded
func DefaultConfig() Config {
	return Config{
		ServerID:        1001,
		Flavor:          mysql.MySQLFlavor,
		HeartbeatPeriod: 60 * time.Second,
		ReadTimeout:     90 * time.Second,
	}
}

// Connector implements CDC for MySQL
type Connector struct {
	*base.BaseConnector
	config Config
	dsn    *mysqldriver.Config

	mu       sync.Mutex
	db       *sql.DB
	syncer   *replication.BinlogSyncer
	position mysql.Position
	columns  map[string][]string
}

var _ core.Connector = (*Connector)(nil)

// New creates a MySQL CDC connector from its connection configuration
func New(id uint64, cfg config.ConnectionConfig) (*Connector, error) {
	mc := DefaultConfig()
	if err := cfg.DecodeProperties(&mc); err != nil {
		return nil, err
	}
	if mc.DSN == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "dsn is required").
			WithDetail("connection", cfg.Name)
	}
	dsn, err := mysqldriver.ParseDSN(mc.DSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid dsn").
			WithDetail("connection", cfg.Name)
	}
	if dsn.DBName == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "dsn must name a database").
			WithDetail("connection", cfg.Name)
	}
	if mc.StartPosition != "" {
		if _, err := parsePosition(mc.StartPosition); err != nil {
			return nil, err
		}
	}
	return &Connector{
		BaseConnector: base.NewBaseConnector(id, cfg.Name, Type),
		config:        mc,
		dsn:           dsn,
		columns:       make(map[string][]string),
	}, nil
}

func (c *Connector) open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("mysql", c.config.DSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to open MySQL")
	}
	err = c.RetryPolicy().Execute(ctx, func() error {
		if err := db.PingContext(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to MySQL")
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// TestConnection connects and reads the server version
func (c *Connector) TestConnection(ctx context.Context) error {
	return c.Tracer().Trace(ctx, core.OperationTestConnection, func(ctx context.Context) error {
		db, err := c.open(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		var version string
		if err := db.QueryRowContext(ctx, "SELECT VERSION()").Scan(&version); err != nil {
			return errors.Wrap(err, errors.ErrorTypeQuery, "failed to query MySQL version")
		}
		c.Logger().Info("connected to MySQL", zap.String("version", version))
		return nil
	})
}

// GetTables lists the base tables of the DSN's database
func (c *Connector) GetTables(ctx context.Context) ([]core.TableInfo, error) {
	db, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = ? AND table_type = 'BASE TABLE'
		ORDER BY table_name`, c.dsn.DBName)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to list tables")
	}
	defer rows.Close()

	var tables []core.TableInfo
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to scan table row")
		}
		tables = append(tables, core.TableInfo{Name: name, ID: uint32(len(tables))})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to list tables")
	}
	return tables, nil
}

// GetSchemas reads column and primary key information for tableNames
func (c *Connector) GetSchemas(ctx context.Context, tableNames []string) ([]core.NamedSchema, error) {
	db, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	schemas := make([]core.NamedSchema, 0, len(tableNames))
	for _, name := range tableNames {
		database, table := c.splitTable(name)
		schema, err := tableSchema(ctx, db, database, table)
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, core.NamedSchema{Name: name, Schema: schema})
	}
	return schemas, nil
}

func tableSchema(ctx context.Context, db *sql.DB, database, table string) (core.Schema, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable, column_key
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position`, database, table)
	if err != nil {
		return core.Schema{}, errors.Wrap(err, errors.ErrorTypeQuery, "failed to query columns").
			WithDetail("table", table)
	}
	defer rows.Close()

	var schema core.Schema
	for rows.Next() {
		var column, dataType, nullable, key string
		if err := rows.Scan(&column, &dataType, &nullable, &key); err != nil {
			return core.Schema{}, errors.Wrap(err, errors.ErrorTypeData, "failed to scan column row")
		}
		if key == "PRI" {
			schema.PrimaryIndex = append(schema.PrimaryIndex, len(schema.Fields))
		}
		schema.Fields = append(schema.Fields, core.FieldDefinition{
			Name:     column,
			Type:     core.SQLFieldType(dataType),
			Nullable: nullable == "YES",
		})
	}
	if err := rows.Err(); err != nil {
		return core.Schema{}, errors.Wrap(err, errors.ErrorTypeQuery, "failed to query columns")
	}
	if len(schema.Fields) == 0 {
		return core.Schema{}, errors.Newf(errors.ErrorTypeNotFound, "table %s.%s not found", database, table).
			WithDetail("table", table)
	}
	return schema, nil
}

func (c *Connector) splitTable(name string) (string, string) {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return c.dsn.DBName, name
}

// lookupTable matches a binlog table against the bound tables. A bare table
// name matches tables in the DSN's database.
func (c *Connector) lookupTable(schema, table string) (int, string, bool) {
	if i, ok := c.TableIndex(schema + "." + table); ok {
		return i, schema + "." + table, true
	}
	if schema == c.dsn.DBName {
		if i, ok := c.TableIndex(table); ok {
			return i, table, true
		}
	}
	return 0, "", false
}

func (c *Connector) cachedColumns(schema, table string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cols, ok := c.columns[schema+"."+table]
	return cols, ok
}

// currentPosition reads the binlog coordinates from the server.
func currentPosition(ctx context.Context, db *sql.DB) (mysql.Position, error) {
	var lastErr error
	for _, stmt := range []string{"SHOW BINARY LOG STATUS", "SHOW MASTER STATUS"} {
		rows, err := db.QueryContext(ctx, stmt)
		if err != nil {
			lastErr = err
			continue
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return mysql.Position{}, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read binlog status")
		}
		if !rows.Next() {
			return mysql.Position{}, errors.New(errors.ErrorTypeConfig, "binary logging is not enabled")
		}
		values := make([]sql.RawBytes, len(cols))
		dest := make([]interface{}, len(cols))
		for i := range values {
			dest[i] = &values[i]
		}
		if len(values) < 2 {
			return mysql.Position{}, errors.Newf(errors.ErrorTypeData, "unexpected %s result", stmt)
		}
		if err := rows.Scan(dest...); err != nil {
			return mysql.Position{}, errors.Wrap(err, errors.ErrorTypeData, "failed to scan binlog status")
		}
		pos, err := strconv.ParseUint(string(values[1]), 10, 32)
		if err != nil {
			return mysql.Position{}, errors.Wrap(err, errors.ErrorTypeData, "invalid binlog position")
		}
		return mysql.Position{Name: string(values[0]), Pos: uint32(pos)}, nil
	}
	return mysql.Position{}, errors.Wrap(lastErr, errors.ErrorTypeQuery, "failed to get binlog status")
}

// Start loads column names for the bound tables and begins reading the
// binary log from the configured or current position
func (c *Connector) Start(ctx context.Context) error {
	if err := c.RequireInitialized(); err != nil {
		return err
	}

	db, err := c.open(ctx)
	if err != nil {
		return err
	}

	for _, t := range c.Tables() {
		database, table := c.splitTable(t.Name)
		schema, err := tableSchema(ctx, db, database, table)
		if err != nil {
			_ = db.Close()
			return err
		}
		names := make([]string, len(schema.Fields))
		for i, f := range schema.Fields {
			names[i] = f.Name
		}
		c.mu.Lock()
		c.columns[database+"."+table] = names
		c.mu.Unlock()
	}

	var pos mysql.Position
	if c.config.StartPosition != "" {
		pos, _ = parsePosition(c.config.StartPosition)
	} else if pos, err = currentPosition(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	host, portStr, err := net.SplitHostPort(c.dsn.Addr)
	if err != nil {
		_ = db.Close()
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid address in dsn")
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		_ = db.Close()
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid port in dsn")
	}

	syncer := replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID:        c.config.ServerID,
		Flavor:          c.config.Flavor,
		Host:            host,
		Port:            uint16(port),
		User:            c.dsn.User,
		Password:        c.dsn.Passwd,
		Charset:         "utf8mb4",
		HeartbeatPeriod: c.config.HeartbeatPeriod,
		ReadTimeout:     c.config.ReadTimeout,
		ParseTime:       true,
	})
	streamer, err := syncer.StartSync(pos)
	if err != nil {
		syncer.Close()
		_ = db.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to start binlog sync")
	}

	c.mu.Lock()
	c.db, c.syncer, c.position = db, syncer, pos
	c.mu.Unlock()

	if err := c.Begin(ctx); err != nil {
		c.closeConnections()
		return err
	}
	c.Logger().Info("started binary log streaming",
		zap.String("position", pos.String()),
		zap.Uint32("server_id", c.config.ServerID))

	c.Go("binlog", func(ctx context.Context) error {
		return c.stream(ctx, streamer)
	})
	return nil
}

func (c *Connector) stream(ctx context.Context, streamer *replication.BinlogStreamer) error {
	dec := newRowsDecoder(c.lookupTable, c.cachedColumns)
	for {
		ev, err := streamer.GetEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to read binlog event")
		}

		switch e := ev.Event.(type) {
		case *replication.RotateEvent:
			c.mu.Lock()
			c.position = mysql.Position{Name: string(e.NextLogName), Pos: uint32(e.Position)}
			c.mu.Unlock()

		case *replication.RowsEvent:
			msgs, err := dec.rows(ev.Header.EventType, string(e.Table.Schema), string(e.Table.Table),
				e.Table.ColumnNameString(), e.Rows)
			if err != nil {
				return err
			}
			for _, msg := range msgs {
				admit, err := c.Admit(msg.Operation)
				if err != nil {
					return err
				}
				if !admit {
					continue
				}
				msg.Timestamp = time.Unix(int64(ev.Header.Timestamp), 0)
				if err := c.Push(ctx, msg); err != nil {
					return err
				}
			}

		case *replication.XIDEvent:
			msg := dec.commit()
			msg.Timestamp = time.Unix(int64(ev.Header.Timestamp), 0)
			if err := c.Push(ctx, msg); err != nil {
				return err
			}
		}

		if ev.Header.LogPos > 0 {
			c.mu.Lock()
			c.position.Pos = ev.Header.LogPos
			c.mu.Unlock()
		}
	}
}

// Position returns the binlog position of the last event read
func (c *Connector) Position() mysql.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

func (c *Connector) closeConnections() {
	c.mu.Lock()
	db, syncer := c.db, c.syncer
	c.db, c.syncer = nil, nil
	c.mu.Unlock()

	if syncer != nil {
		syncer.Close()
	}
	if db != nil {
		if err := db.Close(); err != nil {
			c.Logger().Warn("failed to close connection", zap.Error(err))
		}
	}
}

// Stop ends binlog streaming and closes the connection
func (c *Connector) Stop() {
	c.BaseConnector.Stop()
	c.closeConnections()
}
