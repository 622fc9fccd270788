// Package mongodbcdc streams document changes from a MongoDB database using
// change streams.
package mongodbcdc

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/connector/base"
	"github.com/ajitpratap0/tributary/pkg/connector/core"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/filter"
	"github.com/ajitpratap0/tributary/pkg/ingestion"
)

// Type is the registered connector type
const Type = "mongodb-cdc"

// Config holds the connection properties of a MongoDB CDC connector
type Config struct {
	URI          string        `yaml:"uri"`
	Database     string        `yaml:"database"`
	FullDocument string        `yaml:"full_document"`
	MaxAwaitTime time.Duration `yaml:"max_await_time"`
}

// DefaultConfig returns the defaults applied before properties are decoded
func DefaultConfig() Config {
	return Config{
		FullDocument: string(options.UpdateLookup),
		MaxAwaitTime: time.Second,
	}
}

// DocumentSchema is the schema of every collection: the document id and
// the document as JSON.
var DocumentSchema = core.Schema{
	Fields: []core.FieldDefinition{
		{Name: "_id", Type: core.FieldTypeString},
		{Name: "document", Type: core.FieldTypeJSON, Nullable: true},
	},
	PrimaryIndex: []int{0},
}

// Connector implements CDC for MongoDB
type Connector struct {
	*base.BaseConnector
	config Config

	mu          sync.Mutex
	client      *mongo.Client
	filters     map[string]collectionFilter
	resumeToken bson.Raw
}

var _ core.Connector = (*Connector)(nil)

// New creates a MongoDB CDC connector from its connection configuration
func New(id uint64, cfg config.ConnectionConfig) (*Connector, error) {
	mc := DefaultConfig()
	if err := cfg.DecodeProperties(&mc); err != nil {
		return nil, err
	}
	if mc.URI == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "uri is required").
			WithDetail("connection", cfg.Name)
	}
	if mc.Database == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "database is required").
			WithDetail("connection", cfg.Name)
	}
	return &Connector{
		BaseConnector: base.NewBaseConnector(id, cfg.Name, Type),
		config:        mc,
		filters:       make(map[string]collectionFilter),
	}, nil
}

// Initialize binds the handler and collections. Table filters are pushed
// into the change stream where possible and evaluated against the decoded
// document otherwise.
func (c *Connector) Initialize(ctx context.Context, handler ingestion.Handler, tables []core.TableInfo) error {
	filters := make(map[string]collectionFilter, len(tables))
	bound := make([]core.TableInfo, len(tables))
	for i, t := range tables {
		filters[t.Name] = planFilter(t.Filter)
		bound[i] = t
		bound[i].Filter = nil
	}
	if err := c.BaseConnector.Initialize(ctx, handler, bound); err != nil {
		return err
	}

	c.mu.Lock()
	c.filters = filters
	c.mu.Unlock()
	return nil
}

func (c *Connector) connect(ctx context.Context) (*mongo.Client, error) {
	var client *mongo.Client
	err := c.RetryPolicy().Execute(ctx, func() error {
		var err error
		client, err = mongo.Connect(ctx, options.Client().ApplyURI(c.config.URI))
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to MongoDB")
		}
		if err := client.Ping(ctx, readpref.Primary()); err != nil {
			_ = client.Disconnect(context.Background())
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to ping MongoDB primary")
		}
		return nil
	})
	return client, err
}

// TestConnection pings the primary
func (c *Connector) TestConnection(ctx context.Context) error {
	return c.Tracer().Trace(ctx, core.OperationTestConnection, func(ctx context.Context) error {
		client, err := c.connect(ctx)
		if err != nil {
			return err
		}
		return client.Disconnect(ctx)
	})
}

// GetTables lists the collections of the configured database
func (c *Connector) GetTables(ctx context.Context) ([]core.TableInfo, error) {
	client, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Disconnect(context.Background())

	names, err := client.Database(c.config.Database).ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to list collections")
	}
	sort.Strings(names)

	tables := make([]core.TableInfo, len(names))
	for i, name := range names {
		tables[i] = core.TableInfo{Name: name, ID: uint32(i)}
	}
	return tables, nil
}

// GetSchemas returns DocumentSchema for every collection
func (c *Connector) GetSchemas(ctx context.Context, tableNames []string) ([]core.NamedSchema, error) {
	schemas := make([]core.NamedSchema, len(tableNames))
	for i, name := range tableNames {
		schemas[i] = core.NamedSchema{Name: name, Schema: DocumentSchema}
	}
	return schemas, nil
}

// Start opens a change stream on the database and begins pushing changes
func (c *Connector) Start(ctx context.Context) error {
	if err := c.RequireInitialized(); err != nil {
		return err
	}

	client, err := c.connect(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	pipeline := buildPipeline(core.TableNames(c.Tables()), c.filters)
	token := c.resumeToken
	c.mu.Unlock()

	opts := options.ChangeStream().
		SetFullDocument(options.FullDocument(c.config.FullDocument)).
		SetMaxAwaitTime(c.config.MaxAwaitTime)
	if token != nil {
		opts.SetResumeAfter(token)
	}

	stream, err := client.Database(c.config.Database).Watch(ctx, pipeline, opts)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to open change stream").
			WithDetail("database", c.config.Database)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	if err := c.Begin(ctx); err != nil {
		_ = stream.Close(context.Background())
		c.disconnect()
		return err
	}
	c.Logger().Info("opened change stream", zap.String("database", c.config.Database))

	c.Go("change_stream", func(ctx context.Context) error {
		defer stream.Close(context.Background())
		return c.stream(ctx, stream)
	})
	return nil
}

func (c *Connector) stream(ctx context.Context, cs *mongo.ChangeStream) error {
	tx := &txTracker{txid: 1}
	for {
		if !cs.TryNext(ctx) {
			if err := cs.Err(); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.Wrap(err, errors.ErrorTypeConnection, "change stream failed")
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// idle: nothing more belongs to an open transaction
			if msg, ok := tx.flush(); ok {
				if err := c.Push(ctx, msg); err != nil {
					return err
				}
			}
			continue
		}

		var ev changeEvent
		if err := cs.Decode(&ev); err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "failed to decode change event")
		}
		c.mu.Lock()
		c.resumeToken = cs.ResumeToken()
		c.mu.Unlock()

		op, ok, err := c.operation(ev)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		for _, msg := range tx.messages(ev, op) {
			if err := c.Push(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// operation converts a change event, applying any filter that could not be
// pushed down. ok is false for events that are skipped.
func (c *Connector) operation(ev changeEvent) (ingestion.Operation, bool, error) {
	kind, ok := operationKind(ev.OperationType)
	if !ok {
		return ingestion.Operation{}, false, nil
	}
	index, ok := c.TableIndex(ev.Namespace.Collection)
	if !ok {
		return ingestion.Operation{}, false, nil
	}

	op := ingestion.Operation{Kind: kind, Table: ev.Namespace.Collection, TableIndex: index}
	switch kind {
	case ingestion.OperationInsert:
		op.After = documentRow(ev.DocumentKey, ev.FullDocument)
	case ingestion.OperationUpdate:
		op.After = documentRow(ev.DocumentKey, ev.FullDocument)
		if ev.FullDocumentBeforeChange != nil {
			op.Before = documentRow(ev.DocumentKey, ev.FullDocumentBeforeChange)
		}
	case ingestion.OperationDelete:
		op.Before = documentRow(ev.DocumentKey, ev.FullDocumentBeforeChange)
		return op, true, nil
	}

	c.mu.Lock()
	local := c.filters[ev.Namespace.Collection].local
	c.mu.Unlock()
	if local == nil {
		return op, true, nil
	}
	doc, _ := op.After["document"].(map[string]interface{})
	match, err := filter.Match(local, doc)
	if err != nil {
		return ingestion.Operation{}, false, errors.Wrap(err, errors.ErrorTypeData, "failed to evaluate collection filter").
			WithDetail("collection", ev.Namespace.Collection)
	}
	return op, match, nil
}

func (c *Connector) disconnect() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	if client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		c.Logger().Warn("failed to disconnect", zap.Error(err))
	}
}

// Stop closes the change stream and disconnects
func (c *Connector) Stop() {
	c.BaseConnector.Stop()
	c.disconnect()
}
