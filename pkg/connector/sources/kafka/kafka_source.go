// Package kafka relays change records published to Kafka topics. Each bound
// table is a topic; every record is ingested as a one-operation transaction.
package kafka

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/connector/base"
	"github.com/ajitpratap0/tributary/pkg/connector/core"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/ingestion"
	"github.com/ajitpratap0/tributary/pkg/metrics"
)

// Type is the registered connector type
const Type = "kafka"

// Config holds the connection properties of a Kafka connector
type Config struct {
	Brokers       []string `yaml:"brokers"`
	GroupID       string   `yaml:"group_id"`
	Format        string   `yaml:"format"`
	AvroSchema    string   `yaml:"avro_schema"`
	KeyFields     []string `yaml:"key_fields"`
	Version       string   `yaml:"version"`
	InitialOffset string   `yaml:"initial_offset"` // oldest, newest
}

// DefaultConfig returns the defaults applied before properties are decoded
func DefaultConfig() Config {
	return Config{
		GroupID:       "tributary",
		Format:        FormatJSON,
		InitialOffset: "newest",
	}
}

// Connector consumes topics through a consumer group
type Connector struct {
	*base.BaseConnector
	config Config
	sarama *sarama.Config
	avro   *avroDecoder

	txid atomic.Uint64
	// claims run one goroutine per partition; pushMu keeps each
	// operation and its commit adjacent
	pushMu sync.Mutex
}

var _ core.Connector = (*Connector)(nil)

// New creates a Kafka connector from its connection configuration
func New(id uint64, cfg config.ConnectionConfig) (*Connector, error) {
	kc := DefaultConfig()
	if err := cfg.DecodeProperties(&kc); err != nil {
		return nil, err
	}
	if len(kc.Brokers) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "brokers is required").
			WithDetail("connection", cfg.Name)
	}

	c := &Connector{
		BaseConnector: base.NewBaseConnector(id, cfg.Name, Type),
		config:        kc,
	}

	switch kc.Format {
	case FormatJSON:
	case FormatAvro:
		if kc.AvroSchema == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "avro_schema is required for the avro format").
				WithDetail("connection", cfg.Name)
		}
		dec, err := newAvroDecoder(kc.AvroSchema)
		if err != nil {
			return nil, err
		}
		c.avro = dec
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown format %q", kc.Format).
			WithDetail("connection", cfg.Name)
	}

	sc, err := buildSaramaConfig(kc)
	if err != nil {
		return nil, err
	}
	c.sarama = sc
	return c, nil
}

func buildSaramaConfig(kc Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.ClientID = "tributary"
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Return.Errors = false

	switch kc.InitialOffset {
	case "oldest", "earliest":
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	case "newest", "latest", "":
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown initial_offset %q", kc.InitialOffset)
	}

	if kc.Version != "" {
		v, err := sarama.ParseKafkaVersion(kc.Version)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid kafka version")
		}
		sc.Version = v
	}
	return sc, nil
}

func (c *Connector) client(ctx context.Context) (sarama.Client, error) {
	var client sarama.Client
	err := c.RetryPolicy().Execute(ctx, func() error {
		var err error
		client, err = sarama.NewClient(c.config.Brokers, c.sarama)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create Kafka client").
				WithDetail("brokers", strings.Join(c.config.Brokers, ","))
		}
		return nil
	})
	return client, err
}

// TestConnection opens and closes a client against the brokers
func (c *Connector) TestConnection(ctx context.Context) error {
	return c.Tracer().Trace(ctx, core.OperationTestConnection, func(ctx context.Context) error {
		client, err := c.client(ctx)
		if err != nil {
			return err
		}
		return client.Close()
	})
}

// GetTables lists the topics of the cluster, internal topics excluded
func (c *Connector) GetTables(ctx context.Context) ([]core.TableInfo, error) {
	client, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	topics, err := client.Topics()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to list topics")
	}
	sort.Strings(topics)

	var tables []core.TableInfo
	for _, topic := range topics {
		if strings.HasPrefix(topic, "__") {
			continue
		}
		tables = append(tables, core.TableInfo{Name: topic, ID: uint32(len(tables))})
	}
	return tables, nil
}

// GetSchemas derives the schema of each topic from the Avro record schema.
// JSON envelopes carry no schema.
func (c *Connector) GetSchemas(ctx context.Context, tableNames []string) ([]core.NamedSchema, error) {
	if c.avro == nil {
		return nil, core.Unsupported(c.Name(), core.OperationGetSchemas)
	}
	schema := c.avro.schema(c.config.KeyFields)
	out := make([]core.NamedSchema, len(tableNames))
	for i, name := range tableNames {
		out[i] = core.NamedSchema{Name: name, Schema: schema}
	}
	return out, nil
}

// Start joins the consumer group for the bound topics
func (c *Connector) Start(ctx context.Context) error {
	if err := c.RequireInitialized(); err != nil {
		return err
	}
	topics := core.TableNames(c.Tables())

	client, err := c.client(ctx)
	if err != nil {
		return err
	}
	group, err := sarama.NewConsumerGroupFromClient(c.config.GroupID, client)
	if err != nil {
		_ = client.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create consumer group").
			WithDetail("group_id", c.config.GroupID)
	}

	if err := c.Begin(ctx); err != nil {
		_ = group.Close()
		_ = client.Close()
		return err
	}
	c.Logger().Info("joined consumer group",
		zap.Strings("topics", topics),
		zap.String("group_id", c.config.GroupID))

	// the loop owns the group and client; Stop cancels it and waits
	c.Go("consume", func(ctx context.Context) error {
		defer client.Close()
		defer group.Close()
		return c.consume(ctx, group, topics)
	})
	return nil
}

// consume rejoins the group after every rebalance until ctx is done
func (c *Connector) consume(ctx context.Context, group sarama.ConsumerGroup, topics []string) error {
	handler := &groupHandler{c: c}
	for {
		err := group.Consume(ctx, topics, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		if handler.failed() != nil {
			return handler.failed()
		}
		if err != nil {
			c.Logger().Warn("consumer group session ended", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

// operation converts a record on a bound topic. ok is false for records
// that are skipped: unbound topics and tombstones.
func (c *Connector) operation(msg *sarama.ConsumerMessage) (ingestion.Operation, bool, error) {
	index, bound := c.TableIndex(msg.Topic)
	if !bound || msg.Value == nil {
		return ingestion.Operation{}, false, nil
	}

	var (
		op  ingestion.Operation
		err error
	)
	if c.avro != nil {
		kind := ingestion.OperationInsert
		if h := header(msg, OpHeader); h != "" {
			k, ok := ingestion.ParseOperationKind(h)
			if !ok {
				return ingestion.Operation{}, false, errors.Newf(errors.ErrorTypeData, "unknown operation %q", h).
					WithDetail("topic", msg.Topic)
			}
			kind = k
		}
		op, err = c.avro.decode(msg.Topic, kind, msg.Value)
	} else {
		op, err = decodeEnvelope(msg.Topic, msg.Value)
	}
	if err != nil {
		return ingestion.Operation{}, false, err
	}
	op.TableIndex = index
	return op, true, nil
}

// pushTx pushes op followed by its commit
func (c *Connector) pushTx(ctx context.Context, op ingestion.Operation, ts time.Time) error {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	for _, m := range c.messages(op, ts) {
		if err := c.Push(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// messages wraps op into its own transaction
func (c *Connector) messages(op ingestion.Operation, ts time.Time) []ingestion.IngestionMessage {
	txid := c.txid.Add(1)
	msg := ingestion.NewOperationMessage(ingestion.OpIdentifier{TxID: txid, SeqInTx: 0}, op)
	if !ts.IsZero() {
		msg.Timestamp = ts
	}
	return []ingestion.IngestionMessage{
		msg,
		ingestion.NewCommitMessage(ingestion.OpIdentifier{TxID: txid, SeqInTx: 1}),
	}
}

func header(msg *sarama.ConsumerMessage, key string) string {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

// groupHandler implements sarama.ConsumerGroupHandler
type groupHandler struct {
	c *Connector

	mu  sync.Mutex
	err error
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) failed() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// ConsumeClaim pushes records of one partition in offset order. Records
// that do not decode are logged and skipped; a failed push ends the session.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.handle(ctx, msg); err != nil {
				h.mu.Lock()
				if h.err == nil {
					h.err = err
				}
				h.mu.Unlock()
				return err
			}
			session.MarkMessage(msg, "")
		case <-ctx.Done():
			return nil
		}
	}
}

func (h *groupHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	op, ok, err := h.c.operation(msg)
	if err != nil {
		metrics.ConnectorErrors.WithLabelValues(h.c.Name(), "decode").Inc()
		h.c.Logger().Warn("skipping undecodable record",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	admit, err := h.c.Admit(&op)
	if err != nil {
		metrics.ConnectorErrors.WithLabelValues(h.c.Name(), "filter").Inc()
		h.c.Logger().Warn("skipping record the table filter cannot evaluate",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}
	if !admit {
		return nil
	}
	return h.c.pushTx(ctx, op, msg.Timestamp)
}
