package mongodbcdc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/connector/core"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/filter"
	"github.com/ajitpratap0/tributary/pkg/ingestion"
)

func newConnector(t *testing.T) *Connector {
	t.Helper()
	c, err := New(1, config.ConnectionConfig{
		Name: "mongo",
		Type: Type,
		Properties: map[string]interface{}{
			"uri":      "mongodb://localhost:27017",
			"database": "shop",
		},
	})
	require.NoError(t, err)
	return c
}

func mustParse(t *testing.T, s string) filter.Expression {
	t.Helper()
	expr, err := filter.Parse([]byte(s))
	require.NoError(t, err)
	return expr
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(1, config.ConnectionConfig{Name: "mongo", Type: Type})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = New(1, config.ConnectionConfig{Name: "mongo", Type: Type, Properties: map[string]interface{}{"uri": "mongodb://x"}})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	c := newConnector(t)
	assert.Equal(t, "updateLookup", c.config.FullDocument)
}

func TestNormalize(t *testing.T) {
	oid := primitive.NewObjectID()
	when := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	got := normalize(bson.M{
		"_id":   oid,
		"at":    primitive.NewDateTimeFromTime(when),
		"qty":   int32(4),
		"tags":  primitive.A{"a", int32(1)},
		"inner": bson.D{{Key: "k", Value: primitive.Null{}}},
	})
	assert.Equal(t, map[string]interface{}{
		"_id":   oid.Hex(),
		"at":    when,
		"qty":   int64(4),
		"tags":  []interface{}{"a", int64(1)},
		"inner": map[string]interface{}{"k": nil},
	}, got)
}

func TestDocumentRow(t *testing.T) {
	row := documentRow(bson.M{"_id": "k1"}, bson.M{"_id": "k1", "status": "paid"})
	assert.Equal(t, "k1", row["_id"])
	assert.Equal(t, map[string]interface{}{"_id": "k1", "status": "paid"}, row["document"])

	row = documentRow(bson.M{"_id": "k2"}, nil)
	assert.Equal(t, ingestion.Record{"_id": "k2", "document": nil}, row)
}

func TestTxTracker(t *testing.T) {
	tx := &txTracker{txid: 1}
	op := ingestion.Operation{Kind: ingestion.OperationInsert, Table: "orders"}
	txn := int64(5)

	// standalone event: operation then commit
	msgs := tx.messages(changeEvent{}, op)
	require.Len(t, msgs, 2)
	assert.Equal(t, ingestion.OpIdentifier{TxID: 1, SeqInTx: 0}, msgs[0].Identifier)
	assert.Equal(t, ingestion.MessageKindCommit, msgs[1].Kind)

	// two events in one transaction share a txid
	msgs = tx.messages(changeEvent{TxnNumber: &txn}, op)
	require.Len(t, msgs, 1)
	msgs = tx.messages(changeEvent{TxnNumber: &txn}, op)
	require.Len(t, msgs, 1)
	assert.Equal(t, ingestion.OpIdentifier{TxID: 2, SeqInTx: 1}, msgs[0].Identifier)

	// a standalone event closes the open transaction first
	msgs = tx.messages(changeEvent{}, op)
	require.Len(t, msgs, 3)
	assert.Equal(t, ingestion.MessageKindCommit, msgs[0].Kind)
	assert.Equal(t, uint64(2), msgs[0].Identifier.TxID)
	assert.Equal(t, uint64(3), msgs[1].Identifier.TxID)

	_, ok := tx.flush()
	assert.False(t, ok)
	tx.messages(changeEvent{TxnNumber: &txn}, op)
	commit, ok := tx.flush()
	assert.True(t, ok)
	assert.Equal(t, ingestion.MessageKindCommit, commit.Kind)
}

func TestPlanFilterAndPipeline(t *testing.T) {
	pushed := planFilter(mustParse(t, `{"status": "paid", "total": {"$gte": 10}}`))
	assert.Nil(t, pushed.local)
	assert.Equal(t, bson.D{
		{Key: "fullDocument.status", Value: bson.D{{Key: "$eq", Value: "paid"}}},
		{Key: "fullDocument.total", Value: bson.D{{Key: "$gte", Value: int64(10)}}},
	}, pushed.pushdown)

	assert.NotNil(t, planFilter(mustParse(t, `{"note": {"$contains": "gift"}}`)).local)
	assert.NotNil(t, planFilter(mustParse(t, `{"tags": {"$matches_any": ["a", "b"]}}`)).local)
	assert.Equal(t, collectionFilter{}, planFilter(nil))

	pipeline := buildPipeline([]string{"orders", "users"}, map[string]collectionFilter{"orders": pushed})
	require.Len(t, pipeline, 1)
	match := pipeline[0].(bson.D)[0].Value.(bson.D)
	or := match[0].Value.(bson.A)
	require.Len(t, or, 3)
	assert.Equal(t, bson.D{{Key: "ns.coll", Value: "orders"}, {Key: "operationType", Value: "delete"}}, or[0])
	assert.Equal(t, bson.D{{Key: "ns.coll", Value: "users"}}, or[2])

	assert.Empty(t, buildPipeline(nil, nil))
}

func TestOperationAppliesLocalFilter(t *testing.T) {
	c := newConnector(t)
	require.NoError(t, c.Initialize(context.Background(), ingestion.NewIngestor(ingestion.Config{}), []core.TableInfo{
		{Name: "orders", Filter: mustParse(t, `{"note": {"$contains": "gift"}}`)},
		{Name: "users"},
	}))
	// the base connector must not filter on the row shape
	for _, tbl := range c.Tables() {
		assert.Nil(t, tbl.Filter)
	}

	ev := func(coll, note string) changeEvent {
		return changeEvent{
			OperationType: "insert",
			Namespace:     namespace{Database: "shop", Collection: coll},
			DocumentKey:   bson.M{"_id": "1"},
			FullDocument:  bson.M{"_id": "1", "note": note},
		}
	}

	op, ok, err := c.operation(ev("orders", "a gift for you"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, op.TableIndex)

	_, ok, err = c.operation(ev("orders", "plain"))
	require.NoError(t, err)
	assert.False(t, ok)

	op, ok, _ = c.operation(ev("users", "plain"))
	assert.True(t, ok)
	assert.Equal(t, 1, op.TableIndex)

	_, ok, _ = c.operation(ev("audit", "x"))
	assert.False(t, ok)

	del := changeEvent{OperationType: "delete", Namespace: namespace{Collection: "orders"}, DocumentKey: bson.M{"_id": "9"}}
	op, ok, _ = c.operation(del)
	assert.True(t, ok)
	assert.Equal(t, "9", op.Before["_id"])
}

func TestGetSchemasIsFixed(t *testing.T) {
	c := newConnector(t)
	schemas, err := c.GetSchemas(context.Background(), []string{"orders", "users"})
	require.NoError(t, err)
	require.Len(t, schemas, 2)
	assert.Equal(t, DocumentSchema, schemas[1].Schema)
	assert.Equal(t, []string{"_id"}, schemas[0].Schema.PrimaryKey())
}
