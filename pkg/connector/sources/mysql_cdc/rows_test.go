package mysqlcdc

import (
	"context"
	"testing"

	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/connector/core"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/ingestion"
)

func shopLookup(schema, table string) (int, string, bool) {
	if schema == "shop" && table == "orders" {
		return 0, "orders", true
	}
	return 0, "", false
}

func noColumns(string, string) ([]string, bool) { return nil, false }

func TestRowsInsertAndCommit(t *testing.T) {
	d := newRowsDecoder(shopLookup, noColumns)

	msgs, err := d.rows(replication.WRITE_ROWS_EVENTv2, "shop", "orders", []string{"id", "sku", "qty"}, [][]interface{}{
		{int32(1), []byte("A-1"), uint8(2)},
		{int32(2), "B-7", nil},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, ingestion.Record{"id": int64(1), "sku": "A-1", "qty": int64(2)}, msgs[0].Operation.After)
	assert.Nil(t, msgs[1].Operation.After["qty"])
	assert.Equal(t, ingestion.OpIdentifier{TxID: 1, SeqInTx: 1}, msgs[1].Identifier)

	commit := d.commit()
	assert.Equal(t, ingestion.MessageKindCommit, commit.Kind)
	assert.Equal(t, ingestion.OpIdentifier{TxID: 1, SeqInTx: 2}, commit.Identifier)

	msgs, err = d.rows(replication.DELETE_ROWS_EVENTv2, "shop", "orders", []string{"id"}, [][]interface{}{{int64(9)}})
	require.NoError(t, err)
	assert.Equal(t, ingestion.OpIdentifier{TxID: 2, SeqInTx: 0}, msgs[0].Identifier)
	assert.Equal(t, int64(9), msgs[0].Operation.Before["id"])
}

func TestRowsUpdatePairs(t *testing.T) {
	d := newRowsDecoder(shopLookup, func(schema, table string) ([]string, bool) {
		return []string{"id", "qty"}, true
	})

	msgs, err := d.rows(replication.UPDATE_ROWS_EVENTv1, "shop", "orders", nil, [][]interface{}{
		{int64(1), int64(1)}, {int64(1), int64(5)},
		{int64(2), int64(3)}, {int64(2), int64(0)},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, ingestion.OperationUpdate, msgs[0].Operation.Kind)
	assert.Equal(t, int64(1), msgs[0].Operation.Before["qty"])
	assert.Equal(t, int64(5), msgs[0].Operation.After["qty"])
	assert.Equal(t, int64(0), msgs[1].Operation.After["qty"])

	_, err = d.rows(replication.UPDATE_ROWS_EVENTv1, "shop", "orders", nil, [][]interface{}{{int64(1), int64(1)}})
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
}

func TestRowsSkipsUnboundTables(t *testing.T) {
	d := newRowsDecoder(shopLookup, noColumns)
	msgs, err := d.rows(replication.WRITE_ROWS_EVENTv2, "shop", "audit", []string{"id"}, [][]interface{}{{1}})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = d.rows(replication.WRITE_ROWS_EVENTv2, "shop", "orders", nil, [][]interface{}{{1}})
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
}

func TestParsePosition(t *testing.T) {
	pos, err := parsePosition("mysql-bin.000042:1337")
	require.NoError(t, err)
	assert.Equal(t, "mysql-bin.000042", pos.Name)
	assert.Equal(t, uint32(1337), pos.Pos)

	for _, bad := range []string{"", "mysql-bin.000042", ":4", "file:x"} {
		_, err := parsePosition(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := func(props map[string]interface{}) config.ConnectionConfig {
		return config.ConnectionConfig{Name: "my1", Type: Type, Properties: props}
	}

	_, err := New(1, cfg(nil))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	_, err = New(1, cfg(map[string]interface{}{"dsn": "root@tcp(localhost:3306)/"}))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	_, err = New(1, cfg(map[string]interface{}{"dsn": "root@tcp(localhost:3306)/shop", "start_position": "bad"}))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	c, err := New(1, cfg(map[string]interface{}{"dsn": "root:pw@tcp(localhost:3306)/shop", "server_id": 4242}))
	require.NoError(t, err)
	assert.Equal(t, uint32(4242), c.config.ServerID)
	assert.Equal(t, "shop", c.dsn.DBName)

	require.NoError(t, c.Initialize(context.Background(), ingestion.NewIngestor(ingestion.Config{}), []core.TableInfo{
		{Name: "orders"}, {Name: "archive.orders"},
	}))
	i, name, ok := c.lookupTable("shop", "orders")
	assert.True(t, ok)
	assert.Equal(t, 0, i)
	assert.Equal(t, "orders", name)
	i, _, ok = c.lookupTable("archive", "orders")
	assert.True(t, ok)
	assert.Equal(t, 1, i)
}
