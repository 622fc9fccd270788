package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tributary/pkg/connector/core"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/filter"
	"github.com/ajitpratap0/tributary/pkg/ingestion"
)

func TestPushBeforeInitialize(t *testing.T) {
	c := New(1, "clicks")
	err := c.Push(context.Background(), ingestion.NewCommitMessage(ingestion.OpIdentifier{}))
	assert.True(t, errors.IsType(err, errors.ErrorTypeInitialization))
	assert.True(t, errors.IsType(c.Start(context.Background()), errors.ErrorTypeInitialization))
}

func TestPushThroughIngestor(t *testing.T) {
	ctx := context.Background()
	ing := ingestion.NewIngestor(ingestion.Config{Capacity: 8})
	defer ing.Close()

	expr, err := filter.Parse([]byte(`{"country": "NZ"}`))
	require.NoError(t, err)

	c := New(3, "clicks")
	require.NoError(t, c.Initialize(ctx, ing, []core.TableInfo{
		{Name: "pageviews"},
		{Name: "clicks", Filter: expr},
	}))
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	op := func(table, country string) ingestion.IngestionMessage {
		return ingestion.NewOperationMessage(ingestion.OpIdentifier{TxID: 1}, ingestion.Operation{
			Kind:  ingestion.OperationInsert,
			Table: table,
			After: ingestion.Record{"country": country},
		})
	}
	pushed := 0
	for _, msg := range []ingestion.IngestionMessage{
		op("clicks", "AU"),
		op("clicks", "NZ"),
		op("pageviews", "AU"),
		op("clicks", "AU"),
	} {
		err := c.Push(ctx, msg)
		if msg.Operation.Table == "clicks" && msg.Operation.After["country"] == "AU" {
			require.Error(t, err)
			assert.True(t, core.IsFiltered(err))
			assert.False(t, errors.IsType(err, errors.ErrorTypeIngestion))
			continue
		}
		require.NoError(t, err)
		pushed++
	}

	first, ok := ing.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, uint64(3), first.ConnectorID)
	assert.Equal(t, "NZ", first.Message.Operation.After["country"])
	assert.Equal(t, 1, first.Message.Operation.TableIndex)

	second, ok := ing.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, 0, second.Message.Operation.TableIndex)
	assert.Equal(t, uint64(pushed), ing.Stats().Accepted)
}

func TestPushLeavesCallerOperationUntouched(t *testing.T) {
	ctx := context.Background()
	ing := ingestion.NewIngestor(ingestion.Config{Capacity: 4})
	defer ing.Close()

	c := New(1, "clicks")
	require.NoError(t, c.Initialize(ctx, ing, []core.TableInfo{{Name: "pageviews"}, {Name: "clicks"}}))

	msg := ingestion.NewOperationMessage(ingestion.OpIdentifier{TxID: 1}, ingestion.Operation{
		Kind:       ingestion.OperationInsert,
		Table:      "clicks",
		TableIndex: 9,
	})
	require.NoError(t, c.Push(ctx, msg))
	assert.Equal(t, 9, msg.Operation.TableIndex)

	got, ok := ing.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, 1, got.Message.Operation.TableIndex)
	assert.NotSame(t, msg.Operation, got.Message.Operation)
}

func TestDiscoveryUnsupported(t *testing.T) {
	c := New(1, "clicks")
	ctx := context.Background()

	_, err := c.GetTables(ctx)
	assert.True(t, core.IsUnsupported(err))
	_, err = c.GetSchemas(ctx, []string{"clicks"})
	assert.True(t, core.IsUnsupported(err))
	assert.True(t, core.IsUnsupported(c.TestConnection(ctx)))
}

func TestPushAfterIngestorClose(t *testing.T) {
	ctx := context.Background()
	ing := ingestion.NewIngestor(ingestion.Config{Capacity: 1})
	c := New(1, "clicks")
	require.NoError(t, c.Initialize(ctx, ing, nil))
	ing.Close()

	err := c.Push(ctx, ingestion.NewCommitMessage(ingestion.OpIdentifier{}))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeIngestion))
}
