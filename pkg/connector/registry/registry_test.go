package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/connector/core"
	"github.com/ajitpratap0/tributary/pkg/connector/registry"
	_ "github.com/ajitpratap0/tributary/pkg/connector/sources"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/ingestion"
)

func TestRegistry(t *testing.T) {
	r := registry.NewRegistry()
	factory := func(id uint64, cfg config.ConnectionConfig) (core.Connector, error) {
		return nil, errors.New(errors.ErrorTypeConfig, "boom")
	}

	require.NoError(t, r.Register("fake", factory))
	assert.True(t, errors.IsType(r.Register("fake", factory), errors.ErrorTypeConfig))
	assert.True(t, errors.IsType(r.Register("nil", nil), errors.ErrorTypeConfig))
	assert.True(t, r.Has("fake"))
	assert.Equal(t, []string{"fake"}, r.List())

	_, err := r.Create(1, config.ConnectionConfig{Name: "x", Type: "missing"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	_, err = r.Create(1, config.ConnectionConfig{Name: "x", Type: "fake"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	r.Clear()
	assert.Empty(t, r.List())
}

func TestVariantsAreRegistered(t *testing.T) {
	assert.Equal(t, []string{"events", "kafka", "mongodb-cdc", "mysql-cdc", "postgresql-cdc"}, registry.List())
}

// Every variant refuses to start before Initialize and tolerates Stop
// without Start. None of this touches the network.
func TestVariantsRequireInitialize(t *testing.T) {
	props := map[string]map[string]interface{}{
		"events":         nil,
		"kafka":          {"brokers": []interface{}{"localhost:9092"}},
		"mongodb-cdc":    {"uri": "mongodb://localhost:27017", "database": "shop"},
		"mysql-cdc":      {"dsn": "root:secret@tcp(localhost:3306)/shop"},
		"postgresql-cdc": {"connection_string": "postgres://localhost/shop"},
	}

	for i, typ := range registry.List() {
		typ, id := typ, uint64(i+1)
		t.Run(typ, func(t *testing.T) {
			conn, err := registry.Create(id, config.ConnectionConfig{Name: typ + "-1", Type: typ, Properties: props[typ]})
			require.NoError(t, err)
			assert.Equal(t, id, conn.ID())
			assert.Equal(t, typ, conn.Type())

			err = conn.Start(context.Background())
			assert.True(t, errors.IsType(err, errors.ErrorTypeInitialization), "%v", err)
			conn.Stop()
			conn.Stop()
		})
	}
}

func TestInitializeRejectsDuplicateTables(t *testing.T) {
	conn, err := registry.Create(1, config.ConnectionConfig{Name: "ev", Type: "events"})
	require.NoError(t, err)
	err = conn.Initialize(context.Background(), ingestion.NewIngestor(ingestion.Config{}), []core.TableInfo{
		{Name: "orders"}, {Name: "orders"},
	})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}
