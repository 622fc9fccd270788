// Package events implements a push-only connector. Application code hands
// messages to Push; the connector tags them and forwards them to the ingestor.
package events

import (
	"context"

	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/connector/base"
	"github.com/ajitpratap0/tributary/pkg/connector/core"
	"github.com/ajitpratap0/tributary/pkg/connector/registry"
	"github.com/ajitpratap0/tributary/pkg/ingestion"
)

// Type is the registered connector type
const Type = "events"

func init() {
	registry.MustRegister(Type, func(id uint64, cfg config.ConnectionConfig) (core.Connector, error) {
		return New(id, cfg.Name), nil
	})
}

// Connector relays pushed messages. It has nothing to discover and no
// upstream to connect to.
type Connector struct {
	*base.BaseConnector
}

var _ core.Connector = (*Connector)(nil)

// New creates an events connector
func New(id uint64, name string) *Connector {
	return &Connector{BaseConnector: base.NewBaseConnector(id, name, Type)}
}

// Start marks the connector as running. There are no background loops.
func (c *Connector) Start(ctx context.Context) error {
	return c.Begin(ctx)
}

// Push forwards msg to the ingestion handler. A row rejected by its table
// filter is not forwarded and Push returns a filtered error. Operations on
// tables the connector was not initialized with are forwarded unfiltered.
// The caller's Operation is not modified.
func (c *Connector) Push(ctx context.Context, msg ingestion.IngestionMessage) error {
	if err := c.RequireInitialized(); err != nil {
		return err
	}
	if msg.Operation != nil {
		op := *msg.Operation
		if i, ok := c.TableIndex(op.Table); ok {
			op.TableIndex = i
		}
		msg.Operation = &op

		ok, err := c.Admit(msg.Operation)
		if err != nil {
			return err
		}
		if !ok {
			return core.Filtered(c.Name(), op.Table)
		}
	}
	return c.BaseConnector.Push(ctx, msg)
}
