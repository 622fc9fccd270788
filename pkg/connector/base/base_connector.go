// Package base provides the BaseConnector that connector variants embed. It
// holds the ingestion handler and table list bound by Initialize, evaluates
// table filters, tags pushed messages, and runs the connector's background
// loops under a context that Stop cancels.
//
// # Usage
//
//	type MyConnector struct {
//	    *base.BaseConnector
//	}
//
//	func New(id uint64, name string) *MyConnector {
//	    return &MyConnector{BaseConnector: base.NewBaseConnector(id, name, "my-connector")}
//	}
//
//	func (c *MyConnector) Start(ctx context.Context) error {
//	    if err := c.Begin(ctx); err != nil {
//	        return err
//	    }
//	    c.Go("stream", c.stream)
//	    return nil
//	}
//
// # Lifecycle
//
// 1. Create with NewBaseConnector
// 2. Initialize binds the handler and tables
// 3. Start calls Begin and launches loops with Go
// 4. Stop cancels the loops and waits for them
package base

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/pkg/connector/core"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/filter"
	"github.com/ajitpratap0/tributary/pkg/ingestion"
	"github.com/ajitpratap0/tributary/pkg/logger"
	"github.com/ajitpratap0/tributary/pkg/metrics"
	"github.com/ajitpratap0/tributary/pkg/observability"
)

// BaseConnector provides the connector lifecycle shared by all variants.
type BaseConnector struct {
	id            uint64
	name          string
	connectorType string
	logger        *zap.Logger
	tracer        *observability.ConnectorTracer
	retryPolicy   *RetryPolicy

	mu         sync.RWMutex
	handler    ingestion.Handler
	tables     []core.TableInfo
	tableIndex map[string]int
	started    bool
	stopped    bool
	cancel     context.CancelFunc
	runCtx     context.Context
	lastErr    error

	wg sync.WaitGroup
}

// NewBaseConnector creates a base connector. id is stamped on every pushed
// message.
func NewBaseConnector(id uint64, name, connectorType string) *BaseConnector {
	return &BaseConnector{
		id:            id,
		name:          name,
		connectorType: connectorType,
		logger: logger.With(
			zap.String("connector", name),
			zap.String("type", connectorType),
			zap.Uint64("connector_id", id)),
		tracer:      observability.NewConnectorTracer(connectorType, name),
		retryPolicy: DefaultRetryPolicy(),
	}
}

// ID returns the connector id
func (bc *BaseConnector) ID() uint64 { return bc.id }

// Name returns the connector name
func (bc *BaseConnector) Name() string { return bc.name }

// Type returns the registered connector type
func (bc *BaseConnector) Type() string { return bc.connectorType }

// Logger returns the connector's logger
func (bc *BaseConnector) Logger() *zap.Logger { return bc.logger }

// Tracer returns the connector's tracer
func (bc *BaseConnector) Tracer() *observability.ConnectorTracer { return bc.tracer }

// RetryPolicy returns the policy used when opening upstream connections
func (bc *BaseConnector) RetryPolicy() *RetryPolicy { return bc.retryPolicy }

// SetRetryPolicy replaces the connection retry policy
func (bc *BaseConnector) SetRetryPolicy(p *RetryPolicy) { bc.retryPolicy = p }

// Initialize binds the ingestion handler and the tables to read. Calling it
// again replaces both.
func (bc *BaseConnector) Initialize(ctx context.Context, handler ingestion.Handler, tables []core.TableInfo) error {
	if handler == nil {
		return errors.Newf(errors.ErrorTypeValidation, "connector %q: ingestion handler is required", bc.name)
	}

	index := make(map[string]int, len(tables))
	for i, t := range tables {
		if _, dup := index[t.Name]; dup {
			return errors.Newf(errors.ErrorTypeValidation, "connector %q: table %q listed twice", bc.name, t.Name).
				WithDetail("table", t.Name)
		}
		index[t.Name] = i
	}

	bc.mu.Lock()
	bc.handler = handler
	bc.tables = append([]core.TableInfo(nil), tables...)
	bc.tableIndex = index
	bc.mu.Unlock()

	logger.WithContext(ctx).Debug("connector initialized",
		zap.String("connector", bc.name),
		zap.Strings("tables", core.TableNames(tables)))
	return nil
}

// Initialized reports whether Initialize has succeeded
func (bc *BaseConnector) Initialized() bool {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.handler != nil
}

// RequireInitialized returns an initialization error before Initialize
func (bc *BaseConnector) RequireInitialized() error {
	if !bc.Initialized() {
		return core.NotInitialized(bc.name)
	}
	return nil
}

// Tables returns the tables bound by Initialize
func (bc *BaseConnector) Tables() []core.TableInfo {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return append([]core.TableInfo(nil), bc.tables...)
}

// TableIndex returns the position of a bound table
func (bc *BaseConnector) TableIndex(name string) (int, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	i, ok := bc.tableIndex[name]
	return i, ok
}

// Admit reports whether op passes the filter of its table. Variants call it
// before Push and skip rejected rows; Push itself never filters. A nil op,
// an unbound table or a table without a filter is admitted.
func (bc *BaseConnector) Admit(op *ingestion.Operation) (bool, error) {
	if op == nil {
		return true, nil
	}
	bc.mu.RLock()
	var expr filter.Expression
	if i, ok := bc.tableIndex[op.Table]; ok {
		expr = bc.tables[i].Filter
	}
	bc.mu.RUnlock()
	if expr == nil {
		return true, nil
	}

	ok, err := filter.Match(expr, op.Row())
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeData, "failed to evaluate table filter").
			WithDetail("connector", bc.name).
			WithDetail("table", op.Table)
	}
	if !ok {
		metrics.RowsFiltered.WithLabelValues(bc.name, op.Table).Inc()
	}
	return ok, nil
}

// Push tags msg with the connector id and hands it to the ingestion handler.
// A nil error means the ingestor accepted msg.
func (bc *BaseConnector) Push(ctx context.Context, msg ingestion.IngestionMessage) error {
	bc.mu.RLock()
	handler, stopped := bc.handler, bc.stopped
	bc.mu.RUnlock()

	if handler == nil {
		return core.NotInitialized(bc.name)
	}
	if stopped {
		return errors.Newf(errors.ErrorTypeIngestion, "connector %q is stopped", bc.name).
			WithDetail("connector", bc.name)
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	err := handler.HandleMessage(ctx, ingestion.TaggedMessage{ConnectorID: bc.id, Message: msg})
	if err != nil {
		metrics.ConnectorErrors.WithLabelValues(bc.name, core.OperationPush).Inc()
		return errors.Wrap(err, errors.ErrorTypeIngestion, "failed to push message").
			WithDetail("connector", bc.name)
	}
	return nil
}

// Begin marks the connector as started and derives the context its loops run
// under. Variants call it at the top of Start.
func (bc *BaseConnector) Begin(ctx context.Context) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bc.handler == nil {
		return core.NotInitialized(bc.name)
	}
	if bc.stopped {
		return errors.Newf(errors.ErrorTypeConflict, "connector %q has been stopped", bc.name)
	}
	if bc.started {
		return errors.Newf(errors.ErrorTypeConflict, "connector %q is already started", bc.name)
	}

	bc.runCtx, bc.cancel = context.WithCancel(ctx)
	bc.started = true
	metrics.ConnectorRunning.WithLabelValues(bc.name, bc.connectorType).Set(1)
	bc.logger.Info("connector started", zap.Int("tables", len(bc.tables)))
	return nil
}

// Go runs fn in the background under the connector's run context. A
// non-nil error other than cancellation is logged, counted and kept for Err.
func (bc *BaseConnector) Go(operation string, fn func(ctx context.Context) error) {
	bc.mu.RLock()
	ctx := bc.runCtx
	bc.mu.RUnlock()
	if ctx == nil {
		return
	}

	bc.wg.Add(1)
	go func() {
		defer bc.wg.Done()
		err := fn(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		metrics.ConnectorErrors.WithLabelValues(bc.name, operation).Inc()
		bc.logger.Error("connector loop failed", zap.String("operation", operation), zap.Error(err))
		bc.mu.Lock()
		if bc.lastErr == nil {
			bc.lastErr = err
		}
		bc.mu.Unlock()
	}()
}

// Err returns the first error a background loop failed with
func (bc *BaseConnector) Err() error {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.lastErr
}

// Stop cancels the background loops and waits for them. It is idempotent
// and safe to call without Start.
func (bc *BaseConnector) Stop() {
	bc.mu.Lock()
	if bc.stopped {
		bc.mu.Unlock()
		return
	}
	bc.stopped = true
	cancel, started := bc.cancel, bc.started
	bc.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	bc.wg.Wait()

	if started {
		metrics.ConnectorRunning.WithLabelValues(bc.name, bc.connectorType).Set(0)
		bc.logger.Info("connector stopped")
	}
}

// Stopped reports whether Stop has been called
func (bc *BaseConnector) Stopped() bool {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.stopped
}

// GetSchemas is unsupported unless the variant overrides it
func (bc *BaseConnector) GetSchemas(ctx context.Context, tableNames []string) ([]core.NamedSchema, error) {
	return nil, core.Unsupported(bc.name, core.OperationGetSchemas)
}

// GetTables is unsupported unless the variant overrides it
func (bc *BaseConnector) GetTables(ctx context.Context) ([]core.TableInfo, error) {
	return nil, core.Unsupported(bc.name, core.OperationGetTables)
}

// TestConnection is unsupported unless the variant overrides it
func (bc *BaseConnector) TestConnection(ctx context.Context) error {
	return core.Unsupported(bc.name, core.OperationTestConnection)
}
