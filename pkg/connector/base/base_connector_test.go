package base

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tributary/pkg/connector/core"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/filter"
	"github.com/ajitpratap0/tributary/pkg/ingestion"
)

type recorder struct {
	mu   sync.Mutex
	msgs []ingestion.TaggedMessage
}

func (r *recorder) HandleMessage(_ context.Context, msg ingestion.TaggedMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) messages() []ingestion.TaggedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ingestion.TaggedMessage(nil), r.msgs...)
}

func insert(table string, row ingestion.Record) ingestion.IngestionMessage {
	return ingestion.NewOperationMessage(ingestion.OpIdentifier{}, ingestion.Operation{
		Kind:  ingestion.OperationInsert,
		Table: table,
		After: row,
	})
}

func TestPushRequiresInitialize(t *testing.T) {
	bc := NewBaseConnector(7, "events", "events")
	err := bc.Push(context.Background(), insert("t", nil))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInitialization))

	err = bc.Begin(context.Background())
	assert.True(t, errors.IsType(err, errors.ErrorTypeInitialization))
}

func TestPushTagsConnectorID(t *testing.T) {
	rec := &recorder{}
	bc := NewBaseConnector(7, "events", "events")
	require.NoError(t, bc.Initialize(context.Background(), rec, []core.TableInfo{{Name: "t"}}))

	require.NoError(t, bc.Push(context.Background(), insert("t", ingestion.Record{"a": 1})))
	require.NoError(t, bc.Push(context.Background(), ingestion.NewCommitMessage(ingestion.OpIdentifier{TxID: 1})))

	msgs := rec.messages()
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, uint64(7), m.ConnectorID)
	}
	assert.Equal(t, ingestion.MessageKindCommit, msgs[1].Message.Kind)
}

func TestAdmitKeepsFilteringOutOfPush(t *testing.T) {
	expr, err := filter.Parse([]byte(`{"amount": {"$gt": 10}}`))
	require.NoError(t, err)

	ctx := context.Background()
	ing := ingestion.NewIngestor(ingestion.Config{Capacity: 8})
	defer ing.Close()
	bc := NewBaseConnector(1, "orders", "events")
	require.NoError(t, bc.Initialize(ctx, ing, []core.TableInfo{
		{Name: "orders", Filter: expr},
		{Name: "customers"},
	}))

	small := insert("orders", ingestion.Record{"amount": 5})
	admit, err := bc.Admit(small.Operation)
	require.NoError(t, err)
	assert.False(t, admit)

	for _, msg := range []ingestion.IngestionMessage{
		insert("orders", ingestion.Record{"amount": 50}),
		insert("customers", ingestion.Record{"amount": 1}),
		insert("unbound", ingestion.Record{"amount": 1}),
	} {
		admit, err := bc.Admit(msg.Operation)
		require.NoError(t, err)
		assert.True(t, admit, msg.Operation.Table)
	}
	admit, err = bc.Admit(nil)
	require.NoError(t, err)
	assert.True(t, admit)

	// incomparable values do not match
	admit, err = bc.Admit(insert("orders", ingestion.Record{"amount": "many"}).Operation)
	require.NoError(t, err)
	assert.False(t, admit)

	// every successful push is an accepted message, filter or not
	pushed := 0
	for _, msg := range []ingestion.IngestionMessage{small, insert("orders", ingestion.Record{"amount": 50})} {
		require.NoError(t, bc.Push(ctx, msg))
		pushed++
	}
	assert.Equal(t, uint64(pushed), ing.Stats().Accepted)
}

func TestPushWrapsHandlerFailure(t *testing.T) {
	failing := ingestion.HandlerFunc(func(context.Context, ingestion.TaggedMessage) error {
		return errors.New(errors.ErrorTypeIngestion, "ingestor is closed")
	})
	bc := NewBaseConnector(1, "c", "events")
	require.NoError(t, bc.Initialize(context.Background(), failing, nil))

	err := bc.Push(context.Background(), insert("t", nil))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeIngestion))
	assert.True(t, errors.IsConnector(err))
}

func TestInitializeValidation(t *testing.T) {
	bc := NewBaseConnector(1, "c", "events")
	assert.True(t, errors.IsType(bc.Initialize(context.Background(), nil, nil), errors.ErrorTypeValidation))

	err := bc.Initialize(context.Background(), &recorder{}, []core.TableInfo{{Name: "a"}, {Name: "a"}})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.False(t, bc.Initialized())
}

func TestLifecycle(t *testing.T) {
	bc := NewBaseConnector(1, "c", "events")
	require.NoError(t, bc.Initialize(context.Background(), &recorder{}, nil))
	require.NoError(t, bc.Begin(context.Background()))
	assert.True(t, errors.IsType(bc.Begin(context.Background()), errors.ErrorTypeConflict))

	var exited atomic.Bool
	bc.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		exited.Store(true)
		return ctx.Err()
	})

	bc.Stop()
	assert.True(t, exited.Load())
	assert.True(t, bc.Stopped())
	assert.NoError(t, bc.Err())

	// idempotent
	bc.Stop()

	err := bc.Push(context.Background(), insert("t", nil))
	assert.True(t, errors.IsType(err, errors.ErrorTypeIngestion))
}

func TestPushRacingStop(t *testing.T) {
	ctx := context.Background()
	ing := ingestion.NewIngestor(ingestion.Config{Capacity: 16})
	bc := NewBaseConnector(1, "c", "events")
	require.NoError(t, bc.Initialize(ctx, ing, nil))
	require.NoError(t, bc.Begin(ctx))

	drained := make(chan int)
	go func() {
		n := 0
		for {
			if _, ok := ing.Next(ctx); !ok {
				drained <- n
				return
			}
			n++
		}
	}()

	const pushers = 8
	var (
		wg        sync.WaitGroup
		succeeded atomic.Uint64
		failures  = make(chan error, pushers)
	)
	for i := 0; i < pushers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := bc.Push(ctx, insert("t", ingestion.Record{"a": i}))
				if err != nil {
					failures <- err
					return
				}
				succeeded.Add(1)
			}
		}()
	}

	require.Eventually(t, func() bool { return succeeded.Load() > pushers }, 5*time.Second, time.Millisecond)
	bc.Stop()
	wg.Wait()
	close(failures)

	for err := range failures {
		assert.True(t, errors.IsType(err, errors.ErrorTypeIngestion), err.Error())
	}
	ing.Close()
	assert.Equal(t, int(succeeded.Load()), <-drained)
	assert.Equal(t, succeeded.Load(), ing.Stats().Accepted)
	assert.Zero(t, ing.Stats().Rejected)
}

func TestStopWithoutStart(t *testing.T) {
	bc := NewBaseConnector(1, "c", "events")
	done := make(chan struct{})
	go func() {
		bc.Stop()
		bc.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked")
	}
}

func TestLoopErrorIsKept(t *testing.T) {
	bc := NewBaseConnector(1, "c", "events")
	require.NoError(t, bc.Initialize(context.Background(), &recorder{}, nil))
	require.NoError(t, bc.Begin(context.Background()))

	boom := errors.New(errors.ErrorTypeConnection, "replication stream closed")
	bc.Go("stream", func(context.Context) error { return boom })

	assert.Eventually(t, func() bool { return bc.Err() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, boom, bc.Err())
	bc.Stop()
}

func TestDefaultDiscoveryIsUnsupported(t *testing.T) {
	bc := NewBaseConnector(1, "c", "events")
	ctx := context.Background()

	_, err := bc.GetSchemas(ctx, nil)
	assertUnsupported(t, err, core.OperationGetSchemas)
	_, err = bc.GetTables(ctx)
	assertUnsupported(t, err, core.OperationGetTables)
	assertUnsupported(t, bc.TestConnection(ctx), core.OperationTestConnection)
}

func assertUnsupported(t *testing.T, err error, op string) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, core.IsUnsupported(err))
	assert.Contains(t, err.Error(), op)
	var e *errors.Error
	require.True(t, errors.As(err, &e))
	got, _ := e.Detail("operation")
	assert.Equal(t, op, got)
}

func TestRetryPolicy(t *testing.T) {
	ctx := context.Background()
	p := NewRetryPolicy(3, time.Millisecond)

	calls := 0
	err := p.Execute(ctx, func() error {
		calls++
		if calls < 3 {
			return errors.New(errors.ErrorTypeConnection, "refused")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = p.Execute(ctx, func() error {
		calls++
		return errors.New(errors.ErrorTypeConfig, "bad dsn")
	})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	assert.Equal(t, 1, calls)

	d := NewRetryPolicy(5, 100*time.Millisecond)
	d.RandomizeFactor = 0
	assert.Equal(t, 100*time.Millisecond, d.GetDelay(0))
	assert.Equal(t, 400*time.Millisecond, d.GetDelay(2))
}
