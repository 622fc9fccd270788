package ingestion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tributary/pkg/errors"
)

func opMessage(connector uint64, seq uint64) TaggedMessage {
	return TaggedMessage{
		ConnectorID: connector,
		Message: NewOperationMessage(OpIdentifier{TxID: 1, SeqInTx: seq}, Operation{
			Kind:  OperationInsert,
			Table: "orders",
			After: Record{"id": seq},
		}),
	}
}

func TestIngestorFIFO(t *testing.T) {
	ing := NewIngestor(Config{Capacity: 8})
	ctx := context.Background()

	for seq := uint64(0); seq < 5; seq++ {
		require.NoError(t, ing.HandleMessage(ctx, opMessage(1, seq)))
	}
	for seq := uint64(0); seq < 5; seq++ {
		msg, ok := ing.Next(ctx)
		require.True(t, ok)
		assert.Equal(t, seq, msg.Message.Identifier.SeqInTx)
		assert.Equal(t, uint64(1), msg.ConnectorID)
	}
}

func TestIngestorConcurrentProducers(t *testing.T) {
	const (
		producers   = 16
		perProducer = 500
	)
	ing := NewIngestor(Config{Capacity: 32})
	ctx := context.Background()

	received := make(map[uint64][]uint64)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for {
			msg, ok := ing.Next(ctx)
			if !ok {
				return
			}
			received[msg.ConnectorID] = append(received[msg.ConnectorID], msg.Message.Identifier.SeqInTx)
		}
	}()

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			for seq := uint64(0); seq < perProducer; seq++ {
				if err := ing.HandleMessage(ctx, opMessage(id, seq)); err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
				}
			}
		}(uint64(p + 1))
	}
	wg.Wait()
	ing.Close()
	<-consumerDone

	assert.Equal(t, producers*perProducer, succeeded)

	total := 0
	for id, seqs := range received {
		total += len(seqs)
		// per-producer order is preserved
		for i, seq := range seqs {
			require.Equal(t, uint64(i), seq, "connector %d", id)
		}
	}
	assert.Equal(t, succeeded, total)

	stats := ing.Stats()
	assert.Equal(t, uint64(succeeded), stats.Accepted)
	assert.Equal(t, uint64(succeeded), stats.Consumed)
	assert.Len(t, stats.Connectors, producers)
}

func TestIngestorBackpressure(t *testing.T) {
	ing := NewIngestor(Config{Capacity: 1})
	ctx := context.Background()

	require.NoError(t, ing.HandleMessage(ctx, opMessage(1, 0)))

	pushed := make(chan error, 1)
	go func() {
		pushed <- ing.HandleMessage(ctx, opMessage(1, 1))
	}()

	select {
	case <-pushed:
		t.Fatal("push should block while the channel is full")
	case <-time.After(50 * time.Millisecond):
	}

	_, ok := ing.Next(ctx)
	require.True(t, ok)
	require.NoError(t, <-pushed)

	msg, ok := ing.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, uint64(1), msg.Message.Identifier.SeqInTx)
}

func TestIngestorClose(t *testing.T) {
	t.Run("blocked producer is released with an error", func(t *testing.T) {
		ing := NewIngestor(Config{Capacity: 1})
		ctx := context.Background()
		require.NoError(t, ing.HandleMessage(ctx, opMessage(1, 0)))

		pushed := make(chan error, 1)
		go func() {
			pushed <- ing.HandleMessage(ctx, opMessage(1, 1))
		}()
		time.Sleep(20 * time.Millisecond)
		ing.Close()

		err := <-pushed
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeIngestion))

		// the message accepted before Close is still delivered
		msg, ok := ing.Next(ctx)
		require.True(t, ok)
		assert.Equal(t, uint64(0), msg.Message.Identifier.SeqInTx)

		_, ok = ing.Next(ctx)
		assert.False(t, ok)
	})

	t.Run("push after close fails", func(t *testing.T) {
		ing := NewIngestor(Config{})
		ing.Close()
		ing.Close()

		err := ing.HandleMessage(context.Background(), opMessage(2, 0))
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeIngestion))
		assert.True(t, ing.Closed())

		stats := ing.Stats()
		assert.Equal(t, uint64(1), stats.Rejected)
		assert.Equal(t, uint64(1), stats.Connectors[2].Rejected)
		assert.Equal(t, DefaultCapacity, stats.Capacity)
	})
}

func TestIngestorContext(t *testing.T) {
	t.Run("canceled producer", func(t *testing.T) {
		ing := NewIngestor(Config{Capacity: 1})
		require.NoError(t, ing.HandleMessage(context.Background(), opMessage(1, 0)))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := ing.HandleMessage(ctx, opMessage(1, 1))
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeIngestion))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("canceled consumer", func(t *testing.T) {
		ing := NewIngestor(Config{Capacity: 1})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, ok := ing.Next(ctx)
		assert.False(t, ok)
		assert.False(t, ing.Closed())
	})
}

func TestIngestorStatsConcurrentReads(t *testing.T) {
	ing := NewIngestor(Config{Capacity: 1024})
	ing.RegisterConnector(7, "pg_main")
	ctx := context.Background()

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = ing.Stats()
			}
		}()
	}
	for i := uint64(0); i < 100; i++ {
		require.NoError(t, ing.HandleMessage(ctx, opMessage(7, i)))
	}
	wg.Wait()

	stats := ing.Stats()
	assert.Equal(t, "pg_main", stats.Connectors[7].Name)
	assert.Equal(t, uint64(100), stats.Connectors[7].Accepted)
	assert.Equal(t, 100, stats.Depth)
	assert.False(t, stats.Connectors[7].LastMessage.IsZero())
}

func TestParseOperationKind(t *testing.T) {
	tests := map[string]OperationKind{
		"insert": OperationInsert,
		"c":      OperationInsert,
		"r":      OperationInsert,
		"u":      OperationUpdate,
		"update": OperationUpdate,
		"d":      OperationDelete,
	}
	for in, want := range tests {
		got, ok := ParseOperationKind(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseOperationKind("truncate")
	assert.False(t, ok)
}

func TestOperationRow(t *testing.T) {
	del := Operation{Kind: OperationDelete, Before: Record{"id": 1}}
	assert.Equal(t, Record{"id": 1}, del.Row())

	upd := Operation{Kind: OperationUpdate, Before: Record{"id": 1}, After: Record{"id": 2}}
	assert.Equal(t, Record{"id": 2}, upd.Row())
}
