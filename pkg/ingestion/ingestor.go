package ingestion

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/logger"
	"github.com/ajitpratap0/tributary/pkg/metrics"
)

// DefaultCapacity is used when Config.Capacity is not positive.
const DefaultCapacity = 1024

// Config configures an Ingestor.
type Config struct {
	// Capacity is the number of messages buffered before producers block
	Capacity int
}

// Ingestor funnels messages from many producers into one consumer through a
// bounded channel. Producers block while the channel is full. The data
// channel is never closed; Close signals producers and the consumer through
// a separate done channel, and messages accepted before Close are still
// delivered by Next.
type Ingestor struct {
	ch     chan TaggedMessage
	done   chan struct{}
	sealed chan struct{}

	// sendMu is held for reading by in-flight producers so that Close can
	// wait for them before sealing the channel.
	sendMu    sync.RWMutex
	closed    atomic.Bool
	closeOnce sync.Once

	accepted atomic.Uint64
	rejected atomic.Uint64
	consumed atomic.Uint64

	statsMu    sync.RWMutex
	connectors map[uint64]*connectorCounters

	logger *zap.Logger
}

type connectorCounters struct {
	name        atomic.Pointer[string]
	accepted    atomic.Uint64
	rejected    atomic.Uint64
	lastMessage atomic.Int64
}

// NewIngestor creates an Ingestor.
func NewIngestor(cfg Config) *Ingestor {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ingestor{
		ch:         make(chan TaggedMessage, capacity),
		done:       make(chan struct{}),
		sealed:     make(chan struct{}),
		connectors: make(map[uint64]*connectorCounters),
		logger:     logger.With(zap.String("component", "ingestor")),
	}
}

// RegisterConnector names a connector id for statistics and metric labels.
func (i *Ingestor) RegisterConnector(id uint64, name string) {
	i.statsMu.Lock()
	defer i.statsMu.Unlock()
	c, ok := i.connectors[id]
	if !ok {
		c = &connectorCounters{}
		i.connectors[id] = c
	}
	c.name.Store(&name)
}

func (c *connectorCounters) label() string {
	return *c.name.Load()
}

// HandleMessage enqueues msg. It blocks while the channel is full and fails
// with an ingestion error once the ingestor is closed or ctx is done.
func (i *Ingestor) HandleMessage(ctx context.Context, msg TaggedMessage) error {
	counters := i.counters(msg.ConnectorID)

	i.sendMu.RLock()
	defer i.sendMu.RUnlock()

	if i.closed.Load() {
		return i.reject(counters, msg, "closed", nil)
	}

	start := time.Now()
	select {
	case i.ch <- msg:
	case <-i.done:
		return i.reject(counters, msg, "closed", nil)
	case <-ctx.Done():
		return i.reject(counters, msg, "canceled", ctx.Err())
	}

	i.accepted.Add(1)
	counters.accepted.Add(1)
	counters.lastMessage.Store(time.Now().UnixNano())
	metrics.PushLatency.WithLabelValues(counters.label()).Observe(time.Since(start).Seconds())
	metrics.MessagesIngested.WithLabelValues(counters.label(), msg.Message.Kind.String()).Inc()
	metrics.QueueDepth.Set(float64(len(i.ch)))
	return nil
}

func (i *Ingestor) reject(c *connectorCounters, msg TaggedMessage, reason string, cause error) error {
	i.rejected.Add(1)
	c.rejected.Add(1)
	metrics.MessagesRejected.WithLabelValues(c.label(), reason).Inc()

	var err *errors.Error
	if cause != nil {
		err = errors.Wrap(cause, errors.ErrorTypeIngestion, "message not accepted: "+reason)
	} else {
		err = errors.New(errors.ErrorTypeIngestion, "ingestor is "+reason)
	}
	return err.WithDetail("connector_id", msg.ConnectorID)
}

// Next returns the next message. After Close it keeps returning buffered
// messages and then reports false. It also reports false when ctx is done.
// Next is meant for a single consumer goroutine.
func (i *Ingestor) Next(ctx context.Context) (TaggedMessage, bool) {
	select {
	case msg := <-i.ch:
		return i.consumedMessage(msg), true
	default:
	}

	select {
	case msg := <-i.ch:
		return i.consumedMessage(msg), true
	case <-ctx.Done():
		return TaggedMessage{}, false
	case <-i.done:
	}

	// No producer can enqueue once sealed, so the buffer content is final.
	<-i.sealed
	select {
	case msg := <-i.ch:
		return i.consumedMessage(msg), true
	default:
		return TaggedMessage{}, false
	}
}

func (i *Ingestor) consumedMessage(msg TaggedMessage) TaggedMessage {
	i.consumed.Add(1)
	metrics.QueueDepth.Set(float64(len(i.ch)))
	return msg
}

// Done is closed when Close is called.
func (i *Ingestor) Done() <-chan struct{} {
	return i.done
}

// Close stops accepting messages and wakes blocked producers. It waits for
// in-flight producers to return. Safe to call more than once.
func (i *Ingestor) Close() {
	i.closeOnce.Do(func() {
		close(i.done)
		i.sendMu.Lock()
		i.closed.Store(true)
		i.sendMu.Unlock()
		close(i.sealed)

		i.logger.Info("ingestor closed",
			zap.Uint64("accepted", i.accepted.Load()),
			zap.Uint64("rejected", i.rejected.Load()),
			zap.Int("buffered", len(i.ch)))
	})
}

// Closed reports whether Close has been called.
func (i *Ingestor) Closed() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}

func (i *Ingestor) counters(id uint64) *connectorCounters {
	i.statsMu.RLock()
	c, ok := i.connectors[id]
	i.statsMu.RUnlock()
	if ok {
		return c
	}

	i.statsMu.Lock()
	defer i.statsMu.Unlock()
	if c, ok = i.connectors[id]; ok {
		return c
	}
	name := strconv.FormatUint(id, 10)
	c = &connectorCounters{}
	c.name.Store(&name)
	i.connectors[id] = c
	return c
}

// ConnectorStats are the counters of one connector.
type ConnectorStats struct {
	Name        string
	Accepted    uint64
	Rejected    uint64
	LastMessage time.Time
}

// Stats is a diagnostic snapshot of the ingestor.
type Stats struct {
	Accepted   uint64
	Rejected   uint64
	Consumed   uint64
	Depth      int
	Capacity   int
	Closed     bool
	Connectors map[uint64]ConnectorStats
}

// Stats returns a snapshot under the read side of the statistics lock.
func (i *Ingestor) Stats() Stats {
	s := Stats{
		Accepted:   i.accepted.Load(),
		Rejected:   i.rejected.Load(),
		Consumed:   i.consumed.Load(),
		Depth:      len(i.ch),
		Capacity:   cap(i.ch),
		Closed:     i.Closed(),
		Connectors: make(map[uint64]ConnectorStats),
	}

	i.statsMu.RLock()
	defer i.statsMu.RUnlock()
	for id, c := range i.connectors {
		cs := ConnectorStats{
			Name:     c.label(),
			Accepted: c.accepted.Load(),
			Rejected: c.rejected.Load(),
		}
		if ns := c.lastMessage.Load(); ns != 0 {
			cs.LastMessage = time.Unix(0, ns)
		}
		s.Connectors[id] = cs
	}
	return s
}
