package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/ingestion"
	"github.com/ajitpratap0/tributary/pkg/metrics"
	"github.com/ajitpratap0/tributary/pkg/observability"
)

// ConsumeFunc receives every message read off the ingestor, in order
type ConsumeFunc func(ctx context.Context, msg ingestion.TaggedMessage)

// OnMessage sets the function Run hands consumed messages to
func (r *Runtime) OnMessage(fn ConsumeFunc) { r.onMessage = fn }

// Run initializes and starts every connector, then consumes the ingestor
// until ctx is done. Connectors are stopped and the ingestor closed before
// Run returns.
func (r *Runtime) Run(ctx context.Context) error {
	ing := ingestion.NewIngestor(ingestion.Config{Capacity: r.cfg.Ingestion.Capacity})
	for _, c := range r.connectors {
		ing.RegisterConnector(c.ID(), c.Name())
	}

	if err := r.start(ctx, ing); err != nil {
		r.shutdown(ing)
		return err
	}
	r.logger.Info("runtime started",
		zap.Int("connectors", len(r.connectors)),
		zap.Int("nodes", r.graph.NodeCount()),
		zap.Int("edges", r.graph.EdgeCount()))

	r.consume(ctx, ing)
	return r.shutdown(ing)
}

func (r *Runtime) start(ctx context.Context, ing *ingestion.Ingestor) error {
	ctx, span := observability.StartSpan(ctx, "runtime.start")
	defer span.End()

	for _, c := range r.connectors {
		if err := c.Initialize(ctx, ing, r.tables[c.Name()]); err != nil {
			span.RecordError(err)
			return err
		}
	}

	// Start receives ctx, not the group context: connector loops outlive Wait.
	var g errgroup.Group
	for _, c := range r.connectors {
		c := c
		g.Go(func() error {
			if err := c.Start(ctx); err != nil {
				var e *errors.Error
				if errors.As(err, &e) {
					e.WithDetail("connection", c.Name())
				}
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	span.RecordError(err)
	return err
}

func (r *Runtime) consume(ctx context.Context, ing *ingestion.Ingestor) {
	names := make(map[uint64]string, len(r.connectors))
	trackers := make(map[uint64]*metrics.ThroughputTracker, len(r.connectors))
	for _, c := range r.connectors {
		names[c.ID()] = c.Name()
		trackers[c.ID()] = metrics.NewThroughputTracker(c.Name())
	}

	var wg sync.WaitGroup
	statsCtx, stopStats := context.WithCancel(ctx)
	if r.statsInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.reportStats(statsCtx, ing, trackers)
		}()
	}
	defer func() {
		stopStats()
		wg.Wait()
	}()

	for {
		msg, ok := ing.Next(ctx)
		if !ok {
			return
		}
		name := names[msg.ConnectorID]
		metrics.MessagesConsumed.WithLabelValues(name).Inc()
		if t, ok := trackers[msg.ConnectorID]; ok {
			t.Increment(1)
		}
		if ce := r.logger.Check(zap.DebugLevel, "message"); ce != nil {
			fields := []zap.Field{
				zap.String("connector", name),
				zap.String("kind", msg.Message.Kind.String()),
				zap.Uint64("txid", msg.Message.Identifier.TxID),
				zap.Uint64("seq", msg.Message.Identifier.SeqInTx),
			}
			if op := msg.Message.Operation; op != nil {
				fields = append(fields,
					zap.String("operation", op.Kind.String()),
					zap.String("table", op.Table),
					zap.Int("port", op.TableIndex))
			}
			ce.Write(fields...)
		}
		if r.onMessage != nil {
			r.onMessage(ctx, msg)
		}
	}
}

func (r *Runtime) reportStats(ctx context.Context, ing *ingestion.Ingestor, trackers map[uint64]*metrics.ThroughputTracker) {
	ticker := time.NewTicker(r.statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := ing.Stats()
			r.logger.Info("ingestion stats",
				zap.Uint64("accepted", s.Accepted),
				zap.Uint64("rejected", s.Rejected),
				zap.Uint64("consumed", s.Consumed),
				zap.Int("depth", s.Depth))
			for id, t := range trackers {
				rate := t.GetAndReset()
				if cs, ok := s.Connectors[id]; ok {
					r.logger.Debug("connector stats",
						zap.String("connector", cs.Name),
						zap.Uint64("accepted", cs.Accepted),
						zap.Uint64("rejected", cs.Rejected),
						zap.Float64("messages_per_second", rate))
				}
			}
		}
	}
}

// shutdown stops every connector, waiting at most the shutdown timeout, and
// closes the ingestor. Stopping connectors first cancels pushes blocked on a
// full channel.
func (r *Runtime) shutdown(ing *ingestion.Ingestor) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, c := range r.connectors {
			c := c
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.Stop()
			}()
		}
		wg.Wait()
	}()

	var err error
	if r.shutdownTimeout > 0 {
		select {
		case <-done:
		case <-time.After(r.shutdownTimeout):
			err = errors.Newf(errors.ErrorTypeTimeout, "connectors did not stop within %s", r.shutdownTimeout)
			r.logger.Warn("shutdown timed out", zap.Duration("timeout", r.shutdownTimeout))
		}
	} else {
		<-done
	}

	ing.Close()
	s := ing.Stats()
	r.logger.Info("runtime stopped",
		zap.Uint64("accepted", s.Accepted),
		zap.Uint64("consumed", s.Consumed),
		zap.Uint64("rejected", s.Rejected))
	return err
}
