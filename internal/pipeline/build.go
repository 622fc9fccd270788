// Package pipeline turns an application configuration into connectors and a
// compiled execution graph, and runs the ingestion loop that feeds it.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/pkg/app"
	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/connector/core"
	"github.com/ajitpratap0/tributary/pkg/connector/registry"
	"github.com/ajitpratap0/tributary/pkg/dag"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/filter"
	"github.com/ajitpratap0/tributary/pkg/logger"
)

// Runtime holds the connectors of an application and its compiled graph
type Runtime struct {
	cfg        *config.Config
	connectors []core.Connector
	tables     map[string][]core.TableInfo
	graph      *dag.Dag
	logger     *zap.Logger

	shutdownTimeout time.Duration
	statsInterval   time.Duration
	onMessage       ConsumeFunc
}

// Build validates cfg, creates its connectors and compiles its pipelines.
// Nothing connects to an upstream system until Run.
func Build(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Runtime{
		cfg:             cfg,
		tables:          make(map[string][]core.TableInfo),
		logger:          logger.With(zap.String("component", "runtime")),
		shutdownTimeout: cfg.Ingestion.ShutdownTimeout,
		statsInterval:   cfg.Ingestion.StatsInterval,
	}

	sources := app.NewAppSourceManager()
	for i, cc := range cfg.Connections {
		conn, err := registry.Create(uint64(i+1), cc)
		if err != nil {
			return nil, err
		}
		tables, mapping, err := connectionTables(cfg, cc.Name)
		if err != nil {
			return nil, err
		}
		if err := sources.Add(
			app.AppSource{Connection: cc.Name, Source: core.AsSourceFactory(conn, tables)},
			app.AppSourceMapping{Connection: cc.Name, Mappings: mapping},
		); err != nil {
			return nil, err
		}
		r.connectors = append(r.connectors, conn)
		r.tables[cc.Name] = tables
	}

	a := app.New(sources)
	flags := app.FlagsFromConfig(cfg.Flags)
	for _, pc := range cfg.Pipelines {
		p, err := buildPipeline(pc, flags)
		if err != nil {
			return nil, pipelineError(err, pc.Name)
		}
		a.AddPipeline(p)
	}

	graph, err := a.IntoDag(ctx)
	if err != nil {
		return nil, err
	}
	r.graph = graph
	return r, nil
}

// connectionTables derives a connection's tables from the configured
// sources. A source's position within its connection is its output port.
func connectionTables(cfg *config.Config, connection string) ([]core.TableInfo, map[string]dag.PortHandle, error) {
	srcs := cfg.SourcesFor(connection)
	tables := make([]core.TableInfo, 0, len(srcs))
	mapping := make(map[string]dag.PortHandle, len(srcs))
	for i, src := range srcs {
		expr, err := filter.FromDocument(src.Filter)
		if err != nil {
			return nil, nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid source filter").
				WithDetail("source", src.Name)
		}
		tables = append(tables, core.TableInfo{
			Name:    src.Table,
			ID:      uint32(i),
			Columns: src.Columns,
			Filter:  expr,
		})
		mapping[src.Name] = dag.PortHandle(i)
	}
	return tables, mapping, nil
}

func buildPipeline(pc config.PipelineConfig, flags app.PipelineFlags) (*app.AppPipeline, error) {
	p := app.NewAppPipeline(flags)
	p.SetName(pc.Name)

	for _, n := range pc.Processors {
		factory, err := NewProcessor(n)
		if err != nil {
			return nil, err
		}
		eps := make([]app.PipelineEntryPoint, len(n.EntryPoints))
		for i, ep := range n.EntryPoints {
			eps[i] = app.NewPipelineEntryPoint(ep.Source, dag.PortHandle(ep.Port))
		}
		if err := p.AddProcessor(factory, n.ID, eps); err != nil {
			return nil, err
		}
	}

	for _, n := range pc.Sinks {
		factory, err := NewSink(n)
		if err != nil {
			return nil, err
		}
		var ep *app.PipelineEntryPoint
		if len(n.EntryPoints) > 0 {
			e := app.NewPipelineEntryPoint(n.EntryPoints[0].Source, dag.PortHandle(n.EntryPoints[0].Port))
			ep = &e
		}
		if err := p.AddSink(factory, n.ID, ep); err != nil {
			return nil, err
		}
	}

	for _, e := range pc.Edges {
		if err := p.ConnectNodes(e.From, dag.PortHandle(e.FromPort), e.To, dag.PortHandle(e.ToPort)); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func pipelineError(err error, name string) error {
	var e *errors.Error
	if errors.As(err, &e) {
		e.WithDetail("pipeline", name)
	}
	return err
}

// NewConnector creates the named connection of cfg with the id Build would
// give it. It is used by the discovery commands.
func NewConnector(cfg *config.Config, name string) (core.Connector, error) {
	for i, cc := range cfg.Connections {
		if cc.Name == name {
			return registry.Create(uint64(i+1), cc)
		}
	}
	return nil, errors.Newf(errors.ErrorTypeNotFound, "connection %q not found", name).
		WithDetail("connection", name)
}

// Dag returns the compiled graph
func (r *Runtime) Dag() *dag.Dag { return r.graph }

// Connectors returns the connectors in configuration order
func (r *Runtime) Connectors() []core.Connector { return r.connectors }

// Connector returns the connector of the named connection
func (r *Runtime) Connector(name string) (core.Connector, bool) {
	for _, c := range r.connectors {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}
