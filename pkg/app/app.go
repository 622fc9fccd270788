package app

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/pkg/dag"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/logger"
	"github.com/ajitpratap0/tributary/pkg/metrics"
	"github.com/ajitpratap0/tributary/pkg/observability"
)

type pipelineInstance struct {
	id       dag.PipelineInstanceID
	pipeline *AppPipeline
}

// App is a set of pipelines sharing one source manager. Compile it with IntoDag.
type App struct {
	pipelines []pipelineInstance
	counter   dag.PipelineInstanceID
	sources   *AppSourceManager
	compiled  bool
	logger    *zap.Logger
}

// New returns an App over sources.
func New(sources *AppSourceManager) *App {
	if sources == nil {
		sources = NewAppSourceManager()
	}
	return &App{
		sources: sources,
		logger:  logger.With(zap.String("component", "app")),
	}
}

// AddPipeline assigns the next namespace to p and returns it. The first
// pipeline gets 1.
func (a *App) AddPipeline(p *AppPipeline) dag.PipelineInstanceID {
	a.counter++
	a.pipelines = append(a.pipelines, pipelineInstance{id: a.counter, pipeline: p})
	return a.counter
}

// PipelineIDs returns the assigned namespaces in addition order.
func (a *App) PipelineIDs() []dag.PipelineInstanceID {
	ids := make([]dag.PipelineInstanceID, len(a.pipelines))
	for i, p := range a.pipelines {
		ids[i] = p.id
	}
	return ids
}

// Flags returns the flags of the pipeline in namespace id.
func (a *App) Flags(id dag.PipelineInstanceID) (PipelineFlags, bool) {
	for _, p := range a.pipelines {
		if p.id == id && p.pipeline != nil {
			return p.pipeline.Flags(), true
		}
	}
	return PipelineFlags{}, false
}

// IntoDag compiles the App into a single graph. Processors and sinks of each
// pipeline are moved into the pipeline's namespace, sources are added once
// under their connection name, and every entry point becomes an edge from
// the source endpoint that provides it. An App compiles at most once; on any
// error no graph is returned.
func (a *App) IntoDag(ctx context.Context) (*dag.Dag, error) {
	ctx, span := observability.StartSpan(ctx, "app.into_dag")
	defer span.End()
	timer := metrics.NewTimer()

	d, err := a.intoDag()

	metrics.ObserveCompilation(timer.Stop(), err)
	span.SetAttribute("pipelines", len(a.pipelines))
	span.RecordError(err)
	if err != nil {
		logger.WithContext(ctx).Error("failed to compile app", zap.Error(err))
		return nil, err
	}

	sources := len(d.NodesOfKind(dag.NodeKindSource))
	processors := len(d.NodesOfKind(dag.NodeKindProcessor))
	sinks := len(d.NodesOfKind(dag.NodeKindSink))
	metrics.DagSize.WithLabelValues("sources").Set(float64(sources))
	metrics.DagSize.WithLabelValues("processors").Set(float64(processors))
	metrics.DagSize.WithLabelValues("sinks").Set(float64(sinks))
	metrics.DagSize.WithLabelValues("edges").Set(float64(d.EdgeCount()))
	span.SetAttribute("nodes", d.NodeCount())
	span.SetAttribute("edges", d.EdgeCount())

	a.logger.Info("compiled app",
		zap.Int("pipelines", len(a.pipelines)),
		zap.Int("sources", sources),
		zap.Int("processors", processors),
		zap.Int("sinks", sinks),
		zap.Int("edges", d.EdgeCount()),
		zap.Duration("duration", timer.Stop()))
	return d, nil
}

func (a *App) intoDag() (*dag.Dag, error) {
	if a.compiled {
		return nil, errors.New(errors.ErrorTypeConflict, "app has already been compiled")
	}
	a.compiled = true

	d := dag.New()

	for _, inst := range a.pipelines {
		p := inst.pipeline
		if p == nil {
			continue
		}
		for _, proc := range p.processors {
			if err := d.AddProcessor(proc.handle.WithNamespace(inst.id), proc.factory); err != nil {
				return nil, a.pipelineError(err, inst)
			}
		}
		for _, sink := range p.sinks {
			if err := d.AddSink(sink.handle.WithNamespace(inst.id), sink.factory); err != nil {
				return nil, a.pipelineError(err, inst)
			}
		}
		for _, e := range p.edges {
			from := dag.NewEndpoint(e.From.Node.WithNamespace(inst.id), e.From.Port)
			to := dag.NewEndpoint(e.To.Node.WithNamespace(inst.id), e.To.Port)
			if err := d.Connect(from, to); err != nil {
				return nil, a.pipelineError(err, inst)
			}
		}
	}

	for _, src := range a.sources.sources {
		if err := d.AddSource(dag.SourceHandle(src.Connection), src.Source); err != nil {
			return nil, err
		}
	}

	for _, inst := range a.pipelines {
		if inst.pipeline == nil {
			continue
		}
		for _, ep := range inst.pipeline.entryPoints {
			from, err := a.sources.GetEndpoint(ep.entryPoint.sourceName)
			if err != nil {
				return nil, a.pipelineError(err, inst)
			}
			to := dag.NewEndpoint(ep.handle.WithNamespace(inst.id), ep.entryPoint.port)
			if err := d.Connect(from, to); err != nil {
				return nil, a.pipelineError(err, inst)
			}
		}
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// pipelineError annotates err with the pipeline it came from, keeping its type.
func (a *App) pipelineError(err error, inst pipelineInstance) error {
	var e *errors.Error
	if !errors.As(err, &e) {
		return err
	}
	e.WithDetail("pipeline_id", uint32(inst.id))
	if inst.pipeline.name != "" {
		e.WithDetail("pipeline", inst.pipeline.name)
	}
	return err
}
