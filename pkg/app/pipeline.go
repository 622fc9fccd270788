// Package app assembles independently built pipelines and a source mapping
// table into a single namespaced execution graph.
package app

import (
	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/dag"
	"github.com/ajitpratap0/tributary/pkg/errors"
)

// PipelineEntryPoint names a source a node reads from and the input port
// the source is attached to.
type PipelineEntryPoint struct {
	sourceName string
	port       dag.PortHandle
}

// NewPipelineEntryPoint returns an entry point for sourceName on port.
func NewPipelineEntryPoint(sourceName string, port dag.PortHandle) PipelineEntryPoint {
	return PipelineEntryPoint{sourceName: sourceName, port: port}
}

// SourceName returns the symbolic source name.
func (e PipelineEntryPoint) SourceName() string { return e.sourceName }

// Port returns the input port on the consuming node.
func (e PipelineEntryPoint) Port() dag.PortHandle { return e.port }

// ProbabilisticOptimizations toggles approximate operators per operator family.
type ProbabilisticOptimizations struct {
	InSets         bool
	InJoins        bool
	InAggregations bool
}

// PipelineFlags are per-pipeline options carried through compilation for
// the executor. The zero value disables everything.
type PipelineFlags struct {
	EnableProbabilisticOptimizations ProbabilisticOptimizations
}

// FlagsFromConfig converts configured flags.
func FlagsFromConfig(cfg config.FlagsConfig) PipelineFlags {
	p := cfg.EnableProbabilisticOptimizations
	return PipelineFlags{
		EnableProbabilisticOptimizations: ProbabilisticOptimizations{
			InSets:         p.InSets,
			InJoins:        p.InJoins,
			InAggregations: p.InAggregations,
		},
	}
}

type processorEntry struct {
	handle  dag.NodeHandle
	factory dag.ProcessorFactory
}

type sinkEntry struct {
	handle  dag.NodeHandle
	factory dag.SinkFactory
}

type entryPointEntry struct {
	handle     dag.NodeHandle
	entryPoint PipelineEntryPoint
}

// AppPipeline is one pipeline under construction. Node ids are local to the
// pipeline; App.IntoDag moves them into the pipeline's namespace.
type AppPipeline struct {
	name        string
	flags       PipelineFlags
	processors  []processorEntry
	sinks       []sinkEntry
	edges       []dag.Edge
	entryPoints []entryPointEntry
	ids         map[string]dag.NodeKind
}

// NewAppPipeline returns an empty pipeline with the given flags.
func NewAppPipeline(flags PipelineFlags) *AppPipeline {
	return &AppPipeline{
		flags: flags,
		ids:   make(map[string]dag.NodeKind),
	}
}

// NewAppPipelineWithDefaultFlags returns an empty pipeline with all flags off.
func NewAppPipelineWithDefaultFlags() *AppPipeline {
	return NewAppPipeline(PipelineFlags{})
}

// Name returns the display name of the pipeline.
func (p *AppPipeline) Name() string { return p.name }

// SetName sets the display name used in logs.
func (p *AppPipeline) SetName(name string) { p.name = name }

// Flags returns the pipeline flags.
func (p *AppPipeline) Flags() PipelineFlags { return p.flags }

func (p *AppPipeline) register(id string, kind dag.NodeKind) error {
	if err := dag.ValidateID(id); err != nil {
		return err
	}
	if existing, ok := p.ids[id]; ok {
		return errors.Newf(errors.ErrorTypeDuplicateNode, "node %q already added to pipeline as %s", id, existing).
			WithDetail("node_id", id)
	}
	p.ids[id] = kind
	return nil
}

// AddProcessor adds a processor under a local id and records its entry
// points in order.
func (p *AppPipeline) AddProcessor(factory dag.ProcessorFactory, id string, entryPoints []PipelineEntryPoint) error {
	if factory == nil {
		return errors.Newf(errors.ErrorTypeValidation, "processor %q has no factory", id)
	}
	if err := p.register(id, dag.NodeKindProcessor); err != nil {
		return err
	}
	handle := dag.NodeHandle{ID: id}
	p.processors = append(p.processors, processorEntry{handle: handle, factory: factory})
	for _, ep := range entryPoints {
		p.entryPoints = append(p.entryPoints, entryPointEntry{handle: handle, entryPoint: ep})
	}
	return nil
}

// AddSink adds a sink under a local id with an optional entry point.
func (p *AppPipeline) AddSink(factory dag.SinkFactory, id string, entryPoint *PipelineEntryPoint) error {
	if factory == nil {
		return errors.Newf(errors.ErrorTypeValidation, "sink %q has no factory", id)
	}
	if err := p.register(id, dag.NodeKindSink); err != nil {
		return err
	}
	handle := dag.NodeHandle{ID: id}
	p.sinks = append(p.sinks, sinkEntry{handle: handle, factory: factory})
	if entryPoint != nil {
		p.entryPoints = append(p.entryPoints, entryPointEntry{handle: handle, entryPoint: *entryPoint})
	}
	return nil
}

// ConnectNodes adds an edge between two nodes of this pipeline. Both nodes
// must have been added already. Ports are checked when the App is compiled.
func (p *AppPipeline) ConnectNodes(from string, fromPort dag.PortHandle, to string, toPort dag.PortHandle) error {
	for _, id := range []string{from, to} {
		if _, ok := p.ids[id]; !ok {
			return errors.Newf(errors.ErrorTypeDanglingEdge, "edge %s:%d -> %s:%d references unknown node %q", from, fromPort, to, toPort, id).
				WithDetail("node_id", id)
		}
	}
	p.edges = append(p.edges, dag.NewEdge(
		dag.NewEndpoint(dag.NodeHandle{ID: from}, fromPort),
		dag.NewEndpoint(dag.NodeHandle{ID: to}, toPort),
	))
	return nil
}

// EntryPointSourceNames returns the source names of all entry points in the
// order they were recorded.
func (p *AppPipeline) EntryPointSourceNames() []string {
	names := make([]string, len(p.entryPoints))
	for i, e := range p.entryPoints {
		names[i] = e.entryPoint.sourceName
	}
	return names
}

// NodeCount returns the number of processors and sinks.
func (p *AppPipeline) NodeCount() int {
	return len(p.processors) + len(p.sinks)
}
