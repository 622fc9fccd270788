package dag

import "slices"

// NodeKind is the role of a node in the graph.
type NodeKind int

const (
	NodeKindSource NodeKind = iota
	NodeKindProcessor
	NodeKindSink
)

func (k NodeKind) String() string {
	switch k {
	case NodeKindSource:
		return "source"
	case NodeKindProcessor:
		return "processor"
	case NodeKindSink:
		return "sink"
	default:
		return "unknown"
	}
}

// SourceFactory builds a source node. Sources only produce data.
type SourceFactory interface {
	OutputPorts() []PortHandle
}

// ProcessorFactory builds a processor node.
type ProcessorFactory interface {
	InputPorts() []PortHandle
	OutputPorts() []PortHandle
}

// SinkFactory builds a sink node. Sinks only consume data.
type SinkFactory interface {
	InputPorts() []PortHandle
}

// Node is a graph node with the factory that will build it at execution time.
type Node struct {
	Handle NodeHandle
	Kind   NodeKind

	source    SourceFactory
	processor ProcessorFactory
	sink      SinkFactory
}

// SourceFactory returns the factory of a source node, or nil.
func (n *Node) SourceFactory() SourceFactory { return n.source }

// ProcessorFactory returns the factory of a processor node, or nil.
func (n *Node) ProcessorFactory() ProcessorFactory { return n.processor }

// SinkFactory returns the factory of a sink node, or nil.
func (n *Node) SinkFactory() SinkFactory { return n.sink }

// InputPorts returns the ports the node accepts edges on.
func (n *Node) InputPorts() []PortHandle {
	switch n.Kind {
	case NodeKindProcessor:
		return n.processor.InputPorts()
	case NodeKindSink:
		return n.sink.InputPorts()
	default:
		return nil
	}
}

// OutputPorts returns the ports the node emits on.
func (n *Node) OutputPorts() []PortHandle {
	switch n.Kind {
	case NodeKindSource:
		return n.source.OutputPorts()
	case NodeKindProcessor:
		return n.processor.OutputPorts()
	default:
		return nil
	}
}

func (n *Node) hasInput(p PortHandle) bool {
	return slices.Contains(n.InputPorts(), p)
}

func (n *Node) hasOutput(p PortHandle) bool {
	return slices.Contains(n.OutputPorts(), p)
}

// Ports is a convenience that builds a port list 0..n-1.
func Ports(n int) []PortHandle {
	ports := make([]PortHandle, n)
	for i := range ports {
		ports[i] = PortHandle(i)
	}
	return ports
}
