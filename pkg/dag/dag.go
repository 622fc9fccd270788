package dag

import (
	"github.com/ajitpratap0/tributary/pkg/errors"
)

// Dag is the compiled execution graph. Nodes and edges keep insertion order so
// that compiling the same App twice yields identical graphs.
type Dag struct {
	nodes []*Node
	index map[NodeHandle]*Node
	edges []Edge
}

// New returns an empty Dag.
func New() *Dag {
	return &Dag{
		index: make(map[NodeHandle]*Node),
	}
}

// AddSource registers a source node.
func (d *Dag) AddSource(handle NodeHandle, factory SourceFactory) error {
	if factory == nil {
		return nilFactory(handle)
	}
	return d.addNode(&Node{Handle: handle, Kind: NodeKindSource, source: factory})
}

// AddProcessor registers a processor node.
func (d *Dag) AddProcessor(handle NodeHandle, factory ProcessorFactory) error {
	if factory == nil {
		return nilFactory(handle)
	}
	return d.addNode(&Node{Handle: handle, Kind: NodeKindProcessor, processor: factory})
}

// AddSink registers a sink node.
func (d *Dag) AddSink(handle NodeHandle, factory SinkFactory) error {
	if factory == nil {
		return nilFactory(handle)
	}
	return d.addNode(&Node{Handle: handle, Kind: NodeKindSink, sink: factory})
}

func (d *Dag) addNode(n *Node) error {
	if err := ValidateID(n.Handle.ID); err != nil {
		return err
	}
	if existing, ok := d.index[n.Handle]; ok {
		return errors.Newf(errors.ErrorTypeDuplicateNode, "node %s already registered as %s", n.Handle, existing.Kind).
			WithDetail("node", n.Handle.String())
	}
	d.nodes = append(d.nodes, n)
	d.index[n.Handle] = n
	return nil
}

// Connect adds an edge. Both nodes must already be registered, the source
// port must be an output of its node and the target port an input of its node.
func (d *Dag) Connect(from, to Endpoint) error {
	edge := NewEdge(from, to)
	if err := d.checkEdge(edge); err != nil {
		return err
	}
	d.edges = append(d.edges, edge)
	return nil
}

func (d *Dag) checkEdge(edge Edge) error {
	fromNode, ok := d.index[edge.From.Node]
	if !ok {
		return danglingEdge(edge, edge.From.Node)
	}
	toNode, ok := d.index[edge.To.Node]
	if !ok {
		return danglingEdge(edge, edge.To.Node)
	}
	if !fromNode.hasOutput(edge.From.Port) {
		return errors.Newf(errors.ErrorTypeInvalidPort, "%s %s has no output port %d", fromNode.Kind, fromNode.Handle, edge.From.Port).
			WithDetail("node", fromNode.Handle.String()).
			WithDetail("port", edge.From.Port)
	}
	if !toNode.hasInput(edge.To.Port) {
		return errors.Newf(errors.ErrorTypeInvalidPort, "%s %s has no input port %d", toNode.Kind, toNode.Handle, edge.To.Port).
			WithDetail("node", toNode.Handle.String()).
			WithDetail("port", edge.To.Port)
	}
	return nil
}

// Node looks up a node by handle.
func (d *Dag) Node(handle NodeHandle) (*Node, bool) {
	n, ok := d.index[handle]
	return n, ok
}

// Nodes returns the nodes in insertion order.
func (d *Dag) Nodes() []*Node {
	out := make([]*Node, len(d.nodes))
	copy(out, d.nodes)
	return out
}

// Handles returns the node handles in insertion order.
func (d *Dag) Handles() []NodeHandle {
	out := make([]NodeHandle, len(d.nodes))
	for i, n := range d.nodes {
		out[i] = n.Handle
	}
	return out
}

// Edges returns the edges in insertion order.
func (d *Dag) Edges() []Edge {
	out := make([]Edge, len(d.edges))
	copy(out, d.edges)
	return out
}

// NodeCount returns the number of nodes.
func (d *Dag) NodeCount() int { return len(d.nodes) }

// EdgeCount returns the number of edges.
func (d *Dag) EdgeCount() int { return len(d.edges) }

// Incoming returns the edges that end at handle.
func (d *Dag) Incoming(handle NodeHandle) []Edge {
	var out []Edge
	for _, e := range d.edges {
		if e.To.Node == handle {
			out = append(out, e)
		}
	}
	return out
}

// Outgoing returns the edges that start at handle.
func (d *Dag) Outgoing(handle NodeHandle) []Edge {
	var out []Edge
	for _, e := range d.edges {
		if e.From.Node == handle {
			out = append(out, e)
		}
	}
	return out
}

// NodesOfKind returns the nodes of one kind in insertion order.
func (d *Dag) NodesOfKind(kind NodeKind) []*Node {
	var out []*Node
	for _, n := range d.nodes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func nilFactory(handle NodeHandle) error {
	return errors.Newf(errors.ErrorTypeValidation, "node %s has no factory", handle).
		WithDetail("node", handle.String())
}

func danglingEdge(edge Edge, missing NodeHandle) error {
	return errors.Newf(errors.ErrorTypeDanglingEdge, "edge %s references unknown node %s", edge, missing).
		WithDetail("node", missing.String())
}
