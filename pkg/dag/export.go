package dag

import (
	"github.com/ajitpratap0/tributary/pkg/json"
)

// NodeView is the exported form of a node.
type NodeView struct {
	Handle      string       `json:"handle"`
	Namespace   uint32       `json:"namespace"`
	ID          string       `json:"id"`
	Kind        string       `json:"kind"`
	InputPorts  []PortHandle `json:"input_ports,omitempty"`
	OutputPorts []PortHandle `json:"output_ports,omitempty"`
}

// EndpointView is the exported form of an endpoint.
type EndpointView struct {
	Node string     `json:"node"`
	Port PortHandle `json:"port"`
}

// EdgeView is the exported form of an edge.
type EdgeView struct {
	From EndpointView `json:"from"`
	To   EndpointView `json:"to"`
}

// View is the serializable description of a Dag handed to schedulers and the CLI.
type View struct {
	Nodes []NodeView `json:"nodes"`
	Edges []EdgeView `json:"edges"`
}

// View returns the serializable description of d, in insertion order.
func (d *Dag) View() View {
	v := View{
		Nodes: make([]NodeView, 0, len(d.nodes)),
		Edges: make([]EdgeView, 0, len(d.edges)),
	}
	for _, n := range d.nodes {
		v.Nodes = append(v.Nodes, NodeView{
			Handle:      n.Handle.String(),
			Namespace:   uint32(n.Handle.Namespace),
			ID:          n.Handle.ID,
			Kind:        n.Kind.String(),
			InputPorts:  n.InputPorts(),
			OutputPorts: n.OutputPorts(),
		})
	}
	for _, e := range d.edges {
		v.Edges = append(v.Edges, EdgeView{
			From: EndpointView{Node: e.From.Node.String(), Port: e.From.Port},
			To:   EndpointView{Node: e.To.Node.String(), Port: e.To.Port},
		})
	}
	return v
}

// MarshalJSON implements json.Marshaler.
func (d *Dag) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.View())
}
