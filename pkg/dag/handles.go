// Package dag defines the execution graph produced by compiling an App:
// namespaced node handles, ports, endpoints, edges and the Dag itself.
package dag

import (
	"fmt"
	"strings"

	"github.com/ajitpratap0/tributary/pkg/errors"
)

// PipelineInstanceID identifies one pipeline inside a compiled App.
// Ids are assigned from 1; NoNamespace marks handles that belong to no pipeline.
type PipelineInstanceID uint32

// NoNamespace is the namespace of source nodes, which are shared across pipelines.
const NoNamespace PipelineInstanceID = 0

// NodeHandle identifies a node in a Dag. It is a comparable value type and can
// be used as a map key. Handles with the same ID and different namespaces are
// distinct nodes.
type NodeHandle struct {
	Namespace PipelineInstanceID
	ID        string
}

// NewNodeHandle returns a handle in the given namespace.
func NewNodeHandle(ns PipelineInstanceID, id string) NodeHandle {
	return NodeHandle{Namespace: ns, ID: id}
}

// SourceHandle returns the namespace-free handle used for a connection's source node.
func SourceHandle(connection string) NodeHandle {
	return NodeHandle{ID: connection}
}

// HasNamespace reports whether the handle belongs to a pipeline.
func (h NodeHandle) HasNamespace() bool {
	return h.Namespace != NoNamespace
}

// WithNamespace returns a copy of h in namespace ns.
func (h NodeHandle) WithNamespace(ns PipelineInstanceID) NodeHandle {
	return NodeHandle{Namespace: ns, ID: h.ID}
}

func (h NodeHandle) String() string {
	if !h.HasNamespace() {
		return h.ID
	}
	return fmt.Sprintf("%d::%s", h.Namespace, h.ID)
}

// ValidateID checks a local node id. Ids must be non-empty and free of whitespace.
func ValidateID(id string) error {
	if id == "" {
		return errors.New(errors.ErrorTypeValidation, "node id cannot be empty")
	}
	if strings.ContainsAny(id, " \t\n\r") {
		return errors.Newf(errors.ErrorTypeValidation, "node id %q cannot contain whitespace", id).
			WithDetail("node_id", id)
	}
	return nil
}

// PortHandle identifies an input or output port, unique within its node.
type PortHandle uint16

// DefaultPort is the port used by single-port nodes.
const DefaultPort PortHandle = 0

// Endpoint is a specific port of a specific node.
type Endpoint struct {
	Node NodeHandle
	Port PortHandle
}

// NewEndpoint returns the endpoint for port on node.
func NewEndpoint(node NodeHandle, port PortHandle) Endpoint {
	return Endpoint{Node: node, Port: port}
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Node, e.Port)
}

// Edge is a directed connection from an output port to an input port.
type Edge struct {
	From Endpoint
	To   Endpoint
}

// NewEdge returns an edge from one endpoint to another.
func NewEdge(from, to Endpoint) Edge {
	return Edge{From: from, To: to}
}

func (e Edge) String() string {
	return fmt.Sprintf("%s -> %s", e.From, e.To)
}
