package dag

import (
	"strings"

	"github.com/ajitpratap0/tributary/pkg/errors"
)

// MaxNodes bounds the size of a compiled graph.
const MaxNodes = 10000

// Validate re-checks every edge against the node table and rejects cycles.
// Returns on the first problem found.
func (d *Dag) Validate() error {
	if len(d.nodes) > MaxNodes {
		return errors.Newf(errors.ErrorTypeInvalidTopology, "node count %d exceeds maximum %d", len(d.nodes), MaxNodes)
	}
	for _, e := range d.edges {
		if err := d.checkEdge(e); err != nil {
			return err
		}
	}
	return d.detectCycles()
}

func (d *Dag) children() map[NodeHandle][]NodeHandle {
	children := make(map[NodeHandle][]NodeHandle, len(d.nodes))
	for _, e := range d.edges {
		children[e.From.Node] = append(children[e.From.Node], e.To.Node)
	}
	return children
}

// detectCycles runs a DFS from every node in insertion order.
func (d *Dag) detectCycles() error {
	children := d.children()
	visited := make(map[NodeHandle]bool, len(d.nodes))
	onStack := make(map[NodeHandle]bool, len(d.nodes))

	var dfs func(NodeHandle, []NodeHandle) error
	dfs = func(h NodeHandle, path []NodeHandle) error {
		visited[h] = true
		onStack[h] = true
		path = append(path, h)

		for _, child := range children[h] {
			if !visited[child] {
				if err := dfs(child, path); err != nil {
					return err
				}
			} else if onStack[child] {
				cycle := append(path, child)
				parts := make([]string, len(cycle))
				for i, n := range cycle {
					parts[i] = n.String()
				}
				return errors.Newf(errors.ErrorTypeInvalidTopology, "cycle detected: %s", strings.Join(parts, " -> ")).
					WithDetail("cycle", parts)
			}
		}

		onStack[h] = false
		return nil
	}

	for _, n := range d.nodes {
		if !visited[n.Handle] {
			if err := dfs(n.Handle, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// TopologicalOrder returns the handles in dependency order using Kahn's
// algorithm. Ties are broken by insertion order.
func (d *Dag) TopologicalOrder() ([]NodeHandle, error) {
	children := d.children()
	inDegree := make(map[NodeHandle]int, len(d.nodes))
	for _, e := range d.edges {
		inDegree[e.To.Node]++
	}

	position := make(map[NodeHandle]int, len(d.nodes))
	for i, n := range d.nodes {
		position[n.Handle] = i
	}

	// ready is kept sorted by insertion position
	var ready []NodeHandle
	for _, n := range d.nodes {
		if inDegree[n.Handle] == 0 {
			ready = append(ready, n.Handle)
		}
	}

	order := make([]NodeHandle, 0, len(d.nodes))
	for len(ready) > 0 {
		h := ready[0]
		ready = ready[1:]
		order = append(order, h)
		for _, child := range children[h] {
			inDegree[child]--
			if inDegree[child] == 0 {
				ready = insertByPosition(ready, child, position)
			}
		}
	}

	if len(order) != len(d.nodes) {
		return nil, errors.New(errors.ErrorTypeInvalidTopology, "graph contains a cycle")
	}
	return order, nil
}

func insertByPosition(ready []NodeHandle, h NodeHandle, position map[NodeHandle]int) []NodeHandle {
	i := len(ready)
	for i > 0 && position[ready[i-1]] > position[h] {
		i--
	}
	ready = append(ready, NodeHandle{})
	copy(ready[i+1:], ready[i:])
	ready[i] = h
	return ready
}
