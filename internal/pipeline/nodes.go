package pipeline

import (
	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/dag"
	"github.com/ajitpratap0/tributary/pkg/errors"
)

// Built-in node kinds
const (
	KindPassthrough = "passthrough"
	KindUnion       = "union"
	KindLog         = "log"
	KindDiscard     = "discard"
)

// ProcessorNode declares the ports of a built-in processor
type ProcessorNode struct {
	Kind   string
	Inputs int
}

func (p *ProcessorNode) InputPorts() []dag.PortHandle { return dag.Ports(p.Inputs) }

func (p *ProcessorNode) OutputPorts() []dag.PortHandle {
	return []dag.PortHandle{dag.DefaultPort}
}

// SinkNode declares the single input port of a built-in sink
type SinkNode struct {
	Kind string
}

func (s *SinkNode) InputPorts() []dag.PortHandle { return []dag.PortHandle{dag.DefaultPort} }

// NewProcessor returns the factory for a configured processor
func NewProcessor(n config.NodeConfig) (*ProcessorNode, error) {
	switch n.Kind {
	case KindPassthrough:
		return &ProcessorNode{Kind: n.Kind, Inputs: 1}, nil
	case KindUnion:
		inputs := n.Inputs
		if inputs == 0 {
			inputs = len(n.EntryPoints)
		}
		if inputs < 1 {
			return nil, errors.Newf(errors.ErrorTypeConfig, "union %q needs at least one input", n.ID).
				WithDetail("node", n.ID)
		}
		return &ProcessorNode{Kind: n.Kind, Inputs: inputs}, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown processor kind %q", n.Kind).
			WithDetail("node", n.ID)
	}
}

// NewSink returns the factory for a configured sink
func NewSink(n config.NodeConfig) (*SinkNode, error) {
	switch n.Kind {
	case KindLog, KindDiscard:
		return &SinkNode{Kind: n.Kind}, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown sink kind %q", n.Kind).
			WithDetail("node", n.ID)
	}
}
