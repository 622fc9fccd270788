package app

import (
	"slices"
	"sort"

	"github.com/ajitpratap0/tributary/pkg/dag"
	"github.com/ajitpratap0/tributary/pkg/errors"
)

// AppSource is the source node of one connection.
type AppSource struct {
	Connection string
	Source     dag.SourceFactory
}

// AppSourceMapping maps the source names a connection provides to output
// ports of the connection's source node.
type AppSourceMapping struct {
	Connection string
	Mappings   map[string]dag.PortHandle
}

// AppSourceManager holds sources and their mappings as position-paired
// lists. Add is the only mutator and keeps both lists the same length.
type AppSourceManager struct {
	sources  []AppSource
	mappings []AppSourceMapping
	owners   map[string]string
}

// NewAppSourceManager returns an empty manager.
func NewAppSourceManager() *AppSourceManager {
	return &AppSourceManager{owners: make(map[string]string)}
}

// Add registers a connection's source and its mapping. The mapping must
// belong to the same connection, every mapped port must be an output port
// of the source, and source names must be unique across connections.
func (m *AppSourceManager) Add(source AppSource, mapping AppSourceMapping) error {
	if source.Source == nil {
		return errors.Newf(errors.ErrorTypeValidation, "connection %q has no source factory", source.Connection)
	}
	if err := dag.ValidateID(source.Connection); err != nil {
		return err
	}
	if mapping.Connection != source.Connection {
		return errors.Newf(errors.ErrorTypeValidation, "mapping for connection %q added with source of connection %q", mapping.Connection, source.Connection).
			WithDetail("connection", source.Connection)
	}
	for _, s := range m.sources {
		if s.Connection == source.Connection {
			return errors.Newf(errors.ErrorTypeDuplicateNode, "connection %q already registered", source.Connection).
				WithDetail("connection", source.Connection)
		}
	}

	outputs := source.Source.OutputPorts()
	for _, name := range sortedNames(mapping.Mappings) {
		if owner, ok := m.owners[name]; ok {
			return errors.Newf(errors.ErrorTypeValidation, "source %q is already provided by connection %q", name, owner).
				WithDetail("source_name", name)
		}
		port := mapping.Mappings[name]
		if !slices.Contains(outputs, port) {
			return errors.Newf(errors.ErrorTypeInvalidPort, "source %q maps to port %d which connection %q does not provide", name, port, source.Connection).
				WithDetail("source_name", name).
				WithDetail("port", port)
		}
	}

	copied := make(map[string]dag.PortHandle, len(mapping.Mappings))
	for name, port := range mapping.Mappings {
		copied[name] = port
		m.owners[name] = source.Connection
	}
	m.sources = append(m.sources, source)
	m.mappings = append(m.mappings, AppSourceMapping{Connection: mapping.Connection, Mappings: copied})
	return nil
}

// Sources returns the registered sources in registration order.
func (m *AppSourceManager) Sources() []AppSource {
	return slices.Clone(m.sources)
}

// Mappings returns the registered mappings in registration order.
func (m *AppSourceManager) Mappings() []AppSourceMapping {
	return slices.Clone(m.mappings)
}

// SourceNames returns every mapped source name, sorted.
func (m *AppSourceManager) SourceNames() []string {
	names := make([]string, 0, len(m.owners))
	for name := range m.owners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetEndpoint resolves a source name to the output endpoint of the
// connection that provides it.
func (m *AppSourceManager) GetEndpoint(sourceName string) (dag.Endpoint, error) {
	for _, mapping := range m.mappings {
		if port, ok := mapping.Mappings[sourceName]; ok {
			return dag.NewEndpoint(dag.SourceHandle(mapping.Connection), port), nil
		}
	}
	return dag.Endpoint{}, errors.Newf(errors.ErrorTypeUnresolvedSource, "source %q is not mapped to any connection", sourceName).
		WithDetail("source_name", sourceName)
}

func sortedNames(m map[string]dag.PortHandle) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
