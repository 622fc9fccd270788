// Package registry maps connector type names to factories. Variants register
// themselves from init; the runtime creates connectors lazily from
// configuration.
package registry

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/connector/core"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/logger"
)

// Factory creates a connector from its connection configuration. id is the
// value the connector stamps on every message it pushes.
type Factory func(id uint64, cfg config.ConnectionConfig) (core.Connector, error)

// Registry manages connector registration and instantiation
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
	logger    *zap.Logger
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates a new connector registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger.With(zap.String("component", "connector_registry")),
	}
}

// Register registers a connector factory under a type name
func (r *Registry) Register(connectorType string, factory Factory) error {
	if factory == nil {
		return errors.Newf(errors.ErrorTypeConfig, "connector %s has no factory", connectorType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[connectorType]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "connector %s already registered", connectorType)
	}

	r.factories[connectorType] = factory
	r.logger.Debug("connector registered", zap.String("type", connectorType))
	return nil
}

// Create creates a connector for cfg using the factory registered for cfg.Type
func (r *Registry) Create(id uint64, cfg config.ConnectionConfig) (core.Connector, error) {
	r.mu.RLock()
	factory, exists := r.factories[cfg.Type]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "connector type %s not found", cfg.Type).
			WithDetail("connection", cfg.Name)
	}

	conn, err := factory(id, cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create connector "+cfg.Name).
			WithDetail("type", cfg.Type)
	}

	return conn, nil
}

// List returns the registered connector types, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for name := range r.factories {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

// Has checks if a connector type is registered
func (r *Registry) Has(connectorType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[connectorType]
	return exists
}

// Clear removes all registered connectors (mainly for testing)
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[string]Factory)
}

// Global registry functions

// Register registers a connector in the global registry
func Register(connectorType string, factory Factory) error {
	return globalRegistry.Register(connectorType, factory)
}

// MustRegister registers a connector in the global registry and panics on
// failure. It is meant for init functions.
func MustRegister(connectorType string, factory Factory) {
	if err := globalRegistry.Register(connectorType, factory); err != nil {
		panic(err)
	}
}

// Create creates a connector from the global registry
func Create(id uint64, cfg config.ConnectionConfig) (core.Connector, error) {
	return globalRegistry.Create(id, cfg)
}

// List returns registered types from the global registry
func List() []string {
	return globalRegistry.List()
}

// Has checks if a type is registered in the global registry
func Has(connectorType string) bool {
	return globalRegistry.Has(connectorType)
}

// GetRegistry returns the global registry instance.
func GetRegistry() *Registry {
	return globalRegistry
}
