// Package config provides the application configuration for Tributary.
// A single Config describes the connections, the named sources each
// connection exposes, and the pipelines that consume those sources.
//
// The configuration is organized into logical sections:
//   - Observability: logging, metrics and tracing
//   - Ingestion: the shared ingestion channel
//   - Flags: pipeline optimization flags
//   - Connections, Sources, Pipelines: the graph to compile
//
// Example usage:
//
//	cfg := config.NewDefault()
//	if err := config.Load("app.yaml", cfg); err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/tributary/pkg/errors"
)

// Config is the root application configuration.
type Config struct {
	// Name identifies the application in logs and traces
	Name string `yaml:"name" json:"name"`

	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
	Ingestion     IngestionConfig     `yaml:"ingestion" json:"ingestion"`
	Flags         FlagsConfig         `yaml:"flags" json:"flags"`

	Connections []ConnectionConfig `yaml:"connections" json:"connections"`
	Sources     []SourceConfig     `yaml:"sources" json:"sources"`
	Pipelines   []PipelineConfig   `yaml:"pipelines" json:"pipelines"`
}

// ObservabilityConfig contains monitoring settings.
type ObservabilityConfig struct {
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
	// LogEncoding is json or console
	LogEncoding string `yaml:"log_encoding" json:"log_encoding"`
	// Development switches the logger to development mode
	Development bool `yaml:"development" json:"development"`
	// EnableMetrics serves Prometheus metrics on MetricsAddr
	EnableMetrics bool   `yaml:"enable_metrics" json:"enable_metrics"`
	MetricsAddr   string `yaml:"metrics_addr" json:"metrics_addr"`
	// EnableTracing installs the stdout trace exporter
	EnableTracing     bool    `yaml:"enable_tracing" json:"enable_tracing"`
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate"`
}

// IngestionConfig sizes the shared ingestion channel.
type IngestionConfig struct {
	// Capacity is the number of messages buffered before producers block
	Capacity int `yaml:"capacity" json:"capacity"`
	// ShutdownTimeout bounds how long stopping connectors may take
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	// StatsInterval is how often the runtime logs ingestion statistics
	StatsInterval time.Duration `yaml:"stats_interval" json:"stats_interval"`
}

// FlagsConfig mirrors the per-pipeline optimization flags.
type FlagsConfig struct {
	EnableProbabilisticOptimizations ProbabilisticOptimizationsConfig `yaml:"enable_probabilistic_optimizations" json:"enable_probabilistic_optimizations"`
}

// ProbabilisticOptimizationsConfig toggles approximate operators.
type ProbabilisticOptimizationsConfig struct {
	InSets         bool `yaml:"in_sets" json:"in_sets"`
	InJoins        bool `yaml:"in_joins" json:"in_joins"`
	InAggregations bool `yaml:"in_aggregations" json:"in_aggregations"`
}

// ConnectionConfig describes one connector instance. Properties are decoded
// into the connector's own typed configuration with DecodeProperties.
type ConnectionConfig struct {
	Name       string                 `yaml:"name" json:"name"`
	Type       string                 `yaml:"type" json:"type"`
	Properties map[string]interface{} `yaml:"properties" json:"properties"`
}

// DecodeProperties decodes the connection properties into out, which should
// be a pointer to a struct with yaml tags. Fields absent from the properties
// keep the values out already holds.
func (c ConnectionConfig) DecodeProperties(out interface{}) error {
	if len(c.Properties) == 0 {
		return nil
	}
	data, err := yaml.Marshal(c.Properties)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to encode connection properties").
			WithDetail("connection", c.Name)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to decode connection properties").
			WithDetail("connection", c.Name)
	}
	return nil
}

// SourceConfig maps a source name used by pipelines to a table of a connection.
type SourceConfig struct {
	Name       string   `yaml:"name" json:"name"`
	Connection string   `yaml:"connection" json:"connection"`
	Table      string   `yaml:"table" json:"table"`
	Columns    []string `yaml:"columns" json:"columns"`
	// Filter is a filter expression document, e.g. {"amount": {"$gt": 100}}
	Filter map[string]interface{} `yaml:"filter" json:"filter"`
}

// PipelineConfig describes one pipeline.
type PipelineConfig struct {
	Name       string       `yaml:"name" json:"name"`
	Processors []NodeConfig `yaml:"processors" json:"processors"`
	Sinks      []NodeConfig `yaml:"sinks" json:"sinks"`
	Edges      []EdgeConfig `yaml:"edges" json:"edges"`
}

// NodeConfig describes a processor or sink.
type NodeConfig struct {
	ID   string `yaml:"id" json:"id"`
	Kind string `yaml:"kind" json:"kind"`
	// Inputs is the number of input ports for kinds that accept several
	Inputs      int                `yaml:"inputs" json:"inputs"`
	EntryPoints []EntryPointConfig `yaml:"entry_points" json:"entry_points"`
}

// EntryPointConfig attaches a named source to a node input port.
type EntryPointConfig struct {
	Source string `yaml:"source" json:"source"`
	Port   uint16 `yaml:"port" json:"port"`
}

// EdgeConfig connects two nodes of the same pipeline.
type EdgeConfig struct {
	From     string `yaml:"from" json:"from"`
	FromPort uint16 `yaml:"from_port" json:"from_port"`
	To       string `yaml:"to" json:"to"`
	ToPort   uint16 `yaml:"to_port" json:"to_port"`
}

// NewDefault returns a Config populated with defaults.
func NewDefault() *Config {
	return &Config{
		Name: "tributary",
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogEncoding:       "json",
			EnableMetrics:     false,
			MetricsAddr:       ":9090",
			EnableTracing:     false,
			TracingSampleRate: 0.1,
		},
		Ingestion: IngestionConfig{
			Capacity:        1024,
			ShutdownTimeout: 30 * time.Second,
			StatsInterval:   30 * time.Second,
		},
	}
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs error
	add := func(format string, args ...interface{}) {
		errs = multierr.Append(errs, errors.New(errors.ErrorTypeValidation, fmt.Sprintf(format, args...)))
	}

	if c.Ingestion.Capacity <= 0 {
		add("ingestion.capacity must be positive")
	}
	if c.Ingestion.ShutdownTimeout < 0 {
		add("ingestion.shutdown_timeout cannot be negative")
	}
	if r := c.Observability.TracingSampleRate; r < 0 || r > 1 {
		add("observability.tracing_sample_rate must be between 0 and 1")
	}

	connections := make(map[string]bool, len(c.Connections))
	for i, conn := range c.Connections {
		switch {
		case conn.Name == "":
			add("connections[%d]: name is required", i)
		case connections[conn.Name]:
			add("connections[%d]: duplicate connection %q", i, conn.Name)
		}
		if conn.Type == "" {
			add("connections[%d]: type is required", i)
		}
		connections[conn.Name] = true
	}

	// a connection reads each table once; its tables are keyed by name
	type connTable struct{ connection, table string }
	tables := make(map[connTable]string, len(c.Sources))
	sources := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		switch {
		case src.Name == "":
			add("sources[%d]: name is required", i)
		case sources[src.Name]:
			add("sources[%d]: duplicate source %q", i, src.Name)
		}
		if !connections[src.Connection] {
			add("sources[%d]: unknown connection %q", i, src.Connection)
		}
		if src.Table == "" {
			add("sources[%d]: table is required", i)
		} else {
			key := connTable{src.Connection, src.Table}
			if prev, dup := tables[key]; dup {
				add("sources[%d]: table %q of connection %q is already read by source %q", i, src.Table, src.Connection, prev)
			} else {
				tables[key] = src.Name
			}
		}
		sources[src.Name] = true
	}

	pipelines := make(map[string]bool, len(c.Pipelines))
	for i, p := range c.Pipelines {
		if p.Name != "" && pipelines[p.Name] {
			add("pipelines[%d]: duplicate pipeline %q", i, p.Name)
		}
		pipelines[p.Name] = true

		ids := make(map[string]bool)
		for _, n := range append(append([]NodeConfig{}, p.Processors...), p.Sinks...) {
			if n.ID == "" {
				add("pipelines[%d]: node id is required", i)
				continue
			}
			if ids[n.ID] {
				add("pipelines[%d]: duplicate node %q", i, n.ID)
			}
			ids[n.ID] = true
			if n.Kind == "" {
				add("pipelines[%d]: node %q: kind is required", i, n.ID)
			}
		}
		for _, s := range p.Sinks {
			if len(s.EntryPoints) > 1 {
				add("pipelines[%d]: sink %q accepts at most one entry point", i, s.ID)
			}
		}
		for _, e := range p.Edges {
			if !ids[e.From] || !ids[e.To] {
				add("pipelines[%d]: edge %s -> %s references an unknown node", i, e.From, e.To)
			}
		}
	}

	return errs
}

// Connection returns the connection named name.
func (c *Config) Connection(name string) (ConnectionConfig, bool) {
	for _, conn := range c.Connections {
		if conn.Name == name {
			return conn, true
		}
	}
	return ConnectionConfig{}, false
}

// SourcesFor returns the sources of one connection in declaration order.
func (c *Config) SourcesFor(connection string) []SourceConfig {
	var out []SourceConfig
	for _, src := range c.Sources {
		if src.Connection == connection {
			out = append(out, src)
		}
	}
	return out
}
