// Package tributary compiles change data capture pipelines into a single
// execution graph and feeds that graph from database change streams.
//
// An application declares connections (a Postgres logical replication slot,
// a MySQL binlog, a MongoDB change stream, a Kafka topic set or the in-process
// events connector), the named sources read through them, and any number of
// pipelines of processors and sinks. The compiler merges every pipeline into
// one graph in which each connection appears exactly once as a source node
// whose output ports are its tables.
//
// # Architecture
//
//  1. Builder: pkg/app.AppPipeline collects processors, sinks and edges, and
//     records entry points by source name without resolving them.
//
//  2. Compiler: pkg/app.App.IntoDag resolves entry points against the source
//     manager, namespaces node ids per pipeline and validates the result.
//
//  3. Ingestion: connectors push ordered change messages into a bounded
//     pkg/ingestion.Ingestor; one consumer reads them in arrival order.
//
// # Quick Start
//
// A minimal configuration:
//
//	name: shop
//	connections:
//	  - name: pg
//	    type: postgresql-cdc
//	    properties:
//	      connection_string: postgres://repl@localhost/shop
//	sources:
//	  - name: orders
//	    connection: pg
//	    table: public.orders
//	pipelines:
//	  - name: audit
//	    sinks:
//	      - id: out
//	        kind: log
//	        entry_points:
//	          - {source: orders, port: 0}
//
// Compile it, then run it:
//
//	tributary compile --config shop.yaml
//	tributary run --config shop.yaml --metrics-addr :9090
//
// # Key Packages
//
//	pkg/app          - Pipeline builder, source manager and compiler
//	pkg/dag          - Handles, endpoints, edges and the compiled graph
//	pkg/ingestion    - Change messages and the bounded ingestor
//	pkg/connector    - Connector capability, base connector and variants
//	pkg/filter       - Table filter expressions and their Mongo rendering
//	internal/pipeline - Runtime wiring configuration to connectors and graph
//
// # Error Handling
//
// Every package returns *errors.Error values from pkg/errors. Use
// errors.IsType to branch on the error class and Error.Detail for context
// such as the pipeline or connection involved.
package tributary
