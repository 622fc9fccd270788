// Package sources links every connector variant into the registry. Import it
// for its side effects.
package sources

import (
	// Import all source connectors to trigger init() registration
	_ "github.com/ajitpratap0/tributary/pkg/connector/sources/events"
	_ "github.com/ajitpratap0/tributary/pkg/connector/sources/kafka"
	_ "github.com/ajitpratap0/tributary/pkg/connector/sources/mongodb_cdc"
	_ "github.com/ajitpratap0/tributary/pkg/connector/sources/mysql_cdc"
	_ "github.com/ajitpratap0/tributary/pkg/connector/sources/postgresql_cdc"
)
