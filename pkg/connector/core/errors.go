package core

import (
	"github.com/ajitpratap0/tributary/pkg/errors"
)

// NotInitialized is returned by Start and Push before Initialize.
func NotInitialized(connector string) *errors.Error {
	return errors.Newf(errors.ErrorTypeInitialization, "connector %q is not initialized", connector).
		WithDetail("connector", connector)
}

// Unsupported is returned for an operation the connector does not provide.
func Unsupported(connector, operation string) *errors.Error {
	return errors.Newf(errors.ErrorTypeUnsupported, "%s is not supported by connector %q", operation, connector).
		WithDetail("connector", connector).
		WithDetail("operation", operation)
}

// Filtered is returned when a table filter rejects a row. Nothing was handed
// to the ingestor.
func Filtered(connector, table string) *errors.Error {
	return errors.Newf(errors.ErrorTypeFiltered, "row rejected by the filter of table %q", table).
		WithDetail("connector", connector).
		WithDetail("table", table)
}

// IsFiltered reports whether err is a table filter rejection.
func IsFiltered(err error) bool {
	return errors.IsType(err, errors.ErrorTypeFiltered)
}

// IsUnsupported reports whether err is an unsupported-operation error.
func IsUnsupported(err error) bool {
	return errors.IsType(err, errors.ErrorTypeUnsupported)
}
