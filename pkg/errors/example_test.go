// Package errors provides examples of structured error handling in Tributary.
package errors_test

import (
	"fmt"
	"io"

	"github.com/ajitpratap0/tributary/pkg/errors"
)

// Example demonstrates basic error creation and details.
func Example() {
	err := errors.New(errors.ErrorTypeUnresolvedSource, "source pg_orders is not mapped to any connection").
		WithDetail("source_name", "pg_orders")

	fmt.Println(err.Error())
	name, _ := err.Detail("source_name")
	fmt.Println(name)

	// Output:
	// unresolved_source: source pg_orders is not mapped to any connection
	// pg_orders
}

// ExampleWrap shows how to wrap existing errors with context.
func ExampleWrap() {
	originalErr := io.EOF

	err := errors.Wrap(originalErr, errors.ErrorTypeIngestion, "failed to push message").
		WithDetail("connector_id", uint64(3))

	if errors.IsType(err, errors.ErrorTypeIngestion) {
		fmt.Println("This is an ingestion error")
	}
	if errors.IsConnector(err) {
		fmt.Println("Raised by a connector")
	}

	// Output:
	// This is an ingestion error
	// Raised by a connector
}

// ExampleIsExecution demonstrates classifying compilation errors.
func ExampleIsExecution() {
	compileErr := errors.New(errors.ErrorTypeDanglingEdge, "edge references unknown node")
	connErr := errors.New(errors.ErrorTypeUnsupported, "get_tables is not supported")

	fmt.Println(errors.IsExecution(compileErr))
	fmt.Println(errors.IsExecution(connErr))

	// Output:
	// true
	// false
}

// ExampleIsRetryable shows how to check if an error is retryable.
func ExampleIsRetryable() {
	errs := []error{
		errors.New(errors.ErrorTypeConnection, "connection reset"),
		errors.New(errors.ErrorTypeInitialization, "connector not initialized"),
	}

	for _, err := range errs {
		fmt.Printf("%v -> retryable: %v\n", err, errors.IsRetryable(err))
	}

	// Output:
	// connection: connection reset -> retryable: true
	// initialization: connector not initialized -> retryable: false
}

// ExampleHasType shows that HasType walks the whole chain.
func ExampleHasType() {
	inner := errors.New(errors.ErrorTypeUnresolvedSource, "source users is not mapped")
	outer := errors.Wrap(inner, errors.ErrorTypeConfig, "failed to compile pipeline")

	fmt.Println(errors.IsType(outer, errors.ErrorTypeUnresolvedSource))
	fmt.Println(errors.HasType(outer, errors.ErrorTypeUnresolvedSource))

	// Output:
	// false
	// true
}
