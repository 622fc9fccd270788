package config_test

import (
	"fmt"
	"os"

	"github.com/ajitpratap0/tributary/pkg/config"
)

// ExampleNewDefault demonstrates the default configuration values.
func ExampleNewDefault() {
	cfg := config.NewDefault()

	fmt.Printf("Capacity: %d\n", cfg.Ingestion.Capacity)
	fmt.Printf("Shutdown Timeout: %s\n", cfg.Ingestion.ShutdownTimeout)
	fmt.Printf("Log Level: %s\n", cfg.Observability.LogLevel)

	// Output:
	// Capacity: 1024
	// Shutdown Timeout: 30s
	// Log Level: info
}

// ExampleParse demonstrates parsing a configuration with environment
// variable substitution.
func ExampleParse() {
	os.Setenv("ORDERS_DSN", "postgres://localhost:5432/shop")
	defer os.Unsetenv("ORDERS_DSN")

	doc := `
connections:
  - name: pg1
    type: postgresql-cdc
    properties:
      dsn: ${ORDERS_DSN}
      slot_name: ${SLOT_NAME:-tributary_slot}
sources:
  - name: pg_orders
    connection: pg1
    table: orders
`
	cfg := config.NewDefault()
	if err := config.Parse([]byte(doc), cfg); err != nil {
		fmt.Println(err)
		return
	}

	fmt.Println(cfg.Connections[0].Properties["dsn"])
	fmt.Println(cfg.Connections[0].Properties["slot_name"])
	fmt.Println(cfg.Validate() == nil)

	// Output:
	// postgres://localhost:5432/shop
	// tributary_slot
	// true
}
