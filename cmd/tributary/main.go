package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/internal/pipeline"
	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/connector/core"
	"github.com/ajitpratap0/tributary/pkg/connector/registry"
	jsonpool "github.com/ajitpratap0/tributary/pkg/json"
	"github.com/ajitpratap0/tributary/pkg/logger"
	"github.com/ajitpratap0/tributary/pkg/observability"

	// Import all available connectors to register them
	_ "github.com/ajitpratap0/tributary/pkg/connector/sources"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("tributary")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "tributary",
		Short: "Tributary - change data capture graph compiler",
		Long: `Tributary compiles pipelines over change data capture sources into a single
execution graph and runs the connectors that feed it.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "tributary.yaml", "Path to the application configuration")
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides the configuration")
	root.PersistentFlags().String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	_ = v.BindPFlags(root.PersistentFlags())

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Tributary v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available connector types",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Available Connectors:")
			for _, t := range registry.List() {
				fmt.Printf("  - %s\n", t)
			}
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "compile",
		Short: "Compile the configured pipelines and print the graph as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleanup, err := setup(v)
			if err != nil {
				return err
			}
			defer cleanup()

			rt, err := pipeline.Build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return jsonpool.MarshalIndentToWriter(os.Stdout, rt.Dag())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the connectors until interrupted",
		Long: `Run compiles the configured pipelines, starts every connector and consumes
their change messages until SIGINT or SIGTERM.

Example:
  tributary run --config app.yaml --metrics-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleanup, err := setup(v)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := pipeline.Build(ctx, cfg)
			if err != nil {
				return err
			}
			start := time.Now()
			err = rt.Run(ctx)
			logger.Info("run finished", zap.Duration("duration", time.Since(start)), zap.Error(err))
			return err
		},
	})

	root.AddCommand(discoveryCommand(v, "test-connection", "Check that a connection can reach its upstream",
		func(ctx context.Context, c core.Connector, _ []string) (interface{}, error) {
			if err := c.TestConnection(ctx); err != nil {
				return nil, err
			}
			return map[string]string{"connection": c.Name(), "status": "ok"}, nil
		}))
	root.AddCommand(discoveryCommand(v, "tables", "List the tables a connection can capture",
		func(ctx context.Context, c core.Connector, _ []string) (interface{}, error) {
			return c.GetTables(ctx)
		}))
	schemas := discoveryCommand(v, "schemas [table...]", "Describe tables of a connection",
		func(ctx context.Context, c core.Connector, args []string) (interface{}, error) {
			return c.GetSchemas(ctx, args)
		})
	schemas.Args = cobra.MinimumNArgs(1)
	root.AddCommand(schemas)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and brings up logging, tracing and the
// metrics endpoint. The returned cleanup undoes all of it.
func setup(v *viper.Viper) (*config.Config, func(), error) {
	cfg, err := config.LoadFile(v.GetString("config"))
	if err != nil {
		return nil, nil, err
	}
	if level := v.GetString("log-level"); level != "" {
		cfg.Observability.LogLevel = level
	}
	if addr := v.GetString("metrics-addr"); addr != "" {
		cfg.Observability.EnableMetrics = true
		cfg.Observability.MetricsAddr = addr
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Development: cfg.Observability.Development,
		Encoding:    cfg.Observability.LogEncoding,
		OutputPaths: []string{"stderr"},
	}); err != nil {
		return nil, nil, err
	}

	if err := observability.Initialize(observability.TracingConfig{
		Enabled:        cfg.Observability.EnableTracing,
		ServiceName:    cfg.Name,
		ServiceVersion: version,
		SamplingRate:   cfg.Observability.TracingSampleRate,
		Writer:         os.Stderr,
	}); err != nil {
		return nil, nil, err
	}

	var srv *http.Server
	if cfg.Observability.EnableMetrics {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv = &http.Server{Addr: cfg.Observability.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		logger.Info("serving metrics", zap.String("addr", cfg.Observability.MetricsAddr))
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if srv != nil {
			_ = srv.Shutdown(ctx)
		}
		if err := observability.Shutdown(ctx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
		_ = logger.Sync()
	}
	return cfg, cleanup, nil
}
