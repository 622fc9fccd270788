package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ajitpratap0/tributary/internal/pipeline"
	"github.com/ajitpratap0/tributary/pkg/connector/core"
	jsonpool "github.com/ajitpratap0/tributary/pkg/json"
)

type discoveryFunc func(ctx context.Context, c core.Connector, args []string) (interface{}, error)

// discoveryCommand builds a command that runs fn against one configured
// connection and prints the result as JSON.
func discoveryCommand(v *viper.Viper, use, short string, fn discoveryFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleanup, err := setup(v)
			if err != nil {
				return err
			}
			defer cleanup()

			name, _ := cmd.Flags().GetString("connection")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			conn, err := pipeline.NewConnector(cfg, name)
			if err != nil {
				return err
			}
			defer conn.Stop()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			out, err := fn(ctx, conn, args)
			if err != nil {
				return err
			}
			return jsonpool.MarshalIndentToWriter(os.Stdout, out)
		},
	}
	cmd.Flags().String("connection", "", "Name of the configured connection")
	cmd.Flags().Duration("timeout", 30*time.Second, "Give up after this long")
	_ = cmd.MarkFlagRequired("connection")
	return cmd
}
