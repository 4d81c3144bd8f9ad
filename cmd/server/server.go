// Package server implements the subcommand that runs the full triage
// service: HTTP API, triage workers and all background schedulers.
package server

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chestnet/chestnet-go/internal/clinic"
	"github.com/chestnet/chestnet-go/internal/conf"
)

// Command creates the server command
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the ChestNet-Go triage service",
		Long:  "Start the HTTP API together with the triage workers, batch manager, appointment reminders and backup schedulers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return clinic.Serve(cmd.Context(), settings)
		},
	}

	setupFlags(cmd, settings)

	return cmd
}

// setupFlags sets command-specific flags for the server command
func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().StringVar(&settings.WebServer.Port, "port", viper.GetString("webserver.port"), "Port for the web server")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}
