package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	backupcmd "github.com/chestnet/chestnet-go/cmd/backup"
	"github.com/chestnet/chestnet-go/cmd/directory"
	"github.com/chestnet/chestnet-go/cmd/file"
	"github.com/chestnet/chestnet-go/cmd/server"
	"github.com/chestnet/chestnet-go/cmd/user"
	"github.com/chestnet/chestnet-go/internal/conf"
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "chestnet-go",
		Short:   "ChestNet-Go chest X-ray triage",
		Version: settings.Version,
	}

	// Set up the global flags for the root command.
	setupFlags(rootCmd, settings)

	subcommands := []*cobra.Command{
		server.Command(settings),
		file.Command(settings),
		directory.Command(settings),
		user.Command(settings),
		backupcmd.Command(settings),
	}

	rootCmd.AddCommand(subcommands...)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// Parse the command line flags so they take precedence over
		// the config file values bound through viper.
		return cmd.Flags().Parse(args)
	}

	return rootCmd
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) error {
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}
