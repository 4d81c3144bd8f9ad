// Package backup implements the subcommand that runs a one-shot
// backup outside the scheduler.
package backup

import (
	"github.com/spf13/cobra"

	"github.com/chestnet/chestnet-go/internal/clinic"
	"github.com/chestnet/chestnet-go/internal/conf"
)

// Command creates the backup command
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Run an immediate backup of the database and reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return clinic.RunBackup(cmd.Context(), settings)
		},
	}
}
