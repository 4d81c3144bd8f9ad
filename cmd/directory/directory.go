// Package directory implements the subcommand that triages every
// supported image in a directory.
package directory

import (
	"github.com/spf13/cobra"

	"github.com/chestnet/chestnet-go/internal/clinic"
	"github.com/chestnet/chestnet-go/internal/conf"
)

// Command creates the directory command
func Command(settings *conf.Settings) *cobra.Command {
	opts := &clinic.TriageOptions{}

	cmd := &cobra.Command{
		Use:   "directory [path]",
		Short: "Triage all chest X-ray images in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings.Input.Path = args[0]
			return clinic.TriageDirectory(cmd.Context(), settings, settings.Input.Path, settings.Input.Recursive, opts)
		},
	}

	cmd.Flags().UintVar(&opts.PatientID, "patient", 0, "Patient ID the images belong to")
	cmd.Flags().StringVar(&opts.MRN, "mrn", "", "Medical record number of the patient")
	cmd.Flags().BoolVarP(&settings.Input.Recursive, "recursive", "r", false, "Recurse into subdirectories")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "Accept byte-identical re-uploads for the same patient")

	return cmd
}
