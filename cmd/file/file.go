// Package file implements the subcommand that triages a single
// radiograph from disk without starting the server.
package file

import (
	"github.com/spf13/cobra"

	"github.com/chestnet/chestnet-go/internal/clinic"
	"github.com/chestnet/chestnet-go/internal/conf"
)

// Command creates the file command
func Command(settings *conf.Settings) *cobra.Command {
	opts := &clinic.TriageOptions{}

	cmd := &cobra.Command{
		Use:   "file [image file]",
		Short: "Triage a single chest X-ray image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings.Input.Path = args[0]
			return clinic.TriageFile(cmd.Context(), settings, settings.Input.Path, opts)
		},
	}

	cmd.Flags().UintVar(&opts.PatientID, "patient", 0, "Patient ID the image belongs to")
	cmd.Flags().StringVar(&opts.MRN, "mrn", "", "Medical record number of the patient")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "Accept a byte-identical re-upload for the same patient")

	return cmd
}
