// Package user implements staff account management from the command
// line, for bootstrapping the first admin and for password resets.
package user

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/datastore"
	"github.com/chestnet/chestnet-go/internal/security"
)

// Command creates the user command with its create and password subcommands
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage staff accounts",
	}

	cmd.AddCommand(createCommand(settings), passwordCommand(settings))

	return cmd
}

func createCommand(settings *conf.Settings) *cobra.Command {
	var displayName, role string

	cmd := &cobra.Command{
		Use:   "create [username]",
		Short: "Create a staff account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := args[0]

			password, err := promptPassword(true)
			if err != nil {
				return err
			}

			ds := datastore.New(settings)
			if err := ds.Open(); err != nil {
				return fmt.Errorf("opening datastore: %w", err)
			}
			defer ds.Close()

			auth := security.NewAuthService(ds, nil)
			user, err := auth.CreateUser(username, password, displayName, role)
			if err != nil {
				return err
			}

			fmt.Printf("Created %s account %q (id %d)\n", user.Role, user.Username, user.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&displayName, "name", "", "Display name shown in reports and notifications")
	cmd.Flags().StringVar(&role, "role", security.RoleTechnician, "Account role: admin, radiologist or technician")

	return cmd
}

func passwordCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "password [username]",
		Short: "Reset the password of a staff account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := args[0]

			password, err := promptPassword(true)
			if err != nil {
				return err
			}

			hash, err := security.HashPassword(password)
			if err != nil {
				return err
			}

			ds := datastore.New(settings)
			if err := ds.Open(); err != nil {
				return fmt.Errorf("opening datastore: %w", err)
			}
			defer ds.Close()

			user, err := ds.GetUserByUsername(username)
			if err != nil {
				return fmt.Errorf("no account named %q", username)
			}
			if err := ds.UpdateUserPassword(user.ID, hash); err != nil {
				return err
			}

			fmt.Printf("Password updated for %q\n", username)
			return nil
		},
	}
}

// promptPassword reads a password from the terminal without echo. The
// confirm pass catches typos before the hash hits the database. Piped
// input falls back to plain line reads so provisioning scripts work.
func promptPassword(confirm bool) (string, error) {
	password, err := readSecret("Password: ")
	if err != nil {
		return "", err
	}
	if confirm {
		again, err := readSecret("Confirm password: ")
		if err != nil {
			return "", err
		}
		if password != again {
			return "", fmt.Errorf("passwords do not match")
		}
	}
	return password, nil
}

func readSecret(prompt string) (string, error) {
	fmt.Print(prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		secret, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		return string(secret), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
