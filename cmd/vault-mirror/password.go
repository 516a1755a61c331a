package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/vault-mirror/internal/config"
)

var passwordCmd = &cobra.Command{
	Use:   "password",
	Short: "Manage the vault password",
}

var passwordSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store the vault password in the OS keyring",
	Long:  `Reads the password from stdin and stores it in the OS keyring, where "vault-mirror run" finds it when VAULT_PASSWORD is unset.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		pw, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr(), "Vault password: ")
		if err != nil {
			return err
		}

		if err := config.SaveKeyringPassword(pw); err != nil {
			return fmt.Errorf("saving to keyring: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Password stored in keyring.")

		return nil
	},
}

var passwordChangeKeyring bool

var passwordChangeCmd = &cobra.Command{
	Use:   "change",
	Short: "Re-wrap the sync key on every backend under a new password",
	Long: `Reads the new password from stdin and re-uploads each backend's sync key
wrapped under it. Backends that cannot be reached are marked pending and
finish the update on their next successful sync.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		pw, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr(), "New vault password: ")
		if err != nil {
			return err
		}

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.orch.ChangePassword(cmd.Context(), pw); err != nil {
			return err
		}

		if passwordChangeKeyring {
			if err := config.SaveKeyringPassword(pw); err != nil {
				return fmt.Errorf("saving to keyring: %w", err)
			}
		}

		status, err := a.orch.Status(cmd.Context())
		if err != nil {
			return err
		}

		for _, s := range status {
			if s.PendingKey {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: pending, will retry on next sync\n", s.Name)
			}
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Password changed. Update VAULT_PASSWORD on this and other devices.")

		return nil
	},
}

// readPassword reads one line from in.
func readPassword(in io.Reader, prompt io.Writer, label string) (string, error) {
	fmt.Fprint(prompt, label)

	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}

		return "", errors.New("no input")
	}

	pw := strings.TrimRight(scanner.Text(), "\r")
	if pw == "" {
		return "", errors.New("password must not be empty")
	}

	return pw, nil
}

func init() {
	passwordChangeCmd.Flags().BoolVar(&passwordChangeKeyring, "keyring", false, "also store the new password in the OS keyring")

	passwordCmd.AddCommand(passwordSetCmd)
	passwordCmd.AddCommand(passwordChangeCmd)
	rootCmd.AddCommand(passwordCmd)
}
