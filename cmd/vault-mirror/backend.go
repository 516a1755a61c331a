package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/vault-mirror/internal/config"
	"github.com/alexjbarnes/vault-mirror/internal/models"
)

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Manage sync backends",
	Long: `Link, unlink, enable and disable the remote backends this device
syncs with. Changes take effect the next time "vault-mirror run" starts.`,
}

// withApp loads configuration without requiring a vault password and
// opens the app for the duration of fn.
func withApp(cmd *cobra.Command, fn func(a *app) error) error {
	cfg, err := config.LoadPaths()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	return fn(a)
}

var listRemote bool

var backendListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured backends",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if listRemote {
			return listRemoteNames(cmd)
		}

		return withApp(cmd, func(a *app) error {
			backends, err := a.registry.List(cmd.Context())
			if err != nil {
				return err
			}

			if len(backends) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No backends configured.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSERVER\tVAULT\tENABLED\tPRIORITY\tLAST PUSH\tLAST PULL")

			for _, b := range backends {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%d\t%s\t%s\n",
					b.ID, b.Name, b.ServerURL, b.VaultID, b.Enabled, b.Priority,
					orDash(b.LastPushHLC), orDash(b.LastPullHLC))
			}

			return w.Flush()
		})
	},
}

// listRemoteNames prints the vault name each backend holds, decrypted
// with the server password.
func listRemoteNames(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	backends, err := a.registry.List(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLOCAL NAME\tREMOTE NAME")

	for _, b := range backends {
		name, err := a.registry.RemoteName(cmd.Context(), b.ID, cfg.ServerPassword)
		if err != nil {
			name = "error: " + err.Error()
		}

		fmt.Fprintf(w, "%s\t%s\t%s\n", b.ID, orDash(b.VaultName), orDash(name))
	}

	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}

var addFlags models.TemporaryBackend

var backendAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Link a new backend after testing the connection",
	Long: `Test the connection to a backend and save it. Credentials are either an
API token (--token) or an email and password. The password may also be
given through VAULT_MIRROR_BACKEND_PASSWORD to keep it out of shell history.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		t := addFlags
		if t.Password == "" {
			t.Password = os.Getenv("VAULT_MIRROR_BACKEND_PASSWORD")
		}

		return withApp(cmd, func(a *app) error {
			if t.VaultID == "" {
				t.VaultID = a.cfg.VaultID
			}

			b, err := a.registry.Add(cmd.Context(), t)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Linked %s (%s)\n", b.Name, b.ID)

			return nil
		})
	},
}

var removeDeleteRemote bool

var backendRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Unlink a backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			if err := a.registry.Remove(cmd.Context(), args[0], removeDeleteRemote); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])

			return nil
		})
	},
}

func toggleCmd(use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				return a.registry.SetEnabled(cmd.Context(), args[0], enabled)
			})
		},
	}
}

var backendRenameCmd = &cobra.Command{
	Use:   "rename <id> <name>",
	Short: "Change the vault's display name on a backend",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		return a.registry.Rename(cmd.Context(), args[0], args[1], cfg.ServerPassword)
	},
}

var backendImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Upsert backends from a YAML file without testing connections",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error {
			n, err := a.registry.ImportFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d backends\n", n)

			return nil
		})
	},
}

func init() {
	f := backendAddCmd.Flags()
	f.StringVar(&addFlags.Name, "name", "", "display name for the backend")
	f.StringVar(&addFlags.ServerURL, "url", "", "backend base URL")
	f.StringVar(&addFlags.Email, "email", "", "account email")
	f.StringVar(&addFlags.Password, "password", "", "account password")
	f.StringVar(&addFlags.APIToken, "token", "", "API token, used instead of email and password")
	f.StringVar(&addFlags.VaultID, "vault", "", "vault id on the backend, defaults to VAULT_ID")
	f.StringVar(&addFlags.VaultName, "vault-name", "", "vault display name")
	_ = backendAddCmd.MarkFlagRequired("name")
	_ = backendAddCmd.MarkFlagRequired("url")

	backendListCmd.Flags().BoolVar(&listRemote, "remote", false, "show the vault name stored on each backend")
	backendRemoveCmd.Flags().BoolVar(&removeDeleteRemote, "delete-remote", false, "also delete the vault and its data on the backend")

	backendCmd.AddCommand(backendListCmd)
	backendCmd.AddCommand(backendAddCmd)
	backendCmd.AddCommand(backendRemoveCmd)
	backendCmd.AddCommand(toggleCmd("enable", "Enable a backend", true))
	backendCmd.AddCommand(toggleCmd("disable", "Disable a backend", false))
	backendCmd.AddCommand(backendRenameCmd)
	backendCmd.AddCommand(backendImportCmd)
	rootCmd.AddCommand(backendCmd)
}
