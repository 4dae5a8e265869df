package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/onemcp/onemcp-go/internal/prompt"
	"github.com/onemcp/onemcp-go/internal/secret"
)

// keyringTimeout bounds each OS keyring call; some backends block on an
// unlock dialog.
const keyringTimeout = 30 * time.Second

func newSecretCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage keyring material referenced from the document",
		Long: `The document may reference secrets as ${keyring:NAME} (OS keyring:
Keychain, Secret Service, WinCred) or ${env:NAME} (environment). References
resolve during document load. These commands manage the keyring side.`,
	}
	cmd.AddCommand(
		newSecretSetCommand(),
		newSecretGetCommand(),
		newSecretDeleteCommand(),
		newSecretListCommand(),
	)
	return cmd
}

func newSecretSetCommand() *cobra.Command {
	var fromEnv string

	cmd := &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store a secret in the OS keyring",
		Long:  "Stores a secret under the onemcp keyring service. With no value argument the command prompts with hidden input.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			var value string
			switch {
			case len(args) == 2:
				value = args[1]
			case fromEnv != "":
				value = os.Getenv(fromEnv)
				if value == "" {
					return fmt.Errorf("environment variable %s is not set or empty", fromEnv)
				}
			default:
				var err error
				value, err = prompt.New().Secret(fmt.Sprintf("Value for %q: ", name))
				if err != nil {
					return err
				}
			}
			if value == "" {
				return errors.New("secret value cannot be empty")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), keyringTimeout)
			defer cancel()

			ref := secret.Ref{Type: secret.SecretTypeKeyring, Name: name}
			if err := secret.NewResolver().Store(ctx, ref, value); err != nil {
				return fmt.Errorf("store secret: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "stored %q in the OS keyring\n", name)
			fmt.Fprintf(cmd.OutOrStdout(), "reference it in the document as ${keyring:%s}\n", name)
			return nil
		},
	}

	cmd.Flags().StringVar(&fromEnv, "from-env", "", "read the value from this environment variable")
	return cmd
}

func newSecretGetCommand() *cobra.Command {
	var (
		refType string
		reveal  bool
	)

	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Retrieve a secret (masked unless --reveal)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if refType != secret.SecretTypeKeyring && refType != secret.SecretTypeEnv {
				return fmt.Errorf("unknown secret type %q (valid: keyring, env)", refType)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), keyringTimeout)
			defer cancel()

			ref := secret.Ref{Type: refType, Name: args[0]}
			value, err := secret.NewResolver().Resolve(ctx, ref)
			if err != nil {
				return fmt.Errorf("resolve secret: %w", err)
			}

			if reveal {
				fmt.Fprintln(cmd.OutOrStdout(), value)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), secret.Mask(value))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&refType, "type", secret.SecretTypeKeyring, "reference type: keyring, env")
	cmd.Flags().BoolVar(&reveal, "reveal", false, "print the raw value instead of a masked one")
	return cmd
}

func newSecretDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a secret from the OS keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), keyringTimeout)
			defer cancel()

			ref := secret.Ref{Type: secret.SecretTypeKeyring, Name: args[0]}
			if err := secret.NewResolver().Delete(ctx, ref); err != nil {
				return fmt.Errorf("delete secret: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "deleted %q from the OS keyring\n", args[0])
			return nil
		},
	}
}

func newSecretListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List secrets known to the keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), keyringTimeout)
			defer cancel()

			refs, err := secret.NewResolver().ListAll(ctx)
			if err != nil {
				return fmt.Errorf("list secrets: %w", err)
			}

			_, f, err := newFormatter()
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(refs))
			for _, ref := range refs {
				rows = append(rows, []string{ref.Type, ref.Name, fmt.Sprintf("${%s:%s}", ref.Type, ref.Name)})
			}
			rendered, err := f.FormatTable([]string{"TYPE", "NAME", "REFERENCE"}, rows)
			if err != nil {
				return err
			}
			printRendered(cmd.OutOrStdout(), rendered)
			return nil
		},
	}
}
