package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/onemcp/onemcp-go/internal/appcontext"
	"github.com/onemcp/onemcp-go/internal/config"
)

func newContextCommand(info BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "context",
		Short: "Print the context snapshot template renders see",
		Long: `Builds the same snapshot the proxy hands to mcpTemplates renders:
project and git facts from the working directory, sanitized user and
environment fields, and the proxy's own transport. Paths under the home
directory print with a ~ prefix and only allowlisted environment
variables appear, so the output is safe to share.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := config.LoadSettings()
			if err != nil {
				return fmt.Errorf("load settings: %w", err)
			}

			builder := appcontext.NewBuilder(nil, appcontext.Options{
				Version:  info.Version,
				Prefixes: settings.EnvAllowedPrefixes,
			})
			snapshot := builder.Build(cmd.Context(), appcontext.Transport{
				Type: "http",
				URL:  fmt.Sprintf("http://%s/mcp", settings.Listen),
			})

			_, f, err := newFormatter()
			if err != nil {
				return err
			}
			rendered, err := f.Format(snapshot)
			if err != nil {
				return err
			}
			printRendered(cmd.OutOrStdout(), rendered)
			return nil
		},
	}
}
