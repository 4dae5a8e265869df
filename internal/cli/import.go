package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp-go/internal/config"
	"github.com/onemcp/onemcp-go/internal/configimport"
)

func newImportCommand() *cobra.Command {
	var (
		path      string
		formatStr string
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import server definitions from another MCP client's config",
		Long: `Reads a foreign client configuration (Claude-style JSON with an
"mcpServers" object, or Codex-style TOML with [mcp_servers.*] tables),
maps the servers into the document schema, and merges them into mcp.json.
Names already present are skipped, never overwritten. A running proxy
picks the change up through the document watcher.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := config.LoadSettings()
			if err != nil {
				return fmt.Errorf("load settings: %w", err)
			}
			format, err := configimport.ParseFormat(formatStr)
			if err != nil {
				return err
			}

			result, err := configimport.NewImporter(zap.NewNop()).Run(path, format, settings.ConfigPath, dryRun)
			if err != nil {
				return err
			}
			return printImportResult(cmd, result, settings.ConfigPath)
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "source config file to import")
	cmd.Flags().StringVar(&formatStr, "format", "auto", "source format: auto, claude, codex")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would change without writing")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

func printImportResult(cmd *cobra.Command, result *configimport.Result, configPath string) error {
	format, f, err := newFormatter()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if format == "json" || format == "yaml" {
		rendered, err := f.Format(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, rendered)
		return nil
	}

	fmt.Fprintf(out, "detected format: %s\n", result.Format)
	if len(result.Imported) > 0 {
		fmt.Fprintf(out, "imported %d server(s) into %s: %s\n",
			len(result.Imported), configPath, strings.Join(result.Imported, ", "))
	} else {
		fmt.Fprintln(out, "nothing to import")
	}
	for _, s := range result.Skipped {
		fmt.Fprintf(out, "skipped: %s (%s)\n", s.Name, s.Reason)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	if result.DryRun {
		fmt.Fprintln(out, "dry run: nothing was written")
	}
	return nil
}
