package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/onemcp/onemcp-go/internal/appcontext"
	"github.com/onemcp/onemcp-go/internal/config"
	"github.com/onemcp/onemcp-go/internal/secret"
)

type validateReport struct {
	Document string   `json:"document"`
	Servers  []string `json:"servers"`
	Disabled []string `json:"disabled,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the server document without starting the proxy",
		Long: `Runs the document pipeline once: parse (comments tolerated), secret
substitution, schema validation, template render. Exits 1 when the
document has errors; warnings alone exit 0.`,
		Args: cobra.NoArgs,
		RunE: runValidate,
	}
}

func runValidate(cmd *cobra.Command, _ []string) error {
	settings, err := config.LoadSettings()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	loader := config.NewLoader(nil, config.LoaderOptions{
		EnvSubstitution: settings.EnvSubstitution,
		StrictEnv:       settings.StrictEnv,
		Resolver:        secret.NewResolver(),
	})
	builder := appcontext.NewBuilder(nil, appcontext.Options{
		Prefixes: settings.EnvAllowedPrefixes,
	})
	snapshot := builder.Build(cmd.Context(), appcontext.Transport{
		Type: "http",
		URL:  fmt.Sprintf("http://%s/mcp", settings.Listen),
	})

	result, loadErr := loader.Load(cmd.Context(), settings.ConfigPath, snapshot)
	if loadErr != nil && (result == nil || len(result.Errors) == 0) {
		return fmt.Errorf("load %s: %w", settings.ConfigPath, loadErr)
	}

	report := validateReport{Document: settings.ConfigPath, Servers: []string{}}
	if result != nil {
		for name, cfg := range result.Servers {
			report.Servers = append(report.Servers, name)
			if cfg.Disabled {
				report.Disabled = append(report.Disabled, name)
			}
		}
		sort.Strings(report.Servers)
		sort.Strings(report.Disabled)
		report.Warnings = result.Warnings
		for _, e := range result.Errors {
			report.Errors = append(report.Errors, e.Error())
		}
	}

	format, f, err := newFormatter()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if format == "json" || format == "yaml" {
		rendered, err := f.Format(report)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, rendered)
	} else {
		fmt.Fprintf(out, "document: %s\n", report.Document)
		fmt.Fprintf(out, "servers:  %d (%d disabled)\n", len(report.Servers), len(report.Disabled))
		for _, w := range report.Warnings {
			fmt.Fprintf(out, "warning: %s\n", w)
		}
		for _, e := range report.Errors {
			fmt.Fprintf(out, "error: %s\n", e)
		}
		if len(report.Errors) == 0 {
			fmt.Fprintln(out, "document is valid")
		}
	}

	if len(report.Errors) > 0 {
		return fmt.Errorf("document has %d error(s)", len(report.Errors))
	}
	return nil
}
