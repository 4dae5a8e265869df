// Package cli builds the onemcp command tree. Running the bare binary
// starts the proxy; the subcommands are one-shot inspection and maintenance
// tools that share the proxy's viper-backed settings.
package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/onemcp/onemcp-go/internal/cli/output"
	"github.com/onemcp/onemcp-go/internal/config"
)

// BuildInfo carries the ldflags-injected release identity.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// outputFlag is the persistent --output value shared by the inspection
// commands.
var outputFlag string

// Execute runs the command tree and returns the first error, which the
// caller maps to exit code 1.
func Execute(info BuildInfo) error {
	root, err := NewRootCommand(info)
	if err != nil {
		return err
	}
	return root.Execute()
}

// NewRootCommand assembles the onemcp command with all subcommands and
// viper bindings.
func NewRootCommand(info BuildInfo) (*cobra.Command, error) {
	config.SetupViper()

	if info.Version == "" {
		info.Version = "dev"
	}

	root := &cobra.Command{
		Use:   "onemcp",
		Short: "One MCP endpoint in front of all your servers",
		Long: `onemcp aggregates any number of MCP servers (stdio, HTTP, SSE) behind a
single streamable HTTP endpoint. Clients connect once and see the merged
tool, resource, and prompt surface; per-session tag filters narrow it.

Running onemcp with no subcommand starts the proxy.`,
		Version:       info.Version,
		RunE:          serveRunE(info),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "server document path (default <data-dir>/mcp.json)")
	flags.StringP("data-dir", "d", "", "data directory (default ~/.config/1mcp)")
	flags.StringP("listen", "l", "", "listen address (default 127.0.0.1:3050)")
	flags.String("log-level", "", "log level: debug, info, warn, error (default info)")
	flags.Bool("log-to-file", true, "also write logs to the rotating file under the data dir")
	flags.String("log-dir", "", "log directory (default <data-dir>/logs)")
	flags.StringVarP(&outputFlag, "output", "o", "", "output format for inspection commands: table, json, yaml")

	bindings := map[string]string{
		"config":              "config",
		"data-dir":            "data-dir",
		"listen":              "listen",
		"logging.level":       "log-level",
		"logging.enable-file": "log-to-file",
		"logging.log-dir":     "log-dir",
	}
	for key, name := range bindings {
		if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	root.AddCommand(
		newServeCommand(info),
		newValidateCommand(),
		newImportCommand(),
		newSecretCommand(),
		newPresetCommand(),
		newContextCommand(info),
		newStatusCommand(),
		newVersionCommand(info),
	)
	return root, nil
}

// newFormatter resolves the persistent --output flag into a concrete
// formatter, returning the resolved format name for mode branching.
func newFormatter() (string, output.Formatter, error) {
	format := output.ResolveFormat(outputFlag)
	f, err := output.NewFormatter(format)
	return format, f, err
}

// printRendered writes formatter output with exactly one trailing newline,
// papering over the table/JSON difference.
func printRendered(w io.Writer, rendered string) {
	fmt.Fprint(w, strings.TrimRight(rendered, "\n")+"\n")
}
