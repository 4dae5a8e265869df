package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/onemcp/onemcp-go/internal/config"
	"github.com/onemcp/onemcp-go/internal/preset"
	"github.com/onemcp/onemcp-go/internal/session"
	"github.com/onemcp/onemcp-go/internal/storage"
)

func newPresetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preset",
		Short: "Inspect the named tag-filter presets",
		Long: `Presets live in presets.json next to the server document. Sessions
select one with ?preset=<name> on the MCP endpoint. A running proxy
watches the file, so edits and deletions apply without a restart.`,
	}
	cmd.AddCommand(
		newPresetListCommand(),
		newPresetShowCommand(),
		newPresetDeleteCommand(),
	)
	return cmd
}

// openPresetStore loads presets.json from the configured data directory.
func openPresetStore() (*preset.Store, error) {
	settings, err := config.LoadSettings()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	store, err := preset.NewStore(nil, preset.Options{
		Path: storage.NewLayout(settings.DataDir).PresetsPath(),
	})
	if err != nil {
		return nil, fmt.Errorf("load presets: %w", err)
	}
	return store, nil
}

// selectionSummary renders the payload a preset's mode reads.
func selectionSummary(sel session.Selection) string {
	switch sel.Mode {
	case session.FilterAdvanced:
		if sel.Expression != nil {
			return sel.Expression.String()
		}
		return ""
	default:
		return strings.Join(sel.Tags, ", ")
	}
}

func newPresetListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openPresetStore()
			if err != nil {
				return err
			}

			_, f, err := newFormatter()
			if err != nil {
				return err
			}
			names := store.Names()
			rows := make([][]string, 0, len(names))
			for _, name := range names {
				sel, ok := store.Selection(name)
				if !ok {
					continue
				}
				rows = append(rows, []string{name, string(sel.Mode), selectionSummary(sel)})
			}
			rendered, err := f.FormatTable([]string{"NAME", "MODE", "SELECTION"}, rows)
			if err != nil {
				return err
			}
			printRendered(cmd.OutOrStdout(), rendered)
			return nil
		},
	}
}

func newPresetShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show one preset's full selection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openPresetStore()
			if err != nil {
				return err
			}
			sel, ok := store.Selection(args[0])
			if !ok {
				return fmt.Errorf("preset %q not found", args[0])
			}

			_, f, err := newFormatter()
			if err != nil {
				return err
			}
			rendered, err := f.Format(struct {
				Name      string            `json:"name" yaml:"name"`
				Selection session.Selection `json:"selection" yaml:"selection"`
			}{Name: args[0], Selection: sel})
			if err != nil {
				return err
			}
			printRendered(cmd.OutOrStdout(), rendered)
			return nil
		},
	}
}

func newPresetDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a preset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openPresetStore()
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted preset %q\n", args[0])
			return nil
		},
	}
}
