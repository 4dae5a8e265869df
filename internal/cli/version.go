package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

type versionReport struct {
	Version  string `json:"version"`
	Commit   string `json:"commit,omitempty"`
	Date     string `json:"date,omitempty"`
	Go       string `json:"go"`
	Platform string `json:"platform"`
}

func newVersionCommand(info BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version, commit, and build date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report := versionReport{
				Version:  info.Version,
				Commit:   info.Commit,
				Date:     info.Date,
				Go:       runtime.Version(),
				Platform: runtime.GOOS + "/" + runtime.GOARCH,
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
				printRendered(out, rendered)
				return nil
			}

			fmt.Fprintf(out, "onemcp %s\n", report.Version)
			if report.Commit != "" {
				fmt.Fprintf(out, "commit: %s\n", report.Commit)
			}
			if report.Date != "" {
				fmt.Fprintf(out, "built:  %s\n", report.Date)
			}
			fmt.Fprintf(out, "go:     %s (%s)\n", report.Go, report.Platform)
			return nil
		},
	}
}
