package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/onemcp/onemcp-go/internal/config"
	"github.com/onemcp/onemcp-go/internal/observability"
)

const statusTimeout = 5 * time.Second

// probeReport is the decoded /healthz or /readyz body.
type probeReport struct {
	Status     string                          `json:"status"`
	Components []observability.ComponentStatus `json:"components,omitempty"`
}

type statusReport struct {
	Addr   string       `json:"addr"`
	Health *probeReport `json:"health"`
	Ready  *probeReport `json:"ready"`
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query a running proxy's health endpoints",
		Long: `Calls /healthz and /readyz on the configured listen address. Exits 0
only when the proxy is both healthy and ready, so the command doubles
as a scriptable probe.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	settings, err := config.LoadSettings()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	client := &http.Client{Timeout: statusTimeout}
	base := "http://" + settings.Listen

	health, err := fetchProbe(cmd.Context(), client, base+"/healthz")
	if err != nil {
		return fmt.Errorf("cannot reach onemcp at %s (is it running?): %w", settings.Listen, err)
	}
	ready, err := fetchProbe(cmd.Context(), client, base+"/readyz")
	if err != nil {
		return fmt.Errorf("cannot reach onemcp at %s: %w", settings.Listen, err)
	}

	report := statusReport{Addr: settings.Listen, Health: health, Ready: ready}

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
	} else {
		fmt.Fprintf(out, "onemcp at %s: %s, %s\n", report.Addr, health.Status, ready.Status)
		rows := make([][]string, 0, len(health.Components)+len(ready.Components))
		for _, c := range health.Components {
			rows = append(rows, []string{"liveness", c.Name, c.Status, c.Error})
		}
		for _, c := range ready.Components {
			rows = append(rows, []string{"readiness", c.Name, c.Status, c.Error})
		}
		rendered, err := f.FormatTable([]string{"PROBE", "COMPONENT", "STATUS", "ERROR"}, rows)
		if err != nil {
			return err
		}
		printRendered(out, rendered)
	}

	if health.Status != "healthy" || ready.Status != "ready" {
		return fmt.Errorf("proxy at %s reports %s/%s", report.Addr, health.Status, ready.Status)
	}
	return nil
}

// fetchProbe decodes a probe body regardless of the HTTP status code, since
// an unhealthy proxy answers 503 with the same JSON shape.
func fetchProbe(ctx context.Context, client *http.Client, url string) (*probeReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var report probeReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decode %s: %w", url, err)
	}
	return &report, nil
}
