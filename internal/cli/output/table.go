package output

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// TableFormatter renders human-readable output: aligned columns for tabular
// data, YAML for everything else.
type TableFormatter struct {
	// Plain suppresses the header underline even on a terminal.
	Plain bool
}

// Format renders non-tabular data as YAML, which reads well for the nested
// structures the inspection commands produce.
func (f *TableFormatter) Format(data interface{}) (string, error) {
	encoded, err := yaml.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// FormatTable renders rows under headers with tabwriter alignment.
func (f *TableFormatter) FormatTable(headers []string, rows [][]string) (string, error) {
	if len(rows) == 0 {
		return "no results\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, strings.Join(headers, "\t"))
	if !f.Plain && isTTY() {
		underlines := make([]string, len(headers))
		for i, h := range headers {
			underlines[i] = strings.Repeat("-", len(h))
		}
		fmt.Fprintln(w, strings.Join(underlines, "\t"))
	}
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}

	if err := w.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
