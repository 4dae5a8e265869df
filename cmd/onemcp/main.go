package main

import (
	"fmt"
	"os"

	"github.com/onemcp/onemcp-go/internal/cli"
)

var (
	version = "v0.1.0" // This will be injected by -ldflags during build
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := cli.Execute(cli.BuildInfo{Version: version, Commit: commit, Date: date}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
