// Command master is the dataflow-master entry point: it builds the CLI
// command tree and executes it.
//
// Version is injected at build time via -ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123" ./cmd/master
package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/dataflow-master/internal/cli"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
