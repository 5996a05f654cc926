/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the loan pipeline service. Every subcommand loads
  the TOML configuration, wires the store, service, aggregator and
  reconciler, then does its one job.

COMMANDS:
  serve          HTTP API plus the reconciliation scheduler
  reconcile      One delay reconciliation pass, counts printed
  stages         Print the stage policy table
  metrics        Print grand total and breakdown tables
  config init    Write the sample configuration

EXAMPLES:
  # Run with file database
  pipeline serve --config pipeline.toml

  # Run with in-memory database
  PIPELINE_DB_PATH=":memory:" pipeline serve

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration sections
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
