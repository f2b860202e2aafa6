// Command evalorch is the entry point for the evaluation orchestration
// engine: a CLI exposing a server command (HTTP API, worker pool,
// reconciler), a schema migration command, and operator commands for
// driving use cases and model evaluations without going through HTTP.
package main

import (
	"fmt"
	"os"

	"evalorch.io/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
