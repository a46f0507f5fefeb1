// Command nomad runs a Mirage network node: it gossips signals, solves
// their puzzles, and drives the on-chain claim pipeline (§6).
package main

import (
	"fmt"
	"os"

	"nomad/cmd/nomad/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitCode(err))
	}
}
