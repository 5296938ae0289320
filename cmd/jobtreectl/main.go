// Command jobtreectl drives a job tree to completion: it submits root
// jobs, runs the Controller, and reports status.
package main

import (
	"fmt"
	"os"

	"github.com/gridtree/jobtree/internal/cli"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	// An invariant violation in the controller is a fatal assertion
	// (spec §7): let it panic, print it, and abort rather than limping
	// on with state the controller no longer trusts.
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "jobtreectl: fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "jobtreectl: %v\n", err)
		os.Exit(1)
	}
}
