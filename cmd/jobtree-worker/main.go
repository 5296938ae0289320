// Command jobtree-worker is the one-shot harness process a backend
// dispatches to execute a single job record (spec §6): it takes the
// job tree's root path and a --job flag naming the record to run.
//
// Targets are a compile-time extension point, the way database
// drivers register themselves with database/sql: a deployment that
// defines its own target.Target implementations blank-imports the
// package that calls target.Registry.Register in an init function,
// producing its own jobtree-worker binary with those targets compiled
// in. This binary ships with none registered, since the orchestrator
// itself has no opinion on what work a tree actually runs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/gridtree/jobtree/internal/harness"
	"github.com/gridtree/jobtree/internal/store"
	"github.com/gridtree/jobtree/internal/target"
)

func main() {
	jobFile := flag.String("job", "", "path to the job record to execute")

	// The root path comes first on the command line, and the flag
	// package stops parsing at the first positional argument, so take
	// it off before parsing the flags that follow it.
	args := os.Args[1:]
	rootPath := ""
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		rootPath = args[0]
		args = args[1:]
	}
	_ = flag.CommandLine.Parse(args)
	if rootPath == "" {
		rootPath = flag.Arg(0)
	}

	if *jobFile == "" {
		fmt.Fprintln(os.Stderr, "jobtree-worker: --job is required")
		os.Exit(2)
	}

	h := harness.New(store.New(), target.NewRegistry())
	err := h.Run(context.Background(), rootPath, *jobFile)
	if err != nil && !errors.Is(err, harness.ErrSlaveFailed) {
		fmt.Fprintf(os.Stderr, "jobtree-worker: %v\n", err)
		os.Exit(2)
	}
	if errors.Is(err, harness.ErrSlaveFailed) {
		os.Exit(1)
	}
}
