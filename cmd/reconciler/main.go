// Command reconciler runs the multi-source record reconciliation service:
// it loads a configuration file, builds the declared driver registry,
// and serves the wire protocol (spec.md §6) until interrupted.
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)

	err := cmd.Execute()
	if err == nil {
		return exitOK
	}

	var ce *cliError
	if errors.As(err, &ce) {
		fmt.Fprintln(os.Stderr, ce.err)
		return ce.code
	}
	fmt.Fprintln(os.Stderr, err)
	return exitRuntimeError
}
