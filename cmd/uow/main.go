// Command uow validates unit-of-work entity mappings, prints their commit
// order and runs scenario conformance tests.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/uow/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		// Commands report their own errors; only flag and argument
		// errors reach here unprinted.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
