// Command fraudchain scores card transactions and registers secure decisions
// on-chain exactly once.
package main

import (
	"fmt"
	"os"

	"github.com/gaboibarra/fraudchain/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
