// Command rlmharness runs a single Recursive Language Model completion:
// an iterative loop between a root LM and a stateful interpreter
// subprocess, with recursive subcalls bridged back in over loopback HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rlmharness",
		Short: "Recursive Language Model harness",
		Long: "rlmharness drives a root LM through an iterative REPL loop, " +
			"executing emitted code in a stateful interpreter subprocess and " +
			"bridging recursive LM subcalls issued from that code.",
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())
	return root
}
