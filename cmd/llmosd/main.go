// llmosd is the local daemon that executes JSON plan DAGs submitted by
// LLM agents against the host's capability modules.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.9.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "llmosd",
		Short:         "Plan orchestration daemon for LLM agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("llmosd %s\n", version)
		},
	}
}
