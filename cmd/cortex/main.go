// Command cortex runs the cognitive dispatch kernel: an interactive
// REPL, one-shot turns, ledger verification, and memory inspection.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "cortex",
		Short:         "Governed cognitive dispatch kernel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	root.AddCommand(newReplCmd())
	root.AddCommand(newTurnCmd())
	root.AddCommand(newVerifyCmd())
	root.AddCommand(newBiasesCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
