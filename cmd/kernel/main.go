// Command kernel is the top-level entry point that loads a runtime
// configuration document, builds a RuntimeBuilder against it, and
// either validates or executes it — across all three deployment
// profiles (spec.md §4.13).
//
// Grounded on the teacher's cmd/aurora/main.go root-command shape:
// a persistent --config flag, one subcommand per top-level operation.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "kernel",
		Short: "Stream-processing execution kernel",
		Long:  "Build and run a DAG-based execution kernel from a runtime configuration document",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to the runtime configuration YAML document")
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
