// Crucible — sandboxed execution engine for untrusted model-generated programs.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "crucible",
	Short: "Crucible — sandboxed execution engine for untrusted programs.",
	Long: `Crucible validates, sandboxes, and executes untrusted model-generated
JavaScript programs. Programs reach the host only through a fixed capability
catalog; every execution runs under an operation, memory, and wall-clock
budget and ends in exactly one structured outcome.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, runnerCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
