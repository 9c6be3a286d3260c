// Package cmd implements the nimble-sync CLI: sync, gen-srf, launch, and
// list subcommands wrapping internal/nimble.
package cmd

import (
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var rootCmd = &cobra.Command{
	Use:   "nimble-sync",
	Short: "Synchronizes a local mod directory against a remote repository",
	Long:  `nimble-sync replicates a remote HTTP-hosted mod repository into a local directory, byte-identical and ready for game launch.`,
}

// Execute initializes the root command tree and delegates to Cobra for
// argument parsing and subcommand dispatch. Exit codes follow spec.md §6:
// 0 success, 1 error, 2 cancelled.
func Execute() {
	// Disable pterm rich output and enforce RawOutput when stdout is not a terminal (e.g., CI, piped output)
	if !term.IsTerminal(int(os.Stdout.Fd())) || os.Getenv("NO_COLOR") != "" {
		pterm.DisableStyling()
		pterm.RawOutput = true
	}

	if err := rootCmd.Execute(); err != nil {
		if exitErr, ok := err.(*exitCodeError); ok {
			if exitErr.code != 2 {
				pterm.Error.Println(exitErr.cause)
			}
			os.Exit(exitErr.code)
		}
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

// exitCodeError lets a subcommand's RunE request a specific process exit
// code (2 for cancellation) while still going through Cobra's normal error
// path. Cancellation exits silently per spec.md §7.
type exitCodeError struct {
	code  int
	cause error
}

func (e *exitCodeError) Error() string {
	return e.cause.Error()
}

func (e *exitCodeError) Unwrap() error {
	return e.cause
}

func cancelledExit(cause error) error {
	return &exitCodeError{code: 2, cause: cause}
}
