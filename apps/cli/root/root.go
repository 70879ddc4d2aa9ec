// Package root holds the base command for the operational CLI. Exit codes
// follow the runbook convention: 0 success, 1 critical failure (blocking
// go-live), 2 invalid input.
package root

import (
	"github.com/spf13/cobra"
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e ExitError) Error() string { return e.Err.Error() }
func (e ExitError) Unwrap() error { return e.Err }

// Critical wraps a blocking operational failure (exit 1).
func Critical(err error) ExitError { return ExitError{Code: 1, Err: err} }

// Invalid wraps a usage or input error (exit 2).
func Invalid(err error) ExitError { return ExitError{Code: 2, Err: err} }

var rootCmd = &cobra.Command{
	Use:           "edumesh",
	Short:         "EduMesh operations CLI",
	Long:          "Operational utilities for the EduMesh control plane: tenant provisioning, go-live checks, dead-letter replay.",
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// Root returns the mutable root command for wiring from subpackages.
func Root() *cobra.Command {
	return rootCmd
}
