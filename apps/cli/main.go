package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	dlqcmd "github.com/edumesh/edumesh-server/apps/cli/cmd/dlq"
	golivecmd "github.com/edumesh/edumesh-server/apps/cli/cmd/golive"
	provisioncmd "github.com/edumesh/edumesh-server/apps/cli/cmd/provision"
	"github.com/edumesh/edumesh-server/apps/cli/root"
)

// newRootCommand assembles the CLI. Subcommands are registered here, at the
// top of the dependency graph, so the cmd packages stay leaves that only
// depend on root for the exit-code contract.
func newRootCommand() *cobra.Command {
	cmd := root.Root()
	cmd.AddCommand(
		provisioncmd.Command(),
		golivecmd.Command(),
		dlqcmd.Command(),
	)
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)

		var exit root.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		os.Exit(2)
	}
}
