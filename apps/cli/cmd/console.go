package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JasonLovesDoggo/taut/packages/output"
)

func newConsole(cmd *cobra.Command) *output.Console {
	return output.NewConsole(
		output.WithWriter(cmd.OutOrStdout()),
		output.WithVerbose(verboseFlag),
		output.WithNoColor(noColorFlag),
	)
}
