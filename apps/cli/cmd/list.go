package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/JasonLovesDoggo/taut/packages/core/runner"
)

var listCmd = &cobra.Command{
	Use:   "list [paths...]",
	Short: "List discovered tests without running them",
	Long: `Run discovery and filtering, print the matching test identifiers, and
exit. Nothing is executed.

Examples:
  taut list
  taut list tests/ -k login
  taut list -m "group=api and not slow"`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()

		o, err := runner.New(buildOptions(args))
		if err != nil {
			return err
		}

		code, err := o.List(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		if code != runner.ExitOK {
			os.Exit(code)
		}
		return nil
	},
}
